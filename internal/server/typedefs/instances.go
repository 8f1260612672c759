package typedefs

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/systemshift/omrs/pkg/omrs"
)

// Lookups used while storing and querying instances. The returned
// definitions are shared and must not be modified.

// TypeDef returns the TypeDef with the given guid.
func (r *Registry) TypeDef(guid string) (*omrs.TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.typesGUID[guid]
	return td, ok
}

// TypeDefByName returns the TypeDef with the given name.
func (r *Registry) TypeDefByName(name string) (*omrs.TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.typesName[name]
	return td, ok
}

// ResolveLink returns the TypeDef a link points at.
func (r *Registry) ResolveLink(link omrs.TypeDefLink) (*omrs.TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td := r.resolveLinkLocked(link)
	return td, td != nil
}

func (r *Registry) resolveLinkLocked(link omrs.TypeDefLink) *omrs.TypeDef {
	if link.GUID != "" {
		td := r.typesGUID[link.GUID]
		if td == nil || (link.Name != "" && td.Name != link.Name) {
			return nil
		}
		return td
	}
	return r.typesName[link.Name]
}

func (r *Registry) resolveAttributeLocked(link omrs.TypeDefLink) *omrs.AttributeTypeDef {
	if link.GUID != "" {
		atd := r.attrsGUID[link.GUID]
		if atd == nil || (link.Name != "" && atd.Name != link.Name) {
			return nil
		}
		return atd
	}
	return r.attrsName[link.Name]
}

// supertypesLocked returns the ancestors of td, nearest first.
func (r *Registry) supertypesLocked(td *omrs.TypeDef) []*omrs.TypeDef {
	var chain []*omrs.TypeDef
	seen := mapset.NewSet(td.GUID)
	for cur := td; !cur.SuperType.IsZero(); {
		super := r.resolveLinkLocked(*cur.SuperType)
		if super == nil || !seen.Add(super.GUID) {
			break
		}
		chain = append(chain, super)
		cur = super
	}
	return chain
}

// InstanceType builds the type reference stored on instances of td.
func (r *Registry) InstanceType(td *omrs.TypeDef) omrs.InstanceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it := omrs.InstanceType{
		TypeDefGUID:     td.GUID,
		TypeDefName:     td.Name,
		TypeDefCategory: td.Category,
		TypeDefVersion:  td.Version,
	}
	for _, super := range r.supertypesLocked(td) {
		it.SuperTypes = append(it.SuperTypes, super.Link())
	}
	return it
}

// Subtypes returns the guids of td and every type descending from it.
func (r *Registry) Subtypes(guid string) mapset.Set[string] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := mapset.NewSet(guid)
	for _, t := range r.typesGUID {
		for _, super := range r.supertypesLocked(t) {
			if super.GUID == guid {
				out.Add(t.GUID)
				break
			}
		}
	}
	return out
}

// Attributes returns the attributes of td including inherited ones,
// furthest ancestor first.
func (r *Registry) Attributes(td *omrs.TypeDef) []omrs.TypeDefAttribute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attributesLocked(td)
}

func (r *Registry) attributesLocked(td *omrs.TypeDef) []omrs.TypeDefAttribute {
	chain := r.supertypesLocked(td)
	var attrs []omrs.TypeDefAttribute
	for i := len(chain) - 1; i >= 0; i-- {
		attrs = append(attrs, chain[i].PropertiesDefinition...)
	}
	return append(attrs, td.PropertiesDefinition...)
}

// ValidStatuses returns the statuses instances of td may hold. The nearest
// declared list wins; nil means the repository defaults apply.
func (r *Registry) ValidStatuses(td *omrs.TypeDef) []omrs.InstanceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validStatusesLocked(td)
}

func (r *Registry) validStatusesLocked(td *omrs.TypeDef) []omrs.InstanceStatus {
	if len(td.ValidInstanceStatusList) > 0 {
		return td.ValidInstanceStatusList
	}
	for _, super := range r.supertypesLocked(td) {
		if len(super.ValidInstanceStatusList) > 0 {
			return super.ValidInstanceStatusList
		}
	}
	return nil
}

// InitialStatus returns the status new instances of td start in when the
// caller does not choose one.
func (r *Registry) InitialStatus(td *omrs.TypeDef) omrs.InstanceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if td.InitialStatus != "" {
		return td.InitialStatus
	}
	for _, super := range r.supertypesLocked(td) {
		if super.InitialStatus != "" {
			return super.InitialStatus
		}
	}
	return omrs.StatusActive
}

// ClassificationValidFor reports whether classification type cls may be
// attached to an entity of type entity.
func (r *Registry) ClassificationValidFor(cls *omrs.TypeDef, entity omrs.InstanceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	valid := cls.ValidEntityDefs
	for _, super := range r.supertypesLocked(cls) {
		if len(valid) > 0 {
			break
		}
		valid = super.ValidEntityDefs
	}
	if len(valid) == 0 {
		return true
	}
	for _, link := range valid {
		if entity.IsA(link.Name) {
			return true
		}
	}
	return false
}

// ValidateProperties checks props against the attributes of td and returns
// a copy with primitive values converted to the declared kinds. When
// complete is set every mandatory attribute must be present.
func (r *Registry) ValidateProperties(td *omrs.TypeDef, props *omrs.InstanceProperties, complete bool) (*omrs.InstanceProperties, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attrs := make(map[string]omrs.TypeDefAttribute)
	for _, a := range r.attributesLocked(td) {
		attrs[a.Name] = a
	}

	out := omrs.NewProperties()
	for _, name := range props.Names() {
		value, _ := props.Get(name)
		attr, ok := attrs[name]
		if !ok {
			return nil, propertyError(td, name, fmt.Errorf("the property is not defined"))
		}
		atd := r.resolveAttributeLocked(attr.AttributeType)
		if atd == nil {
			return nil, propertyError(td, name, fmt.Errorf("attribute type %s is not known", attr.AttributeType.Name))
		}
		converted, err := r.convertValue(atd, value)
		if err != nil {
			return nil, propertyError(td, name, err)
		}
		out.Set(name, converted)
	}

	if complete {
		for _, a := range r.attributesLocked(td) {
			if _, ok := props.Get(a.Name); a.Required && !ok {
				return nil, propertyError(td, a.Name, fmt.Errorf("the property is mandatory"))
			}
		}
	}
	return out, nil
}

func propertyError(td *omrs.TypeDef, name string, err error) error {
	return omrs.Errorf(omrs.KindPropertyError, "OMRS-REPO-400-010",
		"property %s is not valid for type %s: %s", name, td.Name, err.Error())
}

func (r *Registry) convertValue(atd *omrs.AttributeTypeDef, v omrs.PropertyValue) (omrs.PropertyValue, error) {
	switch atd.Category {
	case omrs.CategoryPrimitive:
		return convertPrimitive(atd.PrimitiveKind, v)
	case omrs.CategoryEnum:
		if v.Category != omrs.PropertyEnum {
			return v, fmt.Errorf("expected an enum value, got %s", v.Category)
		}
		for _, e := range atd.ElementDefs {
			if (v.SymbolicName != "" && e.Value == v.SymbolicName) || (v.SymbolicName == "" && e.Ordinal == v.Ordinal) {
				return omrs.Enum(atd.Name, e.Ordinal, e.Value), nil
			}
		}
		return v, fmt.Errorf("%s is not a value of %s", v.String(), atd.Name)
	default:
		return convertCollection(atd, v)
	}
}

func convertPrimitive(kind omrs.PrimitiveKind, v omrs.PropertyValue) (omrs.PropertyValue, error) {
	if v.Category != omrs.PropertyPrimitive {
		return v, fmt.Errorf("expected a %s value, got %s", kind, v.Category)
	}
	norm, err := omrs.NormalizePrimitive(kind, v.Primitive)
	if err != nil {
		return v, err
	}
	v.PrimitiveKind = kind
	v.Primitive = norm
	return v, nil
}

func convertCollection(atd *omrs.AttributeTypeDef, v omrs.PropertyValue) (omrs.PropertyValue, error) {
	switch atd.CollectionKind {
	case omrs.CollectionArray:
		if v.Category != omrs.PropertyArray {
			return v, fmt.Errorf("expected an array value, got %s", v.Category)
		}
		if len(atd.ArgumentTypes) == 0 {
			return v, nil
		}
		elems := make([]omrs.PropertyValue, len(v.Elements))
		for i, e := range v.Elements {
			converted, err := convertPrimitive(atd.ArgumentTypes[0], e)
			if err != nil {
				return v, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = converted
		}
		return omrs.Array(atd.Name, elems...), nil
	case omrs.CollectionMap:
		if v.Category != omrs.PropertyMap {
			return v, fmt.Errorf("expected a map value, got %s", v.Category)
		}
		if len(atd.ArgumentTypes) < 2 {
			return v, nil
		}
		entries := omrs.NewProperties()
		for _, key := range v.Fields.Names() {
			e, _ := v.Fields.Get(key)
			converted, err := convertPrimitive(atd.ArgumentTypes[1], e)
			if err != nil {
				return v, fmt.Errorf("entry %s: %w", key, err)
			}
			entries.Set(key, converted)
		}
		return omrs.Map(atd.Name, entries), nil
	default:
		if v.Category != omrs.PropertyStruct {
			return v, fmt.Errorf("expected a struct value, got %s", v.Category)
		}
		return v, nil
	}
}

// UniqueProperties returns the properties of td marked unique, which are
// the ones carried by entity proxies.
func (r *Registry) UniqueProperties(td *omrs.TypeDef, props *omrs.InstanceProperties) *omrs.InstanceProperties {
	out := omrs.NewProperties()
	for _, a := range r.Attributes(td) {
		if !a.Unique {
			continue
		}
		if v, ok := props.Get(a.Name); ok {
			out.Set(a.Name, v)
		}
	}
	return out
}
