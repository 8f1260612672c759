package typedefs

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/systemshift/omrs/pkg/omrs"
)

var (
	typeCategories = []interface{}{
		omrs.CategoryEntityDef, omrs.CategoryRelationshipDef, omrs.CategoryClassificationDef,
	}
	attributeCategories = []interface{}{
		omrs.CategoryPrimitive, omrs.CategoryEnum, omrs.CategoryCollection,
	}
	primitiveKinds = []interface{}{
		omrs.PrimitiveBoolean, omrs.PrimitiveInt, omrs.PrimitiveLong, omrs.PrimitiveFloat,
		omrs.PrimitiveDouble, omrs.PrimitiveString, omrs.PrimitiveDate,
	}
	collectionKinds = []interface{}{
		omrs.CollectionArray, omrs.CollectionMap, omrs.CollectionStruct,
	}
)

func invalidTypeDef(name string, err error) error {
	return omrs.Errorf(omrs.KindInvalidTypeDef, "OMRS-TYPES-400-020",
		"type definition %s is invalid: %s", name, err.Error()).WithCause(err)
}

// validateTypeDef checks the structure of td without consulting the
// registry.
func validateTypeDef(td *omrs.TypeDef) error {
	if td == nil {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-021", "no type definition supplied")
	}
	isRelationship := td.Category == omrs.CategoryRelationshipDef
	err := validation.ValidateStruct(td,
		validation.Field(&td.GUID, validation.Required),
		validation.Field(&td.Name, validation.Required),
		validation.Field(&td.Category, validation.Required, validation.In(typeCategories...)),
		validation.Field(&td.Version, validation.Required, validation.Min(int64(1))),
		validation.Field(&td.PropertiesDefinition, validation.By(uniqueAttributeNames),
			validation.Each(validation.By(checkAttribute))),
		validation.Field(&td.EndDef1, validation.When(isRelationship, validation.Required, validation.By(checkEndDef))),
		validation.Field(&td.EndDef2, validation.When(isRelationship, validation.Required, validation.By(checkEndDef))),
		validation.Field(&td.InitialStatus, validation.By(func(interface{}) error {
			return checkInitialStatus(td)
		})),
	)
	if err != nil {
		return invalidTypeDef(td.Name, err)
	}
	if !isRelationship && (td.EndDef1 != nil || td.EndDef2 != nil) {
		return invalidTypeDef(td.Name, fmt.Errorf("only relationship types have end definitions"))
	}
	if td.Category != omrs.CategoryClassificationDef && len(td.ValidEntityDefs) > 0 {
		return invalidTypeDef(td.Name, fmt.Errorf("only classification types list valid entity types"))
	}
	return nil
}

func uniqueAttributeNames(value interface{}) error {
	attrs, _ := value.([]omrs.TypeDefAttribute)
	seen := mapset.NewSet[string]()
	for _, a := range attrs {
		if !seen.Add(a.Name) {
			return fmt.Errorf("attribute %s is declared twice", a.Name)
		}
	}
	return nil
}

func checkAttribute(value interface{}) error {
	a, ok := value.(omrs.TypeDefAttribute)
	if !ok {
		return fmt.Errorf("unexpected attribute value %T", value)
	}
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required),
		validation.Field(&a.AttributeType, validation.By(func(interface{}) error {
			if a.AttributeType.IsZero() {
				return fmt.Errorf("attribute %s has no type", a.Name)
			}
			return nil
		})),
	)
}

func checkEndDef(value interface{}) error {
	end, _ := value.(*omrs.RelationshipEndDef)
	if end == nil {
		return nil
	}
	if end.EntityType.IsZero() {
		return fmt.Errorf("end definition has no entity type")
	}
	return validation.Validate(end.AttributeName, validation.Required)
}

func checkInitialStatus(td *omrs.TypeDef) error {
	if td.InitialStatus == "" || len(td.ValidInstanceStatusList) == 0 {
		return nil
	}
	for _, s := range td.ValidInstanceStatusList {
		if s == td.InitialStatus {
			return nil
		}
	}
	return fmt.Errorf("initial status %s is not a valid status", td.InitialStatus)
}

// validateAttributeTypeDef checks the structure of atd.
func validateAttributeTypeDef(atd *omrs.AttributeTypeDef) error {
	if atd == nil {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-021", "no attribute type definition supplied")
	}
	err := validation.ValidateStruct(atd,
		validation.Field(&atd.GUID, validation.Required),
		validation.Field(&atd.Name, validation.Required),
		validation.Field(&atd.Category, validation.Required, validation.In(attributeCategories...)),
		validation.Field(&atd.PrimitiveKind, validation.When(atd.Category == omrs.CategoryPrimitive,
			validation.Required, validation.In(primitiveKinds...))),
		validation.Field(&atd.ElementDefs, validation.When(atd.Category == omrs.CategoryEnum, validation.Required)),
		validation.Field(&atd.CollectionKind, validation.When(atd.Category == omrs.CategoryCollection,
			validation.Required, validation.In(collectionKinds...))),
		validation.Field(&atd.ArgumentTypes, validation.Each(validation.In(primitiveKinds...))),
	)
	if err == nil && atd.Category == omrs.CategoryCollection {
		switch {
		case atd.CollectionKind == omrs.CollectionArray && len(atd.ArgumentTypes) > 1:
			err = fmt.Errorf("array collections take one argument type")
		case atd.CollectionKind == omrs.CollectionMap && len(atd.ArgumentTypes) != 0 && len(atd.ArgumentTypes) != 2:
			err = fmt.Errorf("map collections take a key and a value type")
		}
	}
	if err != nil {
		return invalidTypeDef(atd.Name, err)
	}
	return nil
}

// validateReferences checks the links of td against the registered types.
// Callers hold the lock.
func (r *Registry) validateReferences(td *omrs.TypeDef) error {
	if !td.SuperType.IsZero() {
		super := r.resolveLinkLocked(*td.SuperType)
		if super == nil {
			return invalidTypeDef(td.Name, fmt.Errorf("supertype %s is not known", td.SuperType.Name))
		}
		if super.Category != td.Category {
			return invalidTypeDef(td.Name, fmt.Errorf("supertype %s has category %s", super.Name, super.Category))
		}
		for _, inherited := range r.attributesLocked(super) {
			if _, ok := td.Attribute(inherited.Name); ok {
				return invalidTypeDef(td.Name, fmt.Errorf("attribute %s is already inherited from %s", inherited.Name, super.Name))
			}
		}
	}
	for _, a := range td.PropertiesDefinition {
		if r.resolveAttributeLocked(a.AttributeType) == nil {
			return invalidTypeDef(td.Name, fmt.Errorf("attribute %s has unknown type %s", a.Name, a.AttributeType.Name))
		}
	}
	for _, end := range []*omrs.RelationshipEndDef{td.EndDef1, td.EndDef2} {
		if end == nil {
			continue
		}
		if entity := r.resolveLinkLocked(end.EntityType); entity == nil || entity.Category != omrs.CategoryEntityDef {
			return invalidTypeDef(td.Name, fmt.Errorf("end type %s is not a known entity type", end.EntityType.Name))
		}
	}
	for _, link := range td.ValidEntityDefs {
		if entity := r.resolveLinkLocked(link); entity == nil || entity.Category != omrs.CategoryEntityDef {
			return invalidTypeDef(td.Name, fmt.Errorf("valid entity type %s is not a known entity type", link.Name))
		}
	}
	return nil
}

// applyPatch returns a patched copy of current. Only additive changes that
// cannot invalidate stored instances are accepted.
func (r *Registry) applyPatch(current *omrs.TypeDef, patch *omrs.TypeDefPatch) (*omrs.TypeDef, error) {
	patchErr := func(format string, args ...any) error {
		return omrs.Errorf(omrs.KindPatchError, "OMRS-TYPES-400-030",
			"patch for type %s cannot be applied: %s", current.Name, fmt.Sprintf(format, args...))
	}

	if patch.ApplyToVersion != current.Version {
		return nil, patchErr("it applies to version %d but the current version is %d", patch.ApplyToVersion, current.Version)
	}
	if patch.UpdateToVersion <= current.Version {
		return nil, patchErr("new version %d does not follow %d", patch.UpdateToVersion, current.Version)
	}

	updated := cloneTypeDef(current)
	existing := mapset.NewSet[string]()
	for _, a := range r.attributesLocked(current) {
		existing.Add(a.Name)
	}
	for _, a := range patch.PropertyDefinitions {
		switch {
		case a.Name == "":
			return nil, patchErr("an added attribute has no name")
		case existing.Contains(a.Name):
			return nil, patchErr("attribute %s already exists", a.Name)
		case a.Required:
			return nil, patchErr("added attribute %s is mandatory", a.Name)
		case r.resolveAttributeLocked(a.AttributeType) == nil:
			return nil, patchErr("attribute %s has unknown type %s", a.Name, a.AttributeType.Name)
		}
		existing.Add(a.Name)
		updated.PropertiesDefinition = append(updated.PropertiesDefinition, a)
	}

	if len(patch.ValidInstanceStatusList) > 0 {
		next := mapset.NewSet(patch.ValidInstanceStatusList...)
		for _, s := range r.validStatusesLocked(current) {
			if !next.Contains(s) {
				return nil, patchErr("status %s would no longer be valid", s)
			}
		}
		updated.ValidInstanceStatusList = append([]omrs.InstanceStatus(nil), patch.ValidInstanceStatusList...)
	}
	if patch.ExternalStandardMappings != nil {
		updated.ExternalStandardMappings = append([]omrs.ExternalStandardMapping(nil), patch.ExternalStandardMappings...)
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.NewVersionName != "" {
		updated.VersionName = patch.NewVersionName
	}
	updated.Version = patch.UpdateToVersion
	return updated, nil
}

// refersTo reports whether td links to the type with the given guid.
func refersTo(td *omrs.TypeDef, guid string) bool {
	if td.SuperType != nil && td.SuperType.GUID == guid {
		return true
	}
	for _, end := range []*omrs.RelationshipEndDef{td.EndDef1, td.EndDef2} {
		if end != nil && end.EntityType.GUID == guid {
			return true
		}
	}
	for _, link := range td.ValidEntityDefs {
		if link.GUID == guid {
			return true
		}
	}
	return false
}

// rewriteTypeLinks returns a copy of td with links to from replaced by to.
func rewriteTypeLinks(td *omrs.TypeDef, from, to omrs.TypeDefLink) (*omrs.TypeDef, bool) {
	if !refersTo(td, from.GUID) {
		return nil, false
	}
	out := cloneTypeDef(td)
	if out.SuperType != nil && out.SuperType.GUID == from.GUID {
		link := to
		out.SuperType = &link
	}
	for _, end := range []*omrs.RelationshipEndDef{out.EndDef1, out.EndDef2} {
		if end != nil && end.EntityType.GUID == from.GUID {
			end.EntityType = to
		}
	}
	for i, link := range out.ValidEntityDefs {
		if link.GUID == from.GUID {
			out.ValidEntityDefs[i] = to
		}
	}
	return out, true
}

// rewriteAttributeLinks returns a copy of td with attributes of type from
// switched to type to.
func rewriteAttributeLinks(td *omrs.TypeDef, from, to omrs.TypeDefLink) (*omrs.TypeDef, bool) {
	var out *omrs.TypeDef
	for i, a := range td.PropertiesDefinition {
		if a.AttributeType.GUID != from.GUID {
			continue
		}
		if out == nil {
			out = cloneTypeDef(td)
		}
		out.PropertiesDefinition[i].AttributeType = to
	}
	return out, out != nil
}

func cloneTypeDef(td *omrs.TypeDef) *omrs.TypeDef {
	out := *td
	if td.SuperType != nil {
		super := *td.SuperType
		out.SuperType = &super
	}
	out.PropertiesDefinition = append([]omrs.TypeDefAttribute(nil), td.PropertiesDefinition...)
	out.ValidInstanceStatusList = append([]omrs.InstanceStatus(nil), td.ValidInstanceStatusList...)
	out.ExternalStandardMappings = append([]omrs.ExternalStandardMapping(nil), td.ExternalStandardMappings...)
	out.ValidEntityDefs = append([]omrs.TypeDefLink(nil), td.ValidEntityDefs...)
	if td.EndDef1 != nil {
		end := *td.EndDef1
		out.EndDef1 = &end
	}
	if td.EndDef2 != nil {
		end := *td.EndDef2
		out.EndDef2 = &end
	}
	return &out
}

func cloneAttributeTypeDef(atd *omrs.AttributeTypeDef) *omrs.AttributeTypeDef {
	out := *atd
	out.ElementDefs = append([]omrs.EnumElementDef(nil), atd.ElementDefs...)
	out.ArgumentTypes = append([]omrs.PrimitiveKind(nil), atd.ArgumentTypes...)
	return &out
}
