// Package typedefs holds the type definitions every instance is typed
// against.
package typedefs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/systemshift/omrs/pkg/omrs"
)

// UsageChecker reports whether stored instances reference a type.
type UsageChecker interface {
	TypeInUse(ctx context.Context, typeDefGUID string) (bool, error)
}

// Config configures a Registry.
type Config struct {
	// Store persists the registry. Nil keeps types in memory only.
	Store Store
	// Categories limits the type categories this repository can store.
	// Empty allows every category.
	Categories []omrs.TypeDefCategory
	Logger     hclog.Logger
}

// Registry is the set of TypeDefs and AttributeTypeDefs of one repository.
// guid and name are each unique and map one to one.
type Registry struct {
	mu         sync.RWMutex
	typesGUID  map[string]*omrs.TypeDef
	typesName  map[string]*omrs.TypeDef
	attrsGUID  map[string]*omrs.AttributeTypeDef
	attrsName  map[string]*omrs.AttributeTypeDef
	store      Store
	usage      UsageChecker
	categories mapset.Set[omrs.TypeDefCategory]
	logger     hclog.Logger
}

// New creates a registry and loads any persisted types.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	r := &Registry{
		typesGUID:  make(map[string]*omrs.TypeDef),
		typesName:  make(map[string]*omrs.TypeDef),
		attrsGUID:  make(map[string]*omrs.AttributeTypeDef),
		attrsName:  make(map[string]*omrs.AttributeTypeDef),
		store:      cfg.Store,
		categories: mapset.NewSet(cfg.Categories...),
		logger:     cfg.Logger,
	}
	if r.logger == nil {
		r.logger = hclog.NewNullLogger()
	}
	if r.categories.Cardinality() == 0 {
		r.categories.Append(omrs.CategoryEntityDef, omrs.CategoryRelationshipDef, omrs.CategoryClassificationDef)
	}

	if r.store != nil {
		typeDefs, attrDefs, err := r.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading type definitions: %w", err)
		}
		for _, a := range attrDefs {
			r.attrsGUID[a.GUID] = a
			r.attrsName[a.Name] = a
		}
		for _, t := range typeDefs {
			r.typesGUID[t.GUID] = t
			r.typesName[t.Name] = t
		}
		r.logger.Info("loaded type definitions", "typedefs", len(typeDefs), "attribute_typedefs", len(attrDefs))
	}
	return r, nil
}

// SetUsageChecker installs the check consulted before a type is deleted or
// re-identified.
func (r *Registry) SetUsageChecker(u UsageChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = u
}

// AddTypeDef registers a new TypeDef.
func (r *Registry) AddTypeDef(ctx context.Context, userID string, td *omrs.TypeDef) error {
	if err := validateTypeDef(td); err != nil {
		return err
	}
	if !r.categories.Contains(td.Category) {
		return omrs.Errorf(omrs.KindTypeDefNotSupported, "OMRS-TYPES-501-001",
			"type %s has category %s which this repository cannot store", td.Name, td.Category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkIdentity(td.GUID, td.Name); err != nil {
		return err
	}
	if err := r.validateReferences(td); err != nil {
		return err
	}

	stored := cloneTypeDef(td)
	if r.store != nil {
		if err := r.store.SaveTypeDef(ctx, stored); err != nil {
			return omrs.AsError(fmt.Errorf("saving type %s: %w", td.Name, err))
		}
	}
	r.typesGUID[stored.GUID] = stored
	r.typesName[stored.Name] = stored
	r.logger.Debug("added type", "guid", td.GUID, "name", td.Name, "user", userID)
	return nil
}

// AddAttributeTypeDef registers a new AttributeTypeDef.
func (r *Registry) AddAttributeTypeDef(ctx context.Context, userID string, atd *omrs.AttributeTypeDef) error {
	if err := validateAttributeTypeDef(atd); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkIdentity(atd.GUID, atd.Name); err != nil {
		return err
	}

	stored := cloneAttributeTypeDef(atd)
	if r.store != nil {
		if err := r.store.SaveAttributeTypeDef(ctx, stored); err != nil {
			return omrs.AsError(fmt.Errorf("saving attribute type %s: %w", atd.Name, err))
		}
	}
	r.attrsGUID[stored.GUID] = stored
	r.attrsName[stored.Name] = stored
	r.logger.Debug("added attribute type", "guid", atd.GUID, "name", atd.Name, "user", userID)
	return nil
}

// checkIdentity rejects a guid or name already used by any definition.
// Callers hold the write lock.
func (r *Registry) checkIdentity(guid, name string) error {
	byGUID := r.identityByGUID(guid)
	byName := r.identityByName(name)
	switch {
	case byGUID == "" && byName == "":
		return nil
	case byGUID == name && byName == guid:
		return omrs.Errorf(omrs.KindTypeDefKnown, "OMRS-TYPES-409-001",
			"type %s (%s) is already registered", name, guid)
	default:
		return omrs.Errorf(omrs.KindTypeDefConflict, "OMRS-TYPES-409-002",
			"type %s (%s) conflicts with a registered type", name, guid)
	}
}

// identityByGUID returns the name registered for guid, or "".
func (r *Registry) identityByGUID(guid string) string {
	if t, ok := r.typesGUID[guid]; ok {
		return t.Name
	}
	if a, ok := r.attrsGUID[guid]; ok {
		return a.Name
	}
	return ""
}

// identityByName returns the guid registered for name, or "".
func (r *Registry) identityByName(name string) string {
	if t, ok := r.typesName[name]; ok {
		return t.GUID
	}
	if a, ok := r.attrsName[name]; ok {
		return a.GUID
	}
	return ""
}

// VerifyTypeDef reports whether td is registered with the same version.
// Unknown types return false.
func (r *Registry) VerifyTypeDef(ctx context.Context, userID string, td *omrs.TypeDef) (bool, error) {
	if err := validateTypeDef(td); err != nil {
		return false, err
	}
	if !r.categories.Contains(td.Category) {
		return false, omrs.Errorf(omrs.KindTypeDefNotSupported, "OMRS-TYPES-501-001",
			"type %s has category %s which this repository cannot store", td.Name, td.Category)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	err := r.checkIdentity(td.GUID, td.Name)
	switch {
	case err == nil:
		return false, nil
	case omrs.IsKind(err, omrs.KindTypeDefKnown):
		existing, ok := r.typesGUID[td.GUID]
		if !ok {
			return false, omrs.Errorf(omrs.KindTypeDefConflict, "OMRS-TYPES-409-002",
				"type %s (%s) conflicts with a registered type", td.Name, td.GUID)
		}
		return existing.Version == td.Version && existing.Category == td.Category, nil
	default:
		return false, err
	}
}

// VerifyAttributeTypeDef reports whether atd is registered with the same
// version. Unknown attribute types return false.
func (r *Registry) VerifyAttributeTypeDef(ctx context.Context, userID string, atd *omrs.AttributeTypeDef) (bool, error) {
	if err := validateAttributeTypeDef(atd); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	err := r.checkIdentity(atd.GUID, atd.Name)
	switch {
	case err == nil:
		return false, nil
	case omrs.IsKind(err, omrs.KindTypeDefKnown):
		existing, ok := r.attrsGUID[atd.GUID]
		if !ok {
			return false, omrs.Errorf(omrs.KindTypeDefConflict, "OMRS-TYPES-409-002",
				"attribute type %s (%s) conflicts with a registered type", atd.Name, atd.GUID)
		}
		return existing.Version == atd.Version && existing.Category == atd.Category, nil
	default:
		return false, err
	}
}

// UpdateTypeDef applies a compatible patch and returns the new definition.
func (r *Registry) UpdateTypeDef(ctx context.Context, userID string, patch *omrs.TypeDefPatch) (*omrs.TypeDef, error) {
	if patch == nil || (patch.TypeDefGUID == "" && patch.TypeDefName == "") {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-010",
			"the patch does not identify a type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.lookupTypeDef(patch.TypeDefGUID, patch.TypeDefName)
	if err != nil {
		return nil, err
	}
	updated, err := r.applyPatch(current, patch)
	if err != nil {
		return nil, err
	}

	if r.store != nil {
		if err := r.store.SaveTypeDef(ctx, updated); err != nil {
			return nil, omrs.AsError(fmt.Errorf("saving type %s: %w", updated.Name, err))
		}
	}
	r.typesGUID[updated.GUID] = updated
	r.typesName[updated.Name] = updated
	r.logger.Info("patched type", "name", updated.Name, "version", updated.Version, "user", userID)
	return cloneTypeDef(updated), nil
}

// DeleteTypeDef removes an unused TypeDef.
func (r *Registry) DeleteTypeDef(ctx context.Context, userID, guid, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	td, err := r.lookupTypeDef(guid, name)
	if err != nil {
		return err
	}
	if err := r.checkTypeUnused(ctx, td); err != nil {
		return err
	}
	if dependent := r.typeDependents(td.GUID); len(dependent) > 0 {
		return omrs.Errorf(omrs.KindTypeDefInUse, "OMRS-TYPES-409-010",
			"type %s is referenced by %v", td.Name, dependent)
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, td.GUID); err != nil {
			return omrs.AsError(fmt.Errorf("deleting type %s: %w", td.Name, err))
		}
	}
	delete(r.typesGUID, td.GUID)
	delete(r.typesName, td.Name)
	r.logger.Info("deleted type", "name", td.Name, "user", userID)
	return nil
}

// DeleteAttributeTypeDef removes an AttributeTypeDef no TypeDef uses.
func (r *Registry) DeleteAttributeTypeDef(ctx context.Context, userID, guid, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	atd, err := r.lookupAttributeTypeDef(guid, name)
	if err != nil {
		return err
	}
	if users := r.attributeUsers(atd.GUID); len(users) > 0 {
		return omrs.Errorf(omrs.KindTypeDefInUse, "OMRS-TYPES-409-011",
			"attribute type %s is used by %v", atd.Name, users)
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, atd.GUID); err != nil {
			return omrs.AsError(fmt.Errorf("deleting attribute type %s: %w", atd.Name, err))
		}
	}
	delete(r.attrsGUID, atd.GUID)
	delete(r.attrsName, atd.Name)
	r.logger.Info("deleted attribute type", "name", atd.Name, "user", userID)
	return nil
}

// ReIdentifyTypeDef changes the guid and name of a TypeDef in one step and
// rewrites the references held by other TypeDefs.
func (r *Registry) ReIdentifyTypeDef(ctx context.Context, userID, guid, name, newGUID, newName string) (*omrs.TypeDef, error) {
	if newGUID == "" || newName == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-011",
			"a new guid and name are both required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	td, err := r.lookupTypeDef(guid, name)
	if err != nil {
		return nil, err
	}
	if err := r.checkNewIdentity(td.GUID, td.Name, newGUID, newName); err != nil {
		return nil, err
	}
	if err := r.checkTypeUnused(ctx, td); err != nil {
		return nil, err
	}

	renamed := cloneTypeDef(td)
	renamed.GUID, renamed.Name = newGUID, newName
	oldLink := td.Link()
	newLink := renamed.Link()

	changed := []*omrs.TypeDef{renamed}
	for _, other := range r.typesGUID {
		if other.GUID == td.GUID {
			continue
		}
		if rewritten, ok := rewriteTypeLinks(other, oldLink, newLink); ok {
			changed = append(changed, rewritten)
		}
	}

	if r.store != nil {
		if err := r.store.Replace(ctx, td.GUID, changed, nil); err != nil {
			return nil, omrs.AsError(fmt.Errorf("re-identifying type %s: %w", td.Name, err))
		}
	}
	delete(r.typesGUID, td.GUID)
	delete(r.typesName, td.Name)
	for _, c := range changed {
		r.typesGUID[c.GUID] = c
		r.typesName[c.Name] = c
	}
	r.logger.Info("re-identified type", "from", td.Name, "to", newName, "user", userID)
	return cloneTypeDef(renamed), nil
}

// ReIdentifyAttributeTypeDef changes the guid and name of an
// AttributeTypeDef and rewrites the attributes that refer to it.
func (r *Registry) ReIdentifyAttributeTypeDef(ctx context.Context, userID, guid, name, newGUID, newName string) (*omrs.AttributeTypeDef, error) {
	if newGUID == "" || newName == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-011",
			"a new guid and name are both required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	atd, err := r.lookupAttributeTypeDef(guid, name)
	if err != nil {
		return nil, err
	}
	if err := r.checkNewIdentity(atd.GUID, atd.Name, newGUID, newName); err != nil {
		return nil, err
	}

	renamed := cloneAttributeTypeDef(atd)
	renamed.GUID, renamed.Name = newGUID, newName

	var changed []*omrs.TypeDef
	for _, td := range r.typesGUID {
		if rewritten, ok := rewriteAttributeLinks(td, atd.Link(), renamed.Link()); ok {
			changed = append(changed, rewritten)
		}
	}

	if r.store != nil {
		if err := r.store.Replace(ctx, atd.GUID, changed, renamed); err != nil {
			return nil, omrs.AsError(fmt.Errorf("re-identifying attribute type %s: %w", atd.Name, err))
		}
	}
	delete(r.attrsGUID, atd.GUID)
	delete(r.attrsName, atd.Name)
	r.attrsGUID[renamed.GUID] = renamed
	r.attrsName[renamed.Name] = renamed
	for _, c := range changed {
		r.typesGUID[c.GUID] = c
		r.typesName[c.Name] = c
	}
	r.logger.Info("re-identified attribute type", "from", atd.Name, "to", newName, "user", userID)
	return cloneAttributeTypeDef(renamed), nil
}

func (r *Registry) checkNewIdentity(guid, name, newGUID, newName string) error {
	if owner := r.identityByGUID(newGUID); owner != "" && newGUID != guid {
		return omrs.Errorf(omrs.KindTypeDefConflict, "OMRS-TYPES-409-003",
			"guid %s is already used by type %s", newGUID, owner)
	}
	if owner := r.identityByName(newName); owner != "" && newName != name {
		return omrs.Errorf(omrs.KindTypeDefConflict, "OMRS-TYPES-409-004",
			"name %s is already used by type %s", newName, owner)
	}
	return nil
}

func (r *Registry) checkTypeUnused(ctx context.Context, td *omrs.TypeDef) error {
	if r.usage == nil {
		return nil
	}
	inUse, err := r.usage.TypeInUse(ctx, td.GUID)
	if err != nil {
		return omrs.AsError(fmt.Errorf("checking usage of type %s: %w", td.Name, err))
	}
	if inUse {
		return omrs.Errorf(omrs.KindTypeDefInUse, "OMRS-TYPES-409-012",
			"instances of type %s are stored in this repository", td.Name)
	}
	return nil
}

// typeDependents lists the TypeDefs referring to guid.
func (r *Registry) typeDependents(guid string) []string {
	var names []string
	for _, t := range r.typesGUID {
		if t.GUID == guid {
			continue
		}
		if refersTo(t, guid) {
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)
	return names
}

// attributeUsers lists the TypeDefs with an attribute of type guid.
func (r *Registry) attributeUsers(guid string) []string {
	var names []string
	for _, t := range r.typesGUID {
		for _, a := range t.PropertiesDefinition {
			if a.AttributeType.GUID == guid {
				names = append(names, t.Name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// lookupTypeDef finds a TypeDef by guid, name or both. When both are given
// they must identify the same definition.
func (r *Registry) lookupTypeDef(guid, name string) (*omrs.TypeDef, error) {
	var td *omrs.TypeDef
	if guid != "" {
		td = r.typesGUID[guid]
	} else {
		td = r.typesName[name]
	}
	if td == nil || (name != "" && td.Name != name) {
		return nil, omrs.Errorf(omrs.KindTypeDefNotKnown, "OMRS-TYPES-404-001",
			"type %s (%s) is not known", name, guid)
	}
	return td, nil
}

func (r *Registry) lookupAttributeTypeDef(guid, name string) (*omrs.AttributeTypeDef, error) {
	var atd *omrs.AttributeTypeDef
	if guid != "" {
		atd = r.attrsGUID[guid]
	} else {
		atd = r.attrsName[name]
	}
	if atd == nil || (name != "" && atd.Name != name) {
		return nil, omrs.Errorf(omrs.KindTypeDefNotKnown, "OMRS-TYPES-404-002",
			"attribute type %s (%s) is not known", name, guid)
	}
	return atd, nil
}

// GetTypeDefByGUID returns the TypeDef with the given guid.
func (r *Registry) GetTypeDefByGUID(ctx context.Context, userID, guid string) (*omrs.TypeDef, error) {
	if guid == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-001", "no type guid supplied")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, err := r.lookupTypeDef(guid, "")
	if err != nil {
		return nil, err
	}
	return cloneTypeDef(td), nil
}

// GetTypeDefByName returns the TypeDef with the given name.
func (r *Registry) GetTypeDefByName(ctx context.Context, userID, name string) (*omrs.TypeDef, error) {
	if name == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-002", "no type name supplied")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, err := r.lookupTypeDef("", name)
	if err != nil {
		return nil, err
	}
	return cloneTypeDef(td), nil
}

// GetAttributeTypeDefByGUID returns the AttributeTypeDef with the given guid.
func (r *Registry) GetAttributeTypeDefByGUID(ctx context.Context, userID, guid string) (*omrs.AttributeTypeDef, error) {
	if guid == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-001", "no type guid supplied")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	atd, err := r.lookupAttributeTypeDef(guid, "")
	if err != nil {
		return nil, err
	}
	return cloneAttributeTypeDef(atd), nil
}

// GetAttributeTypeDefByName returns the AttributeTypeDef with the given name.
func (r *Registry) GetAttributeTypeDefByName(ctx context.Context, userID, name string) (*omrs.AttributeTypeDef, error) {
	if name == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-002", "no type name supplied")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	atd, err := r.lookupAttributeTypeDef("", name)
	if err != nil {
		return nil, err
	}
	return cloneAttributeTypeDef(atd), nil
}

// GetAllTypes returns every registered definition, sorted by name.
func (r *Registry) GetAllTypes(ctx context.Context, userID string) (*omrs.TypeDefGallery, error) {
	return r.gallery(func(string) bool { return true }), nil
}

// FindTypesByName returns the definitions whose name matches the regular
// expression.
func (r *Registry) FindTypesByName(ctx context.Context, userID, pattern string) (*omrs.TypeDefGallery, error) {
	re, err := compileSearch(pattern)
	if err != nil {
		return nil, err
	}
	return r.gallery(re.MatchString), nil
}

func (r *Registry) gallery(match func(string) bool) *omrs.TypeDefGallery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := &omrs.TypeDefGallery{
		TypeDefs:          []*omrs.TypeDef{},
		AttributeTypeDefs: []*omrs.AttributeTypeDef{},
	}
	for _, t := range r.typesGUID {
		if match(t.Name) {
			g.TypeDefs = append(g.TypeDefs, cloneTypeDef(t))
		}
	}
	for _, a := range r.attrsGUID {
		if match(a.Name) {
			g.AttributeTypeDefs = append(g.AttributeTypeDefs, cloneAttributeTypeDef(a))
		}
	}
	sortTypeDefs(g.TypeDefs)
	sort.Slice(g.AttributeTypeDefs, func(i, j int) bool {
		return g.AttributeTypeDefs[i].Name < g.AttributeTypeDefs[j].Name
	})
	return g
}

// FindTypeDefsByCategory returns the TypeDefs of one category.
func (r *Registry) FindTypeDefsByCategory(ctx context.Context, userID string, category omrs.TypeDefCategory) ([]*omrs.TypeDef, error) {
	switch category {
	case omrs.CategoryEntityDef, omrs.CategoryRelationshipDef, omrs.CategoryClassificationDef:
	default:
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-003",
			"%q is not a type category", category)
	}
	return r.filterTypeDefs(func(t *omrs.TypeDef) bool { return t.Category == category }), nil
}

// FindAttributeTypeDefsByCategory returns the AttributeTypeDefs of one
// category.
func (r *Registry) FindAttributeTypeDefsByCategory(ctx context.Context, userID string, category omrs.AttributeTypeDefCategory) ([]*omrs.AttributeTypeDef, error) {
	switch category {
	case omrs.CategoryPrimitive, omrs.CategoryEnum, omrs.CategoryCollection:
	default:
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-004",
			"%q is not an attribute type category", category)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*omrs.AttributeTypeDef{}
	for _, a := range r.attrsGUID {
		if a.Category == category {
			out = append(out, cloneAttributeTypeDef(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FindTypeDefsByProperty returns the TypeDefs that define, directly or by
// inheritance, every named attribute.
func (r *Registry) FindTypeDefsByProperty(ctx context.Context, userID string, props omrs.TypeDefProperties) ([]*omrs.TypeDef, error) {
	if len(props.Names) == 0 {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-005", "no property names supplied")
	}
	want := mapset.NewSet(props.Names...)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*omrs.TypeDef{}
	for _, t := range r.typesGUID {
		have := mapset.NewSet[string]()
		for _, a := range r.attributesLocked(t) {
			have.Add(a.Name)
		}
		if want.IsSubset(have) {
			out = append(out, cloneTypeDef(t))
		}
	}
	sortTypeDefs(out)
	return out, nil
}

// FindTypesByExternalID returns the TypeDefs mapped to an external standard.
// Empty arguments match any value; at least one must be set.
func (r *Registry) FindTypesByExternalID(ctx context.Context, userID string, q omrs.ExternalIDRequest) ([]*omrs.TypeDef, error) {
	if q.StandardName == "" && q.StandardOrganization == "" && q.StandardTypeName == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-006", "no external identifier supplied")
	}
	return r.filterTypeDefs(func(t *omrs.TypeDef) bool {
		for _, m := range t.ExternalStandardMappings {
			if (q.StandardName == "" || m.StandardName == q.StandardName) &&
				(q.StandardOrganization == "" || m.StandardOrganization == q.StandardOrganization) &&
				(q.StandardTypeName == "" || m.StandardTypeName == q.StandardTypeName) {
				return true
			}
		}
		return false
	}), nil
}

// SearchForTypeDefs returns the TypeDefs whose name or description matches
// the regular expression.
func (r *Registry) SearchForTypeDefs(ctx context.Context, userID, pattern string) ([]*omrs.TypeDef, error) {
	re, err := compileSearch(pattern)
	if err != nil {
		return nil, err
	}
	return r.filterTypeDefs(func(t *omrs.TypeDef) bool {
		return re.MatchString(t.Name) || re.MatchString(t.Description)
	}), nil
}

// SearchForAttributeTypeDefs returns the AttributeTypeDefs whose name or
// description matches the regular expression.
func (r *Registry) SearchForAttributeTypeDefs(ctx context.Context, userID, pattern string) ([]*omrs.AttributeTypeDef, error) {
	re, err := compileSearch(pattern)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*omrs.AttributeTypeDef{}
	for _, a := range r.attrsGUID {
		if re.MatchString(a.Name) || re.MatchString(a.Description) {
			out = append(out, cloneAttributeTypeDef(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) filterTypeDefs(match func(*omrs.TypeDef) bool) []*omrs.TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*omrs.TypeDef{}
	for _, t := range r.typesGUID {
		if match(t) {
			out = append(out, cloneTypeDef(t))
		}
	}
	sortTypeDefs(out)
	return out
}

func compileSearch(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-007", "no search criteria supplied")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-008",
			"search criteria %q is not a valid regular expression", pattern).WithCause(err)
	}
	return re, nil
}

func sortTypeDefs(types []*omrs.TypeDef) {
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
}
