package typedefs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/omrs/pkg/omrs"
)

const (
	stringGUID = "b34a64b9-554a-42b1-8f8a-7d5c2339f9c4"
	assetGUID  = "896d14c2-7522-4f6c-8519-757711943fe6"
)

type fakeUsage map[string]bool

func (f fakeUsage) TypeInUse(_ context.Context, guid string) (bool, error) {
	return f[guid], nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(context.Background(), Config{})
	require.NoError(t, err)
	_, err = r.LoadBaseArchive(context.Background(), "test")
	require.NoError(t, err)
	return r
}

func sampleType(guid, name string) *omrs.TypeDef {
	return &omrs.TypeDef{
		GUID:      guid,
		Name:      name,
		Category:  omrs.CategoryEntityDef,
		Version:   1,
		SuperType: &omrs.TypeDefLink{GUID: assetGUID, Name: "Asset"},
		PropertiesDefinition: []omrs.TypeDefAttribute{
			{Name: "location", AttributeType: omrs.TypeDefLink{GUID: stringGUID, Name: "string"}},
		},
	}
}

func TestAddTypeDefIdentity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))

	err := r.AddTypeDef(ctx, "u", sampleType("g-1", "Server"))
	assert.Equal(t, omrs.KindTypeDefKnown, omrs.KindOf(err))

	err = r.AddTypeDef(ctx, "u", sampleType("g-2", "Server"))
	assert.Equal(t, omrs.KindTypeDefConflict, omrs.KindOf(err))

	err = r.AddTypeDef(ctx, "u", sampleType("g-1", "Host"))
	assert.Equal(t, omrs.KindTypeDefConflict, omrs.KindOf(err))
}

func TestAddTypeDefInvalid(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*omrs.TypeDef)
	}{
		{"missing guid", func(td *omrs.TypeDef) { td.GUID = "" }},
		{"zero version", func(td *omrs.TypeDef) { td.Version = 0 }},
		{"bad category", func(td *omrs.TypeDef) { td.Category = "WIDGET" }},
		{"unknown supertype", func(td *omrs.TypeDef) { td.SuperType = &omrs.TypeDefLink{Name: "Nope"} }},
		{"redeclared attribute", func(td *omrs.TypeDef) {
			td.PropertiesDefinition[0].Name = "qualifiedName"
		}},
		{"unknown attribute type", func(td *omrs.TypeDef) {
			td.PropertiesDefinition[0].AttributeType = omrs.TypeDefLink{Name: "decimal"}
		}},
		{"relationship without ends", func(td *omrs.TypeDef) {
			td.Category = omrs.CategoryRelationshipDef
			td.SuperType = nil
		}},
		{"initial status not listed", func(td *omrs.TypeDef) {
			td.ValidInstanceStatusList = []omrs.InstanceStatus{omrs.StatusActive}
			td.InitialStatus = omrs.StatusDraft
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td := sampleType("g-x", "Broken")
			tt.mutate(td)
			err := r.AddTypeDef(ctx, "u", td)
			assert.Equal(t, omrs.KindInvalidTypeDef, omrs.KindOf(err), "got %v", err)
		})
	}
}

func TestCategoriesLimitWhatCanBeStored(t *testing.T) {
	r, err := New(context.Background(), Config{Categories: []omrs.TypeDefCategory{omrs.CategoryEntityDef}})
	require.NoError(t, err)

	err = r.AddTypeDef(context.Background(), "u", &omrs.TypeDef{
		GUID: "c-1", Name: "Tag", Category: omrs.CategoryClassificationDef, Version: 1,
	})
	assert.Equal(t, omrs.KindTypeDefNotSupported, omrs.KindOf(err))
}

func TestVerifyTypeDef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))

	ok, err := r.VerifyTypeDef(ctx, "u", sampleType("g-1", "Server"))
	require.NoError(t, err)
	assert.True(t, ok)

	newer := sampleType("g-1", "Server")
	newer.Version = 2
	ok, err = r.VerifyTypeDef(ctx, "u", newer)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.VerifyTypeDef(ctx, "u", sampleType("g-9", "Unknown"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.VerifyTypeDef(ctx, "u", sampleType("g-9", "Server"))
	assert.Equal(t, omrs.KindTypeDefConflict, omrs.KindOf(err))
}

func TestUpdateTypeDef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))

	desc := "a computer"
	patch := &omrs.TypeDefPatch{
		TypeDefGUID:     "g-1",
		ApplyToVersion:  1,
		UpdateToVersion: 2,
		Description:     &desc,
		PropertyDefinitions: []omrs.TypeDefAttribute{
			{Name: "os", AttributeType: omrs.TypeDefLink{GUID: stringGUID, Name: "string"}},
		},
	}
	updated, err := r.UpdateTypeDef(ctx, "u", patch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "a computer", updated.Description)
	_, ok := updated.Attribute("os")
	assert.True(t, ok)

	// Same patch again is stale.
	_, err = r.UpdateTypeDef(ctx, "u", patch)
	assert.Equal(t, omrs.KindPatchError, omrs.KindOf(err))

	mandatory := &omrs.TypeDefPatch{
		TypeDefGUID:     "g-1",
		ApplyToVersion:  2,
		UpdateToVersion: 3,
		PropertyDefinitions: []omrs.TypeDefAttribute{
			{Name: "rack", Required: true, AttributeType: omrs.TypeDefLink{GUID: stringGUID, Name: "string"}},
		},
	}
	_, err = r.UpdateTypeDef(ctx, "u", mandatory)
	assert.Equal(t, omrs.KindPatchError, omrs.KindOf(err))

	narrowing := &omrs.TypeDefPatch{
		TypeDefGUID:             "g-1",
		ApplyToVersion:          2,
		UpdateToVersion:         3,
		ValidInstanceStatusList: []omrs.InstanceStatus{omrs.StatusActive, omrs.StatusDeleted},
	}
	_, err = r.UpdateTypeDef(ctx, "u", narrowing)
	assert.Equal(t, omrs.KindPatchError, omrs.KindOf(err))

	_, err = r.UpdateTypeDef(ctx, "u", &omrs.TypeDefPatch{TypeDefGUID: "missing", ApplyToVersion: 1, UpdateToVersion: 2})
	assert.Equal(t, omrs.KindTypeDefNotKnown, omrs.KindOf(err))
}

func TestDeleteTypeDef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))

	usage := fakeUsage{"g-1": true}
	r.SetUsageChecker(usage)
	err := r.DeleteTypeDef(ctx, "u", "g-1", "Server")
	assert.Equal(t, omrs.KindTypeDefInUse, omrs.KindOf(err))

	err = r.DeleteTypeDef(ctx, "u", assetGUID, "Asset")
	assert.Equal(t, omrs.KindTypeDefInUse, omrs.KindOf(err), "subtypes refer to Asset")

	usage["g-1"] = false
	require.NoError(t, r.DeleteTypeDef(ctx, "u", "g-1", "Server"))

	_, err = r.GetTypeDefByGUID(ctx, "u", "g-1")
	assert.Equal(t, omrs.KindTypeDefNotKnown, omrs.KindOf(err))

	err = r.DeleteAttributeTypeDef(ctx, "u", stringGUID, "string")
	assert.Equal(t, omrs.KindTypeDefInUse, omrs.KindOf(err))
}

func TestReIdentifyTypeDef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))
	sub := sampleType("g-2", "WebServer")
	sub.SuperType = &omrs.TypeDefLink{GUID: "g-1", Name: "Server"}
	sub.PropertiesDefinition = nil
	require.NoError(t, r.AddTypeDef(ctx, "u", sub))

	renamed, err := r.ReIdentifyTypeDef(ctx, "u", "g-1", "Server", "g-10", "Host")
	require.NoError(t, err)
	assert.Equal(t, "Host", renamed.Name)

	_, err = r.GetTypeDefByName(ctx, "u", "Server")
	assert.Equal(t, omrs.KindTypeDefNotKnown, omrs.KindOf(err))

	got, err := r.GetTypeDefByName(ctx, "u", "WebServer")
	require.NoError(t, err)
	assert.Equal(t, omrs.TypeDefLink{GUID: "g-10", Name: "Host"}, *got.SuperType)

	_, err = r.ReIdentifyTypeDef(ctx, "u", "g-10", "Host", assetGUID, "Asset2")
	assert.Equal(t, omrs.KindTypeDefConflict, omrs.KindOf(err))

	r.SetUsageChecker(fakeUsage{"g-2": true})
	_, err = r.ReIdentifyTypeDef(ctx, "u", "g-2", "WebServer", "g-20", "Web")
	assert.Equal(t, omrs.KindTypeDefInUse, omrs.KindOf(err))
}

func TestReIdentifyAttributeTypeDef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	renamed, err := r.ReIdentifyAttributeTypeDef(ctx, "u", stringGUID, "string", "s-2", "text")
	require.NoError(t, err)
	assert.Equal(t, "text", renamed.Name)

	asset, err := r.GetTypeDefByName(ctx, "u", "Asset")
	require.NoError(t, err)
	attr, ok := asset.Attribute("name")
	require.True(t, ok)
	assert.Equal(t, omrs.TypeDefLink{GUID: "s-2", Name: "text"}, attr.AttributeType)
}

func TestFindTypes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	gallery, err := r.FindTypesByName(ctx, "u", "^Process")
	require.NoError(t, err)
	var names []string
	for _, td := range gallery.TypeDefs {
		names = append(names, td.Name)
	}
	assert.Equal(t, []string{"Process", "ProcessInput", "ProcessOutput"}, names)

	rels, err := r.FindTypeDefsByCategory(ctx, "u", omrs.CategoryRelationshipDef)
	require.NoError(t, err)
	assert.Len(t, rels, 3)

	enums, err := r.FindAttributeTypeDefsByCategory(ctx, "u", omrs.CategoryEnum)
	require.NoError(t, err)
	require.Len(t, enums, 1)
	assert.Equal(t, "OwnerType", enums[0].Name)

	// qualifiedName is inherited by every Referenceable subtype.
	byProp, err := r.FindTypeDefsByProperty(ctx, "u", omrs.TypeDefProperties{Names: []string{"qualifiedName", "formula"}})
	require.NoError(t, err)
	names = nil
	for _, td := range byProp {
		names = append(names, td.Name)
	}
	assert.Equal(t, []string{"DataSet", "Process"}, names)

	found, err := r.SearchForTypeDefs(ctx, "u", "(?i)^glossary")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "GlossaryTerm", found[0].Name)

	_, err = r.SearchForTypeDefs(ctx, "u", "([")
	assert.Equal(t, omrs.KindInvalidParameter, omrs.KindOf(err))

	_, err = r.FindTypeDefsByCategory(ctx, "u", "NOPE")
	assert.Equal(t, omrs.KindInvalidParameter, omrs.KindOf(err))
}

func TestFindTypesByExternalID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	td := sampleType("g-1", "Server")
	td.ExternalStandardMappings = []omrs.ExternalStandardMapping{
		{StandardName: "DCAM", StandardOrganization: "EDM", StandardTypeName: "Host"},
	}
	require.NoError(t, r.AddTypeDef(ctx, "u", td))

	found, err := r.FindTypesByExternalID(ctx, "u", omrs.ExternalIDRequest{StandardTypeName: "Host"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Server", found[0].Name)

	_, err = r.FindTypesByExternalID(ctx, "u", omrs.ExternalIDRequest{})
	assert.Equal(t, omrs.KindInvalidParameter, omrs.KindOf(err))
}

func TestInstanceHelpers(t *testing.T) {
	r := newTestRegistry(t)

	dataSet, ok := r.TypeDefByName("DataSet")
	require.True(t, ok)

	it := r.InstanceType(dataSet)
	assert.True(t, it.IsA("Referenceable"))
	assert.True(t, it.IsA("DataSet"))
	assert.Equal(t, "Asset", it.SuperTypes[0].Name)
	assert.Equal(t, "Referenceable", it.SuperTypes[1].Name)

	assert.Contains(t, r.ValidStatuses(dataSet), omrs.StatusDraft)
	assert.Equal(t, omrs.StatusActive, r.InitialStatus(dataSet))

	assert.True(t, r.Subtypes(assetGUID).Contains(dataSet.GUID))

	conf, ok := r.TypeDefByName("Confidentiality")
	require.True(t, ok)
	assert.True(t, r.ClassificationValidFor(conf, it))
	assert.False(t, r.ClassificationValidFor(conf, omrs.InstanceType{TypeDefName: "Other"}))
}

func TestValidateProperties(t *testing.T) {
	r := newTestRegistry(t)
	asset, _ := r.TypeDefByName("Asset")
	term, _ := r.TypeDefByName("GlossaryTerm")

	props := omrs.NewProperties().
		Set("qualifiedName", omrs.String("asset-1")).
		Set("ownerType", omrs.Enum("", 0, "ProfileId"))
	out, err := r.ValidateProperties(asset, props, true)
	require.NoError(t, err)
	owner, _ := out.Get("ownerType")
	assert.Equal(t, 1, owner.Ordinal)
	assert.Equal(t, "OwnerType", owner.TypeName)

	tests := []struct {
		name  string
		td    *omrs.TypeDef
		props *omrs.InstanceProperties
	}{
		{"undefined property", asset, omrs.NewProperties().Set("qualifiedName", omrs.String("q")).Set("colour", omrs.String("red"))},
		{"wrong primitive", asset, omrs.NewProperties().Set("qualifiedName", omrs.Int(3))},
		{"bad enum", asset, omrs.NewProperties().Set("qualifiedName", omrs.String("q")).Set("ownerType", omrs.Enum("", 5, ""))},
		{"missing mandatory", asset, omrs.NewProperties().Set("name", omrs.String("n"))},
		{"array element", term, omrs.NewProperties().Set("qualifiedName", omrs.String("q")).
			Set("abbreviations", omrs.Array("", omrs.Bool(true)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ValidateProperties(tt.td, tt.props, true)
			assert.Equal(t, omrs.KindPropertyError, omrs.KindOf(err), "got %v", err)
		})
	}

	// Partial updates do not need mandatory properties.
	_, err = r.ValidateProperties(asset, omrs.NewProperties().Set("name", omrs.String("n")), false)
	assert.NoError(t, err)

	unique := r.UniqueProperties(asset, props)
	assert.Equal(t, []string{"qualifiedName"}, unique.Names())
}

func TestLoadArchiveOutOfOrder(t *testing.T) {
	r := newTestRegistry(t)
	archive := `
name: test
typeDefs:
  - guid: t-2
    name: Laptop
    category: ENTITY_DEF
    version: 1
    superType: {name: Computer}
  - guid: t-1
    name: Computer
    category: ENTITY_DEF
    version: 1
    superType: {name: Asset}
  - guid: t-3
    name: Orphan
    category: ENTITY_DEF
    version: 1
    superType: {name: Missing}
`
	added, err := r.LoadArchive(context.Background(), "u", strings.NewReader(archive))
	assert.Equal(t, 2, added)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Orphan")

	// Loading again adds nothing new and reports the same orphan.
	added, _ = r.LoadArchive(context.Background(), "u", strings.NewReader(archive))
	assert.Equal(t, 0, added)
}

func TestLoadBaseArchive(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, Config{})
	require.NoError(t, err)

	var archive Archive
	require.NoError(t, yaml.Unmarshal(baseArchive, &archive))

	added, err := r.LoadBaseArchive(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, len(archive.AttributeTypeDefs)+len(archive.TypeDefs), added)

	referenceable, err := r.GetTypeDefByName(ctx, "u", "Referenceable")
	require.NoError(t, err)
	var mapType string
	for _, attr := range referenceable.PropertiesDefinition {
		if attr.Name == "additionalProperties" {
			mapType = attr.AttributeType.Name
		}
	}
	assert.Equal(t, "map<string,string>", mapType)

	_, err = r.GetAttributeTypeDefByName(ctx, "u", "map<string,string>")
	require.NoError(t, err)

	added, err = r.LoadBaseArchive(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, added)
}
