package omrs

// TypeDefCategory is the category of a TypeDef.
type TypeDefCategory string

const (
	CategoryEntityDef         TypeDefCategory = "ENTITY_DEF"
	CategoryRelationshipDef   TypeDefCategory = "RELATIONSHIP_DEF"
	CategoryClassificationDef TypeDefCategory = "CLASSIFICATION_DEF"
)

// AttributeTypeDefCategory is the category of an AttributeTypeDef.
type AttributeTypeDefCategory string

const (
	CategoryPrimitive  AttributeTypeDefCategory = "PRIMITIVE"
	CategoryEnum       AttributeTypeDefCategory = "ENUM_DEF"
	CategoryCollection AttributeTypeDefCategory = "COLLECTION"
)

// PrimitiveKind names the primitive value types.
type PrimitiveKind string

const (
	PrimitiveBoolean PrimitiveKind = "boolean"
	PrimitiveInt     PrimitiveKind = "int"
	PrimitiveLong    PrimitiveKind = "long"
	PrimitiveFloat   PrimitiveKind = "float"
	PrimitiveDouble  PrimitiveKind = "double"
	PrimitiveString  PrimitiveKind = "string"
	PrimitiveDate    PrimitiveKind = "date"
)

// CollectionKind names the collection attribute shapes.
type CollectionKind string

const (
	CollectionArray  CollectionKind = "ARRAY"
	CollectionMap    CollectionKind = "MAP"
	CollectionStruct CollectionKind = "STRUCT"
)

// Cardinality of an attribute or relationship end.
type Cardinality string

const (
	CardinalityAtMostOne    Cardinality = "AT_MOST_ONE"
	CardinalityExactlyOne   Cardinality = "EXACTLY_ONE"
	CardinalityAtLeastOne   Cardinality = "AT_LEAST_ONE"
	CardinalityAnyUnordered Cardinality = "ANY_NUMBER_UNORDERED"
	CardinalityAnyOrdered   Cardinality = "ANY_NUMBER_ORDERED"
)

// TypeDefLink is a reference to another type definition.
type TypeDefLink struct {
	GUID string `json:"guid" yaml:"guid"`
	Name string `json:"name" yaml:"name"`
}

// IsZero reports whether the link is unset.
func (l *TypeDefLink) IsZero() bool {
	return l == nil || (l.GUID == "" && l.Name == "")
}

// ExternalStandardMapping links a type to a definition in an external standard.
type ExternalStandardMapping struct {
	StandardName         string `json:"standardName,omitempty" yaml:"standardName,omitempty"`
	StandardOrganization string `json:"standardOrganization,omitempty" yaml:"standardOrganization,omitempty"`
	StandardTypeName     string `json:"standardTypeName,omitempty" yaml:"standardTypeName,omitempty"`
}

// TypeDefAttribute declares one property of a TypeDef.
type TypeDefAttribute struct {
	Name          string      `json:"attributeName" yaml:"name"`
	Description   string      `json:"attributeDescription,omitempty" yaml:"description,omitempty"`
	AttributeType TypeDefLink `json:"attributeType" yaml:"type"`
	Cardinality   Cardinality `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Required      bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Unique        bool        `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// RelationshipEndDef describes one end of a relationship type.
type RelationshipEndDef struct {
	EntityType    TypeDefLink `json:"entityType" yaml:"entityType"`
	AttributeName string      `json:"attributeName" yaml:"attributeName"`
	Cardinality   Cardinality `json:"attributeCardinality,omitempty" yaml:"cardinality,omitempty"`
}

// TypeDef is the schema of an entity, relationship or classification type.
// Published definitions are immutable except through UpdateTypeDef patches.
type TypeDef struct {
	GUID                     string                    `json:"guid" yaml:"guid"`
	Name                     string                    `json:"name" yaml:"name"`
	Category                 TypeDefCategory           `json:"category" yaml:"category"`
	Version                  int64                     `json:"version" yaml:"version"`
	VersionName              string                    `json:"versionName,omitempty" yaml:"versionName,omitempty"`
	Description              string                    `json:"description,omitempty" yaml:"description,omitempty"`
	SuperType                *TypeDefLink              `json:"superType,omitempty" yaml:"superType,omitempty"`
	PropertiesDefinition     []TypeDefAttribute        `json:"propertiesDefinition,omitempty" yaml:"properties,omitempty"`
	ValidInstanceStatusList  []InstanceStatus          `json:"validInstanceStatusList,omitempty" yaml:"validStatuses,omitempty"`
	InitialStatus            InstanceStatus            `json:"initialStatus,omitempty" yaml:"initialStatus,omitempty"`
	ExternalStandardMappings []ExternalStandardMapping `json:"externalStandardMappings,omitempty" yaml:"externalStandardMappings,omitempty"`

	// Relationship definitions only.
	EndDef1 *RelationshipEndDef `json:"endDef1,omitempty" yaml:"endDef1,omitempty"`
	EndDef2 *RelationshipEndDef `json:"endDef2,omitempty" yaml:"endDef2,omitempty"`

	// Classification definitions only.
	ValidEntityDefs []TypeDefLink `json:"validEntityDefs,omitempty" yaml:"validEntityDefs,omitempty"`
	Propagatable    bool          `json:"propagatable,omitempty" yaml:"propagatable,omitempty"`
}

// Link returns a TypeDefLink pointing at t.
func (t *TypeDef) Link() TypeDefLink {
	return TypeDefLink{GUID: t.GUID, Name: t.Name}
}

// Attribute returns the locally declared attribute with the given name.
func (t *TypeDef) Attribute(name string) (TypeDefAttribute, bool) {
	for _, a := range t.PropertiesDefinition {
		if a.Name == name {
			return a, true
		}
	}
	return TypeDefAttribute{}, false
}

// EnumElementDef is one value of an enum attribute type.
type EnumElementDef struct {
	Ordinal     int    `json:"ordinal" yaml:"ordinal"`
	Value       string `json:"value" yaml:"value"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// AttributeTypeDef is the schema of a property value type.
type AttributeTypeDef struct {
	GUID        string                   `json:"guid" yaml:"guid"`
	Name        string                   `json:"name" yaml:"name"`
	Category    AttributeTypeDefCategory `json:"category" yaml:"category"`
	Version     int64                    `json:"version" yaml:"version"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`

	PrimitiveKind  PrimitiveKind    `json:"primitiveDefCategory,omitempty" yaml:"primitive,omitempty"`
	ElementDefs    []EnumElementDef `json:"elementDefs,omitempty" yaml:"elements,omitempty"`
	CollectionKind CollectionKind   `json:"collectionDefCategory,omitempty" yaml:"collection,omitempty"`
	ArgumentTypes  []PrimitiveKind  `json:"argumentTypes,omitempty" yaml:"arguments,omitempty"`
}

// Link returns a TypeDefLink pointing at a.
func (a *AttributeTypeDef) Link() TypeDefLink {
	return TypeDefLink{GUID: a.GUID, Name: a.Name}
}

// TypeDefPatch is a structural change to a published TypeDef.
type TypeDefPatch struct {
	TypeDefGUID              string                    `json:"typeDefGUID"`
	TypeDefName              string                    `json:"typeDefName"`
	ApplyToVersion           int64                     `json:"applyToVersion"`
	UpdateToVersion          int64                     `json:"updateToVersion"`
	NewVersionName           string                    `json:"newVersionName,omitempty"`
	Description              *string                   `json:"description,omitempty"`
	PropertyDefinitions      []TypeDefAttribute        `json:"propertyDefinitions,omitempty"`
	ValidInstanceStatusList  []InstanceStatus          `json:"validInstanceStatusList,omitempty"`
	ExternalStandardMappings []ExternalStandardMapping `json:"externalStandardMappings,omitempty"`
}

// TypeDefGallery is the full set of types known to a repository.
type TypeDefGallery struct {
	TypeDefs          []*TypeDef          `json:"typeDefs"`
	AttributeTypeDefs []*AttributeTypeDef `json:"attributeTypeDefs"`
}

// TypeDefProperties lists attribute names used by FindTypeDefsByProperty.
type TypeDefProperties struct {
	Names []string `json:"typeDefProperties"`
}
