package omrs

import "time"

// Request bodies of the protocol. The server decodes them from the body of
// POST /api/users/{userID}/{method}; the client encodes them.

// GUIDRequest addresses one instance or type.
type GUIDRequest struct {
	GUID string `json:"guid"`
}

// NameRequest addresses a type by name.
type NameRequest struct {
	Name string `json:"name"`
}

// AsOfRequest reads an instance as it was at AsOfTime.
type AsOfRequest struct {
	GUID     string    `json:"guid"`
	AsOfTime time.Time `json:"asOfTime"`
}

// HistoryQuery bounds a history read. Nil times are open ends.
type HistoryQuery struct {
	FromTime *time.Time             `json:"fromTime,omitempty"`
	ToTime   *time.Time             `json:"toTime,omitempty"`
	Order    HistorySequencingOrder `json:"historySequencingOrder,omitempty"`
	Paging
}

// HistoryRequest reads the version history of an instance.
type HistoryRequest struct {
	GUID string `json:"guid"`
	HistoryQuery
}

// NewClassification describes a classification to attach.
type NewClassification struct {
	Name               string               `json:"classificationName"`
	Properties         *InstanceProperties  `json:"classificationProperties,omitempty"`
	Origin             ClassificationOrigin `json:"classificationOrigin,omitempty"`
	OriginGUID         string               `json:"classificationOriginGUID,omitempty"`
	ExternalSourceGUID string               `json:"externalSourceGUID,omitempty"`
	ExternalSourceName string               `json:"externalSourceName,omitempty"`
}

// NewEntity describes an entity to create. The external source fields are
// required by AddExternalEntity and ignored by AddEntity.
type NewEntity struct {
	TypeDefGUID        string              `json:"entityTypeGUID"`
	Properties         *InstanceProperties `json:"initialProperties,omitempty"`
	Classifications    []NewClassification `json:"initialClassifications,omitempty"`
	InitialStatus      InstanceStatus      `json:"initialStatus,omitempty"`
	ExternalSourceGUID string              `json:"externalSourceGUID,omitempty"`
	ExternalSourceName string              `json:"externalSourceName,omitempty"`
}

// NewRelationship describes a relationship to create.
type NewRelationship struct {
	TypeDefGUID        string              `json:"relationshipTypeGUID"`
	Properties         *InstanceProperties `json:"initialProperties,omitempty"`
	EntityOneGUID      string              `json:"entityOneGUID"`
	EntityTwoGUID      string              `json:"entityTwoGUID"`
	InitialStatus      InstanceStatus      `json:"initialStatus,omitempty"`
	ExternalSourceGUID string              `json:"externalSourceGUID,omitempty"`
	ExternalSourceName string              `json:"externalSourceName,omitempty"`
}

// EntityProxyRequest carries a proxy to store.
type EntityProxyRequest struct {
	Proxy *EntityProxy `json:"entityProxy"`
}

// StatusRequest changes the status of an instance.
type StatusRequest struct {
	GUID      string         `json:"guid"`
	NewStatus InstanceStatus `json:"newStatus"`
}

// PropertiesRequest updates the properties of an instance.
type PropertiesRequest struct {
	GUID       string              `json:"guid"`
	Properties *InstanceProperties `json:"properties"`
}

// ClassifyRequest attaches a classification to an entity.
type ClassifyRequest struct {
	GUID string `json:"entityGUID"`
	NewClassification
}

// ClassificationRequest addresses one classification of an entity.
type ClassificationRequest struct {
	GUID               string              `json:"entityGUID"`
	ClassificationName string              `json:"classificationName"`
	Properties         *InstanceProperties `json:"properties,omitempty"`
}

// ReIdentifyRequest changes the guid of an instance.
type ReIdentifyRequest struct {
	GUID    string `json:"guid"`
	NewGUID string `json:"newGUID"`
}

// ReTypeRequest changes the type of an instance.
type ReTypeRequest struct {
	GUID        string      `json:"guid"`
	CurrentType TypeDefLink `json:"currentTypeDefSummary"`
	NewType     TypeDefLink `json:"newTypeDefSummary"`
}

// ReHomeRequest moves the home of an instance.
type ReHomeRequest struct {
	GUID                          string `json:"guid"`
	HomeMetadataCollectionID      string `json:"homeMetadataCollectionId"`
	NewHomeMetadataCollectionID   string `json:"newHomeMetadataCollectionId"`
	NewHomeMetadataCollectionName string `json:"newHomeMetadataCollectionName,omitempty"`
}

// EntityRequest carries a full entity, used for reference copies.
type EntityRequest struct {
	Entity *EntityDetail `json:"entity"`
}

// RelationshipRequest carries a relationship, used for reference copies.
type RelationshipRequest struct {
	Relationship *Relationship `json:"relationship"`
}

// ReferenceCopyRequest addresses a local reference copy.
type ReferenceCopyRequest struct {
	GUID                     string `json:"guid"`
	TypeDefGUID              string `json:"typeDefGUID,omitempty"`
	TypeDefName              string `json:"typeDefName,omitempty"`
	HomeMetadataCollectionID string `json:"homeMetadataCollectionId"`
}

// ClassificationCopyRequest carries a classification reference copy and the
// entity it attaches to.
type ClassificationCopyRequest struct {
	Entity         *EntityProxy   `json:"entity"`
	Classification Classification `json:"classification"`
}

// InstanceGraphRequest carries a graph of reference copies.
type InstanceGraphRequest struct {
	Graph *InstanceGraph `json:"instances"`
}

// EntityQuery is the request of FindEntities and FindRelationships.
type EntityQuery struct {
	TypeGUID             string                 `json:"typeGUID,omitempty"`
	SubtypeGUIDs         []string               `json:"subtypeGUIDs,omitempty"`
	MatchProperties      *SearchProperties      `json:"matchProperties,omitempty"`
	MatchClassifications *SearchClassifications `json:"matchClassifications,omitempty"`
	LimitResultsByStatus []InstanceStatus       `json:"limitResultsByStatus,omitempty"`
	AsOfTime             *time.Time             `json:"asOfTime,omitempty"`
	Paging
	Sequencing
}

// PropertyQuery is the request of the FindByProperty operations.
type PropertyQuery struct {
	TypeGUID                     string              `json:"typeGUID,omitempty"`
	MatchProperties              *InstanceProperties `json:"matchProperties,omitempty"`
	MatchCriteria                MatchCriteria       `json:"matchCriteria,omitempty"`
	LimitResultsByStatus         []InstanceStatus    `json:"limitResultsByStatus,omitempty"`
	LimitResultsByClassification []string            `json:"limitResultsByClassification,omitempty"`
	AsOfTime                     *time.Time          `json:"asOfTime,omitempty"`
	Paging
	Sequencing
}

// ValueQuery is the request of the FindByPropertyValue operations. Search
// criteria is a regular expression matched against every string property.
type ValueQuery struct {
	TypeGUID                     string           `json:"typeGUID,omitempty"`
	SearchCriteria               string           `json:"searchCriteria"`
	LimitResultsByStatus         []InstanceStatus `json:"limitResultsByStatus,omitempty"`
	LimitResultsByClassification []string         `json:"limitResultsByClassification,omitempty"`
	AsOfTime                     *time.Time       `json:"asOfTime,omitempty"`
	Paging
	Sequencing
}

// ClassificationQuery is the request of FindEntitiesByClassification.
type ClassificationQuery struct {
	TypeGUID                      string              `json:"typeGUID,omitempty"`
	ClassificationName            string              `json:"classificationName"`
	MatchClassificationProperties *InstanceProperties `json:"matchClassificationProperties,omitempty"`
	MatchCriteria                 MatchCriteria       `json:"matchCriteria,omitempty"`
	LimitResultsByStatus          []InstanceStatus    `json:"limitResultsByStatus,omitempty"`
	AsOfTime                      *time.Time          `json:"asOfTime,omitempty"`
	Paging
	Sequencing
}

// EntityRelationshipsQuery is the request of GetRelationshipsForEntity.
type EntityRelationshipsQuery struct {
	EntityGUID           string           `json:"entityGUID"`
	RelationshipTypeGUID string           `json:"relationshipTypeGUID,omitempty"`
	LimitResultsByStatus []InstanceStatus `json:"limitResultsByStatus,omitempty"`
	AsOfTime             *time.Time       `json:"asOfTime,omitempty"`
	Paging
	Sequencing
}

// TraversalQuery is the request of the graph traversal operations. Level
// counts relationship hops; zero is unbounded.
type TraversalQuery struct {
	EntityGUID                   string           `json:"entityGUID"`
	EndEntityGUID                string           `json:"endEntityGUID,omitempty"`
	EntityTypeGUIDs              []string         `json:"entityTypeGUIDs,omitempty"`
	RelationshipTypeGUIDs        []string         `json:"relationshipTypeGUIDs,omitempty"`
	LimitResultsByStatus         []InstanceStatus `json:"limitResultsByStatus,omitempty"`
	LimitResultsByClassification []string         `json:"limitResultsByClassification,omitempty"`
	AsOfTime                     *time.Time       `json:"asOfTime,omitempty"`
	Level                        int              `json:"level,omitempty"`
	Paging
	Sequencing
}

// TypeDefRequest carries a type definition.
type TypeDefRequest struct {
	TypeDef *TypeDef `json:"typeDef"`
}

// AttributeTypeDefRequest carries an attribute type definition.
type AttributeTypeDefRequest struct {
	AttributeTypeDef *AttributeTypeDef `json:"attributeTypeDef"`
}

// PatchRequest carries a type definition patch.
type PatchRequest struct {
	Patch *TypeDefPatch `json:"typeDefPatch"`
}

// TypeIdentityRequest addresses a type by guid and name.
type TypeIdentityRequest struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// ReIdentifyTypeRequest renames a type.
type ReIdentifyTypeRequest struct {
	OriginalGUID string `json:"originalGUID"`
	OriginalName string `json:"originalName"`
	NewGUID      string `json:"newGUID"`
	NewName      string `json:"newName"`
}

// CategoryRequest selects type definitions by category.
type CategoryRequest struct {
	Category TypeDefCategory `json:"category"`
}

// AttributeCategoryRequest selects attribute types by category.
type AttributeCategoryRequest struct {
	Category AttributeTypeDefCategory `json:"category"`
}

// ExternalIDRequest selects types mapped to an external standard. Empty
// fields match anything.
type ExternalIDRequest struct {
	StandardName         string `json:"standardName,omitempty"`
	StandardOrganization string `json:"standardOrganization,omitempty"`
	StandardTypeName     string `json:"standardTypeName,omitempty"`
}

// SearchRequest carries a regular expression.
type SearchRequest struct {
	SearchCriteria string `json:"searchCriteria"`
}

// CohortRequest names a cohort.
type CohortRequest struct {
	CohortName string `json:"cohortName"`
}
