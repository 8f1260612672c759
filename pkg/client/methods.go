package client

import (
	"context"
	"time"

	"github.com/systemshift/omrs/pkg/omrs"
)

// MetadataCollectionID returns the id of the server's home collection.
func (c *Client) MetadataCollectionID(ctx context.Context) (string, error) {
	var id string
	err := c.Call(ctx, "getMetadataCollectionId", struct{}{}, &id)
	return id, err
}

// GetAllTypes returns every type the server knows.
func (c *Client) GetAllTypes(ctx context.Context) (*omrs.TypeDefGallery, error) {
	var out omrs.TypeDefGallery
	if err := c.Call(ctx, "getAllTypes", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTypeDefByName(ctx context.Context, name string) (*omrs.TypeDef, error) {
	return one[omrs.TypeDef](ctx, c, "getTypeDefByName", omrs.NameRequest{Name: name})
}

func (c *Client) GetTypeDefByGUID(ctx context.Context, guid string) (*omrs.TypeDef, error) {
	return one[omrs.TypeDef](ctx, c, "getTypeDefByGUID", omrs.GUIDRequest{GUID: guid})
}

func (c *Client) AddTypeDef(ctx context.Context, def *omrs.TypeDef) error {
	return c.Call(ctx, "addTypeDef", omrs.TypeDefRequest{TypeDef: def}, nil)
}

func (c *Client) VerifyTypeDef(ctx context.Context, def *omrs.TypeDef) (bool, error) {
	var ok bool
	err := c.Call(ctx, "verifyTypeDef", omrs.TypeDefRequest{TypeDef: def}, &ok)
	return ok, err
}

// IsEntityKnown returns nil without error when the server has no such
// entity.
func (c *Client) IsEntityKnown(ctx context.Context, guid string) (*omrs.EntityDetail, error) {
	var out *omrs.EntityDetail
	if err := c.Call(ctx, "isEntityKnown", omrs.GUIDRequest{GUID: guid}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetEntityDetail(ctx context.Context, guid string) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "getEntityDetail", omrs.GUIDRequest{GUID: guid})
}

func (c *Client) GetEntityDetailAsOf(ctx context.Context, guid string, asOf time.Time) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "getEntityDetailAsOf", omrs.AsOfRequest{GUID: guid, AsOfTime: asOf})
}

func (c *Client) GetEntityDetailHistory(ctx context.Context, guid string, q omrs.HistoryQuery) ([]*omrs.EntityDetail, error) {
	return many[omrs.EntityDetail](ctx, c, "getEntityDetailHistory", omrs.HistoryRequest{GUID: guid, HistoryQuery: q})
}

func (c *Client) AddEntity(ctx context.Context, req omrs.NewEntity) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "addEntity", req)
}

func (c *Client) UpdateEntityStatus(ctx context.Context, guid string, status omrs.InstanceStatus) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "updateEntityStatus", omrs.StatusRequest{GUID: guid, NewStatus: status})
}

func (c *Client) UpdateEntityProperties(ctx context.Context, guid string, props *omrs.InstanceProperties) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "updateEntityProperties", omrs.PropertiesRequest{GUID: guid, Properties: props})
}

func (c *Client) ClassifyEntity(ctx context.Context, guid string, nc omrs.NewClassification) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "classifyEntity", omrs.ClassifyRequest{GUID: guid, NewClassification: nc})
}

func (c *Client) DeclassifyEntity(ctx context.Context, guid, name string) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "declassifyEntity", omrs.ClassificationRequest{GUID: guid, ClassificationName: name})
}

// DeleteEntity soft-deletes an entity; RestoreEntity brings it back.
func (c *Client) DeleteEntity(ctx context.Context, guid string) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "deleteEntity", omrs.GUIDRequest{GUID: guid})
}

func (c *Client) PurgeEntity(ctx context.Context, guid string) error {
	return c.Call(ctx, "purgeEntity", omrs.GUIDRequest{GUID: guid}, nil)
}

func (c *Client) RestoreEntity(ctx context.Context, guid string) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "restoreEntity", omrs.GUIDRequest{GUID: guid})
}

func (c *Client) ReIdentifyEntity(ctx context.Context, guid, newGUID string) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "reIdentifyEntity", omrs.ReIdentifyRequest{GUID: guid, NewGUID: newGUID})
}

func (c *Client) ReHomeEntity(ctx context.Context, req omrs.ReHomeRequest) (*omrs.EntityDetail, error) {
	return one[omrs.EntityDetail](ctx, c, "reHomeEntity", req)
}

func (c *Client) GetRelationship(ctx context.Context, guid string) (*omrs.Relationship, error) {
	return one[omrs.Relationship](ctx, c, "getRelationship", omrs.GUIDRequest{GUID: guid})
}

func (c *Client) AddRelationship(ctx context.Context, req omrs.NewRelationship) (*omrs.Relationship, error) {
	return one[omrs.Relationship](ctx, c, "addRelationship", req)
}

func (c *Client) UpdateRelationshipProperties(ctx context.Context, guid string, props *omrs.InstanceProperties) (*omrs.Relationship, error) {
	return one[omrs.Relationship](ctx, c, "updateRelationshipProperties", omrs.PropertiesRequest{GUID: guid, Properties: props})
}

func (c *Client) DeleteRelationship(ctx context.Context, guid string) (*omrs.Relationship, error) {
	return one[omrs.Relationship](ctx, c, "deleteRelationship", omrs.GUIDRequest{GUID: guid})
}

func (c *Client) PurgeRelationship(ctx context.Context, guid string) error {
	return c.Call(ctx, "purgeRelationship", omrs.GUIDRequest{GUID: guid}, nil)
}

func (c *Client) FindEntities(ctx context.Context, q omrs.EntityQuery) ([]*omrs.EntityDetail, error) {
	return many[omrs.EntityDetail](ctx, c, "findEntities", q)
}

func (c *Client) FindEntitiesByProperty(ctx context.Context, q omrs.PropertyQuery) ([]*omrs.EntityDetail, error) {
	return many[omrs.EntityDetail](ctx, c, "findEntitiesByProperty", q)
}

func (c *Client) FindEntitiesByPropertyValue(ctx context.Context, q omrs.ValueQuery) ([]*omrs.EntityDetail, error) {
	return many[omrs.EntityDetail](ctx, c, "findEntitiesByPropertyValue", q)
}

func (c *Client) FindEntitiesByClassification(ctx context.Context, q omrs.ClassificationQuery) ([]*omrs.EntityDetail, error) {
	return many[omrs.EntityDetail](ctx, c, "findEntitiesByClassification", q)
}

func (c *Client) FindRelationships(ctx context.Context, q omrs.EntityQuery) ([]*omrs.Relationship, error) {
	return many[omrs.Relationship](ctx, c, "findRelationships", q)
}

func (c *Client) GetRelationshipsForEntity(ctx context.Context, q omrs.EntityRelationshipsQuery) ([]*omrs.Relationship, error) {
	return many[omrs.Relationship](ctx, c, "getRelationshipsForEntity", q)
}

func (c *Client) GetEntityNeighborhood(ctx context.Context, q omrs.TraversalQuery) (*omrs.InstanceGraph, error) {
	return one[omrs.InstanceGraph](ctx, c, "getEntityNeighborhood", q)
}

func (c *Client) GetRelatedEntities(ctx context.Context, q omrs.TraversalQuery) ([]*omrs.EntityDetail, error) {
	return many[omrs.EntityDetail](ctx, c, "getRelatedEntities", q)
}

func (c *Client) GetLinkingEntities(ctx context.Context, q omrs.TraversalQuery) (*omrs.InstanceGraph, error) {
	return one[omrs.InstanceGraph](ctx, c, "getLinkingEntities", q)
}

func (c *Client) SaveEntityReferenceCopy(ctx context.Context, entity *omrs.EntityDetail) error {
	return c.Call(ctx, "saveEntityReferenceCopy", omrs.EntityRequest{Entity: entity}, nil)
}

func (c *Client) PurgeEntityReferenceCopy(ctx context.Context, req omrs.ReferenceCopyRequest) error {
	return c.Call(ctx, "purgeEntityReferenceCopy", req, nil)
}

func (c *Client) RefreshEntityReferenceCopy(ctx context.Context, req omrs.ReferenceCopyRequest) error {
	return c.Call(ctx, "refreshEntityReferenceCopy", req, nil)
}

func (c *Client) SaveRelationshipReferenceCopy(ctx context.Context, rel *omrs.Relationship) error {
	return c.Call(ctx, "saveRelationshipReferenceCopy", omrs.RelationshipRequest{Relationship: rel}, nil)
}

func (c *Client) SaveInstanceReferenceCopies(ctx context.Context, g *omrs.InstanceGraph) error {
	return c.Call(ctx, "saveInstanceReferenceCopies", omrs.InstanceGraphRequest{Graph: g}, nil)
}

// Cohort membership.

func (c *Client) GetCohortDescriptions(ctx context.Context) ([]omrs.CohortDescription, error) {
	var out []omrs.CohortDescription
	err := c.Call(ctx, "getCohortDescriptions", struct{}{}, &out)
	return out, err
}

func (c *Client) GetRemoteRegistrations(ctx context.Context, cohort string) ([]*omrs.MemberRegistration, error) {
	return many[omrs.MemberRegistration](ctx, c, "getRemoteRegistrations", omrs.CohortRequest{CohortName: cohort})
}

func (c *Client) ConnectToCohort(ctx context.Context, cohort string) (bool, error) {
	return c.cohortFlag(ctx, "connectToCohort", cohort)
}

func (c *Client) DisconnectFromCohort(ctx context.Context, cohort string) (bool, error) {
	return c.cohortFlag(ctx, "disconnectFromCohort", cohort)
}

func (c *Client) UnregisterFromCohort(ctx context.Context, cohort string) (bool, error) {
	return c.cohortFlag(ctx, "unregisterFromCohort", cohort)
}

func (c *Client) cohortFlag(ctx context.Context, method, cohort string) (bool, error) {
	var ok bool
	err := c.Call(ctx, method, omrs.CohortRequest{CohortName: cohort}, &ok)
	return ok, err
}

func one[T any](ctx context.Context, c *Client, method string, req any) (*T, error) {
	var out T
	if err := c.Call(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func many[T any](ctx context.Context, c *Client, method string, req any) ([]*T, error) {
	var out []*T
	if err := c.Call(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
