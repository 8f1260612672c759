package api

import (
	"context"

	"github.com/systemshift/omrs/internal/server/repository"
	"github.com/systemshift/omrs/pkg/omrs"
)

type empty struct{}

// operations maps each method name of the protocol to its implementation.
func (s *Server) operations() map[string]method {
	repo, types := s.repo, s.types

	ops := map[string]method{
		// Repository identity
		"getMetadataCollectionId": call(func(_ context.Context, _ string, _ empty) (string, error) {
			return repo.MetadataCollectionID(), nil
		}),

		// Type definitions
		"getAllTypes": call(func(ctx context.Context, userID string, _ empty) (*omrs.TypeDefGallery, error) {
			return types.GetAllTypes(ctx, userID)
		}),
		"findTypesByName": call(func(ctx context.Context, userID string, req omrs.SearchRequest) (*omrs.TypeDefGallery, error) {
			return types.FindTypesByName(ctx, userID, req.SearchCriteria)
		}),
		"findTypeDefsByCategory": call(func(ctx context.Context, userID string, req omrs.CategoryRequest) ([]*omrs.TypeDef, error) {
			return types.FindTypeDefsByCategory(ctx, userID, req.Category)
		}),
		"findAttributeTypeDefsByCategory": call(func(ctx context.Context, userID string, req omrs.AttributeCategoryRequest) ([]*omrs.AttributeTypeDef, error) {
			return types.FindAttributeTypeDefsByCategory(ctx, userID, req.Category)
		}),
		"findTypeDefsByProperty": call(func(ctx context.Context, userID string, req omrs.TypeDefProperties) ([]*omrs.TypeDef, error) {
			return types.FindTypeDefsByProperty(ctx, userID, req)
		}),
		"findTypesByExternalID": call(func(ctx context.Context, userID string, req omrs.ExternalIDRequest) ([]*omrs.TypeDef, error) {
			return types.FindTypesByExternalID(ctx, userID, req)
		}),
		"searchForTypeDefs": call(func(ctx context.Context, userID string, req omrs.SearchRequest) ([]*omrs.TypeDef, error) {
			return types.SearchForTypeDefs(ctx, userID, req.SearchCriteria)
		}),
		"searchForAttributeTypeDefs": call(func(ctx context.Context, userID string, req omrs.SearchRequest) ([]*omrs.AttributeTypeDef, error) {
			return types.SearchForAttributeTypeDefs(ctx, userID, req.SearchCriteria)
		}),
		"getTypeDefByGUID": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.TypeDef, error) {
			return types.GetTypeDefByGUID(ctx, userID, req.GUID)
		}),
		"getTypeDefByName": call(func(ctx context.Context, userID string, req omrs.NameRequest) (*omrs.TypeDef, error) {
			return types.GetTypeDefByName(ctx, userID, req.Name)
		}),
		"getAttributeTypeDefByGUID": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.AttributeTypeDef, error) {
			return types.GetAttributeTypeDefByGUID(ctx, userID, req.GUID)
		}),
		"getAttributeTypeDefByName": call(func(ctx context.Context, userID string, req omrs.NameRequest) (*omrs.AttributeTypeDef, error) {
			return types.GetAttributeTypeDefByName(ctx, userID, req.Name)
		}),
		"addTypeDef": exec(func(ctx context.Context, userID string, req omrs.TypeDefRequest) error {
			return types.AddTypeDef(ctx, userID, req.TypeDef)
		}),
		"addAttributeTypeDef": exec(func(ctx context.Context, userID string, req omrs.AttributeTypeDefRequest) error {
			return types.AddAttributeTypeDef(ctx, userID, req.AttributeTypeDef)
		}),
		"verifyTypeDef": call(func(ctx context.Context, userID string, req omrs.TypeDefRequest) (bool, error) {
			return types.VerifyTypeDef(ctx, userID, req.TypeDef)
		}),
		"verifyAttributeTypeDef": call(func(ctx context.Context, userID string, req omrs.AttributeTypeDefRequest) (bool, error) {
			return types.VerifyAttributeTypeDef(ctx, userID, req.AttributeTypeDef)
		}),
		"updateTypeDef": call(func(ctx context.Context, userID string, req omrs.PatchRequest) (*omrs.TypeDef, error) {
			return types.UpdateTypeDef(ctx, userID, req.Patch)
		}),
		"deleteTypeDef": exec(func(ctx context.Context, userID string, req omrs.TypeIdentityRequest) error {
			return types.DeleteTypeDef(ctx, userID, req.GUID, req.Name)
		}),
		"deleteAttributeTypeDef": exec(func(ctx context.Context, userID string, req omrs.TypeIdentityRequest) error {
			return types.DeleteAttributeTypeDef(ctx, userID, req.GUID, req.Name)
		}),
		"reIdentifyTypeDef": call(func(ctx context.Context, userID string, req omrs.ReIdentifyTypeRequest) (*omrs.TypeDef, error) {
			return types.ReIdentifyTypeDef(ctx, userID, req.OriginalGUID, req.OriginalName, req.NewGUID, req.NewName)
		}),
		"reIdentifyAttributeTypeDef": call(func(ctx context.Context, userID string, req omrs.ReIdentifyTypeRequest) (*omrs.AttributeTypeDef, error) {
			return types.ReIdentifyAttributeTypeDef(ctx, userID, req.OriginalGUID, req.OriginalName, req.NewGUID, req.NewName)
		}),

		// Entities
		"isEntityKnown": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.EntityDetail, error) {
			return repo.IsEntityKnown(ctx, userID, req.GUID)
		}),
		"getEntitySummary": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.EntitySummary, error) {
			return repo.GetEntitySummary(ctx, userID, req.GUID)
		}),
		"getEntityDetail": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.EntityDetail, error) {
			return repo.GetEntityDetail(ctx, userID, req.GUID)
		}),
		"getEntityDetailAsOf": call(func(ctx context.Context, userID string, req omrs.AsOfRequest) (*omrs.EntityDetail, error) {
			return repo.GetEntityDetailAsOf(ctx, userID, req.GUID, req.AsOfTime)
		}),
		"getEntityDetailHistory": call(func(ctx context.Context, userID string, req omrs.HistoryRequest) ([]*omrs.EntityDetail, error) {
			return repo.GetEntityDetailHistory(ctx, userID, req.GUID, req.HistoryQuery)
		}),
		"addEntity": call(func(ctx context.Context, userID string, req omrs.NewEntity) (*omrs.EntityDetail, error) {
			return repo.AddEntity(ctx, userID, req)
		}),
		"addExternalEntity": call(func(ctx context.Context, userID string, req omrs.NewEntity) (*omrs.EntityDetail, error) {
			return repo.AddExternalEntity(ctx, userID, req)
		}),
		"addEntityProxy": exec(func(ctx context.Context, userID string, req omrs.EntityProxyRequest) error {
			return repo.AddEntityProxy(ctx, userID, req.Proxy)
		}),
		"updateEntityStatus": call(func(ctx context.Context, userID string, req omrs.StatusRequest) (*omrs.EntityDetail, error) {
			return repo.UpdateEntityStatus(ctx, userID, req.GUID, req.NewStatus)
		}),
		"updateEntityProperties": call(func(ctx context.Context, userID string, req omrs.PropertiesRequest) (*omrs.EntityDetail, error) {
			return repo.UpdateEntityProperties(ctx, userID, req.GUID, req.Properties)
		}),
		"undoEntityUpdate": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.EntityDetail, error) {
			return repo.UndoEntityUpdate(ctx, userID, req.GUID)
		}),
		"deleteEntity": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.EntityDetail, error) {
			return repo.DeleteEntity(ctx, userID, req.GUID)
		}),
		"purgeEntity": exec(func(ctx context.Context, userID string, req omrs.GUIDRequest) error {
			return repo.PurgeEntity(ctx, userID, req.GUID)
		}),
		"restoreEntity": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.EntityDetail, error) {
			return repo.RestoreEntity(ctx, userID, req.GUID)
		}),
		"classifyEntity": call(func(ctx context.Context, userID string, req omrs.ClassifyRequest) (*omrs.EntityDetail, error) {
			return repo.ClassifyEntity(ctx, userID, req.GUID, req.NewClassification)
		}),
		"declassifyEntity": call(func(ctx context.Context, userID string, req omrs.ClassificationRequest) (*omrs.EntityDetail, error) {
			return repo.DeclassifyEntity(ctx, userID, req.GUID, req.ClassificationName)
		}),
		"updateEntityClassification": call(func(ctx context.Context, userID string, req omrs.ClassificationRequest) (*omrs.EntityDetail, error) {
			return repo.UpdateEntityClassification(ctx, userID, req.GUID, req.ClassificationName, req.Properties)
		}),
		"getHomeClassifications": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) ([]omrs.Classification, error) {
			return repo.GetHomeClassifications(ctx, userID, req.GUID)
		}),
		"reIdentifyEntity": call(func(ctx context.Context, userID string, req omrs.ReIdentifyRequest) (*omrs.EntityDetail, error) {
			return repo.ReIdentifyEntity(ctx, userID, req)
		}),
		"reTypeEntity": call(func(ctx context.Context, userID string, req omrs.ReTypeRequest) (*omrs.EntityDetail, error) {
			return repo.ReTypeEntity(ctx, userID, req)
		}),
		"reHomeEntity": call(func(ctx context.Context, userID string, req omrs.ReHomeRequest) (*omrs.EntityDetail, error) {
			return repo.ReHomeEntity(ctx, userID, req)
		}),

		// Relationships
		"isRelationshipKnown": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.Relationship, error) {
			return repo.IsRelationshipKnown(ctx, userID, req.GUID)
		}),
		"getRelationship": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.Relationship, error) {
			return repo.GetRelationship(ctx, userID, req.GUID)
		}),
		"getRelationshipAsOf": call(func(ctx context.Context, userID string, req omrs.AsOfRequest) (*omrs.Relationship, error) {
			return repo.GetRelationshipAsOf(ctx, userID, req.GUID, req.AsOfTime)
		}),
		"getRelationshipHistory": call(func(ctx context.Context, userID string, req omrs.HistoryRequest) ([]*omrs.Relationship, error) {
			return repo.GetRelationshipHistory(ctx, userID, req.GUID, req.HistoryQuery)
		}),
		"addRelationship": call(func(ctx context.Context, userID string, req omrs.NewRelationship) (*omrs.Relationship, error) {
			return repo.AddRelationship(ctx, userID, req)
		}),
		"addExternalRelationship": call(func(ctx context.Context, userID string, req omrs.NewRelationship) (*omrs.Relationship, error) {
			return repo.AddExternalRelationship(ctx, userID, req)
		}),
		"updateRelationshipStatus": call(func(ctx context.Context, userID string, req omrs.StatusRequest) (*omrs.Relationship, error) {
			return repo.UpdateRelationshipStatus(ctx, userID, req.GUID, req.NewStatus)
		}),
		"updateRelationshipProperties": call(func(ctx context.Context, userID string, req omrs.PropertiesRequest) (*omrs.Relationship, error) {
			return repo.UpdateRelationshipProperties(ctx, userID, req.GUID, req.Properties)
		}),
		"undoRelationshipUpdate": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.Relationship, error) {
			return repo.UndoRelationshipUpdate(ctx, userID, req.GUID)
		}),
		"deleteRelationship": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.Relationship, error) {
			return repo.DeleteRelationship(ctx, userID, req.GUID)
		}),
		"purgeRelationship": exec(func(ctx context.Context, userID string, req omrs.GUIDRequest) error {
			return repo.PurgeRelationship(ctx, userID, req.GUID)
		}),
		"restoreRelationship": call(func(ctx context.Context, userID string, req omrs.GUIDRequest) (*omrs.Relationship, error) {
			return repo.RestoreRelationship(ctx, userID, req.GUID)
		}),
		"reIdentifyRelationship": call(func(ctx context.Context, userID string, req omrs.ReIdentifyRequest) (*omrs.Relationship, error) {
			return repo.ReIdentifyRelationship(ctx, userID, req)
		}),
		"reTypeRelationship": call(func(ctx context.Context, userID string, req omrs.ReTypeRequest) (*omrs.Relationship, error) {
			return repo.ReTypeRelationship(ctx, userID, req)
		}),
		"reHomeRelationship": call(func(ctx context.Context, userID string, req omrs.ReHomeRequest) (*omrs.Relationship, error) {
			return repo.ReHomeRelationship(ctx, userID, req)
		}),

		// Queries
		"findEntities": call(func(ctx context.Context, userID string, req omrs.EntityQuery) ([]*omrs.EntityDetail, error) {
			return repo.FindEntities(ctx, userID, req)
		}),
		"findEntitiesByProperty": call(func(ctx context.Context, userID string, req omrs.PropertyQuery) ([]*omrs.EntityDetail, error) {
			return repo.FindEntitiesByProperty(ctx, userID, req)
		}),
		"findEntitiesByPropertyValue": call(func(ctx context.Context, userID string, req omrs.ValueQuery) ([]*omrs.EntityDetail, error) {
			return repo.FindEntitiesByPropertyValue(ctx, userID, req)
		}),
		"findEntitiesByClassification": call(func(ctx context.Context, userID string, req omrs.ClassificationQuery) ([]*omrs.EntityDetail, error) {
			return repo.FindEntitiesByClassification(ctx, userID, req)
		}),
		"findRelationships": call(func(ctx context.Context, userID string, req omrs.EntityQuery) ([]*omrs.Relationship, error) {
			return repo.FindRelationships(ctx, userID, req)
		}),
		"findRelationshipsByProperty": call(func(ctx context.Context, userID string, req omrs.PropertyQuery) ([]*omrs.Relationship, error) {
			return repo.FindRelationshipsByProperty(ctx, userID, req)
		}),
		"findRelationshipsByPropertyValue": call(func(ctx context.Context, userID string, req omrs.ValueQuery) ([]*omrs.Relationship, error) {
			return repo.FindRelationshipsByPropertyValue(ctx, userID, req)
		}),
		"getRelationshipsForEntity": call(func(ctx context.Context, userID string, req omrs.EntityRelationshipsQuery) ([]*omrs.Relationship, error) {
			return repo.GetRelationshipsForEntity(ctx, userID, req)
		}),
		"getEntityNeighborhood": call(func(ctx context.Context, userID string, req omrs.TraversalQuery) (*omrs.InstanceGraph, error) {
			return repo.GetEntityNeighborhood(ctx, userID, req)
		}),
		"getRelatedEntities": call(func(ctx context.Context, userID string, req omrs.TraversalQuery) ([]*omrs.EntityDetail, error) {
			return repo.GetRelatedEntities(ctx, userID, req)
		}),
		"getLinkingEntities": call(func(ctx context.Context, userID string, req omrs.TraversalQuery) (*omrs.InstanceGraph, error) {
			return repo.GetLinkingEntities(ctx, userID, req)
		}),

		// Reference copies
		"saveEntityReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.EntityRequest) error {
			return repo.SaveEntityReferenceCopy(ctx, userID, req.Entity)
		}),
		"deleteEntityReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.EntityRequest) error {
			return repo.DeleteEntityReferenceCopy(ctx, userID, req.Entity)
		}),
		"purgeEntityReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
			return repo.PurgeEntityReferenceCopy(ctx, userID, req)
		}),
		"refreshEntityReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
			return repo.RefreshEntityReferenceCopy(ctx, userID, req)
		}),
		"saveClassificationReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.ClassificationCopyRequest) error {
			return repo.SaveClassificationReferenceCopy(ctx, userID, req)
		}),
		"purgeClassificationReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.ClassificationCopyRequest) error {
			return repo.PurgeClassificationReferenceCopy(ctx, userID, req)
		}),
		"saveRelationshipReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.RelationshipRequest) error {
			return repo.SaveRelationshipReferenceCopy(ctx, userID, req.Relationship)
		}),
		"deleteRelationshipReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.RelationshipRequest) error {
			return repo.DeleteRelationshipReferenceCopy(ctx, userID, req.Relationship)
		}),
		"purgeRelationshipReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
			return repo.PurgeRelationshipReferenceCopy(ctx, userID, req)
		}),
		"refreshRelationshipReferenceCopy": exec(func(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
			return repo.RefreshRelationshipReferenceCopy(ctx, userID, req)
		}),
		"saveInstanceReferenceCopies": exec(func(ctx context.Context, userID string, req omrs.InstanceGraphRequest) error {
			return repo.SaveInstanceReferenceCopies(ctx, userID, req.Graph)
		}),
		"getOverdueRefreshes": call(func(_ context.Context, _ string, _ empty) ([]repository.PendingRefresh, error) {
			return repo.OverdueRefreshes(), nil
		}),
	}

	for name, op := range s.cohortOperations() {
		ops[name] = op
	}
	return ops
}

// cohortOperations answer FUNCTION_NOT_SUPPORTED when no cohort manager
// is configured.
func (s *Server) cohortOperations() map[string]method {
	mgr := s.cohorts
	guard := func(op method) method {
		return func(ctx context.Context, userID string, body []byte) (any, error) {
			if mgr == nil {
				return nil, omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-API-501-002",
					"this server is not configured to join cohorts")
			}
			return op(ctx, userID, body)
		}
	}

	return map[string]method{
		"getCohortDescriptions": guard(call(func(_ context.Context, _ string, _ empty) ([]omrs.CohortDescription, error) {
			return mgr.GetCohortDescriptions(), nil
		})),
		"getLocalRegistration": guard(call(func(_ context.Context, _ string, req omrs.CohortRequest) (*omrs.MemberRegistration, error) {
			return mgr.GetLocalRegistration(req.CohortName)
		})),
		"getRemoteRegistrations": guard(call(func(_ context.Context, _ string, req omrs.CohortRequest) ([]*omrs.MemberRegistration, error) {
			return mgr.GetRemoteRegistrations(req.CohortName)
		})),
		"connectToCohort": guard(call(func(_ context.Context, _ string, req omrs.CohortRequest) (bool, error) {
			return mgr.ConnectToCohort(req.CohortName), nil
		})),
		"disconnectFromCohort": guard(call(func(_ context.Context, _ string, req omrs.CohortRequest) (bool, error) {
			return mgr.DisconnectFromCohort(req.CohortName), nil
		})),
		"unregisterFromCohort": guard(call(func(_ context.Context, _ string, req omrs.CohortRequest) (bool, error) {
			return mgr.UnregisterFromCohort(req.CohortName), nil
		})),
	}
}
