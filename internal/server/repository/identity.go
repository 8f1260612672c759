package repository

import (
	"context"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// checkNewGUID validates the target of a re-identify.
func (r *Repository) checkNewGUID(ctx context.Context, guid, newGUID string) error {
	if err := checkGUID(newGUID, "new guid"); err != nil {
		return err
	}
	if newGUID == guid {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-032",
			"the new guid of %s is the same as the current one", guid)
	}
	taken, err := r.record(ctx, newGUID)
	if err != nil {
		return err
	}
	if taken != nil {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-033",
			"guid %s is already used by another instance", newGUID)
	}
	return nil
}

// ReIdentifyEntity moves an entity to a new guid. The old guid stops
// resolving and relationships stored here follow the entity.
func (r *Repository) ReIdentifyEntity(ctx context.Context, userID string, req omrs.ReIdentifyRequest) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(req.GUID, "entity guid"); err != nil {
		return nil, err
	}
	if err := checkGUID(req.NewGUID, "new guid"); err != nil {
		return nil, err
	}
	if req.NewGUID == req.GUID {
		return nil, r.checkNewGUID(ctx, req.GUID, req.NewGUID)
	}

	unlock := r.locks.LockPair(req.GUID, req.NewGUID)
	defer unlock()

	prev, err := r.liveEntity(ctx, req.GUID)
	if err != nil {
		return nil, err
	}
	if err := r.checkHome(prev.Header(), "re-identify entity"); err != nil {
		return nil, err
	}
	if err := r.checkNewGUID(ctx, req.GUID, req.NewGUID); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "re-identify entity", prev.Header()); err != nil {
		return nil, err
	}

	attached, err := r.store.Relationships(ctx, req.GUID)
	if err != nil {
		return nil, repositoryError("reading relationships of "+req.GUID, err)
	}
	if err := r.store.Rename(ctx, req.GUID, req.NewGUID); err != nil {
		return nil, repositoryError("renaming "+req.GUID, err)
	}
	prev.Header().GUID = req.NewGUID

	next := prev.Entity.Clone()
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.EntityRecord(next), prev); err != nil {
		return nil, err
	}
	for _, rel := range attached {
		if err := r.repointRelationship(ctx, userID, rel, req.GUID, next); err != nil {
			return nil, err
		}
	}

	r.logger.Info("re-identified entity", "guid", req.GUID, "new_guid", req.NewGUID, "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityReIdentified, Entity: next.Clone(), OriginalGUID: req.GUID})
	return next, nil
}

// repointRelationship replaces the proxy of oldGUID in rel with one for
// entity. Relationships homed here get a new version; reference copies are
// corrected in place.
func (r *Repository) repointRelationship(ctx context.Context, userID string, rel *graph.Record, oldGUID string, entity *omrs.EntityDetail) error {
	unlock := r.locks.Lock(rel.Header().GUID)
	defer unlock()

	next := rel.Relationship.Clone()
	proxy := r.proxyFor(entity)
	if next.EntityOneProxy != nil && next.EntityOneProxy.GUID == oldGUID {
		next.EntityOneProxy = proxy
	}
	if next.EntityTwoProxy != nil && next.EntityTwoProxy.GUID == oldGUID {
		next.EntityTwoProxy = proxy.Clone()
	}
	home := r.isHome(&next.InstanceHeader)
	if home {
		stamp(&next.InstanceHeader, userID)
	}
	if err := r.put(ctx, graph.RelationshipRecord(next), rel); err != nil {
		return err
	}
	if home {
		r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipUpdated, Relationship: next.Clone()})
	}
	return nil
}

// ReIdentifyRelationship moves a relationship to a new guid.
func (r *Repository) ReIdentifyRelationship(ctx context.Context, userID string, req omrs.ReIdentifyRequest) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(req.GUID, "relationship guid"); err != nil {
		return nil, err
	}
	if err := checkGUID(req.NewGUID, "new guid"); err != nil {
		return nil, err
	}
	if req.NewGUID == req.GUID {
		return nil, r.checkNewGUID(ctx, req.GUID, req.NewGUID)
	}

	unlock := r.locks.LockPair(req.GUID, req.NewGUID)
	defer unlock()

	prev, err := r.relationshipRecord(ctx, req.GUID)
	if err != nil {
		return nil, err
	}
	if err := r.checkHome(prev.Header(), "re-identify relationship"); err != nil {
		return nil, err
	}
	if err := r.checkNewGUID(ctx, req.GUID, req.NewGUID); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "re-identify relationship", prev.Header()); err != nil {
		return nil, err
	}

	if err := r.store.Rename(ctx, req.GUID, req.NewGUID); err != nil {
		return nil, repositoryError("renaming "+req.GUID, err)
	}
	prev.Header().GUID = req.NewGUID

	next := prev.Relationship.Clone()
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.RelationshipRecord(next), prev); err != nil {
		return nil, err
	}
	r.logger.Info("re-identified relationship", "guid", req.GUID, "new_guid", req.NewGUID, "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipReIdentified, Relationship: next.Clone(), OriginalGUID: req.GUID})
	return next, nil
}

// resolveNewType resolves the target of a re-type and checks the caller
// named the current type correctly.
func (r *Repository) resolveNewType(req omrs.ReTypeRequest, current omrs.InstanceType, category omrs.TypeDefCategory) (*omrs.TypeDef, error) {
	if !req.CurrentType.IsZero() &&
		(req.CurrentType.GUID != "" && req.CurrentType.GUID != current.TypeDefGUID ||
			req.CurrentType.Name != "" && req.CurrentType.Name != current.TypeDefName) {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-035",
			"instance %s is of type %s, not %s", req.GUID, current.TypeDefName, req.CurrentType.Name)
	}
	if req.NewType.IsZero() {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no new type supplied")
	}
	td, ok := r.types.ResolveLink(req.NewType)
	if !ok {
		return nil, omrs.Errorf(omrs.KindTypeError, "OMRS-REPO-400-003",
			"type %s is not known to this repository", req.NewType.Name)
	}
	if td.Category != category {
		return nil, omrs.Errorf(omrs.KindTypeError, "OMRS-REPO-400-003",
			"type %s is a %s, not a %s", td.Name, td.Category, category)
	}
	return td, nil
}

// ReTypeEntity changes the type of an entity. The current properties and
// classifications must be valid for the new type.
func (r *Repository) ReTypeEntity(ctx context.Context, userID string, req omrs.ReTypeRequest) (*omrs.EntityDetail, error) {
	event := &subscriptions.Event{Type: subscriptions.EventEntityReTyped}
	return r.changeEntity(ctx, userID, req.GUID, "re-type entity", event,
		func(e *omrs.EntityDetail, _ *omrs.TypeDef) error {
			td, err := r.resolveNewType(req, e.Type, omrs.CategoryEntityDef)
			if err != nil {
				return err
			}
			props, err := r.types.ValidateProperties(td, e.Properties, true)
			if err != nil {
				return err
			}
			it := r.types.InstanceType(td)
			for _, c := range e.Classifications {
				if _, err := r.classificationType(c.Name, it); err != nil {
					return err
				}
			}
			if err := r.lifecycle.checkTarget(opUpdateStatus, td.Name, r.types.ValidStatuses(td), e.Status); err != nil {
				return err
			}
			event.OriginalType = &omrs.TypeDefLink{GUID: e.Type.TypeDefGUID, Name: e.Type.TypeDefName}
			e.Type = it
			e.Properties = props
			return nil
		})
}

// ReTypeRelationship changes the type of a relationship. The properties and
// both ends must be valid for the new type.
func (r *Repository) ReTypeRelationship(ctx context.Context, userID string, req omrs.ReTypeRequest) (*omrs.Relationship, error) {
	event := &subscriptions.Event{Type: subscriptions.EventRelationshipReTyped}
	return r.changeRelationship(ctx, userID, req.GUID, "re-type relationship", event,
		func(rel *omrs.Relationship, _ *omrs.TypeDef) error {
			td, err := r.resolveNewType(req, rel.Type, omrs.CategoryRelationshipDef)
			if err != nil {
				return err
			}
			props, err := r.types.ValidateProperties(td, rel.Properties, true)
			if err != nil {
				return err
			}
			if err := r.checkEnds(td, rel.EntityOneProxy, rel.EntityTwoProxy); err != nil {
				return err
			}
			if err := r.lifecycle.checkTarget(opUpdateStatus, td.Name, r.types.ValidStatuses(td), rel.Status); err != nil {
				return err
			}
			event.OriginalType = &omrs.TypeDefLink{GUID: rel.Type.TypeDefGUID, Name: rel.Type.TypeDefName}
			rel.Type = r.types.InstanceType(td)
			rel.Properties = props
			return nil
		})
}

// checkReHome validates a re-home request against the current header.
// Either side of the move must be this repository.
func (r *Repository) checkReHome(req omrs.ReHomeRequest, h *omrs.InstanceHeader) error {
	if req.HomeMetadataCollectionID != h.MetadataCollectionID {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-036",
			"instance %s is homed in %s, not %s", h.GUID, h.MetadataCollectionID, req.HomeMetadataCollectionID)
	}
	if req.NewHomeMetadataCollectionID == "" || req.NewHomeMetadataCollectionID == h.MetadataCollectionID {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-037",
			"no new home supplied for instance %s", h.GUID)
	}
	if !r.isHome(h) && req.NewHomeMetadataCollectionID != r.id {
		return r.checkHome(h, "re-home")
	}
	return nil
}

func (r *Repository) reHome(h *omrs.InstanceHeader, req omrs.ReHomeRequest, userID string) {
	h.MetadataCollectionID = req.NewHomeMetadataCollectionID
	h.MetadataCollectionName = req.NewHomeMetadataCollectionName
	h.ReplicatedBy = ""
	if h.MetadataCollectionID == r.id {
		h.MetadataCollectionName = r.name
		h.InstanceProvenanceType = omrs.ProvenanceLocalCohort
	}
	stamp(h, userID)
}

// ReHomeEntity moves the home of an entity. It is the one change allowed on
// an entity homed elsewhere, so that a member can take over copies whose
// home has left the cohort.
func (r *Repository) ReHomeEntity(ctx context.Context, userID string, req omrs.ReHomeRequest) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(req.GUID, "entity guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(req.GUID)
	defer unlock()

	prev, err := r.liveEntity(ctx, req.GUID)
	if err != nil {
		return nil, err
	}
	if err := r.checkReHome(req, prev.Header()); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "re-home entity", prev.Header()); err != nil {
		return nil, err
	}

	next := prev.Entity.Clone()
	r.reHome(&next.InstanceHeader, req, userID)
	if err := r.put(ctx, graph.EntityRecord(next), prev); err != nil {
		return nil, err
	}
	r.logger.Info("re-homed entity", "guid", req.GUID, "from", req.HomeMetadataCollectionID, "to", next.MetadataCollectionID, "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityReHomed, Entity: next.Clone(), OriginalHome: req.HomeMetadataCollectionID})
	return next, nil
}

// ReHomeRelationship moves the home of a relationship.
func (r *Repository) ReHomeRelationship(ctx context.Context, userID string, req omrs.ReHomeRequest) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(req.GUID, "relationship guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(req.GUID)
	defer unlock()

	prev, err := r.relationshipRecord(ctx, req.GUID)
	if err != nil {
		return nil, err
	}
	if err := r.checkReHome(req, prev.Header()); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "re-home relationship", prev.Header()); err != nil {
		return nil, err
	}

	next := prev.Relationship.Clone()
	r.reHome(&next.InstanceHeader, req, userID)
	if err := r.put(ctx, graph.RelationshipRecord(next), prev); err != nil {
		return nil, err
	}
	r.logger.Info("re-homed relationship", "guid", req.GUID, "from", req.HomeMetadataCollectionID, "to", next.MetadataCollectionID, "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipReHomed, Relationship: next.Clone(), OriginalHome: req.HomeMetadataCollectionID})
	return next, nil
}
