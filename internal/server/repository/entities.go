package repository

import (
	"context"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// entityRecord returns the current entity or proxy stored under guid.
// Deleted and missing instances are reported as not known.
func (r *Repository) entityRecord(ctx context.Context, guid string) (*graph.Record, error) {
	rec, err := r.record(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind == graph.KindRelationship || rec.Header().Status == omrs.StatusDeleted {
		return nil, notKnown(graph.KindEntity, guid)
	}
	return rec, nil
}

// liveEntity returns the current full entity stored under guid.
func (r *Repository) liveEntity(ctx context.Context, guid string) (*graph.Record, error) {
	rec, err := r.entityRecord(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec.Kind == graph.KindProxy {
		return nil, proxyOnly(guid)
	}
	return rec, nil
}

func proxyOnly(guid string) error {
	return omrs.Errorf(omrs.KindEntityProxyOnly, "OMRS-REPO-404-003",
		"only a proxy of entity %s is stored in this repository", guid)
}

// entityType resolves an entity TypeDef by guid.
func (r *Repository) entityType(guid string) (*omrs.TypeDef, error) {
	return r.instanceType(guid, omrs.CategoryEntityDef)
}

func (r *Repository) instanceType(guid string, category omrs.TypeDefCategory) (*omrs.TypeDef, error) {
	if guid == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no type guid supplied")
	}
	td, ok := r.types.TypeDef(guid)
	if !ok {
		return nil, omrs.Errorf(omrs.KindTypeError, "OMRS-REPO-400-003",
			"type %s is not known to this repository", guid)
	}
	if td.Category != category {
		return nil, omrs.Errorf(omrs.KindTypeError, "OMRS-REPO-400-003",
			"type %s is a %s, not a %s", td.Name, td.Category, category)
	}
	return td, nil
}

// proxyFor builds the proxy that stands for e in relationships.
func (r *Repository) proxyFor(e *omrs.EntityDetail) *omrs.EntityProxy {
	p := &omrs.EntityProxy{InstanceHeader: e.InstanceHeader}
	p.Type.SuperTypes = append([]omrs.TypeDefLink(nil), e.Type.SuperTypes...)
	if td, ok := r.types.TypeDef(e.Type.TypeDefGUID); ok {
		p.UniqueProperties = r.types.UniqueProperties(td, e.Properties)
	}
	return p
}

// asProxy returns the proxy form of an entity or proxy record.
func (r *Repository) asProxy(rec *graph.Record) *omrs.EntityProxy {
	if rec.Kind == graph.KindProxy {
		return rec.Proxy.Clone()
	}
	return r.proxyFor(rec.Entity)
}

// IsEntityKnown returns the entity if it is stored in full and not
// deleted, and nil otherwise. It never reports not-known as an error.
func (r *Repository) IsEntityKnown(ctx context.Context, userID, guid string) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}
	rec, err := r.record(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != graph.KindEntity || rec.Entity.Status == omrs.StatusDeleted {
		return nil, nil
	}
	if err := r.authorize(ctx, userID, "read entity", &rec.Entity.InstanceHeader); err != nil {
		return nil, err
	}
	return rec.Entity, nil
}

// GetEntitySummary returns the header and classifications of an entity or
// proxy.
func (r *Repository) GetEntitySummary(ctx context.Context, userID, guid string) (*omrs.EntitySummary, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}
	rec, err := r.entityRecord(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "read entity", rec.Header()); err != nil {
		return nil, err
	}
	if rec.Kind == graph.KindProxy {
		return rec.Proxy.Summary(), nil
	}
	return rec.Entity.Summary(), nil
}

// GetEntityDetail returns the current entity.
func (r *Repository) GetEntityDetail(ctx context.Context, userID, guid string) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}
	rec, err := r.liveEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "read entity", rec.Header()); err != nil {
		return nil, err
	}
	return rec.Entity, nil
}

// AddEntity creates an entity homed in this repository.
func (r *Repository) AddEntity(ctx context.Context, userID string, req omrs.NewEntity) (*omrs.EntityDetail, error) {
	req.ExternalSourceGUID, req.ExternalSourceName = "", ""
	return r.addEntity(ctx, userID, req)
}

// AddExternalEntity creates an entity that belongs to an external source
// this repository replicates for.
func (r *Repository) AddExternalEntity(ctx context.Context, userID string, req omrs.NewEntity) (*omrs.EntityDetail, error) {
	if req.ExternalSourceGUID == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no external source guid supplied")
	}
	return r.addEntity(ctx, userID, req)
}

func (r *Repository) addEntity(ctx context.Context, userID string, req omrs.NewEntity) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	td, err := r.entityType(req.TypeDefGUID)
	if err != nil {
		return nil, err
	}
	status := req.InitialStatus
	if status == "" {
		status = r.types.InitialStatus(td)
	}
	if err := r.lifecycle.checkTarget(opCreate, td.Name, r.types.ValidStatuses(td), status); err != nil {
		return nil, err
	}
	props, err := r.types.ValidateProperties(td, req.Properties, true)
	if err != nil {
		return nil, err
	}

	entity := &omrs.EntityDetail{
		InstanceHeader: r.newHeader(userID, r.types.InstanceType(td), status, req.ExternalSourceGUID, req.ExternalSourceName),
		Properties:     props,
	}
	for _, nc := range req.Classifications {
		c, err := r.newClassification(userID, entity, nc)
		if err != nil {
			return nil, err
		}
		entity.Classifications = append(entity.Classifications, c)
	}
	if err := r.authorize(ctx, userID, "add entity", &entity.InstanceHeader); err != nil {
		return nil, err
	}

	if err := r.put(ctx, graph.EntityRecord(entity), nil); err != nil {
		return nil, err
	}
	r.logger.Debug("added entity", "guid", entity.GUID, "type", td.Name, "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityCreated, Entity: entity.Clone()})
	return entity, nil
}

// AddEntityProxy stores a proxy for an entity homed elsewhere. A stored
// full entity with the same guid is left as it is.
func (r *Repository) AddEntityProxy(ctx context.Context, userID string, proxy *omrs.EntityProxy) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if proxy == nil {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no entity proxy supplied")
	}
	if err := checkGUID(proxy.GUID, "entity proxy guid"); err != nil {
		return err
	}
	if proxy.MetadataCollectionID == "" || proxy.MetadataCollectionID == r.id {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-034",
			"entity proxy %s must name a remote home metadata collection", proxy.GUID)
	}
	if _, err := r.entityType(proxy.Type.TypeDefGUID); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "add entity proxy", &proxy.InstanceHeader); err != nil {
		return err
	}

	unlock := r.locks.Lock(proxy.GUID)
	defer unlock()
	_, err := r.storeProxy(ctx, proxy.Clone())
	return err
}

// storeProxy stores p unless a full entity or a newer proxy is already
// stored. It returns the record that now stands for the entity.
func (r *Repository) storeProxy(ctx context.Context, p *omrs.EntityProxy) (*graph.Record, error) {
	prev, err := r.record(ctx, p.GUID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		h := prev.Header()
		switch {
		case prev.Kind == graph.KindRelationship || h.MetadataCollectionID != p.MetadataCollectionID:
			return nil, omrs.Errorf(omrs.KindEntityConflict, "OMRS-REPO-409-010",
				"entity %s is already stored with home %s", p.GUID, h.MetadataCollectionID)
		case prev.Kind == graph.KindEntity && h.Status != omrs.StatusDeleted:
			return prev, nil
		case prev.Kind == graph.KindProxy && h.Version >= p.Version && h.Status != omrs.StatusDeleted:
			return prev, nil
		}
	}
	rec := graph.ProxyRecord(p)
	if err := r.put(ctx, rec, prev); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateEntityStatus moves an entity to another non-deleted status.
func (r *Repository) UpdateEntityStatus(ctx context.Context, userID, guid string, status omrs.InstanceStatus) (*omrs.EntityDetail, error) {
	return r.changeEntity(ctx, userID, guid, "update entity status", &subscriptions.Event{Type: subscriptions.EventEntityUpdated},
		func(e *omrs.EntityDetail, td *omrs.TypeDef) error {
			if err := r.lifecycle.checkTarget(opUpdateStatus, td.Name, r.types.ValidStatuses(td), status); err != nil {
				return err
			}
			e.Status = status
			return nil
		})
}

// UpdateEntityProperties merges props into the entity's properties.
func (r *Repository) UpdateEntityProperties(ctx context.Context, userID, guid string, props *omrs.InstanceProperties) (*omrs.EntityDetail, error) {
	return r.changeEntity(ctx, userID, guid, "update entity properties", &subscriptions.Event{Type: subscriptions.EventEntityUpdated},
		func(e *omrs.EntityDetail, td *omrs.TypeDef) error {
			updates, err := r.types.ValidateProperties(td, props, false)
			if err != nil {
				return err
			}
			e.Properties = e.Properties.Merge(updates)
			return nil
		})
}

// changeEntity applies fn to a copy of the current entity and commits the
// result as the next version. Nothing is stored when fn fails.
func (r *Repository) changeEntity(ctx context.Context, userID, guid, operation string, event *subscriptions.Event,
	fn func(*omrs.EntityDetail, *omrs.TypeDef) error) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.liveEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.checkHome(prev.Header(), operation); err != nil {
		return nil, err
	}
	td, err := r.entityType(prev.Entity.Type.TypeDefGUID)
	if err != nil {
		return nil, err
	}

	next := prev.Entity.Clone()
	if err := fn(next, td); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, operation, &next.InstanceHeader); err != nil {
		return nil, err
	}
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.EntityRecord(next), prev); err != nil {
		return nil, err
	}
	event.Entity = next.Clone()
	r.publish(*event)
	return next, nil
}

// UndoEntityUpdate restores the content of the previous version as a new
// version.
func (r *Repository) UndoEntityUpdate(ctx context.Context, userID, guid string) (*omrs.EntityDetail, error) {
	if !r.store.RetainsHistory() {
		return nil, omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-REPO-501-002",
			"this repository does not retain the versions needed to undo an update")
	}
	return r.changeEntity(ctx, userID, guid, "undo entity update", &subscriptions.Event{Type: subscriptions.EventEntityUndone},
		func(e *omrs.EntityDetail, td *omrs.TypeDef) error {
			prior, err := r.priorVersion(ctx, guid, graph.KindEntity)
			if err != nil {
				return err
			}
			e.Properties = prior.Entity.Properties
			e.Classifications = prior.Entity.Classifications
			e.Status = prior.Entity.Status
			return nil
		})
}

// priorVersion returns the version before the current one. Versions of a
// different kind and deleted versions cannot be returned to.
func (r *Repository) priorVersion(ctx context.Context, guid string, kind graph.RecordKind) (*graph.Record, error) {
	history, err := r.store.History(ctx, guid)
	if err != nil {
		return nil, repositoryError("reading history of "+guid, err)
	}
	if len(history) < 2 {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-040",
			"instance %s has no earlier version to return to", guid)
	}
	prior := history[len(history)-2]
	if prior.Kind != kind || prior.Header().Status == omrs.StatusDeleted {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-041",
			"the version of instance %s before the current one cannot be restored by undo", guid)
	}
	return prior, nil
}

// DeleteEntity soft-deletes an entity and the relationships homed here
// that are attached to it.
func (r *Repository) DeleteEntity(ctx context.Context, userID, guid string) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.liveEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.checkHome(prev.Header(), "delete entity"); err != nil {
		return nil, err
	}
	if err := r.lifecycle.checkSource(opDelete, graph.KindEntity, prev.Header()); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "delete entity", prev.Header()); err != nil {
		return nil, err
	}

	attached, err := r.store.Relationships(ctx, guid)
	if err != nil {
		return nil, repositoryError("reading relationships of "+guid, err)
	}
	cascade, release, err := r.cascadeDeletes(ctx, userID, attached)
	if err != nil {
		return nil, err
	}
	defer release()

	for _, rel := range cascade {
		if _, err := r.commitRelationshipDelete(ctx, userID, rel); err != nil {
			return nil, err
		}
	}

	next := prev.Entity.Clone()
	next.StatusOnDelete = next.Status
	next.Status = omrs.StatusDeleted
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.EntityRecord(next), prev); err != nil {
		return nil, err
	}
	r.logger.Debug("deleted entity", "guid", guid, "relationships", len(cascade), "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityDeleted, Entity: next.Clone()})
	return next, nil
}

// PurgeEntity removes a deleted entity, its history and every relationship
// attached to it.
func (r *Repository) PurgeEntity(ctx context.Context, userID, guid string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.record(ctx, guid)
	if err != nil {
		return err
	}
	if prev == nil || prev.Kind == graph.KindRelationship {
		return notKnown(graph.KindEntity, guid)
	}
	if prev.Kind == graph.KindProxy {
		return proxyOnly(guid)
	}
	if err := r.checkHome(prev.Header(), "purge entity"); err != nil {
		return err
	}
	if err := r.lifecycle.checkSource(opPurge, graph.KindEntity, prev.Header()); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "purge entity", prev.Header()); err != nil {
		return err
	}

	attached, err := r.store.Relationships(ctx, guid)
	if err != nil {
		return repositoryError("reading relationships of "+guid, err)
	}
	for _, rel := range attached {
		relGUID := rel.Header().GUID
		unlockRel := r.locks.Lock(relGUID)
		err := r.store.Purge(ctx, relGUID)
		unlockRel()
		if err != nil {
			return repositoryError("purging relationship "+relGUID, err)
		}
		r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipPurged, Relationship: rel.Relationship})
	}

	if err := r.store.Purge(ctx, guid); err != nil {
		return repositoryError("purging entity "+guid, err)
	}
	r.logger.Debug("purged entity", "guid", guid, "relationships", len(attached), "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityPurged, Entity: prev.Entity})
	return nil
}

// RestoreEntity brings a deleted entity back to ACTIVE with the content it
// had before it was deleted.
func (r *Repository) RestoreEntity(ctx context.Context, userID, guid string) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.record(ctx, guid)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.Kind == graph.KindRelationship {
		return nil, notKnown(graph.KindEntity, guid)
	}
	if prev.Kind == graph.KindProxy {
		return nil, proxyOnly(guid)
	}
	if err := r.checkHome(prev.Header(), "restore entity"); err != nil {
		return nil, err
	}
	if err := r.lifecycle.checkSource(opRestore, graph.KindEntity, prev.Header()); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "restore entity", prev.Header()); err != nil {
		return nil, err
	}

	next := prev.Entity.Clone()
	next.Status = omrs.StatusActive
	next.StatusOnDelete = ""
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.EntityRecord(next), prev); err != nil {
		return nil, err
	}
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityRestored, Entity: next.Clone()})
	return next, nil
}
