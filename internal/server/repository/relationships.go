package repository

import (
	"context"
	"slices"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// relationshipRecord returns the current relationship stored under guid.
// Deleted and missing relationships are reported as not known.
func (r *Repository) relationshipRecord(ctx context.Context, guid string) (*graph.Record, error) {
	rec, err := r.record(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != graph.KindRelationship || rec.Relationship.Status == omrs.StatusDeleted {
		return nil, notKnown(graph.KindRelationship, guid)
	}
	return rec, nil
}

// checkEnds verifies the proxies fit the end definitions of td.
func (r *Repository) checkEnds(td *omrs.TypeDef, one, two *omrs.EntityProxy) error {
	ends := []struct {
		def   *omrs.RelationshipEndDef
		proxy *omrs.EntityProxy
	}{{td.EndDef1, one}, {td.EndDef2, two}}
	for i, end := range ends {
		if end.def == nil || end.def.EntityType.Name == "" {
			continue
		}
		if !end.proxy.Type.IsA(end.def.EntityType.Name) {
			return omrs.Errorf(omrs.KindTypeError, "OMRS-REPO-400-013",
				"entity %s of type %s cannot be end %d of relationship type %s, which requires %s",
				end.proxy.GUID, end.proxy.Type.TypeDefName, i+1, td.Name, end.def.EntityType.Name)
		}
	}
	return nil
}

// IsRelationshipKnown returns the relationship if it is stored and not
// deleted, and nil otherwise.
func (r *Repository) IsRelationshipKnown(ctx context.Context, userID, guid string) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return nil, err
	}
	rec, err := r.record(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != graph.KindRelationship || rec.Relationship.Status == omrs.StatusDeleted {
		return nil, nil
	}
	if err := r.authorize(ctx, userID, "read relationship", rec.Header()); err != nil {
		return nil, err
	}
	return rec.Relationship, nil
}

// GetRelationship returns the current relationship.
func (r *Repository) GetRelationship(ctx context.Context, userID, guid string) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return nil, err
	}
	rec, err := r.relationshipRecord(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "read relationship", rec.Header()); err != nil {
		return nil, err
	}
	return rec.Relationship, nil
}

// AddRelationship creates a relationship homed in this repository between
// two locally known entities or proxies.
func (r *Repository) AddRelationship(ctx context.Context, userID string, req omrs.NewRelationship) (*omrs.Relationship, error) {
	req.ExternalSourceGUID, req.ExternalSourceName = "", ""
	return r.addRelationship(ctx, userID, req)
}

// AddExternalRelationship creates a relationship that belongs to an
// external source this repository replicates for.
func (r *Repository) AddExternalRelationship(ctx context.Context, userID string, req omrs.NewRelationship) (*omrs.Relationship, error) {
	if req.ExternalSourceGUID == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no external source guid supplied")
	}
	return r.addRelationship(ctx, userID, req)
}

func (r *Repository) addRelationship(ctx context.Context, userID string, req omrs.NewRelationship) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(req.EntityOneGUID, "entity one guid"); err != nil {
		return nil, err
	}
	if err := checkGUID(req.EntityTwoGUID, "entity two guid"); err != nil {
		return nil, err
	}
	td, err := r.instanceType(req.TypeDefGUID, omrs.CategoryRelationshipDef)
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

	oneRec, err := r.entityRecord(ctx, req.EntityOneGUID)
	if err != nil {
		return nil, err
	}
	twoRec, err := r.entityRecord(ctx, req.EntityTwoGUID)
	if err != nil {
		return nil, err
	}
	one, two := r.asProxy(oneRec), r.asProxy(twoRec)
	if err := r.checkEnds(td, one, two); err != nil {
		return nil, err
	}

	rel := &omrs.Relationship{
		InstanceHeader: r.newHeader(userID, r.types.InstanceType(td), status, req.ExternalSourceGUID, req.ExternalSourceName),
		Properties:     props,
		EntityOneProxy: one,
		EntityTwoProxy: two,
	}
	if err := r.authorize(ctx, userID, "add relationship", &rel.InstanceHeader); err != nil {
		return nil, err
	}

	if err := r.put(ctx, graph.RelationshipRecord(rel), nil); err != nil {
		return nil, err
	}
	r.logger.Debug("added relationship", "guid", rel.GUID, "type", td.Name, "end1", one.GUID, "end2", two.GUID, "user", userID)
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipCreated, Relationship: rel.Clone()})
	return rel, nil
}

// UpdateRelationshipStatus moves a relationship to another non-deleted
// status.
func (r *Repository) UpdateRelationshipStatus(ctx context.Context, userID, guid string, status omrs.InstanceStatus) (*omrs.Relationship, error) {
	return r.changeRelationship(ctx, userID, guid, "update relationship status", &subscriptions.Event{Type: subscriptions.EventRelationshipUpdated},
		func(rel *omrs.Relationship, td *omrs.TypeDef) error {
			if err := r.lifecycle.checkTarget(opUpdateStatus, td.Name, r.types.ValidStatuses(td), status); err != nil {
				return err
			}
			rel.Status = status
			return nil
		})
}

// UpdateRelationshipProperties merges props into the relationship's
// properties.
func (r *Repository) UpdateRelationshipProperties(ctx context.Context, userID, guid string, props *omrs.InstanceProperties) (*omrs.Relationship, error) {
	return r.changeRelationship(ctx, userID, guid, "update relationship properties", &subscriptions.Event{Type: subscriptions.EventRelationshipUpdated},
		func(rel *omrs.Relationship, td *omrs.TypeDef) error {
			updates, err := r.types.ValidateProperties(td, props, false)
			if err != nil {
				return err
			}
			rel.Properties = rel.Properties.Merge(updates)
			return nil
		})
}

// UndoRelationshipUpdate restores the content of the previous version as a
// new version.
func (r *Repository) UndoRelationshipUpdate(ctx context.Context, userID, guid string) (*omrs.Relationship, error) {
	if !r.store.RetainsHistory() {
		return nil, omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-REPO-501-002",
			"this repository does not retain the versions needed to undo an update")
	}
	return r.changeRelationship(ctx, userID, guid, "undo relationship update", &subscriptions.Event{Type: subscriptions.EventRelationshipUndone},
		func(rel *omrs.Relationship, _ *omrs.TypeDef) error {
			prior, err := r.priorVersion(ctx, guid, graph.KindRelationship)
			if err != nil {
				return err
			}
			rel.Properties = prior.Relationship.Properties
			rel.Status = prior.Relationship.Status
			return nil
		})
}

func (r *Repository) changeRelationship(ctx context.Context, userID, guid, operation string, event *subscriptions.Event,
	fn func(*omrs.Relationship, *omrs.TypeDef) error) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.relationshipRecord(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.checkHome(prev.Header(), operation); err != nil {
		return nil, err
	}
	td, err := r.instanceType(prev.Relationship.Type.TypeDefGUID, omrs.CategoryRelationshipDef)
	if err != nil {
		return nil, err
	}

	next := prev.Relationship.Clone()
	if err := fn(next, td); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, operation, &next.InstanceHeader); err != nil {
		return nil, err
	}
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.RelationshipRecord(next), prev); err != nil {
		return nil, err
	}
	event.Relationship = next.Clone()
	r.publish(*event)
	return next, nil
}

// DeleteRelationship soft-deletes a relationship.
func (r *Repository) DeleteRelationship(ctx context.Context, userID, guid string) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return nil, err
	}
	return r.deleteRelationship(ctx, userID, guid)
}

func (r *Repository) deleteRelationship(ctx context.Context, userID, guid string) (*omrs.Relationship, error) {
	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.relationshipRecord(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.checkRelationshipDelete(ctx, userID, prev); err != nil {
		return nil, err
	}
	return r.commitRelationshipDelete(ctx, userID, prev)
}

func (r *Repository) checkRelationshipDelete(ctx context.Context, userID string, prev *graph.Record) error {
	if err := r.checkHome(prev.Header(), "delete relationship"); err != nil {
		return err
	}
	if err := r.lifecycle.checkSource(opDelete, graph.KindRelationship, prev.Header()); err != nil {
		return err
	}
	return r.authorize(ctx, userID, "delete relationship", prev.Header())
}

func (r *Repository) commitRelationshipDelete(ctx context.Context, userID string, prev *graph.Record) (*omrs.Relationship, error) {
	next := prev.Relationship.Clone()
	next.StatusOnDelete = next.Status
	next.Status = omrs.StatusDeleted
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.RelationshipRecord(next), prev); err != nil {
		return nil, err
	}
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipDeleted, Relationship: next.Clone()})
	return next, nil
}

// cascadeDeletes locks and checks every live relationship homed here that
// is attached to an entity about to be deleted. Either all of them may be
// deleted or none is touched. The returned func releases the locks.
func (r *Repository) cascadeDeletes(ctx context.Context, userID string, attached []*graph.Record) ([]*graph.Record, func(), error) {
	guids := make([]string, 0, len(attached))
	for _, rel := range attached {
		h := rel.Header()
		if h.Status == omrs.StatusDeleted || !r.isHome(h) || slices.Contains(guids, h.GUID) {
			continue
		}
		guids = append(guids, h.GUID)
	}
	// a fixed order keeps two cascades over shared relationships from
	// deadlocking
	slices.Sort(guids)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	var out []*graph.Record
	for _, guid := range guids {
		unlocks = append(unlocks, r.locks.Lock(guid))
		prev, err := r.record(ctx, guid)
		if err != nil {
			release()
			return nil, nil, err
		}
		if prev == nil || prev.Kind != graph.KindRelationship || prev.Header().Status == omrs.StatusDeleted || !r.isHome(prev.Header()) {
			continue
		}
		if err := r.checkRelationshipDelete(ctx, userID, prev); err != nil {
			release()
			return nil, nil, err
		}
		out = append(out, prev)
	}
	return out, release, nil
}

// PurgeRelationship removes a deleted relationship and its history.
func (r *Repository) PurgeRelationship(ctx context.Context, userID, guid string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.record(ctx, guid)
	if err != nil {
		return err
	}
	if prev == nil || prev.Kind != graph.KindRelationship {
		return notKnown(graph.KindRelationship, guid)
	}
	if err := r.checkHome(prev.Header(), "purge relationship"); err != nil {
		return err
	}
	if err := r.lifecycle.checkSource(opPurge, graph.KindRelationship, prev.Header()); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "purge relationship", prev.Header()); err != nil {
		return err
	}

	if err := r.store.Purge(ctx, guid); err != nil {
		return repositoryError("purging relationship "+guid, err)
	}
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipPurged, Relationship: prev.Relationship})
	return nil
}

// RestoreRelationship brings a deleted relationship back to ACTIVE. Both of
// its ends must still be known.
func (r *Repository) RestoreRelationship(ctx context.Context, userID, guid string) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(guid)
	defer unlock()

	prev, err := r.record(ctx, guid)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.Kind != graph.KindRelationship {
		return nil, notKnown(graph.KindRelationship, guid)
	}
	if err := r.checkHome(prev.Header(), "restore relationship"); err != nil {
		return nil, err
	}
	if err := r.lifecycle.checkSource(opRestore, graph.KindRelationship, prev.Header()); err != nil {
		return nil, err
	}
	one, two := prev.Ends()
	for _, end := range []string{one, two} {
		if _, err := r.entityRecord(ctx, end); err != nil {
			return nil, err
		}
	}
	if err := r.authorize(ctx, userID, "restore relationship", prev.Header()); err != nil {
		return nil, err
	}

	next := prev.Relationship.Clone()
	next.Status = omrs.StatusActive
	next.StatusOnDelete = ""
	stamp(&next.InstanceHeader, userID)
	if err := r.put(ctx, graph.RelationshipRecord(next), prev); err != nil {
		return nil, err
	}
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipRestored, Relationship: next.Clone()})
	return next, nil
}
