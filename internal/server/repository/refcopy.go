package repository

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// PendingRefresh is a refresh request still waiting for its save.
type PendingRefresh struct {
	GUID        string           `json:"guid"`
	Kind        graph.RecordKind `json:"kind"`
	TypeDefGUID string           `json:"typeDefGUID,omitempty"`
	HomeID      string           `json:"homeMetadataCollectionId"`
	RequestedBy string           `json:"requestedBy"`
	RequestedAt time.Time        `json:"requestedAt"`
}

func (r *Repository) checkRefCopies() error {
	if r.refcopies {
		return nil
	}
	return omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-REPO-501-003",
		"metadata collection %s does not store reference copies", r.id)
}

func homeEntity(guid string) error {
	return omrs.Errorf(omrs.KindHomeEntity, "OMRS-REPO-400-071",
		"entity %s is homed in this repository and cannot be stored as a reference copy", guid)
}

func homeRelationship(guid string) error {
	return omrs.Errorf(omrs.KindHomeRelationship, "OMRS-REPO-400-074",
		"relationship %s is homed in this repository and cannot be stored as a reference copy", guid)
}

func entityConflict(guid, home string) error {
	return omrs.Errorf(omrs.KindEntityConflict, "OMRS-REPO-409-010",
		"entity %s is already stored with home %s", guid, home)
}

func relationshipConflict(guid, home string) error {
	return omrs.Errorf(omrs.KindRelationshipConflict, "OMRS-REPO-409-011",
		"relationship %s is already stored with home %s", guid, home)
}

// checkCopyHeader validates the header of an incoming reference copy.
func (r *Repository) checkCopyHeader(h *omrs.InstanceHeader, kind graph.RecordKind) error {
	invalid := func(format string, args ...any) error {
		if kind == graph.KindRelationship {
			return omrs.Errorf(omrs.KindInvalidRelationship, "OMRS-REPO-400-073", format, args...)
		}
		return omrs.Errorf(omrs.KindInvalidEntity, "OMRS-REPO-400-070", format, args...)
	}
	switch {
	case h.GUID == "":
		return invalid("reference copy has no guid")
	case h.Type.TypeDefGUID == "":
		return invalid("reference copy %s has no type", h.GUID)
	case h.MetadataCollectionID == "":
		return invalid("reference copy %s has no home metadata collection", h.GUID)
	case r.isHome(h):
		if kind == graph.KindRelationship {
			return homeRelationship(h.GUID)
		}
		return homeEntity(h.GUID)
	}
	category := omrs.CategoryEntityDef
	if kind == graph.KindRelationship {
		category = omrs.CategoryRelationshipDef
	}
	_, err := r.instanceType(h.Type.TypeDefGUID, category)
	return err
}

// supersedes reports whether an incoming copy replaces the stored record.
// Equal versions replace tombstones and proxies only.
func supersedes(prev *graph.Record, incoming *omrs.InstanceHeader) bool {
	h := prev.Header()
	switch {
	case incoming.Version > h.Version:
		return true
	case incoming.Version < h.Version:
		return false
	}
	return prev.Kind == graph.KindProxy || h.Status == omrs.StatusDeleted && incoming.Status != omrs.StatusDeleted
}

func (r *Repository) clearPending(guid string) {
	r.pendingMu.Lock()
	delete(r.pending, guid)
	r.pendingMu.Unlock()
}

// SaveEntityReferenceCopy stores or updates the local copy of an entity
// homed elsewhere. Stale and repeated saves are accepted and ignored.
func (r *Repository) SaveEntityReferenceCopy(ctx context.Context, userID string, entity *omrs.EntityDetail) error {
	if err := r.checkRefCopies(); err != nil {
		return err
	}
	if err := checkUser(userID); err != nil {
		return err
	}
	if entity == nil {
		return omrs.Errorf(omrs.KindInvalidEntity, "OMRS-REPO-400-070", "no entity supplied")
	}
	if err := r.checkCopyHeader(&entity.InstanceHeader, graph.KindEntity); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "save entity reference copy", &entity.InstanceHeader); err != nil {
		return err
	}

	unlock := r.locks.Lock(entity.GUID)
	defer unlock()

	prev, err := r.record(ctx, entity.GUID)
	if err != nil {
		return err
	}
	if prev != nil {
		h := prev.Header()
		if prev.Kind == graph.KindRelationship || h.MetadataCollectionID != entity.MetadataCollectionID {
			return entityConflict(entity.GUID, h.MetadataCollectionID)
		}
		if !supersedes(prev, &entity.InstanceHeader) {
			r.clearPending(entity.GUID)
			r.logger.Trace("ignored entity reference copy", "guid", entity.GUID, "version", entity.Version, "stored", h.Version)
			return nil
		}
	}

	next := entity.Clone()
	if err := r.put(ctx, graph.EntityRecord(next), prev); err != nil {
		return err
	}
	r.clearPending(entity.GUID)
	r.logger.Debug("saved entity reference copy", "guid", entity.GUID, "home", entity.MetadataCollectionID, "version", entity.Version)
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityCopySaved, Entity: next.Clone()})
	return nil
}

// tombstone marks the stored copy deleted at its current version.
func (r *Repository) tombstone(ctx context.Context, prev *graph.Record) (*graph.Record, error) {
	next := prev.Clone()
	h := next.Header()
	if h.Status != omrs.StatusDeleted {
		h.StatusOnDelete = h.Status
	}
	h.Status = omrs.StatusDeleted
	next.ValidFrom = omrs.Now()
	if err := r.put(ctx, next, prev); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteEntityReferenceCopy marks the local copy of an entity deleted. The
// home is not told.
func (r *Repository) DeleteEntityReferenceCopy(ctx context.Context, userID string, entity *omrs.EntityDetail) error {
	if err := r.checkRefCopies(); err != nil {
		return err
	}
	if err := checkUser(userID); err != nil {
		return err
	}
	if entity == nil {
		return omrs.Errorf(omrs.KindInvalidEntity, "OMRS-REPO-400-070", "no entity supplied")
	}
	if err := r.checkCopyHeader(&entity.InstanceHeader, graph.KindEntity); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "delete entity reference copy", &entity.InstanceHeader); err != nil {
		return err
	}

	unlock := r.locks.Lock(entity.GUID)
	defer unlock()

	prev, err := r.record(ctx, entity.GUID)
	if err != nil {
		return err
	}
	if prev == nil || prev.Kind == graph.KindProxy {
		return nil
	}
	if prev.Kind == graph.KindRelationship || prev.Header().MetadataCollectionID != entity.MetadataCollectionID {
		return entityConflict(entity.GUID, prev.Header().MetadataCollectionID)
	}
	if prev.Header().Status == omrs.StatusDeleted || prev.Header().Version > entity.Version {
		return nil
	}
	next, err := r.tombstone(ctx, prev)
	if err != nil {
		return err
	}
	r.publish(subscriptions.Event{Type: subscriptions.EventEntityCopyDeleted, Entity: next.Entity.Clone()})
	return nil
}

// checkCopyRequest validates a request that addresses a stored copy by guid.
func (r *Repository) checkCopyRequest(userID string, req omrs.ReferenceCopyRequest, kind graph.RecordKind) error {
	if err := r.checkRefCopies(); err != nil {
		return err
	}
	if err := checkUser(userID); err != nil {
		return err
	}
	if err := checkGUID(req.GUID, string(kind)+" guid"); err != nil {
		return err
	}
	if req.HomeMetadataCollectionID == "" {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no home metadata collection id supplied")
	}
	if req.HomeMetadataCollectionID == r.id {
		if kind == graph.KindRelationship {
			return homeRelationship(req.GUID)
		}
		return homeEntity(req.GUID)
	}
	return nil
}

// PurgeEntityReferenceCopy removes every local version of a copied entity
// or proxy. Attached relationships are left to their own purges.
func (r *Repository) PurgeEntityReferenceCopy(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
	if err := r.checkCopyRequest(userID, req, graph.KindEntity); err != nil {
		return err
	}

	unlock := r.locks.Lock(req.GUID)
	defer unlock()

	prev, err := r.record(ctx, req.GUID)
	if err != nil || prev == nil {
		return err
	}
	h := prev.Header()
	if prev.Kind == graph.KindRelationship || h.MetadataCollectionID != req.HomeMetadataCollectionID {
		return entityConflict(req.GUID, h.MetadataCollectionID)
	}
	if err := r.authorize(ctx, userID, "purge entity reference copy", h); err != nil {
		return err
	}
	if err := r.store.Purge(ctx, req.GUID); err != nil {
		return repositoryError("purging entity reference copy "+req.GUID, err)
	}
	r.clearPending(req.GUID)
	r.logger.Debug("purged entity reference copy", "guid", req.GUID, "home", req.HomeMetadataCollectionID)
	if prev.Kind == graph.KindEntity {
		r.publish(subscriptions.Event{Type: subscriptions.EventEntityCopyPurged, Entity: prev.Entity})
	}
	return nil
}

// RefreshEntityReferenceCopy asks the home of an entity to send it again.
// The copy arrives later through SaveEntityReferenceCopy.
func (r *Repository) RefreshEntityReferenceCopy(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
	return r.refresh(ctx, userID, req, graph.KindEntity, subscriptions.EventEntityRefreshRequested)
}

// RefreshRelationshipReferenceCopy asks the home of a relationship to send
// it again.
func (r *Repository) RefreshRelationshipReferenceCopy(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
	return r.refresh(ctx, userID, req, graph.KindRelationship, subscriptions.EventRelationshipRefreshRequested)
}

func (r *Repository) refresh(ctx context.Context, userID string, req omrs.ReferenceCopyRequest, kind graph.RecordKind, eventType string) error {
	if err := r.checkCopyRequest(userID, req, kind); err != nil {
		return err
	}
	typeGUID := req.TypeDefGUID
	if typeGUID == "" && req.TypeDefName != "" {
		if td, ok := r.types.TypeDefByName(req.TypeDefName); ok {
			typeGUID = td.GUID
		}
	}
	target := &omrs.InstanceHeader{GUID: req.GUID, MetadataCollectionID: req.HomeMetadataCollectionID}
	target.Type.TypeDefGUID = typeGUID
	target.Type.TypeDefName = req.TypeDefName
	if err := r.authorize(ctx, userID, "refresh "+string(kind)+" reference copy", target); err != nil {
		return err
	}

	r.pendingMu.Lock()
	r.pending[req.GUID] = PendingRefresh{
		GUID:        req.GUID,
		Kind:        kind,
		TypeDefGUID: typeGUID,
		HomeID:      req.HomeMetadataCollectionID,
		RequestedBy: userID,
		RequestedAt: omrs.Now(),
	}
	r.pendingMu.Unlock()

	r.logger.Debug("requested reference copy refresh", "guid", req.GUID, "kind", kind, "home", req.HomeMetadataCollectionID)
	r.publish(subscriptions.Event{
		Type:           eventType,
		TargetGUID:     req.GUID,
		TargetTypeGUID: typeGUID,
		TargetHome:     req.HomeMetadataCollectionID,
		Meta:           map[string]interface{}{"requestedBy": r.id},
	})
	return nil
}

// OverdueRefreshes lists the refresh requests that have waited longer than
// the refresh timeout, oldest first. An overdue refresh leaves the existing
// copy in place.
func (r *Repository) OverdueRefreshes() []PendingRefresh {
	cutoff := omrs.Now().Add(-r.refreshTimeout)
	r.pendingMu.Lock()
	var out []PendingRefresh
	for _, p := range r.pending {
		if p.RequestedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	r.pendingMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// SaveClassificationReferenceCopy attaches or replaces one classification
// homed elsewhere on a local entity or proxy. An entity not stored at all is
// added as the supplied proxy.
func (r *Repository) SaveClassificationReferenceCopy(ctx context.Context, userID string, req omrs.ClassificationCopyRequest) error {
	c, err := r.checkClassificationCopy(userID, req)
	if err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "save classification reference copy", &c.InstanceHeader); err != nil {
		return err
	}

	unlock := r.locks.Lock(req.Entity.GUID)
	defer unlock()

	prev, err := r.record(ctx, req.Entity.GUID)
	if err != nil {
		return err
	}
	if prev != nil && (prev.Kind == graph.KindRelationship || prev.Header().MetadataCollectionID != req.Entity.MetadataCollectionID) {
		return entityConflict(req.Entity.GUID, prev.Header().MetadataCollectionID)
	}
	if prev == nil || prev.Header().Status == omrs.StatusDeleted {
		proxy := req.Entity.Clone()
		proxy.Classifications = replaceClassification(proxy.Classifications, c)
		if proxy.MetadataCollectionID == "" || proxy.MetadataCollectionID == r.id {
			return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-034",
				"entity %s is not stored here and its proxy names no remote home", proxy.GUID)
		}
		rec := graph.ProxyRecord(proxy)
		rec.ValidFrom = omrs.Now()
		if err := r.put(ctx, rec, prev); err != nil {
			return err
		}
		r.logger.Debug("stored proxy for classification reference copy", "guid", proxy.GUID, "classification", c.Name, "home", c.MetadataCollectionID)
		r.publish(subscriptions.Event{Type: subscriptions.EventClassificationCopySaved, Classification: &c, TargetGUID: proxy.GUID})
		return nil
	}
	if existing, ok := findClassification(prev, c.Name); ok && existing.Version > c.Version {
		return nil
	}

	next := prev.Clone()
	switch next.Kind {
	case graph.KindProxy:
		next.Proxy.Classifications = replaceClassification(next.Proxy.Classifications, c)
	default:
		next.Entity.Classifications = replaceClassification(next.Entity.Classifications, c)
	}
	next.ValidFrom = omrs.Now()
	if err := r.put(ctx, next, prev); err != nil {
		return err
	}
	r.logger.Debug("saved classification reference copy", "guid", req.Entity.GUID, "classification", c.Name, "home", c.MetadataCollectionID)
	event := subscriptions.Event{Type: subscriptions.EventClassificationCopySaved, Classification: &c, TargetGUID: req.Entity.GUID}
	if next.Kind == graph.KindEntity {
		event.Entity = next.Entity.Clone()
	}
	r.publish(event)
	return nil
}

// PurgeClassificationReferenceCopy removes a classification homed
// elsewhere from a local entity or proxy.
func (r *Repository) PurgeClassificationReferenceCopy(ctx context.Context, userID string, req omrs.ClassificationCopyRequest) error {
	c, err := r.checkClassificationCopy(userID, req)
	if err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "purge classification reference copy", &c.InstanceHeader); err != nil {
		return err
	}

	unlock := r.locks.Lock(req.Entity.GUID)
	defer unlock()

	prev, err := r.entityRecord(ctx, req.Entity.GUID)
	if err != nil {
		return err
	}
	existing, ok := findClassification(prev, c.Name)
	if !ok {
		return nil
	}
	if existing.MetadataCollectionID != c.MetadataCollectionID {
		return classificationError("classification %s of entity %s is homed in %s, not %s",
			c.Name, req.Entity.GUID, existing.MetadataCollectionID, c.MetadataCollectionID)
	}

	next := prev.Clone()
	switch next.Kind {
	case graph.KindProxy:
		next.Proxy.Classifications = removeClassification(next.Proxy.Classifications, c.Name)
	default:
		next.Entity.Classifications = removeClassification(next.Entity.Classifications, c.Name)
	}
	next.ValidFrom = omrs.Now()
	if err := r.put(ctx, next, prev); err != nil {
		return err
	}
	r.logger.Debug("purged classification reference copy", "guid", req.Entity.GUID, "classification", c.Name)
	event := subscriptions.Event{Type: subscriptions.EventClassificationCopyPurged, Classification: &existing, TargetGUID: req.Entity.GUID}
	if next.Kind == graph.KindEntity {
		event.Entity = next.Entity.Clone()
	}
	r.publish(event)
	return nil
}

func (r *Repository) checkClassificationCopy(userID string, req omrs.ClassificationCopyRequest) (omrs.Classification, error) {
	if err := r.checkRefCopies(); err != nil {
		return omrs.Classification{}, err
	}
	if err := checkUser(userID); err != nil {
		return omrs.Classification{}, err
	}
	if req.Entity == nil || req.Entity.GUID == "" {
		return omrs.Classification{}, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no entity supplied")
	}
	c := req.Classification.Clone()
	if c.MetadataCollectionID == "" {
		return omrs.Classification{}, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002",
			"classification %s has no home metadata collection", c.Name)
	}
	if c.MetadataCollectionID == r.id {
		return omrs.Classification{}, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-072",
			"classification %s is homed in this repository and cannot be stored as a reference copy", c.Name)
	}
	td, err := r.classificationType(c.Name, req.Entity.Type)
	if err != nil {
		return omrs.Classification{}, err
	}
	c.Name = td.Name
	return c, nil
}

func findClassification(rec *graph.Record, name string) (omrs.Classification, bool) {
	var all []omrs.Classification
	switch rec.Kind {
	case graph.KindProxy:
		all = rec.Proxy.Classifications
	case graph.KindEntity:
		all = rec.Entity.Classifications
	}
	for _, c := range all {
		if c.Name == name {
			return c, true
		}
	}
	return omrs.Classification{}, false
}

func replaceClassification(all []omrs.Classification, c omrs.Classification) []omrs.Classification {
	for i := range all {
		if all[i].Name == c.Name {
			all[i] = c
			return all
		}
	}
	return append(all, c)
}

func removeClassification(all []omrs.Classification, name string) []omrs.Classification {
	out := all[:0:0]
	for _, c := range all {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

// SaveRelationshipReferenceCopy stores or updates the local copy of a
// relationship homed elsewhere. Ends not stored here are added as proxies.
func (r *Repository) SaveRelationshipReferenceCopy(ctx context.Context, userID string, rel *omrs.Relationship) error {
	if err := r.checkRefCopies(); err != nil {
		return err
	}
	if err := checkUser(userID); err != nil {
		return err
	}
	if err := r.checkRelationshipCopy(rel); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "save relationship reference copy", &rel.InstanceHeader); err != nil {
		return err
	}

	for _, end := range []*omrs.EntityProxy{rel.EntityOneProxy, rel.EntityTwoProxy} {
		if err := r.anchorEnd(ctx, end); err != nil {
			return err
		}
	}

	unlock := r.locks.Lock(rel.GUID)
	defer unlock()

	prev, err := r.record(ctx, rel.GUID)
	if err != nil {
		return err
	}
	if prev != nil {
		h := prev.Header()
		if prev.Kind != graph.KindRelationship || h.MetadataCollectionID != rel.MetadataCollectionID {
			return relationshipConflict(rel.GUID, h.MetadataCollectionID)
		}
		if !supersedes(prev, &rel.InstanceHeader) {
			r.clearPending(rel.GUID)
			return nil
		}
	}

	next := rel.Clone()
	if err := r.put(ctx, graph.RelationshipRecord(next), prev); err != nil {
		return err
	}
	r.clearPending(rel.GUID)
	r.logger.Debug("saved relationship reference copy", "guid", rel.GUID, "home", rel.MetadataCollectionID, "version", rel.Version)
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipCopySaved, Relationship: next.Clone()})
	return nil
}

func (r *Repository) checkRelationshipCopy(rel *omrs.Relationship) error {
	if rel == nil {
		return omrs.Errorf(omrs.KindInvalidRelationship, "OMRS-REPO-400-073", "no relationship supplied")
	}
	if err := r.checkCopyHeader(&rel.InstanceHeader, graph.KindRelationship); err != nil {
		return err
	}
	for i, end := range []*omrs.EntityProxy{rel.EntityOneProxy, rel.EntityTwoProxy} {
		if end == nil || end.GUID == "" || end.MetadataCollectionID == "" || end.Type.TypeDefGUID == "" {
			return omrs.Errorf(omrs.KindInvalidRelationship, "OMRS-REPO-400-073",
				"relationship %s has an incomplete proxy for end %d", rel.GUID, i+1)
		}
	}
	return nil
}

// anchorEnd makes sure a relationship end resolves locally, storing the
// supplied proxy when nothing live is stored under its guid.
func (r *Repository) anchorEnd(ctx context.Context, end *omrs.EntityProxy) error {
	unlock := r.locks.Lock(end.GUID)
	defer unlock()

	prev, err := r.record(ctx, end.GUID)
	if err != nil {
		return err
	}
	if prev != nil && prev.Kind != graph.KindRelationship && prev.Header().Status != omrs.StatusDeleted {
		return nil
	}
	if end.MetadataCollectionID == r.id {
		return notKnown(graph.KindEntity, end.GUID)
	}
	if _, err := r.storeProxy(ctx, end.Clone()); err != nil {
		return err
	}
	return nil
}

// DeleteRelationshipReferenceCopy marks the local copy of a relationship
// deleted.
func (r *Repository) DeleteRelationshipReferenceCopy(ctx context.Context, userID string, rel *omrs.Relationship) error {
	if err := r.checkRefCopies(); err != nil {
		return err
	}
	if err := checkUser(userID); err != nil {
		return err
	}
	if rel == nil {
		return omrs.Errorf(omrs.KindInvalidRelationship, "OMRS-REPO-400-073", "no relationship supplied")
	}
	if err := r.checkCopyHeader(&rel.InstanceHeader, graph.KindRelationship); err != nil {
		return err
	}
	if err := r.authorize(ctx, userID, "delete relationship reference copy", &rel.InstanceHeader); err != nil {
		return err
	}

	unlock := r.locks.Lock(rel.GUID)
	defer unlock()

	prev, err := r.record(ctx, rel.GUID)
	if err != nil || prev == nil {
		return err
	}
	if prev.Kind != graph.KindRelationship || prev.Header().MetadataCollectionID != rel.MetadataCollectionID {
		return relationshipConflict(rel.GUID, prev.Header().MetadataCollectionID)
	}
	if prev.Header().Status == omrs.StatusDeleted || prev.Header().Version > rel.Version {
		return nil
	}
	next, err := r.tombstone(ctx, prev)
	if err != nil {
		return err
	}
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipCopyDeleted, Relationship: next.Relationship.Clone()})
	return nil
}

// PurgeRelationshipReferenceCopy removes every local version of a copied
// relationship.
func (r *Repository) PurgeRelationshipReferenceCopy(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error {
	if err := r.checkCopyRequest(userID, req, graph.KindRelationship); err != nil {
		return err
	}

	unlock := r.locks.Lock(req.GUID)
	defer unlock()

	prev, err := r.record(ctx, req.GUID)
	if err != nil || prev == nil {
		return err
	}
	h := prev.Header()
	if prev.Kind != graph.KindRelationship || h.MetadataCollectionID != req.HomeMetadataCollectionID {
		return relationshipConflict(req.GUID, h.MetadataCollectionID)
	}
	if err := r.authorize(ctx, userID, "purge relationship reference copy", h); err != nil {
		return err
	}
	if err := r.store.Purge(ctx, req.GUID); err != nil {
		return repositoryError("purging relationship reference copy "+req.GUID, err)
	}
	r.clearPending(req.GUID)
	r.publish(subscriptions.Event{Type: subscriptions.EventRelationshipCopyPurged, Relationship: prev.Relationship})
	return nil
}

// SaveInstanceReferenceCopies saves every entity of g, then every
// relationship whose ends are stored here or among the entities of g.
// Items fail independently; the returned error aggregates the failures
// with the most specific first.
func (r *Repository) SaveInstanceReferenceCopies(ctx context.Context, userID string, g *omrs.InstanceGraph) error {
	if err := r.checkRefCopies(); err != nil {
		return err
	}
	if err := checkUser(userID); err != nil {
		return err
	}
	if g == nil {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no instance graph supplied")
	}

	var result *multierror.Error
	inGraph := make(map[string]bool, len(g.Entities))
	for _, e := range g.Entities {
		if e != nil {
			inGraph[e.GUID] = true
		}
		if err := r.SaveEntityReferenceCopy(ctx, userID, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, rel := range g.Relationships {
		if err := r.checkGraphEnds(ctx, rel, inGraph); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := r.SaveRelationshipReferenceCopy(ctx, userID, rel); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	sort.SliceStable(result.Errors, func(i, j int) bool {
		return omrs.MostSpecific(result.Errors[j], result.Errors[i]) != result.Errors[j]
	})
	r.logger.Warn("instance graph saved with failures", "failed", len(result.Errors),
		"entities", len(g.Entities), "relationships", len(g.Relationships))
	return result.ErrorOrNil()
}

// checkGraphEnds requires both ends of rel to be known locally or carried
// by the same graph.
func (r *Repository) checkGraphEnds(ctx context.Context, rel *omrs.Relationship, inGraph map[string]bool) error {
	if err := r.checkRelationshipCopy(rel); err != nil {
		return err
	}
	for _, end := range []*omrs.EntityProxy{rel.EntityOneProxy, rel.EntityTwoProxy} {
		if inGraph[end.GUID] {
			continue
		}
		if _, err := r.entityRecord(ctx, end.GUID); err != nil {
			return omrs.Errorf(omrs.KindInvalidRelationship, "OMRS-REPO-400-075",
				"end %s of relationship %s is neither stored here nor part of the graph", end.GUID, rel.GUID).WithCause(err)
		}
	}
	return nil
}
