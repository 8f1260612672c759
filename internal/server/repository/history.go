package repository

import (
	"context"
	"errors"
	"time"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/pkg/omrs"
)

// recordAsOf returns the version of guid valid at asOf, deleted versions
// included.
func (r *Repository) recordAsOf(ctx context.Context, guid string, asOf time.Time) (*graph.Record, error) {
	if err := r.checkAsOf(asOf); err != nil {
		return nil, err
	}
	rec, err := r.store.AsOf(ctx, guid, asOf)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repositoryError("reading "+guid+" as of "+asOf.Format(time.RFC3339), err)
	}
	return rec, nil
}

// GetEntityDetailAsOf returns the entity as it was at asOf.
func (r *Repository) GetEntityDetailAsOf(ctx context.Context, userID, guid string, asOf time.Time) (*omrs.EntityDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}
	rec, err := r.recordAsOf(ctx, guid, asOf)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind == graph.KindRelationship {
		return nil, notKnown(graph.KindEntity, guid)
	}
	if rec.Kind == graph.KindProxy {
		return nil, proxyOnly(guid)
	}
	if err := r.authorize(ctx, userID, "read entity", rec.Header()); err != nil {
		return nil, err
	}
	return rec.Entity, nil
}

// GetRelationshipAsOf returns the relationship as it was at asOf.
func (r *Repository) GetRelationshipAsOf(ctx context.Context, userID, guid string, asOf time.Time) (*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "relationship guid"); err != nil {
		return nil, err
	}
	rec, err := r.recordAsOf(ctx, guid, asOf)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != graph.KindRelationship {
		return nil, notKnown(graph.KindRelationship, guid)
	}
	if err := r.authorize(ctx, userID, "read relationship", rec.Header()); err != nil {
		return nil, err
	}
	return rec.Relationship, nil
}

// GetEntityDetailHistory returns the versions of an entity that were valid
// at some point in the query window.
func (r *Repository) GetEntityDetailHistory(ctx context.Context, userID, guid string, q omrs.HistoryQuery) ([]*omrs.EntityDetail, error) {
	versions, err := r.history(ctx, userID, guid, graph.KindEntity, q)
	if err != nil {
		return nil, err
	}
	out := make([]*omrs.EntityDetail, 0, len(versions))
	for _, v := range versions {
		if v.Kind == graph.KindEntity {
			out = append(out, v.Entity)
		}
	}
	return out, nil
}

// GetRelationshipHistory returns the versions of a relationship that were
// valid at some point in the query window.
func (r *Repository) GetRelationshipHistory(ctx context.Context, userID, guid string, q omrs.HistoryQuery) ([]*omrs.Relationship, error) {
	versions, err := r.history(ctx, userID, guid, graph.KindRelationship, q)
	if err != nil {
		return nil, err
	}
	out := make([]*omrs.Relationship, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.Relationship)
	}
	return out, nil
}

func (r *Repository) history(ctx context.Context, userID, guid string, kind graph.RecordKind, q omrs.HistoryQuery) ([]*graph.Record, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, string(kind)+" guid"); err != nil {
		return nil, err
	}
	if !r.store.RetainsHistory() {
		return nil, omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-REPO-501-001",
			"this repository does not retain instance history")
	}
	if q.FromTime != nil && q.ToTime != nil && q.FromTime.After(*q.ToTime) {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-051",
			"from time %s is after to time %s", q.FromTime.Format(time.RFC3339), q.ToTime.Format(time.RFC3339))
	}
	if err := checkPaging(q.Paging, omrs.Sequencing{}); err != nil {
		return nil, err
	}

	all, err := r.store.History(ctx, guid)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, notKnown(kind, guid)
	}
	if err != nil {
		return nil, repositoryError("reading history of "+guid, err)
	}
	if kind == graph.KindRelationship && all[len(all)-1].Kind != graph.KindRelationship ||
		kind == graph.KindEntity && all[len(all)-1].Kind == graph.KindRelationship {
		return nil, notKnown(kind, guid)
	}
	if err := r.authorize(ctx, userID, "read "+string(kind)+" history", all[len(all)-1].Header()); err != nil {
		return nil, err
	}

	var window []*graph.Record
	for i, v := range all {
		if q.ToTime != nil && v.ValidFrom.After(*q.ToTime) {
			break
		}
		if q.FromTime != nil && i+1 < len(all) && !all[i+1].ValidFrom.After(*q.FromTime) {
			continue
		}
		window = append(window, v)
	}
	if q.Order != omrs.HistoryForwards {
		for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
			window[i], window[j] = window[j], window[i]
		}
	}
	return page(window, q.Paging), nil
}
