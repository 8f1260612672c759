package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/pkg/omrs"
)

func pagingError(format string, args ...any) error {
	return omrs.Errorf(omrs.KindPagingError, "OMRS-REPO-400-060", format, args...)
}

// checkPaging rejects negative paging values and orderings that cannot be
// applied.
func checkPaging(p omrs.Paging, s omrs.Sequencing) error {
	switch {
	case p.StartFrom < 0:
		return pagingError("start from %d is negative", p.StartFrom)
	case p.PageSize < 0:
		return pagingError("page size %d is negative", p.PageSize)
	case s.SequencingOrder.IsPropertyOrder() && s.SequencingProperty == "":
		return pagingError("sequencing order %s needs a sequencing property", s.SequencingOrder)
	case s.SequencingProperty != "" && !s.SequencingOrder.IsPropertyOrder():
		return pagingError("sequencing property %s needs a property sequencing order, not %q",
			s.SequencingProperty, s.SequencingOrder)
	}
	return nil
}

// page returns the slice of items selected by p. A zero page size is
// unbounded.
func page[T any](items []T, p omrs.Paging) []T {
	if p.StartFrom >= len(items) {
		return []T{}
	}
	items = items[p.StartFrom:]
	if p.PageSize > 0 && p.PageSize < len(items) {
		items = items[:p.PageSize]
	}
	return items
}

// statusFilter returns the statuses a query accepts. Deleted instances are
// never returned; an empty list accepts every other status.
func statusFilter(statuses []omrs.InstanceStatus) func(omrs.InstanceStatus) bool {
	allowed := mapset.NewThreadUnsafeSet(statuses...)
	return func(s omrs.InstanceStatus) bool {
		if s == omrs.StatusDeleted {
			return false
		}
		return allowed.Cardinality() == 0 || allowed.Contains(s)
	}
}

// typeGUIDs expands a type filter to the type and its subtypes. When
// subtypes are named, only those and their own subtypes are kept. A nil
// result matches every type.
func (r *Repository) typeGUIDs(typeGUID string, subtypes []string, category omrs.TypeDefCategory) ([]string, error) {
	if typeGUID == "" && len(subtypes) == 0 {
		return nil, nil
	}
	var all mapset.Set[string]
	if typeGUID != "" {
		if _, err := r.instanceType(typeGUID, category); err != nil {
			return nil, err
		}
		all = r.types.Subtypes(typeGUID)
	}
	if len(subtypes) == 0 {
		return all.ToSlice(), nil
	}
	selected := mapset.NewSet[string]()
	for _, guid := range subtypes {
		if _, err := r.instanceType(guid, category); err != nil {
			return nil, err
		}
		if all != nil && !all.Contains(guid) {
			return nil, omrs.Errorf(omrs.KindTypeError, "OMRS-REPO-400-003",
				"type %s is not a subtype of %s", guid, typeGUID)
		}
		selected = selected.Union(r.types.Subtypes(guid))
	}
	return selected.ToSlice(), nil
}

// scan visits the matching records current now, or at asOf when it is
// set.
func (r *Repository) scan(ctx context.Context, f graph.Filter, asOf *time.Time, fn func(*graph.Record) bool) error {
	var err error
	if asOf != nil {
		if err := r.checkAsOf(*asOf); err != nil {
			return err
		}
		err = r.store.ScanAsOf(ctx, f, *asOf, fn)
	} else {
		err = r.store.Scan(ctx, f, fn)
	}
	if err != nil {
		return repositoryError("scanning instances", err)
	}
	return nil
}

// selection collects the records of one query before they are sequenced
// and paged.
type selection struct {
	records []*graph.Record
}

func (s *selection) add(rec *graph.Record) {
	s.records = append(s.records, rec)
}

// sequence orders the records. Ties and unordered queries fall back to
// guid order so that pages are stable.
func (s *selection) sequence(seq omrs.Sequencing) {
	compare := func(a, b *graph.Record) int { return 0 }
	switch seq.SequencingOrder {
	case omrs.SequenceCreationRecent:
		compare = func(a, b *graph.Record) int { return b.Header().CreateTime.Compare(a.Header().CreateTime) }
	case omrs.SequenceCreationOldest:
		compare = func(a, b *graph.Record) int { return a.Header().CreateTime.Compare(b.Header().CreateTime) }
	case omrs.SequenceLastUpdateRecent:
		compare = func(a, b *graph.Record) int { return lastChange(b.Header()).Compare(lastChange(a.Header())) }
	case omrs.SequenceLastUpdateOldest:
		compare = func(a, b *graph.Record) int { return lastChange(a.Header()).Compare(lastChange(b.Header())) }
	case omrs.SequencePropertyAscending, omrs.SequencePropertyDescending:
		name := seq.SequencingProperty
		desc := seq.SequencingOrder == omrs.SequencePropertyDescending
		compare = func(a, b *graph.Record) int {
			c := compareProperty(recordProperties(a), recordProperties(b), name)
			if desc {
				return -c
			}
			return c
		}
	}
	sort.SliceStable(s.records, func(i, j int) bool {
		a, b := s.records[i], s.records[j]
		if c := compare(a, b); c != 0 {
			return c < 0
		}
		return strings.Compare(a.Header().GUID, b.Header().GUID) < 0
	})
}

// compareProperty orders instances by one property. Instances without it
// sort last.
func compareProperty(a, b *omrs.InstanceProperties, name string) int {
	va, okA := a.Get(name)
	vb, okB := b.Get(name)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return 1
	case !okB:
		return -1
	}
	return omrs.CompareValues(va, vb)
}

func recordProperties(rec *graph.Record) *omrs.InstanceProperties {
	switch rec.Kind {
	case graph.KindEntity:
		return rec.Entity.Properties
	case graph.KindProxy:
		return rec.Proxy.UniqueProperties
	default:
		return rec.Relationship.Properties
	}
}

func recordClassifications(rec *graph.Record) []omrs.Classification {
	switch rec.Kind {
	case graph.KindEntity:
		return rec.Entity.Classifications
	case graph.KindProxy:
		return rec.Proxy.Classifications
	}
	return nil
}

func (s *selection) entities(p omrs.Paging) []*omrs.EntityDetail {
	recs := page(s.records, p)
	out := make([]*omrs.EntityDetail, len(recs))
	for i, rec := range recs {
		out[i] = rec.Entity
	}
	return out
}

func (s *selection) relationships(p omrs.Paging) []*omrs.Relationship {
	recs := page(s.records, p)
	out := make([]*omrs.Relationship, len(recs))
	for i, rec := range recs {
		out[i] = rec.Relationship
	}
	return out
}

// entityQuery is the shared shape of the entity finders.
type entityQuery struct {
	operation    string
	typeGUID     string
	subtypes     []string
	statuses     []omrs.InstanceStatus
	asOf         *time.Time
	paging       omrs.Paging
	sequencing   omrs.Sequencing
	match        func(*graph.Record) bool
	classifiedBy []string
}

// findEntities runs the query pipeline over full entities: type, match,
// status, point in time, then sequencing and paging.
func (r *Repository) findEntities(ctx context.Context, userID string, q entityQuery) ([]*omrs.EntityDetail, error) {
	sel, err := r.find(ctx, userID, q, graph.KindEntity, omrs.CategoryEntityDef)
	if err != nil {
		return nil, err
	}
	return sel.entities(q.paging), nil
}

func (r *Repository) findRelationships(ctx context.Context, userID string, q entityQuery) ([]*omrs.Relationship, error) {
	sel, err := r.find(ctx, userID, q, graph.KindRelationship, omrs.CategoryRelationshipDef)
	if err != nil {
		return nil, err
	}
	return sel.relationships(q.paging), nil
}

func (r *Repository) find(ctx context.Context, userID string, q entityQuery, kind graph.RecordKind, category omrs.TypeDefCategory) (*selection, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkPaging(q.paging, q.sequencing); err != nil {
		return nil, err
	}
	types, err := r.typeGUIDs(q.typeGUID, q.subtypes, category)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, q.operation, nil); err != nil {
		return nil, err
	}

	accept := statusFilter(q.statuses)
	classified := mapset.NewThreadUnsafeSet(q.classifiedBy...)
	sel := &selection{}
	err = r.scan(ctx, graph.Filter{Kinds: []graph.RecordKind{kind}, TypeGUIDs: types}, q.asOf, func(rec *graph.Record) bool {
		if !accept(rec.Header().Status) {
			return true
		}
		if classified.Cardinality() > 0 && !hasAnyClassification(rec, classified) {
			return true
		}
		if q.match != nil && !q.match(rec) {
			return true
		}
		sel.add(rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	sel.sequence(q.sequencing)
	return sel, nil
}

func hasAnyClassification(rec *graph.Record, names mapset.Set[string]) bool {
	for _, c := range recordClassifications(rec) {
		if names.Contains(c.Name) {
			return true
		}
	}
	return false
}

// FindEntities returns the entities matching structured property and
// classification conditions.
func (r *Repository) FindEntities(ctx context.Context, userID string, q omrs.EntityQuery) ([]*omrs.EntityDetail, error) {
	props, err := compileSearchProperties(q.MatchProperties)
	if err != nil {
		return nil, err
	}
	classes, err := compileSearchClassifications(q.MatchClassifications)
	if err != nil {
		return nil, err
	}
	return r.findEntities(ctx, userID, entityQuery{
		operation:  "find entities",
		typeGUID:   q.TypeGUID,
		subtypes:   q.SubtypeGUIDs,
		statuses:   q.LimitResultsByStatus,
		asOf:       q.AsOfTime,
		paging:     q.Paging,
		sequencing: q.Sequencing,
		match: func(rec *graph.Record) bool {
			return props(rec.Entity.Properties) && classes(rec.Entity.Classifications)
		},
	})
}

// FindEntitiesByProperty returns the entities whose properties equal the
// supplied values.
func (r *Repository) FindEntitiesByProperty(ctx context.Context, userID string, q omrs.PropertyQuery) ([]*omrs.EntityDetail, error) {
	match, err := compileExactMatch(q.MatchProperties, q.MatchCriteria)
	if err != nil {
		return nil, err
	}
	return r.findEntities(ctx, userID, entityQuery{
		operation:    "find entities by property",
		typeGUID:     q.TypeGUID,
		statuses:     q.LimitResultsByStatus,
		asOf:         q.AsOfTime,
		paging:       q.Paging,
		sequencing:   q.Sequencing,
		classifiedBy: q.LimitResultsByClassification,
		match: func(rec *graph.Record) bool {
			return match(rec.Entity.Properties)
		},
	})
}

// FindEntitiesByPropertyValue returns the entities with any property whose
// value matches the search criteria regular expression.
func (r *Repository) FindEntitiesByPropertyValue(ctx context.Context, userID string, q omrs.ValueQuery) ([]*omrs.EntityDetail, error) {
	match, err := compileValueMatch(q.SearchCriteria)
	if err != nil {
		return nil, err
	}
	return r.findEntities(ctx, userID, entityQuery{
		operation:    "find entities by property value",
		typeGUID:     q.TypeGUID,
		statuses:     q.LimitResultsByStatus,
		asOf:         q.AsOfTime,
		paging:       q.Paging,
		sequencing:   q.Sequencing,
		classifiedBy: q.LimitResultsByClassification,
		match: func(rec *graph.Record) bool {
			return match(rec.Entity.Properties)
		},
	})
}

// FindEntitiesByClassification returns the entities carrying the named
// classification, optionally with matching classification properties.
func (r *Repository) FindEntitiesByClassification(ctx context.Context, userID string, q omrs.ClassificationQuery) ([]*omrs.EntityDetail, error) {
	if q.ClassificationName == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no classification name supplied")
	}
	td, ok := r.types.TypeDefByName(q.ClassificationName)
	if !ok || td.Category != omrs.CategoryClassificationDef {
		return nil, classificationError("%s is not a known classification", q.ClassificationName)
	}
	match, err := compileExactMatch(q.MatchClassificationProperties, q.MatchCriteria)
	if err != nil {
		return nil, err
	}
	return r.findEntities(ctx, userID, entityQuery{
		operation:  "find entities by classification",
		typeGUID:   q.TypeGUID,
		statuses:   q.LimitResultsByStatus,
		asOf:       q.AsOfTime,
		paging:     q.Paging,
		sequencing: q.Sequencing,
		match: func(rec *graph.Record) bool {
			c, _, ok := rec.Entity.Classification(td.Name)
			return ok && match(c.Properties)
		},
	})
}

// FindRelationships returns the relationships matching structured property
// conditions.
func (r *Repository) FindRelationships(ctx context.Context, userID string, q omrs.EntityQuery) ([]*omrs.Relationship, error) {
	if q.MatchClassifications != nil && len(q.MatchClassifications.Conditions) > 0 {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-062",
			"relationships cannot be matched by classification")
	}
	props, err := compileSearchProperties(q.MatchProperties)
	if err != nil {
		return nil, err
	}
	return r.findRelationships(ctx, userID, entityQuery{
		operation:  "find relationships",
		typeGUID:   q.TypeGUID,
		subtypes:   q.SubtypeGUIDs,
		statuses:   q.LimitResultsByStatus,
		asOf:       q.AsOfTime,
		paging:     q.Paging,
		sequencing: q.Sequencing,
		match: func(rec *graph.Record) bool {
			return props(rec.Relationship.Properties)
		},
	})
}

// FindRelationshipsByProperty returns the relationships whose properties
// equal the supplied values.
func (r *Repository) FindRelationshipsByProperty(ctx context.Context, userID string, q omrs.PropertyQuery) ([]*omrs.Relationship, error) {
	match, err := compileExactMatch(q.MatchProperties, q.MatchCriteria)
	if err != nil {
		return nil, err
	}
	return r.findRelationships(ctx, userID, entityQuery{
		operation:  "find relationships by property",
		typeGUID:   q.TypeGUID,
		statuses:   q.LimitResultsByStatus,
		asOf:       q.AsOfTime,
		paging:     q.Paging,
		sequencing: q.Sequencing,
		match: func(rec *graph.Record) bool {
			return match(rec.Relationship.Properties)
		},
	})
}

// FindRelationshipsByPropertyValue returns the relationships with any
// property whose value matches the search criteria regular expression.
func (r *Repository) FindRelationshipsByPropertyValue(ctx context.Context, userID string, q omrs.ValueQuery) ([]*omrs.Relationship, error) {
	match, err := compileValueMatch(q.SearchCriteria)
	if err != nil {
		return nil, err
	}
	return r.findRelationships(ctx, userID, entityQuery{
		operation:  "find relationships by property value",
		typeGUID:   q.TypeGUID,
		statuses:   q.LimitResultsByStatus,
		asOf:       q.AsOfTime,
		paging:     q.Paging,
		sequencing: q.Sequencing,
		match: func(rec *graph.Record) bool {
			return match(rec.Relationship.Properties)
		},
	})
}
