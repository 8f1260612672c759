package repository

import (
	"context"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/pkg/omrs"
)

// view reads the live graph either now or at a point in time. Point in
// time views are loaded once up front because the stores index history by
// guid only.
type view struct {
	r    *Repository
	asOf *time.Time

	records map[string]*graph.Record
	edges   map[string][]*graph.Record
}

func (r *Repository) newView(ctx context.Context, asOf *time.Time) (*view, error) {
	v := &view{r: r, asOf: asOf}
	if asOf == nil {
		return v, nil
	}
	v.records = make(map[string]*graph.Record)
	v.edges = make(map[string][]*graph.Record)
	err := r.scan(ctx, graph.Filter{}, asOf, func(rec *graph.Record) bool {
		if rec.Header().Status == omrs.StatusDeleted {
			return true
		}
		v.records[rec.Header().GUID] = rec
		if rec.Kind == graph.KindRelationship {
			one, two := rec.Ends()
			v.edges[one] = append(v.edges[one], rec)
			if two != one {
				v.edges[two] = append(v.edges[two], rec)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// entity returns the live entity or proxy stored under guid, or nil.
func (v *view) entity(ctx context.Context, guid string) (*graph.Record, error) {
	var rec *graph.Record
	if v.asOf != nil {
		rec = v.records[guid]
	} else {
		var err error
		if rec, err = v.r.record(ctx, guid); err != nil {
			return nil, err
		}
	}
	if rec == nil || rec.Kind == graph.KindRelationship || rec.Header().Status == omrs.StatusDeleted {
		return nil, nil
	}
	return rec, nil
}

// relationships returns the live relationships with an end at guid.
func (v *view) relationships(ctx context.Context, guid string) ([]*graph.Record, error) {
	if v.asOf != nil {
		return v.edges[guid], nil
	}
	all, err := v.r.store.Relationships(ctx, guid)
	if err != nil {
		return nil, repositoryError("reading relationships of "+guid, err)
	}
	live := all[:0]
	for _, rec := range all {
		if rec.Header().Status != omrs.StatusDeleted {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].Header().GUID < live[j].Header().GUID
	})
	return live, nil
}

// start resolves the entity a traversal begins from.
func (v *view) start(ctx context.Context, guid string) (*graph.Record, error) {
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}
	rec, err := v.entity(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notKnown(graph.KindEntity, guid)
	}
	return rec, nil
}

// typeSet expands guids to a set holding them and their subtypes. Nil
// means unrestricted.
func (r *Repository) typeSet(guids []string, category omrs.TypeDefCategory) (mapset.Set[string], error) {
	if len(guids) == 0 {
		return nil, nil
	}
	out := mapset.NewSet[string]()
	for _, guid := range guids {
		if _, err := r.instanceType(guid, category); err != nil {
			return nil, err
		}
		out = out.Union(r.types.Subtypes(guid))
	}
	return out, nil
}

// traversalFilter decides which entities and relationships a traversal may
// step onto.
type traversalFilter struct {
	entityTypes     mapset.Set[string]
	relTypes        mapset.Set[string]
	status          func(omrs.InstanceStatus) bool
	classifications mapset.Set[string]
}

func (r *Repository) newTraversalFilter(q omrs.TraversalQuery) (*traversalFilter, error) {
	entityTypes, err := r.typeSet(q.EntityTypeGUIDs, omrs.CategoryEntityDef)
	if err != nil {
		return nil, err
	}
	relTypes, err := r.typeSet(q.RelationshipTypeGUIDs, omrs.CategoryRelationshipDef)
	if err != nil {
		return nil, err
	}
	if q.Level < 0 {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-065", "level %d is negative", q.Level)
	}
	return &traversalFilter{
		entityTypes:     entityTypes,
		relTypes:        relTypes,
		status:          statusFilter(q.LimitResultsByStatus),
		classifications: mapset.NewThreadUnsafeSet(q.LimitResultsByClassification...),
	}, nil
}

func (f *traversalFilter) entity(rec *graph.Record) bool {
	h := rec.Header()
	if f.entityTypes != nil && !f.entityTypes.Contains(h.Type.TypeDefGUID) {
		return false
	}
	if !f.status(h.Status) {
		return false
	}
	return f.classifications.Cardinality() == 0 || hasAnyClassification(rec, f.classifications)
}

func (f *traversalFilter) relationship(rec *graph.Record) bool {
	h := rec.Header()
	if f.relTypes != nil && !f.relTypes.Contains(h.Type.TypeDefGUID) {
		return false
	}
	return f.status(h.Status)
}

// subgraph accumulates the entities and relationships a traversal visits.
type subgraph struct {
	entities      map[string]*graph.Record
	relationships map[string]*graph.Record
}

func newSubgraph() *subgraph {
	return &subgraph{
		entities:      make(map[string]*graph.Record),
		relationships: make(map[string]*graph.Record),
	}
}

// instanceGraph converts the subgraph to the protocol shape, ordered by
// guid. Proxies appear as entities carrying their unique properties.
func (s *subgraph) instanceGraph() *omrs.InstanceGraph {
	g := &omrs.InstanceGraph{
		Entities:      make([]*omrs.EntityDetail, 0, len(s.entities)),
		Relationships: make([]*omrs.Relationship, 0, len(s.relationships)),
	}
	for _, rec := range sortedRecords(s.entities) {
		g.Entities = append(g.Entities, entityDetail(rec))
	}
	for _, rec := range sortedRecords(s.relationships) {
		g.Relationships = append(g.Relationships, rec.Relationship)
	}
	return g
}

func sortedRecords(m map[string]*graph.Record) []*graph.Record {
	out := make([]*graph.Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Header().GUID < out[j].Header().GUID
	})
	return out
}

func entityDetail(rec *graph.Record) *omrs.EntityDetail {
	if rec.Kind == graph.KindEntity {
		return rec.Entity
	}
	p := rec.Proxy
	return &omrs.EntityDetail{
		InstanceHeader:  p.InstanceHeader,
		Properties:      p.UniqueProperties,
		Classifications: p.Classifications,
	}
}

// neighborhood walks breadth first from the start entity up to q.Level
// hops. Entities rejected by the filter are neither returned nor expanded.
func (r *Repository) neighborhood(ctx context.Context, userID string, q omrs.TraversalQuery) (*subgraph, *graph.Record, error) {
	if err := checkUser(userID); err != nil {
		return nil, nil, err
	}
	filter, err := r.newTraversalFilter(q)
	if err != nil {
		return nil, nil, err
	}
	v, err := r.newView(ctx, q.AsOfTime)
	if err != nil {
		return nil, nil, err
	}
	start, err := v.start(ctx, q.EntityGUID)
	if err != nil {
		return nil, nil, err
	}
	if err := r.authorize(ctx, userID, "traverse graph", start.Header()); err != nil {
		return nil, nil, err
	}

	sg := newSubgraph()
	sg.entities[q.EntityGUID] = start
	frontier := []string{q.EntityGUID}
	for depth := 0; len(frontier) > 0 && (q.Level == 0 || depth < q.Level); depth++ {
		var next []string
		for _, guid := range frontier {
			rels, err := v.relationships(ctx, guid)
			if err != nil {
				return nil, nil, err
			}
			for _, rel := range rels {
				if !filter.relationship(rel) {
					continue
				}
				other := rel.Relationship.OtherEnd(guid)
				if _, seen := sg.entities[other]; seen {
					sg.relationships[rel.Header().GUID] = rel
					continue
				}
				rec, err := v.entity(ctx, other)
				if err != nil {
					return nil, nil, err
				}
				if rec == nil || !filter.entity(rec) {
					continue
				}
				sg.entities[other] = rec
				sg.relationships[rel.Header().GUID] = rel
				next = append(next, other)
			}
		}
		frontier = next
	}
	return sg, start, nil
}

// GetEntityNeighborhood returns the entities within q.Level hops of the
// start entity and the relationships between them.
func (r *Repository) GetEntityNeighborhood(ctx context.Context, userID string, q omrs.TraversalQuery) (*omrs.InstanceGraph, error) {
	sg, _, err := r.neighborhood(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	return sg.instanceGraph(), nil
}

// GetRelatedEntities returns the entities reachable from the start entity
// within q.Level hops, excluding the start entity.
func (r *Repository) GetRelatedEntities(ctx context.Context, userID string, q omrs.TraversalQuery) ([]*omrs.EntityDetail, error) {
	if err := checkPaging(q.Paging, q.Sequencing); err != nil {
		return nil, err
	}
	sg, _, err := r.neighborhood(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	sel := &selection{}
	for guid, rec := range sg.entities {
		if guid == q.EntityGUID {
			continue
		}
		if rec.Kind == graph.KindProxy {
			rec = &graph.Record{Kind: graph.KindEntity, Entity: entityDetail(rec), ValidFrom: rec.ValidFrom}
		}
		sel.add(rec)
	}
	sel.sequence(q.Sequencing)
	return sel.entities(q.Paging), nil
}

// GetRelationshipsForEntity returns the relationships attached to an
// entity.
func (r *Repository) GetRelationshipsForEntity(ctx context.Context, userID string, q omrs.EntityRelationshipsQuery) ([]*omrs.Relationship, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkPaging(q.Paging, q.Sequencing); err != nil {
		return nil, err
	}
	types, err := r.typeSet(nonEmpty(q.RelationshipTypeGUID), omrs.CategoryRelationshipDef)
	if err != nil {
		return nil, err
	}
	v, err := r.newView(ctx, q.AsOfTime)
	if err != nil {
		return nil, err
	}
	start, err := v.start(ctx, q.EntityGUID)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "read entity relationships", start.Header()); err != nil {
		return nil, err
	}

	rels, err := v.relationships(ctx, q.EntityGUID)
	if err != nil {
		return nil, err
	}
	accept := statusFilter(q.LimitResultsByStatus)
	sel := &selection{}
	for _, rel := range rels {
		h := rel.Header()
		if types != nil && !types.Contains(h.Type.TypeDefGUID) || !accept(h.Status) {
			continue
		}
		sel.add(rel)
	}
	sel.sequence(q.Sequencing)
	return sel.relationships(q.Paging), nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// linkStep is one way of reaching an entity from the layer before it.
type linkStep struct {
	from string
	rel  *graph.Record
}

// GetLinkingEntities returns every shortest path between the start and
// end entities, merged into one graph. No path within q.Level hops gives an
// empty graph.
func (r *Repository) GetLinkingEntities(ctx context.Context, userID string, q omrs.TraversalQuery) (*omrs.InstanceGraph, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	filter, err := r.newTraversalFilter(q)
	if err != nil {
		return nil, err
	}
	v, err := r.newView(ctx, q.AsOfTime)
	if err != nil {
		return nil, err
	}
	start, err := v.start(ctx, q.EntityGUID)
	if err != nil {
		return nil, err
	}
	end, err := v.start(ctx, q.EndEntityGUID)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "traverse graph", start.Header()); err != nil {
		return nil, err
	}

	records := map[string]*graph.Record{q.EntityGUID: start, q.EndEntityGUID: end}
	dist := map[string]int{q.EntityGUID: 0}
	parents := make(map[string][]linkStep)
	frontier := []string{q.EntityGUID}
	for depth := 0; len(frontier) > 0 && (q.Level == 0 || depth < q.Level); depth++ {
		if _, found := dist[q.EndEntityGUID]; found {
			break
		}
		var next []string
		for _, guid := range frontier {
			rels, err := v.relationships(ctx, guid)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if !filter.relationship(rel) {
					continue
				}
				other := rel.Relationship.OtherEnd(guid)
				if d, seen := dist[other]; seen {
					if d == depth+1 {
						parents[other] = append(parents[other], linkStep{from: guid, rel: rel})
					}
					continue
				}
				rec, ok := records[other]
				if !ok {
					if rec, err = v.entity(ctx, other); err != nil {
						return nil, err
					}
					if rec == nil || !filter.entity(rec) {
						continue
					}
					records[other] = rec
				}
				dist[other] = depth + 1
				parents[other] = []linkStep{{from: guid, rel: rel}}
				next = append(next, other)
			}
		}
		frontier = next
	}

	sg := newSubgraph()
	if _, found := dist[q.EndEntityGUID]; !found {
		return sg.instanceGraph(), nil
	}
	queue := []string{q.EndEntityGUID}
	sg.entities[q.EndEntityGUID] = end
	for len(queue) > 0 {
		guid := queue[0]
		queue = queue[1:]
		for _, step := range parents[guid] {
			sg.relationships[step.rel.Header().GUID] = step.rel
			if _, seen := sg.entities[step.from]; !seen {
				sg.entities[step.from] = records[step.from]
				queue = append(queue, step.from)
			}
		}
	}
	return sg.instanceGraph(), nil
}
