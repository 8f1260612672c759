package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/pkg/omrs"
)

func guids(entities []*omrs.EntityDetail) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.GUID
	}
	return out
}

func names(entities []*omrs.EntityDetail) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		v, _ := e.Properties.Get("qualifiedName")
		out[i] = v.String()
	}
	return out
}

// seedAssets stores three data sets and a process with names and owners
// that the query tests filter on.
func seedAssets(t *testing.T, repo *Repository) map[string]*omrs.EntityDetail {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]*omrs.EntityDetail)
	for _, seed := range []struct {
		typeGUID, name, owner string
	}{
		{dataSetGUID, "customers", "sales"},
		{dataSetGUID, "orders", "sales"},
		{dataSetGUID, "invoices", "finance"},
		{processGUID, "billing", "finance"},
	} {
		e, err := repo.AddEntity(ctx, user, omrs.NewEntity{
			TypeDefGUID: seed.typeGUID,
			Properties: qualified(seed.name).
				Set("name", omrs.String(seed.name)).
				Set("owner", omrs.String(seed.owner)),
		})
		require.NoError(t, err)
		out[seed.name] = e
	}
	return out
}

func TestFindEntitiesByType(t *testing.T) {
	useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seedAssets(t, repo)

	all, err := repo.FindEntities(ctx, user, omrs.EntityQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	sets, err := repo.FindEntities(ctx, user, omrs.EntityQuery{TypeGUID: dataSetGUID})
	require.NoError(t, err)
	assert.Len(t, sets, 3)

	assets, err := repo.FindEntities(ctx, user, omrs.EntityQuery{TypeGUID: assetGUID})
	require.NoError(t, err)
	assert.Len(t, assets, 4, "subtypes are included")

	processes, err := repo.FindEntities(ctx, user, omrs.EntityQuery{TypeGUID: assetGUID, SubtypeGUIDs: []string{processGUID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, names(processes))

	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{TypeGUID: dataSetGUID, SubtypeGUIDs: []string{processGUID}})
	assertKind(t, omrs.KindTypeError, err)

	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{TypeGUID: processOutputGUID})
	assertKind(t, omrs.KindTypeError, err)
}

func TestFindEntitiesMatchProperties(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seedAssets(t, repo)

	eq := omrs.String("sales")
	found, err := repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{Conditions: []omrs.PropertyCondition{
			{Property: "owner", Operator: omrs.OperatorEQ, Value: &eq},
		}},
		Sequencing: omrs.Sequencing{SequencingOrder: omrs.SequencePropertyAscending, SequencingProperty: "name"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, names(found))

	like := omrs.String("^in")
	orders := omrs.String("orders")
	found, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{
			MatchCriteria: omrs.MatchAny,
			Conditions: []omrs.PropertyCondition{
				{Property: "name", Operator: omrs.OperatorLike, Value: &like},
				{Property: "name", Operator: omrs.OperatorEQ, Value: &orders},
			},
		},
		Sequencing: omrs.Sequencing{SequencingOrder: omrs.SequencePropertyDescending, SequencingProperty: "name"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "invoices"}, names(found))

	found, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{
			MatchCriteria: omrs.MatchNone,
			Conditions:    []omrs.PropertyCondition{{Property: "owner", Value: &eq}},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invoices", "billing"}, names(found))

	in := omrs.Array("array<string>", omrs.String("customers"), omrs.String("billing"))
	found, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{Conditions: []omrs.PropertyCondition{
			{Property: "name", Operator: omrs.OperatorIn, Value: &in},
		}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"customers", "billing"}, names(found))

	found, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{Conditions: []omrs.PropertyCondition{
			{Property: "description", Operator: omrs.OperatorNotNull},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindEntitiesRejectsBadCriteria(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	bad := omrs.String("([")
	_, err := repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{Conditions: []omrs.PropertyCondition{
			{Property: "name", Operator: omrs.OperatorLike, Value: &bad},
		}},
	})
	assertKind(t, omrs.KindInvalidParameter, err)

	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{MatchCriteria: "SOME", Conditions: []omrs.PropertyCondition{}},
	})
	assertKind(t, omrs.KindInvalidParameter, err)

	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchProperties: &omrs.SearchProperties{Conditions: []omrs.PropertyCondition{{Property: "name", Operator: omrs.OperatorGT}}},
	})
	assertKind(t, omrs.KindInvalidParameter, err)

	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{Paging: omrs.Paging{PageSize: -1}})
	assertKind(t, omrs.KindPagingError, err)

	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		Sequencing: omrs.Sequencing{SequencingOrder: omrs.SequencePropertyAscending},
	})
	assertKind(t, omrs.KindPagingError, err)
}

func TestFindEntitiesPaging(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seedAssets(t, repo)

	seq := omrs.Sequencing{SequencingOrder: omrs.SequencePropertyAscending, SequencingProperty: "name"}
	first, err := repo.FindEntities(ctx, user, omrs.EntityQuery{Paging: omrs.Paging{PageSize: 3}, Sequencing: seq})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "customers", "invoices"}, names(first))

	second, err := repo.FindEntities(ctx, user, omrs.EntityQuery{Paging: omrs.Paging{StartFrom: 3, PageSize: 3}, Sequencing: seq})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names(second))

	past, err := repo.FindEntities(ctx, user, omrs.EntityQuery{Paging: omrs.Paging{StartFrom: 10}})
	require.NoError(t, err)
	assert.NotNil(t, past)
	assert.Empty(t, past)
}

func TestFindEntitiesSkipsDeletedAndProxies(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seeded := seedAssets(t, repo)

	require.NoError(t, repo.AddEntityProxy(ctx, user, remoteProxy(t, repo, "remote-set", dataSetGUID)))
	_, err := repo.DeleteEntity(ctx, user, seeded["orders"].GUID)
	require.NoError(t, err)
	_, err = repo.UpdateEntityStatus(ctx, user, seeded["customers"].GUID, omrs.StatusDraft)
	require.NoError(t, err)

	found, err := repo.FindEntities(ctx, user, omrs.EntityQuery{TypeGUID: dataSetGUID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"customers", "invoices"}, names(found))

	found, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		TypeGUID:             dataSetGUID,
		LimitResultsByStatus: []omrs.InstanceStatus{omrs.StatusDraft, omrs.StatusDeleted},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, names(found))
}

func TestFindEntitiesByProperty(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seedAssets(t, repo)

	found, err := repo.FindEntitiesByProperty(ctx, user, omrs.PropertyQuery{
		MatchProperties: omrs.NewProperties().Set("owner", omrs.String("finance")).Set("name", omrs.String("billing")),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, names(found))

	found, err = repo.FindEntitiesByProperty(ctx, user, omrs.PropertyQuery{
		MatchProperties: omrs.NewProperties().Set("owner", omrs.String("finance")).Set("name", omrs.String("orders")),
		MatchCriteria:   omrs.MatchAny,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"billing", "invoices", "orders"}, names(found))
}

func TestFindEntitiesByPropertyValue(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seedAssets(t, repo)

	found, err := repo.FindEntitiesByPropertyValue(ctx, user, omrs.ValueQuery{SearchCriteria: "^fin"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invoices", "billing"}, names(found))

	found, err = repo.FindEntitiesByPropertyValue(ctx, user, omrs.ValueQuery{SearchCriteria: "ers$", TypeGUID: dataSetGUID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"customers", "orders"}, names(found))

	_, err = repo.FindEntitiesByPropertyValue(ctx, user, omrs.ValueQuery{})
	assertKind(t, omrs.KindInvalidParameter, err)
}

func TestFindEntitiesByClassification(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seeded := seedAssets(t, repo)

	for name, level := range map[string]int{"customers": 3, "invoices": 1} {
		_, err := repo.ClassifyEntity(ctx, user, seeded[name].GUID, omrs.NewClassification{
			Name:       "Confidentiality",
			Properties: omrs.NewProperties().Set("level", omrs.Int(level)),
		})
		require.NoError(t, err)
	}

	found, err := repo.FindEntitiesByClassification(ctx, user, omrs.ClassificationQuery{ClassificationName: "Confidentiality"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"customers", "invoices"}, names(found))

	found, err = repo.FindEntitiesByClassification(ctx, user, omrs.ClassificationQuery{
		ClassificationName:            "Confidentiality",
		MatchClassificationProperties: omrs.NewProperties().Set("level", omrs.Int(3)),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, names(found))

	found, err = repo.FindEntitiesByProperty(ctx, user, omrs.PropertyQuery{
		MatchProperties:              omrs.NewProperties().Set("owner", omrs.String("sales")),
		LimitResultsByClassification: []string{"Confidentiality"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, names(found))

	high := omrs.Int(2)
	found, err = repo.FindEntities(ctx, user, omrs.EntityQuery{
		MatchClassifications: &omrs.SearchClassifications{Conditions: []omrs.ClassificationCondition{{
			Name: "Confidentiality",
			MatchProperties: &omrs.SearchProperties{Conditions: []omrs.PropertyCondition{
				{Property: "level", Operator: omrs.OperatorGTE, Value: &high},
			}},
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, names(found))

	_, err = repo.FindEntitiesByClassification(ctx, user, omrs.ClassificationQuery{ClassificationName: "DataSet"})
	assertKind(t, omrs.KindClassificationError, err)
	_, err = repo.FindEntitiesByClassification(ctx, user, omrs.ClassificationQuery{})
	assertKind(t, omrs.KindInvalidParameter, err)
}

func TestFindRelationships(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	seeded := seedAssets(t, repo)

	out := addRelationship(t, repo, processOutputGUID, seeded["billing"].GUID, seeded["invoices"].GUID)
	in := addRelationship(t, repo, processInputGUID, seeded["orders"].GUID, seeded["billing"].GUID)

	all, err := repo.FindRelationships(ctx, user, omrs.EntityQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	outputs, err := repo.FindRelationships(ctx, user, omrs.EntityQuery{TypeGUID: processOutputGUID})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, out.GUID, outputs[0].GUID)

	_, err = repo.DeleteRelationship(ctx, user, in.GUID)
	require.NoError(t, err)
	all, err = repo.FindRelationships(ctx, user, omrs.EntityQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = repo.FindRelationships(ctx, user, omrs.EntityQuery{
		MatchClassifications: &omrs.SearchClassifications{Conditions: []omrs.ClassificationCondition{{Name: "Confidentiality"}}},
	})
	assertKind(t, omrs.KindInvalidParameter, err)

	_, err = repo.FindRelationships(ctx, user, omrs.EntityQuery{TypeGUID: dataSetGUID})
	assertKind(t, omrs.KindTypeError, err)
}

func TestFindRelationshipsByProperty(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	asset := addEntity(t, repo, assetGUID, "asset")
	term := addEntity(t, repo, glossaryTermGUID, "term")
	rel, err := repo.AddRelationship(ctx, user, omrs.NewRelationship{
		TypeDefGUID:   semanticAssignmentGUID,
		EntityOneGUID: asset.GUID,
		EntityTwoGUID: term.GUID,
		Properties:    omrs.NewProperties().Set("confidence", omrs.Int(90)).Set("steward", omrs.String("erin")),
	})
	require.NoError(t, err)

	found, err := repo.FindRelationshipsByProperty(ctx, user, omrs.PropertyQuery{
		MatchProperties: omrs.NewProperties().Set("confidence", omrs.Long(90)),
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, rel.GUID, found[0].GUID)

	found, err = repo.FindRelationshipsByPropertyValue(ctx, user, omrs.ValueQuery{SearchCriteria: "er.n"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = repo.FindRelationshipsByPropertyValue(ctx, user, omrs.ValueQuery{SearchCriteria: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindAsOf(t *testing.T) {
	clock := useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	e := addEntity(t, repo, assetGUID, "asset.asof")
	created := e.CreateTime
	_, err := repo.UpdateEntityProperties(ctx, user, e.GUID, omrs.NewProperties().Set("name", omrs.String("later")))
	require.NoError(t, err)

	before := created.Add(-time.Hour)
	found, err := repo.FindEntities(ctx, user, omrs.EntityQuery{AsOfTime: &before})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = repo.FindEntitiesByPropertyValue(ctx, user, omrs.ValueQuery{SearchCriteria: "later", AsOfTime: &created})
	require.NoError(t, err)
	assert.Empty(t, found)

	now := clock.Peek()
	found, err = repo.FindEntitiesByPropertyValue(ctx, user, omrs.ValueQuery{SearchCriteria: "later", AsOfTime: &now})
	require.NoError(t, err)
	assert.Equal(t, []string{e.GUID}, guids(found))

	future := now.Add(time.Hour)
	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{AsOfTime: &future})
	assertKind(t, omrs.KindInvalidParameter, err)
}

func TestCombine(t *testing.T) {
	yes := func(int) bool { return true }
	no := func(int) bool { return false }

	for _, tc := range []struct {
		criteria omrs.MatchCriteria
		matchers []func(int) bool
		want     bool
	}{
		{"", []func(int) bool{yes, yes}, true},
		{omrs.MatchAll, []func(int) bool{yes, no}, false},
		{omrs.MatchAny, []func(int) bool{no, yes}, true},
		{omrs.MatchAny, []func(int) bool{no, no}, false},
		{omrs.MatchNone, []func(int) bool{no, no}, true},
		{omrs.MatchNone, []func(int) bool{no, yes}, false},
		{omrs.MatchAny, nil, true},
	} {
		m, err := combine(tc.matchers, tc.criteria)
		require.NoError(t, err)
		assert.Equal(t, tc.want, m(0), "%s over %d matchers", tc.criteria, len(tc.matchers))
	}
}

func TestValueMatchDescendsIntoStructures(t *testing.T) {
	m, err := compileValueMatch("^deep$")
	require.NoError(t, err)

	nested := omrs.NewProperties().Set("tags", omrs.Array("array<string>", omrs.String("shallow"), omrs.String("deep")))
	assert.True(t, m(nested))

	mapped := omrs.NewProperties().Set("extra", omrs.Map("map<string,string>", omrs.NewProperties().Set("k", omrs.String("deep"))))
	assert.True(t, m(mapped))

	assert.False(t, m(omrs.NewProperties().Set("name", omrs.String("deeper"))))
}
