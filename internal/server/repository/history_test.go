package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/pkg/omrs"
)

// currentOnly hides the history kept by the memory store.
type currentOnly struct {
	*graph.MemoryStore
}

func (currentOnly) RetainsHistory() bool { return false }

func versions(entities []*omrs.EntityDetail) []int64 {
	out := make([]int64, len(entities))
	for i, e := range entities {
		out[i] = e.Version
	}
	return out
}

// threeVersions stores an asset and renames it twice.
func threeVersions(t *testing.T, repo *Repository) []*omrs.EntityDetail {
	t.Helper()
	ctx := context.Background()
	v1 := addEntity(t, repo, assetGUID, "asset.history")
	v2, err := repo.UpdateEntityProperties(ctx, user, v1.GUID, omrs.NewProperties().Set("name", omrs.String("Alpha")))
	require.NoError(t, err)
	v3, err := repo.UpdateEntityProperties(ctx, user, v1.GUID, omrs.NewProperties().Set("name", omrs.String("Beta")))
	require.NoError(t, err)
	return []*omrs.EntityDetail{v1, v2, v3}
}

func TestEntityHistoryOrder(t *testing.T) {
	useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	v := threeVersions(t, repo)

	backwards, err := repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, versions(backwards))

	forwards, err := repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{Order: omrs.HistoryForwards})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, versions(forwards))

	newest, err := repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{Paging: omrs.Paging{PageSize: 1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, versions(newest))
}

func TestEntityHistoryWindow(t *testing.T) {
	useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	v := threeVersions(t, repo)

	at := v[1].UpdateTime
	window, err := repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{FromTime: &at, ToTime: &at})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, versions(window))

	from := v[1].UpdateTime.Add(-time.Millisecond)
	window, err = repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{FromTime: &from, Order: omrs.HistoryForwards})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, versions(window), "the version valid at from is included")

	to := v[0].CreateTime.Add(-time.Hour)
	window, err = repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{ToTime: &to})
	require.NoError(t, err)
	assert.Empty(t, window)

	_, err = repo.GetEntityDetailHistory(ctx, user, v[0].GUID, omrs.HistoryQuery{FromTime: &at, ToTime: &to})
	assertKind(t, omrs.KindInvalidParameter, err)

	_, err = repo.GetEntityDetailHistory(ctx, user, "missing", omrs.HistoryQuery{})
	assertKind(t, omrs.KindEntityNotKnown, err)
}

func TestEntityAsOf(t *testing.T) {
	clock := useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	v := threeVersions(t, repo)

	got, err := repo.GetEntityDetailAsOf(ctx, user, v[0].GUID, v[1].UpdateTime)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	name, _ := got.Properties.Get("name")
	assert.Equal(t, "Alpha", name.String())

	_, err = repo.GetEntityDetailAsOf(ctx, user, v[0].GUID, v[0].CreateTime.Add(-time.Second))
	assertKind(t, omrs.KindEntityNotKnown, err)

	_, err = repo.DeleteEntity(ctx, user, v[0].GUID)
	require.NoError(t, err)
	got, err = repo.GetEntityDetailAsOf(ctx, user, v[0].GUID, clock.Peek())
	require.NoError(t, err)
	assert.Equal(t, omrs.StatusDeleted, got.Status)

	_, err = repo.GetEntityDetailAsOf(ctx, user, v[0].GUID, clock.Peek().Add(time.Hour))
	assertKind(t, omrs.KindInvalidParameter, err)
}

func TestRelationshipHistoryAndAsOf(t *testing.T) {
	useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	asset := addEntity(t, repo, assetGUID, "asset")
	term := addEntity(t, repo, glossaryTermGUID, "term")
	rel, err := repo.AddRelationship(ctx, user, omrs.NewRelationship{
		TypeDefGUID:   semanticAssignmentGUID,
		EntityOneGUID: asset.GUID,
		EntityTwoGUID: term.GUID,
		Properties:    omrs.NewProperties().Set("confidence", omrs.Int(10)),
	})
	require.NoError(t, err)
	updated, err := repo.UpdateRelationshipProperties(ctx, user, rel.GUID, omrs.NewProperties().Set("confidence", omrs.Int(90)))
	require.NoError(t, err)

	history, err := repo.GetRelationshipHistory(ctx, user, rel.GUID, omrs.HistoryQuery{Order: omrs.HistoryForwards})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Version)

	old, err := repo.GetRelationshipAsOf(ctx, user, rel.GUID, rel.CreateTime)
	require.NoError(t, err)
	confidence, _ := old.Properties.Get("confidence")
	assert.Equal(t, 0, omrs.CompareValues(omrs.Int(10), confidence))

	current, err := repo.GetRelationshipAsOf(ctx, user, rel.GUID, updated.UpdateTime)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)

	_, err = repo.GetRelationshipHistory(ctx, user, asset.GUID, omrs.HistoryQuery{})
	assertKind(t, omrs.KindRelationshipNotKnown, err)
	_, err = repo.GetRelationshipAsOf(ctx, user, asset.GUID, updated.UpdateTime)
	assertKind(t, omrs.KindRelationshipNotKnown, err)
}

func TestStoreWithoutHistory(t *testing.T) {
	repo, _ := newTestRepository(t, func(cfg *Config) { cfg.Store = currentOnly{graph.NewMemory()} })
	ctx := context.Background()

	e := addEntity(t, repo, assetGUID, "asset")
	assert.False(t, repo.RetainsHistory())

	_, err := repo.GetEntityDetailHistory(ctx, user, e.GUID, omrs.HistoryQuery{})
	assertKind(t, omrs.KindFunctionNotSupported, err)
	_, err = repo.GetEntityDetailAsOf(ctx, user, e.GUID, e.CreateTime)
	assertKind(t, omrs.KindFunctionNotSupported, err)
	_, err = repo.UndoEntityUpdate(ctx, user, e.GUID)
	assertKind(t, omrs.KindFunctionNotSupported, err)

	asOf := e.CreateTime
	_, err = repo.FindEntities(ctx, user, omrs.EntityQuery{AsOfTime: &asOf})
	assertKind(t, omrs.KindFunctionNotSupported, err)
}
