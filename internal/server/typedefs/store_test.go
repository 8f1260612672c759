package typedefs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/internal/database"
	"github.com/systemshift/omrs/pkg/omrs"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.Open(":memory:", nil)
	require.NoError(t, err)
	store := NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestGormStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r, err := New(ctx, Config{Store: store})
	require.NoError(t, err)
	added, err := r.LoadBaseArchive(ctx, "u")
	require.NoError(t, err)
	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))

	reloaded, err := New(ctx, Config{Store: store})
	require.NoError(t, err)
	all, err := reloaded.GetAllTypes(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, added+1, len(all.TypeDefs)+len(all.AttributeTypeDefs))

	server, err := reloaded.GetTypeDefByName(ctx, "u", "Server")
	require.NoError(t, err)
	assert.Equal(t, "Asset", server.SuperType.Name)
}

func TestGormStoreReplace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r, err := New(ctx, Config{Store: store})
	require.NoError(t, err)
	_, err = r.LoadBaseArchive(ctx, "u")
	require.NoError(t, err)
	require.NoError(t, r.AddTypeDef(ctx, "u", sampleType("g-1", "Server")))

	_, err = r.ReIdentifyTypeDef(ctx, "u", "g-1", "Server", "g-2", "Host")
	require.NoError(t, err)
	_, err = r.UpdateTypeDef(ctx, "u", &omrs.TypeDefPatch{TypeDefGUID: "g-2", ApplyToVersion: 1, UpdateToVersion: 5})
	require.NoError(t, err)

	typeDefs, _, err := store.Load(ctx)
	require.NoError(t, err)
	var host bool
	for _, td := range typeDefs {
		assert.NotEqual(t, "Server", td.Name)
		if td.Name == "Host" {
			host = true
			assert.Equal(t, int64(5), td.Version)
		}
	}
	assert.True(t, host)

	require.NoError(t, r.DeleteTypeDef(ctx, "u", "g-2", "Host"))
	var count int64
	require.NoError(t, store.db.Model(&TypeDefRecord{}).Where("guid = ?", "g-2").Count(&count).Error)
	assert.Zero(t, count)
}
