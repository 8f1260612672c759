package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/internal/server/api"
	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/repository"
	"github.com/systemshift/omrs/internal/server/typedefs"
	"github.com/systemshift/omrs/pkg/omrs"
)

const (
	localID     = "c0ffee00-home"
	dataSetGUID = "1449911c-4f44-4c22-abc0-7540154feefb"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	types, err := typedefs.New(ctx, typedefs.Config{})
	require.NoError(t, err)
	_, err = types.LoadBaseArchive(ctx, "test")
	require.NoError(t, err)
	repo, err := repository.New(repository.Config{
		MetadataCollectionID: localID,
		Store:                graph.NewMemory(),
		Types:                types,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(api.New(api.Config{Repository: repo, Types: types}).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientEntityRoundTrip(t *testing.T) {
	c := New(newServer(t).URL+"/", "garygeeke")
	ctx := context.Background()

	id, err := c.MetadataCollectionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, localID, id)

	created, err := c.AddEntity(ctx, omrs.NewEntity{
		TypeDefGUID: dataSetGUID,
		Properties:  omrs.NewProperties().Set("qualifiedName", omrs.String("sales.orders")),
	})
	require.NoError(t, err)
	assert.Equal(t, localID, created.MetadataCollectionID)
	assert.Equal(t, "garygeeke", created.CreatedBy)

	updated, err := c.UpdateEntityProperties(ctx, created.GUID,
		omrs.NewProperties().Set("qualifiedName", omrs.String("sales.orders.v2")))
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, updated.Version)

	found, err := c.FindEntitiesByPropertyValue(ctx, omrs.ValueQuery{SearchCriteria: "orders\\.v2"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created.GUID, found[0].GUID)

	known, err := c.IsEntityKnown(ctx, "no-such-guid")
	require.NoError(t, err)
	assert.Nil(t, known)

	_, err = c.DeleteEntity(ctx, created.GUID)
	require.NoError(t, err)
	require.NoError(t, c.PurgeEntity(ctx, created.GUID))

	_, err = c.GetEntityDetail(ctx, created.GUID)
	require.Error(t, err)
	assert.True(t, omrs.IsKind(err, omrs.KindEntityNotKnown), "got %v", err)
}

func TestClientTypes(t *testing.T) {
	c := New(newServer(t).URL, "garygeeke")
	ctx := context.Background()

	td, err := c.GetTypeDefByName(ctx, "DataSet")
	require.NoError(t, err)
	assert.Equal(t, dataSetGUID, td.GUID)

	byGUID, err := c.GetTypeDefByGUID(ctx, dataSetGUID)
	require.NoError(t, err)
	assert.Equal(t, "DataSet", byGUID.Name)

	_, err = c.GetTypeDefByName(ctx, "NoSuchType")
	assert.True(t, omrs.IsKind(err, omrs.KindTypeDefNotKnown), "got %v", err)
}

func TestClientCohortsNotConfigured(t *testing.T) {
	c := New(newServer(t).URL, "garygeeke")

	_, err := c.GetCohortDescriptions(context.Background())
	assert.True(t, omrs.IsKind(err, omrs.KindFunctionNotSupported), "got %v", err)
}

func TestClientSendsDelegatingUser(t *testing.T) {
	var path, delegate string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		delegate = r.Header.Get(api.DelegatingUserHeader)
		resp, _ := omrs.ResultResponse(true)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)

	c := New(ts.URL, "gary geeke", WithDelegatingUser("erinoverview"))
	ok, err := c.ConnectToCohort(context.Background(), "devCohort")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/api/users/gary geeke/connectToCohort", path)
	assert.Equal(t, "erinoverview", delegate)
}

func TestClientUnknownErrorKind(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_ = json.NewEncoder(w).Encode(omrs.Response{ErrorKind: "KETTLE_EMPTY", ErrorMessage: "no water"})
	}))
	t.Cleanup(ts.Close)

	err := New(ts.URL, "garygeeke").Call(context.Background(), "makeTea", nil, nil)
	assert.Equal(t, omrs.KindRepositoryError, omrs.KindOf(err))
}

func TestClientRejectsNonEnvelope(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	_, err := New(ts.URL, "garygeeke").GetEntityDetail(context.Background(), "g1")
	assert.Equal(t, omrs.KindRepositoryError, omrs.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "malformed answers are not retried")
}

func TestClientRetriesReadsOnly(t *testing.T) {
	// Nothing listens here once the server is closed.
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	hc := &http.Client{Timeout: time.Second}
	c := New(url, "garygeeke", WithHTTPClient(hc), WithReadRetries(1))

	_, err := c.GetEntityDetail(context.Background(), "g1")
	require.Error(t, err)
	assert.Equal(t, "OMRS-CLIENT-503-001", omrs.AsError(err).MessageID)

	_, err = c.AddEntity(context.Background(), omrs.NewEntity{TypeDefGUID: dataSetGUID})
	require.Error(t, err)
	assert.Equal(t, omrs.KindRepositoryError, omrs.KindOf(err))

	assert.True(t, isRead("findEntities"))
	assert.True(t, isRead("getEntityDetail"))
	assert.False(t, isRead("addEntity"))
	assert.False(t, isRead("purgeEntity"))
}
