package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/internal/config"
	"github.com/systemshift/omrs/internal/server/cohort"
	"github.com/systemshift/omrs/pkg/client"
	"github.com/systemshift/omrs/pkg/omrs"
)

const dataSetGUID = "1449911c-4f44-4c22-abc0-7540154feefb"

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Member.ServerName = "cocoMDS1"
	cfg.Storage.Backend = backend
	if backend == config.BackendSQLite {
		cfg.Storage.Path = filepath.Join(t.TempDir(), "omrs.db")
	}
	cfg.Cohorts = []cohort.CohortConfig{{Name: "devCohort", Transport: cohort.TransportLoopback}}
	cfg.AutoConnect = true
	cfg.EnsureIdentity()
	require.NoError(t, cfg.Validate())
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) (*node, *client.Client) {
	t.Helper()
	ctx := context.Background()
	n, err := newNode(ctx, cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	ts := httptest.NewServer(n.Handler())
	t.Cleanup(func() {
		ts.Close()
		n.Close()
	})
	return n, client.New(ts.URL, "garygeeke")
}

func TestNodeServesRepository(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			_, c := startNode(t, cfg)
			ctx := context.Background()

			created, err := c.AddEntity(ctx, omrs.NewEntity{
				TypeDefGUID: dataSetGUID,
				Properties:  omrs.NewProperties().Set("qualifiedName", omrs.String("clinical.trials")),
			})
			require.NoError(t, err)
			assert.Equal(t, cfg.Member.MetadataCollectionID, created.MetadataCollectionID)

			got, err := c.GetEntityDetail(ctx, created.GUID)
			require.NoError(t, err)
			assert.Equal(t, created.GUID, got.GUID)

			assert.Eventually(t, func() bool {
				cohorts, err := c.GetCohortDescriptions(ctx)
				return err == nil && len(cohorts) == 1 && cohorts[0].ConnectionStatus == omrs.CohortConnected
			}, 5*time.Second, 20*time.Millisecond, "auto-connect joins the cohort")
		})
	}
}

func TestNodeLoadsTypeArchives(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "types.yaml")
	require.NoError(t, os.WriteFile(archive, []byte("not: [an, archive"), 0600))

	cfg := testConfig(t, config.BackendMemory)
	cfg.Repository.TypeArchives = []string{archive}
	_, err := newNode(context.Background(), cfg, hclog.NewNullLogger())
	assert.Error(t, err)

	cfg.Repository.TypeArchives = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = newNode(context.Background(), cfg, hclog.NewNullLogger())
	assert.ErrorContains(t, err, "opening type archive")
}

func TestCohortCommandOutput(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	cfg.AutoConnect = false
	_, c := startNode(t, cfg)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, listCohorts(ctx, c, &out))
	assert.Contains(t, out.String(), "devCohort")
	assert.Contains(t, out.String(), omrs.CohortNew)

	out.Reset()
	require.NoError(t, listMembers(ctx, c, "devCohort", &out))
	assert.Contains(t, out.String(), "METADATA COLLECTION")

	assert.Error(t, listMembers(ctx, c, "noSuchCohort", &out))
}
