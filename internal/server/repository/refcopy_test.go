package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

func TestSaveEntityReferenceCopyIsIdempotent(t *testing.T) {
	useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	ref := remoteEntity(t, repo, "remote-1", dataSetGUID, 2)
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))

	history, err := repo.store.History(ctx, ref.GUID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, []string{subscriptions.EventEntityCopySaved}, events.types())

	got, err := repo.GetEntityDetail(ctx, user, ref.GUID)
	require.NoError(t, err)
	assert.Equal(t, remoteID, got.MetadataCollectionID)
	assert.Equal(t, int64(2), got.Version)
}

func TestSaveEntityReferenceCopyVersions(t *testing.T) {
	useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, remoteEntity(t, repo, "remote-1", dataSetGUID, 3)))

	stale := remoteEntity(t, repo, "remote-1", dataSetGUID, 2)
	stale.Properties.Set("name", omrs.String("stale"))
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, stale))
	got, err := repo.GetEntityDetail(ctx, user, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	_, ok := got.Properties.Get("name")
	assert.False(t, ok)

	newer := remoteEntity(t, repo, "remote-1", dataSetGUID, 5)
	newer.Properties.Set("name", omrs.String("newer"))
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, newer))
	got, err = repo.GetEntityDetail(ctx, user, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	name, _ := got.Properties.Get("name")
	assert.Equal(t, "newer", name.String())
}

func TestSaveEntityReferenceCopyRejections(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	local := addEntity(t, repo, dataSetGUID, "local")
	err := repo.SaveEntityReferenceCopy(ctx, user, local)
	assertKind(t, omrs.KindHomeEntity, err)

	ref := remoteEntity(t, repo, "remote-1", dataSetGUID, 1)
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))
	other := remoteEntity(t, repo, "remote-1", dataSetGUID, 9)
	other.MetadataCollectionID = "third-collection"
	err = repo.SaveEntityReferenceCopy(ctx, user, other)
	assertKind(t, omrs.KindEntityConflict, err)

	incomplete := remoteEntity(t, repo, "remote-2", dataSetGUID, 1)
	incomplete.MetadataCollectionID = ""
	err = repo.SaveEntityReferenceCopy(ctx, user, incomplete)
	assertKind(t, omrs.KindInvalidEntity, err)

	wrongCategory := remoteEntity(t, repo, "remote-3", dataSetGUID, 1)
	wrongCategory.Type.TypeDefGUID = processOutputGUID
	err = repo.SaveEntityReferenceCopy(ctx, user, wrongCategory)
	assertKind(t, omrs.KindTypeError, err)

	err = repo.SaveEntityReferenceCopy(ctx, user, nil)
	assertKind(t, omrs.KindInvalidEntity, err)
}

func TestReferenceCopiesDisabled(t *testing.T) {
	repo, _ := newTestRepository(t, func(cfg *Config) { cfg.DisableReferenceCopies = true })
	ctx := context.Background()

	err := repo.SaveEntityReferenceCopy(ctx, user, remoteEntity(t, repo, "remote-1", dataSetGUID, 1))
	assertKind(t, omrs.KindFunctionNotSupported, err)
	err = repo.RefreshEntityReferenceCopy(ctx, user, omrs.ReferenceCopyRequest{GUID: "remote-1", HomeMetadataCollectionID: remoteID})
	assertKind(t, omrs.KindFunctionNotSupported, err)
	err = repo.SaveInstanceReferenceCopies(ctx, user, &omrs.InstanceGraph{})
	assertKind(t, omrs.KindFunctionNotSupported, err)
}

func TestDeleteEntityReferenceCopyLeavesTombstone(t *testing.T) {
	useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	ref := remoteEntity(t, repo, "remote-1", dataSetGUID, 4)
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))
	require.NoError(t, repo.DeleteEntityReferenceCopy(ctx, user, ref))
	assert.Equal(t, subscriptions.EventEntityCopyDeleted, events.last().Type)

	_, err := repo.GetEntityDetail(ctx, user, ref.GUID)
	assertKind(t, omrs.KindEntityNotKnown, err)

	stored, err := repo.store.Current(ctx, ref.GUID)
	require.NoError(t, err)
	assert.Equal(t, omrs.StatusDeleted, stored.Header().Status)
	assert.Equal(t, int64(4), stored.Header().Version)

	// the home restoring the entity resends the same version
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))
	got, err := repo.GetEntityDetail(ctx, user, ref.GUID)
	require.NoError(t, err)
	assert.Equal(t, omrs.StatusActive, got.Status)

	require.NoError(t, repo.DeleteEntityReferenceCopy(ctx, user, remoteEntity(t, repo, "never-saved", dataSetGUID, 1)))
}

func TestPurgeEntityReferenceCopy(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	ref := remoteEntity(t, repo, "remote-1", dataSetGUID, 1)
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))

	err := repo.PurgeEntityReferenceCopy(ctx, user, omrs.ReferenceCopyRequest{GUID: ref.GUID, HomeMetadataCollectionID: "elsewhere"})
	assertKind(t, omrs.KindEntityConflict, err)

	req := omrs.ReferenceCopyRequest{GUID: ref.GUID, HomeMetadataCollectionID: remoteID}
	require.NoError(t, repo.PurgeEntityReferenceCopy(ctx, user, req))
	_, err = repo.store.Current(ctx, ref.GUID)
	assert.True(t, errors.Is(err, graph.ErrNotFound))

	require.NoError(t, repo.PurgeEntityReferenceCopy(ctx, user, req), "purging an unknown copy is a no-op")

	err = repo.PurgeEntityReferenceCopy(ctx, user, omrs.ReferenceCopyRequest{GUID: "x", HomeMetadataCollectionID: localID})
	assertKind(t, omrs.KindHomeEntity, err)
}

func TestRefreshRequests(t *testing.T) {
	clock := useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	req := omrs.ReferenceCopyRequest{GUID: "remote-1", TypeDefName: "DataSet", HomeMetadataCollectionID: remoteID}
	require.NoError(t, repo.RefreshEntityReferenceCopy(ctx, user, req))

	event := events.last()
	assert.Equal(t, subscriptions.EventEntityRefreshRequested, event.Type)
	assert.Equal(t, "remote-1", event.TargetGUID)
	assert.Equal(t, dataSetGUID, event.TargetTypeGUID)
	assert.Equal(t, remoteID, event.TargetHome)
	assert.Equal(t, localID, event.Meta["requestedBy"])

	assert.Empty(t, repo.OverdueRefreshes())
	clock.Advance(2 * time.Minute)
	overdue := repo.OverdueRefreshes()
	require.Len(t, overdue, 1)
	assert.Equal(t, "remote-1", overdue[0].GUID)
	assert.Equal(t, graph.KindEntity, overdue[0].Kind)
	assert.Equal(t, user, overdue[0].RequestedBy)

	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, remoteEntity(t, repo, "remote-1", dataSetGUID, 1)))
	assert.Empty(t, repo.OverdueRefreshes())

	err := repo.RefreshRelationshipReferenceCopy(ctx, user, omrs.ReferenceCopyRequest{GUID: "rel"})
	assertKind(t, omrs.KindInvalidParameter, err)
}

func TestClassificationReferenceCopies(t *testing.T) {
	useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	ref := remoteEntity(t, repo, "remote-1", dataSetGUID, 1)
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))

	cls := omrs.Classification{
		InstanceHeader: omrs.InstanceHeader{
			Type:                 instanceType(t, repo, "742ddb7d-9a4a-4eb5-8ac2-1d69953bd2b6"),
			Status:               omrs.StatusActive,
			Version:              1,
			MetadataCollectionID: remoteID,
		},
		Name:       "Confidentiality",
		Properties: omrs.NewProperties().Set("level", omrs.Int(3)),
	}
	proxy := &omrs.EntityProxy{InstanceHeader: ref.InstanceHeader}
	require.NoError(t, repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: cls}))
	assert.Equal(t, subscriptions.EventClassificationCopySaved, events.last().Type)

	got, err := repo.GetEntityDetail(ctx, user, ref.GUID)
	require.NoError(t, err)
	stored, _, ok := got.Classification("Confidentiality")
	require.True(t, ok)
	assert.Equal(t, remoteID, stored.MetadataCollectionID)

	// an older version of the classification does not replace a newer one
	newer := cls.Clone()
	newer.Version = 3
	require.NoError(t, repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: newer}))
	require.NoError(t, repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: cls}))
	got, err = repo.GetEntityDetail(ctx, user, ref.GUID)
	require.NoError(t, err)
	stored, _, _ = got.Classification("Confidentiality")
	assert.Equal(t, int64(3), stored.Version)

	require.NoError(t, repo.PurgeClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: cls}))
	got, err = repo.GetEntityDetail(ctx, user, ref.GUID)
	require.NoError(t, err)
	assert.Empty(t, got.Classifications)
	purged := events.last()
	assert.Equal(t, subscriptions.EventClassificationCopyPurged, purged.Type)
	assert.Equal(t, ref.GUID, purged.GUID())
	require.NotNil(t, purged.Classification)
	assert.Equal(t, int64(3), purged.Classification.Version)

	local := cls.Clone()
	local.MetadataCollectionID = localID
	err = repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: local})
	assertKind(t, omrs.KindInvalidParameter, err)
}

func TestClassificationCopyOnUnknownEntityStoresProxy(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	proxy := remoteProxy(t, repo, "remote-term", glossaryTermGUID)
	cls := omrs.Classification{
		InstanceHeader: omrs.InstanceHeader{Version: 1, MetadataCollectionID: remoteID},
		Name:           "Confidentiality",
	}
	require.NoError(t, repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: cls}))

	summary, err := repo.GetEntitySummary(ctx, user, proxy.GUID)
	require.NoError(t, err)
	require.Len(t, summary.Classifications, 1)
	assert.Equal(t, "Confidentiality", summary.Classifications[0].Name)
}

func TestClassificationCopyCannotTakeOverDeletedLocalEntity(t *testing.T) {
	useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	e := addEntity(t, repo, dataSetGUID, "dataset.tombstone")
	_, err := repo.DeleteEntity(ctx, user, e.GUID)
	require.NoError(t, err)

	proxy := remoteProxy(t, repo, e.GUID, dataSetGUID)
	cls := omrs.Classification{
		InstanceHeader: omrs.InstanceHeader{Version: 1, MetadataCollectionID: remoteID},
		Name:           "Confidentiality",
	}
	err = repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: cls})
	assertKind(t, omrs.KindEntityConflict, err)
	assert.Equal(t, subscriptions.EventEntityDeleted, events.last().Type)

	stored, err := repo.store.Current(ctx, e.GUID)
	require.NoError(t, err)
	assert.Equal(t, graph.KindEntity, stored.Kind)
	assert.Equal(t, localID, stored.Header().MetadataCollectionID)
	assert.Equal(t, omrs.StatusDeleted, stored.Header().Status)

	restored, err := repo.RestoreEntity(ctx, user, e.GUID)
	require.NoError(t, err)
	assert.Equal(t, omrs.StatusActive, restored.Status)
	assert.Equal(t, localID, restored.MetadataCollectionID)
}

func TestClassificationCopyOverDeletedReferenceCopyStoresProxy(t *testing.T) {
	useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	ref := remoteEntity(t, repo, "remote-1", dataSetGUID, 1)
	require.NoError(t, repo.SaveEntityReferenceCopy(ctx, user, ref))
	require.NoError(t, repo.DeleteEntityReferenceCopy(ctx, user, ref))

	proxy := remoteProxy(t, repo, ref.GUID, dataSetGUID)
	cls := omrs.Classification{
		InstanceHeader: omrs.InstanceHeader{Version: 1, MetadataCollectionID: remoteID},
		Name:           "Confidentiality",
	}
	require.NoError(t, repo.SaveClassificationReferenceCopy(ctx, user, omrs.ClassificationCopyRequest{Entity: proxy, Classification: cls}))

	event := events.last()
	assert.Equal(t, subscriptions.EventClassificationCopySaved, event.Type)
	assert.Equal(t, ref.GUID, event.TargetGUID)

	summary, err := repo.GetEntitySummary(ctx, user, ref.GUID)
	require.NoError(t, err)
	require.Len(t, summary.Classifications, 1)
	assert.Equal(t, remoteID, summary.MetadataCollectionID)
}

func TestSaveRelationshipReferenceCopyStoresEndProxies(t *testing.T) {
	useClock(t)
	repo, events := newTestRepository(t)
	ctx := context.Background()

	one := remoteProxy(t, repo, "remote-process", processGUID)
	two := remoteProxy(t, repo, "remote-dataset", dataSetGUID)
	rel := remoteRelationship(t, repo, "remote-rel", processOutputGUID, one, two, 1)
	require.NoError(t, repo.SaveRelationshipReferenceCopy(ctx, user, rel))
	assert.Equal(t, subscriptions.EventRelationshipCopySaved, events.last().Type)

	got, err := repo.GetRelationship(ctx, user, rel.GUID)
	require.NoError(t, err)
	assert.Equal(t, remoteID, got.MetadataCollectionID)

	_, err = repo.GetEntityDetail(ctx, user, one.GUID)
	assertKind(t, omrs.KindEntityProxyOnly, err)

	rels, err := repo.GetRelationshipsForEntity(ctx, user, omrs.EntityRelationshipsQuery{EntityGUID: two.GUID})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, rel.GUID, rels[0].GUID)

	require.NoError(t, repo.DeleteRelationshipReferenceCopy(ctx, user, rel))
	_, err = repo.GetRelationship(ctx, user, rel.GUID)
	assertKind(t, omrs.KindRelationshipNotKnown, err)

	require.NoError(t, repo.PurgeRelationshipReferenceCopy(ctx, user, omrs.ReferenceCopyRequest{GUID: rel.GUID, HomeMetadataCollectionID: remoteID}))
	_, err = repo.store.Current(ctx, rel.GUID)
	assert.True(t, errors.Is(err, graph.ErrNotFound))
}

func TestSaveRelationshipReferenceCopyRejectsLocalUnknownEnd(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	one := remoteProxy(t, repo, "remote-process", processGUID)
	two := remoteProxy(t, repo, "missing-local", dataSetGUID)
	two.MetadataCollectionID = localID
	rel := remoteRelationship(t, repo, "remote-rel", processOutputGUID, one, two, 1)

	err := repo.SaveRelationshipReferenceCopy(ctx, user, rel)
	assertKind(t, omrs.KindEntityNotKnown, err)

	rel.EntityTwoProxy = nil
	err = repo.SaveRelationshipReferenceCopy(ctx, user, rel)
	assertKind(t, omrs.KindInvalidRelationship, err)
}

func TestSaveInstanceReferenceCopiesAggregatesFailures(t *testing.T) {
	useClock(t)
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	process := remoteEntity(t, repo, "remote-process", processGUID, 1)
	dataSet := remoteEntity(t, repo, "remote-dataset", dataSetGUID, 1)
	local := addEntity(t, repo, dataSetGUID, "local")

	good := remoteRelationship(t, repo, "rel-good", processOutputGUID,
		&omrs.EntityProxy{InstanceHeader: process.InstanceHeader},
		&omrs.EntityProxy{InstanceHeader: dataSet.InstanceHeader}, 1)
	dangling := remoteRelationship(t, repo, "rel-dangling", processOutputGUID,
		&omrs.EntityProxy{InstanceHeader: process.InstanceHeader},
		remoteProxy(t, repo, "nowhere", dataSetGUID), 1)

	err := repo.SaveInstanceReferenceCopies(ctx, user, &omrs.InstanceGraph{
		Entities:      []*omrs.EntityDetail{process, dataSet, local},
		Relationships: []*omrs.Relationship{good, dangling},
	})
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)

	var kinds []omrs.Kind
	for _, e := range merr.Errors {
		kinds = append(kinds, omrs.KindOf(e))
	}
	assert.ElementsMatch(t, []omrs.Kind{omrs.KindHomeEntity, omrs.KindInvalidRelationship}, kinds)

	_, err = repo.GetEntityDetail(ctx, user, process.GUID)
	assert.NoError(t, err)
	_, err = repo.GetRelationship(ctx, user, good.GUID)
	assert.NoError(t, err)
	_, err = repo.GetRelationship(ctx, user, dangling.GUID)
	assertKind(t, omrs.KindRelationshipNotKnown, err)

	assert.NoError(t, repo.SaveInstanceReferenceCopies(ctx, user, &omrs.InstanceGraph{
		Entities: []*omrs.EntityDetail{process, dataSet},
	}))
}
