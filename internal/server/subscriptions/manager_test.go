package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/omrs/internal/database"
)

// hook is a webhook endpoint that records what it receives.
type hook struct {
	server   *httptest.Server
	received chan Notification
	failures int32
}

func newHook(t *testing.T, failFirst int32, status int) *hook {
	t.Helper()
	h := &hook{received: make(chan Notification, 16), failures: failFirst}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&h.failures, -1) >= 0 {
			w.WriteHeader(status)
			return
		}
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err == nil {
			assert.Equal(t, n.Event.Type, r.Header.Get("X-OMRS-Event"))
			h.received <- n
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *hook) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-h.received:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
		return Notification{}
	}
}

func fastNotifier() *Notifier {
	return NewNotifier(NotifierConfig{InitialInterval: time.Millisecond, MaxElapsedTime: 2 * time.Second})
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m := NewManager(Config{Store: store, Notifier: fastNotifier()})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestManagerRegisterValidation(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, &CreateSubscriptionRequest{Webhook: "http://example.com/hook"})
	assert.Error(t, err)
	_, err = m.Register(ctx, &CreateSubscriptionRequest{Name: "no hook"})
	assert.Error(t, err)
	_, err = m.Register(ctx, &CreateSubscriptionRequest{Name: "relative", Webhook: "/hook"})
	assert.Error(t, err)

	sub, err := m.Register(ctx, &CreateSubscriptionRequest{Name: "ok", Webhook: "https://example.com/hook"})
	require.NoError(t, err)
	assert.True(t, sub.Enabled)
	assert.NotEmpty(t, sub.ID)
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sub, err := m.Register(ctx, &CreateSubscriptionRequest{Name: "first", Webhook: "http://example.com/a"})
	require.NoError(t, err)
	_, err = m.Register(ctx, &CreateSubscriptionRequest{Name: "second", Webhook: "http://example.com/b"})
	require.NoError(t, err)
	assert.Len(t, m.List(), 2)

	disabled := false
	renamed := "renamed"
	updated, err := m.Update(ctx, sub.ID, &UpdateSubscriptionRequest{Name: &renamed, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)

	empty := ""
	_, err = m.Update(ctx, sub.ID, &UpdateSubscriptionRequest{Webhook: &empty})
	assert.Error(t, err)
	got, err := m.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a", got.Webhook, "a rejected update changes nothing")

	require.NoError(t, m.Unregister(ctx, sub.ID))
	_, err = m.Get(sub.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(m.Unregister(ctx, sub.ID), ErrNotFound))
	_, err = m.Update(ctx, sub.ID, &UpdateSubscriptionRequest{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestManagerDeliversMatchingEvents(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	h := newHook(t, 0, 0)

	sub, err := m.Register(ctx, &CreateSubscriptionRequest{
		Name:    "assets",
		Webhook: h.server.URL,
		Pattern: SubscriptionPattern{EventTypes: []string{EventEntityCreated}, TypeNames: []string{"Asset"}},
	})
	require.NoError(t, err)

	m.EmitEvent(Event{Type: EventEntityDeleted})
	m.EmitEvent(dataSetEvent(EventEntityCreated, "home-a"))

	n := h.next(t)
	assert.Equal(t, sub.ID, n.SubscriptionID)
	assert.Equal(t, "ds-1", n.Event.GUID())
	assert.NotEmpty(t, n.Event.ID, "emitted events get an id")

	assert.Eventually(t, func() bool {
		got, err := m.Get(sub.ID)
		return err == nil && got.FireCount == 1 && got.LastFired != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerListenersSeeEveryEventInOrder(t *testing.T) {
	m := NewManager(Config{})
	seen := make(chan string, 8)
	m.Listen(func(e Event) { seen <- e.Type })
	require.NoError(t, m.Start(context.Background()))

	m.EmitEvent(Event{Type: EventEntityCreated})
	m.EmitEvent(Event{Type: EventEntityUpdated})
	m.EmitEvent(Event{Type: EventEntityDeleted})
	m.Stop()

	require.Len(t, seen, 3)
	assert.Equal(t, EventEntityCreated, <-seen)
	assert.Equal(t, EventEntityUpdated, <-seen)
	assert.Equal(t, EventEntityDeleted, <-seen)

	m.EmitEvent(Event{Type: EventEntityPurged})
	m.Stop()
	assert.Empty(t, seen, "events after stop are ignored")
}

func TestManagerBlocksEmittersWhenQueueIsFull(t *testing.T) {
	m := NewManager(Config{QueueSize: 2})
	gate := make(chan struct{})
	var seen []string
	m.Listen(func(e Event) {
		<-gate
		seen = append(seen, e.Meta["n"].(string))
	})
	require.NoError(t, m.Start(context.Background()))

	const total = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			m.EmitEvent(Event{Type: EventEntityUpdated, Meta: map[string]interface{}{"n": strconv.Itoa(i)}})
		}
	}()

	select {
	case <-done:
		t.Fatal("emitter finished while the listener was blocked")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emitter still blocked after the listener resumed")
	}
	m.Stop()

	require.Len(t, seen, total)
	for i, n := range seen {
		assert.Equal(t, strconv.Itoa(i), n)
	}
}

func TestManagerStopReleasesEmittersWhenNeverStarted(t *testing.T) {
	m := NewManager(Config{QueueSize: 1})
	m.EmitEvent(Event{Type: EventEntityCreated})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.EmitEvent(Event{Type: EventEntityUpdated})
	}()

	m.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emitter still blocked after stop")
	}
}

func TestManagerReloadsStoredSubscriptions(t *testing.T) {
	db, err := database.Open(":memory:", nil)
	require.NoError(t, err)
	store := NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	ctx := context.Background()

	first := newTestManager(t, store)
	sub, err := first.Register(ctx, &CreateSubscriptionRequest{
		Name:    "kept",
		Webhook: "http://example.com/hook",
		Pattern: SubscriptionPattern{HomeIDs: []string{"home-a"}},
	})
	require.NoError(t, err)
	gone, err := first.Register(ctx, &CreateSubscriptionRequest{Name: "gone", Webhook: "http://example.com/other"})
	require.NoError(t, err)
	require.NoError(t, first.Unregister(ctx, gone.ID))
	description := "updated"
	_, err = first.Update(ctx, sub.ID, &UpdateSubscriptionRequest{Description: &description})
	require.NoError(t, err)

	second := newTestManager(t, store)
	all := second.List()
	require.Len(t, all, 1)
	assert.Equal(t, sub.ID, all[0].ID)
	assert.Equal(t, "updated", all[0].Description)
	assert.Equal(t, []string{"home-a"}, all[0].Pattern.HomeIDs)
}
