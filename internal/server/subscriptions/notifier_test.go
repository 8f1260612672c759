package subscriptions

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWebhookRetriesServerErrors(t *testing.T) {
	h := newHook(t, 2, http.StatusServiceUnavailable)
	n := fastNotifier()

	err := n.SendWebhook(context.Background(), h.server.URL, Notification{SubscriptionID: "s-1", Event: Event{Type: EventEntityCreated}})
	require.NoError(t, err)
	got := h.next(t)
	assert.Equal(t, "s-1", got.SubscriptionID)
	assert.Equal(t, int32(-1), atomic.LoadInt32(&h.failures))
}

func TestSendWebhookStopsOnClientErrors(t *testing.T) {
	h := newHook(t, 100, http.StatusBadRequest)
	n := fastNotifier()

	err := n.SendWebhook(context.Background(), h.server.URL, Notification{Event: Event{Type: EventEntityCreated}})
	var werr *WebhookError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, http.StatusBadRequest, werr.StatusCode)
	assert.Equal(t, int32(99), atomic.LoadInt32(&h.failures), "one attempt only")
}

func TestSendWebhookGivesUp(t *testing.T) {
	h := newHook(t, 1000, http.StatusTooManyRequests)
	n := NewNotifier(NotifierConfig{InitialInterval: time.Millisecond, MaxElapsedTime: 50 * time.Millisecond})

	err := n.SendWebhook(context.Background(), h.server.URL, Notification{Event: Event{Type: EventEntityCreated}})
	require.Error(t, err)
	assert.Less(t, atomic.LoadInt32(&h.failures), int32(999), "429 is retried")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = n.SendWebhook(ctx, h.server.URL, Notification{Event: Event{Type: EventEntityCreated}})
	assert.Error(t, err)
}
