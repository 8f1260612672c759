package cohort

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch Channel) <-chan Message {
	t.Helper()
	out := make(chan Message, 64)
	require.NoError(t, ch.Start(func(msg Message) { out <- msg }))
	return out
}

func receive(t *testing.T, in <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-in:
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func testMessage(n int) Message {
	return Message{
		ID:     fmt.Sprintf("msg-%d", n),
		Type:   MessageUnregistration,
		Cohort: testCohort,
		Sender: "member-a",
		SentAt: time.Now().UTC(),
	}
}

func TestLoopbackDeliversToEveryEndpointInOrder(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Open("topic-1")
	b := hub.Open("topic-1")
	other := hub.Open("topic-2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, testMessage(1)), "queued until start")
	fromA := collect(t, a)
	fromB := collect(t, b)
	fromOther := collect(t, other)
	require.NoError(t, b.Publish(ctx, testMessage(2)))
	require.NoError(t, a.Publish(ctx, testMessage(3)))

	for _, in := range []<-chan Message{fromA, fromB} {
		assert.Equal(t, "msg-1", receive(t, in).ID)
		assert.Equal(t, "msg-2", receive(t, in).ID)
		assert.Equal(t, "msg-3", receive(t, in).ID)
	}
	assert.Empty(t, fromOther)
	assert.Error(t, a.Start(func(Message) {}), "start twice")
}

func TestLoopbackClose(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Open("topic-1")
	b := hub.Open("topic-1")
	fromB := collect(t, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close twice")
	assert.ErrorIs(t, a.Publish(context.Background(), testMessage(1)), ErrChannelClosed)
	assert.ErrorIs(t, a.Start(func(Message) {}), ErrChannelClosed)

	require.NoError(t, b.Publish(context.Background(), testMessage(2)))
	assert.Equal(t, "msg-2", receive(t, fromB).ID)
	require.NoError(t, b.Close())
}

func TestMessageValidation(t *testing.T) {
	ok := testMessage(1)
	assert.NoError(t, ok.Validate())

	noSender := testMessage(1)
	noSender.Sender = ""
	assert.Error(t, noSender.Validate())

	badType := testMessage(1)
	badType.Type = "gossip"
	assert.Error(t, badType.Validate())

	noRegistration := testMessage(1)
	noRegistration.Type = MessageRegistration
	assert.Error(t, noRegistration.Validate())

	noEvent := testMessage(1)
	noEvent.Type = MessageInstanceEvent
	assert.Error(t, noEvent.Validate())
}

// TestKafkaChannel needs a broker, e.g. OMRS_KAFKA_BROKERS=localhost:9092.
func TestKafkaChannel(t *testing.T) {
	brokers := os.Getenv("OMRS_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("OMRS_KAFKA_BROKERS not set")
	}
	topic := "omrs-test-" + uuid.New().String()
	open := func(group string) *KafkaChannel {
		ch, err := NewKafkaChannel(KafkaConfig{Brokers: strings.Split(brokers, ","), Topic: topic, Group: group})
		require.NoError(t, err)
		t.Cleanup(func() { ch.Close() })
		return ch
	}
	a, b := open("group-a"), open("group-b")
	fromB := collect(t, b)

	// b starts at the end of the topic, so publish until it has joined.
	deadline := time.After(30 * time.Second)
	for n := 1; ; n++ {
		require.NoError(t, a.Publish(context.Background(), testMessage(n)))
		select {
		case msg := <-fromB:
			assert.Equal(t, "member-a", msg.Sender)
			assert.Equal(t, MessageUnregistration, msg.Type)
			_, err := NewKafkaChannel(KafkaConfig{Topic: topic, Group: "g"})
			assert.Error(t, err, "brokers are required")
			return
		case <-time.After(time.Second):
		case <-deadline:
			t.Fatal("no message consumed")
		}
	}
}
