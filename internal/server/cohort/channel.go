package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned when publishing on a closed channel.
var ErrChannelClosed = errors.New("cohort channel closed")

// Channel carries messages between the members of one cohort. Every
// published message reaches every member, the sender included.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	// Start delivers inbound messages to fn one at a time, in arrival
	// order, until Close.
	Start(fn func(Message)) error
	Close() error
}

// ChannelFactory opens the channel for a configured cohort.
type ChannelFactory func(cfg CohortConfig) (Channel, error)

// LoopbackHub connects channels in the same process. Members of a cohort
// share a hub and see each other's messages in publish order. Messages
// are JSON encoded in transit so no member shares memory with another.
type LoopbackHub struct {
	mu        sync.Mutex
	endpoints map[string]map[*loopbackEndpoint]struct{}
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{endpoints: make(map[string]map[*loopbackEndpoint]struct{})}
}

// Factory returns a ChannelFactory that opens channels on this hub. The
// cohort topic, or its name when no topic is set, selects the endpoints
// that see each other.
func (h *LoopbackHub) Factory() ChannelFactory {
	return func(cfg CohortConfig) (Channel, error) {
		return h.Open(cfg.topic()), nil
	}
}

// Open attaches a new endpoint to topic. Messages published from then on
// are queued for it until Start is called.
func (h *LoopbackHub) Open(topic string) Channel {
	e := &loopbackEndpoint{
		hub:    h,
		topic:  topic,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[topic] == nil {
		h.endpoints[topic] = make(map[*loopbackEndpoint]struct{})
	}
	h.endpoints[topic][e] = struct{}{}
	return e
}

func (h *LoopbackHub) publish(topic string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode cohort message: %w", err)
	}

	h.mu.Lock()
	targets := make([]*loopbackEndpoint, 0, len(h.endpoints[topic]))
	for e := range h.endpoints[topic] {
		targets = append(targets, e)
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.enqueue(payload)
	}
	return nil
}

func (h *LoopbackHub) detach(e *loopbackEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[e.topic], e)
	if len(h.endpoints[e.topic]) == 0 {
		delete(h.endpoints, e.topic)
	}
}

type loopbackEndpoint struct {
	hub   *LoopbackHub
	topic string

	mu      sync.Mutex
	queue   [][]byte
	started bool
	closed  bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func (e *loopbackEndpoint) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return e.hub.publish(e.topic, msg)
}

func (e *loopbackEndpoint) enqueue(payload []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, payload)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *loopbackEndpoint) Start(fn func(Message)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrChannelClosed
	}
	if e.started {
		return errors.New("cohort channel already started")
	}
	e.started = true
	go e.run(fn)
	return nil
}

func (e *loopbackEndpoint) run(fn func(Message)) {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-e.signal:
		}
		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			payload := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()

			var msg Message
			if err := json.Unmarshal(payload, &msg); err == nil {
				fn(msg)
			}
		}
	}
}

func (e *loopbackEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	started := e.started
	e.mu.Unlock()

	e.hub.detach(e)
	close(e.stop)
	if started {
		<-e.done
	}
	return nil
}
