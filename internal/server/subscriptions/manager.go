package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/systemshift/omrs/pkg/omrs"
)

// EventEmitter is a function that receives events from the repository
type EventEmitter func(Event)

// ErrNotFound is returned for an unknown subscription id.
var ErrNotFound = errors.New("subscription not found")

// Config configures a Manager.
type Config struct {
	// Store persists subscriptions. Nil keeps them in memory only.
	Store    Store
	Notifier *Notifier
	// QueueSize bounds the events waiting to be processed. Defaults to
	// 1000. Once the queue is full EmitEvent waits for room.
	QueueSize int
	Logger    hclog.Logger
}

// Manager handles subscription lifecycle and event processing
type Manager struct {
	store         Store
	subscriptions map[string]*Subscription
	listeners     []EventEmitter
	eventChan     chan Event
	started       bool
	closed        bool
	sending       sync.WaitGroup
	stopping      chan struct{}
	notifier      *Notifier
	matcher       *Matcher
	logger        hclog.Logger
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager creates a new subscription manager
func NewManager(cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewNotifier(NotifierConfig{Logger: cfg.Logger})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         cfg.Store,
		subscriptions: make(map[string]*Subscription),
		eventChan:     make(chan Event, cfg.QueueSize),
		stopping:      make(chan struct{}),
		notifier:      cfg.Notifier,
		matcher:       NewMatcher(),
		logger:        cfg.Logger.Named("subscriptions"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start loads stored subscriptions and begins processing events.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadSubscriptions(ctx); err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.processEvents()

	m.logger.Info("subscription manager started", "subscriptions", len(m.subscriptions))
	return nil
}

// Stop drains queued events to the listeners, abandons pending webhook
// retries and waits for the workers to exit. Events still waiting for
// room in the queue are dropped if the manager was never started.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if !started {
		close(m.stopping)
	}
	m.sending.Wait()
	close(m.eventChan)

	m.cancel()
	m.wg.Wait()
	m.logger.Info("subscription manager stopped")
}

// EmitEvent queues an event. When the queue is full it blocks until the
// processing goroutine makes room, so no event is lost to a burst.
func (m *Manager) EmitEvent(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = omrs.Now()
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	m.sending.Add(1)
	m.mu.RUnlock()
	defer m.sending.Done()

	select {
	case m.eventChan <- event:
		return
	default:
	}
	m.logger.Warn("event queue full, waiting", "id", event.ID, "type", event.Type, "capacity", cap(m.eventChan))
	select {
	case m.eventChan <- event:
	case <-m.stopping:
		m.logger.Warn("manager stopped before start, dropping event", "id", event.ID, "type", event.Type)
	}
}

// GetEmitter returns a function that can be used to emit events
func (m *Manager) GetEmitter() EventEmitter {
	return m.EmitEvent
}

// Listen adds an in-process listener. Listeners receive every event in
// emission order on the processing goroutine. A slow listener holds back
// emitters once the queue fills; a listener must never emit itself.
func (m *Manager) Listen(fn EventEmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func validateSubscription(sub *Subscription) error {
	return validation.ValidateStruct(sub,
		validation.Field(&sub.Name, validation.Required),
		validation.Field(&sub.Webhook, validation.Required, validation.By(checkWebhook)),
	)
}

func checkWebhook(value interface{}) error {
	raw, _ := value.(string)
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

// Register adds a new subscription
func (m *Manager) Register(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	now := omrs.Now()
	sub := &Subscription{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Pattern:     req.Pattern,
		Webhook:     req.Webhook,
		Enabled:     true,
		Created:     now,
		Modified:    now,
	}
	if err := validateSubscription(sub); err != nil {
		return nil, fmt.Errorf("invalid subscription: %w", err)
	}

	if m.store != nil {
		if err := m.store.Save(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to persist subscription: %w", err)
		}
	}

	m.mu.Lock()
	m.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	m.logger.Info("registered subscription", "id", sub.ID, "name", sub.Name)
	return sub.copy(), nil
}

// Unregister removes a subscription
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscriptions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
	}
	delete(m.subscriptions, id)

	m.logger.Info("unregistered subscription", "id", id)
	return nil
}

// Update modifies an existing subscription
func (m *Manager) Update(ctx context.Context, id string, req *UpdateSubscriptionRequest) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.subscriptions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sub := current.copy()
	if req.Name != nil {
		sub.Name = *req.Name
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.Pattern != nil {
		sub.Pattern = *req.Pattern
	}
	if req.Webhook != nil {
		sub.Webhook = *req.Webhook
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	sub.Modified = omrs.Now()
	if err := validateSubscription(sub); err != nil {
		return nil, fmt.Errorf("invalid subscription: %w", err)
	}

	if m.store != nil {
		if err := m.store.Save(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
	}
	m.subscriptions[id] = sub
	return sub.copy(), nil
}

// Get returns a subscription by ID
func (m *Manager) Get(id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.subscriptions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub.copy(), nil
}

// List returns all subscriptions, oldest first.
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		result = append(result, sub.copy())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Created.Equal(result[j].Created) {
			return result[i].Created.Before(result[j].Created)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// processEvents is the main event processing loop
func (m *Manager) processEvents() {
	defer m.wg.Done()

	for event := range m.eventChan {
		m.handleEvent(event)
	}
}

// handleEvent passes an event to the listeners, then to every enabled
// subscription.
func (m *Manager) handleEvent(event Event) {
	m.mu.RLock()
	listeners := append([]EventEmitter(nil), m.listeners...)
	subs := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		if sub.Enabled {
			subs = append(subs, sub.copy())
		}
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
	for _, sub := range subs {
		m.evaluateSubscription(event, sub)
	}
}

// evaluateSubscription checks if an event matches a subscription and fires notification
func (m *Manager) evaluateSubscription(event Event, sub *Subscription) {
	if !m.matcher.Match(event, sub.Pattern) {
		return
	}

	now := omrs.Now()
	notification := Notification{
		SubscriptionID:   sub.ID,
		SubscriptionName: sub.Name,
		Event:            event,
		MatchedAt:        now,
	}

	m.mu.Lock()
	if s, exists := m.subscriptions[sub.ID]; exists {
		s.LastFired = &now
		s.FireCount++
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.notifier.SendWebhook(m.ctx, sub.Webhook, notification); err != nil {
			m.logger.Warn("webhook delivery abandoned", "subscription", sub.ID, "event", event.ID, "error", err)
		}
	}()

	m.logger.Debug("subscription fired", "subscription", sub.ID, "event", event.Type)
}

// loadSubscriptions loads all subscriptions from storage into memory
func (m *Manager) loadSubscriptions(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	subs, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range subs {
		m.subscriptions[sub.ID] = sub
	}

	return nil
}

func (s *Subscription) copy() *Subscription {
	out := *s
	if s.LastFired != nil {
		t := *s.LastFired
		out.LastFired = &t
	}
	return &out
}
