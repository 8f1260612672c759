package cohort

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// Transports a cohort can be configured with.
const (
	TransportKafka    = "kafka"
	TransportLoopback = "loopback"
)

// CohortConfig describes one cohort this member may join.
type CohortConfig struct {
	Name      string   `yaml:"name" json:"name"`
	Transport string   `yaml:"transport" json:"transport"`
	Brokers   []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	// Topic defaults to "omrs.cohort.<name>".
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`
}

func (c CohortConfig) topic() string {
	if c.Topic != "" {
		return c.Topic
	}
	return "omrs.cohort." + c.Name
}

func (c CohortConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Transport, validation.Required, validation.In(TransportKafka, TransportLoopback)),
		validation.Field(&c.Brokers, validation.When(c.Transport == TransportKafka, validation.Required)),
	)
}

// Replicator is the repository surface the manager drives on behalf of
// peers.
type Replicator interface {
	SaveEntityReferenceCopy(ctx context.Context, userID string, entity *omrs.EntityDetail) error
	DeleteEntityReferenceCopy(ctx context.Context, userID string, entity *omrs.EntityDetail) error
	PurgeEntityReferenceCopy(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error
	SaveRelationshipReferenceCopy(ctx context.Context, userID string, rel *omrs.Relationship) error
	DeleteRelationshipReferenceCopy(ctx context.Context, userID string, rel *omrs.Relationship) error
	PurgeRelationshipReferenceCopy(ctx context.Context, userID string, req omrs.ReferenceCopyRequest) error
	GetEntityDetail(ctx context.Context, userID, guid string) (*omrs.EntityDetail, error)
	GetRelationship(ctx context.Context, userID, guid string) (*omrs.Relationship, error)
}

// Config configures a Manager.
type Config struct {
	// Local is the registration announced to every cohort. Its
	// RegistrationTime is set on first registration.
	Local      omrs.MemberRegistration
	Cohorts    []CohortConfig
	Channels   ChannelFactory
	Store      RegistryStore
	Replicator Replicator
	// UserID is the caller for reference copy operations made on behalf
	// of peers. Defaults to "omrs-cohort".
	UserID string
	// OutboxSize bounds events waiting to be published. Defaults to 1000.
	// HandleEvent waits for room once it is full.
	OutboxSize int
	Logger     hclog.Logger
}

// Manager tracks this member's cohorts. It announces the local
// registration, records peers, publishes changes to locally homed
// instances and applies the changes peers publish as reference copies.
type Manager struct {
	local      omrs.MemberRegistration
	channels   ChannelFactory
	store      RegistryStore
	replicator Replicator
	userID     string
	logger     hclog.Logger

	mu       sync.Mutex
	cohorts  map[string]*membership
	outbox   chan subscriptions.Event
	started  bool
	closed   bool
	sending  sync.WaitGroup
	stopping chan struct{} // releases senders when closed before Start

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	relayDone chan struct{}
}

type membership struct {
	cfg     CohortConfig
	status  string
	channel Channel
	local   *omrs.MemberRegistration
	remotes map[string]*omrs.MemberRegistration
	// attempt changes on every connect and disconnect so a stale connect
	// can tell it lost.
	attempt int
}

// NewManager validates cfg and creates a manager with every cohort in
// state NEW.
func NewManager(cfg Config) (*Manager, error) {
	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Local, validation.By(func(interface{}) error {
			return validation.Validate(cfg.Local.MetadataCollectionID, validation.Required)
		})),
		validation.Field(&cfg.Channels, validation.NotNil),
		validation.Field(&cfg.Replicator, validation.NotNil),
		validation.Field(&cfg.Cohorts),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid cohort configuration: %w", err)
	}
	if cfg.UserID == "" {
		cfg.UserID = "omrs-cohort"
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	cohorts := make(map[string]*membership, len(cfg.Cohorts))
	for _, c := range cfg.Cohorts {
		if _, dup := cohorts[c.Name]; dup {
			return nil, fmt.Errorf("cohort %s is configured twice", c.Name)
		}
		cohorts[c.Name] = &membership{
			cfg:     c,
			status:  omrs.CohortNew,
			remotes: make(map[string]*omrs.MemberRegistration),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		local:      cfg.Local,
		channels:   cfg.Channels,
		store:      cfg.Store,
		replicator: cfg.Replicator,
		userID:     cfg.UserID,
		logger:     cfg.Logger.Named("cohort"),
		cohorts:    cohorts,
		outbox:     make(chan subscriptions.Event, cfg.OutboxSize),
		ctx:        ctx,
		cancel:     cancel,
		relayDone:  make(chan struct{}),
		stopping:   make(chan struct{}),
	}, nil
}

// Start loads stored registrations and starts publishing events.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return errors.New("cohort manager already started")
	}
	m.started = true
	m.mu.Unlock()
	go m.relay()

	if m.store != nil {
		for name, c := range m.cohorts {
			local, remotes, err := m.store.LoadRegistrations(ctx, name)
			if err != nil {
				return fmt.Errorf("load registrations: %w", err)
			}
			m.mu.Lock()
			if local != nil && local.MetadataCollectionID == m.local.MetadataCollectionID {
				c.local = local
			}
			for _, reg := range remotes {
				c.remotes[reg.MetadataCollectionID] = reg
			}
			m.mu.Unlock()
			m.logger.Debug("loaded registrations", "cohort", name, "registered", local != nil, "remotes", len(remotes))
		}
	}
	return nil
}

// Close publishes queued events, disconnects every cohort and stops the
// manager. Registrations are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	names := make([]string, 0, len(m.cohorts))
	for name := range m.cohorts {
		names = append(names, name)
	}
	m.mu.Unlock()

	if !started {
		close(m.stopping)
	}
	m.sending.Wait()
	close(m.outbox)
	if started {
		<-m.relayDone
	}
	m.cancel()
	for _, name := range names {
		m.DisconnectFromCohort(name)
	}
	m.wg.Wait()
}

// GetCohortDescriptions describes every configured cohort, by name.
func (m *Manager) GetCohortDescriptions() []omrs.CohortDescription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]omrs.CohortDescription, 0, len(m.cohorts))
	for _, c := range m.cohorts {
		d := omrs.CohortDescription{
			CohortName:        c.cfg.Name,
			Transport:         c.cfg.Transport,
			Topic:             c.cfg.topic(),
			ConnectionStatus:  c.status,
			RemoteMemberCount: len(c.remotes),
		}
		if c.local != nil {
			d.LocalRegistration = c.local.RegistrationTime
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CohortName < out[j].CohortName })
	return out
}

// GetLocalRegistration returns this member's registration in a cohort, or
// nil when it has not registered.
func (m *Manager) GetLocalRegistration(cohort string) (*omrs.MemberRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cohorts[cohort]
	if !ok {
		return nil, unknownCohort(cohort)
	}
	if c.local == nil {
		return nil, nil
	}
	reg := *c.local
	return &reg, nil
}

// GetRemoteRegistrations returns the peers registered in a cohort, by
// metadata collection id.
func (m *Manager) GetRemoteRegistrations(cohort string) ([]*omrs.MemberRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cohorts[cohort]
	if !ok {
		return nil, unknownCohort(cohort)
	}
	out := make([]*omrs.MemberRegistration, 0, len(c.remotes))
	for _, reg := range c.remotes {
		r := *reg
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetadataCollectionID < out[j].MetadataCollectionID })
	return out, nil
}

// ConnectToCohort opens the cohort channel and announces the local
// registration in the background. It reports false when the cohort is not
// configured.
func (m *Manager) ConnectToCohort(cohort string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cohorts[cohort]
	if !ok || m.closed {
		return false
	}
	if c.status == omrs.CohortConnecting || c.status == omrs.CohortConnected {
		return true
	}
	c.status = omrs.CohortConnecting
	c.attempt++
	m.wg.Add(1)
	go m.connect(c, c.attempt)
	return true
}

// DisconnectFromCohort stops exchanging messages with a cohort. The local
// registration and known peers are kept for the next connect.
func (m *Manager) DisconnectFromCohort(cohort string) bool {
	m.mu.Lock()
	c, ok := m.cohorts[cohort]
	if !ok {
		m.mu.Unlock()
		return false
	}
	ch := c.channel
	c.channel = nil
	c.attempt++
	if c.status != omrs.CohortNew || ch != nil {
		c.status = omrs.CohortDisconnected
	}
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
		m.logger.Info("disconnected from cohort", "cohort", cohort)
	}
	return true
}

// UnregisterFromCohort tells the cohort this member is leaving, then
// forgets the local registration and every peer.
func (m *Manager) UnregisterFromCohort(cohort string) bool {
	m.mu.Lock()
	c, ok := m.cohorts[cohort]
	if !ok {
		m.mu.Unlock()
		return false
	}
	ch := c.channel
	local := c.local
	cfg := c.cfg
	c.channel = nil
	c.local = nil
	c.remotes = make(map[string]*omrs.MemberRegistration)
	c.attempt++
	c.status = omrs.CohortDisconnected
	m.mu.Unlock()

	if local != nil {
		if ch == nil {
			var err error
			if ch, err = m.channels(cfg); err != nil {
				m.logger.Warn("cannot open cohort channel to unregister", "cohort", cohort, "error", err)
			}
		}
		if ch != nil {
			msg := m.message(cohort, MessageUnregistration)
			if err := ch.Publish(m.ctx, msg); err != nil {
				m.logger.Warn("unregistration not delivered", "cohort", cohort, "error", err)
			}
		}
	}
	if ch != nil {
		ch.Close()
	}
	if m.store != nil {
		if err := m.store.DeleteCohort(m.ctx, cohort); err != nil {
			m.logger.Warn("failed to forget cohort registrations", "cohort", cohort, "error", err)
		}
	}
	m.logger.Info("unregistered from cohort", "cohort", cohort)
	return true
}

func (m *Manager) connect(c *membership, attempt int) {
	defer m.wg.Done()
	name := c.cfg.Name

	fail := func(ch Channel, err error) {
		m.logger.Error("failed to connect to cohort", "cohort", name, "error", err)
		m.mu.Lock()
		if c.attempt == attempt {
			c.status = omrs.CohortDisconnected
			c.channel = nil
		}
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
	}

	ch, err := m.channels(c.cfg)
	if err != nil {
		fail(nil, err)
		return
	}
	if err := ch.Start(func(msg Message) { m.receive(c, msg) }); err != nil {
		fail(ch, err)
		return
	}

	m.mu.Lock()
	if c.attempt != attempt {
		m.mu.Unlock()
		ch.Close()
		return
	}
	c.channel = ch
	reg := m.local
	if c.local != nil {
		reg.RegistrationTime = c.local.RegistrationTime
	} else {
		reg.RegistrationTime = omrs.Now()
	}
	c.local = &reg
	m.mu.Unlock()

	m.persist(name, true, &reg)
	msg := m.message(name, MessageRegistration)
	msg.Registration = &reg
	if err := ch.Publish(m.ctx, msg); err != nil {
		fail(ch, err)
		return
	}

	m.mu.Lock()
	if c.attempt == attempt {
		c.status = omrs.CohortConnected
	}
	m.mu.Unlock()
	m.logger.Info("connected to cohort", "cohort", name, "topic", c.cfg.topic())
}

func (m *Manager) receive(c *membership, msg Message) {
	name := c.cfg.Name
	if err := msg.Validate(); err != nil {
		m.logger.Warn("dropping malformed cohort message", "cohort", name, "id", msg.ID, "error", err)
		return
	}
	if msg.Sender == m.local.MetadataCollectionID {
		return
	}
	if msg.Cohort != name {
		m.logger.Warn("dropping message for another cohort", "cohort", name, "addressed", msg.Cohort, "sender", msg.Sender)
		return
	}

	switch msg.Type {
	case MessageRegistration, MessageReRegistration:
		reg := *msg.Registration
		m.mu.Lock()
		c.remotes[reg.MetadataCollectionID] = &reg
		ch := c.channel
		registered := c.local != nil
		var local omrs.MemberRegistration
		if registered {
			local = *c.local
		}
		m.mu.Unlock()

		m.persist(name, false, &reg)
		m.logger.Info("member registered", "cohort", name, "member", reg.MetadataCollectionID, "server", reg.ServerName)

		if msg.Type == MessageRegistration && ch != nil && registered {
			reply := m.message(name, MessageReRegistration)
			reply.Registration = &local
			if err := ch.Publish(m.ctx, reply); err != nil {
				m.logger.Warn("re-registration not delivered", "cohort", name, "error", err)
			}
		}

	case MessageUnregistration:
		m.mu.Lock()
		delete(c.remotes, msg.Sender)
		m.mu.Unlock()
		if m.store != nil {
			if err := m.store.DeleteRegistration(m.ctx, name, msg.Sender); err != nil {
				m.logger.Warn("failed to forget member", "cohort", name, "member", msg.Sender, "error", err)
			}
		}
		m.logger.Info("member unregistered", "cohort", name, "member", msg.Sender)

	case MessageInstanceEvent:
		m.mu.Lock()
		_, known := c.remotes[msg.Sender]
		m.mu.Unlock()
		if !known {
			m.logger.Warn("dropping event from unregistered member", "cohort", name, "sender", msg.Sender, "event", msg.Event.Type)
			return
		}
		m.apply(c, msg.Sender, *msg.Event)
	}
}

func (m *Manager) persist(cohort string, local bool, reg *omrs.MemberRegistration) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRegistration(m.ctx, cohort, local, reg); err != nil {
		m.logger.Warn("failed to store registration", "cohort", cohort, "member", reg.MetadataCollectionID, "error", err)
	}
}

func (m *Manager) message(cohort string, t MessageType) Message {
	return Message{
		ID:     uuid.New().String(),
		Type:   t,
		Cohort: cohort,
		Sender: m.local.MetadataCollectionID,
		SentAt: omrs.Now(),
	}
}

func unknownCohort(name string) error {
	return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-COHORT-400-001",
		"cohort %s is not configured on this server", name).WithProperty("cohortName", name)
}
