// Package repository implements the instance side of a cohort member: the
// home operations on entities, relationships and classifications, the
// reference copy protocol and the query engine. Every stored change goes
// through a graph.Store and is announced as a subscriptions.Event.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/internal/server/typedefs"
	"github.com/systemshift/omrs/pkg/omrs"
)

// Authorizer decides whether a user may perform an operation on an
// instance. A nil error allows it. Queries pass a nil instance.
type Authorizer interface {
	Authorize(ctx context.Context, userID, operation string, instance *omrs.InstanceHeader) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID, operation string, instance *omrs.InstanceHeader) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, userID, operation string, instance *omrs.InstanceHeader) error {
	return f(ctx, userID, operation, instance)
}

// Config configures a Repository.
type Config struct {
	MetadataCollectionID   string
	MetadataCollectionName string

	Store graph.Store
	Types *typedefs.Registry

	// ExtraStatuses are statuses this repository stores beyond DRAFT,
	// PREPARED, ACTIVE and DELETED.
	ExtraStatuses []omrs.InstanceStatus
	// DisableReferenceCopies refuses every reference copy operation.
	DisableReferenceCopies bool
	// RefreshTimeout is how long a refresh request may wait for its save
	// before it is reported as overdue. Defaults to one minute.
	RefreshTimeout time.Duration

	Authorizer Authorizer
	Events     subscriptions.EventEmitter
	Logger     hclog.Logger
}

// Repository is the local metadata collection.
type Repository struct {
	id             string
	name           string
	store          graph.Store
	types          *typedefs.Registry
	lifecycle      *lifecycleMachine
	refcopies      bool
	refreshTimeout time.Duration
	authorizer     Authorizer
	emit           subscriptions.EventEmitter
	locks          *keyedMutex
	logger         hclog.Logger

	pendingMu sync.Mutex
	pending   map[string]PendingRefresh
}

// New creates a Repository over the configured store. The store also
// becomes the registry's check for types still in use.
func New(cfg Config) (*Repository, error) {
	if cfg.MetadataCollectionID == "" {
		return nil, fmt.Errorf("metadata collection id is required")
	}
	if cfg.Store == nil || cfg.Types == nil {
		return nil, fmt.Errorf("store and type registry are required")
	}

	r := &Repository{
		id:             cfg.MetadataCollectionID,
		name:           cfg.MetadataCollectionName,
		store:          cfg.Store,
		types:          cfg.Types,
		lifecycle:      newLifecycleMachine(cfg.ExtraStatuses...),
		refcopies:      !cfg.DisableReferenceCopies,
		refreshTimeout: cfg.RefreshTimeout,
		authorizer:     cfg.Authorizer,
		emit:           cfg.Events,
		locks:          newKeyedMutex(),
		logger:         cfg.Logger,
		pending:        make(map[string]PendingRefresh),
	}
	if r.logger == nil {
		r.logger = hclog.NewNullLogger()
	}
	if r.refreshTimeout <= 0 {
		r.refreshTimeout = time.Minute
	}
	r.types.SetUsageChecker(r.store)
	return r, nil
}

// MetadataCollectionID returns the id of the local metadata collection.
func (r *Repository) MetadataCollectionID() string {
	return r.id
}

// MetadataCollectionName returns the name of the local metadata collection.
func (r *Repository) MetadataCollectionName() string {
	return r.name
}

// RetainsHistory reports whether history and as-of reads are available.
func (r *Repository) RetainsHistory() bool {
	return r.store.RetainsHistory()
}

// SetEventEmitter replaces the event sink.
func (r *Repository) SetEventEmitter(emit subscriptions.EventEmitter) {
	r.emit = emit
}

func (r *Repository) publish(event subscriptions.Event) {
	if r.emit == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = omrs.Now()
	r.emit(event)
}

func (r *Repository) authorize(ctx context.Context, userID, operation string, h *omrs.InstanceHeader) error {
	if r.authorizer == nil {
		return nil
	}
	err := r.authorizer.Authorize(ctx, userID, operation, h)
	if err == nil {
		return nil
	}
	if omrs.IsKind(err, omrs.KindUserNotAuthorized) {
		return err
	}
	return omrs.Errorf(omrs.KindUserNotAuthorized, "OMRS-REPO-403-001",
		"user %s is not permitted to %s", userID, operation).WithCause(err)
}

// isHome reports whether h may be changed by this repository.
func (r *Repository) isHome(h *omrs.InstanceHeader) bool {
	if h.MetadataCollectionID == r.id {
		return true
	}
	return h.InstanceProvenanceType == omrs.ProvenanceExternal && h.ReplicatedBy == r.id
}

func (r *Repository) checkHome(h *omrs.InstanceHeader, operation string) error {
	if r.isHome(h) {
		return nil
	}
	return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-030",
		"%s of instance %s is not permitted because it is homed in metadata collection %s",
		operation, h.GUID, h.MetadataCollectionID)
}

func checkUser(userID string) error {
	if userID == "" {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-001", "no user id supplied")
	}
	return nil
}

func checkGUID(guid, parameter string) error {
	if guid == "" {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no %s supplied", parameter)
	}
	return nil
}

// repositoryError wraps a storage failure.
func repositoryError(operation string, err error) error {
	return omrs.Errorf(omrs.KindRepositoryError, "OMRS-REPO-500-002",
		"%s failed: %s", operation, err.Error()).WithCause(err)
}

// record returns the newest stored version of guid, or nil.
func (r *Repository) record(ctx context.Context, guid string) (*graph.Record, error) {
	rec, err := r.store.Current(ctx, guid)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, repositoryError("reading "+guid, err)
	}
	return rec, nil
}

// put stores rec after prev, never letting validity move backwards.
func (r *Repository) put(ctx context.Context, rec, prev *graph.Record) error {
	if prev != nil && rec.ValidFrom.Before(prev.ValidFrom) {
		rec.ValidFrom = prev.ValidFrom
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return repositoryError("storing "+rec.Header().GUID, err)
	}
	return nil
}

// stamp marks h as changed by userID, one version after its current one.
func stamp(h *omrs.InstanceHeader, userID string) {
	now := omrs.Now()
	if last := lastChange(h); now.Before(last) {
		now = last
	}
	h.Version++
	h.UpdatedBy = userID
	h.UpdateTime = now
}

func lastChange(h *omrs.InstanceHeader) time.Time {
	if !h.UpdateTime.IsZero() {
		return h.UpdateTime
	}
	return h.CreateTime
}

// newHeader builds the header of an instance created here.
func (r *Repository) newHeader(userID string, it omrs.InstanceType, status omrs.InstanceStatus, sourceGUID, sourceName string) omrs.InstanceHeader {
	h := omrs.InstanceHeader{
		GUID:                   uuid.New().String(),
		Type:                   it,
		Status:                 status,
		Version:                1,
		CreatedBy:              userID,
		CreateTime:             omrs.Now(),
		MetadataCollectionID:   r.id,
		MetadataCollectionName: r.name,
		InstanceProvenanceType: omrs.ProvenanceLocalCohort,
	}
	if sourceGUID != "" {
		h.MetadataCollectionID = sourceGUID
		h.MetadataCollectionName = sourceName
		h.InstanceProvenanceType = omrs.ProvenanceExternal
		h.ReplicatedBy = r.id
	}
	return h
}

// checkAsOf validates a point-in-time read.
func (r *Repository) checkAsOf(asOf time.Time) error {
	if !r.store.RetainsHistory() {
		return omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-REPO-501-001",
			"this repository does not retain instance history")
	}
	if asOf.After(omrs.Now()) {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-050",
			"as of time %s is in the future", asOf.Format(time.RFC3339))
	}
	return nil
}

// keyedMutex serializes work per guid.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock locks key and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockPair locks two keys in a fixed order.
func (k *keyedMutex) LockPair(a, b string) func() {
	if b < a {
		a, b = b, a
	}
	unlockA := k.Lock(a)
	unlockB := k.Lock(b)
	return func() {
		unlockB()
		unlockA()
	}
}
