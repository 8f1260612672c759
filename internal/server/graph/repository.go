// Package graph stores versioned instance records. Every accepted change
// appends a full snapshot; the newest snapshot of a guid is its current
// state.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/systemshift/omrs/pkg/omrs"
)

// RecordKind distinguishes the three stored instance shapes.
type RecordKind string

const (
	KindEntity       RecordKind = "entity"
	KindProxy        RecordKind = "proxy"
	KindRelationship RecordKind = "relationship"
)

var (
	// ErrNotFound is returned when no version of a guid is stored.
	ErrNotFound = errors.New("instance not found")
	// ErrHistoryNotSupported is returned by backends that keep current
	// state only.
	ErrHistoryNotSupported = errors.New("backend does not retain history")
)

// Record is one stored version of an instance. Exactly one of Entity,
// Proxy and Relationship is set, matching Kind.
type Record struct {
	Kind         RecordKind         `json:"kind"`
	Entity       *omrs.EntityDetail `json:"entity,omitempty"`
	Proxy        *omrs.EntityProxy  `json:"proxy,omitempty"`
	Relationship *omrs.Relationship `json:"relationship,omitempty"`
	ValidFrom    time.Time          `json:"validFrom"`
}

// EntityRecord wraps an entity version.
func EntityRecord(e *omrs.EntityDetail) *Record {
	return &Record{Kind: KindEntity, Entity: e, ValidFrom: validFrom(e.InstanceHeader)}
}

// ProxyRecord wraps a proxy version.
func ProxyRecord(p *omrs.EntityProxy) *Record {
	return &Record{Kind: KindProxy, Proxy: p, ValidFrom: validFrom(p.InstanceHeader)}
}

// RelationshipRecord wraps a relationship version.
func RelationshipRecord(r *omrs.Relationship) *Record {
	return &Record{Kind: KindRelationship, Relationship: r, ValidFrom: validFrom(r.InstanceHeader)}
}

func validFrom(h omrs.InstanceHeader) time.Time {
	if !h.UpdateTime.IsZero() {
		return h.UpdateTime
	}
	return h.CreateTime
}

// Header returns the header of the wrapped instance.
func (r *Record) Header() *omrs.InstanceHeader {
	switch r.Kind {
	case KindEntity:
		return &r.Entity.InstanceHeader
	case KindProxy:
		return &r.Proxy.InstanceHeader
	default:
		return &r.Relationship.InstanceHeader
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Entity = r.Entity.Clone()
	out.Proxy = r.Proxy.Clone()
	out.Relationship = r.Relationship.Clone()
	return &out
}

// Ends returns the entity guids of a relationship record.
func (r *Record) Ends() (string, string) {
	if r.Kind != KindRelationship {
		return "", ""
	}
	return r.Relationship.EndGUIDs()
}

// Filter narrows a scan. Zero values match everything.
type Filter struct {
	Kinds     []RecordKind
	TypeGUIDs []string
	HomeID    string
}

func (f Filter) matches(rec *Record) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, rec.Kind) {
		return false
	}
	h := rec.Header()
	if len(f.TypeGUIDs) > 0 && !containsString(f.TypeGUIDs, h.Type.TypeDefGUID) {
		return false
	}
	return f.HomeID == "" || h.MetadataCollectionID == f.HomeID
}

func containsKind(kinds []RecordKind, k RecordKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}

// Store is implemented by the instance storage backends. Returned records
// are copies the caller may modify.
type Store interface {
	Close(ctx context.Context) error
	// RetainsHistory reports whether AsOf, History and ScanAsOf work.
	RetainsHistory() bool

	// Current returns the newest version of guid, deleted or not.
	Current(ctx context.Context, guid string) (*Record, error)
	// AsOf returns the version of guid that was current at t.
	AsOf(ctx context.Context, guid string, t time.Time) (*Record, error)
	// History returns every stored version of guid, oldest first.
	History(ctx context.Context, guid string) ([]*Record, error)

	// Put appends rec as the new current version of its guid.
	Put(ctx context.Context, rec *Record) error
	// Purge removes every version of guid.
	Purge(ctx context.Context, guid string) error
	// Rename moves every version of guid to newGUID.
	Rename(ctx context.Context, guid, newGUID string) error

	// Scan calls fn with the current version of every matching instance
	// until fn returns false.
	Scan(ctx context.Context, f Filter, fn func(*Record) bool) error
	// ScanAsOf is Scan over the versions current at t.
	ScanAsOf(ctx context.Context, f Filter, t time.Time, fn func(*Record) bool) error
	// Relationships returns the current relationships with an end at
	// entityGUID.
	Relationships(ctx context.Context, entityGUID string) ([]*Record, error)
	// TypeInUse reports whether any current instance has the given type.
	TypeInUse(ctx context.Context, typeGUID string) (bool, error)
}
