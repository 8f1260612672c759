package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every version in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*Record
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]*Record)}
}

// Close implements Store.
func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// RetainsHistory implements Store.
func (m *MemoryStore) RetainsHistory() bool {
	return true
}

// Current implements Store.
func (m *MemoryStore) Current(ctx context.Context, guid string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[guid]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1].Clone(), nil
}

// AsOf implements Store.
func (m *MemoryStore) AsOf(ctx context.Context, guid string, t time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec := asOf(m.versions[guid], t); rec != nil {
		return rec.Clone(), nil
	}
	return nil, ErrNotFound
}

// asOf returns the newest version valid at t.
func asOf(versions []*Record, t time.Time) *Record {
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].ValidFrom.After(t)
	})
	if i == 0 {
		return nil
	}
	return versions[i-1]
}

// History implements Store.
func (m *MemoryStore) History(ctx context.Context, guid string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[guid]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*Record, len(versions))
	for i, v := range versions {
		out[i] = v.Clone()
	}
	return out, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, rec *Record) error {
	guid := rec.Header().GUID
	if guid == "" {
		return fmt.Errorf("record has no guid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[guid]
	if n := len(versions); n > 0 && versions[n-1].ValidFrom.After(rec.ValidFrom) {
		return fmt.Errorf("version of %s at %s precedes the current version", guid, rec.ValidFrom)
	}
	m.versions[guid] = append(versions, rec.Clone())
	return nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(ctx context.Context, guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[guid]; !ok {
		return ErrNotFound
	}
	delete(m.versions, guid)
	return nil
}

// Rename implements Store.
func (m *MemoryStore) Rename(ctx context.Context, guid, newGUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.versions[guid]
	if !ok {
		return ErrNotFound
	}
	if _, taken := m.versions[newGUID]; taken {
		return fmt.Errorf("guid %s is already stored", newGUID)
	}
	for _, v := range versions {
		v.Header().GUID = newGUID
	}
	m.versions[newGUID] = versions
	delete(m.versions, guid)
	return nil
}

// Scan implements Store.
func (m *MemoryStore) Scan(ctx context.Context, f Filter, fn func(*Record) bool) error {
	return m.scan(f, func(versions []*Record) *Record {
		return versions[len(versions)-1]
	}, fn)
}

// ScanAsOf implements Store.
func (m *MemoryStore) ScanAsOf(ctx context.Context, f Filter, t time.Time, fn func(*Record) bool) error {
	return m.scan(f, func(versions []*Record) *Record {
		return asOf(versions, t)
	}, fn)
}

func (m *MemoryStore) scan(f Filter, pick func([]*Record) *Record, fn func(*Record) bool) error {
	m.mu.RLock()
	var matched []*Record
	for _, versions := range m.versions {
		if rec := pick(versions); rec != nil && f.matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Header().GUID < matched[j].Header().GUID
	})
	for _, rec := range matched {
		if !fn(rec) {
			break
		}
	}
	return nil
}

// Relationships implements Store.
func (m *MemoryStore) Relationships(ctx context.Context, entityGUID string) ([]*Record, error) {
	var out []*Record
	err := m.Scan(ctx, Filter{Kinds: []RecordKind{KindRelationship}}, func(rec *Record) bool {
		if one, two := rec.Ends(); one == entityGUID || two == entityGUID {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}

// TypeInUse implements Store.
func (m *MemoryStore) TypeInUse(ctx context.Context, typeGUID string) (bool, error) {
	found := false
	err := m.Scan(ctx, Filter{TypeGUIDs: []string{typeGUID}}, func(*Record) bool {
		found = true
		return false
	})
	return found, err
}
