package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no live session exists for an id.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a save races another writer.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store persists sessions. Save performs a compare-and-swap on Version: the
// stored version must equal s.Version (zero for a new session). The returned
// session carries the incremented version.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, s Session, ttl time.Duration) (Session, error)
	Delete(ctx context.Context, id string) error
}

// Cache is a non-authoritative session copy kept in front of a Store.
type Cache interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Marshal encodes a session for storage.
func Marshal(s Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return raw, nil
}

// Unmarshal decodes a stored session.
func Unmarshal(raw []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

type memoryEntry struct {
	raw       []byte
	version   int64
	expiresAt time.Time
}

// MemoryStore keeps encoded sessions in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock sets the clock used for TTL checks.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) live(id string) (memoryEntry, bool) {
	entry, ok := m.entries[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, id)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	entry, ok := m.live(id)
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	return Unmarshal(entry.raw)
}

func (m *MemoryStore) Save(ctx context.Context, s Session, ttl time.Duration) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if entry, ok := m.live(s.ID); ok {
		current = entry.version
	}
	if current != s.Version {
		return Session{}, fmt.Errorf("%w: %s stored=%d given=%d", ErrVersionConflict, s.ID, current, s.Version)
	}

	saved := s
	saved.Version = current + 1
	raw, err := Marshal(saved)
	if err != nil {
		return Session{}, err
	}
	entry := memoryEntry{raw: raw, version: saved.Version}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[s.ID] = entry
	return saved, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Put stores s unconditionally so a MemoryStore can serve as a Cache.
func (m *MemoryStore) Put(ctx context.Context, s Session, ttl time.Duration) error {
	raw, err := Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{raw: raw, version: s.Version}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[s.ID] = entry
	return nil
}

// TieredStore reads through a cache in front of an authoritative store.
// Version checks are always decided by the primary.
type TieredStore struct {
	primary Store
	cache   Cache
	logf    func(string, ...any)
}

// NewTieredStore constructs a TieredStore. A nil cache disables caching.
func NewTieredStore(primary Store, cache Cache) *TieredStore {
	return &TieredStore{primary: primary, cache: cache, logf: log.Printf}
}

// WithLogger overrides the logger used for cache failures.
func (t *TieredStore) WithLogger(logf func(string, ...any)) *TieredStore {
	if logf != nil {
		t.logf = logf
	}
	return t
}

func (t *TieredStore) Get(ctx context.Context, id string) (Session, error) {
	if t.cache != nil {
		s, err := t.cache.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			t.logf("session cache get %s: %v", id, err)
		}
	}
	s, err := t.primary.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if ttl := time.Until(s.ExpiresAt); t.cache != nil && ttl > 0 {
		if err := t.cache.Put(ctx, s, ttl); err != nil {
			t.logf("session cache fill %s: %v", id, err)
		}
	}
	return s, nil
}

func (t *TieredStore) Save(ctx context.Context, s Session, ttl time.Duration) (Session, error) {
	saved, err := t.primary.Save(ctx, s, ttl)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) && t.cache != nil {
			if derr := t.cache.Delete(ctx, s.ID); derr != nil {
				t.logf("session cache invalidate %s: %v", s.ID, derr)
			}
		}
		return Session{}, err
	}
	if t.cache != nil {
		if err := t.cache.Put(ctx, saved, ttl); err != nil {
			t.logf("session cache put %s: %v", s.ID, err)
			if derr := t.cache.Delete(ctx, s.ID); derr != nil {
				t.logf("session cache invalidate %s: %v", s.ID, derr)
			}
		}
	}
	return saved, nil
}

// Delete removes the session from every tier, reporting all failures.
func (t *TieredStore) Delete(ctx context.Context, id string) error {
	var errs []error
	if t.cache != nil {
		if err := t.cache.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.primary.Delete(ctx, id); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
