package session

import (
	"context"
	"sync"
	"time"
)

// record is one in-memory session. All field access is serialized under mu;
// the store-wide lock in MemoryBackend covers only map-structure edits.
type record struct {
	mu         sync.Mutex
	created    time.Time
	lastAccess time.Time
	values     map[string]Value
}

// MemoryBackend keeps sessions in a process-local map. Unrelated sessions
// never block each other: each record carries its own mutex, and the
// store-wide RWMutex is held only for map inserts, lookups, and removals.
//
// MemoryBackend implements Sweeper; idle records are removed by the reaper.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*record

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewMemoryBackend creates an empty in-process session store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*record),
		now:      time.Now,
	}
}

// Create inserts a new empty record under id.
func (m *MemoryBackend) Create(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return ErrSessionExists
	}
	m.sessions[id] = &record{
		created:    now,
		lastAccess: now,
		values:     make(map[string]Value),
	}
	return nil
}

// Exists reports record liveness without touching the idle clock.
func (m *MemoryBackend) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok, nil
}

// lookup returns the record for id, or nil.
func (m *MemoryBackend) lookup(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Age returns time since creation and counts as activity.
func (m *MemoryBackend) Age(_ context.Context, id string) (time.Duration, error) {
	r := m.lookup(id)
	if r == nil {
		return 0, ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := m.now()
	r.lastAccess = now
	return now.Sub(r.created), nil
}

// KeyExists reports whether key holds a value and counts as activity.
func (m *MemoryBackend) KeyExists(_ context.Context, id, key string) (bool, error) {
	r := m.lookup(id)
	if r == nil {
		return false, ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = m.now()
	_, ok := r.values[key]
	return ok, nil
}

// Set writes a value under key and counts as activity.
func (m *MemoryBackend) Set(_ context.Context, id, key string, v Value) error {
	r := m.lookup(id)
	if r == nil {
		return ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = m.now()
	r.values[key] = v
	return nil
}

// Get reads the value under key and counts as activity.
func (m *MemoryBackend) Get(_ context.Context, id, key string) (Value, bool, error) {
	r := m.lookup(id)
	if r == nil {
		return Value{}, false, ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = m.now()
	v, ok := r.values[key]
	return v, ok, nil
}

// Delete removes the record.
func (m *MemoryBackend) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

// Close is a no-op for the in-process store.
func (m *MemoryBackend) Close() error {
	return nil
}

// Len returns the number of live sessions.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SnapshotIdle enumerates sessions idle longer than ttl. It holds the
// store-wide lock only for the scan; per-record idle times are read under
// each record's lock.
func (m *MemoryBackend) SnapshotIdle(ttl time.Duration) []IdleEntry {
	cutoff := m.now().Add(-ttl)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []IdleEntry
	for id, r := range m.sessions {
		r.mu.Lock()
		last := r.lastAccess
		r.mu.Unlock()
		if last.Before(cutoff) {
			idle = append(idle, IdleEntry{ID: id, LastAccess: last})
		}
	}
	return idle
}

// DeleteIfIdle removes id only if its last access has not advanced past
// seen. A request that touched the session between snapshot and delete
// wins, and the record survives.
func (m *MemoryBackend) DeleteIfIdle(id string, seen time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.sessions[id]
	if !ok {
		return false
	}

	r.mu.Lock()
	touched := r.lastAccess.After(seen)
	r.mu.Unlock()

	if touched {
		return false
	}
	delete(m.sessions, id)
	return true
}
