package session

import (
	"context"
	"time"
)

// Kind tags how a stored value was written, so string and binary accessors
// can share one storage representation.
type Kind uint8

const (
	// KindString marks a value written through the string accessors.
	KindString Kind = iota
	// KindBinary marks a value written through the binary accessors.
	KindBinary
)

// Value is the single tagged byte-sequence type stored under a session key.
// String values are the UTF-8 bytes of the string; the tag records which
// accessor family wrote them.
type Value struct {
	Kind  Kind
	Bytes []byte
}

// Backend is the storage capability behind the session manager. Exactly one
// implementation is selected from configuration at process start.
//
// Touch semantics: Age, KeyExists, Get, and Set count as session activity
// and refresh the idle clock. Exists deliberately does not, so liveness
// probes cannot keep a session alive forever.
//
// Implementations map storage-level failures to ErrBackendUnavailable and
// missing records to ErrSessionNotFound.
type Backend interface {
	// Create inserts a new empty record under id. Returns ErrSessionExists
	// if the identifier is already taken.
	Create(ctx context.Context, id string, now time.Time) error

	// Exists reports whether id names a live record, without touching it.
	Exists(ctx context.Context, id string) (bool, error)

	// Age returns the time elapsed since the record was created.
	Age(ctx context.Context, id string) (time.Duration, error)

	// KeyExists reports whether key holds a value in the session.
	KeyExists(ctx context.Context, id, key string) (bool, error)

	// Set writes a value under key, overwriting any previous value.
	Set(ctx context.Context, id, key string, v Value) error

	// Get reads the value under key. The boolean is false when the key has
	// never been written (a live session with an absent key is not an error).
	Get(ctx context.Context, id, key string) (Value, bool, error)

	// Delete removes the record. The boolean reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// IdleEntry is a reaper snapshot of one session's idle state.
type IdleEntry struct {
	ID         string
	LastAccess time.Time
}

// Sweeper is implemented by backends that need an in-process reaper. The
// Redis backend is not a Sweeper: record expiry there is native TTL.
type Sweeper interface {
	// SnapshotIdle returns the ids and last-access times of sessions idle
	// longer than ttl, taken under a brief store-wide lock.
	SnapshotIdle(ttl time.Duration) []IdleEntry

	// DeleteIfIdle removes id only if its last access has not advanced past
	// seen, re-verified under the record lock. Returns whether it deleted.
	DeleteIfIdle(id string, seen time.Time) bool
}
