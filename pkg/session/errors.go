package session

import "errors"

var (
	// ErrSessionNotFound is returned when an operation addresses an
	// identifier with no live record. It signals cookie tampering, an
	// expiry race, or a caller bug; it is never retried internally.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrBackendUnavailable is returned when the underlying storage cannot
	// allocate, read, or remove records. Fatal for the operation in
	// progress and surfaced directly; retrying would likely repeat the
	// same resource failure.
	ErrBackendUnavailable = errors.New("session: backend unavailable")

	// ErrSessionExists is returned by Backend.Create on an identifier
	// collision. The manager resamples a fresh identifier.
	ErrSessionExists = errors.New("session: already exists")

	// ErrEmptyKey is returned when a value write names an empty key.
	// Writes reject it as a precondition violation; silently accepting it
	// could mask caller bugs.
	ErrEmptyKey = errors.New("session: empty key")
)
