package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dturbay/secmgr/internal/logger"
	"github.com/dturbay/secmgr/pkg/auth/kerberos"
)

// createRetries bounds identifier resampling on the (cosmically unlikely)
// collision of two 128-bit identifiers.
const createRetries = 4

// KerberosSettings carries the per-session delegation parameters the
// manager needs from configuration.
type KerberosSettings struct {
	// CcacheDir is where per-session credential cache files are written.
	CcacheDir string

	// TicketTimeout bounds a single ticket-authority exchange.
	TicketTimeout time.Duration

	// TokenCacheTTL bounds reuse of an already issued service token.
	TokenCacheTTL time.Duration
}

// Manager is the session manager: the single object request handlers use
// for session lookup, per-session key/value storage, and Kerberos
// delegation.
//
// Kerberos contexts are node-local (the credential cache is a local file),
// so they live here rather than in the backend, keyed by session id. A
// context is destroyed exactly once: removal from the map under kmu decides
// the single winner, and the file delete happens after the lock is dropped.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	backend Backend
	metrics *Metrics

	provider *kerberos.Provider
	krb      KerberosSettings

	kmu       sync.RWMutex
	kcontexts map[string]*kerberos.Context
}

// NewManager creates a session manager over the given backend.
//
// provider may be nil, which disables the Kerberos subsystem: delegation
// operations then report absent results instead of failing.
func NewManager(backend Backend, provider *kerberos.Provider, krb KerberosSettings, metrics *Metrics) *Manager {
	return &Manager{
		backend:   backend,
		metrics:   metrics,
		provider:  provider,
		krb:       krb,
		kcontexts: make(map[string]*kerberos.Context),
	}
}

// CreateSession allocates a fresh session and returns its identifier.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	for i := 0; i < createRetries; i++ {
		id, err := newSessionID()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		err = m.backend.Create(ctx, id, time.Now())
		if errors.Is(err, ErrSessionExists) {
			continue
		}
		if err != nil {
			return "", err
		}

		m.metrics.RecordCreation()
		logger.Debug("Session created", logger.KeySessionID, id)
		return id, nil
	}
	return "", fmt.Errorf("%w: session id space exhausted", ErrBackendUnavailable)
}

// SessionExists reports whether id names a live session. Deliberately not
// an activity touch, so liveness probes cannot keep sessions alive.
func (m *Manager) SessionExists(ctx context.Context, id string) (bool, error) {
	return m.backend.Exists(ctx, id)
}

// SessionAge returns the time since the session was created. Counts as
// activity.
func (m *Manager) SessionAge(ctx context.Context, id string) (time.Duration, error) {
	return m.backend.Age(ctx, id)
}

// KeyExists reports whether key holds a value in the session. Counts as
// activity. An empty key never exists; like the read accessors, it is
// answered rather than rejected.
func (m *Manager) KeyExists(ctx context.Context, id, key string) (bool, error) {
	if key == "" {
		return m.requireSession(ctx, id)
	}
	return m.backend.KeyExists(ctx, id, key)
}

// SetValue stores a string value under key. A nil-equivalent (empty) value
// is stored as the empty string; an empty key is rejected.
func (m *Manager) SetValue(ctx context.Context, id, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return m.backend.Set(ctx, id, key, Value{Kind: KindString, Bytes: []byte(value)})
}

// GetValue returns the string value under key. The boolean is false when
// the key has never been written (including the empty key, which can never
// be written).
func (m *Manager) GetValue(ctx context.Context, id, key string) (string, bool, error) {
	if key == "" {
		if _, err := m.requireSession(ctx, id); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	v, ok, err := m.backend.Get(ctx, id, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(v.Bytes), true, nil
}

// SetValueBin stores a binary value under key. A nil slice is stored as an
// empty value; an empty key is rejected.
func (m *Manager) SetValueBin(ctx context.Context, id, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if value == nil {
		value = []byte{}
	}
	return m.backend.Set(ctx, id, key, Value{Kind: KindBinary, Bytes: value})
}

// GetValueBin returns the binary value under key.
func (m *Manager) GetValueBin(ctx context.Context, id, key string) ([]byte, bool, error) {
	if key == "" {
		if _, err := m.requireSession(ctx, id); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	v, ok, err := m.backend.Get(ctx, id, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.Bytes, true, nil
}

// DeleteSession removes the session and cascades to its Kerberos context,
// deleting the credential cache file exactly once.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	existed, err := m.backend.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !existed {
		return ErrSessionNotFound
	}

	m.destroyKerberosContext(id)
	m.metrics.RecordDeletion("explicit")
	logger.Debug("Session deleted", logger.KeySessionID, id)
	return nil
}

// StoreKrb5Identity validates a client-presented negotiation token,
// extracts the delegated principal, materializes its credential cache, and
// attaches the delegation to the session.
//
// Returns the principal name, or "" when the token is malformed, expired,
// or carries no delegation: those are expected, recoverable outcomes and
// leave any previously stored identity untouched. Fails with
// ErrSessionNotFound if id is unknown.
func (m *Manager) StoreKrb5Identity(ctx context.Context, id string, token []byte) (string, error) {
	if _, err := m.requireSession(ctx, id); err != nil {
		return "", err
	}

	if m.provider == nil {
		return "", nil
	}

	d, err := m.provider.ExtractDelegation(token)
	if err != nil {
		m.metrics.RecordDelegationStored(false)
		logger.Info("Delegation extraction failed",
			logger.KeySessionID, id,
			logger.KeyError, err,
		)
		return "", nil
	}

	kctx, err := kerberos.NewContext(m.provider, id, d, m.krb.CcacheDir)
	if err != nil {
		m.metrics.RecordDelegationStored(false)
		logger.Warn("Credential cache materialization failed",
			logger.KeySessionID, id,
			logger.KeyError, err,
		)
		return "", nil
	}

	m.kmu.Lock()
	old := m.kcontexts[id]
	m.kcontexts[id] = kctx
	m.kmu.Unlock()

	if old != nil {
		_ = old.Destroy()
	}

	m.metrics.RecordDelegationStored(true)
	logger.Info("Stored delegated identity",
		logger.KeySessionID, id,
		logger.KeyPrincipal, d.Principal,
	)
	return d.Principal, nil
}

// GetKrb5TokenForServer returns a base64-encoded service token for the
// named backend server, issued (or reused from cache) on behalf of the
// session's delegated principal.
//
// Returns "" when no identity is stored or issuance fails; delegated access
// is an optional enhancement, so failures here are soft. Fails with
// ErrSessionNotFound if id is unknown.
func (m *Manager) GetKrb5TokenForServer(ctx context.Context, id, server string) (string, error) {
	kctx, err := m.kerberosContext(ctx, id)
	if err != nil {
		return "", err
	}
	if kctx == nil {
		return "", nil
	}

	token, err := kctx.TokenForServer(ctx, server, m.krb.TicketTimeout, m.krb.TokenCacheTTL)
	if err != nil {
		m.metrics.RecordTokenIssued("failure")
		logger.Info("Service token issuance failed",
			logger.KeySessionID, id,
			logger.KeyServer, server,
			logger.KeyError, err,
		)
		return "", nil
	}

	m.metrics.RecordTokenIssued("success")
	return token, nil
}

// GetKrb5Identity returns the session's stored principal name, or "" when
// none is stored. Fails with ErrSessionNotFound if id is unknown.
func (m *Manager) GetKrb5Identity(ctx context.Context, id string) (string, error) {
	kctx, err := m.kerberosContext(ctx, id)
	if err != nil || kctx == nil {
		return "", err
	}
	return kctx.Principal(), nil
}

// GetKrb5CcacheFilename returns the session's credential cache path, or ""
// when no identity is stored. Fails with ErrSessionNotFound if id is
// unknown.
func (m *Manager) GetKrb5CcacheFilename(ctx context.Context, id string) (string, error) {
	kctx, err := m.kerberosContext(ctx, id)
	if err != nil || kctx == nil {
		return "", err
	}
	return kctx.CcachePath(), nil
}

// ParseKrb5Keytab extracts the principal name of the first entry in the
// keytab at path. Stateless and not session-scoped; a missing or malformed
// keytab reports "" rather than an error.
func (m *Manager) ParseKrb5Keytab(path string) string {
	principal, err := kerberos.ParseKeytabPrincipal(path)
	if err != nil {
		logger.Info("Keytab parse failed",
			logger.KeyKeytab, path,
			logger.KeyError, err,
		)
		return ""
	}
	return principal
}

// Krb5ServerName returns the gateway's own configured service principal if
// the Kerberos subsystem is enabled, else "".
func (m *Manager) Krb5ServerName() string {
	if m.provider == nil {
		return ""
	}
	return m.provider.ServicePrincipal()
}

// Sweep removes idle sessions and orphaned Kerberos contexts. Called
// periodically by the Reaper.
//
// For backends implementing Sweeper the delete is optimistic: the idle
// snapshot is taken under the store-wide lock, then each candidate is
// re-verified under its record lock before removal, so a request that
// touched the session in between wins. Backends with native expiry (Redis)
// skip that phase; Sweep still reconciles the node-local Kerberos contexts
// against surviving sessions so credential caches of expired sessions are
// cleaned up.
func (m *Manager) Sweep(ctx context.Context, idleTTL time.Duration) int {
	start := time.Now()
	reaped := 0

	if sweeper, ok := m.backend.(Sweeper); ok {
		for _, entry := range sweeper.SnapshotIdle(idleTTL) {
			if sweeper.DeleteIfIdle(entry.ID, entry.LastAccess) {
				m.destroyKerberosContext(entry.ID)
				m.metrics.RecordDeletion("reaped")
				reaped++
			}
		}
	}

	m.sweepOrphanedContexts(ctx)

	if reaped > 0 {
		logger.Info("Reaped idle sessions", logger.KeyCount, reaped)
	}
	m.metrics.RecordSweep(time.Since(start), reaped)
	return reaped
}

// sweepOrphanedContexts destroys Kerberos contexts whose session no longer
// exists in the backend (expired natively, or deleted by another node).
func (m *Manager) sweepOrphanedContexts(ctx context.Context) {
	m.kmu.RLock()
	ids := make([]string, 0, len(m.kcontexts))
	for id := range m.kcontexts {
		ids = append(ids, id)
	}
	m.kmu.RUnlock()

	for _, id := range ids {
		exists, err := m.backend.Exists(ctx, id)
		if err != nil || exists {
			continue
		}
		m.destroyKerberosContext(id)
	}
}

// Close shuts down the manager: backend connections are released. Live
// credential cache files are left in place; they are reclaimed by session
// expiry on the next process or by tmp cleanup.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// requireSession maps absence to ErrSessionNotFound for operations that
// have nothing else to read. Always returns false with a nil error.
func (m *Manager) requireSession(ctx context.Context, id string) (bool, error) {
	exists, err := m.backend.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrSessionNotFound
	}
	return false, nil
}

// kerberosContext returns the session's delegation context, nil when none
// is attached, or ErrSessionNotFound when the session itself is gone.
func (m *Manager) kerberosContext(ctx context.Context, id string) (*kerberos.Context, error) {
	if _, err := m.requireSession(ctx, id); err != nil {
		return nil, err
	}

	m.kmu.RLock()
	defer m.kmu.RUnlock()
	return m.kcontexts[id], nil
}

// destroyKerberosContext removes and destroys the session's delegation
// context. The map delete under kmu picks a single winner, so the
// credential cache file is removed exactly once.
func (m *Manager) destroyKerberosContext(id string) {
	m.kmu.Lock()
	kctx := m.kcontexts[id]
	delete(m.kcontexts, id)
	m.kmu.Unlock()

	if kctx != nil {
		_ = kctx.Destroy()
	}
}
