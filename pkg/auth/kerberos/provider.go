package kerberos

import (
	"fmt"
	"os"
	"sync"
	"time"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"

	"github.com/dturbay/secmgr/internal/logger"
	"github.com/dturbay/secmgr/pkg/config"
)

// Provider manages the gateway's Kerberos keytab, krb5.conf, and service
// principal state. It is the shared Kerberos resource used by every
// session's delegation context.
//
// Thread Safety: All methods are safe for concurrent use. The keytab can be
// hot-reloaded at runtime via ReloadKeytab() without disrupting sessions
// that already hold delegated credentials.
type Provider struct {
	keytab           *keytab.Keytab
	krb5Conf         *krb5config.Config
	servicePrincipal string
	maxClockSkew     time.Duration
	keytabPath       string
	keytabManager    *KeytabManager
	mu               sync.RWMutex
}

// NewProvider creates a new Kerberos provider from configuration.
//
// The provider loads the keytab file and krb5.conf at startup, then starts
// a KeytabManager that polls for keytab file changes.
//
// Environment variables take precedence over config file values:
//   - SECMGR_KERBEROS_KEYTAB overrides KeytabPath
//   - SECMGR_KERBEROS_PRINCIPAL overrides ServicePrincipal
//   - SECMGR_KERBEROS_KRB5CONF overrides Krb5Conf
func NewProvider(cfg *config.KerberosConfig) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kerberos config is nil")
	}

	keytabPath := resolveKeytabPath(cfg.KeytabPath)
	if keytabPath == "" {
		return nil, fmt.Errorf("kerberos keytab path not configured (set keytab_path or SECMGR_KERBEROS_KEYTAB)")
	}

	servicePrincipal := resolveServicePrincipal(cfg.ServicePrincipal)
	if servicePrincipal == "" {
		return nil, fmt.Errorf("kerberos service principal not configured (set service_principal or SECMGR_KERBEROS_PRINCIPAL)")
	}

	krb5ConfPath := resolveKrb5ConfPath(cfg.Krb5Conf)

	kt, err := loadKeytab(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("load keytab %s: %w", keytabPath, err)
	}

	krbCfg, err := loadKrb5Conf(krb5ConfPath)
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf %s: %w", krb5ConfPath, err)
	}

	p := &Provider{
		keytab:           kt,
		krb5Conf:         krbCfg,
		servicePrincipal: servicePrincipal,
		maxClockSkew:     cfg.MaxClockSkew,
		keytabPath:       keytabPath,
	}

	// Create and start keytab manager for hot-reload
	km := NewKeytabManager(keytabPath, p)
	if err := km.Start(); err != nil {
		// Non-fatal: log warning but continue (hot-reload just won't work)
		logger.Warn("Keytab hot-reload failed to start, continuing without it",
			logger.KeyKeytab, keytabPath, logger.KeyError, err)
	}
	p.keytabManager = km

	return p, nil
}

// Keytab returns the current keytab (thread-safe read).
func (p *Provider) Keytab() *keytab.Keytab {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keytab
}

// ServicePrincipal returns the configured service principal name.
func (p *Provider) ServicePrincipal() string {
	return p.servicePrincipal
}

// MaxClockSkew returns the maximum allowed clock skew.
func (p *Provider) MaxClockSkew() time.Duration {
	return p.maxClockSkew
}

// Krb5Config returns the loaded Kerberos configuration.
func (p *Provider) Krb5Config() *krb5config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.krb5Conf
}

// ReloadKeytab re-reads the keytab file and atomically swaps it.
//
// This enables keytab rotation without server restart. Sessions with
// already-extracted delegations are unaffected; new delegations use the
// new keytab.
func (p *Provider) ReloadKeytab() error {
	kt, err := loadKeytab(p.keytabPath)
	if err != nil {
		return fmt.Errorf("reload keytab %s: %w", p.keytabPath, err)
	}

	p.mu.Lock()
	p.keytab = kt
	p.mu.Unlock()

	return nil
}

// Close stops the KeytabManager's polling goroutine. Safe to call multiple times.
func (p *Provider) Close() error {
	if p.keytabManager != nil {
		p.keytabManager.Stop()
	}
	return nil
}

// loadKeytab reads and parses a keytab file.
func loadKeytab(path string) (*keytab.Keytab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab file: %w", err)
	}

	kt := keytab.New()
	if err := kt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse keytab: %w", err)
	}

	return kt, nil
}

// loadKrb5Conf reads and parses a Kerberos configuration file.
func loadKrb5Conf(path string) (*krb5config.Config, error) {
	cfg, err := krb5config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse krb5.conf: %w", err)
	}

	return cfg, nil
}
