package kerberos

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"

	"github.com/dturbay/secmgr/internal/logger"
)

// keytabPollInterval is the interval at which the keytab file is polled for changes.
const keytabPollInterval = 60 * time.Second

// ParseKeytabPrincipal extracts the principal name of the first entry in
// the keytab at path.
//
// It is stateless and not session-scoped; the gateway uses it to derive a
// service identity from an operator-supplied keytab during configuration.
//
// Returns:
//   - string: Principal in "comp1/comp2@REALM" form
//   - error: If the file cannot be read, parsed, or holds no entries
func ParseKeytabPrincipal(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read keytab file: %w", err)
	}

	kt := keytab.New()
	if err := kt.Unmarshal(data); err != nil {
		return "", fmt.Errorf("parse keytab: %w", err)
	}

	if len(kt.Entries) == 0 {
		return "", fmt.Errorf("keytab %s has no entries", path)
	}

	p := kt.Entries[0].Principal
	name := strings.Join(p.Components, "/")
	if p.Realm != "" {
		name = name + "@" + p.Realm
	}
	return name, nil
}

// KeytabManager watches a keytab file for changes and triggers hot-reload.
//
// It polls the file modification time rather than using fsnotify because
// keytabs are typically replaced atomically (via rename) by key management
// tools like kadmin or k5srvutil, and polling handles that reliably across
// platforms.
//
// Thread Safety: All methods are safe for concurrent use.
type KeytabManager struct {
	path     string
	provider *Provider
	stopCh   chan struct{}
	mu       sync.Mutex
	lastMod  time.Time
}

// NewKeytabManager creates a new keytab file manager (not yet started).
func NewKeytabManager(path string, provider *Provider) *KeytabManager {
	return &KeytabManager{
		path:     path,
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling the keytab file for changes.
// It validates the file exists, records its initial modification time, then
// starts a background goroutine.
func (km *KeytabManager) Start() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	info, err := os.Stat(km.path)
	if err != nil {
		return fmt.Errorf("keytab file not accessible: %w", err)
	}

	km.lastMod = info.ModTime()

	go km.pollLoop()

	logger.Info("Keytab hot-reload started",
		logger.KeyKeytab, km.path,
		"poll_interval", keytabPollInterval.String(),
	)

	return nil
}

// Stop stops the polling goroutine.
//
// Safe to call multiple times or on a manager that was never started.
func (km *KeytabManager) Stop() {
	select {
	case <-km.stopCh:
		// Already stopped
	default:
		close(km.stopCh)
	}
}

// pollLoop runs the periodic file change check.
func (km *KeytabManager) pollLoop() {
	ticker := time.NewTicker(keytabPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			km.checkAndReload()
		case <-km.stopCh:
			return
		}
	}
}

// checkAndReload checks if the keytab file has changed and reloads if needed.
func (km *KeytabManager) checkAndReload() {
	km.mu.Lock()
	defer km.mu.Unlock()

	info, err := os.Stat(km.path)
	if err != nil {
		logger.Error("Keytab file stat failed",
			logger.KeyKeytab, km.path,
			logger.KeyError, err,
		)
		return
	}

	modTime := info.ModTime()
	if modTime.Equal(km.lastMod) {
		return // No change
	}

	if err := km.provider.ReloadKeytab(); err != nil {
		logger.Error("Keytab reload failed",
			logger.KeyKeytab, km.path,
			logger.KeyError, err,
		)
		return
	}

	km.lastMod = modTime
	logger.Info("Keytab reloaded successfully",
		logger.KeyKeytab, km.path,
	)
}

// resolveKeytabPath resolves the keytab path with environment variable override.
func resolveKeytabPath(configPath string) string {
	if envPath := os.Getenv("SECMGR_KERBEROS_KEYTAB"); envPath != "" {
		return envPath
	}
	return configPath
}

// resolveServicePrincipal resolves the service principal with environment variable override.
func resolveServicePrincipal(configPrincipal string) string {
	if envSPN := os.Getenv("SECMGR_KERBEROS_PRINCIPAL"); envSPN != "" {
		return envSPN
	}
	return configPrincipal
}

// resolveKrb5ConfPath resolves the krb5.conf path with environment variable override.
func resolveKrb5ConfPath(configPath string) string {
	if envPath := os.Getenv("SECMGR_KERBEROS_KRB5CONF"); envPath != "" {
		return envPath
	}
	if configPath != "" {
		return configPath
	}
	return "/etc/krb5.conf"
}
