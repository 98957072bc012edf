package config

import (
	"fmt"
	"os"
)

// Validate checks the configuration for invalid or inconsistent values.
// It is called after ApplyDefaults, so zero values have been filled in.
func Validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level: invalid level %q (expected DEBUG, INFO, WARN, or ERROR)", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: invalid format %q (expected text or json)", cfg.Logging.Format)
	}

	switch cfg.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("session.backend: unknown backend %q (expected memory or redis)", cfg.Session.Backend)
	}

	if cfg.Session.IdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl: must be positive, got %s", cfg.Session.IdleTTL)
	}
	if cfg.Session.ReapInterval <= 0 {
		return fmt.Errorf("session.reap_interval: must be positive, got %s", cfg.Session.ReapInterval)
	}
	if cfg.Session.Backend == "redis" && cfg.Session.Redis.Addr == "" {
		return fmt.Errorf("session.redis.addr: required for redis backend")
	}

	if cfg.Kerberos.Enabled {
		// The provider honors env overrides, so either source satisfies the
		// requirement.
		if cfg.Kerberos.KeytabPath == "" && os.Getenv("SECMGR_KERBEROS_KEYTAB") == "" {
			return fmt.Errorf("kerberos.keytab_path: required when kerberos is enabled (or set SECMGR_KERBEROS_KEYTAB)")
		}
		if cfg.Kerberos.ServicePrincipal == "" && os.Getenv("SECMGR_KERBEROS_PRINCIPAL") == "" {
			return fmt.Errorf("kerberos.service_principal: required when kerberos is enabled (or set SECMGR_KERBEROS_PRINCIPAL)")
		}
		if cfg.Kerberos.TicketTimeout <= 0 {
			return fmt.Errorf("kerberos.ticket_timeout: must be positive, got %s", cfg.Kerberos.TicketTimeout)
		}
	}

	return nil
}
