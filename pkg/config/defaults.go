package config

import (
	"os"
	"strings"
	"time"
)

// Default values for session and Kerberos configuration.
const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultReapInterval  = time.Minute
	DefaultMaxClockSkew  = 5 * time.Minute
	DefaultTicketTimeout = 10 * time.Second
	DefaultTokenCacheTTL = 5 * time.Minute
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", false) are replaced with defaults; explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	applyAPIDefaults(&cfg.API)
	applyMetricsDefaults(&cfg.Metrics)
	applySessionDefaults(&cfg.Session)
	applyKerberosDefaults(&cfg.Kerberos)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8600"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9600"
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	cfg.Backend = strings.ToLower(cfg.Backend)

	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
}

func applyKerberosDefaults(cfg *KerberosConfig) {
	if cfg.Krb5Conf == "" {
		cfg.Krb5Conf = "/etc/krb5.conf"
	}
	if cfg.CcacheDir == "" {
		cfg.CcacheDir = os.TempDir()
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.TicketTimeout == 0 {
		cfg.TicketTimeout = DefaultTicketTimeout
	}
	if cfg.TokenCacheTTL == 0 {
		cfg.TokenCacheTTL = DefaultTokenCacheTTL
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
