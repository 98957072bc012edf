// Package config loads and validates the secmgr configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SECMGR_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the secmgr server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// API contains the HTTP control API configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Session contains session store and expiration configuration
	Session SessionConfig `mapstructure:"session" yaml:"session"`

	// Kerberos contains the delegation subsystem configuration.
	// When disabled, the krb5 session operations report no identity.
	// Environment variable overrides:
	//   SECMGR_KERBEROS_KEYTAB overrides KeytabPath
	//   SECMGR_KERBEROS_PRINCIPAL overrides ServicePrincipal
	//   SECMGR_KERBEROS_KRB5CONF overrides Krb5Conf
	Kerberos KerberosConfig `mapstructure:"kerberos" yaml:"kerberos"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the output format: text or json
	Format string `mapstructure:"format" yaml:"format"`

	// Output is the log destination: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// APIConfig contains the HTTP control API configuration.
type APIConfig struct {
	// ListenAddr is the bind address for the control API.
	// Default: 127.0.0.1:8600 (loopback only; the API is unauthenticated
	// and intended for gateway request handlers on the same host)
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// RequestTimeout bounds the processing time of a single API request
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	// Enabled controls whether the /metrics endpoint is served
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddr is the bind address for the metrics server
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SessionConfig contains session store and expiration configuration.
type SessionConfig struct {
	// Backend selects the store backend: "memory" or "redis".
	// The backend is chosen once at startup; there is no runtime discovery.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// IdleTTL is the maximum idle time before a session is reaped.
	// Idle time is measured from the last successful operation against
	// the session. Default: 30m
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`

	// ReapInterval is how often the reaper scans for idle sessions.
	// Only used by backends without native expiry (memory). Default: 1m
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`

	// Redis configures the redis backend. Ignored for backend=memory.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig contains redis backend connection settings.
type RedisConfig struct {
	// Addr is the redis server address (host:port)
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Password is the redis AUTH password (empty for none)
	Password string `mapstructure:"password" yaml:"password"`

	// DB is the redis database number
	DB int `mapstructure:"db" yaml:"db"`
}

// KerberosConfig contains the Kerberos delegation subsystem configuration.
type KerberosConfig struct {
	// Enabled controls whether delegated credentials are processed.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// KeytabPath is the path to the gateway's keytab file. The keytab
	// must contain the service principal's key.
	// Override: SECMGR_KERBEROS_KEYTAB
	KeytabPath string `mapstructure:"keytab_path" yaml:"keytab_path"`

	// ServicePrincipal is the gateway's own service principal name (SPN).
	// Format: HTTP/hostname@REALM
	// Override: SECMGR_KERBEROS_PRINCIPAL
	ServicePrincipal string `mapstructure:"service_principal" yaml:"service_principal"`

	// Krb5Conf is the path to the Kerberos configuration file.
	// Default: /etc/krb5.conf
	Krb5Conf string `mapstructure:"krb5_conf" yaml:"krb5_conf"`

	// CcacheDir is the directory where per-session credential cache
	// files are materialized. Default: os.TempDir()
	CcacheDir string `mapstructure:"ccache_dir" yaml:"ccache_dir"`

	// MaxClockSkew is the maximum allowed clock difference between
	// client and gateway when validating tickets. Default: 5m
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew"`

	// TicketTimeout bounds a single service-ticket request to the KDC.
	// On timeout the issuance is reported as a soft failure. Default: 10s
	TicketTimeout time.Duration `mapstructure:"ticket_timeout" yaml:"ticket_timeout"`

	// TokenCacheTTL is how long an issued backend token is reused before
	// a fresh one is requested. Default: 5m
	TokenCacheTTL time.Duration `mapstructure:"token_cache_ttl" yaml:"token_cache_ttl"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks that an explicitly given config file exists and provides
// user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file or run without --config\n"+
				"to use defaults with SECMGR_* environment overrides", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Restricted permissions: the file may contain a redis password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the SECMGR_ prefix and underscores.
	// Example: SECMGR_SESSION_IDLE_TTL=1h
	v.SetEnvPrefix("SECMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: /etc/secmgr/config.yaml then $HOME/.secmgr
		v.AddConfigPath("/etc/secmgr")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".secmgr"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		// Also covers os.PathError when an explicit config file doesn't exist
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30m" or "1h30m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		if from.Kind() == reflect.String {
			return time.ParseDuration(data.(string))
		}
		return data, nil
	}
}
