// Package config manages the ovsdb-server daemon configuration using
// koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete ovsdb-server configuration.
type Config struct {
	Remotes []string      `koanf:"remotes"`
	DBs     []string      `koanf:"dbs"`
	Control ControlConfig `koanf:"control"`
	Metrics MetricsConfig `koanf:"metrics"`
	Health  HealthConfig  `koanf:"health"`
	Log     LogConfig     `koanf:"log"`
	Server  ServerConfig  `koanf:"server"`
}

// ControlConfig holds the local control-socket configuration (spec.md §6
// "Control interface").
type ControlConfig struct {
	// SocketPath is the Unix-domain socket path the control server
	// listens on.
	SocketPath string `koanf:"socket_path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// HealthConfig holds the ConnectRPC health/introspection endpoint
// configuration (SPEC_FULL.md §10 "kept for the metrics/status-only side
// channel").
type HealthConfig struct {
	// Addr is the HTTP listen address for the health endpoint.
	Addr string `koanf:"addr"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ServerConfig holds server-wide operational limits (spec.md §4.H).
type ServerConfig struct {
	// MaxSessions caps the total number of concurrently connected
	// sessions across every remote. Zero means unbounded.
	MaxSessions int `koanf:"max_sessions"`
	// StateFile is the path to the persisted-state JSON file (spec.md
	// §6 "Persisted state").
	StateFile string `koanf:"state_file"`
	// StatusInterval is how often remote status is republished into the
	// designated database table (spec.md §4.H, default 5s).
	StatusInterval time.Duration `koanf:"status_interval"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			SocketPath: "/var/run/ovsdb-server.ctl",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Health: HealthConfig{
			Addr: ":9101",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			MaxSessions:    0,
			StateFile:      "/var/lib/ovsdb-server/state.json",
			StatusInterval: 5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for ovsdb-server configuration.
// Variables are named OVSDB_SERVER_<section>_<key>, e.g., OVSDB_SERVER_METRICS_ADDR.
const envPrefix = "OVSDB_SERVER_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (OVSDB_SERVER_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	OVSDB_SERVER_CONTROL_SOCKET_PATH -> control.socket_path
//	OVSDB_SERVER_METRICS_ADDR        -> metrics.addr
//	OVSDB_SERVER_HEALTH_ADDR         -> health.addr
//	OVSDB_SERVER_LOG_LEVEL           -> log.level
//	OVSDB_SERVER_LOG_FORMAT          -> log.format
//	OVSDB_SERVER_SERVER_MAX_SESSIONS -> server.max_sessions
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms OVSDB_SERVER_METRICS_ADDR -> metrics.addr.
// Strips the OVSDB_SERVER_ prefix, lowercases, and replaces the first _
// (the section separator) with ., so multi-word keys keep their
// underscores: OVSDB_SERVER_SERVER_MAX_SESSIONS -> server.max_sessions.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"control.socket_path": defaults.Control.SocketPath,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"health.addr":         defaults.Health.Addr,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
		"server.max_sessions": defaults.Server.MaxSessions,
		"server.state_file":   defaults.Server.StateFile,
		"server.status_interval": defaults.Server.StatusInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyStateFile indicates the persisted-state file path is empty.
	ErrEmptyStateFile = errors.New("server.state_file must not be empty")

	// ErrInvalidMaxSessions indicates a negative session cap.
	ErrInvalidMaxSessions = errors.New("server.max_sessions must be >= 0")

	// ErrInvalidStatusInterval indicates a non-positive status publish interval.
	ErrInvalidStatusInterval = errors.New("server.status_interval must be > 0")

	// ErrDuplicateRemote indicates the same remote name appears twice in
	// the configured remote set.
	ErrDuplicateRemote = errors.New("duplicate remote in configuration")

	// ErrDuplicateDB indicates the same database path appears twice.
	ErrDuplicateDB = errors.New("duplicate database path in configuration")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.StateFile == "" {
		return ErrEmptyStateFile
	}

	if cfg.Server.MaxSessions < 0 {
		return ErrInvalidMaxSessions
	}

	if cfg.Server.StatusInterval <= 0 {
		return ErrInvalidStatusInterval
	}

	if err := validateUnique(cfg.Remotes, ErrDuplicateRemote); err != nil {
		return err
	}

	if err := validateUnique(cfg.DBs, ErrDuplicateDB); err != nil {
		return err
	}

	return nil
}

// validateUnique returns wrapErr if any value in values repeats.
func validateUnique(values []string, wrapErr error) error {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			return fmt.Errorf("%w: %q", wrapErr, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
