// Package config provides configuration management for procmgrd.
// It uses koanf v2 to load configuration from a YAML file, then applies
// PROCMGR_* environment overrides, and supports writing the effective
// configuration back out (procmgrd -write-config).
//
// Configuration is loaded from /etc/procmgr/config.yaml by default. A missing
// file is not an error: the daemon runs on built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the daemon configuration file.
const DefaultConfigPath = "/etc/procmgr/config.yaml"

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. PROCMGR_SOCKET_PATH overrides socket_path.
const EnvPrefix = "PROCMGR_"

// Config holds the daemon configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// SocketPath is the Unix domain socket clients connect to.
	// Any existing file at this path is removed on startup.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// SocketMode is the octal permission mode applied to the socket file.
	// "0666" reproduces world-accessible behaviour and lets every local user
	// change scheduling of any process; the default restricts access to the
	// owner and SocketGroup.
	SocketMode string `koanf:"socket_mode" yaml:"socket_mode"`

	// SocketGroup, when set, is the group the socket file is chowned to.
	SocketGroup string `koanf:"socket_group" yaml:"socket_group"`

	// LogLevel controls the verbosity of daemon logging.
	// Valid values: "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// TracingDir is the tracefs mount point. Empty means auto-detect.
	TracingDir string `koanf:"tracing_dir" yaml:"tracing_dir"`

	// MaxRequestBytes bounds the size of one request document.
	MaxRequestBytes int `koanf:"max_request_bytes" yaml:"max_request_bytes"`

	// RequestTimeoutSeconds bounds how long the daemon waits for a client to
	// finish sending its request.
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds"`

	// WriteTimeoutSeconds bounds how long a response write may block.
	WriteTimeoutSeconds int `koanf:"write_timeout_seconds" yaml:"write_timeout_seconds"`

	// MaxTraceSeconds is the longest ftrace capture a client may request.
	MaxTraceSeconds float64 `koanf:"max_trace_seconds" yaml:"max_trace_seconds"`

	// AffinityMissingOK reports success for cpu_affinity requests whose
	// target process has already exited.
	AffinityMissingOK bool `koanf:"affinity_missing_ok" yaml:"affinity_missing_ok"`

	// AuditPath is the bbolt database recording executed commands.
	// Empty disables the audit journal.
	AuditPath string `koanf:"audit_path" yaml:"audit_path"`

	// AuditMaxEntries caps the number of retained audit records.
	AuditMaxEntries int `koanf:"audit_max_entries" yaml:"audit_max_entries"`
}

// Validation errors returned by Load.
var (
	ErrSocketPathRequired    = errors.New("socket_path is required")
	ErrInvalidSocketMode     = errors.New("socket_mode must be an octal permission string such as \"0660\"")
	ErrInvalidRequestSize    = errors.New("max_request_bytes must be positive")
	ErrInvalidTimeout        = errors.New("request_timeout_seconds and write_timeout_seconds must be positive")
	ErrInvalidTraceLimit     = errors.New("max_trace_seconds must be positive")
	ErrInvalidAuditRetention = errors.New("audit_max_entries must not be negative")
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SocketPath:            "/run/procmgr/procmgr.sock",
		SocketMode:            "0660",
		LogLevel:              "info",
		MaxRequestBytes:       4096,
		RequestTimeoutSeconds: 5,
		WriteTimeoutSeconds:   30,
		MaxTraceSeconds:       60,
		AffinityMissingOK:     true,
		AuditPath:             "/var/lib/procmgr/audit.db",
		AuditMaxEntries:       10000,
	}
}

// Load reads configuration from the specified YAML file path on top of the
// defaults, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	// YAML reads an unquoted 0660 as the integer 432, which would become
	// mode 0432 after the string conversion below.
	if v := k.Get("socket_mode"); v != nil {
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("%w: %v is not a quoted string, write socket_mode: \"0660\"", ErrInvalidSocketMode, v)
		}
	}

	// Unmarshal leaves fields absent from every source at their default.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps PROCMGR_SOCKET_PATH to socket_path.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// validate checks that configuration fields are present and valid.
func (c *Config) validate() error {
	if c.SocketPath == "" {
		return ErrSocketPathRequired
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.MaxRequestBytes <= 0 {
		return ErrInvalidRequestSize
	}
	if c.RequestTimeoutSeconds <= 0 || c.WriteTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxTraceSeconds <= 0 {
		return ErrInvalidTraceLimit
	}
	if c.AuditMaxEntries < 0 {
		return ErrInvalidAuditRetention
	}
	return nil
}

// Mode parses SocketMode into a permission mode.
func (c *Config) Mode() (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(c.SocketMode), 8, 32)
	if err != nil || v > 0o777 {
		return 0, ErrInvalidSocketMode
	}
	return os.FileMode(v), nil
}

// RequestTimeout returns RequestTimeoutSeconds as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// WriteTimeout returns WriteTimeoutSeconds as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// MaxTrace returns MaxTraceSeconds as a duration.
func (c *Config) MaxTrace() time.Duration {
	return time.Duration(c.MaxTraceSeconds * float64(time.Second))
}

// Save writes the configuration to the specified YAML file path.
// The file is created with 0644 permissions: it carries no secrets, and
// clients read socket_path from it.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
