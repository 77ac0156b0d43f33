// Package config loads the gateway configuration.
//
// Values come from three layers, highest precedence first: the YAML file
// (--config or OSIRIS_MCP_CONFIG), OSIRIS_MCP_* environment variables,
// and built-in defaults. The storage root has no default: a gateway
// without an explicit root refuses to start rather than guess one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the config file when --config is not given.
const EnvConfigFile = "OSIRIS_MCP_CONFIG"

// ErrNoRoot is returned by Validate when no storage root was configured.
var ErrNoRoot = errors.New("config: root is not set (use --root, OSIRIS_MCP_ROOT or the root key)")

// Config is the full gateway configuration.
type Config struct {
	// Root is the base directory for cache, audit, telemetry, memory and
	// drafts.
	Root string `yaml:"root"`

	// PayloadLimitBytes caps the canonical size of call arguments.
	PayloadLimitBytes int `yaml:"payload_limit_bytes"`

	// CallTimeout bounds one tool call end to end.
	CallTimeout time.Duration `yaml:"call_timeout"`

	Cache     CacheConfig     `yaml:"cache"`
	Consent   ConsentConfig   `yaml:"consent"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Memory    MemoryConfig    `yaml:"memory"`

	// CapabilitiesFile overrides families of the embedded capability
	// registry. Empty uses the embedded defaults only.
	CapabilitiesFile string `yaml:"capabilities_file"`

	Log     LogConfig     `yaml:"log"`
	Ops     OpsConfig     `yaml:"ops"`
	Tracing TracingConfig `yaml:"tracing"`
}

// CacheConfig configures the discovery cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ConsentConfig lists tools that need consent in addition to
// memory_capture.
type ConsentConfig struct {
	RequiredTools []string `yaml:"required_tools"`
}

// BridgeConfig configures the delegated command.
type BridgeConfig struct {
	Command        string        `yaml:"command"`
	Workdir        string        `yaml:"workdir"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// RateLimitConfig configures per-tool rate limiting. Zero disables it.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// MemoryConfig configures captured session memory.
type MemoryConfig struct {
	MaxContentLength int           `yaml:"max_content_length"`
	DedupeWindow     time.Duration `yaml:"dedupe_window"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// OpsConfig configures the optional health and metrics listener.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables
// export.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the built-in defaults. Root is left empty.
func Default() *Config {
	return &Config{
		PayloadLimitBytes: 16 << 20,
		CallTimeout:       60 * time.Second,
		Cache:             CacheConfig{TTL: 24 * time.Hour},
		Consent:           ConsentConfig{RequiredTools: []string{"memory_capture"}},
		Bridge: BridgeConfig{
			Command:        "osiris",
			Timeout:        30 * time.Second,
			MaxOutputBytes: 32 << 20,
		},
		Memory: MemoryConfig{
			MaxContentLength: 8000,
			DedupeWindow:     15 * time.Minute,
		},
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "osiris-mcp"},
	}
}

// Load builds the configuration from defaults, the environment and the
// file at path. An empty path falls back to OSIRIS_MCP_CONFIG; with
// neither, only defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	// A relative root in a file is relative to that file.
	if file.Root != "" && !filepath.IsAbs(file.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), file.Root)
	}
	if file.CapabilitiesFile != "" && !filepath.IsAbs(file.CapabilitiesFile) {
		cfg.CapabilitiesFile = filepath.Join(filepath.Dir(path), file.CapabilitiesFile)
	}
	return cfg, nil
}

// Validate checks the configuration and makes Root absolute.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return ErrNoRoot
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: resolving root: %w", err)
	}
	c.Root = root

	var errs []error
	if c.PayloadLimitBytes <= 0 {
		errs = append(errs, errors.New("payload_limit_bytes must be positive"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if strings.TrimSpace(c.Bridge.Command) == "" {
		errs = append(errs, errors.New("bridge.command must be set"))
	}
	if c.Bridge.Timeout <= 0 {
		errs = append(errs, errors.New("bridge.timeout must be positive"))
	}
	if c.Bridge.Timeout > c.CallTimeout {
		errs = append(errs, fmt.Errorf("bridge.timeout (%s) must not exceed call_timeout (%s)", c.Bridge.Timeout, c.CallTimeout))
	}
	if c.Bridge.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("bridge.max_output_bytes must be positive"))
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Storage layout under Root.

func (c *Config) CacheDir() string     { return filepath.Join(c.Root, "cache") }
func (c *Config) AuditDir() string     { return filepath.Join(c.Root, "audit") }
func (c *Config) TelemetryDir() string { return filepath.Join(c.Root, "telemetry") }
func (c *Config) DraftsDir() string    { return filepath.Join(c.Root, "drafts", "oml") }

// YAML renders the resolved configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
