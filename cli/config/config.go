package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/cairn/auth"
	"github.com/pithecene-io/cairn/log"
)

// Backend and mode names accepted in the config file.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFS       = "fs"
	BackendS3       = "s3"
	BackendRedis    = "redis"
	BackendWebhook  = "webhook"

	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"

	EligibilityAllow     = "allow"
	EligibilityAllowlist = "allowlist"
	EligibilityWebhook   = "webhook"
)

// Config represents a cairn.yaml configuration file.
// Environment variables (CAIRN_*) override file values and CLI flags
// override both.
type Config struct {
	Node        NodeConfig        `yaml:"node" envPrefix:"NODE_"`
	HTTP        HTTPConfig        `yaml:"http" envPrefix:"HTTP_"`
	State       StateConfig       `yaml:"state" envPrefix:"STATE_"`
	Content     ContentConfig     `yaml:"content" envPrefix:"CONTENT_"`
	Ledger      LedgerConfig      `yaml:"ledger" envPrefix:"LEDGER_"`
	Auth        AuthConfig        `yaml:"auth" envPrefix:"AUTH_"`
	Eligibility EligibilityConfig `yaml:"eligibility" envPrefix:"ELIGIBILITY_"`
	Publish     PublishConfig     `yaml:"publish" envPrefix:"PUBLISH_"`
	Pool        PoolConfig        `yaml:"pool" envPrefix:"POOL_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	ID              string   `yaml:"id" env:"ID"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// HTTPConfig configures the submission API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// StateConfig selects the durable proposer state store.
type StateConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is the SQLite database file.
	Path string `yaml:"path" env:"PATH"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" env:"DSN"`
}

// ContentConfig selects the bundle content store.
type ContentConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is a directory (fs) or bucket/prefix (s3).
	Path        string `yaml:"path" env:"PATH"`
	Region      string `yaml:"region" env:"REGION"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	S3PathStyle bool   `yaml:"s3_path_style" env:"S3_PATH_STYLE"`
}

// LedgerConfig selects the ledger client.
type LedgerConfig struct {
	Backend string            `yaml:"backend" env:"BACKEND"`
	URL     string            `yaml:"url" env:"URL"`
	Prefix  string            `yaml:"prefix,omitempty" env:"PREFIX"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty" env:"TIMEOUT"`
}

// AuthConfig selects the submission auth gate.
type AuthConfig struct {
	Mode   string             `yaml:"mode" env:"MODE"`
	Tokens []auth.StaticToken `yaml:"tokens,omitempty"`
	JWT    JWTConfig          `yaml:"jwt" envPrefix:"JWT_"`
}

// JWTConfig configures the jwt auth mode. Exactly one of Secret and
// PublicKey is set.
type JWTConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
	// PublicKey is a hex-encoded ed25519 public key.
	PublicKey string   `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string   `yaml:"issuer" env:"ISSUER"`
	Audience  string   `yaml:"audience" env:"AUDIENCE"`
	Leeway    Duration `yaml:"leeway" env:"LEEWAY"`
}

// EligibilityConfig selects the eligibility oracle.
type EligibilityConfig struct {
	Mode    string            `yaml:"mode" env:"MODE"`
	Writers []string          `yaml:"writers,omitempty" env:"WRITERS"`
	URL     string            `yaml:"url,omitempty" env:"URL"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty" env:"TIMEOUT"`
}

// PublishConfig tunes batching and publish retries.
type PublishConfig struct {
	Interval       Duration `yaml:"interval" env:"INTERVAL"`
	MaxAttempts    uint     `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// PoolConfig tunes the intention pool.
type PoolConfig struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// TelemetryConfig configures tracing. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{Duration: d} }

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration from an environment variable.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Defaults returns a config that runs a self-contained development node.
func Defaults() Config {
	return Config{
		Node:        NodeConfig{ID: "cairn-0", ShutdownTimeout: D(30 * time.Second)},
		HTTP:        HTTPConfig{Addr: ":8080"},
		State:       StateConfig{Backend: BackendMemory},
		Content:     ContentConfig{Backend: BackendMemory},
		Ledger:      LedgerConfig{Backend: BackendMemory},
		Auth:        AuthConfig{Mode: AuthNone},
		Eligibility: EligibilityConfig{Mode: EligibilityAllow, Timeout: D(2 * time.Second)},
		Publish: PublishConfig{
			Interval:       D(2 * time.Second),
			MaxAttempts:    5,
			InitialBackoff: D(100 * time.Millisecond),
			MaxBackoff:     D(5 * time.Second),
		},
		Pool: PoolConfig{Capacity: 10_000},
		Log:  LogConfig{Level: "info"},
	}
}

// Validate reports every problem with the config at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Node.ID == "" {
		add("node.id is required")
	}
	if c.Node.ShutdownTimeout.Duration < 0 {
		add("node.shutdown_timeout must not be negative")
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.State.Path == "" {
			add("state.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.State.DSN == "" {
			add("state.dsn is required for the postgres backend")
		}
	default:
		add("state.backend %q must be one of %s", c.State.Backend, oneOf(BackendMemory, BackendSQLite, BackendPostgres))
	}

	switch c.Content.Backend {
	case BackendMemory:
	case BackendFS, BackendS3:
		if c.Content.Path == "" {
			add("content.path is required for the %s backend", c.Content.Backend)
		}
	default:
		add("content.backend %q must be one of %s", c.Content.Backend, oneOf(BackendMemory, BackendFS, BackendS3))
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendRedis, BackendWebhook:
		if c.Ledger.URL == "" {
			add("ledger.url is required for the %s backend", c.Ledger.Backend)
		}
	default:
		add("ledger.backend %q must be one of %s", c.Ledger.Backend, oneOf(BackendMemory, BackendRedis, BackendWebhook))
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthToken:
		if len(c.Auth.Tokens) == 0 {
			add("auth.tokens must list at least one token for the token mode")
		}
	case AuthJWT:
		if (c.Auth.JWT.Secret == "") == (c.Auth.JWT.PublicKey == "") {
			add("auth.jwt requires exactly one of secret and public_key")
		}
	default:
		add("auth.mode %q must be one of %s", c.Auth.Mode, oneOf(AuthNone, AuthToken, AuthJWT))
	}

	switch c.Eligibility.Mode {
	case EligibilityAllow:
	case EligibilityAllowlist:
		if len(c.Eligibility.Writers) == 0 {
			add("eligibility.writers must list at least one writer for the allowlist mode")
		}
	case EligibilityWebhook:
		if c.Eligibility.URL == "" {
			add("eligibility.url is required for the webhook mode")
		}
	default:
		add("eligibility.mode %q must be one of %s", c.Eligibility.Mode, oneOf(EligibilityAllow, EligibilityAllowlist, EligibilityWebhook))
	}

	if c.Publish.Interval.Duration <= 0 {
		add("publish.interval must be positive")
	}
	if c.Publish.MaxAttempts == 0 {
		add("publish.max_attempts must be at least 1")
	}
	if c.Publish.MaxBackoff.Duration > 0 && c.Publish.MaxBackoff.Duration < c.Publish.InitialBackoff.Duration {
		add("publish.max_backoff must not be less than publish.initial_backoff")
	}
	if c.Pool.Capacity <= 0 {
		add("pool.capacity must be positive")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio must be between 0 and 1")
	}

	return errors.Join(errs...)
}

func oneOf(names ...string) string {
	return strings.Join(names, ", ")
}
