// Package config provides the configuration schema for PolicyShield.
//
// Configuration is file-based (policyshield.yaml) with environment variable
// overrides under the POLICYSHIELD_ prefix. Every duration field is a string
// in Go duration syntax ("5s", "1h30m") so the same value works in YAML and
// in an environment variable; parsing happens once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the PolicyShield server.
type Config struct {
	// Server configures the HTTP listener and request limits.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Shield configures the check engine: rules location, mode, timeouts.
	Shield ShieldConfig `yaml:"shield" mapstructure:"shield"`

	// Auth configures optional bearer-token authentication.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Approval configures the human-approval subsystem.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Trace configures the JSONL trace recorder.
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`

	// Session configures the in-memory session store.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Telemetry configures optional OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development conveniences (debug logging, relaxed
	// defaults). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080", ":8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// TLSCert and TLSKey enable TLS when both are set. Paths to PEM files.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"omitempty,file"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"omitempty,file"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "text" or "json".
	// Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// CORSOrigins lists allowed cross-origin origins. Empty disables CORS.
	// From the environment, a comma-separated list.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`

	// MaxConcurrentChecks caps simultaneous in-flight requests. Requests
	// beyond the cap receive 503 with Retry-After. Defaults to 100.
	MaxConcurrentChecks int `yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks" validate:"omitempty,min=1"`

	// MaxRequestSize is the request body cap in bytes. Defaults to 1 MiB.
	MaxRequestSize int64 `yaml:"max_request_size" mapstructure:"max_request_size" validate:"omitempty,min=1"`

	// RequestTimeout bounds whole-request handling (e.g., "30s").
	// Defaults to "30s".
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`
}

// ShieldConfig configures the check engine.
type ShieldConfig struct {
	// RulesPath is a rules YAML file or a directory of *.yaml/*.yml files.
	// Required for start; directories merge lexically.
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path" validate:"required"`

	// Mode selects enforcement behavior.
	// "enforce" applies verdicts, "audit" logs would-be verdicts but allows,
	// "disabled" allows everything. Defaults to "enforce".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=enforce audit disabled"`

	// FailOpen selects the verdict when the engine itself fails
	// (panic, check timeout). false = BLOCK (default), true = ALLOW.
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open"`

	// CheckTimeout bounds a single check evaluation (e.g., "5s").
	// Defaults to "5s".
	CheckTimeout string `yaml:"check_timeout" mapstructure:"check_timeout" validate:"omitempty,duration"`

	// Watch enables hot-reload of the rules path. Defaults to true.
	Watch bool `yaml:"watch" mapstructure:"watch"`

	// WatchInterval is the poll cadence for rule file changes (e.g., "2s").
	// Defaults to "2s".
	WatchInterval string `yaml:"watch_interval" mapstructure:"watch_interval" validate:"omitempty,duration"`
}

// AuthConfig configures bearer-token authentication.
// Empty tokens disable the corresponding tier.
type AuthConfig struct {
	// APIToken guards every endpoint except livez/readyz/health/metrics.
	// May be plaintext, an Argon2id PHC string (see the hash-token command),
	// or "sha256:<hex>".
	APIToken string `yaml:"api_token" mapstructure:"api_token"`

	// AdminToken guards mutating endpoints (reload, kill, resume,
	// respond-approval, clear-taint). Same accepted formats as APIToken.
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`
}

// ApprovalConfig configures the human-approval subsystem.
type ApprovalConfig struct {
	// Backend selects the approval backend.
	// "" = none (APPROVE verdicts block), "memory" = in-process REST-only,
	// "slack" = Slack channel with interactive buttons.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory slack"`

	// Timeout is how long a check waits for a human decision (e.g., "5m").
	// Defaults to "5m".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// OnTimeout selects the verdict when the wait expires:
	// "block" (default) or "auto_approve".
	OnTimeout string `yaml:"on_timeout" mapstructure:"on_timeout" validate:"omitempty,oneof=block auto_approve"`

	// TTL bounds how long resolved and abandoned requests are retained
	// before GC (e.g., "1h"). Defaults to "1h".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// CacheTTL bounds reuse of cached approval decisions for rules with a
	// cache strategy (e.g., "1h"). Defaults to "1h".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`

	// Slack configures the Slack backend. Required when Backend is "slack".
	Slack SlackConfig `yaml:"slack" mapstructure:"slack"`
}

// SlackConfig configures the Slack approval backend.
type SlackConfig struct {
	// Token is the bot token (xoxb-...).
	Token string `yaml:"token" mapstructure:"token"`

	// Channel is the channel ID approval messages are posted to.
	Channel string `yaml:"channel" mapstructure:"channel"`

	// SigningSecret verifies interaction callbacks from Slack.
	// Empty disables verification (local development only).
	SigningSecret string `yaml:"signing_secret" mapstructure:"signing_secret"`

	// RequestTimeout bounds each outbound Slack API call (e.g., "10s").
	// Defaults to "10s".
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`
}

// TraceConfig configures the JSONL trace recorder.
type TraceConfig struct {
	// Dir is the directory trace files are written to.
	// Defaults to "$HOME/.policyshield/traces".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Privacy omits raw args from trace records, replacing them with a
	// SHA-256 hash over canonical JSON.
	Privacy bool `yaml:"privacy" mapstructure:"privacy"`

	// RetentionDays is the number of days to keep trace files. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// ChannelSize is the buffer size for the trace channel.
	// Larger values absorb bursts better but use more memory.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed (e.g., "1s").
	// Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long to block when the channel is full before
	// dropping (e.g., "100ms"). "0" drops immediately. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel-depth percentage (0-100) at which a
	// rate-limited warning is logged. 0 disables. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// SessionConfig configures the in-memory session store.
type SessionConfig struct {
	// TTL is the idle lifetime of a session (e.g., "1h"). Defaults to "1h".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// Capacity is the maximum number of live sessions; overflow evicts the
	// least recently used. Defaults to 10000.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=1"`

	// SweepInterval is the background expiry cadence (e.g., "1m").
	// Defaults to "1m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`
}

// TelemetryConfig configures optional OpenTelemetry export.
// Off by default; spans and metrics go to stdout exporters when enabled.
type TelemetryConfig struct {
	// Enabled turns telemetry on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// SampleRate is the span sampling ratio in [0, 1]. Defaults to 1.0.
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"omitempty,min=0,max=1"`

	// ExportInterval is the metric export period (e.g., "30s").
	// Defaults to "30s".
	ExportInterval string `yaml:"export_interval" mapstructure:"export_interval" validate:"omitempty,duration"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied BEFORE validation so a bare `policyshield start --dev --rules x.yaml`
// works without a config file.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
	if c.Approval.Backend == "" {
		c.Approval.Backend = "memory"
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	// Server defaults. Binding localhost only; network exposure requires an
	// explicit addr like ":8080".
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.MaxConcurrentChecks == 0 {
		c.Server.MaxConcurrentChecks = 100
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1 << 20
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "30s"
	}

	// Shield defaults
	if c.Shield.Mode == "" {
		c.Shield.Mode = "enforce"
	}
	if c.Shield.CheckTimeout == "" {
		c.Shield.CheckTimeout = "5s"
	}
	// Hot reload is on by default. viper.IsSet distinguishes "not set"
	// (zero value) from an explicit false.
	if !viper.IsSet("shield.watch") {
		c.Shield.Watch = true
	}
	if c.Shield.WatchInterval == "" {
		c.Shield.WatchInterval = "2s"
	}

	// Approval defaults
	if c.Approval.Timeout == "" {
		c.Approval.Timeout = "5m"
	}
	if c.Approval.OnTimeout == "" {
		c.Approval.OnTimeout = "block"
	}
	if c.Approval.TTL == "" {
		c.Approval.TTL = "1h"
	}
	if c.Approval.CacheTTL == "" {
		c.Approval.CacheTTL = "1h"
	}
	if c.Approval.Slack.RequestTimeout == "" {
		c.Approval.Slack.RequestTimeout = "10s"
	}

	// Trace defaults
	if c.Trace.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Trace.Dir = filepath.Join(home, ".policyshield", "traces")
		} else {
			c.Trace.Dir = "traces"
		}
	}
	if c.Trace.RetentionDays == 0 {
		c.Trace.RetentionDays = 7
	}
	if c.Trace.ChannelSize == 0 {
		c.Trace.ChannelSize = 1000
	}
	if c.Trace.BatchSize == 0 {
		c.Trace.BatchSize = 100
	}
	if c.Trace.FlushInterval == "" {
		c.Trace.FlushInterval = "1s"
	}
	if c.Trace.SendTimeout == "" {
		c.Trace.SendTimeout = "100ms"
	}
	if c.Trace.WarningThreshold == 0 {
		c.Trace.WarningThreshold = 80
	}

	// Session defaults
	if c.Session.TTL == "" {
		c.Session.TTL = "1h"
	}
	if c.Session.Capacity == 0 {
		c.Session.Capacity = 10000
	}
	if c.Session.SweepInterval == "" {
		c.Session.SweepInterval = "1m"
	}

	// Telemetry defaults
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	if c.Telemetry.ExportInterval == "" {
		c.Telemetry.ExportInterval = "30s"
	}
}

// Durations holds every config duration parsed to time.Duration.
// Built once by ParseDurations after validation.
type Durations struct {
	RequestTimeout  time.Duration
	CheckTimeout    time.Duration
	WatchInterval   time.Duration
	ApprovalTimeout time.Duration
	ApprovalTTL     time.Duration
	ApprovalCache   time.Duration
	SlackTimeout    time.Duration
	FlushInterval   time.Duration
	SendTimeout     time.Duration
	SessionTTL      time.Duration
	SweepInterval   time.Duration
	ExportInterval  time.Duration
}

// ParseDurations parses every duration string in the config. The duration
// validate tag has already checked the syntax, so errors here indicate a
// field missed by validation.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	var err error
	parse := func(dst *time.Duration, field, value string) {
		if err != nil {
			return
		}
		var v time.Duration
		if v, err = time.ParseDuration(value); err != nil {
			err = fmt.Errorf("%s: %w", field, err)
			return
		}
		*dst = v
	}
	parse(&d.RequestTimeout, "server.request_timeout", c.Server.RequestTimeout)
	parse(&d.CheckTimeout, "shield.check_timeout", c.Shield.CheckTimeout)
	parse(&d.WatchInterval, "shield.watch_interval", c.Shield.WatchInterval)
	parse(&d.ApprovalTimeout, "approval.timeout", c.Approval.Timeout)
	parse(&d.ApprovalTTL, "approval.ttl", c.Approval.TTL)
	parse(&d.ApprovalCache, "approval.cache_ttl", c.Approval.CacheTTL)
	parse(&d.SlackTimeout, "approval.slack.request_timeout", c.Approval.Slack.RequestTimeout)
	parse(&d.FlushInterval, "trace.flush_interval", c.Trace.FlushInterval)
	parse(&d.SendTimeout, "trace.send_timeout", c.Trace.SendTimeout)
	parse(&d.SessionTTL, "session.ttl", c.Session.TTL)
	parse(&d.SweepInterval, "session.sweep_interval", c.Session.SweepInterval)
	parse(&d.ExportInterval, "telemetry.export_interval", c.Telemetry.ExportInterval)
	return d, err
}
