package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for policyshield.yaml/.yml
// in standard locations. The search requires an explicit YAML extension so
// the binary "policyshield" in the working directory is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-vars-only mode.
		viper.SetConfigName("policyshield")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICYSHIELD_SERVER_ADDR etc.
	viper.SetEnvPrefix("POLICYSHIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a policyshield config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policyshield"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\policyshield (typically C:\ProgramData\policyshield)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "policyshield"))
		}
	} else {
		paths = append(paths, "/etc/policyshield")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for policyshield.yaml
// or .yml. Returns the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyshield"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every nested config key for environment variable
// support. The published short names (POLICYSHIELD_MODE and friends) are
// bound as aliases next to the canonical nested names, so both
// POLICYSHIELD_MODE and POLICYSHIELD_SHIELD_MODE work.
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.tls_cert")
	_ = viper.BindEnv("server.tls_key")
	_ = viper.BindEnv("server.log_level", "POLICYSHIELD_LOG_LEVEL", "POLICYSHIELD_SERVER_LOG_LEVEL")
	_ = viper.BindEnv("server.log_format", "POLICYSHIELD_LOG_FORMAT", "POLICYSHIELD_SERVER_LOG_FORMAT")
	_ = viper.BindEnv("server.cors_origins", "POLICYSHIELD_CORS_ORIGINS", "POLICYSHIELD_SERVER_CORS_ORIGINS")
	_ = viper.BindEnv("server.max_concurrent_checks", "POLICYSHIELD_MAX_CONCURRENT_CHECKS", "POLICYSHIELD_SERVER_MAX_CONCURRENT_CHECKS")
	_ = viper.BindEnv("server.max_request_size", "POLICYSHIELD_MAX_REQUEST_SIZE", "POLICYSHIELD_SERVER_MAX_REQUEST_SIZE")
	_ = viper.BindEnv("server.request_timeout", "POLICYSHIELD_REQUEST_TIMEOUT", "POLICYSHIELD_SERVER_REQUEST_TIMEOUT")

	// Shield config
	_ = viper.BindEnv("shield.rules_path", "POLICYSHIELD_RULES_PATH", "POLICYSHIELD_SHIELD_RULES_PATH")
	_ = viper.BindEnv("shield.mode", "POLICYSHIELD_MODE", "POLICYSHIELD_SHIELD_MODE")
	_ = viper.BindEnv("shield.fail_open", "POLICYSHIELD_FAIL_OPEN", "POLICYSHIELD_SHIELD_FAIL_OPEN")
	_ = viper.BindEnv("shield.check_timeout", "POLICYSHIELD_CHECK_TIMEOUT", "POLICYSHIELD_SHIELD_CHECK_TIMEOUT")
	_ = viper.BindEnv("shield.watch")
	_ = viper.BindEnv("shield.watch_interval")

	// Auth config
	_ = viper.BindEnv("auth.api_token", "POLICYSHIELD_API_TOKEN", "POLICYSHIELD_AUTH_API_TOKEN")
	_ = viper.BindEnv("auth.admin_token", "POLICYSHIELD_ADMIN_TOKEN", "POLICYSHIELD_AUTH_ADMIN_TOKEN")

	// Approval config
	_ = viper.BindEnv("approval.backend")
	_ = viper.BindEnv("approval.timeout", "POLICYSHIELD_APPROVAL_TIMEOUT")
	_ = viper.BindEnv("approval.on_timeout")
	_ = viper.BindEnv("approval.ttl", "POLICYSHIELD_APPROVAL_TTL")
	_ = viper.BindEnv("approval.cache_ttl")
	_ = viper.BindEnv("approval.slack.token")
	_ = viper.BindEnv("approval.slack.channel")
	_ = viper.BindEnv("approval.slack.signing_secret")
	_ = viper.BindEnv("approval.slack.request_timeout")

	// Trace config
	_ = viper.BindEnv("trace.dir", "POLICYSHIELD_TRACE_DIR")
	_ = viper.BindEnv("trace.privacy", "POLICYSHIELD_TRACE_PRIVACY")
	_ = viper.BindEnv("trace.retention_days")
	_ = viper.BindEnv("trace.channel_size")
	_ = viper.BindEnv("trace.batch_size")
	_ = viper.BindEnv("trace.flush_interval")
	_ = viper.BindEnv("trace.send_timeout")
	_ = viper.BindEnv("trace.warning_threshold")

	// Session config
	_ = viper.BindEnv("session.ttl")
	_ = viper.BindEnv("session.capacity")
	_ = viper.BindEnv("session.sweep_interval")

	// Telemetry config
	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.sample_rate")
	_ = viper.BindEnv("telemetry.export_interval")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates. Callers that apply CLI flag overrides should
// use LoadConfigRaw instead, then call SetDevDefaults and Validate after the
// overrides.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use when CLI flags may override fields
// before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
