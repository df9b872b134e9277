package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		Shield: ShieldConfig{RulesPath: "rules.yaml"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_MissingRulesPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Shield.RulesPath = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "RulesPath") {
		t.Errorf("error = %q, want to contain 'RulesPath'", err.Error())
	}
}

func TestValidate_InvalidMode(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Shield.Mode = "permissive"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "Mode") || !strings.Contains(errStr, "enforce audit disabled") {
		t.Errorf("error = %q, want to contain 'Mode' and the valid set", errStr)
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"check_timeout", func(c *Config) { c.Shield.CheckTimeout = "5 seconds" }},
		{"approval_timeout", func(c *Config) { c.Approval.Timeout = "soon" }},
		{"session_ttl", func(c *Config) { c.Session.TTL = "60" }},
		{"flush_interval", func(c *Config) { c.Trace.FlushInterval = "1sec" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), "duration") {
				t.Errorf("error = %q, want to mention duration syntax", err.Error())
			}
		})
	}
}

func TestValidate_InvalidAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.Addr = "not an address"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "host:port") {
		t.Errorf("error = %q, want to contain 'host:port'", err.Error())
	}
}

func TestValidate_TLSPairing(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.TLSCert = ""
	cfg.Server.TLSKey = "key.pem"
	// Bypass the file-exists tag by clearing the cert; the cross-field check
	// still has to fire on the lone key.
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for lone tls_key, got nil")
	}
	if !strings.Contains(err.Error(), "tls_cert and tls_key") &&
		!strings.Contains(err.Error(), "TLSKey") {
		t.Errorf("error = %q, want TLS pairing failure", err.Error())
	}
}

func TestValidate_SlackBackendRequiresCredentials(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Approval.Backend = "slack"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error = %q, want to contain 'token is required'", err.Error())
	}

	cfg.Approval.Slack.Token = "xoxb-test"
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing channel, got nil")
	}
	if !strings.Contains(err.Error(), "channel is required") {
		t.Errorf("error = %q, want to contain 'channel is required'", err.Error())
	}

	cfg.Approval.Slack.Channel = "C0123456"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with full slack config unexpected error: %v", err)
	}
}

func TestValidate_InvalidBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Approval.Backend = "pager"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "memory slack") {
		t.Errorf("error = %q, want to contain 'memory slack'", err.Error())
	}
}

func TestValidate_AdminTokenRequiresAPIToken(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.AdminToken = "admin-secret"
	cfg.Auth.APIToken = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "admin_token requires api_token") {
		t.Errorf("error = %q, want to contain 'admin_token requires api_token'", err.Error())
	}

	cfg.Auth.APIToken = "api-secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with both tokens unexpected error: %v", err)
	}
}

func TestValidate_SampleRateBounds(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Telemetry.SampleRate = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "SampleRate") {
		t.Errorf("error = %q, want to contain 'SampleRate'", err.Error())
	}
}

func TestValidate_OnTimeoutEnum(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Approval.OnTimeout = "escalate"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "block auto_approve") {
		t.Errorf("error = %q, want to contain 'block auto_approve'", err.Error())
	}
}
