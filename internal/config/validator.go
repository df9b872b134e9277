package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers PolicyShield-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration syntax ("5s", "1h30m")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts any string time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateTLSPairing(); err != nil {
		return err
	}
	if err := c.validateSlackBackend(); err != nil {
		return err
	}
	if err := c.validateAdminRequiresAPI(); err != nil {
		return err
	}
	return nil
}

// validateTLSPairing ensures TLS cert and key are set together.
func (c *Config) validateTLSPairing() error {
	hasCert := c.Server.TLSCert != ""
	hasKey := c.Server.TLSKey != ""
	if hasCert != hasKey {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	return nil
}

// validateSlackBackend ensures the slack backend has its credentials.
func (c *Config) validateSlackBackend() error {
	if c.Approval.Backend != "slack" {
		return nil
	}
	if c.Approval.Slack.Token == "" {
		return errors.New("approval.slack: token is required when backend is slack")
	}
	if c.Approval.Slack.Channel == "" {
		return errors.New("approval.slack: channel is required when backend is slack")
	}
	return nil
}

// validateAdminRequiresAPI rejects an admin token without an API token.
// The admin tier strengthens the API tier; alone it would leave every
// non-admin endpoint open while appearing locked down.
func (c *Config) validateAdminRequiresAPI() error {
	if c.Auth.AdminToken != "" && c.Auth.APIToken == "" {
		return errors.New("auth: admin_token requires api_token to be set")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a Go duration like \"30s\" or \"5m\"", field)
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
