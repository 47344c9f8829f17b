package config

import (
	"fmt"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates a log level string
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", level)
	}
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateApplication checks one application credential entry
func (v *Validator) ValidateApplication(app ApplicationConfig) error {
	if app.ID == "" {
		return fmt.Errorf("application id must not be empty")
	}
	if len(app.PrivacyKeys) == 0 {
		return fmt.Errorf("application %s has no privacy keys", app.ID)
	}
	for _, key := range app.PrivacyKeys {
		if key == "" {
			return fmt.Errorf("application %s has an empty privacy key", app.ID)
		}
	}
	return nil
}

// ValidateConfig validates the entire configuration and collects all errors
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if !cfg.Devmode && len(cfg.Apps) == 0 {
		errs = append(errs, fmt.Errorf("no applications configured; sessions cannot be created outside devmode"))
	}
	for _, app := range cfg.Apps {
		if err := v.ValidateApplication(app); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Registry.Path == "" {
		errs = append(errs, fmt.Errorf("registry path must not be empty"))
	}
	if cfg.Session.MaxWaitMs <= 0 {
		errs = append(errs, fmt.Errorf("session max_wait_ms must be positive"))
	}
	if cfg.Session.IdleTimeoutSecs < 0 {
		errs = append(errs, fmt.Errorf("session idle_timeout_secs must not be negative"))
	}
	if cfg.Docker.StopTimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("docker stop_timeout_secs must be positive"))
	}
	if cfg.Federation.Enabled && cfg.Federation.Wallet == "" {
		errs = append(errs, fmt.Errorf("federation is enabled but no wallet is configured"))
	}

	return errs
}

// Credentials flattens the application list into the session manager's
// credential map.
func (c *Config) Credentials() map[string][]string {
	out := make(map[string][]string, len(c.Apps))
	for _, app := range c.Apps {
		out[app.ID] = append(out[app.ID], app.PrivacyKeys...)
	}
	return out
}
