package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBackend validates the agent backend name
func (v *Validator) ValidateBackend(backend string) error {
	valid := []string{"anthropic", "openai", "cli"}
	if slices.Contains(valid, backend) {
		return nil
	}
	return fmt.Errorf("invalid agent backend: %s (must be one of: %s)", backend, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, backend string) error {
	if backend == "cli" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", backend)
	}

	switch backend {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if slices.Contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStorageBackend validates the event log backend
func (v *Validator) ValidateStorageBackend(backend string) error {
	if backend == "jsonl" || backend == "sqlite" {
		return nil
	}
	return fmt.Errorf("invalid storage backend: %s (must be one of: jsonl, sqlite)", backend)
}

// ValidateDuration validates a Go duration string
func (v *Validator) ValidateDuration(name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}

	if err := v.ValidateBackend(cfg.Agent.Backend); err != nil {
		errors = append(errors, err)
	} else if err := v.ValidateAPIKey(cfg.Agent.APIKey, cfg.Agent.Backend); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.Backend == "cli" && strings.TrimSpace(cfg.Agent.CLIPath) == "" {
		errors = append(errors, fmt.Errorf("agent.cli_path is required for the cli backend"))
	}
	if strings.TrimSpace(cfg.Agent.Model) == "" {
		errors = append(errors, fmt.Errorf("agent.model is required"))
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.MaxRounds <= 0 {
		errors = append(errors, fmt.Errorf("agent.max_rounds must be > 0"))
	}
	if cfg.Agent.WorkerMaxIterations <= 0 {
		errors = append(errors, fmt.Errorf("agent.worker_max_iterations must be > 0"))
	}
	if cfg.Agent.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("agent.max_retries must be >= 0"))
	}

	if cfg.Tools.BashTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("tools.bash_timeout_seconds must be > 0"))
	}
	if cfg.Tools.MaxOutputBytes <= 0 {
		errors = append(errors, fmt.Errorf("tools.max_output_bytes must be > 0"))
	}
	switch cfg.Tools.Approval {
	case "auto", "web", "deny":
	default:
		errors = append(errors, fmt.Errorf("tools.approval must be one of auto, web, deny"))
	}

	if err := v.ValidateStorageBackend(cfg.Storage.Backend); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateDuration("session.idle_evict_after", cfg.Session.IdleEvictAfter); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateDuration("session.cleanup_interval", cfg.Session.CleanupInterval); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
