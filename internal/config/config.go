package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main tandem configuration
type Config struct {
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Session SessionConfig `json:"session" mapstructure:"session"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Sessions may only be created for working directories below this root.
	// Empty means any directory.
	WorkRoot string `json:"work_root" mapstructure:"work_root"`
}

// ServerConfig holds HTTP/WebSocket server configuration
type ServerConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Password string `json:"password" mapstructure:"password"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig selects and tunes the LLM backend
type AgentConfig struct {
	Backend             string `json:"backend" mapstructure:"backend"` // anthropic, openai, cli
	Model               string `json:"model" mapstructure:"model"`
	APIKey              string `json:"api_key" mapstructure:"api_key"`
	BaseURL             string `json:"base_url" mapstructure:"base_url"`
	CLIPath             string `json:"cli_path" mapstructure:"cli_path"`
	MaxTokens           int    `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRounds           int    `json:"max_rounds" mapstructure:"max_rounds"`
	WorkerMaxIterations int    `json:"worker_max_iterations" mapstructure:"worker_max_iterations"`
	MaxRetries          int    `json:"max_retries" mapstructure:"max_retries"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	BashTimeoutSeconds int               `json:"bash_timeout_seconds" mapstructure:"bash_timeout_seconds"`
	MaxOutputBytes     int               `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	Permissions        PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	// Approval decides ask_user calls: auto, web (ask connected browsers) or deny.
	Approval string `json:"approval" mapstructure:"approval"`
}

// BashTimeout returns the bash timeout as a duration
func (t ToolsConfig) BashTimeout() time.Duration {
	return time.Duration(t.BashTimeoutSeconds) * time.Second
}

// PermissionsConfig overrides the default tool permission levels.
// A tool listed in several lists resolves deny, then ask, then allow.
type PermissionsConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Ask   []string `json:"ask" mapstructure:"ask"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// StorageConfig selects the session event log backend
type StorageConfig struct {
	Backend     string `json:"backend" mapstructure:"backend"` // jsonl, sqlite
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`
	SQLitePath  string `json:"sqlite_path" mapstructure:"sqlite_path"`
}

// SessionConfig holds idle eviction settings
type SessionConfig struct {
	IdleEvictAfter  string `json:"idle_evict_after" mapstructure:"idle_evict_after"`
	CleanupInterval string `json:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Agent: AgentConfig{
			Backend:             "anthropic",
			Model:               "claude-sonnet-4-5",
			CLIPath:             "claude",
			MaxTokens:           8192,
			MaxRounds:           50,
			WorkerMaxIterations: 20,
			MaxRetries:          3,
		},
		Tools: ToolsConfig{
			BashTimeoutSeconds: 120,
			MaxOutputBytes:     100 * 1024,
			Approval:           "auto",
		},
		Storage: StorageConfig{
			Backend: "jsonl",
		},
		Session: SessionConfig{
			IdleEvictAfter:  "30m",
			CleanupInterval: "5m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Agent.APIKey != "" {
		masked.Agent.APIKey = "***"
	}
	if masked.Server.Password != "" {
		masked.Server.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errs[0])
}
