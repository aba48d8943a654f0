package config

import "time"

// Config represents the complete agentstream configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Display  DisplayConfig  `yaml:"display"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite run ledger settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP and WebSocket server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// Token gates /api and /ws when set. Empty disables the check.
	Token          string        `yaml:"token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	OutboxSize     int           `yaml:"outbox_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// MaxMessageBytes caps a single inbound WebSocket message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// LLMConfig defines the LLM provider settings.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentConfig defines reasoning engine behavior.
type AgentConfig struct {
	Name         string        `yaml:"name"`
	MaxSteps     int           `yaml:"max_steps"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	Stream       bool          `yaml:"stream"`
	WorkspaceDir string        `yaml:"workspace_dir"`
	PromptFiles  []string      `yaml:"prompt_files"`
	ShellTimeout time.Duration `yaml:"shell_timeout"`
}

// DisplayConfig controls how engine output is presented to clients.
type DisplayConfig struct {
	ToolErrorLimit int `yaml:"tool_error_limit"`
}
