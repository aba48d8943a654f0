package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "agentstream"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/agentstream.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8000"
	}
	if cfg.API.OutboxSize == 0 {
		cfg.API.OutboxSize = 64
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 10 * time.Second
	}
	if cfg.API.MaxMessageBytes == 0 {
		cfg.API.MaxMessageBytes = 4 << 20
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "assistant"
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 25
	}
	if cfg.Agent.RunTimeout == 0 {
		cfg.Agent.RunTimeout = 10 * time.Minute
	}
	if cfg.Agent.WorkspaceDir == "" {
		cfg.Agent.WorkspaceDir = "./workspace"
	}
	if cfg.Agent.ShellTimeout == 0 {
		cfg.Agent.ShellTimeout = 2 * time.Minute
	}
	if cfg.Display.ToolErrorLimit == 0 {
		cfg.Display.ToolErrorLimit = 100
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if err := unresolvedEnv("api.token", cfg.API.Token); err != nil {
		return err
	}
	if cfg.API.OutboxSize <= 0 {
		return fmt.Errorf("api.outbox_size must be positive")
	}
	if cfg.API.WriteTimeout <= 0 {
		return fmt.Errorf("api.write_timeout must be positive")
	}
	if cfg.API.MaxMessageBytes <= 0 {
		return fmt.Errorf("api.max_message_bytes must be positive")
	}
	if cfg.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if cfg.LLM.APIKey == "" && cfg.LLM.Provider != "ollama" {
		return fmt.Errorf("llm.api_key is required")
	}
	if err := unresolvedEnv("llm.api_key", cfg.LLM.APIKey); err != nil {
		return err
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if cfg.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be positive")
	}
	if cfg.Agent.RunTimeout <= 0 {
		return fmt.Errorf("agent.run_timeout must be positive")
	}
	if cfg.Display.ToolErrorLimit <= 0 {
		return fmt.Errorf("display.tool_error_limit must be positive")
	}
	return nil
}

// unresolvedEnv reports a ${VAR} reference left in value after interpolation.
func unresolvedEnv(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
