package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaultsSetsOperationalValues(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, 64, cfg.API.OutboxSize)
	assert.Equal(t, 10*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, int64(4<<20), cfg.API.MaxMessageBytes)
	assert.Equal(t, 100, cfg.Display.ToolErrorLimit)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
}

func TestValidateRejectsNonPositiveValues(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"api.outbox_size", func(c *Config) { c.API.OutboxSize = 0 }},
		{"api.max_message_bytes", func(c *Config) { c.API.MaxMessageBytes = -1 }},
		{"agent.run_timeout", func(c *Config) { c.Agent.RunTimeout = -1 * time.Second }},
		{"display.tool_error_limit", func(c *Config) { c.Display.ToolErrorLimit = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateAPIKeyOptionalForOllama(t *testing.T) {
	cfg := validTestConfig()
	cfg.LLM.APIKey = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")

	cfg.LLM.Provider = "ollama"
	assert.NoError(t, validate(cfg))
}

func TestValidateReportsUnresolvedEnv(t *testing.T) {
	cfg := validTestConfig()
	cfg.API.Token = "${AGENTSTREAM_TEST_UNSET}"
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTSTREAM_TEST_UNSET")
}

func TestLoadInterpolatesAndParsesDurations(t *testing.T) {
	t.Setenv("AGENTSTREAM_TEST_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
service:
  log_level: debug
api:
  max_message_bytes: 1048576
llm:
  provider: anthropic
  api_key: ${AGENTSTREAM_TEST_KEY}
agent:
  run_timeout: 90s
  prompt_files: [system.md, agent.md]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 90*time.Second, cfg.Agent.RunTimeout)
	assert.Equal(t, []string{"system.md", "agent.md"}, cfg.Agent.PromptFiles)
	assert.Equal(t, "127.0.0.1:8000", cfg.API.Listen)
	assert.Equal(t, int64(1<<20), cfg.API.MaxMessageBytes)
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-example")
	t.Setenv("AGENTSTREAM_API_TOKEN", "token")
	_, err := Load("../../config.yaml")
	assert.NoError(t, err)
}

func validTestConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel: "info",
		},
		API: APIConfig{
			OutboxSize:      8,
			WriteTimeout:    time.Second,
			MaxMessageBytes: 1 << 20,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			APIKey:    "key",
			MaxTokens: 4096,
		},
		Agent: AgentConfig{
			MaxSteps:   1,
			RunTimeout: time.Minute,
		},
		Display: DisplayConfig{
			ToolErrorLimit: 100,
		},
	}
}
