package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LLM_API_URL", "LLM_API_KEY", "LLM_MODEL", "APE_TIMEOUT", "APE_MODE",
		"APE_MAX_RETRIES", "APE_PROMPT_PATH", "APE_JOURNAL", "APE_LOG_LEVEL", "APE_CONFIG",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "claude-3-sonnet-20240229", cfg.LLM.Model)
	assert.Equal(t, 1500, cfg.LLM.MaxTokens)
	assert.Equal(t, "x-api-key", cfg.LLM.CredentialHeader)
	assert.Equal(t, 2, cfg.Repair.MaxRetries)
	assert.Equal(t, "ape_prompt.md", cfg.Repair.PromptPath)
	assert.True(t, cfg.Repair.PersistFallback)
	assert.False(t, cfg.Journal.Enabled)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  endpoint: https://example.test/v1/messages
  api_key: file-key
  model: file-model
repair:
  mode: supervised
  max_retries: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("LLM_API_KEY", "env-key")
	t.Setenv("APE_MAX_RETRIES", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/v1/messages", cfg.LLM.Endpoint)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, "file-model", cfg.LLM.Model)
	assert.Equal(t, 1, cfg.Repair.MaxRetries)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 1500, cfg.LLM.MaxTokens)

	mode, err := cfg.ResolveMode()
	require.NoError(t, err)
	assert.Equal(t, ModeSupervised, mode)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_API_URL", "http://localhost:9999")
	t.Setenv("LLM_MODEL", "m")
	t.Setenv("APE_MODE", "Supervised")
	t.Setenv("APE_PROMPT_PATH", "prompts/fix.md")
	t.Setenv("APE_JOURNAL", "/tmp/j.db")
	t.Setenv("APE_MAX_RETRIES", "not-a-number")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "http://localhost:9999", cfg.LLM.Endpoint)
	assert.Equal(t, "m", cfg.LLM.Model)
	assert.Equal(t, "Supervised", cfg.Repair.Mode)
	assert.Equal(t, "prompts/fix.md", cfg.Repair.PromptPath)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/j.db", cfg.Journal.Path)
	assert.Equal(t, 2, cfg.Repair.MaxRetries, "unparseable value is ignored")
}

func TestValidate(t *testing.T) {
	t.Run("missing endpoint", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "k"
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "LLM_API_URL")
	})

	t.Run("missing key", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.Endpoint = "http://x"
		err := cfg.Validate()
		require.Error(t, err)
		var cfgErr *Error
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "llm.api_key", cfgErr.Field)
	})

	t.Run("negative retries", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.Endpoint = "http://x"
		cfg.LLM.APIKey = "k"
		cfg.Repair.MaxRetries = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("valid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.Endpoint = "http://x"
		cfg.LLM.APIKey = "k"
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeAutomatic, false},
		{"automatic", ModeAutomatic, false},
		{"AUTO", ModeAutomatic, false},
		{" supervised ", ModeSupervised, false},
		{"manual", ModeSupervised, false},
		{"yolo", ModeAutomatic, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantErr, err != nil, tt.in)
	}
}

func TestGetLLMTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())

	cfg.LLM.Timeout = "5s"
	assert.Equal(t, 5*time.Second, cfg.GetLLMTimeout())

	cfg.LLM.Timeout = "garbage"
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.LLM.Endpoint = "http://saved"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://saved", loaded.LLM.Endpoint)
}
