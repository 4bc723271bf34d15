package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when the file does not exist", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, BackendModeEcho, cfg.Backend.Mode)
		assert.Len(t, cfg.Chat.Suggestions, 4)
	})

	t.Run("should merge the file over defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mailpilot.json")
		content := `{
			"backend": {
				"mode": "llm",
				"profiles": [
					{"id": "primary", "provider": "anthropic", "api_key": "sk-ant-test", "priority": 1},
					{"id": "agno", "provider": "agent", "base_url": "http://localhost:8001", "agent_id": "basic_agent", "priority": 2}
				]
			},
			"gateway": {"port": 9191},
			"data_dir": "` + filepath.ToSlash(dir) + `"
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, BackendModeLLM, cfg.Backend.Mode)
		require.Len(t, cfg.Backend.Profiles, 2)
		assert.Equal(t, "basic_agent", cfg.Backend.Profiles[1].AgentID)
		assert.Equal(t, 9191, cfg.Gateway.Port)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.Equal(t, 1500, cfg.Backend.EchoDelayMS)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should derive paths from the data dir", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mailpilot.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+filepath.ToSlash(dir)+`"}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, "mailpilot.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(dir, "history"), cfg.History.Dir)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("MAILPILOT_GATEWAY_SHARED_SECRET", "from-env")
		t.Setenv("MAILPILOT_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should fail on invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("invalid json"), 0600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "mailpilot.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Backend.Mode = BackendModeLLM
	cfg.Backend.Profiles = []ProviderProfile{{ID: "p", Provider: "openai", APIKey: "sk-test", Priority: 1}}
	cfg.Gateway.SharedSecret = "s3cret"

	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, BackendModeLLM, loaded.Backend.Mode)
	require.Len(t, loaded.Backend.Profiles, 1)
	assert.Equal(t, "sk-test", loaded.Backend.Profiles[0].APIKey)
	assert.Equal(t, "s3cret", loaded.Gateway.SharedSecret)
}

func TestLoaderGetConfigPath(t *testing.T) {
	assert.Equal(t, "/custom/path.json", NewLoader("/custom/path.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".mailpilot", "mailpilot.json"), NewLoader("").GetConfigPath())
}
