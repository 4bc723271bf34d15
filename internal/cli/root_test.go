package cli

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/internal/config"
)

// writeTestConfig saves a config rooted in a temp dir and returns its path.
func writeTestConfig(t *testing.T, mutate func(*config.Config)) (string, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.History.Dir = filepath.Join(dir, "history")
	cfg.Logging.File = filepath.Join(dir, "mailpilot.log")
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "mailpilot.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path, cfg
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	historyLimit, historyJSON, historyOlderThan = 20, false, 0
	configForce = false

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("should print the version", func(t *testing.T) {
		out, err := execute(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "mailpilot version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("should describe the product in help", func(t *testing.T) {
		out, err := execute(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Mailpilot")
		assert.Contains(t, out, "Gmail")
		for _, name := range []string{"serve", "chat", "history", "config", "status", "stop"} {
			assert.Contains(t, out, name)
		}
	})

	t.Run("should register global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfig(t *testing.T) {
	path, _ := writeTestConfig(t, func(c *config.Config) { c.Logging.Level = "warn" })
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	cfg, loader, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, path, loader.GetConfigPath())
	assert.Equal(t, "warn", cfg.Logging.Level)

	log, err := newLogger(cfg, false)
	require.NoError(t, err)
	assert.NoError(t, log.Close())
}
