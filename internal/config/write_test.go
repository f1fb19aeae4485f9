package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefault_LoadsBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, CreateDefault(path, "https://rx.example.com"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://rx.example.com", cfg.Server.URL)
	assert.Equal(t, DefaultConfig().Sync, cfg.Sync)

	assert.Error(t, CreateDefault(path, "https://other.example.com"), "existing file is not overwritten")
}

func TestSetKey_ReplacesAndInserts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, CreateDefault(path, "https://rx.example.com"))

	require.NoError(t, SetKey(path, "server", "url", "https://new.example.com"))
	require.NoError(t, SetKey(path, "sync", "max_retries", "7"))
	require.NoError(t, SetKey(path, "logging", "log_level", "debug"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com", cfg.Server.URL)
	assert.Equal(t, 7, cfg.Sync.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# apply_timeout = \"30s\"", "comments are preserved")
}

func TestSetKey_AppendsMissingSection(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "[server]\nurl = \"https://rx.example.com\"\n")

	require.NoError(t, SetKey(path, "auth", "token_path", "/srv/rx/token.json"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/rx/token.json", cfg.Auth.TokenPath)
}

func TestSetKey_Errors(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "")

	assert.Error(t, SetKey(path, "profile", "name", "x"))
	assert.Error(t, SetKey(filepath.Join(t.TempDir(), "missing.toml"), "server", "url", "x"))
}

func TestFormatTOMLValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "true", formatTOMLValue("true"))
	assert.Equal(t, "12", formatTOMLValue("12"))
	assert.Equal(t, `"30s"`, formatTOMLValue("30s"))
}
