package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDotEnvLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		key, want string
		ok        bool
	}{
		{"", "", "", false},
		{"# comment", "", "", false},
		{"NOEQUALS", "", "", false},
		{"A=1", "A", "1", true},
		{"  B = two  ", "B", "two", true},
		{`C="quoted value"`, "C", "quoted value", true},
		{"export D='x'", "D", "x", true},
	}

	for _, tt := range tests {
		key, value, ok := parseDotEnvLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.key, key, tt.line)
		assert.Equal(t, tt.want, value, tt.line)
	}
}

func TestLoadDotEnv_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RXSYNC_TESTUTIL_A=file\nRXSYNC_TESTUTIL_B=file\n"), 0o600))

	t.Setenv("RXSYNC_TESTUTIL_A", "env")
	t.Setenv("RXSYNC_TESTUTIL_B", "")

	LoadDotEnv(path)

	assert.Equal(t, "env", os.Getenv("RXSYNC_TESTUTIL_A"))
	assert.Equal(t, "file", os.Getenv("RXSYNC_TESTUTIL_B"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
	})
}

func TestFindModuleRoot(t *testing.T) {
	t.Parallel()

	root := FindModuleRoot("fallback")
	assert.NotEqual(t, "fallback", root)

	_, err := os.Stat(filepath.Join(root, "go.mod"))
	assert.NoError(t, err)
}
