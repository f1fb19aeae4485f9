package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rxsync/internal/config"
)

// stubTerminal swaps the terminal seams for the duration of a test.
func stubTerminal(t *testing.T, isTerm bool, read func(int) ([]byte, error)) {
	t.Helper()

	origIs, origRead := stdinIsTerminal, readPassword

	stdinIsTerminal = func() bool { return isTerm }
	if read != nil {
		readPassword = read
	}

	t.Cleanup(func() {
		stdinIsTerminal, readPassword = origIs, origRead
	})
}

func TestObtainPassword_FromEnv(t *testing.T) {
	t.Setenv(config.EnvPassword, "from-env")
	stubTerminal(t, true, func(int) ([]byte, error) {
		t.Fatal("terminal should not be read when the env var is set")
		return nil, nil
	})

	pw, err := obtainPassword(strings.NewReader("ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)
}

func TestObtainPassword_FromTerminal(t *testing.T) {
	t.Setenv(config.EnvPassword, "")
	stubTerminal(t, true, func(int) ([]byte, error) {
		return []byte("typed"), nil
	})

	pw, err := obtainPassword(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "typed", pw)
}

func TestObtainPassword_TerminalError(t *testing.T) {
	t.Setenv(config.EnvPassword, "")
	stubTerminal(t, true, func(int) ([]byte, error) {
		return nil, errors.New("inappropriate ioctl")
	})

	_, err := obtainPassword(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading password")
}

func TestObtainPassword_FromStdin(t *testing.T) {
	t.Setenv(config.EnvPassword, "")
	stubTerminal(t, false, nil)

	pw, err := obtainPassword(strings.NewReader("s3cret\r\nsecond line\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	pw, err = obtainPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)
}

func TestObtainPassword_EmptyStdin(t *testing.T) {
	t.Setenv(config.EnvPassword, "")
	stubTerminal(t, false, nil)

	_, err := obtainPassword(strings.NewReader(""))
	assert.Error(t, err)
}
