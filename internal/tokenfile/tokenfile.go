// Package tokenfile persists the session credentials. The file holds the
// oauth2.Token issued by the backend plus the account it belongs to, and is
// replaced atomically so a crash never leaves a truncated token behind.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the directory holding the token file.
const DirPerms = 0o700

// Account identifies whose credentials a token file holds.
type Account struct {
	Email  string `json:"email,omitempty"`
	Server string `json:"server,omitempty"`
}

// File is the on-disk format.
type File struct {
	Token   *oauth2.Token `json:"token"`
	Account Account       `json:"account"`
}

// Read decodes the token file at path. A missing file yields (nil, nil).
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // missing file means logged out
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if f.Token == nil {
		return nil, fmt.Errorf("tokenfile: %s has no token (login required)", path)
	}

	if f.Token.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s holds empty credentials (login required)", path)
	}

	return &f, nil
}

// Write stores f at path via a synced temp file and rename(2), creating the
// parent directory if needed. Token values are never logged.
func Write(path string, f *File) error {
	if f == nil || f.Token == nil {
		return errors.New("tokenfile: refusing to write a nil token")
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeSynced(tmp, data); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming into place: %w", err)
	}

	committed = true

	return nil
}

func writeSynced(tmp *os.File, data []byte) error {
	if err := tmp.Chmod(FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// The data must be on stable storage before the rename publishes it.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	return nil
}

// Remove deletes the token file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
