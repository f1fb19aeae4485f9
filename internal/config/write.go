package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is written on first login. Every option is present as a
// commented-out default so users can discover them without reading docs.
const configTemplate = `# rxsync configuration

[server]
url = %q
# request_timeout = "30s"

[store]
# path = ""  # default: platform data directory

[sync]
# max_retries = 5
# apply_timeout = "30s"
# base_backoff = "1s"
# max_backoff = "60s"

[network]
# probe_interval = "15s"
# probe_timeout = "5s"
# debounce = "1s"

[auth]
# token_path = ""  # default: platform data directory
# refresh_timeout = "30s"

[logging]
# log_level = "info"     # debug, info, warn, error
# log_format = "auto"    # auto, text, json
`

// CreateDefault writes a new config file from the template with serverURL
// filled in. It fails if the file already exists.
func CreateDefault(path, serverURL string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	slog.Info("creating config file", "path", path, "server_url", serverURL)

	return atomicWriteFile(path, []byte(fmt.Sprintf(configTemplate, serverURL)))
}

// SetKey sets key in [section] of the config file at path, replacing an
// existing line or inserting one after the section header. A missing
// section is appended. Comments and layout elsewhere are preserved.
//
// Integers and booleans are written bare; all other values are quoted.
func SetKey(path, section, key, value string) error {
	if _, ok := knownKeys[section]; !ok {
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))

	header := findSectionHeader(lines, section)
	if header < 0 {
		lines = append(lines, "", "["+section+"]", newLine)
	} else {
		lines = setKeyInSection(lines, header, key, newLine)
	}

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findSectionHeader returns the line index of "[section]", or -1.
func findSectionHeader(lines []string, section string) int {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i
		}
	}

	return -1
}

// findSectionEnd returns the index of the next section header after
// headerLine, or len(lines).
func findSectionEnd(lines []string, headerLine int) int {
	for i := headerLine + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}

	return len(lines)
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header. Commented-out defaults are not replaced.
func setKeyInSection(lines []string, headerLine int, key, newLine string) []string {
	end := findSectionEnd(lines, headerLine)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i := headerLine + 1; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	if _, err := strconv.Atoi(value); err == nil {
		return value
	}

	return strconv.Quote(value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over the target so a crash never leaves a partial
// config file. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
