// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseDotEnvLine(scanner.Text())
		if !ok {
			continue
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// parseDotEnvLine splits one .env line. Blank lines, comments and lines
// without "=" are skipped; surrounding quotes on the value are removed.
func parseDotEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}

	key = strings.TrimPrefix(strings.TrimSpace(key), "export ")

	return strings.TrimSpace(key), strings.Trim(strings.TrimSpace(value), "\"'"), true
}

// RequireEnv returns the value of each named variable, crashing the
// process with an actionable message if any is unset.
func RequireEnv(names ...string) map[string]string {
	out := make(map[string]string, len(names))

	var missing []string

	for _, n := range names {
		v := os.Getenv(n)
		if v == "" {
			missing = append(missing, n)
			continue
		}

		out[n] = v
	}

	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", strings.Join(missing, ", "))
		fmt.Fprintln(os.Stderr, "Set them in .env or as environment variables.")
		os.Exit(1)
	}

	return out
}

// ValidateTestServer crashes the process unless server appears in the
// comma-separated RXSYNC_ALLOWED_TEST_SERVERS allowlist, so E2E writes
// never reach a production backend by accident.
func ValidateTestServer(server string) {
	allowlist := os.Getenv("RXSYNC_ALLOWED_TEST_SERVERS")
	if allowlist == "" {
		fmt.Fprintln(os.Stderr, "FATAL: RXSYNC_ALLOWED_TEST_SERVERS not set")
		fmt.Fprintln(os.Stderr, "Example: RXSYNC_ALLOWED_TEST_SERVERS=http://localhost:5000")
		os.Exit(1)
	}

	want := strings.TrimRight(server, "/")

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimRight(strings.TrimSpace(a), "/") == want {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: server %q is not in RXSYNC_ALLOWED_TEST_SERVERS=%q\n", server, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
