package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as TOML-like text to
// w. It powers the "config show" command.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration")
	if r.ConfigPath != "" {
		ew.printf(" (file: %s)", r.ConfigPath)
	}

	ew.printf("\n\n")

	ew.printf("[server]\n")
	ew.printf("  url             = %q\n", r.ServerURL)
	ew.printf("  request_timeout = %q\n\n", r.RequestTimeout)

	ew.printf("[store]\n")
	ew.printf("  path = %q\n\n", r.StorePath)

	ew.printf("[sync]\n")
	ew.printf("  max_retries   = %d\n", r.MaxRetries)
	ew.printf("  apply_timeout = %q\n", r.ApplyTimeout)
	ew.printf("  base_backoff  = %q\n", r.BaseBackoff)
	ew.printf("  max_backoff   = %q\n\n", r.MaxBackoff)

	ew.printf("[network]\n")
	ew.printf("  probe_interval = %q\n", r.ProbeInterval)
	ew.printf("  probe_timeout  = %q\n", r.ProbeTimeout)
	ew.printf("  debounce       = %q\n\n", r.Debounce)

	ew.printf("[auth]\n")
	ew.printf("  token_path      = %q\n", r.TokenPath)
	ew.printf("  refresh_timeout = %q\n\n", r.RefreshTimeout)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
