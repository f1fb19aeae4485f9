package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePermissions is owner rw, group/other r.
const pidFilePermissions = 0o644

// pidDirPermissions matches the data directory created for the token file.
const pidDirPermissions = 0o700

// errDaemonRunning is returned when another process holds the PID file lock.
var errDaemonRunning = errors.New("another sync --watch is already running")

// writePIDFile claims path for this process: it takes a non-blocking
// exclusive flock and records our PID in it, so only one `sync --watch`
// drains a given store. The lock lives as long as the open file; the
// returned cleanup removes the file and drops the lock.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty, cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	if lockErr := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); lockErr != nil {
		if pid, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("%w (PID %d holds %s)", errDaemonRunning, pid, path)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errDaemonRunning, path)
	}

	// Readers may open the file between the lock and the write; they see
	// either nothing or the whole PID line.
	line := []byte(strconv.Itoa(os.Getpid()) + "\n")

	if err = f.Truncate(0); err == nil {
		_, err = f.WriteAt(line, 0)
	}

	if err == nil {
		err = f.Sync()
	}

	if err != nil {
		return nil, fmt.Errorf("recording PID in %s: %w", path, err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile reads the PID from path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// runningDaemon returns the PID of a live `sync --watch` process, or 0 if
// none is running. A PID file left behind by a dead process is removed.
func runningDaemon(path string) int {
	pid, err := readPIDFile(path)
	if err != nil {
		return 0
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)

		return 0
	}

	return pid
}
