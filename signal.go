package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// A second signal exits the process with status 1. Queued mutations are
// durable, so the only work lost to a forced exit is an apply in flight,
// which the next run replays.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		// Nil once the first signal has canceled ctx, so only a second
		// signal or the parent can end the loop.
		done := ctx.Done()

		for {
			select {
			case sig := <-sigCh:
				if done == nil {
					logger.Warn("second signal, exiting now", slog.String("signal", sig.String()))
					os.Exit(1)
				}

				logger.Info("signal received, finishing the current apply",
					slog.String("signal", sig.String()),
				)

				done = nil
				cancel()
			case <-parent.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return ctx
}

// onHangup calls fn for every SIGHUP until ctx is done. `sync --watch` uses
// it so a one-shot `sync` can ask the running daemon to drain now.
func onHangup(ctx context.Context, fn func()) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hupCh)

		for {
			select {
			case <-hupCh:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sendHangup signals the daemon with the given PID.
func sendHangup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding daemon process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling daemon process %d: %w", pid, err)
	}

	return nil
}
