package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rxsync/internal/config"
	"github.com/tonimelisma/rxsync/internal/netmon"
	isync "github.com/tonimelisma/rxsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload queued changes",
		Long: `Run one drain pass over the queue and report the result.

With --watch, keep running: probe connectivity, upload new changes as they
are queued and resume whenever the backend becomes reachable. Stop with
Ctrl-C; a second Ctrl-C exits at once.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep running and upload continuously")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	if watch {
		return runSyncWatch(cmd)
	}

	return runSyncOnce(cmd)
}

func runSyncOnce(cmd *cobra.Command) error {
	cc := mustCLIContext(cmd.Context())

	if handed, err := handOffToDaemon(cc); handed || err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := c.DrainOnce(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(cc.Out, report); err != nil {
			return err
		}
	} else {
		printSyncReport(cc, &report)
	}

	switch {
	case report.AuthLost:
		return errors.New("session expired, run 'rxsync login' to resume uploading")
	case report.Offline:
		cc.Statusf("Backend unreachable; %d change(s) stay queued.\n", report.Remaining)
	}

	return nil
}

// handOffToDaemon asks a running `sync --watch` on the same store to upload
// now and reports whether one was found. Two drainers on one store would
// apply the same change twice, so commands drain only when this is false.
func handOffToDaemon(cc *CLIContext) (bool, error) {
	pid := runningDaemon(config.PIDFilePath(filepath.Dir(cc.Cfg.StorePath)))
	if pid == 0 {
		return false, nil
	}

	if err := sendHangup(pid); err != nil {
		return true, err
	}

	cc.Statusf("Asked the running sync --watch (PID %d) to upload now.\n", pid)

	return true, nil
}

func printSyncReport(cc *CLIContext, r *isync.CycleReport) {
	if r.Attempted == 0 && r.Remaining == 0 {
		cc.Statusf("Nothing to upload.\n")
		return
	}

	cc.Statusf("Applied %d, rejected %d, abandoned %d, retrying %d, held back %d (%s)\n",
		r.Applied, r.Rejected, r.Abandoned, r.Retried, r.Skipped, r.Duration.Round(time.Millisecond))

	if r.Remaining > 0 {
		cc.Statusf("%d change(s) still queued\n", r.Remaining)
	}
}

func runSyncWatch(cmd *cobra.Command) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	cleanup, err := writePIDFile(config.PIDFilePath(filepath.Dir(cc.Cfg.StorePath)))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	unsubQueue := c.SubscribeQueue(func(ev isync.Event) {
		attrs := []any{
			slog.String("outcome", ev.Kind.String()),
			slog.String("op", ev.Mutation.Op.String()),
			slog.String("entity_type", ev.Mutation.EntityType),
			slog.String("entity_id", ev.Mutation.EntityID),
		}

		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
			logger.Warn("change not applied", attrs...)

			return
		}

		logger.Info("change uploaded", attrs...)
	})
	defer unsubQueue()

	unsubConn := c.SubscribeConnectivity(func(ev netmon.Event) {
		logger.Info("connectivity changed", slog.String("state", ev.String()))
	})
	defer unsubConn()

	unsubAuth := c.SubscribeAuthExpired(func() {
		logger.Warn("session expired, run 'rxsync login' in another terminal to resume")
	})
	defer unsubAuth()

	n, err := c.QueueLen(ctx)
	if err != nil {
		return err
	}

	logger.Info("watching queue",
		slog.String("server", cc.Cfg.ServerURL),
		slog.Bool("online", c.Online()),
		slog.Int("queued", n),
	)

	c.Start(ctx)

	onHangup(ctx, func() {
		logger.Info("upload requested")
		c.Kick(ctx)
	})

	<-ctx.Done()

	remaining, err := c.QueueLen(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading queue length: %w", err)
	}

	logger.Info("sync stopped", slog.Int("queued", remaining))

	return nil
}
