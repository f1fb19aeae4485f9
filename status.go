package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rxsync/internal/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, session and queue state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

type statusOutput struct {
	Server        string     `json:"server"`
	Online        bool       `json:"online"`
	LoggedIn      bool       `json:"logged_in"`
	Email         string     `json:"email,omitempty"`
	TokenExpires  *time.Time `json:"token_expires,omitempty"`
	QueueLength   int        `json:"queue_length"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	DaemonPID     int        `json:"daemon_pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	pending, err := c.Pending(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{
		Server:      cc.Cfg.ServerURL,
		Online:      c.Online(),
		QueueLength: len(pending),
		DaemonPID:   runningDaemon(config.PIDFilePath(filepath.Dir(cc.Cfg.StorePath))),
	}

	if len(pending) > 0 {
		oldest := pending[0].EnqueuedAt
		out.OldestPending = &oldest
	}

	if tok := c.Token(); tok != nil {
		out.LoggedIn = true
		out.Email = c.Account().Email

		if !tok.Expiry.IsZero() {
			exp := tok.Expiry
			out.TokenExpires = &exp
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	printStatusText(cc, &out)

	return nil
}

func printStatusText(cc *CLIContext, out *statusOutput) {
	w := cc.Out

	conn := "offline"
	if out.Online {
		conn = "online"
	}

	fmt.Fprintf(w, "Server:   %s (%s)\n", out.Server, conn)

	switch {
	case !out.LoggedIn:
		fmt.Fprintln(w, "Session:  not logged in")
	case out.TokenExpires != nil:
		fmt.Fprintf(w, "Session:  %s (token expires %s)\n", out.Email, formatTime(*out.TokenExpires))
	default:
		fmt.Fprintf(w, "Session:  %s\n", out.Email)
	}

	if out.OldestPending != nil {
		fmt.Fprintf(w, "Queue:    %d pending (oldest %s)\n", out.QueueLength, formatAge(*out.OldestPending, time.Now()))
	} else {
		fmt.Fprintf(w, "Queue:    %d pending\n", out.QueueLength)
	}

	if out.DaemonPID > 0 {
		fmt.Fprintf(w, "Daemon:   running (PID %d)\n", out.DaemonPID)
	} else {
		fmt.Fprintln(w, "Daemon:   not running")
	}
}
