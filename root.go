package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/rxsync/internal/client"
	"github.com/tonimelisma/rxsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServer     string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags holds the parsed persistent flags.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once per invocation by the root pre-run and carried
// on the command context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	Out    io.Writer
}

// openClientOptions lets tests adjust Options before the client is built.
var openClientOptions = func(*client.Options) {}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Panics
// if called from a command that bypassed it.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// openClient opens the data layer for the resolved configuration.
func (cc *CLIContext) openClient(ctx context.Context) (*client.Client, error) {
	opts := client.OptionsFromConfig(cc.Cfg, cc.Logger)
	openClientOptions(&opts)

	return client.New(ctx, &opts)
}

// newRootCmd builds the fully-assembled root command with all subcommands
// registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rxsync",
		Short: "Offline-first sync client for the pharmacy backend",
		Long: `rxsync keeps a local copy of prescriptions, inventory and patients, queues
changes made while offline, and uploads them when the backend is reachable.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := buildCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServer, "server", "", "backend base URL (overrides config)")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for the local database and token")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newPrefetchCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// buildCLIContext resolves configuration from the override chain and
// builds the logger. Only flags the user actually set are passed on.
func buildCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flagServer
	}

	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flagDataDir
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
		Cfg:    resolved,
		Logger: buildLogger(resolved, os.Stderr),
		Out:    cmd.OutOrStdout(),
	}, nil
}

// buildLogger creates an slog.Logger from the resolved config and CLI
// flags. The config file sets the baseline level; --verbose and --quiet
// override it.
func buildLogger(cfg *config.Resolved, w *os.File) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, w) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// useJSONLogs reports whether logs go out as JSON: always for "json",
// never for "text", and for "auto" only when w is not a terminal.
func useJSONLogs(format string, w *os.File) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		fd := w.Fd()
		return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
}

// errUsage marks errors caused by bad arguments.
var errUsage = errors.New("usage error")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
