package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rxsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after env and flag overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				return printJSON(cc.Out, cc.Cfg)
			}

			return config.RenderEffective(cc.Cfg, cc.Out)
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := config.CreateDefault(cc.Cfg.ConfigPath, cc.Cfg.ServerURL); err != nil {
				return err
			}

			cc.Statusf("Wrote %s\n", cc.Cfg.ConfigPath)

			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <section.key> <value>",
		Short: "Set one key in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			section, key, ok := strings.Cut(args[0], ".")
			if !ok || section == "" || key == "" {
				return fmt.Errorf("%w: key must look like section.key, got %q", errUsage, args[0])
			}

			if _, err := os.Stat(cc.Cfg.ConfigPath); errors.Is(err, os.ErrNotExist) {
				if err := config.CreateDefault(cc.Cfg.ConfigPath, cc.Cfg.ServerURL); err != nil {
					return err
				}
			}

			if err := config.SetKey(cc.Cfg.ConfigPath, section, key, args[1]); err != nil {
				return err
			}

			// Re-load so a bad value is reported now rather than on the next run.
			if _, err := config.Load(cc.Cfg.ConfigPath); err != nil {
				return fmt.Errorf("config now invalid: %w", err)
			}

			cc.Statusf("Set %s = %s\n", args[0], args[1])

			return nil
		},
	}
}
