package main

import (
	"fmt"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check a provisioning config",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config to --config",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Template(kind); err != nil {
				return usageError{err}
			}
			if err := config.WriteTemplate(opts.configPath, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.configPath)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "stream-client", "template kind: stream-client or recorder")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate --config",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: %d mutations, %d targets, migration=%t, gate=%t\n",
				opts.configPath, len(cfg.Mutations), len(cfg.Targets), cfg.Migration.Enabled, cfg.Gate.Binary != "")
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
