package main

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgeprov/internal/migrate"
	"github.com/danmuck/edgeprov/internal/provision"
	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var (
		source   string
		strategy string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy legacy data from attached volumes or an explicit path",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch strategy {
			case "", migrate.StrategyAuto, migrate.StrategyTool, migrate.StrategyCopy:
			default:
				return usageError{fmt.Errorf("%w: %q", migrate.ErrUnknownStrategy, strategy)}
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Migration.Destination == "" {
				return usageError{errors.New("migration.destination is not configured")}
			}
			if source == "" && len(cfg.Migration.Signatures) == 0 {
				return usageError{errors.New("migration.signatures are required to scan volumes")}
			}

			unlock, err := provision.Lock(cfg.LockFile)
			if err != nil {
				return err
			}
			defer unlock()

			mopts := migrate.OptionsFromConfig(cfg.Migration)
			mopts.DryRun = dryRun
			runner := tools.ExecRunner{}
			m := migrate.New(mopts, migrate.LsblkLister{Runner: runner}, migrate.SysMounter{Root: cfg.Migration.MountRoot}, runner, migrate.NewLog(cfg.Migration.LogFile))

			reports, err := m.Run(cmd.Context(), source, strategy)
			if errors.Is(err, migrate.ErrNoLegacyData) {
				fmt.Fprintf(cmd.OutOrStdout(), "no legacy data found (run %s)\n", m.RunID())
				return nil
			}
			renderMigration(cmd, reports, dryRun)
			fmt.Fprintf(cmd.OutOrStdout(), "run %s\n", m.RunID())
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "migrate from this directory instead of scanning volumes")
	cmd.Flags().StringVar(&strategy, "strategy", "", "auto, tool or copy (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be copied without writing")
	return cmd
}

func renderMigration(cmd *cobra.Command, reports []migrate.Report, dryRun bool) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	if dryRun {
		table.AddRow("SOURCE", "ACTION", "PATH")
		for _, rep := range reports {
			for _, entry := range rep.Plan {
				table.AddRow(rep.Source, entry.Action, entry.Path)
			}
		}
	} else {
		table.AddRow("SOURCE", "STRATEGY", "OUTCOME", "COPIED", "SKIPPED", "FAILED", "BACKUP")
		for _, rep := range reports {
			rec := rep.Record
			table.AddRow(rep.Source, rec.Strategy, rec.Outcome, rec.Copied, rec.Skipped, rec.Failed, rec.Backup)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
}
