package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/edgeprov/internal/acquire"
	"github.com/danmuck/edgeprov/internal/migrate"
	"github.com/danmuck/edgeprov/internal/provision"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	var req provision.Request
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Apply config mutations, acquire artifacts and evaluate the gate",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			req.ConfigPath = opts.configPath
			sum, err := provision.New(cfg).Run(cmd.Context(), req)
			if errors.Is(err, acquire.ErrInvalidTarget) {
				return usageError{err}
			}
			if err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), sum)
			if sum.Failed() {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&req.Targets, "target", nil, "acquire only this target (repeatable)")
	cmd.Flags().BoolVar(&req.Force, "force", false, "ignore committed winners and re-run every strategy")
	cmd.Flags().BoolVar(&req.Migrate, "migrate", false, "scan attached volumes for legacy data")
	return cmd
}

func renderSummary(w io.Writer, sum provision.Summary) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("COMPONENT", "SUBJECT", "RESULT", "DETAIL")

	for _, m := range sum.Mutations {
		result, detail := string(m.Result.Status), m.Result.Backup
		if m.Err != nil {
			result, detail = "failed", m.Err.Error()
		} else if m.Result.Reason != "" {
			detail = m.Result.Reason
		}
		table.AddRow("config", m.Op+" "+m.File, result, detail)
	}

	for _, t := range sum.Targets {
		result := "acquired"
		detail := t.Result.Strategy + " " + t.Result.Path
		switch {
		case t.Err != nil:
			result, detail = "failed", t.Err.Error()
		case t.Result.Reused:
			result = "reused"
		}
		table.AddRow("acquire", t.Target, result, detail)
	}

	for _, m := range sum.Migrations {
		rec := m.Record
		detail := fmt.Sprintf("copied=%d skipped=%d failed=%d", rec.Copied, rec.Skipped, rec.Failed)
		if rec.Reason != "" {
			detail = rec.Reason
		}
		table.AddRow("migrate", m.Source, rec.Outcome, detail)
	}
	if sum.MigrationErr != nil && len(sum.Migrations) == 0 {
		result := "failed"
		if errors.Is(sum.MigrationErr, migrate.ErrNoLegacyData) {
			result = "skipped"
		}
		table.AddRow("migrate", "-", result, sum.MigrationErr.Error())
	}

	if sum.Gate != nil {
		detail := sum.Gate.Reason
		if sum.GateErr != nil {
			detail = sum.GateErr.Error()
		}
		table.AddRow("gate", "state", string(sum.Gate.State), detail)
	} else if sum.GateErr != nil {
		table.AddRow("gate", "state", "failed", sum.GateErr.Error())
	}
	if sum.UnitPath != "" {
		result := "unchanged"
		detail := ""
		switch {
		case sum.UnitErr != nil:
			result, detail = "failed", sum.UnitErr.Error()
		case sum.UnitChanged:
			result = "written"
		}
		table.AddRow("gate", sum.UnitPath, result, detail)
	}
	if sum.MetricsErr != nil {
		table.AddRow("metrics", "textfile", "failed", sum.MetricsErr.Error())
	}

	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "run %s exit=%d\n", sum.RunID, sum.ExitCode())
}
