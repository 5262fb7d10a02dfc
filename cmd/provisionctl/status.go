package main

import (
	"fmt"
	"sort"

	"github.com/danmuck/edgeprov/internal/acquire"
	"github.com/danmuck/edgeprov/internal/migrate"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var records int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show committed artifacts, the gate state and recent migrations",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			winners, err := state.NewWinners(cfg.AcquisitionsFile()).All()
			if err != nil {
				return err
			}
			targets := uitable.New()
			targets.AddRow("TARGET", "STRATEGY", "PATH", "VERIFIED", "ACQUIRED")
			names := make([]string, 0, len(cfg.Targets))
			for _, t := range cfg.Targets {
				names = append(names, t.Name)
			}
			sort.Strings(names)
			for _, name := range names {
				win, ok := winners[name]
				if !ok {
					targets.AddRow(name, "-", "-", "no", "-")
					continue
				}
				verified := "yes"
				if err := acquire.Verify(win.Path); err != nil {
					verified = "no"
				}
				targets.AddRow(name, win.Strategy, win.Path, verified, win.AcquiredAt.Format("2006-01-02 15:04:05Z"))
			}
			fmt.Fprintln(out, targets)

			rec, ok, err := state.NewGateFile(cfg.GateStateFile()).Load()
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			if ok {
				fmt.Fprintf(out, "gate: %s (%s) profile=%s restarts=%d updated=%s\n",
					rec.State, rec.Reason, rec.Profile, rec.Restarts, rec.UpdatedAt.Format("2006-01-02 15:04:05Z"))
			} else {
				fmt.Fprintln(out, "gate: never evaluated")
			}

			tail, err := migrate.NewLog(cfg.Migration.LogFile).Tail(records)
			if err != nil {
				return err
			}
			if len(tail) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			migrations := uitable.New()
			migrations.MaxColWidth = 60
			migrations.AddRow("TIME", "SOURCE", "OUTCOME", "COPIED", "REASON")
			for _, r := range tail {
				migrations.AddRow(r.Time.Format("2006-01-02 15:04:05Z"), r.Source, r.Outcome, r.Copied, r.Reason)
			}
			fmt.Fprintln(out, migrations)
			return nil
		},
	}
	cmd.Flags().IntVar(&records, "records", 5, "number of migration records to show")
	return cmd
}
