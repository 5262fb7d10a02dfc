package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/gate"
	"github.com/danmuck/edgeprov/internal/migrate"
	"github.com/danmuck/edgeprov/internal/server"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate or supervise the credential-gated client",
	}
	cmd.AddCommand(newGateRunCmd(opts), newGateCheckCmd(opts), newGateUnitCmd(opts))
	return cmd
}

// newGate builds the gate against the committed acquisition winner when
// gate.binary names a target.
func newGate(cfg config.Config) (*gate.Gate, error) {
	if cfg.Gate.Binary == "" {
		return nil, usageError{errors.New("gate.binary is not configured")}
	}
	binary := ""
	if win, ok, err := state.NewWinners(cfg.AcquisitionsFile()).Get(cfg.Gate.Binary); err == nil && ok {
		binary = win.Path
	}
	gopts, err := gate.OptionsFromConfig(cfg, binary)
	if err != nil {
		return nil, usageError{err}
	}
	return gate.New(gopts, gate.ExecLauncher{}, handshakeRunner(cfg), state.NewGateFile(cfg.GateStateFile())), nil
}

func handshakeRunner(cfg config.Config) tools.CommandRunner {
	if !cfg.Gate.Handshake.Remote {
		return tools.ExecRunner{}
	}
	return tools.SSHRunner{
		Host:                        cfg.SSH.Host,
		Port:                        cfg.SSH.Port,
		User:                        cfg.SSH.User,
		KeyPath:                     cfg.SSH.KeyPath,
		KnownHostsPath:              cfg.SSH.KnownHosts,
		InsecureSkipHostKeyChecking: cfg.SSH.Insecure,
		Timeout:                     cfg.SSH.Timeout.Duration,
	}
}

func newGateRunCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise pairing and the client process until interrupted",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			g, err := newGate(cfg)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Gate.Listen
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			serveErr := make(chan error, 1)
			if listen != "" {
				srv := server.New(listen, cfg.Gate.CorsOrigins, g)
				srv.Winners = state.NewWinners(cfg.AcquisitionsFile())
				srv.Migrated = migrate.NewLog(cfg.Migration.LogFile)
				go func() {
					serveErr <- srv.Serve(ctx)
				}()
			}

			err = g.Run(ctx)
			cancel()
			if listen != "" {
				if serr := <-serveErr; serr != nil {
					log.Error().Err(serr).Msg("gate.server_failed")
				}
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve the status surface on this address (default gate.listen)")
	return cmd
}

func newGateCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Evaluate the gate preconditions once",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			g, err := newGate(cfg)
			if err != nil {
				return err
			}
			st, err := g.Check()
			fmt.Fprintf(cmd.OutOrStdout(), "gate: %s (%s)\n", st.State, st.Reason)
			if err != nil {
				return err
			}
			if st.State == gate.StateDegraded {
				return errReported
			}
			return nil
		},
	}
}

func newGateUnitCmd(opts *rootOptions) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Print the supervision unit for gate run",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := gate.RenderUnit(cfg, opts.configPath)
			if err != nil {
				return err
			}
			if !write {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if cfg.Gate.UnitPath == "" {
				return usageError{errors.New("gate.unit_path is not configured")}
			}
			changed, err := gate.WriteUnit(cfg.Gate.UnitPath, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s changed=%t\n", cfg.Gate.UnitPath, changed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "write to gate.unit_path instead of stdout")
	return cmd
}
