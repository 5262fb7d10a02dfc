package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/provision"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/edgeprov/edgeprov.toml"

// errReported marks a failure already rendered in the command output.
var errReported = errors.New("run finished with failures")

// usageError is an invalid invocation: bad flags, arguments or config.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return provision.ExitOK
	}
	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		return provision.ExitUsage
	}
	return provision.ExitPartial
}

type rootOptions struct {
	configPath string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "provisionctl",
		Short:         "Provision an edge node and gate its long-running client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.PersistentFlags().StringVar(&opts.configPath, "config", envOr("EDGEPROV_CONFIG", defaultConfigPath), "path to the provisioning config")

	root.AddCommand(
		newProvisionCmd(opts),
		newMigrateCmd(opts),
		newStatusCmd(opts),
		newGateCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, usageError{err}
	}
	return cfg, nil
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("%s takes no arguments, got %q", cmd.CommandPath(), args)}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
