package gate

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/tools"
)

// Options is the gate's view of its configuration.
type Options struct {
	Binary          string
	ClientConfig    string
	Credential      string
	WorkingDir      string
	Args            []string
	Profiles        map[string]map[string]string
	RetryInterval   time.Duration
	RestartBackoff  time.Duration
	PollInterval    time.Duration
	CrashLoopMax    int
	CrashLoopWindow time.Duration
	Handshake       tools.Command
	HandshakeBudget time.Duration
}

// OptionsFromConfig maps the gate section. binary overrides the configured
// path, e.g. with the committed acquisition winner.
func OptionsFromConfig(cfg config.Config, binary string) (Options, error) {
	g := cfg.Gate
	if binary == "" {
		binary = cfg.GateBinaryPath()
	}
	opts := Options{
		Binary:          binary,
		ClientConfig:    g.ClientConfig,
		Credential:      g.Credential,
		WorkingDir:      g.WorkingDir,
		Args:            g.Args,
		Profiles:        g.Profiles,
		RetryInterval:   g.RetryInterval.Duration,
		RestartBackoff:  g.RestartBackoff.Duration,
		PollInterval:    g.PollInterval.Duration,
		CrashLoopMax:    g.CrashLoopMax,
		CrashLoopWindow: g.CrashLoopWindow.Duration,
		HandshakeBudget: g.Handshake.Timeout.Duration,
	}
	if strings.TrimSpace(g.Handshake.Command) != "" {
		cmd, err := tools.SplitCommand(g.Handshake.Command)
		if err != nil {
			return Options{}, err
		}
		opts.Handshake = cmd
	}
	return opts, nil
}

func (o Options) credentialPresent() bool {
	info, err := os.Stat(o.Credential)
	return err == nil && info.Mode().IsRegular()
}

// Preconditions evaluates the stable preconditions and the credential.
// It returns Degraded, AwaitingCredential or Ready with a reason.
func (o Options) Preconditions() (State, string) {
	if !tools.IsExecutable(o.Binary) {
		return StateDegraded, fmt.Sprintf("%v: binary %s not executable", ErrPreconditionMissing, o.Binary)
	}
	if o.ClientConfig != "" {
		if _, err := os.Stat(o.ClientConfig); err != nil {
			return StateDegraded, fmt.Sprintf("%v: client config %s", ErrPreconditionMissing, o.ClientConfig)
		}
	}
	if !o.credentialPresent() {
		return StateAwaitingCredential, ErrCredentialMissing.Error()
	}
	return StateReady, "credential present"
}

// ResolveArgs expands ${name} placeholders in the configured argument
// vector from the named profile layered over the default profile. Order is
// preserved exactly.
func (o Options) ResolveArgs(profile string) ([]string, error) {
	values := map[string]string{
		"binary":        o.Binary,
		"client_config": o.ClientConfig,
		"credential":    o.Credential,
		"working_dir":   o.WorkingDir,
	}
	for k, v := range o.Profiles[config.ProfileDefault] {
		values[k] = v
	}
	if profile != config.ProfileDefault {
		for k, v := range o.Profiles[profile] {
			values[k] = v
		}
	}

	missing := map[string]struct{}{}
	args := make([]string, 0, len(o.Args))
	for _, a := range o.Args {
		args = append(args, os.Expand(a, func(key string) string {
			v, ok := values[key]
			if !ok {
				missing[key] = struct{}{}
			}
			return v
		}))
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for k := range missing {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: profile %q lacks %s", ErrUnresolvedPlaceholder, profile, strings.Join(names, ", "))
	}
	return args, nil
}

func (o Options) hasProfile(name string) bool {
	_, ok := o.Profiles[name]
	return ok
}
