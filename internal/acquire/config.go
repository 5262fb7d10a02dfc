package acquire

import (
	"fmt"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/tools"
)

// TargetsFromConfig builds pipeline targets. When names is non-empty only
// those targets are returned, in config order.
func TargetsFromConfig(cfg config.Config, runner tools.CommandRunner, source ReleaseSource, names ...string) ([]Target, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := cfg.Target(n); !ok {
			return nil, fmt.Errorf("%w: unknown target %q", ErrInvalidTarget, n)
		}
		want[n] = true
	}

	targets := make([]Target, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		if len(want) > 0 && !want[tc.Name] {
			continue
		}
		target := Target{Name: tc.Name, Path: tc.Path, Timeout: tc.Timeout.Duration}
		for i, sc := range tc.Strategies {
			strategy, err := strategyFromConfig(sc, runner, source)
			if err != nil {
				return nil, fmt.Errorf("target %q strategy %d: %w", tc.Name, i, err)
			}
			target.Strategies = append(target.Strategies, strategy)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func strategyFromConfig(sc config.StrategyConfig, runner tools.CommandRunner, source ReleaseSource) (Strategy, error) {
	switch sc.Kind {
	case config.StrategyInstaller:
		cmd, err := tools.SplitCommand(sc.Command)
		if err != nil {
			return nil, err
		}
		return InstallerStrategy{Command: cmd, Produces: sc.Produces, Runner: runner, Timeout: sc.Timeout.Duration}, nil
	case config.StrategyRelease:
		return ReleaseStrategy{
			Repo:    sc.Repo,
			Match:   sc.Match,
			Exclude: sc.Exclude,
			Binary:  sc.Binary,
			Source:  source,
			Timeout: sc.Timeout.Duration,
		}, nil
	case config.StrategyBuild:
		cmds := make([]tools.Command, 0, len(sc.Commands))
		for _, line := range sc.Commands {
			cmd, err := tools.SplitCommand(line)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		return BuildStrategy{
			RepoURL:  sc.RepoURL,
			Ref:      sc.Ref,
			Commands: cmds,
			Output:   sc.Output,
			Runner:   runner,
			Timeout:  sc.Timeout.Duration,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy kind %q", ErrInvalidTarget, sc.Kind)
	}
}
