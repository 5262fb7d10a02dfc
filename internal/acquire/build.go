package acquire

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/rs/zerolog/log"
)

// BuildStrategy clones a source repository and runs its build commands.
// Output is relative to the checkout.
type BuildStrategy struct {
	RepoURL  string
	Ref      string
	Commands []tools.Command
	Output   string
	Runner   tools.CommandRunner
	Timeout  time.Duration
}

func (s BuildStrategy) Name() string { return "build" }

func (s BuildStrategy) Budget() time.Duration { return s.Timeout }

func (s BuildStrategy) Acquire(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(s.RepoURL) == "" || strings.TrimSpace(s.Output) == "" {
		return "", fmt.Errorf("%w: build needs repo url and output", ErrInvalidTarget)
	}
	runner := s.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}

	src := filepath.Join(req.WorkDir, "src")
	args := []string{"clone", "--depth", "1"}
	if s.Ref != "" {
		args = append(args, "--branch", s.Ref)
	}
	args = append(args, s.RepoURL, src)
	clone := tools.Command{Name: "git", Args: args, Dir: req.WorkDir}
	log.Info().Str("target", req.Target).Str("repo", s.RepoURL).Str("ref", s.Ref).Msg("acquire.build_clone")
	if _, err := tools.RunChecked(ctx, runner, clone); err != nil {
		return "", err
	}

	for i, cmd := range s.Commands {
		cmd.Dir = src
		log.Info().
			Str("target", req.Target).
			Int("step", i+1).
			Str("cmd", cmd.String()).
			Msg("acquire.build_step")
		if _, err := tools.RunChecked(ctx, runner, cmd); err != nil {
			return "", fmt.Errorf("build step %d: %w", i+1, err)
		}
	}

	out := filepath.Join(src, filepath.FromSlash(s.Output))
	if err := Verify(out); err != nil {
		return "", fmt.Errorf("build output: %w", err)
	}
	if err := InstallFile(out, req.Dest); err != nil {
		return "", fmt.Errorf("install %s: %w", req.Dest, err)
	}
	return req.Dest, nil
}
