package acquire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/rs/zerolog/log"
)

// InstallerStrategy runs an official installer or package-manager command.
// The artifact is whatever the installer places at Produces.
type InstallerStrategy struct {
	Command  tools.Command
	Produces string
	Runner   tools.CommandRunner
	Timeout  time.Duration
}

func (s InstallerStrategy) Name() string { return "installer" }

func (s InstallerStrategy) Budget() time.Duration { return s.Timeout }

func (s InstallerStrategy) Acquire(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(s.Command.Name) == "" {
		return "", fmt.Errorf("%w: installer command is empty", ErrInvalidTarget)
	}
	runner := s.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}

	cmd := s.Command
	if cmd.Dir == "" {
		cmd.Dir = req.WorkDir
	}
	log.Info().Str("target", req.Target).Str("cmd", cmd.String()).Msg("acquire.installer_exec")
	if _, err := tools.RunChecked(ctx, runner, cmd); err != nil {
		return "", err
	}

	produced := strings.TrimSpace(s.Produces)
	if produced == "" {
		produced = req.Dest
	}
	return produced, nil
}
