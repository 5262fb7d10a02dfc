// Package acquire materializes executable artifacts through an ordered chain
// of strategies and remembers which strategy won.
//
// Ownership boundary:
// - strategy ordering, budgets and temp work directories
// - artifact verification and atomic install
// - committed winner bookkeeping
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/edgeprov/internal/fallback"
	"github.com/danmuck/edgeprov/internal/observability"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/rs/zerolog/log"
)

var (
	ErrAcquisitionExhausted   = errors.New("acquire: all strategies failed")
	ErrArtifactMissing        = errors.New("acquire: artifact missing")
	ErrArtifactNotExecutable  = errors.New("acquire: artifact not executable")
	ErrInvalidTarget          = errors.New("acquire: invalid target")
	ErrNoMatchingReleaseAsset = errors.New("acquire: no matching release asset")
)

// Request is what a strategy receives for one attempt. WorkDir is private to
// the attempt and removed afterwards.
type Request struct {
	Target  string
	Dest    string
	WorkDir string
}

// Strategy is one way of producing an artifact. It returns the artifact path.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, req Request) (string, error)
}

// budgeted strategies override the target-level timeout.
type budgeted interface {
	Budget() time.Duration
}

// Target is a named artifact and its ordered strategies.
type Target struct {
	Name       string
	Path       string
	Timeout    time.Duration
	Strategies []Strategy
}

// Result is a successful acquisition.
type Result struct {
	Target   string
	Path     string
	Strategy string
	Reused   bool
}

// StrategyError is one failed attempt.
type StrategyError struct {
	Strategy string
	Err      error
}

// AcquisitionError is terminal for one target and carries every attempt.
type AcquisitionError struct {
	Target   string
	Failures []StrategyError
}

func (e *AcquisitionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Strategy, f.Err))
	}
	return fmt.Sprintf("target %q: %v: %s", e.Target, ErrAcquisitionExhausted, strings.Join(parts, "; "))
}

func (e *AcquisitionError) Unwrap() error {
	return ErrAcquisitionExhausted
}

// Report is the per-target outcome of AcquireAll.
type Report struct {
	Target string
	Result Result
	Err    error
}

// Pipeline runs strategies and persists winners.
type Pipeline struct {
	winners  *state.Winners
	workRoot string
}

func NewPipeline(winners *state.Winners, workRoot string) *Pipeline {
	return &Pipeline{winners: winners, workRoot: workRoot}
}

// AcquireAll acquires each target independently; one failure never stops the rest.
func (p *Pipeline) AcquireAll(ctx context.Context, targets []Target, force bool) []Report {
	reports := make([]Report, 0, len(targets))
	for _, target := range targets {
		res, err := p.Acquire(ctx, target, force)
		if err != nil {
			log.Error().Str("target", target.Name).Err(err).Msg("acquire.target_failed")
		}
		reports = append(reports, Report{Target: target.Name, Result: res, Err: err})
	}
	return reports
}

// Acquire returns the artifact for target. Without force a committed winner
// whose artifact still verifies is returned with no strategy calls.
func (p *Pipeline) Acquire(ctx context.Context, target Target, force bool) (Result, error) {
	if strings.TrimSpace(target.Name) == "" || len(target.Strategies) == 0 {
		return Result{Target: target.Name}, fmt.Errorf("%w: name and strategies are required", ErrInvalidTarget)
	}

	if !force {
		if res, ok := p.reuse(target); ok {
			return res, nil
		}
	}

	labels := strategyLabels(target.Strategies)
	steps := make([]fallback.Step[string], 0, len(target.Strategies))
	for i, strategy := range target.Strategies {
		strategy := strategy
		budget := target.Timeout
		if b, ok := strategy.(budgeted); ok && b.Budget() > 0 {
			budget = b.Budget()
		}
		steps = append(steps, fallback.Step[string]{
			Name:    labels[i],
			Timeout: budget,
			Run: func(ctx context.Context) (string, error) {
				return p.attempt(ctx, target, strategy)
			},
		})
	}

	out, err := fallback.Run(ctx, "acquire."+target.Name, steps)
	for _, a := range out.Attempts {
		outcome := "ok"
		if a.Err != nil {
			outcome = "failed"
		}
		observability.RecordAcquisition(target.Name, a.Name, outcome, a.Duration)
	}
	if err != nil {
		var exhausted *fallback.ExhaustedError
		if errors.As(err, &exhausted) {
			failures := make([]StrategyError, 0, len(exhausted.Attempts))
			for _, a := range exhausted.Attempts {
				failures = append(failures, StrategyError{Strategy: a.Name, Err: a.Err})
			}
			return Result{Target: target.Name}, &AcquisitionError{Target: target.Name, Failures: failures}
		}
		return Result{Target: target.Name}, fmt.Errorf("acquire target %q: %w", target.Name, err)
	}

	res := Result{Target: target.Name, Path: out.Value, Strategy: out.Winner}
	if p.winners != nil {
		win := state.Winner{Strategy: out.Winner, Path: out.Value, AcquiredAt: time.Now().UTC()}
		if err := p.winners.Put(target.Name, win); err != nil {
			return res, fmt.Errorf("acquire target %q: commit winner: %w", target.Name, err)
		}
	}
	log.Info().
		Str("target", target.Name).
		Str("strategy", out.Winner).
		Str("path", out.Value).
		Msg("acquire.committed")
	return res, nil
}

func (p *Pipeline) reuse(target Target) (Result, bool) {
	if p.winners == nil {
		return Result{}, false
	}
	win, ok, err := p.winners.Get(target.Name)
	if err != nil {
		log.Warn().Str("target", target.Name).Err(err).Msg("acquire.winner_unreadable")
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	if err := Verify(win.Path); err != nil {
		log.Warn().
			Str("target", target.Name).
			Str("strategy", win.Strategy).
			Err(err).
			Msg("acquire.winner_stale")
		if err := p.winners.Clear(target.Name); err != nil {
			log.Warn().Str("target", target.Name).Err(err).Msg("acquire.winner_clear_failed")
		}
		return Result{}, false
	}
	log.Info().
		Str("target", target.Name).
		Str("strategy", win.Strategy).
		Str("path", win.Path).
		Msg("acquire.reused")
	return Result{Target: target.Name, Path: win.Path, Strategy: win.Strategy, Reused: true}, true
}

func (p *Pipeline) attempt(ctx context.Context, target Target, strategy Strategy) (string, error) {
	if err := os.MkdirAll(p.workRoot, 0o755); err != nil {
		return "", err
	}
	workDir, err := os.MkdirTemp(p.workRoot, target.Name+"-"+strategy.Name()+"-")
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Str("dir", workDir).Err(err).Msg("acquire.workdir_cleanup_failed")
		}
	}()

	path, err := strategy.Acquire(ctx, Request{Target: target.Name, Dest: target.Path, WorkDir: workDir})
	if err != nil {
		return "", err
	}
	if err := Verify(path); err != nil {
		return "", err
	}
	return path, nil
}

func strategyLabels(strategies []Strategy) []string {
	counts := make(map[string]int, len(strategies))
	for _, s := range strategies {
		counts[s.Name()]++
	}
	labels := make([]string, len(strategies))
	for i, s := range strategies {
		labels[i] = s.Name()
		if counts[s.Name()] > 1 {
			labels[i] = fmt.Sprintf("%s#%d", s.Name(), i+1)
		}
	}
	return labels
}

// Verify checks that path is a regular file with an execute bit.
func Verify(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrArtifactMissing)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArtifactMissing, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrArtifactNotExecutable, path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s mode %v", ErrArtifactNotExecutable, path, info.Mode().Perm())
	}
	return nil
}

// InstallFile copies src to dest with mode 0755 via a temp file and rename.
func InstallFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".partial-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	committed = true
	return nil
}
