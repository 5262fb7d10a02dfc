// Package provision composes one provisioning run: config mutations,
// artifact acquisition, optional legacy data migration and a gate evaluation.
//
// Ownership boundary:
// - the run lock
// - per-component error isolation
// - the run summary and its exit code
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/edgeprov/internal/acquire"
	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/confmut"
	"github.com/danmuck/edgeprov/internal/gate"
	"github.com/danmuck/edgeprov/internal/migrate"
	"github.com/danmuck/edgeprov/internal/observability"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrLocked           = errors.New("provision: another run holds the lock")
	ErrRequiredFileGone = errors.New("provision: required config file is missing")
	ErrNoMigration      = errors.New("provision: migration has no signatures configured")
)

const (
	ExitOK      = 0
	ExitPartial = 1
	ExitUsage   = 2
)

// Request selects what one run does.
type Request struct {
	ConfigPath string
	Targets    []string
	Force      bool
	Migrate    bool
}

// MutationReport is the outcome of one configured mutation.
type MutationReport struct {
	File   string
	Op     string
	Result confmut.Result
	Err    error
}

// Summary enumerates everything one run touched.
type Summary struct {
	RunID        string
	Mutations    []MutationReport
	Targets      []acquire.Report
	Migrations   []migrate.Report
	MigrationErr error
	Gate         *gate.Status
	GateErr      error
	UnitPath     string
	UnitChanged  bool
	UnitErr      error
	MetricsErr   error
}

// Failed reports whether any component ended in an error. Missing legacy
// data and a missing credential are informational.
func (s Summary) Failed() bool {
	for _, m := range s.Mutations {
		if m.Err != nil {
			return true
		}
	}
	for _, t := range s.Targets {
		if t.Err != nil {
			return true
		}
	}
	if s.MigrationErr != nil && !errors.Is(s.MigrationErr, migrate.ErrNoLegacyData) {
		return true
	}
	if s.Gate != nil && s.Gate.State == gate.StateDegraded {
		return true
	}
	return s.GateErr != nil || s.UnitErr != nil || s.MetricsErr != nil
}

func (s Summary) ExitCode() int {
	if s.Failed() {
		return ExitPartial
	}
	return ExitOK
}

// Provisioner carries the collaborators of a run. Zero-valued fields are
// filled with the host implementations by New.
type Provisioner struct {
	Config   config.Config
	Runner   tools.CommandRunner
	Releases acquire.ReleaseSource
	Volumes  migrate.VolumeLister
	Mounter  migrate.Mounter
	Launcher gate.Launcher
}

func New(cfg config.Config) *Provisioner {
	runner := tools.ExecRunner{}
	return &Provisioner{
		Config:   cfg,
		Runner:   runner,
		Releases: acquire.NewGitHubReleases(cfg.ReleaseAPI),
		Volumes:  migrate.LsblkLister{Runner: runner},
		Mounter:  migrate.SysMounter{Root: cfg.Migration.MountRoot},
		Launcher: gate.ExecLauncher{},
	}
}

// Lock takes the run lock without blocking. The returned func releases it.
func Lock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("provision.unlock_failed")
		}
	}, nil
}

// Run executes one provisioning pass. The returned error is non-nil only
// when the run could not start; component failures land in the Summary.
func (p *Provisioner) Run(ctx context.Context, req Request) (Summary, error) {
	cfg := p.Config
	sum := Summary{RunID: uuid.NewString()}

	targets, err := acquire.TargetsFromConfig(cfg, p.Runner, p.Releases, req.Targets...)
	if err != nil {
		return sum, err
	}

	unlock, err := Lock(cfg.LockFile)
	if err != nil {
		return sum, err
	}
	defer unlock()

	logger := log.With().Str("run_id", sum.RunID).Logger()
	logger.Info().Int("mutations", len(cfg.Mutations)).Int("targets", len(cfg.Targets)).Msg("provision.started")

	sum.Mutations = p.applyMutations(cfg)

	winners := state.NewWinners(cfg.AcquisitionsFile())
	pipeline := acquire.NewPipeline(winners, filepath.Join(cfg.StateDir, "work"))
	sum.Targets = pipeline.AcquireAll(ctx, targets, req.Force)

	if req.Migrate || cfg.Migration.Enabled {
		sum.Migrations, sum.MigrationErr = p.migrate(ctx, cfg)
	}

	if cfg.Gate.Binary != "" {
		p.evaluateGate(cfg, req.ConfigPath, &sum, winners)
	}

	if cfg.MetricsTextfile != "" {
		sum.MetricsErr = observability.WriteTextfile(cfg.MetricsTextfile)
	}

	event := logger.Info()
	if sum.Failed() {
		event = logger.Warn()
	}
	event.Int("exit_code", sum.ExitCode()).Msg("provision.finished")
	return sum, nil
}

func (p *Provisioner) applyMutations(cfg config.Config) []MutationReport {
	session := confmut.NewSession(cfg.BackupSuffix)
	reports := make([]MutationReport, 0, len(cfg.Mutations))
	for _, m := range cfg.Mutations {
		var (
			res confmut.Result
			err error
		)
		switch m.Op {
		case config.MutationSetKey:
			res, err = session.SetKeyValue(m.File, m.Key, m.Value)
		case config.MutationEnsureLine:
			pred := confmut.Equals(m.Line)
			if m.Match != "" {
				pred = confmut.HasKey(m.Match)
			}
			res, err = session.EnsureLine(m.File, pred, m.Line)
		default:
			err = fmt.Errorf("unknown mutation op %q", m.Op)
		}
		if err == nil && m.Required && res.Skipped() {
			err = fmt.Errorf("%w: %s", ErrRequiredFileGone, m.File)
		}
		if err != nil {
			log.Error().Str("file", m.File).Str("op", m.Op).Err(err).Msg("provision.mutation_failed")
		}
		reports = append(reports, MutationReport{File: m.File, Op: m.Op, Result: res, Err: err})
	}
	return reports
}

func (p *Provisioner) migrate(ctx context.Context, cfg config.Config) ([]migrate.Report, error) {
	if len(cfg.Migration.Signatures) == 0 {
		return nil, ErrNoMigration
	}
	records := migrate.NewLog(cfg.Migration.LogFile)
	opts := migrate.OptionsFromConfig(cfg.Migration)
	opts.SkipMigrated = true
	m := migrate.New(opts, p.Volumes, p.Mounter, p.Runner, records)
	reports, err := m.Run(ctx, "", "")
	if errors.Is(err, migrate.ErrNoLegacyData) {
		log.Info().Str("run_id", m.RunID()).Msg("provision.no_legacy_data")
	}
	return reports, err
}

func (p *Provisioner) evaluateGate(cfg config.Config, configPath string, sum *Summary, winners *state.Winners) {
	binary := ""
	if win, ok, err := winners.Get(cfg.Gate.Binary); err == nil && ok {
		binary = win.Path
	}
	opts, err := gate.OptionsFromConfig(cfg, binary)
	if err != nil {
		sum.GateErr = err
		return
	}
	g := gate.New(opts, p.Launcher, p.Runner, state.NewGateFile(cfg.GateStateFile()))
	st, err := g.Check()
	sum.Gate = &st
	if err != nil {
		sum.GateErr = err
		return
	}

	if cfg.Gate.UnitPath == "" || configPath == "" {
		return
	}
	sum.UnitPath = cfg.Gate.UnitPath
	data, err := gate.RenderUnit(cfg, configPath)
	if err != nil {
		sum.UnitErr = err
		return
	}
	sum.UnitChanged, sum.UnitErr = gate.WriteUnit(cfg.Gate.UnitPath, data)
	if sum.UnitErr == nil {
		log.Info().Str("path", cfg.Gate.UnitPath).Bool("changed", sum.UnitChanged).Msg("provision.unit_written")
	}
}
