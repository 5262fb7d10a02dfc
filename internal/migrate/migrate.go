// Package migrate finds legacy data on attached volumes and merges it into a
// destination without destroying anything already there.
//
// Ownership boundary:
// - sequential volume mount, bounded scan and release
// - tool-then-copy migration with timestamped primary backup
// - the append-only migration log
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/fallback"
	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
)

const (
	StrategyAuto = "auto"
	StrategyTool = "tool"
	StrategyCopy = "copy"
)

var (
	ErrNoLegacyData    = errors.New("migrate: no legacy data found")
	ErrUnknownStrategy = errors.New("migrate: unknown strategy")
	ErrScanIncomplete  = errors.New("migrate: volumes could not be scanned")
)

// FileError is one file that could not be copied.
type FileError struct {
	Path string
	Err  error
}

// PartialError reports a migration where some files failed to copy.
type PartialError struct {
	Source   string
	Copied   int
	Failures []FileError
}

func (e *PartialError) Error() string {
	first := ""
	if len(e.Failures) > 0 {
		first = fmt.Sprintf(" (first: %s: %v)", e.Failures[0].Path, e.Failures[0].Err)
	}
	return fmt.Sprintf("migration from %s partial: %d copied, %d failed%s", e.Source, e.Copied, len(e.Failures), first)
}

// Tool is an external conversion program. Args may reference ${source},
// ${destination}, ${primary} and ${source_primary}.
type Tool struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

type Options struct {
	Destination string
	Primary     string
	Signatures  []Signature
	MaxDepth    int
	Strategy    string
	Tool        Tool
	DryRun      bool
	// SkipMigrated leaves a source alone when the log already holds a copied
	// or partial record for it and the same destination.
	SkipMigrated bool
}

// OptionsFromConfig maps the migration section of the config.
func OptionsFromConfig(cfg config.MigrationConfig) Options {
	sigs := make([]Signature, 0, len(cfg.Signatures))
	for _, s := range cfg.Signatures {
		sigs = append(sigs, Signature{Path: s.Path, Kind: s.Kind})
	}
	return Options{
		Destination: cfg.Destination,
		Primary:     cfg.Primary,
		Signatures:  sigs,
		MaxDepth:    cfg.MaxDepth,
		Strategy:    cfg.Strategy,
		Tool:        Tool{Path: cfg.Tool.Path, Args: cfg.Tool.Args, Timeout: cfg.Tool.Timeout.Duration},
	}
}

// PlanEntry is one dry-run decision.
type PlanEntry struct {
	Action string
	Path   string
}

const (
	PlanCopy   = "would-copy"
	PlanSkip   = "would-skip"
	PlanBackup = "would-backup"
)

// Report is the outcome of migrating one source.
type Report struct {
	Source string
	Record Record
	Plan   []PlanEntry
}

type stats struct {
	Copied   int
	Skipped  int
	Bytes    int64
	Backup   string
	Failures []FileError
}

// Migrator owns one migration run. Every record it appends shares RunID.
type Migrator struct {
	opts    Options
	lister  VolumeLister
	mounter Mounter
	runner  tools.CommandRunner
	log     *Log
	clock   clock.Clock
	runID   string
}

func New(opts Options, lister VolumeLister, mounter Mounter, runner tools.CommandRunner, records *Log) *Migrator {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 4
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	return &Migrator{
		opts:    opts,
		lister:  lister,
		mounter: mounter,
		runner:  runner,
		log:     records,
		clock:   clock.WallClock,
		runID:   uuid.NewString(),
	}
}

// WithClock replaces the clock used for record and backup timestamps.
func (m *Migrator) WithClock(c clock.Clock) *Migrator {
	m.clock = c
	return m
}

func (m *Migrator) RunID() string { return m.runID }

// Run migrates from sourcePath when set, otherwise scans volumes first.
// A scan with no findings returns ErrNoLegacyData.
func (m *Migrator) Run(ctx context.Context, sourcePath, strategy string) ([]Report, error) {
	var sources []Source
	if sourcePath != "" {
		abs, err := filepath.Abs(sourcePath)
		if err != nil {
			return nil, err
		}
		sources = []Source{{Path: abs, Dir: "."}}
	} else {
		found, err := m.Scan(ctx, nil)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, ErrNoLegacyData
		}
		sources = found
	}

	reports := make([]Report, 0, len(sources))
	var errs []error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := m.Migrate(ctx, src, strategy)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// Scan mounts each volume in turn and returns the ones holding legacy data.
// Each volume is released before the next is mounted.
func (m *Migrator) Scan(ctx context.Context, volumes []Volume) ([]Source, error) {
	if volumes == nil {
		if m.lister == nil {
			return nil, fmt.Errorf("migrate: no volume lister configured")
		}
		listed, err := m.lister.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list volumes: %w", err)
		}
		volumes = listed
	}

	var sources []Source
	var failures []string
	for i := range volumes {
		if err := ctx.Err(); err != nil {
			return sources, err
		}
		v := volumes[i]
		src, ok, err := m.scanVolume(ctx, v)
		if err != nil {
			log.Warn().Str("volume", v.String()).Err(err).Msg("migrate.scan_volume_failed")
			failures = append(failures, fmt.Sprintf("%s: %v", v, err))
			continue
		}
		if ok {
			log.Info().
				Str("volume", v.String()).
				Str("dir", src.Dir).
				Strs("signatures", src.Matches).
				Msg("migrate.legacy_found")
			sources = append(sources, src)
		}
	}

	if len(sources) == 0 && len(failures) > 0 {
		err := fmt.Errorf("%w: %d of %d failed (%s)", ErrScanIncomplete, len(failures), len(volumes), strings.Join(failures, "; "))
		log.Warn().Int("volumes", len(volumes)).Int("failed", len(failures)).Msg("migrate.scan_incomplete")
		if !m.opts.DryRun {
			if aerr := m.append(Record{
				Destination: m.opts.Destination,
				Outcome:     OutcomeFailed,
				Reason:      err.Error(),
			}); aerr != nil {
				return nil, errors.Join(err, aerr)
			}
		}
		return nil, err
	}
	if len(sources) == 0 {
		log.Info().Int("volumes", len(volumes)).Msg("migrate.no_legacy_data")
		if !m.opts.DryRun {
			if err := m.append(Record{
				Destination: m.opts.Destination,
				Outcome:     OutcomeSkipped,
				Reason:      ErrNoLegacyData.Error(),
			}); err != nil {
				return nil, err
			}
		}
	}
	return sources, nil
}

func (m *Migrator) scanVolume(ctx context.Context, v Volume) (Source, bool, error) {
	root, release, err := m.mounter.Mount(ctx, v)
	if err != nil {
		return Source{}, false, err
	}
	defer m.release(v.String(), release)

	dir, matches, ok := findDataRoot(ctx, root, m.opts.Signatures, m.opts.MaxDepth)
	if err := ctx.Err(); err != nil {
		return Source{}, false, err
	}
	if !ok {
		return Source{}, false, nil
	}
	vol := v
	return Source{Volume: &vol, Dir: dir, Matches: matches}, true, nil
}

func (m *Migrator) release(name string, release func() error) {
	if err := release(); err != nil {
		log.Error().Str("volume", name).Err(err).Msg("migrate.release_failed")
	}
}

// Migrate merges one source into the destination with strategy (auto, tool
// or copy; empty uses the configured default) and appends one record.
func (m *Migrator) Migrate(ctx context.Context, src Source, strategy string) (Report, error) {
	if strategy == "" {
		strategy = m.opts.Strategy
	}
	rep := Report{Source: src.String()}
	rec := Record{Source: src.String(), Destination: m.opts.Destination, Strategy: strategy}
	if src.Volume != nil {
		rec.Volume = src.Volume.Device
	}

	steps, err := m.steps(strategy)
	if err != nil {
		return rep, err
	}

	if m.opts.SkipMigrated && !m.opts.DryRun && m.log != nil {
		prev, done, err := m.log.Migrated(rec.Source, rec.Destination)
		if err != nil {
			return rep, err
		}
		if done {
			rec.Outcome = OutcomeSkipped
			rec.Reason = fmt.Sprintf("already migrated (record %s)", prev.ID)
			rep.Record = rec
			log.Info().Str("source", rec.Source).Str("record", prev.ID).Msg("migrate.already_migrated")
			return rep, m.append(rec)
		}
	}

	root := src.Path
	if src.Volume != nil {
		dir, release, err := m.mounter.Mount(ctx, *src.Volume)
		if err != nil {
			rec.Outcome = OutcomeFailed
			rec.Reason = err.Error()
			rep.Record = rec
			return rep, errors.Join(fmt.Errorf("mount %s: %w", src.Volume, err), m.append(rec))
		}
		defer m.release(src.Volume.String(), release)
		root = dir
	}
	dataDir := filepath.Join(root, src.Dir)

	if m.opts.DryRun {
		plan, err := m.plan(ctx, dataDir)
		rep.Plan = plan
		return rep, err
	}

	var backup string
	chain := make([]fallback.Step[stats], 0, len(steps))
	for _, name := range steps {
		switch name {
		case StrategyTool:
			chain = append(chain, fallback.Step[stats]{
				Name:    StrategyTool,
				Timeout: m.opts.Tool.Timeout,
				Run: func(ctx context.Context) (stats, error) {
					return m.runTool(ctx, dataDir, &backup)
				},
			})
		case StrategyCopy:
			chain = append(chain, fallback.Step[stats]{
				Name: StrategyCopy,
				Run: func(ctx context.Context) (stats, error) {
					return m.copyTree(ctx, dataDir, &backup)
				},
			})
		}
	}

	out, err := fallback.Run(ctx, "migrate", chain)
	rec.Backup = backup
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
		rep.Record = rec
		return rep, errors.Join(fmt.Errorf("migrate %s: %w", src, err), m.append(rec))
	}

	st := out.Value
	rec.Strategy = out.Winner
	rec.Copied, rec.Skipped, rec.Failed, rec.Bytes = st.Copied, st.Skipped, len(st.Failures), st.Bytes

	var result error
	switch {
	case len(st.Failures) > 0 && st.Copied == 0:
		rec.Outcome = OutcomeFailed
		result = &PartialError{Source: src.String(), Failures: st.Failures}
		rec.Reason = result.Error()
	case len(st.Failures) > 0:
		rec.Outcome = OutcomePartial
		result = &PartialError{Source: src.String(), Copied: st.Copied, Failures: st.Failures}
		rec.Reason = result.Error()
	case out.Winner == StrategyCopy && st.Copied == 0:
		rec.Outcome = OutcomeSkipped
		rec.Reason = "destination already holds every file"
	default:
		rec.Outcome = OutcomeCopied
	}
	rep.Record = rec

	log.Info().
		Str("source", src.String()).
		Str("strategy", out.Winner).
		Str("outcome", rec.Outcome).
		Int("copied", rec.Copied).
		Int("skipped", rec.Skipped).
		Int("failed", rec.Failed).
		Str("bytes", humanize.Bytes(uint64(rec.Bytes))).
		Str("backup", rec.Backup).
		Msg("migrate.completed")

	if err := m.append(rec); err != nil {
		return rep, errors.Join(result, err)
	}
	return rep, result
}

func (m *Migrator) steps(strategy string) ([]string, error) {
	switch strategy {
	case StrategyAuto:
		return []string{StrategyTool, StrategyCopy}, nil
	case StrategyTool:
		return []string{StrategyTool}, nil
	case StrategyCopy:
		return []string{StrategyCopy}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func (m *Migrator) append(rec Record) error {
	if m.log == nil {
		return nil
	}
	rec.ID = uuid.NewString()
	rec.RunID = m.runID
	rec.Time = m.clock.Now().UTC()
	return m.log.Append(rec)
}

func (m *Migrator) runTool(ctx context.Context, dataDir string, backup *string) (stats, error) {
	tool := m.opts.Tool
	if strings.TrimSpace(tool.Path) == "" || !tools.IsExecutable(tool.Path) {
		return stats{}, fmt.Errorf("%w: conversion tool %q not installed", fallback.ErrNotApplies, tool.Path)
	}
	if *backup == "" {
		b, err := m.backupPrimary()
		if err != nil {
			return stats{}, err
		}
		*backup = b
	}

	vars := map[string]string{
		"source":         dataDir,
		"destination":    m.opts.Destination,
		"primary":        filepath.Join(m.opts.Destination, filepath.FromSlash(m.opts.Primary)),
		"source_primary": filepath.Join(dataDir, filepath.FromSlash(m.opts.Primary)),
	}
	args := make([]string, 0, len(tool.Args))
	for _, a := range tool.Args {
		args = append(args, os.Expand(a, func(k string) string { return vars[k] }))
	}
	cmd := tools.Command{Name: tool.Path, Args: args}
	log.Info().Str("cmd", cmd.String()).Msg("migrate.tool_exec")
	if _, err := tools.RunChecked(ctx, m.runner, cmd); err != nil {
		return stats{Backup: *backup}, err
	}
	return stats{Backup: *backup}, nil
}

// copyTree merges dataDir into the destination. Existing files are never
// overwritten except the primary, which is backed up first.
func (m *Migrator) copyTree(ctx context.Context, dataDir string, backup *string) (stats, error) {
	var st stats
	primary := filepath.Clean(filepath.FromSlash(m.opts.Primary))
	err := filepath.WalkDir(dataDir, func(path string, d os.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if walkErr != nil {
			st.Failures = append(st.Failures, FileError{Path: rel, Err: walkErr})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		dest := filepath.Join(m.opts.Destination, rel)
		isPrimary := m.opts.Primary != "" && rel == primary
		if _, err := os.Lstat(dest); err == nil {
			if !isPrimary {
				st.Skipped++
				return nil
			}
			if *backup == "" {
				b, err := m.backupPrimary()
				if err != nil {
					st.Failures = append(st.Failures, FileError{Path: rel, Err: err})
					return nil
				}
				*backup = b
			}
		}

		n, err := copyFile(path, dest)
		if err != nil {
			st.Failures = append(st.Failures, FileError{Path: rel, Err: err})
			return nil
		}
		st.Copied++
		st.Bytes += n
		return nil
	})
	st.Backup = *backup
	return st, err
}

func (m *Migrator) plan(ctx context.Context, dataDir string) ([]PlanEntry, error) {
	var plan []PlanEntry
	primary := filepath.Clean(filepath.FromSlash(m.opts.Primary))
	err := filepath.WalkDir(dataDir, func(path string, d os.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		_, statErr := os.Lstat(filepath.Join(m.opts.Destination, rel))
		switch {
		case statErr != nil:
			plan = append(plan, PlanEntry{Action: PlanCopy, Path: rel})
		case m.opts.Primary != "" && rel == primary:
			plan = append(plan, PlanEntry{Action: PlanBackup, Path: rel}, PlanEntry{Action: PlanCopy, Path: rel})
		default:
			plan = append(plan, PlanEntry{Action: PlanSkip, Path: rel})
		}
		return nil
	})
	return plan, err
}

// backupPrimary renames the destination primary to a timestamped .bak.
// It returns "" when there is nothing to back up.
func (m *Migrator) backupPrimary() (string, error) {
	if m.opts.Primary == "" {
		return "", nil
	}
	dest := filepath.Join(m.opts.Destination, filepath.FromSlash(m.opts.Primary))
	if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	name := backupName(dest, m.clock.Now())
	if err := os.Rename(dest, name); err != nil {
		return "", fmt.Errorf("backup primary %s: %w", dest, err)
	}
	log.Info().Str("path", dest).Str("backup", name).Msg("migrate.primary_backup")
	return name, nil
}

func backupName(path string, now time.Time) string {
	stamp := now.UTC().Format("20060102T150405Z")
	candidate := fmt.Sprintf("%s.%s.bak", path, stamp)
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%s.%d.bak", path, stamp, i)
	}
}
