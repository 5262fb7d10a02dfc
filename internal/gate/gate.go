// Package gate supervises the managed client process and only starts it once
// its preconditions and credential are in place.
//
// Ownership boundary:
// - the gate state machine and its transition table
// - credential waits, handshakes and launch profiles
// - restart backoff, step-down and crash-loop escalation
package gate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/observability"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
)

// Status is a point-in-time view of the gate.
type Status struct {
	State     State     `json:"state"`
	Reason    string    `json:"reason"`
	Profile   string    `json:"profile,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	Failures  int       `json:"recent_failures"`
	CrashLoop bool      `json:"crash_loop"`
	Since     time.Time `json:"since"`
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

const historyLimit = 32

// Gate drives the state machine. Run and Check must not be called
// concurrently; Snapshot and Reset are safe from any goroutine.
type Gate struct {
	opts     Options
	launcher Launcher
	runner   tools.CommandRunner
	store    *state.GateFile
	clock    clock.Clock

	mu        sync.Mutex
	state     State
	reason    string
	since     time.Time
	profile   string
	pid       int
	restarts  int
	crashLoop bool
	crashes   crashWindow
	history   []Transition

	policy    *stepDown
	proc      Process
	launchErr error
	resetCh   chan struct{}
}

func New(opts Options, launcher Launcher, runner tools.CommandRunner, store *state.GateFile) *Gate {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Gate{
		opts:     opts,
		launcher: launcher,
		runner:   runner,
		store:    store,
		clock:    clock.WallClock,
		state:    StateUninitialized,
		crashes:  crashWindow{max: opts.CrashLoopMax, window: opts.CrashLoopWindow},
		policy:   newStepDown(opts.hasProfile(config.ProfileFallback)),
		resetCh:  make(chan struct{}, 1),
	}
}

// WithClock replaces the clock used for waits and failure accounting.
func (g *Gate) WithClock(c clock.Clock) *Gate {
	g.clock = c
	return g
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

func (g *Gate) statusLocked() Status {
	return Status{
		State:     g.state,
		Reason:    g.reason,
		Profile:   g.profile,
		PID:       g.pid,
		Restarts:  g.restarts,
		Failures:  g.crashes.count(),
		CrashLoop: g.crashLoop,
		Since:     g.since,
	}
}

// History returns the most recent transitions, oldest first.
func (g *Gate) History() []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Transition(nil), g.history...)
}

// Reset clears crash-loop escalation and wakes a degraded gate.
func (g *Gate) Reset() {
	g.mu.Lock()
	wasLooping := g.crashLoop
	g.crashLoop = false
	g.crashes.reset()
	g.mu.Unlock()
	log.Info().Bool("crash_loop", wasLooping).Msg("gate.reset")
	select {
	case g.resetCh <- struct{}{}:
	default:
	}
}

func (g *Gate) transition(to State, reason string) error {
	g.mu.Lock()
	from := g.state
	if err := checkTransition(from, to); err != nil {
		g.mu.Unlock()
		return err
	}
	g.state = to
	g.reason = reason
	g.since = g.clock.Now().UTC()
	if to != StateRunning {
		g.pid = 0
	}
	g.history = append(g.history, Transition{From: from, To: to, Reason: reason, At: g.since})
	if len(g.history) > historyLimit {
		g.history = g.history[len(g.history)-historyLimit:]
	}
	st := g.statusLocked()
	g.mu.Unlock()

	observability.RecordGateTransition(string(from), string(to))
	event := log.Info()
	if to == StateDegraded {
		event = log.Warn()
	}
	event.Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("gate.transition")
	g.persist(st)
	return nil
}

func (g *Gate) persist(st Status) {
	if g.store == nil {
		return
	}
	rec := state.GateRecord{
		State:     string(st.State),
		Reason:    st.Reason,
		Profile:   st.Profile,
		Restarts:  st.Restarts,
		PID:       st.PID,
		UpdatedAt: st.Since,
	}
	if err := g.store.Save(rec); err != nil {
		log.Warn().Err(err).Msg("gate.persist_failed")
	}
}

// Check performs one evaluation without launching anything.
func (g *Gate) Check() (Status, error) {
	st, reason := g.opts.Preconditions()
	switch g.State() {
	case StateUninitialized:
		if st == StateDegraded {
			if err := g.transition(StateDegraded, reason); err != nil {
				return g.Snapshot(), err
			}
			break
		}
		if err := g.transition(StateAwaitingCredential, reason); err != nil {
			return g.Snapshot(), err
		}
		if st == StateReady {
			if err := g.transition(StateReady, reason); err != nil {
				return g.Snapshot(), err
			}
		}
	case StateAwaitingCredential:
		if err := g.transition(st, reason); err != nil {
			return g.Snapshot(), err
		}
	}
	return g.Snapshot(), nil
}

// Run drives the gate until ctx is cancelled. A running client is
// terminated on cancellation.
func (g *Gate) Run(ctx context.Context) error {
	watcher := g.watchCredential()
	if watcher != nil {
		defer watcher.Close()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch g.State() {
		case StateUninitialized:
			err = g.stepUninitialized()
		case StateAwaitingCredential:
			err = g.stepAwaiting(ctx, watcher)
		case StateReady:
			err = g.stepReady(ctx)
		case StateRunning:
			err = g.stepRunning(ctx)
		case StateDegraded:
			err = g.stepDegraded(ctx)
		}
		if err != nil {
			return err
		}
	}
}

func (g *Gate) stepUninitialized() error {
	if st, reason := g.opts.Preconditions(); st == StateDegraded {
		return g.transition(StateDegraded, reason)
	}
	return g.transition(StateAwaitingCredential, "binary and client config present")
}

func (g *Gate) stepAwaiting(ctx context.Context, watcher *fsnotify.Watcher) error {
	if st, reason := g.opts.Preconditions(); st != StateAwaitingCredential {
		return g.transition(st, reason)
	}
	g.handshake(ctx)
	log.Info().Str("credential", g.opts.Credential).Dur("retry", g.opts.RetryInterval).Msg("gate.awaiting_credential")
	if err := g.waitCredential(ctx, watcher, g.opts.RetryInterval); err != nil {
		return err
	}
	st, reason := g.opts.Preconditions()
	return g.transition(st, reason)
}

func (g *Gate) stepReady(ctx context.Context) error {
	if st, reason := g.opts.Preconditions(); st != StateReady {
		return g.transition(st, reason)
	}
	if err := g.launch(ctx); err != nil {
		if looping := g.recordExit(err); looping {
			return g.escalate()
		}
		return g.sleep(ctx, g.opts.RestartBackoff)
	}
	return g.transition(StateRunning, g.launchReason())
}

func (g *Gate) stepRunning(ctx context.Context) error {
	exitErr := g.launchErr
	if g.proc != nil {
		exitErr = g.await(ctx, g.proc)
		g.proc = nil
		g.mu.Lock()
		g.pid = 0
		g.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	g.launchErr = nil

	looping := g.recordExit(exitErr)
	if st, reason := g.opts.Preconditions(); st == StateAwaitingCredential {
		return g.transition(StateAwaitingCredential, "process exited and "+reason)
	}
	if looping {
		return g.escalate()
	}
	if err := g.sleep(ctx, g.opts.RestartBackoff); err != nil {
		return err
	}
	if st, reason := g.opts.Preconditions(); st != StateReady {
		return g.transition(st, reason)
	}

	g.mu.Lock()
	g.restarts++
	g.mu.Unlock()
	if err := g.launch(ctx); err != nil {
		g.launchErr = err
		log.Warn().Err(err).Msg("gate.restart_failed")
		return nil
	}
	return g.transition(StateRunning, g.launchReason())
}

func (g *Gate) stepDegraded(ctx context.Context) error {
	g.mu.Lock()
	looping := g.crashLoop
	g.mu.Unlock()

	if looping {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.resetCh:
		}
		return g.transition(StateUninitialized, "operator reset")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.resetCh:
	case <-g.clock.After(g.opts.PollInterval):
	}
	if st, _ := g.opts.Preconditions(); st != StateDegraded {
		return g.transition(StateUninitialized, "preconditions restored")
	}
	return nil
}

// escalate enters a sticky Degraded. Resets requested before the loop was
// detected are discarded.
func (g *Gate) escalate() error {
	select {
	case <-g.resetCh:
	default:
	}
	g.mu.Lock()
	g.crashLoop = true
	n := g.crashes.count()
	g.mu.Unlock()
	return g.transition(StateDegraded, fmt.Sprintf("%v: %d failures within %s", ErrProcessCrashLoop, n, g.opts.CrashLoopWindow))
}

// launch resolves the profile once and starts the client with that snapshot.
func (g *Gate) launch(ctx context.Context) error {
	profile := g.policy.profile()
	g.mu.Lock()
	g.profile = profile
	g.mu.Unlock()

	args, err := g.opts.ResolveArgs(profile)
	if err != nil {
		return err
	}
	spec := LaunchSpec{Binary: g.opts.Binary, Args: args, Dir: g.opts.WorkingDir, Profile: profile}
	proc, err := g.launcher.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("start %s: %w", g.opts.Binary, err)
	}
	g.proc = proc
	g.mu.Lock()
	g.pid = proc.PID()
	g.mu.Unlock()
	log.Info().
		Str("binary", g.opts.Binary).
		Str("profile", profile).
		Int("pid", proc.PID()).
		Strs("args", args).
		Msg("gate.launched")
	return nil
}

func (g *Gate) launchReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("pid %d profile %s", g.pid, g.profile)
}

// recordExit accounts one finished attempt and reports crash-loop escalation.
func (g *Gate) recordExit(exitErr error) bool {
	g.mu.Lock()
	profile := g.profile
	g.mu.Unlock()

	failed := exitErr != nil
	observability.RecordGateLaunch(profile, failed)
	g.policy.observe(failed)
	if !failed {
		log.Info().Str("profile", profile).Msg("gate.process_exited")
		return false
	}
	log.Warn().Str("profile", profile).Err(exitErr).Str("next_profile", g.policy.profile()).Msg("gate.process_failed")

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.crashes.add(g.clock.Now())
}

// await waits for proc to exit. On cancellation the process is terminated
// and reaped before returning.
func (g *Gate) await(ctx context.Context, proc Process) error {
	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Info().Int("pid", proc.PID()).Msg("gate.terminating")
		if err := proc.Terminate(); err != nil {
			log.Warn().Err(err).Msg("gate.terminate_failed")
		}
		<-done
		return ctx.Err()
	}
}

func (g *Gate) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(d):
		return nil
	}
}

// handshake is attempted once per entry into AwaitingCredential.
func (g *Gate) handshake(ctx context.Context) {
	if g.opts.Handshake.Name == "" {
		return
	}
	hctx := ctx
	if g.opts.HandshakeBudget > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, g.opts.HandshakeBudget)
		defer cancel()
	}
	if _, err := tools.RunChecked(hctx, g.runner, g.opts.Handshake); err != nil {
		log.Warn().Err(err).Msg("gate.handshake_failed")
		return
	}
	log.Info().Str("cmd", g.opts.Handshake.String()).Msg("gate.handshake_sent")
}

func (g *Gate) watchCredential() *fsnotify.Watcher {
	if g.opts.Credential == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("gate.watch_unavailable")
		return nil
	}
	dir := filepath.Dir(g.opts.Credential)
	if err := watcher.Add(dir); err != nil {
		log.Debug().Str("dir", dir).Err(err).Msg("gate.watch_unavailable")
		watcher.Close()
		return nil
	}
	return watcher
}

// waitCredential returns after d, on a credential event, or on reset.
func (g *Gate) waitCredential(ctx context.Context, watcher *fsnotify.Watcher, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}
	timeout := g.clock.After(d)
	target := filepath.Clean(g.opts.Credential)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return nil
		case <-g.resetCh:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				log.Debug().Str("event", ev.Op.String()).Msg("gate.credential_event")
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug().Err(err).Msg("gate.watch_error")
		}
	}
}
