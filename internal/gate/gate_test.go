package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/danmuck/edgeprov/internal/testutil/testlog"
	"github.com/danmuck/edgeprov/internal/tools"
	"github.com/juju/clock/testclock"
)

type fakeProcess struct {
	pid        int
	exit       error
	block      bool
	done       chan struct{}
	once       sync.Once
	terminated bool
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() error {
	if !p.block {
		return p.exit
	}
	<-p.done
	return errors.New("signal: terminated")
}

func (p *fakeProcess) Terminate() error {
	p.once.Do(func() {
		p.terminated = true
		close(p.done)
	})
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []LaunchSpec
	procs []*fakeProcess
	plan  func(n int) (exit error, block bool)
}

func (l *fakeLauncher) Start(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.specs)
	exit, block := l.plan(n)
	p := &fakeProcess{pid: 1000 + n, exit: exit, block: block, done: make(chan struct{})}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() []LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchSpec(nil), l.specs...)
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []tools.Command
}

func (r *fakeRunner) Run(_ context.Context, cmd tools.Command) (tools.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	return tools.Result{}, errors.New("peer not reachable")
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func gateOptions(t *testing.T, withCredential bool) Options {
	t.Helper()
	dir := t.TempDir()
	binary := filepath.Join(dir, "client")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	clientConfig := filepath.Join(dir, "client.conf")
	if err := os.WriteFile(clientConfig, []byte("WIDTH=1920\n"), 0o644); err != nil {
		t.Fatalf("write client config: %v", err)
	}
	credential := filepath.Join(dir, "creds", "paired.key")
	if err := os.MkdirAll(filepath.Dir(credential), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if withCredential {
		if err := os.WriteFile(credential, []byte("k"), 0o600); err != nil {
			t.Fatalf("write credential: %v", err)
		}
	}
	return Options{
		Binary:       binary,
		ClientConfig: clientConfig,
		Credential:   credential,
		Args:         []string{"stream", "--width", "${width}", "--fps", "${fps}"},
		Profiles: map[string]map[string]string{
			config.ProfileDefault:  {"width": "1920", "fps": "60"},
			config.ProfileFallback: {"width": "1280"},
		},
		RetryInterval:   20 * time.Millisecond,
		RestartBackoff:  time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		CrashLoopMax:    5,
		CrashLoopWindow: time.Minute,
	}
}

func runGate(t *testing.T, g *Gate) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Run(ctx)
	}()
	return cancel, errCh
}

func TestGateStepDownAndMonotonicity(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{plan: func(n int) (error, bool) {
		if n < 2 {
			return errors.New("exit status 1"), false
		}
		return nil, true
	}}
	store := state.NewGateFile(filepath.Join(t.TempDir(), "gate.toml"))
	g := New(gateOptions(t, true), launcher, &fakeRunner{}, store)

	cancel, errCh := runGate(t, g)
	waitFor(t, "third launch", func() bool { return len(launcher.launches()) >= 3 })
	waitFor(t, "running", func() bool { return g.State() == StateRunning && g.Snapshot().PID == 1002 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !launcher.procs[2].terminated {
		t.Fatalf("running client must be terminated on cancellation")
	}

	specs := launcher.launches()
	widths := []string{specs[0].Args[2], specs[1].Args[2], specs[2].Args[2]}
	if strings.Join(widths, ",") != "1920,1280,1280" {
		t.Fatalf("unexpected step-down sequence: %v", widths)
	}
	if specs[2].Profile != config.ProfileFallback {
		t.Fatalf("second consecutive failure must keep the fallback profile: %+v", specs[2])
	}
	if specs[1].Profile != config.ProfileFallback || specs[1].Args[4] != "60" {
		t.Fatalf("fallback must layer over default: %+v", specs[1])
	}

	sawReady := false
	for _, tr := range g.History() {
		if tr.To == StateReady {
			sawReady = true
		}
		if tr.To == StateRunning && (!sawReady || (tr.From != StateReady && tr.From != StateRunning)) {
			t.Fatalf("running entered without ready: %+v", g.History())
		}
	}

	rec, ok, err := store.Load()
	if err != nil || !ok || rec.State != string(StateRunning) {
		t.Fatalf("unexpected persisted record: %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestGateCrashLoopIsStickyUntilReset(t *testing.T) {
	testlog.Start(t)
	var healthy bool
	var mu sync.Mutex
	launcher := &fakeLauncher{plan: func(n int) (error, bool) {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil, true
		}
		return errors.New("exit status 2"), false
	}}
	opts := gateOptions(t, true)
	opts.CrashLoopMax = 2
	g := New(opts, launcher, &fakeRunner{}, nil)

	cancel, errCh := runGate(t, g)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, "crash loop", func() bool { return g.Snapshot().CrashLoop })
	if g.State() != StateDegraded {
		t.Fatalf("crash loop must degrade, got %s", g.State())
	}
	launched := len(launcher.launches())
	if launched != 3 {
		t.Fatalf("expected escalation after 3 failures, got %d launches", launched)
	}
	time.Sleep(50 * time.Millisecond)
	if len(launcher.launches()) != launched || g.State() != StateDegraded {
		t.Fatalf("degraded crash loop must stay put until reset")
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	g.Reset()
	waitFor(t, "running after reset", func() bool { return g.State() == StateRunning })
	if g.Snapshot().CrashLoop {
		t.Fatalf("reset must clear crash loop")
	}
}

func TestGateCrashLoopIgnoresEarlierReset(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{plan: func(int) (error, bool) {
		return errors.New("exit status 2"), false
	}}
	opts := gateOptions(t, true)
	opts.CrashLoopMax = 2
	g := New(opts, launcher, &fakeRunner{}, nil)
	g.Reset()

	cancel, errCh := runGate(t, g)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, "crash loop", func() bool { return g.Snapshot().CrashLoop })
	time.Sleep(50 * time.Millisecond)
	if g.State() != StateDegraded || len(launcher.launches()) != 3 {
		t.Fatalf("reset issued before escalation must not release the gate: state=%s launches=%d history=%+v",
			g.State(), len(launcher.launches()), g.History())
	}
	for _, tr := range g.History() {
		if tr.From == StateDegraded {
			t.Fatalf("gate left degraded without a reset: %+v", g.History())
		}
	}
}

func TestGateDegradedRecoversWhenBinaryRestored(t *testing.T) {
	testlog.Start(t)
	opts := gateOptions(t, true)
	binary, err := os.ReadFile(opts.Binary)
	if err != nil {
		t.Fatalf("read binary: %v", err)
	}
	if err := os.Remove(opts.Binary); err != nil {
		t.Fatalf("remove binary: %v", err)
	}
	launcher := &fakeLauncher{plan: func(int) (error, bool) { return nil, true }}
	g := New(opts, launcher, &fakeRunner{}, nil)

	cancel, errCh := runGate(t, g)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, "degraded", func() bool { return g.State() == StateDegraded })
	time.Sleep(50 * time.Millisecond)
	if g.State() != StateDegraded || len(launcher.launches()) != 0 {
		t.Fatalf("missing binary must keep the gate degraded: state=%s", g.State())
	}

	if err := os.WriteFile(opts.Binary, binary, 0o755); err != nil {
		t.Fatalf("restore binary: %v", err)
	}
	waitFor(t, "running after restore", func() bool { return g.State() == StateRunning })

	restored := false
	for _, tr := range g.History() {
		if tr.From == StateDegraded && tr.To == StateUninitialized && tr.Reason == "preconditions restored" {
			restored = true
		}
	}
	if !restored {
		t.Fatalf("expected degraded -> uninitialized on restore: %+v", g.History())
	}
}

func TestGateWaitsForCredential(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{plan: func(int) (error, bool) { return nil, true }}
	runner := &fakeRunner{}
	opts := gateOptions(t, false)
	opts.Handshake = tools.Command{Name: "pair", Args: []string{"--pin", "1234"}}
	g := New(opts, launcher, runner, nil)

	cancel, errCh := runGate(t, g)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, "handshake retries", func() bool { return runner.count() >= 2 })
	if g.State() != StateAwaitingCredential || len(launcher.launches()) != 0 {
		t.Fatalf("client must not start without credential: state=%s", g.State())
	}

	if err := os.WriteFile(opts.Credential, []byte("k"), 0o600); err != nil {
		t.Fatalf("write credential: %v", err)
	}
	waitFor(t, "running", func() bool { return g.State() == StateRunning })
}

func TestGateRunningToAwaitingWhenCredentialRemoved(t *testing.T) {
	testlog.Start(t)
	opts := gateOptions(t, true)
	launcher := &fakeLauncher{}
	launcher.plan = func(n int) (error, bool) {
		if n == 0 {
			if err := os.Remove(opts.Credential); err != nil {
				t.Errorf("remove credential: %v", err)
			}
			return nil, false
		}
		return nil, true
	}
	g := New(opts, launcher, &fakeRunner{}, nil)
	cancel, errCh := runGate(t, g)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, "running then awaiting", func() bool {
		for _, tr := range g.History() {
			if tr.From == StateRunning && tr.To == StateAwaitingCredential {
				return true
			}
		}
		return false
	})
	if n := len(launcher.launches()); n != 1 {
		t.Fatalf("no relaunch without credential, got %d launches", n)
	}
}

func TestGateCheckDegradedWhenBinaryMissing(t *testing.T) {
	testlog.Start(t)
	opts := gateOptions(t, true)
	if err := os.Remove(opts.Binary); err != nil {
		t.Fatalf("remove binary: %v", err)
	}
	store := state.NewGateFile(filepath.Join(t.TempDir(), "gate.toml"))
	st, err := New(opts, nil, nil, store).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.State != StateDegraded || !strings.Contains(st.Reason, "binary") {
		t.Fatalf("unexpected status: %+v", st)
	}
	rec, ok, _ := store.Load()
	if !ok || rec.State != string(StateDegraded) {
		t.Fatalf("check must persist the evaluated state: %+v", rec)
	}
}

func TestGateCheckReady(t *testing.T) {
	testlog.Start(t)
	st, err := New(gateOptions(t, true), nil, nil, nil).Check()
	if err != nil || st.State != StateReady {
		t.Fatalf("expected ready, got %+v err=%v", st, err)
	}
}

func TestResolveArgs(t *testing.T) {
	opts := gateOptions(t, true)
	args, err := opts.ResolveArgs(config.ProfileDefault)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if strings.Join(args, " ") != "stream --width 1920 --fps 60" {
		t.Fatalf("argument order must be preserved: %v", args)
	}

	opts.Args = append(opts.Args, "--bitrate", "${bitrate}")
	if _, err := opts.ResolveArgs(config.ProfileFallback); !errors.Is(err, ErrUnresolvedPlaceholder) || !strings.Contains(err.Error(), "bitrate") {
		t.Fatalf("expected unresolved placeholder error, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	illegal := [][2]State{
		{StateUninitialized, StateRunning},
		{StateAwaitingCredential, StateRunning},
		{StateDegraded, StateRunning},
		{StateUninitialized, StateReady},
	}
	for _, pair := range illegal {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("%s -> %s must be illegal", pair[0], pair[1])
		}
	}
	if !CanTransition(StateReady, StateRunning) || !CanTransition(StateRunning, StateRunning) {
		t.Fatalf("ready->running and restart must be legal")
	}
	g := New(Options{}, nil, nil, nil)
	if err := g.transition(StateRunning, "skip ahead"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}
}

func TestStepDownPolicy(t *testing.T) {
	p := newStepDown(true)
	seq := []string{p.profile()}
	for _, failed := range []bool{true, true, true, false, true, false} {
		p.observe(failed)
		seq = append(seq, p.profile())
	}
	want := "default,fallback,fallback,fallback,default,fallback,default"
	if strings.Join(seq, ",") != want {
		t.Fatalf("unexpected sequence: %v", seq)
	}

	noFallback := newStepDown(false)
	noFallback.observe(true)
	if noFallback.profile() != config.ProfileDefault {
		t.Fatalf("without a fallback profile the default is reused")
	}
}

func TestCrashWindow(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))
	w := crashWindow{max: 2, window: 30 * time.Second}
	if w.add(clk.Now()) {
		t.Fatalf("first failure cannot exceed")
	}
	clk.Advance(10 * time.Second)
	if w.add(clk.Now()) {
		t.Fatalf("second failure reaches but does not exceed the ceiling")
	}
	clk.Advance(10 * time.Second)
	if !w.add(clk.Now()) {
		t.Fatalf("third failure within window must exceed")
	}
	clk.Advance(45 * time.Second)
	if w.add(clk.Now()) || w.count() != 1 {
		t.Fatalf("old failures must age out, count=%d", w.count())
	}
}

func TestRenderUnit(t *testing.T) {
	cfg := config.Default()
	cfg.Gate.Listen = "127.0.0.1:9470"
	data, err := RenderUnit(cfg, "/etc/edgeprov/edgeprov.toml")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"ExecStart=/usr/local/bin/provisionctl gate run --config /etc/edgeprov/edgeprov.toml --listen 127.0.0.1:9470",
		"ConditionPathExists=/etc/edgeprov/edgeprov.toml",
		"Restart=on-failure",
		"RestartSec=5",
		"WorkingDirectory=/var/lib/edgeprov",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("unit missing %q:\n%s", want, text)
		}
	}

	path := filepath.Join(t.TempDir(), "edgeprov-gate.service")
	changed, err := WriteUnit(path, data)
	if err != nil || !changed {
		t.Fatalf("first write: changed=%v err=%v", changed, err)
	}
	changed, err = WriteUnit(path, data)
	if err != nil || changed {
		t.Fatalf("second write must be a no-op: changed=%v err=%v", changed, err)
	}
}
