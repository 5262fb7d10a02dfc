package gate

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/edgeprov/internal/observability"
)

// LaunchSpec is one immutable launch of the managed client.
type LaunchSpec struct {
	Binary  string
	Args    []string
	Dir     string
	Env     []string
	Profile string
}

// Process is a started client.
type Process interface {
	PID() int
	Wait() error
	Terminate() error
}

// Launcher starts the managed client.
type Launcher interface {
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs the client as a child process with output routed to the
// structured log.
type ExecLauncher struct {
	StopTimeout time.Duration
}

func (l ExecLauncher) Start(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	out := observability.ComponentLogger("client").With().Str("profile", spec.Profile).Logger()
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	stop := l.StopTimeout
	if stop <= 0 {
		stop = 10 * time.Second
	}
	return &execProcess{cmd: cmd, stopTimeout: stop, done: make(chan struct{})}, nil
}

type execProcess struct {
	cmd         *exec.Cmd
	stopTimeout time.Duration
	once        sync.Once
	done        chan struct{}
	err         error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	p.once.Do(func() {
		p.err = p.cmd.Wait()
		close(p.done)
	})
	<-p.done
	return p.err
}

// Terminate sends SIGTERM and kills the process if it outlives StopTimeout.
func (p *execProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(p.stopTimeout):
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}
