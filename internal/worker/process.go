package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Spec describes one worker process launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Stdout receives the process output directly. When nil the output is
	// exposed as a pipe through Process.Stdout.
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a launched worker.
type Process interface {
	// Stdout returns the output pipe, or nil when Spec.Stdout was set.
	Stdout() io.Reader
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits. Callers must finish reading
	// Stdout first.
	Wait() error
}

// Launcher starts worker processes. Tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs the worker as a real child process in its own process
// group, so signals reach every helper the CLI spawns.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait waits for output pipes after the
	// process exits. Defaults to 5s.
	WaitDelay time.Duration
}

func (l ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stderr = spec.Stderr
	setupProcessGroup(cmd)
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	p := &execProcess{cmd: cmd}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdout = out
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// setupProcessGroup starts the command in its own process group so that
// context cancellation kills the entire tree. Node-based CLIs spawn helpers
// that otherwise hold the pipes open and hang the parent.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
