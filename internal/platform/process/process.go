// Package process launches the conversion tool as a host process.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/dontdude/rp2g/internal/domain"
)

// Launcher implements domain.Launcher using os/exec.
// Every process is started in its own process group so Kill also reaps its children.
type Launcher struct{}

var _ domain.Launcher = (*Launcher)(nil)

// NewLauncher returns a host process launcher.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// Launch starts the command. The context is not bound to the process lifetime;
// callers terminate the process through Kill.
func (l *Launcher) Launch(_ context.Context, c domain.Command) (domain.Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Path, err)
	}
	return &Process{cmd: cmd, stderr: stderr}, nil
}

// Process is a running host process.
type Process struct {
	cmd    *exec.Cmd
	stderr io.Reader
}

var _ domain.Process = (*Process)(nil)

// Stderr implements domain.Process.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Wait implements domain.Process. A process killed by a signal reports exit code -1.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("waiting for %s: %w", p.cmd.Path, err)
}

// Kill implements domain.Process.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcessGroup(p.cmd)
}
