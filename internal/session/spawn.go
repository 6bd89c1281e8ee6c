package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// SpawnSpec describes one process invocation. It is derived per call and
// never persisted.
type SpawnSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
}

// ExitStatus is how a process ended: either an exit code or the name of
// the terminating signal.
type ExitStatus struct {
	Code   *int
	Signal string
}

// Process is a spawned child with three pipes.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Signal(sig os.Signal) error
	// Wait blocks until the process exits. A non-nil error means the exit
	// status could not be collected at all.
	Wait() (ExitStatus, error)
}

// Spawner starts processes. Spawn returns once the OS has confirmed the
// process started.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner starts processes with os/exec. Arguments are passed as a
// discrete vector, never through a shell.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binaryPath, err := exec.LookPath(spec.Executable)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", spec.Executable, err)
	}

	cmd := exec.Command(binaryPath, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// os.Pipe rather than cmd.StdoutPipe so Wait does not close the read
	// ends before the readers have drained them.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}

	// The child holds its own copies now.
	closeFiles(stdinR, stdoutW, stderrW)

	return &execProcess{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	if err == nil {
		return exitStatusFromState(p.cmd.ProcessState), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitStatusFromState(exitErr.ProcessState), nil
	}
	return ExitStatus{}, err
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
