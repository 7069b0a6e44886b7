package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/environ"
)

// Process is a running language server.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Pid() int

	// Terminate asks the process to exit.
	Terminate() error
	// Kill ends the process immediately.
	Kill() error
	// Wait blocks until the process has exited. It is called once, after
	// stdout has been read to the end.
	Wait() error
}

// Spawner starts server processes.
type Spawner interface {
	Spawn(ctx context.Context, launch *environ.Launch) (Process, error)
}

// ExecSpawner starts processes with os/exec.
type ExecSpawner struct{}

// Spawn starts launch. ctx bounds the start only; the process outlives it.
func (ExecSpawner) Spawn(ctx context.Context, launch *environ.Launch) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(launch.Args) == 0 {
		return nil, environ.ErrNoCommand
	}

	cmd := exec.Command(launch.Args[0], launch.Args[1:]...)
	cmd.Dir = launch.Dir
	cmd.Env = launch.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Terminate() error      { return p.cmd.Process.Signal(syscall.SIGTERM) }

// TryTerminate terminates p, falling back to Kill when the signal cannot be
// delivered. A process that already exited is not an error.
func TryTerminate(p Process) error {
	err := p.Terminate()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// pumpStderr copies server stderr to log line by line, or discards it when
// log is nil.
func pumpStderr(r io.Reader, log *zerolog.Logger) {
	if log == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("stderr no longer logged")
	}
	// Keep draining so the server never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}
