package procrpc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const closeGrace = 2 * time.Second

// Process is a Client bound to a spawned child. Close must be called on
// every path, including after errors, so the child never outlives the probe.
type Process struct {
	*Client
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	doneCh chan error
	log    *slog.Logger
}

// Spawn launches path with args and wires a Client over its stdin/stdout.
// Stderr is discarded; the protocols in use keep diagnostics off the wire.
func Spawn(path string, args, env []string, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	p := &Process{
		Client: NewClient(stdout, stdin, log),
		cmd:    cmd,
		stdin:  stdin,
		doneCh: make(chan error, 1),
		log:    log,
	}
	go func() { p.doneCh <- cmd.Wait() }()
	return p, nil
}

// Close shuts the child down: close stdin so a well-behaved server exits on
// EOF, then SIGTERM, a bounded grace period, SIGKILL, and reap. The child's
// exit closes its stdout, which ends the client's read loop.
func (p *Process) Close() error {
	p.shutdown()
	_ = p.stdin.Close()
	select {
	case err := <-p.doneCh:
		return err
	case <-time.After(closeGrace):
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-p.doneCh:
		return err
	case <-time.After(closeGrace):
	}
	p.log.Debug("rpc child ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
	_ = p.cmd.Process.Kill()
	return <-p.doneCh
}
