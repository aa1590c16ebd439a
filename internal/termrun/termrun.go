// Package termrun drives interactive CLIs through a pseudo-terminal: start
// the child on a pty, type a command, auto-answer known prompts, and return
// whatever the program drew before it exited or the deadline hit.
package termrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/zsprackett/quotawatch/internal/vt"
)

var (
	ErrBinaryNotFound = errors.New("binary not found")
	ErrLaunchFailed   = errors.New("launch failed")
	ErrTimedOut       = errors.New("timed out")
)

// PromptResponse types a response when the rendered output contains Prompt.
// Each pair fires at most once per run, so a program that redraws its prompt
// does not receive the answer twice.
type PromptResponse struct {
	Prompt   string
	Response string
}

// Options tunes one Run invocation. Zero values get defaults.
type Options struct {
	Args        []string
	Env         []string // appended to the parent environment
	Timeout     time.Duration
	SettleDelay time.Duration // wait before typing initialInput
	Prompts     []PromptResponse
	Rows        uint16
	Cols        uint16
	Logger      *slog.Logger
}

// Result is the captured outcome of a run. Output is the raw byte stream
// including escape sequences; callers render it with vt.Render. ExitCode is
// -1 when the child was still alive at the deadline.
type Result struct {
	Output   []byte
	ExitCode int
}

const (
	defaultTimeout = 30 * time.Second
	defaultSettle  = 1500 * time.Millisecond
	pollInterval   = 100 * time.Millisecond
	killGrace      = 2 * time.Second
)

// Run executes binary under a pty, types initialInput after the settle
// delay, and polls output until the child exits or the deadline passes.
// Output captured before a deadline is returned rather than discarded; only
// a deadline with nothing captured is a timeout error.
func Run(ctx context.Context, binary, initialInput string, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = defaultSettle
	}

	path, err := Resolve(binary)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 40
	}
	if cols == 0 {
		cols = 120
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, binary, err)
	}

	s := &session{cmd: cmd, ptmx: ptmx, doneCh: make(chan error, 1)}
	go s.readLoop()
	go func() { s.doneCh <- cmd.Wait() }()
	defer s.cleanup(log)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if !s.sleepOrExit(settle) {
		// Child exited during the settle window. Drain and report.
		time.Sleep(100 * time.Millisecond)
		return s.finish(nil, log)
	}
	if initialInput != "" {
		if _, err := ptmx.WriteString(initialInput + "\r"); err != nil {
			log.Debug("pty write failed", "error", err)
		}
	}

	fired := make([]bool, len(opts.Prompts))
	for {
		select {
		case <-ctx.Done():
			return s.finish(ctx.Err(), log)
		case err := <-s.doneCh:
			s.waitErr = err
			s.done = true
			time.Sleep(100 * time.Millisecond) // drain trailing output
			return s.finish(nil, log)
		case <-time.After(pollInterval):
		}
		if time.Now().After(deadline) {
			return s.finish(ErrTimedOut, log)
		}
		rendered := vt.Render(s.snapshot())
		for i, p := range opts.Prompts {
			if fired[i] || p.Prompt == "" {
				continue
			}
			if strings.Contains(rendered, p.Prompt) {
				fired[i] = true
				log.Debug("answering prompt", "prompt", p.Prompt)
				if _, err := ptmx.WriteString(p.Response); err != nil {
					log.Debug("prompt response write failed", "error", err)
				}
			}
		}
	}
}

type session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	doneCh chan error

	mu      sync.Mutex
	output  []byte
	done    bool
	waitErr error
	reaped  bool
}

func (s *session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.output = append(s.output, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *session) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.output...)
}

// sleepOrExit waits d, returning true if it slept the full duration without
// the child exiting.
func (s *session) sleepOrExit(d time.Duration) bool {
	select {
	case err := <-s.doneCh:
		s.mu.Lock()
		s.done = true
		s.waitErr = err
		s.reaped = true
		s.mu.Unlock()
		return false
	case <-time.After(d):
		return true
	}
}

func (s *session) finish(cause error, log *slog.Logger) (*Result, error) {
	out := s.snapshot()
	if cause != nil {
		if len(out) == 0 {
			if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
				return nil, fmt.Errorf("%w: %v", ErrTimedOut, cause)
			}
			return nil, cause
		}
		log.Debug("deadline reached with partial output", "bytes", len(out))
		return &Result{Output: out, ExitCode: -1}, nil
	}
	code := 0
	if s.waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(s.waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.mu.Lock()
	s.reaped = true
	s.mu.Unlock()
	return &Result{Output: out, ExitCode: code}, nil
}

// cleanup closes the pty and makes sure the child is gone: SIGTERM, a
// bounded grace period, SIGKILL, then reap so no zombie is left behind.
func (s *session) cleanup(log *slog.Logger) {
	_ = s.ptmx.Close()
	s.mu.Lock()
	alive := !s.done
	reaped := s.reaped
	s.mu.Unlock()
	if !alive {
		if !reaped {
			select {
			case <-s.doneCh:
			default:
			}
		}
		return
	}
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.doneCh:
		return
	case <-time.After(killGrace):
	}
	log.Debug("child ignored SIGTERM, killing", "pid", s.cmd.Process.Pid)
	_ = s.cmd.Process.Kill()
	<-s.doneCh
}
