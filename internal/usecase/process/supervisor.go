// Package process supervises tool-host subprocesses: it spawns them with
// piped stdio, watches for exit exactly once, and stops them with a
// graceful signal before escalating to a kill.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"searchbridge/internal/domain"
)

const (
	// DefaultStopGrace is how long Stop waits after the termination
	// signal before killing the process outright.
	DefaultStopGrace = 5 * time.Second

	// DefaultStderrTailBytes bounds how much recent stderr is retained
	// for exit diagnostics.
	DefaultStderrTailBytes = 64 * 1024
)

// Config tunes the supervisor. Zero values fall back to defaults.
type Config struct {
	// StopGrace is the window between the graceful termination signal
	// and the forced kill.
	StopGrace time.Duration

	// StderrTailBytes caps the retained stderr tail per process.
	StderrTailBytes int
}

// Supervisor launches subprocesses and hands back one Handle per
// process. It keeps no registry: each Handle owns its process for the
// whole lifecycle, and the caller decides when to stop it.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// NewSupervisor creates a supervisor with the given configuration.
func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.StderrTailBytes <= 0 {
		cfg.StderrTailBytes = DefaultStderrTailBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Handle is the caller's grip on one running subprocess. Stdin and
// Stdout carry the wire protocol; stderr is drained into a bounded
// buffer and surfaces only in logs and exit diagnostics, never on the
// protocol path.
type Handle struct {
	id        string
	spec      domain.ProcessSpec
	startedAt time.Time
	grace     time.Duration

	cmd    *exec.Cmd
	cancel context.CancelFunc

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *ringBuffer

	mu     sync.Mutex
	status domain.ProcessStatus
	exit   domain.ExitEvent

	done     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// Start spawns the subprocess described by spec and begins watching it.
// The process runs under a context detached from ctx so it outlives the
// request that started it; only Stop (or its own exit) ends it.
func (s *Supervisor) Start(ctx context.Context, spec domain.ProcessSpec) (*Handle, error) {
	const op = "Supervisor.Start"

	if strings.TrimSpace(spec.Command) == "" {
		return nil, domain.NewSubSystemError("process", op, domain.ErrInvalidInput, "command must not be empty")
	}

	id := s.newID()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), envSlice(spec.Env)...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	// Bounds the wait for stderr draining when a grandchild inherits
	// the pipe and outlives the process.
	cmd.WaitDelay = s.cfg.StopGrace

	stderr := newRingBuffer(s.cfg.StderrTailBytes)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawnFailed, fmt.Sprintf("stdin pipe: %v", err))
	}

	// A plain os.Pipe instead of StdoutPipe: Wait closes a StdoutPipe as
	// soon as the child exits, which can discard frames the reader has
	// not drained yet. With our own pipe the reader sees every buffered
	// byte and then a clean EOF.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawnFailed, fmt.Sprintf("stdout pipe: %v", err))
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		cancel()
		stdoutR.Close()
		stdoutW.Close()
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawnFailed, fmt.Sprintf("%s: %v", spec.Command, err))
	}
	// The child carries its own descriptor now; drop ours so its exit
	// turns into EOF for the reader.
	stdoutW.Close()

	h := &Handle{
		id:        id,
		spec:      spec,
		startedAt: time.Now().UTC(),
		grace:     s.cfg.StopGrace,
		cmd:       cmd,
		cancel:    cancel,
		stdin:     stdin,
		stdout:    stdoutR,
		stderr:    stderr,
		status:    domain.ProcessStatusRunning,
		done:      make(chan struct{}),
		logger:    s.logger,
	}

	go h.wait()

	s.logger.Info("process started",
		"process_id", id,
		"command", spec.Command,
		"pid", cmd.Process.Pid)

	return h, nil
}

// newID generates a unique, sortable process ID.
func (s *Supervisor) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// envSlice converts an environment map to the KEY=VALUE form exec wants.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// ID returns the supervisor-assigned process ID.
func (h *Handle) ID() string {
	return h.id
}

// Pid returns the operating system process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Stdin is the process's standard input. Writing the wire protocol to
// it is the caller's job; Stop closes it implicitly by ending the
// process.
func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

// Stdout is the process's standard output. It drains to EOF once the
// process exits; the reader owns closing it.
func (h *Handle) Stdout() io.ReadCloser {
	return h.stdout
}

// Status reports the current lifecycle state.
func (h *Handle) Status() domain.ProcessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// StderrTail returns the most recent stderr output, bounded by the
// supervisor's configured tail size.
func (h *Handle) StderrTail() string {
	return h.stderr.Tail()
}

// Done closes exactly once, after the process has exited and its exit
// event has been recorded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the recorded exit event. Valid once Done has closed;
// before that it is the zero value.
func (h *Handle) Exit() domain.ExitEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// wait reaps the process and records its exit event. The event is
// stored before done closes, so any observer woken by Done sees it.
func (h *Handle) wait() {
	err := h.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	// Stop sets status to killed before signaling; only a process that
	// was still running exited on its own.
	if h.status == domain.ProcessStatusRunning {
		h.status = domain.ProcessStatusExited
	}
	h.exit = domain.ExitEvent{
		ExitCode:   exitCode,
		Err:        err,
		StderrTail: h.stderr.Tail(),
		EndedAt:    time.Now().UTC(),
	}
	status := h.status
	h.mu.Unlock()

	_ = h.stdin.Close()
	close(h.done)

	h.logger.Info("process exited",
		"process_id", h.id,
		"command", h.spec.Command,
		"status", string(status),
		"exit_code", exitCode,
		"duration", time.Since(h.startedAt).Round(time.Millisecond).String(),
		"stderr_bytes", h.stderr.TotalWritten())
}

// Stop ends the process: a graceful termination signal first, then a
// kill once the grace window (or ctx) runs out. Idempotent and safe for
// concurrent use; every call returns only after the process has been
// reaped. Stopping an already-exited process is a no-op.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		if h.status == domain.ProcessStatusRunning {
			h.status = domain.ProcessStatusKilled
		}
		h.mu.Unlock()

		select {
		case <-h.done:
			return
		default:
		}

		h.logger.Debug("stopping process",
			"process_id", h.id,
			"grace", h.grace.String())

		// Signal delivery fails on platforms without SIGTERM support
		// and for processes already gone; kill immediately then.
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.cancel()
		}

		timer := time.NewTimer(h.grace)
		defer timer.Stop()

		select {
		case <-h.done:
		case <-timer.C:
			h.logger.Warn("process ignored termination signal, killing",
				"process_id", h.id,
				"pid", h.cmd.Process.Pid)
			h.cancel()
		case <-ctx.Done():
			h.cancel()
		}
	})

	<-h.done
	return nil
}
