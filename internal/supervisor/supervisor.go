// Package supervisor owns the mapping from instance name to live OS process
// handle. It spawns external proxy binaries in the foreground, detects
// unexpected exits, and performs graceful-then-forced termination. It never
// restarts a crashed process on its own; that decision belongs to the
// lifecycle engine.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// Status describes what the supervisor knows about a name.
type Status int

const (
	// StatusUntracked means no handle exists for the name.
	StatusUntracked Status = iota
	// StatusAlive means the tracked process is still running.
	StatusAlive
	// StatusExited means the tracked process exited without being asked to.
	StatusExited
)

type handle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stdout *os.File
	stderr *os.File

	mu       sync.Mutex
	exitErr  error
	reaped   bool
	stopping bool
}

// Supervisor tracks one process per instance name. Per-name operations are
// serialized through the handle's own mutex; the table mutex only guards the
// map itself.
type Supervisor struct {
	logger      *slog.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	handles map[string]*handle
}

func New(stopTimeout time.Duration, logger *slog.Logger) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Supervisor{
		logger:      logger,
		stopTimeout: stopTimeout,
		handles:     make(map[string]*handle),
	}
}

// Spawn launches binary with args for the named instance, wiring stdout and
// stderr to the given log files. It fails if a live process is already
// tracked for the name, so two concurrent starts cannot double-spawn.
func (s *Supervisor) Spawn(name, binary string, args []string, stdoutPath, stderrPath string) error {
	if _, err := os.Stat(binary); err != nil {
		return domain.Wrap(domain.ErrSpawnFailed,
			fmt.Sprintf("binary not found at %s", binary), err)
	}

	s.mu.Lock()
	if h, ok := s.handles[name]; ok && h.alive() {
		s.mu.Unlock()
		return domain.E(domain.ErrSpawnFailed,
			fmt.Sprintf("a process for %q is already running", name))
	}

	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.mu.Unlock()
		return domain.Wrap(domain.ErrSpawnFailed, "open stdout log", err)
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		s.mu.Unlock()
		return domain.Wrap(domain.ErrSpawnFailed, "open stderr log", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		s.mu.Unlock()
		return domain.Wrap(domain.ErrSpawnFailed,
			fmt.Sprintf("start %s", binary), err)
	}

	h := &handle{
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
	}
	s.handles[name] = h
	s.mu.Unlock()

	s.logger.Info("process spawned",
		"instance", name,
		"pid", cmd.Process.Pid,
		"binary", binary,
	)

	go s.monitor(name, h)
	return nil
}

// monitor reaps the process when it exits and records whether the exit was
// requested. Crashes are only surfaced on the next Status/IsAlive call.
func (s *Supervisor) monitor(name string, h *handle) {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exitErr = err
	h.reaped = true
	stopping := h.stopping
	h.mu.Unlock()

	h.stdout.Close()
	h.stderr.Close()
	close(h.done)

	if !stopping {
		s.logger.Warn("process exited unexpectedly",
			"instance", name,
			"pid", h.cmd.Process.Pid,
			"err", err,
		)
	}
}

// Terminate sends graceful to the tracked process, waits up to the stop
// timeout, escalates to SIGKILL, and always waits for the reap before
// removing the handle. Terminating an untracked or already-exited name is a
// no-op so stop stays idempotent.
func (s *Supervisor) Terminate(name string, graceful os.Signal) error {
	s.mu.Lock()
	h, ok := s.handles[name]
	if ok {
		delete(s.handles, name)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	h.mu.Lock()
	h.stopping = true
	exited := h.reaped
	h.mu.Unlock()

	if exited {
		return nil
	}

	pid := h.cmd.Process.Pid
	s.logger.Info("terminating process", "instance", name, "pid", pid, "signal", graceful)

	if err := h.cmd.Process.Signal(graceful); err != nil {
		s.logger.Warn("graceful signal failed, killing", "instance", name, "err", err)
		_ = h.cmd.Process.Kill()
	}

	select {
	case <-h.done:
		s.logger.Info("process stopped gracefully", "instance", name, "pid", pid)
	case <-time.After(s.stopTimeout):
		s.logger.Warn("process did not stop in time, killing", "instance", name, "pid", pid)
		_ = h.cmd.Process.Kill()
		<-h.done
	}

	return nil
}

// Status reports the supervisor's view of name without blocking.
func (s *Supervisor) Status(name string) Status {
	s.mu.Lock()
	h, ok := s.handles[name]
	s.mu.Unlock()

	if !ok {
		return StatusUntracked
	}
	if h.alive() {
		return StatusAlive
	}
	return StatusExited
}

// IsAlive reports whether a live process is tracked for name.
func (s *Supervisor) IsAlive(name string) bool {
	return s.Status(name) == StatusAlive
}

// TerminateAll stops every tracked process, used on daemon shutdown.
func (s *Supervisor) TerminateAll(graceful os.Signal) {
	s.mu.Lock()
	names := make([]string, 0, len(s.handles))
	for name := range s.handles {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Terminate(name, graceful); err != nil {
			s.logger.Error("terminate on shutdown failed", "instance", name, "err", err)
		}
	}
}

func (h *handle) alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.reaped
}
