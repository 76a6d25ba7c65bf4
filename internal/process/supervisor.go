package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultGraceWindow     = 1500 * time.Millisecond
	defaultGracefulTimeout = 5 * time.Second
	defaultKillWait        = 2 * time.Second

	// pollInterval is how often an untracked pid is probed while stopping.
	pollInterval = 100 * time.Millisecond

	// stderrTailBytes bounds the output kept per stream.
	stderrTailBytes = 8 * 1024
)

// Config controls start and stop timing.
type Config struct {
	// GraceWindow is how long a new process must survive to count as started.
	GraceWindow time.Duration

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// KillWait is how long Stop waits after SIGKILL.
	KillWait time.Duration
}

// Spec describes the daemon to launch.
type Spec struct {
	Name   string
	Binary string
	Args   []string
	Dir    string
	Env    []string // added to the inherited environment
}

// Handle identifies a started daemon.
type Handle struct {
	PID       int
	StartedAt time.Time
}

// Logger is the logging interface used by the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// child is a process started by this supervisor. done closes once Wait
// has reaped it.
type child struct {
	name     string
	cmd      *exec.Cmd
	stderr   *outputCapture
	done     chan struct{}
	exitCode int
}

// Supervisor starts and stops daemons. It is safe for concurrent use.
// Serialising operations on the same daemon is the caller's job.
type Supervisor struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	children map[int]*child
}

// NewSupervisor creates a supervisor. Zero config fields take defaults.
func NewSupervisor(cfg Config, logger Logger) *Supervisor {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = defaultKillWait
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{cfg: cfg, logger: logger, children: make(map[int]*child)}
}

// Start launches spec and waits out the grace window.
//
// The daemon is not bound to ctx: it keeps running after the request that
// started it returns. ctx only aborts the grace wait, in which case the
// daemon is killed and ctx.Err() returned.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Binary == "" {
		return Handle{}, fmt.Errorf("process %s: no binary configured", spec.Name)
	}

	s.logger.Info("starting process", "name", spec.Name, "binary", spec.Binary, "args", spec.Args)

	cmd := exec.Command(spec.Binary, spec.Args...) //nolint:gosec // Binary comes from adapter configuration, not clients
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	c := &child{
		name: spec.Name,
		cmd:  cmd,
		stderr: newOutputCapture(stderrTailBytes, func(line string) {
			s.logger.Debug("process output", "name", spec.Name, "stream", "stderr", "output", line)
		}),
		done: make(chan struct{}),
	}
	cmd.Stdout = newOutputCapture(stderrTailBytes, func(line string) {
		s.logger.Debug("process output", "name", spec.Name, "stream", "stdout", "output", line)
	})
	cmd.Stderr = c.stderr

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("starting %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	startedAt := time.Now()

	s.mu.Lock()
	s.children[pid] = c
	s.mu.Unlock()

	go s.reap(pid, c)

	timer := time.NewTimer(s.cfg.GraceWindow)
	defer timer.Stop()

	select {
	case <-c.done:
		stderr := c.stderr.String()
		s.logger.Error("process died immediately", "name", spec.Name, "pid", pid,
			"exit_code", c.exitCode, "stderr", stderr)
		return Handle{}, &StartFailedError{Name: spec.Name, ExitCode: c.exitCode, Stderr: stderr}
	case <-ctx.Done():
		s.kill(pid)
		<-c.done
		return Handle{}, ctx.Err()
	case <-timer.C:
	}

	s.logger.Info("process started", "name", spec.Name, "pid", pid)
	return Handle{PID: pid, StartedAt: startedAt}, nil
}

func (s *Supervisor) reap(pid int, c *child) {
	err := c.cmd.Wait()
	c.exitCode = exitCode(c.cmd, err)

	s.mu.Lock()
	delete(s.children, pid)
	s.mu.Unlock()
	close(c.done)

	s.logger.Info("process exited", "name", c.name, "pid", pid, "exit_code", c.exitCode)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// Stop terminates pid: SIGTERM to its process group, a bounded wait, then
// SIGKILL. It works for daemons started by this supervisor and for pids
// persisted by an earlier run. A pid that is already gone is not an error.
func (s *Supervisor) Stop(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}

	s.mu.Lock()
	c := s.children[pid]
	s.mu.Unlock()

	var gone func() <-chan struct{}
	if c != nil {
		gone = func() <-chan struct{} { return c.done }
	} else {
		if !Alive(pid) {
			return nil
		}
		gone = func() <-chan struct{} { return waitGone(ctx, pid) }
	}

	s.logger.Info("stopping process", "pid", pid, "tracked", c != nil)

	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}

	select {
	case <-gone():
		s.logger.Info("process stopped gracefully", "pid", pid)
		return nil
	case <-time.After(s.cfg.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL", "pid", pid, "timeout", s.cfg.GracefulTimeout)
	case <-ctx.Done():
		s.logger.Warn("stop interrupted, sending SIGKILL", "pid", pid)
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("killing %d: %w", pid, err)
	}

	select {
	case <-gone():
		s.logger.Info("process killed", "pid", pid)
		return nil
	case <-time.After(s.cfg.KillWait):
		return fmt.Errorf("process %d still present after SIGKILL", pid)
	}
}

// Tracked reports whether pid was started by this supervisor and is still running.
func (s *Supervisor) Tracked(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[pid]
	return ok
}

// Shutdown stops every tracked daemon. Used when the service exits with
// daemons configured to stop alongside it.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := s.Stop(ctx, pid); err != nil {
				s.logger.Warn("stopping process during shutdown failed", "pid", pid, "error", err)
			}
		}(pid)
	}
	wg.Wait()
}

func (s *Supervisor) kill(pid int) {
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("killing process failed", "pid", pid, "error", err)
	}
}

// signalGroup signals the process group led by pid, falling back to the
// pid alone when it does not lead a group.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		return syscall.Kill(pid, sig)
	}
	return err
}

// waitGone polls an untracked pid until it disappears or ctx ends.
func waitGone(ctx context.Context, pid int) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if !Alive(pid) {
				close(ch)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}
