package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	gocmd "github.com/go-cmd/cmd"

	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultKillWait = 2 * time.Second
)

// Logger is the logging interface used by the executor.
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

// Recorder receives the audit trail of every invocation.
type Recorder interface {
	AppendLog(ctx context.Context, level status.Level, source, message string) error
}

// Config controls the executor.
type Config struct {
	// Timeout applies to commands that do not set their own.
	Timeout time.Duration

	// KillWait is how long a timed-out process group gets between SIGTERM and SIGKILL.
	KillWait time.Duration

	// Sudo wraps every command in "sudo -n --".
	Sudo bool

	// AuditProbes records successful probes in the operator log too.
	AuditProbes bool
}

// Executor runs commands through go-cmd, which starts each program in
// its own process group.
type Executor struct {
	cfg      Config
	logger   Logger
	recorder Recorder
	source   string
}

// NewExecutor creates an executor. logger and recorder may be nil.
func NewExecutor(cfg Config, logger Logger, recorder Recorder) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = defaultKillWait
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{cfg: cfg, logger: logger, recorder: recorder, source: "System"}
}

// WithSource returns an executor that tags audit entries with source.
func (e *Executor) WithSource(source string) *Executor {
	clone := *e
	clone.source = source
	return &clone
}

// Run executes c and waits for it, its timeout, or ctx.
func (e *Executor) Run(ctx context.Context, c Command) Result {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	name, args := e.argv(c)
	proc := gocmd.NewCmdOptions(gocmd.Options{Buffered: true}, name, args...)
	proc.Dir = c.Dir
	proc.Env = append(os.Environ(), c.Env...)

	var statusCh <-chan gocmd.Status
	if c.Stdin != nil {
		statusCh = proc.StartWithStdin(bytes.NewReader(c.Stdin))
	} else {
		statusCh = proc.Start()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	started := time.Now()
	var res Result
	select {
	case st := <-statusCh:
		res = fromStatus(st)
	case <-timer.C:
		res = fromStatus(e.terminate(proc, statusCh))
		res.TimedOut = true
		res.ExitCode = -1
		res.StartErr = nil
		if res.Stderr == "" {
			res.Stderr = fmt.Sprintf("command timed out after %s", timeout)
		}
	case <-ctx.Done():
		res = fromStatus(e.terminate(proc, statusCh))
		res.ExitCode = -1
		res.StartErr = ctx.Err()
	}
	res.Duration = time.Since(started)
	res.Attempts = 1

	e.audit(ctx, c, res)
	return res
}

// argv applies the sudo wrapper. Under sudo the extra environment is
// passed through env(1), since sudo resets the environment.
func (e *Executor) argv(c Command) (string, []string) {
	if !e.cfg.Sudo {
		return c.Name, c.Args
	}
	args := []string{"-n", "--"}
	if len(c.Env) > 0 {
		args = append(args, "env")
		args = append(args, c.Env...)
	}
	args = append(args, c.Name)
	return "sudo", append(args, c.Args...)
}

// terminate stops the process group and escalates to SIGKILL if it lingers.
func (e *Executor) terminate(proc *gocmd.Cmd, statusCh <-chan gocmd.Status) gocmd.Status {
	_ = proc.Stop() //nolint:errcheck // Already-finished commands return an error we do not care about

	select {
	case st := <-statusCh:
		return st
	case <-time.After(e.cfg.KillWait):
	}

	if pid := proc.Status().PID; pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			e.logger.Warn("killing process group failed", "pid", pid, "error", err)
		}
	}

	select {
	case st := <-statusCh:
		return st
	case <-time.After(e.cfg.KillWait):
		return proc.Status()
	}
}

func fromStatus(st gocmd.Status) Result {
	res := Result{
		ExitCode: st.Exit,
		Stdout:   strings.Join(st.Stdout, "\n"),
		Stderr:   strings.Join(st.Stderr, "\n"),
	}
	// go-cmd leaves Error nil for a plain non-zero exit; it is set when
	// the program could not start or was killed by a signal.
	if st.Error != nil && (!st.Complete || st.Exit < 0) {
		res.StartErr = st.Error
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}
	return res
}

func (e *Executor) audit(ctx context.Context, c Command, res Result) {
	line := c.String()
	if len(line) > 300 {
		line = line[:300] + "..."
	}

	var level status.Level
	var msg string
	switch {
	case res.TimedOut:
		level = status.LevelError
		msg = fmt.Sprintf("%s: %s", line, res.Stderr)
		e.logger.Error("command timed out", "source", e.source, "command", line, "duration", res.Duration)
	case res.StartErr != nil:
		level = status.LevelError
		msg = fmt.Sprintf("%s: %v", line, res.StartErr)
		e.logger.Error("command failed to start", "source", e.source, "command", line, "error", res.StartErr)
	case res.ExitCode != 0:
		level = status.LevelWarning
		msg = fmt.Sprintf("%s: exit %d", line, res.ExitCode)
		e.logger.Warn("command exited non-zero", "source", e.source, "command", line,
			"exit_code", res.ExitCode, "stderr", truncate(res.Stderr, 256))
	default:
		level = status.LevelDebug
		msg = fmt.Sprintf("%s: ok (%s)", line, res.Duration.Round(time.Millisecond))
		e.logger.Debug("command completed", "source", e.source, "command", line, "duration", res.Duration)
		if c.Probe && !e.cfg.AuditProbes {
			return
		}
	}

	if e.recorder == nil {
		return
	}
	// Recorded even when ctx is done.
	if err := e.recorder.AppendLog(context.WithoutCancel(ctx), level, e.source, msg); err != nil {
		e.logger.Warn("recording command audit entry failed", "error", err)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
