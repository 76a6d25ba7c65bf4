package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned by Result.Err when the command hit its timeout.
	ErrTimeout = errors.New("command: timed out")

	// ErrTransient marks a failure that persisted through every retry.
	ErrTransient = errors.New("command: transient failure persisted")
)

// Command is a single program invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE pairs added to the inherited environment
	Stdin   []byte
	Timeout time.Duration

	// Probe marks read-only status queries.
	Probe bool
}

// New builds a command from a program name and its arguments.
func New(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithStdin returns a copy that feeds data to the program's stdin.
func (c Command) WithStdin(data []byte) Command {
	c.Stdin = data
	return c
}

// WithDir returns a copy that runs in dir.
func (c Command) WithDir(dir string) Command {
	c.Dir = dir
	return c
}

// WithEnv returns a copy with extra KEY=VALUE pairs.
func (c Command) WithEnv(kv ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), kv...)
	return c
}

// WithTimeout returns a copy with its own timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// AsProbe returns a copy marked as a read-only probe.
func (c Command) AsProbe() Command {
	c.Probe = true
	return c
}

// String renders the command for logs, quoting arguments that need it.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(' ')
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$") {
			b.WriteString(strconv.Quote(a))
		} else {
			b.WriteString(a)
		}
	}
	return b.String()
}

// Result is the outcome of a run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Attempts int
	TimedOut bool

	// StartErr is set when the program could not be launched or the
	// context ended before it finished.
	StartErr error
}

// OK reports a clean exit.
func (r Result) OK() bool {
	return !r.TimedOut && r.StartErr == nil && r.ExitCode == 0
}

// Err returns nil for a clean exit and a descriptive error otherwise.
func (r Result) Err() error {
	switch {
	case r.TimedOut:
		return fmt.Errorf("%w after %s", ErrTimeout, r.Duration.Round(time.Millisecond))
	case r.StartErr != nil:
		return r.StartErr
	case r.ExitCode != 0:
		return &ExitError{Code: r.ExitCode, Stderr: r.Stderr}
	}
	return nil
}

// Output is the trimmed stdout, falling back to stderr when stdout is empty.
// Several tools print their version banner on stderr.
func (r Result) Output() string {
	if out := strings.TrimSpace(r.Stdout); out != "" {
		return out
	}
	return strings.TrimSpace(r.Stderr)
}

// ExitError is a non-zero exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	const maxLen = 512
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, msg)
}

// Runner executes commands. *Executor is the production implementation;
// adapters accept the interface so tests can script results.
type Runner interface {
	Run(ctx context.Context, c Command) Result
}
