// Package protocoltest provides scripted collaborators for adapter tests:
// a command.Runner that answers by command prefix and a Supervisor that
// hands out fake pids without spawning anything.
package protocoltest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// OK is a successful result with stdout.
func OK(stdout string) command.Result {
	return command.Result{Stdout: stdout}
}

// Fail is a non-zero exit with stderr.
func Fail(code int, stderr string) command.Result {
	return command.Result{ExitCode: code, Stderr: stderr}
}

type rule struct {
	prefix string
	fn     func(command.Command) command.Result
}

// Runner records every command and answers from rules matched against
// Command.String(). The most recently added matching rule wins; unmatched
// commands succeed with empty output.
type Runner struct {
	mu    sync.Mutex
	rules []rule
	calls []command.Command
}

// NewRunner returns a runner with no rules.
func NewRunner() *Runner { return &Runner{} }

// On answers commands starting with prefix with res.
func (r *Runner) On(prefix string, res command.Result) *Runner {
	return r.OnFunc(prefix, func(command.Command) command.Result { return res })
}

// OnFunc answers commands starting with prefix with fn.
func (r *Runner) OnFunc(prefix string, fn func(command.Command) command.Result) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, fn: fn})
	return r
}

// Run implements command.Runner.
func (r *Runner) Run(_ context.Context, c command.Command) command.Result {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	line := c.String()
	var fn func(command.Command) command.Result
	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, r.rules[i].prefix) {
			fn = r.rules[i].fn
			break
		}
	}
	r.mu.Unlock()

	res := command.Result{}
	if fn != nil {
		res = fn(c)
	}
	res.Attempts = 1
	return res
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []command.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Command(nil), r.calls...)
}

// Count returns how many commands started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}

// Ran reports whether any command started with prefix.
func (r *Runner) Ran(prefix string) bool {
	return r.Count(prefix) > 0
}

// Find returns the last command starting with prefix.
func (r *Runner) Find(prefix string) (command.Command, bool) {
	calls := r.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(calls[i].String(), prefix) {
			return calls[i], true
		}
	}
	return command.Command{}, false
}

// Supervisor is a fake protocol.Supervisor with an in-memory process table.
type Supervisor struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	starts  []process.Spec
	stops   []int

	// StartErr, when set, is returned by every Start.
	StartErr error
}

// NewSupervisor returns a supervisor whose first pid is 1000.
func NewSupervisor() *Supervisor {
	return &Supervisor{nextPID: 1000, alive: make(map[int]bool)}
}

// Start records spec and returns a fresh live pid, or StartErr.
func (s *Supervisor) Start(_ context.Context, spec process.Spec) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, spec)
	if s.StartErr != nil {
		return process.Handle{}, s.StartErr
	}
	pid := s.nextPID
	s.nextPID++
	s.alive[pid] = true
	return process.Handle{PID: pid, StartedAt: time.Now()}, nil
}

// Stop marks pid dead.
func (s *Supervisor) Stop(_ context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, pid)
	delete(s.alive, pid)
	return nil
}

// Alive reports whether pid was started and not stopped or killed.
func (s *Supervisor) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[pid]
}

// Kill makes pid die outside the supervisor's control.
func (s *Supervisor) Kill(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, pid)
}

// Starts returns every spec passed to Start.
func (s *Supervisor) Starts() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Spec(nil), s.starts...)
}

// Stops returns every pid passed to Stop.
func (s *Supervisor) Stops() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.stops...)
}

// Env is a ready-to-use set of fakes.
type Env struct {
	Runner     *Runner
	Supervisor *Supervisor
	Store      *status.MemoryStore

	// Binaries lists the names LookPath reports as installed.
	Binaries map[string]string
}

// NewEnv builds fakes with nothing installed.
func NewEnv() *Env {
	return &Env{
		Runner:     NewRunner(),
		Supervisor: NewSupervisor(),
		Store:      status.NewMemoryStore(0),
		Binaries:   make(map[string]string),
	}
}

// Install makes LookPath find binary at /usr/bin/<binary>.
func (e *Env) Install(binaries ...string) *Env {
	for _, b := range binaries {
		e.Binaries[b] = "/usr/bin/" + b
	}
	return e
}

// Deps returns protocol.Deps wired to the fakes. sysctlFile should live
// in a temp dir.
func (e *Env) Deps(sysctlFile string) protocol.Deps {
	return protocol.Deps{
		Runner:       e.Runner,
		Supervisor:   e.Supervisor,
		Store:        e.Store,
		Apt:          command.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		RestartPause: time.Millisecond,
		SysctlFile:   sysctlFile,
		Alive:        e.Supervisor.Alive,
		LookPath: func(binary string) (string, bool) {
			p, ok := e.Binaries[binary]
			return p, ok
		},
	}
}

// Runtime builds a runtime for id over the fakes.
func (e *Env) Runtime(id protocol.ID, sysctlFile string) *protocol.Runtime {
	rt, err := protocol.NewRuntime(id, e.Deps(sysctlFile))
	if err != nil {
		panic(err)
	}
	return rt
}
