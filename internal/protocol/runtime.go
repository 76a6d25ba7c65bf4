package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	defaultAptAttempts = 5
	defaultAptBackoff  = 10 * time.Second
	defaultAptTimeout  = 180 * time.Second
	defaultSysctlFile  = "/etc/sysctl.d/99-candyconnect.conf"
	ipForwardSetting   = "net.ipv4.ip_forward=1\n"
	defaultDirMode     = 0o755
	defaultRestartWait = time.Second
)

// sbinDirs are searched when a binary is not on PATH. Services often run
// with a PATH that lacks the sbin directories.
var sbinDirs = []string{"/usr/sbin", "/sbin", "/usr/local/sbin", "/usr/bin", "/bin"}

// Logger is the logging interface used by adapters.
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

// Supervisor starts and stops long-running daemons. *process.Supervisor
// implements it.
type Supervisor interface {
	Start(ctx context.Context, spec process.Spec) (process.Handle, error)
	Stop(ctx context.Context, pid int) error
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Runner     command.Runner
	Supervisor Supervisor
	Store      status.Store
	Logger     Logger

	// Sudo routes privileged file writes through install(1) and rm(1)
	// instead of writing directly.
	Sudo bool

	// Apt bounds package installs.
	Apt        command.RetryPolicy
	AptTimeout time.Duration

	// RestartPause is the wait between stop and start on Restart.
	RestartPause time.Duration

	// SysctlFile is the drop-in that persists IP forwarding.
	SysctlFile string

	// Alive reports pid liveness. Nil selects process.Alive.
	Alive func(pid int) bool

	// Now is the clock. Nil selects time.Now.
	Now func() time.Time

	// LookPath locates binaries. Nil searches PATH and the sbin directories.
	LookPath func(binary string) (string, bool)
}

// Runtime bundles the helpers adapters use to drive the host. One Runtime
// belongs to one protocol.
type Runtime struct {
	id   ID
	deps Deps
	log  Logger
}

// NewRuntime builds the runtime for id. Runner, Supervisor and Store must be set.
func NewRuntime(id ID, deps Deps) (*Runtime, error) {
	if deps.Runner == nil || deps.Supervisor == nil || deps.Store == nil {
		return nil, fmt.Errorf("runtime %s: runner, supervisor and store are required", id)
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Apt.MaxAttempts < 1 {
		deps.Apt.MaxAttempts = defaultAptAttempts
	}
	if deps.Apt.Backoff <= 0 {
		deps.Apt.Backoff = defaultAptBackoff
	}
	if deps.AptTimeout <= 0 {
		deps.AptTimeout = defaultAptTimeout
	}
	if deps.RestartPause <= 0 {
		deps.RestartPause = defaultRestartWait
	}
	if deps.SysctlFile == "" {
		deps.SysctlFile = defaultSysctlFile
	}
	if deps.Alive == nil {
		deps.Alive = process.Alive
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.LookPath == nil {
		deps.LookPath = lookPath
	}
	return &Runtime{id: id, deps: deps, log: deps.Logger}, nil
}

// ID returns the protocol this runtime serves.
func (r *Runtime) ID() ID { return r.id }

// Name is the protocol display name, used as the log source.
func (r *Runtime) Name() string { return r.id.Name() }

// Logger returns the adapter logger.
func (r *Runtime) Logger() Logger { return r.log }

// RestartPause is the configured stop-to-start pause.
func (r *Runtime) RestartPause() time.Duration { return r.deps.RestartPause }

// Now returns the current time from the runtime clock.
func (r *Runtime) Now() time.Time { return r.deps.Now() }

// Alive reports whether pid is a live process.
func (r *Runtime) Alive(pid int) bool { return r.deps.Alive(pid) }

// Log writes an operator-visible entry to the store and to the service log.
func (r *Runtime) Log(ctx context.Context, level status.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case status.LevelError:
		r.log.Error(msg, "protocol", r.id)
	case status.LevelWarning:
		r.log.Warn(msg, "protocol", r.id)
	case status.LevelDebug:
		r.log.Debug(msg, "protocol", r.id)
	default:
		r.log.Info(msg, "protocol", r.id)
	}
	if err := r.deps.Store.AppendLog(context.WithoutCancel(ctx), level, r.Name(), msg); err != nil {
		r.log.Warn("appending operator log failed", "protocol", r.id, "error", err)
	}
}

// Run executes c.
func (r *Runtime) Run(ctx context.Context, c command.Command) command.Result {
	return r.deps.Runner.Run(ctx, c)
}

// RunOK executes c and converts a failure into an error naming the command.
func (r *Runtime) RunOK(ctx context.Context, c command.Command) error {
	if err := r.Run(ctx, c).Err(); err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	return nil
}

// Output executes c and returns its trimmed output, or an error.
func (r *Runtime) Output(ctx context.Context, c command.Command) (string, error) {
	res := r.Run(ctx, c)
	if err := res.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", c.Name, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// AptInstall installs packages, retrying while the dpkg lock is held.
func (r *Runtime) AptInstall(ctx context.Context, packages ...string) error {
	c := command.New("apt-get", append([]string{"install", "-y"}, packages...)...).
		WithEnv("DEBIAN_FRONTEND=noninteractive").
		WithTimeout(r.deps.AptTimeout)

	policy := r.deps.Apt
	retryable := policy.Retryable
	if retryable == nil {
		retryable = command.IsLockContention
	}
	attempt := 0
	policy.Retryable = func(res command.Result) bool {
		attempt++
		if !retryable(res) {
			return false
		}
		r.Log(ctx, status.LevelWarning, "Apt lock held, retry %d/%d", attempt, policy.MaxAttempts)
		return true
	}

	res := command.RunWithRetry(ctx, r.deps.Runner, c, policy)
	if err := res.Err(); err != nil {
		r.Log(ctx, status.LevelError, "Apt install failed: %v", err)
		return fmt.Errorf("installing %s: %w", strings.Join(packages, " "), err)
	}
	return nil
}

// Systemctl runs "systemctl action unit".
func (r *Runtime) Systemctl(ctx context.Context, action, unit string) error {
	return r.RunOK(ctx, command.New("systemctl", action, unit))
}

// ServiceActive reports whether systemd considers unit active.
func (r *Runtime) ServiceActive(ctx context.Context, unit string) bool {
	res := r.Run(ctx, command.New("systemctl", "is-active", unit).AsProbe())
	return strings.TrimSpace(res.Stdout) == "active"
}

// ServiceMainPID returns the main pid of unit, or 0 when it has none.
func (r *Runtime) ServiceMainPID(ctx context.Context, unit string) int {
	res := r.Run(ctx, command.New("systemctl", "show", "--property=MainPID", "--value", unit).AsProbe())
	if !res.OK() {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || pid < 0 {
		return 0
	}
	return pid
}

// LookPath finds binary on PATH or in the sbin directories.
func (r *Runtime) LookPath(binary string) (string, bool) {
	return r.deps.LookPath(binary)
}

func lookPath(binary string) (string, bool) {
	if filepath.IsAbs(binary) {
		if isExecutable(binary) {
			return binary, true
		}
		return "", false
	}
	if p, err := exec.LookPath(binary); err == nil {
		return p, true
	}
	for _, dir := range sbinDirs {
		p := filepath.Join(dir, binary)
		if isExecutable(p) {
			return p, true
		}
	}
	return "", false
}

// Installed reports whether binary can be found.
func (r *Runtime) Installed(binary string) bool {
	_, ok := r.LookPath(binary)
	return ok
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// LoadConfig decodes the stored config document over dst. A missing
// document leaves dst unchanged, so callers pass a value holding defaults.
func (r *Runtime) LoadConfig(ctx context.Context, dst any) error {
	doc, err := r.deps.Store.GetConfig(ctx, string(r.id))
	if errors.Is(err, status.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s config: %w", r.id, err)
	}
	if err := json.Unmarshal(doc, dst); err != nil {
		return fmt.Errorf("decoding %s config: %w", r.id, err)
	}
	return nil
}

// SaveConfig stores v as the protocol config document.
func (r *Runtime) SaveConfig(ctx context.Context, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s config: %w", r.id, err)
	}
	if err := r.deps.Store.UpdateConfig(ctx, string(r.id), doc); err != nil {
		return fmt.Errorf("saving %s config: %w", r.id, err)
	}
	return nil
}

// WriteFile replaces path with data. Without sudo the write goes to a temp
// file in the same directory and is renamed into place. With sudo the temp
// file is moved into place by install(1).
func (r *Runtime) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if r.deps.Sudo {
		tmp, err := writeTemp(os.TempDir(), data, 0o600)
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		defer os.Remove(tmp) //nolint:errcheck // Best effort cleanup
		return r.RunOK(ctx, command.New("install", "-D", "-m", fmt.Sprintf("%04o", mode.Perm()), tmp, path))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := writeTemp(dir, data, mode)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck,gosec // Best effort cleanup
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func writeTemp(dir string, data []byte, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, ".candyconnect-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()       //nolint:errcheck,gosec // Already failing
		os.Remove(name) //nolint:errcheck,gosec // Best effort cleanup
		return "", err
	}
	if err := f.Chmod(mode.Perm()); err != nil {
		f.Close()       //nolint:errcheck,gosec // Already failing
		os.Remove(name) //nolint:errcheck,gosec // Best effort cleanup
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name) //nolint:errcheck,gosec // Best effort cleanup
		return "", err
	}
	return name, nil
}

// ReadFile reads path. A permission error under sudo falls back to cat(1).
func (r *Runtime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Paths come from adapter configuration
	if err == nil || !r.deps.Sudo || !errors.Is(err, fs.ErrPermission) {
		return data, err
	}
	res := r.Run(ctx, command.New("cat", path).AsProbe())
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return []byte(res.Stdout), nil
}

// RemoveFile deletes path. A missing file is not an error.
func (r *Runtime) RemoveFile(ctx context.Context, path string) error {
	if r.deps.Sudo {
		return r.RunOK(ctx, command.New("rm", "-f", path))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// FileExists reports whether path exists. Under sudo a permission error
// is settled with test(1).
func (r *Runtime) FileExists(ctx context.Context, path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if r.deps.Sudo && errors.Is(err, fs.ErrPermission) {
		return r.Run(ctx, command.New("test", "-e", path).AsProbe()).OK()
	}
	return false
}

// MkdirAll creates dir and its parents.
func (r *Runtime) MkdirAll(ctx context.Context, dir string) error {
	if r.deps.Sudo {
		return r.RunOK(ctx, command.New("mkdir", "-p", dir))
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// EnsureIPForward enables IPv4 forwarding now and persists it in a sysctl drop-in.
func (r *Runtime) EnsureIPForward(ctx context.Context) error {
	current, err := os.ReadFile(r.deps.SysctlFile)
	if err != nil || !bytes.Equal(current, []byte(ipForwardSetting)) {
		if err := r.WriteFile(ctx, r.deps.SysctlFile, []byte(ipForwardSetting), 0o644); err != nil {
			return fmt.Errorf("persisting ip forwarding: %w", err)
		}
	}
	return r.RunOK(ctx, command.New("sysctl", "-w", "net.ipv4.ip_forward=1"))
}

// EnsureRule adds an iptables rule unless an identical one exists.
// insert selects -I over -A.
func (r *Runtime) EnsureRule(ctx context.Context, table, chain string, insert bool, rule ...string) error {
	check := append([]string{"-t", table, "-C", chain}, rule...)
	if r.Run(ctx, command.New("iptables", check...).AsProbe()).OK() {
		return nil
	}
	op := "-A"
	if insert {
		op = "-I"
	}
	add := append([]string{"-t", table, op, chain}, rule...)
	return r.RunOK(ctx, command.New("iptables", add...))
}

// EnsureNAT masquerades traffic from subnet.
func (r *Runtime) EnsureNAT(ctx context.Context, subnet string) error {
	return r.EnsureRule(ctx, "nat", "POSTROUTING", false, "-s", subnet, "-j", "MASQUERADE")
}

// Status returns the stored status, or a stopped one when none exists.
func (r *Runtime) Status(ctx context.Context) (status.ProtocolStatus, error) {
	st, err := r.deps.Store.GetStatus(ctx, string(r.id))
	if errors.Is(err, status.ErrNotFound) {
		return status.Stopped(""), nil
	}
	return st, err
}

// MarkRunning records a running status.
func (r *Runtime) MarkRunning(ctx context.Context, h status.Handle, startedAt time.Time, version string) error {
	if err := r.deps.Store.SetStatus(ctx, string(r.id), status.Running(h, startedAt, version)); err != nil {
		return fmt.Errorf("recording %s running: %w", r.id, err)
	}
	return nil
}

// MarkStopped records a stopped status, keeping the last known version.
func (r *Runtime) MarkStopped(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	st, err := r.Status(ctx)
	if err != nil {
		st = status.Stopped("")
	}
	if err := r.deps.Store.SetStatus(ctx, string(r.id), status.Stopped(st.Version)); err != nil {
		return fmt.Errorf("recording %s stopped: %w", r.id, err)
	}
	return nil
}

// StartDaemon launches spec through the supervisor and records the
// outcome. A daemon that dies in the grace window leaves the status stopped.
// When the persisted pid is still alive nothing is spawned and its handle
// is returned.
func (r *Runtime) StartDaemon(ctx context.Context, spec process.Spec, version string) (process.Handle, error) {
	if spec.Name == "" {
		spec.Name = string(r.id)
	}
	st, err := r.Status(ctx)
	if err != nil {
		return process.Handle{}, err
	}
	if pid := st.PID(); st.IsRunning() && pid > 0 && r.Alive(pid) {
		r.Log(ctx, status.LevelInfo, "Service already running (PID: %d)", pid)
		h := process.Handle{PID: pid}
		if st.StartedAt != nil {
			h.StartedAt = *st.StartedAt
		}
		return h, nil
	}

	h, err := r.deps.Supervisor.Start(ctx, spec)
	if err != nil {
		var sf *process.StartFailedError
		if errors.As(err, &sf) {
			r.Log(ctx, status.LevelError, "Process died immediately: %s", strings.TrimSpace(sf.Stderr))
		} else {
			r.Log(ctx, status.LevelError, "Failed to start: %v", err)
		}
		if markErr := r.MarkStopped(ctx); markErr != nil {
			return process.Handle{}, errors.Join(err, markErr)
		}
		return process.Handle{}, err
	}

	if err := r.MarkRunning(ctx, status.Handle{PID: h.PID}, h.StartedAt, version); err != nil {
		// Without a persisted pid nothing could stop it later.
		_ = r.deps.Supervisor.Stop(context.WithoutCancel(ctx), h.PID) //nolint:errcheck // Already failing
		return process.Handle{}, err
	}
	r.Log(ctx, status.LevelInfo, "Service started (PID: %d)", h.PID)
	return h, nil
}

// StopDaemon stops the persisted pid, if any, and records a stopped status
// whatever the outcome.
func (r *Runtime) StopDaemon(ctx context.Context) error {
	st, err := r.Status(ctx)
	if err != nil {
		return err
	}
	var stopErr error
	if pid := st.PID(); pid > 0 {
		stopErr = r.deps.Supervisor.Stop(ctx, pid)
	}
	if err := r.MarkStopped(ctx); err != nil {
		return errors.Join(stopErr, err)
	}
	if stopErr != nil {
		r.Log(ctx, status.LevelError, "Failed to stop: %v", stopErr)
		return stopErr
	}
	r.Log(ctx, status.LevelInfo, "Service stopped")
	return nil
}

// PIDAlive reports whether the persisted pid is live.
func (r *Runtime) PIDAlive(ctx context.Context) bool {
	st, err := r.Status(ctx)
	if err != nil {
		return false
	}
	return r.Alive(st.PID())
}

// Reconcile records a stopped status when alive is false but the store
// says running. It returns alive.
func (r *Runtime) Reconcile(ctx context.Context, alive bool) bool {
	if alive {
		return true
	}
	st, err := r.Status(ctx)
	if err != nil || !st.IsRunning() {
		return false
	}
	if err := r.MarkStopped(ctx); err != nil {
		r.log.Warn("correcting stale status failed", "protocol", r.id, "error", err)
		return false
	}
	r.log.Info("stale running status corrected", "protocol", r.id, "pid", st.PID())
	return false
}

// DefaultInterface returns the interface of the default route, or eth0.
func (r *Runtime) DefaultInterface(ctx context.Context) string {
	res := r.Run(ctx, command.New("ip", "route", "show", "default").AsProbe())
	if res.OK() {
		fields := strings.Fields(res.Stdout)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == "dev" {
				return fields[i+1]
			}
		}
	}
	return "eth0"
}
