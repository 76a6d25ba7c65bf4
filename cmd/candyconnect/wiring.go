package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/config"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/database"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/logging"
	"github.com/candyconnect/candyconnect-core/internal/manager"
	"github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/protocol/dnstt"
	"github.com/candyconnect/candyconnect-core/internal/protocol/ikev2"
	"github.com/candyconnect/candyconnect-core/internal/protocol/l2tp"
	"github.com/candyconnect/candyconnect-core/internal/protocol/openvpn"
	"github.com/candyconnect/candyconnect-core/internal/protocol/placeholder"
	"github.com/candyconnect/candyconnect-core/internal/protocol/wireguard"
	"github.com/candyconnect/candyconnect-core/internal/protocol/xray"
	"github.com/candyconnect/candyconnect-core/internal/status"
	"github.com/candyconnect/candyconnect-core/migrations"
)

// core is the state shared by every subcommand: config, logger, store,
// executor, supervisor and the protocol adapters.
type core struct {
	cfg        *config.Config
	log        *logging.Logger
	db         *database.DB // nil when ephemeral
	store      status.Store
	executor   *command.Executor
	supervisor *process.Supervisor
	backends   manager.Backends
}

// openCore loads the config and builds everything below the manager.
// logToStderr keeps stdout clean for command output.
func openCore(ctx context.Context, opts *globalOptions, logToStderr bool) (*core, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logToStderr {
		cfg.Logging.Output = "stderr"
	}
	log := logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", opts.configPath, "ephemeral", opts.ephemeral)

	c := &core{cfg: cfg, log: log}
	if err := c.openStore(ctx, opts.ephemeral); err != nil {
		c.Close()
		return nil, err
	}

	c.executor = command.NewExecutor(command.Config{
		Timeout:     cfg.Executor.Timeout,
		KillWait:    cfg.Supervisor.KillWait,
		Sudo:        cfg.Executor.Sudo,
		AuditProbes: cfg.Executor.AuditProbes,
	}, log.With("component", "executor"), c.store)

	c.supervisor = process.NewSupervisor(process.Config{
		GraceWindow:     cfg.Supervisor.GraceWindow,
		GracefulTimeout: cfg.Supervisor.GracefulTimeout,
		KillWait:        cfg.Supervisor.KillWait,
	}, log.With("component", "supervisor"))

	if c.backends, err = c.buildBackends(); err != nil {
		c.Close()
		return nil, fmt.Errorf("building protocol adapters: %w", err)
	}
	return c, nil
}

func (c *core) openStore(ctx context.Context, ephemeral bool) error {
	if ephemeral {
		c.store = status.NewMemoryStore(c.cfg.Status.MaxLogs)
		c.log.Warn("ephemeral mode, state is kept in memory only")
		return nil
	}

	db, err := database.Open(ctx, database.Config{
		Path:        c.cfg.Database.Path,
		WALMode:     c.cfg.Database.WALMode,
		BusyTimeout: c.cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	c.db = db
	c.log.Info("database connected", "path", c.cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	c.log.Info("database migrations complete")

	c.store = status.NewSQLiteStore(db.DB, c.cfg.Status.MaxLogs)
	return nil
}

// deps returns the adapter collaborators for id. Commands are audited
// under the protocol's display name.
func (c *core) deps(id protocol.ID) protocol.Deps {
	return protocol.Deps{
		Runner:     c.executor.WithSource(id.Name()),
		Supervisor: c.supervisor,
		Store:      c.store,
		Logger:     c.log.With("protocol", string(id)),
		Sudo:       c.cfg.Executor.Sudo,
		Apt: command.RetryPolicy{
			MaxAttempts: c.cfg.Executor.AptAttempts,
			Backoff:     c.cfg.Executor.AptBackoff,
		},
		AptTimeout:   c.cfg.Executor.AptTimeout,
		RestartPause: c.cfg.Supervisor.RestartPause,
	}
}

func (c *core) buildBackends() (manager.Backends, error) {
	var (
		b   manager.Backends
		err error
		p   = c.cfg.Paths
	)

	if b.V2Ray, err = xray.New(c.deps(protocol.V2Ray), xray.Options{
		Dir:        filepath.Join(c.cfg.CoreDir(), "xray"),
		ReleaseURL: c.cfg.Xray.ReleaseURL,
		AssetName:  c.cfg.Xray.AssetName,
	}); err != nil {
		return b, err
	}
	if b.WireGuard, err = wireguard.New(c.deps(protocol.WireGuard), wireguard.Options{
		Dir: p.WireGuardDir,
	}); err != nil {
		return b, err
	}
	if b.OpenVPN, err = openvpn.New(c.deps(protocol.OpenVPN), openvpn.Options{
		ServerDir:  p.OpenVPNDir,
		EasyRSADir: p.EasyRSADir,
	}); err != nil {
		return b, err
	}
	if b.IKEv2, err = ikev2.New(c.deps(protocol.IKEv2), ikev2.Options{
		IPSecDir:      filepath.Join(p.IPSecDir, "ipsec.d"),
		ConfFile:      filepath.Join(p.IPSecDir, "ipsec.conf"),
		SecretsFile:   filepath.Join(p.IPSecDir, "ipsec.secrets"),
		ServerAddress: c.cfg.Server.Address,
	}); err != nil {
		return b, err
	}
	if b.L2TP, err = l2tp.New(c.deps(protocol.L2TP), l2tp.Options{
		XL2TPDConf:  filepath.Join(p.XL2TPDDir, "xl2tpd.conf"),
		PPPOptions:  filepath.Join(p.PPPDir, "options.xl2tpd"),
		ChapSecrets: filepath.Join(p.PPPDir, "chap-secrets"),
		IPSecDir:    filepath.Join(p.IPSecDir, "ipsec.d"),
		IPSecConf:   filepath.Join(p.IPSecDir, "ipsec.conf"),
		SecretsFile: filepath.Join(p.IPSecDir, "ipsec.secrets"),
		SysClassNet: p.SysClassNet,
	}); err != nil {
		return b, err
	}
	if b.DNSTT, err = dnstt.New(c.deps(protocol.DNSTT), dnstt.Options{
		Binary: p.DNSTTBinary,
		Dir:    filepath.Join(c.cfg.CoreDir(), "dnstt"),
	}); err != nil {
		return b, err
	}
	if b.SlipStream, err = placeholder.New(protocol.SlipStream, c.deps(protocol.SlipStream)); err != nil {
		return b, err
	}
	if b.TrustTunnel, err = placeholder.New(protocol.TrustTunnel, c.deps(protocol.TrustTunnel)); err != nil {
		return b, err
	}
	return b, nil
}

// newManager builds the manager over the adapters.
func (c *core) newManager(opts ...manager.Option) (*manager.Manager, error) {
	opts = append([]manager.Option{manager.WithLogger(c.log.With("component", "manager"))}, opts...)
	return manager.New(c.backends, c.store, opts...)
}

// Close releases the database and the log file.
func (c *core) Close() {
	if c.db != nil {
		c.log.Info("closing database")
		if err := c.db.Close(); err != nil {
			c.log.Error("error closing database", "error", err)
		}
	}
	if err := c.log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
	}
}
