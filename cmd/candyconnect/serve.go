package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/candyconnect/candyconnect-core/internal/api"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/influxdb"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/mqtt"
	"github.com/candyconnect/candyconnect-core/internal/manager"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service: background loops, MQTT, InfluxDB and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

// serve runs until ctx is cancelled. Deferred cleanup runs in reverse:
// API, supervised daemons, InfluxDB, MQTT, database.
func serve(ctx context.Context, opts *globalOptions) error {
	c, err := openCore(ctx, opts, false)
	if err != nil {
		return err
	}
	defer c.Close()
	log := c.log
	cfg := c.cfg

	log.Info("starting CandyConnect Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	mgrOpts := []manager.Option{manager.WithMetrics(manager.NewMetrics(prometheus.DefaultRegisterer))}
	health := map[string]api.HealthChecker{}
	if c.db != nil {
		health["database"] = c.db
	}

	// MQTT is optional; without it there are no status events or remote commands.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("MQTT unavailable, continuing without events", "error", err)
		} else {
			defer func() {
				log.Info("disconnecting from MQTT")
				if closeErr := mqttClient.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			mqttClient.SetLogger(log.With("component", "mqtt"))
			mqttClient.SetOnConnect(func() {
				log.Info("MQTT reconnected")
			})
			mqttClient.SetOnDisconnect(func(err error) {
				log.Warn("MQTT disconnected", "error", err)
			})
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
			mgrOpts = append(mgrOpts, manager.WithPublisher(mqttClient))
			health["mqtt"] = mqttClient
		}
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			log.Warn("InfluxDB unavailable, continuing without time series", "error", err)
		} else {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			influxClient.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			log.Info("InfluxDB connected",
				"url", cfg.InfluxDB.URL,
				"org", cfg.InfluxDB.Org,
				"bucket", cfg.InfluxDB.Bucket,
			)
			mgrOpts = append(mgrOpts, manager.WithTimeSeries(influxClient))
		}
	} else {
		log.Info("InfluxDB disabled")
	}

	mgr, err := c.newManager(mgrOpts...)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}
	if err := mgr.SeedConfigs(ctx); err != nil {
		log.Warn("seeding default protocol configs failed", "error", err)
	}

	if cfg.Supervisor.StopOnExit {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Supervisor.GracefulTimeout+cfg.Supervisor.KillWait)
			defer cancel()
			log.Info("stopping supervised daemons")
			c.supervisor.Shutdown(shutdownCtx)
		}()
	}

	if mqttClient != nil {
		if err := mqttClient.SubscribeCoreCommands(remoteCommands(ctx, mgr, log)); err != nil {
			log.Warn("subscribing to core commands failed", "error", err)
		}
	}

	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:   cfg.API,
			Logger:   log.With("component", "api"),
			Cores:    mgr,
			Logs:     c.store,
			Health:   health,
			Gatherer: prometheus.DefaultGatherer,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	err = mgr.Run(ctx, manager.Schedule{
		Traffic: cfg.Scheduler.TrafficInterval,
		Status:  cfg.Scheduler.StatusInterval,
	})
	log.Info("shutdown signal received, cleaning up")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("CandyConnect Core stopped")
	return nil
}

// commandLogger is the subset of the service logger remote commands use.
type commandLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// remoteCommands runs lifecycle actions received over MQTT. Actions can
// take minutes, so each runs outside the MQTT delivery goroutine.
func remoteCommands(ctx context.Context, mgr *manager.Manager, log commandLogger) mqtt.CommandHandler {
	return func(protocol, action string) error {
		// Reject malformed requests before detaching.
		if _, err := manager.ParseOp(action); err != nil {
			return err
		}
		go func() {
			log.Info("remote core command", "protocol", protocol, "action", action)
			if err := mgr.Do(ctx, protocol, action); err != nil {
				log.Error("remote core command failed", "protocol", protocol, "action", action, "error", err)
			}
		}()
		return nil
	}
}
