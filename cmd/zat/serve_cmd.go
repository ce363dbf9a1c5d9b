// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/cache"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/health"
	"github.com/sylvester1001/zat/internal/journal"
	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/logfeed"
	"github.com/sylvester1001/zat/internal/panel"
	"github.com/sylvester1001/zat/internal/store"
	"github.com/sylvester1001/zat/internal/telemetry"
)

const cacheCleanupInterval = time.Minute

func newServeCmd(a *app) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local panel API with the heartbeat and push streams",
		Long: `serve owns one state store for the lifetime of the process. It polls the
backend, follows /ws/state and /ws/log, and exposes snapshots, push events
and actions on the panel address (default ` + config.DefaultPanelAddr + `).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := health.PerformStartupChecks(cmd.Context(), a.cfg); err != nil {
				return err
			}
			tp, err := telemetry.NewProvider(cmd.Context(), telemetry.Config{
				Enabled:        a.cfg.Telemetry.Enabled,
				ServiceName:    a.cfg.Log.Service,
				ServiceVersion: a.cfg.Version,
				Exporter:       a.cfg.Telemetry.Exporter,
				Endpoint:       a.cfg.Telemetry.Endpoint,
				SampleRate:     a.cfg.Telemetry.SampleRate,
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := tp.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
					a.logger.Warn().Err(err).Str(xglog.FieldEvent, "telemetry.shutdown_failed").Msg("failed to flush traces")
				}
			}()

			d, err := a.newDaemon()
			if err != nil {
				return err
			}
			if connect {
				d.connect(cmd.Context())
			}
			return d.run(cmd.Context(), nil)
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "ask the backend to connect its device on startup")
	return cmd
}

// daemon is the long-running serve process.
type daemon struct {
	cfg     config.AppConfig
	holder  *config.Holder
	client  *backend.Client
	store   *store.Store
	logs    *logfeed.Feed
	cache   cache.Cache
	journal *journal.Journal
	health  *health.Manager
	panel   *panel.Server
	logger  zerolog.Logger
}

func (a *app) newDaemon() (*daemon, error) {
	cfg := a.cfg
	d := &daemon{
		cfg:    cfg,
		holder: config.NewHolder(cfg, a.loader),
		client: a.client(),
		logs:   a.newLogFeed(),
		health: health.NewManager(cfg.Version),
		logger: xglog.WithComponent("daemon"),
	}
	d.store = a.newStore()
	d.cache = cache.Open(cache.RedisConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	}, cacheCleanupInterval, xglog.WithComponent("cache"))

	deps := panel.Deps{
		Backend: d.client,
		Store:   d.store,
		Logs:    d.logs,
		Cache:   d.cache,
		Health:  d.health,
	}
	if cfg.Journal.Path != "" && !a.noJournal {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			_ = d.cache.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		deps.Journal = j
	}

	d.registerCheckers()

	srv, err := panel.New(panel.Config{
		ListenAddr:      cfg.Panel.ListenAddr,
		RateLimit:       cfg.Panel.RateLimit,
		ShutdownTimeout: cfg.Panel.ShutdownTimeout,
		CacheTTL:        cfg.Cache.TTL,
		TracingService:  cfg.Log.Service,
	}, deps)
	if err != nil {
		d.close()
		return nil, err
	}
	d.panel = srv

	d.holder.OnReload(func(old, updated config.AppConfig) {
		if old.Log.Level != updated.Log.Level {
			if err := xglog.SetLevel(updated.Log.Level); err != nil {
				d.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.log_level_invalid").Msg("ignoring log level")
			}
		}
		if old.Cache.TTL != updated.Cache.TTL {
			d.panel.SetCacheTTL(updated.Cache.TTL)
		}
	})
	return d, nil
}

func (d *daemon) registerCheckers() {
	d.health.RegisterChecker(health.NewBackendChecker(func() (bool, string) {
		st := d.store.Snapshot()
		return st.Connected, st.Device
	}))
	d.health.RegisterChecker(health.NewStreamChecker("state_stream", func() string {
		return d.store.StreamState().String()
	}))
	d.health.RegisterChecker(health.NewStreamChecker("log_stream", func() string {
		return d.logs.State().String()
	}))
	if d.journal != nil {
		d.health.RegisterChecker(health.PingChecker("journal", d.journal.Ping))
	}
	if rc, ok := d.cache.(*cache.RedisCache); ok {
		d.health.RegisterChecker(health.PingChecker("redis", rc.HealthCheck))
	}
}

// connect performs the startup connect. Failures are logged; the heartbeat
// picks the device up later if the backend connects it some other way.
func (d *daemon) connect(ctx context.Context) {
	var rec journal.Recorder
	if d.journal != nil {
		rec = d.journal
	}
	var resp backend.ConnectResponse
	err := journal.Track(ctx, rec, "connect", params("trigger", "startup"), func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = d.client.Connect(ctx); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Device, string(resp.Detail))}, nil
	})
	if err != nil || !resp.Success {
		d.logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "daemon.connect_failed").
			Str("detail", string(resp.Detail)).
			Msg("startup connect failed")
		return
	}
	d.store.SetConnected(resp.Device, resp.ResolutionString())
}

// run starts the background loops and serves the panel until ctx is done.
// A nil listener makes the panel listen on its configured address.
func (d *daemon) run(ctx context.Context, ln net.Listener) error {
	defer d.close()

	d.logger.Info().
		Str(xglog.FieldEvent, "daemon.start").
		Str(xglog.FieldBaseURL, d.cfg.Backend.URL).
		Dur("heartbeat", d.cfg.Heartbeat.Interval).
		Msg("starting zat daemon")

	d.store.StartHeartbeat()
	d.store.StartStateWebSocket()
	d.logs.Start()

	g, gctx := errgroup.WithContext(ctx)
	if err := d.holder.StartWatcher(gctx); err != nil {
		d.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_failed").Msg("config hot reload disabled")
	}

	g.Go(func() error {
		if ln != nil {
			return d.panel.ServeListener(gctx, ln)
		}
		return d.panel.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.store.Close()
		d.logs.Stop()
		return nil
	})

	err := g.Wait()
	d.logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("zat daemon stopped")
	return err
}

func (d *daemon) close() {
	d.holder.Stop()
	d.store.Close()
	d.logs.Stop()
	if d.panel != nil {
		d.panel.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	_ = d.cache.Close()
}
