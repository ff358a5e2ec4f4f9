package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stb13579/fleetd/internal/api"
	"github.com/stb13579/fleetd/internal/buildinfo"
	"github.com/stb13579/fleetd/internal/config"
	"github.com/stb13579/fleetd/internal/ingest"
	"github.com/stb13579/fleetd/internal/rpc"
	"github.com/stb13579/fleetd/internal/stats"
	"github.com/stb13579/fleetd/internal/store"
	"github.com/stb13579/fleetd/internal/stream"
	"github.com/stb13579/fleetd/internal/telemetry"
	"github.com/stb13579/fleetd/internal/vcache"
)

// shutdownGrace is how long graceful shutdown may take before the watchdog
// hard-exits the process.
const shutdownGrace = 5 * time.Second

type fleetApp struct {
	cfg *config.Config

	store       *store.Store
	rollups     *store.RollupScheduler
	maintenance *store.Maintenance
	counters    *stats.Counters
	rate        *stats.RateWindow
	cache       *vcache.Cache
	hub         *stream.Hub
	pipeline    *ingest.Pipeline
	subscriber  *ingest.Subscriber
	httpSrv     *api.Server
	rpcSrv      *rpc.Server
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logStartupConfig(cfg)

	app, err := newFleetApp(cfg)
	if err != nil {
		return err
	}

	app.startBackgroundServices()
	serverErrCh := app.startServers()
	app.subscriber.Start()

	runtimeErr := waitForShutdown(serverErrCh)

	// Watchdog: a shutdown that wedges (a subscriber that never drains, a
	// stuck store write) must not keep the process alive.
	watchdog := time.AfterFunc(shutdownGrace, func() {
		log.Printf("[app] shutdown did not complete within %s, exiting hard", shutdownGrace)
		os.Exit(1)
	})
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

// newFleetApp builds every component in dependency order. The store comes
// first so a broken database fails startup before any network listener
// exists; the cache's expiry callback is wired only after the hub is built,
// which breaks the cache/fan-out construction cycle.
func newFleetApp(cfg *config.Config) (*fleetApp, error) {
	app := &fleetApp{cfg: cfg}

	st, err := store.Open(cfg.TelemetryDB.Path, store.Options{
		RollupWindowSeconds:  cfg.TelemetryDB.RollupWindowSeconds,
		RollupWindows:        cfg.TelemetryDB.RollupWindows,
		RollupCatchUpWindows: cfg.TelemetryDB.RollupCatchUpWindows,
		AggregateCacheSize:   cfg.TelemetryDB.AggregateCacheSize,
		AggregateCacheTTL:    cfg.TelemetryDB.AggregateCacheTTL(),
	})
	if err != nil {
		return nil, err
	}
	app.store = st
	log.Printf("[app] telemetry store open at %s (rollup windows %v)", cfg.TelemetryDB.Path, st.Windows())

	app.rollups = store.NewRollupScheduler(st, cfg.TelemetryDB.RollupInterval())
	app.maintenance = store.NewMaintenance(st, cfg.MaintenanceSchedule)

	app.counters = stats.NewCounters()
	app.rate = stats.NewRateWindow(cfg.MessageWindow())
	app.cache = vcache.New(cfg.CacheLimit, cfg.VehicleTTL())

	app.hub = stream.NewHub(cfg.Websocket.PayloadVersion, cfg.Websocket.BufferLimitBytes, app.cache.Snapshot)
	app.cache.SetOnExpire(func(id string, _ telemetry.Enriched) {
		log.Printf("[app] vehicle %s expired from cache", id)
		app.hub.BroadcastRemove(id)
	})

	app.pipeline = ingest.NewPipeline(app.cache, app.store, app.hub, app.counters, app.rate)
	app.subscriber = ingest.NewSubscriber(ingest.SubscriberOptions{
		Host:               cfg.Broker.Host,
		Port:               cfg.Broker.Port,
		Username:           cfg.Broker.Username,
		Password:           cfg.Broker.Password,
		UseTLS:             cfg.Broker.UseTLS,
		RejectUnauthorized: cfg.Broker.RejectUnauthorized,
		ClientID:           cfg.Broker.ClientID,
		Topic:              cfg.SubscriptionTopic,
	}, app.pipeline.Handle)

	app.httpSrv = api.NewServer(cfg.HTTPPort, api.Options{
		Ready:      app.subscriber.Ready,
		Counters:   app.counters,
		Rate:       app.rate,
		Vehicles:   app.cache,
		Clients:    app.hub,
		Store:      app.store,
		Registry:   app.store,
		Stream:     app.hub,
		StreamPath: cfg.Websocket.Path,
		System: api.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: telemetry.FormatTime(time.Now().UTC()),
		},
	})

	if cfg.GRPC.Enabled {
		svc := rpc.NewFleetService(rpc.ServiceOptions{
			Snapshot:        app.cache.Snapshot,
			Store:           app.store,
			Counters:        app.counters,
			Rate:            app.rate,
			Clients:         app.hub,
			StreamInterval:  cfg.GRPC.StreamInterval(),
			StreamHeartbeat: cfg.GRPC.StreamHeartbeat(),
		})
		app.rpcSrv = rpc.NewServer(rpc.ServerOptions{
			Host:             cfg.GRPC.Host,
			Port:             cfg.GRPC.Port,
			KeepaliveTime:    cfg.GRPC.KeepaliveTime(),
			KeepaliveTimeout: cfg.GRPC.KeepaliveTimeout(),
		}, svc)
	}

	return app, nil
}

func (a *fleetApp) startBackgroundServices() {
	a.rollups.Start()
	log.Printf("[app] rollup scheduler started (every %s)", a.cfg.TelemetryDB.RollupInterval())

	a.maintenance.Start()
	if a.cfg.MaintenanceSchedule != "" {
		log.Printf("[app] db maintenance scheduled (%q)", a.cfg.MaintenanceSchedule)
	}

	a.cache.Start()
	if ttl := a.cfg.VehicleTTL(); ttl > 0 {
		log.Printf("[app] cache expiry sweep started (ttl %s)", ttl)
	}
}

// startServers launches both listeners. The first fatal listener error wins
// the channel; later ones are dropped.
func (a *fleetApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, rpc.ErrServerStopped) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("[app] http server starting on :%d", a.cfg.HTTPPort)
		reportServerErr("http server", a.httpSrv.ListenAndServe())
	}()

	if a.rpcSrv != nil {
		go func() {
			reportServerErr("grpc server", a.rpcSrv.ListenAndServe())
		}()
	}

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[app] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[app] server runtime error (%v), shutting down", err)
		return err
	}
}

// shutdown stops the pipeline end to end: ingress first so nothing new
// enters, then the timers, then the serving surfaces, and the store last so
// every earlier phase can still write to it.
func (a *fleetApp) shutdown(ctx context.Context) {
	a.subscriber.Stop()
	log.Printf("[app] broker disconnected")

	a.cache.Stop()
	log.Printf("[app] cache expiry sweep stopped")

	a.rollups.Stop()
	a.maintenance.Stop()
	log.Printf("[app] rollup scheduler stopped")

	if a.rpcSrv != nil {
		if err := a.rpcSrv.Shutdown(ctx); err != nil {
			log.Printf("[app] grpc shutdown: %v", err)
		}
		log.Printf("[app] grpc server stopped")
	}

	if err := a.hub.Shutdown(ctx); err != nil {
		log.Printf("[app] hub shutdown: %v", err)
	}
	log.Printf("[app] live fan-out closed")

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[app] http shutdown: %v", err)
	}
	log.Printf("[app] http server stopped")

	// One final pass so buckets covering the tail of this run are on disk.
	if _, err := a.store.RunRollups(time.Now().Unix(), false); err != nil {
		log.Printf("[app] final rollup pass: %v", err)
	}

	if err := a.store.Close(); err != nil {
		log.Printf("[app] store close: %v", err)
	}
	log.Printf("[app] telemetry store closed")
}

func logStartupConfig(cfg *config.Config) {
	safe := cfg.Sanitized()
	log.Printf("[app] broker %s:%d topic %q http :%d grpc enabled=%v db %s",
		safe.Broker.Host, safe.Broker.Port, safe.SubscriptionTopic,
		safe.HTTPPort, safe.GRPC.Enabled, safe.TelemetryDB.Path)
}
