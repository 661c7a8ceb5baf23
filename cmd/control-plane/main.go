package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rampart/internal/blockregistry"
	"rampart/internal/classifier"
	"rampart/internal/config"
	"rampart/internal/eventbus"
	"rampart/internal/httpapi"
	"rampart/internal/logging"
	"rampart/internal/observability"
	"rampart/internal/policy"
	"rampart/internal/ratelimit"
	"rampart/internal/stats"
	"rampart/internal/store"
	"rampart/internal/threatintel"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logging.New("control-plane").Fatalf("loading config: %v", err)
	}
	logger := logging.New("control-plane")

	metrics := observability.NewMetrics(nil)
	bus := eventbus.New(cfg.SubscriberQueueSize, metrics)

	var db store.Store
	if cfg.PGDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			logger.Fatalf("opening postgres: %v", err)
		}
		db = pg
	} else {
		logger.Warn("no PG_DSN configured, state will not survive restarts")
		db = store.NewMemory()
	}
	db = store.Instrument(db, metrics)
	defer db.Close()

	registry := blockregistry.New(logger, db, bus, metrics)
	if err := registry.Load(ctx); err != nil {
		logger.Fatalf("loading block registry: %v", err)
	}

	policies := policy.New(logger, db, bus, registry)
	if err := policies.Load(ctx); err != nil {
		logger.Fatalf("loading policies: %v", err)
	}

	var snapshots stats.SnapshotStore
	if cfg.RedisAddr != "" {
		redisSnaps, err := stats.NewRedisSnapshots(cfg.RedisAddr)
		if err != nil {
			logger.Fatalf("connecting redis: %v", err)
		}
		defer redisSnaps.Close()
		snapshots = redisSnaps
	}

	agg := stats.New(logger, bus, registry, snapshots)
	if err := agg.Restore(ctx); err != nil {
		logger.Warn("restoring stats snapshot failed", "error", err)
	}

	var geo classifier.GeoResolver
	if cfg.GeoIPPath != "" {
		geoDB, err := classifier.OpenGeoIP(cfg.GeoIPPath)
		if err != nil {
			logger.Fatalf("opening geoip database: %v", err)
		}
		defer geoDB.Close()
		geo = geoDB
	}

	cl := classifier.New(logger, policies, registry, agg, bus, geo, metrics, cfg.CoalesceWindow)
	agg.BindActiveView(cl)

	limiter := ratelimit.New(logger, policies, registry, agg, bus)

	if cfg.SeedEdgeRanges || len(cfg.ThreatFeeds) > 0 {
		intel := threatintel.New(logger, registry, cfg.ThreatFeeds, cfg.ThreatFeedTTL)
		if cfg.SeedEdgeRanges {
			if err := intel.SeedTrustedEdges(ctx); err != nil {
				logger.Warn("seeding trusted edge ranges failed", "error", err)
			}
		}
		if len(cfg.ThreatFeeds) > 0 {
			go intel.Run(ctx, cfg.FeedRefresh)
		}
	}

	go registry.Run(ctx, cfg.SweepInterval)
	go agg.Run(ctx, cfg.HeartbeatInterval)

	obs := observability.Start(ctx, cfg.MetricsAddr, logger, metrics.Registry(), db.Ping)

	api := httpapi.NewServer(logger, policies, registry, cl, agg, limiter, bus, metrics, db)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Printf("control-plane listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down control-plane")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	obs.Stop(shutdownCtx)
	agg.Flush(shutdownCtx)

	_ = os.Stdout.Sync()
}
