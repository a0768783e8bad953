package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/assign"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/geo"
	httpapi "github.com/example/courier-dispatch/internal/http"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/match"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/payments"
	"github.com/example/courier-dispatch/internal/routing"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/worker"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// geo index: redis when configured, in-process otherwise
	var (
		driverspace geo.Driverspace
		fleet       assign.Fleet
	)
	if cfg.RedisAddr != "" {
		ri := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StaleAfter)
		driverspace, fleet = ri, ri
	} else {
		idx := geo.NewIndex(cfg.StaleAfter)
		driverspace, fleet = idx, idx
	}

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	wsreg := notify.NewWSRegistry(logger)
	backends := []notify.Notifier{wsreg}
	if cfg.PushEndpoint != "" {
		backends = append(backends, notify.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}
	backends = append(backends, &notify.LogNotifier{Log: logger})
	notifier := &notify.Fanout{Backends: backends, Log: logger}

	var provider routing.Provider
	if cfg.OSRMEndpoint != "" {
		provider = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := &routing.Estimator{
		Provider: provider,
		Cache:    routing.NewCache(5 * time.Minute),
		Log:      logger,
	}

	matcher := &match.Matcher{
		Geo:        driverspace,
		Orders:     store,
		RadiusKm:   cfg.MatchRadiusKm,
		BroadcastN: cfg.BroadcastN,
	}
	coord := assign.NewCoordinator(store, matcher, fleet, notifier, logger)
	coord.OfferTTL = cfg.OfferTTL
	if cfg.StripeEnabled {
		sc := payments.NewStripeClient()
		coord.Payments = sc
	}

	dispatcher := &worker.Dispatcher{
		Coord:       coord,
		Log:         logger,
		Workers:     cfg.DispatchWorkers,
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
	}

	pipeline := &ingest.Pipeline{
		Geo:          driverspace,
		Matcher:      matcher,
		Requester:    dispatcher,
		PushRadiusKm: cfg.PushRadiusKm,
		PushLimit:    cfg.PushLimit,
		Log:          logger,
	}

	srv := httpapi.NewServer(store, matcher, coord, pipeline, estimator, wsreg, logger)
	srv.DefaultNearbyRadiusKm = cfg.MatchRadiusKm
	if cfg.StripeEnabled {
		if sc, ok := coord.Payments.(*payments.StripeClient); ok {
			srv.Holder = sc
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		srv.Kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dispatcher.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("courier-dispatch api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if srv.Kafka != nil {
		_ = srv.Kafka.Close()
	}
	logger.Info("bye")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
