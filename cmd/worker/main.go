package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/assign"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/match"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/worker"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_apply_errors_total",
		Help: "Location updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applyErrors)
}

// locationApplier is what the consume loop needs from the pipeline.
type locationApplier interface {
	Apply(ctx context.Context, loc models.DriverLocation) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadWorkerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

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

	backends := []notify.Notifier{}
	if cfg.PushEndpoint != "" {
		backends = append(backends, notify.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}
	backends = append(backends, &notify.LogNotifier{Log: logger})
	notifier := &notify.Fanout{Backends: backends, Log: logger}

	matcher := &match.Matcher{
		Geo:        driverspace,
		Orders:     store,
		RadiusKm:   cfg.MatchRadiusKm,
		BroadcastN: cfg.BroadcastN,
	}
	coord := assign.NewCoordinator(store, matcher, fleet, notifier, logger)
	coord.OfferTTL = cfg.OfferTTL

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

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("dispatch worker consuming", "topic", cfg.KafkaTopic,
		"brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down worker")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var loc models.DriverLocation
		if err := json.Unmarshal(m.Value, &loc); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, pipeline, loc, 3, 200*time.Millisecond); err != nil {
			applyErrors.Inc()
			logger.Warn("location apply failed", "driver_id", loc.DriverID, "error", err)
		}
	}
}

// applyWithRetry feeds one update into the pipeline with bounded
// retry/backoff. Validation errors are final: retrying cannot fix a
// malformed coordinate.
func applyWithRetry(ctx context.Context, p locationApplier, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = p.Apply(ctx, loc)
		if err == nil || errors.Is(err, apperrors.ErrValidation) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
