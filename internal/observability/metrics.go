package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "offers_total", Help: "Offers sent to drivers"})
	AcceptsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "accepts_total", Help: "Successful order claims"})
	ConflictsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the claim race"})
	DeclinesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "declines_total", Help: "Driver declines, explicit and offer-expiry"})
	NoCandidateTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "no_candidate_total", Help: "Orders cancelled because no driver was found"})
	OffersExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "offers_expired_total", Help: "Offers that timed out without a response"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "courier_dispatch", Name: "match_latency_seconds", Help: "Candidate selection latency"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "courier_dispatch", Name: "drivers_online", Help: "Drivers currently online"})

	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "location_updates_total", Help: "Location reports applied to the geo index"})
	LocationStale   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "location_updates_stale_total", Help: "Location reports dropped as out-of-order"})
	ProximityPushes = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "proximity_pushes_total", Help: "Pending orders re-dispatched on a driver location update"})

	WorkerRetries  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "worker_retries_total", Help: "Dispatch task retries"})
	WorkerFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "worker_failures_total", Help: "Dispatch tasks that exhausted retries"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
