package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

// Route is a road-routed leg as reported by the external provider.
type Route struct {
	DistanceKm      float64
	DurationSeconds float64
}

// Provider is the external routing backend (OSRM or compatible).
type Provider interface {
	Route(ctx context.Context, from, to models.Coordinate) (Route, error)
}

// Quote is the fee/ETA estimate attached to an order at creation.
type Quote struct {
	DistanceKm float64 `json:"distance_km"`
	FeeCents   int64   `json:"fee_cents"`
	ETAMinutes float64 `json:"eta_minutes"`
}

// Estimator computes delivery quotes. A missing or failing routing
// provider degrades to straight-line distance at an assumed speed; a
// quote is never an error.
type Estimator struct {
	Provider     Provider
	Cache        *Cache
	BaseFeeCents int64
	PerKmCents   int64
	FallbackKph  float64
	Log          *slog.Logger
}

func (e *Estimator) Estimate(ctx context.Context, pickup, dropoff models.Coordinate) Quote {
	r, ok := e.route(ctx, pickup, dropoff)
	if !ok {
		d := geo.Haversine(pickup, dropoff)
		kph := e.FallbackKph
		if kph <= 0 {
			kph = 30 // assumed city speed
		}
		r = Route{DistanceKm: d, DurationSeconds: d / kph * 3600}
	}
	return Quote{
		DistanceKm: round2(r.DistanceKm),
		FeeCents:   e.fee(r.DistanceKm),
		ETAMinutes: round2(r.DurationSeconds / 60),
	}
}

func (e *Estimator) route(ctx context.Context, from, to models.Coordinate) (Route, bool) {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return r, true
		}
	}
	if e.Provider == nil {
		return Route{}, false
	}
	r, err := e.Provider.Route(ctx, from, to)
	if err != nil {
		if e.Log != nil {
			e.Log.Warn("routing provider unavailable, using straight-line estimate", "error", err)
		}
		return Route{}, false
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, r)
	}
	return r, true
}

// fee is deliberately trivial: flat base plus a per-km rate.
func (e *Estimator) fee(distanceKm float64) int64 {
	base := e.BaseFeeCents
	if base <= 0 {
		base = 1500
	}
	perKm := e.PerKmCents
	if perKm <= 0 {
		perKm = 500
	}
	return base + int64(math.Ceil(distanceKm))*perKm
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func coordKey(a, b models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}
