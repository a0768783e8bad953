package routing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

type stubProvider struct {
	route Route
	err   error
	calls int
}

func (s *stubProvider) Route(ctx context.Context, from, to models.Coordinate) (Route, error) {
	s.calls++
	return s.route, s.err
}

var (
	pickup  = models.Coordinate{Lat: 10.762622, Lon: 106.660172}
	dropoff = models.Coordinate{Lat: 10.772622, Lon: 106.670172}
)

func TestEstimateUsesProvider(t *testing.T) {
	p := &stubProvider{route: Route{DistanceKm: 2.4, DurationSeconds: 480}}
	e := &Estimator{Provider: p}

	q := e.Estimate(context.Background(), pickup, dropoff)
	if q.DistanceKm != 2.4 {
		t.Fatalf("distance: %f", q.DistanceKm)
	}
	if q.ETAMinutes != 8 {
		t.Fatalf("eta: %f", q.ETAMinutes)
	}
	// 1500 base + ceil(2.4)*500
	if q.FeeCents != 3000 {
		t.Fatalf("fee: %d", q.FeeCents)
	}
}

func TestEstimateFallsBackOnProviderError(t *testing.T) {
	p := &stubProvider{err: errors.New("connection refused")}
	e := &Estimator{Provider: p}

	q := e.Estimate(context.Background(), pickup, dropoff)
	// Straight-line distance for this pair is about 1.56 km.
	if math.Abs(q.DistanceKm-1.56) > 0.05 {
		t.Fatalf("fallback distance: %f", q.DistanceKm)
	}
	// 1.56 km at the default 30 km/h is about 3.1 minutes.
	if math.Abs(q.ETAMinutes-3.12) > 0.2 {
		t.Fatalf("fallback eta: %f", q.ETAMinutes)
	}
	if q.FeeCents != 1500+2*500 {
		t.Fatalf("fallback fee: %d", q.FeeCents)
	}
}

func TestEstimateWithoutProvider(t *testing.T) {
	e := &Estimator{FallbackKph: 60}
	q := e.Estimate(context.Background(), pickup, dropoff)
	if q.DistanceKm <= 0 {
		t.Fatalf("zero distance without provider: %+v", q)
	}
	if math.Abs(q.ETAMinutes-1.5) > 0.2 {
		t.Fatalf("eta at 60 km/h: %f", q.ETAMinutes)
	}
}

func TestEstimateCachesRoutes(t *testing.T) {
	p := &stubProvider{route: Route{DistanceKm: 2.4, DurationSeconds: 480}}
	e := &Estimator{Provider: p, Cache: NewCache(time.Minute)}

	e.Estimate(context.Background(), pickup, dropoff)
	e.Estimate(context.Background(), pickup, dropoff)
	if p.calls != 1 {
		t.Fatalf("provider called %d times, want 1", p.calls)
	}
	// A different pair is a cache miss.
	e.Estimate(context.Background(), dropoff, pickup)
	if p.calls != 2 {
		t.Fatalf("provider called %d times, want 2", p.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(pickup, dropoff, Route{DistanceKm: 1})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(pickup, dropoff); ok {
		t.Fatal("expired entry served")
	}
}
