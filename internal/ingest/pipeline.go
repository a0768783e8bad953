package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/match"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
)

// MatchRequester re-enters the assignment engine for an order. Satisfied
// by the coordinator directly or by the dispatch worker's enqueue.
type MatchRequester interface {
	RequestMatch(ctx context.Context, orderID string) error
}

// Pipeline applies driver location reports: validate, update the geo
// index, and in proximity-push mode re-dispatch nearby pending orders.
// Pushes are advisory; the driver still has to accept.
type Pipeline struct {
	Geo          geo.Driverspace
	Matcher      *match.Matcher
	Requester    MatchRequester
	PushRadiusKm float64
	PushLimit    int
	Log          *slog.Logger
}

// Apply processes one report. Duplicate and out-of-order reports are
// dropped silently; offline reports keep the last-known position but the
// driver stops matching.
func (p *Pipeline) Apply(ctx context.Context, loc models.DriverLocation) error {
	if loc.DriverID == "" {
		return apperrors.Validationf("driver id required")
	}
	if !loc.Loc.Valid() {
		return apperrors.Validationf("coordinate out of bounds: %.4f,%.4f", loc.Loc.Lat, loc.Loc.Lon)
	}

	if !p.Geo.Upsert(loc) {
		observability.LocationStale.Inc()
		return nil
	}
	observability.LocationUpdates.Inc()

	if !loc.Online || !loc.ProfileComplete {
		return nil
	}
	if p.Requester == nil || p.PushRadiusKm <= 0 {
		return nil
	}
	nearby, err := p.Matcher.FindNearbyOrders(ctx, loc.Loc, p.PushRadiusKm, p.PushLimit)
	if err != nil {
		p.Log.Warn("nearby order lookup failed", "driver_id", loc.DriverID, "error", err)
		return nil // ingestion must not fail because matching degraded
	}
	for _, n := range nearby {
		if n.Order.IsExcluded(loc.DriverID) {
			continue
		}
		observability.ProximityPushes.Inc()
		if err := p.Requester.RequestMatch(ctx, n.Order.ID); err != nil && !errors.Is(err, apperrors.ErrNoCandidate) {
			p.Log.Warn("proximity re-dispatch failed", "order_id", n.Order.ID, "error", err)
		}
	}
	return nil
}
