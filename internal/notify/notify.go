package notify

import (
	"context"
	"log/slog"

	"github.com/example/courier-dispatch/internal/models"
)

// Notifier is the engine's outbound notification port. Calls are
// fire-and-forget from the state machine's point of view: failures are
// logged by the implementation and never block a transition.
type Notifier interface {
	OfferToDriver(ctx context.Context, driverID string, offer models.OfferSummary) error
	NotifyCustomer(ctx context.Context, orderID string, event models.CustomerEvent) error
}

// Fanout tries each backend in order for driver offers (first success
// wins) and sends customer events to all of them.
type Fanout struct {
	Backends []Notifier
	Log      *slog.Logger
}

func (f *Fanout) OfferToDriver(ctx context.Context, driverID string, offer models.OfferSummary) error {
	var last error
	for _, b := range f.Backends {
		if err := b.OfferToDriver(ctx, driverID, offer); err == nil {
			return nil
		} else {
			last = err
		}
	}
	if last != nil && f.Log != nil {
		f.Log.Warn("driver offer delivery failed on all backends",
			"driver_id", driverID, "order_id", offer.OrderID, "error", last)
	}
	return last
}

func (f *Fanout) NotifyCustomer(ctx context.Context, orderID string, event models.CustomerEvent) error {
	var last error
	for _, b := range f.Backends {
		if err := b.NotifyCustomer(ctx, orderID, event); err != nil {
			last = err
		}
	}
	if last != nil && f.Log != nil {
		f.Log.Warn("customer notification failed", "order_id", orderID, "event", event, "error", last)
	}
	return last
}

// LogNotifier just logs. Used in dev and as the terminal fallback.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) OfferToDriver(ctx context.Context, driverID string, offer models.OfferSummary) error {
	l.Log.Info("offer", "driver_id", driverID, "order_id", offer.OrderID,
		"distance_km", offer.DistanceKm, "fee_cents", offer.FeeCents)
	return nil
}

func (l *LogNotifier) NotifyCustomer(ctx context.Context, orderID string, event models.CustomerEvent) error {
	l.Log.Info("customer_event", "order_id", orderID, "event", event)
	return nil
}
