package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/observability"
)

// Coordinator is the slice of the assignment engine the worker drives.
type Coordinator interface {
	RequestMatch(ctx context.Context, orderID string) error
	ExpireOffers(ctx context.Context) int
}

// Task is one unit of dispatch work. Handlers are idempotent, so
// at-least-once execution is safe.
type Task struct {
	OrderID string
	Attempt int
}

// AlertFunc receives tasks that exhausted their retries. Wire it to
// operational alerting; failures are never silently dropped.
type AlertFunc func(t Task, err error)

// Dispatcher runs matching work off the request path. Each task retries
// independently with exponential backoff; one order's failures never
// block another's because serialization lives inside the coordinator,
// scoped per order.
type Dispatcher struct {
	Coord       Coordinator
	Log         *slog.Logger
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	SweepEvery  time.Duration
	Alert       AlertFunc

	queue chan Task
	wg    sync.WaitGroup
	once  sync.Once
}

func (d *Dispatcher) init() {
	if d.Workers <= 0 {
		d.Workers = 4
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
	if d.BaseBackoff <= 0 {
		d.BaseBackoff = 200 * time.Millisecond
	}
	if d.SweepEvery <= 0 {
		d.SweepEvery = 5 * time.Second
	}
	d.queue = make(chan Task, 1024)
}

// Run starts the worker pool and the offer-expiry sweeper, and blocks
// until ctx is done and in-flight tasks finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.once.Do(d.init)
	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.queue:
					d.handle(ctx, t)
				}
			}
		}()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.Coord.ExpireOffers(ctx); n > 0 {
					d.Log.Info("expired offers requeued", "count", n)
				}
			}
		}
	}()
	d.wg.Wait()
}

// Enqueue submits a match request. Non-blocking: if the queue is full
// the task is dropped and alerted, back-pressure belongs upstream.
func (d *Dispatcher) Enqueue(t Task) {
	d.once.Do(d.init)
	select {
	case d.queue <- t:
	default:
		observability.WorkerFailures.Inc()
		d.Log.Error("dispatch queue full, task dropped", "order_id", t.OrderID)
		if d.Alert != nil {
			d.Alert(t, apperrors.ErrUpstreamUnavailable)
		}
	}
}

// RequestMatch satisfies ingest.MatchRequester by enqueueing.
func (d *Dispatcher) RequestMatch(ctx context.Context, orderID string) error {
	d.Enqueue(Task{OrderID: orderID})
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, t Task) {
	err := d.Coord.RequestMatch(ctx, t.OrderID)
	if err == nil || apperrors.Terminal(err) {
		// no-candidate and conflicts are business outcomes, not faults
		return
	}
	t.Attempt++
	if t.Attempt >= d.MaxAttempts {
		observability.WorkerFailures.Inc()
		d.Log.Error("dispatch task exhausted retries", "order_id", t.OrderID,
			"attempts", t.Attempt, "error", err)
		if d.Alert != nil {
			d.Alert(t, err)
		}
		return
	}
	observability.WorkerRetries.Inc()
	backoff := d.BaseBackoff << uint(t.Attempt-1)
	d.Log.Warn("dispatch task failed, retrying", "order_id", t.OrderID,
		"attempt", t.Attempt, "backoff", backoff, "error", err)
	time.AfterFunc(backoff, func() { d.Enqueue(t) })
}
