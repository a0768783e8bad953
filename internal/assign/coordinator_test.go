package assign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/match"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/storage"
)

type recNotifier struct {
	mu     sync.Mutex
	offers map[string]int // driver id -> offers received
	events []models.CustomerEvent
}

func newRecNotifier() *recNotifier {
	return &recNotifier{offers: make(map[string]int)}
}

func (r *recNotifier) OfferToDriver(ctx context.Context, driverID string, offer models.OfferSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers[driverID]++
	return nil
}

func (r *recNotifier) NotifyCustomer(ctx context.Context, orderID string, event models.CustomerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recNotifier) offerCount(driverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offers[driverID]
}

func (r *recNotifier) hasEvent(e models.CustomerEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeDriver(id string, lat, lon float64) models.DriverLocation {
	return models.DriverLocation{
		DriverID:        id,
		Loc:             models.Coordinate{Lat: lat, Lon: lon},
		Rating:          4.5,
		Online:          true,
		ProfileComplete: true,
		Updated:         time.Now(),
	}
}

func newTestRig(t *testing.T) (*Coordinator, *storage.MemoryStore, *geo.Index, *recNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex(time.Minute)
	m := &match.Matcher{Geo: idx, Orders: store, RadiusKm: 15, BroadcastN: 5}
	rec := newRecNotifier()
	c := NewCoordinator(store, m, idx, rec, testLogger())
	return c, store, idx, rec
}

func pendingOrder(id string, pickup models.Coordinate) *models.Order {
	return &models.Order{
		ID:        id,
		Pickup:    pickup,
		Dropoff:   models.Coordinate{Lat: pickup.Lat + 0.05, Lon: pickup.Lon + 0.05},
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEndToEndScenario(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()

	idx.Upsert(freeDriver("A", 10.8235, 106.6300))
	idx.Upsert(freeDriver("B", 10.9000, 106.7000))

	o := pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatalf("requestMatch: %v", err)
	}
	waitFor(t, func() bool { return rec.offerCount("A") == 1 })
	if rec.offerCount("B") != 0 {
		t.Fatal("farther driver offered first")
	}

	// nearest driver declines; the match retries against the exclusion set
	if err := c.Decline(ctx, "o1", "A"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	waitFor(t, func() bool { return rec.offerCount("B") == 1 })

	got, err := c.Accept(ctx, "o1", "B")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.StatusInProcess || got.DriverID != "B" {
		t.Fatalf("unexpected order after accept: %+v", got)
	}
	if idx.Availability("B") != models.Busy {
		t.Fatal("accepting driver not marked busy")
	}

	got, err = c.Complete(ctx, "o1", "B")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if idx.Availability("B") != models.Free {
		t.Fatal("completing driver not freed")
	}
	waitFor(t, func() bool { return rec.hasEvent(models.EventOrderCompleted) })
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	c, store, idx, _ := newTestRig(t)
	ctx := context.Background()

	const n = 8
	drivers := make([]string, n)
	for i := range drivers {
		drivers[i] = string(rune('a' + i))
		idx.Upsert(freeDriver(drivers[i], 10.8231, 106.6297))
	}
	o := pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for _, d := range drivers {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := c.Accept(ctx, "o1", driverID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error type: %v", err)
			}
		}(d)
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", n-1, wins, conflicts)
	}
	got, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProcess || got.DriverID == "" {
		t.Fatalf("order not cleanly claimed: %+v", got)
	}
}

func TestAcceptIdempotent(t *testing.T) {
	c, store, idx, _ := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8231, 106.6297))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, "o1", "A"); err != nil {
		t.Fatal(err)
	}
	got, err := c.Accept(ctx, "o1", "A")
	if err != nil {
		t.Fatalf("re-accept by the holder should succeed: %v", err)
	}
	if got.DriverID != "A" {
		t.Fatalf("unexpected holder: %s", got.DriverID)
	}
}

func TestAcceptBusyDriverNotEligible(t *testing.T) {
	c, store, idx, _ := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8231, 106.6297))
	idx.SetAvailability("A", models.Busy)
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, "o1", "A"); !errors.Is(err, apperrors.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestDeclineExclusionIsMonotonic(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8232, 106.6297))
	idx.Upsert(freeDriver("B", 10.8400, 106.6400))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Decline(ctx, "o1", "A"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.offerCount("B") == 1 })
	if err := c.Decline(ctx, "o1", "B"); err != nil {
		t.Fatal(err)
	}
	// both declined: the retry loop must terminate in cancellation, not
	// re-offer an excluded driver
	got, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelledBySystem {
		t.Fatalf("expected cancelled_by_system, got %s", got.Status)
	}
	if rec.offerCount("A") != 1 || rec.offerCount("B") != 1 {
		t.Fatalf("excluded driver re-offered: A=%d B=%d", rec.offerCount("A"), rec.offerCount("B"))
	}
	waitFor(t, func() bool { return rec.hasEvent(models.EventNoDriverFound) })

	// an excluded driver can no longer claim the terminal order
	if _, err := c.Accept(ctx, "o1", "A"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal order, got %v", err)
	}
}

func TestRequestMatchNoCandidateCancels(t *testing.T) {
	c, store, _, rec := newTestRig(t)
	ctx := context.Background()
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	err := c.RequestMatch(ctx, "o1")
	if !errors.Is(err, apperrors.ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.Status != models.StatusCancelledBySystem {
		t.Fatalf("expected cancelled_by_system, got %s", got.Status)
	}
	waitFor(t, func() bool { return rec.hasEvent(models.EventNoDriverFound) })
}

func TestRequestMatchIdempotentOnClaimedOrder(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8231, 106.6297))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, "o1", "A"); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatalf("re-running requestMatch on a claimed order must be a no-op: %v", err)
	}
	if n := rec.offerCount("A"); n != 0 {
		t.Fatalf("claimed order re-offered %d times", n)
	}
}

func TestCancelLosesToAccept(t *testing.T) {
	c, store, idx, _ := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8231, 106.6297))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, "o1", "A"); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(ctx, "o1", true); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cancellation after accept must be rejected, got %v", err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.Status != models.StatusInProcess {
		t.Fatalf("accept silently undone: %s", got.Status)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	c, store, _, rec := newTestRig(t)
	ctx := context.Background()
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(ctx, "o1", true); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "o1")
	if got.Status != models.StatusCancelledByUser {
		t.Fatalf("expected cancelled_by_user, got %s", got.Status)
	}
	waitFor(t, func() bool { return rec.hasEvent(models.EventOrderCancelled) })
}

func TestCompleteOnlyByAssignedDriver(t *testing.T) {
	c, store, idx, _ := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8231, 106.6297))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, "o1", "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, "o1", "intruder"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict for wrong driver, got %v", err)
	}
}

func TestBroadcastFirstAcceptWins(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8232, 106.6297))
	idx.Upsert(freeDriver("B", 10.8300, 106.6350))
	o := pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})
	o.Sharable = true
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.offerCount("A") == 1 && rec.offerCount("B") == 1 })

	if _, err := c.Accept(ctx, "o1", "B"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, "o1", "A"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("second accept must lose, got %v", err)
	}
}

func TestOfferExpiryRequeuesAndExcludes(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()
	c.OfferTTL = 10 * time.Millisecond

	idx.Upsert(freeDriver("A", 10.8232, 106.6297))
	idx.Upsert(freeDriver("B", 10.8400, 106.6400))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.offerCount("A") == 1 })

	// move the clock past the offer window; the sweep treats the silent
	// candidate as an implicit decline
	c.now = func() time.Time { return time.Now().Add(time.Second) }
	if n := c.ExpireOffers(ctx); n != 1 {
		t.Fatalf("expected 1 expired offer, got %d", n)
	}
	waitFor(t, func() bool { return rec.offerCount("B") == 1 })

	got, _ := store.Get(ctx, "o1")
	if !got.IsExcluded("A") {
		t.Fatal("expired candidate not excluded")
	}
	if got.Status != models.StatusPending {
		t.Fatalf("order not requeued: %s", got.Status)
	}
}

func TestExpirySweepDoesNotRevokeClaim(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()
	c.OfferTTL = 10 * time.Millisecond

	idx.Upsert(freeDriver("A", 10.8232, 106.6297))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.offerCount("A") == 1 })

	// the offer window lapses, and the accept lands through the shared
	// store before the sweep gets to the order (another node, or any
	// interleaving where the claim wins the race)
	c.now = func() time.Time { return time.Now().Add(time.Second) }
	if ok, err := store.Claim(ctx, "o1", "A", time.Now()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if n := c.ExpireOffers(ctx); n != 0 {
		t.Fatalf("sweep harvested %d offers from a claimed order", n)
	}
	got, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProcess || got.DriverID != "A" {
		t.Fatalf("claim revoked by expiry sweep: %+v", got)
	}
	if got.IsExcluded("A") {
		t.Fatal("accepting driver excluded by expiry sweep")
	}
}

func TestRematchExcludesExpiredOffer(t *testing.T) {
	c, store, idx, rec := newTestRig(t)
	ctx := context.Background()
	c.OfferTTL = 10 * time.Millisecond

	idx.Upsert(freeDriver("A", 10.8232, 106.6297))
	idx.Upsert(freeDriver("B", 10.8400, 106.6400))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.offerCount("A") == 1 })

	// a re-match arriving after the window but before the sweep (e.g.
	// a proximity push) must treat the silent candidate as declined,
	// not hand the same driver a fresh offer
	c.now = func() time.Time { return time.Now().Add(time.Second) }
	if err := c.RequestMatch(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.offerCount("B") == 1 })
	if n := rec.offerCount("A"); n != 1 {
		t.Fatalf("expired candidate re-offered: %d offers", n)
	}
	got, _ := store.Get(ctx, "o1")
	if !got.IsExcluded("A") {
		t.Fatal("expired candidate not excluded on re-match")
	}
}

func TestDeclineRequiresOfferOrAssignment(t *testing.T) {
	c, store, idx, _ := newTestRig(t)
	ctx := context.Background()
	idx.Upsert(freeDriver("A", 10.8232, 106.6297))
	if err := store.Create(ctx, pendingOrder("o1", models.Coordinate{Lat: 10.8231, Lon: 106.6297})); err != nil {
		t.Fatal(err)
	}
	if err := c.Decline(ctx, "o1", "bystander"); !errors.Is(err, apperrors.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}
