package assign

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/match"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

// Fleet is the availability surface the coordinator needs from the geo
// index.
type Fleet interface {
	SetAvailability(driverID string, a models.Availability)
	Availability(driverID string) models.Availability
}

// Payments is the optional billing hook: fees are held at creation,
// captured on completion, released on cancellation.
type Payments interface {
	Capture(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID string) error
}

const notifyTimeout = 5 * time.Second

// lockStripes bounds lock memory; contention is per order id hash.
const lockStripes = 64

// Coordinator owns the assignment lifecycle of every order. All
// transitions for one order are serialized through a striped mutex, and
// the store's conditional updates are the final arbiter, so two drivers
// can never both win an accept even across processes.
type Coordinator struct {
	Orders   storage.OrderStore
	Matcher  *match.Matcher
	Fleet    Fleet
	Notifier notify.Notifier
	Payments Payments
	Log      *slog.Logger
	OfferTTL time.Duration

	offers *offerLedger
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
}

func NewCoordinator(orders storage.OrderStore, matcher *match.Matcher, fleet Fleet, notifier notify.Notifier, log *slog.Logger) *Coordinator {
	return &Coordinator{
		Orders:   orders,
		Matcher:  matcher,
		Fleet:    fleet,
		Notifier: notifier,
		Log:      log,
		OfferTTL: 45 * time.Second,
		offers:   newOfferLedger(),
		now:      time.Now,
	}
}

func (c *Coordinator) lock(orderID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return &c.locks[h.Sum32()%lockStripes]
}

// RequestMatch finds a candidate for a pending order and offers it.
// Re-running on an order that is already assigned or terminal is a
// no-op, which keeps the operation safe under at-least-once delivery.
// When no eligible driver exists the order terminates via
// cancelled_by_system and ErrNoCandidate is returned.
func (c *Coordinator) RequestMatch(ctx context.Context, orderID string) error {
	mu := c.lock(orderID)
	mu.Lock()
	defer mu.Unlock()
	return c.requestMatchLocked(ctx, orderID)
}

func (c *Coordinator) requestMatchLocked(ctx context.Context, orderID string) error {
	o, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.StatusPending || o.DriverID != "" {
		c.offers.drop(orderID) // claimed or terminal; leftover offers are moot
		return nil
	}
	// offers that ran out before the sweep caught them are implicit
	// declines; harvest them first so silent candidates stay excluded
	if c.expireOrderLocked(ctx, orderID) > 0 {
		if o, err = c.Orders.Get(ctx, orderID); err != nil {
			return err
		}
	}
	if c.offers.live(orderID, c.now()) {
		return nil // a candidate is already deciding
	}

	var cands []geo.Candidate
	if o.Sharable {
		cands = c.Matcher.FindCandidates(o)
	} else {
		if cand, ok := c.Matcher.FindCandidate(o); ok {
			cands = []geo.Candidate{cand}
		}
	}
	if len(cands) == 0 {
		return c.cancelNoCandidate(ctx, o)
	}

	now := c.now()
	offers := make([]models.Offer, 0, len(cands))
	for _, cand := range cands {
		offers = append(offers, models.Offer{
			OrderID:   o.ID,
			DriverID:  cand.DriverID,
			IssuedAt:  now,
			ExpiresAt: now.Add(c.OfferTTL),
		})
	}
	c.offers.put(offers)

	summary := models.OfferSummary{
		OrderID:     o.ID,
		Pickup:      o.Pickup,
		PickupDesc:  o.PickupDesc,
		Dropoff:     o.Dropoff,
		DropoffDesc: o.DropoffDesc,
		DistanceKm:  o.DistanceKm,
		FeeCents:    o.FeeCents,
		ExpiresAt:   now.Add(c.OfferTTL),
	}
	for _, cand := range cands {
		observability.OffersTotal.Inc()
		c.notifyDriverAsync(cand.DriverID, summary)
	}
	c.Log.Info("offer issued", "order_id", o.ID, "drivers", len(cands),
		"nearest_km", cands[0].DistanceKm, "excluded", len(o.Excluded))
	return nil
}

func (c *Coordinator) cancelNoCandidate(ctx context.Context, o *models.Order) error {
	ok, err := c.Orders.Cancel(ctx, o.ID, models.StatusCancelledBySystem)
	if err != nil {
		return err
	}
	if !ok {
		// someone claimed or cancelled while we were matching
		return nil
	}
	observability.NoCandidateTotal.Inc()
	c.offers.drop(o.ID)
	c.notifyCustomerAsync(o.ID, models.EventNoDriverFound)
	c.releaseFeeAsync(o.ID)
	c.Log.Info("no candidate, order cancelled", "order_id", o.ID, "excluded", len(o.Excluded))
	return apperrors.ErrNoCandidate
}

// Accept is a driver's claim on an order. Exactly one concurrent caller
// wins; the rest get ErrConflict. Re-accepting an order the driver
// already holds succeeds.
func (c *Coordinator) Accept(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	if driverID == "" {
		return nil, apperrors.Validationf("driver id required")
	}
	mu := c.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == models.StatusInProcess && o.DriverID == driverID {
		return o, nil // idempotent re-accept
	}
	if o.Status.Terminal() || o.DriverID != "" {
		observability.ConflictsTotal.Inc()
		return nil, apperrors.Conflictf("order %s no longer available", orderID)
	}
	if o.IsExcluded(driverID) {
		return nil, apperrors.NotEligiblef("driver %s already declined order %s", driverID, orderID)
	}
	if a := c.Fleet.Availability(driverID); a != models.Free {
		return nil, apperrors.NotEligiblef("driver %s is %s", driverID, a)
	}

	claimed, err := c.Orders.Claim(ctx, orderID, driverID, c.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		observability.ConflictsTotal.Inc()
		return nil, apperrors.Conflictf("order %s no longer available", orderID)
	}

	c.offers.drop(orderID)
	c.Fleet.SetAvailability(driverID, models.Busy)
	observability.AcceptsTotal.Inc()
	c.notifyCustomerAsync(orderID, models.EventDriverAccepted)
	c.Log.Info("order claimed", "order_id", orderID, "driver_id", driverID)
	return c.Orders.Get(ctx, orderID)
}

// Decline records a driver's refusal, grows the exclusion set and
// immediately retries the match. The retry loop terminates because
// exclusions only grow and the candidate pool is finite.
func (c *Coordinator) Decline(ctx context.Context, orderID, driverID string) error {
	if driverID == "" {
		return apperrors.Validationf("driver id required")
	}
	mu := c.lock(orderID)
	mu.Lock()
	defer mu.Unlock()
	return c.declineLocked(ctx, orderID, driverID)
}

func (c *Coordinator) declineLocked(ctx context.Context, orderID, driverID string) error {
	o, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return apperrors.Conflictf("order %s already %s", orderID, o.Status)
	}
	if !o.Sharable && o.DriverID != driverID && !c.offers.offered(orderID, driverID) {
		return apperrors.NotEligiblef("driver %s holds no offer on order %s", driverID, orderID)
	}

	wasAssigned := o.DriverID == driverID
	ok, err := c.Orders.Requeue(ctx, orderID, driverID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflictf("order %s not declinable by %s", orderID, driverID)
	}
	c.offers.dropDriver(orderID, driverID)
	if wasAssigned {
		c.Fleet.SetAvailability(driverID, models.Free)
		c.notifyCustomerAsync(orderID, models.EventDriverReleased)
	}
	observability.DeclinesTotal.Inc()
	c.Log.Info("offer declined", "order_id", orderID, "driver_id", driverID)

	// retry with the grown exclusion set; a no-candidate terminal is a
	// normal outcome of declining, not an error for the decliner
	if err := c.requestMatchLocked(ctx, orderID); err != nil && !errors.Is(err, apperrors.ErrNoCandidate) {
		return err
	}
	return nil
}

// Complete finishes an inprocess order. Only the assigned driver may
// complete it.
func (c *Coordinator) Complete(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	if driverID == "" {
		return nil, apperrors.Validationf("driver id required")
	}
	mu := c.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	ok, err := c.Orders.MarkCompleted(ctx, orderID, driverID, c.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Conflictf("order %s not completable by %s", orderID, driverID)
	}
	c.Fleet.SetAvailability(driverID, models.Free)
	c.notifyCustomerAsync(orderID, models.EventOrderCompleted)
	c.captureFeeAsync(orderID)
	c.Log.Info("order completed", "order_id", orderID, "driver_id", driverID)
	return c.Orders.Get(ctx, orderID)
}

// Cancel withdraws a pending order on behalf of the customer or the
// system. A cancellation racing a concurrent accept loses: accept wins
// if it lands first.
func (c *Coordinator) Cancel(ctx context.Context, orderID string, byCustomer bool) error {
	mu := c.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	to := models.StatusCancelledBySystem
	if byCustomer {
		to = models.StatusCancelledByUser
	}
	ok, err := c.Orders.Cancel(ctx, orderID, to)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflictf("order %s already claimed or terminal", orderID)
	}
	c.offers.drop(orderID)
	c.notifyCustomerAsync(orderID, models.EventOrderCancelled)
	c.releaseFeeAsync(orderID)
	c.Log.Info("order cancelled", "order_id", orderID, "by_customer", byCustomer)
	return nil
}

// ExpireOffers treats every offer past its window as an implicit
// decline and requeues the affected orders. Returns the number of
// expired offers. The per-order state is re-checked under the order
// lock: an accept that landed first keeps its claim.
func (c *Coordinator) ExpireOffers(ctx context.Context) int {
	n := 0
	for _, orderID := range c.offers.ordersWithExpired(c.now()) {
		mu := c.lock(orderID)
		mu.Lock()
		o, err := c.Orders.Get(ctx, orderID)
		if err != nil {
			c.offers.drop(orderID)
			mu.Unlock()
			continue
		}
		if o.Status != models.StatusPending || o.DriverID != "" {
			// an accept or cancel won the race; the offers are moot and
			// the claim must stand
			c.offers.drop(orderID)
			mu.Unlock()
			continue
		}
		n += c.expireOrderLocked(ctx, orderID)
		if err := c.requestMatchLocked(ctx, orderID); err != nil && !errors.Is(err, apperrors.ErrNoCandidate) {
			c.Log.Warn("rematch after expiry failed", "order_id", orderID, "error", err)
		}
		mu.Unlock()
	}
	return n
}

// expireOrderLocked harvests the order's expired offers as implicit
// declines. The caller holds the order lock and has verified the order
// is still pending and unassigned, so Requeue can never touch a claim.
func (c *Coordinator) expireOrderLocked(ctx context.Context, orderID string) int {
	drivers := c.offers.takeExpired(orderID, c.now())
	for _, driverID := range drivers {
		observability.OffersExpired.Inc()
		ok, err := c.Orders.Requeue(ctx, orderID, driverID)
		if err != nil || !ok {
			continue
		}
		observability.DeclinesTotal.Inc()
		c.Log.Info("offer expired", "order_id", orderID, "driver_id", driverID)
	}
	return len(drivers)
}

func (c *Coordinator) notifyDriverAsync(driverID string, summary models.OfferSummary) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.Notifier.OfferToDriver(ctx, driverID, summary); err != nil {
			c.Log.Warn("driver notification failed", "driver_id", driverID,
				"order_id", summary.OrderID, "error", err)
		}
	}()
}

func (c *Coordinator) notifyCustomerAsync(orderID string, event models.CustomerEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.Notifier.NotifyCustomer(ctx, orderID, event); err != nil {
			c.Log.Warn("customer notification failed", "order_id", orderID,
				"event", event, "error", err)
		}
	}()
}

func (c *Coordinator) captureFeeAsync(orderID string) {
	if c.Payments == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.Payments.Capture(ctx, orderID); err != nil {
			c.Log.Error("fee capture failed", "order_id", orderID, "error", err)
		}
	}()
}

func (c *Coordinator) releaseFeeAsync(orderID string) {
	if c.Payments == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.Payments.Release(ctx, orderID); err != nil {
			c.Log.Error("fee release failed", "order_id", orderID, "error", err)
		}
	}()
}
