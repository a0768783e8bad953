package assign

import (
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// offerLedger tracks live offers in memory. Offers are advisory and
// out-of-band: losing them on restart only delays a re-match.
type offerLedger struct {
	mu      sync.Mutex
	byOrder map[string][]models.Offer
}

func newOfferLedger() *offerLedger {
	return &offerLedger{byOrder: make(map[string][]models.Offer)}
}

func (l *offerLedger) put(offers []models.Offer) {
	if len(offers) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byOrder[offers[0].OrderID] = offers
}

// live reports whether the order still has at least one unexpired offer.
func (l *offerLedger) live(orderID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, of := range l.byOrder[orderID] {
		if !of.Expired(now) {
			return true
		}
	}
	return false
}

func (l *offerLedger) offered(orderID, driverID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, of := range l.byOrder[orderID] {
		if of.DriverID == driverID {
			return true
		}
	}
	return false
}

func (l *offerLedger) drop(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byOrder, orderID)
}

func (l *offerLedger) dropDriver(orderID, driverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offers := l.byOrder[orderID]
	kept := offers[:0]
	for _, of := range offers {
		if of.DriverID != driverID {
			kept = append(kept, of)
		}
	}
	if len(kept) == 0 {
		delete(l.byOrder, orderID)
		return
	}
	l.byOrder[orderID] = kept
}

// ordersWithExpired lists orders holding at least one offer past its
// window. Nothing is removed here; harvesting happens per order under
// the coordinator's order lock so an accept landing in between keeps
// its claim.
func (l *offerLedger) ordersWithExpired(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for orderID, offers := range l.byOrder {
		for _, of := range offers {
			if of.Expired(now) {
				out = append(out, orderID)
				break
			}
		}
	}
	return out
}

// takeExpired removes and returns the drivers whose offers on the order
// have expired.
func (l *offerLedger) takeExpired(orderID string, now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	offers := l.byOrder[orderID]
	if len(offers) == 0 {
		return nil
	}
	var expired []string
	kept := offers[:0]
	for _, of := range offers {
		if of.Expired(now) {
			expired = append(expired, of.DriverID)
		} else {
			kept = append(kept, of)
		}
	}
	if len(kept) == 0 {
		delete(l.byOrder, orderID)
	} else {
		l.byOrder[orderID] = kept
	}
	return expired
}
