package match

import (
	"context"
	"sort"
	"time"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

// Driverspace is the slice of the geo index the matcher needs.
type Driverspace interface {
	QueryNear(p models.Coordinate, radiusKm float64, exclude map[string]struct{}, requireFree bool, limit int) []geo.Candidate
}

// NearbyOrder is a pending order ranked by pickup distance.
type NearbyOrder struct {
	Order      *models.Order `json:"order"`
	DistanceKm float64       `json:"distance_km"`
}

// Matcher turns an order's pickup point and exclusion set into driver
// candidates, and answers the inverse query for proximity push.
type Matcher struct {
	Geo        Driverspace
	Orders     storage.OrderStore
	RadiusKm   float64
	BroadcastN int
}

// FindCandidate returns the best eligible driver for the order, if any.
func (m *Matcher) FindCandidate(o *models.Order) (geo.Candidate, bool) {
	cands := m.candidates(o, 1)
	if len(cands) == 0 {
		return geo.Candidate{}, false
	}
	return cands[0], true
}

// FindCandidates returns the ranked candidate list for broadcast mode.
func (m *Matcher) FindCandidates(o *models.Order) []geo.Candidate {
	n := m.BroadcastN
	if n <= 0 {
		n = 5
	}
	return m.candidates(o, n)
}

func (m *Matcher) candidates(o *models.Order, limit int) []geo.Candidate {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	return m.Geo.QueryNear(o.Pickup, m.RadiusKm, o.ExclusionSet(), true, limit)
}

// FindNearbyOrders lists unassigned pending orders within radiusKm of p,
// closest first, oldest first on near-equal distance, capped at limit.
func (m *Matcher) FindNearbyOrders(ctx context.Context, p models.Coordinate, radiusKm float64, limit int) ([]NearbyOrder, error) {
	pending, err := m.Orders.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyOrder, 0, limit)
	for _, o := range pending {
		d := geo.Haversine(p, o.Pickup)
		if d > radiusKm {
			continue
		}
		out = append(out, NearbyOrder{Order: o, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Order.CreatedAt.Before(out[j].Order.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
