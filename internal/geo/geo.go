package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// Candidate is one ranked result of a proximity query.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
}

// Driverspace is the query surface the matcher and the ingestion
// pipeline need from a geo index.
type Driverspace interface {
	// Upsert applies a location report. Reports older than the stored
	// one are dropped and Upsert returns false.
	Upsert(loc models.DriverLocation) bool
	// SetAvailability flips a driver between free/busy/offline.
	SetAvailability(driverID string, a models.Availability)
	// QueryNear returns up to limit candidates within radiusKm of p,
	// excluding the given set, ordered by distance then rating.
	QueryNear(p models.Coordinate, radiusKm float64, exclude map[string]struct{}, requireFree bool, limit int) []Candidate
}

// ratingTieKm: candidates closer than this to each other are considered
// equidistant and ranked by rating instead.
const ratingTieKm = 0.05

type entry struct {
	loc   models.DriverLocation
	avail models.Availability
}

// Index is the in-memory Driverspace. Reads are concurrent; writes are
// serialized per index, which is cheap at fleet sizes a single node sees.
type Index struct {
	mu         sync.RWMutex
	drivers    map[string]*entry
	staleAfter time.Duration
	now        func() time.Time
}

func NewIndex(staleAfter time.Duration) *Index {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Index{
		drivers:    make(map[string]*entry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (g *Index) Upsert(loc models.DriverLocation) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[loc.DriverID]
	if ok && loc.Updated.Before(e.loc.Updated) {
		return false // out-of-order delivery, keep the newer fix
	}
	if !ok {
		e = &entry{avail: models.Offline}
		g.drivers[loc.DriverID] = e
	}
	e.loc = loc
	if !loc.Online {
		e.avail = models.Offline
	} else if e.avail == models.Offline {
		e.avail = models.Free
	}
	return true
}

func (g *Index) SetAvailability(driverID string, a models.Availability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		// availability can arrive before the first location fix
		g.drivers[driverID] = &entry{avail: a}
		return
	}
	e.avail = a
}

// Availability returns the current derived state for a driver.
func (g *Index) Availability(driverID string) models.Availability {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return models.Offline
	}
	if g.stale(e) {
		return models.Offline
	}
	return e.avail
}

func (g *Index) stale(e *entry) bool {
	return g.now().Sub(e.loc.Updated) > g.staleAfter
}

func (g *Index) QueryNear(p models.Coordinate, radiusKm float64, exclude map[string]struct{}, requireFree bool, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for id, e := range g.drivers {
		if _, skip := exclude[id]; skip {
			continue
		}
		if !e.loc.Online || !e.loc.ProfileComplete || g.stale(e) {
			continue
		}
		if requireFree && e.avail != models.Free {
			continue
		}
		d := Haversine(p, e.loc.Loc)
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: id, DistanceKm: d, Rating: e.loc.Rating})
	}
	sort.Slice(out, func(i, j int) bool {
		if math.Abs(out[i].DistanceKm-out[j].DistanceKm) < ratingTieKm {
			return out[i].Rating > out[j].Rating
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b models.Coordinate) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
