package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-dispatch/internal/models"
)

// RedisIndex implements Driverspace on Redis GEO commands, with driver
// metadata (rating, availability, online, updated) in a hash per driver.
// It lets several API nodes share one fleet view.
type RedisIndex struct {
	client     *redis.Client
	key        string
	staleAfter time.Duration
	ctx        context.Context
}

func NewRedisIndex(addr, password, key string, staleAfter time.Duration) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &RedisIndex{client: c, key: key, staleAfter: staleAfter, ctx: context.Background()}
}

func metaKey(id string) string { return "driver:meta:" + id }

func (r *RedisIndex) Upsert(loc models.DriverLocation) bool {
	meta := metaKey(loc.DriverID)
	prev, _ := r.client.HMGet(r.ctx, meta, "updated", "avail").Result()
	// drop out-of-order reports the same way the in-memory index does
	if len(prev) == 2 {
		if s, ok := prev[0].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil && loc.Updated.Before(ts) {
				return false
			}
		}
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Loc.Lon,
		Latitude:  loc.Loc.Lat,
		Name:      loc.DriverID,
	}).Result()
	fields := map[string]interface{}{
		"rating":   strconv.FormatFloat(loc.Rating, 'f', -1, 64),
		"online":   strconv.FormatBool(loc.Online),
		"profile":  strconv.FormatBool(loc.ProfileComplete),
		"updated":  loc.Updated.Format(time.RFC3339Nano),
		"speed":    strconv.FormatFloat(loc.SpeedKph, 'f', -1, 64),
		"bearing":  strconv.FormatFloat(loc.BearingDeg, 'f', -1, 64),
		"accuracy": strconv.FormatFloat(loc.AccuracyM, 'f', -1, 64),
	}
	var cur string
	if len(prev) == 2 {
		if s, ok := prev[1].(string); ok {
			cur = s
		}
	}
	if next, write := reportedAvail(cur, loc.Online); write {
		fields["avail"] = next
	}
	_ = r.client.HSet(r.ctx, meta, fields).Err()
	return true
}

// reportedAvail derives the availability write for a location report.
// Offline reports always demote. Online reports promote an offline or
// unknown driver back to free but never touch free or busy: assignment
// state belongs to SetAvailability.
func reportedAvail(current string, online bool) (string, bool) {
	if !online {
		return string(models.Offline), true
	}
	switch models.Availability(current) {
	case models.Free, models.Busy:
		return "", false
	}
	return string(models.Free), true
}

func (r *RedisIndex) SetAvailability(driverID string, a models.Availability) {
	_ = r.client.HSet(r.ctx, metaKey(driverID), "avail", string(a)).Err()
}

// Availability returns the derived state; unknown or stale drivers read
// as offline.
func (r *RedisIndex) Availability(driverID string) models.Availability {
	m, err := r.client.HGetAll(r.ctx, metaKey(driverID)).Result()
	if err != nil || len(m) == 0 || m["online"] != "true" {
		return models.Offline
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err != nil || time.Since(ts) > r.staleAfter {
		return models.Offline
	}
	switch models.Availability(m["avail"]) {
	case models.Free, models.Busy:
		return models.Availability(m["avail"])
	}
	return models.Offline
}

func (r *RedisIndex) QueryNear(p models.Coordinate, radiusKm float64, exclude map[string]struct{}, requireFree bool, limit int) []Candidate {
	// over-fetch because metadata filters run client-side
	fetch := limit * 4
	if fetch < 32 {
		fetch = 32
	}
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      fetch,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, limit)
	for _, g := range res {
		if _, skip := exclude[g.Name]; skip {
			continue
		}
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["online"] != "true" || m["profile"] != "true" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err != nil || time.Since(ts) > r.staleAfter {
			continue
		}
		if requireFree && m["avail"] != string(models.Free) {
			continue
		}
		c := Candidate{DriverID: g.Name, DistanceKm: g.Dist}
		if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
			c.Rating = f
		}
		out = append(out, c)
	}
	// re-sort for the rating tie-break; redis orders by distance only
	sort.Slice(out, func(i, j int) bool {
		if diff := out[i].DistanceKm - out[j].DistanceKm; diff < ratingTieKm && diff > -ratingTieKm {
			return out[i].Rating > out[j].Rating
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
