package models

import "time"

// Coordinate is an immutable lat/lon pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Availability is the matching view of a driver: only Free drivers
// receive offers.
type Availability string

const (
	Free    Availability = "free"
	Busy    Availability = "busy"
	Offline Availability = "offline"
)

// DriverLocation is one location report from a driver app or relay.
type DriverLocation struct {
	DriverID        string     `json:"driver_id"`
	Loc             Coordinate `json:"loc"`
	SpeedKph        float64    `json:"speed_kph"`
	BearingDeg      float64    `json:"bearing_deg"`
	AccuracyM       float64    `json:"accuracy_m"`
	Online          bool       `json:"online"`
	Rating          float64    `json:"rating"` // 0..5
	ProfileComplete bool       `json:"profile_complete"`
	Updated         time.Time  `json:"updated"`
}

type OrderStatus string

const (
	StatusPending           OrderStatus = "pending"
	StatusInProcess         OrderStatus = "inprocess"
	StatusCompleted         OrderStatus = "completed"
	StatusCancelledBySystem OrderStatus = "cancelled_by_system"
	StatusCancelledByUser   OrderStatus = "cancelled_by_user"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledBySystem, StatusCancelledByUser:
		return true
	}
	return false
}

// allowedTransitions encodes the order lifecycle. Offers are out-of-band:
// an order with a live offer is still pending.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusInProcess, StatusCancelledBySystem, StatusCancelledByUser},
	StatusInProcess: {StatusCompleted, StatusPending}, // back to pending when the driver bails
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is one line of an order's manifest.
type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Order is a delivery order. DriverID is non-empty iff status is
// inprocess or completed; Excluded grows monotonically as drivers
// decline or time out.
type Order struct {
	ID          string      `json:"id"`
	CustomerID  string      `json:"customer_id"`
	Pickup      Coordinate  `json:"pickup"`
	PickupDesc  string      `json:"pickup_desc"`
	Dropoff     Coordinate  `json:"dropoff"`
	DropoffDesc string      `json:"dropoff_desc"`
	Items       []Item      `json:"items"`
	DistanceKm  float64     `json:"distance_km"`
	FeeCents    int64       `json:"fee_cents"`
	ETAMinutes  float64     `json:"eta_minutes"`
	DriverID    string      `json:"driver_id,omitempty"`
	Status      OrderStatus `json:"status"`
	Excluded    []string    `json:"excluded,omitempty"`
	Sharable    bool        `json:"sharable"`
	CreatedAt   time.Time   `json:"created_at"`
	AcceptedAt  time.Time   `json:"accepted_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// IsExcluded reports whether driverID already declined or was skipped.
func (o *Order) IsExcluded(driverID string) bool {
	for _, d := range o.Excluded {
		if d == driverID {
			return true
		}
	}
	return false
}

// ExclusionSet returns the exclusions as a set for geo queries.
func (o *Order) ExclusionSet() map[string]struct{} {
	if len(o.Excluded) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(o.Excluded))
	for _, d := range o.Excluded {
		set[d] = struct{}{}
	}
	return set
}

// Offer is a transient proposal of an order to one driver. Not persisted.
type Offer struct {
	OrderID   string    `json:"order_id"`
	DriverID  string    `json:"driver_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (of Offer) Expired(now time.Time) bool { return now.After(of.ExpiresAt) }

// OfferSummary is the payload pushed to a driver with an offer.
type OfferSummary struct {
	OrderID     string     `json:"order_id"`
	Pickup      Coordinate `json:"pickup"`
	PickupDesc  string     `json:"pickup_desc"`
	Dropoff     Coordinate `json:"dropoff"`
	DropoffDesc string     `json:"dropoff_desc"`
	DistanceKm  float64    `json:"distance_km"`
	FeeCents    int64      `json:"fee_cents"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// CustomerEvent identifies the customer-facing notifications the engine emits.
type CustomerEvent string

const (
	EventDriverAccepted CustomerEvent = "driver_accepted"
	EventOrderCompleted CustomerEvent = "order_completed"
	EventNoDriverFound  CustomerEvent = "no_driver_found"
	EventOrderCancelled CustomerEvent = "order_cancelled"
	EventDriverReleased CustomerEvent = "driver_released"
)
