package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/assign"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/match"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/routing"
	"github.com/example/courier-dispatch/internal/storage"
)

// FeeHolder is the optional payment hold taken at order creation.
type FeeHolder interface {
	Hold(ctx context.Context, orderID string, amountCents int64, currency, customerID string) error
}

// Server wires the dispatch engine behind the ingress API.
type Server struct {
	Store     storage.OrderStore
	Matcher   *match.Matcher
	Coord     *assign.Coordinator
	Pipeline  *ingest.Pipeline
	Estimator *routing.Estimator
	Kafka     *ingest.KafkaProducer
	WSReg     *notify.WSRegistry
	Holder    FeeHolder

	DefaultNearbyRadiusKm float64

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(store storage.OrderStore, matcher *match.Matcher, coord *assign.Coordinator,
	pipeline *ingest.Pipeline, estimator *routing.Estimator, wsreg *notify.WSRegistry,
	logger *slog.Logger) *Server {
	s := &Server{
		Store:                 store,
		Matcher:               matcher,
		Coord:                 coord,
		Pipeline:              pipeline,
		Estimator:             estimator,
		WSReg:                 wsreg,
		DefaultNearbyRadiusKm: 5,
		logger:                logger,
		mux:                   mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/nearby", s.handleNearbyOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createOrderRequest struct {
	CustomerID  string            `json:"customer_id"`
	Pickup      models.Coordinate `json:"pickup"`
	PickupDesc  string            `json:"pickup_desc"`
	Dropoff     models.Coordinate `json:"dropoff"`
	DropoffDesc string            `json:"dropoff_desc"`
	Items       []models.Item     `json:"items"`
	Sharable    bool              `json:"sharable"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validationf("decode body: %v", err))
		return
	}
	if req.CustomerID == "" {
		s.writeError(w, apperrors.Validationf("customer_id required"))
		return
	}
	if !req.Pickup.Valid() || !req.Dropoff.Valid() {
		s.writeError(w, apperrors.Validationf("pickup/dropoff out of bounds"))
		return
	}

	quote := s.Estimator.Estimate(r.Context(), req.Pickup, req.Dropoff)
	o := &models.Order{
		ID:          newID(),
		CustomerID:  req.CustomerID,
		Pickup:      req.Pickup,
		PickupDesc:  req.PickupDesc,
		Dropoff:     req.Dropoff,
		DropoffDesc: req.DropoffDesc,
		Items:       req.Items,
		DistanceKm:  quote.DistanceKm,
		FeeCents:    quote.FeeCents,
		ETAMinutes:  quote.ETAMinutes,
		Status:      models.StatusPending,
		Sharable:    req.Sharable,
		CreatedAt:   time.Now(),
	}
	if err := s.Store.Create(r.Context(), o); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Holder != nil {
		if err := s.Holder.Hold(r.Context(), o.ID, o.FeeCents, "usd", o.CustomerID); err != nil {
			s.logger.Warn("fee hold failed", "order_id", o.ID, "error", err)
		}
	}
	// matching runs off the request path
	_ = s.Pipeline.Requester.RequestMatch(r.Context(), o.ID)
	s.writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Store.Get(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validationf("decode body: %v", err))
		return
	}
	o, err := s.Coord.Accept(r.Context(), mux.Vars(r)["order_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validationf("decode body: %v", err))
		return
	}
	if err := s.Coord.Decline(r.Context(), mux.Vars(r)["order_id"], req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validationf("decode body: %v", err))
		return
	}
	o, err := s.Coord.Complete(r.Context(), mux.Vars(r)["order_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Coord.Cancel(r.Context(), mux.Vars(r)["order_id"], true); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		s.writeError(w, apperrors.Validationf("decode body: %v", err))
		return
	}
	if loc.Updated.IsZero() {
		loc.Updated = time.Now()
	}
	if s.Kafka != nil {
		// the worker binary owns geo mutation when kafka is configured
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("kafka publish failed, applying locally", "driver_id", loc.DriverID, "error", err)
		} else {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}
	if err := s.Pipeline.Apply(r.Context(), loc); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearbyOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, apperrors.Validationf("lat/lon required"))
		return
	}
	p := models.Coordinate{Lat: lat, Lon: lon}
	if !p.Valid() {
		s.writeError(w, apperrors.Validationf("coordinate out of bounds"))
		return
	}
	radius := s.DefaultNearbyRadiusKm
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := s.Matcher.FindNearbyOrders(r.Context(), p, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if id == "" {
		s.writeError(w, apperrors.Validationf("driver_id required"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	observability.DriversOnline.Inc()
	go func() {
		defer observability.DriversOnline.Dec()
		defer s.WSReg.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.Status(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
