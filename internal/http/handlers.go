package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// Deps are the collaborators the server is built from. Locations and Ready
// are optional.
type Deps struct {
	Logger      *slog.Logger
	Coordinator *matcher.Coordinator
	Presence    *presence.Registry
	Geo         geo.Geo
	Hub         *dispatch.Hub
	Auth        auth.Verifier
	Locations   ingest.Publisher
	Ready       func(ctx context.Context) error
}

type Server struct {
	logger    *slog.Logger
	coord     *matcher.Coordinator
	presence  *presence.Registry
	geo       geo.Geo
	hub       *dispatch.Hub
	auth      auth.Verifier
	locations ingest.Publisher
	ready     func(ctx context.Context) error
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger,
		coord:     d.Coordinator,
		presence:  d.Presence,
		geo:       d.Geo,
		hub:       d.Hub,
		auth:      d.Auth,
		locations: d.Locations,
		ready:     d.Ready,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	rider := s.requireRole(models.RoleRider)
	driver := s.requireRole(models.RoleDriver)
	anyone := s.requireRole(models.RoleRider, models.RoleDriver)

	api.Handle("/rides", rider(s.handleCreateRide)).Methods("POST")
	api.Handle("/rides/fare", anyone(s.handleFare)).Methods("GET")
	api.Handle("/rides/{id}", anyone(s.handleGetRide)).Methods("GET")
	api.Handle("/rides/{id}/accept", driver(s.handleAccept)).Methods("POST")
	api.Handle("/rides/{id}/start", driver(s.handleStart)).Methods("POST")
	api.Handle("/rides/{id}/end", driver(s.handleEnd)).Methods("POST")
	api.Handle("/rides/{id}/cancel", rider(s.handleCancel)).Methods("POST")
	api.Handle("/rides/{id}/dispatch", rider(s.handleRedispatch)).Methods("POST")

	api.Handle("/drivers/me/rides", driver(s.handleDriverRides)).Methods("GET")
	api.Handle("/drivers/me/rides/active", driver(s.handleActiveRides)).Methods("GET")
	api.Handle("/drivers/me/status", driver(s.handleDriverStatus)).Methods("PUT")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("not ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type locationReport struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var in locationReport
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.recordLocation(r.Context(), in.DriverID, models.Coord{Lat: in.Lat, Lon: in.Lng}); err != nil {
		if errors.Is(err, errUnknownDriver) || errors.Is(err, ingest.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("record location failed", "driver_id", in.DriverID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRideRequest struct {
	Pickup      string             `json:"pickup"`
	Destination string             `json:"destination"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var in createRideRequest
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := s.coord.Create(r.Context(), id.ID, in.Pickup, in.Destination, in.VehicleType)
	if err != nil {
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

func (s *Server) handleFare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quote, err := s.coord.Rides.Quote(r.Context(), q.Get("pickup"), q.Get("destination"))
	if err != nil {
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleGetRide only shows a ride to its rider or its driver. The rider's
// copy keeps the verification code.
func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	rd, err := s.coord.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil && !errors.Is(err, ride.ErrNotFound) {
		s.rideError(w, err)
		return
	}
	switch {
	case err == nil && rd.RiderID == id.ID:
		writeJSON(w, http.StatusOK, rd)
	case err == nil && rd.DriverID == id.ID:
		writeJSON(w, http.StatusOK, rd.Redacted())
	default:
		s.rideError(w, ride.ErrRejected)
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rd, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], identity(r).ID)
	if err != nil {
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

type startRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in startRequest
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := s.coord.Start(r.Context(), mux.Vars(r)["id"], in.OTP, identity(r).ID)
	if err != nil {
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	rd, err := s.coord.End(r.Context(), mux.Vars(r)["id"], identity(r).ID)
	if err != nil {
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rd, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], identity(r).ID)
	if err != nil {
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.Redispatch(r.Context(), mux.Vars(r)["id"], identity(r).ID)
	if err != nil {
		if errors.Is(err, matcher.ErrNotRequested) {
			s.rideError(w, ride.ErrRejected)
			return
		}
		s.rideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ridePage struct {
	Rides  []models.Ride `json:"rides"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeDriverRides(w, r, q)
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Statuses = []models.RideStatus{models.StatusAccepted, models.StatusOngoing}
	s.writeDriverRides(w, r, q)
}

func (s *Server) writeDriverRides(w http.ResponseWriter, r *http.Request, q storage.ListQuery) {
	rides, total, err := s.coord.Rides.DriverRides(r.Context(), identity(r).ID, q)
	if err != nil {
		s.rideError(w, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, ridePage{Rides: rides, Total: total, Limit: q.Limit, Offset: q.Offset})
}

type statusRequest struct {
	Status models.Availability `json:"status"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var in statusRequest
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !in.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}
	if !s.presence.SetAvailability(identity(r).ID, in.Status) {
		writeError(w, http.StatusConflict, "driver is not connected")
		return
	}
	p, _ := s.presence.Get(identity(r).ID)
	writeJSON(w, http.StatusOK, p)
}

var errUnknownDriver = errors.New("unknown driver")

// recordLocation feeds one driver position into presence, the proximity
// index and, when configured, the location topic.
func (s *Server) recordLocation(ctx context.Context, driverID string, c models.Coord) error {
	ev := ingest.LocationEvent{DriverID: driverID, Location: c, At: time.Now().UTC()}
	if err := ev.Validate(); err != nil {
		return err
	}
	p, ok := s.presence.Get(driverID)
	if !ok || p.Role != models.RoleDriver {
		return errUnknownDriver
	}
	s.presence.SetLocation(driverID, c)
	if err := s.geo.Upsert(ctx, driverID, c); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("geo", "error").Inc()
		return err
	}
	observability.LocationUpdatesTotal.WithLabelValues("geo", "ok").Inc()
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, ev); err != nil {
			observability.LocationUpdatesTotal.WithLabelValues("kafka", "error").Inc()
			s.logger.Warn("publish location failed", "driver_id", driverID, "error", err)
		} else {
			observability.LocationUpdatesTotal.WithLabelValues("kafka", "ok").Inc()
		}
	}
	return nil
}

// rideError maps lifecycle errors onto HTTP statuses. Rejections share one
// status and message whatever the cause.
func (s *Server) rideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrAlreadyTaken):
		writeError(w, http.StatusConflict, ride.ErrAlreadyTaken.Error())
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, ride.ErrRejected):
		writeError(w, http.StatusNotFound, ride.ErrRejected.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func listQuery(r *http.Request) (storage.ListQuery, error) {
	v := r.URL.Query()
	var q storage.ListQuery
	if raw := v.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := models.ParseRideStatus(strings.TrimSpace(part))
			if !ok {
				return q, errors.New("unknown status " + part)
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	var err error
	if q.Limit, err = intParam(v.Get("limit"), storage.DefaultListLimit); err != nil || q.Limit <= 0 || q.Limit > 100 {
		return q, errors.New("limit must be between 1 and 100")
	}
	if q.Offset, err = intParam(v.Get("offset"), 0); err != nil || q.Offset < 0 {
		return q, errors.New("offset must be >= 0")
	}
	return q, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { return uuid.NewString() }
