package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Service struct {
	Store storage.TripStore
	Fares fare.Engine
	Codes CodeGenerator
	Now   func() time.Time
}

func NewService(store storage.TripStore, fares fare.Engine) *Service {
	return &Service{Store: store, Fares: fares, Codes: NumericCodes{Length: 6}, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Quote prices the trip for every vehicle class.
func (s *Service) Quote(ctx context.Context, pickup, destination string) (models.FareQuote, error) {
	if strings.TrimSpace(pickup) == "" || strings.TrimSpace(destination) == "" {
		return nil, fmt.Errorf("%w: pickup and destination are required", ErrInvalidRequest)
	}
	q, err := s.Fares.Quote(ctx, pickup, destination)
	if errors.Is(err, maps.ErrNoResult) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return q, err
}

// Create stores a new ride in the requested state with its fare and
// verification code filled in.
func (s *Service) Create(ctx context.Context, riderID, pickup, destination string, vt models.VehicleType) (models.Ride, error) {
	ctx, span := observability.Tracer("ride").Start(ctx, "ride.Create")
	defer span.End()

	if riderID == "" {
		return models.Ride{}, fmt.Errorf("%w: rider is required", ErrInvalidRequest)
	}
	if !vt.Valid() {
		return models.Ride{}, fmt.Errorf("%w: unknown vehicle type %q", ErrInvalidRequest, vt)
	}
	quote, err := s.Quote(ctx, pickup, destination)
	if err != nil {
		span.RecordError(err)
		return models.Ride{}, err
	}
	code, err := s.Codes.NewCode()
	if err != nil {
		return models.Ride{}, fmt.Errorf("generate code: %w", err)
	}
	now := s.now()
	r := models.Ride{
		ID:          uuid.NewString(),
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: destination,
		VehicleType: vt,
		Fare:        quote[vt],
		OTP:         code,
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.SaveRide(ctx, r); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.Ride{}, fmt.Errorf("save ride: %w", err)
	}
	span.SetAttributes(attribute.String("ride.id", r.ID))
	observability.TransitionsTotal.WithLabelValues("create", "ok").Inc()
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Ride, error) {
	r, err := s.Store.GetRide(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Ride{}, ErrNotFound
	}
	return r, err
}

// RecordPickup stores the resolved pickup point while the ride is still
// waiting for a driver.
func (s *Service) RecordPickup(ctx context.Context, id string, c models.Coord) error {
	_, err := s.Store.UpdateRide(ctx, id, func(r *models.Ride) error {
		if r.Status != models.StatusRequested {
			return ErrRejected
		}
		cc := c
		r.PickupCoord = &cc
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Accept stamps driverID on the ride and flips it to accepted in one store
// update. Of any number of concurrent calls only one can see the requested
// state; the rest get ErrAlreadyTaken.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (models.Ride, Instruction, error) {
	r, err := s.transition(ctx, "accept", rideID, func(r *models.Ride, now time.Time) error {
		return accept(r, driverID, now)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrNotFound
		}
		return models.Ride{}, Instruction{}, err
	}
	// the rider needs the code to hand to the driver at pickup
	return r, Instruction{Recipient: r.RiderID, Event: models.EventRideConfirmed, Ride: r}, nil
}

func (s *Service) Start(ctx context.Context, rideID, otp, driverID string) (models.Ride, Instruction, error) {
	r, err := s.transition(ctx, "start", rideID, func(r *models.Ride, now time.Time) error {
		return start(r, otp, driverID, now)
	})
	if err != nil {
		return models.Ride{}, Instruction{}, uniform(err)
	}
	return r, Instruction{Recipient: r.RiderID, Event: models.EventRideStarted, Ride: r.Redacted()}, nil
}

func (s *Service) End(ctx context.Context, rideID, driverID string) (models.Ride, Instruction, error) {
	r, err := s.transition(ctx, "end", rideID, func(r *models.Ride, now time.Time) error {
		return end(r, driverID, now)
	})
	if err != nil {
		return models.Ride{}, Instruction{}, uniform(err)
	}
	return r, Instruction{Recipient: r.RiderID, Event: models.EventRideEnded, Ride: r.Redacted()}, nil
}

func (s *Service) Cancel(ctx context.Context, rideID, riderID string) (models.Ride, Instruction, error) {
	r, err := s.transition(ctx, "cancel", rideID, func(r *models.Ride, now time.Time) error {
		return cancel(r, riderID, now)
	})
	if err != nil {
		return models.Ride{}, Instruction{}, uniform(err)
	}
	return r, Instruction{Recipient: r.RiderID, Event: models.EventRideCancelled, Ride: r.Redacted()}, nil
}

// DriverRides lists a driver's rides newest first.
func (s *Service) DriverRides(ctx context.Context, driverID string, q storage.ListQuery) ([]models.Ride, int, error) {
	rides, total, err := s.Store.ListDriverRides(ctx, driverID, q)
	if err != nil {
		return nil, 0, err
	}
	for i := range rides {
		rides[i] = rides[i].Redacted()
	}
	return rides, total, nil
}

func (s *Service) transition(ctx context.Context, action, rideID string, guard func(*models.Ride, time.Time) error) (models.Ride, error) {
	ctx, span := observability.Tracer("ride").Start(ctx, "ride."+action)
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", rideID))

	r, err := s.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		return guard(r, s.now())
	})
	observability.TransitionsTotal.WithLabelValues(action, result(err)).Inc()
	if err != nil {
		span.SetAttributes(attribute.String("ride.result", result(err)))
		return models.Ride{}, err
	}
	return r, nil
}

// uniform hides whether the ride exists from start/end/cancel callers.
func uniform(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrRejected) || errors.Is(err, ErrAlreadyTaken) {
		return ErrRejected
	}
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyTaken):
		return "already_taken"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
