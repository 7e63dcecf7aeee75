// Package matcher turns requested rides into driver offers and routes the
// resulting lifecycle events back to the participants involved.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

// DefaultRadiusKm is the single search radius used unless more steps are configured.
const DefaultRadiusKm = 2.0

var ErrNotRequested = errors.New("ride is no longer waiting for a driver")

type Outcome string

const (
	Offered   Outcome = "offered"
	Unmatched Outcome = "unmatched"
)

// Result describes one dispatch run. Delivered is informational: a ride is
// matched when a driver accepts, not when an offer is delivered.
type Result struct {
	RideID     string
	Outcome    Outcome
	RadiusKm   float64
	Candidates []string
	Delivered  int
}

// Presence is the slice of the registry the coordinator needs.
type Presence interface {
	Connection(id string) (models.ConnID, bool)
	ClearConnection(conn models.ConnID) (string, bool)
}

type Coordinator struct {
	Rides    *ride.Service
	Geocoder maps.Geocoder
	Geo      geo.Geo
	Presence Presence
	Notify   dispatch.Sender
	Logger   *slog.Logger

	// RadiiKm are tried in order until one yields a reachable driver.
	RadiiKm []float64
	// WithdrawOffers tells losing candidates to drop the offer once the ride
	// is taken or cancelled.
	WithdrawOffers bool
	// OfferTTL marks an unanswered offer expired. Zero disables expiry.
	OfferTTL time.Duration
	// DispatchTimeout bounds background dispatch started by Create.
	DispatchTimeout time.Duration

	Now func() time.Time

	mu     sync.Mutex
	offers map[string]*offerState
	wg     sync.WaitGroup
}

type offerState struct {
	offer models.Offer
	timer *time.Timer
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Coordinator) radii() []float64 {
	if len(c.RadiiKm) == 0 {
		return []float64{DefaultRadiusKm}
	}
	return c.RadiiKm
}

// Create stores the ride and dispatches it in the background. The returned
// ride is safe to show to the rider.
func (c *Coordinator) Create(ctx context.Context, riderID, pickup, destination string, vt models.VehicleType) (models.Ride, error) {
	r, err := c.Rides.Create(ctx, riderID, pickup, destination, vt)
	if err != nil {
		return models.Ride{}, err
	}
	c.dispatchAsync(ctx, r)
	return r.Redacted(), nil
}

func (c *Coordinator) dispatchAsync(ctx context.Context, r models.Ride) {
	timeout := c.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if _, err := c.Dispatch(dctx, r); err != nil {
			c.logger().Error("dispatch failed", "ride_id", r.ID, "error", err)
		}
	}()
}

// Wait blocks until background dispatches have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Dispatch offers a requested ride to every reachable driver near its pickup.
// An empty candidate set is reported as Unmatched and leaves the ride as is.
func (c *Coordinator) Dispatch(ctx context.Context, r models.Ride) (Result, error) {
	ctx, span := observability.Tracer("matcher").Start(ctx, "matcher.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", r.ID))
	started := time.Now()

	res, err := c.dispatch(ctx, r)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		observability.DispatchTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("dispatch.outcome", string(res.Outcome)),
		attribute.Int("dispatch.candidates", len(res.Candidates)),
		attribute.Int("dispatch.delivered", res.Delivered),
	)
	observability.DispatchTotal.WithLabelValues(string(res.Outcome)).Inc()
	observability.DispatchLatency.Observe(time.Since(started).Seconds())
	observability.OfferCandidates.Observe(float64(len(res.Candidates)))
	c.logger().Info("ride dispatched",
		"ride_id", r.ID,
		"outcome", res.Outcome,
		"radius_km", res.RadiusKm,
		"candidates", len(res.Candidates),
		"delivered", res.Delivered,
	)
	return res, nil
}

type target struct {
	driverID string
	conn     models.ConnID
}

func (c *Coordinator) dispatch(ctx context.Context, r models.Ride) (Result, error) {
	pickup, err := c.Geocoder.ResolveCoordinates(ctx, r.Pickup)
	if err != nil {
		return Result{}, fmt.Errorf("resolve pickup: %w", err)
	}
	if err := c.Rides.RecordPickup(ctx, r.ID, pickup); err != nil {
		if errors.Is(err, ride.ErrRejected) {
			return Result{}, ErrNotRequested
		}
		return Result{}, fmt.Errorf("record pickup: %w", err)
	}
	r.PickupCoord = &pickup

	var (
		targets []target
		radius  float64
	)
	for _, radius = range c.radii() {
		cands, err := c.Geo.Query(ctx, pickup, radius)
		if err != nil {
			return Result{}, fmt.Errorf("proximity query: %w", err)
		}
		targets = c.reachable(cands)
		if len(targets) > 0 {
			break
		}
	}

	res := Result{RideID: r.ID, RadiusKm: radius}
	if len(targets) == 0 {
		res.Outcome = Unmatched
		c.deliver(r.RiderID, models.EventNoDrivers, r.Redacted())
		return res, nil
	}

	res.Outcome = Offered
	for _, t := range targets {
		res.Candidates = append(res.Candidates, t.driverID)
	}
	// The offer is visible before the first send so an accept racing the
	// fan-out settles it.
	state := &offerState{offer: models.Offer{
		RideID:     r.ID,
		Candidates: append([]string(nil), res.Candidates...),
		Outcome:    models.OfferPending,
		CreatedAt:  c.now(),
	}}
	c.storeOffer(state)

	payload := r.Redacted()
	for _, t := range targets {
		if !c.pending(state) {
			break
		}
		if c.sendTo(t.driverID, t.conn, models.EventNewRide, payload) == dispatch.Delivered {
			res.Delivered++
		}
	}
	c.settle(ctx, r.ID)
	return res, nil
}

func (c *Coordinator) pending(st *offerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.offer.Outcome == models.OfferPending
}

// settle closes the offer when the ride left REQUESTED without passing
// through Accept or Cancel on this coordinator.
func (c *Coordinator) settle(ctx context.Context, rideID string) {
	cur, err := c.Rides.Get(ctx, rideID)
	if err != nil || cur.Status == models.StatusRequested {
		return
	}
	if cur.DriverID != "" {
		c.closeOffer(rideID, models.OfferAccepted, cur.DriverID)
		return
	}
	c.closeOffer(rideID, models.OfferWithdrawn, "")
}

// reachable keeps candidates that hold a connection, in query order.
func (c *Coordinator) reachable(cands []geo.Candidate) []target {
	out := make([]target, 0, len(cands))
	for _, cand := range cands {
		conn, ok := c.Presence.Connection(cand.DriverID)
		if !ok {
			continue
		}
		out = append(out, target{driverID: cand.DriverID, conn: conn})
	}
	return out
}

// sendTo delivers one event and drops a connection handle that turned out dead.
func (c *Coordinator) sendTo(id string, conn models.ConnID, event string, payload any) dispatch.Result {
	res := c.Notify.Send(conn, event, payload)
	if res != dispatch.Delivered {
		c.logger().Warn("event not delivered", "participant_id", id, "event", event, "result", res.String())
		if _, ok := c.Presence.ClearConnection(conn); ok {
			c.logger().Info("stale connection cleared", "participant_id", id)
		}
	}
	return res
}

func (c *Coordinator) deliver(id, event string, payload any) dispatch.Result {
	conn, ok := c.Presence.Connection(id)
	if !ok {
		observability.DeliveriesTotal.WithLabelValues(event, dispatch.NoSuchTarget.String()).Inc()
		return dispatch.NoSuchTarget
	}
	return c.sendTo(id, conn, event, payload)
}

func (c *Coordinator) execute(inst ride.Instruction) {
	c.deliver(inst.Recipient, inst.Event, inst.Ride)
}

// Accept lets driverID take the ride. Exactly one concurrent caller wins.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	r, inst, err := c.Rides.Accept(ctx, rideID, driverID)
	if err != nil {
		return models.Ride{}, err
	}
	c.execute(inst)
	c.closeOffer(rideID, models.OfferAccepted, driverID)
	return r.Redacted(), nil
}

func (c *Coordinator) Start(ctx context.Context, rideID, otp, driverID string) (models.Ride, error) {
	r, inst, err := c.Rides.Start(ctx, rideID, otp, driverID)
	if err != nil {
		return models.Ride{}, err
	}
	c.execute(inst)
	return r.Redacted(), nil
}

func (c *Coordinator) End(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	r, inst, err := c.Rides.End(ctx, rideID, driverID)
	if err != nil {
		return models.Ride{}, err
	}
	c.execute(inst)
	return r.Redacted(), nil
}

// Cancel withdraws a ride that no driver has taken yet.
func (c *Coordinator) Cancel(ctx context.Context, rideID, riderID string) (models.Ride, error) {
	r, inst, err := c.Rides.Cancel(ctx, rideID, riderID)
	if err != nil {
		return models.Ride{}, err
	}
	c.execute(inst)
	c.closeOffer(rideID, models.OfferWithdrawn, "")
	return r.Redacted(), nil
}

// RelayStatus forwards a driver's progress note to the rider of a ride the
// driver holds. The ride itself is not changed.
func (c *Coordinator) RelayStatus(ctx context.Context, rideID, driverID, status string) error {
	if status == "" || len(status) > 64 {
		return fmt.Errorf("%w: status is required", ride.ErrInvalidRequest)
	}
	r, err := c.Rides.Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			return ride.ErrRejected
		}
		return err
	}
	if r.DriverID == "" || r.DriverID != driverID {
		return ride.ErrRejected
	}
	c.deliver(r.RiderID, models.EventStatusChanged, map[string]string{"ride_id": rideID, "status": status})
	return nil
}

// Redispatch runs dispatch again for a ride that is still requested. Only the
// rider who owns the ride may ask.
func (c *Coordinator) Redispatch(ctx context.Context, rideID, riderID string) (Result, error) {
	r, err := c.Rides.Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			return Result{}, ride.ErrRejected
		}
		return Result{}, err
	}
	if r.RiderID != riderID || r.Status != models.StatusRequested {
		return Result{}, ride.ErrRejected
	}
	c.closeOffer(rideID, models.OfferExpired, "")
	return c.Dispatch(ctx, r)
}

// Offer returns the latest offer made for the ride.
func (c *Coordinator) Offer(rideID string) (models.Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.offers[rideID]
	if !ok {
		return models.Offer{}, false
	}
	o := st.offer
	o.Candidates = append([]string(nil), st.offer.Candidates...)
	return o, true
}

func (c *Coordinator) storeOffer(st *offerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offers == nil {
		c.offers = make(map[string]*offerState)
	}
	if prev, ok := c.offers[st.offer.RideID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	c.offers[st.offer.RideID] = st
	if c.OfferTTL > 0 {
		st.timer = time.AfterFunc(c.OfferTTL, func() { c.expire(st) })
	}
}

func (c *Coordinator) expire(st *offerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offers[st.offer.RideID] != st || st.offer.Outcome != models.OfferPending {
		return
	}
	st.offer.Outcome = models.OfferExpired
	c.logger().Info("offer expired", "ride_id", st.offer.RideID)
}

// closeOffer settles a pending offer and, when configured, tells the other
// candidates it is gone.
func (c *Coordinator) closeOffer(rideID string, outcome models.OfferOutcome, acceptedBy string) {
	c.mu.Lock()
	st, ok := c.offers[rideID]
	if !ok || st.offer.Outcome != models.OfferPending {
		c.mu.Unlock()
		return
	}
	st.offer.Outcome = outcome
	st.offer.AcceptedBy = acceptedBy
	if st.timer != nil {
		st.timer.Stop()
	}
	var losers []string
	if c.WithdrawOffers && outcome != models.OfferExpired {
		for _, id := range st.offer.Candidates {
			if id != acceptedBy {
				losers = append(losers, id)
			}
		}
	}
	c.mu.Unlock()

	notice := map[string]string{"ride_id": rideID}
	for _, id := range losers {
		c.deliver(id, models.EventOfferWithdrawn, notice)
	}
}
