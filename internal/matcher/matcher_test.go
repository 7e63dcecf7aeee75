package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type flatFares struct{}

func (flatFares) Quote(context.Context, string, string) (models.FareQuote, error) {
	return models.FareQuote{models.VehicleAuto: 40, models.VehicleCar: 80, models.VehicleMoto: 25}, nil
}

type fixedCode string

func (f fixedCode) NewCode() (string, error) { return string(f), nil }

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type harness struct {
	c        *Coordinator
	reg      *presence.Registry
	idx      *geo.Index
	hub      *dispatch.Hub
	sessions map[string]*dispatch.Session
}

func newHarness() *harness {
	reg := presence.NewRegistry()
	idx := geo.NewIndex(reg)
	hub := dispatch.NewHub(8, nil)
	rides := ride.NewService(storage.NewMemoryStore(), flatFares{})
	rides.Codes = fixedCode("424242")
	return &harness{
		c: &Coordinator{
			Rides:    rides,
			Geocoder: maps.LiteralGeocoder{},
			Geo:      idx,
			Presence: reg,
			Notify:   hub,
		},
		reg:      reg,
		idx:      idx,
		hub:      hub,
		sessions: make(map[string]*dispatch.Session),
	}
}

func (h *harness) connect(t *testing.T, id string, role models.Role) {
	t.Helper()
	conn := models.ConnID("conn-" + id)
	h.reg.Enroll(id, role)
	h.sessions[id] = h.hub.Open(conn)
	if !h.reg.UpsertConnection(id, conn) {
		t.Fatalf("connect %s failed", id)
	}
}

func (h *harness) driver(t *testing.T, id string, lat, lng float64) {
	t.Helper()
	h.connect(t, id, models.RoleDriver)
	c := models.Coord{Lat: lat, Lon: lng}
	h.reg.SetLocation(id, c)
	if err := h.idx.Upsert(context.Background(), id, c); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) frames(id string) []frame {
	var out []frame
	s := h.sessions[id]
	for {
		select {
		case b := <-s.Outbox():
			var f frame
			if err := json.Unmarshal(b, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func (h *harness) newRide(t *testing.T) models.Ride {
	t.Helper()
	r, err := h.c.Rides.Create(context.Background(), "rider", "30.0,76.0", "30.2,76.2", models.VehicleCar)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func events(fs []frame) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Event
	}
	return out
}

func TestDispatchOffersOnlyDriversInRadius(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "near", 30.01, 76.0)
	h.driver(t, "far", 30.05, 76.0)
	r := h.newRide(t)

	res, err := h.c.Dispatch(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Offered || len(res.Candidates) != 1 || res.Candidates[0] != "near" || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := h.frames("near")
	if len(got) != 1 || got[0].Event != models.EventNewRide {
		t.Fatalf("near driver frames: %v", events(got))
	}
	var offered models.Ride
	if err := json.Unmarshal(got[0].Data, &offered); err != nil {
		t.Fatal(err)
	}
	if offered.ID != r.ID || offered.OTP != "" || offered.PickupCoord == nil {
		t.Fatalf("unexpected offer payload %+v", offered)
	}
	if fs := h.frames("far"); len(fs) != 0 {
		t.Fatalf("far driver must not be offered, got %v", events(fs))
	}
	o, ok := h.c.Offer(r.ID)
	if !ok || o.Outcome != models.OfferPending {
		t.Fatalf("unexpected offer %+v", o)
	}
}

func TestDispatchUnmatched(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "far", 30.05, 76.0)
	r := h.newRide(t)

	res, err := h.c.Dispatch(context.Background(), r)
	if err != nil {
		t.Fatalf("unmatched must not be an error: %v", err)
	}
	if res.Outcome != Unmatched || len(res.Candidates) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	stored, _ := h.c.Rides.Get(context.Background(), r.ID)
	if stored.Status != models.StatusRequested {
		t.Fatalf("ride moved to %s", stored.Status)
	}
	if fs := h.frames("rider"); len(fs) != 1 || fs[0].Event != models.EventNoDrivers {
		t.Fatalf("rider frames: %v", events(fs))
	}
}

func TestDisconnectedDriverExcluded(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "near", 30.01, 76.0)
	h.reg.ClearConnection("conn-near")
	res, err := h.c.Dispatch(context.Background(), h.newRide(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Unmatched {
		t.Fatalf("expected unmatched, got %+v", res)
	}
}

func TestRadiusSteps(t *testing.T) {
	h := newHarness()
	h.c.RadiiKm = []float64{2, 10}
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "far", 30.05, 76.0)
	res, err := h.c.Dispatch(context.Background(), h.newRide(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Offered || res.RadiusKm != 10 || res.Candidates[0] != "far" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFanOutContinuesPastFailure(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	h.driver(t, "b", 30.002, 76.0)
	h.driver(t, "c", 30.003, 76.0)
	h.sessions["b"].Close()

	res, err := h.c.Dispatch(context.Background(), h.newRide(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 3 || res.Delivered != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.frames("a")) != 1 || len(h.frames("c")) != 1 {
		t.Fatal("healthy drivers missed the offer")
	}
	if h.reg.Dispatchable("b") {
		t.Fatal("driver with a dead session must be cleared")
	}
}

func TestSlowDriverDroppedFromHubAndRegistry(t *testing.T) {
	h := newHarness()
	h.hub = dispatch.NewHub(1, nil)
	h.c.Notify = h.hub
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "d", 30.001, 76.0)
	ctx := context.Background()

	if res, _ := h.c.Dispatch(ctx, h.newRide(t)); res.Delivered != 1 {
		t.Fatalf("first offer not delivered: %+v", res)
	}
	if res, _ := h.c.Dispatch(ctx, h.newRide(t)); res.Delivered != 0 {
		t.Fatalf("second offer should overflow: %+v", res)
	}
	select {
	case <-h.sessions["d"].Done():
	default:
		t.Fatal("driver session left open after overflow")
	}
	if _, ok := h.reg.Connection("d"); ok {
		t.Fatal("registry still holds the dropped connection")
	}
	if h.hub.Len() != 1 {
		t.Fatalf("expected only the rider session, got %d", h.hub.Len())
	}
}

// acceptingSender accepts on behalf of a driver as soon as the first offer
// goes out.
type acceptingSender struct {
	dispatch.Sender
	once   sync.Once
	accept func()
}

func (s *acceptingSender) Send(conn models.ConnID, event string, payload any) dispatch.Result {
	res := s.Sender.Send(conn, event, payload)
	if event == models.EventNewRide {
		s.once.Do(s.accept)
	}
	return res
}

func TestAcceptDuringFanOut(t *testing.T) {
	h := newHarness()
	h.c.WithdrawOffers = true
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	h.driver(t, "b", 30.002, 76.0)
	h.driver(t, "c", 30.003, 76.0)
	ctx := context.Background()
	r := h.newRide(t)
	h.c.Notify = &acceptingSender{Sender: h.hub, accept: func() {
		if _, err := h.c.Accept(ctx, r.ID, "a"); err != nil {
			t.Errorf("accept: %v", err)
		}
	}}

	res, err := h.c.Dispatch(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 3 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	o, ok := h.c.Offer(r.ID)
	if !ok || o.Outcome != models.OfferAccepted || o.AcceptedBy != "a" {
		t.Fatalf("unexpected offer %+v", o)
	}
	for _, id := range []string{"b", "c"} {
		got := events(h.frames(id))
		if len(got) != 1 || got[0] != models.EventOfferWithdrawn {
			t.Fatalf("%s frames: %v", id, got)
		}
	}
}

func TestOfferSettledWhenRideTakenOutsideCoordinator(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	ctx := context.Background()
	r := h.newRide(t)
	h.c.Notify = &acceptingSender{Sender: h.hub, accept: func() {
		if _, _, err := h.c.Rides.Accept(ctx, r.ID, "a"); err != nil {
			t.Errorf("accept: %v", err)
		}
	}}

	if _, err := h.c.Dispatch(ctx, r); err != nil {
		t.Fatal(err)
	}
	o, _ := h.c.Offer(r.ID)
	if o.Outcome != models.OfferAccepted || o.AcceptedBy != "a" {
		t.Fatalf("offer left %s for an accepted ride", o.Outcome)
	}
}

func TestAcceptNotifiesRider(t *testing.T) {
	h := newHarness()
	h.c.WithdrawOffers = true
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	h.driver(t, "b", 30.002, 76.0)
	ctx := context.Background()
	r := h.newRide(t)
	if _, err := h.c.Dispatch(ctx, r); err != nil {
		t.Fatal(err)
	}
	h.frames("a")
	h.frames("b")

	got, err := h.c.Accept(ctx, r.ID, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "a" || got.OTP != "" {
		t.Fatalf("unexpected ride %+v", got)
	}
	fs := h.frames("rider")
	if len(fs) != 1 || fs[0].Event != models.EventRideConfirmed {
		t.Fatalf("rider frames: %v", events(fs))
	}
	var confirmed models.Ride
	json.Unmarshal(fs[0].Data, &confirmed)
	if confirmed.OTP != "424242" {
		t.Fatal("rider must receive the verification code")
	}
	if fs := h.frames("b"); len(fs) != 1 || fs[0].Event != models.EventOfferWithdrawn {
		t.Fatalf("loser frames: %v", events(fs))
	}
	if fs := h.frames("a"); len(fs) != 0 {
		t.Fatalf("winner frames: %v", events(fs))
	}
	if _, err := h.c.Accept(ctx, r.ID, "b"); !errors.Is(err, ride.ErrAlreadyTaken) {
		t.Fatalf("expected already taken, got %v", err)
	}
	o, _ := h.c.Offer(r.ID)
	if o.Outcome != models.OfferAccepted || o.AcceptedBy != "a" {
		t.Fatalf("unexpected offer %+v", o)
	}
}

func TestNoWithdrawalByDefault(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	h.driver(t, "b", 30.002, 76.0)
	ctx := context.Background()
	r := h.newRide(t)
	h.c.Dispatch(ctx, r)
	h.frames("b")
	if _, err := h.c.Accept(ctx, r.ID, "a"); err != nil {
		t.Fatal(err)
	}
	if fs := h.frames("b"); len(fs) != 0 {
		t.Fatalf("unexpected notice: %v", events(fs))
	}
}

func TestConcurrentAcceptThroughCoordinator(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	h.driver(t, "b", 30.002, 76.0)
	ctx := context.Background()
	r := h.newRide(t)
	h.c.Dispatch(ctx, r)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.c.Accept(ctx, r.ID, id)
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ride.ErrAlreadyTaken):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	if fs := h.frames("rider"); len(fs) != 1 {
		t.Fatalf("rider should be told once, got %v", events(fs))
	}
}

func TestStartAndEndNotifyRider(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	ctx := context.Background()
	r := h.newRide(t)
	h.c.Dispatch(ctx, r)
	h.c.Accept(ctx, r.ID, "a")
	h.frames("rider")

	if _, err := h.c.Start(ctx, r.ID, "000000", "a"); !errors.Is(err, ride.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := h.c.Start(ctx, r.ID, "424242", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.End(ctx, r.ID, "a"); err != nil {
		t.Fatal(err)
	}
	got := events(h.frames("rider"))
	if len(got) != 2 || got[0] != models.EventRideStarted || got[1] != models.EventRideEnded {
		t.Fatalf("rider frames: %v", got)
	}
}

func TestCancelAndRedispatch(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	ctx := context.Background()
	r := h.newRide(t)

	res, err := h.c.Dispatch(ctx, r)
	if err != nil || res.Outcome != Unmatched {
		t.Fatalf("expected unmatched, got %+v %v", res, err)
	}
	h.driver(t, "a", 30.001, 76.0)
	if _, err := h.c.Redispatch(ctx, r.ID, "someone-else"); !errors.Is(err, ride.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	res, err = h.c.Redispatch(ctx, r.ID, "rider")
	if err != nil || res.Outcome != Offered {
		t.Fatalf("expected offer on redispatch, got %+v %v", res, err)
	}

	if _, err := h.c.Cancel(ctx, r.ID, "rider"); err != nil {
		t.Fatal(err)
	}
	if o, _ := h.c.Offer(r.ID); o.Outcome != models.OfferWithdrawn {
		t.Fatalf("unexpected offer outcome %s", o.Outcome)
	}
	if _, err := h.c.Redispatch(ctx, r.ID, "rider"); !errors.Is(err, ride.ErrRejected) {
		t.Fatalf("cancelled ride must not be redispatched, got %v", err)
	}
	if _, err := h.c.Dispatch(ctx, r); !errors.Is(err, ErrNotRequested) {
		t.Fatalf("expected not requested, got %v", err)
	}
}

func TestOfferExpiry(t *testing.T) {
	h := newHarness()
	h.c.OfferTTL = 10 * time.Millisecond
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	r := h.newRide(t)
	h.c.Dispatch(context.Background(), r)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if o, _ := h.c.Offer(r.ID); o.Outcome == models.OfferExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("offer never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stored, _ := h.c.Rides.Get(context.Background(), r.ID)
	if stored.Status != models.StatusRequested {
		t.Fatalf("expiry must not touch the ride, got %s", stored.Status)
	}
	// a late accept still wins
	if _, err := h.c.Accept(context.Background(), r.ID, "a"); err != nil {
		t.Fatal(err)
	}
}

func TestCreateDispatchesInBackground(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	r, err := h.c.Create(context.Background(), "rider", "30.0,76.0", "30.2,76.2", models.VehicleMoto)
	if err != nil {
		t.Fatal(err)
	}
	if r.OTP != "" || r.Status != models.StatusRequested {
		t.Fatalf("unexpected ride %+v", r)
	}
	h.c.Wait()
	if fs := h.frames("a"); len(fs) != 1 || fs[0].Event != models.EventNewRide {
		t.Fatalf("driver frames: %v", events(fs))
	}
}

func TestDispatchUnresolvablePickup(t *testing.T) {
	h := newHarness()
	r, err := h.c.Rides.Create(context.Background(), "rider", "somewhere vague", "30.2,76.2", models.VehicleCar)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Dispatch(context.Background(), r); !errors.Is(err, maps.ErrNoResult) {
		t.Fatalf("expected geocode failure, got %v", err)
	}
}

func TestRelayStatus(t *testing.T) {
	h := newHarness()
	h.connect(t, "rider", models.RoleRider)
	h.driver(t, "a", 30.001, 76.0)
	ctx := context.Background()
	r := h.newRide(t)

	if err := h.c.RelayStatus(ctx, r.ID, "a", "arriving"); !errors.Is(err, ride.ErrRejected) {
		t.Fatalf("unassigned ride must be rejected, got %v", err)
	}
	h.c.Accept(ctx, r.ID, "a")
	h.frames("rider")
	if err := h.c.RelayStatus(ctx, r.ID, "b", "arriving"); !errors.Is(err, ride.ErrRejected) {
		t.Fatalf("other driver must be rejected, got %v", err)
	}
	if err := h.c.RelayStatus(ctx, "nope", "a", "arriving"); !errors.Is(err, ride.ErrRejected) {
		t.Fatalf("unknown ride must be rejected, got %v", err)
	}
	if err := h.c.RelayStatus(ctx, r.ID, "a", ""); !errors.Is(err, ride.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if err := h.c.RelayStatus(ctx, r.ID, "a", "arriving"); err != nil {
		t.Fatal(err)
	}
	fs := h.frames("rider")
	if len(fs) != 1 || fs[0].Event != models.EventStatusChanged {
		t.Fatalf("rider frames: %v", events(fs))
	}
}
