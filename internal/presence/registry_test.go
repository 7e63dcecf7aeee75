package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestUpsertConnectionActivatesDriver(t *testing.T) {
	r := NewRegistry()
	r.Enroll("d1", models.RoleDriver)
	if r.Dispatchable("d1") {
		t.Fatal("enrolled driver without connection must not be dispatchable")
	}
	if !r.UpsertConnection("d1", "c1") {
		t.Fatal("upsert failed")
	}
	if !r.Dispatchable("d1") {
		t.Fatal("expected connected driver to be active")
	}
	if c, ok := r.Connection("d1"); !ok || c != "c1" {
		t.Fatalf("expected c1, got %q ok=%v", c, ok)
	}
	// idempotent
	if !r.UpsertConnection("d1", "c1") {
		t.Fatal("second upsert failed")
	}
	if id, ok := r.Owner("c1"); !ok || id != "d1" {
		t.Fatalf("reverse index broken: %q %v", id, ok)
	}
}

func TestUnknownParticipantIsNoop(t *testing.T) {
	r := NewRegistry()
	if r.UpsertConnection("ghost", "c1") {
		t.Fatal("expected not found")
	}
	if r.SetAvailability("ghost", models.Active) {
		t.Fatal("expected not found")
	}
	if r.SetLocation("ghost", models.Coord{Lat: 1, Lon: 1}) {
		t.Fatal("expected not found")
	}
	if _, ok := r.ClearConnection("c1"); ok {
		t.Fatal("expected not found")
	}
	if _, ok := r.Connection("ghost"); ok {
		t.Fatal("expected no connection")
	}
}

func TestClearConnectionByHandle(t *testing.T) {
	r := NewRegistry()
	r.Enroll("d1", models.RoleDriver)
	r.Enroll("u1", models.RoleRider)
	r.UpsertConnection("d1", "c1")
	r.UpsertConnection("u1", "c2")

	id, ok := r.ClearConnection("c1")
	if !ok || id != "d1" {
		t.Fatalf("expected d1 cleared, got %q %v", id, ok)
	}
	p, _ := r.Get("d1")
	if p.Conn != "" || p.Availability != models.Inactive {
		t.Fatalf("driver not reset: %+v", p)
	}
	if r.Dispatchable("d1") {
		t.Fatal("disconnected driver still dispatchable")
	}
	if _, ok := r.Connection("u1"); !ok {
		t.Fatal("rider connection should be untouched")
	}
	// second disconnect of the same handle is a no-op
	if _, ok := r.ClearConnection("c1"); ok {
		t.Fatal("expected no-op")
	}
}

func TestReconnectThenLateDisconnectKeepsNewHandle(t *testing.T) {
	r := NewRegistry()
	r.Enroll("d1", models.RoleDriver)
	r.UpsertConnection("d1", "old")
	r.UpsertConnection("d1", "new")

	if _, ok := r.ClearConnection("old"); ok {
		t.Fatal("stale handle must not resolve")
	}
	if c, ok := r.Connection("d1"); !ok || c != "new" {
		t.Fatalf("expected new handle, got %q", c)
	}
	if !r.Dispatchable("d1") {
		t.Fatal("driver should still be active")
	}
}

func TestHandleReusedByAnotherParticipant(t *testing.T) {
	r := NewRegistry()
	r.Enroll("d1", models.RoleDriver)
	r.Enroll("d2", models.RoleDriver)
	r.UpsertConnection("d1", "c1")
	r.UpsertConnection("d2", "c1")
	if _, ok := r.Connection("d1"); ok {
		t.Fatal("d1 should have lost the handle")
	}
	if id, _ := r.Owner("c1"); id != "d2" {
		t.Fatalf("expected d2 to own c1, got %q", id)
	}
}

func TestSetAvailability(t *testing.T) {
	r := NewRegistry()
	r.Enroll("d1", models.RoleDriver)
	r.Enroll("u1", models.RoleRider)
	if r.SetAvailability("d1", models.Active) {
		t.Fatal("driver without connection cannot go active")
	}
	r.UpsertConnection("d1", "c1")
	if !r.SetAvailability("d1", models.Inactive) {
		t.Fatal("toggle failed")
	}
	if r.Dispatchable("d1") {
		t.Fatal("inactive driver dispatchable")
	}
	if !r.SetAvailability("d1", models.Active) {
		t.Fatal("toggle back failed")
	}
	if r.SetAvailability("u1", models.Active) {
		t.Fatal("riders have no availability")
	}
	if r.SetAvailability("d1", "busy") {
		t.Fatal("invalid status accepted")
	}
}

func TestEnrollKeepsRole(t *testing.T) {
	r := NewRegistry()
	if !r.Enroll("p1", models.RoleRider) {
		t.Fatal("enroll failed")
	}
	if r.Enroll("p1", models.RoleDriver) {
		t.Fatal("role change must be refused")
	}
	if r.Enroll("", models.RoleRider) || r.Enroll("p2", "admin") {
		t.Fatal("invalid enroll accepted")
	}
}

func TestConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	const n = 50
	for i := 0; i < n; i++ {
		r.Enroll(fmt.Sprintf("d%d", i), models.RoleDriver)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("d%d", i)
			for j := 0; j < 20; j++ {
				c := models.ConnID(fmt.Sprintf("%s-%d", id, j))
				r.UpsertConnection(id, c)
				r.SetLocation(id, models.Coord{Lat: float64(j), Lon: 0})
				r.ClearConnection(c)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if r.Dispatchable(fmt.Sprintf("d%d", i)) {
			t.Fatalf("d%d left dangling", i)
		}
	}
	if r.online != 0 {
		t.Fatalf("online counter drifted: %d", r.online)
	}
}
