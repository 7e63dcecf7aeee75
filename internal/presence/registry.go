// Package presence tracks which participant holds which live connection.
package presence

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Registry maps participant ids to their live connection, availability and
// last known location. byConn is the reverse index used on disconnect, where
// only the handle is known. It never owns a record.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*models.Participant
	byConn map[models.ConnID]string
	online int
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*models.Participant),
		byConn: make(map[models.ConnID]string),
		now:    time.Now,
	}
}

// Enroll makes a participant known to the registry. Calling it again for an
// existing id is a no-op; the role of an enrolled participant never changes.
func (r *Registry) Enroll(id string, role models.Role) bool {
	if id == "" || !role.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[id]; ok {
		return p.Role == role
	}
	p := &models.Participant{ID: id, Role: role, UpdatedAt: r.now()}
	if role == models.RoleDriver {
		p.Availability = models.Inactive
	}
	r.byID[id] = p
	return true
}

// UpsertConnection binds conn to the participant. Any previous handle of the
// participant, and any other participant previously bound to conn, lose the
// binding. Drivers become active.
func (r *Registry) UpsertConnection(id string, conn models.ConnID) bool {
	if conn == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	if other, ok := r.byConn[conn]; ok && other != id {
		if op := r.byID[other]; op != nil {
			r.track(op, func() { r.detach(op) })
		}
	}
	r.track(p, func() {
		if p.Conn != "" && p.Conn != conn {
			delete(r.byConn, p.Conn)
		}
		p.Conn = conn
		r.byConn[conn] = id
		if p.Role == models.RoleDriver {
			p.Availability = models.Active
		}
		p.UpdatedAt = r.now()
	})
	return true
}

// ClearConnection drops whichever participant currently holds conn. Drivers are
// forced inactive. A handle that was already superseded by a reconnect is not
// found, so a late disconnect never clears the newer binding.
func (r *Registry) ClearConnection(conn models.ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	p := r.byID[id]
	if p == nil {
		delete(r.byConn, conn)
		return "", false
	}
	r.track(p, func() { r.detach(p) })
	return id, true
}

func (r *Registry) detach(p *models.Participant) {
	delete(r.byConn, p.Conn)
	p.Conn = ""
	if p.Role == models.RoleDriver {
		p.Availability = models.Inactive
	}
	p.UpdatedAt = r.now()
}

// Connection returns the handle currently bound to id.
func (r *Registry) Connection(id string) (models.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok || p.Conn == "" {
		return "", false
	}
	return p.Conn, true
}

// SetAvailability only applies to drivers. A driver without a connection may
// be marked inactive but not active.
func (r *Registry) SetAvailability(id string, status models.Availability) bool {
	if !status.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok || p.Role != models.RoleDriver {
		return false
	}
	if status == models.Active && p.Conn == "" {
		return false
	}
	r.track(p, func() {
		p.Availability = status
		p.UpdatedAt = r.now()
	})
	return true
}

// SetLocation records the last reported position. Last writer wins.
func (r *Registry) SetLocation(id string, c models.Coord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	loc := c
	p.Location = &loc
	p.UpdatedAt = r.now()
	return true
}

// Dispatchable reports whether a driver may receive offers right now.
func (r *Registry) Dispatchable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return ok && dispatchable(p)
}

// Get returns a copy of the participant record.
func (r *Registry) Get(id string) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return models.Participant{}, false
	}
	cp := *p
	if p.Location != nil {
		loc := *p.Location
		cp.Location = &loc
	}
	return cp, true
}

// Owner returns the participant bound to conn.
func (r *Registry) Owner(conn models.ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn]
	return id, ok
}

// Reset drops every binding. Called on shutdown once all connections are gone.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.Conn != "" {
			r.track(p, func() { r.detach(p) })
		}
	}
}

func dispatchable(p *models.Participant) bool {
	return p.Role == models.RoleDriver && p.Availability == models.Active && p.Conn != ""
}

// track wraps a mutation of p so the online driver count stays exact.
// Caller holds r.mu.
func (r *Registry) track(p *models.Participant, fn func()) {
	before := dispatchable(p)
	fn()
	switch after := dispatchable(p); {
	case after && !before:
		r.online++
	case before && !after:
		r.online--
	}
	observability.DriversOnline.Set(float64(r.online))
	observability.ConnectedParticipants.Set(float64(len(r.byConn)))
}
