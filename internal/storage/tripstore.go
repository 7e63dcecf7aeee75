package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("ride not found")

// DefaultListLimit applies when a ListQuery carries no positive Limit.
const DefaultListLimit = 10

// ListQuery filters a driver's ride history. Empty Statuses means all.
type ListQuery struct {
	Statuses []models.RideStatus
	Limit    int
	Offset   int
}

func (q ListQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}

// TripStore defines persistence operations for rides.
//
// UpdateRide is the only way to change a stored ride: fn runs while the ride
// is exclusively locked, and its changes are written only if it returns nil.
// The ride as it stands afterwards is returned in both cases.
type TripStore interface {
	SaveRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	UpdateRide(ctx context.Context, id string, fn func(r *models.Ride) error) (models.Ride, error)
	ListDriverRides(ctx context.Context, driverID string, q ListQuery) ([]models.Ride, int, error)
	Close() error
}

// MemoryStore keeps rides in process. A single mutex serializes UpdateRide.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = copyRide(&r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return *copyRide(r), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, id string, fn func(r *models.Ride) error) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	next := copyRide(cur)
	if err := fn(next); err != nil {
		return *copyRide(cur), err
	}
	m.rides[id] = next
	return *copyRide(next), nil
}

// ListDriverRides returns one page of the driver's rides, newest first, and
// the number of rides matching q before paging.
func (m *MemoryStore) ListDriverRides(_ context.Context, driverID string, q ListQuery) ([]models.Ride, int, error) {
	m.mu.Lock()
	var all []models.Ride
	for _, r := range m.rides {
		if r.DriverID != driverID || !statusIn(r.Status, q.Statuses) {
			continue
		}
		all = append(all, *copyRide(r))
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if q.Offset >= total {
		return []models.Ride{}, total, nil
	}
	all = all[q.Offset:]
	if n := q.limit(); n < len(all) {
		all = all[:n]
	}
	return all, total, nil
}

func (m *MemoryStore) Close() error { return nil }

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func copyRide(r *models.Ride) *models.Ride {
	cp := *r
	if r.PickupCoord != nil {
		c := *r.PickupCoord
		cp.PickupCoord = &c
	}
	return &cp
}
