package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/accessride/internal/models"
)

// MemoryStore is a Store for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	rides       map[string]*models.RideRequest
	events      map[string][]models.RideEvent
	offers      map[string]*models.Offer
	rideOffers  map[string][]string
	assignments map[string]models.RideAssignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]*models.RideRequest),
		events:      make(map[string][]models.RideEvent),
		offers:      make(map[string]*models.Offer),
		rideOffers:  make(map[string][]string),
		assignments: make(map[string]models.RideAssignment),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRideStatus(_ context.Context, id string, from, to models.RideStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) AppendRideEvent(_ context.Context, e models.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.RideID] = append(m.events[e.RideID], e)
	return nil
}

func (m *MemoryStore) RideEvents(_ context.Context, rideID string) ([]models.RideEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RideEvent(nil), m.events[rideID]...), nil
}

func (m *MemoryStore) SaveOffers(_ context.Context, offers []models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if _, ok := m.offers[o.ID]; ok {
			return ErrDuplicate
		}
	}
	for _, o := range offers {
		cp := o
		m.offers[o.ID] = &cp
		m.rideOffers[o.RideID] = append(m.rideOffers[o.RideID], o.ID)
	}
	return nil
}

func (m *MemoryStore) UpdateOfferStatus(_ context.Context, offerID string, from, to models.OfferStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.RespondedAt = &at
	return true, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, rideID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.rideOffers[rideID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.offers[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Batch < out[j].Batch })
	return out, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a models.RideAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.RideID]; ok {
		return ErrAssignmentExists
	}
	m.assignments[a.RideID] = a
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, rideID string) (*models.RideAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) CommittedWindows(_ context.Context, driverID string, from, to time.Time) ([]models.CommittedWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CommittedWindow
	for rideID, a := range m.assignments {
		if a.DriverID != driverID {
			continue
		}
		r, ok := m.rides[rideID]
		if !ok || !r.Status.Active() {
			continue
		}
		out = append(out, committedWindows(r, from, to)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, nil
}
