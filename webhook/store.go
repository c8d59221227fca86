package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEndpointNotFound is returned when an endpoint id is unknown.
var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Store persists endpoints and deliveries.
type Store interface {
	// ListEndpoints returns every endpoint that accepts an event of eventType
	// in orgID (enabled, subscribed, same org or unscoped).
	ListEndpoints(ctx context.Context, eventType, orgID string) ([]Endpoint, error)
	// GetEndpoint returns ErrEndpointNotFound when id is unknown or deleted.
	GetEndpoint(ctx context.Context, id string) (Endpoint, error)
	// CreateDeliveries inserts deliveries as given, lease included.
	CreateDeliveries(ctx context.Context, deliveries []Delivery) error
	// ClaimDue leases up to limit pending deliveries whose NextRetryAt is due
	// and whose lease is free, setting LeaseUntil to now+lease.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Delivery, error)
	// SaveAttempt writes the outcome of one attempt and releases the lease.
	SaveAttempt(ctx context.Context, d Delivery) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.Mutex
	endpoints  map[string]Endpoint
	deliveries map[string]Delivery
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[string]Endpoint),
		deliveries: make(map[string]Delivery),
	}
}

// PutEndpoint creates or replaces an endpoint.
func (m *MemoryStore) PutEndpoint(e Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Events = append([]string(nil), e.Events...)
	m.endpoints[e.ID] = e
}

// DeleteEndpoint removes an endpoint. Pending deliveries to it fail on their
// next attempt.
func (m *MemoryStore) DeleteEndpoint(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, id)
}

// Deliveries returns a snapshot ordered by id.
func (m *MemoryStore) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ListEndpoints(_ context.Context, eventType, orgID string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	probe := Event{Type: eventType, OrgID: orgID}
	var out []Endpoint
	for _, e := range m.endpoints {
		if e.Accepts(probe) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetEndpoint(_ context.Context, id string) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	return e, nil
}

func (m *MemoryStore) CreateDeliveries(_ context.Context, deliveries []Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deliveries {
		if _, exists := m.deliveries[d.ID]; exists {
			return errors.New("webhook: duplicate delivery id " + d.ID)
		}
	}
	for _, d := range deliveries {
		m.deliveries[d.ID] = d
	}
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Delivery
	for _, d := range m.deliveries {
		if d.Status != StatusPending || d.NextRetryAt.After(now) || d.LeaseUntil.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].LeaseUntil = now.Add(lease)
		m.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *MemoryStore) SaveAttempt(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return errors.New("webhook: unknown delivery " + d.ID)
	}
	d.LeaseUntil = time.Time{}
	m.deliveries[d.ID] = d
	return nil
}
