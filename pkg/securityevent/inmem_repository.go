package securityevent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemEventRepository implements Repository using an in-memory slice
type InMemEventRepository struct {
	events []Event
	mu     sync.Mutex
}

// NewInMemEventRepository creates a new in-memory security event repository
func NewInMemEventRepository() *InMemEventRepository {
	return &InMemEventRepository{}
}

// Record appends a new event
func (r *InMemEventRepository) Record(ctx context.Context, event Event) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	r.events = append(r.events, event)
	return event, nil
}

// FindByDevice returns all events for a device, oldest first
func (r *InMemEventRepository) FindByDevice(ctx context.Context, deviceID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, e := range r.events {
		if e.DeviceID == deviceID {
			events = append(events, e)
		}
	}
	return events, nil
}

// CountUnresolvedAtOrAbove counts unresolved events at or above the given severity
func (r *InMemEventRepository) CountUnresolvedAtOrAbove(ctx context.Context, deviceID string, threshold Severity) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.events {
		if e.DeviceID == deviceID && !e.Resolved && e.Severity.AtOrAbove(threshold) {
			count++
		}
	}
	return count, nil
}

// Resolve marks an event as resolved
func (r *InMemEventRepository) Resolve(ctx context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.events {
		if r.events[i].ID == eventID {
			r.events[i].Resolved = true
			return nil
		}
	}
	return errors.New("security event not found")
}
