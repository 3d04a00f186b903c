package securityevent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how serious a security event is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank maps severities onto a total order so repositories can answer
// "at or above" queries.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtOrAbove reports whether s is at least as severe as threshold.
func (s Severity) AtOrAbove(threshold Severity) bool {
	return s.rank() >= threshold.rank()
}

// EventType identifies what kind of security-relevant occurrence was recorded
type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailed        EventType = "login_failed"
	EventTrustGranted       EventType = "trust_granted"
	EventTrustRevoked       EventType = "trust_revoked"
	EventDeviceBlocked      EventType = "device_blocked"
	EventDeviceUnblocked    EventType = "device_unblocked"
	EventSuspiciousActivity EventType = "suspicious_activity"
)

// Event is an immutable record of a security-relevant occurrence tied to a
// device. Events are only created by device trust operations and never
// mutated, apart from the resolved marker set by an audit reviewer.
type Event struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    string    `json:"device_id"`
	EventType   EventType `json:"event_type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Resolved    bool      `json:"resolved"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Repository defines the interface for security event storage operations
type Repository interface {
	Record(ctx context.Context, event Event) (Event, error)
	FindByDevice(ctx context.Context, deviceID string) ([]Event, error)
	// CountUnresolvedAtOrAbove counts unresolved events for a device whose
	// severity is at least the given threshold.
	CountUnresolvedAtOrAbove(ctx context.Context, deviceID string, threshold Severity) (int, error)
	Resolve(ctx context.Context, eventID uuid.UUID) error
}
