package devicetrust

import (
	"context"
	"time"

	"github.com/polisafe/securecore/pkg/subject"
)

const (
	// IPHistoryCapacity bounds the per-device IP history ring buffer
	IPHistoryCapacity = 100
	// LocationHistoryCapacity bounds the per-device location history ring buffer
	LocationHistoryCapacity = 50

	// InitialTrustScore is assigned when a device is first seen
	InitialTrustScore = 50
)

// Device holds the trust state for a (subject, fingerprint) pair. Devices are
// created on first recognized fingerprint and never hard-deleted; all
// mutations go through DeviceTrustService operations.
type Device struct {
	DeviceID            string          `json:"device_id"` // fingerprint hash, immutable
	Subject             subject.Subject `json:"subject"`
	TrustScore          int             `json:"trust_score"`
	IsTrusted           bool            `json:"is_trusted"`
	TrustedAt           *time.Time      `json:"trusted_at,omitempty"`
	TrustExpiresAt      *time.Time      `json:"trust_expires_at,omitempty"`
	IsBlocked           bool            `json:"is_blocked"`
	BlockedAt           *time.Time      `json:"blocked_at,omitempty"`
	BlockedReason       string          `json:"blocked_reason,omitempty"`
	LoginCount          int             `json:"login_count"`
	FailedLoginAttempts int             `json:"failed_login_attempts"`
	IPHistory           History         `json:"ip_history"`
	LocationHistory     History         `json:"location_history"`
	FirstSeenAt         time.Time       `json:"first_seen_at"` // immutable
	LastSeenAt          time.Time       `json:"last_seen_at"`
	Version             int64           `json:"version"` // optimistic concurrency check
}

// IsCurrentlyTrusted reports whether the device is trusted at the given time.
// Trust expiry is evaluated lazily here, not by a background timer.
func (d *Device) IsCurrentlyTrusted(now time.Time) bool {
	if !d.IsTrusted {
		return false
	}
	if d.TrustExpiresAt != nil && !d.TrustExpiresAt.After(now) {
		return false
	}
	return true
}

// IsHighRisk reports whether the device should be treated as high risk
func (d *Device) IsHighRisk() bool {
	return d.TrustScore < 50 || d.FailedLoginAttempts >= 3
}

// DeviceRepository defines the interface for device trust storage operations.
// Update performs an optimistic version check: it matches the device's current
// Version, increments it, and returns ErrStorageConflict when a concurrent
// writer got there first.
type DeviceRepository interface {
	Create(ctx context.Context, device Device) (Device, error)
	Get(ctx context.Context, subj subject.Subject, deviceID string) (Device, error)
	FindBySubject(ctx context.Context, subj subject.Subject) ([]Device, error)
	Update(ctx context.Context, device Device) (Device, error)
}

// NewDevice initializes a device record for a first-seen fingerprint
func NewDevice(subj subject.Subject, deviceID string, now time.Time) Device {
	return Device{
		DeviceID:        deviceID,
		Subject:         subj,
		TrustScore:      InitialTrustScore,
		IPHistory:       NewHistory(IPHistoryCapacity),
		LocationHistory: NewHistory(LocationHistoryCapacity),
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}
}
