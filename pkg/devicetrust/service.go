package devicetrust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisafe/securecore/pkg/securityevent"
	"github.com/polisafe/securecore/pkg/subject"
)

const (
	successScoreBonus  = 2
	failedLoginPenalty = 5
	trustGrantBonus    = 20

	// AutoBlockFailureThreshold is the failed-attempt count that triggers an automatic block
	AutoBlockFailureThreshold = 5
	// AutoBlockScoreThreshold blocks a device when a recalculated score falls below it
	AutoBlockScoreThreshold = 20

	// BlockReasonTooManyFailures is the recorded reason for failure-triggered blocks
	BlockReasonTooManyFailures = "Too many failed login attempts"
	// BlockReasonScoreTooLow is the recorded reason for score-triggered blocks
	BlockReasonScoreTooLow = "Trust score too low"

	maxConflictRetries = 3
)

// DeviceTrustService is the authoritative state machine for a (subject, device)
// pair. Every mutation runs as a transactional read-modify-write guarded by an
// optimistic version check; conflicting writers are retried a bounded number
// of times before ErrStorageConflict surfaces. Each operation executes inside
// a single unit of work, so the device row update and the security events it
// emits commit together.
type DeviceTrustService struct {
	uow UnitOfWork
}

// NewDeviceTrustService creates a new device trust service over fixed
// repositories. For transactional persistence use
// NewDeviceTrustServiceWithUnitOfWork instead.
func NewDeviceTrustService(deviceRepository DeviceRepository, eventRepository securityevent.Repository) *DeviceTrustService {
	return NewDeviceTrustServiceWithUnitOfWork(RepoUnitOfWork{
		Devices: deviceRepository,
		Events:  eventRepository,
	})
}

// NewDeviceTrustServiceWithUnitOfWork creates a device trust service whose
// operations run inside the given unit of work
func NewDeviceTrustServiceWithUnitOfWork(uow UnitOfWork) *DeviceTrustService {
	return &DeviceTrustService{uow: uow}
}

// RegisterDevice returns the device for a recognized fingerprint, creating it
// on first sight. Existing devices get their last-seen timestamp refreshed.
func (s *DeviceTrustService) RegisterDevice(ctx context.Context, subj subject.Subject, deviceID string) (Device, error) {
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		_, err := r.Devices.Get(ctx, subj, deviceID)
		if err == nil {
			device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
				d.LastSeenAt = time.Now().UTC()
				return nil
			})
			return err
		}
		if !errors.Is(err, ErrDeviceNotFound) {
			return fmt.Errorf("failed to look up device: %w", err)
		}

		slog.Info("Device not seen before, creating", "subject", subj, "deviceID", deviceID)
		created, err := r.Devices.Create(ctx, NewDevice(subj, deviceID, time.Now().UTC()))
		if err != nil {
			if errors.Is(err, ErrDeviceExists) {
				// Lost a create race, the winner's row is authoritative
				device, err = r.Devices.Get(ctx, subj, deviceID)
				return err
			}
			return fmt.Errorf("failed to create device: %w", err)
		}
		device = created
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// RecordSuccessfulLogin records a successful authentication on the device:
// the login counter goes up, failed attempts reset, the trust score gains a
// small bonus and the IP/location histories are appended.
func (s *DeviceTrustService) RecordSuccessfulLogin(ctx context.Context, subj subject.Subject, deviceID, ip, location string) (Device, error) {
	now := time.Now().UTC()
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			d.LoginCount++
			d.FailedLoginAttempts = 0
			d.TrustScore = clampScore(d.TrustScore + successScoreBonus)
			d.LastSeenAt = now
			d.IPHistory.AppendDedup(ip, now)
			if location != "" {
				d.LocationHistory.AppendDedup(location, now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return recordEvent(ctx, r.Events, deviceID, securityevent.EventLoginSuccess, securityevent.SeverityLow,
			fmt.Sprintf("Successful login from %s", ip))
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// RecordFailedLogin records a failed authentication on the device. Crossing
// the failure threshold blocks the device automatically.
func (s *DeviceTrustService) RecordFailedLogin(ctx context.Context, subj subject.Subject, deviceID, ip, reason string) (Device, error) {
	now := time.Now().UTC()
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		blockedNow := false
		var err error
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			blockedNow = false
			d.FailedLoginAttempts++
			d.TrustScore = clampScore(d.TrustScore - failedLoginPenalty)
			d.IPHistory.AppendDedup(ip, now)
			if d.FailedLoginAttempts >= AutoBlockFailureThreshold && !d.IsBlocked {
				applyBlock(d, BlockReasonTooManyFailures, now)
				blockedNow = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := recordEvent(ctx, r.Events, deviceID, securityevent.EventLoginFailed, securityevent.SeverityMedium,
			fmt.Sprintf("Failed login from %s: %s", ip, reason)); err != nil {
			return err
		}
		if blockedNow {
			slog.Warn("Device auto-blocked after repeated failures", "subject", subj, "deviceID", deviceID, "failedAttempts", device.FailedLoginAttempts)
			return recordEvent(ctx, r.Events, deviceID, securityevent.EventDeviceBlocked, securityevent.SeverityHigh,
				BlockReasonTooManyFailures)
		}
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// GrantTrust marks the device as trusted for the given number of days. A
// blocked device cannot be trusted; unblock it first.
func (s *DeviceTrustService) GrantTrust(ctx context.Context, subj subject.Subject, deviceID string, durationDays int, reason string) (Device, error) {
	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 0, durationDays)
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			if d.IsBlocked {
				return ErrDeviceBlocked
			}
			d.IsTrusted = true
			d.TrustedAt = &now
			d.TrustExpiresAt = &expiresAt
			d.TrustScore = clampScore(d.TrustScore + trustGrantBonus)
			return nil
		})
		if err != nil {
			return err
		}

		description := reason
		if description == "" {
			description = fmt.Sprintf("Trust granted for %d days", durationDays)
		}
		return recordEvent(ctx, r.Events, deviceID, securityevent.EventTrustGranted, securityevent.SeverityMedium, description)
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// RevokeTrust clears the trust grant. The blocked state is left untouched.
func (s *DeviceTrustService) RevokeTrust(ctx context.Context, subj subject.Subject, deviceID string, reason string) (Device, error) {
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			d.IsTrusted = false
			d.TrustedAt = nil
			d.TrustExpiresAt = nil
			return nil
		})
		if err != nil {
			return err
		}

		description := reason
		if description == "" {
			description = "Trust revoked"
		}
		return recordEvent(ctx, r.Events, deviceID, securityevent.EventTrustRevoked, securityevent.SeverityMedium, description)
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// BlockDevice blocks the device and revokes trust. Blocking an already
// blocked device is a no-op.
func (s *DeviceTrustService) BlockDevice(ctx context.Context, subj subject.Subject, deviceID, reason string) (Device, error) {
	now := time.Now().UTC()
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		alreadyBlocked := false
		var err error
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			if d.IsBlocked {
				alreadyBlocked = true
				return nil
			}
			alreadyBlocked = false
			applyBlock(d, reason, now)
			return nil
		})
		if err != nil {
			return err
		}
		if alreadyBlocked {
			return nil
		}
		return recordEvent(ctx, r.Events, deviceID, securityevent.EventDeviceBlocked, securityevent.SeverityHigh, reason)
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// UnblockDevice clears the block fields
func (s *DeviceTrustService) UnblockDevice(ctx context.Context, subj subject.Subject, deviceID, reason string) (Device, error) {
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			d.IsBlocked = false
			d.BlockedAt = nil
			d.BlockedReason = ""
			return nil
		})
		if err != nil {
			return err
		}

		description := reason
		if description == "" {
			description = "Device unblocked"
		}
		return recordEvent(ctx, r.Events, deviceID, securityevent.EventDeviceUnblocked, securityevent.SeverityMedium, description)
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// CalculateTrustScore computes the trust score for the given device state
// without mutating anything. unresolvedCritical is the number of unresolved
// critical security events recorded against the device.
func CalculateTrustScore(d Device, unresolvedCritical int, now time.Time) int {
	score := 50

	// 2 points per week of age, capped
	ageDays := int(now.Sub(d.FirstSeenAt).Hours() / 24)
	score += min(20, 2*(ageDays/7))

	score += min(15, d.LoginCount)

	score -= 3 * d.FailedLoginAttempts

	if d.IsTrusted {
		score += 10
	}

	if now.Sub(d.LastSeenAt) <= 7*24*time.Hour {
		score += 5
	}

	score -= 10 * unresolvedCritical

	return clampScore(score)
}

// RecalculateTrustScore recomputes and applies the device's trust score from
// its full state. A device whose recalculated score falls below the threshold
// is blocked automatically.
func (s *DeviceTrustService) RecalculateTrustScore(ctx context.Context, subj subject.Subject, deviceID string) (Device, error) {
	now := time.Now().UTC()
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		unresolvedCritical, err := r.Events.CountUnresolvedAtOrAbove(ctx, deviceID, securityevent.SeverityCritical)
		if err != nil {
			return fmt.Errorf("failed to count unresolved critical events: %w", err)
		}

		blockedNow := false
		device, err = mutateDevice(ctx, r.Devices, subj, deviceID, func(d *Device) error {
			blockedNow = false
			d.TrustScore = CalculateTrustScore(*d, unresolvedCritical, now)
			if d.TrustScore < AutoBlockScoreThreshold && !d.IsBlocked {
				applyBlock(d, BlockReasonScoreTooLow, now)
				blockedNow = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		if blockedNow {
			slog.Warn("Device auto-blocked on low trust score", "subject", subj, "deviceID", deviceID, "trustScore", device.TrustScore)
			return recordEvent(ctx, r.Events, deviceID, securityevent.EventDeviceBlocked, securityevent.SeverityHigh,
				BlockReasonScoreTooLow)
		}
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// GetDevice returns the device for a subject and fingerprint
func (s *DeviceTrustService) GetDevice(ctx context.Context, subj subject.Subject, deviceID string) (Device, error) {
	var device Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		device, err = r.Devices.Get(ctx, subj, deviceID)
		return err
	})
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

// FindDevicesBySubject returns all devices owned by a subject
func (s *DeviceTrustService) FindDevicesBySubject(ctx context.Context, subj subject.Subject) ([]Device, error) {
	var devices []Device
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		devices, err = r.Devices.FindBySubject(ctx, subj)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find devices for subject: %w", err)
	}
	return devices, nil
}

// IsTrusted reports whether the device is currently trusted. Expired trust
// grants count as untrusted without requiring an explicit revoke.
func (s *DeviceTrustService) IsTrusted(ctx context.Context, subj subject.Subject, deviceID string) (bool, error) {
	device, err := s.GetDevice(ctx, subj, deviceID)
	if err != nil {
		return false, err
	}
	return device.IsCurrentlyTrusted(time.Now().UTC()), nil
}

// IsBlocked reports whether the device is blocked
func (s *DeviceTrustService) IsBlocked(ctx context.Context, subj subject.Subject, deviceID string) (bool, error) {
	device, err := s.GetDevice(ctx, subj, deviceID)
	if err != nil {
		return false, err
	}
	return device.IsBlocked, nil
}

// IsSuspicious reports whether the device warrants extra scrutiny: repeated
// failures, a low trust score, or an unresolved high/critical security event.
func (s *DeviceTrustService) IsSuspicious(ctx context.Context, subj subject.Subject, deviceID string) (bool, error) {
	suspicious := false
	err := s.uow.Do(ctx, func(ctx context.Context, r Repositories) error {
		device, err := r.Devices.Get(ctx, subj, deviceID)
		if err != nil {
			return err
		}
		if device.FailedLoginAttempts >= 3 || device.TrustScore < 30 {
			suspicious = true
			return nil
		}

		unresolved, err := r.Events.CountUnresolvedAtOrAbove(ctx, deviceID, securityevent.SeverityHigh)
		if err != nil {
			return fmt.Errorf("failed to count unresolved events: %w", err)
		}
		suspicious = unresolved > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return suspicious, nil
}

// mutateDevice runs a read-modify-write cycle against the device row,
// retrying on optimistic concurrency conflicts.
func mutateDevice(ctx context.Context, repo DeviceRepository, subj subject.Subject, deviceID string, apply func(*Device) error) (Device, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		device, err := repo.Get(ctx, subj, deviceID)
		if err != nil {
			return Device{}, err
		}

		if err := apply(&device); err != nil {
			return Device{}, err
		}

		updated, err := repo.Update(ctx, device)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrStorageConflict) {
			return Device{}, fmt.Errorf("failed to update device: %w", err)
		}
		slog.Debug("Device update conflict, retrying", "subject", subj, "deviceID", deviceID, "attempt", attempt+1)
	}
	return Device{}, ErrStorageConflict
}

func recordEvent(ctx context.Context, repo securityevent.Repository, deviceID string, eventType securityevent.EventType, severity securityevent.Severity, description string) error {
	_, err := repo.Record(ctx, securityevent.Event{
		DeviceID:    deviceID,
		EventType:   eventType,
		Severity:    severity,
		Description: description,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func applyBlock(d *Device, reason string, now time.Time) {
	d.IsBlocked = true
	d.IsTrusted = false
	d.TrustedAt = nil
	d.TrustExpiresAt = nil
	d.BlockedAt = &now
	d.BlockedReason = reason
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
