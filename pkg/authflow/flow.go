package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisafe/securecore/pkg/devicetrust"
	"github.com/polisafe/securecore/pkg/fingerprint"
	"github.com/polisafe/securecore/pkg/settings"
	"github.com/polisafe/securecore/pkg/subject"
	"github.com/polisafe/securecore/pkg/twofa"
)

// Outcome is the decision for a single authentication event
type Outcome string

const (
	// OutcomeAllowed means the login can complete without further challenges
	OutcomeAllowed Outcome = "allowed"
	// OutcomeTwoFactorRequired means a second factor must be verified before completion
	OutcomeTwoFactorRequired Outcome = "two_factor_required"
	// OutcomeBlocked means the device is blocked and the login is denied
	OutcomeBlocked Outcome = "blocked"
)

// RequestSignals are the per-request inputs extracted by the web layer and
// passed in explicitly; the flow never reads ambient request state.
type RequestSignals struct {
	IPAddress string
	UserAgent string
	Location  string
	Extra     string // optional extra fingerprint salt, e.g. a mobile device ID
}

// Result describes the decision for an authentication event
type Result struct {
	Outcome  Outcome
	DeviceID string
	Device   devicetrust.Device
}

// Flow orchestrates a single authentication event across the fingerprint,
// device trust and two-factor components.
type Flow struct {
	devices  *devicetrust.DeviceTrustService
	twoFa    *twofa.TwoFaService
	settings settings.Provider
}

// NewFlow creates a new authentication flow
func NewFlow(devices *devicetrust.DeviceTrustService, twoFa *twofa.TwoFaService, settingsProvider settings.Provider) *Flow {
	if settingsProvider == nil {
		settingsProvider = settings.DefaultProvider{}
	}
	return &Flow{
		devices:  devices,
		twoFa:    twoFa,
		settings: settingsProvider,
	}
}

// ProcessAuthentication evaluates an authentication event after the caller
// has verified the primary credential: the device is fingerprinted and
// registered, blocked devices are rejected, and the result says whether a
// second factor is still required before the login may complete.
func (f *Flow) ProcessAuthentication(ctx context.Context, subj subject.Subject, signals RequestSignals) (Result, error) {
	deviceID := fingerprint.Generate(fingerprint.Data{
		UserAgent: signals.UserAgent,
		IPAddress: signals.IPAddress,
		Extra:     signals.Extra,
	})

	device, err := f.devices.RegisterDevice(ctx, subj, deviceID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to register device: %w", err)
	}

	if device.IsBlocked {
		device, err = f.devices.RecordFailedLogin(ctx, subj, deviceID, signals.IPAddress, "login attempt on blocked device")
		if err != nil {
			return Result{}, err
		}
		slog.Warn("Login denied on blocked device", "subject", subj, "deviceID", deviceID)
		return Result{Outcome: OutcomeBlocked, DeviceID: deviceID, Device: device}, devicetrust.ErrDeviceBlocked
	}

	subjectSettings := f.settings.SettingsFor(subj)
	if subjectSettings.TwoFactorEnabled {
		configured, err := f.twoFa.IsFullyConfigured(ctx, subj)
		if err != nil {
			return Result{}, fmt.Errorf("failed to check 2fa configuration: %w", err)
		}
		if configured && !device.IsCurrentlyTrusted(time.Now().UTC()) {
			slog.Info("Second factor required", "subject", subj, "deviceID", deviceID)
			return Result{Outcome: OutcomeTwoFactorRequired, DeviceID: deviceID, Device: device}, nil
		}
	}

	device, err = f.devices.RecordSuccessfulLogin(ctx, subj, deviceID, signals.IPAddress, signals.Location)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAllowed, DeviceID: deviceID, Device: device}, nil
}

// CompleteTwoFactor verifies a second-factor code for a pending login and
// records the outcome on the device. The device's block state is re-checked
// first: a device blocked while the challenge was pending is denied before any
// code is verified. With rememberDevice set, a successful verification grants
// device trust for the subject's configured duration so the next login skips
// the challenge.
func (f *Flow) CompleteTwoFactor(ctx context.Context, subj subject.Subject, deviceID, code string, codeType twofa.CodeType, signals RequestSignals, rememberDevice bool) (Result, error) {
	current, err := f.devices.GetDevice(ctx, subj, deviceID)
	if err != nil {
		return Result{}, err
	}
	if current.IsBlocked {
		slog.Warn("Second factor denied on blocked device", "subject", subj, "deviceID", deviceID)
		return Result{Outcome: OutcomeBlocked, DeviceID: deviceID, Device: current}, devicetrust.ErrDeviceBlocked
	}

	meta := twofa.RequestMeta{IPAddress: signals.IPAddress, UserAgent: signals.UserAgent}

	if err := f.twoFa.VerifyCode(ctx, subj, code, codeType, meta); err != nil {
		device, recordErr := f.devices.RecordFailedLogin(ctx, subj, deviceID, signals.IPAddress, fmt.Sprintf("second factor failed: %v", err))
		if recordErr != nil {
			return Result{}, recordErr
		}
		if device.IsBlocked {
			return Result{Outcome: OutcomeBlocked, DeviceID: deviceID, Device: device}, err
		}
		return Result{Outcome: OutcomeTwoFactorRequired, DeviceID: deviceID, Device: device}, err
	}

	device, err := f.devices.RecordSuccessfulLogin(ctx, subj, deviceID, signals.IPAddress, signals.Location)
	if err != nil {
		return Result{}, err
	}

	if rememberDevice {
		subjectSettings := f.settings.SettingsFor(subj)
		device, err = f.devices.GrantTrust(ctx, subj, deviceID, subjectSettings.DeviceTrustDurationDays, "Remembered after second factor")
		if err != nil {
			return Result{}, err
		}
	}

	return Result{Outcome: OutcomeAllowed, DeviceID: deviceID, Device: device}, nil
}
