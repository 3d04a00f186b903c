// Package devicetrust provides the device trust engine for securecore.
//
// The engine owns the trust state of every (subject, device) pair: a 0-100
// trust score, trusted/blocked flags, login counters and bounded IP/location
// histories. Devices move through derived states
//
//	Unknown → New → {Trusted, Untrusted} ⇄ → Blocked
//
// based on the fields, not a stored enum.
//
// # Overview
//
// The devicetrust package provides:
//   - Device registration keyed by (subject, fingerprint)
//   - Login outcome recording with automatic score adjustment
//   - Trust grants with lazy expiry (no background timers)
//   - Automatic blocking after repeated failures or a collapsed trust score
//   - Ring-buffered IP and location histories (100 / 50 entries)
//   - Security event emission for every state change
//
// # Basic Usage
//
//	import "github.com/polisafe/securecore/pkg/devicetrust"
//
//	repo := devicetrust.NewInMemDeviceRepository()
//	events := securityevent.NewInMemEventRepository()
//	service := devicetrust.NewDeviceTrustService(repo, events)
//
//	device, err := service.RegisterDevice(ctx, subj, fingerprintHash)
//
//	// On a successful authentication
//	device, err = service.RecordSuccessfulLogin(ctx, subj, device.DeviceID, clientIP, location)
//
//	// "Remember this device" after a completed 2FA challenge
//	device, err = service.GrantTrust(ctx, subj, device.DeviceID, 30, "")
//
// # Concurrency
//
// Every mutation is a read-modify-write guarded by an optimistic version
// check on the device row. Conflicting writers retry a bounded number of
// times; ErrStorageConflict surfaces once retries are exhausted and is safe
// for callers to retry.
//
// # Related Packages
//
//   - pkg/securityevent - audit records emitted by the engine
//   - pkg/fingerprint - device fingerprint computation
//   - pkg/authflow - authentication orchestration on top of the engine
package devicetrust
