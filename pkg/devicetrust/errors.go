package devicetrust

import "errors"

var (
	// ErrDeviceNotFound is returned when no device exists for a subject and fingerprint
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceExists is returned when attempting to create a device that already exists
	ErrDeviceExists = errors.New("device already exists")

	// ErrDeviceBlocked is returned when an operation is attempted against a blocked device
	ErrDeviceBlocked = errors.New("device is blocked")

	// ErrStorageConflict is returned when a concurrent update won the version check.
	// Callers inside this package retry a bounded number of times before surfacing it.
	ErrStorageConflict = errors.New("storage conflict, concurrent update detected")
)
