package twofa

import "errors"

var (
	// ErrInvalidTotpCode is returned when a TOTP code does not verify against the secret
	ErrInvalidTotpCode = errors.New("invalid totp code")

	// ErrInvalidRecoveryCode is returned when a recovery code does not match any
	// stored code, including codes that were already consumed
	ErrInvalidRecoveryCode = errors.New("invalid recovery code")

	// ErrAlreadyConfigured is returned when setup is attempted while an active credential exists
	ErrAlreadyConfigured = errors.New("two-factor authentication already configured")

	// ErrNotConfigured is returned when no usable credential exists for the subject
	ErrNotConfigured = errors.New("two-factor authentication not configured")

	// ErrTooManyRecentAttempts is returned when verification is denied by the rate limit
	ErrTooManyRecentAttempts = errors.New("too many recent verification attempts, please try again later")

	// ErrStorageConflict is returned when a concurrent update won the version check
	ErrStorageConflict = errors.New("storage conflict, concurrent update detected")

	// ErrUnknownCodeType is returned when an unrecognized code type is requested
	ErrUnknownCodeType = errors.New("unknown two-factor code type")
)
