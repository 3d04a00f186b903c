// Package twofa provides the two-factor credential lifecycle for securecore.
//
// A subject has at most one credential, moving through
// pending (BeginSetup) → active (ConfirmSetup) → disabled (Disable). The
// shared TOTP secret and the one-time recovery codes are encrypted at rest
// and only decrypted on use; plaintext never escapes this package except for
// the setup secret and the recovery codes returned exactly once at
// confirmation.
//
// # Overview
//
// The twofa package provides:
//   - TOTP setup with otpauth provisioning URIs (pquerna/otp)
//   - Confirmation gating: a credential is unusable until its first valid code
//   - 8 single-use recovery codes, consumed permanently on match
//   - An append-only attempt ledger powering rate-limit queries
//   - Built-in lockout: verification is denied after 5 failures in 15 minutes
//
// # Basic Usage
//
//	import "github.com/polisafe/securecore/pkg/twofa"
//
//	encryption, _ := secrets.NewEncryptionService(encryptionKey)
//	service := twofa.NewTwoFaService(
//		twofa.NewInMemCredentialRepository(),
//		twofa.NewInMemAttemptLedger(),
//		encryption,
//		twofa.NewTotpVerifier(),
//	)
//
//	setup, err := service.BeginSetup(ctx, subj)
//	// render setup.ProvisioningURI as a QR code
//
//	recoveryCodes, err := service.ConfirmSetup(ctx, subj, firstCode, meta)
//	// display recoveryCodes once, they cannot be retrieved again
//
//	err = service.VerifyCode(ctx, subj, code, twofa.CodeTypeTotp, meta)
//
// # Concurrency
//
// Recovery-code consumption runs under an optimistic version check on the
// credential row: two concurrent verifications of the same code end with
// exactly one success and one ErrInvalidRecoveryCode.
//
// # Related Packages
//
//   - pkg/secrets - AES-256-GCM encryption of the stored secret and codes
//   - pkg/authflow - login orchestration invoking verification
package twofa
