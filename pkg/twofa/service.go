package twofa

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polisafe/securecore/pkg/secrets"
	"github.com/polisafe/securecore/pkg/subject"
)

const (
	// RecoveryCodeCount is the number of one-time recovery codes issued at confirmation
	RecoveryCodeCount = 8

	recoveryCodeBytes = 4 // 4 random bytes, hex-encoded and upper-cased

	maxRecentFailures  = 5
	failureWindow      = 15 * time.Minute
	maxConflictRetries = 3
)

// RequestMeta carries the request signals recorded with every attempt. The
// web layer passes these explicitly; the service never reads ambient request
// state.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// SetupResult is returned from BeginSetup. The secret is exposed in plaintext
// exactly once here so the caller can render a QR code.
type SetupResult struct {
	Secret          string
	ProvisioningURI string
}

// TwoFaService manages the encrypted shared secret and one-time recovery
// codes, and enforces the setup → confirm → active → disable lifecycle.
type TwoFaService struct {
	credentialRepository CredentialRepository
	attemptLedger        AttemptLedger
	encryption           *secrets.EncryptionService
	verifier             TotpVerifier
}

// NewTwoFaService creates a new two-factor service
func NewTwoFaService(credentialRepository CredentialRepository, attemptLedger AttemptLedger, encryption *secrets.EncryptionService, verifier TotpVerifier) *TwoFaService {
	return &TwoFaService{
		credentialRepository: credentialRepository,
		attemptLedger:        attemptLedger,
		encryption:           encryption,
		verifier:             verifier,
	}
}

// BeginSetup starts the 2FA lifecycle for a subject: a fresh secret is
// generated and stored encrypted, confirmation still pending. Re-running setup
// over an unconfirmed credential regenerates the secret; an active credential
// fails with ErrAlreadyConfigured.
func (s *TwoFaService) BeginSetup(ctx context.Context, subj subject.Subject) (SetupResult, error) {
	existing, err := s.credentialRepository.Get(ctx, subj)
	if err == nil && existing.IsActive {
		return SetupResult{}, ErrAlreadyConfigured
	}
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		return SetupResult{}, fmt.Errorf("failed to look up credential: %w", err)
	}
	pending := err == nil

	secret, provisioningURI, err := s.verifier.GenerateSecret(subj.Key())
	if err != nil {
		return SetupResult{}, fmt.Errorf("failed to generate 2fa secret: %w", err)
	}

	encryptedSecret, err := s.encryption.Encrypt(secret)
	if err != nil {
		return SetupResult{}, fmt.Errorf("failed to encrypt 2fa secret: %w", err)
	}

	now := time.Now().UTC()
	if pending {
		existing.EncryptedSecret = encryptedSecret
		existing.RecoveryCodes = nil
		existing.EnabledAt = &now
		existing.ConfirmedAt = nil
		existing.IsActive = false
		if _, err := s.credentialRepository.Update(ctx, existing); err != nil {
			return SetupResult{}, fmt.Errorf("failed to update pending credential: %w", err)
		}
	} else {
		credential := Credential{
			Subject:         subj,
			EncryptedSecret: encryptedSecret,
			EnabledAt:       &now,
		}
		if _, err := s.credentialRepository.Create(ctx, credential); err != nil {
			return SetupResult{}, fmt.Errorf("failed to create credential: %w", err)
		}
	}

	slog.Info("2FA setup started", "subject", subj)
	return SetupResult{Secret: secret, ProvisioningURI: provisioningURI}, nil
}

// ConfirmSetup verifies the first code against the pending secret and, on
// success, activates the credential and issues the recovery codes. The
// plaintext codes are returned exactly once and cannot be retrieved again.
func (s *TwoFaService) ConfirmSetup(ctx context.Context, subj subject.Subject, code string, meta RequestMeta) ([]string, error) {
	credential, err := s.credentialRepository.Get(ctx, subj)
	if err != nil {
		return nil, err
	}
	if credential.IsActive {
		return nil, ErrAlreadyConfigured
	}

	secret, err := s.encryption.Decrypt(credential.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pending secret: %w", err)
	}

	if !s.verifier.Verify(code, secret) {
		if err := s.recordAttempt(ctx, subj, CodeTypeTotp, false, "invalid confirmation code", meta); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTotpCode
	}

	plaintextCodes, encryptedCodes, err := s.generateRecoveryCodes()
	if err != nil {
		return nil, err
	}

	encryptedPending := credential.EncryptedSecret
	now := time.Now().UTC()
	activated := false
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		credential.RecoveryCodes = encryptedCodes
		credential.ConfirmedAt = &now
		credential.IsActive = true

		_, updateErr := s.credentialRepository.Update(ctx, credential)
		if updateErr == nil {
			activated = true
			break
		}
		if !errors.Is(updateErr, ErrStorageConflict) {
			return nil, fmt.Errorf("failed to activate credential: %w", updateErr)
		}

		credential, err = s.credentialRepository.Get(ctx, subj)
		if err != nil {
			return nil, err
		}
		if credential.IsActive {
			return nil, ErrAlreadyConfigured
		}
		if credential.EncryptedSecret != encryptedPending {
			// A concurrent BeginSetup replaced the pending secret; the
			// verified code no longer proves possession of it
			return nil, ErrInvalidTotpCode
		}
	}
	if !activated {
		return nil, ErrStorageConflict
	}

	if err := s.recordAttempt(ctx, subj, CodeTypeTotp, true, "", meta); err != nil {
		return nil, err
	}

	slog.Info("2FA setup confirmed", "subject", subj, "recoveryCodes", len(plaintextCodes))
	return plaintextCodes, nil
}

// VerifyCode verifies a second-factor code. Every call, success or failure,
// produces exactly one attempt record. Recovery codes are strictly one-time:
// a consumed code is removed permanently and two racers on the same code end
// with one success and one ErrInvalidRecoveryCode.
func (s *TwoFaService) VerifyCode(ctx context.Context, subj subject.Subject, code string, codeType CodeType, meta RequestMeta) error {
	if err := ValidateCodeType(codeType); err != nil {
		return err
	}

	failures, err := s.attemptLedger.CountRecentFailures(ctx, subj, failureWindow)
	if err != nil {
		return fmt.Errorf("failed to count recent failures: %w", err)
	}
	if failures >= maxRecentFailures {
		if err := s.recordAttempt(ctx, subj, codeType, false, "rate limited", meta); err != nil {
			return err
		}
		return ErrTooManyRecentAttempts
	}

	credential, err := s.credentialRepository.Get(ctx, subj)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			if recErr := s.recordAttempt(ctx, subj, codeType, false, "not configured", meta); recErr != nil {
				return recErr
			}
		}
		return err
	}
	if !credential.IsFullyConfigured() {
		if err := s.recordAttempt(ctx, subj, codeType, false, "not configured", meta); err != nil {
			return err
		}
		return ErrNotConfigured
	}

	var verifyErr error
	switch codeType {
	case CodeTypeTotp, CodeTypeSms:
		verifyErr = s.verifyTotp(credential, code)
	case CodeTypeRecovery:
		verifyErr = s.consumeRecoveryCode(ctx, subj, code)
	}

	if verifyErr != nil {
		if errors.Is(verifyErr, secrets.ErrDecryptionFailure) {
			// Key or config corruption: recorded and surfaced hard, never
			// masked by a plaintext fallback
			if err := s.recordAttempt(ctx, subj, codeType, false, "secret decryption failure", meta); err != nil {
				return err
			}
			return verifyErr
		}
		if err := s.recordAttempt(ctx, subj, codeType, false, verifyErr.Error(), meta); err != nil {
			return err
		}
		return verifyErr
	}

	return s.recordAttempt(ctx, subj, codeType, true, "", meta)
}

// Disable erases the secret and recovery codes and clears the confirmation.
// A disabled credential can be re-created from scratch with BeginSetup.
func (s *TwoFaService) Disable(ctx context.Context, subj subject.Subject) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		credential, err := s.credentialRepository.Get(ctx, subj)
		if err != nil {
			return err
		}

		credential.EncryptedSecret = ""
		credential.RecoveryCodes = nil
		credential.ConfirmedAt = nil
		credential.IsActive = false

		_, err = s.credentialRepository.Update(ctx, credential)
		if err == nil {
			slog.Info("2FA disabled", "subject", subj)
			return nil
		}
		if !errors.Is(err, ErrStorageConflict) {
			return fmt.Errorf("failed to disable credential: %w", err)
		}
	}
	return ErrStorageConflict
}

// IsFullyConfigured reports whether the subject has a usable 2FA credential
func (s *TwoFaService) IsFullyConfigured(ctx context.Context, subj subject.Subject) (bool, error) {
	credential, err := s.credentialRepository.Get(ctx, subj)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return false, nil
		}
		return false, err
	}
	return credential.IsFullyConfigured(), nil
}

// RemainingRecoveryCodes returns how many unused recovery codes the subject has left
func (s *TwoFaService) RemainingRecoveryCodes(ctx context.Context, subj subject.Subject) (int, error) {
	credential, err := s.credentialRepository.Get(ctx, subj)
	if err != nil {
		return 0, err
	}
	return len(credential.RecoveryCodes), nil
}

func (s *TwoFaService) verifyTotp(credential Credential, code string) error {
	secret, err := s.encryption.Decrypt(credential.EncryptedSecret)
	if err != nil {
		return err
	}
	if !s.verifier.Verify(code, secret) {
		return ErrInvalidTotpCode
	}
	return nil
}

// consumeRecoveryCode matches the presented code case-insensitively and
// removes it permanently. The removal runs under the optimistic version
// check: losing a conflict re-reads the credential, where the winner's
// consumption is already visible and the code no longer matches.
func (s *TwoFaService) consumeRecoveryCode(ctx context.Context, subj subject.Subject, code string) error {
	presented := strings.ToUpper(strings.TrimSpace(code))

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		credential, err := s.credentialRepository.Get(ctx, subj)
		if err != nil {
			return err
		}

		matchIdx := -1
		for i, encrypted := range credential.RecoveryCodes {
			stored, err := s.encryption.Decrypt(encrypted)
			if err != nil {
				return err
			}
			if stored == presented {
				matchIdx = i
				break
			}
		}
		if matchIdx < 0 {
			return ErrInvalidRecoveryCode
		}

		remaining := make([]string, 0, len(credential.RecoveryCodes)-1)
		remaining = append(remaining, credential.RecoveryCodes[:matchIdx]...)
		remaining = append(remaining, credential.RecoveryCodes[matchIdx+1:]...)
		credential.RecoveryCodes = remaining

		_, err = s.credentialRepository.Update(ctx, credential)
		if err == nil {
			slog.Info("Recovery code consumed", "subject", subj, "remaining", len(remaining))
			return nil
		}
		if !errors.Is(err, ErrStorageConflict) {
			return fmt.Errorf("failed to consume recovery code: %w", err)
		}
	}
	return ErrStorageConflict
}

func (s *TwoFaService) generateRecoveryCodes() ([]string, []string, error) {
	plaintext := make([]string, 0, RecoveryCodeCount)
	encrypted := make([]string, 0, RecoveryCodeCount)
	for i := 0; i < RecoveryCodeCount; i++ {
		buf := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("failed to generate recovery code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(buf))

		enc, err := s.encryption.Encrypt(code)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt recovery code: %w", err)
		}
		plaintext = append(plaintext, code)
		encrypted = append(encrypted, enc)
	}
	return plaintext, encrypted, nil
}

func (s *TwoFaService) recordAttempt(ctx context.Context, subj subject.Subject, codeType CodeType, successful bool, failureReason string, meta RequestMeta) error {
	_, err := s.attemptLedger.Record(ctx, Attempt{
		Subject:       subj,
		CodeType:      codeType,
		Successful:    successful,
		FailureReason: failureReason,
		AttemptedAt:   time.Now().UTC(),
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("failed to record verification attempt: %w", err)
	}
	return nil
}
