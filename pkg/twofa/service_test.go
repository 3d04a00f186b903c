package twofa

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisafe/securecore/pkg/secrets"
	"github.com/polisafe/securecore/pkg/subject"
)

// stubVerifier accepts a single well-known code so tests do not depend on
// wall-clock TOTP windows.
type stubVerifier struct {
	secret string
	valid  string
}

func (v *stubVerifier) GenerateSecret(accountName string) (string, string, error) {
	return v.secret, "otpauth://totp/securecore:" + accountName + "?secret=" + v.secret, nil
}

func (v *stubVerifier) Verify(code, secret string) bool {
	return code == v.valid && secret == v.secret
}

func setupTwoFaService(t *testing.T) (*TwoFaService, *InMemCredentialRepository, *InMemAttemptLedger, *stubVerifier) {
	encryption, err := secrets.NewEncryptionService("test-encryption-key")
	require.NoError(t, err)

	credentialRepo := NewInMemCredentialRepository()
	attemptLedger := NewInMemAttemptLedger()
	verifier := &stubVerifier{secret: "JBSWY3DPEHPK3PXP", valid: "123456"}
	service := NewTwoFaService(credentialRepo, attemptLedger, encryption, verifier)
	return service, credentialRepo, attemptLedger, verifier
}

func twoFaSubject() subject.Subject {
	return subject.Subject{Kind: subject.KindStaff, ID: "7"}
}

func meta() RequestMeta {
	return RequestMeta{IPAddress: "203.0.113.10", UserAgent: "test-agent"}
}

func activate(t *testing.T, service *TwoFaService, subj subject.Subject) []string {
	t.Helper()
	_, err := service.BeginSetup(context.Background(), subj)
	require.NoError(t, err)
	codes, err := service.ConfirmSetup(context.Background(), subj, "123456", meta())
	require.NoError(t, err)
	return codes
}

func TestTwoFaService_SetupLifecycle(t *testing.T) {
	service, credentialRepo, _, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()

	result, err := service.BeginSetup(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", result.Secret)
	assert.Contains(t, result.ProvisioningURI, "otpauth://totp/")

	// Secret is stored encrypted, never in the clear
	credential, err := credentialRepo.Get(ctx, subj)
	require.NoError(t, err)
	assert.NotEqual(t, result.Secret, credential.EncryptedSecret)
	assert.False(t, credential.IsActive)

	configured, err := service.IsFullyConfigured(ctx, subj)
	require.NoError(t, err)
	assert.False(t, configured)

	codes, err := service.ConfirmSetup(ctx, subj, "123456", meta())
	require.NoError(t, err)
	require.Len(t, codes, RecoveryCodeCount)
	for _, code := range codes {
		assert.Len(t, code, 2*recoveryCodeBytes)
		assert.Equal(t, code, strings.ToUpper(code))
	}

	configured, err = service.IsFullyConfigured(ctx, subj)
	require.NoError(t, err)
	assert.True(t, configured)

	remaining, err := service.RemainingRecoveryCodes(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, RecoveryCodeCount, remaining)
}

func TestTwoFaService_BeginSetupWhileActive(t *testing.T) {
	service, _, _, _ := setupTwoFaService(t)
	subj := twoFaSubject()
	activate(t, service, subj)

	_, err := service.BeginSetup(context.Background(), subj)
	assert.ErrorIs(t, err, ErrAlreadyConfigured)
}

func TestTwoFaService_BeginSetupRegeneratesPending(t *testing.T) {
	service, credentialRepo, _, verifier := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()

	_, err := service.BeginSetup(ctx, subj)
	require.NoError(t, err)
	first, err := credentialRepo.Get(ctx, subj)
	require.NoError(t, err)

	// Re-running setup before confirmation issues a fresh secret
	verifier.secret = "NEWSECRETNEWSECRET"
	result, err := service.BeginSetup(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, "NEWSECRETNEWSECRET", result.Secret)

	second, err := credentialRepo.Get(ctx, subj)
	require.NoError(t, err)
	assert.NotEqual(t, first.EncryptedSecret, second.EncryptedSecret)
	assert.False(t, second.IsActive)
}

func TestTwoFaService_ConfirmSetupWrongCode(t *testing.T) {
	service, _, attemptLedger, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()

	_, err := service.BeginSetup(ctx, subj)
	require.NoError(t, err)

	_, err = service.ConfirmSetup(ctx, subj, "000000", meta())
	assert.ErrorIs(t, err, ErrInvalidTotpCode)

	configured, err := service.IsFullyConfigured(ctx, subj)
	require.NoError(t, err)
	assert.False(t, configured)

	attempts := attemptLedger.Attempts()
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Successful)
	assert.Equal(t, "invalid confirmation code", attempts[0].FailureReason)
}

// conflictOnceCredentialRepo makes a concurrent version bump visible to the
// next Update call
type conflictOnceCredentialRepo struct {
	CredentialRepository
	remaining int
}

func (r *conflictOnceCredentialRepo) Update(ctx context.Context, credential Credential) (Credential, error) {
	if r.remaining > 0 {
		r.remaining--
		current, err := r.CredentialRepository.Get(ctx, credential.Subject)
		if err == nil {
			_, _ = r.CredentialRepository.Update(ctx, current)
		}
	}
	return r.CredentialRepository.Update(ctx, credential)
}

func TestTwoFaService_ConfirmSetupRetriesConflict(t *testing.T) {
	encryption, err := secrets.NewEncryptionService("test-encryption-key")
	require.NoError(t, err)

	credentialRepo := &conflictOnceCredentialRepo{CredentialRepository: NewInMemCredentialRepository(), remaining: 1}
	verifier := &stubVerifier{secret: "JBSWY3DPEHPK3PXP", valid: "123456"}
	service := NewTwoFaService(credentialRepo, NewInMemAttemptLedger(), encryption, verifier)
	ctx := context.Background()
	subj := twoFaSubject()

	_, err = service.BeginSetup(ctx, subj)
	require.NoError(t, err)

	// Activation survives a version conflict on the first write
	codes, err := service.ConfirmSetup(ctx, subj, "123456", meta())
	require.NoError(t, err)
	assert.Len(t, codes, RecoveryCodeCount)

	configured, err := service.IsFullyConfigured(ctx, subj)
	require.NoError(t, err)
	assert.True(t, configured)
}

func TestTwoFaService_VerifyTotp(t *testing.T) {
	service, _, attemptLedger, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()
	activate(t, service, subj)

	err := service.VerifyCode(ctx, subj, "123456", CodeTypeTotp, meta())
	assert.NoError(t, err)

	err = service.VerifyCode(ctx, subj, "654321", CodeTypeTotp, meta())
	assert.ErrorIs(t, err, ErrInvalidTotpCode)

	// One attempt per call: confirm + two verifies
	attempts := attemptLedger.Attempts()
	require.Len(t, attempts, 3)
	assert.True(t, attempts[1].Successful)
	assert.False(t, attempts[2].Successful)
	assert.Equal(t, "203.0.113.10", attempts[2].IPAddress)
}

func TestTwoFaService_VerifyUnknownCodeType(t *testing.T) {
	service, _, _, _ := setupTwoFaService(t)
	subj := twoFaSubject()
	activate(t, service, subj)

	err := service.VerifyCode(context.Background(), subj, "123456", CodeType("carrier-pigeon"), meta())
	assert.ErrorIs(t, err, ErrUnknownCodeType)
}

func TestTwoFaService_VerifyNotConfigured(t *testing.T) {
	service, _, attemptLedger, _ := setupTwoFaService(t)

	err := service.VerifyCode(context.Background(), twoFaSubject(), "123456", CodeTypeTotp, meta())
	assert.ErrorIs(t, err, ErrNotConfigured)

	attempts := attemptLedger.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "not configured", attempts[0].FailureReason)
}

func TestTwoFaService_RecoveryCodeSingleUse(t *testing.T) {
	service, _, _, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()
	codes := activate(t, service, subj)

	err := service.VerifyCode(ctx, subj, codes[0], CodeTypeRecovery, meta())
	assert.NoError(t, err)

	remaining, err := service.RemainingRecoveryCodes(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, RecoveryCodeCount-1, remaining)

	// The consumed code never works again
	err = service.VerifyCode(ctx, subj, codes[0], CodeTypeRecovery, meta())
	assert.ErrorIs(t, err, ErrInvalidRecoveryCode)

	// Matching is case-insensitive on input
	err = service.VerifyCode(ctx, subj, "  "+strings.ToLower(codes[1])+" ", CodeTypeRecovery, meta())
	assert.NoError(t, err)
}

func TestTwoFaService_ConcurrentRecoveryCodeUse(t *testing.T) {
	service, _, _, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()
	codes := activate(t, service, subj)

	const racers = 4
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = service.VerifyCode(ctx, subj, codes[0], CodeTypeRecovery, meta())
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInvalidRecoveryCode)
		}
	}
	assert.Equal(t, 1, successes)

	remaining, err := service.RemainingRecoveryCodes(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, RecoveryCodeCount-1, remaining)
}

func TestTwoFaService_RateLimit(t *testing.T) {
	service, _, attemptLedger, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()
	activate(t, service, subj)

	for i := 0; i < maxRecentFailures; i++ {
		err := service.VerifyCode(ctx, subj, "000000", CodeTypeTotp, meta())
		assert.ErrorIs(t, err, ErrInvalidTotpCode)
	}

	// Even a correct code is refused while the window is saturated
	err := service.VerifyCode(ctx, subj, "123456", CodeTypeTotp, meta())
	assert.ErrorIs(t, err, ErrTooManyRecentAttempts)

	attempts := attemptLedger.Attempts()
	last := attempts[len(attempts)-1]
	assert.False(t, last.Successful)
	assert.Equal(t, "rate limited", last.FailureReason)
}

func TestTwoFaService_Disable(t *testing.T) {
	service, credentialRepo, _, _ := setupTwoFaService(t)
	ctx := context.Background()
	subj := twoFaSubject()
	activate(t, service, subj)

	require.NoError(t, service.Disable(ctx, subj))

	configured, err := service.IsFullyConfigured(ctx, subj)
	require.NoError(t, err)
	assert.False(t, configured)

	credential, err := credentialRepo.Get(ctx, subj)
	require.NoError(t, err)
	assert.Empty(t, credential.EncryptedSecret)
	assert.Empty(t, credential.RecoveryCodes)
	assert.Nil(t, credential.ConfirmedAt)

	// A disabled subject can set up again from scratch
	_, err = service.BeginSetup(ctx, subj)
	assert.NoError(t, err)
}

func TestInMemCredentialRepository_UpdateConflict(t *testing.T) {
	repo := NewInMemCredentialRepository()
	ctx := context.Background()
	subj := twoFaSubject()

	created, err := repo.Create(ctx, Credential{Subject: subj, EncryptedSecret: "enc"})
	require.NoError(t, err)

	first := created
	second := created

	first.IsActive = true
	_, err = repo.Update(ctx, first)
	require.NoError(t, err)

	second.EncryptedSecret = "other"
	_, err = repo.Update(ctx, second)
	assert.ErrorIs(t, err, ErrStorageConflict)
}
