package twofa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/polisafe/securecore/pkg/subject"
)

// CodeType identifies which kind of second-factor code was presented
type CodeType string

const (
	CodeTypeTotp     CodeType = "totp"
	CodeTypeRecovery CodeType = "recovery"
	CodeTypeSms      CodeType = "sms"
)

// Credential holds the two-factor state for a subject. At most one credential
// exists per subject. The secret and recovery codes are stored encrypted and
// never leave the service in plaintext outside the decrypt-on-use path.
type Credential struct {
	Subject         subject.Subject `json:"subject"`
	EncryptedSecret string          `json:"-"`
	RecoveryCodes   []string        `json:"-"` // encrypted individually, consumed codes are removed
	EnabledAt       *time.Time      `json:"enabled_at,omitempty"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	IsActive        bool            `json:"is_active"`
	Version         int64           `json:"version"`
}

// IsFullyConfigured reports whether the credential is usable for verification.
// From the caller's perspective a credential is either fully configured or
// absent; no partially-usable state is exposed.
func (c *Credential) IsFullyConfigured() bool {
	return c.IsActive && c.EncryptedSecret != "" && c.ConfirmedAt != nil && len(c.RecoveryCodes) > 0
}

// Attempt is an immutable record of a single verification attempt, used for
// rate limiting and audit.
type Attempt struct {
	ID            uuid.UUID       `json:"id"`
	Subject       subject.Subject `json:"subject"`
	CodeType      CodeType        `json:"code_type"`
	Successful    bool            `json:"successful"`
	FailureReason string          `json:"failure_reason,omitempty"`
	AttemptedAt   time.Time       `json:"attempted_at"`
	IPAddress     string          `json:"ip_address"`
	UserAgent     string          `json:"user_agent"`
}

// CredentialRepository defines the interface for credential storage operations.
// Update performs an optimistic version check and returns ErrStorageConflict
// when a concurrent writer got there first; recovery-code consumption relies
// on this to guarantee strict one-time use.
type CredentialRepository interface {
	Get(ctx context.Context, subj subject.Subject) (Credential, error)
	Create(ctx context.Context, credential Credential) (Credential, error)
	Update(ctx context.Context, credential Credential) (Credential, error)
}

// AttemptLedger is the append-only record of verification attempts. Past
// records are never mutated.
type AttemptLedger interface {
	Record(ctx context.Context, attempt Attempt) (Attempt, error)
	CountRecentFailures(ctx context.Context, subj subject.Subject, window time.Duration) (int, error)
	CountRecentAttempts(ctx context.Context, subj subject.Subject, codeType CodeType, window time.Duration) (int, error)
}

// ValidateCodeType checks if the given type is a known code type
func ValidateCodeType(codeType CodeType) error {
	switch codeType {
	case CodeTypeTotp, CodeTypeRecovery, CodeTypeSms:
		return nil
	default:
		return ErrUnknownCodeType
	}
}
