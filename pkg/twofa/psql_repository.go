package twofa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/polisafe/securecore/pkg/subject"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresCredentialRepository implements CredentialRepository using PostgreSQL
type PostgresCredentialRepository struct {
	db DBTX
}

// NewPostgresCredentialRepository creates a new PostgreSQL credential repository
func NewPostgresCredentialRepository(db DBTX) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

// Get retrieves the credential for a subject
func (r *PostgresCredentialRepository) Get(ctx context.Context, subj subject.Subject) (Credential, error) {
	query := `
		SELECT subject_kind, subject_id, encrypted_secret, recovery_codes,
		       enabled_at, confirmed_at, is_active, version
		FROM two_factor_credential
		WHERE subject_kind = $1 AND subject_id = $2
	`
	var (
		credential  Credential
		subjectKind string
	)
	err := r.db.QueryRow(ctx, query, string(subj.Kind), subj.ID).Scan(
		&subjectKind,
		&credential.Subject.ID,
		&credential.EncryptedSecret,
		&credential.RecoveryCodes,
		&credential.EnabledAt,
		&credential.ConfirmedAt,
		&credential.IsActive,
		&credential.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotConfigured
		}
		return Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}
	credential.Subject.Kind = subject.SubjectKind(subjectKind)
	return credential, nil
}

// Create inserts a new credential row
func (r *PostgresCredentialRepository) Create(ctx context.Context, credential Credential) (Credential, error) {
	credential.Version = 1
	query := `
		INSERT INTO two_factor_credential (
			subject_kind, subject_id, encrypted_secret, recovery_codes,
			enabled_at, confirmed_at, is_active, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		string(credential.Subject.Kind),
		credential.Subject.ID,
		credential.EncryptedSecret,
		credential.RecoveryCodes,
		credential.EnabledAt,
		credential.ConfirmedAt,
		credential.IsActive,
		credential.Version,
	)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to create credential: %w", err)
	}
	return credential, nil
}

// Update writes the credential back, guarded by the optimistic version check.
// Recovery-code consumption depends on this: the losing writer of a race sees
// ErrStorageConflict, re-reads, and finds the code already gone.
func (r *PostgresCredentialRepository) Update(ctx context.Context, credential Credential) (Credential, error) {
	query := `
		UPDATE two_factor_credential SET
			encrypted_secret = $3,
			recovery_codes = $4,
			enabled_at = $5,
			confirmed_at = $6,
			is_active = $7,
			version = version + 1
		WHERE subject_kind = $1 AND subject_id = $2 AND version = $8
	`
	tag, err := r.db.Exec(ctx, query,
		string(credential.Subject.Kind),
		credential.Subject.ID,
		credential.EncryptedSecret,
		credential.RecoveryCodes,
		credential.EnabledAt,
		credential.ConfirmedAt,
		credential.IsActive,
		credential.Version,
	)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, credential.Subject); getErr != nil {
			return Credential{}, getErr
		}
		return Credential{}, ErrStorageConflict
	}

	credential.Version++
	return credential, nil
}

// PostgresAttemptLedger implements AttemptLedger using PostgreSQL
type PostgresAttemptLedger struct {
	db DBTX
}

// NewPostgresAttemptLedger creates a new PostgreSQL attempt ledger
func NewPostgresAttemptLedger(db DBTX) *PostgresAttemptLedger {
	return &PostgresAttemptLedger{db: db}
}

// Record inserts a new attempt row
func (l *PostgresAttemptLedger) Record(ctx context.Context, attempt Attempt) (Attempt, error) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO two_factor_attempt (
			id, subject_kind, subject_id, code_type, successful,
			failure_reason, attempted_at, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.db.Exec(ctx, query,
		attempt.ID,
		string(attempt.Subject.Kind),
		attempt.Subject.ID,
		string(attempt.CodeType),
		attempt.Successful,
		attempt.FailureReason,
		attempt.AttemptedAt,
		attempt.IPAddress,
		attempt.UserAgent,
	)
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempt, nil
}

// CountRecentFailures counts failed attempts for a subject inside the window
func (l *PostgresAttemptLedger) CountRecentFailures(ctx context.Context, subj subject.Subject, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM two_factor_attempt
		WHERE subject_kind = $1 AND subject_id = $2
		  AND successful = false
		  AND attempted_at > $3
	`
	cutoff := time.Now().UTC().Add(-window)
	var count int
	if err := l.db.QueryRow(ctx, query, string(subj.Kind), subj.ID, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent failures: %w", err)
	}
	return count, nil
}

// CountRecentAttempts counts attempts of a code type for a subject inside the window
func (l *PostgresAttemptLedger) CountRecentAttempts(ctx context.Context, subj subject.Subject, codeType CodeType, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM two_factor_attempt
		WHERE subject_kind = $1 AND subject_id = $2
		  AND code_type = $3
		  AND attempted_at > $4
	`
	cutoff := time.Now().UTC().Add(-window)
	var count int
	if err := l.db.QueryRow(ctx, query, string(subj.Kind), subj.ID, string(codeType), cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent attempts: %w", err)
	}
	return count, nil
}
