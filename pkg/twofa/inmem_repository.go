package twofa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisafe/securecore/pkg/subject"
)

// InMemCredentialRepository implements CredentialRepository using an in-memory map
type InMemCredentialRepository struct {
	credentials map[string]Credential // keyed by subject key
	mu          sync.Mutex
}

// NewInMemCredentialRepository creates a new in-memory credential repository
func NewInMemCredentialRepository() *InMemCredentialRepository {
	return &InMemCredentialRepository{
		credentials: make(map[string]Credential),
	}
}

// Get retrieves the credential for a subject
func (r *InMemCredentialRepository) Get(ctx context.Context, subj subject.Subject) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	credential, exists := r.credentials[subj.Key()]
	if !exists {
		return Credential{}, ErrNotConfigured
	}
	return copyCredential(credential), nil
}

// Create stores a new credential
func (r *InMemCredentialRepository) Create(ctx context.Context, credential Credential) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := credential.Subject.Key()
	if _, exists := r.credentials[key]; exists {
		return Credential{}, errors.New("credential already exists")
	}

	credential.Version = 1
	r.credentials[key] = copyCredential(credential)
	return credential, nil
}

// Update replaces the stored credential after an optimistic version check
func (r *InMemCredentialRepository) Update(ctx context.Context, credential Credential) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := credential.Subject.Key()
	current, exists := r.credentials[key]
	if !exists {
		return Credential{}, ErrNotConfigured
	}
	if current.Version != credential.Version {
		return Credential{}, ErrStorageConflict
	}

	credential.Version++
	r.credentials[key] = copyCredential(credential)
	return credential, nil
}

func copyCredential(c Credential) Credential {
	codes := make([]string, len(c.RecoveryCodes))
	copy(codes, c.RecoveryCodes)
	c.RecoveryCodes = codes
	return c
}

// InMemAttemptLedger implements AttemptLedger using an in-memory slice
type InMemAttemptLedger struct {
	attempts []Attempt
	mu       sync.Mutex
}

// NewInMemAttemptLedger creates a new in-memory attempt ledger
func NewInMemAttemptLedger() *InMemAttemptLedger {
	return &InMemAttemptLedger{}
}

// Record appends a new attempt
func (l *InMemAttemptLedger) Record(ctx context.Context, attempt Attempt) (Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	l.attempts = append(l.attempts, attempt)
	return attempt, nil
}

// CountRecentFailures counts failed attempts for a subject inside the window
func (l *InMemAttemptLedger) CountRecentFailures(ctx context.Context, subj subject.Subject, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	count := 0
	for _, a := range l.attempts {
		if a.Subject == subj && !a.Successful && a.AttemptedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// CountRecentAttempts counts attempts of a code type for a subject inside the window
func (l *InMemAttemptLedger) CountRecentAttempts(ctx context.Context, subj subject.Subject, codeType CodeType, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	count := 0
	for _, a := range l.attempts {
		if a.Subject == subj && a.CodeType == codeType && a.AttemptedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// Attempts returns a copy of all recorded attempts, oldest first
func (l *InMemAttemptLedger) Attempts() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := make([]Attempt, len(l.attempts))
	copy(attempts, l.attempts)
	return attempts
}
