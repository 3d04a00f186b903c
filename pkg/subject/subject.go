package subject

import (
	"fmt"
	"strings"
)

// SubjectKind identifies which external identity type owns a device or credential.
type SubjectKind string

const (
	KindStaff    SubjectKind = "staff"
	KindCustomer SubjectKind = "customer"
)

// Subject is a polymorphic reference to the identity a device or credential
// belongs to. Ownership is set at creation and never transferred.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// New creates a subject reference after validating the kind.
func New(kind SubjectKind, id string) (Subject, error) {
	if err := ValidateKind(kind); err != nil {
		return Subject{}, err
	}
	if id == "" {
		return Subject{}, fmt.Errorf("subject id cannot be empty")
	}
	return Subject{Kind: kind, ID: id}, nil
}

// Key returns the canonical storage key for this subject, e.g. "customer:42".
func (s Subject) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// IsZero reports whether the subject reference is unset.
func (s Subject) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

func (s Subject) String() string {
	return s.Key()
}

// ParseKey parses a canonical "kind:id" key back into a subject reference.
func ParseKey(key string) (Subject, error) {
	kind, id, found := strings.Cut(key, ":")
	if !found {
		return Subject{}, fmt.Errorf("invalid subject key: %s", key)
	}
	return New(SubjectKind(kind), id)
}

// ValidateKind checks if the given kind is a known subject kind.
func ValidateKind(kind SubjectKind) error {
	switch kind {
	case KindStaff, KindCustomer:
		return nil
	default:
		return fmt.Errorf("invalid subject kind: %s, must be one of: %s, %s", kind, KindStaff, KindCustomer)
	}
}
