package devicetrust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

// PostgresDeviceRepository implements DeviceRepository using PostgreSQL.
// Histories are stored as jsonb; concurrent writers are serialized by the
// version column checked in Update.
type PostgresDeviceRepository struct {
	db DBTX
}

// NewPostgresDeviceRepository creates a new PostgreSQL device repository
func NewPostgresDeviceRepository(db DBTX) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

const deviceColumns = `
	device_id, subject_kind, subject_id, trust_score,
	is_trusted, trusted_at, trust_expires_at,
	is_blocked, blocked_at, blocked_reason,
	login_count, failed_login_attempts,
	ip_history, location_history,
	first_seen_at, last_seen_at, version
`

// Create inserts a new device row
func (r *PostgresDeviceRepository) Create(ctx context.Context, device Device) (Device, error) {
	ipHistory, locationHistory, err := marshalHistories(device)
	if err != nil {
		return Device{}, err
	}

	device.Version = 1
	query := `
		INSERT INTO device_trust (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = r.db.Exec(ctx, query,
		device.DeviceID,
		string(device.Subject.Kind),
		device.Subject.ID,
		device.TrustScore,
		device.IsTrusted,
		device.TrustedAt,
		device.TrustExpiresAt,
		device.IsBlocked,
		device.BlockedAt,
		device.BlockedReason,
		device.LoginCount,
		device.FailedLoginAttempts,
		ipHistory,
		locationHistory,
		device.FirstSeenAt,
		device.LastSeenAt,
		device.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return Device{}, ErrDeviceExists
		}
		return Device{}, fmt.Errorf("failed to create device: %w", err)
	}
	return device, nil
}

// Get retrieves a device by subject and fingerprint
func (r *PostgresDeviceRepository) Get(ctx context.Context, subj subject.Subject, deviceID string) (Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device_trust
		WHERE device_id = $1 AND subject_kind = $2 AND subject_id = $3
	`
	row := r.db.QueryRow(ctx, query, deviceID, string(subj.Kind), subj.ID)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// FindBySubject returns all devices owned by a subject, most recently seen first
func (r *PostgresDeviceRepository) FindBySubject(ctx context.Context, subj subject.Subject) ([]Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device_trust
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY last_seen_at DESC
	`
	rows, err := r.db.Query(ctx, query, string(subj.Kind), subj.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// Update writes the device back, guarded by the optimistic version check
func (r *PostgresDeviceRepository) Update(ctx context.Context, device Device) (Device, error) {
	ipHistory, locationHistory, err := marshalHistories(device)
	if err != nil {
		return Device{}, err
	}

	query := `
		UPDATE device_trust SET
			trust_score = $4,
			is_trusted = $5,
			trusted_at = $6,
			trust_expires_at = $7,
			is_blocked = $8,
			blocked_at = $9,
			blocked_reason = $10,
			login_count = $11,
			failed_login_attempts = $12,
			ip_history = $13,
			location_history = $14,
			last_seen_at = $15,
			version = version + 1
		WHERE device_id = $1 AND subject_kind = $2 AND subject_id = $3 AND version = $16
	`
	tag, err := r.db.Exec(ctx, query,
		device.DeviceID,
		string(device.Subject.Kind),
		device.Subject.ID,
		device.TrustScore,
		device.IsTrusted,
		device.TrustedAt,
		device.TrustExpiresAt,
		device.IsBlocked,
		device.BlockedAt,
		device.BlockedReason,
		device.LoginCount,
		device.FailedLoginAttempts,
		ipHistory,
		locationHistory,
		device.LastSeenAt,
		device.Version,
	)
	if err != nil {
		return Device{}, fmt.Errorf("failed to update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or a concurrent writer bumped the version
		if _, getErr := r.Get(ctx, device.Subject, device.DeviceID); getErr != nil {
			return Device{}, getErr
		}
		return Device{}, ErrStorageConflict
	}

	device.Version++
	return device, nil
}

func marshalHistories(device Device) ([]byte, []byte, error) {
	ipHistory, err := json.Marshal(device.IPHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal ip history: %w", err)
	}
	locationHistory, err := json.Marshal(device.LocationHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal location history: %w", err)
	}
	return ipHistory, locationHistory, nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var (
		device          Device
		subjectKind     string
		trustedAt       *time.Time
		trustExpiresAt  *time.Time
		blockedAt       *time.Time
		ipHistory       []byte
		locationHistory []byte
	)
	err := row.Scan(
		&device.DeviceID,
		&subjectKind,
		&device.Subject.ID,
		&device.TrustScore,
		&device.IsTrusted,
		&trustedAt,
		&trustExpiresAt,
		&device.IsBlocked,
		&blockedAt,
		&device.BlockedReason,
		&device.LoginCount,
		&device.FailedLoginAttempts,
		&ipHistory,
		&locationHistory,
		&device.FirstSeenAt,
		&device.LastSeenAt,
		&device.Version,
	)
	if err != nil {
		return Device{}, err
	}

	device.Subject.Kind = subject.SubjectKind(subjectKind)
	device.TrustedAt = trustedAt
	device.TrustExpiresAt = trustExpiresAt
	device.BlockedAt = blockedAt

	if err := json.Unmarshal(ipHistory, &device.IPHistory); err != nil {
		return Device{}, fmt.Errorf("failed to unmarshal ip history: %w", err)
	}
	if err := json.Unmarshal(locationHistory, &device.LocationHistory); err != nil {
		return Device{}, fmt.Errorf("failed to unmarshal location history: %w", err)
	}
	return device, nil
}
