package securityevent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresEventRepository implements Repository using PostgreSQL
type PostgresEventRepository struct {
	db DBTX
}

// NewPostgresEventRepository creates a new PostgreSQL security event repository
func NewPostgresEventRepository(db DBTX) *PostgresEventRepository {
	return &PostgresEventRepository{db: db}
}

// Record inserts a new security event
func (r *PostgresEventRepository) Record(ctx context.Context, event Event) (Event, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO security_event (
			id, device_id, event_type, severity, description, resolved, occurred_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.DeviceID,
		string(event.EventType),
		string(event.Severity),
		event.Description,
		event.Resolved,
		event.OccurredAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("failed to record security event: %w", err)
	}

	return event, nil
}

// FindByDevice returns all events for a device, oldest first
func (r *PostgresEventRepository) FindByDevice(ctx context.Context, deviceID string) ([]Event, error) {
	query := `
		SELECT id, device_id, event_type, severity, description, resolved, occurred_at
		FROM security_event
		WHERE device_id = $1
		ORDER BY occurred_at ASC
	`
	rows, err := r.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType, severity string
		if err := rows.Scan(&e.ID, &e.DeviceID, &eventType, &severity, &e.Description, &e.Resolved, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Severity = Severity(severity)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountUnresolvedAtOrAbove counts unresolved events at or above the given severity
func (r *PostgresEventRepository) CountUnresolvedAtOrAbove(ctx context.Context, deviceID string, threshold Severity) (int, error) {
	// Severity ranks are kept in SQL to match Severity.AtOrAbove
	query := `
		SELECT COUNT(*)
		FROM security_event
		WHERE device_id = $1
		  AND resolved = false
		  AND CASE severity
		        WHEN 'low' THEN 0
		        WHEN 'medium' THEN 1
		        WHEN 'high' THEN 2
		        WHEN 'critical' THEN 3
		      END >= $2
	`
	var count int
	err := r.db.QueryRow(ctx, query, deviceID, threshold.rank()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved security events: %w", err)
	}
	return count, nil
}

// Resolve marks an event as resolved
func (r *PostgresEventRepository) Resolve(ctx context.Context, eventID uuid.UUID) error {
	query := `UPDATE security_event SET resolved = true WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to resolve security event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("security event not found: %s", eventID)
	}
	return nil
}
