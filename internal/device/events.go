package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// EventRepository stores and retrieves the append-only device event log.
//
// Implementations must be thread-safe and use UTC timestamps.
type EventRepository interface {
	// Append records a new event. The event's ID and CreatedAt are filled
	// in on success.
	Append(ctx context.Context, event *Event) error

	// List returns recent events for a device ordered newest first, plus
	// the total number of events for pagination. Limit is clamped to
	// [1, 200] with a default of 50; offset skips past events.
	List(ctx context.Context, deviceID int64, limit, offset int) ([]Event, int, error)

	// LatestStatusChange returns the most recent status_change event for
	// a device, or ErrDeviceNotFound if none exists.
	LatestStatusChange(ctx context.Context, deviceID int64) (*Event, error)

	// Prune deletes events older than the given retention window and
	// returns the number of rows removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteEventRepository implements EventRepository using SQLite.
//
// Event payloads are stored as JSON in the device_events table.
type SQLiteEventRepository struct {
	db *sql.DB
}

// NewSQLiteEventRepository creates a new SQLite event repository.
func NewSQLiteEventRepository(db *sql.DB) *SQLiteEventRepository {
	return &SQLiteEventRepository{db: db}
}

// Append records a new event in the device event log.
func (r *SQLiteEventRepository) Append(ctx context.Context, event *Event) error {
	if event == nil || event.DeviceID == 0 {
		return fmt.Errorf("device id is required")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}

	var dataJSON sql.NullString
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshalling event data: %w", err)
		}
		dataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO device_events (device_id, event_type, data, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.DeviceID,
		string(event.Type),
		dataJSON,
		nullableID(event.UserID),
		event.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}

	event.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}

	return nil
}

// List returns recent events for a device, newest first, with the total count.
func (r *SQLiteEventRepository) List(ctx context.Context, deviceID int64, limit, offset int) ([]Event, int, error) {
	if deviceID == 0 {
		return nil, 0, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM device_events WHERE device_id = ?", deviceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting device events: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, event_type, data, user_id, created_at
		 FROM device_events
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		deviceID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying device events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating device events: %w", err)
	}

	return events, total, nil
}

// LatestStatusChange returns the most recent status_change event for a device.
func (r *SQLiteEventRepository) LatestStatusChange(ctx context.Context, deviceID int64) (*Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, device_id, event_type, data, user_id, created_at
		 FROM device_events
		 WHERE device_id = ? AND event_type = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		deviceID, string(EventStatusChange),
	)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return event, nil
}

// Prune deletes events older than the retention window.
func (r *SQLiteEventRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM device_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting device events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}

// scanEvent scans a row or rows result into an Event.
func scanEvent(scanner rowScanner) (*Event, error) {
	var e Event
	var eventType string
	var dataJSON sql.NullString
	var userID sql.NullInt64
	var createdAt string

	err := scanner.Scan(&e.ID, &e.DeviceID, &eventType, &dataJSON, &userID, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Type = EventType(eventType)
	if userID.Valid {
		e.UserID = &userID.Int64
	}

	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling event data: %w", err)
		}
	}

	e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &e, nil
}
