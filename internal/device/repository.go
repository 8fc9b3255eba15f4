package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its database identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id int64) (*Device, error)

	// GetByExternalID retrieves a device by the identifier it embeds in
	// its MQTT topics. Returns ErrDeviceNotFound if unknown.
	GetByExternalID(ctx context.Context, externalID string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByOwner retrieves all devices belonging to a user.
	ListByOwner(ctx context.Context, userID int64) ([]Device, error)

	// ListByStatus retrieves all devices with a specific status.
	ListByStatus(ctx context.Context, status Status) ([]Device, error)

	// Create inserts a new device and fills in its generated ID.
	// Returns ErrDeviceExists if the external ID is already registered.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device together with its event log and command
	// history in a single transaction.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id int64) error

	// UpdateStatus updates only the status and last_seen fields.
	// This is optimised for frequent updates from the telemetry pipeline.
	UpdateStatus(ctx context.Context, id int64, status Status) error

	// TouchLastSeen refreshes last_seen without changing status.
	TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error

	// CountByOwner returns the number of devices a user owns.
	CountByOwner(ctx context.Context, userID int64) (int, error)
}

const deviceColumns = `id, external_id, user_id, name, location, device_type,
	status, config, last_seen, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its database identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetByExternalID retrieves a device by its MQTT topic identifier.
func (r *SQLiteRepository) GetByExternalID(ctx context.Context, externalID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE external_id = ?", externalID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by external id: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY name")
}

// ListByOwner retrieves all devices belonging to a user.
func (r *SQLiteRepository) ListByOwner(ctx context.Context, userID int64) ([]Device, error) {
	return r.queryDevices(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE user_id = ? ORDER BY name", userID)
}

// ListByStatus retrieves all devices with a specific status.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]Device, error) {
	return r.queryDevices(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE status = ? ORDER BY name", string(status))
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	configJSON, err := json.Marshal(device.Config)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	if device.Status == "" {
		device.Status = StatusOffline
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			external_id, user_id, name, location, device_type,
			status, config, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ExternalID,
		device.UserID,
		device.Name,
		nullString(device.Location),
		nullString(device.DeviceType),
		string(device.Status),
		string(configJSON),
		nullableTime(device.LastSeen),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	device.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}

	return nil
}

// Update modifies an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	configJSON, err := json.Marshal(device.Config)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			external_id = ?, user_id = ?, name = ?, location = ?,
			device_type = ?, status = ?, config = ?, last_seen = ?,
			updated_at = ?
		WHERE id = ?`,
		device.ExternalID,
		device.UserID,
		device.Name,
		nullString(device.Location),
		nullString(device.DeviceType),
		string(device.Status),
		string(configJSON),
		nullableTime(device.LastSeen),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// Delete removes a device and its dependent rows in one transaction.
// The event log and command history reference the device, so partial
// deletion would orphan them.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM device_events WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("deleting device events: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM device_commands WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("deleting device commands: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	return nil
}

// UpdateStatus updates the status and last_seen fields.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	if !IsValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET status = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		string(status), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// TouchLastSeen refreshes last_seen without changing status.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ? WHERE id = ?",
		seenAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching last_seen: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// CountByOwner returns the number of devices a user owns.
func (r *SQLiteRepository) CountByOwner(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return count, nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var location, deviceType, lastSeen sql.NullString
	var configJSON string
	var status string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.ExternalID,
		&d.UserID,
		&d.Name,
		&location,
		&deviceType,
		&status,
		&configJSON,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	if location.Valid {
		d.Location = location.String
	}
	if deviceType.Valid {
		d.DeviceType = deviceType.String
	}

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(configJSON), &d.Config); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &d, nil
}

// nullString returns a sql.NullString for optional strings.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullableID returns a sql.NullInt64 for optional user references.
func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
