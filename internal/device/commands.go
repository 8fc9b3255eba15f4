package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CommandRepository stores the audit trail of dispatched device commands.
//
// Implementations must be thread-safe and use UTC timestamps.
type CommandRepository interface {
	// Record persists a command dispatch attempt. The command's ID and
	// CreatedAt are filled in on success.
	Record(ctx context.Context, command *Command) error

	// List returns recent commands for a device ordered newest first.
	// Limit is clamped to [1, 200] with a default of 50.
	List(ctx context.Context, deviceID int64, limit int) ([]Command, error)
}

// SQLiteCommandRepository implements CommandRepository using SQLite.
type SQLiteCommandRepository struct {
	db *sql.DB
}

// NewSQLiteCommandRepository creates a new SQLite command repository.
func NewSQLiteCommandRepository(db *sql.DB) *SQLiteCommandRepository {
	return &SQLiteCommandRepository{db: db}
}

// Record persists a command dispatch attempt.
func (r *SQLiteCommandRepository) Record(ctx context.Context, command *Command) error {
	if command == nil || command.DeviceID == 0 {
		return fmt.Errorf("device id is required")
	}
	if command.CommandType == "" {
		return fmt.Errorf("command type is required")
	}
	if command.Status != CommandSent && command.Status != CommandFailed {
		return fmt.Errorf("invalid command status %q", command.Status)
	}

	var dataJSON sql.NullString
	if command.Data != nil {
		raw, err := json.Marshal(command.Data)
		if err != nil {
			return fmt.Errorf("marshalling command data: %w", err)
		}
		dataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	if command.CreatedAt.IsZero() {
		command.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO device_commands (device_id, user_id, command_type, command_data, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		command.DeviceID,
		nullableID(command.UserID),
		command.CommandType,
		dataJSON,
		string(command.Status),
		command.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting device command: %w", err)
	}

	command.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading command id: %w", err)
	}

	return nil
}

// List returns recent commands for a device, newest first.
func (r *SQLiteCommandRepository) List(ctx context.Context, deviceID int64, limit int) ([]Command, error) {
	if deviceID == 0 {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, user_id, command_type, command_data, status, created_at
		 FROM device_commands
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device commands: %w", err)
	}
	defer rows.Close()

	commands := make([]Command, 0, limit)
	for rows.Next() {
		var c Command
		var userID sql.NullInt64
		var dataJSON sql.NullString
		var status, createdAt string

		if err := rows.Scan(&c.ID, &c.DeviceID, &userID, &c.CommandType, &dataJSON, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device command: %w", err)
		}

		c.Status = CommandStatus(status)
		if userID.Valid {
			c.UserID = &userID.Int64
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &c.Data); err != nil {
				return nil, fmt.Errorf("unmarshalling command data: %w", err)
			}
		}

		c.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		commands = append(commands, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device commands: %w", err)
	}

	return commands, nil
}
