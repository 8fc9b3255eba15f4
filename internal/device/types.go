package device

import "time"

// Device represents a relay unit registered with the backend.
// This matches the database schema in migrations/20260120_100000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID int64 `json:"id"`

	// ExternalID is the identifier the physical unit embeds in its MQTT
	// topics (relay/{external_id}/...). Unique across the system.
	ExternalID string `json:"external_id"`

	// Ownership
	UserID int64 `json:"user_id"`

	// Metadata
	Name       string `json:"name"`
	Location   string `json:"location,omitempty"`
	DeviceType string `json:"device_type,omitempty"`

	// Current state
	Status   Status     `json:"status"`
	Config   Config     `json:"config"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// The config map is cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields
	cpy.Config = deepCopyMap(d.Config)

	// LastSeen pointer doesn't need deep copy because time.Time is immutable

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Config holds device-specific configuration as a JSON map.
//
// Examples:
//   - Relay: {"default_state": "off", "auto_off_seconds": 300}
//   - Sensor: {"report_interval": 60, "thresholds": {"temperature": 30}}
type Config map[string]any

// Status represents the reported state of a device.
type Status string

// Status constants.
//
// offline/online describe reachability; on/off describe the relay output
// for devices that report it; error is a device-reported fault state.
const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusOn      Status = "on"
	StatusOff     Status = "off"
	StatusError   Status = "error"
)

// AllStatuses returns all valid status values.
func AllStatuses() []Status {
	return []Status{StatusOffline, StatusOnline, StatusOn, StatusOff, StatusError}
}

// IsValidStatus reports whether s is a recognised status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusOffline, StatusOnline, StatusOn, StatusOff, StatusError:
		return true
	default:
		return false
	}
}

// EventType classifies entries in the device event log.
type EventType string

// EventType constants.
const (
	EventStatusChange  EventType = "status_change"
	EventSensorReading EventType = "sensor_reading"
	EventError         EventType = "error"
	EventDeviceCreated EventType = "device_created"
	EventDeviceUpdated EventType = "device_updated"
)

// Event is one entry in a device's append-only event log.
type Event struct {
	ID       int64     `json:"id"`
	DeviceID int64     `json:"device_id"`
	Type     EventType `json:"event_type"`

	// Data is the event payload (sensor values, old/new status, error detail).
	Data map[string]any `json:"data,omitempty"`

	// UserID is the human actor that caused the event, or nil for events
	// originating from the device itself via the message bus.
	UserID *int64 `json:"user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CommandStatus records the outcome of a command dispatch attempt.
type CommandStatus string

// CommandStatus constants.
const (
	CommandSent   CommandStatus = "sent"
	CommandFailed CommandStatus = "failed"
)

// Command is an audit record of a control command dispatched to a device.
type Command struct {
	ID       int64 `json:"id"`
	DeviceID int64 `json:"device_id"`

	// UserID is the human actor that issued the command, or nil when the
	// command originated from the system itself.
	UserID *int64 `json:"user_id,omitempty"`

	CommandType string         `json:"command_type"`
	Data        map[string]any `json:"command_data,omitempty"`
	Status      CommandStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}
