package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout for the relay message bus.
//
// Devices publish telemetry on relay/{external_id}/{kind} where kind is one of
// status, sensor, error or heartbeat. The backend publishes commands on
// relay/{external_id}/command. The backend's own availability is announced on
// relay/system/status, so "system" is a reserved device identifier.
const (
	// TopicPrefix is the base for all relay topics.
	TopicPrefix = "relay"

	// systemSegment is the reserved identifier for backend status topics.
	systemSegment = "system"
)

// Telemetry kinds carried in the last topic segment of device publications.
const (
	KindStatus    = "status"
	KindSensor    = "sensor"
	KindError     = "error"
	KindHeartbeat = "heartbeat"
)

// Topics provides builders for relay MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("relay-4f2a")
//	// Returns: "relay/relay-4f2a/command"
type Topics struct{}

// DeviceStatus returns the topic a device publishes status transitions on.
//
// Example: relay/relay-4f2a/status
func (Topics) DeviceStatus(externalID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, externalID, KindStatus)
}

// DeviceSensor returns the topic a device publishes sensor readings on.
//
// Example: relay/relay-4f2a/sensor
func (Topics) DeviceSensor(externalID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, externalID, KindSensor)
}

// DeviceError returns the topic a device publishes fault reports on.
//
// Example: relay/relay-4f2a/error
func (Topics) DeviceError(externalID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, externalID, KindError)
}

// DeviceHeartbeat returns the topic a device publishes liveness pings on.
//
// Example: relay/relay-4f2a/heartbeat
func (Topics) DeviceHeartbeat(externalID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, externalID, KindHeartbeat)
}

// DeviceCommand returns the topic the backend publishes commands on.
//
// Example: relay/relay-4f2a/command
func (Topics) DeviceCommand(externalID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, externalID)
}

// SystemStatus returns the backend availability topic.
// Used for the LWT and for graceful online/offline announcements.
//
// Example: relay/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, systemSegment)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceStatus returns a pattern matching status updates from every device.
//
// Pattern: relay/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, KindStatus)
}

// AllDeviceSensor returns a pattern matching sensor readings from every device.
//
// Pattern: relay/+/sensor
func (Topics) AllDeviceSensor() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, KindSensor)
}

// AllDeviceError returns a pattern matching error reports from every device.
//
// Pattern: relay/+/error
func (Topics) AllDeviceError() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, KindError)
}

// AllDeviceHeartbeat returns a pattern matching heartbeats from every device.
//
// Pattern: relay/+/heartbeat
func (Topics) AllDeviceHeartbeat() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, KindHeartbeat)
}

// AllTopics returns a pattern matching all relay topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: relay/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// ParseDeviceTopic extracts the device external ID and telemetry kind from a
// topic received on one of the AllDevice* wildcard subscriptions.
//
// The reserved "system" segment and unknown kinds are rejected so handlers can
// drop backend status echoes and stray traffic without guessing.
//
// Returns:
//   - externalID: The device identifier from the middle segment
//   - kind: One of KindStatus, KindSensor, KindError, KindHeartbeat
//   - error: If the topic does not match relay/{external_id}/{kind}
func ParseDeviceTopic(topic string) (externalID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	externalID, kind = parts[1], parts[2]
	if externalID == "" || externalID == systemSegment {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	switch kind {
	case KindStatus, KindSensor, KindError, KindHeartbeat:
		return externalID, kind, nil
	default:
		return "", "", fmt.Errorf("%w: unknown kind in %q", ErrInvalidTopic, topic)
	}
}
