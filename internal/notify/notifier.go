package notify

import (
	"context"
	"log/slog"
)

// Alert types raised by the telemetry pipeline.
const (
	AlertDeviceOffline   = "device_offline"
	AlertDeviceError     = "device_error"
	AlertLowBattery      = "low_battery"
	AlertSensorThreshold = "sensor_threshold"
	AlertMaintenance     = "maintenance"
)

// Notifier delivers device alerts to a user.
//
// Implementations must be safe for concurrent use. Delivery is best-effort:
// callers treat errors as non-fatal and must not block telemetry processing
// on them.
type Notifier interface {
	SendDeviceAlert(ctx context.Context, userID int64, deviceID int64, alertType, message string) error
}

// LogNotifier writes alerts to the structured log instead of an external
// channel. It is the default delivery path until an email or push provider
// is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// SendDeviceAlert logs the alert at warn level. Never returns an error.
func (n *LogNotifier) SendDeviceAlert(_ context.Context, userID int64, deviceID int64, alertType, message string) error {
	n.logger.Warn("device alert",
		"user_id", userID,
		"device_id", deviceID,
		"alert_type", alertType,
		"message", message,
	)
	return nil
}
