package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smartrelay/relay-core/internal/device"
	"github.com/smartrelay/relay-core/internal/infrastructure/mqtt"
	"github.com/smartrelay/relay-core/internal/notify"
)

// Subscriber registers message handlers with the bus. Satisfied by *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Broadcaster pushes device events to connected WebSocket clients.
// Satisfied by *api.Hub.
type Broadcaster interface {
	PushDeviceEvent(deviceID, ownerID int64, kind string, payload map[string]any)
}

// MetricsWriter forwards telemetry to the time-series store. Writes
// are asynchronous; failures surface through the store's error
// callback. Satisfied by *influxdb.Client.
type MetricsWriter interface {
	WriteSensorMetric(externalID, field string, value float64)
	WriteDeviceStatus(externalID, status string)
}

// Logger defines the logging interface used by the Ingestor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Ingestor consumes device telemetry from the message bus and fans it
// out to the registry, the event log, the time-series store, WebSocket
// subscribers, and the alert channel.
//
// Processing is fail-soft: malformed payloads, unknown devices, and
// unrecognised values are dropped with a warning. One bad device must
// never stall the pipeline for the rest of the fleet.
type Ingestor struct {
	registry    *device.Registry
	broadcaster Broadcaster
	metrics     MetricsWriter
	notifier    notify.Notifier
	topics      mqtt.Topics
	logger      Logger

	ctx context.Context
}

// NewIngestor creates a telemetry ingestor.
//
// broadcaster, metrics, and notifier are optional; nil disables the
// corresponding fan-out.
func NewIngestor(registry *device.Registry, broadcaster Broadcaster, metrics MetricsWriter, notifier notify.Notifier, logger Logger) *Ingestor {
	return &Ingestor{
		registry:    registry,
		broadcaster: broadcaster,
		metrics:     metrics,
		notifier:    notifier,
		logger:      logger,
		ctx:         context.Background(),
	}
}

// Start subscribes to the device telemetry topics.
//
// Telemetry is subscribed at QoS 0: readings are frequent and a lost
// sample is cheaper than redelivery backlog after a reconnect.
func (i *Ingestor) Start(ctx context.Context, bus Subscriber) error {
	i.ctx = ctx

	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{i.topics.AllDeviceStatus(), i.routed(i.handleStatus)},
		{i.topics.AllDeviceSensor(), i.routed(i.handleSensor)},
		{i.topics.AllDeviceError(), i.routed(i.handleError)},
		{i.topics.AllDeviceHeartbeat(), i.routed(i.handleHeartbeat)},
	}

	for _, sub := range subscriptions {
		if err := bus.Subscribe(sub.topic, 0, sub.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", sub.topic, err)
		}
	}

	i.logger.Info("telemetry ingestor started", "subscriptions", len(subscriptions))
	return nil
}

// deviceHandler processes one message for a resolved device.
type deviceHandler func(ctx context.Context, dev *device.Device, payload []byte) error

// routed wraps a device handler with topic parsing and device lookup.
// Messages for unknown devices are dropped with a warning.
func (i *Ingestor) routed(handler deviceHandler) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		externalID, _, err := mqtt.ParseDeviceTopic(topic)
		if err != nil {
			i.logger.Warn("dropping message on unparseable topic", "topic", topic, "error", err)
			return nil
		}

		dev, err := i.registry.GetDeviceByExternalID(i.ctx, externalID)
		if err != nil {
			i.logger.Warn("dropping message from unknown device", "external_id", externalID, "topic", topic)
			return nil
		}

		return handler(i.ctx, dev, payload)
	}
}

// handleStatus applies a device-reported status change. Every accepted
// status report is appended to the event log with its raw payload
// document, even when the status value is unchanged.
func (i *Ingestor) handleStatus(ctx context.Context, dev *device.Device, payload []byte) error {
	var report map[string]any
	if err := json.Unmarshal(payload, &report); err != nil {
		i.logger.Warn("dropping malformed status payload", "external_id", dev.ExternalID, "error", err)
		return nil
	}

	statusValue, _ := report["status"].(string)
	if statusValue == "" {
		i.logger.Warn("dropping status payload without status field", "external_id", dev.ExternalID)
		return nil
	}

	newStatus := device.Status(statusValue)
	if !device.IsValidStatus(newStatus) {
		i.logger.Warn("dropping unknown status value", "external_id", dev.ExternalID, "status", statusValue)
		return nil
	}

	if err := i.registry.SetDeviceStatus(ctx, dev.ID, newStatus); err != nil {
		return fmt.Errorf("applying status for %s: %w", dev.ExternalID, err)
	}

	i.appendEvent(ctx, dev.ID, device.EventStatusChange, report)

	i.writeStatusMetric(dev.ExternalID, string(newStatus))
	i.push(dev, "device_status", map[string]any{
		"device_id":   dev.ID,
		"external_id": dev.ExternalID,
		"status":      string(newStatus),
	})

	return nil
}

// handleSensor records a sensor reading payload.
func (i *Ingestor) handleSensor(ctx context.Context, dev *device.Device, payload []byte) error {
	var readings map[string]any
	if err := json.Unmarshal(payload, &readings); err != nil || len(readings) == 0 {
		i.logger.Warn("dropping malformed sensor payload", "external_id", dev.ExternalID, "error", err)
		return nil
	}

	i.appendEvent(ctx, dev.ID, device.EventSensorReading, readings)

	if err := i.registry.TouchLastSeen(ctx, dev.ID, time.Now().UTC()); err != nil {
		i.logger.Warn("updating last_seen", "external_id", dev.ExternalID, "error", err)
	}

	if i.metrics != nil {
		for field, value := range readings {
			if num, ok := value.(float64); ok {
				i.metrics.WriteSensorMetric(dev.ExternalID, field, num)
			}
		}
	}

	i.push(dev, "sensor_data", map[string]any{
		"device_id":   dev.ID,
		"external_id": dev.ExternalID,
		"readings":    readings,
	})

	return nil
}

// errorReport is the payload devices publish on their error topic.
type errorReport struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// handleError records a device-reported fault and alerts the owner.
func (i *Ingestor) handleError(ctx context.Context, dev *device.Device, payload []byte) error {
	var report errorReport
	if err := json.Unmarshal(payload, &report); err != nil {
		i.logger.Warn("dropping malformed error payload", "external_id", dev.ExternalID, "error", err)
		return nil
	}
	if report.Message == "" {
		report.Message = "device reported an unspecified error"
	}

	data := map[string]any{"message": report.Message}
	if report.Code != "" {
		data["code"] = report.Code
	}
	i.appendEvent(ctx, dev.ID, device.EventError, data)

	if err := i.registry.SetDeviceStatus(ctx, dev.ID, device.StatusError); err != nil {
		return fmt.Errorf("applying error status for %s: %w", dev.ExternalID, err)
	}
	i.writeStatusMetric(dev.ExternalID, string(device.StatusError))

	if i.notifier != nil {
		if err := i.notifier.SendDeviceAlert(ctx, dev.UserID, dev.ID, notify.AlertDeviceError, report.Message); err != nil {
			i.logger.Warn("sending device alert", "external_id", dev.ExternalID, "error", err)
		}
	}

	i.push(dev, "device_error", map[string]any{
		"device_id":   dev.ID,
		"external_id": dev.ExternalID,
		"message":     report.Message,
	})

	return nil
}

// handleHeartbeat refreshes liveness. Any device that is not already
// online is marked online: a heartbeat proves the unit is reachable
// regardless of what it last reported.
func (i *Ingestor) handleHeartbeat(ctx context.Context, dev *device.Device, _ []byte) error {
	if dev.Status != device.StatusOnline {
		if err := i.registry.SetDeviceStatus(ctx, dev.ID, device.StatusOnline); err != nil {
			return fmt.Errorf("reviving %s: %w", dev.ExternalID, err)
		}
		i.appendEvent(ctx, dev.ID, device.EventStatusChange, map[string]any{
			"old": string(dev.Status),
			"new": string(device.StatusOnline),
		})
		i.writeStatusMetric(dev.ExternalID, string(device.StatusOnline))
		return nil
	}

	if err := i.registry.TouchLastSeen(ctx, dev.ID, time.Now().UTC()); err != nil {
		i.logger.Warn("updating last_seen", "external_id", dev.ExternalID, "error", err)
	}
	return nil
}

// appendEvent logs a bus-originated event. These carry no user
// attribution: the device itself is the actor.
func (i *Ingestor) appendEvent(ctx context.Context, deviceID int64, eventType device.EventType, data map[string]any) {
	event := &device.Event{
		DeviceID: deviceID,
		Type:     eventType,
		Data:     data,
	}
	if err := i.registry.AppendEvent(ctx, event); err != nil {
		i.logger.Error("appending telemetry event", "device_id", deviceID, "event_type", eventType, "error", err)
	}
}

// push forwards an event to WebSocket subscribers if a broadcaster is wired.
func (i *Ingestor) push(dev *device.Device, kind string, payload map[string]any) {
	if i.broadcaster == nil {
		return
	}
	i.broadcaster.PushDeviceEvent(dev.ID, dev.UserID, kind, payload)
}

// writeStatusMetric forwards a status transition to the time-series store.
func (i *Ingestor) writeStatusMetric(externalID, status string) {
	if i.metrics == nil {
		return
	}
	i.metrics.WriteDeviceStatus(externalID, status)
}
