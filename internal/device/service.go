package device

import (
	"context"
	"reflect"

	"github.com/smartrelay/relay-core/internal/auth"
	"github.com/smartrelay/relay-core/internal/infrastructure/mqtt"
)

// Publisher sends messages to the message bus. Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Service applies permission checks and audit logging on top of the
// registry. All actor-initiated device operations go through here;
// the telemetry pipeline talks to the Registry directly because bus
// messages carry no actor.
type Service struct {
	registry  *Registry
	perms     *auth.Evaluator
	publisher Publisher
	topics    mqtt.Topics
	logger    Logger
}

// NewService creates a device service.
func NewService(registry *Registry, perms *auth.Evaluator, publisher Publisher) *Service {
	return &Service{
		registry:  registry,
		perms:     perms,
		publisher: publisher,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// CreateDevice registers a new device owned by the actor.
//
// The actor must hold device.create, which enforces the plan's device
// limit. Admins may register devices on behalf of another user by
// setting UserID beforehand; for everyone else ownership is forced to
// the actor.
func (s *Service) CreateDevice(ctx context.Context, actor auth.Actor, device *Device) error {
	if device == nil {
		return ErrInvalidDevice
	}

	if actor.Role != auth.RoleAdmin || device.UserID == 0 {
		device.UserID = actor.ID
	}

	if err := s.perms.Can(ctx, actor, auth.CapabilityDeviceCreate, device.UserID); err != nil {
		return err
	}

	if err := s.registry.CreateDevice(ctx, device); err != nil {
		return err
	}

	s.appendAuditEvent(ctx, actor, device.ID, EventDeviceCreated, map[string]any{
		"name":        device.Name,
		"external_id": device.ExternalID,
	})

	return nil
}

// GetDevice retrieves a device, enforcing read access.
func (s *Service) GetDevice(ctx context.Context, actor auth.Actor, id int64) (*Device, error) {
	device, err := s.registry.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.perms.Can(ctx, actor, auth.CapabilityDeviceRead, device.UserID); err != nil {
		return nil, err
	}

	return device, nil
}

// ListDevices returns the devices visible to the actor: everything for
// admins, the actor's own devices for everyone else.
func (s *Service) ListDevices(ctx context.Context, actor auth.Actor) ([]Device, error) {
	if actor.Role == auth.RoleAdmin {
		return s.registry.ListDevices(ctx)
	}
	return s.registry.ListDevicesByOwner(ctx, actor.ID)
}

// UpdateDevice modifies a device, enforcing update access.
//
// Ownership and external ID are immutable through this path. When the
// config changes, the new config is pushed to the device over the bus
// so the unit can apply it without polling.
func (s *Service) UpdateDevice(ctx context.Context, actor auth.Actor, device *Device) error {
	if device == nil {
		return ErrInvalidDevice
	}

	existing, err := s.registry.GetDevice(ctx, device.ID)
	if err != nil {
		return err
	}

	if err := s.perms.Can(ctx, actor, auth.CapabilityDeviceUpdate, existing.UserID); err != nil {
		return err
	}

	device.UserID = existing.UserID
	device.ExternalID = existing.ExternalID

	configChanged := !reflect.DeepEqual(existing.Config, device.Config)

	if err := s.registry.UpdateDevice(ctx, device); err != nil {
		return err
	}

	s.appendAuditEvent(ctx, actor, device.ID, EventDeviceUpdated, map[string]any{
		"name":           device.Name,
		"config_changed": configChanged,
	})

	if configChanged && s.publisher != nil {
		s.pushConfig(device)
	}

	return nil
}

// DeleteDevice removes a device and its history, enforcing delete access.
func (s *Service) DeleteDevice(ctx context.Context, actor auth.Actor, id int64) error {
	existing, err := s.registry.GetDevice(ctx, id)
	if err != nil {
		return err
	}

	if err := s.perms.Can(ctx, actor, auth.CapabilityDeviceDelete, existing.UserID); err != nil {
		return err
	}

	return s.registry.DeleteDevice(ctx, id)
}

// ListEvents returns a device's event log, enforcing read access.
func (s *Service) ListEvents(ctx context.Context, actor auth.Actor, deviceID int64, limit, offset int) ([]Event, int, error) {
	device, err := s.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, 0, err
	}

	if err := s.perms.Can(ctx, actor, auth.CapabilityDeviceRead, device.UserID); err != nil {
		return nil, 0, err
	}

	return s.registry.ListEvents(ctx, deviceID, limit, offset)
}

// ListCommands returns a device's command history, enforcing read access.
func (s *Service) ListCommands(ctx context.Context, actor auth.Actor, deviceID int64, limit int) ([]Command, error) {
	device, err := s.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if err := s.perms.Can(ctx, actor, auth.CapabilityDeviceRead, device.UserID); err != nil {
		return nil, err
	}

	return s.registry.ListCommands(ctx, deviceID, limit)
}

// appendAuditEvent logs a lifecycle event. Audit failures are logged
// but never fail the operation that triggered them.
func (s *Service) appendAuditEvent(ctx context.Context, actor auth.Actor, deviceID int64, eventType EventType, data map[string]any) {
	event := &Event{
		DeviceID: deviceID,
		Type:     eventType,
		Data:     data,
	}
	if !actor.IsSystem() {
		event.UserID = &actor.ID
	}

	if err := s.registry.AppendEvent(ctx, event); err != nil {
		s.logger.Error("appending audit event", "device_id", deviceID, "event_type", eventType, "error", err)
	}
}

// pushConfig sends the updated config to the device. Best-effort: the
// device re-syncs on reconnect if it misses the push.
func (s *Service) pushConfig(device *Device) {
	envelope := mqtt.NewCommandEnvelope("config_update", map[string]any(device.Config))
	payload, err := envelope.Encode()
	if err != nil {
		s.logger.Error("encoding config push", "device_id", device.ID, "error", err)
		return
	}

	topic := s.topics.DeviceCommand(device.ExternalID)
	if err := s.publisher.Publish(topic, payload, 1, false); err != nil {
		s.logger.Warn("pushing config to device", "device_id", device.ID, "topic", topic, "error", err)
	}
}
