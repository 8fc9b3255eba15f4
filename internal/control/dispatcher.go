package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/smartrelay/relay-core/internal/auth"
	"github.com/smartrelay/relay-core/internal/device"
	"github.com/smartrelay/relay-core/internal/infrastructure/mqtt"
)

// ErrInvalidAction is returned for commands outside the supported set.
var ErrInvalidAction = errors.New("control: invalid action")

// Supported command actions.
const (
	ActionTurnOn  = "turn_on"
	ActionTurnOff = "turn_off"
	ActionReset   = "reset"
	ActionToggle  = "toggle"
)

// Publisher sends messages to the message bus. Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Result describes the outcome of a dispatch attempt.
//
// Delivered is false when the broker publish failed; the command is
// still recorded in the audit trail with status failed.
type Result struct {
	// Action is the concrete command sent to the device. For toggle this
	// is the resolved turn_on or turn_off.
	Action string

	// Delivered reports whether the broker accepted the publish.
	Delivered bool

	// Command is the recorded audit row.
	Command *device.Command
}

// Dispatcher validates, authorises, and delivers device commands.
//
// Commands are published at QoS 1: a lost relay command is worse than a
// duplicate, and devices treat repeated commands idempotently.
type Dispatcher struct {
	registry  *device.Registry
	perms     *auth.Evaluator
	publisher Publisher
	topics    mqtt.Topics
	logger    device.Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(registry *device.Registry, perms *auth.Evaluator, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		perms:     perms,
		publisher: publisher,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger device.Logger) {
	d.logger = logger
}

// Control dispatches a command to a device on behalf of an actor.
//
// The actor must hold device.control for the target device. Toggle is
// resolved against the device's current status before publishing, so
// the device only ever receives concrete turn_on/turn_off commands.
//
// A failed broker publish is not a dispatch error: the attempt is
// recorded with status failed and reported through the Result so the
// caller can surface it to the user.
func (d *Dispatcher) Control(ctx context.Context, actor auth.Actor, deviceID int64, action string, params map[string]any) (*Result, error) {
	dev, err := d.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if err := d.perms.Can(ctx, actor, auth.CapabilityDeviceControl, dev.UserID); err != nil {
		return nil, err
	}

	resolved, err := resolveAction(action, dev.Status)
	if err != nil {
		return nil, err
	}

	envelope := mqtt.NewCommandEnvelope(resolved, params)
	payload, err := envelope.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	topic := d.topics.DeviceCommand(dev.ExternalID)
	status := device.CommandSent
	delivered := true
	if err := d.publisher.Publish(topic, payload, 1, false); err != nil {
		d.logger.Warn("command publish failed",
			"device_id", dev.ID, "action", resolved, "topic", topic, "error", err)
		status = device.CommandFailed
		delivered = false
	}

	command := &device.Command{
		DeviceID:    dev.ID,
		CommandType: resolved,
		Data:        params,
		Status:      status,
	}
	if !actor.IsSystem() {
		command.UserID = &actor.ID
	}

	if err := d.registry.RecordCommand(ctx, command); err != nil {
		// The command may already be on the wire; losing the audit row is
		// a real failure even if delivery succeeded.
		return nil, fmt.Errorf("recording command: %w", err)
	}

	d.logger.Info("command dispatched",
		"device_id", dev.ID, "action", resolved, "status", status)

	return &Result{
		Action:    resolved,
		Delivered: delivered,
		Command:   command,
	}, nil
}

// resolveAction validates the requested action and resolves toggle
// against the current device status.
func resolveAction(action string, status device.Status) (string, error) {
	switch action {
	case ActionTurnOn, ActionTurnOff, ActionReset:
		return action, nil
	case ActionToggle:
		if status == device.StatusOn {
			return ActionTurnOff, nil
		}
		return ActionTurnOn, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
