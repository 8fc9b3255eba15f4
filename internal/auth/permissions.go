package auth

import (
	"context"
	"fmt"
)

// Capability represents a named permission in the system.
//
// The set is closed: every capability the application checks is declared
// here, and Evaluator.Can rejects anything else. There is no wildcard or
// prefix matching, so a typo in a call site fails loudly instead of being
// silently granted.
type Capability string

// Capability constants.
const (
	CapabilityDeviceCreate  Capability = "device.create"
	CapabilityDeviceRead    Capability = "device.read"
	CapabilityDeviceUpdate  Capability = "device.update"
	CapabilityDeviceDelete  Capability = "device.delete"
	CapabilityDeviceControl Capability = "device.control"
	CapabilityAdminUsers    Capability = "admin.users"
	CapabilityAdminBilling  Capability = "admin.billing"
	CapabilityAdminSystem   Capability = "admin.system"
)

// DeviceCounter reports how many devices a user currently owns.
// Implemented by the device registry.
type DeviceCounter interface {
	CountByOwner(ctx context.Context, ownerID int64) (int, error)
}

// PlanSource resolves the device limit from a user's subscription plan.
// Implementations return (0, nil) when the user has no active subscription,
// in which case the evaluator falls back to the configured default limit.
type PlanSource interface {
	MaxDevices(ctx context.Context, userID int64) (int, error)
}

// Evaluator decides whether an actor may perform a capability, applying
// role rules, device ownership, and subscription plan limits.
type Evaluator struct {
	devices           DeviceCounter
	plans             PlanSource
	defaultMaxDevices int
}

// NewEvaluator creates a permission evaluator.
//
// Parameters:
//   - devices: Device ownership counts (for plan limit enforcement)
//   - plans: Subscription plan limits (nil-safe: may be a no-subscription stub)
//   - defaultMaxDevices: Limit applied when a user has no active subscription
func NewEvaluator(devices DeviceCounter, plans PlanSource, defaultMaxDevices int) *Evaluator {
	return &Evaluator{
		devices:           devices,
		plans:             plans,
		defaultMaxDevices: defaultMaxDevices,
	}
}

// Can checks whether the actor may perform the capability.
//
// For device capabilities other than create, resourceOwnerID is the owner of
// the target device. For device.create and admin.* it is ignored.
//
// Returns nil when permitted. Denials are reported as ErrForbidden or
// ErrDeviceLimitReached; unrecognised capabilities as ErrUnknownCapability.
func (e *Evaluator) Can(ctx context.Context, actor Actor, capability Capability, resourceOwnerID int64) error {
	switch capability {
	case CapabilityDeviceCreate:
		return e.canCreateDevice(ctx, actor)

	case CapabilityDeviceRead:
		return canAccessDevice(actor, resourceOwnerID, true)

	case CapabilityDeviceUpdate, CapabilityDeviceDelete, CapabilityDeviceControl:
		return canAccessDevice(actor, resourceOwnerID, false)

	case CapabilityAdminUsers, CapabilityAdminBilling, CapabilityAdminSystem:
		// Admin capabilities never extend to the system identity
		if actor.Role == RoleAdmin {
			return nil
		}
		return ErrForbidden

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
}

// canCreateDevice enforces the subscription plan device limit.
//
// Admins bypass the limit. Viewers and the system identity cannot register
// devices at all.
func (e *Evaluator) canCreateDevice(ctx context.Context, actor Actor) error {
	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleUser:
		// fall through to limit check
	default:
		return ErrForbidden
	}

	limit, err := e.plans.MaxDevices(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("resolving device limit: %w", err)
	}
	if limit <= 0 {
		limit = e.defaultMaxDevices
	}

	count, err := e.devices.CountByOwner(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("counting owned devices: %w", err)
	}
	if count >= limit {
		return fmt.Errorf("%w: %d of %d devices in use", ErrDeviceLimitReached, count, limit)
	}

	return nil
}

// canAccessDevice applies ownership rules for device capabilities.
//
// Admins and the system identity access any device. Owners access their own.
// Viewers are restricted to read on their own devices.
func canAccessDevice(actor Actor, resourceOwnerID int64, readOnly bool) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleUser:
		if actor.ID == resourceOwnerID {
			return nil
		}
		return ErrForbidden
	case RoleViewer:
		if readOnly && actor.ID == resourceOwnerID {
			return nil
		}
		return ErrForbidden
	default:
		return ErrForbidden
	}
}
