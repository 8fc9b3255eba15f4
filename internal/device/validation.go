package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength       = 100
	maxLocationLength   = 100
	maxDeviceTypeLength = 50
	externalIDPattern   = `^[a-z0-9]+(?:[-_][a-z0-9]+)*$`
	maxExternalIDLength = 64

	// Size limits for the config JSON field to prevent memory exhaustion
	// from oversized payloads.
	maxConfigKeys     = 50
	maxStringValueLen = 1024
)

var externalIDRegex = regexp.MustCompile(externalIDPattern)

// ValidateDevice performs comprehensive validation on a device.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	if err := ValidateExternalID(d.ExternalID); err != nil {
		return err
	}

	if d.UserID <= 0 {
		return fmt.Errorf("%w: missing owner", ErrInvalidDevice)
	}

	if d.Status != "" && !IsValidStatus(d.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}

	if len(d.Location) > maxLocationLength {
		return fmt.Errorf("%w: location exceeds %d characters", ErrInvalidDevice, maxLocationLength)
	}

	if len(d.DeviceType) > maxDeviceTypeLength {
		return fmt.Errorf("%w: device_type exceeds %d characters", ErrInvalidDevice, maxDeviceTypeLength)
	}

	return validateConfig(d.Config)
}

// ValidateName checks a device name is non-empty and within length bounds.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateExternalID checks an external ID is usable as an MQTT topic segment.
//
// The value "system" is reserved for the backend's own status topic and
// is never a valid device identifier.
func ValidateExternalID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidExternalID)
	}
	if id == "system" {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidExternalID, id)
	}
	if len(id) > maxExternalIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidExternalID, maxExternalIDLength)
	}
	if !externalIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidExternalID, id)
	}
	return nil
}

// validateConfig applies size limits to the config map.
func validateConfig(cfg Config) error {
	if len(cfg) > maxConfigKeys {
		return fmt.Errorf("%w: config exceeds %d keys", ErrInvalidDevice, maxConfigKeys)
	}
	for k, v := range cfg {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: config key too long", ErrInvalidDevice)
		}
		if s, ok := v.(string); ok && len(s) > maxStringValueLen {
			return fmt.Errorf("%w: config value for %q too long", ErrInvalidDevice, k)
		}
	}
	return nil
}

// GenerateExternalID creates a new unique external ID for a device that
// does not bring its own. The relay- prefix keeps generated IDs visually
// distinct from hardware-assigned ones.
func GenerateExternalID() string {
	return "relay-" + uuid.New().String()[:8]
}
