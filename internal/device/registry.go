package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps the device, event, and command repositories and adds an
// in-memory cache for fast lookups on the telemetry hot path.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations. External IDs arrive on every
// MQTT message, so a secondary index maps them to device IDs.
//
// All public methods are thread-safe.
type Registry struct {
	repo     Repository
	events   EventRepository
	commands CommandRepository

	cache      map[int64]*Device // Cached devices by ID
	byExternal map[string]int64  // external_id -> device ID
	cacheMu    sync.RWMutex      // Protects cache and byExternal
	logger     Logger
}

// NewRegistry creates a new device registry.
// The repositories are used for persistence; the registry adds caching.
func NewRegistry(repo Repository, events EventRepository, commands CommandRepository) *Registry {
	return &Registry{
		repo:       repo,
		events:     events,
		commands:   commands,
		cache:      make(map[int64]*Device),
		byExternal: make(map[string]int64),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies
	r.cache = make(map[int64]*Device, len(devices))
	r.byExternal = make(map[string]int64, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
		r.byExternal[d.ExternalID] = d.ID
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id int64) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheDevice(device)
	return device, nil
}

// GetDeviceByExternalID retrieves a device by its MQTT topic identifier.
// This is the hot lookup for every inbound telemetry message.
func (r *Registry) GetDeviceByExternalID(ctx context.Context, externalID string) (*Device, error) {
	r.cacheMu.RLock()
	id, ok := r.byExternal[externalID]
	var cached *Device
	if ok {
		cached = r.cache[id]
	}
	r.cacheMu.RUnlock()

	if cached != nil {
		return cached.DeepCopy(), nil
	}

	device, err := r.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	r.cacheDevice(device)
	return device, nil
}

// ListDevices retrieves all devices.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Return from cache if populated
	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	return r.repo.List(ctx)
}

// ListDevicesByOwner retrieves all devices belonging to a user.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevicesByOwner(ctx context.Context, userID int64) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.UserID == userID {
				devices = append(devices, *d.DeepCopy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByOwner(ctx, userID)
}

// ListDevicesByStatus retrieves all devices with a specific status.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevicesByStatus(ctx context.Context, status Status) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.Status == status {
				devices = append(devices, *d.DeepCopy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByStatus(ctx, status)
}

// CreateDevice creates a new device.
// It validates the device, generates an external ID if needed, and persists it.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device != nil && device.ExternalID == "" {
		device.ExternalID = GenerateExternalID()
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheDevice(device)

	r.logger.Info("device created", "id", device.ID, "external_id", device.ExternalID, "name", device.Name)
	return nil
}

// UpdateDevice updates an existing device.
// It validates the device and persists the changes.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	if err := ValidateDevice(device); err != nil {
		return err
	}

	existing, err := r.GetDevice(ctx, device.ID)
	if err != nil {
		return err
	}

	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if existing.ExternalID != device.ExternalID {
		delete(r.byExternal, existing.ExternalID)
	}
	r.cache[device.ID] = device.DeepCopy()
	r.byExternal[device.ExternalID] = device.ID
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device along with its event log and command history.
func (r *Registry) DeleteDevice(ctx context.Context, id int64) error {
	r.cacheMu.RLock()
	cached := r.cache[id]
	r.cacheMu.RUnlock()

	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached != nil {
		delete(r.byExternal, cached.ExternalID)
	}
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetDeviceStatus updates the status of a device.
// This is optimised for frequent updates from the telemetry pipeline.
func (r *Registry) SetDeviceStatus(ctx context.Context, id int64, status Status) error {
	if err := r.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Status = status
		now := time.Now().UTC()
		updated.LastSeen = &now
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device status updated", "id", id, "status", status)
	return nil
}

// TouchLastSeen refreshes the device's last_seen timestamp.
func (r *Registry) TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error {
	if err := r.repo.TouchLastSeen(ctx, id, seenAt); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		seen := seenAt.UTC()
		updated.LastSeen = &seen
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	return nil
}

// AppendEvent records an event in the device event log.
func (r *Registry) AppendEvent(ctx context.Context, event *Event) error {
	return r.events.Append(ctx, event)
}

// ListEvents returns recent events for a device with the total count.
func (r *Registry) ListEvents(ctx context.Context, deviceID int64, limit, offset int) ([]Event, int, error) {
	return r.events.List(ctx, deviceID, limit, offset)
}

// LatestStatusChange returns the most recent status_change event for a device.
func (r *Registry) LatestStatusChange(ctx context.Context, deviceID int64) (*Event, error) {
	return r.events.LatestStatusChange(ctx, deviceID)
}

// PruneEvents deletes events older than the retention window.
func (r *Registry) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	return r.events.Prune(ctx, olderThan)
}

// RecordCommand persists a command dispatch attempt.
func (r *Registry) RecordCommand(ctx context.Context, command *Command) error {
	return r.commands.Record(ctx, command)
}

// ListCommands returns recent commands for a device.
func (r *Registry) ListCommands(ctx context.Context, deviceID int64, limit int) ([]Command, error) {
	return r.commands.List(ctx, deviceID, limit)
}

// CountByOwner returns the number of devices a user owns.
// The repository is authoritative here: the count feeds plan limit
// enforcement, so a partially warmed cache must not undercount.
func (r *Registry) CountByOwner(ctx context.Context, userID int64) (int, error) {
	return r.repo.CountByOwner(ctx, userID)
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// cacheDevice stores a deep copy of the device in the cache.
func (r *Registry) cacheDevice(device *Device) {
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.byExternal[device.ExternalID] = device.ID
	r.cacheMu.Unlock()
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int
	ByStatus     map[Status]int
	ByDeviceType map[string]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByStatus:     make(map[Status]int),
		ByDeviceType: make(map[string]int),
	}

	for _, d := range r.cache {
		stats.ByStatus[d.Status]++
		if d.DeviceType != "" {
			stats.ByDeviceType[d.DeviceType]++
		}
	}

	return stats
}
