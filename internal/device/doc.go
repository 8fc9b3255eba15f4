// Package device manages the relay devices registered with the backend.
//
// It provides three layers:
//
//   - Repositories persist devices, their append-only event log, and the
//     command audit trail in SQLite.
//   - Registry wraps the repositories with an in-memory cache keyed by
//     database ID and by external ID, the identifier devices embed in
//     their MQTT topics. Telemetry handlers resolve every inbound
//     message through this cache.
//   - Service applies permission checks on top of the registry for all
//     actor-initiated operations.
//
// # Usage
//
//	// Create repositories and registry
//	repo := device.NewSQLiteRepository(db)
//	events := device.NewSQLiteEventRepository(db)
//	commands := device.NewSQLiteCommandRepository(db)
//	registry := device.NewRegistry(repo, events, commands)
//	registry.SetLogger(log)
//
//	// Load devices into cache on startup
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// Register a new device (actor-facing path)
//	svc := device.NewService(registry, evaluator, mqttClient)
//	dev := &device.Device{
//	    ExternalID: "relay-4f2a",
//	    Name:       "Garage Heater",
//	    DeviceType: "relay",
//	}
//	if err := svc.CreateDevice(ctx, actor, dev); err != nil {
//	    return err
//	}
//
//	// Telemetry hot path (no actor)
//	dev, _ := registry.GetDeviceByExternalID(ctx, "relay-4f2a")
//	registry.SetDeviceStatus(ctx, dev.ID, device.StatusOn)
//
// Devices carry a coarse status (offline, online, on, off, error)
// reported by the unit itself. Every observed change is appended to the
// event log, which is pruned on a retention schedule.
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex. The Repository implementations must also be thread-safe.
package device
