// Package control dispatches commands to relay devices over the message bus.
//
// The dispatcher is the single path for device commands regardless of
// where they originate (WebSocket clients, future REST surface, or the
// system itself). It enforces the device.control permission, resolves
// toggle against the device's last reported status, publishes the
// command envelope at QoS 1, and records every attempt in the command
// audit trail.
//
// Delivery is acknowledged by the broker, not the device: a sent
// command means the broker accepted it, and the device's resulting
// status report closes the loop through the telemetry pipeline.
package control
