// Package telemetry ingests device messages from the message bus.
//
// Devices publish four kinds of telemetry under relay/{external_id}/:
// status, sensor, error, and heartbeat. The ingestor subscribes to the
// matching wildcards, resolves the device through the registry cache,
// and fans each message out to the durable event log, the time-series
// store, WebSocket subscribers, and (for faults) the owner's alert
// channel.
//
// The pipeline is deliberately fail-soft. Telemetry is unauthenticated
// beyond broker credentials and devices misbehave in the field, so a
// message that cannot be understood is logged and dropped rather than
// allowed to disrupt processing.
package telemetry
