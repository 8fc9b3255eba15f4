package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteSensorMetric writes a single sensor measurement to InfluxDB.
//
// This is the primary method for recording device telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - externalID: Device external identifier (e.g., "relay-4f2a")
//   - field: The sensor field name (e.g., "temperature", "humidity", "power")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteSensorMetric("relay-4f2a", "temperature", 21.5)
//	client.WriteSensorMetric("relay-4f2a", "power_watts", 23.0)
func (c *Client) WriteSensorMetric(externalID string, field string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sensor_readings",
		map[string]string{
			"device_id": externalID,
			"field":     field,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceStatus records a status transition for availability tracking.
//
// Status values are stored as a tag plus a numeric online indicator so
// dashboards can graph uptime without string parsing.
//
// Parameters:
//   - externalID: Device external identifier
//   - status: Device status (offline, online, on, off, error)
func (c *Client) WriteDeviceStatus(externalID string, status string) {
	if !c.IsConnected() {
		return
	}

	online := 0.0
	if status != "offline" && status != "error" {
		online = 1.0
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"device_id": externalID,
			"status":    status,
		},
		map[string]interface{}{
			"online": online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "relay-core-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
