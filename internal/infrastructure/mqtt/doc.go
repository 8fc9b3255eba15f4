// Package mqtt provides MQTT client connectivity for Relay Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Relay Core uses MQTT as the message bus connecting the backend to relay
// devices in the field. Devices publish telemetry on relay/{external_id}/{kind}
// topics and receive commands on relay/{external_id}/command. The broker
// decouples the backend from device firmware.
//
//	Relay Core ↔ MQTT Broker ↔ Relay Devices
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device status updates
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStatus(), 0,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish command
//	envelope := mqtt.NewCommandEnvelope("turn_on", nil)
//	payload, _ := envelope.Encode()
//	client.Publish(mqtt.Topics{}.DeviceCommand("relay-4f2a"), payload, 1, false)
package mqtt
