package telemetry

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smartrelay/relay-core/internal/device"
	"github.com/smartrelay/relay-core/internal/infrastructure/mqtt"
)

// testLogger discards all output.
type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

// fakeBus records subscriptions and lets tests inject messages.
type fakeBus struct {
	handlers map[string]mqtt.MessageHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.handlers[topic] = handler
	return nil
}

// deliver routes a message the way the broker would: to the wildcard
// subscription matching the topic's kind segment.
func (b *fakeBus) deliver(t *testing.T, topic string, payload []byte) error {
	t.Helper()

	_, kind, err := mqtt.ParseDeviceTopic(topic)
	if err != nil {
		t.Fatalf("test delivered unparseable topic %q: %v", topic, err)
	}
	handler, ok := b.handlers["relay/+/"+kind]
	if !ok {
		t.Fatalf("no subscription for kind %q", kind)
	}
	return handler(topic, payload)
}

// fakeBroadcaster records pushed events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	kinds  []string
	owners []int64
}

func (f *fakeBroadcaster) PushDeviceEvent(_, ownerID int64, kind string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.owners = append(f.owners, ownerID)
}

// fakeMetrics records time-series writes.
type fakeMetrics struct {
	mu       sync.Mutex
	sensors  map[string]float64
	statuses []string
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{sensors: make(map[string]float64)}
}

func (f *fakeMetrics) WriteSensorMetric(_, field string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensors[field] = value
}

func (f *fakeMetrics) WriteDeviceStatus(_, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

// fakeNotifier records device alerts.
type fakeNotifier struct {
	mu       sync.Mutex
	alerts   []string
	userIDs  []int64
	messages []string
}

func (f *fakeNotifier) SendDeviceAlert(_ context.Context, userID, _ int64, alertType, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alertType)
	f.userIDs = append(f.userIDs, userID)
	f.messages = append(f.messages, message)
	return nil
}

type fixture struct {
	ingestor    *Ingestor
	registry    *device.Registry
	bus         *fakeBus
	broadcaster *fakeBroadcaster
	metrics     *fakeMetrics
	notifier    *fakeNotifier
	device      *device.Device
}

// setupIngestor wires an ingestor over an in-memory database with one
// seeded device owned by user 1, external ID relay-t1, status offline.
func setupIngestor(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			location TEXT,
			device_type TEXT,
			status TEXT NOT NULL DEFAULT 'offline',
			config TEXT NOT NULL DEFAULT '{}',
			last_seen TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE TABLE device_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			data TEXT,
			user_id INTEGER,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE device_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			user_id INTEGER,
			command_type TEXT NOT NULL,
			command_data TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	registry := device.NewRegistry(
		device.NewSQLiteRepository(db),
		device.NewSQLiteEventRepository(db),
		device.NewSQLiteCommandRepository(db),
	)

	dev := &device.Device{ExternalID: "relay-t1", UserID: 1, Name: "Telemetry Device"}
	if err := registry.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seeding device: %v", err)
	}

	f := &fixture{
		registry:    registry,
		bus:         newFakeBus(),
		broadcaster: &fakeBroadcaster{},
		metrics:     newFakeMetrics(),
		notifier:    &fakeNotifier{},
		device:      dev,
	}
	f.ingestor = NewIngestor(registry, f.broadcaster, f.metrics, f.notifier, testLogger{})

	if err := f.ingestor.Start(context.Background(), f.bus); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return f
}

func TestIngestor_Start_SubscribesAllKinds(t *testing.T) {
	f := setupIngestor(t)

	want := []string{"relay/+/status", "relay/+/sensor", "relay/+/error", "relay/+/heartbeat"}
	for _, topic := range want {
		if _, ok := f.bus.handlers[topic]; !ok {
			t.Errorf("missing subscription for %s", topic)
		}
	}
	if len(f.bus.handlers) != len(want) {
		t.Errorf("subscribed to %d topics, want %d", len(f.bus.handlers), len(want))
	}
}

func TestIngestor_StatusMessage(t *testing.T) {
	f := setupIngestor(t)
	ctx := context.Background()

	err := f.bus.deliver(t, "relay/relay-t1/status", []byte(`{"status":"on","rssi":-52}`))
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	got, err := f.registry.GetDevice(ctx, f.device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != device.StatusOn {
		t.Errorf("Status = %q, want on", got.Status)
	}
	if got.LastSeen == nil {
		t.Error("LastSeen should be set by status update")
	}

	events, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if total != 1 {
		t.Fatalf("events = %d, want 1 status_change", total)
	}
	if events[0].Type != device.EventStatusChange {
		t.Errorf("event type = %q, want status_change", events[0].Type)
	}
	if events[0].UserID != nil {
		t.Errorf("event UserID = %v, want nil for bus-originated event", events[0].UserID)
	}
	// The event carries the raw payload document, extra fields included
	if events[0].Data["status"] != "on" || events[0].Data["rssi"] != float64(-52) {
		t.Errorf("event data = %v, want raw payload with status and rssi", events[0].Data)
	}

	if len(f.broadcaster.kinds) != 1 || f.broadcaster.kinds[0] != "device_status" {
		t.Errorf("pushed kinds = %v, want [device_status]", f.broadcaster.kinds)
	}
	if f.broadcaster.owners[0] != 1 {
		t.Errorf("pushed owner = %d, want 1", f.broadcaster.owners[0])
	}
	if len(f.metrics.statuses) != 1 || f.metrics.statuses[0] != "on" {
		t.Errorf("status metrics = %v, want [on]", f.metrics.statuses)
	}
}

func TestIngestor_StatusRepeated_AppendsEachReport(t *testing.T) {
	f := setupIngestor(t)
	ctx := context.Background()

	// Every accepted status report is logged, even when the value is
	// unchanged: the event log is the device's report history
	for i := 0; i < 2; i++ {
		if err := f.bus.deliver(t, "relay/relay-t1/status", []byte(`{"status":"on"}`)); err != nil {
			t.Fatalf("deliver() error = %v", err)
		}
	}

	events, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if total != 2 {
		t.Fatalf("events = %d, want 2 status_change", total)
	}
	for _, event := range events {
		if event.Type != device.EventStatusChange {
			t.Errorf("event type = %q, want status_change", event.Type)
		}
		if event.Data["status"] != "on" {
			t.Errorf("event data = %v, want raw payload with status=on", event.Data)
		}
	}
}

func TestIngestor_FailSoft(t *testing.T) {
	f := setupIngestor(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		topic   string
		payload []byte
	}{
		{"malformed status JSON", "relay/relay-t1/status", []byte(`{not json`)},
		{"empty status", "relay/relay-t1/status", []byte(`{}`)},
		{"unknown status value", "relay/relay-t1/status", []byte(`{"status":"sleeping"}`)},
		{"unknown device", "relay/relay-ghost/status", []byte(`{"status":"on"}`)},
		{"malformed sensor JSON", "relay/relay-t1/sensor", []byte(`"just a string"`)},
		{"empty sensor payload", "relay/relay-t1/sensor", []byte(`{}`)},
		{"malformed error JSON", "relay/relay-t1/error", []byte(`[1,2,3]`)},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.bus.deliver(t, tt.topic, tt.payload); err != nil {
				t.Errorf("deliver() error = %v, want nil (fail-soft drop)", err)
			}
		})
	}

	// Nothing should have been recorded or pushed
	_, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if total != 0 {
		t.Errorf("events = %d, want 0 after dropped messages", total)
	}
	got, err := f.registry.GetDevice(ctx, f.device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != device.StatusOffline {
		t.Errorf("Status = %q, dropped messages must not change state", got.Status)
	}
}

func TestIngestor_SensorMessage(t *testing.T) {
	f := setupIngestor(t)
	ctx := context.Background()

	payload := []byte(`{"temperature": 21.5, "humidity": 48.0, "firmware": "1.2.0"}`)
	if err := f.bus.deliver(t, "relay/relay-t1/sensor", payload); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	events, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if total != 1 || events[0].Type != device.EventSensorReading {
		t.Fatalf("events = %+v, want one sensor_reading", events)
	}
	if events[0].Data["temperature"] != 21.5 {
		t.Errorf("event data = %v, want temperature=21.5", events[0].Data)
	}

	got, err := f.registry.GetDevice(ctx, f.device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.LastSeen == nil {
		t.Error("LastSeen should be touched by sensor message")
	}
	if got.Status != device.StatusOffline {
		t.Errorf("Status = %q, sensor message must not change status", got.Status)
	}

	// Only numeric fields reach the time-series store
	if len(f.metrics.sensors) != 2 {
		t.Errorf("sensor metrics = %v, want temperature and humidity only", f.metrics.sensors)
	}
	if f.metrics.sensors["temperature"] != 21.5 {
		t.Errorf("temperature metric = %v, want 21.5", f.metrics.sensors["temperature"])
	}

	if len(f.broadcaster.kinds) != 1 || f.broadcaster.kinds[0] != "sensor_data" {
		t.Errorf("pushed kinds = %v, want [sensor_data]", f.broadcaster.kinds)
	}
}

func TestIngestor_ErrorMessage(t *testing.T) {
	f := setupIngestor(t)
	ctx := context.Background()

	payload := []byte(`{"message": "relay stuck", "code": "E42"}`)
	if err := f.bus.deliver(t, "relay/relay-t1/error", payload); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	got, err := f.registry.GetDevice(ctx, f.device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != device.StatusError {
		t.Errorf("Status = %q, want error", got.Status)
	}

	events, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if total != 1 || events[0].Type != device.EventError {
		t.Fatalf("events = %+v, want one error event", events)
	}
	if events[0].Data["message"] != "relay stuck" || events[0].Data["code"] != "E42" {
		t.Errorf("event data = %v, want message and code", events[0].Data)
	}

	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0] != "device_error" {
		t.Errorf("alerts = %v, want [device_error]", f.notifier.alerts)
	}
	if f.notifier.userIDs[0] != 1 {
		t.Errorf("alerted user = %d, want owner 1", f.notifier.userIDs[0])
	}
	if f.notifier.messages[0] != "relay stuck" {
		t.Errorf("alert message = %q, want relay stuck", f.notifier.messages[0])
	}

	if len(f.broadcaster.kinds) != 1 || f.broadcaster.kinds[0] != "device_error" {
		t.Errorf("pushed kinds = %v, want [device_error]", f.broadcaster.kinds)
	}
}

func TestIngestor_Heartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("revives offline device", func(t *testing.T) {
		f := setupIngestor(t)

		if err := f.bus.deliver(t, "relay/relay-t1/heartbeat", []byte(`{}`)); err != nil {
			t.Fatalf("deliver() error = %v", err)
		}

		got, err := f.registry.GetDevice(ctx, f.device.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Status != device.StatusOnline {
			t.Errorf("Status = %q, want online after heartbeat from offline", got.Status)
		}

		events, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
		if err != nil {
			t.Fatalf("ListEvents() error = %v", err)
		}
		if total != 1 || events[0].Type != device.EventStatusChange {
			t.Errorf("events = %+v, want one status_change", events)
		}
	})

	t.Run("marks any non-online device online", func(t *testing.T) {
		f := setupIngestor(t)

		if err := f.registry.SetDeviceStatus(ctx, f.device.ID, device.StatusOn); err != nil {
			t.Fatalf("SetDeviceStatus() error = %v", err)
		}

		if err := f.bus.deliver(t, "relay/relay-t1/heartbeat", nil); err != nil {
			t.Fatalf("deliver() error = %v", err)
		}

		got, err := f.registry.GetDevice(ctx, f.device.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Status != device.StatusOnline {
			t.Errorf("Status = %q, want online after heartbeat from on", got.Status)
		}

		events, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
		if err != nil {
			t.Fatalf("ListEvents() error = %v", err)
		}
		if total != 1 || events[0].Type != device.EventStatusChange {
			t.Fatalf("events = %+v, want one status_change", events)
		}
		if events[0].Data["old"] != "on" || events[0].Data["new"] != "online" {
			t.Errorf("event data = %v, want old=on new=online", events[0].Data)
		}
	})

	t.Run("already online only touches last_seen", func(t *testing.T) {
		f := setupIngestor(t)

		if err := f.registry.SetDeviceStatus(ctx, f.device.ID, device.StatusOnline); err != nil {
			t.Fatalf("SetDeviceStatus() error = %v", err)
		}

		if err := f.bus.deliver(t, "relay/relay-t1/heartbeat", nil); err != nil {
			t.Fatalf("deliver() error = %v", err)
		}

		got, err := f.registry.GetDevice(ctx, f.device.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Status != device.StatusOnline {
			t.Errorf("Status = %q, want online", got.Status)
		}
		if got.LastSeen == nil {
			t.Error("LastSeen should be touched by heartbeat")
		}

		_, total, err := f.registry.ListEvents(ctx, f.device.ID, 10, 0)
		if err != nil {
			t.Fatalf("ListEvents() error = %v", err)
		}
		if total != 0 {
			t.Errorf("events = %d, want 0 when already online", total)
		}
	})

	t.Run("no broadcast for heartbeats", func(t *testing.T) {
		f := setupIngestor(t)

		if err := f.bus.deliver(t, "relay/relay-t1/heartbeat", nil); err != nil {
			t.Fatalf("deliver() error = %v", err)
		}
		if len(f.broadcaster.kinds) != 0 {
			t.Errorf("pushed kinds = %v, want none for heartbeat", f.broadcaster.kinds)
		}
	})
}

func TestIngestor_NilFanouts(t *testing.T) {
	f := setupIngestor(t)

	// Rebuild with all optional sinks disabled; messages must still apply
	ingestor := NewIngestor(f.registry, nil, nil, nil, testLogger{})
	bus := newFakeBus()
	if err := ingestor.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := bus.deliver(t, "relay/relay-t1/status", []byte(`{"status":"on"}`)); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if err := bus.deliver(t, "relay/relay-t1/error", []byte(`{"message":"boom"}`)); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	got, err := f.registry.GetDevice(context.Background(), f.device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != device.StatusError {
		t.Errorf("Status = %q, want error", got.Status)
	}
}
