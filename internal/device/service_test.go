package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/smartrelay/relay-core/internal/auth"
)

// stubPlanSource returns a fixed device limit for every user.
type stubPlanSource struct {
	limit int
}

func (s *stubPlanSource) MaxDevices(context.Context, int64) (int, error) {
	return s.limit, nil
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

// setupService wires a service over an in-memory database.
func setupService(t *testing.T, planLimit int) (*Service, *Registry, *fakePublisher) {
	t.Helper()

	registry, _ := setupRegistry(t)
	evaluator := auth.NewEvaluator(registry, &stubPlanSource{limit: planLimit}, 5)
	publisher := &fakePublisher{}
	svc := NewService(registry, evaluator, publisher)
	return svc, registry, publisher
}

func TestService_CreateDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("user creates own device with audit event", func(t *testing.T) {
		svc, registry, _ := setupService(t, 10)
		actor := auth.Actor{ID: 1, Role: auth.RoleUser}

		device := &Device{ExternalID: "relay-svc1", Name: "Heater"}
		if err := svc.CreateDevice(ctx, actor, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
		if device.UserID != 1 {
			t.Errorf("UserID = %d, want 1 (forced to actor)", device.UserID)
		}

		events, total, err := registry.ListEvents(ctx, device.ID, 10, 0)
		if err != nil {
			t.Fatalf("ListEvents() error = %v", err)
		}
		if total != 1 || events[0].Type != EventDeviceCreated {
			t.Fatalf("events = %+v, want one device_created", events)
		}
		if events[0].UserID == nil || *events[0].UserID != 1 {
			t.Errorf("event UserID = %v, want 1", events[0].UserID)
		}
	})

	t.Run("ownership forced to actor for non-admins", func(t *testing.T) {
		svc, _, _ := setupService(t, 10)
		actor := auth.Actor{ID: 2, Role: auth.RoleUser}

		device := &Device{ExternalID: "relay-svc2", Name: "Sneaky", UserID: 99}
		if err := svc.CreateDevice(ctx, actor, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
		if device.UserID != 2 {
			t.Errorf("UserID = %d, want 2", device.UserID)
		}
	})

	t.Run("admin registers for another user", func(t *testing.T) {
		svc, _, _ := setupService(t, 10)
		admin := auth.Actor{ID: 9, Role: auth.RoleAdmin}

		device := &Device{ExternalID: "relay-svc3", Name: "Provisioned", UserID: 5}
		if err := svc.CreateDevice(ctx, admin, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
		if device.UserID != 5 {
			t.Errorf("UserID = %d, want 5", device.UserID)
		}
	})

	t.Run("plan limit enforced", func(t *testing.T) {
		svc, _, _ := setupService(t, 1)
		actor := auth.Actor{ID: 3, Role: auth.RoleUser}

		if err := svc.CreateDevice(ctx, actor, &Device{ExternalID: "relay-lim1", Name: "First"}); err != nil {
			t.Fatalf("first CreateDevice() error = %v", err)
		}

		err := svc.CreateDevice(ctx, actor, &Device{ExternalID: "relay-lim2", Name: "Second"})
		if !errors.Is(err, auth.ErrDeviceLimitReached) {
			t.Errorf("CreateDevice() error = %v, want ErrDeviceLimitReached", err)
		}
	})

	t.Run("viewer denied", func(t *testing.T) {
		svc, _, _ := setupService(t, 10)
		viewer := auth.Actor{ID: 4, Role: auth.RoleViewer}

		err := svc.CreateDevice(ctx, viewer, &Device{ExternalID: "relay-view", Name: "Nope"})
		if !errors.Is(err, auth.ErrForbidden) {
			t.Errorf("CreateDevice() error = %v, want ErrForbidden", err)
		}
	})
}

func TestService_GetDevice(t *testing.T) {
	svc, _, _ := setupService(t, 10)
	ctx := context.Background()
	owner := auth.Actor{ID: 1, Role: auth.RoleUser}

	device := &Device{ExternalID: "relay-get", Name: "Mine"}
	if err := svc.CreateDevice(ctx, owner, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("owner reads own device", func(t *testing.T) {
		got, err := svc.GetDevice(ctx, owner, device.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Name != "Mine" {
			t.Errorf("Name = %q, want Mine", got.Name)
		}
	})

	t.Run("stranger denied", func(t *testing.T) {
		stranger := auth.Actor{ID: 2, Role: auth.RoleUser}
		_, err := svc.GetDevice(ctx, stranger, device.ID)
		if !errors.Is(err, auth.ErrForbidden) {
			t.Errorf("GetDevice() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("admin reads any device", func(t *testing.T) {
		admin := auth.Actor{ID: 9, Role: auth.RoleAdmin}
		if _, err := svc.GetDevice(ctx, admin, device.ID); err != nil {
			t.Errorf("GetDevice() error = %v", err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := svc.GetDevice(ctx, owner, 99999)
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestService_ListDevices(t *testing.T) {
	svc, _, _ := setupService(t, 10)
	ctx := context.Background()

	alice := auth.Actor{ID: 1, Role: auth.RoleUser}
	bob := auth.Actor{ID: 2, Role: auth.RoleUser}
	admin := auth.Actor{ID: 9, Role: auth.RoleAdmin}

	for _, d := range []*Device{
		{ExternalID: "relay-la1", Name: "Alice One"},
		{ExternalID: "relay-la2", Name: "Alice Two"},
	} {
		if err := svc.CreateDevice(ctx, alice, d); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
	}
	if err := svc.CreateDevice(ctx, bob, &Device{ExternalID: "relay-lb1", Name: "Bob One"}); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	aliceView, err := svc.ListDevices(ctx, alice)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(aliceView) != 2 {
		t.Errorf("alice sees %d devices, want 2", len(aliceView))
	}

	adminView, err := svc.ListDevices(ctx, admin)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(adminView) != 3 {
		t.Errorf("admin sees %d devices, want 3", len(adminView))
	}
}

func TestService_UpdateDevice(t *testing.T) {
	ctx := context.Background()
	owner := auth.Actor{ID: 1, Role: auth.RoleUser}

	t.Run("config change pushes to device", func(t *testing.T) {
		svc, _, publisher := setupService(t, 10)

		device := &Device{ExternalID: "relay-cfg", Name: "Configurable", Config: Config{"default_state": "off"}}
		if err := svc.CreateDevice(ctx, owner, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		device.Config = Config{"default_state": "on"}
		if err := svc.UpdateDevice(ctx, owner, device); err != nil {
			t.Fatalf("UpdateDevice() error = %v", err)
		}

		if publisher.count() != 1 {
			t.Fatalf("published %d messages, want 1", publisher.count())
		}
		if publisher.topics[0] != "relay/relay-cfg/command" {
			t.Errorf("topic = %q, want relay/relay-cfg/command", publisher.topics[0])
		}

		var envelope struct {
			Command string         `json:"command"`
			Data    map[string]any `json:"data"`
		}
		if err := json.Unmarshal(publisher.payloads[0], &envelope); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if envelope.Command != "config_update" {
			t.Errorf("command = %q, want config_update", envelope.Command)
		}
		if envelope.Data["default_state"] != "on" {
			t.Errorf("data = %v, want default_state=on", envelope.Data)
		}
	})

	t.Run("rename without config change does not push", func(t *testing.T) {
		svc, _, publisher := setupService(t, 10)

		device := &Device{ExternalID: "relay-ren", Name: "Old Name"}
		if err := svc.CreateDevice(ctx, owner, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		device.Name = "New Name"
		if err := svc.UpdateDevice(ctx, owner, device); err != nil {
			t.Fatalf("UpdateDevice() error = %v", err)
		}
		if publisher.count() != 0 {
			t.Errorf("published %d messages, want 0", publisher.count())
		}
	})

	t.Run("ownership and external id are immutable", func(t *testing.T) {
		svc, registry, _ := setupService(t, 10)

		device := &Device{ExternalID: "relay-imm", Name: "Fixed"}
		if err := svc.CreateDevice(ctx, owner, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		device.UserID = 42
		device.ExternalID = "relay-hijack"
		if err := svc.UpdateDevice(ctx, owner, device); err != nil {
			t.Fatalf("UpdateDevice() error = %v", err)
		}

		got, err := registry.GetDevice(ctx, device.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.UserID != 1 {
			t.Errorf("UserID = %d, want 1", got.UserID)
		}
		if got.ExternalID != "relay-imm" {
			t.Errorf("ExternalID = %q, want relay-imm", got.ExternalID)
		}
	})

	t.Run("stranger denied", func(t *testing.T) {
		svc, _, _ := setupService(t, 10)

		device := &Device{ExternalID: "relay-upd-den", Name: "Protected"}
		if err := svc.CreateDevice(ctx, owner, device); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		stranger := auth.Actor{ID: 2, Role: auth.RoleUser}
		device.Name = "Defaced"
		err := svc.UpdateDevice(ctx, stranger, device)
		if !errors.Is(err, auth.ErrForbidden) {
			t.Errorf("UpdateDevice() error = %v, want ErrForbidden", err)
		}
	})
}

func TestService_DeleteDevice(t *testing.T) {
	svc, registry, _ := setupService(t, 10)
	ctx := context.Background()
	owner := auth.Actor{ID: 1, Role: auth.RoleUser}

	device := &Device{ExternalID: "relay-svcdel", Name: "Removable"}
	if err := svc.CreateDevice(ctx, owner, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("stranger denied", func(t *testing.T) {
		stranger := auth.Actor{ID: 2, Role: auth.RoleUser}
		err := svc.DeleteDevice(ctx, stranger, device.ID)
		if !errors.Is(err, auth.ErrForbidden) {
			t.Errorf("DeleteDevice() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("owner deletes", func(t *testing.T) {
		if err := svc.DeleteDevice(ctx, owner, device.ID); err != nil {
			t.Fatalf("DeleteDevice() error = %v", err)
		}
		if _, err := registry.GetDevice(ctx, device.ID); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("GetDevice() after delete error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestService_ListEvents_PermissionCheck(t *testing.T) {
	svc, _, _ := setupService(t, 10)
	ctx := context.Background()
	owner := auth.Actor{ID: 1, Role: auth.RoleUser}

	device := &Device{ExternalID: "relay-evperm", Name: "Logged"}
	if err := svc.CreateDevice(ctx, owner, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	events, total, err := svc.ListEvents(ctx, owner, device.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if total != 1 || events[0].Type != EventDeviceCreated {
		t.Errorf("events = %+v, want one device_created", events)
	}

	// Viewer owning nothing is denied; a viewer owning the device may read
	stranger := auth.Actor{ID: 2, Role: auth.RoleViewer}
	if _, _, err := svc.ListEvents(ctx, stranger, device.ID, 10, 0); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("ListEvents() error = %v, want ErrForbidden", err)
	}
}
