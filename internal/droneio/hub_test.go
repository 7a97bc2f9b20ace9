package droneio

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lewta/drone-orchd/internal/lifecycle"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/task"
)

func newTestHub(t *testing.T) (*Hub, *registry.Registry, *lifecycle.Tracker, *httptest.Server) {
	t.Helper()
	reg := registry.New()
	tracker := lifecycle.New()
	h := NewHub("secret", Collaborators{
		Registry: reg,
		Tracker:  tracker,
		OnRegister: func(ctx context.Context, info registry.DroneInfo) {
			reg.Register(info)
		},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, reg, tracker, srv
}

func dial(t *testing.T, srv *httptest.Server, path, apiKey string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	header := map[string][]string{"X-API-Key": {apiKey}}
	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Listener.Addr().String()+path, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHub_RejectsBadAPIKey(t *testing.T) {
	_, _, _, srv := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, "ws://"+srv.Listener.Addr().String()+"/drone", &websocket.DialOptions{
		HTTPHeader: map[string][]string{"X-API-Key": {"wrong"}},
	})
	if err == nil {
		t.Fatal("expected dial to fail with an invalid api key")
	}
}

func TestHub_RegisterAndPublishCommand(t *testing.T) {
	h, reg, _, srv := newTestHub(t)
	conn := dial(t, srv, "/drone", "secret")
	defer conn.CloseNow() //nolint:errcheck

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, envelope{
		Type: "RegisterDrone",
		Data: mustMarshal(registrationPayload{DroneID: "d1", StaticCapabilities: []string{"navigate"}}),
	}); err != nil {
		t.Fatalf("write RegisterDrone: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := reg.Get("d1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected drone d1 to be registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	publishCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.PublishCommand(publishCtx, "d1", task.CommandPayload{CommandID: "c1", Type: "navigate"}); err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}

	var env envelope
	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	if err := wsjson.Read(readCtx, conn, &env); err != nil {
		t.Fatalf("reading published command: %v", err)
	}
	if env.Type != "ExecuteCommand" {
		t.Fatalf("expected ExecuteCommand envelope, got %q", env.Type)
	}
}

func TestHub_AcknowledgeCommand_MarksTracker(t *testing.T) {
	h, reg, tracker, srv := newTestHub(t)
	reg.Register(registry.DroneInfo{DroneID: "d1", Status: registry.Idle})
	if err := tracker.RegisterDispatch("c1", "d1", nil, nil); err != nil {
		t.Fatalf("RegisterDispatch: %v", err)
	}

	conn := dial(t, srv, "/drone", "secret")
	defer conn.CloseNow() //nolint:errcheck

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, envelope{
		Type: "RegisterDrone",
		Data: mustMarshal(registrationPayload{DroneID: "d1"}),
	}); err != nil {
		t.Fatalf("write RegisterDrone: %v", err)
	}
	if err := wsjson.Write(ctx, conn, envelope{
		Type: "AcknowledgeCommand",
		Data: mustMarshal(ackPayload{CommandID: "c1"}),
	}); err != nil {
		t.Fatalf("write AcknowledgeCommand: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := tracker.WaitForAcknowledgement(waitCtx, "c1", time.Second)
	if result.Outcome != lifecycle.Acknowledged {
		t.Fatalf("expected Acknowledged outcome, got %+v", result)
	}
	_ = h
}
