package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"seedhammer.com/axidraw"
	"seedhammer.com/motion"
	"seedhammer.com/serial"
	"seedhammer.com/servo"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/spatial"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func readUntilType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		m := readJSON(t, conn)
		if m["type"] == want {
			return m
		}
	}
	t.Fatalf("never saw message of type %q", want)
	return nil
}

func TestSecondConnectBecomesController(t *testing.T) {
	h := New(Config{})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	connA := dial(t, srv)
	welcomeA := readUntilType(t, connA, "welcome")
	idA := int64(welcomeA["id"].(float64))
	if int64(welcomeA["controllerId"].(float64)) != idA {
		t.Fatalf("first session should be its own controller, welcome=%+v", welcomeA)
	}

	connB := dial(t, srv)
	welcomeB := readUntilType(t, connB, "welcome")
	idB := int64(welcomeB["id"].(float64))
	if int64(welcomeB["controllerId"].(float64)) != idB {
		t.Fatalf("second session should take control, welcome=%+v", welcomeB)
	}

	changed := readUntilType(t, connA, "control_changed")
	if int64(changed["controllerId"].(float64)) != idB {
		t.Fatalf("control_changed should report B, got %+v", changed)
	}
}

func TestNonControllerCannotDriveHardware(t *testing.T) {
	h := New(Config{})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	connA := dial(t, srv)
	readUntilType(t, connA, "welcome")
	connB := dial(t, srv)
	readUntilType(t, connB, "welcome")
	readUntilType(t, connA, "control_changed")

	connA.WriteJSON(map[string]any{"type": "event", "action": "pen_down"})
	reply := readUntilType(t, connA, "error")
	if reply["error"] != "not in control" {
		t.Fatalf("expected not-in-control error, got %+v", reply)
	}
}

func TestControllerDisconnectReleasesControl(t *testing.T) {
	h := New(Config{})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	connA := dial(t, srv)
	readUntilType(t, connA, "welcome")
	connB := dial(t, srv)
	readUntilType(t, connB, "welcome")
	readUntilType(t, connA, "control_changed")

	connB.Close()
	changed := readUntilType(t, connA, "control_changed")
	if changed["controllerId"] != nil {
		t.Fatalf("expected controllerId nil after disconnect, got %+v", changed)
	}
}

func TestControllerEventDrivesFacade(t *testing.T) {
	sim := serial.NewSimulator("3.0.1")
	drv, err := serial.NewWithPort(context.Background(), serial.Config{}, sim)
	if err != nil {
		t.Fatalf("NewWithPort: %v", err)
	}
	t.Cleanup(func() { drv.Disconnect() })
	cfg := axidraw.DefaultConfig(motion.Models["V3"], servo.Standard)
	facade := axidraw.New(drv, cfg)
	if err := facade.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	h := New(Config{Facade: facade})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	readUntilType(t, conn, "welcome")

	conn.WriteJSON(map[string]any{"type": "event", "action": "pen_down"})
	readUntilType(t, conn, "state")
	if facade.PenState() != servo.PenDown {
		t.Fatalf("pen state = %v, want down", facade.PenState())
	}
}

func TestPingPong(t *testing.T) {
	h := New(Config{})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn := dial(t, srv)
	readUntilType(t, conn, "welcome")
	conn.WriteJSON(map[string]any{"type": "ping"})
	readUntilType(t, conn, "pong")
}
