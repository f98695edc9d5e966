package axidraw

import (
	"context"
	"testing"
	"time"

	"seedhammer.com/motion"
	"seedhammer.com/serial"
	"seedhammer.com/servo"
)

func newTestFacade(t *testing.T, cfg Config) (*Facade, *serial.Driver) {
	t.Helper()
	sim := serial.NewSimulator("3.0.1")
	drv, err := serial.NewWithPort(context.Background(), serial.Config{}, sim)
	if err != nil {
		t.Fatalf("NewWithPort: %v", err)
	}
	f := New(drv, cfg)
	if err := f.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	t.Cleanup(func() { drv.Disconnect() })
	return f, drv
}

func TestHeartbeatDisconnectsAfterFailureThreshold(t *testing.T) {
	cfg := DefaultConfig(motion.Models["V3"], servo.Standard)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatFailureThreshold = 2
	f, drv := newTestFacade(t, cfg)

	// Sever the transport directly, bypassing the facade, so the
	// heartbeat's own GeneralStatus polls start failing.
	drv.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.State() == StateDisconnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("facade never reached disconnected after %d heartbeat failures, state=%v", cfg.HeartbeatFailureThreshold, f.State())
}

func TestHeartbeatSurvivesBelowThreshold(t *testing.T) {
	cfg := DefaultConfig(motion.Models["V3"], servo.Standard)
	cfg.HeartbeatInterval = 500 * time.Millisecond
	cfg.HeartbeatFailureThreshold = 5
	f, _ := newTestFacade(t, cfg)

	time.Sleep(600 * time.Millisecond)
	if f.State() != StateReady {
		t.Fatalf("state = %v, want ready (heartbeat should still be healthy)", f.State())
	}
}

func TestBeginRejectsConcurrentOperation(t *testing.T) {
	cfg := DefaultConfig(motion.Models["V3"], servo.Standard)
	f, _ := newTestFacade(t, cfg)

	if err := f.begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if f.State() != StateBusy {
		t.Fatalf("state = %v, want busy", f.State())
	}
	if err := f.begin(); err == nil {
		t.Fatalf("begin: expected a state-conflict error while busy, got nil")
	}

	f.end("test", "", nil)
	if f.State() != StateReady {
		t.Fatalf("state = %v, want ready after end", f.State())
	}
}

func TestBeginRejectsWhenNotReady(t *testing.T) {
	sim := serial.NewSimulator("3.0.1")
	drv, err := serial.NewWithPort(context.Background(), serial.Config{}, sim)
	if err != nil {
		t.Fatalf("NewWithPort: %v", err)
	}
	t.Cleanup(func() { drv.Disconnect() })
	f := New(drv, DefaultConfig(motion.Models["V3"], servo.Standard))

	if err := f.begin(); err == nil {
		t.Fatalf("begin: expected a state-conflict error while disconnected, got nil")
	}
}

func TestReorigin(t *testing.T) {
	cfg := DefaultConfig(motion.Models["V3"], servo.Standard)
	f, _ := newTestFacade(t, cfg)

	if err := f.Move(context.Background(), 10, 10, UnitMM, motion.MoveOptions{}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if x, y := f.Position(); x == 0 && y == 0 {
		t.Fatalf("position after Move = (%d,%d), want nonzero", x, y)
	}

	if err := f.Reorigin(context.Background()); err != nil {
		t.Fatalf("Reorigin: %v", err)
	}
	if x, y := f.Position(); x != 0 || y != 0 {
		t.Fatalf("position after Reorigin = (%d,%d), want (0,0)", x, y)
	}
	if f.State() != StateReady {
		t.Fatalf("state after Reorigin = %v, want ready", f.State())
	}
}
