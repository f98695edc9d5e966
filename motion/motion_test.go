package motion

import (
	"context"
	"testing"

	"seedhammer.com/serial"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	sim := serial.NewSimulator("3.0.1")
	drv, err := serial.NewWithPort(context.Background(), serial.Config{}, sim)
	if err != nil {
		t.Fatalf("NewWithPort: %v", err)
	}
	t.Cleanup(func() { drv.Disconnect() })
	c := New(drv, Models["V3"])
	if err := c.EnableMotors(context.Background(), Resolution1_16); err != nil {
		t.Fatalf("EnableMotors: %v", err)
	}
	return c
}

func TestMMStepsRoundTrip(t *testing.T) {
	c := newTestController(t)
	step := c.StepsToMM(1)
	for _, mm := range []float64{0, 1, 10, 100, 250} {
		steps := c.MMToSteps(mm)
		back := c.StepsToMM(steps)
		if diff := back - mm; diff > step || diff < -step {
			t.Errorf("MMToSteps/StepsToMM(%v) round-tripped to %v (steps=%d), off by more than one step", mm, back, steps)
		}
	}
}

func TestMoveClampsToWorkspace(t *testing.T) {
	c := newTestController(t)
	maxX, maxY := c.Bounds()
	if err := c.MoveXY(context.Background(), maxX*10, maxY*10, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveXY: %v", err)
	}
	x, y := c.Position()
	if x != maxX || y != maxY {
		t.Fatalf("position = (%d,%d), want (%d,%d)", x, y, maxX, maxY)
	}
}

func TestMoveRejectsOvershootBothDirections(t *testing.T) {
	c := newTestController(t)
	maxX, maxY := c.Bounds()
	if err := c.MoveXY(context.Background(), maxX, maxY, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveXY: %v", err)
	}
	if err := c.MoveXY(context.Background(), -maxX*10, -maxY*10, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveXY (return): %v", err)
	}
	x, y := c.Position()
	if x != 0 || y != 0 {
		t.Fatalf("position = (%d,%d), want (0,0)", x, y)
	}
}

func TestMoveNoOpWhenAlreadyClamped(t *testing.T) {
	c := newTestController(t)
	if err := c.MoveXY(context.Background(), -100, -100, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveXY: %v", err)
	}
	x, y := c.Position()
	if x != 0 || y != 0 {
		t.Fatalf("position = (%d,%d), want (0,0)", x, y)
	}
}

func TestStepRateFloorCapsMixedAxisRate(t *testing.T) {
	d := stepRateFloor(30000, -5000)
	maxRate := float64(30000) / d.Seconds()
	if maxRate > maxStepsPerSecond+1 {
		t.Fatalf("implied step rate %.0f exceeds safety cap", maxRate)
	}
}

func TestResolutionScalesStepsPerInch(t *testing.T) {
	c := newTestController(t)
	fine := c.perInch
	if err := c.EnableMotors(context.Background(), ResolutionFull); err != nil {
		t.Fatalf("EnableMotors: %v", err)
	}
	coarse := c.perInch
	if coarse != fine/16 {
		t.Fatalf("full-step perInch = %v, want %v", coarse, fine/16)
	}
}

func TestMoveToAbsoluteClampsThenDispatches(t *testing.T) {
	c := newTestController(t)
	maxX, maxY := c.Bounds()
	if err := c.MoveToAbsolute(context.Background(), maxX+1000, maxY+1000, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveToAbsolute: %v", err)
	}
	x, y := c.Position()
	if x != maxX || y != maxY {
		t.Fatalf("position = (%d,%d), want (%d,%d)", x, y, maxX, maxY)
	}
}

func TestClearStepsResetsPosition(t *testing.T) {
	c := newTestController(t)
	if err := c.MoveXY(context.Background(), 1000, 1000, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveXY: %v", err)
	}
	if err := c.ClearSteps(context.Background()); err != nil {
		t.Fatalf("ClearSteps: %v", err)
	}
	x, y := c.Position()
	if x != 0 || y != 0 {
		t.Fatalf("position = (%d,%d), want (0,0)", x, y)
	}
}

func TestStopResyncsFromDevice(t *testing.T) {
	c := newTestController(t)
	if err := c.MoveXY(context.Background(), 1000, 1000, MoveOptions{Speed: 8}); err != nil {
		t.Fatalf("MoveXY: %v", err)
	}
	if err := c.Stop(context.Background(), false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	x, y := c.Position()
	if x != 0 || y != 0 {
		t.Fatalf("position after stop = (%d,%d), want (0,0) (simulator never advances step counters)", x, y)
	}
}
