package servo

import (
	"context"
	"io"
	"testing"
	"time"

	"seedhammer.com/serial"
)

// countingPort wraps an io.ReadWriteCloser and counts writes, so tests can
// assert that no serial command is issued when a pen action is a no-op
// (§8 invariant 3).
type countingPort struct {
	io.ReadWriteCloser
	writes int
}

func (p *countingPort) Write(b []byte) (int, error) {
	p.writes++
	return p.ReadWriteCloser.Write(b)
}

func newTestController(t *testing.T) (*Controller, *countingPort) {
	t.Helper()
	sim := serial.NewSimulator("3.0.1")
	port := &countingPort{ReadWriteCloser: sim}
	drv, err := serial.NewWithPort(context.Background(), serial.Config{}, port)
	if err != nil {
		t.Fatalf("NewWithPort: %v", err)
	}
	t.Cleanup(func() { drv.Disconnect() })
	c := New(drv, DefaultConfig(Standard))
	if err := c.Initialize(context.Background(), drv.Version()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c, port
}

func TestPenUpNoOpWhenAlreadyUp(t *testing.T) {
	c, port := newTestController(t)
	if err := c.PenUp(context.Background(), false); err != nil {
		t.Fatalf("PenUp: %v", err)
	}
	before := port.writes
	if err := c.PenUp(context.Background(), false); err != nil {
		t.Fatalf("PenUp (no-op): %v", err)
	}
	if port.writes != before {
		t.Fatalf("expected no additional writes, before=%d after=%d", before, port.writes)
	}
}

func TestPenDownThenUpChangesState(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.PenDown(context.Background(), false); err != nil {
		t.Fatalf("PenDown: %v", err)
	}
	if c.State() != PenDown {
		t.Fatalf("state = %v, want down", c.State())
	}
	if err := c.PenUp(context.Background(), false); err != nil {
		t.Fatalf("PenUp: %v", err)
	}
	if c.State() != PenUp {
		t.Fatalf("state = %v, want up", c.State())
	}
}

func TestMoveDurationBelowThreshold(t *testing.T) {
	d := MoveDuration(Standard, 0.5, 75, 0)
	if d != 0 {
		t.Fatalf("duration = %v, want 0", d)
	}
	d = MoveDuration(Standard, 0.5, 75, 10*time.Millisecond)
	if d != 10*time.Millisecond {
		t.Fatalf("duration = %v, want 10ms", d)
	}
}

func TestMoveDurationFullSweep(t *testing.T) {
	d := MoveDuration(Standard, 100, 75, 0)
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > time.Duration(Standard.SweepTimeMS)*time.Millisecond*2 {
		t.Fatalf("duration %v implausibly large", d)
	}
}

func TestPulseForPercentRange(t *testing.T) {
	if got := pulseForPercent(Standard, 0); got != Standard.PulseMin {
		t.Errorf("0%% = %d, want %d", got, Standard.PulseMin)
	}
	if got := pulseForPercent(Standard, 100); got != Standard.PulseMax {
		t.Errorf("100%% = %d, want %d", got, Standard.PulseMax)
	}
}

func TestRateValueNarrowBand(t *testing.T) {
	v := rateValue(NarrowBand, 100)
	if v <= 0 {
		t.Errorf("rateValue = %d, want positive", v)
	}
}
