package spatial

import (
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MovementThreshold = 0.5
	cfg.MaxPendingCommands = 2
	cfg.MinCommandInterval = 0
	return cfg
}

func TestFirstSampleAdoptsNoEmission(t *testing.T) {
	var moves []Movement
	p := New(ModePosition, testConfig(), func(m Movement) Completion {
		moves = append(moves, m)
		return Immediate(nil)
	})
	if p.ProcessSample(Sample{X: 10, Y: 10}) {
		t.Fatal("first sample should not emit")
	}
	if len(moves) != 0 {
		t.Fatalf("got %d movements, want 0", len(moves))
	}
}

func TestRepeatedSampleZeroDelta(t *testing.T) {
	p := New(ModePosition, testConfig(), func(m Movement) Completion {
		t.Fatalf("unexpected emission: %+v", m)
		return Immediate(nil)
	})
	p.ProcessSample(Sample{X: 10, Y: 10})
	p.ProcessSample(Sample{X: 10, Y: 10})
}

func TestAccumulatesBelowThresholdThenEmits(t *testing.T) {
	var moves []Movement
	p := New(ModePosition, testConfig(), func(m Movement) Completion {
		moves = append(moves, m)
		return Immediate(nil)
	})
	p.ProcessSample(Sample{X: 0, Y: 0})
	p.ProcessSample(Sample{X: 0.2, Y: 0})
	if len(moves) != 0 {
		t.Fatalf("emitted early: %+v", moves)
	}
	p.ProcessSample(Sample{X: 0.4, Y: 0})
	if len(moves) != 0 {
		t.Fatalf("emitted early: %+v", moves)
	}
	p.ProcessSample(Sample{X: 0.6, Y: 0})
	if len(moves) != 1 {
		t.Fatalf("got %d movements, want 1", len(moves))
	}
	if diff := moves[0].DX - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("DX = %v, want ~0.6", moves[0].DX)
	}
}

func TestBackpressureCapsPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingCommands = 1
	block := make(chan struct{})
	released := make(chan error, 1)
	p := New(ModePosition, cfg, func(m Movement) Completion {
		return completionChan(released)
	})
	p.ProcessSample(Sample{X: 0, Y: 0})
	if !p.ProcessSample(Sample{X: 1, Y: 0}) {
		t.Fatal("expected first movement to emit")
	}
	if p.ProcessSample(Sample{X: 2, Y: 0}) {
		t.Fatal("expected second movement to be dropped under backpressure")
	}
	close(block)
	released <- nil
	time.Sleep(10 * time.Millisecond)
	if !p.ProcessSample(Sample{X: 3, Y: 0}) {
		t.Fatal("expected emission once the slot freed")
	}
}

type completionChan chan error

func (c completionChan) Wait() error { return <-c }

func TestSyncPositionResetsAccumulator(t *testing.T) {
	p := New(ModePosition, testConfig(), func(m Movement) Completion {
		t.Fatalf("unexpected emission after sync: %+v", m)
		return Immediate(nil)
	})
	p.ProcessSample(Sample{X: 0, Y: 0})
	p.ProcessSample(Sample{X: 0.3, Y: 0})
	p.SyncPosition(5, 5, 0)
	st := p.State()
	if st.X != 5 || st.Y != 5 {
		t.Fatalf("state = %+v, want (5,5)", st)
	}
}

func TestVelocityModeTickIntegrates(t *testing.T) {
	cfg := testConfig()
	cfg.SmoothingAlpha = 1
	cfg.LinearDamping = 1
	cfg.Bounds = Bounds{MinX: -1000, MaxX: 1000, MinY: -1000, MaxY: 1000, MinZ: -1000, MaxZ: 1000}
	p := New(ModeVelocity, cfg, func(m Movement) Completion { return Immediate(nil) })
	p.SetVelocityTarget(Sample{X: 1})
	p.tick(1.0)
	st := p.State()
	if st.X <= 0 {
		t.Fatalf("expected positive X after tick, got %v", st.X)
	}
}
