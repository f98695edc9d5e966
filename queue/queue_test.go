package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"seedhammer.com/axidraw"
)

func newTestQueue(t *testing.T, exec func(ctx context.Context, cmds []axidraw.Command) error) *Queue {
	t.Helper()
	q := New(Config{Execute: exec})
	t.Cleanup(q.Close)
	return q
}

func waitForState(t *testing.T, j *Job, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d never reached state %v, stuck at %v", j.ID, want, j.State())
}

func TestInsertionOrdersByPriority(t *testing.T) {
	var mu sync.Mutex
	var executed []int64
	blocking := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, cmds []axidraw.Command) error {
		<-blocking
		mu.Lock()
		mu.Unlock()
		return nil
	})
	j1 := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	waitForState(t, j1, Running)
	j2 := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	j3 := q.AddCommands([]axidraw.Command{{Op: "home"}}, High)

	list := q.List()
	// j1 is running (not in pending scan order necessarily first), but
	// j3 (High) must precede j2 (Normal) among pending entries.
	var order []int64
	for _, p := range list {
		order = append(order, p.ID)
	}
	idx3, idx2 := -1, -1
	for i, id := range order {
		if id == j3.ID {
			idx3 = i
		}
		if id == j2.ID {
			idx2 = i
		}
	}
	if idx3 == -1 || idx2 == -1 || idx3 > idx2 {
		t.Fatalf("expected High-priority job before Normal, order=%v", order)
	}
	close(blocking)
	waitForState(t, j1, Completed)
	_ = executed
}

func TestOnlyOneJobRunsAtATime(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	block := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, cmds []axidraw.Command) error {
		mu.Lock()
		running++
		if running > maxConcurrent {
			maxConcurrent = running
		}
		mu.Unlock()
		<-block
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})
	j1 := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	waitForState(t, j1, Running)
	time.Sleep(50 * time.Millisecond)
	close(block)
	mu.Lock()
	mc := maxConcurrent
	mu.Unlock()
	if mc > 1 {
		t.Fatalf("max concurrent jobs = %d, want 1", mc)
	}
}

func TestCancelPendingRemovesJob(t *testing.T) {
	block := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, cmds []axidraw.Command) error {
		<-block
		return nil
	})
	j1 := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	waitForState(t, j1, Running)
	j2 := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	if err := q.Cancel(j2.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := q.Get(j2.ID); ok {
		t.Fatal("cancelled pending job should be removed from the live map")
	}
	found := false
	for _, p := range q.History() {
		if p.ID == j2.ID && p.State == "cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatal("cancelled job should appear in history")
	}
	close(block)
	waitForState(t, j1, Completed)
}

func TestCancelRunningJobObservedBetweenCommands(t *testing.T) {
	var calls int
	started := make(chan struct{}, 1)
	q := newTestQueue(t, func(ctx context.Context, cmds []axidraw.Command) error {
		calls++
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	j := q.AddCommands([]axidraw.Command{{Op: "home"}, {Op: "home"}, {Op: "home"}, {Op: "home"}}, Normal)
	<-started
	if err := q.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForState(t, j, Cancelled)
	if calls >= 4 {
		t.Fatalf("expected cancellation to stop before all commands ran, calls=%d", calls)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, cmds []axidraw.Command) error {
		return context.DeadlineExceeded
	})
	j := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	waitForState(t, j, Failed)
	if j.Preview().Error == "" {
		t.Fatal("expected error message recorded on failed job")
	}
}

func TestSVGJobConverts(t *testing.T) {
	q := New(Config{
		Execute: func(ctx context.Context, cmds []axidraw.Command) error { return nil },
	})
	t.Cleanup(q.Close)
	j := q.AddSVG(`<svg><line x1="0" y1="0" x2="10" y2="0"/></svg>`, Normal)
	waitForState(t, j, Completed)
}

func TestPauseStopsNewDequeue(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, cmds []axidraw.Command) error { return nil })
	q.Pause()
	j := q.AddCommands([]axidraw.Command{{Op: "home"}}, Normal)
	time.Sleep(100 * time.Millisecond)
	if j.State() != Pending {
		t.Fatalf("job should stay pending while paused, got %v", j.State())
	}
	q.Resume()
	waitForState(t, j, Completed)
}
