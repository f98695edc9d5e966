// Package queue implements the priority-ordered job queue of §4.F: a map
// of jobs plus an insertion-ordered id list, one job running at a time,
// cancellation, pause/resume, progress, and a bounded history. The
// single-worker drain loop follows a batch-and-drain shape: one goroutine
// consumes queued work and reports progress via a callback.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"seedhammer.com/axidraw"
	"seedhammer.com/ctlerr"
	"seedhammer.com/svgconv"
)

// Priority orders jobs within the queue (§3 "Job"): higher values run
// first; insertion is stable among equal priorities.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// State is a job's lifecycle state (§3 "Job").
type State int

const (
	Pending State = iota
	Running
	Paused
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Type discriminates a job's payload kind (§3 "Job").
type Type int

const (
	TypeCommands Type = iota
	TypeSVG
)

// Job is one queued or historical unit of work.
type Job struct {
	ID       int64
	Type     Type
	Commands []axidraw.Command // TypeCommands payload
	SVG      string            // TypeSVG payload
	Priority Priority

	mu          sync.Mutex
	state       State
	progress    int
	cancelled   bool
	err         string
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Progress returns the job's percent-complete.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Cancelled reports whether the job has been asked to cancel; a processor
// must poll this between commands and unwind cooperatively (§4.F
// "Cancellation", §5 "Cancellation semantics").
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Preview is the small JSON-friendly projection of a job that avoids
// shipping large payload bodies (§4.F "JSON projection").
type Preview struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	State       string    `json:"state"`
	Progress    int       `json:"progress"`
	CommandLen  int       `json:"commandCount,omitempty"` // len(Commands) for TypeCommands
	SVGLen      int       `json:"svgLength,omitempty"`     // len(SVG) for TypeSVG
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Preview projects j into its JSON-friendly summary.
func (j *Job) Preview() Preview {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := Preview{
		ID:          j.ID,
		Type:        "commands",
		Priority:    j.Priority.String(),
		State:       j.state.String(),
		Progress:    j.progress,
		CommandLen:  len(j.Commands),
		SVGLen:      len(j.SVG),
		Error:       j.err,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
	if j.Type == TypeSVG {
		p.Type = "svg"
	}
	return p
}

// Processor executes one job's payload, reporting 0-100 progress via
// report and observing Cancelled() between commands. It returns a
// non-nil error to fail the job, or nil on success. A cancellation should
// be surfaced by checking job.Cancelled() and returning promptly; the
// queue itself marks the job Cancelled rather than Failed when that
// happens (see Queue.execute).
type Processor func(ctx context.Context, job *Job, report func(percent int)) error

// Converter resolves TypeSVG payloads into an expanded command sequence
// immediately before execution (§4.F, §1 "SVG-to-commands converter").
type Converter = svgconv.Converter

// DefaultConverter used when a Queue isn't given one explicitly.
var DefaultConverter Converter = svgconv.Basic{}

// Config configures a Queue.
type Config struct {
	HistoryCap int // default 100
	Converter  Converter
	// Execute runs one axidraw.Command list; normally axidraw.Facade.Execute.
	Execute func(ctx context.Context, cmds []axidraw.Command) error
}

// Queue implements §4.F: priority insertion, one-at-a-time execution,
// cancellation, pause/resume, progress, and bounded history.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	jobs     map[int64]*Job
	order    []int64 // pending/running ids, in queue order
	history  []Preview
	nextID   int64
	paused   bool
	running  *Job
	workerOn bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	OnUpdate func()
}

// New constructs a Queue and starts its single worker goroutine.
func New(cfg Config) *Queue {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 100
	}
	if cfg.Converter == nil {
		cfg.Converter = DefaultConverter
	}
	q := &Queue{
		cfg:  cfg,
		jobs: make(map[int64]*Job),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Close stops the worker goroutine. Queued jobs remain pending; the
// currently running job is not interrupted.
func (q *Queue) Close() {
	close(q.quit)
	<-q.done
}

func (q *Queue) notify() {
	if q.OnUpdate != nil {
		q.OnUpdate()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Add inserts a new job at the position described by §4.F "Structure":
// the first index where an existing job's priority is lower than the
// new one's, so higher priorities jump ahead while staying stable among
// equals.
func (q *Queue) Add(j *Job) *Job {
	q.mu.Lock()
	q.nextID++
	j.ID = q.nextID
	j.createdAt = time.Now()
	j.state = Pending
	q.jobs[j.ID] = j
	idx := len(q.order)
	for i, id := range q.order {
		other := q.jobs[id]
		if other == nil {
			continue
		}
		if other.Priority < j.Priority {
			idx = i
			break
		}
	}
	q.order = append(q.order, 0)
	copy(q.order[idx+1:], q.order[idx:])
	q.order[idx] = j.ID
	q.mu.Unlock()
	q.notify()
	return j
}

// AddCommands enqueues a pre-expanded command sequence.
func (q *Queue) AddCommands(cmds []axidraw.Command, priority Priority) *Job {
	return q.Add(&Job{Type: TypeCommands, Commands: cmds, Priority: priority})
}

// AddSVG enqueues raw SVG text for conversion at execution time.
func (q *Queue) AddSVG(svg string, priority Priority) *Job {
	return q.Add(&Job{Type: TypeSVG, SVG: svg, Priority: priority})
}

// Get returns the job with id among pending/running jobs; jobs already
// moved to history are not returned.
func (q *Queue) Get(id int64) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

// List returns previews of all pending and running jobs, in queue order.
func (q *Queue) List() []Preview {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Preview, 0, len(q.order))
	for _, id := range q.order {
		if j := q.jobs[id]; j != nil {
			out = append(out, j.Preview())
		}
	}
	return out
}

// History returns the bounded ring of completed/failed/cancelled job
// previews, oldest first.
func (q *Queue) History() []Preview {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Preview, len(q.history))
	copy(out, q.history)
	return out
}

// Cancel cancels job id. A pending job is removed outright; a running job
// is flagged cancelled for the processor to observe cooperatively (§4.F
// "Cancellation").
func (q *Queue) Cancel(id int64) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ctlerr.New(ctlerr.Validation, fmt.Sprintf("queue: unknown job %d", id))
	}
	if j == q.running {
		j.mu.Lock()
		j.cancelled = true
		j.mu.Unlock()
		q.mu.Unlock()
		q.notify()
		return nil
	}
	q.removeFromOrderLocked(id)
	delete(q.jobs, id)
	q.mu.Unlock()
	j.setState(Cancelled)
	q.archive(j)
	q.notify()
	return nil
}

func (q *Queue) removeFromOrderLocked(id int64) {
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Pause prevents new jobs from being dequeued; the currently running job,
// if any, is marked Paused — advisory only, per §9's open question:
// executeWithCancellation checks the job's state between commands and
// sleeps in 50ms steps while it is Paused, rather than the queue forcibly
// suspending it.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	if q.running != nil {
		q.running.setState(Paused)
	}
	q.mu.Unlock()
	q.notify()
}

// Resume allows dequeue to continue; the running job (if paused) returns
// to Running.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	if q.running != nil && q.running.State() == Paused {
		q.running.setState(Running)
	}
	q.mu.Unlock()
	q.notify()
}

// Paused reports whether the queue is paused (§9 job pause semantics),
// exposed to a Processor wanting to honor it explicitly.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear removes all pending jobs (not the running one, if any).
func (q *Queue) Clear() {
	q.mu.Lock()
	for _, id := range q.order {
		if q.running != nil && id == q.running.ID {
			continue
		}
		delete(q.jobs, id)
	}
	q.order = nil
	if q.running != nil {
		q.order = []int64{q.running.ID}
	}
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) archive(j *Job) {
	q.mu.Lock()
	q.history = append(q.history, j.Preview())
	if len(q.history) > q.cfg.HistoryCap {
		q.history = q.history[len(q.history)-q.cfg.HistoryCap:]
	}
	q.mu.Unlock()
}

// run is the single worker loop of §4.F "Execution": while not paused, it
// scans for the first pending job, runs it to completion, archives it, and
// repeats.
func (q *Queue) run() {
	defer close(q.done)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.drainOnce()
	}
}

func (q *Queue) drainOnce() {
	for {
		q.mu.Lock()
		if q.paused || q.running != nil {
			q.mu.Unlock()
			return
		}
		var next *Job
		for _, id := range q.order {
			if j := q.jobs[id]; j != nil && j.State() == Pending {
				next = j
				break
			}
		}
		if next == nil {
			q.mu.Unlock()
			return
		}
		next.mu.Lock()
		next.state = Running
		next.startedAt = time.Now()
		next.mu.Unlock()
		q.running = next
		q.mu.Unlock()
		q.notify()

		q.execute(next)

		q.mu.Lock()
		q.removeFromOrderLocked(next.ID)
		delete(q.jobs, next.ID)
		q.running = nil
		q.mu.Unlock()
		q.archive(next)
		q.notify()
	}
}

func (q *Queue) execute(j *Job) {
	ctx := context.Background()
	cmds := j.Commands
	if j.Type == TypeSVG {
		converted, _, err := q.cfg.Converter.Convert(j.SVG, svgconv.Options{})
		if err != nil {
			j.mu.Lock()
			j.err = err.Error()
			j.mu.Unlock()
			j.setState(Failed)
			return
		}
		cmds = converted
	}
	report := func(percent int) {
		j.mu.Lock()
		j.progress = percent
		j.mu.Unlock()
	}
	var err error
	if q.cfg.Execute != nil {
		err = executeWithCancellation(ctx, j, cmds, report, q.cfg.Execute)
	} else {
		err = fmt.Errorf("queue: no Execute function configured")
	}
	if j.Cancelled() {
		j.setState(Cancelled)
		return
	}
	if err != nil {
		j.mu.Lock()
		j.err = err.Error()
		j.mu.Unlock()
		j.setState(Failed)
		return
	}
	report(100)
	j.setState(Completed)
}

// executeWithCancellation dispatches cmds one at a time (rather than as a
// single Execute batch) so the job's Cancelled/Paused flags are observed
// between commands, as §4.F and §9 require.
func executeWithCancellation(ctx context.Context, j *Job, cmds []axidraw.Command, report func(int), exec func(context.Context, []axidraw.Command) error) error {
	total := len(cmds)
	if total == 0 {
		return nil
	}
	for i, cmd := range cmds {
		if j.Cancelled() {
			return nil
		}
		for j.State() == Paused {
			time.Sleep(50 * time.Millisecond)
			if j.Cancelled() {
				return nil
			}
		}
		if err := exec(ctx, []axidraw.Command{cmd}); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		report(((i + 1) * 100) / total)
	}
	return nil
}
