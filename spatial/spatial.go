// Package spatial implements the real-time input conditioner of §4.E: it
// turns a stream of controller states into bounded, smoothed movement
// deltas dispatched to the motion subsystem with backpressure. Dispatched
// movements are counted until their Completion resolves; while the count is
// at MaxPendingCommands, new deltas are accumulated instead of dispatched,
// so the producer is never blocked.
package spatial

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/quat"
)

// Mode selects how incoming samples are interpreted (§4.E "Modes").
type Mode int

const (
	// ModePosition treats samples as absolute target positions in mm.
	ModePosition Mode = iota
	// ModeVelocity treats samples as velocities integrated at a fixed
	// tick rate.
	ModeVelocity
)

// VelocityCurve selects the response curve applied to deadzoned stick
// input (§4.E "Configuration").
type VelocityCurve int

const (
	CurveLinear VelocityCurve = iota
	CurveCubic
)

// Bounds is the workspace rectangle, in millimeters, that integrated and
// target positions are clamped into.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

func (b Bounds) clamp(x, y, z float64) (float64, float64, float64) {
	return clampf(x, b.MinX, b.MaxX), clampf(y, b.MinY, b.MaxY), clampf(z, b.MinZ, b.MaxZ)
}

func clampf(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Config enumerates every tunable of §4.E "Configuration (enumerated)".
type Config struct {
	Deadzone          float64
	VelocityCurve     VelocityCurve
	MaxLinearSpeed    float64 // mm/s
	MaxAngularSpeed   float64 // rad/s
	LinearDamping     float64 // per tick
	AngularDamping    float64 // per tick
	SmoothingAlpha    float64
	Bounds            Bounds
	TickRate          float64 // Hz, velocity mode only
	NetworkLatency    time.Duration
	MovementThreshold float64 // mm
	MaxPendingCommands int
	MinCommandInterval time.Duration
}

// DefaultConfig returns the defaults enumerated in §4.E.
func DefaultConfig() Config {
	return Config{
		Deadzone:           0.08,
		VelocityCurve:      CurveCubic,
		MaxLinearSpeed:     200,
		MaxAngularSpeed:    6,
		LinearDamping:      0.92,
		AngularDamping:     0.96,
		SmoothingAlpha:     0.15,
		Bounds:             Bounds{MinX: 0, MaxX: 300, MinY: 0, MaxY: 300, MinZ: -50, MaxZ: 50},
		TickRate:           120,
		NetworkLatency:     15 * time.Millisecond,
		MovementThreshold:  0.5,
		MaxPendingCommands: 3,
		MinCommandInterval: 30 * time.Millisecond,
	}
}

// Sample is one reading from a controller, interpreted according to Mode.
type Sample struct {
	X, Y, Z       float64 // position (mm) in ModePosition; velocity (mm/s) in ModeVelocity
	AngularX      float64 // rad/s, ModeVelocity only
	AngularY      float64
	AngularZ      float64
	PenDown       bool
}

// Movement is the bounded delta the processor dispatches downstream.
type Movement struct {
	DX, DY  float64 // mm
	PenDown bool
}

// Completion is returned by a movement callback that needs to report
// completion asynchronously, so the processor's backpressure accounting
// can decrement pendingCommands on completion rather than on dispatch
// (§4.E "Backpressure accounting", §9 "Dynamic callbacks with promise
// returns": a single completion-notifying type replaces the source's
// sync-or-future union).
type Completion interface {
	// Wait blocks until the movement either completes or the processor
	// gives up waiting; the return value is unused by the processor
	// (which only needs to know when to free the pending slot) but is
	// returned to make the interface usable standalone.
	Wait() error
}

// completionFunc is a Completion already resolved with err, for callbacks
// that completed synchronously.
type completionFunc struct{ err error }

func (c completionFunc) Wait() error { return c.err }

// Immediate wraps err as an already-resolved Completion.
func Immediate(err error) Completion { return completionFunc{err: err} }

// MovementFunc is invoked for every emitted Movement. It may do the work
// synchronously and return an already-resolved Completion (via Immediate),
// or kick off asynchronous work and return a Completion whose Wait blocks
// until that work finishes.
type MovementFunc func(Movement) Completion

// State is the integrated state exposed to observers (§3 "Spatial state").
type State struct {
	X, Y, Z                   float64
	VX, VY, VZ                float64
	AngularVX, AngularVY, AngularVZ float64
	Orientation               quat.Number
	PenDown                   bool
}

// Processor implements §4.E end to end: deadzone/curve shaping, bounds
// clamping, delta accumulation, smoothing, backpressured dispatch, and (in
// velocity mode) a fixed-rate integration tick.
type Processor struct {
	cfg  Config
	mode Mode

	onMovement MovementFunc
	onState    func(State)

	mu            sync.Mutex
	hasPrev       bool
	prevX, prevY  float64
	position      State
	target        State // velocity-mode integration target
	pendingDX     float64
	pendingDY     float64
	pendingCount  int
	lastEmit      time.Time

	stopTick chan struct{}
	tickDone chan struct{}
}

// New constructs a Processor in the given mode. onMovement is called
// synchronously from the sample-processing or tick goroutine whenever an
// emission crosses the movement threshold; it must not block
// indefinitely, since backpressure accounting depends on its Completion
// resolving.
func New(mode Mode, cfg Config, onMovement MovementFunc) *Processor {
	return &Processor{
		cfg:        cfg,
		mode:       mode,
		onMovement: onMovement,
	}
}

// OnState registers a callback invoked after every velocity-mode tick with
// the newly integrated state, for the session coordinator to rebroadcast
// (§4.E "Velocity-mode tick": "emit a state-update event to observers").
func (p *Processor) OnState(f func(State)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

// State returns a copy of the integrated state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// GetPredictedPosition returns position extrapolated by the configured
// network latency (§4.E "Configuration": "networkLatency").
func (p *Processor) GetPredictedPosition() (x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dt := p.cfg.NetworkLatency.Seconds()
	return p.position.X + p.position.VX*dt, p.position.Y + p.position.VY*dt, p.position.Z + p.position.VZ*dt
}

// SyncPosition overwrites the integrated position, used when the facade
// knows the true hardware position (after home, after emergency stop)
// (§4.E "Sync with hardware").
func (p *Processor) SyncPosition(x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position.X, p.position.Y, p.position.Z = x, y, z
	p.hasPrev = false
	p.pendingDX, p.pendingDY = 0, 0
}

// Home zeroes position and any pending accumulator (§4.E "Action events").
func (p *Processor) Home() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = State{}
	p.target = State{}
	p.hasPrev = false
	p.pendingDX, p.pendingDY = 0, 0
}

// PenDown sets the pen flag for subsequent movements.
func (p *Processor) PenDown() {
	p.mu.Lock()
	p.position.PenDown = true
	p.mu.Unlock()
}

// PenUp clears the pen flag.
func (p *Processor) PenUp() {
	p.mu.Lock()
	p.position.PenDown = false
	p.mu.Unlock()
}

// applyCurve applies the deadzone rescale and response curve to a raw
// stick axis in [-1, 1] (§4.E "Configuration": "deadzone", "velocityCurve").
func (p *Processor) applyCurve(v float64) float64 {
	dz := p.cfg.Deadzone
	sign := 1.0
	if v < 0 {
		sign = -1
		v = -v
	}
	if v < dz {
		return 0
	}
	v = (v - dz) / (1 - dz)
	if v > 1 {
		v = 1
	}
	switch p.cfg.VelocityCurve {
	case CurveCubic:
		v = v * v * v
	}
	return sign * v
}

// ProcessSample runs one sample through §4.E "Per-sample processing
// (position mode)". It is a no-op (returns false) if mode is not
// ModePosition.
func (p *Processor) ProcessSample(s Sample) bool {
	if p.mode != ModePosition {
		return false
	}
	p.mu.Lock()
	x, y, z := p.cfg.Bounds.clamp(s.X, s.Y, s.Z)
	if !p.hasPrev {
		p.hasPrev = true
		p.prevX, p.prevY = x, y
		p.position.X, p.position.Y, p.position.Z = x, y, z
		p.position.PenDown = s.PenDown
		p.mu.Unlock()
		return false
	}
	dx := x - p.prevX
	dy := y - p.prevY
	p.prevX, p.prevY = x, y
	p.position.Z = z
	p.position.PenDown = s.PenDown
	p.pendingDX += dx
	p.pendingDY += dy
	return p.maybeEmitLocked()
}

// maybeEmitLocked applies the backpressure/threshold/interval gate of
// §4.E and, if an emission fires, calls onMovement and arranges for
// pendingCount to decrement on completion. Caller must hold p.mu; it is
// released before onMovement is invoked and not re-acquired.
func (p *Processor) maybeEmitLocked() bool {
	if p.pendingCount >= p.cfg.MaxPendingCommands {
		p.mu.Unlock()
		return false
	}
	now := time.Now()
	if !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < p.cfg.MinCommandInterval {
		p.mu.Unlock()
		return false
	}
	mag := math.Hypot(p.pendingDX, p.pendingDY)
	if mag < p.cfg.MovementThreshold {
		p.mu.Unlock()
		return false
	}
	dx, dy := p.pendingDX, p.pendingDY
	p.pendingDX, p.pendingDY = 0, 0
	p.pendingCount++
	p.lastEmit = now
	p.position.X += dx
	p.position.Y += dy
	penDown := p.position.PenDown
	p.mu.Unlock()

	c := p.onMovement(Movement{DX: dx, DY: dy, PenDown: penDown})
	go p.awaitCompletion(c)
	return true
}

// awaitCompletion blocks on c.Wait and frees the pending slot regardless
// of outcome, so a timed-out callback cannot leak the counter (§4.E
// "Backpressure accounting").
func (p *Processor) awaitCompletion(c Completion) {
	if c != nil {
		c.Wait()
	}
	p.mu.Lock()
	if p.pendingCount > 0 {
		p.pendingCount--
	}
	p.mu.Unlock()
}

// SetVelocityTarget updates the target velocity and orientation consumed
// by the tick loop in ModeVelocity (§4.E "Velocity-mode tick").
func (p *Processor) SetVelocityTarget(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target.VX = p.applyCurve(s.X) * p.cfg.MaxLinearSpeed
	p.target.VY = p.applyCurve(s.Y) * p.cfg.MaxLinearSpeed
	p.target.VZ = p.applyCurve(s.Z) * p.cfg.MaxLinearSpeed
	p.target.AngularVX = p.applyCurve(s.AngularX) * p.cfg.MaxAngularSpeed
	p.target.AngularVY = p.applyCurve(s.AngularY) * p.cfg.MaxAngularSpeed
	p.target.AngularVZ = p.applyCurve(s.AngularZ) * p.cfg.MaxAngularSpeed
}

// Stop halts the tick loop and zeroes targets/velocities (§4.E "Action
// events").
func (p *Processor) Stop() {
	p.mu.Lock()
	p.target = State{}
	p.position.VX, p.position.VY, p.position.VZ = 0, 0, 0
	p.position.AngularVX, p.position.AngularVY, p.position.AngularVZ = 0, 0, 0
	p.mu.Unlock()
	p.StopTick()
}

// StartTick launches the fixed-rate integration loop of §4.E
// "Velocity-mode tick". No-op outside ModeVelocity or if already running.
func (p *Processor) StartTick() {
	if p.mode != ModeVelocity {
		return
	}
	p.mu.Lock()
	if p.stopTick != nil {
		p.mu.Unlock()
		return
	}
	rate := p.cfg.TickRate
	if rate <= 0 {
		rate = 120
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stopTick = stop
	p.tickDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		period := time.Duration(float64(time.Second) / rate)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				dt := now.Sub(last).Seconds()
				last = now
				p.tick(dt)
			}
		}
	}()
}

// StopTick stops the tick loop started by StartTick, if running.
func (p *Processor) StopTick() {
	p.mu.Lock()
	stop := p.stopTick
	done := p.tickDone
	p.stopTick = nil
	p.tickDone = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// tick performs one velocity-mode integration step (§4.E "Velocity-mode
// tick").
func (p *Processor) tick(dt float64) {
	p.mu.Lock()
	alpha := p.cfg.SmoothingAlpha
	p.position.VX += (p.target.VX - p.position.VX) * alpha
	p.position.VY += (p.target.VY - p.position.VY) * alpha
	p.position.VZ += (p.target.VZ - p.position.VZ) * alpha
	p.position.AngularVX += (p.target.AngularVX - p.position.AngularVX) * alpha
	p.position.AngularVY += (p.target.AngularVY - p.position.AngularVY) * alpha
	p.position.AngularVZ += (p.target.AngularVZ - p.position.AngularVZ) * alpha

	p.position.VX *= p.cfg.LinearDamping
	p.position.VY *= p.cfg.LinearDamping
	p.position.VZ *= p.cfg.LinearDamping
	p.position.AngularVX *= p.cfg.AngularDamping
	p.position.AngularVY *= p.cfg.AngularDamping
	p.position.AngularVZ *= p.cfg.AngularDamping

	if !p.hasPrev {
		p.hasPrev = true
		p.prevX, p.prevY = p.position.X, p.position.Y
	}

	newX := p.prevX + p.position.VX*dt
	newY := p.prevY + p.position.VY*dt
	newZ := p.position.Z + p.position.VZ*dt
	newX, newY, newZ = p.cfg.Bounds.clamp(newX, newY, newZ)

	dx := newX - p.prevX
	dy := newY - p.prevY
	p.prevX, p.prevY = newX, newY

	if p.position.AngularVX != 0 || p.position.AngularVY != 0 || p.position.AngularVZ != 0 {
		delta := quat.Exp(quat.Number{
			Imag: p.position.AngularVX * dt / 2,
			Jmag: p.position.AngularVY * dt / 2,
			Kmag: p.position.AngularVZ * dt / 2,
		})
		if p.position.Orientation == (quat.Number{}) {
			p.position.Orientation = quat.Number{Real: 1}
		}
		p.position.Orientation = quat.Mul(p.position.Orientation, delta)
	}

	// p.position.X/Y are the confirmed, dispatched position; they only
	// advance inside maybeEmitLocked. p.prevX/prevY above track the raw,
	// continuously integrated position so that dx/dy here is always the
	// delta since the last tick, never double-applied.
	p.position.Z = newZ
	p.pendingDX += dx
	p.pendingDY += dy

	state := p.position
	cb := p.onState
	p.maybeEmitLocked()

	if cb != nil {
		cb(state)
	}
}
