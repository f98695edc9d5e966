// Package axidraw implements the facade described in §4.D: a lifecycle
// state machine composing the servo and motion subsystems over a serial
// driver, with a heartbeat and an append-only action/path history. It is
// the single composition root over the pen-plotter stack: callers drive
// the device exclusively through the Facade, never through motion or servo
// directly.
//
// The heartbeat moves the facade to disconnected after
// Config.HeartbeatFailureThreshold (default 2) consecutive failed status
// queries.
package axidraw

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"seedhammer.com/ctlerr"
	"seedhammer.com/motion"
	"seedhammer.com/serial"
	"seedhammer.com/servo"
)

// State is the facade's lifecycle state (§3 "Facade state").
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
	StateBusy
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Unit is the length unit tag accepted at the facade's public boundary
// (§9 "Units union"); internally all motion math operates on steps.
type Unit int

const (
	UnitSteps Unit = iota
	UnitMM
	UnitInches
)

// ActionEntry is one append-only record in the facade's action history.
type ActionEntry struct {
	Time   time.Time
	Action string
	Detail string
	Err    error
}

// PathPoint is one append-only record in the facade's path history (§4.D
// "Path history").
type PathPoint struct {
	X, Y    int // steps
	PenDown bool
	Time    time.Time
}

// Config configures a Facade's initialization and limits.
type Config struct {
	Model        motion.Model
	ServoConfig  servo.Config
	Resolution   motion.Resolution
	SpeedPenUp   float64 // inches/second
	SpeedPenDown float64

	HeartbeatInterval         time.Duration // default 30s
	HeartbeatFailureThreshold int           // default 2
	PathHistoryCap            int           // default 5000
	ActionHistoryCap          int           // default 500
}

// DefaultConfig returns sensible defaults layered onto model and profile.
func DefaultConfig(model motion.Model, profile servo.Profile) Config {
	return Config{
		Model:                     model,
		ServoConfig:               servo.DefaultConfig(profile),
		Resolution:                motion.Resolution1_16,
		SpeedPenUp:                8,
		SpeedPenDown:              2.5,
		HeartbeatInterval:         30 * time.Second,
		HeartbeatFailureThreshold: 2,
		PathHistoryCap:            5000,
		ActionHistoryCap:          500,
	}
}

// Command is one instruction in the execute() mini-language (§4.D
// "Public operations").
type Command struct {
	Op       string // "moveTo", "move", "lineTo", "penUp", "penDown", "home", "pause"
	X, Y     float64
	Unit     Unit
	Speed    float64
	Duration time.Duration
	Rate     float64
}

// Facade composes a servo.Controller and motion.Controller over a
// serial.Driver behind the state machine of §3.
type Facade struct {
	drv    *serial.Driver
	motion *motion.Controller
	servo  *servo.Controller
	cfg    Config

	mu      sync.Mutex
	state   State
	history []ActionEntry
	path    []PathPoint

	heartbeatDone chan struct{}

	OnStateChange func(State)
	OnPathUpdate  func(PathPoint)
	OnHistory     func(ActionEntry)
}

// New constructs a disconnected Facade. Call Connect then EnsureReady (or
// EnsureReady alone, which drives both transitions) before issuing
// operations.
func New(drv *serial.Driver, cfg Config) *Facade {
	return &Facade{
		drv:    drv,
		motion: motion.New(drv, cfg.Model),
		servo:  servo.New(drv, cfg.ServoConfig),
		cfg:    cfg,
		state:  StateDisconnected,
	}
}

// State returns the current facade state.
func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// History returns a copy of the action history.
func (f *Facade) History() []ActionEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ActionEntry, len(f.history))
	copy(out, f.history)
	return out
}

// Path returns a copy of the path history.
func (f *Facade) Path() []PathPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PathPoint, len(f.path))
	copy(out, f.path)
	return out
}

func (f *Facade) setState(s State) {
	f.state = s
	if f.OnStateChange != nil {
		f.OnStateChange(s)
	}
}

func (f *Facade) record(action, detail string, err error) {
	e := ActionEntry{Time: time.Now(), Action: action, Detail: detail, Err: err}
	f.history = append(f.history, e)
	if cap := f.cfg.ActionHistoryCap; cap > 0 && len(f.history) > cap {
		f.history = f.history[len(f.history)-cap:]
	}
	if f.OnHistory != nil {
		f.OnHistory(e)
	}
}

func (f *Facade) appendPath(x, y int, penDown bool) {
	p := PathPoint{X: x, Y: y, PenDown: penDown, Time: time.Now()}
	f.path = append(f.path, p)
	cap := f.cfg.PathHistoryCap
	if cap <= 0 {
		cap = 5000
	}
	if len(f.path) > cap {
		f.path = f.path[len(f.path)-cap:]
	}
	if f.OnPathUpdate != nil {
		f.OnPathUpdate(p)
	}
}

// Connect opens the serial connection, advancing disconnected → connected.
func (f *Facade) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateDisconnected {
		f.mu.Unlock()
		return ctlerr.New(ctlerr.StateConflict, "connect: not disconnected")
	}
	f.mu.Unlock()

	err := f.drv.Connect(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.record("connect", "", err)
		return err
	}
	f.setState(StateConnected)
	f.record("connect", f.drv.Version().String(), nil)
	return nil
}

// EnsureReady advances disconnected → connected → ready on demand (§4.D
// "State machine").
func (f *Facade) EnsureReady(ctx context.Context) error {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state == StateDisconnected {
		if err := f.Connect(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	state = f.state
	f.mu.Unlock()
	switch state {
	case StateReady, StateBusy, StatePaused:
		return nil
	case StateConnected:
		return f.initialize(ctx)
	default:
		return ctlerr.New(ctlerr.StateConflict, "ensureReady: in state "+state.String())
	}
}

// initialize runs the connected → ready sequence (§4.D "Initialization").
func (f *Facade) initialize(ctx context.Context) error {
	if err := f.motion.ClearSteps(ctx); err != nil {
		f.mu.Lock()
		f.record("initialize", "clearSteps", err)
		f.mu.Unlock()
		return err
	}
	if f.drv.Version().MinVersion("2.4.0") {
		// Raise the device's onboard FIFO depth if the firmware supports it.
		_ = f.drv.Command(ctx, "CU,4,1", serial.DefaultTimeout)
	}
	if err := f.servo.Initialize(ctx, f.drv.Version()); err != nil {
		f.mu.Lock()
		f.record("initialize", "servo", err)
		f.mu.Unlock()
		return err
	}
	if err := f.motion.EnableMotors(ctx, f.cfg.Resolution); err != nil {
		f.mu.Lock()
		f.record("initialize", "enableMotors", err)
		f.mu.Unlock()
		return err
	}
	if f.servo.State() != servo.PenUp {
		if err := f.servo.PenUp(ctx, false); err != nil {
			f.mu.Lock()
			f.record("initialize", "penUp", err)
			f.mu.Unlock()
			return err
		}
	}

	f.mu.Lock()
	f.setState(StateReady)
	f.record("initialize", "", nil)
	f.mu.Unlock()

	f.startHeartbeat()
	return nil
}

// Disconnect stops the heartbeat and closes the serial connection,
// returning to disconnected regardless of prior state.
func (f *Facade) Disconnect(ctx context.Context) error {
	f.stopHeartbeat()
	err := f.drv.Disconnect()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setState(StateDisconnected)
	f.record("disconnect", "", err)
	return err
}

// startHeartbeat launches the periodic general-status poll of §4.D
// "Heartbeat". Safe to call only while holding no lock.
func (f *Facade) startHeartbeat() {
	interval := f.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := f.cfg.HeartbeatFailureThreshold
	if threshold <= 0 {
		threshold = 2
	}
	done := make(chan struct{})
	f.mu.Lock()
	f.heartbeatDone = done
	f.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), serial.DefaultTimeout)
				_, err := f.drv.GeneralStatus(ctx)
				cancel()
				if err != nil {
					failures++
				} else {
					failures = 0
				}
				if failures >= threshold {
					f.mu.Lock()
					f.setState(StateDisconnected)
					f.record("heartbeat", "connection lost", err)
					f.mu.Unlock()
					return
				}
			}
		}
	}()
}

func (f *Facade) stopHeartbeat() {
	f.mu.Lock()
	done := f.heartbeatDone
	f.heartbeatDone = nil
	f.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// begin enters the busy state from ready, returning a StateConflict error
// if another operation is already in flight or the facade isn't ready.
func (f *Facade) begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateReady {
		return ctlerr.New(ctlerr.StateConflict, "operation requires ready state, in "+f.state.String())
	}
	f.setState(StateBusy)
	return nil
}

// end leaves the busy state, recording the action and returning to ready on
// success or on a non-fatal error (§7 "Propagation policy").
func (f *Facade) end(action, detail string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(action, detail, err)
	f.setState(StateReady)
}

// Position returns the current logical position in steps.
func (f *Facade) Position() (x, y int) { return f.motion.Position() }

// PositionIn returns the current logical position converted to unit.
func (f *Facade) PositionIn(unit Unit) (x, y float64) {
	sx, sy := f.motion.Position()
	return f.fromSteps(sx, unit), f.fromSteps(sy, unit)
}

// Bounds returns the workspace rectangle in unit.
func (f *Facade) Bounds(unit Unit) (maxX, maxY float64) {
	mx, my := f.motion.Bounds()
	return f.fromSteps(mx, unit), f.fromSteps(my, unit)
}

func (f *Facade) fromSteps(v int, u Unit) float64 {
	switch u {
	case UnitMM:
		return f.motion.StepsToMM(v)
	case UnitInches:
		return f.motion.StepsToInches(v)
	default:
		return float64(v)
	}
}

// PenState returns the cached tri-state pen position without querying the
// device.
func (f *Facade) PenState() servo.PenState { return f.servo.State() }

// ServoConfig returns the current live servo configuration.
func (f *Facade) ServoConfig() servo.Config { return f.servo.Config() }

// Config returns the facade's configuration.
func (f *Facade) Config() Config { return f.cfg }

func (f *Facade) toSteps(v float64, u Unit) int {
	switch u {
	case UnitMM:
		return f.motion.MMToSteps(v)
	case UnitInches:
		return f.motion.InchesToSteps(v)
	default:
		return int(math.Round(v))
	}
}

// PenUp raises the pen (§4.D "Public operations").
func (f *Facade) PenUp(ctx context.Context, force bool) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.servo.PenUp(ctx, force)
	f.end("penUp", "", err)
	return err
}

// PenDown lowers the pen.
func (f *Facade) PenDown(ctx context.Context, force bool) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.servo.PenDown(ctx, force)
	f.end("penDown", "", err)
	return err
}

// PenToggle flips the cached pen state.
func (f *Facade) PenToggle(ctx context.Context) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.servo.PenToggle(ctx)
	f.end("penToggle", "", err)
	return err
}

// PenSync re-queries the hardware pen state.
func (f *Facade) PenSync(ctx context.Context) (servo.PenState, error) {
	if err := f.begin(); err != nil {
		return servo.PenUnknown, err
	}
	st, err := f.servo.QueryHardwareState(ctx)
	f.end("penSync", st.String(), err)
	return st, err
}

// ConfigurePen updates the live servo configuration.
func (f *Facade) ConfigurePen(ctx context.Context, cfg servo.Config) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.servo.Configure(ctx, cfg)
	f.end("configurePen", "", err)
	return err
}

// Home raises the pen if needed then homes the motion subsystem.
func (f *Facade) Home(ctx context.Context, rate float64) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.homeAction(ctx, rate)
	f.end("home", "", err)
	return err
}

func (f *Facade) homeAction(ctx context.Context, rate float64) error {
	if f.servo.State() != servo.PenUp {
		if err := f.servo.PenUp(ctx, false); err != nil {
			return err
		}
	}
	if err := f.motion.Home(ctx, rate); err != nil {
		return err
	}
	x, y := f.motion.Position()
	f.mu.Lock()
	f.appendPath(x, y, false)
	f.mu.Unlock()
	return nil
}

// MoveTo raises the pen if needed then moves to an absolute position.
func (f *Facade) MoveTo(ctx context.Context, x, y float64, unit Unit) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.moveToAction(ctx, x, y, unit, motion.MoveOptions{Speed: f.cfg.SpeedPenUp})
	f.end("moveTo", "", err)
	return err
}

func (f *Facade) moveToAction(ctx context.Context, x, y float64, unit Unit, opts motion.MoveOptions) error {
	if f.servo.State() != servo.PenUp {
		if err := f.servo.PenUp(ctx, false); err != nil {
			return err
		}
	}
	sx, sy := f.toSteps(x, unit), f.toSteps(y, unit)
	if err := f.motion.MoveToAbsolute(ctx, sx, sy, opts); err != nil {
		return err
	}
	px, py := f.motion.Position()
	f.mu.Lock()
	f.appendPath(px, py, false)
	f.mu.Unlock()
	return nil
}

// Move raises the pen if needed then moves relatively.
func (f *Facade) Move(ctx context.Context, dx, dy float64, unit Unit, opts motion.MoveOptions) error {
	if err := f.begin(); err != nil {
		return err
	}
	if opts.Speed == 0 {
		opts.Speed = f.cfg.SpeedPenUp
	}
	err := f.moveAction(ctx, dx, dy, unit, opts, false)
	f.end("move", "", err)
	return err
}

// LineTo lowers the pen if needed then moves relatively, drawing a line.
func (f *Facade) LineTo(ctx context.Context, dx, dy float64, unit Unit, opts motion.MoveOptions) error {
	if err := f.begin(); err != nil {
		return err
	}
	if opts.Speed == 0 {
		opts.Speed = f.cfg.SpeedPenDown
	}
	err := f.lineToAction(ctx, dx, dy, unit, opts)
	f.end("lineTo", "", err)
	return err
}

func (f *Facade) moveAction(ctx context.Context, dx, dy float64, unit Unit, opts motion.MoveOptions, penDown bool) error {
	if !penDown && f.servo.State() != servo.PenUp {
		if err := f.servo.PenUp(ctx, false); err != nil {
			return err
		}
	}
	sdx, sdy := f.toSteps(dx, unit), f.toSteps(dy, unit)
	if err := f.motion.MoveXY(ctx, sdx, sdy, opts); err != nil {
		return err
	}
	px, py := f.motion.Position()
	f.mu.Lock()
	f.appendPath(px, py, penDown)
	f.mu.Unlock()
	return nil
}

func (f *Facade) lineToAction(ctx context.Context, dx, dy float64, unit Unit, opts motion.MoveOptions) error {
	if f.servo.State() != servo.PenDown {
		if err := f.servo.PenDown(ctx, false); err != nil {
			return err
		}
	}
	return f.moveAction(ctx, dx, dy, unit, opts, true)
}

// MotorsOn enables the motors at the configured resolution.
func (f *Facade) MotorsOn(ctx context.Context) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.motion.EnableMotors(ctx, f.cfg.Resolution)
	f.end("motorsOn", "", err)
	return err
}

// MotorsOff disables the motors.
func (f *Facade) MotorsOff(ctx context.Context) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.motion.MotorsOff(ctx)
	f.end("motorsOff", "", err)
	return err
}

// EmergencyStop halts the device immediately and parks at connected (§4.D,
// §8 "Cancellation semantics").
func (f *Facade) EmergencyStop(ctx context.Context) error {
	f.stopHeartbeat()
	err := f.motion.Stop(ctx, false)
	f.mu.Lock()
	f.setState(StateConnected)
	f.record("emergencyStop", "", err)
	f.mu.Unlock()
	if err == nil {
		f.startHeartbeat()
	}
	return err
}

// Reorigin implements §9's open question: a first-class re-origin
// operation (motorsOff → motorsOn → clearSteps → syncPosition) for the
// physical zero/re-origin workflow that disables then re-enables the
// motors to reset the device's own step counters. Internal position can be
// transiently negative until this is invoked, per §9.
func (f *Facade) Reorigin(ctx context.Context) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.reoriginAction(ctx)
	f.end("reorigin", "", err)
	return err
}

func (f *Facade) reoriginAction(ctx context.Context) error {
	if err := f.motion.MotorsOff(ctx); err != nil {
		return err
	}
	if err := f.motion.EnableMotors(ctx, f.cfg.Resolution); err != nil {
		return err
	}
	if err := f.motion.ClearSteps(ctx); err != nil {
		return err
	}
	return f.motion.Sync(ctx)
}

// GetVersion returns the negotiated firmware version string.
func (f *Facade) GetVersion() string { return f.drv.Version().String() }

// SetNickname delegates to the serial driver.
func (f *Facade) SetNickname(ctx context.Context, name string) error {
	if err := f.begin(); err != nil {
		return err
	}
	err := f.drv.SetNickname(ctx, name)
	f.end("setNickname", name, err)
	return err
}

// Nickname delegates to the serial driver.
func (f *Facade) Nickname(ctx context.Context) (string, error) {
	return f.drv.Nickname(ctx)
}

// Execute iterates the mini-command language of §4.D "Public operations",
// as a single ready → busy → ready transition, stopping at the first
// failing command.
func (f *Facade) Execute(ctx context.Context, cmds []Command) error {
	if err := f.begin(); err != nil {
		return err
	}
	var err error
	for i, cmd := range cmds {
		if err = ctx.Err(); err != nil {
			break
		}
		switch cmd.Op {
		case "moveTo":
			err = f.moveToAction(ctx, cmd.X, cmd.Y, cmd.Unit, motion.MoveOptions{Speed: firstNonzero(cmd.Speed, f.cfg.SpeedPenUp), Duration: cmd.Duration})
		case "move":
			err = f.moveAction(ctx, cmd.X, cmd.Y, cmd.Unit, motion.MoveOptions{Speed: firstNonzero(cmd.Speed, f.cfg.SpeedPenUp), Duration: cmd.Duration}, false)
		case "lineTo":
			err = f.lineToAction(ctx, cmd.X, cmd.Y, cmd.Unit, motion.MoveOptions{Speed: firstNonzero(cmd.Speed, f.cfg.SpeedPenDown), Duration: cmd.Duration})
		case "penUp":
			err = f.servo.PenUp(ctx, false)
		case "penDown":
			err = f.servo.PenDown(ctx, false)
		case "home":
			err = f.homeAction(ctx, cmd.Rate)
		case "pause":
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(cmd.Duration):
			}
		default:
			err = ctlerr.New(ctlerr.Validation, "execute: unknown op "+cmd.Op)
		}
		if err != nil {
			err = ctlerr.Wrap(ctlerr.DeviceError, "execute: command "+strconv.Itoa(i), err)
			break
		}
	}
	f.end("execute", strconv.Itoa(len(cmds))+" commands", err)
	return err
}

func firstNonzero(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
