// Package servo implements the pen-lift (servo) subsystem: profile-relative
// pulse-width and sweep-time math, and the pen-up/pen-down state machine
// described in §4.B, built as a register-level device sitting over a
// serial.Driver.
package servo

import (
	"context"
	"fmt"
	"math"
	"time"

	"seedhammer.com/ctlerr"
	"seedhammer.com/serial"
)

// Profile is one of the two immutable servo hardware profiles (§3, §4.B).
type Profile struct {
	Name         string
	Pin          int
	PulseMin     int // raw units, ~83.3ns/unit
	PulseMax     int
	SweepTimeMS  int // sweep time at 100% rate
	MoveMinMS    float64
	MoveSlope    float64 // ms per percent
	PWMPeriod    float64 // normalized
	Channels     int
}

// Standard and NarrowBand are the two fixed profiles from §4.B's table.
var (
	Standard = Profile{
		Name: "standard", Pin: 1,
		PulseMin: 9855, PulseMax: 27831,
		SweepTimeMS: 200, MoveMinMS: 45, MoveSlope: 2.69,
		PWMPeriod: 0.24, Channels: 8,
	}
	NarrowBand = Profile{
		Name: "narrow-band", Pin: 2,
		PulseMin: 5400, PulseMax: 12600,
		SweepTimeMS: 70, MoveMinMS: 20, MoveSlope: 1.28,
		PWMPeriod: 0.03, Channels: 1,
	}
)

// PenState is the ternary pen position state of §3.
type PenState int

const (
	PenUnknown PenState = iota
	PenUp
	PenDown
)

func (s PenState) String() string {
	switch s {
	case PenUp:
		return "up"
	case PenDown:
		return "down"
	default:
		return "unknown"
	}
}

// Config is the live-configurable servo parameters (§3 "Servo state").
type Config struct {
	Profile    Profile
	PosUp      int // percent, 0-100
	PosDown    int
	RateRaise  int // percent, 1-100
	RateLower  int
	ExtraDelay time.Duration
}

// DefaultConfig returns sensible defaults for profile.
func DefaultConfig(profile Profile) Config {
	return Config{
		Profile:   profile,
		PosUp:     60,
		PosDown:   40,
		RateRaise: 75,
		RateLower: 75,
	}
}

// Controller drives pen-lift operations over a serial.Driver.
type Controller struct {
	drv   *serial.Driver
	cfg   Config
	state PenState
}

// New constructs a Controller. It does not touch the device; call
// Initialize first.
func New(drv *serial.Driver, cfg Config) *Controller {
	return &Controller{drv: drv, cfg: cfg, state: PenUnknown}
}

// Config returns the controller's current configuration.
func (c *Controller) Config() Config { return c.cfg }

// Configure updates the live servo configuration (§4.D configurePen) and,
// if the position corresponding to the current pen state changed,
// re-issues it so the physical pen tracks the new percent.
func (c *Controller) Configure(ctx context.Context, cfg Config) error {
	prev := c.cfg
	c.cfg = cfg
	if err := c.initPositionsAndRates(ctx); err != nil {
		return err
	}
	switch c.state {
	case PenUp:
		if prev.PosUp != cfg.PosUp {
			return c.setPen(ctx, PenUp, true)
		}
	case PenDown:
		if prev.PosDown != cfg.PosDown {
			return c.setPen(ctx, PenDown, true)
		}
	}
	return nil
}

// Initialize issues the profile's position/rate/channel setup per §4.B
// "Initialization", then queries the hardware pen state.
func (c *Controller) Initialize(ctx context.Context, firmware serial.Version) error {
	if err := c.initPositionsAndRates(ctx); err != nil {
		return err
	}
	if c.cfg.Profile.Name == Standard.Name && firmware.MinVersion("2.6.0") {
		if err := c.drv.Command(ctx, "SR,0", serial.DefaultTimeout); err != nil {
			return err
		}
	}
	_, err := c.QueryHardwareState(ctx)
	return err
}

func (c *Controller) initPositionsAndRates(ctx context.Context) error {
	up := pulseForPercent(c.cfg.Profile, c.cfg.PosUp)
	down := pulseForPercent(c.cfg.Profile, c.cfg.PosDown)
	raise := rateValue(c.cfg.Profile, c.cfg.RateRaise)
	lower := rateValue(c.cfg.Profile, c.cfg.RateLower)
	cmds := []string{
		fmt.Sprintf("SC,4,%d", up),
		fmt.Sprintf("SC,5,%d", down),
		fmt.Sprintf("SC,10,%d", raise),
		fmt.Sprintf("SC,11,%d", lower),
		fmt.Sprintf("SC,8,%d", c.cfg.Profile.Channels),
	}
	for _, cmd := range cmds {
		if err := c.drv.Command(ctx, cmd, serial.DefaultTimeout); err != nil {
			return err
		}
	}
	return nil
}

// pulseForPercent maps percent p∈[0,100] linearly into the profile's pulse
// range (§4.B "Position mapping").
func pulseForPercent(p Profile, percent int) int {
	percent = clampPercent(percent)
	span := p.PulseMax - p.PulseMin
	return p.PulseMin + (span*percent)/100
}

// rateValue computes the device rate register value for rate percent r
// (§4.B "Rate mapping").
func rateValue(p Profile, r int) int {
	if r < 1 {
		r = 1
	}
	if r > 100 {
		r = 100
	}
	rangeSpan := float64(p.PulseMax - p.PulseMin)
	return int(math.Round(rangeSpan * p.PWMPeriod * float64(r) / float64(p.SweepTimeMS)))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// MoveDuration computes the sweep time for a vertical move of d percent at
// rate r with extra delay δ, per §4.B "Move-time formula".
func MoveDuration(profile Profile, d float64, rate int, delta time.Duration) time.Duration {
	if d < 0.9 {
		if delta < 0 {
			return 0
		}
		return delta
	}
	if rate < 1 {
		rate = 1
	}
	fast := profile.MoveSlope*d + profile.MoveMinMS
	slow := float64(profile.SweepTimeMS) * d / float64(rate)
	ms := math.Round(math.Pow(math.Pow(fast, 4)+math.Pow(slow, 4), 0.25))
	return time.Duration(ms)*time.Millisecond + delta
}

// sweepSleep sleeps for d, but wakes 30ms early for durations over 50ms so
// the caller's subsequent hardware query isn't delayed by the full settle
// time (§4.B "Pen commands").
func sweepSleep(d time.Duration) {
	const shave = 30 * time.Millisecond
	if d > 50*time.Millisecond {
		d -= shave
	}
	if d > 0 {
		time.Sleep(d)
	}
}

// PenUp raises the pen. If force is false and the cached state is already
// up, no serial command is issued (§8 invariant 3).
func (c *Controller) PenUp(ctx context.Context, force bool) error {
	return c.setPen(ctx, PenUp, force)
}

// PenDown lowers the pen.
func (c *Controller) PenDown(ctx context.Context, force bool) error {
	return c.setPen(ctx, PenDown, force)
}

// PenToggle flips the cached pen state.
func (c *Controller) PenToggle(ctx context.Context) error {
	if c.state == PenDown {
		return c.PenUp(ctx, false)
	}
	return c.PenDown(ctx, false)
}

func (c *Controller) setPen(ctx context.Context, target PenState, force bool) error {
	if !force && c.state == target {
		return nil
	}
	rate := c.cfg.RateRaise
	bit := 1
	if target == PenDown {
		rate = c.cfg.RateLower
		bit = 0
	}
	distance := penDistance(c, target)
	cmd := fmt.Sprintf("SP,%d,0,%d", bit, c.cfg.Profile.Pin)
	if err := c.drv.Command(ctx, cmd, serial.DefaultTimeout); err != nil {
		c.state = PenUnknown
		return err
	}
	sweepSleep(MoveDuration(c.cfg.Profile, math.Abs(distance), rate, c.cfg.ExtraDelay))
	_, err := c.QueryHardwareState(ctx)
	return err
}

// penDistance returns target percent - current cached percent (signed; the
// caller takes the absolute value), or a full sweep of 100 when the current
// state is unknown.
func penDistance(c *Controller, target PenState) float64 {
	targetPct := c.cfg.PosUp
	if target == PenDown {
		targetPct = c.cfg.PosDown
	}
	if c.state == PenUnknown {
		return 100
	}
	currentPct := c.cfg.PosUp
	if c.state == PenDown {
		currentPct = c.cfg.PosDown
	}
	return float64(targetPct - currentPct)
}

// QueryHardwareState queries QP and updates the cached tri-state pen flag
// (§4.B "Hardware state query").
func (c *Controller) QueryHardwareState(ctx context.Context) (PenState, error) {
	line, err := c.drv.Query(ctx, "QP", false, serial.DefaultTimeout)
	if err != nil {
		c.state = PenUnknown
		return PenUnknown, err
	}
	switch line {
	case "1":
		c.state = PenUp
	case "0":
		c.state = PenDown
	default:
		c.state = PenUnknown
		return PenUnknown, ctlerr.New(ctlerr.DeviceError, "malformed QP response: "+line)
	}
	return c.state, nil
}

// State returns the cached tri-state pen position without querying the
// device.
func (c *Controller) State() PenState { return c.state }

// Invalidate forces the cached pen state to unknown. The serial driver's
// OnCommandError hook should call this so a subsequent pen action is never
// wrongly elided (§4.B).
func (c *Controller) Invalidate() { c.state = PenUnknown }
