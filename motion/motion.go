// Package motion implements the AxiDraw motion subsystem (§4.C): position
// tracking in steps/mm/inches, workspace clamping, the device's step-rate
// safety envelope, and the move/home/stop primitives, tracking axis
// position and step accounting over a device command stream.
package motion

import (
	"context"
	"fmt"
	"math"
	"time"

	"seedhammer.com/ctlerr"
	"seedhammer.com/serial"
)

// Model is a fixed table entry of plotter travel and step scale (§4.C
// "Models").
type Model struct {
	Name           string
	TravelXInches  float64
	TravelYInches  float64
	StepsPerInch16 float64 // steps per inch at 1/16 microstepping
}

// Models is the fixed model table.
var Models = map[string]Model{
	"V3":    {Name: "V3", TravelXInches: 11.81, TravelYInches: 8.58, StepsPerInch16: 2032},
	"SE/A3": {Name: "SE/A3", TravelXInches: 16.93, TravelYInches: 11.69, StepsPerInch16: 2032},
	"Mini":  {Name: "Mini", TravelXInches: 6.30, TravelYInches: 4.0, StepsPerInch16: 2032},
}

// Resolution is the device's motor resolution code (§3, §4.C). 0 disables
// the motors; 1 is the finest (1/16 step) and 5 the coarsest (full step).
type Resolution int

const (
	ResolutionDisabled Resolution = 0
	Resolution1_16     Resolution = 1
	Resolution1_8      Resolution = 2
	Resolution1_4      Resolution = 3
	Resolution1_2      Resolution = 4
	ResolutionFull     Resolution = 5
)

const (
	maxStepsPerSecond = 25000
	minMoveDuration   = 2 * time.Millisecond
	timeoutSlack      = 5 * time.Second
)

// stepsPerInch returns the model's steps-per-inch at the given resolution,
// per §4.C "Resolution": scale = 2^(5-code)/16 relative to the 1/16 base.
func stepsPerInch(base float64, res Resolution) float64 {
	if res == ResolutionDisabled {
		return base
	}
	return base * math.Pow(2, float64(5-int(res))) / 16
}

// Controller tracks logical position and drives move/home primitives over a
// serial.Driver.
type Controller struct {
	drv        *serial.Driver
	model      Model
	resolution Resolution
	perInch    float64
	maxX, maxY int // steps

	x, y int // current position, steps

	SpeedPenUp   float64 // inches/second
	SpeedPenDown float64
}

// New constructs a Controller for model, with motors initially disabled.
func New(drv *serial.Driver, model Model) *Controller {
	c := &Controller{
		drv:          drv,
		model:        model,
		resolution:   ResolutionDisabled,
		perInch:      model.StepsPerInch16,
		SpeedPenUp:   8,
		SpeedPenDown: 2.5,
	}
	c.recomputeBounds()
	return c
}

func (c *Controller) recomputeBounds() {
	c.maxX = c.InchesToSteps(c.model.TravelXInches)
	c.maxY = c.InchesToSteps(c.model.TravelYInches)
}

// Bounds returns the workspace rectangle in steps.
func (c *Controller) Bounds() (maxX, maxY int) { return c.maxX, c.maxY }

// Position returns the current logical position in steps.
func (c *Controller) Position() (x, y int) { return c.x, c.y }

// InchesToSteps converts inches to steps, rounding to the nearest step.
func (c *Controller) InchesToSteps(in float64) int {
	return int(math.Round(in * c.perInch))
}

// StepsToInches converts steps to inches.
func (c *Controller) StepsToInches(steps int) float64 {
	return float64(steps) / c.perInch
}

// MMToSteps converts millimeters to steps.
func (c *Controller) MMToSteps(mm float64) int {
	return c.InchesToSteps(mm / 25.4)
}

// StepsToMM converts steps to millimeters.
func (c *Controller) StepsToMM(steps int) float64 {
	return c.StepsToInches(steps) * 25.4
}

// EnableMotors enables the motors at the given resolution, recomputing the
// workspace bounds and steps-per-inch scale (§4.C "Resolution").
func (c *Controller) EnableMotors(ctx context.Context, res Resolution) error {
	if res < ResolutionDisabled || res > ResolutionFull {
		return ctlerr.New(ctlerr.Validation, "resolution out of range")
	}
	if err := c.drv.Command(ctx, fmt.Sprintf("EM,%d,%d", int(res), int(res)), serial.DefaultTimeout); err != nil {
		return err
	}
	c.resolution = res
	c.perInch = stepsPerInch(c.model.StepsPerInch16, res)
	c.recomputeBounds()
	return nil
}

// MotorsOff disables the motors.
func (c *Controller) MotorsOff(ctx context.Context) error {
	if err := c.drv.Command(ctx, "EM,0,0", serial.DefaultTimeout); err != nil {
		return err
	}
	c.resolution = ResolutionDisabled
	return nil
}

// clamp bounds v into [0, max].
func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// MoveXY issues a relative move of (dx, dy) steps, clamping the target into
// the workspace, computing a duration honoring the step-rate safety floor,
// and updating internal position only after the device acknowledges
// (§4.C "Relative move", §8 invariants 1-2).
func (c *Controller) MoveXY(ctx context.Context, dx, dy int, opts MoveOptions) error {
	targetX := clamp(c.x+dx, c.maxX)
	targetY := clamp(c.y+dy, c.maxY)
	dx = targetX - c.x
	dy = targetY - c.y
	if dx == 0 && dy == 0 {
		return nil
	}
	speed := opts.Speed
	if speed == 0 {
		speed = c.SpeedPenUp
	}
	duration := opts.Duration
	if duration == 0 {
		distanceInches := c.StepsToInches(int(math.Round(math.Hypot(float64(dx), float64(dy)))))
		duration = time.Duration(distanceInches/speed*1000) * time.Millisecond
	}
	motor1 := dx + dy
	motor2 := dx - dy
	rateFloor := stepRateFloor(motor1, motor2)
	if duration < minMoveDuration {
		duration = minMoveDuration
	}
	if duration < rateFloor {
		duration = rateFloor
	}
	cmd := fmt.Sprintf("XM,%d,%d,%d", duration.Milliseconds(), motor1, motor2)
	if err := c.drv.Command(ctx, cmd, duration+timeoutSlack); err != nil {
		return err
	}
	c.x = targetX
	c.y = targetY
	time.Sleep(duration)
	return nil
}

// stepRateFloor returns the minimum move duration, in whole milliseconds
// rounded up, that keeps both mixed-axis motors at or below 25,000
// steps/second (§4.C "Relative move", §8 invariant 2).
func stepRateFloor(motor1, motor2 int) time.Duration {
	peak := absInt(motor1)
	if a := absInt(motor2); a > peak {
		peak = a
	}
	ms := (peak + maxStepsPerSecond/1000 - 1) / (maxStepsPerSecond / 1000)
	return time.Duration(ms) * time.Millisecond
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// MoveOptions configures a relative or absolute move.
type MoveOptions struct {
	Speed    float64 // inches/second; 0 uses the controller's default
	Duration time.Duration
}

// MoveToAbsolute clamps target to the workspace, then dispatches as a
// relative move (§4.C "Absolute move").
func (c *Controller) MoveToAbsolute(ctx context.Context, x, y int, opts MoveOptions) error {
	targetX := clamp(x, c.maxX)
	targetY := clamp(y, c.maxY)
	return c.MoveXY(ctx, targetX-c.x, targetY-c.y, opts)
}

// Home issues the device's home command and waits for idleness, then resets
// internal position to (0,0) (§4.C "Home").
func (c *Controller) Home(ctx context.Context, rate float64) error {
	if rate <= 0 {
		rate = 25000
	}
	if err := c.drv.Command(ctx, fmt.Sprintf("HM,%d", int(rate)), serial.DefaultTimeout); err != nil {
		return err
	}
	distance := math.Hypot(float64(c.x), float64(c.y))
	deadline := time.Duration(distance/rate*1000)*time.Millisecond + 100*time.Millisecond
	if err := c.waitIdle(ctx, deadline); err != nil {
		return err
	}
	c.x, c.y = 0, 0
	return nil
}

func (c *Controller) waitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := c.drv.GeneralStatus(ctx)
		if err != nil {
			return err
		}
		if st.Idle() {
			return nil
		}
		if time.Now().After(deadline) {
			return ctlerr.New(ctlerr.Timeout, "motion: idle wait timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Stop halts the device immediately, optionally disabling motors, then
// resyncs internal position from the device's step counters since the stop
// may abort a move in flight (§4.C "Emergency stop").
func (c *Controller) Stop(ctx context.Context, disableMotors bool) error {
	cmd := "ES"
	if disableMotors {
		cmd = "ES,1"
	}
	if err := c.drv.Command(ctx, cmd, serial.DefaultTimeout); err != nil {
		return err
	}
	return c.Sync(ctx)
}

// Sync overwrites internal position with the device's own step counters
// (§8 invariant 10).
func (c *Controller) Sync(ctx context.Context) error {
	x, y, err := c.drv.StepPositions(ctx)
	if err != nil {
		return err
	}
	c.x, c.y = int(x), int(y)
	return nil
}

// ClearSteps zeroes both the device's step counters and the internal
// mirror (§4.C "Clearing position", §8 invariant 9).
func (c *Controller) ClearSteps(ctx context.Context) error {
	if err := c.drv.ClearSteps(ctx); err != nil {
		return err
	}
	c.x, c.y = 0, 0
	return nil
}

// SetPosition forcibly overwrites the internal position mirror without
// touching the device.
func (c *Controller) SetPosition(x, y int) { c.x, c.y = x, y }
