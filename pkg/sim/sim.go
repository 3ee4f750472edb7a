// Package sim is a simulated printer implementing every capability in
// pkg/machine. It backs the test suites and `probecal m48` when no hardware
// is attached.
//
// A Machine is not safe for concurrent use; the host drives it from the
// reactor goroutine only.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"klipper-probecal/pkg/kinematics"
	"klipper-probecal/pkg/machine"
)

// Config describes the simulated hardware.
type Config struct {
	Bed   kinematics.Bed
	Rails [3]kinematics.Rail

	ProbeOffset machine.Point
	ZOffset     float64

	// ZSurface is the height the probe reports on a perfect bed.
	ZSurface float64
	// Noise is the standard deviation of the reading noise.
	Noise float64
	Seed  int64
	// FailAfter makes the Nth reading (1-based, counted from the start)
	// miss. Zero disables failures.
	FailAfter int
	// Readings, when set, are returned in order before noise is used.
	Readings []float64

	// Clearance is the Z height for post-calibration and between-probe lifts.
	Clearance float64

	StatusWidth int
	Caps        machine.Capabilities
}

// DefaultConfig is a 235x235 cartesian printer with a probe offset of
// (-40, -10) and every capability enabled.
func DefaultConfig() Config {
	return Config{
		Bed: kinematics.Bed{
			Kind: kinematics.Rectangular,
			Min:  machine.Point{X: 0, Y: 0},
			Max:  machine.Point{X: 235, Y: 235},
		},
		Rails: [3]kinematics.Rail{
			{Name: "stepper_x", PositionMin: 0, PositionMax: 235},
			{Name: "stepper_y", PositionMin: 0, PositionMax: 235},
			{Name: "stepper_z", PositionMin: -2, PositionMax: 250},
		},
		ProbeOffset: machine.Point{X: -40, Y: -10},
		ZOffset:     -1.5,
		ZSurface:    0.1,
		Seed:        1,
		Clearance:   10,
		StatusWidth: 20,
		Caps: machine.Capabilities{
			BedCompensation:         true,
			TemperatureCompensation: true,
			StatusMessage:           true,
		},
	}
}

// Machine is the simulated printer.
type Machine struct {
	cfg   Config
	rails *kinematics.Rails
	rng   *rand.Rand
	start time.Time

	pos      machine.Position
	zOffset  float64
	deployed bool
	readings int

	leveling      bool
	tempComp      bool
	feedSuspended bool

	status    string
	screen    []string
	backCount int

	responses []string
	sink      func(string)
	injected  []string

	moves   []machine.Point
	moveErr error
	failAt  int

	idle   func()
	inIdle bool
}

// New creates a simulated machine with all axes unhomed.
func New(cfg Config) *Machine {
	return &Machine{
		cfg:      cfg,
		rails:    kinematics.NewRails(cfg.Rails[0], cfg.Rails[1], cfg.Rails[2]),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		start:    time.Now(),
		zOffset:  cfg.ZOffset,
		tempComp: true,
		failAt:   cfg.FailAfter,
	}
}

// Machine bundles the simulator as a machine.Machine with a fresh lock.
func (s *Machine) Machine() *machine.Machine {
	return &machine.Machine{
		Probe:    s,
		Motion:   s,
		Modes:    s,
		Display:  s,
		Out:      s,
		Clock:    s,
		Injector: s,
		Caps:     s.cfg.Caps,
		Lock:     &machine.Lock{},
	}
}

// Config returns the simulator configuration.
func (s *Machine) Config() Config { return s.cfg }

// Rails exposes the homing state.
func (s *Machine) Rails() *kinematics.Rails { return s.rails }

// SetIdleHook installs a function run at the start of every blocking call,
// standing in for the display refresh that runs while motion is pending.
func (s *Machine) SetIdleHook(fn func()) { s.idle = fn }

func (s *Machine) runIdle() {
	if s.idle == nil || s.inIdle {
		return
	}
	s.inIdle = true
	defer func() { s.inIdle = false }()
	s.idle()
}

// FailReading makes the nth reading from now (1-based) miss.
func (s *Machine) FailReading(n int) { s.failAt = s.readings + n }

// FailMoves makes every following XY move return err. Nil clears it.
func (s *Machine) FailMoves(err error) { s.moveErr = err }

// Moves returns the XY moves performed so far.
func (s *Machine) Moves() []machine.Point {
	out := make([]machine.Point, len(s.moves))
	copy(out, s.moves)
	return out
}

// Readings is the number of probe readings taken.
func (s *Machine) Readings() int { return s.readings }

// Deployed reports whether the probe is deployed.
func (s *Machine) Deployed() bool { return s.deployed }

// Probe

func (s *Machine) ProbeAt(ctx context.Context, p machine.Point, raise machine.RaiseMode, verbose int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return math.NaN(), err
	}
	if !s.rails.Homed("") {
		return math.NaN(), fmt.Errorf("must home axis first")
	}
	if err := s.MoveToXY(ctx, p.Sub(s.cfg.ProbeOffset)); err != nil {
		return math.NaN(), err
	}
	s.deployed = true
	s.readings++

	z := math.NaN()
	if s.failAt == 0 || s.readings != s.failAt {
		z = s.nextReading()
	}
	if verbose > 2 {
		s.Respond(fmt.Sprintf("Bed X: %.3f Y: %.3f Z: %.3f", p.X, p.Y, z))
	}
	s.pos.Z = s.cfg.Clearance
	if raise == machine.StowAfter || math.IsNaN(z) {
		s.deployed = false
	}
	return z, nil
}

func (s *Machine) nextReading() float64 {
	if len(s.cfg.Readings) > 0 {
		z := s.cfg.Readings[0]
		s.cfg.Readings = s.cfg.Readings[1:]
		return z
	}
	return s.cfg.ZSurface + s.rng.NormFloat64()*s.cfg.Noise
}

// CanReach checks that both the probe and the nozzle stay inside the bed.
func (s *Machine) CanReach(p machine.Point) bool {
	return s.cfg.Bed.Contains(p) && s.cfg.Bed.Contains(p.Sub(s.cfg.ProbeOffset))
}

func (s *Machine) Stow(ctx context.Context) error {
	s.deployed = false
	return nil
}

func (s *Machine) OffsetXY() machine.Point { return s.cfg.ProbeOffset }
func (s *Machine) ZOffset() float64        { return s.zOffset }
func (s *Machine) SetZOffset(z float64)    { s.zOffset = z }

// Motion

func (s *Machine) Position() machine.Position { return s.pos }

func (s *Machine) MoveToXY(ctx context.Context, p machine.Point) error {
	s.runIdle()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.moveErr != nil {
		return s.moveErr
	}
	if err := s.rails.CheckAxis('X', p.X); err != nil {
		return err
	}
	if err := s.rails.CheckAxis('Y', p.Y); err != nil {
		return err
	}
	s.pos.X, s.pos.Y = p.X, p.Y
	s.moves = append(s.moves, p)
	return nil
}

func (s *Machine) MoveZ(ctx context.Context, z float64) error {
	s.runIdle()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.rails.CheckAxis('Z', z); err != nil {
		return err
	}
	s.pos.Z = z
	return nil
}

func (s *Machine) SetZ(z float64) { s.pos.Z = z }

// Home homes the axes and parks homed XY axes at the bed centre.
func (s *Machine) Home(ctx context.Context, axes string) error {
	s.runIdle()
	if err := ctx.Err(); err != nil {
		return err
	}
	if axes == "" {
		axes = "XYZ"
	}
	s.rails.SetHomed(axes)
	c := s.cfg.Bed.Center()
	for _, a := range axes {
		switch a {
		case 'X', 'x':
			s.pos.X = c.X
		case 'Y', 'y':
			s.pos.Y = c.Y
		case 'Z', 'z':
			s.pos.Z = s.cfg.Clearance
		}
	}
	return nil
}

func (s *Machine) MarkUnhomed(axes string) { s.rails.ClearHomingState(axes) }
func (s *Machine) Homed(axes string) bool  { return s.rails.Homed(axes) }

func (s *Machine) PostClearance(ctx context.Context) error {
	if s.pos.Z >= s.cfg.Clearance {
		return nil
	}
	return s.MoveZ(ctx, s.cfg.Clearance)
}

func (s *Machine) SetSoftLimitsLoose(loose bool) { s.rails.SetSoftLimitsLoose(loose) }

func (s *Machine) TravelLimits() (machine.Point, machine.Point) {
	xmin, xmax := s.rails.Range('X')
	ymin, ymax := s.rails.Range('Y')
	return machine.Point{X: xmin, Y: ymin}, machine.Point{X: xmax, Y: ymax}
}

// Modes

func (s *Machine) BedCompensation() bool              { return s.leveling }
func (s *Machine) SetBedCompensation(enabled bool)    { s.leveling = enabled }
func (s *Machine) TemperatureCompensation() bool      { return s.tempComp }
func (s *Machine) SetTemperatureCompensation(on bool) { s.tempComp = on }
func (s *Machine) FeedrateScalingSuspended() bool     { return s.feedSuspended }
func (s *Machine) SuspendFeedrateScaling()            { s.feedSuspended = true }
func (s *Machine) RestoreFeedrateScaling()            { s.feedSuspended = false }

// Display

func (s *Machine) MessageWidth() int     { return s.cfg.StatusWidth }
func (s *Machine) SetStatus(msg string)  { s.status = msg }
func (s *Machine) Status() string        { return s.status }
func (s *Machine) Render(lines []string) { s.screen = append(s.screen[:0], lines...) }
func (s *Machine) GoBack()               { s.backCount++ }

// Screen returns the last rendered menu.
func (s *Machine) Screen() []string { return append([]string(nil), s.screen...) }

// BackCount is how many times the display returned to a previous screen.
func (s *Machine) BackCount() int { return s.backCount }

// Responder

// Respond records a response line and forwards it to the sink.
func (s *Machine) Respond(line string) {
	s.responses = append(s.responses, line)
	if s.sink != nil {
		s.sink(line)
	}
}

// SetResponseSink forwards every response line to fn.
func (s *Machine) SetResponseSink(fn func(string)) { s.sink = fn }

// Responses returns and clears the recorded response lines.
func (s *Machine) Responses() []string {
	out := s.responses
	s.responses = nil
	return out
}

// Clock

func (s *Machine) Millis() uint32 { return uint32(time.Since(s.start).Milliseconds()) }

// Injector

func (s *Machine) Inject(script string) { s.injected = append(s.injected, script) }

// Injected returns and clears the queued scripts.
func (s *Machine) Injected() []string {
	out := s.injected
	s.injected = nil
	return out
}
