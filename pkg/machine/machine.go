// Package machine defines the capabilities the calibration routines consume:
// the probe, the motion executor, global compensation modes, the display and
// the response channel. Implementations live in pkg/sim and in hardware glue.
package machine

import (
	"context"
	"fmt"
	"math"
)

// Point is a position in the XY plane in machine coordinates (mm).
type Point struct {
	X, Y float64
}

// Add returns p+q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Sub returns p-q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Scale returns p scaled by f about the origin.
func (p Point) Scale(f float64) Point { return Point{p.X * f, p.Y * f} }

// Norm returns the distance of p from the origin.
func (p Point) Norm() float64 { return math.Hypot(p.X, p.Y) }

func (p Point) String() string { return fmt.Sprintf("X%.3f Y%.3f", p.X, p.Y) }

// Position is the toolhead position.
type Position struct {
	X, Y, Z float64
}

// XY drops the Z component.
func (p Position) XY() Point { return Point{p.X, p.Y} }

// RaiseMode selects what the probe does after a reading.
type RaiseMode int

const (
	// RaiseAfter lifts to the between-probe clearance and leaves the probe deployed.
	RaiseAfter RaiseMode = iota
	// StowAfter stows the probe after every reading.
	StowAfter
)

// Probe is the physical probe driver.
type Probe interface {
	// ProbeAt moves the probe over p and measures the bed height there.
	// A reading that did not trigger is reported as NaN with a nil error;
	// a non-nil error means the motion system itself failed.
	ProbeAt(ctx context.Context, p Point, raise RaiseMode, verbose int) (float64, error)

	// CanReach reports whether the probe (not the nozzle) can be placed at p.
	CanReach(p Point) bool

	// Stow retracts the probe.
	Stow(ctx context.Context) error

	// OffsetXY is the probe position relative to the nozzle.
	OffsetXY() Point

	ZOffset() float64
	SetZOffset(z float64)
}

// Motion is the blocking motion executor.
type Motion interface {
	Position() Position

	// MoveToXY performs a blocking travel move.
	MoveToXY(ctx context.Context, p Point) error

	// MoveZ performs a blocking Z move to an absolute height.
	MoveZ(ctx context.Context, z float64) error

	// SetZ overrides the current Z without moving and resyncs the planner.
	SetZ(z float64)

	// Home homes the given axes ("" or "XYZ" for all) and blocks until done.
	Home(ctx context.Context, axes string) error

	// MarkUnhomed forgets the homed state of the given axes.
	MarkUnhomed(axes string)

	// Homed reports whether every axis in axes ("XYZ" when empty) is homed.
	Homed(axes string) bool

	// PostClearance raises Z to the configured clearance after calibration.
	PostClearance(ctx context.Context) error

	// SetSoftLimitsLoose relaxes (true) or restores (false) the soft endstops.
	SetSoftLimitsLoose(loose bool)

	// TravelLimits returns the XY travel bounds.
	TravelLimits() (min, max Point)
}

// Modes are the process-wide compensation and scaling switches a
// calibration routine must suspend and restore.
type Modes interface {
	BedCompensation() bool
	SetBedCompensation(enabled bool)

	TemperatureCompensation() bool
	SetTemperatureCompensation(enabled bool)

	FeedrateScalingSuspended() bool
	// SuspendFeedrateScaling switches to raw feedrates until restored.
	SuspendFeedrateScaling()
	RestoreFeedrateScaling()
}

// Display is the on-device status line and menu screen.
type Display interface {
	// MessageWidth is the status line width in characters.
	MessageWidth() int
	SetStatus(msg string)
	Status() string
	// Render draws a full-screen menu.
	Render(lines []string)
	// GoBack returns to the screen shown before the current one.
	GoBack()
}

// Responder receives line-oriented host output.
type Responder interface {
	Respond(line string)
}

// Clock is the elapsed-time source used for seeding.
type Clock interface {
	Millis() uint32
}

// Injector queues a command for execution after the current one returns.
type Injector interface {
	Inject(script string)
}

// Capabilities replace compile-time feature gating.
type Capabilities struct {
	BedCompensation         bool
	TemperatureCompensation bool
	StatusMessage           bool
	// ProbeHomesZ is set when Z is homed with the probe rather than an endstop.
	ProbeHomesZ bool
}

// Machine bundles the collaborators a calibration routine needs.
type Machine struct {
	Probe    Probe
	Motion   Motion
	Modes    Modes
	Display  Display
	Out      Responder
	Clock    Clock
	Injector Injector
	Caps     Capabilities
	Lock     *Lock
}

// Respondf formats a response line. A nil Out discards it.
func (m *Machine) Respondf(format string, args ...interface{}) {
	if m.Out == nil {
		return
	}
	m.Out.Respond(fmt.Sprintf(format, args...))
}

// SetStatus updates the status line when the machine has one.
func (m *Machine) SetStatus(msg string) {
	if m.Display == nil || !m.Caps.StatusMessage {
		return
	}
	m.Display.SetStatus(msg)
}

// FormatPosition renders a position the way M114 reports it.
func FormatPosition(p Position) string {
	return fmt.Sprintf("X:%.3f Y:%.3f Z:%.3f", p.X, p.Y, p.Z)
}
