// Z-probe repeatability test (M48)
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package repeatability measures how consistently the probe reports the same
// height at one point, optionally moving around the point between readings.
package repeatability

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/kinematics"
	"klipper-probecal/pkg/log"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/stats"
)

// Parameter limits.
const (
	MinSamples     = 4
	MaxSamples     = 50
	MaxVerbose     = 4
	MaxLegs        = 15
	DefaultSamples = 10
	DefaultVerbose = 1
	SchizoidLegs   = 7
)

// LockOwner is the name the tester holds the machine lock under.
const LockOwner = "M48"

// Params are the M48 arguments.
type Params struct {
	Samples int // P
	Verbose int // V
	// Target is the probe point (X, Y). Nil selects the point under the
	// probe at the current toolhead position.
	Target   *machine.Point
	StowEach bool // E
	// Legs is L. Nil means not given, which matters for Schizoid.
	Legs     *int
	Schizoid bool // S
	TempComp bool // C
}

// DefaultParams returns the parameters of a bare M48.
func DefaultParams() Params {
	return Params{
		Samples:  DefaultSamples,
		Verbose:  DefaultVerbose,
		TempComp: true,
	}
}

// Result is the outcome of one run. On a probe failure it carries the
// statistics of the readings taken before the failure.
type Result struct {
	Params    Params
	Target    machine.Point
	Legs      int
	Seed      int64
	Samples   []float64
	Summary   stats.Summary
	Completed bool
	Status    string
	Started   time.Time
	Duration  time.Duration
}

// Options tune a Tester.
type Options struct {
	Bed kinematics.Bed
	// Seed fixes the leg pattern. Zero seeds from the machine clock.
	Seed           int64
	MaxInwardSteps int
}

// Tester runs repeatability tests against a machine.
type Tester struct {
	m      *machine.Machine
	opts   Options
	logger *log.Logger
}

// NewTester creates a tester.
func NewTester(m *machine.Machine, opts Options) *Tester {
	return &Tester{
		m:      m,
		opts:   opts,
		logger: log.GetLogger("m48"),
	}
}

// validate checks the parameters in the order the firmware reports them and
// resolves the target and leg count. It has no side effects apart from the
// out-of-bounds status message.
func (t *Tester) validate(p Params) (machine.Point, int, error) {
	m := t.m
	if axes := unhomedAxes(m.Motion); axes != "" {
		return machine.Point{}, 0, errors.HomingRequired(axes)
	}
	if p.Verbose < 0 || p.Verbose > MaxVerbose {
		return machine.Point{}, 0, errors.InvalidParam("V", "(V)erbose level implausible (0-4).")
	}
	if p.Samples < MinSamples || p.Samples > MaxSamples {
		return machine.Point{}, 0, errors.InvalidParam("P", "Sample size not plausible (4-50).")
	}

	var target machine.Point
	if p.Target != nil {
		target = *p.Target
	} else {
		target = m.Motion.Position().XY().Add(m.Probe.OffsetXY())
	}
	if !m.Probe.CanReach(target) {
		m.SetStatus("Probe out of bounds")
		return machine.Point{}, 0, errors.OutOfBounds(target.X, target.Y)
	}

	legs := 0
	if p.Legs != nil {
		legs = *p.Legs
		if legs < 0 || legs > MaxLegs {
			return machine.Point{}, 0, errors.InvalidParam("L", "Legs of movement implausible (0-15).")
		}
	}
	if legs == 1 {
		legs = 2
	}
	if p.Schizoid && p.Legs == nil {
		legs = SchizoidLegs
	}
	return target, legs, nil
}

func unhomedAxes(motion machine.Motion) string {
	var sb strings.Builder
	for _, a := range "XYZ" {
		if !motion.Homed(string(a)) {
			sb.WriteRune(a)
		}
	}
	return sb.String()
}

// Run executes one repeatability test. Parameter errors are returned before
// any machine state changes. Once sampling starts, the probe is stowed and
// bed compensation, temperature compensation and feedrate scaling are put
// back on every exit path, including probe failures and motion errors.
func (t *Tester) Run(ctx context.Context, p Params) (res *Result, err error) {
	m := t.m
	target, legs, err := t.validate(p)
	if err != nil {
		return nil, err
	}
	if err := m.Lock.Acquire(LockOwner); err != nil {
		return nil, err
	}
	defer m.Lock.Release(LockOwner)

	if p.Verbose > 0 {
		m.Respondf("M48 Z-Probe Repeatability Test")
	}
	if p.Verbose > 2 {
		m.Respondf("Positioning the probe...")
	}

	res = &Result{Params: p, Target: target, Legs: legs, Started: time.Now()}
	restore := t.suspendModes(p.TempComp)
	defer func() {
		restore()
		res.Duration = time.Since(res.Started)
		if r := recover(); r != nil {
			err = errors.FromPanic(r)
		}
	}()

	rs := stats.NewRunning(p.Samples)
	func() {
		defer func() {
			if serr := m.Probe.Stow(context.WithoutCancel(ctx)); serr != nil && err == nil {
				err = errors.MotionError("stow", serr)
			}
		}()
		err = t.sample(ctx, p, target, legs, rs, res)
	}()

	res.Samples = rs.Samples()
	res.Summary = rs.Snapshot()
	if err != nil {
		t.logger.WithFields(log.Fields{
			"samples": rs.Count(),
			"target":  target.String(),
		}).WithError(err).Warn("repeatability run aborted")
		return res, err
	}

	res.Completed = true
	t.report(p, rs, res)
	t.logger.WithFields(log.Fields{
		"samples": rs.Count(),
		"legs":    legs,
		"sigma":   rs.StdDev(),
		"seed":    res.Seed,
	}).Info("repeatability run finished")
	return res, nil
}

// suspendModes disables bed compensation, applies the temperature
// compensation choice and suspends feedrate scaling. The returned function
// restores them and reports the toolhead position.
func (t *Tester) suspendModes(tempComp bool) func() {
	m := t.m
	var wasLeveling bool
	if m.Caps.BedCompensation {
		wasLeveling = m.Modes.BedCompensation()
		m.Modes.SetBedCompensation(false)
	}
	if m.Caps.TemperatureCompensation {
		m.Modes.SetTemperatureCompensation(tempComp)
	}
	m.Modes.SuspendFeedrateScaling()

	return func() {
		m.Modes.RestoreFeedrateScaling()
		if m.Caps.BedCompensation {
			m.Modes.SetBedCompensation(wasLeveling)
		}
		if m.Caps.TemperatureCompensation {
			m.Modes.SetTemperatureCompensation(true)
		}
		m.Respondf("%s", machine.FormatPosition(m.Motion.Position()))
	}
}

// sample takes the first reading, seeds the leg pattern and collects
// p.Samples readings into rs.
func (t *Tester) sample(ctx context.Context, p Params, target machine.Point, legs int, rs *stats.Running, res *Result) error {
	m := t.m
	raise := machine.RaiseAfter
	if p.StowEach {
		raise = machine.StowAfter
	}

	first, err := m.Probe.ProbeAt(ctx, target, raise, p.Verbose)
	if err != nil {
		return errors.MotionError("probe", err)
	}
	if math.IsNaN(first) {
		return errors.ProbeFailure(0)
	}

	res.Seed = t.opts.Seed
	if res.Seed == 0 && m.Clock != nil {
		res.Seed = int64(m.Clock.Millis())
	}
	gen := NewPathGenerator(m, t.opts.Bed, rand.New(rand.NewSource(res.Seed)), t.opts.MaxInwardSteps)
	gen.output = m.Respondf

	for n := 1; n <= p.Samples; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.SetStatus(fmt.Sprintf("M48 Point: %d/%d", n, p.Samples))

		if legs > 0 {
			if err := gen.BeginLegs(ctx, target, legs, p.Schizoid, p.Verbose); err != nil {
				return err
			}
		}

		z, err := m.Probe.ProbeAt(ctx, target, raise, 0)
		if err != nil {
			return errors.MotionError("probe", err)
		}
		if !rs.Append(z) {
			return errors.ProbeFailure(n)
		}

		if p.Verbose > 1 {
			line := fmt.Sprintf("%d of %d: z: %.3f", n, p.Samples, z)
			if p.Verbose > 2 {
				line += fmt.Sprintf(" Mean: %.6f Sigma: %.6f Min: %.3f Max: %.3f Range: %.3f",
					rs.Mean(), rs.StdDev(), rs.Min(), rs.Max(), rs.Range())
			}
			m.Respondf("%s", line)
		}
	}
	return nil
}

// report emits the final result lines and the status message.
func (t *Tester) report(p Params, rs *stats.Running, res *Result) {
	m := t.m
	m.Respondf("Finished!")
	if p.Verbose > 0 {
		m.Respondf("Mean: %.6f Min: %.3f Max: %.3f Range: %.3f", rs.Mean(), rs.Min(), rs.Max(), rs.Range())
	}
	m.Respondf("Standard Deviation: %.6f", rs.StdDev())

	width := 0
	if m.Display != nil {
		width = m.Display.MessageWidth()
	}
	res.Status = StatusMessage(width, rs.StdDev(), rs.MaxDelta())
	m.SetStatus(res.Status)
}

// StatusMessage formats the final deviation for a status line of the given
// width.
func StatusMessage(width int, sigma, maxDelta float64) string {
	switch {
	case width <= 20:
		return fmt.Sprintf("Deviation: %.6f", sigma)
	case width <= 30:
		return fmt.Sprintf("Dev:%.5f, Max delta:%.5f", sigma, maxDelta)
	default:
		return fmt.Sprintf("Deviation: %.6f, Max delta: %.6f", sigma, maxDelta)
	}
}
