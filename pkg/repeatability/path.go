package repeatability

import (
	"context"
	"math"
	"math/rand"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/kinematics"
	"klipper-probecal/pkg/machine"
)

const (
	// schizoidStep visits every second point of a five-point star.
	schizoidStep = 2 * 72.0

	minLegStep = 25
	maxLegStep = 45

	// DefaultMaxInwardSteps bounds the 0.8 scaling toward the origin on a
	// circular bed. 0.8^64 is below 1e-6, so any waypoint on the bed
	// collapses onto the centre long before the cap.
	DefaultMaxInwardSteps = 64
)

// legState is the per-sample pattern drawn before the first leg.
type legState struct {
	angle  float64
	radius float64
	dir    int
}

// PathGenerator moves the toolhead around a target point before each probe
// reading so the measurement includes motion-induced settling.
type PathGenerator struct {
	rng    *rand.Rand
	m      *machine.Machine
	bed    kinematics.Bed
	steps  int
	output func(format string, args ...interface{})
}

// NewPathGenerator returns a generator drawing from rng. maxInwardSteps <= 0
// selects DefaultMaxInwardSteps.
func NewPathGenerator(m *machine.Machine, bed kinematics.Bed, rng *rand.Rand, maxInwardSteps int) *PathGenerator {
	if maxInwardSteps <= 0 {
		maxInwardSteps = DefaultMaxInwardSteps
	}
	return &PathGenerator{
		rng:    rng,
		m:      m,
		bed:    bed,
		steps:  maxInwardSteps,
		output: func(string, ...interface{}) {},
	}
}

// draw picks the direction, start angle and radius for one sample.
func (g *PathGenerator) draw() legState {
	st := legState{dir: 1}
	if g.rng.Intn(2) == 0 {
		st.dir = -1
	}
	st.angle = float64(g.rng.Intn(360))
	lo, hi := g.bed.LegRadiusRange()
	st.radius = lo + g.rng.Float64()*(hi-lo)
	return st
}

// step advances the angle by one leg.
func (g *PathGenerator) step(st *legState, schizoid bool) {
	var delta float64
	if schizoid {
		delta = float64(st.dir) * schizoidStep
	} else {
		delta = float64(st.dir) * float64(minLegStep+g.rng.Intn(maxLegStep-minLegStep))
	}
	st.angle = normalizeAngle(st.angle + delta)
}

// normalizeAngle folds a into [0,360) by whole turns.
func normalizeAngle(a float64) float64 {
	for a >= 360 {
		a -= 360
	}
	for a < 0 {
		a += 360
	}
	return a
}

// clamp pulls a waypoint back onto the reachable area. On a circular bed
// the point is scaled toward the origin; it reports how many 0.8 steps were
// taken. A point still unreachable after the step limit becomes the origin.
func (g *PathGenerator) clamp(p machine.Point, verbose int) (machine.Point, int) {
	if g.bed.Kind != kinematics.Circular {
		lo, hi := g.m.Motion.TravelLimits()
		return kinematics.Bed{Min: lo, Max: hi}.ClampRect(p), 0
	}
	n := 0
	for !g.m.Probe.CanReach(p) {
		if n == g.steps {
			return machine.Point{}, n
		}
		p = p.Scale(0.8)
		n++
		if verbose > 3 {
			g.output("Moving inward: X%.3f Y%.3f", p.X, p.Y)
		}
	}
	return p, n
}

// walk generates the leg waypoints for one sample and hands each to visit
// in order. legCount includes the final approach, so legCount-1 waypoints
// are produced.
func (g *PathGenerator) walk(target machine.Point, legCount int, schizoid bool, verbose int, visit func(machine.Point) error) error {
	if legCount < 2 {
		return nil
	}
	st := g.draw()
	if verbose > 3 {
		dir := "CW"
		if st.dir > 0 {
			dir = "CCW"
		}
		g.output("Start radius:%.3f angle:%.0f dir:%s", st.radius, st.angle, dir)
	}
	nozzle := target.Sub(g.m.Probe.OffsetXY())
	for l := 0; l < legCount-1; l++ {
		g.step(&st, schizoid)
		rad := st.angle * math.Pi / 180
		next := machine.Point{
			X: nozzle.X + math.Cos(rad)*st.radius,
			Y: nozzle.Y + math.Sin(rad)*st.radius,
		}
		next, _ = g.clamp(next, verbose)
		if err := visit(next); err != nil {
			return err
		}
	}
	return nil
}

// Plan computes the leg waypoints for one sample without moving.
func (g *PathGenerator) Plan(target machine.Point, legCount int, schizoid bool, verbose int) []machine.Point {
	var points []machine.Point
	g.walk(target, legCount, schizoid, verbose, func(p machine.Point) error {
		points = append(points, p)
		return nil
	})
	return points
}

// BeginLegs traverses the legs for one sample, blocking on each move.
func (g *PathGenerator) BeginLegs(ctx context.Context, target machine.Point, legCount int, schizoid bool, verbose int) error {
	return g.walk(target, legCount, schizoid, verbose, func(p machine.Point) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if verbose > 3 {
			g.output("Going to: X%.3f Y%.3f", p.X, p.Y)
		}
		if err := g.m.Motion.MoveToXY(ctx, p); err != nil {
			return errors.MotionError("leg move", err)
		}
		return nil
	})
}
