package repeatability

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-probecal/pkg/kinematics"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/sim"
)

func deltaSim() *sim.Machine {
	cfg := sim.DefaultConfig()
	cfg.Bed = kinematics.Bed{Kind: kinematics.Circular, Radius: 100}
	cfg.Rails[0] = kinematics.Rail{Name: "stepper_a", PositionMin: -100, PositionMax: 100}
	cfg.Rails[1] = kinematics.Rail{Name: "stepper_b", PositionMin: -100, PositionMax: 100}
	cfg.ProbeOffset = machine.Point{X: 10, Y: 5}
	return sim.New(cfg)
}

func newGen(s *sim.Machine, seed int64) *PathGenerator {
	return NewPathGenerator(s.Machine(), s.Config().Bed, rand.New(rand.NewSource(seed)), 0)
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{359.5, 359.5},
		{360, 0},
		{-1, 359},
		{725, 5},
		{-3600 - 90, 270},
		{1e6, math.Mod(1e6, 360)},
	}
	for _, tt := range tests {
		got := normalizeAngle(tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "normalizeAngle(%v)", tt.in)
		assert.True(t, got >= 0 && got < 360)
	}
}

func TestStepKeepsAngleNormalizedUnderDrift(t *testing.T) {
	g := newGen(sim.New(sim.DefaultConfig()), 7)
	st := legState{angle: 350, dir: 1}
	for i := 0; i < 10000; i++ {
		g.step(&st, i%3 == 0)
		require.True(t, st.angle >= 0 && st.angle < 360, "angle %v after %d steps", st.angle, i)
	}
}

func TestSchizoidStep(t *testing.T) {
	g := newGen(sim.New(sim.DefaultConfig()), 1)
	st := legState{angle: 10, dir: 1}
	g.step(&st, true)
	assert.Equal(t, 154.0, st.angle)

	st = legState{angle: 10, dir: -1}
	g.step(&st, true)
	assert.Equal(t, 226.0, st.angle)
}

func TestRandomStepRange(t *testing.T) {
	g := newGen(sim.New(sim.DefaultConfig()), 3)
	for i := 0; i < 1000; i++ {
		st := legState{angle: 100, dir: 1}
		g.step(&st, false)
		d := st.angle - 100
		require.True(t, d >= 25 && d < 45, "delta %v", d)
		require.Equal(t, math.Trunc(d), d, "delta must be whole degrees")
	}
}

func TestRadiusDrawsWithinBounds(t *testing.T) {
	for _, s := range []*sim.Machine{sim.New(sim.DefaultConfig()), deltaSim()} {
		g := newGen(s, 11)
		lo, hi := s.Config().Bed.LegRadiusRange()
		dirs := map[int]int{}
		for i := 0; i < 2000; i++ {
			st := g.draw()
			require.True(t, st.radius >= lo && st.radius <= hi, "radius %v outside [%v,%v]", st.radius, lo, hi)
			require.True(t, st.angle >= 0 && st.angle < 360)
			dirs[st.dir]++
		}
		assert.Len(t, dirs, 2)
		assert.Greater(t, dirs[1], 800)
		assert.Greater(t, dirs[-1], 800)
	}
}

func TestCircularClampConverges(t *testing.T) {
	s := deltaSim()
	g := newGen(s, 1)
	for _, p := range []machine.Point{
		{X: 95, Y: 0},
		{X: -70, Y: 70},
		{X: 0, Y: -99.9},
		{X: 300, Y: 300},
	} {
		got, steps := g.clamp(p, 0)
		assert.True(t, s.CanReach(got), "clamped %v unreachable", got)
		assert.Less(t, steps, DefaultMaxInwardSteps)
		if steps > 0 {
			ratio := got.Norm() / p.Norm()
			assert.InDelta(t, math.Pow(0.8, float64(steps)), ratio, 1e-9)
		}
	}
}

type neverReach struct {
	machine.Probe
}

func (neverReach) CanReach(machine.Point) bool { return false }

func TestCircularClampGivesUpAtOrigin(t *testing.T) {
	s := deltaSim()
	m := s.Machine()
	m.Probe = neverReach{s}
	g := NewPathGenerator(m, s.Config().Bed, rand.New(rand.NewSource(1)), 5)

	got, steps := g.clamp(machine.Point{X: 50, Y: 50}, 0)
	assert.Equal(t, machine.Point{}, got)
	assert.Equal(t, 5, steps)
}

func TestRectangularClampStaysInTravel(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	g := newGen(s, 1)
	got, _ := g.clamp(machine.Point{X: -12, Y: 250}, 0)
	assert.Equal(t, machine.Point{X: 0, Y: 235}, got)
}

func TestPlanLegCounts(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	g := newGen(s, 5)
	target := machine.Point{X: 117, Y: 117}

	assert.Empty(t, g.Plan(target, 0, false, 0))
	assert.Empty(t, g.Plan(target, 1, false, 0))
	assert.Len(t, g.Plan(target, 2, false, 0), 1)
	assert.Len(t, g.Plan(target, 7, true, 0), 6)
}

func TestPlanCircleAroundNozzlePosition(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	g := newGen(s, 9)
	target := machine.Point{X: 117, Y: 117}
	nozzle := target.Sub(s.Config().ProbeOffset)

	points := g.Plan(target, 8, false, 0)
	require.Len(t, points, 7)
	r0 := points[0].Sub(nozzle).Norm()
	lo, hi := s.Config().Bed.LegRadiusRange()
	assert.True(t, r0 >= lo && r0 <= hi)
	for _, p := range points {
		assert.InDelta(t, r0, p.Sub(nozzle).Norm(), 1e-9, "all legs of a sample share one radius")
	}
}

func TestPlanReproducibleForSeed(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	target := machine.Point{X: 100, Y: 90}
	a := newGen(s, 42).Plan(target, 10, false, 0)
	b := newGen(s, 42).Plan(target, 10, false, 0)
	c := newGen(s, 43).Plan(target, 10, false, 0)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestBeginLegsMovesAndReportsAtHighVerbosity(t *testing.T) {
	s := deltaSim()
	ctx := context.Background()
	require.NoError(t, s.Home(ctx, ""))
	g := newGen(s, 2)
	var lines []string
	g.output = func(format string, args ...interface{}) {
		lines = append(lines, format)
	}

	require.NoError(t, g.BeginLegs(ctx, machine.Point{X: 0, Y: 0}, 4, false, 4))
	assert.Len(t, s.Moves(), 3)
	require.NotEmpty(t, lines)
	assert.Equal(t, "Start radius:%.3f angle:%.0f dir:%s", lines[0])
	assert.Contains(t, lines, "Going to: X%.3f Y%.3f")
}
