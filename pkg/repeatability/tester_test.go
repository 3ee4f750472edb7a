package repeatability

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/sim"
	"klipper-probecal/pkg/stats"
)

type fixture struct {
	sim    *sim.Machine
	m      *machine.Machine
	tester *Tester
}

func newFixture(t *testing.T, mutate func(*sim.Config)) *fixture {
	t.Helper()
	cfg := sim.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s := sim.New(cfg)
	require.NoError(t, s.Home(context.Background(), ""))
	s.SetBedCompensation(true)
	m := s.Machine()
	return &fixture{
		sim:    s,
		m:      m,
		tester: NewTester(m, Options{Bed: cfg.Bed, Seed: 1234}),
	}
}

func intp(v int) *int { return &v }

func (f *fixture) assertModesRestored(t *testing.T) {
	t.Helper()
	assert.True(t, f.sim.BedCompensation(), "bed compensation restored")
	assert.True(t, f.sim.TemperatureCompensation(), "temperature compensation re-enabled")
	assert.False(t, f.sim.FeedrateScalingSuspended(), "feedrate scaling restored")
	assert.False(t, f.sim.Deployed(), "probe stowed")
	assert.Empty(t, f.m.Lock.Owner(), "lock released")
}

func TestValidationRejectsWithoutSideEffects(t *testing.T) {
	outside := machine.Point{X: 500, Y: 500}
	tests := []struct {
		name   string
		params func(p *Params)
		code   errors.ErrorCode
		option string
	}{
		{"verbose high", func(p *Params) { p.Verbose = 5 }, errors.ErrInvalidParam, "V"},
		{"verbose negative", func(p *Params) { p.Verbose = -1 }, errors.ErrInvalidParam, "V"},
		{"too few samples", func(p *Params) { p.Samples = 3 }, errors.ErrInvalidParam, "P"},
		{"too many samples", func(p *Params) { p.Samples = 51 }, errors.ErrInvalidParam, "P"},
		{"unreachable", func(p *Params) { p.Target = &outside }, errors.ErrOutOfBounds, ""},
		{"too many legs", func(p *Params) { p.Legs = intp(16) }, errors.ErrInvalidParam, "L"},
		{"verbose before samples", func(p *Params) { p.Verbose = 9; p.Samples = 0 }, errors.ErrInvalidParam, "V"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := DefaultParams()
			tt.params(&p)

			res, err := f.tester.Run(context.Background(), p)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.True(t, errors.IsRejected(err))
			if tt.option != "" {
				var he *errors.HostError
				require.ErrorAs(t, err, &he)
				assert.Equal(t, tt.option, he.Option)
			}
			assert.Zero(t, f.sim.Readings())
			assert.Empty(t, f.sim.Moves())
			assert.True(t, f.sim.BedCompensation())
			assert.False(t, f.sim.FeedrateScalingSuspended())
		})
	}
}

func TestOutOfBoundsSetsStatus(t *testing.T) {
	f := newFixture(t, nil)
	p := DefaultParams()
	p.Target = &machine.Point{X: 500, Y: 0}
	_, err := f.tester.Run(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, "[OUT_OF_BOUNDS] (X,Y) out of bounds.", err.Error())
	assert.Equal(t, "Probe out of bounds", f.sim.Status())
}

func TestRequiresHoming(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.MarkUnhomed("Z")
	_, err := f.tester.Run(context.Background(), DefaultParams())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHomingRequired))
	assert.Contains(t, err.Error(), "Home Z First")
}

func TestBusyWhenLockHeld(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.Lock.Acquire("wizard"))
	_, err := f.tester.Run(context.Background(), DefaultParams())
	assert.True(t, errors.Is(err, errors.ErrBusy))
	assert.Zero(t, f.sim.Readings())
}

func TestConstantReadings(t *testing.T) {
	f := newFixture(t, func(c *sim.Config) { c.ZSurface = 0.100 })
	p := DefaultParams()
	p.Verbose = 0

	res, err := f.tester.Run(context.Background(), p)
	require.NoError(t, err)
	require.True(t, res.Completed)

	want := stats.Summary{Count: 10, Mean: 0.1, Min: 0.1, Max: 0.1, Median: 0.1}
	if diff := cmp.Diff(want, res.Summary, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 11, f.sim.Readings(), "first positioning probe plus ten samples")
	assert.Equal(t, "Deviation: 0.000000", res.Status)
	assert.Equal(t, res.Status, f.sim.Status())
	f.assertModesRestored(t)
}

func TestFourReadingsReport(t *testing.T) {
	f := newFixture(t, func(c *sim.Config) {
		c.Readings = []float64{0.5, 0.10, 0.12, 0.11, 0.09}
		c.StatusWidth = 40
	})
	p := DefaultParams()
	p.Samples = 4
	p.Verbose = 3

	res, err := f.tester.Run(context.Background(), p)
	require.NoError(t, err)
	assert.InDelta(t, 0.105, res.Summary.Mean, 1e-12)
	assert.InDelta(t, 0.0111803, res.Summary.StdDev, 1e-6)
	assert.Equal(t, []float64{0.10, 0.12, 0.11, 0.09}, res.Samples)

	out := f.sim.Responses()
	require.GreaterOrEqual(t, len(out), 9)
	assert.Equal(t, "M48 Z-Probe Repeatability Test", out[0])
	assert.Equal(t, "Positioning the probe...", out[1])
	assert.Contains(t, out, "1 of 4: z: 0.100 Mean: 0.100000 Sigma: 0.000000 Min: 0.100 Max: 0.100 Range: 0.000")
	assert.Contains(t, out, "Finished!")
	assert.Contains(t, out, "Mean: 0.105000 Min: 0.090 Max: 0.120 Range: 0.030")
	assert.Contains(t, out, "Standard Deviation: 0.011180")
	assert.True(t, strings.HasPrefix(out[len(out)-1], "X:"), "position report comes last")
	assert.Equal(t, "Deviation: 0.011180, Max delta: 0.015000", res.Status)
}

func TestProbeFailureMidRun(t *testing.T) {
	// reading 1 is the positioning probe, so reading 7 is the 6th sample
	f := newFixture(t, func(c *sim.Config) { c.FailAfter = 7 })
	p := DefaultParams()
	p.Verbose = 2
	p.Legs = intp(3)

	res, err := f.tester.Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProbeFailure))
	require.NotNil(t, res)
	assert.False(t, res.Completed)
	assert.Equal(t, 5, res.Summary.Count)
	assert.Equal(t, 7, f.sim.Readings(), "remaining samples are not attempted")

	out := f.sim.Responses()
	assert.NotContains(t, out, "Finished!")
	for _, line := range out {
		assert.NotContains(t, line, "Standard Deviation")
	}
	assert.Equal(t, "M48 Point: 6/10", f.sim.Status())
	f.assertModesRestored(t)
}

func TestFirstProbeFailureSkipsSampling(t *testing.T) {
	f := newFixture(t, func(c *sim.Config) { c.FailAfter = 1 })
	res, err := f.tester.Run(context.Background(), DefaultParams())
	assert.True(t, errors.Is(err, errors.ErrProbeFailure))
	assert.Equal(t, 0, res.Summary.Count)
	assert.Equal(t, 1, f.sim.Readings())
	f.assertModesRestored(t)
}

func TestMotionErrorRestoresModes(t *testing.T) {
	f := newFixture(t, nil)
	p := DefaultParams()
	p.Legs = intp(4)

	calls := 0
	f.sim.SetIdleHook(func() {
		calls++
		if calls == 3 {
			f.sim.FailMoves(fmt.Errorf("stepper fault"))
		}
	})
	res, err := f.tester.Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRuntimeMotion))
	assert.Contains(t, err.Error(), "stepper fault")
	assert.False(t, res.Completed)
	f.assertModesRestored(t)
}

func TestModesSuspendedDuringRun(t *testing.T) {
	f := newFixture(t, nil)
	p := DefaultParams()
	p.TempComp = false

	var sawLeveling, sawTempComp, sawScaling []bool
	f.sim.SetIdleHook(func() {
		sawLeveling = append(sawLeveling, f.sim.BedCompensation())
		sawTempComp = append(sawTempComp, f.sim.TemperatureCompensation())
		sawScaling = append(sawScaling, f.sim.FeedrateScalingSuspended())
	})
	_, err := f.tester.Run(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, sawLeveling)
	assert.NotContains(t, sawLeveling, true)
	assert.NotContains(t, sawTempComp, true)
	assert.NotContains(t, sawScaling, false)
	f.assertModesRestored(t)
}

func TestModesRestoredToPriorValue(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.SetBedCompensation(false)
	_, err := f.tester.Run(context.Background(), DefaultParams())
	require.NoError(t, err)
	assert.False(t, f.sim.BedCompensation(), "leveling was off before the run")
}

func TestLegCountResolution(t *testing.T) {
	tests := []struct {
		name     string
		legs     *int
		schizoid bool
		want     int
	}{
		{"unset", nil, false, 0},
		{"zero", intp(0), false, 0},
		{"one promoted", intp(1), false, 2},
		{"explicit", intp(5), false, 5},
		{"schizoid default", nil, true, SchizoidLegs},
		{"schizoid explicit", intp(3), true, 3},
		{"schizoid explicit zero", intp(0), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := DefaultParams()
			p.Samples = 4
			p.Legs = tt.legs
			p.Schizoid = tt.schizoid

			res, err := f.tester.Run(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Legs)

			legMoves := 0
			if tt.want > 0 {
				legMoves = tt.want - 1
			}
			// one XY move per probe reading plus the leg moves before each sample
			assert.Len(t, f.sim.Moves(), 5+4*legMoves)
		})
	}
}

func TestSeedReproducesPath(t *testing.T) {
	run := func() []machine.Point {
		f := newFixture(t, nil)
		p := DefaultParams()
		p.Legs = intp(6)
		_, err := f.tester.Run(context.Background(), p)
		require.NoError(t, err)
		return f.sim.Moves()
	}
	assert.Equal(t, run(), run())
}

func TestDefaultTargetUsesProbeOffset(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.sim.MoveToXY(context.Background(), machine.Point{X: 120, Y: 100}))
	res, err := f.tester.Run(context.Background(), DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, machine.Point{X: 80, Y: 90}, res.Target)
}

func TestStatusMessageTiers(t *testing.T) {
	assert.Equal(t, "Deviation: 0.012346", StatusMessage(20, 0.0123456, 0.02))
	assert.Equal(t, "Dev:0.01235, Max delta:0.02000", StatusMessage(30, 0.0123456, 0.02))
	assert.Equal(t, "Deviation: 0.012346, Max delta: 0.020000", StatusMessage(31, 0.0123456, 0.02))
	assert.LessOrEqual(t, len(StatusMessage(20, 0.123456, 0)), 20)
	assert.LessOrEqual(t, len(StatusMessage(30, 0.12345, 0.12345)), 30)
}

func TestCancelledContextStillCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.sim.SetIdleHook(func() {
		if f.sim.Readings() == 3 {
			cancel()
		}
	})
	res, err := f.tester.Run(ctx, DefaultParams())
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Completed)
	f.assertModesRestored(t)
}
