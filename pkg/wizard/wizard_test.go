package wizard

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/sim"
)

type harness struct {
	sim     *sim.Machine
	m       *machine.Machine
	session *Session
}

func newHarness(t *testing.T, mutateSim func(*sim.Config), cfg Config) *harness {
	t.Helper()
	scfg := sim.DefaultConfig()
	scfg.Readings = []float64{0.2}
	if mutateSim != nil {
		mutateSim(&scfg)
	}
	s := sim.New(scfg)
	require.NoError(t, s.Home(context.Background(), ""))
	s.SetBedCompensation(true)
	m := s.Machine()
	cfg.Bed = scfg.Bed
	return &harness{sim: s, m: m, session: New(m, cfg)}
}

// runInjected executes queued homing requests the way the host would.
func (h *harness) runInjected(t *testing.T) {
	t.Helper()
	for _, script := range h.sim.Injected() {
		switch script {
		case "G28":
			require.NoError(t, h.sim.Home(context.Background(), ""))
		case "G28 Z":
			require.NoError(t, h.sim.Home(context.Background(), "Z"))
		default:
			t.Fatalf("unexpected injected script %q", script)
		}
	}
}

func (h *harness) toManualAdjust(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.session.Begin(ctx))
	h.runInjected(t)
	require.NoError(t, h.session.Advance(ctx))
	require.Equal(t, PhaseManualAdjust, h.session.Phase())
}

func TestBeginSavesAndDisables(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	require.NoError(t, h.session.Begin(ctx))
	assert.Equal(t, PhaseHoming, h.session.Phase())
	assert.False(t, h.sim.BedCompensation())
	assert.False(t, h.sim.Homed(""), "all axes marked unhomed")
	assert.Equal(t, LockOwner, h.m.Lock.Owner())
	assert.Equal(t, []string{"Homing XYZ"}, h.sim.Screen())

	// homing has not run yet
	require.NoError(t, h.session.Tick(ctx))
	assert.Equal(t, PhaseHoming, h.session.Phase())

	assert.Equal(t, []string{"G28"}, h.sim.Injected())
	require.NoError(t, h.sim.Home(ctx, ""))
	require.NoError(t, h.session.Tick(ctx))
	assert.Equal(t, PhaseReferenceProbe, h.session.Phase())
}

func TestReferenceProbeAndNozzleMove(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.toManualAdjust(t)

	assert.Equal(t, 0.2, h.session.ReferenceZ())
	assert.Equal(t, 1, h.sim.Readings())
	assert.False(t, h.sim.Deployed(), "probe stowed after reference")
	center := h.sim.Config().Bed.Center()
	assert.Equal(t, center, h.sim.Position().XY(), "nozzle over the probed point")
	assert.True(t, h.sim.Rails().SoftLimitsLoose())

	screen := h.sim.Screen()
	require.GreaterOrEqual(t, len(screen), 3)
	assert.Equal(t, "Move nozzle to bed", screen[0])
	assert.Equal(t, "Z: 10.000", screen[1])
	assert.Equal(t, "Probe Z Offset: 8.300", screen[2])
}

func TestConfiguredReferencePoint(t *testing.T) {
	pt := machine.Point{X: 60, Y: 50}
	h := newHarness(t, nil, Config{XYPos: &pt})
	h.toManualAdjust(t)
	assert.Equal(t, pt, h.sim.Position().XY())
}

func TestProbeHomesZSkipsReferenceProbe(t *testing.T) {
	h := newHarness(t, func(c *sim.Config) { c.Caps.ProbeHomesZ = true }, Config{})
	ctx := context.Background()
	require.NoError(t, h.session.Begin(ctx))
	h.runInjected(t)
	start := h.sim.Position().XY()
	require.NoError(t, h.session.Advance(ctx))

	assert.Equal(t, PhaseManualAdjust, h.session.Phase())
	assert.Zero(t, h.sim.Readings())
	assert.Equal(t, 0.0, h.session.ReferenceZ())
	assert.Equal(t, start.Add(h.sim.OffsetXY()), h.sim.Position().XY())
}

func TestCalculatedOffsetFollowsJogs(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.toManualAdjust(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, h.session.Do(ctx, ActionJogDown1))
	}
	require.NoError(t, h.session.Do(ctx, ActionJogDown01))
	require.NoError(t, h.session.Do(ctx, ActionJogDown01))
	require.NoError(t, h.session.Do(ctx, ActionJog01))

	// Z = 10 - 10 - 0.1 = -0.1; offset = -1.5 + (-0.1) - 0.2
	assert.InDelta(t, -0.1, h.sim.Position().Z, 1e-9)
	assert.InDelta(t, -1.8, h.session.CalculatedOffset(), 1e-9)
	assert.Contains(t, h.sim.Screen(), "Probe Z Offset: -1.800")
}

func TestDoneCommitsOffset(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.toManualAdjust(t)
	ctx := context.Background()
	require.NoError(t, h.session.JogZ(ctx, -10.3))
	ref := h.session.ReferenceZ()

	// Z as seen by the clearance move
	var zAtClearance []float64
	h.sim.SetIdleHook(func() { zAtClearance = append(zAtClearance, h.sim.Position().Z) })

	require.NoError(t, h.session.Do(ctx, ActionDone))
	assert.Equal(t, []float64{ref}, zAtClearance, "Z reset to the reference before clearing")
	assert.Equal(t, PhaseCommitted, h.session.Phase())
	assert.InDelta(t, -2.0, h.sim.ZOffset(), 1e-9)
	assert.InDelta(t, -2.0, h.session.Result(), 1e-9)
	assert.False(t, h.sim.Rails().SoftLimitsLoose())
	assert.True(t, h.sim.BedCompensation())
	assert.Equal(t, 1, h.sim.BackCount())
	assert.Equal(t, 10.0, h.sim.Position().Z, "post clearance from the reference height")
	assert.Empty(t, h.m.Lock.Owner())
	assert.Empty(t, h.sim.Injected())
}

func TestCancelRestoresBackup(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.toManualAdjust(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, h.session.Do(ctx, ActionJogDown1))
	}

	require.NoError(t, h.session.Do(ctx, ActionCancel))
	assert.Equal(t, PhaseCancelled, h.session.Phase())
	assert.Equal(t, -1.5, h.sim.ZOffset())
	assert.True(t, h.sim.BedCompensation())
	assert.False(t, h.sim.Rails().SoftLimitsLoose())
	assert.Equal(t, 10.0, h.sim.Position().Z)
	assert.True(t, h.sim.Homed("Z"))
	assert.Empty(t, h.m.Lock.Owner())
}

func TestCancelDuringHoming(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	require.NoError(t, h.sim.MoveZ(ctx, 2))
	require.NoError(t, h.session.Begin(ctx))
	require.Equal(t, PhaseHoming, h.session.Phase())

	require.NoError(t, h.session.Cancel(ctx))
	assert.Equal(t, PhaseCancelled, h.session.Phase())
	assert.Equal(t, -1.5, h.sim.ZOffset())
	assert.True(t, h.sim.BedCompensation())
	assert.False(t, h.sim.Homed("Z"))
	assert.Equal(t, 2.0, h.sim.Position().Z, "unhomed Z is not lifted")
	assert.Empty(t, h.m.Lock.Owner())
}

func TestJogRejectsNonFinite(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.toManualAdjust(t)
	ctx := context.Background()
	z := h.sim.Position().Z

	for _, delta := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := h.session.JogZ(ctx, delta)
		assert.True(t, errors.Is(err, errors.ErrInvalidParam), "delta %v", delta)
	}
	assert.Equal(t, z, h.sim.Position().Z)
	assert.Equal(t, PhaseManualAdjust, h.session.Phase())
}

func TestCancelWithStartZRehomesZ(t *testing.T) {
	startZ := -4.0
	h := newHarness(t, nil, Config{StartZ: &startZ})
	ctx := context.Background()
	require.NoError(t, h.session.Begin(ctx))
	assert.Equal(t, -4.0, h.sim.ZOffset(), "start override applied")
	h.runInjected(t)
	require.NoError(t, h.session.Advance(ctx))
	require.NoError(t, h.session.Do(ctx, ActionJog1))

	require.NoError(t, h.session.Do(ctx, ActionCancel))
	assert.Equal(t, -1.5, h.sim.ZOffset())
	assert.False(t, h.sim.Homed("Z"))
	assert.Equal(t, []string{"G28 Z"}, h.sim.Injected())
}

func TestLevelingStateRestoredWhenOff(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.sim.SetBedCompensation(false)
	h.toManualAdjust(t)
	require.NoError(t, h.session.Do(context.Background(), ActionDone))
	assert.False(t, h.sim.BedCompensation())
}

func TestIdleTicksDuringBlockingMovesOnlyRedraw(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	require.NoError(t, h.session.Begin(ctx))
	h.runInjected(t)

	var seen []string
	h.sim.SetIdleHook(func() {
		require.NoError(t, h.session.Tick(ctx))
		seen = append(seen, h.session.Phase().String()+":"+h.sim.Screen()[0])
	})
	require.NoError(t, h.session.Advance(ctx))

	assert.Equal(t, PhaseManualAdjust, h.session.Phase())
	assert.Equal(t, 1, h.sim.Readings(), "reference probe issued once")
	assert.Equal(t, []string{"awaiting_move:Probing...", "awaiting_move:Moving..."}, seen)
}

func TestFineMoveAction(t *testing.T) {
	h := newHarness(t, nil, Config{FineMove: 0.025})
	h.toManualAdjust(t)
	ctx := context.Background()

	assert.Equal(t, []ActionID{
		ActionJog1, ActionJog01, ActionJogFine,
		ActionJogDown1, ActionJogDown01, ActionJogDownFine,
		ActionDone, ActionCancel,
	}, h.session.Actions())
	assert.Contains(t, h.sim.Screen(), "Move 0.025mm")

	z := h.sim.Position().Z
	require.NoError(t, h.session.Do(ctx, ActionJogDownFine))
	assert.InDelta(t, z-0.025, h.sim.Position().Z, 1e-9)
}

func TestFineMoveHiddenOutsideRange(t *testing.T) {
	for _, fine := range []float64{0, 0.1, 0.5} {
		h := newHarness(t, nil, Config{FineMove: fine})
		h.toManualAdjust(t)
		assert.NotContains(t, h.session.Actions(), ActionJogFine)
		err := h.session.Do(context.Background(), ActionJogFine)
		assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	}
}

func TestActionsRejectedOutsideManualAdjust(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	err := h.session.Do(ctx, ActionDone)
	assert.True(t, errors.Is(err, errors.ErrWizardState))

	require.NoError(t, h.session.Begin(ctx))
	err = h.session.Do(ctx, ActionJog1)
	assert.True(t, errors.Is(err, errors.ErrWizardState))
	assert.True(t, errors.Is(h.session.Begin(ctx), errors.ErrWizardState))

	assert.True(t, errors.Is(h.session.Do(ctx, "bogus"), errors.ErrInvalidParam))
}

func TestBeginBusyWhileM48Runs(t *testing.T) {
	h := newHarness(t, nil, Config{})
	require.NoError(t, h.m.Lock.Acquire("M48"))
	err := h.session.Begin(context.Background())
	assert.True(t, errors.Is(err, errors.ErrBusy))
	assert.Equal(t, PhaseIdle, h.session.Phase())
	assert.True(t, h.sim.BedCompensation(), "nothing changed")
}

func TestReferenceProbeFailureCancels(t *testing.T) {
	h := newHarness(t, func(c *sim.Config) { c.Readings = nil; c.FailAfter = 1 }, Config{})
	ctx := context.Background()
	require.NoError(t, h.session.Begin(ctx))
	h.runInjected(t)

	err := h.session.Advance(ctx)
	assert.True(t, errors.Is(err, errors.ErrProbeFailure))
	assert.Equal(t, PhaseCancelled, h.session.Phase())
	assert.Equal(t, -1.5, h.sim.ZOffset())
	assert.True(t, h.sim.BedCompensation())
	assert.Empty(t, h.m.Lock.Owner())
}

func TestRestartAfterTerminal(t *testing.T) {
	h := newHarness(t, func(c *sim.Config) { c.Readings = []float64{0.2, 0.3} }, Config{})
	h.toManualAdjust(t)
	require.NoError(t, h.session.Do(context.Background(), ActionCancel))
	h.toManualAdjust(t)
	assert.Equal(t, 0.3, h.session.ReferenceZ())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil, Config{})
	assert.Equal(t, map[string]interface{}{"phase": "idle", "active": false}, h.session.Status())
	h.toManualAdjust(t)
	st := h.session.Status()
	assert.Equal(t, "manual_adjust", st["phase"])
	assert.Equal(t, 0.2, st["reference_z"])
	assert.Equal(t, -1.5, st["backup_z_offset"])
}
