package gcode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-probecal/pkg/config"
	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/history"
	"klipper-probecal/pkg/metrics"
	"klipper-probecal/pkg/repeatability"
	"klipper-probecal/pkg/sim"
	"klipper-probecal/pkg/wizard"
)

type rig struct {
	sim      *sim.Machine
	d        *Dispatcher
	lines    []string
	metrics  *metrics.ProbeMetrics
	autosave *config.AutosaveConfig
	cfgPath  string
}

func newRig(t *testing.T, mutate func(*Options)) *rig {
	t.Helper()
	scfg := sim.DefaultConfig()
	s := sim.New(scfg)
	require.NoError(t, s.Home(context.Background(), ""))
	s.SetBedCompensation(true)
	m := s.Machine()

	path := filepath.Join(t.TempDir(), "printer.cfg")
	require.NoError(t, os.WriteFile(path, []byte("[probe]\nz_offset: -1.5\n"), 0644))
	as, err := config.LoadAutosave(path)
	require.NoError(t, err)

	r := &rig{sim: s, metrics: metrics.NewProbeMetrics(), autosave: as, cfgPath: path}
	opts := Options{
		Machine:     m,
		Tester:      repeatability.NewTester(m, repeatability.Options{Bed: scfg.Bed, Seed: 99}),
		Wizard:      wizard.New(m, wizard.Config{Bed: scfg.Bed, FineMove: 0.025}),
		MachineName: "bench",
		Autosave:    as,
		Metrics:     r.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r.d = New(opts)
	r.d.Subscribe(func(line string) { r.lines = append(r.lines, line) })
	return r
}

func (r *rig) run(script string) error {
	r.lines = nil
	return r.d.Run(context.Background(), script)
}

func (r *rig) output() string { return strings.Join(r.lines, "\n") }

func TestM48Report(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("M48 P4 V2 X117.5 Y117.5"))

	assert.Equal(t, "// M48 Z-Probe Repeatability Test", r.lines[0])
	assert.Contains(t, r.lines, "// 4 of 4: z: 0.100")
	assert.Contains(t, r.lines, "// Finished!")
	assert.Contains(t, r.lines, "// Standard Deviation: 0.000000")

	res := r.d.LastM48()
	require.NotNil(t, res)
	assert.True(t, res.Completed)
	assert.Len(t, res.Samples, 4)
	assert.Equal(t, uint64(1), r.metrics.M48Runs.Get(metrics.Labels{"result": "ok"}))
	assert.Equal(t, uint64(1), r.metrics.GCodeCommands.Get(metrics.Labels{"command": "M48"}))
}

func TestM48SingleAxisTargetUsesProbePosition(t *testing.T) {
	r := newRig(t, nil)
	// Homed at the bed centre with a (-40, -10) probe offset
	require.NoError(t, r.run("M48 P4 V0 X100"))
	res := r.d.LastM48()
	require.NotNil(t, res)
	assert.Equal(t, 100.0, res.Target.X)
	assert.Equal(t, 107.5, res.Target.Y)
}

func TestM48Rejected(t *testing.T) {
	r := newRig(t, nil)
	err := r.run("M48 P3")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	assert.Equal(t, []string{"!! Sample size not plausible (4-50)."}, r.lines)
	assert.Nil(t, r.d.LastM48())
	assert.Equal(t, uint64(1), r.metrics.M48Runs.Get(metrics.Labels{"result": "invalid_param"}))

	err = r.run("M48 P=abc")
	assert.True(t, errors.Is(err, errors.ErrGCodeInvalidParam))
}

func TestM48RecordsHistory(t *testing.T) {
	store, err := history.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	r := newRig(t, func(o *Options) { o.History = store })

	require.NoError(t, r.run("M48 P5 V0\nM48 P4 V0 L2"))
	require.NoError(t, r.run("ACCURACY_HISTORY LIMIT=5"))
	assert.Len(t, r.lines, 3)
	assert.Contains(t, r.lines[0], "n=4/4")
	assert.Contains(t, r.lines[1], "n=5/5")
	assert.True(t, strings.HasPrefix(r.lines[2], "// Trend over 2 runs"))

	err = r.run("ACCURACY_HISTORY LIMIT=0")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
}

func TestAccuracyHistoryDisabled(t *testing.T) {
	r := newRig(t, nil)
	err := r.run("ACCURACY_HISTORY")
	assert.True(t, errors.Is(err, errors.ErrStorage))
}

func TestUnknownCommandStopsScript(t *testing.T) {
	r := newRig(t, nil)
	err := r.run("M114\nFOO\nM114")
	assert.True(t, errors.Is(err, errors.ErrGCodeUnknownCmd))
	assert.Equal(t, []string{"// X:117.500 Y:117.500 Z:10.000", `!! Unknown command:"FOO"`}, r.lines)
}

func TestG28HomesRequestedAxes(t *testing.T) {
	r := newRig(t, nil)
	r.sim.MarkUnhomed("XYZ")
	require.NoError(t, r.run("G28 Z"))
	assert.True(t, r.sim.Homed("Z"))
	assert.False(t, r.sim.Homed("X"))
	require.NoError(t, r.run("G28"))
	assert.True(t, r.sim.Homed("XYZ"))
}

func TestWizardCommitAndSave(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("PROBE_CALIBRATE"))
	assert.Equal(t, wizard.PhaseManualAdjust, r.d.opts.Wizard.Phase())
	assert.Contains(t, r.lines, "// Probe offset wizard: reference Z=0.100")

	require.NoError(t, r.run("TESTZ Z=-10"))
	assert.Equal(t, []string{"// Z position: 0.000, calculated offset: -1.600"}, r.lines)

	require.NoError(t, r.run("WIZARD_ACTION ACTION=jog_fine"))
	require.NoError(t, r.run("WIZARD_ACTION ACTION=jog_-fine"))

	require.NoError(t, r.run("ACCEPT"))
	assert.Equal(t, wizard.PhaseCommitted, r.d.opts.Wizard.Phase())
	assert.Contains(t, r.lines, "// probe: z_offset: -1.600")
	assert.InDelta(t, -1.6, r.sim.ZOffset(), 1e-9)
	assert.True(t, r.autosave.HasChanges())
	assert.Equal(t, uint64(1), r.metrics.WizardSessions.Get(metrics.Labels{"outcome": "committed"}))

	require.NoError(t, r.run("SAVE_CONFIG"))
	data, err := os.ReadFile(r.cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#*# z_offset = -1.600")

	require.NoError(t, r.run("M500"))
	assert.Equal(t, []string{"// No changes to save"}, r.lines)
}

func TestWizardAbort(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("PROBE_CALIBRATE"))
	require.NoError(t, r.run("TESTZ Z=-5"))
	require.NoError(t, r.run("ABORT"))

	assert.Equal(t, wizard.PhaseCancelled, r.d.opts.Wizard.Phase())
	assert.Equal(t, -1.5, r.sim.ZOffset())
	assert.False(t, r.autosave.HasChanges())
	assert.Equal(t, uint64(1), r.metrics.WizardSessions.Get(metrics.Labels{"outcome": "cancelled"}))

	err := r.run("TESTZ Z=1")
	assert.True(t, errors.Is(err, errors.ErrWizardState))
}

func TestWizardCancelWithStartZRehomes(t *testing.T) {
	startZ := 0.0
	r := newRig(t, func(o *Options) {
		o.Wizard = wizard.New(o.Machine, wizard.Config{Bed: sim.DefaultConfig().Bed, StartZ: &startZ})
	})
	require.NoError(t, r.run("PROBE_CALIBRATE"))
	require.NoError(t, r.run("WIZARD_ACTION ACTION=cancel"))
	// The injected G28 Z ran before Run returned
	assert.True(t, r.sim.Homed("Z"))
	assert.Equal(t, -1.5, r.sim.ZOffset())
}

func TestM48BusyDuringWizard(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("PROBE_CALIBRATE"))
	err := r.run("M48 P4")
	assert.True(t, errors.Is(err, errors.ErrBusy))
}

func TestM851(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("M851"))
	assert.Equal(t, []string{"// Probe Offset X-40.00 Y-10.00 Z-1.500"}, r.lines)
	assert.False(t, r.autosave.HasChanges())

	require.NoError(t, r.run("M851 Z-2.1"))
	assert.Equal(t, -2.1, r.sim.ZOffset())
	assert.True(t, r.autosave.HasChanges())

	err := r.run("M851 Z-25")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	assert.Equal(t, -2.1, r.sim.ZOffset())
}

func TestNonFiniteOffsetsRejected(t *testing.T) {
	r := newRig(t, nil)
	for _, script := range []string{"M851 ZNaN", "M851 Z=nan", "M851 ZInf"} {
		err := r.run(script)
		assert.True(t, errors.Is(err, errors.ErrGCodeInvalidParam), script)
	}
	assert.Equal(t, -1.5, r.sim.ZOffset())
	assert.False(t, r.autosave.HasChanges())

	require.NoError(t, r.run("PROBE_CALIBRATE"))
	err := r.run("TESTZ Z=NaN")
	assert.True(t, errors.Is(err, errors.ErrGCodeInvalidParam))
	assert.Equal(t, wizard.PhaseManualAdjust, r.d.opts.Wizard.Phase())
	assert.Equal(t, 10.0, r.sim.Position().Z)

	require.NoError(t, r.run("ACCEPT"))
	assert.InDelta(t, 8.4, r.sim.ZOffset(), 1e-9)
}

func TestMalformedParameterStopsScript(t *testing.T) {
	r := newRig(t, nil)
	err := r.run("M851 =2\nM851 Z-2")
	assert.True(t, errors.Is(err, errors.ErrGCodeParse))
	assert.Equal(t, -1.5, r.sim.ZOffset())
	require.NotEmpty(t, r.lines)
	assert.True(t, strings.HasPrefix(r.lines[len(r.lines)-1], "!! "))
}

func TestExpectedPrinterCheck(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("M16 bench"))

	err := r.run("M16 other")
	assert.True(t, errors.Is(err, errors.ErrRuntimeShutdown))
	state, reason := r.d.State()
	assert.Equal(t, "shutdown", state)
	assert.Equal(t, "Expected Printer Check Failed", reason)

	err = r.run("M48 P4")
	assert.True(t, errors.Is(err, errors.ErrRuntimeShutdown))
	assert.Equal(t, []string{"!! Expected Printer Check Failed"}, r.lines)
	require.NoError(t, r.run("M114"))

	require.NoError(t, r.run("FIRMWARE_RESTART"))
	state, _ = r.d.State()
	assert.Equal(t, "ready", state)
	require.NoError(t, r.run("M48 P4 V0"))
}

func TestQueryObject(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("M48 P4 V0"))

	probe, ok := r.d.QueryObject("probe")
	require.True(t, ok)
	assert.Equal(t, -1.5, probe["z_offset"])
	assert.Contains(t, probe, "last_m48")

	toolhead, ok := r.d.QueryObject("toolhead")
	require.True(t, ok)
	assert.Equal(t, "xyz", toolhead["homed_axes"])

	wz, ok := r.d.QueryObject("probe_offset_wizard")
	require.True(t, ok)
	assert.Equal(t, "idle", wz["phase"])

	_, ok = r.d.QueryObject("extruder")
	assert.False(t, ok)
}

func TestHelpListsCommands(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.run("HELP"))
	assert.Len(t, r.lines, len(r.d.Commands()))
	assert.True(t, strings.HasPrefix(r.lines[0], "// ABORT"))
}
