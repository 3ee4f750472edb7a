package metrics

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/repeatability"
	"klipper-probecal/pkg/stats"
)

func TestRecordM48Completed(t *testing.T) {
	pm := NewProbeMetrics()
	res := &repeatability.Result{
		Samples:   []float64{0.1, 0.12, 0.11, 0.09},
		Completed: true,
		Duration:  3 * time.Second,
		Summary:   stats.Summary{Count: 4, Mean: 0.105, StdDev: 0.0112, Range: 0.03, Median: 0.105},
	}
	pm.RecordM48(res, nil)

	if v := pm.M48Runs.Get(Labels{"result": "ok"}); v != 1 {
		t.Errorf("expected 1 ok run, got %d", v)
	}
	if v := pm.M48Samples.Get(nil); v != 4 {
		t.Errorf("expected 4 samples, got %d", v)
	}
	if v := pm.M48LastStats.Get(Labels{"stat": "stddev"}); v != 0.0112 {
		t.Errorf("expected last stddev 0.0112, got %v", v)
	}
	if snap := pm.M48StdDev.GetSnapshot(nil); snap.Count != 1 {
		t.Errorf("expected one stddev observation, got %d", snap.Count)
	}
}

func TestRecordM48Failure(t *testing.T) {
	pm := NewProbeMetrics()
	res := &repeatability.Result{Samples: []float64{0.1, 0.1}, Duration: time.Second}
	pm.RecordM48(res, fmt.Errorf("m48: %w", errors.ProbeFailure(3)))
	pm.RecordM48(nil, errors.InvalidParam("P", "Sample size not plausible (4-50)."))
	pm.RecordM48(nil, fmt.Errorf("plain"))

	if v := pm.M48Runs.Get(Labels{"result": "probe_failure"}); v != 1 {
		t.Errorf("expected 1 probe_failure run, got %d", v)
	}
	if v := pm.M48Runs.Get(Labels{"result": "invalid_param"}); v != 1 {
		t.Errorf("expected 1 invalid_param run, got %d", v)
	}
	if v := pm.M48Runs.Get(Labels{"result": "error"}); v != 1 {
		t.Errorf("expected 1 error run, got %d", v)
	}
	if snap := pm.M48StdDev.GetSnapshot(nil); snap.Count != 0 {
		t.Errorf("expected no stddev for incomplete runs, got %d", snap.Count)
	}
	if v := pm.M48Samples.Get(nil); v != 2 {
		t.Errorf("expected partial samples counted, got %d", v)
	}
}

func TestRecordWizardAndGCode(t *testing.T) {
	pm := NewProbeMetrics()
	pm.RecordWizard("committed", -1.8)
	pm.RecordGCode("M48", 10*time.Millisecond, nil)
	pm.RecordGCode("TESTZ", time.Millisecond, errors.WizardState("jog", "idle"))

	if v := pm.ProbeZOffset.Get(nil); v != -1.8 {
		t.Errorf("expected offset -1.8, got %v", v)
	}
	if v := pm.GCodeErrors.Get(Labels{"code": "wizard_state"}); v != 1 {
		t.Errorf("expected one wizard_state error, got %d", v)
	}

	out := pm.Gather()
	for _, want := range []string{
		`probecal_wizard_sessions_total{outcome="committed"} 1`,
		`probecal_gcode_commands_total{command="M48"} 1`,
		"# TYPE probecal_uptime_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
