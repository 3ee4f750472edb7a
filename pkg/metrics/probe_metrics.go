// Probe calibration metrics
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"time"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/repeatability"
)

// ProbeMetrics holds the metrics exported by the calibration host.
type ProbeMetrics struct {
	M48Runs      *Counter
	M48Samples   *Counter
	M48StdDev    *Histogram
	M48Duration  *Histogram
	M48LastStats *Gauge

	WizardSessions *Counter
	ProbeZOffset   *Gauge

	GCodeCommands *Counter
	GCodeErrors   *Counter
	GCodeDuration *Histogram

	Uptime *Gauge

	startTime time.Time
	registry  *Registry
}

// NewProbeMetrics creates and registers all metrics.
func NewProbeMetrics() *ProbeMetrics {
	pm := &ProbeMetrics{
		M48Runs: NewCounter("probecal_m48_runs_total",
			"Repeatability tests by result"),
		M48Samples: NewCounter("probecal_m48_samples_total",
			"Probe readings taken by repeatability tests"),
		M48StdDev: NewHistogram("probecal_m48_stddev_mm",
			"Standard deviation of completed repeatability tests",
			ExponentialBuckets(0.00025, 2, 10)),
		M48Duration: NewHistogram("probecal_m48_duration_seconds",
			"Wall time of repeatability tests",
			ExponentialBuckets(1, 2, 10)),
		M48LastStats: NewGauge("probecal_m48_last_mm",
			"Statistics of the last repeatability test"),
		WizardSessions: NewCounter("probecal_wizard_sessions_total",
			"Offset wizard sessions by outcome"),
		ProbeZOffset: NewGauge("probecal_probe_z_offset_mm",
			"Current probe Z offset"),
		GCodeCommands: NewCounter("probecal_gcode_commands_total",
			"G-code commands executed"),
		GCodeErrors: NewCounter("probecal_gcode_errors_total",
			"G-code commands that failed, by error code"),
		GCodeDuration: NewHistogram("probecal_gcode_command_seconds",
			"G-code command execution time", DefaultBuckets()),
		Uptime: NewGauge("probecal_uptime_seconds",
			"Seconds since the host started"),
		startTime: time.Now(),
		registry:  NewRegistry(),
	}
	for _, m := range []Metric{
		pm.M48Runs, pm.M48Samples, pm.M48StdDev, pm.M48Duration, pm.M48LastStats,
		pm.WizardSessions, pm.ProbeZOffset,
		pm.GCodeCommands, pm.GCodeErrors, pm.GCodeDuration,
		pm.Uptime,
	} {
		pm.registry.MustRegister(m)
	}
	return pm
}

// resultLabel maps an error to a low-cardinality label value.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// RecordM48 records one repeatability test. res may be nil when the test
// was rejected before it started.
func (pm *ProbeMetrics) RecordM48(res *repeatability.Result, err error) {
	pm.M48Runs.Inc(Labels{"result": resultLabel(err)})
	if res == nil {
		return
	}
	pm.M48Samples.Add(nil, uint64(len(res.Samples)))
	pm.M48Duration.Observe(nil, res.Duration.Seconds())
	if !res.Completed {
		return
	}
	s := res.Summary
	pm.M48StdDev.Observe(nil, s.StdDev)
	pm.M48LastStats.Set(Labels{"stat": "mean"}, s.Mean)
	pm.M48LastStats.Set(Labels{"stat": "stddev"}, s.StdDev)
	pm.M48LastStats.Set(Labels{"stat": "range"}, s.Range)
	pm.M48LastStats.Set(Labels{"stat": "median"}, s.Median)
}

// RecordWizard records the end of an offset wizard session.
func (pm *ProbeMetrics) RecordWizard(outcome string, offset float64) {
	pm.WizardSessions.Inc(Labels{"outcome": outcome})
	pm.ProbeZOffset.Set(nil, offset)
}

// RecordGCode records one executed command.
func (pm *ProbeMetrics) RecordGCode(command string, duration time.Duration, err error) {
	pm.GCodeCommands.Inc(Labels{"command": command})
	pm.GCodeDuration.Observe(Labels{"command": command}, duration.Seconds())
	if err != nil {
		pm.GCodeErrors.Inc(Labels{"code": resultLabel(err)})
	}
}

// Gather renders all metrics in Prometheus text format.
func (pm *ProbeMetrics) Gather() string {
	pm.Uptime.Set(nil, time.Since(pm.startTime).Seconds())
	return pm.registry.Gather()
}

// Registry returns the underlying registry.
func (pm *ProbeMetrics) Registry() *Registry {
	return pm.registry
}
