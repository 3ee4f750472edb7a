package gcode

import (
	"strings"
)

// QueryObject returns the status of one printer object for
// printer.objects.query. Unknown objects report false.
func (d *Dispatcher) QueryObject(name string) (map[string]interface{}, bool) {
	m := d.m
	switch name {
	case "toolhead":
		pos := m.Motion.Position()
		var homed strings.Builder
		for _, a := range []string{"x", "y", "z"} {
			if m.Motion.Homed(strings.ToUpper(a)) {
				homed.WriteString(a)
			}
		}
		lo, hi := m.Motion.TravelLimits()
		return map[string]interface{}{
			"position":     []float64{pos.X, pos.Y, pos.Z},
			"homed_axes":   homed.String(),
			"axis_minimum": []float64{lo.X, lo.Y},
			"axis_maximum": []float64{hi.X, hi.Y},
		}, true
	case "probe":
		off := m.Probe.OffsetXY()
		st := map[string]interface{}{
			"x_offset": off.X,
			"y_offset": off.Y,
			"z_offset": m.Probe.ZOffset(),
			"owner":    m.Lock.Owner(),
		}
		if res := d.LastM48(); res != nil {
			st["last_m48"] = map[string]interface{}{
				"completed": res.Completed,
				"samples":   res.Samples,
				"summary":   res.Summary,
				"status":    res.Status,
			}
		}
		return st, true
	case "probe_offset_wizard":
		return d.opts.Wizard.Status(), true
	case "webhooks":
		state, reason := d.State()
		return map[string]interface{}{
			"state":         state,
			"state_message": reason,
		}, true
	case "display_status":
		st := map[string]interface{}{"message": ""}
		if m.Display != nil {
			st["message"] = m.Display.Status()
		}
		return st, true
	}
	return nil, false
}

// Objects lists the names QueryObject answers for.
func (d *Dispatcher) Objects() []string {
	return []string{"display_status", "probe", "probe_offset_wizard", "toolhead", "webhooks"}
}
