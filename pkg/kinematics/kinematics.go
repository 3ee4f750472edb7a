// Package kinematics describes the machine work area and the homed state of
// its rails: which XY points are reachable, how a waypoint is pulled back
// inside the bed and whether a move may be issued at all.
package kinematics

import (
	"fmt"
	"strings"
)

// Rail is one linear axis and its travel range.
type Rail struct {
	Name        string
	PositionMin float64
	PositionMax float64
}

// Rails tracks homing and soft limits for the X, Y and Z rails.
// Limits of an unhomed axis are inverted (min > max).
type Rails struct {
	rails  [3]Rail
	limits [3][2]float64
	loose  bool
}

// NewRails creates the rail set with every axis unhomed.
func NewRails(x, y, z Rail) *Rails {
	r := &Rails{rails: [3]Rail{x, y, z}}
	for i := range r.limits {
		r.limits[i] = [2]float64{1.0, -1.0}
	}
	return r
}

// SetHomed marks the given axes homed, restoring their configured limits.
func (r *Rails) SetHomed(axes string) {
	for _, a := range normalizeAxes(axes) {
		i := axisIndex(a)
		r.limits[i] = [2]float64{r.rails[i].PositionMin, r.rails[i].PositionMax}
	}
}

// ClearHomingState marks the given axes unhomed.
func (r *Rails) ClearHomingState(axes string) {
	for _, a := range normalizeAxes(axes) {
		r.limits[axisIndex(a)] = [2]float64{1.0, -1.0}
	}
}

// Homed reports whether every listed axis is homed. An empty list means XYZ.
func (r *Rails) Homed(axes string) bool {
	for _, a := range normalizeAxes(axes) {
		l := r.limits[axisIndex(a)]
		if l[0] > l[1] {
			return false
		}
	}
	return true
}

// HomedAxes returns the homed axes in lowercase, e.g. "xyz".
func (r *Rails) HomedAxes() string {
	var sb strings.Builder
	for i, l := range r.limits {
		if l[0] <= l[1] {
			sb.WriteByte("xyz"[i])
		}
	}
	return sb.String()
}

// SetSoftLimitsLoose disables (true) or re-enables soft limit checks.
func (r *Rails) SetSoftLimitsLoose(loose bool) { r.loose = loose }

// SoftLimitsLoose reports whether soft limits are relaxed.
func (r *Rails) SoftLimitsLoose() bool { return r.loose }

// Range returns the configured travel range of an axis, or zeros for an
// unknown axis.
func (r *Rails) Range(axis byte) (float64, float64) {
	i := axisIndex(rune(axis))
	if i < 0 {
		return 0, 0
	}
	return r.rails[i].PositionMin, r.rails[i].PositionMax
}

// CheckAxis validates a target coordinate on one axis.
func (r *Rails) CheckAxis(axis byte, v float64) error {
	i := axisIndex(rune(axis))
	if i < 0 {
		return fmt.Errorf("unknown axis %q", axis)
	}
	l := r.limits[i]
	if l[0] > l[1] {
		return fmt.Errorf("must home axis first")
	}
	if r.loose {
		return nil
	}
	if v < l[0] || v > l[1] {
		return fmt.Errorf("move out of range: %c=%.3f [%.3f, %.3f]", axis, v, l[0], l[1])
	}
	return nil
}

// GetStatus returns the toolhead status fields.
func (r *Rails) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"homed_axes":   r.HomedAxes(),
		"axis_minimum": []float64{r.rails[0].PositionMin, r.rails[1].PositionMin, r.rails[2].PositionMin},
		"axis_maximum": []float64{r.rails[0].PositionMax, r.rails[1].PositionMax, r.rails[2].PositionMax},
		"soft_limits":  !r.loose,
	}
}

func normalizeAxes(axes string) string {
	axes = strings.ToUpper(strings.TrimSpace(axes))
	if axes == "" {
		return "XYZ"
	}
	var sb strings.Builder
	for _, a := range axes {
		if axisIndex(a) >= 0 {
			sb.WriteRune(a)
		}
	}
	return sb.String()
}

func axisIndex(axisName rune) int {
	switch axisName {
	case 'x', 'X':
		return 0
	case 'y', 'Y':
		return 1
	case 'z', 'Z':
		return 2
	default:
		return -1
	}
}
