package kinematics

import (
	"fmt"
	"math"
	"strings"

	"klipper-probecal/pkg/machine"
)

// BedKind is the shape of the work area.
type BedKind int

const (
	Rectangular BedKind = iota
	Circular
)

func (k BedKind) String() string {
	if k == Circular {
		return "circular"
	}
	return "rectangular"
}

// Bed describes the reachable work area.
// A circular bed is centred on the origin with the given printable radius;
// a rectangular bed spans Min..Max.
type Bed struct {
	Kind   BedKind
	Radius float64
	Min    machine.Point
	Max    machine.Point
}

// BedForKinematics maps a [printer] kinematics name to its bed shape.
func BedForKinematics(kin string) (BedKind, error) {
	switch strings.ToLower(strings.TrimSpace(kin)) {
	case "cartesian", "corexy", "corexz", "hybrid_corexy", "hybrid_corexz":
		return Rectangular, nil
	case "delta", "rotary_delta", "polar":
		return Circular, nil
	default:
		return Rectangular, fmt.Errorf("unsupported kinematics type: %s", kin)
	}
}

// Size returns the rectangular bed extent. For a circular bed it is the
// bounding square of the printable radius.
func (b Bed) Size() (float64, float64) {
	if b.Kind == Circular {
		return 2 * b.Radius, 2 * b.Radius
	}
	return b.Max.X - b.Min.X, b.Max.Y - b.Min.Y
}

// Center returns the bed centre.
func (b Bed) Center() machine.Point {
	if b.Kind == Circular {
		return machine.Point{}
	}
	return machine.Point{X: (b.Min.X + b.Max.X) / 2, Y: (b.Min.Y + b.Max.Y) / 2}
}

// LegRadiusRange returns the bounds for the random leg radius around a
// repeatability target.
func (b Bed) LegRadiusRange() (lo, hi float64) {
	if b.Kind == Circular {
		return 0.125 * b.Radius, 0.3333333333 * b.Radius
	}
	w, h := b.Size()
	return 5, 0.125 * math.Min(w, h)
}

// Contains reports whether p lies inside the work area.
func (b Bed) Contains(p machine.Point) bool {
	if b.Kind == Circular {
		return p.X*p.X+p.Y*p.Y <= b.Radius*b.Radius
	}
	return p.X >= b.Min.X && p.X <= b.Max.X && p.Y >= b.Min.Y && p.Y <= b.Max.Y
}

// ClampRect limits each axis of p to the rectangular travel range.
func (b Bed) ClampRect(p machine.Point) machine.Point {
	return machine.Point{
		X: math.Max(b.Min.X, math.Min(b.Max.X, p.X)),
		Y: math.Max(b.Min.Y, math.Min(b.Max.Y, p.Y)),
	}
}
