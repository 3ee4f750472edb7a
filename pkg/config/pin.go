package config

import (
	"strings"

	"klipper-probecal/pkg/errors"
)

// Pin represents a parsed pin specification.
type Pin struct {
	Name   string // Pin name (e.g., "PA5", "z_virtual_endstop")
	Chip   string // Chip name (default: "mcu")
	Invert bool   // Inverted logic (! prefix)
	Pullup int    // Pullup: 1 = up (^), -1 = down (~), 0 = none
}

// IsProbeVirtualEndstop reports whether the pin is the probe acting as the
// Z endstop.
func (p Pin) IsProbeVirtualEndstop() bool {
	return p.Chip == "probe" && p.Name == "z_virtual_endstop"
}

// PinOptions specifies parsing options for pin specifications.
type PinOptions struct {
	CanInvert bool // Allow ! prefix for inverted logic
	CanPullup bool // Allow ^ and ~ prefixes for pullup/pulldown
}

// ParsePin parses a pin specification string.
// Format: [chip:][[!][^|~]]pin_name
// Examples: "PA5", "!PA5", "^PA5", "mcu:PA5", "probe:z_virtual_endstop"
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, errors.New(errors.ErrConfigValidation, "empty pin specification")
	}

	p := Pin{Chip: "mcu"}

	if opts.CanPullup {
		switch d[0] {
		case '^':
			p.Pullup = 1
			d = strings.TrimSpace(d[1:])
		case '~':
			p.Pullup = -1
			d = strings.TrimSpace(d[1:])
		}
	}

	if opts.CanInvert && len(d) > 0 && d[0] == '!' {
		p.Invert = true
		d = strings.TrimSpace(d[1:])
	}

	if idx := strings.Index(d, ":"); idx >= 0 {
		p.Chip = strings.TrimSpace(d[:idx])
		d = strings.TrimSpace(d[idx+1:])
	}

	if d == "" {
		return Pin{}, errors.New(errors.ErrConfigValidation, "empty pin name in specification: "+desc)
	}
	if strings.ContainsAny(d, "^~!:") {
		return Pin{}, errors.New(errors.ErrConfigValidation, "invalid characters in pin name: "+desc)
	}

	p.Name = d
	return p, nil
}

// GetPinOptional returns a Pin option value, or nil if not present.
func (s *Section) GetPinOptional(option string, opts PinOptions) (*Pin, error) {
	v, ok := s.lookup(option)
	if !ok {
		return nil, nil
	}
	pin, err := ParsePin(v, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, "invalid pin").
			SetSection(s.name).
			SetOption(option)
	}
	return &pin, nil
}
