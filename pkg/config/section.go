package config

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Section is one [name] block of printer.cfg. Reads are recorded so that
// options nothing asked for can be reported once the machine is loaded.
type Section struct {
	name string

	mu      sync.Mutex
	options map[string]string
	read    map[string]bool
}

func newSection(name string, options map[string]string) *Section {
	s := &Section{
		name:    name,
		options: make(map[string]string, len(options)),
		read:    make(map[string]bool),
	}
	for k, v := range options {
		s.options[strings.ToLower(k)] = v
	}
	return s
}

// GetName returns the section name.
func (s *Section) GetName() string { return s.name }

func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.options[key]
	if ok {
		s.read[key] = true
	}
	return v, ok
}

func (s *Section) set(option, value string) {
	s.mu.Lock()
	s.options[strings.ToLower(option)] = value
	s.mu.Unlock()
}

// GetUnusedOptions returns the options that were never read, sorted.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unused []string
	for opt := range s.options {
		if !s.read[opt] {
			unused = append(unused, opt)
		}
	}
	sort.Strings(unused)
	return unused
}

// HasOption reports whether the option is present. It does not count as a read.
func (s *Section) HasOption(option string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// getValue reads and parses option. An absent option yields the first
// fallback, or a missing-option error when there is none.
func getValue[T any](s *Section, option, want string, parse func(string) (T, bool), fallback []T) (T, error) {
	var zero T
	raw, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return zero, ErrMissingOption(s.name, option)
	}
	v, ok := parse(strings.TrimSpace(raw))
	if !ok {
		return zero, ErrInvalidValue(s.name, option, raw, want)
	}
	return v, nil
}

func parseString(v string) (string, bool) { return v, true }

func parseInt(v string) (int, bool) {
	i, err := strconv.Atoi(v)
	return i, err == nil
}

// parseFloat accepts finite numbers only.
func parseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Get returns a string option, trimmed.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return getValue(s, option, "string", parseString, fallback)
}

// GetInt returns an integer option.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return getValue(s, option, "integer", parseInt, fallback)
}

// GetIntWithBounds returns an integer option within [minVal, maxVal].
// A nil bound is not checked.
func (s *Section) GetIntWithBounds(option string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	switch {
	case err != nil:
		return 0, err
	case minVal != nil && v < *minVal:
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*minVal))
	case maxVal != nil && v > *maxVal:
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*maxVal))
	}
	return v, nil
}

// GetFloat returns a finite float option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return getValue(s, option, "float", parseFloat, fallback)
}

// FloatBounds limits GetFloatWithBounds. Nil fields are not checked.
type FloatBounds struct {
	MinVal *float64 // >=
	MaxVal *float64 // <=
	Above  *float64 // >
	Below  *float64 // <
}

// check returns the first violated constraint, or "".
func (b FloatBounds) check(v float64) string {
	switch {
	case b.MinVal != nil && v < *b.MinVal:
		return "must have minimum of " + formatFloat(*b.MinVal)
	case b.MaxVal != nil && v > *b.MaxVal:
		return "must have maximum of " + formatFloat(*b.MaxVal)
	case b.Above != nil && v <= *b.Above:
		return "must be above " + formatFloat(*b.Above)
	case b.Below != nil && v >= *b.Below:
		return "must be below " + formatFloat(*b.Below)
	}
	return ""
}

// GetFloatWithBounds returns a float option checked against bounds.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if msg := bounds.check(v); msg != "" {
		return 0, ErrOutOfRange(s.name, option, v, msg)
	}
	return v, nil
}

// GetBool returns a boolean option: 1/true/yes/on or 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return getValue(s, option, "boolean (true/false/yes/no/on/off/1/0)", parseBool, fallback)
}

// GetChoice returns an option that must match one of choices, ignoring case.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetFloatList returns the floats of a sep-separated option, such as an
// "x, y" point. Empty items are skipped.
func (s *Section) GetFloatList(option string, sep string, fallback ...[]float64) ([]float64, error) {
	return getValue(s, option, "list of floats", func(v string) ([]float64, bool) {
		out := []float64{}
		for _, p := range strings.Split(v, sep) {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			f, ok := parseFloat(p)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}, fallback)
}
