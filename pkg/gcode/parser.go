package gcode

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"klipper-probecal/pkg/errors"
)

// Command is one parsed G-code line.
type Command struct {
	Name string
	Args map[string]string
	// Text is everything after the command name, for commands such as M16
	// that take a free-form string.
	Text string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// parseLine parses a G-code line. Blank and comment-only lines yield nil.
// Arguments are either Klipper style (KEY=value) or classic letter-value
// words (P10, X, S1).
func parseLine(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	// Line numbers and checksums from host software
	if len(ln) > 0 && (ln[0] == 'N' || ln[0] == 'n') {
		if f := strings.Fields(ln); len(f) > 1 {
			if _, err := strconv.Atoi(f[0][1:]); err == nil {
				ln = strings.TrimSpace(ln[len(f[0]):])
			}
		}
	}
	if idx := strings.IndexByte(ln, '*'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}

	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil, nil
	}

	cmd := &Command{
		Name: strings.ToUpper(fields[0]),
		Args: map[string]string{},
		Text: strings.TrimSpace(ln[len(fields[0]):]),
		Raw:  line,
	}
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			if k = strings.ToUpper(strings.TrimSpace(k)); k == "" {
				return nil, errors.GCodeParseError(strings.TrimSpace(line), fmt.Sprintf("missing parameter name in %q", f))
			}
			cmd.Args[k] = strings.TrimSpace(v)
			continue
		}
		// Single-letter flags like "E" or "S" carry no value
		_, size := utf8.DecodeRuneInString(f)
		cmd.Args[strings.ToUpper(f[:size])] = strings.TrimSpace(f[size:])
	}
	return cmd, nil
}

// Has reports whether the parameter was given.
func (c *Command) Has(key string) bool {
	_, ok := c.Args[key]
	return ok
}

func (c *Command) invalid(key string) error {
	return errors.GCodeInvalidParameterError(c.Name, key, c.Args[key])
}

// Int returns an integer parameter, or def when it is absent.
func (c *Command) Int(key string, def int) (int, error) {
	v, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// P10.0 is accepted as 10
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || math.IsInf(f, 0) || f != float64(int(f)) {
			return 0, c.invalid(key)
		}
		n = int(f)
	}
	return n, nil
}

// Float returns a float parameter, or def when it is absent. NaN and
// infinities are rejected.
func (c *Command) Float(key string, def float64) (float64, error) {
	v, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, c.invalid(key)
	}
	return f, nil
}

// Bool returns a flag parameter: absent gives def, a bare flag gives true
// and a value is true unless it is zero.
func (c *Command) Bool(key string, def bool) (bool, error) {
	v, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	if v == "" {
		return true, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		if b, berr := strconv.ParseBool(v); berr == nil {
			return b, nil
		}
		return false, c.invalid(key)
	}
	return n != 0, nil
}

// String returns a parameter verbatim, or def when it is absent.
func (c *Command) String(key, def string) string {
	if v, ok := c.Args[key]; ok {
		return v
	}
	return def
}
