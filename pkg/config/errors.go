package config

import (
	"fmt"

	"klipper-probecal/pkg/errors"
)

// Config errors are HostErrors carrying the section and option they were
// raised for, so callers can classify them with errors.IsConfig.

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *errors.HostError {
	return errors.New(errors.ErrConfigOption,
		fmt.Sprintf("Option '%s' in section '%s' must be specified", option, section)).
		SetSection(section).
		SetOption(option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *errors.HostError {
	return errors.ConfigSectionError(section)
}

// ErrInvalidValue returns an error for an unparsable value.
func ErrInvalidValue(section, option, value, expected string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *errors.HostError {
	return errors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}

// ErrSyntax returns an error for a malformed line.
func ErrSyntax(file string, line int, reason string) *errors.HostError {
	return errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s:%d: %s", file, line, reason)).
		SetContext("file", file).
		SetContext("line", line)
}
