// Unified error handling for the probe calibration host
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// G-code errors
	ErrGCodeParse        ErrorCode = "GCODE_PARSE"
	ErrGCodeUnknownCmd   ErrorCode = "GCODE_UNKNOWN_CMD"
	ErrGCodeInvalidParam ErrorCode = "GCODE_INVALID_PARAM"

	// Probe calibration errors
	ErrInvalidParam   ErrorCode = "INVALID_PARAM"
	ErrOutOfBounds    ErrorCode = "OUT_OF_BOUNDS"
	ErrProbeFailure   ErrorCode = "PROBE_FAILURE"
	ErrHomingRequired ErrorCode = "HOMING_REQUIRED"
	ErrBusy           ErrorCode = "BUSY"
	ErrWizardState    ErrorCode = "WIZARD_STATE"

	// Runtime errors
	ErrRuntime         ErrorCode = "RUNTIME"
	ErrRuntimeMotion   ErrorCode = "RUNTIME_MOTION"
	ErrRuntimeShutdown ErrorCode = "RUNTIME_SHUTDOWN"
	ErrStorage         ErrorCode = "STORAGE"
)

// HostError is the unified error type for the host
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or command context
	Section string

	// Option is the config option or parameter name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the option or parameter name
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Config errors

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// G-code errors

// GCodeParseError creates an error for G-code parsing failure
func GCodeParseError(line string, reason string) *HostError {
	return New(ErrGCodeParse, fmt.Sprintf("failed to parse G-code: %s (reason: %s)", line, reason))
}

// GCodeUnknownCommandError creates an error for an unknown G-code command
func GCodeUnknownCommandError(command string) *HostError {
	return New(ErrGCodeUnknownCmd, fmt.Sprintf("Unknown command:\"%s\"", command))
}

// GCodeInvalidParameterError creates an error for an unparsable G-code parameter
func GCodeInvalidParameterError(command, param, value string) *HostError {
	return New(ErrGCodeInvalidParam, fmt.Sprintf("%s: invalid parameter '%s=%s'", command, param, value)).
		SetSection(command).
		SetOption(param)
}

// Probe calibration errors

// InvalidParam creates an error for an implausible command parameter
func InvalidParam(param string, message string) *HostError {
	return New(ErrInvalidParam, message).SetOption(param)
}

// OutOfBounds creates an error for an unreachable probe target
func OutOfBounds(x, y float64) *HostError {
	return New(ErrOutOfBounds, "(X,Y) out of bounds.").
		SetContext("x", x).
		SetContext("y", y)
}

// ProbeFailure creates an error for a probe that reported no trigger
func ProbeFailure(sample int) *HostError {
	return New(ErrProbeFailure, fmt.Sprintf("probe failed on sample %d", sample)).
		SetContext("sample", sample)
}

// HomingRequired creates an error for commands that need homed axes
func HomingRequired(axes string) *HostError {
	return New(ErrHomingRequired, fmt.Sprintf("Home %s First", axes))
}

// Busy creates an error for a second owner of the probe
func Busy(owner string) *HostError {
	return New(ErrBusy, fmt.Sprintf("probe is busy (%s active)", owner)).
		SetContext("owner", owner)
}

// WizardState creates an error for an action in the wrong wizard phase
func WizardState(action, phase string) *HostError {
	return New(ErrWizardState, fmt.Sprintf("%s not allowed during %s", action, phase))
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// MotionError wraps a failure reported by the motion capability
func MotionError(operation string, err error) *HostError {
	return Wrap(err, ErrRuntimeMotion, fmt.Sprintf("%s failed", operation))
}

// ShutdownError creates an error for commands issued after a shutdown
func ShutdownError(reason string) *HostError {
	return New(ErrRuntimeShutdown, reason)
}

// StorageError wraps a persistence failure
func StorageError(operation string, err error) *HostError {
	return Wrap(err, ErrStorage, operation)
}

// FromPanic converts a recovered panic value to a HostError.
// Returns nil when r is nil.
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return RuntimeError(x.Error())
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first HostError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsGCode checks if error is a G-code error
func IsGCode(err error) bool {
	return Is(err, ErrGCodeParse) ||
		Is(err, ErrGCodeUnknownCmd) ||
		Is(err, ErrGCodeInvalidParam)
}

// IsRejected reports whether err rejected a request before any machine state changed.
func IsRejected(err error) bool {
	return Is(err, ErrInvalidParam) ||
		Is(err, ErrOutOfBounds) ||
		Is(err, ErrHomingRequired) ||
		Is(err, ErrBusy)
}
