package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestHostErrorMessage(t *testing.T) {
	err := InvalidParam("V", "(V)erbose level implausible (0-4).")
	if !strings.Contains(err.Error(), "INVALID_PARAM") {
		t.Errorf("expected code in message, got: %s", err.Error())
	}
	if err.Option != "V" {
		t.Errorf("expected option V, got %q", err.Option)
	}
}

func TestWrapUnwrap(t *testing.T) {
	base := fmt.Errorf("stepper fault")
	err := MotionError("move to XY", base)
	if !stderrors.Is(err, base) {
		t.Errorf("expected wrapped error to match base")
	}
	if !strings.Contains(err.Error(), "stepper fault") {
		t.Errorf("expected cause in message, got: %s", err.Error())
	}
}

func TestIsFollowsChain(t *testing.T) {
	err := fmt.Errorf("m48: %w", ProbeFailure(6))
	if !Is(err, ErrProbeFailure) {
		t.Errorf("expected Is to find PROBE_FAILURE through wrapping")
	}
	if Is(err, ErrOutOfBounds) {
		t.Errorf("unexpected OUT_OF_BOUNDS match")
	}
	if CodeOf(err) != ErrProbeFailure {
		t.Errorf("expected CodeOf PROBE_FAILURE, got %q", CodeOf(err))
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Errorf("expected empty code for plain error")
	}
}

func TestIsRejected(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{InvalidParam("P", "Sample size not plausible (4-50)."), true},
		{OutOfBounds(500, 500), true},
		{HomingRequired("XYZ"), true},
		{Busy("m48"), true},
		{ProbeFailure(1), false},
		{MotionError("move", fmt.Errorf("x")), false},
	}
	for _, tt := range tests {
		if got := IsRejected(tt.err); got != tt.want {
			t.Errorf("IsRejected(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOutOfBoundsContext(t *testing.T) {
	err := OutOfBounds(12.5, -3)
	if err.Context["x"] != 12.5 || err.Context["y"] != -3.0 {
		t.Errorf("unexpected context: %v", err.Context)
	}
}

func TestFromPanic(t *testing.T) {
	var got *HostError
	func() {
		defer func() { got = FromPanic(recover()) }()
		panic("boom")
	}()
	if got == nil || got.Code != ErrRuntime {
		t.Fatalf("expected runtime error from panic, got %v", got)
	}
	if !strings.Contains(got.Message, "boom") {
		t.Errorf("expected panic value in message, got %q", got.Message)
	}
	if FromPanic(nil) != nil {
		t.Errorf("expected nil for nil panic value")
	}
}

func TestConfigClassifiers(t *testing.T) {
	if !IsConfig(ConfigSectionError("probe")) {
		t.Errorf("expected config classification")
	}
	if !IsGCode(GCodeUnknownCommandError("G999")) {
		t.Errorf("expected gcode classification")
	}
	if IsGCode(ConfigSectionError("probe")) {
		t.Errorf("config error classified as gcode")
	}
}
