// Probe Z offset wizard
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package wizard implements the interactive probe offset calibration:
// home, probe a reference point, let the user lower the nozzle onto the bed,
// then commit or cancel the resulting Z offset.
package wizard

import (
	"context"
	"fmt"
	"math"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/kinematics"
	"klipper-probecal/pkg/log"
	"klipper-probecal/pkg/machine"
)

// LockOwner is the name the session holds the machine lock under.
const LockOwner = "probe_offset_wizard"

// Phase is the session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHoming
	PhaseReferenceProbe
	// PhaseAwaitingMove covers the blocking probe and travel of the
	// reference step. Ticks arriving in this phase only redraw.
	PhaseAwaitingMove
	PhaseManualAdjust
	PhaseCommitted
	PhaseCancelled
)

var phaseNames = [...]string{
	"idle", "homing", "reference_probe", "awaiting_move",
	"manual_adjust", "committed", "cancelled",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool { return p == PhaseCommitted || p == PhaseCancelled }

// Active reports whether a session in this phase owns the machine.
func (p Phase) Active() bool { return p != PhaseIdle && !p.Terminal() }

// Config is the [probe_offset_wizard] section.
type Config struct {
	// XYPos is the reference point. Nil probes the bed centre, or skips the
	// reference probe entirely when the probe homes Z.
	XYPos *machine.Point
	// StartZ temporarily replaces the probe offset while calibrating.
	StartZ *float64
	// FineMove adds a jog step below 0.1 mm when 0 < FineMove < 0.1.
	FineMove float64
	Bed      kinematics.Bed
}

// record is the per-session state, cleared when the session ends.
type record struct {
	backupOffsetZ     float64
	referenceZ        float64
	calculatedOffsetZ float64
	levelingWasActive bool
}

// Session is one run of the offset wizard. It is driven from a single
// goroutine: Begin, then Tick on every display refresh, then actions.
type Session struct {
	m       *machine.Machine
	cfg     Config
	logger  *log.Logger
	phase   Phase
	rec     record
	waiting string
	result  float64
}

// New creates an idle session.
func New(m *machine.Machine, cfg Config) *Session {
	return &Session{
		m:      m,
		cfg:    cfg,
		logger: log.GetLogger("wizard"),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Begin starts a session: backs up the probe offset, applies StartZ,
// disables bed compensation and requests homing of all axes.
func (s *Session) Begin(ctx context.Context) error {
	if s.phase.Active() {
		return errors.WizardState("begin", s.phase.String())
	}
	m := s.m
	if err := m.Lock.Acquire(LockOwner); err != nil {
		return err
	}

	s.rec = record{backupOffsetZ: m.Probe.ZOffset()}
	if s.cfg.StartZ != nil {
		m.Probe.SetZOffset(*s.cfg.StartZ)
	}
	if m.Caps.BedCompensation {
		s.rec.levelingWasActive = m.Modes.BedCompensation()
		m.Modes.SetBedCompensation(false)
	}
	m.Motion.MarkUnhomed("XYZ")
	m.Injector.Inject("G28")

	s.phase = PhaseHoming
	s.logger.WithField("backup_offset", s.rec.backupOffsetZ).Info("offset wizard started")
	s.render()
	return nil
}

// Tick advances the session by at most one phase. It is safe to call from
// inside a blocking motion call of the same session.
func (s *Session) Tick(ctx context.Context) error {
	switch s.phase {
	case PhaseHoming:
		s.render()
		if s.m.Motion.Homed("XYZ") {
			s.rec.referenceZ = 0
			s.phase = PhaseReferenceProbe
		}
	case PhaseReferenceProbe:
		return s.prepare(ctx)
	case PhaseAwaitingMove, PhaseManualAdjust:
		s.render()
	}
	return nil
}

// Advance ticks until the phase stops changing, so a command-driven host
// reaches the manual adjust screen without a display loop.
func (s *Session) Advance(ctx context.Context) error {
	for i := 0; i < len(phaseNames); i++ {
		before := s.phase
		if err := s.Tick(ctx); err != nil {
			return err
		}
		if s.phase == before {
			return nil
		}
	}
	return nil
}

// referencePoint is where the reference probe is taken.
func (s *Session) referencePoint() machine.Point {
	if s.cfg.XYPos != nil {
		return *s.cfg.XYPos
	}
	return s.cfg.Bed.Center()
}

// prepare probes the reference point, then places the nozzle over it and
// loosens the soft limits.
func (s *Session) prepare(ctx context.Context) error {
	m := s.m
	if s.cfg.XYPos != nil || !m.Caps.ProbeHomesZ {
		s.await("Probing...")
		pt := s.referencePoint()
		z, err := m.Probe.ProbeAt(ctx, pt, machine.RaiseAfter, 0)
		if err != nil {
			return s.fail(ctx, errors.MotionError("reference probe", err))
		}
		if math.IsNaN(z) {
			return s.fail(ctx, errors.ProbeFailure(0))
		}
		s.rec.referenceZ = z
		if err := m.Probe.Stow(ctx); err != nil {
			return s.fail(ctx, errors.MotionError("stow", err))
		}
	}

	s.await("Moving...")
	nozzle := m.Motion.Position().XY().Add(m.Probe.OffsetXY())
	if err := m.Motion.MoveToXY(ctx, nozzle); err != nil {
		return s.fail(ctx, errors.MotionError("move nozzle over probe point", err))
	}

	m.Motion.SetSoftLimitsLoose(true)
	s.phase = PhaseManualAdjust
	s.waiting = ""
	s.logger.WithField("reference_z", s.rec.referenceZ).Info("reference probed, awaiting manual adjust")
	s.render()
	return nil
}

func (s *Session) await(msg string) {
	s.phase = PhaseAwaitingMove
	s.waiting = msg
	s.render()
}

// fail abandons the session after an error during preparation, restoring
// what Cancel would restore.
func (s *Session) fail(ctx context.Context, cause error) error {
	s.logger.WithError(cause).Error("offset wizard aborted")
	s.restore(s.rec.backupOffsetZ)
	s.finish(PhaseCancelled)
	return cause
}

// CalculatedOffset recomputes the offset from the current nozzle height.
func (s *Session) CalculatedOffset() float64 {
	s.rec.calculatedOffsetZ = s.m.Probe.ZOffset() + s.m.Motion.Position().Z - s.rec.referenceZ
	return s.rec.calculatedOffsetZ
}

// ReferenceZ is the height measured at the reference point.
func (s *Session) ReferenceZ() float64 { return s.rec.referenceZ }

// Result is the offset written by the last committed or cancelled session.
func (s *Session) Result() float64 { return s.result }

// Screen returns the lines of the current screen.
func (s *Session) Screen() []string {
	switch s.phase {
	case PhaseHoming:
		return []string{"Homing XYZ"}
	case PhaseAwaitingMove:
		return []string{s.waiting}
	case PhaseManualAdjust:
		lines := []string{
			"Move nozzle to bed",
			fmt.Sprintf("Z: %.3f", s.m.Motion.Position().Z),
			fmt.Sprintf("Probe Z Offset: %.3f", s.CalculatedOffset()),
		}
		for _, a := range s.Actions() {
			lines = append(lines, actions[a].label(s))
		}
		return lines
	default:
		return nil
	}
}

func (s *Session) render() {
	if s.m.Display != nil {
		s.m.Display.Render(s.Screen())
	}
}

// restore puts back everything Begin and prepare changed except homing.
func (s *Session) restore(offset float64) {
	m := s.m
	m.Probe.SetZOffset(offset)
	m.Motion.SetSoftLimitsLoose(false)
	if m.Caps.BedCompensation {
		m.Modes.SetBedCompensation(s.rec.levelingWasActive)
	}
	if m.Display != nil {
		m.Display.GoBack()
	}
	s.result = offset
}

func (s *Session) finish(p Phase) {
	s.phase = p
	s.rec = record{}
	s.waiting = ""
	s.m.Lock.Release(LockOwner)
}

// Status reports the session for printer.objects.query.
func (s *Session) Status() map[string]interface{} {
	st := map[string]interface{}{
		"phase":  s.phase.String(),
		"active": s.phase.Active(),
	}
	if s.phase == PhaseManualAdjust {
		st["reference_z"] = s.rec.referenceZ
		st["calculated_z_offset"] = s.CalculatedOffset()
		st["backup_z_offset"] = s.rec.backupOffsetZ
	}
	if s.phase.Terminal() {
		st["z_offset"] = s.result
	}
	return st
}
