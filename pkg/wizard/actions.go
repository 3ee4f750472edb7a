package wizard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"klipper-probecal/pkg/errors"
)

// ActionID names a manual adjust menu item.
type ActionID string

const (
	ActionJog1        ActionID = "jog_1"
	ActionJog01       ActionID = "jog_0.1"
	ActionJogFine     ActionID = "jog_fine"
	ActionJogDown1    ActionID = "jog_-1"
	ActionJogDown01   ActionID = "jog_-0.1"
	ActionJogDownFine ActionID = "jog_-fine"
	ActionDone        ActionID = "done"
	ActionCancel      ActionID = "cancel"
)

type action struct {
	order     int
	label     func(s *Session) string
	available func(s *Session) bool
	run       func(s *Session, ctx context.Context) error
}

func always(*Session) bool { return true }

func fineAvailable(s *Session) bool {
	return s.cfg.FineMove > 0 && s.cfg.FineMove < 0.1
}

func jog(step float64) func(*Session, context.Context) error {
	return func(s *Session, ctx context.Context) error { return s.JogZ(ctx, step) }
}

func fineJog(sign float64) func(*Session, context.Context) error {
	return func(s *Session, ctx context.Context) error { return s.JogZ(ctx, sign*s.cfg.FineMove) }
}

func moveLabel(text string) func(*Session) string {
	return func(*Session) string { return "Move " + text + "mm" }
}

func fineLabel(sign string) func(*Session) string {
	return func(s *Session) string {
		return "Move " + sign + strconv.FormatFloat(s.cfg.FineMove, 'f', -1, 64) + "mm"
	}
}

// actions is the menu dispatch table. It is filled in init because the
// handlers render the menu, which reads the table.
var actions map[ActionID]action

func init() {
	actions = map[ActionID]action{
		ActionJog1:        {0, moveLabel("1.0"), always, jog(1.0)},
		ActionJog01:       {1, moveLabel("0.1"), always, jog(0.1)},
		ActionJogFine:     {2, fineLabel(""), fineAvailable, fineJog(1)},
		ActionJogDown1:    {3, moveLabel("-1.0"), always, jog(-1.0)},
		ActionJogDown01:   {4, moveLabel("-0.1"), always, jog(-0.1)},
		ActionJogDownFine: {5, fineLabel("-"), fineAvailable, fineJog(-1)},
		ActionDone:        {6, func(*Session) string { return "Done" }, always, (*Session).done},
		ActionCancel:      {7, func(*Session) string { return "Cancel" }, always, (*Session).cancel},
	}
}

// Actions lists the menu items available in the manual adjust phase.
func (s *Session) Actions() []ActionID {
	if s.phase != PhaseManualAdjust {
		return nil
	}
	var ids []ActionID
	for id, a := range actions {
		if a.available(s) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return actions[ids[i]].order < actions[ids[j]].order })
	return ids
}

// Do runs a menu action. Actions are only accepted in the manual adjust phase.
func (s *Session) Do(ctx context.Context, id ActionID) error {
	a, ok := actions[id]
	if !ok {
		return errors.InvalidParam("ACTION", fmt.Sprintf("unknown wizard action %q", id))
	}
	if s.phase != PhaseManualAdjust {
		return errors.WizardState(string(id), s.phase.String())
	}
	if !a.available(s) {
		return errors.InvalidParam("ACTION", fmt.Sprintf("wizard action %q not available", id))
	}
	return a.run(s, ctx)
}

// JogZ moves the nozzle vertically by delta.
func (s *Session) JogZ(ctx context.Context, delta float64) error {
	if s.phase != PhaseManualAdjust {
		return errors.WizardState("jog", s.phase.String())
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return errors.InvalidParam("Z", fmt.Sprintf("invalid Z move %v", delta))
	}
	z := s.m.Motion.Position().Z + delta
	if err := s.m.Motion.MoveZ(ctx, z); err != nil {
		return errors.MotionError("jog", err)
	}
	s.render()
	return nil
}

// done commits the calculated offset. The nozzle is physically at the
// reference height, so Z is reset to the reference before clearing.
func (s *Session) done(ctx context.Context) error {
	offset := s.CalculatedOffset()
	ref := s.rec.referenceZ
	s.restore(offset)
	s.m.Motion.SetZ(ref)
	err := s.m.Motion.PostClearance(ctx)
	s.finish(PhaseCommitted)
	s.logger.WithField("z_offset", offset).Info("probe offset committed")
	if err != nil {
		return errors.MotionError("post clearance", err)
	}
	return nil
}

// cancel restores the offset saved by Begin. With a StartZ override the Z
// home is no longer trustworthy, so Z is re-homed instead of lifted. An
// unhomed Z (cancel during homing) is left where it is.
func (s *Session) cancel(ctx context.Context) error {
	backup := s.rec.backupOffsetZ
	s.restore(backup)
	var err error
	if s.cfg.StartZ != nil {
		s.m.Motion.MarkUnhomed("Z")
		s.m.Injector.Inject("G28 Z")
	} else if s.m.Motion.Homed("Z") {
		err = s.m.Motion.PostClearance(ctx)
	}
	s.finish(PhaseCancelled)
	s.logger.WithField("z_offset", backup).Info("probe offset wizard cancelled")
	if err != nil {
		return errors.MotionError("post clearance", err)
	}
	return nil
}

// Cancel aborts the session from any active phase.
func (s *Session) Cancel(ctx context.Context) error {
	if !s.phase.Active() {
		return errors.WizardState("cancel", s.phase.String())
	}
	return s.cancel(ctx)
}
