package gcode

import (
	"context"
	"fmt"
	"math"
	"strings"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/log"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/wizard"
)

// Probe offset limits accepted by M851.
const (
	MinZOffset = -20.0
	MaxZOffset = 20.0
)

// M48 [P<samples>] [V<verbose>] [X<pos>] [Y<pos>] [E] [L<legs>] [S] [C<0|1>]
func (d *Dispatcher) cmdM48(ctx context.Context, cmd *Command) error {
	p := d.opts.M48Defaults
	p.Target, p.Legs = nil, nil
	var err error
	if p.Samples, err = cmd.Int("P", p.Samples); err != nil {
		return err
	}
	if p.Verbose, err = cmd.Int("V", p.Verbose); err != nil {
		return err
	}
	if cmd.Has("X") || cmd.Has("Y") {
		def := d.m.Motion.Position().XY().Add(d.m.Probe.OffsetXY())
		target := def
		if target.X, err = cmd.Float("X", def.X); err != nil {
			return err
		}
		if target.Y, err = cmd.Float("Y", def.Y); err != nil {
			return err
		}
		p.Target = &target
	}
	if p.StowEach, err = cmd.Bool("E", false); err != nil {
		return err
	}
	if cmd.Has("L") {
		legs, err := cmd.Int("L", 0)
		if err != nil {
			return err
		}
		p.Legs = &legs
	}
	if p.Schizoid, err = cmd.Bool("S", false); err != nil {
		return err
	}
	if p.TempComp, err = cmd.Bool("C", true); err != nil {
		return err
	}

	res, runErr := d.opts.Tester.Run(ctx, p)
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordM48(res, runErr)
	}
	if res != nil {
		d.smu.Lock()
		d.lastM48 = res
		d.smu.Unlock()
		if d.opts.History != nil {
			if _, err := d.opts.History.Record(ctx, res, runErr); err != nil {
				d.logger.WithError(err).Warn("could not record repeatability run")
			}
		}
	}
	return runErr
}

// G28 [X] [Y] [Z]
func (d *Dispatcher) cmdG28(ctx context.Context, cmd *Command) error {
	var axes strings.Builder
	for _, a := range []string{"X", "Y", "Z"} {
		if cmd.Has(a) {
			axes.WriteString(a)
		}
	}
	if err := d.m.Motion.Home(ctx, axes.String()); err != nil {
		return errors.MotionError("home", err)
	}
	return nil
}

func (d *Dispatcher) cmdM114(ctx context.Context, cmd *Command) error {
	d.Respond(machine.FormatPosition(d.m.Motion.Position()))
	return nil
}

// M851 [Z<offset>]
func (d *Dispatcher) cmdM851(ctx context.Context, cmd *Command) error {
	probe := d.m.Probe
	if cmd.Has("Z") {
		z, err := cmd.Float("Z", 0)
		if err != nil {
			return err
		}
		if math.IsNaN(z) || z < MinZOffset || z > MaxZOffset {
			return errors.InvalidParam("Z", fmt.Sprintf("?Z out of range (%.0f to %.0f)", MinZOffset, MaxZOffset))
		}
		probe.SetZOffset(z)
		d.stageOffset(z)
	}
	off := probe.OffsetXY()
	d.respondf("Probe Offset X%.2f Y%.2f Z%.3f", off.X, off.Y, probe.ZOffset())
	return nil
}

// stageOffset queues the probe offset for the next SAVE_CONFIG.
func (d *Dispatcher) stageOffset(z float64) {
	if d.opts.Autosave == nil {
		return
	}
	d.opts.Autosave.Set("probe", "z_offset", fmt.Sprintf("%.3f", z))
}

func (d *Dispatcher) cmdSaveConfig(ctx context.Context, cmd *Command) error {
	as := d.opts.Autosave
	if as == nil {
		return errors.New(errors.ErrStorage, "no config file to save to")
	}
	if !as.HasChanges() {
		d.Respond("No changes to save")
		return nil
	}
	sections := as.GetModifiedSections()
	if err := as.Save(); err != nil {
		return err
	}
	d.respondf("Saved %s to %s", strings.Join(sections, ", "), as.Path())
	return nil
}

// M16 <name>
func (d *Dispatcher) cmdM16(ctx context.Context, cmd *Command) error {
	want := d.opts.MachineName
	if want == "" || cmd.Text == want {
		return nil
	}
	d.logger.WithFields(log.Fields{"expected": cmd.Text, "actual": want}).Error("expected printer check failed")
	d.Shutdown("Expected Printer Check Failed")
	return errors.ShutdownError("Expected Printer Check Failed")
}

func (d *Dispatcher) cmdRestart(ctx context.Context, cmd *Command) error {
	d.smu.Lock()
	d.shutdown = ""
	d.smu.Unlock()
	d.Respond("Restarted")
	return nil
}

func (d *Dispatcher) cmdProbeCalibrate(ctx context.Context, cmd *Command) error {
	if err := d.opts.Wizard.Begin(ctx); err != nil {
		return err
	}
	d.Respond("Probe offset wizard started, homing")
	return nil
}

// TESTZ Z=<delta>
func (d *Dispatcher) cmdTestZ(ctx context.Context, cmd *Command) error {
	if !cmd.Has("Z") {
		return errors.InvalidParam("Z", "TESTZ requires Z=<delta>")
	}
	delta, err := cmd.Float("Z", 0)
	if err != nil {
		return err
	}
	s := d.opts.Wizard
	if err := s.JogZ(ctx, delta); err != nil {
		return err
	}
	d.respondf("Z position: %.3f, calculated offset: %.3f", d.m.Motion.Position().Z, s.CalculatedOffset())
	return nil
}

func (d *Dispatcher) cmdAccept(ctx context.Context, cmd *Command) error {
	return d.wizardAction(ctx, wizard.ActionDone)
}

func (d *Dispatcher) cmdAbort(ctx context.Context, cmd *Command) error {
	s := d.opts.Wizard
	err := s.Cancel(ctx)
	if s.Phase() == wizard.PhaseCancelled {
		d.recordWizard(wizard.PhaseCancelled)
	}
	return err
}

// WIZARD_ACTION ACTION=<id>
func (d *Dispatcher) cmdWizardAction(ctx context.Context, cmd *Command) error {
	id := cmd.String("ACTION", "")
	if id == "" {
		s := d.opts.Wizard
		ids := s.Actions()
		names := make([]string, len(ids))
		for i, a := range ids {
			names[i] = string(a)
		}
		d.respondf("Wizard actions (%s): %s", s.Phase(), strings.Join(names, " "))
		return nil
	}
	return d.wizardAction(ctx, wizard.ActionID(strings.ToLower(id)))
}

func (d *Dispatcher) wizardAction(ctx context.Context, id wizard.ActionID) error {
	s := d.opts.Wizard
	err := s.Do(ctx, id)
	if p := s.Phase(); p.Terminal() && (id == wizard.ActionDone || id == wizard.ActionCancel) {
		d.recordWizard(p)
	}
	if err == nil && s.Phase() == wizard.PhaseManualAdjust {
		d.respondf("Z position: %.3f, calculated offset: %.3f", d.m.Motion.Position().Z, s.CalculatedOffset())
	}
	return err
}

// recordWizard reports the end of a wizard session and stages a committed
// offset for SAVE_CONFIG.
func (d *Dispatcher) recordWizard(p wizard.Phase) {
	offset := d.opts.Wizard.Result()
	if p == wizard.PhaseCommitted {
		d.stageOffset(offset)
		d.respondf("probe: z_offset: %.3f", offset)
		d.Respond("The SAVE_CONFIG command will update the printer config file with the above")
	} else {
		d.respondf("Probe offset wizard cancelled, z_offset: %.3f", offset)
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordWizard(p.String(), offset)
	}
}

// ACCURACY_HISTORY [LIMIT=<n>]
func (d *Dispatcher) cmdAccuracyHistory(ctx context.Context, cmd *Command) error {
	store := d.opts.History
	if store == nil {
		return errors.New(errors.ErrStorage, "run history is not enabled")
	}
	limit, err := cmd.Int("LIMIT", 10)
	if err != nil {
		return err
	}
	if limit < 1 || limit > 100 {
		return errors.InvalidParam("LIMIT", "LIMIT must be between 1 and 100")
	}
	runs, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		d.Respond("No repeatability tests recorded")
		return nil
	}
	for _, r := range runs {
		status := "ok"
		if !r.Completed {
			status = "error"
			if r.ErrorCode != "" {
				status = strings.ToLower(r.ErrorCode)
			}
		}
		d.respondf("%s %s n=%d/%d sigma=%.6f range=%.3f %s",
			r.Started.Format("2006-01-02 15:04:05"), r.ID[:8], r.Summary.Count, r.Requested,
			r.Summary.StdDev, r.Summary.Range, status)
	}
	trend, err := store.Trend(ctx, limit)
	if err != nil {
		return err
	}
	if trend.Runs > 1 {
		d.respondf("Trend over %d runs: mean sigma %.6f, slope %+.6f per run", trend.Runs, trend.MeanSigma, trend.Slope)
	}
	return nil
}

func (d *Dispatcher) cmdStatus(ctx context.Context, cmd *Command) error {
	state, reason := d.State()
	if reason != "" {
		d.respondf("State: %s (%s)", state, reason)
	} else {
		d.respondf("State: %s", state)
	}
	d.respondf("Offset wizard: %s", d.opts.Wizard.Phase())
	if owner := d.m.Lock.Owner(); owner != "" {
		d.respondf("Probe owner: %s", owner)
	}
	if res := d.LastM48(); res != nil {
		d.respondf("Last M48: n=%d sigma=%.6f", res.Summary.Count, res.Summary.StdDev)
	}
	return nil
}

func (d *Dispatcher) cmdHelp(ctx context.Context, cmd *Command) error {
	for _, name := range d.Commands() {
		d.respondf("%-16s: %s", name, d.commands[name].help)
	}
	return nil
}
