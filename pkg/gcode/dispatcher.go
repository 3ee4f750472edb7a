// Package gcode is the host command surface: it parses G-code scripts and
// runs them against the repeatability tester and the offset wizard.
package gcode

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"klipper-probecal/pkg/config"
	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/history"
	"klipper-probecal/pkg/log"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/metrics"
	"klipper-probecal/pkg/repeatability"
	"klipper-probecal/pkg/wizard"
)

type handler func(ctx context.Context, cmd *Command) error

type commandEntry struct {
	fn   handler
	help string
	// whenShutdown marks commands still accepted after a shutdown.
	whenShutdown bool
}

// Options wires the dispatcher to the rest of the host. Only Machine,
// Tester and Wizard are required.
type Options struct {
	Machine *machine.Machine
	Tester  *repeatability.Tester
	Wizard  *wizard.Session

	// M48Defaults supplies P and V when a bare M48 omits them.
	M48Defaults repeatability.Params
	// MachineName is what M16 checks against. Empty accepts any name.
	MachineName string

	Autosave *config.AutosaveConfig
	History  *history.Store
	Metrics  *metrics.ProbeMetrics
}

// Dispatcher runs G-code scripts. Scripts are serialised; commands injected
// while a script runs execute after it, before Run returns.
type Dispatcher struct {
	opts     Options
	m        *machine.Machine
	logger   *log.Logger
	commands map[string]commandEntry

	mu sync.Mutex

	smu      sync.RWMutex
	shutdown string
	lastM48  *repeatability.Result

	qmu     sync.Mutex
	pending []string

	lmu       sync.Mutex
	listeners map[int]func(string)
	nextID    int
}

// New creates a dispatcher and installs it as the machine's responder and
// command injector.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		opts:      opts,
		m:         opts.Machine,
		logger:    log.GetLogger("gcode"),
		listeners: make(map[int]func(string)),
	}
	if d.opts.M48Defaults.Samples == 0 {
		d.opts.M48Defaults = repeatability.DefaultParams()
	}
	d.m.Out = d
	d.m.Injector = d
	d.commands = map[string]commandEntry{
		"M48":              {fn: d.cmdM48, help: "Probe repeatability test"},
		"G28":              {fn: d.cmdG28, help: "Home axes"},
		"M114":             {fn: d.cmdM114, help: "Report the toolhead position", whenShutdown: true},
		"M851":             {fn: d.cmdM851, help: "Report or set the probe Z offset"},
		"M500":             {fn: d.cmdSaveConfig, help: "Save the probe offset to the config file"},
		"SAVE_CONFIG":      {fn: d.cmdSaveConfig, help: "Save the probe offset to the config file"},
		"M16":              {fn: d.cmdM16, help: "Expected printer check"},
		"PROBE_CALIBRATE":  {fn: d.cmdProbeCalibrate, help: "Start the probe offset wizard"},
		"TESTZ":            {fn: d.cmdTestZ, help: "Move the nozzle during the offset wizard"},
		"ACCEPT":           {fn: d.cmdAccept, help: "Accept the offset found by the wizard"},
		"ABORT":            {fn: d.cmdAbort, help: "Abort the offset wizard"},
		"WIZARD_ACTION":    {fn: d.cmdWizardAction, help: "Run an offset wizard menu action"},
		"ACCURACY_HISTORY": {fn: d.cmdAccuracyHistory, help: "List recent repeatability tests"},
		"STATUS":           {fn: d.cmdStatus, help: "Report host state", whenShutdown: true},
		"FIRMWARE_RESTART": {fn: d.cmdRestart, help: "Clear a shutdown", whenShutdown: true},
		"HELP":             {fn: d.cmdHelp, help: "List available commands", whenShutdown: true},
	}
	return d
}

// Subscribe registers fn for every response line. The returned function
// removes it.
func (d *Dispatcher) Subscribe(fn func(line string)) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Dispatcher) emit(line string) {
	d.lmu.Lock()
	fns := make([]func(string), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.lmu.Unlock()
	for _, fn := range fns {
		fn(line)
	}
}

// Respond sends an informational line to every listener.
func (d *Dispatcher) Respond(line string) {
	d.emit("// " + line)
}

func (d *Dispatcher) respondf(format string, args ...interface{}) {
	d.Respond(fmt.Sprintf(format, args...))
}

// respondError reports err to listeners the way the firmware does.
func (d *Dispatcher) respondError(err error) {
	d.emit("!! " + ErrorMessage(err))
}

// ErrorMessage strips the error code from host errors for display.
func ErrorMessage(err error) string {
	var he *errors.HostError
	if stderrors.As(err, &he) {
		if he.Err != nil {
			return fmt.Sprintf("%s: %v", he.Message, he.Err)
		}
		return he.Message
	}
	return err.Error()
}

// Inject queues a script to run once the current script finishes.
func (d *Dispatcher) Inject(script string) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	d.pending = append(d.pending, script)
}

func (d *Dispatcher) popPending() (string, bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if len(d.pending) == 0 {
		return "", false
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	return s, true
}

// Run executes a newline-separated script. It stops at the first failing
// command, reports it with a "!!" line and returns its error.
func (d *Dispatcher) Run(ctx context.Context, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.runScript(ctx, script)
	for err == nil {
		next, ok := d.popPending()
		if !ok {
			break
		}
		err = d.runScript(ctx, next)
	}
	if err != nil {
		d.qmu.Lock()
		d.pending = nil
		d.qmu.Unlock()
	}
	return err
}

func (d *Dispatcher) runScript(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		cmd, err := parseLine(line)
		if err != nil {
			d.respondError(err)
			return err
		}
		if cmd == nil {
			continue
		}
		if err := d.execute(ctx, cmd); err != nil {
			d.respondError(err)
			return err
		}
		if err := d.advanceWizard(ctx); err != nil {
			d.respondError(err)
			return err
		}
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, cmd *Command) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic(r)
		}
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordGCode(cmd.Name, time.Since(start), err)
		}
		if err != nil {
			d.logger.WithFields(log.Fields{"command": cmd.Name}).WithError(err).Warn("command failed")
		}
	}()

	entry, ok := d.commands[cmd.Name]
	if !ok {
		return errors.GCodeUnknownCommandError(cmd.Name)
	}
	if state, reason := d.State(); state == "shutdown" && !entry.whenShutdown {
		return errors.ShutdownError(reason)
	}
	d.logger.Debug("executing %s", strings.TrimSpace(cmd.Raw))
	return entry.fn(ctx, cmd)
}

// advanceWizard drives an active wizard session as far as it can go after
// each command, standing in for the display refresh loop.
func (d *Dispatcher) advanceWizard(ctx context.Context) error {
	s := d.opts.Wizard
	before := s.Phase()
	if !before.Active() {
		return nil
	}
	err := s.Advance(ctx)
	if after := s.Phase(); after != before && after == wizard.PhaseManualAdjust {
		d.respondf("Probe offset wizard: reference Z=%.3f", s.ReferenceZ())
		d.respondf("Use TESTZ Z=<delta> to move the nozzle, then ACCEPT or ABORT")
	}
	if err != nil && s.Phase().Terminal() {
		d.recordWizard(s.Phase())
	}
	return err
}

// Shutdown enters the shutdown state. Only status commands and
// FIRMWARE_RESTART are accepted afterwards.
func (d *Dispatcher) Shutdown(reason string) {
	d.smu.Lock()
	d.shutdown = reason
	d.smu.Unlock()
	d.logger.Error("shutdown: %s", reason)
}

// State returns "ready", or "shutdown" with the reason.
func (d *Dispatcher) State() (state, reason string) {
	d.smu.RLock()
	defer d.smu.RUnlock()
	if d.shutdown != "" {
		return "shutdown", d.shutdown
	}
	return "ready", ""
}

// LastM48 returns the result of the most recent repeatability test.
func (d *Dispatcher) LastM48() *repeatability.Result {
	d.smu.RLock()
	defer d.smu.RUnlock()
	return d.lastM48
}

// Commands lists the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refresh drives an active wizard session from the display refresh timer,
// picking up homing that finished outside a command.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.advanceWizard(ctx); err != nil {
		d.respondError(err)
		return err
	}
	return nil
}
