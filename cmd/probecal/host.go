package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"klipper-probecal/pkg/config"
	"klipper-probecal/pkg/gcode"
	"klipper-probecal/pkg/history"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/metrics"
	"klipper-probecal/pkg/repeatability"
	"klipper-probecal/pkg/sim"
	"klipper-probecal/pkg/wizard"
)

// stack is a loaded machine with its command dispatcher.
type stack struct {
	mc      *config.MachineConfig
	sim     *sim.Machine
	d       *gcode.Dispatcher
	store   *history.Store
	metrics *metrics.ProbeMetrics
}

// simConfig maps the machine description onto the simulator.
func simConfig(mc *config.MachineConfig, caps machine.Capabilities) sim.Config {
	return sim.Config{
		Bed:         mc.Bed,
		Rails:       mc.Rails,
		ProbeOffset: mc.Probe.Offset,
		ZOffset:     mc.Probe.ZOffset,
		ZSurface:    mc.Sim.ZSurface,
		Noise:       mc.Sim.Noise,
		Seed:        mc.Sim.Seed,
		FailAfter:   mc.Sim.FailAfter,
		Clearance:   mc.Clearance,
		StatusWidth: mc.M48.StatusWidth,
		Caps:        caps,
	}
}

// loadStack reads configPath and wires the dispatcher. The history store
// is opened when historyPath is set.
func loadStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	mc, err := config.LoadMachine(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}

	s := &stack{mc: mc, metrics: metrics.NewProbeMetrics()}
	s.sim = sim.New(simConfig(mc, mc.Capabilities(cfg)))
	m := s.sim.Machine()

	if historyPath != "" {
		if s.store, err = history.Open(historyPath); err != nil {
			return nil, err
		}
	}

	s.d = gcode.New(gcode.Options{
		Machine:     m,
		Tester:      repeatability.NewTester(m, mc.TesterOptions()),
		Wizard:      wizard.New(m, mc.Wizard),
		M48Defaults: mc.M48Defaults(),
		MachineName: mc.Name,
		Autosave:    config.NewAutosaveConfig(cfg, configPath),
		History:     s.store,
		Metrics:     s.metrics,
	})
	return s, nil
}

func (s *stack) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// printLine writes one console line, coloured by kind.
func printLine(line string) {
	switch {
	case strings.HasPrefix(line, "!! "):
		fmt.Println(color.RedString(line))
	case strings.HasPrefix(line, "// Standard Deviation"), strings.HasPrefix(line, "// probe: z_offset"):
		fmt.Println(color.New(color.Bold, color.FgGreen).Sprint(line))
	case strings.HasPrefix(line, "// Probe offset wizard"):
		fmt.Println(color.CyanString(line))
	default:
		fmt.Println(line)
	}
}
