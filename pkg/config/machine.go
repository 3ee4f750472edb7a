package config

import (
	"strings"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/kinematics"
	"klipper-probecal/pkg/log"
	"klipper-probecal/pkg/machine"
	"klipper-probecal/pkg/repeatability"
	"klipper-probecal/pkg/wizard"
)

// ProbeConfig is the [probe] section.
type ProbeConfig struct {
	Offset  machine.Point
	ZOffset float64
	Speed   float64
	// HomesZ is set when the probe is the Z endstop.
	HomesZ bool
}

// M48Config is the [m48] section.
type M48Config struct {
	DefaultSamples int
	DefaultVerbose int
	StatusWidth    int
	Seed           int64
}

// SimConfig is the [sim] section, used when no hardware is attached.
type SimConfig struct {
	Noise     float64
	FailAfter int
	Seed      int64
	ZSurface  float64
}

// MachineConfig is everything the calibration host reads from printer.cfg.
type MachineConfig struct {
	Name       string
	Kinematics string
	Bed        kinematics.Bed
	Rails      [3]kinematics.Rail
	Probe      ProbeConfig
	Wizard     wizard.Config
	Clearance  float64
	M48        M48Config
	Sim        SimConfig
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

// LoadMachine reads the machine description. Unknown sections and options
// are logged, not rejected, so a full printer.cfg can be used as is.
func LoadMachine(cfg *Config) (*MachineConfig, error) {
	mc := &MachineConfig{}

	printer, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}
	if mc.Kinematics, err = printer.Get("kinematics"); err != nil {
		return nil, err
	}
	kind, err := kinematics.BedForKinematics(mc.Kinematics)
	if err != nil {
		return nil, errors.ConfigValidationError("printer", "kinematics", err.Error())
	}
	mc.Bed.Kind = kind

	if kind == kinematics.Circular {
		err = loadRoundBed(cfg, printer, mc)
	} else {
		err = loadRectBed(cfg, mc)
	}
	if err != nil {
		return nil, err
	}

	if err := loadProbe(cfg, mc); err != nil {
		return nil, err
	}
	if err := loadWizard(cfg, mc); err != nil {
		return nil, err
	}
	if err := loadM48(cfg, mc); err != nil {
		return nil, err
	}
	if err := loadSim(cfg, mc); err != nil {
		return nil, err
	}
	if sec := cfg.GetSectionOptional("machine"); sec != nil {
		mc.Name, _ = sec.Get("name", "")
	}

	logger := log.GetLogger("config")
	for _, name := range cfg.GetUnusedSections() {
		logger.Debug("section [%s] not used", name)
	}
	for _, opt := range cfg.GetUnusedOptions() {
		logger.Warn("option %s not used", opt)
	}
	return mc, nil
}

func loadRail(cfg *Config, name string) (kinematics.Rail, error) {
	sec, err := cfg.GetSection(name)
	if err != nil {
		return kinematics.Rail{}, err
	}
	rail := kinematics.Rail{Name: name}
	if rail.PositionMin, err = sec.GetFloat("position_min", 0); err != nil {
		return rail, err
	}
	rail.PositionMax, err = sec.GetFloatWithBounds("position_max", FloatBounds{Above: floatPtr(rail.PositionMin)})
	return rail, err
}

func loadRectBed(cfg *Config, mc *MachineConfig) error {
	for i, name := range []string{"stepper_x", "stepper_y", "stepper_z"} {
		rail, err := loadRail(cfg, name)
		if err != nil {
			return err
		}
		mc.Rails[i] = rail
	}
	mc.Bed.Min = machine.Point{X: mc.Rails[0].PositionMin, Y: mc.Rails[1].PositionMin}
	mc.Bed.Max = machine.Point{X: mc.Rails[0].PositionMax, Y: mc.Rails[1].PositionMax}
	return nil
}

// loadRoundBed reads print_radius (or delta_radius) and the Z travel. The Z
// rail is [stepper_z] when present, otherwise the delta tower endstop height.
func loadRoundBed(cfg *Config, printer *Section, mc *MachineConfig) error {
	var err error
	option := "print_radius"
	if !printer.HasOption(option) {
		option = "delta_radius"
	}
	if mc.Bed.Radius, err = printer.GetFloatWithBounds(option, FloatBounds{Above: floatPtr(0)}); err != nil {
		return err
	}
	r := mc.Bed.Radius
	mc.Rails[0] = kinematics.Rail{Name: "x", PositionMin: -r, PositionMax: r}
	mc.Rails[1] = kinematics.Rail{Name: "y", PositionMin: -r, PositionMax: r}

	if cfg.HasSection("stepper_z") {
		mc.Rails[2], err = loadRail(cfg, "stepper_z")
		return err
	}
	tower, err := cfg.GetSection("stepper_a")
	if err != nil {
		return err
	}
	zmin, err := printer.GetFloat("minimum_z_position", 0)
	if err != nil {
		return err
	}
	zmax, err := tower.GetFloatWithBounds("position_endstop", FloatBounds{Above: floatPtr(zmin)})
	if err != nil {
		return err
	}
	mc.Rails[2] = kinematics.Rail{Name: "z", PositionMin: zmin, PositionMax: zmax}
	return nil
}

func loadProbe(cfg *Config, mc *MachineConfig) error {
	sec, err := cfg.GetSection("probe")
	if err != nil {
		return err
	}
	p := &mc.Probe
	if p.Offset.X, err = sec.GetFloat("x_offset", 0); err != nil {
		return err
	}
	if p.Offset.Y, err = sec.GetFloat("y_offset", 0); err != nil {
		return err
	}
	if p.ZOffset, err = sec.GetFloat("z_offset"); err != nil {
		return err
	}
	if p.Speed, err = sec.GetFloatWithBounds("speed", FloatBounds{Above: floatPtr(0)}, 5); err != nil {
		return err
	}

	homesZ := false
	if stepper := cfg.GetSectionOptional("stepper_z"); stepper != nil {
		pin, err := stepper.GetPinOptional("endstop_pin", PinOptions{CanInvert: true, CanPullup: true})
		if err != nil {
			return err
		}
		homesZ = pin != nil && pin.IsProbeVirtualEndstop()
	}
	p.HomesZ, err = sec.GetBool("homes_z", homesZ)
	return err
}

func loadWizard(cfg *Config, mc *MachineConfig) error {
	mc.Wizard = wizard.Config{FineMove: 0.025, Bed: mc.Bed}
	mc.Clearance = 10

	sec := cfg.GetSectionOptional("probe_offset_wizard")
	if sec == nil {
		return nil
	}
	if sec.HasOption("xy_pos") {
		xy, err := sec.GetFloatList("xy_pos", ",")
		if err != nil {
			return err
		}
		if len(xy) != 2 {
			return errors.ConfigValidationError(sec.GetName(), "xy_pos", "expected two values: x, y")
		}
		pt := machine.Point{X: xy[0], Y: xy[1]}
		if !mc.Bed.Contains(pt) {
			return errors.ConfigValidationError(sec.GetName(), "xy_pos", "point is outside the bed")
		}
		mc.Wizard.XYPos = &pt
	}
	if sec.HasOption("start_z") {
		z, err := sec.GetFloat("start_z")
		if err != nil {
			return err
		}
		mc.Wizard.StartZ = &z
	}
	var err error
	if mc.Wizard.FineMove, err = sec.GetFloatWithBounds("fine_move", FloatBounds{MinVal: floatPtr(0)}, 0.025); err != nil {
		return err
	}
	mc.Clearance, err = sec.GetFloatWithBounds("clearance", FloatBounds{Above: floatPtr(0)}, 10)
	return err
}

func loadM48(cfg *Config, mc *MachineConfig) error {
	mc.M48 = M48Config{
		DefaultSamples: repeatability.DefaultSamples,
		DefaultVerbose: repeatability.DefaultVerbose,
		StatusWidth:    20,
	}
	sec := cfg.GetSectionOptional("m48")
	if sec == nil {
		return nil
	}
	var err error
	m := &mc.M48
	if m.DefaultSamples, err = sec.GetIntWithBounds("default_samples",
		intPtr(repeatability.MinSamples), intPtr(repeatability.MaxSamples), m.DefaultSamples); err != nil {
		return err
	}
	if m.DefaultVerbose, err = sec.GetIntWithBounds("default_verbose",
		intPtr(0), intPtr(repeatability.MaxVerbose), m.DefaultVerbose); err != nil {
		return err
	}
	if m.StatusWidth, err = sec.GetIntWithBounds("status_width", intPtr(1), nil, m.StatusWidth); err != nil {
		return err
	}
	seed, err := sec.GetInt("seed", 0)
	m.Seed = int64(seed)
	return err
}

func loadSim(cfg *Config, mc *MachineConfig) error {
	mc.Sim = SimConfig{Noise: 0.002, Seed: 1}
	sec := cfg.GetSectionOptional("sim")
	if sec == nil {
		return nil
	}
	var err error
	s := &mc.Sim
	if s.Noise, err = sec.GetFloatWithBounds("noise", FloatBounds{MinVal: floatPtr(0)}, s.Noise); err != nil {
		return err
	}
	if s.FailAfter, err = sec.GetIntWithBounds("fail_after", intPtr(0), nil, 0); err != nil {
		return err
	}
	seed, err := sec.GetInt("seed", 1)
	if err != nil {
		return err
	}
	s.Seed = int64(seed)
	s.ZSurface, err = sec.GetFloat("z_surface", 0)
	return err
}

// M48Defaults returns the parameters of a bare M48 on this machine.
func (mc *MachineConfig) M48Defaults() repeatability.Params {
	p := repeatability.DefaultParams()
	p.Samples = mc.M48.DefaultSamples
	p.Verbose = mc.M48.DefaultVerbose
	return p
}

// TesterOptions returns the repeatability tester options for this machine.
func (mc *MachineConfig) TesterOptions() repeatability.Options {
	return repeatability.Options{Bed: mc.Bed, Seed: mc.M48.Seed}
}

// Capabilities derives the optional machine features from the config.
// Bed and temperature compensation are reported when their sections exist.
func (mc *MachineConfig) Capabilities(cfg *Config) machine.Capabilities {
	hasPrefix := func(prefixes ...string) bool {
		for _, name := range cfg.GetSectionNames() {
			for _, p := range prefixes {
				if strings.HasPrefix(name, p) {
					return true
				}
			}
		}
		return false
	}
	return machine.Capabilities{
		BedCompensation:         hasPrefix("bed_mesh", "bed_tilt", "skew_correction"),
		TemperatureCompensation: hasPrefix("probe_temp_comp", "temperature_probe"),
		StatusMessage:           hasPrefix("display"),
		ProbeHomesZ:             mc.Probe.HomesZ,
	}
}
