// Package config holds the simulator's run configuration. The same record
// is filled from command-line flags, from option strings sent while the
// simulator runs, and from YAML files.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sarchlab/akita/v4/sim"
	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/m2hybrid/arch"
)

// Infinity disables a count-based stop condition.
const Infinity = math.MaxUint64

// ErrParse wraps option-string and file errors.
var ErrParse = errors.New("config parse error")

// Config is the live run configuration.
type Config struct {
	// CoreName selects the machine from the registry.
	CoreName string `yaml:"core"`

	// Actions. At most one is meaningful per reconfiguration.
	Run          bool `yaml:"run"`
	Stop         bool `yaml:"stop"`
	Kill         bool `yaml:"kill"`
	KillAfterRun bool `yaml:"kill_after_run"`

	// Stop conditions.
	StopAtUserInsns uint64 `yaml:"stop_at_user_insns"`
	StopAtCycle     uint64 `yaml:"stop_at_cycle"`
	StopAtPC        uint64 `yaml:"stop_at_pc"`

	// StartAtPC defers entering simulation until a Context reaches it.
	StartAtPC uint64 `yaml:"start_at_pc"`

	CheckerEnabled bool   `yaml:"checker"`
	CheckerStartPC uint64 `yaml:"checker_start_pc"`

	// SnapshotCycles captures a stats snapshot every N cycles, 0 disables.
	SnapshotCycles uint64 `yaml:"snapshot_cycles"`
	// SnapshotNow captures one named snapshot and is then cleared.
	SnapshotNow string `yaml:"snapshot_now"`

	// SliceCycles bounds how long one Step runs the machine.
	SliceCycles uint64 `yaml:"slice_cycles"`

	CoreFreq sim.Freq `yaml:"core_freq"`

	Quiet        bool `yaml:"quiet"`
	Help         bool `yaml:"-"`
	DumpStateNow bool `yaml:"dump_state_now"`

	MachineConfig    string `yaml:"machine_config"`
	BenchName        string `yaml:"bench_name"`
	Tags             string `yaml:"tags"`
	ExecuteAfterKill string `yaml:"execute_after_kill"`

	TimingConfig string `yaml:"timing_config"`
	LogFile      string `yaml:"log_file"`
}

// Default returns the configuration the simulator starts with.
func Default() *Config {
	return &Config{
		CoreName:        "base",
		StopAtUserInsns: Infinity,
		StopAtCycle:     Infinity,
		StopAtPC:        arch.InvalidPC,
		StartAtPC:       arch.InvalidPC,
		CheckerStartPC:  arch.InvalidPC,
		SliceCycles:     10000,
		CoreFreq:        2 * sim.GHz,
		LogFile:         "m2hybrid.log",
	}
}

// ActionCount returns how many of run, stop and kill are set.
func (c *Config) ActionCount() int {
	n := 0
	for _, b := range []bool{c.Run, c.Stop, c.Kill} {
		if b {
			n++
		}
	}
	return n
}

// UserTags splits Tags on commas, dropping empty entries.
func (c *Config) UserTags() []string {
	var tags []string
	for _, t := range strings.Split(c.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// FlagSet returns a flag set that writes into c. Only flags present on the
// parsed command line change c.
func (c *Config) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&c.CoreName, "core", c.CoreName, "machine to simulate")
	fs.BoolVar(&c.Run, "run", c.Run, "start simulation")
	fs.BoolVar(&c.Stop, "stop", c.Stop, "stop simulation and return to functional execution")
	fs.BoolVar(&c.Kill, "kill", c.Kill, "flush stats and terminate")
	fs.BoolVar(&c.KillAfterRun, "kill-after-run", c.KillAfterRun, "terminate when the run stops")
	fs.Uint64Var(&c.StopAtUserInsns, "stop-insns", c.StopAtUserInsns, "stop after this many committed user instructions")
	fs.Uint64Var(&c.StopAtCycle, "stop-cycle", c.StopAtCycle, "stop once the cycle count passes this value")
	fs.Uint64Var(&c.StopAtPC, "stop-pc", c.StopAtPC, "stop when a context commits at this PC")
	fs.Uint64Var(&c.StartAtPC, "start-pc", c.StartAtPC, "run functionally until this PC, then simulate")
	fs.BoolVar(&c.CheckerEnabled, "checker", c.CheckerEnabled, "enable the differential checker")
	fs.Uint64Var(&c.CheckerStartPC, "checker-start-pc", c.CheckerStartPC, "defer the checker until this PC commits")
	fs.Uint64Var(&c.SnapshotCycles, "snapshot-cycles", c.SnapshotCycles, "capture a stats snapshot every N cycles")
	fs.StringVar(&c.SnapshotNow, "snapshot-now", c.SnapshotNow, "capture a named stats snapshot")
	fs.Uint64Var(&c.SliceCycles, "slice-cycles", c.SliceCycles, "cycles simulated per step")
	fs.Var((*freqValue)(&c.CoreFreq), "core-freq", "core frequency, e.g. 2GHz or 800MHz")
	fs.BoolVar(&c.Quiet, "quiet", c.Quiet, "do not mirror progress to the console")
	fs.BoolVar(&c.Help, "help", c.Help, "print usage")
	fs.BoolVar(&c.DumpStateNow, "dump-state-now", c.DumpStateNow, "dump machine state on the next step")
	fs.StringVar(&c.MachineConfig, "machine-config", c.MachineConfig, "machine configuration name")
	fs.StringVar(&c.BenchName, "bench", c.BenchName, "benchmark name tag")
	fs.StringVar(&c.Tags, "tags", c.Tags, "comma-separated stats tags")
	fs.StringVar(&c.ExecuteAfterKill, "execute-after-kill", c.ExecuteAfterKill, "shell command run after kill")
	fs.StringVar(&c.TimingConfig, "timing-config", c.TimingConfig, "timing config file")
	fs.StringVar(&c.LogFile, "log", c.LogFile, "log file")

	return fs
}

// Parse applies an option string such as "-run -stop-cycle 1000" to c.
func (c *Config) Parse(options string) error {
	_, err := c.ParseSet(options)
	return err
}

// ParseSet is Parse that also returns the names of the options the string
// set.
func (c *Config) ParseSet(options string) (map[string]bool, error) {
	fs := c.FlagSet("options")
	if err := fs.Parse(strings.Fields(options)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %q", ErrParse, fs.Args())
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set, nil
}

// PrintUsage writes every option with its current value.
func (c *Config) PrintUsage(w io.Writer) {
	fs := c.FlagSet("options")
	fmt.Fprintln(w, "Options:")
	fs.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(w, "  -%-20s %s (current: %s)\n", f.Name, f.Usage, f.Value)
	})
}

// LoadFile reads a YAML (or JSON) file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}

	return c, nil
}

// freqValue parses frequencies with an optional Hz, KHz, MHz or GHz suffix.
type freqValue sim.Freq

func (f *freqValue) String() string {
	return FormatFreq(sim.Freq(*f))
}

func (f *freqValue) Set(s string) error {
	freq, err := ParseFreq(s)
	if err != nil {
		return err
	}
	*f = freqValue(freq)
	return nil
}

var freqUnits = []struct {
	suffix string
	unit   sim.Freq
}{
	{"GHz", sim.GHz},
	{"MHz", sim.MHz},
	{"KHz", sim.KHz},
	{"Hz", sim.Hz},
}

// ParseFreq parses strings like "2GHz", "800 MHz" or "1500000".
func ParseFreq(s string) (sim.Freq, error) {
	s = strings.TrimSpace(s)
	unit := sim.Hz
	for _, u := range freqUnits {
		if strings.HasSuffix(strings.ToLower(s), strings.ToLower(u.suffix)) {
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			unit = u.unit
			break
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}

	return sim.Freq(v) * unit, nil
}

// FormatFreq renders f with the largest unit that keeps it at least 1.
func FormatFreq(f sim.Freq) string {
	for _, u := range freqUnits {
		if f >= u.unit {
			return strconv.FormatFloat(float64(f/u.unit), 'g', -1, 64) + u.suffix
		}
	}
	return strconv.FormatFloat(float64(f), 'g', -1, 64) + "Hz"
}
