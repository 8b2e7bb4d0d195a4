// Package main runs an AArch64 ELF program functionally and switches it into
// the cycle-accurate inorder core on request.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/pkg/profile"
	"golang.org/x/term"

	"github.com/sarchlab/m2hybrid/config"
	"github.com/sarchlab/m2hybrid/emu"
	"github.com/sarchlab/m2hybrid/loader"
	"github.com/sarchlab/m2hybrid/session"
	"github.com/sarchlab/m2hybrid/stats"
)

var (
	configPath = flag.String("config", "", "YAML run configuration")
	options    = flag.String("options", "-run", "simulator options, e.g. \"-run -stop-cycle 100000\"")
	contexts   = flag.Int("contexts", 1, "number of logical processors")
	maxInsns   = flag.Uint64("max-insns", 0, "stop functional execution after N instructions (0 = no limit)")
	verbosity  = flag.Int("v", 0, "log verbosity")
	profMode   = flag.String("profile", "", "profile the simulator: cpu or mem")
	profDir    = flag.String("profile-dir", ".", "directory for profile output")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: m2hybrid [options] <program.elf>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSimulator options (for -options):\n")
		config.Default().PrintUsage(os.Stderr)
		os.Exit(1)
	}

	stopProfile := startProfile(*profMode, *profDir)
	code := run(flag.Arg(0), stopProfile)
	stopProfile()
	os.Exit(code)
}

// startProfile starts the requested profile and returns its stop function.
func startProfile(mode, dir string) func() {
	switch mode {
	case "":
		return func() {}
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath(dir), profile.NoShutdownHook).Stop
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath(dir), profile.NoShutdownHook).Stop
	default:
		fmt.Fprintf(os.Stderr, "Unknown profile mode %q\n", mode)
		os.Exit(1)
		return nil
	}
}

// killHook returns the Session's kill hook. It runs the cleanups in order,
// then exits with status 0.
func killHook(exit func(int), cleanups ...func()) func() {
	return func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
		exit(0)
	}
}

func run(programPath string, stopProfile func()) int {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 1
		}
	}

	// The log file may come from the option string, which the Session
	// applies only once it exists.
	logCfg := *cfg
	if err := logCfg.Parse(*options); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logOut, closeLog, err := openLog(logCfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		return 1
	}
	defer closeLog()
	logger := newLogger(logOut, *verbosity)

	prog, err := loader.Load(programPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading program: %v\n", err)
		return 1
	}

	mem := emu.NewMemory()
	prog.LoadInto(mem)

	h := newHost(cfg, mem, *contexts, os.Stdout, os.Stderr, logger,
		session.WithConsole(os.Stderr, term.IsTerminal(int(os.Stderr.Fd()))),
		session.WithSink(stats.NewMemory(logger.WithName("stats"))),
		session.WithOnKill(killHook(os.Exit, stopProfile, closeLog)))
	h.maxInsns = *maxInsns

	// Every processor starts at the entry point; only the first gets the
	// initial stack.
	for i := 0; i < *contexts; i++ {
		ctx := h.sess.CreateContext()
		prog.Start(ctx)
		if i > 0 {
			ctx.Native().SP = prog.InitialSP - uint64(i)*stackStride
		}
	}

	if err := h.sess.ConfigureMachine(*options); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code, err := h.run()
	if err != nil {
		logger.Error(err, "Execution failed")
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "\nProgram: %s\n", programPath)
	fmt.Fprintf(os.Stderr, "Exit code: %d\n", code)
	fmt.Fprintf(os.Stderr, "Functional instructions: %d\n", h.functionalInsns)
	fmt.Fprintf(os.Stderr, "Simulated cycles: %d\n", h.sess.Cycle())
	fmt.Fprintf(os.Stderr, "Simulated instructions: %d\n", h.sess.Instructions())

	return int(code)
}

// stackStride separates the stacks of secondary processors.
const stackStride = 1 << 20

func openLog(path string) (io.Writer, func(), error) {
	switch path {
	case "", "-":
		return os.Stderr, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func newLogger(w io.Writer, v int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(w, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(w, args)
	}, funcr.Options{Verbosity: v, LogTimestamp: true})
}
