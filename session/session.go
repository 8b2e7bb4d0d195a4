// Package session switches a set of Contexts between the functional engine
// and a cycle-accurate machine. A Session owns the live configuration, the
// Context store, the differential checker and the event queue; the host
// drives it by calling Step and UpdateProgress in its main loop.
package session

import (
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/checker"
	"github.com/sarchlab/m2hybrid/config"
	"github.com/sarchlab/m2hybrid/emu"
	"github.com/sarchlab/m2hybrid/eventq"
	"github.com/sarchlab/m2hybrid/machine"
	"github.com/sarchlab/m2hybrid/stats"
)

// Errors recorded by Step.
var (
	ErrUnknownMachine = errors.New("unknown machine")
	ErrInitFailed     = errors.New("machine initialization failed")
)

// ProgressInterval is the minimum wall-clock time between progress lines.
const ProgressInterval = 200 * time.Millisecond

// Session is the execution-mode controller. It is not safe for concurrent
// use.
type Session struct {
	cfg      *config.Config
	registry *machine.Registry
	store    *arch.Store
	engine   *emu.Engine
	checker  *checker.Checker
	events   *eventq.Queue
	sink     stats.Sink
	logger   logr.Logger

	console    io.Writer
	isTerminal bool
	now        func() time.Time
	onKill     func()
	runCommand func(cmd string) error

	checkerPolicy checker.Policy
	eventCapacity int

	current         machine.Machine
	stable          bool
	startSimulation bool
	inSimulation    bool
	runActive       bool
	configured      bool
	runID           xid.ID
	lastErr         error

	cycle     uint64
	insns     uint64
	userInsns uint64
	runStart  time.Time

	lastProgressAt    time.Time
	lastProgressCycle uint64
	lastProgressInsns uint64
	lastSnapshotCycle uint64

	checkerDeferred bool
	checkedID       int
	stopPCHit       bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithConsole mirrors progress and summary lines to w. When terminal is
// true progress lines redraw in place.
func WithConsole(w io.Writer, terminal bool) Option {
	return func(s *Session) {
		s.console = w
		s.isTerminal = terminal
	}
}

// WithSink sets the stats sink. The default is an in-memory sink.
func WithSink(sink stats.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithOnKill sets the hook run at the end of the kill path. The host
// normally exits from it.
func WithOnKill(fn func()) Option {
	return func(s *Session) {
		s.onKill = fn
	}
}

// WithCommandRunner replaces how ExecuteAfterKill is run.
func WithCommandRunner(run func(cmd string) error) Option {
	return func(s *Session) {
		s.runCommand = run
	}
}

// WithCheckerPolicy sets when the checker's shadow is reset.
func WithCheckerPolicy(p checker.Policy) Option {
	return func(s *Session) {
		s.checkerPolicy = p
	}
}

// WithEventCapacity sets the number of event slots.
func WithEventCapacity(n int) Option {
	return func(s *Session) {
		s.eventCapacity = n
	}
}

// New creates a Session. engine executes the Contexts functionally; the
// checker gets its own engine over the same memory so that its syscalls
// produce no output.
func New(
	cfg *config.Config,
	registry *machine.Registry,
	store *arch.Store,
	engine *emu.Engine,
	opts ...Option,
) *Session {
	s := &Session{
		cfg:           cfg,
		registry:      registry,
		store:         store,
		engine:        engine,
		logger:        logr.Discard(),
		now:           time.Now,
		runCommand:    shellCommand,
		eventCapacity: eventq.Capacity,
		stable:        true,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sink == nil {
		s.sink = stats.NewMemory(s.logger)
	}

	mem := engine.Memory()
	shadowEngine := emu.NewEngine(mem,
		emu.WithSyscallHandler(emu.NewDefaultSyscallHandler(mem, nil, nil)))
	s.checker = checker.New(shadowEngine, store,
		checker.WithLogger(s.logger.WithName("checker")),
		checker.WithPolicy(s.checkerPolicy))

	s.events = eventq.New(
		eventq.WithCapacity(s.eventCapacity),
		eventq.WithLogger(s.logger.WithName("eventq")))

	return s
}

func shellCommand(cmd string) error {
	return exec.Command("sh", "-c", cmd).Run()
}

// Config returns the live configuration.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// Contexts returns the Context store.
func (s *Session) Contexts() *arch.Store {
	return s.store
}

// Logger returns the session logger.
func (s *Session) Logger() logr.Logger {
	return s.logger
}

// Sink returns the stats sink.
func (s *Session) Sink() stats.Sink {
	return s.sink
}

// Checker returns the differential checker.
func (s *Session) Checker() *checker.Checker {
	return s.checker
}

// RunID returns the ID created on the first ConfigureMachine.
func (s *Session) RunID() xid.ID {
	return s.runID
}

// LastError returns the error recorded by the most recent failed Step.
func (s *Session) LastError() error {
	return s.lastErr
}

// InSimulation reports whether the Contexts are in a simulation run.
func (s *Session) InSimulation() bool {
	return s.inSimulation
}

// RunActive reports whether a run has started and not yet stopped. A run
// stays active while a handed-back Context executes functionally.
func (s *Session) RunActive() bool {
	return s.runActive
}

// SimulationRequested reports whether a run has been requested and not yet
// started.
func (s *Session) SimulationRequested() bool {
	return s.startSimulation
}

// Cycle returns the simulation cycle.
func (s *Session) Cycle() uint64 {
	return s.cycle
}

// Instructions returns the committed instruction count.
func (s *Session) Instructions() uint64 {
	return s.insns
}

// UserInstructions returns the committed user-mode instruction count.
func (s *Session) UserInstructions() uint64 {
	return s.userInsns
}

// Clock advances the simulation by one cycle and delivers due events.
func (s *Session) Clock() {
	s.cycle++
	s.events.Tick(s.cycle)
}

// Tick delivers the events due at the current cycle.
func (s *Session) Tick() {
	s.events.Tick(s.cycle)
}

// ScheduleEvent runs cb(arg) delay cycles from now. It panics when the event
// pool is exhausted.
func (s *Session) ScheduleEvent(cb eventq.Callback, arg any, delay uint64) {
	s.events.Schedule(cb, arg, delay, s.cycle)
}

// PendingEvents returns the number of scheduled, undelivered events.
func (s *Session) PendingEvents() int {
	return s.events.Pending()
}

// CreateContext allocates the next Context. It panics beyond the store's
// count.
func (s *Session) CreateContext() *arch.Context {
	return s.store.Create()
}

// RaiseInterrupt ORs line into Context ctxID's pending interrupts.
func (s *Session) RaiseInterrupt(ctxID int, line uint32) {
	s.store.Get(ctxID).RaiseInterrupt(line)
}

// DumpAllInfo writes the current machine's state to w.
func (s *Session) DumpAllInfo(w io.Writer) {
	if s.current != nil {
		s.current.DumpState(w)
	}
}

// Commit counts one committed instruction and checks the PC triggers.
func (s *Session) Commit(ctx *arch.Context, pc uint64, kernel bool) {
	s.insns++
	if !kernel {
		s.userInsns++
	}

	if pc == s.cfg.StopAtPC {
		s.stopPCHit = true
	}

	if s.checkerDeferred && pc == s.cfg.CheckerStartPC {
		s.checkerDeferred = false
		s.cfg.CheckerEnabled = true
		s.checker.Enable()
		s.logger.Info("Checker enabled", "pc", pc, "context", ctx.ID)
	}
}

// StopRequested reports whether any stop condition holds.
func (s *Session) StopRequested() bool {
	return s.cfg.StopAtUserInsns <= s.userInsns ||
		s.cfg.Kill ||
		s.cfg.Stop ||
		s.cfg.StopAtCycle < s.cycle ||
		s.stopPCHit
}

// CheckStartPC requests simulation once a Context reaches StartAtPC. It
// reports whether the trigger fired.
func (s *Session) CheckStartPC(pc uint64) bool {
	if s.cfg.StartAtPC == arch.InvalidPC || pc != s.cfg.StartAtPC {
		return false
	}
	s.cfg.StartAtPC = arch.InvalidPC
	s.startSimulation = true
	s.logger.Info("Reached start PC", "pc", pc)
	return true
}
