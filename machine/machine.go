// Package machine defines the contract between the session and a
// cycle-accurate core. Cores register under a name and the session selects
// one through config.Config.CoreName.
package machine

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/go-logr/logr"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/config"
	"github.com/sarchlab/m2hybrid/stats"
)

// ErrDuplicateName is returned when two machines register the same name.
var ErrDuplicateName = errors.New("machine already registered")

// Status is the lifecycle state the session tracks for a machine.
type Status struct {
	Initialized bool
	FirstRun    bool
	Stopped     bool

	// RetContext, when set by Run, is the Context to hand back to the
	// functional engine. It is switched last.
	RetContext *arch.Context
}

// Machine is a cycle-accurate core.
type Machine interface {
	Name() string
	Status() *Status

	// Init prepares the core for its first run.
	Init(env Env) error

	// Run simulates until the slice ends, env.StopRequested() turns true,
	// or a Context must go back to the functional engine.
	Run(env Env)

	UpdateStats(sink stats.Sink)
	DumpState(w io.Writer)

	// FlushTLB drops translation and cached state derived from ctx's
	// address space.
	FlushTLB(ctx *arch.Context)
}

// Validator checks each instruction a core executes.
type Validator interface {
	// PreExecute runs before the core executes the instruction at ctx.PC.
	PreExecute(ctx *arch.Context)

	// PostCommit runs after the instruction committed.
	PostCommit(ctx *arch.Context)
}

// Env is what a running core sees of the session.
type Env interface {
	Config() *config.Config
	Contexts() *arch.Store
	Logger() logr.Logger

	// Cycle returns the current simulation cycle.
	Cycle() uint64

	// Clock advances the simulation by one cycle and delivers due events.
	Clock()

	// Commit reports one committed instruction.
	Commit(ctx *arch.Context, pc uint64, kernel bool)

	// StopRequested reports whether a stop condition holds.
	StopRequested() bool

	// Validator returns the active validator, nil when checking is off.
	Validator() Validator
}

// Base carries the name and status every machine needs. Embed it.
type Base struct {
	name   string
	status Status
}

// NewBase creates a Base.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name returns the registry name.
func (b *Base) Name() string {
	return b.name
}

// Status returns the lifecycle state.
func (b *Base) Status() *Status {
	return &b.status
}

// Registry maps names to machines. It does not own them: the caller builds
// each machine and keeps it alive.
type Registry struct {
	machines map[string]Machine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]Machine)}
}

// Register adds m under m.Name().
func (r *Registry) Register(m Machine) error {
	if _, ok := r.machines[m.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, m.Name())
	}
	r.machines[m.Name()] = m
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(m Machine) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Lookup returns the machine registered under name.
func (r *Registry) Lookup(name string) (Machine, bool) {
	m, ok := r.machines[name]
	return m, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.machines))
	for name := range r.machines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
