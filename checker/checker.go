// Package checker validates the cycle-accurate core against the functional
// engine. A shadow Context is armed from a live Context, stepped one
// instruction functionally, and compared against the live Context once the
// core commits the same instruction.
package checker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/emu"
)

// MaxStepAttempts bounds how many functional steps Step may take waiting for
// the shadow PC to move.
const MaxStepAttempts = 64

var (
	// ErrStuck is returned when the shadow PC did not move.
	ErrStuck = errors.New("checker made no progress")

	// ErrMismatch is logged with every divergence.
	ErrMismatch = errors.New("checker mismatch")
)

// Stepper executes one instruction on a native state.
type Stepper interface {
	Step(s *arch.NativeState) emu.StepResult
}

// Flusher is implemented by steppers that cache decoded instructions.
type Flusher interface {
	Flush()
}

// Policy decides when Compare returns the shadow to inactive.
type Policy int

const (
	// ResetOnMismatch keeps the shadow armed after a clean compare, so it
	// tracks its own run across instructions.
	ResetOnMismatch Policy = iota

	// ResetAlways returns the shadow to inactive after every compare, so the
	// next Arm resynchronizes from the live Context.
	ResetAlways
)

func (p Policy) String() string {
	if p == ResetAlways {
		return "reset-always"
	}
	return "reset-on-mismatch"
}

// Result describes one comparison.
type Result struct {
	// RegBytes counts differing bytes in the general-purpose register block.
	RegBytes int
	Vec      bool
	FP       bool
	PC       bool
	Flags    bool

	// Diff is a field-level summary, set on mismatch.
	Diff string
}

// Mismatch reports whether any compared field differed.
func (r Result) Mismatch() bool {
	return r.RegBytes != 0 || r.Vec || r.FP || r.PC || r.Flags
}

// Checker holds the shadow Context.
type Checker struct {
	engine Stepper
	store  *arch.Store
	logger logr.Logger
	policy Policy

	maxStepAttempts int

	shadow *arch.Context

	compares   uint64
	mismatches uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithPolicy sets the compare policy.
func WithPolicy(p Policy) Option {
	return func(c *Checker) {
		c.policy = p
	}
}

// WithMaxStepAttempts overrides MaxStepAttempts.
func WithMaxStepAttempts(n int) Option {
	return func(c *Checker) {
		c.maxStepAttempts = n
	}
}

// New creates a disabled checker over the Contexts in store.
func New(engine Stepper, store *arch.Store, opts ...Option) *Checker {
	c := &Checker{
		engine:          engine,
		store:           store,
		logger:          logr.Discard(),
		maxStepAttempts: MaxStepAttempts,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Policy returns the compare policy.
func (c *Checker) Policy() Policy {
	return c.policy
}

// Enable allocates a fresh inactive shadow, dropping any previous one.
func (c *Checker) Enable() {
	c.shadow = arch.NewContext(-1)
	c.shadow.Reset()
}

// Enabled reports whether Enable has been called.
func (c *Checker) Enabled() bool {
	return c.shadow != nil
}

// Shadow returns the shadow Context, nil before Enable.
func (c *Checker) Shadow() *arch.Context {
	return c.shadow
}

// Compares returns the number of non-trivial compares.
func (c *Checker) Compares() uint64 {
	return c.compares
}

// Mismatches returns the number of compares that diverged.
func (c *Checker) Mismatches() uint64 {
	return c.mismatches
}

func (c *Checker) mustBeEnabled(op string) {
	if c.shadow == nil {
		panic(fmt.Sprintf("checker: %s before Enable", op))
	}
}

// Arm synchronizes the shadow with Context id when the shadow is inactive or
// was left in kernel mode. An armed shadow is left alone.
func (c *Checker) Arm(id int) {
	c.mustBeEnabled("Arm")

	if !c.shadow.KernelMode && c.shadow.PC != 0 {
		c.logger.V(10).Info("No change to checker context",
			"kernel", c.shadow.KernelMode, "pc", c.shadow.PC)
		return
	}

	if f, ok := c.engine.(Flusher); ok {
		f.Flush()
	}

	c.shadow.CopyFrom(c.store.Get(id))
	c.shadow.SwitchToSimulation()

	c.logger.V(10).Info("Checker context setup", "context", id, "state", c.shadow.String())
}

// Step executes one instruction on the shadow. It panics if the shadow is in
// kernel mode.
func (c *Checker) Step() error {
	c.mustBeEnabled("Step")
	if c.shadow.KernelMode {
		panic("checker: Step on a kernel-mode shadow")
	}

	c.shadow.SwitchToFunctional()
	n := c.shadow.Native()
	n.IRQ = 0
	savedException := n.Exception
	n.Exception = 0
	oldPC := n.PC

	var last emu.StepResult
	moved := false
	for i := 0; i < c.maxStepAttempts; i++ {
		last = c.engine.Step(n)
		if last.Err != nil {
			c.shadow.Reset()
			return fmt.Errorf("checker step at 0x%x: %w", oldPC, last.Err)
		}
		if n.PC != oldPC {
			moved = true
			break
		}
	}
	if !moved {
		c.shadow.Reset()
		return fmt.Errorf("%w: pc 0x%x after %d steps", ErrStuck, oldPC, c.maxStepAttempts)
	}

	n.Exception = savedException
	c.shadow.SwitchToSimulation()

	if irq := c.shadow.InterruptRequest; irq != 0 {
		c.store.Get(0).RaiseInterrupt(irq)
	}

	if c.shadow.KernelMode {
		c.shadow.Reset()
	}

	c.logger.V(4).Info("Checker execution",
		"pc", oldPC, "next", c.shadow.PC, "flags", c.shadow.Flags, "trapped", last.Trapped)

	return nil
}

// Clear returns the shadow to inactive.
func (c *Checker) Clear() {
	c.mustBeEnabled("Clear")
	c.shadow.Reset()
}

// Valid reports whether the shadow is armed.
func (c *Checker) Valid() bool {
	return c.shadow != nil && c.shadow.PC != 0
}

// view is the part of a Context that takes part in a comparison.
type view struct {
	Regs  [arch.NumRegs]uint64
	Flags uint64
	PC    uint64
	Vec   [arch.NumVecRegs][arch.VecRegBytes]byte
	FP    [arch.NumFPRegs]uint64
}

func viewOf(ctx *arch.Context, flagMask uint64) view {
	return view{
		Regs:  ctx.Regs,
		Flags: ctx.Flags & flagMask,
		PC:    ctx.PC,
		Vec:   ctx.Vec,
		FP:    ctx.FP,
	}
}

// simulationForm returns ctx, or a simulation-form copy if the functional
// engine holds it.
func simulationForm(ctx *arch.Context) *arch.Context {
	if ctx.Owner() == arch.OwnerSimulation {
		return ctx
	}
	tmp := *ctx
	tmp.SwitchToSimulation()
	return &tmp
}

// Compare diffs the shadow against Context id. Flags are compared under
// flagMask with the don't-care bits removed. An inactive shadow compares
// clean.
func (c *Checker) Compare(id int, flagMask uint64) Result {
	if !c.Valid() {
		return Result{}
	}
	c.compares++

	live := simulationForm(c.store.Get(id))
	shadow := c.shadow
	mask := flagMask &^ arch.FlagDontCare

	var r Result
	sb, lb := shadow.RegisterBytes(), live.RegisterBytes()
	for i := range sb {
		if sb[i] != lb[i] {
			r.RegBytes++
		}
	}
	r.Vec = !bytes.Equal(shadow.VecBytes(), live.VecBytes())
	r.FP = !bytes.Equal(shadow.FPBytes(), live.FPBytes())
	r.PC = shadow.PC != live.PC
	r.Flags = (shadow.Flags^live.Flags)&mask != 0

	if !r.Mismatch() {
		if c.policy == ResetAlways {
			c.shadow.Reset()
		}
		return r
	}

	r.Diff = cmp.Diff(viewOf(shadow, mask), viewOf(live, mask))
	c.mismatches++

	c.logger.Error(ErrMismatch, "Checker mismatch",
		"context", id,
		"regBytes", r.RegBytes,
		"vec", r.Vec,
		"fp", r.FP,
		"pc", r.PC,
		"flags", r.Flags,
		"diff", r.Diff,
		"checker", shadow.String(),
		"live", live.String())

	c.shadow.Reset()
	return r
}
