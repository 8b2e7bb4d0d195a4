// Package inorder provides the "base" machine: a single-issue in-order core
// that executes through the functional engine and charges cycles from the
// latency table and the L1 caches.
package inorder

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/emu"
	"github.com/sarchlab/m2hybrid/insts"
	"github.com/sarchlab/m2hybrid/machine"
	"github.com/sarchlab/m2hybrid/stats"
	"github.com/sarchlab/m2hybrid/timing/bpred"
	"github.com/sarchlab/m2hybrid/timing/cache"
	"github.com/sarchlab/m2hybrid/timing/latency"
)

// Name is the registry name of the in-order core.
const Name = "base"

// Stats holds performance statistics for the core.
type Stats struct {
	Cycles        uint64
	Instructions  uint64
	UserInsns     uint64
	KernelInsns   uint64
	Loads         uint64
	Stores        uint64
	TakenBranches uint64
	Mispredicts   uint64
	// StallCycles counts cycles spent beyond one per instruction.
	StallCycles uint64
	// HandBacks counts Contexts returned to the functional engine.
	HandBacks uint64
	Faults    uint64
}

// Core is the in-order machine.
type Core struct {
	machine.Base

	engine *emu.Engine
	logger logr.Logger

	timing *latency.TimingConfig
	l1iCfg cache.Config
	l1dCfg cache.Config
	bpCfg  bpred.Config

	table *latency.Table
	l1i   *cache.Cache
	l1d   *cache.Cache
	bp    *bpred.Predictor

	stats Stats
	next  int

	// scratch is the native form the engine executes on.
	scratch arch.NativeState
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithName registers the core under a different name.
func WithName(name string) Option {
	return func(c *Core) {
		c.Base = machine.NewBase(name)
	}
}

// WithTimingConfig sets the latencies. A timing config file named in the
// run configuration takes precedence at Init.
func WithTimingConfig(t *latency.TimingConfig) Option {
	return func(c *Core) {
		c.timing = t
	}
}

// WithL1I sets the instruction cache geometry.
func WithL1I(cfg cache.Config) Option {
	return func(c *Core) {
		c.l1iCfg = cfg
	}
}

// WithBranchPredictor sets the predictor table sizes.
func WithBranchPredictor(cfg bpred.Config) Option {
	return func(c *Core) {
		c.bpCfg = cfg
	}
}

// WithL1D sets the data cache geometry.
func WithL1D(cfg cache.Config) Option {
	return func(c *Core) {
		c.l1dCfg = cfg
	}
}

// New creates an in-order core that executes through engine.
func New(engine *emu.Engine, opts ...Option) *Core {
	c := &Core{
		Base:   machine.NewBase(Name),
		engine: engine,
		logger: logr.Discard(),
		timing: latency.DefaultTimingConfig(),
		l1iCfg: cache.DefaultL1IConfig(),
		l1dCfg: cache.DefaultL1DConfig(),
		bpCfg:  bpred.DefaultConfig(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Init builds the latency table and caches.
func (c *Core) Init(env machine.Env) error {
	timing := c.timing
	if path := env.Config().TimingConfig; path != "" {
		loaded, err := latency.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("init %s core: %w", c.Name(), err)
		}
		timing = loaded
	}
	if err := timing.Validate(); err != nil {
		return fmt.Errorf("init %s core: %w", c.Name(), err)
	}

	if err := c.bpCfg.Validate(); err != nil {
		return fmt.Errorf("init %s core: %w", c.Name(), err)
	}

	c.table = latency.NewTableWithConfig(timing)
	c.bp = bpred.New(c.bpCfg)

	l1i, l1d := c.l1iCfg, c.l1dCfg
	l1i.HitLatency = timing.L1IHitLatency
	l1i.MissLatency = timing.MemoryLatency
	l1d.HitLatency = timing.L1DHitLatency
	l1d.MissLatency = timing.MemoryLatency
	for _, g := range []cache.Config{l1i, l1d} {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("init %s core: %w", c.Name(), err)
		}
	}
	c.l1i = cache.New(l1i)
	c.l1d = cache.New(l1d)

	c.stats = Stats{}
	c.next = 0

	c.logger.V(1).Info("Initialized core", "name", c.Name(),
		"contexts", env.Contexts().Count())

	return nil
}

// Stats returns performance statistics.
func (c *Core) Stats() Stats {
	return c.stats
}

// pick returns the next running Context in round-robin order.
func (c *Core) pick(contexts []*arch.Context) *arch.Context {
	for range contexts {
		ctx := contexts[c.next%len(contexts)]
		c.next++
		if ctx.Running {
			return ctx
		}
	}
	return nil
}

// Run executes instructions until the slice is used up, a stop condition
// holds, no Context is running, or a Context must be handed back.
func (c *Core) Run(env machine.Env) {
	start := env.Cycle()
	slice := env.Config().SliceCycles
	contexts := env.Contexts().All()

	for !env.StopRequested() {
		if slice != 0 && env.Cycle()-start >= slice {
			return
		}

		ctx := c.pick(contexts)
		if ctx == nil {
			return
		}

		if !c.issue(env, ctx) {
			return
		}
	}
}

// issue executes one instruction on ctx. It returns false when the run
// must end.
func (c *Core) issue(env machine.Env, ctx *arch.Context) bool {
	if irq := ctx.InterruptRequest; irq != 0 {
		c.handBack(env, ctx, "interrupt pending", "irq", irq)
		return false
	}

	if v := env.Validator(); v != nil {
		v.PreExecute(ctx)
	}

	pc := ctx.PC
	kernel := ctx.KernelMode
	cycles := c.l1i.Read(pc).Latency

	ctx.ExportNative(&c.scratch)
	result := c.engine.Step(&c.scratch)
	if result.Err != nil {
		c.stats.Faults++
		c.handBack(env, ctx, "execution fault", "pc", pc, "err", result.Err)
		return false
	}
	ctx.ImportNative(&c.scratch)

	inst := result.Inst
	cycles += c.table.GetLatency(inst)
	switch inst.Op {
	case insts.OpLDR:
		c.stats.Loads++
		cycles += c.l1d.Read(result.MemAddr).Latency
	case insts.OpSTR:
		c.stats.Stores++
		cycles += c.l1d.Write(result.MemAddr).Latency
	}
	mispredicted := false
	if inst.IsBranch() {
		taken := ctx.PC != pc+4
		if taken {
			c.stats.TakenBranches++
		}
		mispredicted = c.bp.Resolve(pc, c.bp.Predict(pc), taken, ctx.PC)
		if mispredicted {
			c.stats.Mispredicts++
		}
	}
	cycles += c.table.RedirectPenalty(inst, mispredicted)

	for i := uint64(0); i < cycles; i++ {
		env.Clock()
	}
	c.stats.Cycles += cycles
	c.stats.StallCycles += cycles - 1

	c.stats.Instructions++
	if kernel {
		c.stats.KernelInsns++
	} else {
		c.stats.UserInsns++
	}
	ctx.LastPC = pc

	env.Commit(ctx, pc, kernel)
	if v := env.Validator(); v != nil {
		v.PostCommit(ctx)
	}

	if result.Exited {
		c.handBack(env, ctx, "program exited", "code", result.ExitCode)
		return false
	}

	return true
}

func (c *Core) handBack(env machine.Env, ctx *arch.Context, reason string, kv ...any) {
	c.stats.HandBacks++
	c.Status().RetContext = ctx
	env.Logger().V(1).Info("Handing context back", append([]any{
		"context", ctx.ID, "reason", reason, "cycle", env.Cycle()}, kv...)...)
}

// UpdateStats records the core's counters under its name.
func (c *Core) UpdateStats(sink stats.Sink) {
	scope := c.Name()
	sink.Record(scope, "cycles", float64(c.stats.Cycles))
	sink.Record(scope, "insns", float64(c.stats.Instructions))
	sink.Record(scope, "user_insns", float64(c.stats.UserInsns))
	sink.Record(scope, "kernel_insns", float64(c.stats.KernelInsns))
	sink.Record(scope, "loads", float64(c.stats.Loads))
	sink.Record(scope, "stores", float64(c.stats.Stores))
	sink.Record(scope, "taken_branches", float64(c.stats.TakenBranches))
	sink.Record(scope, "mispredicts", float64(c.stats.Mispredicts))
	sink.Record(scope, "stall_cycles", float64(c.stats.StallCycles))
	sink.Record(scope, "hand_backs", float64(c.stats.HandBacks))
	sink.Record(scope, "faults", float64(c.stats.Faults))
	if c.stats.Cycles != 0 {
		sink.Record(scope, "ipc", float64(c.stats.Instructions)/float64(c.stats.Cycles))
	}

	if c.l1i != nil {
		recordCache(sink, scope+".l1i", c.l1i.Stats())
		recordCache(sink, scope+".l1d", c.l1d.Stats())
	}
	if c.bp != nil {
		bs := c.bp.Stats()
		sink.Record(scope+".bpred", "predictions", float64(bs.Predictions))
		sink.Record(scope+".bpred", "btb_hits", float64(bs.BTBHits))
		sink.Record(scope+".bpred", "accuracy", bs.Accuracy())
	}
}

func recordCache(sink stats.Sink, scope string, s cache.Statistics) {
	sink.Record(scope, "hits", float64(s.Hits))
	sink.Record(scope, "misses", float64(s.Misses))
	sink.Record(scope, "evictions", float64(s.Evictions))
	sink.Record(scope, "writebacks", float64(s.Writebacks))
}

// DumpState writes the counters and cache statistics.
func (c *Core) DumpState(w io.Writer) {
	fmt.Fprintf(w, "%s core: %d cycles, %d insns (%d user, %d kernel), %d hand-backs\n",
		c.Name(), c.stats.Cycles, c.stats.Instructions,
		c.stats.UserInsns, c.stats.KernelInsns, c.stats.HandBacks)
	if c.l1i != nil {
		fmt.Fprintf(w, "  l1i %+v\n", c.l1i.Stats())
		fmt.Fprintf(w, "  l1d %+v\n", c.l1d.Stats())
	}
	if c.bp != nil {
		fmt.Fprintf(w, "  bpred %+v\n", c.bp.Stats())
	}
}

// FlushTLB flushes both caches and the engine's decode cache. The core has
// no TLB; cached lines and decodes are what depend on the address space.
func (c *Core) FlushTLB(ctx *arch.Context) {
	if c.l1i != nil {
		c.l1i.Flush()
		c.l1d.Flush()
	}
	c.engine.Flush()
	c.logger.V(1).Info("Flushed caches", "context", ctx.ID)
}
