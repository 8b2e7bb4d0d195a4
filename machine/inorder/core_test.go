package inorder_test

import (
	"bytes"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/config"
	"github.com/sarchlab/m2hybrid/emu"
	"github.com/sarchlab/m2hybrid/machine"
	"github.com/sarchlab/m2hybrid/machine/inorder"
	"github.com/sarchlab/m2hybrid/stats"
	"github.com/sarchlab/m2hybrid/timing/bpred"
	"github.com/sarchlab/m2hybrid/timing/cache"
)

type fakeEnv struct {
	cfg       *config.Config
	store     *arch.Store
	cycle     uint64
	commits   []uint64
	stopAfter int
	validator machine.Validator
	onCycle   func(cycle uint64)
}

func (e *fakeEnv) Config() *config.Config       { return e.cfg }
func (e *fakeEnv) Contexts() *arch.Store        { return e.store }
func (e *fakeEnv) Logger() logr.Logger          { return GinkgoLogr }
func (e *fakeEnv) Cycle() uint64                { return e.cycle }
func (e *fakeEnv) Validator() machine.Validator { return e.validator }

func (e *fakeEnv) Clock() {
	e.cycle++
	if e.onCycle != nil {
		e.onCycle(e.cycle)
	}
}

func (e *fakeEnv) Commit(_ *arch.Context, pc uint64, _ bool) {
	e.commits = append(e.commits, pc)
}

func (e *fakeEnv) StopRequested() bool {
	return e.stopAfter > 0 && len(e.commits) >= e.stopAfter
}

type countingValidator struct {
	pre, post int
}

func (v *countingValidator) PreExecute(*arch.Context) { v.pre++ }
func (v *countingValidator) PostCommit(*arch.Context) { v.post++ }

var _ = Describe("Core", func() {
	var (
		memory *emu.Memory
		engine *emu.Engine
		store  *arch.Store
		ctx    *arch.Context
		env    *fakeEnv
		core   *inorder.Core
	)

	startAt := func(c *arch.Context, pc uint64) {
		c.Native().PC = pc
		c.SwitchToSimulation()
		c.Running = true
	}

	BeforeEach(func() {
		memory = emu.NewMemory()
		engine = emu.NewEngine(memory, emu.WithStdout(nil), emu.WithStderr(nil))
		store = arch.NewStore(1)
		ctx = store.Create()

		cfg := config.Default()
		cfg.SliceCycles = 0
		env = &fakeEnv{cfg: cfg, store: store}

		core = inorder.New(engine, inorder.WithLogger(GinkgoLogr))
		Expect(core.Init(env)).To(Succeed())
	})

	It("should register as the base machine", func() {
		Expect(core.Name()).To(Equal("base"))
		Expect(inorder.New(engine, inorder.WithName("alt")).Name()).To(Equal("alt"))
	})

	It("should run a program to exit and hand the context back", func() {
		memory.LoadWords(0x1000,
			0xD28000A3, // MOVZ X3, #5
			0xF1000463, // SUBS X3, X3, #1
			0x54FFFFE1, // B.NE -4
			0xD28000E0, // MOVZ X0, #7
			0xD2800BA8, // MOVZ X8, #93
			0xD4000001, // SVC #0
		)
		startAt(ctx, 0x1000)

		core.Run(env)

		Expect(core.Status().RetContext).To(BeIdenticalTo(ctx))
		Expect(ctx.Running).To(BeFalse())
		Expect(ctx.Regs[0]).To(Equal(uint64(7)))
		Expect(core.Stats().Instructions).To(Equal(uint64(14)))
		Expect(core.Stats().UserInsns).To(Equal(uint64(14)))
		Expect(core.Stats().TakenBranches).To(Equal(uint64(4)))
		// The first taken branch misses the BTB and the loop exit is
		// predicted taken.
		Expect(core.Stats().Mispredicts).To(Equal(uint64(2)))
		Expect(env.commits).To(HaveLen(14))
		Expect(env.commits[0]).To(Equal(uint64(0x1000)))
		Expect(ctx.LastPC).To(Equal(uint64(0x1014)))
		Expect(env.cycle).To(Equal(core.Stats().Cycles))
	})

	It("should charge an instruction cache miss once per line", func() {
		memory.LoadWords(0x1000,
			0xD2800000, // MOVZ X0, #0
			0xD2800BA8, // MOVZ X8, #93
			0xD4000001, // SVC #0
		)
		startAt(ctx, 0x1000)

		core.Run(env)

		// (100 miss + 1) + (1 + 1) + (1 + 10 syscall)
		Expect(env.cycle).To(Equal(uint64(114)))
		Expect(core.Stats().StallCycles).To(Equal(uint64(114 - 3)))
	})

	It("should stop at the end of the slice", func() {
		memory.LoadWords(0x1000, 0x14000000) // B .
		startAt(ctx, 0x1000)
		env.cfg.SliceCycles = 500

		core.Run(env)

		Expect(core.Status().RetContext).To(BeNil())
		Expect(env.cycle).To(BeNumerically(">=", 500))
		Expect(env.cycle).To(BeNumerically("<", 520))
		Expect(ctx.PC).To(Equal(uint64(0x1000)))
	})

	It("should stop when the environment requests it", func() {
		memory.LoadWords(0x1000, 0x14000000)
		startAt(ctx, 0x1000)
		env.stopAfter = 3

		core.Run(env)

		Expect(env.commits).To(HaveLen(3))
	})

	It("should hand back a context with a pending interrupt", func() {
		memory.LoadWords(0x1000, 0x14000000)
		startAt(ctx, 0x1000)
		env.cfg.SliceCycles = 1000
		env.onCycle = func(cycle uint64) {
			if cycle == 200 {
				ctx.RaiseInterrupt(1)
			}
		}

		core.Run(env)

		Expect(core.Status().RetContext).To(BeIdenticalTo(ctx))
		Expect(core.Stats().HandBacks).To(Equal(uint64(1)))
		Expect(env.cycle).To(BeNumerically("<", 220))
		Expect(ctx.InterruptRequest).To(Equal(uint32(1)))
	})

	It("should hand back on a fault without changing the context", func() {
		startAt(ctx, 0x1000)

		core.Run(env)

		Expect(core.Status().RetContext).To(BeIdenticalTo(ctx))
		Expect(core.Stats().Faults).To(Equal(uint64(1)))
		Expect(ctx.PC).To(Equal(uint64(0x1000)))
		Expect(env.commits).To(BeEmpty())
	})

	It("should return when no context is running", func() {
		startAt(ctx, 0x1000)
		ctx.Running = false

		core.Run(env)

		Expect(env.cycle).To(BeZero())
	})

	It("should count loads and stores", func() {
		memory.LoadWords(0x1000,
			0xD2840001, // MOVZ X1, #0x2000
			0xF9000822, // STR X2, [X1, #16]
			0xF9400820, // LDR X0, [X1, #16]
			0x14000000, // B .
		)
		startAt(ctx, 0x1000)
		env.stopAfter = 3

		core.Run(env)

		Expect(core.Stats().Stores).To(Equal(uint64(1)))
		Expect(core.Stats().Loads).To(Equal(uint64(1)))
	})

	It("should call the validator around every instruction", func() {
		memory.LoadWords(0x1000, 0x14000000)
		startAt(ctx, 0x1000)
		v := &countingValidator{}
		env.validator = v
		env.stopAfter = 5

		core.Run(env)

		Expect(v.pre).To(Equal(5))
		Expect(v.post).To(Equal(5))
	})

	It("should alternate between running contexts", func() {
		store = arch.NewStore(2)
		a, b := store.Create(), store.Create()
		env.store = store
		memory.LoadWords(0x1000, 0x14000000)
		memory.LoadWords(0x2000, 0x14000000)
		startAt(a, 0x1000)
		startAt(b, 0x2000)
		env.stopAfter = 4

		core.Run(env)

		Expect(env.commits).To(Equal([]uint64{0x1000, 0x2000, 0x1000, 0x2000}))
	})

	It("should fail Init on an invalid predictor size", func() {
		c := inorder.New(engine, inorder.WithBranchPredictor(bpred.Config{BHTSize: 100, BTBSize: 16}))
		Expect(c.Init(env)).NotTo(Succeed())
	})

	It("should fail Init on a cache with a partial set", func() {
		l1d := cache.DefaultL1DConfig()
		l1d.Size = 3000
		Expect(inorder.New(engine, inorder.WithL1D(l1d)).Init(env)).To(MatchError(cache.ErrGeometry))
	})

	It("should fail Init on an unreadable timing config", func() {
		env.cfg.TimingConfig = "/nonexistent/timing.yaml"

		Expect(inorder.New(engine).Init(env)).NotTo(Succeed())
	})

	It("should record stats and dump state", func() {
		memory.LoadWords(0x1000, 0x14000000)
		startAt(ctx, 0x1000)
		env.stopAfter = 2
		core.Run(env)

		sink := stats.NewMemory(GinkgoLogr)
		core.UpdateStats(sink)
		insns, _ := sink.Value("base", "insns")
		misses, _ := sink.Value("base.l1i", "misses")
		Expect(insns).To(Equal(2.0))
		Expect(misses).To(Equal(1.0))
		predictions, _ := sink.Value("base.bpred", "predictions")
		hits, _ := sink.Value("base.bpred", "btb_hits")
		Expect(predictions).To(Equal(2.0))
		Expect(hits).To(Equal(1.0))

		var buf bytes.Buffer
		core.DumpState(&buf)
		Expect(buf.String()).To(ContainSubstring("base core: "))
		Expect(buf.String()).To(ContainSubstring("bpred"))
	})

	It("should miss again after FlushTLB", func() {
		memory.LoadWords(0x1000, 0x14000000)
		startAt(ctx, 0x1000)
		env.stopAfter = 1
		core.Run(env)

		core.FlushTLB(ctx)
		env.stopAfter = 2
		core.Run(env)

		sink := stats.NewMemory(logr.Discard())
		core.UpdateStats(sink)
		misses, _ := sink.Value("base.l1i", "misses")
		Expect(misses).To(Equal(2.0))
	})
})
