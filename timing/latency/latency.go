// Package latency provides the instruction timing model of the base
// in-order core.
package latency

import (
	"github.com/sarchlab/m2hybrid/insts"
)

// Table maps decoded instructions to execute latencies.
type Table struct {
	config *TimingConfig
}

// NewTable creates a Table with the default latencies.
func NewTable() *Table {
	return NewTableWithConfig(DefaultTimingConfig())
}

// NewTableWithConfig creates a Table over config. The Table keeps the
// pointer, so later edits to config take effect.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{config: config}
}

// GetLatency returns the execute latency of inst, not counting cache
// access time. Unknown and nil instructions take one cycle.
func (t *Table) GetLatency(inst *insts.Instruction) uint64 {
	if inst == nil {
		return 1
	}

	c := t.config
	switch {
	case inst.IsBranch() && inst.Op != insts.OpERET:
		return c.BranchLatency
	case inst.Op == insts.OpLDR:
		return c.LoadLatency
	case inst.Op == insts.OpSTR:
		return c.StoreLatency
	case inst.Op == insts.OpSVC, inst.Op == insts.OpERET:
		return c.SyscallLatency
	case isALU(inst.Op):
		return c.ALULatency
	}
	return 1
}

func isALU(op insts.Op) bool {
	switch op {
	case insts.OpADD, insts.OpSUB, insts.OpAND, insts.OpORR, insts.OpEOR,
		insts.OpMOVZ, insts.OpMOVN, insts.OpMOVK:
		return true
	}
	return false
}

// RedirectPenalty returns the fetch bubble after the branch inst, which is
// only paid when the predictor got it wrong.
func (t *Table) RedirectPenalty(inst *insts.Instruction, mispredicted bool) uint64 {
	if inst == nil || !mispredicted || !inst.IsBranch() {
		return 0
	}
	return t.config.MispredictPenalty
}

// Config returns the configuration the Table reads.
func (t *Table) Config() *TimingConfig {
	return t.config
}
