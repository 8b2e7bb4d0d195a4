// Package arch defines the per-processor architectural state that the
// functional engine and the cycle-accurate machines hand back and forth.
//
// A Context exists in two forms. The simulation form is the Context's own
// exported fields and is what machines and the checker read. The native form
// (NativeState) is what the functional engine executes on. Exactly one form
// is authoritative at a time; SwitchToSimulation and SwitchToFunctional move
// ownership with a complete field-by-field copy.
package arch

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Register file dimensions.
const (
	// NumRegs is X0-X30 plus SP.
	NumRegs = 32
	// RegSP is the index of SP in Context.Regs.
	RegSP = 31
	// NumVecRegs is the number of 128-bit vector registers.
	NumVecRegs = 32
	// VecRegBytes is the width of one vector register.
	VecRegBytes = 16
	// NumFPRegs is the FP control/status bank: FPCR, FPSR.
	NumFPRegs = 2
)

// InvalidPC marks an unset instruction pointer in configuration.
const InvalidPC = ^uint64(0)

// Bits of the packed flags word. N, Z, C and V sit where the NZCV system
// register holds them. FlagINV, FlagPF and FlagAF are scratch bits a timing
// model may set while an instruction is in flight; they have no
// architectural meaning and never reach the native form.
const (
	FlagINV uint64 = 1 << 0
	FlagPF  uint64 = 1 << 2
	FlagAF  uint64 = 1 << 4
	FlagV   uint64 = 1 << 28
	FlagC   uint64 = 1 << 29
	FlagZ   uint64 = 1 << 30
	FlagN   uint64 = 1 << 31

	FlagNZCV     = FlagN | FlagZ | FlagC | FlagV
	FlagDontCare = FlagINV | FlagAF | FlagPF
	FlagAll      = ^uint64(0)
)

// Owner names the engine that currently holds a Context.
type Owner uint8

// Context owners.
const (
	OwnerFunctional Owner = iota
	OwnerSimulation
)

func (o Owner) String() string {
	if o == OwnerSimulation {
		return "simulation"
	}
	return "functional"
}

// Context is the simulation form of one logical processor.
//
// Field order matters only for documentation: everything before PC is the
// register block the checker compares byte for byte, PC and everything after
// it is compared separately or not at all.
type Context struct {
	ID int

	Regs  [NumRegs]uint64
	Flags uint64

	PC   uint64
	ELR  uint64
	SPSR uint64
	VBAR uint64

	Vec [NumVecRegs][VecRegBytes]byte
	FP  [NumFPRegs]uint64

	Running          bool
	KernelMode       bool
	InterruptRequest uint32
	ExceptionIndex   int

	// LastPC caches the last instruction pointer a machine saw for this
	// Context. It is simulation-only state and is zeroed after every run.
	LastPC uint64

	owner  Owner
	native NativeState
}

// NewContext returns a zeroed Context held by the functional engine.
func NewContext(id int) *Context {
	return &Context{ID: id, owner: OwnerFunctional}
}

// Owner returns the engine that currently holds the Context.
func (c *Context) Owner() Owner {
	return c.owner
}

// Native returns the functional engine's form. It panics if the simulation
// form is authoritative, since the native copy is stale then.
func (c *Context) Native() *NativeState {
	if c.owner != OwnerFunctional {
		panic(fmt.Sprintf("arch: context %d native form read while held by %s",
			c.ID, c.owner))
	}
	return &c.native
}

// SwitchToSimulation makes the simulation form authoritative.
func (c *Context) SwitchToSimulation() {
	if c.owner == OwnerFunctional {
		c.ImportNative(&c.native)
	}
	c.owner = OwnerSimulation
}

// SwitchToFunctional makes the native form authoritative.
func (c *Context) SwitchToFunctional() {
	if c.owner == OwnerSimulation {
		c.ExportNative(&c.native)
	}
	c.owner = OwnerFunctional
}

// ImportNative overwrites the simulation form from n.
//
//	X[0..30], SP          -> Regs[0..30], Regs[RegSP]
//	PSTATE.{N,Z,C,V}      -> Flags (FlagN..FlagV; scratch bits cleared)
//	PSTATE.EL != 0        -> KernelMode
//	PC, ELR, SPSR, VBAR   -> PC, ELR, SPSR, VBAR
//	V[i].Lo, V[i].Hi      -> Vec[i][0:8], Vec[i][8:16] (little endian)
//	FPCR, FPSR            -> FP[0], FP[1]
//	!Halted               -> Running
//	IRQ, Exception        -> InterruptRequest, ExceptionIndex
func (c *Context) ImportNative(n *NativeState) {
	copy(c.Regs[:RegSP], n.X[:])
	c.Regs[RegSP] = n.SP

	c.Flags = 0
	if n.PSTATE.N {
		c.Flags |= FlagN
	}
	if n.PSTATE.Z {
		c.Flags |= FlagZ
	}
	if n.PSTATE.C {
		c.Flags |= FlagC
	}
	if n.PSTATE.V {
		c.Flags |= FlagV
	}
	c.KernelMode = n.PSTATE.EL != 0

	c.PC = n.PC
	c.ELR = n.ELR
	c.SPSR = n.SPSR
	c.VBAR = n.VBAR

	for i := range n.V {
		binary.LittleEndian.PutUint64(c.Vec[i][0:8], n.V[i].Lo)
		binary.LittleEndian.PutUint64(c.Vec[i][8:16], n.V[i].Hi)
	}
	c.FP[0] = n.FPCR
	c.FP[1] = n.FPSR

	c.Running = !n.Halted
	c.InterruptRequest = n.IRQ
	c.ExceptionIndex = n.Exception
}

// ExportNative writes the simulation form into n. It is the inverse of
// ImportNative; scratch flag bits are dropped.
func (c *Context) ExportNative(n *NativeState) {
	copy(n.X[:], c.Regs[:RegSP])
	n.SP = c.Regs[RegSP]

	n.PSTATE = PSTATE{
		N: c.Flags&FlagN != 0,
		Z: c.Flags&FlagZ != 0,
		C: c.Flags&FlagC != 0,
		V: c.Flags&FlagV != 0,
	}
	if c.KernelMode {
		n.PSTATE.EL = 1
	}

	n.PC = c.PC
	n.ELR = c.ELR
	n.SPSR = c.SPSR
	n.VBAR = c.VBAR

	for i := range c.Vec {
		n.V[i].Lo = binary.LittleEndian.Uint64(c.Vec[i][0:8])
		n.V[i].Hi = binary.LittleEndian.Uint64(c.Vec[i][8:16])
	}
	n.FPCR = c.FP[0]
	n.FPSR = c.FP[1]

	n.Halted = !c.Running
	n.IRQ = c.InterruptRequest
	n.Exception = c.ExceptionIndex
}

// CopyFrom copies the complete state of src, both forms and the owner,
// keeping c's ID.
func (c *Context) CopyFrom(src *Context) {
	id := c.ID
	*c = *src
	c.ID = id
}

// Reset zeroes the Context and hands it to the simulation side. A reset
// Context has PC 0.
func (c *Context) Reset() {
	*c = Context{ID: c.ID, owner: OwnerSimulation}
}

// RaiseInterrupt ORs line into the pending interrupt request of whichever
// form is authoritative.
func (c *Context) RaiseInterrupt(line uint32) {
	if c.owner == OwnerFunctional {
		c.native.IRQ |= line
		return
	}
	c.InterruptRequest |= line
}

// PendingInterrupt reports the authoritative pending interrupt request.
func (c *Context) PendingInterrupt() uint32 {
	if c.owner == OwnerFunctional {
		return c.native.IRQ
	}
	return c.InterruptRequest
}

// CurrentPC returns the authoritative instruction pointer.
func (c *Context) CurrentPC() uint64 {
	if c.owner == OwnerFunctional {
		return c.native.PC
	}
	return c.PC
}

// IsRunning reports the authoritative run state.
func (c *Context) IsRunning() bool {
	if c.owner == OwnerFunctional {
		return !c.native.Halted
	}
	return c.Running
}

// SetRunning sets the run state in whichever form is authoritative.
func (c *Context) SetRunning(running bool) {
	if c.owner == OwnerFunctional {
		c.native.Halted = !running
		return
	}
	c.Running = running
}

// RegisterBytes serializes the register block (Regs, little endian).
func (c *Context) RegisterBytes() []byte {
	buf := make([]byte, 0, NumRegs*8)
	for _, r := range c.Regs {
		buf = binary.LittleEndian.AppendUint64(buf, r)
	}
	return buf
}

// VecBytes serializes the vector bank.
func (c *Context) VecBytes() []byte {
	buf := make([]byte, 0, NumVecRegs*VecRegBytes)
	for i := range c.Vec {
		buf = append(buf, c.Vec[i][:]...)
	}
	return buf
}

// FPBytes serializes the FP control/status bank.
func (c *Context) FPBytes() []byte {
	buf := make([]byte, 0, NumFPRegs*8)
	for _, r := range c.FP {
		buf = binary.LittleEndian.AppendUint64(buf, r)
	}
	return buf
}

// String dumps the simulation form.
func (c *Context) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ctx %d: pc 0x%x flags 0x%x kernel %v running %v irq 0x%x exc %d\n",
		c.ID, c.PC, c.Flags, c.KernelMode, c.Running, c.InterruptRequest, c.ExceptionIndex)
	for i := 0; i < NumRegs; i += 4 {
		for j := i; j < i+4; j++ {
			name := fmt.Sprintf("x%d", j)
			if j == RegSP {
				name = "sp"
			}
			fmt.Fprintf(&sb, "  %-3s 0x%016x", name, c.Regs[j])
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "  elr 0x%x spsr 0x%x vbar 0x%x fpcr 0x%x fpsr 0x%x",
		c.ELR, c.SPSR, c.VBAR, c.FP[0], c.FP[1])
	return sb.String()
}
