// Package emu provides the functional execution engine. It executes the
// AArch64 integer subset decoded by package insts directly on an
// arch.NativeState, one instruction per Step.
package emu

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/insts"
)

// Exception vector offsets from VBAR for exceptions taken from EL0.
const (
	VectorSyncLowerEL = 0x400
	VectorIRQLowerEL  = 0x480
)

// Exception indices recorded in NativeState.Exception.
const (
	ExceptionNone = iota
	ExceptionSVC
	ExceptionIRQ
)

// Errors returned in StepResult.Err.
var (
	ErrUnknownInstruction = errors.New("unknown instruction")
	ErrHalted             = errors.New("context halted")
)

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Inst is the instruction executed, nil if an interrupt was taken
	// instead.
	Inst *insts.Instruction

	// MemAddr is the effective address of a load or store.
	MemAddr uint64

	// Trapped is true if the step entered the kernel (SVC to a vector or
	// an interrupt).
	Trapped bool

	// Exited is true if the program terminated (via exit syscall).
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Err is set if an error occurred during execution.
	Err error
}

// Engine executes instructions functionally.
type Engine struct {
	memory         *Memory
	decoder        *insts.Decoder
	syscallHandler SyscallHandler

	// decoded caches instructions by PC until Flush or a store to the
	// word.
	decoded map[uint64]*insts.Instruction

	stdout io.Writer
	stderr io.Writer

	instructionCount uint64
}

// EngineOption is a functional option for configuring the Engine.
type EngineOption func(*Engine)

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) EngineOption {
	return func(e *Engine) {
		e.stdout = w
	}
}

// WithStderr sets a custom stderr writer.
func WithStderr(w io.Writer) EngineOption {
	return func(e *Engine) {
		e.stderr = w
	}
}

// WithSyscallHandler sets a custom syscall handler.
func WithSyscallHandler(handler SyscallHandler) EngineOption {
	return func(e *Engine) {
		e.syscallHandler = handler
	}
}

// NewEngine creates an engine over memory.
func NewEngine(memory *Memory, opts ...EngineOption) *Engine {
	e := &Engine{
		memory:  memory,
		decoder: insts.NewDecoder(),
		decoded: make(map[uint64]*insts.Instruction),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.syscallHandler == nil {
		e.syscallHandler = NewDefaultSyscallHandler(memory, e.stdout, e.stderr)
	}

	return e
}

// Memory returns the engine's memory.
func (e *Engine) Memory() *Memory {
	return e.memory
}

// SyscallHandler returns the handler servicing SVC in user-only mode.
func (e *Engine) SyscallHandler() SyscallHandler {
	return e.syscallHandler
}

// InstructionCount returns the number of instructions executed.
func (e *Engine) InstructionCount() uint64 {
	return e.instructionCount
}

// Flush drops every cached decoded instruction.
func (e *Engine) Flush() {
	clear(e.decoded)
}

// Fetch decodes the instruction at pc, using the decode cache.
func (e *Engine) Fetch(pc uint64) *insts.Instruction {
	if inst, ok := e.decoded[pc]; ok {
		return inst
	}
	inst := e.decoder.Decode(e.memory.Read32(pc))
	e.decoded[pc] = inst
	return inst
}

// Step executes one instruction on s, or takes a pending interrupt.
func (e *Engine) Step(s *arch.NativeState) StepResult {
	if s.Halted {
		return StepResult{Err: ErrHalted}
	}

	if s.IRQ != 0 && s.PSTATE.EL == 0 && s.VBAR != 0 {
		e.takeException(s, s.PC, VectorIRQLowerEL, ExceptionIRQ)
		s.IRQ = 0
		return StepResult{Trapped: true}
	}

	inst := e.Fetch(s.PC)
	result := e.execute(s, inst)
	result.Inst = inst

	if result.Err == nil {
		e.instructionCount++
	}

	return result
}

// Run steps s until it exits, faults or max instructions have executed. A
// max of 0 means no limit.
func (e *Engine) Run(s *arch.NativeState, max uint64) StepResult {
	for n := uint64(0); max == 0 || n < max; n++ {
		result := e.Step(s)
		if result.Exited || result.Err != nil {
			return result
		}
	}
	return StepResult{}
}

func (e *Engine) execute(s *arch.NativeState, inst *insts.Instruction) StepResult {
	pc := s.PC
	next := pc + 4

	switch inst.Op {
	case insts.OpNOP:
	case insts.OpADD, insts.OpSUB:
		e.executeAddSub(s, inst)
	case insts.OpAND, insts.OpORR, insts.OpEOR:
		e.executeLogical(s, inst)
	case insts.OpMOVZ, insts.OpMOVN, insts.OpMOVK:
		e.executeMoveWide(s, inst)
	case insts.OpB:
		next = offset(pc, inst.BranchOffset)
	case insts.OpBL:
		s.WriteReg(30, pc+4)
		next = offset(pc, inst.BranchOffset)
	case insts.OpBCond:
		if conditionHolds(s.PSTATE, inst.Cond) {
			next = offset(pc, inst.BranchOffset)
		}
	case insts.OpCBZ, insts.OpCBNZ:
		v := s.ReadReg(inst.Rd)
		if !inst.Is64Bit {
			v = uint64(uint32(v))
		}
		if (v == 0) == (inst.Op == insts.OpCBZ) {
			next = offset(pc, inst.BranchOffset)
		}
	case insts.OpBR, insts.OpRET:
		next = s.ReadReg(inst.Rn)
	case insts.OpBLR:
		target := s.ReadReg(inst.Rn)
		s.WriteReg(30, pc+4)
		next = target
	case insts.OpLDR, insts.OpSTR:
		return e.executeLoadStore(s, inst)
	case insts.OpSVC:
		return e.executeSVC(s)
	case insts.OpERET:
		s.PC = s.ELR
		s.RestorePSTATE(s.SPSR)
		s.Exception = ExceptionNone
		return StepResult{}
	default:
		return StepResult{
			Err: fmt.Errorf("%w: 0x%08x at 0x%x",
				ErrUnknownInstruction, e.memory.Read32(pc), pc),
		}
	}

	s.PC = next
	return StepResult{}
}

func offset(pc uint64, off int64) uint64 {
	return uint64(int64(pc) + off)
}

func (e *Engine) executeAddSub(s *arch.NativeState, inst *insts.Instruction) {
	var op1, op2 uint64
	if inst.Format == insts.FormatDPImm {
		// Rn and Rd of the immediate form address SP, except that a
		// flag-setting Rd of 31 is XZR (CMP/CMN).
		op1 = s.ReadRegOrSP(inst.Rn)
		op2 = inst.Imm << inst.Shift
	} else {
		op1 = s.ReadReg(inst.Rn)
		op2 = applyShift(s.ReadReg(inst.Rm), inst.ShiftType, inst.ShiftAmount, inst.Is64Bit)
	}

	var result uint64
	if inst.Op == insts.OpADD {
		result = add(s, op1, op2, inst.Is64Bit, inst.SetFlags)
	} else {
		result = sub(s, op1, op2, inst.Is64Bit, inst.SetFlags)
	}
	if !inst.Is64Bit {
		result = uint64(uint32(result))
	}

	if inst.Format == insts.FormatDPImm && !inst.SetFlags {
		s.WriteRegOrSP(inst.Rd, result)
	} else {
		s.WriteReg(inst.Rd, result)
	}
	s.PC += 4
}

func (e *Engine) executeLogical(s *arch.NativeState, inst *insts.Instruction) {
	op1 := s.ReadReg(inst.Rn)
	op2 := applyShift(s.ReadReg(inst.Rm), inst.ShiftType, inst.ShiftAmount, inst.Is64Bit)
	if inst.Invert {
		op2 = ^op2
	}

	var result uint64
	switch inst.Op {
	case insts.OpAND:
		result = op1 & op2
	case insts.OpORR:
		result = op1 | op2
	case insts.OpEOR:
		result = op1 ^ op2
	}
	if !inst.Is64Bit {
		result = uint64(uint32(result))
	}

	if inst.SetFlags {
		setLogicFlags(s, result, inst.Is64Bit)
	}
	s.WriteReg(inst.Rd, result)
	s.PC += 4
}

func (e *Engine) executeMoveWide(s *arch.NativeState, inst *insts.Instruction) {
	imm := inst.Imm << inst.Shift

	var result uint64
	switch inst.Op {
	case insts.OpMOVZ:
		result = imm
	case insts.OpMOVN:
		result = ^imm
	case insts.OpMOVK:
		mask := uint64(0xFFFF) << inst.Shift
		result = (s.ReadReg(inst.Rd) &^ mask) | imm
	}
	if !inst.Is64Bit {
		result = uint64(uint32(result))
	}

	s.WriteReg(inst.Rd, result)
	s.PC += 4
}

func (e *Engine) executeLoadStore(s *arch.NativeState, inst *insts.Instruction) StepResult {
	addr := s.ReadRegOrSP(inst.Rn) + inst.Imm

	if inst.Op == insts.OpLDR {
		s.WriteReg(inst.Rd, e.memory.Read(addr, inst.Size))
	} else {
		e.memory.Write(addr, inst.Size, s.ReadReg(inst.Rd))
		e.invalidate(addr, inst.Size)
	}

	s.PC += 4
	return StepResult{MemAddr: addr}
}

// invalidate drops cached decodes overlapping a store.
func (e *Engine) invalidate(addr uint64, size int) {
	for a := addr &^ 3; a < addr+uint64(size); a += 4 {
		delete(e.decoded, a)
	}
}

// executeSVC traps to the kernel vector when one is installed, and
// otherwise services the call in user mode.
func (e *Engine) executeSVC(s *arch.NativeState) StepResult {
	if s.VBAR != 0 {
		e.takeException(s, s.PC+4, VectorSyncLowerEL, ExceptionSVC)
		return StepResult{Trapped: true}
	}

	sys := e.syscallHandler.Handle(s)
	s.PC += 4
	if sys.Exited {
		s.Halted = true
		return StepResult{Exited: true, ExitCode: sys.ExitCode}
	}
	return StepResult{}
}

func (e *Engine) takeException(s *arch.NativeState, ret, vector uint64, exception int) {
	s.SPSR = s.SPSRFromPSTATE()
	s.ELR = ret
	s.PSTATE.EL = 1
	s.Exception = exception
	s.PC = s.VBAR + vector
}
