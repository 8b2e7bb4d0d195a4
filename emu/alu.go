package emu

import (
	"math/bits"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/insts"
)

// add computes op1 + op2 at the given width, optionally setting NZCV.
func add(s *arch.NativeState, op1, op2 uint64, is64, setFlags bool) uint64 {
	if is64 {
		result := op1 + op2
		if setFlags {
			s.PSTATE.N = result>>63 == 1
			s.PSTATE.Z = result == 0
			s.PSTATE.C = result < op1
			s.PSTATE.V = (op1>>63 == op2>>63) && (op1>>63 != result>>63)
		}
		return result
	}

	a, b := uint32(op1), uint32(op2)
	result := a + b
	if setFlags {
		s.PSTATE.N = result>>31 == 1
		s.PSTATE.Z = result == 0
		s.PSTATE.C = result < a
		s.PSTATE.V = (a>>31 == b>>31) && (a>>31 != result>>31)
	}
	return uint64(result)
}

// sub computes op1 - op2 at the given width, optionally setting NZCV.
// C is set when no borrow occurs.
func sub(s *arch.NativeState, op1, op2 uint64, is64, setFlags bool) uint64 {
	if is64 {
		result := op1 - op2
		if setFlags {
			s.PSTATE.N = result>>63 == 1
			s.PSTATE.Z = result == 0
			s.PSTATE.C = op1 >= op2
			s.PSTATE.V = (op1>>63 != op2>>63) && (op2>>63 == result>>63)
		}
		return result
	}

	a, b := uint32(op1), uint32(op2)
	result := a - b
	if setFlags {
		s.PSTATE.N = result>>31 == 1
		s.PSTATE.Z = result == 0
		s.PSTATE.C = a >= b
		s.PSTATE.V = (a>>31 != b>>31) && (b>>31 == result>>31)
	}
	return uint64(result)
}

// setLogicFlags sets N and Z from result and clears C and V.
func setLogicFlags(s *arch.NativeState, result uint64, is64 bool) {
	if is64 {
		s.PSTATE.N = result>>63 == 1
		s.PSTATE.Z = result == 0
	} else {
		s.PSTATE.N = uint32(result)>>31 == 1
		s.PSTATE.Z = uint32(result) == 0
	}
	s.PSTATE.C = false
	s.PSTATE.V = false
}

func applyShift(value uint64, shiftType insts.ShiftType, amount uint8, is64 bool) uint64 {
	if !is64 {
		v := uint32(value)
		amount &= 31
		switch shiftType {
		case insts.ShiftLSL:
			return uint64(v << amount)
		case insts.ShiftLSR:
			return uint64(v >> amount)
		case insts.ShiftASR:
			return uint64(uint32(int32(v) >> amount))
		default:
			return uint64(bits.RotateLeft32(v, -int(amount)))
		}
	}

	amount &= 63
	switch shiftType {
	case insts.ShiftLSL:
		return value << amount
	case insts.ShiftLSR:
		return value >> amount
	case insts.ShiftASR:
		return uint64(int64(value) >> amount)
	default:
		return bits.RotateLeft64(value, -int(amount))
	}
}

// conditionHolds evaluates a condition code against PSTATE.
func conditionHolds(p arch.PSTATE, cond insts.Cond) bool {
	switch cond {
	case insts.CondEQ:
		return p.Z
	case insts.CondNE:
		return !p.Z
	case insts.CondCS:
		return p.C
	case insts.CondCC:
		return !p.C
	case insts.CondMI:
		return p.N
	case insts.CondPL:
		return !p.N
	case insts.CondVS:
		return p.V
	case insts.CondVC:
		return !p.V
	case insts.CondHI:
		return p.C && !p.Z
	case insts.CondLS:
		return !p.C || p.Z
	case insts.CondGE:
		return p.N == p.V
	case insts.CondLT:
		return p.N != p.V
	case insts.CondGT:
		return !p.Z && p.N == p.V
	case insts.CondLE:
		return p.Z || p.N != p.V
	default:
		return true
	}
}
