package arch

// NativeState is the form the functional engine executes on. It keeps the
// register file layout of the emulator: general-purpose registers without
// SP, unpacked condition flags and an exception level.
type NativeState struct {
	// X holds X0-X30. Register 31 decodes as XZR or SP depending on the
	// instruction and never lives here.
	X  [31]uint64
	SP uint64
	PC uint64

	PSTATE PSTATE

	ELR  uint64
	SPSR uint64
	VBAR uint64

	V    [NumVecRegs]VReg
	FPCR uint64
	FPSR uint64

	Halted    bool
	IRQ       uint32
	Exception int
}

// PSTATE holds the condition flags and the current exception level.
type PSTATE struct {
	N bool
	Z bool
	C bool
	V bool

	// EL is 0 for user code and 1 for the kernel.
	EL uint8
}

// VReg is one 128-bit vector register.
type VReg struct {
	Lo uint64
	Hi uint64
}

// ReadReg reads a register value. Register 31 returns 0 (XZR).
func (n *NativeState) ReadReg(reg uint8) uint64 {
	if reg >= 31 {
		return 0
	}
	return n.X[reg]
}

// ReadRegOrSP reads a register value, treating register 31 as SP.
func (n *NativeState) ReadRegOrSP(reg uint8) uint64 {
	if reg == 31 {
		return n.SP
	}
	return n.X[reg]
}

// WriteReg writes a register. Writes to register 31 are discarded.
func (n *NativeState) WriteReg(reg uint8, value uint64) {
	if reg >= 31 {
		return
	}
	n.X[reg] = value
}

// WriteRegOrSP writes a register, treating register 31 as SP.
func (n *NativeState) WriteRegOrSP(reg uint8, value uint64) {
	if reg == 31 {
		n.SP = value
		return
	}
	n.X[reg] = value
}

// SPSRFromPSTATE packs the flags and EL the way SPSR_EL1 stores them.
func (n *NativeState) SPSRFromPSTATE() uint64 {
	var v uint64
	if n.PSTATE.N {
		v |= FlagN
	}
	if n.PSTATE.Z {
		v |= FlagZ
	}
	if n.PSTATE.C {
		v |= FlagC
	}
	if n.PSTATE.V {
		v |= FlagV
	}
	v |= uint64(n.PSTATE.EL&0x3) << 2
	return v
}

// RestorePSTATE unpacks an SPSR value written by SPSRFromPSTATE.
func (n *NativeState) RestorePSTATE(spsr uint64) {
	n.PSTATE = PSTATE{
		N:  spsr&FlagN != 0,
		Z:  spsr&FlagZ != 0,
		C:  spsr&FlagC != 0,
		V:  spsr&FlagV != 0,
		EL: uint8(spsr>>2) & 0x3,
	}
}
