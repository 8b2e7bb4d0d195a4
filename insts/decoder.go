package insts

// Op represents an opcode.
type Op uint16

// Opcodes.
const (
	OpUnknown Op = iota
	OpADD
	OpSUB
	OpAND
	OpORR
	OpEOR
	OpMOVZ
	OpMOVN
	OpMOVK
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpBR
	OpBLR
	OpRET
	OpLDR
	OpSTR
	OpSVC
	OpERET
	OpNOP
)

var opNames = [...]string{
	OpUnknown: "UNKNOWN",
	OpADD:     "ADD",
	OpSUB:     "SUB",
	OpAND:     "AND",
	OpORR:     "ORR",
	OpEOR:     "EOR",
	OpMOVZ:    "MOVZ",
	OpMOVN:    "MOVN",
	OpMOVK:    "MOVK",
	OpB:       "B",
	OpBL:      "BL",
	OpBCond:   "B.cond",
	OpCBZ:     "CBZ",
	OpCBNZ:    "CBNZ",
	OpBR:      "BR",
	OpBLR:     "BLR",
	OpRET:     "RET",
	OpLDR:     "LDR",
	OpSTR:     "STR",
	OpSVC:     "SVC",
	OpERET:    "ERET",
	OpNOP:     "NOP",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return opNames[OpUnknown]
}

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown       Format = iota
	FormatDPImm                // Data Processing (Immediate)
	FormatDPReg                // Data Processing (Register)
	FormatMoveWide             // Move wide (immediate)
	FormatBranch               // Unconditional Branch (Immediate)
	FormatBranchCond           // Conditional Branch
	FormatCompareBranch        // Compare and Branch
	FormatBranchReg            // Branch to Register
	FormatLoadStore            // Load/Store (unsigned offset)
	FormatException            // Exception generation and return
	FormatSystem               // Hints
)

// Cond represents a condition code.
type Cond uint8

// Condition codes.
const (
	CondEQ Cond = 0b0000 // Z == 1
	CondNE Cond = 0b0001 // Z == 0
	CondCS Cond = 0b0010 // C == 1
	CondCC Cond = 0b0011 // C == 0
	CondMI Cond = 0b0100 // N == 1
	CondPL Cond = 0b0101 // N == 0
	CondVS Cond = 0b0110 // V == 1
	CondVC Cond = 0b0111 // V == 0
	CondHI Cond = 0b1000 // C == 1 && Z == 0
	CondLS Cond = 0b1001 // C == 0 || Z == 1
	CondGE Cond = 0b1010 // N == V
	CondLT Cond = 0b1011 // N != V
	CondGT Cond = 0b1100 // Z == 0 && N == V
	CondLE Cond = 0b1101 // Z == 1 || N != V
	CondAL Cond = 0b1110
	CondNV Cond = 0b1111
)

// ShiftType represents a shift type for register operands.
type ShiftType uint8

// Shift types.
const (
	ShiftLSL ShiftType = 0b00
	ShiftLSR ShiftType = 0b01
	ShiftASR ShiftType = 0b10
	ShiftROR ShiftType = 0b11
)

// Instruction represents a decoded instruction.
type Instruction struct {
	Op     Op
	Format Format

	Is64Bit  bool  // X registers rather than W registers
	SetFlags bool  // S suffix
	Invert   bool  // logical ops with an inverted Rm (BIC, ORN, EON)
	Rd       uint8 // destination, or Rt for loads, stores and CBZ
	Rn       uint8
	Rm       uint8

	Imm   uint64
	Shift uint8 // immediate shift (ADD/SUB LSL #12, MOV* hw*16)

	BranchOffset int64
	Cond         Cond

	ShiftType   ShiftType
	ShiftAmount uint8

	// Size is the access width in bytes for loads and stores.
	Size int
}

// IsBranch reports whether the instruction may redirect the PC.
func (i *Instruction) IsBranch() bool {
	switch i.Op {
	case OpB, OpBL, OpBCond, OpCBZ, OpCBNZ, OpBR, OpBLR, OpRET, OpERET:
		return true
	default:
		return false
	}
}

// IsMemory reports whether the instruction accesses data memory.
func (i *Instruction) IsMemory() bool {
	return i.Op == OpLDR || i.Op == OpSTR
}

// Decoder decodes machine code into instructions.
type Decoder struct{}

// NewDecoder creates a new instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit instruction word. Unsupported encodings come back
// as OpUnknown.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Op: OpUnknown, Format: FormatUnknown}

	switch {
	case word == 0xD503201F:
		inst.Op = OpNOP
		inst.Format = FormatSystem
	case word == 0xD69F03E0:
		inst.Op = OpERET
		inst.Format = FormatException
	case word&0xFFE0001F == 0xD4000001:
		inst.Op = OpSVC
		inst.Format = FormatException
		inst.Imm = uint64((word >> 5) & 0xFFFF)
	case d.isDataProcessingImm(word):
		d.decodeDataProcessingImm(word, inst)
	case d.isMoveWide(word):
		d.decodeMoveWide(word, inst)
	case d.isDataProcessingReg(word):
		d.decodeDataProcessingReg(word, inst)
	case d.isBranchImm(word):
		d.decodeBranchImm(word, inst)
	case d.isBranchCond(word):
		d.decodeBranchCond(word, inst)
	case d.isCompareBranch(word):
		d.decodeCompareBranch(word, inst)
	case d.isBranchReg(word):
		d.decodeBranchReg(word, inst)
	case d.isLoadStore(word):
		d.decodeLoadStore(word, inst)
	}

	return inst
}

// Add/Sub immediate: bits [28:23] == 0b100010
func (d *Decoder) isDataProcessingImm(word uint32) bool {
	return (word>>23)&0x3F == 0b100010
}

// Format: sf | op | S | 100010 | sh | imm12 | Rn | Rd
func (d *Decoder) decodeDataProcessingImm(word uint32, inst *Instruction) {
	inst.Format = FormatDPImm
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.SetFlags = (word>>29)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Imm = uint64((word >> 10) & 0xFFF)

	if (word>>22)&0x1 == 1 {
		inst.Shift = 12
	}

	if (word>>30)&0x1 == 0 {
		inst.Op = OpADD
	} else {
		inst.Op = OpSUB
	}
}

// Move wide: bits [28:23] == 0b100101
func (d *Decoder) isMoveWide(word uint32) bool {
	return (word>>23)&0x3F == 0b100101
}

// Format: sf | opc | 100101 | hw | imm16 | Rd
func (d *Decoder) decodeMoveWide(word uint32, inst *Instruction) {
	inst.Format = FormatMoveWide
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Imm = uint64((word >> 5) & 0xFFFF)
	inst.Shift = uint8((word>>21)&0x3) * 16

	switch (word >> 29) & 0x3 {
	case 0b00:
		inst.Op = OpMOVN
	case 0b10:
		inst.Op = OpMOVZ
	case 0b11:
		inst.Op = OpMOVK
	default:
		inst.Op = OpUnknown
	}
}

// Add/Sub register: bits [28:24] == 0b01011
// Logical register: bits [28:24] == 0b01010
func (d *Decoder) isDataProcessingReg(word uint32) bool {
	op := (word >> 24) & 0x1F
	return op == 0b01011 || op == 0b01010
}

// Add/Sub format: sf | op | S | 01011 | shift | 0 | Rm | imm6 | Rn | Rd
// Logical format: sf | opc | 01010 | shift | N | Rm | imm6 | Rn | Rd
func (d *Decoder) decodeDataProcessingReg(word uint32, inst *Instruction) {
	inst.Format = FormatDPReg
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.ShiftAmount = uint8((word >> 10) & 0x3F)
	inst.Rm = uint8((word >> 16) & 0x1F)
	inst.ShiftType = ShiftType((word >> 22) & 0x3)

	if (word>>24)&0x1F == 0b01011 {
		if (word>>21)&0x1 == 1 {
			// extended-register form
			inst.Op = OpUnknown
			return
		}
		inst.SetFlags = (word>>29)&0x1 == 1
		if (word>>30)&0x1 == 0 {
			inst.Op = OpADD
		} else {
			inst.Op = OpSUB
		}
		return
	}

	inst.Invert = (word>>21)&0x1 == 1
	switch (word >> 29) & 0x3 {
	case 0b00:
		inst.Op = OpAND
	case 0b01:
		inst.Op = OpORR
	case 0b10:
		inst.Op = OpEOR
	case 0b11:
		inst.Op = OpAND
		inst.SetFlags = true
	}
}

// B:  bits [31:26] == 0b000101
// BL: bits [31:26] == 0b100101
func (d *Decoder) isBranchImm(word uint32) bool {
	op := (word >> 26) & 0x3F
	return op == 0b000101 || op == 0b100101
}

// Format: op | imm26
func (d *Decoder) decodeBranchImm(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.BranchOffset = signExtend(uint64(word&0x3FFFFFF), 26) * 4

	if (word>>31)&0x1 == 0 {
		inst.Op = OpB
	} else {
		inst.Op = OpBL
	}
}

// B.cond: bits [31:25] == 0b0101010, bit 4 == 0
func (d *Decoder) isBranchCond(word uint32) bool {
	return (word>>25)&0x7F == 0b0101010 && (word>>4)&0x1 == 0
}

// Format: 0101010 0 | imm19 | 0 | cond
func (d *Decoder) decodeBranchCond(word uint32, inst *Instruction) {
	inst.Format = FormatBranchCond
	inst.Op = OpBCond
	inst.BranchOffset = signExtend(uint64((word>>5)&0x7FFFF), 19) * 4
	inst.Cond = Cond(word & 0xF)
}

// CBZ/CBNZ: bits [30:25] == 0b011010
func (d *Decoder) isCompareBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011010
}

// Format: sf | 011010 | op | imm19 | Rt
func (d *Decoder) decodeCompareBranch(word uint32, inst *Instruction) {
	inst.Format = FormatCompareBranch
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.BranchOffset = signExtend(uint64((word>>5)&0x7FFFF), 19) * 4

	if (word>>24)&0x1 == 0 {
		inst.Op = OpCBZ
	} else {
		inst.Op = OpCBNZ
	}
}

// Format: 1101011 | opc[24:21] | 11111 | 000000 | Rn | 00000
func (d *Decoder) isBranchReg(word uint32) bool {
	hi := (word >> 25) & 0x7F
	op2 := (word >> 16) & 0x1F
	mid := (word >> 10) & 0x3F
	lo := word & 0x1F
	return hi == 0b1101011 && op2 == 0b11111 && mid == 0 && lo == 0
}

func (d *Decoder) decodeBranchReg(word uint32, inst *Instruction) {
	inst.Format = FormatBranchReg
	inst.Rn = uint8((word >> 5) & 0x1F)

	switch (word >> 21) & 0xF {
	case 0b0000:
		inst.Op = OpBR
	case 0b0001:
		inst.Op = OpBLR
	case 0b0010:
		inst.Op = OpRET
	default:
		inst.Op = OpUnknown
	}
}

// Load/store register (unsigned immediate), integer registers only:
// size | 111 | 0 | 01 | opc | imm12 | Rn | Rt
func (d *Decoder) isLoadStore(word uint32) bool {
	size := (word >> 30) & 0x3
	return (word>>24)&0x3F == 0b111001 && size >= 0b10
}

func (d *Decoder) decodeLoadStore(word uint32, inst *Instruction) {
	inst.Format = FormatLoadStore
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)

	size := (word >> 30) & 0x3
	inst.Size = 1 << size
	inst.Is64Bit = size == 0b11
	inst.Imm = uint64((word>>10)&0xFFF) * uint64(inst.Size)

	switch (word >> 22) & 0x3 {
	case 0b00:
		inst.Op = OpSTR
	case 0b01:
		inst.Op = OpLDR
	default:
		inst.Op = OpUnknown
	}
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
