package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2hybrid/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("Data Processing (Immediate)", func() {
		It("should decode ADD X0, X1, #42", func() {
			inst := decoder.Decode(0x9100A820)

			Expect(inst.Op).To(Equal(insts.OpADD))
			Expect(inst.Format).To(Equal(insts.FormatDPImm))
			Expect(inst.Is64Bit).To(BeTrue())
			Expect(inst.SetFlags).To(BeFalse())
			Expect(inst.Rd).To(Equal(uint8(0)))
			Expect(inst.Rn).To(Equal(uint8(1)))
			Expect(inst.Imm).To(Equal(uint64(42)))
		})

		It("should decode CMP X0, #5 as SUBS XZR", func() {
			inst := decoder.Decode(0xF100141F)

			Expect(inst.Op).To(Equal(insts.OpSUB))
			Expect(inst.SetFlags).To(BeTrue())
			Expect(inst.Rd).To(Equal(uint8(31)))
			Expect(inst.Imm).To(Equal(uint64(5)))
		})

		It("should decode ADD SP, SP, #16", func() {
			inst := decoder.Decode(0x910043FF)

			Expect(inst.Rd).To(Equal(uint8(31)))
			Expect(inst.Rn).To(Equal(uint8(31)))
			Expect(inst.Imm).To(Equal(uint64(16)))
		})
	})

	Describe("Data Processing (Register)", func() {
		DescribeTable("add, sub and logical forms",
			func(word uint32, op insts.Op, setFlags, invert bool) {
				inst := decoder.Decode(word)

				Expect(inst.Op).To(Equal(op))
				Expect(inst.Format).To(Equal(insts.FormatDPReg))
				Expect(inst.SetFlags).To(Equal(setFlags))
				Expect(inst.Invert).To(Equal(invert))
				Expect(inst.Rd).To(Equal(uint8(0)))
				Expect(inst.Rn).To(Equal(uint8(1)))
				Expect(inst.Rm).To(Equal(uint8(2)))
			},
			Entry("ADD X0, X1, X2", uint32(0x8B020020), insts.OpADD, false, false),
			Entry("SUB X0, X1, X2", uint32(0xCB020020), insts.OpSUB, false, false),
			Entry("AND X0, X1, X2", uint32(0x8A020020), insts.OpAND, false, false),
			Entry("ORR X0, X1, X2", uint32(0xAA020020), insts.OpORR, false, false),
			Entry("EOR X0, X1, X2", uint32(0xCA020020), insts.OpEOR, false, false),
			Entry("ANDS X0, X1, X2", uint32(0xEA020020), insts.OpAND, true, false),
			Entry("BIC X0, X1, X2", uint32(0x8A220020), insts.OpAND, false, true),
		)

		It("should decode the shift amount", func() {
			inst := decoder.Decode(0x8B021020) // ADD X0, X1, X2, LSL #4

			Expect(inst.ShiftType).To(Equal(insts.ShiftLSL))
			Expect(inst.ShiftAmount).To(Equal(uint8(4)))
		})
	})

	Describe("Move wide", func() {
		It("should decode MOVZ X1, #0x1234, LSL #16", func() {
			inst := decoder.Decode(0xD2A24681)

			Expect(inst.Op).To(Equal(insts.OpMOVZ))
			Expect(inst.Format).To(Equal(insts.FormatMoveWide))
			Expect(inst.Rd).To(Equal(uint8(1)))
			Expect(inst.Imm).To(Equal(uint64(0x1234)))
			Expect(inst.Shift).To(Equal(uint8(16)))
		})

		It("should decode MOVK and MOVN", func() {
			Expect(decoder.Decode(0xF28ACF01).Op).To(Equal(insts.OpMOVK))
			Expect(decoder.Decode(0x92800002).Op).To(Equal(insts.OpMOVN))
		})
	})

	Describe("Branches", func() {
		It("should decode B with a negative offset", func() {
			inst := decoder.Decode(0x17FFFFFF)

			Expect(inst.Op).To(Equal(insts.OpB))
			Expect(inst.BranchOffset).To(Equal(int64(-4)))
			Expect(inst.IsBranch()).To(BeTrue())
		})

		It("should decode BL", func() {
			inst := decoder.Decode(0x94000040)

			Expect(inst.Op).To(Equal(insts.OpBL))
			Expect(inst.BranchOffset).To(Equal(int64(0x100)))
		})

		It("should decode B.NE", func() {
			inst := decoder.Decode(0x54FFFFC1)

			Expect(inst.Op).To(Equal(insts.OpBCond))
			Expect(inst.Cond).To(Equal(insts.CondNE))
			Expect(inst.BranchOffset).To(Equal(int64(-8)))
		})

		It("should decode CBZ and CBNZ", func() {
			cbz := decoder.Decode(0xB4000040)
			Expect(cbz.Op).To(Equal(insts.OpCBZ))
			Expect(cbz.BranchOffset).To(Equal(int64(8)))

			cbnz := decoder.Decode(0xB5FFFFE3)
			Expect(cbnz.Op).To(Equal(insts.OpCBNZ))
			Expect(cbnz.Rd).To(Equal(uint8(3)))
			Expect(cbnz.BranchOffset).To(Equal(int64(-4)))
		})

		DescribeTable("register branches",
			func(word uint32, op insts.Op, rn uint8) {
				inst := decoder.Decode(word)
				Expect(inst.Op).To(Equal(op))
				Expect(inst.Rn).To(Equal(rn))
			},
			Entry("BR X1", uint32(0xD61F0020), insts.OpBR, uint8(1)),
			Entry("BLR X2", uint32(0xD63F0040), insts.OpBLR, uint8(2)),
			Entry("RET", uint32(0xD65F03C0), insts.OpRET, uint8(30)),
		)
	})

	Describe("Loads and stores", func() {
		It("should scale the 64-bit offset", func() {
			inst := decoder.Decode(0xF9400420) // LDR X0, [X1, #8]

			Expect(inst.Op).To(Equal(insts.OpLDR))
			Expect(inst.Size).To(Equal(8))
			Expect(inst.Imm).To(Equal(uint64(8)))
			Expect(inst.IsMemory()).To(BeTrue())
		})

		It("should decode 32-bit loads and 64-bit stores", func() {
			ldr := decoder.Decode(0xB9400423) // LDR W3, [X1, #4]
			Expect(ldr.Size).To(Equal(4))
			Expect(ldr.Is64Bit).To(BeFalse())
			Expect(ldr.Imm).To(Equal(uint64(4)))

			str := decoder.Decode(0xF9000822) // STR X2, [X1, #16]
			Expect(str.Op).To(Equal(insts.OpSTR))
			Expect(str.Rd).To(Equal(uint8(2)))
			Expect(str.Imm).To(Equal(uint64(16)))
		})
	})

	Describe("Exception and system", func() {
		It("should decode SVC, ERET and NOP", func() {
			Expect(decoder.Decode(0xD4000001).Op).To(Equal(insts.OpSVC))
			Expect(decoder.Decode(0xD69F03E0).Op).To(Equal(insts.OpERET))
			Expect(decoder.Decode(0xD503201F).Op).To(Equal(insts.OpNOP))
		})

		It("should not mistake ERET for BR", func() {
			Expect(decoder.Decode(0xD69F03E0).Op).NotTo(Equal(insts.OpBR))
		})
	})

	It("should return OpUnknown for unsupported words", func() {
		inst := decoder.Decode(0x00000000)
		Expect(inst.Op).To(Equal(insts.OpUnknown))
		Expect(inst.Op.String()).To(Equal("UNKNOWN"))
	})
})
