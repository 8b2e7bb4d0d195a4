// Package insts provides decoding for the AArch64 integer subset the
// functional engine executes.
//
// Supported classes:
//   - Data Processing (Immediate): ADD, SUB and their flag-setting forms
//   - Data Processing (Register): ADD, SUB, AND, ORR, EOR, BIC, ORN, EON
//   - Move wide: MOVZ, MOVN, MOVK
//   - Branches: B, BL, B.cond, CBZ, CBNZ, BR, BLR, RET
//   - Loads and stores: LDR, STR (unsigned offset, 32 and 64 bit)
//   - Exception and system: SVC, ERET, NOP
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x91002820) // ADD X0, X1, #10
//	fmt.Printf("%v X%d, X%d, #%d\n", inst.Op, inst.Rd, inst.Rn, inst.Imm)
package insts
