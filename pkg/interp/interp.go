// Package interp is a small ARM/Thumb reference interpreter used only by
// tests: it drives spec.md §8's end-to-end scenarios (phrased as observable
// outputs of actually running patched guest code) without a real
// disassembler/JIT backend, which spec.md §1 keeps external to the core.
// Grounded directly on the teacher's pkg/cpu/exec.go: the same
// switch-dispatch-over-OpCode idiom mutating a register-file struct in
// place, carried over opcode-for-opcode in shape though not in ISA —
// Z80's 8-bit register loads become ARM/Thumb's context-block field
// moves, PC-relative literal loads, and flag tests.
package interp

import (
	"fmt"

	"armpatch/pkg/cpu"
	"armpatch/pkg/execblock"
	"armpatch/pkg/inst"
)

// cpsrZ is the Z (zero) flag bit inside the stored CPSR, matching its real
// ARM bit position; this interpreter only ever needs Z, for CMP_IMM/tCBZ
// support (spec.md §4.6 rule 11).
const cpsrZ = uint32(1) << 30

// Step executes one already-relocated instruction against ctx, using eb to
// resolve PC-relative data/shadow/epilogue reads and writes. It never
// advances or inspects the program counter itself: spec.md's patches
// express control transfer entirely as a write to the stored PC field
// (cpu.FieldPC), and it is the dispatcher (pkg/vm), not this function, that
// notices such a write and decides what runs next.
func Step(ctx *cpu.ContextBlock, eb *execblock.MMapExecBlock, i inst.Instruction) error {
	if !condHolds(ctx, i.Cond) {
		return nil
	}
	switch i.Op {
	case inst.NOP:
		// nop

	case inst.MOV_IMM:
		if !i.Resolved {
			// Decoded guest "MOV Rd, #imm": a plain immediate load, no
			// memory access at all.
			setReg(ctx, dstReg(i), uint32(i.Operands[1].Imm))
			break
		}
		fallthrough

	case inst.LDR_SP:
		if !i.Resolved {
			// Decoded guest "LDR Rd, [SP, #imm]": SP-relative, not
			// PC-relative.
			word, err := eb.DataWord(dataAddr(ctx.GPR.SP) + uint64(i.Operands[1].Imm))
			if err != nil {
				return err
			}
			setReg(ctx, dstReg(i), word)
			break
		}
		target, err := relTarget(i, 1)
		if err != nil {
			return err
		}
		word, err := eb.DataWord(target)
		if err != nil {
			return err
		}
		setReg(ctx, dstReg(i), word)

	case inst.T_LDR_PC:
		// After rule 16 ("t-ldr-pci") runs transform.ThumbLDRpciTransform,
		// the operand that named PC has been rewritten to a concrete
		// temp register, but Op is left as T_LDR_PC (only the operand
		// changed, not the opcode) — so this stays base-register-relative
		// like LDR_SP rather than PC-relative like LDR_PC.
		base := getReg(ctx, srcReg(i, 1))
		word, err := eb.DataWord(dataAddr(base) + uint64(i.Operands[2].Imm))
		if err != nil {
			return err
		}
		setReg(ctx, dstReg(i), word)

	case inst.STR_SP:
		if !i.Resolved {
			return eb.SetDataWord(dataAddr(ctx.GPR.SP)+uint64(i.Operands[1].Imm), getReg(ctx, dstReg(i)))
		}
		target, err := relTarget(i, 1)
		if err != nil {
			return err
		}
		return eb.SetDataWord(target, getReg(ctx, dstReg(i)))

	case inst.LDR_FPR_BLOCK:
		target, err := relTarget(i, 0)
		if err != nil {
			return err
		}
		for idx := range ctx.FPR.S {
			word, err := eb.DataWord(target + uint64(idx)*4)
			if err != nil {
				return err
			}
			ctx.FPR.S[idx] = word
		}

	case inst.STR_FPR_BLOCK:
		target, err := relTarget(i, 0)
		if err != nil {
			return err
		}
		for idx, word := range ctx.FPR.S {
			if err := eb.SetDataWord(target+uint64(idx)*4, word); err != nil {
				return err
			}
		}

	case inst.MOV_REG, inst.MOVCC_REG:
		setReg(ctx, dstReg(i), getReg(ctx, srcReg(i, 1)))

	case inst.ADD_IMM:
		setReg(ctx, dstReg(i), uint32(int64(getReg(ctx, srcReg(i, 1)))+i.Operands[2].Imm))

	case inst.SUB_IMM:
		setReg(ctx, dstReg(i), uint32(int64(getReg(ctx, srcReg(i, 1)))-i.Operands[2].Imm))

	case inst.CMP_IMM:
		diff := int64(getReg(ctx, srcReg(i, 0))) - i.Operands[1].Imm
		setFlag(ctx, cpsrZ, diff == 0)

	case inst.MRS_CPSR:
		setReg(ctx, dstReg(i), ctx.GPR.CPSR)

	case inst.MSR_CPSR:
		ctx.GPR.CPSR = getReg(ctx, dstReg(i))

	case inst.BX, inst.T_BX:
		ctx.GPR.PC = getReg(ctx, dstReg(i))

	case inst.PUSH:
		for idx := len(i.Operands) - 1; idx >= 0; idx-- {
			ctx.GPR.SP -= 4
			if err := eb.SetDataWord(dataAddr(ctx.GPR.SP), getReg(ctx, cpu.Reg(i.Operands[idx].Reg))); err != nil {
				return err
			}
		}

	case inst.POP:
		for _, op := range i.Operands {
			word, err := eb.DataWord(dataAddr(ctx.GPR.SP))
			if err != nil {
				return err
			}
			setReg(ctx, cpu.Reg(op.Reg), word)
			ctx.GPR.SP += 4
		}

	default:
		return fmt.Errorf("interp: unimplemented opcode %d (%s)", i.Op, inst.Name(i.Op))
	}
	return nil
}

// condHolds reports whether c is satisfied by ctx's current stored flags.
func condHolds(ctx *cpu.ContextBlock, c inst.Cond) bool {
	switch c {
	case inst.CondAL:
		return true
	case inst.CondEQ:
		return ctx.GPR.CPSR&cpsrZ != 0
	case inst.CondNE:
		return ctx.GPR.CPSR&cpsrZ == 0
	default:
		return true
	}
}

func setFlag(ctx *cpu.ContextBlock, bit uint32, set bool) {
	if set {
		ctx.GPR.CPSR |= bit
	} else {
		ctx.GPR.CPSR &^= bit
	}
}

// relTarget resolves the PC-relative address a relocated carrier's operand
// opn encodes, inverting the exact formula pkg/reloc's relocPCRelative
// applied when the carrier was built (spec.md §4.1): ARM folds in the
// architectural PC = address+8; Thumb folds in address+4 rounded down to a
// 4-byte boundary. i.Address is the logical address execblock.Emit froze
// in at relocation time — by the time Step runs, eb's own CurrentPC has
// moved on to wherever emission finished, so the instruction must carry
// its own address rather than ask eb for it. Every data/shadow/
// epilogue-referencing carrier in this pipeline reaches Step with
// i.Resolved set by relocPCRelative, so callers only invoke relTarget once
// they've already checked that flag; none of them ever lands in
// relocPCRelative's "operand still names REG_PC" branch either — that
// branch only matters for a hypothetical carrier this pipeline never
// constructs.
func relTarget(i inst.Instruction, opn int) (uint64, error) {
	if opn < 0 || opn >= len(i.Operands) {
		return 0, fmt.Errorf("interp: operand %d out of range for %s", opn, inst.Name(i.Op))
	}
	imm := i.Operands[opn].Imm
	if !i.Thumb {
		return uint64(int64(i.Address) + 8 + imm), nil
	}
	pcBase := (i.Address + 4) &^ 3
	return uint64(int64(pcBase) + imm), nil
}

// dataAddr maps a guest stack-pointer-relative value into the exec block's
// data-region addressing scheme. The guest stack lives inside the same
// mmap'd data page as the context block and shadow arena (spec.md §4.9: the
// prologue repoints SP at a fixed offset inside the data block), so a
// stored SP value already is a valid DataWord address.
func dataAddr(sp uint32) uint64 { return uint64(sp) }

func dstReg(i inst.Instruction) cpu.Reg { return cpu.Reg(i.Operands[0].Reg) }

func srcReg(i inst.Instruction, opn int) cpu.Reg { return cpu.Reg(i.Operands[opn].Reg) }

// getReg/setReg translate between cpu.Reg indices and cpu.GPRState's named
// fields (spec.md §6's context-block layout has no register array to index
// into directly).
func getReg(ctx *cpu.ContextBlock, r cpu.Reg) uint32 {
	switch r {
	case cpu.R0:
		return ctx.GPR.R0
	case cpu.R1:
		return ctx.GPR.R1
	case cpu.R2:
		return ctx.GPR.R2
	case cpu.R3:
		return ctx.GPR.R3
	case cpu.R4:
		return ctx.GPR.R4
	case cpu.R5:
		return ctx.GPR.R5
	case cpu.R6:
		return ctx.GPR.R6
	case cpu.R7:
		return ctx.GPR.R7
	case cpu.R8:
		return ctx.GPR.R8
	case cpu.R9:
		return ctx.GPR.R9
	case cpu.R10:
		return ctx.GPR.R10
	case cpu.R11:
		return ctx.GPR.R11
	case cpu.R12:
		return ctx.GPR.R12
	case cpu.SP:
		return ctx.GPR.SP
	case cpu.LR:
		return ctx.GPR.LR
	case cpu.PC:
		return ctx.GPR.PC
	default:
		return 0
	}
}

func setReg(ctx *cpu.ContextBlock, r cpu.Reg, v uint32) {
	switch r {
	case cpu.R0:
		ctx.GPR.R0 = v
	case cpu.R1:
		ctx.GPR.R1 = v
	case cpu.R2:
		ctx.GPR.R2 = v
	case cpu.R3:
		ctx.GPR.R3 = v
	case cpu.R4:
		ctx.GPR.R4 = v
	case cpu.R5:
		ctx.GPR.R5 = v
	case cpu.R6:
		ctx.GPR.R6 = v
	case cpu.R7:
		ctx.GPR.R7 = v
	case cpu.R8:
		ctx.GPR.R8 = v
	case cpu.R9:
		ctx.GPR.R9 = v
	case cpu.R10:
		ctx.GPR.R10 = v
	case cpu.R11:
		ctx.GPR.R11 = v
	case cpu.R12:
		ctx.GPR.R12 = v
	case cpu.SP:
		ctx.GPR.SP = v
	case cpu.LR:
		ctx.GPR.LR = v
	case cpu.PC:
		ctx.GPR.PC = v
	}
}
