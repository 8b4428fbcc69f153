package execblock

import (
	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
	"armpatch/pkg/reloc"
)

// Prologue returns the fixed relocatable sequence spec.md §4.9 runs on
// every entry into an exec block. The host-frame bookkeeping spec.md
// describes as steps 1-3 ("save host LR/SP/FP, repoint SP at the data
// block") has no relocatable form in this IR: this implementation never
// gives guest code a literal host stack pointer to repoint, that bookkeeping
// is ordinary Go call-stack behavior inside pkg/vm's dispatcher. Only the
// guest-visible steps 4-7 are emitted.
func (eb *MMapExecBlock) Prologue() []reloc.Relocatable {
	var seq []reloc.Relocatable

	// 4. Restore all guest FPRs from context, one block move.
	seq = append(seq, reloc.DataBlockRel(
		inst.Instruction{Op: inst.LDR_FPR_BLOCK, Operands: []inst.Operand{inst.ImmOperand(0)}},
		0, cpu.Offset(cpu.FieldFPR),
	))

	// 5. Restore guest CPSR from context via the scratch register.
	seq = append(seq, reloc.DataBlockRel(
		inst.Instruction{Op: inst.LDR_SP, Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(eb.scratch)), inst.ImmOperand(0),
		}},
		1, cpu.Offset(cpu.FieldCPSR),
	))
	seq = append(seq, reloc.NoReloc(inst.Instruction{
		Op:       inst.MSR_CPSR,
		Operands: []inst.Operand{inst.RegOperand(inst.Reg(eb.scratch))},
	}))

	// 6. Restore R0..R12, SP, LR from context (PC is handled by step 7's
	// jump, not restored here).
	for _, r := range []cpu.Reg{
		cpu.R0, cpu.R1, cpu.R2, cpu.R3, cpu.R4, cpu.R5, cpu.R6,
		cpu.R7, cpu.R8, cpu.R9, cpu.R10, cpu.R11, cpu.R12, cpu.SP, cpu.LR,
	} {
		seq = append(seq, reloc.DataBlockRel(
			inst.Instruction{Op: inst.LDR_SP, Operands: []inst.Operand{
				inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
			}},
			1, cpu.GPROffset(r),
		))
	}

	// 7. Jump to context.host_state.selector, the address of the first
	// real guest instruction in this block.
	seq = append(seq, reloc.DataBlockRel(
		inst.Instruction{Op: inst.LDR_SP, Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(eb.scratch)), inst.ImmOperand(0),
		}},
		1, cpu.Offset(cpu.FieldHostSelector),
	))
	seq = append(seq, reloc.NoReloc(inst.Instruction{
		Op:       inst.BX,
		Operands: []inst.Operand{inst.RegOperand(inst.Reg(eb.scratch))},
	}))

	return seq
}

// Epilogue returns the fixed relocatable sequence spec.md §4.9 runs to
// leave an exec block and return control to the host. Like Prologue, it
// omits the pure host-frame steps (realign SP, restore host FP/SP); "pop
// host LR into PC" has no separate relocatable either: pkg/vm's dispatcher
// recognizes that execution reached EpilogueAddress and resumes from
// context.host_state.selector itself (the same slot break-to-host writes,
// spec.md §4.8 step 6).
func (eb *MMapExecBlock) Epilogue() []reloc.Relocatable {
	var seq []reloc.Relocatable

	// 1. Save guest GPRs except SP and PC.
	for _, r := range []cpu.Reg{
		cpu.R0, cpu.R1, cpu.R2, cpu.R3, cpu.R4, cpu.R5, cpu.R6,
		cpu.R7, cpu.R8, cpu.R9, cpu.R10, cpu.R11, cpu.R12, cpu.LR,
	} {
		seq = append(seq, reloc.DataBlockRel(
			inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
				inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
			}},
			1, cpu.GPROffset(r),
		))
	}

	// 3. Save FPRs, one block move.
	seq = append(seq, reloc.DataBlockRel(
		inst.Instruction{Op: inst.STR_FPR_BLOCK, Operands: []inst.Operand{inst.ImmOperand(0)}},
		0, cpu.Offset(cpu.FieldFPR),
	))

	// 4. Save CPSR via the scratch register.
	seq = append(seq, reloc.NoReloc(inst.Instruction{
		Op:       inst.MRS_CPSR,
		Operands: []inst.Operand{inst.RegOperand(inst.Reg(eb.scratch))},
	}))
	seq = append(seq, reloc.DataBlockRel(
		inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(eb.scratch)), inst.ImmOperand(0),
		}},
		1, cpu.Offset(cpu.FieldCPSR),
	))

	return seq
}

// Terminator returns the relocatable sequence that overwrites the stored PC
// with address, short-circuiting a basic block before its natural end
// (spec.md §4.9's closing paragraph). mode selects the ARM/Thumb
// PC-relative fixup rule used when this sequence is later relocated.
func (eb *MMapExecBlock) Terminator(address uint64, mode cpu.Mode) []reloc.Relocatable {
	load := inst.Instruction{
		Op:    inst.MOV_IMM,
		Thumb: mode == cpu.Thumb,
		Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(eb.scratch)), inst.ImmOperand(0),
		},
	}
	store := inst.Instruction{
		Op:    inst.STR_SP,
		Thumb: mode == cpu.Thumb,
		Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(eb.scratch)), inst.ImmOperand(0),
		},
	}
	return []reloc.Relocatable{
		reloc.MemoryConstant(load, 1, uint32(address)),
		reloc.DataBlockRel(store, 1, cpu.Offset(cpu.FieldPC)),
	}
}
