package inst

import "armpatch/pkg/cpu"

// Info holds static metadata for an opcode: everything the instruction-info
// provider contract (spec.md §6) needs to expose, plus enough to drive the
// reference interpreter in pkg/interp. Grounded on the teacher's
// pkg/inst/catalog.go Info{Mnemonic, Bytes, TStates}, generalized from a Z80
// opcode's fixed encoding bytes to an ARM/Thumb opcode's implicit
// register-use/def sets and memory-access shape.
type Info struct {
	Mnemonic      string
	ImplicitUse   cpu.RegMask
	ImplicitDef   cpu.RegMask
	ReadsMemory   bool
	WritesMemory  bool
	AccessSize    uint8 // bytes; 0 if no memory access
	IsStackAccess bool  // base register is SP
}

// Catalog maps each OpCode to its Info. Populated in init() rather than as
// a const-indexed array literal because several entries reference cpu.Reg
// constants that must be combined with cpu.MaskOf.
var Catalog = map[OpCode]Info{}

// Opcodes covering exactly the ARM/Thumb subset the patch rule table
// (pkg/rule) and the reference interpreter (pkg/interp) need: enough to
// implement every rule in spec.md §4.6 and drive the six scenarios in
// spec.md §8. This is a deliberately partial ISA subset, not a full
// ARM/Thumb decoder — the real decoder is an external collaborator per
// spec.md §1.
const (
	NOP OpCode = iota

	// Data processing, no PC involvement.
	MOV_IMM   // MOV Rd, #imm
	MOV_REG   // MOV Rd, Rm
	MOVCC_REG // MOVcc Rd, Rm (condition in Instruction.Cond)
	ADD_IMM   // ADD Rd, Rn, #imm
	SUB_IMM   // SUB Rd, Rn, #imm
	CMP_IMM   // CMP Rn, #imm

	// Indirect branches / returns.
	BX      // BX Rm (ARM)
	T_BX    // tBX Rm (Thumb)
	BLX_REG // BLX Rn (ARM, register form)
	BX_RET  // MOV PC, LR / MOVcc PC, LR ("BX_RET"/"MOVPCLR" per spec.md §4.6 rule 8)

	// Direct branch-and-link.
	BL_IMM  // BL #imm (ARM)
	BLX_IMM // BLX #imm (ARM, immediate form, switches to Thumb)
	T_BL    // tBL #imm (Thumb)
	T_BLX   // tBLX #imm (Thumb, immediate form)

	// Direct branches.
	B_IMM   // B #imm (ARM, unconditional)
	BCC_IMM // Bcc #imm (ARM, conditional, Instruction.Cond set)
	T_B     // tB #imm (Thumb-16, unconditional)
	T2_B    // t2B #imm (Thumb-32, unconditional)
	T_BCC   // tBcc #imm (Thumb, conditional)
	T_CBZ   // tCBZ Rn, #imm
	T_CBNZ  // tCBNZ Rn, #imm

	// PC-as-destination / PC-as-source instructions (rules 14, 15, 16).
	LDM_PC      // LDMIA Rn!, {reglist..., PC} (ARM)
	T_POP_PC    // tPOP {reglist..., PC} (Thumb)
	ADD_PC_DST  // ADD PC, Rn, Rm -- generic "PC is destination operand 0" example
	MOV_FROM_PC // MOV Rd, PC     -- generic "instruction uses PC as a source" example
	LDR_PC      // LDR Rd, [PC, #imm] (ARM literal load)
	T_LDR_PC    // tLDRpci: LDR Rd, [PC, #imm] (Thumb-1 literal load)

	// Plain stack/memory ops used by scenario tests and by IsStackRead/
	// IsStackWrite/DoesReadAccess/DoesWriteAccess condition tests.
	LDR_SP // LDR Rd, [SP, #imm]
	STR_SP // STR Rd, [SP, #imm]
	PUSH   // PUSH {reglist} (no PC)
	POP    // POP {reglist} (no PC)

	// Prologue/epilogue-only pseudo-ops (spec.md §4.9). These never appear
	// in decoded guest code or in a rule's generated patch body; they are
	// the fixed machinery pkg/execblock emits around every exec-block
	// entry/exit.
	LDR_FPR_BLOCK // restore all 32 FPR words from the context block in one step
	STR_FPR_BLOCK // save all 32 FPR words to the context block in one step
	MRS_CPSR      // Rd <- real CPSR (read into a transit GPR)
	MSR_CPSR      // real CPSR <- Rd (write from a transit GPR)
)

func implicit(use, def cpu.RegMask, reads, writes bool, size uint8, stack bool, mnemonic string) Info {
	return Info{
		Mnemonic:      mnemonic,
		ImplicitUse:   use,
		ImplicitDef:   def,
		ReadsMemory:   reads,
		WritesMemory:  writes,
		AccessSize:    size,
		IsStackAccess: stack,
	}
}

func init() {
	Catalog[NOP] = implicit(0, 0, false, false, 0, false, "NOP")
	Catalog[MOV_IMM] = implicit(0, 0, false, false, 0, false, "MOV")
	Catalog[MOV_REG] = implicit(0, 0, false, false, 0, false, "MOV")
	Catalog[MOVCC_REG] = implicit(0, 0, false, false, 0, false, "MOVcc")
	Catalog[ADD_IMM] = implicit(0, 0, false, false, 0, false, "ADD")
	Catalog[SUB_IMM] = implicit(0, 0, false, false, 0, false, "SUB")
	Catalog[CMP_IMM] = implicit(0, 0, false, false, 0, false, "CMP")

	Catalog[BX] = implicit(0, 0, false, false, 0, false, "BX")
	Catalog[T_BX] = implicit(0, 0, false, false, 0, false, "tBX")
	Catalog[BLX_REG] = implicit(0, cpu.MaskOf(cpu.LR), false, false, 0, false, "BLX")
	Catalog[BX_RET] = implicit(cpu.MaskOf(cpu.LR), 0, false, false, 0, false, "BX_RET")

	Catalog[BL_IMM] = implicit(0, cpu.MaskOf(cpu.LR), false, false, 0, false, "BL")
	Catalog[BLX_IMM] = implicit(0, cpu.MaskOf(cpu.LR), false, false, 0, false, "BLX")
	Catalog[T_BL] = implicit(0, cpu.MaskOf(cpu.LR), false, false, 0, false, "tBL")
	Catalog[T_BLX] = implicit(0, cpu.MaskOf(cpu.LR), false, false, 0, false, "tBLX")

	Catalog[B_IMM] = implicit(0, 0, false, false, 0, false, "B")
	Catalog[BCC_IMM] = implicit(0, 0, false, false, 0, false, "Bcc")
	Catalog[T_B] = implicit(0, 0, false, false, 0, false, "tB")
	Catalog[T2_B] = implicit(0, 0, false, false, 0, false, "t2B")
	Catalog[T_BCC] = implicit(0, 0, false, false, 0, false, "tBcc")
	Catalog[T_CBZ] = implicit(0, 0, false, false, 0, false, "tCBZ")
	Catalog[T_CBNZ] = implicit(0, 0, false, false, 0, false, "tCBNZ")

	Catalog[LDM_PC] = implicit(0, 0, true, false, 4, false, "LDMIA")
	Catalog[T_POP_PC] = implicit(cpu.MaskOf(cpu.SP), cpu.MaskOf(cpu.SP), true, false, 4, true, "tPOP")
	Catalog[ADD_PC_DST] = implicit(cpu.MaskOf(cpu.PC), 0, false, false, 0, false, "ADD")
	Catalog[MOV_FROM_PC] = implicit(cpu.MaskOf(cpu.PC), 0, false, false, 0, false, "MOV")
	Catalog[LDR_PC] = implicit(cpu.MaskOf(cpu.PC), 0, true, false, 4, false, "LDR")
	Catalog[T_LDR_PC] = implicit(cpu.MaskOf(cpu.PC), 0, true, false, 4, false, "LDR")

	Catalog[LDR_SP] = implicit(cpu.MaskOf(cpu.SP), 0, true, false, 4, true, "LDR")
	Catalog[STR_SP] = implicit(cpu.MaskOf(cpu.SP), 0, false, true, 4, true, "STR")
	Catalog[PUSH] = implicit(cpu.MaskOf(cpu.SP), cpu.MaskOf(cpu.SP), false, true, 4, true, "PUSH")
	Catalog[POP] = implicit(cpu.MaskOf(cpu.SP), cpu.MaskOf(cpu.SP), true, false, 4, true, "POP")

	Catalog[LDR_FPR_BLOCK] = implicit(0, 0, true, false, 4*32, false, "LDR_FPR_BLOCK")
	Catalog[STR_FPR_BLOCK] = implicit(0, 0, false, true, 4*32, false, "STR_FPR_BLOCK")
	Catalog[MRS_CPSR] = implicit(0, 0, false, false, 0, false, "MRS")
	Catalog[MSR_CPSR] = implicit(0, 0, false, false, 0, false, "MSR")
}

// Name returns the provider's mnemonic string for op (MII->getName in
// spec.md §6).
func Name(op OpCode) string { return Catalog[op].Mnemonic }

// AllOps returns every opcode in the catalog, in declaration order — used
// by pkg/rule's exhaustiveness fuzz test (testable property 1).
func AllOps() []OpCode {
	ops := make([]OpCode, 0, len(Catalog))
	for op := NOP; op <= MSR_CPSR; op++ {
		if _, ok := Catalog[op]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}
