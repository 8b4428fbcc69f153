// Package inst is the host-assembler's representation of a decoded guest
// instruction, as the patch pipeline sees it: an opcode id plus an ordered
// operand list. Grounded on the teacher's pkg/inst/instruction.go (the
// Z80 OpCode/Instruction pair), generalized from a single Imm field to an
// ordered operand list since ARM/Thumb instructions carry multiple
// register and immediate operands.
package inst

// OpCode is a compact identifier for a decoded ARM/Thumb instruction. It
// names the mnemonic/encoding, not the raw machine-code bits.
type OpCode uint16

// OperandKind distinguishes what an Operand holds.
type OperandKind uint8

const (
	OperandReg OperandKind = iota
	OperandImm
)

// Reg is the register representation used by operands; kept as a plain
// uint8 (rather than importing pkg/cpu) so pkg/inst has no dependency on
// CPU-mode semantics, only on register numbers.
type Reg = uint8

// Operand is one entry in a decoded instruction's operand list.
type Operand struct {
	Kind OperandKind
	Reg  Reg
	Imm  int64
}

// RegOperand builds a register operand.
func RegOperand(r Reg) Operand { return Operand{Kind: OperandReg, Reg: r} }

// ImmOperand builds an immediate operand.
func ImmOperand(v int64) Operand { return Operand{Kind: OperandImm, Imm: v} }

// Cond is an ARM condition-code field (4 bits); CondAL means "always",
// i.e. the instruction is architecturally unconditional.
type Cond uint8

// Condition tags the rule table and reference interpreter actually need.
// CondAL is deliberately the zero value: an Instruction literal that never
// sets Cond (the overwhelming majority of carriers built by pkg/generator
// and pkg/execblock) must default to "always executes", not to some
// arbitrary flag test. This is an internal tag set, not the real ARM
// condition-field encoding — there is no assembler stage in this pipeline
// for it to need to match (spec.md §1).
const (
	CondAL Cond = iota // "always" — the zero value
	CondEQ
	CondNE
)

// Instruction is the decoded instruction the patch pipeline operates on.
// Treated as mutable inside the pipeline but always copied before mutation
// (Clone) so the source decode is never disturbed (spec.md §3, §9).
type Instruction struct {
	Op        OpCode
	Operands  []Operand
	Address   uint64
	Size      uint8 // 2 (Thumb-16), 4 (Thumb-32 or ARM)
	Thumb     bool
	Cond      Cond // CondAL unless the opcode is explicitly conditional
	Writeback bool // base-register writeback (e.g. LDMIA Rn!, POP)

	// Resolved marks an operand already rewritten by pkg/reloc's
	// PC-relative fixup (spec.md §4.1). A handful of opcodes carry two
	// distinct meanings depending on where they came from: MOV_IMM is
	// both the decoded guest "MOV Rd, #imm" (Resolved false, operand is a
	// literal value) and the internal "materialize a constant via a
	// relocated shadow-word load" carrier pkg/generator.GetConstant and
	// pkg/execblock's prologue/epilogue/terminator build (Resolved true,
	// operand is a PC-relative displacement to dereference); LDR_SP/
	// STR_SP are similarly both the decoded guest stack op (Resolved
	// false, SP-relative) and the context-block save/restore carrier
	// pkg/patch.SaveReg/RestoreReg build (Resolved true, data-block
	// relative). Only pkg/reloc ever sets this; decode never does.
	Resolved bool
}

// IsConditional reports whether the instruction only executes when its
// condition field holds (spec.md §4.6 rule 8, rule 9/10).
func (i Instruction) IsConditional() bool { return i.Cond != CondAL }

// Clone returns a deep copy safe to mutate.
func (i Instruction) Clone() Instruction {
	ops := make([]Operand, len(i.Operands))
	copy(ops, i.Operands)
	i.Operands = ops
	return i
}

// RegOperandIndex returns the operand index of the first operand that is a
// register equal to r, or -1.
func (i Instruction) RegOperandIndex(r Reg) int {
	for idx, op := range i.Operands {
		if op.Kind == OperandReg && op.Reg == r {
			return idx
		}
	}
	return -1
}

// UsesReg reports whether any operand names register r.
func (i Instruction) UsesReg(r Reg) bool {
	return i.RegOperandIndex(r) >= 0
}
