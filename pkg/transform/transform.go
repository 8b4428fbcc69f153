// Package transform implements the primitive, composable edits on a
// decoded instruction spec.md §4.3 names. Grounded on the teacher's
// pkg/stoke/mutator.go discipline of "always return a new slice/value,
// never mutate the input" (its copySeq helper), generalized from whole-
// sequence mutation to single-instruction, single-operand edits.
package transform

import (
	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
	"armpatch/pkg/temp"
)

// Transform is one primitive edit. Implementations must not mutate the
// instruction passed to them by reference beyond the copy Apply hands
// them; Apply is the single place a copy is made (spec.md §9).
type Transform interface {
	apply(i *inst.Instruction, tm *temp.Manager)
}

// Apply clones in once, applies each transform left-to-right to the clone
// (spec.md §4.3's ordering rule), and returns the result. The source
// instruction held by the decoder is never touched.
func Apply(in inst.Instruction, transforms []Transform, tm *temp.Manager) inst.Instruction {
	out := in.Clone()
	for _, t := range transforms {
		t.apply(&out, tm)
	}
	return out
}

// operandValue is a small closed sum describing what SetOperand/AddOperand
// write: a temp handle, a concrete register, or an immediate.
type operandValue struct {
	isTemp bool
	isReg  bool
	temp   temp.Handle
	reg    cpu.Reg
	imm    int64
}

func FromTemp(h temp.Handle) operandValue { return operandValue{isTemp: true, temp: h} }
func FromReg(r cpu.Reg) operandValue      { return operandValue{isReg: true, reg: r} }
func FromImm(v int64) operandValue        { return operandValue{imm: v} }

func (v operandValue) resolve(tm *temp.Manager) inst.Operand {
	switch {
	case v.isTemp:
		return inst.RegOperand(inst.Reg(tm.Get(v.temp)))
	case v.isReg:
		return inst.RegOperand(inst.Reg(v.reg))
	default:
		return inst.ImmOperand(v.imm)
	}
}

// setOperand overwrites an existing operand.
type setOperand struct {
	opn   int
	value operandValue
}

// SetOperand overwrites operand opn with value (a temp, register, or
// immediate).
func SetOperand(opn int, value operandValue) Transform { return setOperand{opn, value} }

func (t setOperand) apply(i *inst.Instruction, tm *temp.Manager) {
	i.Operands[t.opn] = t.value.resolve(tm)
}

// addOperand inserts a new operand at a position.
type addOperand struct {
	opn   int
	value operandValue
}

// AddOperand inserts value at position opn, shifting later operands right.
func AddOperand(opn int, value operandValue) Transform { return addOperand{opn, value} }

func (t addOperand) apply(i *inst.Instruction, tm *temp.Manager) {
	op := t.value.resolve(tm)
	i.Operands = append(i.Operands, inst.Operand{})
	copy(i.Operands[t.opn+1:], i.Operands[t.opn:])
	i.Operands[t.opn] = op
}

// removeOperand erases the first operand naming a given register.
type removeOperand struct{ reg cpu.Reg }

// RemoveOperand erases the first operand whose register equals reg
// (spec.md §4.3 — used by rule 12/13 to drop PC from an LDM/POP reglist).
func RemoveOperand(reg cpu.Reg) Transform { return removeOperand{reg} }

func (t removeOperand) apply(i *inst.Instruction, tm *temp.Manager) {
	idx := i.RegOperandIndex(inst.Reg(t.reg))
	if idx < 0 {
		return
	}
	i.Operands = append(i.Operands[:idx], i.Operands[idx+1:]...)
}

// substituteWithTemp replaces every occurrence of a register operand with
// a temp's concrete register.
type substituteWithTemp struct {
	reg  cpu.Reg
	hndl temp.Handle
}

// SubstituteWithTemp replaces every operand naming reg with handle's
// concrete register.
func SubstituteWithTemp(reg cpu.Reg, h temp.Handle) Transform {
	return substituteWithTemp{reg: reg, hndl: h}
}

func (t substituteWithTemp) apply(i *inst.Instruction, tm *temp.Manager) {
	replacement := tm.Get(t.hndl)
	for idx, op := range i.Operands {
		if op.Kind == inst.OperandReg && cpu.Reg(op.Reg) == t.reg {
			i.Operands[idx] = inst.RegOperand(inst.Reg(replacement))
		}
	}
}

// setOpcode replaces the opcode outright (used by rule 8 to rewrite
// BX_RET/MOVPCLR into a two-operand MOVcc, spec.md §4.6).
type setOpcode struct{ op inst.OpCode }

// SetOpcode replaces the instruction's opcode.
func SetOpcode(op inst.OpCode) Transform { return setOpcode{op} }

func (t setOpcode) apply(i *inst.Instruction, tm *temp.Manager) { i.Op = t.op }

// thumbLDRpciTransform replaces the PC operand of a Thumb-1 "LDR Rd, [PC,
// off]" with the temp's register (spec.md §4.3, §4.6 rule 16). The opcode
// stays T_LDR_PC and the other operands are unchanged; no separate
// Thumb-2 LDRi12 opcode is produced.
type thumbLDRpciTransform struct{ base temp.Handle }

// ThumbLDRpciTransform rewrites a tLDRpci instruction so its base register
// is the concrete register behind h instead of PC.
func ThumbLDRpciTransform(h temp.Handle) Transform { return thumbLDRpciTransform{h} }

func (t thumbLDRpciTransform) apply(i *inst.Instruction, tm *temp.Manager) {
	base := tm.Get(t.base)
	pcIdx := i.RegOperandIndex(inst.Reg(cpu.PC))
	if pcIdx < 0 {
		return
	}
	i.Operands[pcIdx] = inst.RegOperand(inst.Reg(base))
}
