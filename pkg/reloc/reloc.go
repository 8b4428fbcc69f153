// Package reloc implements the relocatable-instruction carrier objects of
// spec.md §4.1: machine instructions whose operands are resolved only at
// exec-block placement time. Grounded on the teacher's result.Rule as "the
// thing the pipeline eventually produces and the consumer replays", but the
// actual variant set and PC-relocation arithmetic come straight from
// spec.md §4.1 (there is no Z80 analogue to PC-relative addressing
// relocation — Z80 has no PC-relative operand forms at all).
package reloc

import (
	"fmt"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

// ShadowID names a 4-byte slot allocated in an exec-block's data region.
type ShadowID int32

// ExecBlock is the external capability set spec.md §6 requires relocation
// to have. Declared here (rather than in a separate package) so that
// pkg/execblock can depend on pkg/reloc for the Relocatable type without
// creating an import cycle: pkg/reloc never needs to import pkg/execblock,
// only this interface.
type ExecBlock interface {
	NewShadow() (ShadowID, error)
	SetShadow(id ShadowID, value uint32)
	ShadowOffset(id ShadowID) int32
	DataBlockOffset() int32
	EpilogueOffset() int32
	CurrentPC() uint64
	ScratchRegister() cpu.Reg
	NextInstID() uint64
}

// Relocatable wraps a decoded instruction and exposes Reloc, which must
// return an instruction ready for direct assembly into the exec-block code
// region (spec.md §4.1).
type Relocatable interface {
	Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error)
	// UsedRegisters reports every register this relocatable touches after
	// notional relocation, so the enclosing patch can arrange saves and
	// restores (spec.md §4.1, "Register-use query").
	UsedRegisters() []cpu.Reg
}

// defaultUsedRegisters is the shared fallback spec.md §4.1 describes:
// "The default implementation collects every register operand of
// reloc(...)". Every variant uses it on its stored, unrelocated
// instruction, so the scratch register that dataBlockRel's Thumb branch
// substitutes for REG_PC is not reported (REG_PC is reported instead).
func defaultUsedRegisters(i inst.Instruction) []cpu.Reg {
	var regs []cpu.Reg
	for _, op := range i.Operands {
		if op.Kind == inst.OperandReg {
			regs = append(regs, cpu.Reg(op.Reg))
		}
	}
	return regs
}

// noReloc returns the stored instruction verbatim.
type noReloc struct{ inst inst.Instruction }

// NoReloc wraps an opaque copy of i: no relocation is needed, it is
// assembled byte-for-byte as decoded.
func NoReloc(i inst.Instruction) Relocatable { return noReloc{i} }

func (r noReloc) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) { return r.inst, nil }
func (r noReloc) UsedRegisters() []cpu.Reg                                   { return defaultUsedRegisters(r.inst) }

// dataBlockRel fixes up operand Opn so it addresses byte offset Off inside
// the exec-block's data region (spec.md §4.1).
type dataBlockRel struct {
	inst inst.Instruction
	opn  int
	off  int32
}

// DataBlockRel builds a relocatable that rewrites operand opn of i to
// address off bytes into the exec-block's data region.
func DataBlockRel(i inst.Instruction, opn int, off int32) Relocatable {
	return dataBlockRel{inst: i, opn: opn, off: off}
}

func (r dataBlockRel) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	out := r.inst.Clone()
	return relocPCRelative(out, r.opn, r.off, eb.DataBlockOffset(), eb, mode)
}

func (r dataBlockRel) UsedRegisters() []cpu.Reg {
	regs := defaultUsedRegisters(r.inst)
	return regs
}

// relocPCRelative implements the shared ARM/Thumb PC-relative fixup rule
// spec.md §4.1 specifies for DataBlockRel (and, with a different base, for
// EpilogueRel): in ARM the operand becomes off+base-8 (the -8 compensates
// for ARM's PC == current+8 addressing); in Thumb, if the instruction still
// names REG_PC, that operand is rewritten to the exec block's scratch
// register (expected to already hold the PC base); off is not applied and
// no other operand is changed in that case. Otherwise the immediate becomes
// off+base+(PC mod 4)-4 (Thumb PC-relative rounds down to a 4-byte
// boundary).
func relocPCRelative(out inst.Instruction, opn int, off, base int32, eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	if opn < 0 || opn >= len(out.Operands) {
		return out, fmt.Errorf("reloc: operand index %d out of range (have %d operands)", opn, len(out.Operands))
	}
	if mode == cpu.ARM {
		out.Operands[opn] = inst.ImmOperand(int64(off) + int64(base) - 8)
		out.Resolved = true
		return out, nil
	}
	// Thumb.
	if out.Operands[opn].Kind == inst.OperandReg && out.Operands[opn].Reg == inst.Reg(cpu.PC) {
		out.Operands[opn] = inst.RegOperand(inst.Reg(eb.ScratchRegister()))
		return out, nil
	}
	pc := int64(eb.CurrentPC())
	out.Operands[opn] = inst.ImmOperand(int64(off) + int64(base) + (pc % 4) - 4)
	out.Resolved = true
	out.Thumb = true
	return out, nil
}

// memoryConstant allocates a fresh shadow word in the exec block, stores
// Value there, and rewrites operand Opn with the PC-relative displacement
// to that shadow word, using the same ARM/Thumb rule as DataBlockRel.
type memoryConstant struct {
	inst  inst.Instruction
	opn   int
	value uint32
}

// MemoryConstant builds a relocatable that materializes value in a fresh
// shadow word and points operand opn at it.
func MemoryConstant(i inst.Instruction, opn int, value uint32) Relocatable {
	return memoryConstant{inst: i, opn: opn, value: value}
}

func (r memoryConstant) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	id, err := eb.NewShadow()
	if err != nil {
		return inst.Instruction{}, fmt.Errorf("reloc: memory constant: %w", err)
	}
	eb.SetShadow(id, r.value)
	out := r.inst.Clone()
	// ShadowOffset(id) is already a full PC-relative displacement to the
	// shadow word itself (unlike DataBlockRel's off, a plain intra-region
	// byte offset), so it is relocPCRelative's entire base; there is no
	// separate region start to add on top of it.
	return relocPCRelative(out, r.opn, 0, eb.ShadowOffset(id), eb, mode)
}

func (r memoryConstant) UsedRegisters() []cpu.Reg { return defaultUsedRegisters(r.inst) }

// epilogueRel is like dataBlockRel but the base address is the exec
// block's epilogue offset rather than its data block.
type epilogueRel struct {
	inst inst.Instruction
	opn  int
	off  int32
}

// EpilogueRel builds a relocatable that rewrites operand opn of i to
// address off bytes past the exec-block epilogue.
func EpilogueRel(i inst.Instruction, opn int, off int32) Relocatable {
	return epilogueRel{inst: i, opn: opn, off: off}
}

func (r epilogueRel) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	out := r.inst.Clone()
	return relocPCRelative(out, r.opn, r.off, eb.EpilogueOffset(), eb, mode)
}

func (r epilogueRel) UsedRegisters() []cpu.Reg { return defaultUsedRegisters(r.inst) }

// hostPCRel allocates a shadow word containing off+currentPC and rewrites
// operand Opn to reference it.
type hostPCRel struct {
	inst inst.Instruction
	opn  int
	off  int64
}

// HostPCRel builds a relocatable that materializes (host-visible PC + off)
// as a shadow constant and points operand opn at it.
func HostPCRel(i inst.Instruction, opn int, off int64) Relocatable {
	return hostPCRel{inst: i, opn: opn, off: off}
}

func (r hostPCRel) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	value := uint32(int64(eb.CurrentPC()) + r.off)
	return MemoryConstant(r.inst, r.opn, value).Reloc(eb, mode)
}

func (r hostPCRel) UsedRegisters() []cpu.Reg { return defaultUsedRegisters(r.inst) }

// instID allocates a shadow word containing the engine's current
// monotonically increasing instruction id and rewrites operand Opn to
// reference it.
type instID struct {
	inst inst.Instruction
	opn  int
}

// InstID builds a relocatable that materializes the engine's current
// instruction id as a shadow constant.
func InstID(i inst.Instruction, opn int) Relocatable { return instID{inst: i, opn: opn} }

func (r instID) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	value := uint32(eb.NextInstID())
	return MemoryConstant(r.inst, r.opn, value).Reloc(eb, mode)
}

func (r instID) UsedRegisters() []cpu.Reg { return defaultUsedRegisters(r.inst) }

// adjustPCAlign adds (currentPC mod 4) to the immediate at operand Opn in
// Thumb; no-op in ARM.
type adjustPCAlign struct {
	inst inst.Instruction
	opn  int
}

// AdjustPCAlign builds a relocatable that corrects a Thumb immediate for
// PC 4-byte rounding.
func AdjustPCAlign(i inst.Instruction, opn int) Relocatable { return adjustPCAlign{inst: i, opn: opn} }

func (r adjustPCAlign) Reloc(eb ExecBlock, mode cpu.Mode) (inst.Instruction, error) {
	out := r.inst.Clone()
	if mode != cpu.Thumb {
		return out, nil
	}
	if r.opn < 0 || r.opn >= len(out.Operands) {
		return out, fmt.Errorf("reloc: operand index %d out of range", r.opn)
	}
	pc := int64(eb.CurrentPC())
	out.Operands[r.opn] = inst.ImmOperand(out.Operands[r.opn].Imm + pc%4)
	out.Resolved = true
	out.Thumb = true
	return out, nil
}

func (r adjustPCAlign) UsedRegisters() []cpu.Reg { return defaultUsedRegisters(r.inst) }
