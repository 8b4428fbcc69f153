// Package generator implements the patch-generator pieces of spec.md §4.5:
// the building blocks a patch rule assembles into a Patch body. Grounded
// on the teacher's pkg/stoke (a sequence of small, composable operations
// over an instruction stream) and pkg/search/fingerprint.go's pattern of
// "produce a deterministic byte/word sequence from an instruction", here
// generalized from producing Z80 bytes to producing relocatable ARM/Thumb
// carrier objects.
package generator

import (
	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
	"armpatch/pkg/reloc"
	"armpatch/pkg/temp"
)

// GenContext bundles everything a Generator needs, per spec.md §4.5:
// "(inst, address, size, cpu_mode, temp_allocator, optional_merge_patch)".
type GenContext struct {
	Inst     inst.Instruction
	Address  uint64
	Size     uint8
	Mode     cpu.Mode
	Temps    *temp.Manager
	Provider inst.Provider
	// Merge holds a previously-produced patch body to splice in, when the
	// preceding rule's generator was DoNotInstrument (spec.md §4.5, §4.7).
	Merge []reloc.Relocatable
}

// Generator produces a patch body fragment.
type Generator interface {
	Generate(ctx GenContext) ([]reloc.Relocatable, error)
	// ModifiesPC reports whether this generator writes to the context's
	// stored PC slot (spec.md §4.5).
	ModifiesPC() bool
	// DoesNotInstrument reports whether this generator's output must be
	// emitted verbatim, skipping instrumentation (spec.md §4.5) — used to
	// splice an earlier patch in.
	DoesNotInstrument() bool
}

type baseGenerator struct {
	modifiesPC        bool
	doesNotInstrument bool
}

func (b baseGenerator) ModifiesPC() bool        { return b.modifiesPC }
func (b baseGenerator) DoesNotInstrument() bool { return b.doesNotInstrument }

// modifyInstruction applies a sequence of transforms to a copy of the
// decoded instruction and emits it as a NoReloc relocatable.
type modifyInstruction struct {
	baseGenerator
	transforms []transformApplier
}

// transformApplier decouples generator from the concrete transform.Apply
// signature so generator need not import pkg/transform (which itself
// imports pkg/temp and pkg/inst, same as this package) — kept as a plain
// function value for simplicity and to avoid a second Transform type.
type transformApplier func(inst.Instruction, *temp.Manager) inst.Instruction

// ModifyInstruction builds a generator that applies apply (typically
// transform.Apply partially bound to a transform list) to the context's
// instruction, then emits NoReloc of the result, prepending ctx.Merge if
// present.
func ModifyInstruction(apply func(inst.Instruction, *temp.Manager) inst.Instruction) Generator {
	return modifyInstruction{transforms: []transformApplier{apply}}
}

func (g modifyInstruction) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	out := ctx.Inst
	for _, apply := range g.transforms {
		out = apply(out, ctx.Temps)
	}
	body := append([]reloc.Relocatable{}, ctx.Merge...)
	return append(body, reloc.NoReloc(out)), nil
}

// GetPCOffset loads PC+k into a temp, where k is either a fixed constant
// or an instruction operand's immediate value.
type getPCOffset struct {
	baseGenerator
	dst    temp.Handle
	opn    int // when useOpn is set, read k from this operand; else use k
	k      int64
	useOpn bool
}

// GetPCOffset builds a generator that loads PC+k into dst (spec.md §4.5).
func GetPCOffset(dst temp.Handle, k int64) Generator {
	return getPCOffset{dst: dst, k: k}
}

// GetPCOffsetFromOperand is GetPCOffset where k is read from operand opn
// of the instruction at generate time.
func GetPCOffsetFromOperand(dst temp.Handle, opn int) Generator {
	return getPCOffset{dst: dst, opn: opn, useOpn: true}
}

func (g getPCOffset) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	k := g.k
	if g.useOpn {
		k = ctx.Inst.Operands[g.opn].Imm
	}
	r := ctx.Temps.Get(g.dst)
	loadTemp := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return []reloc.Relocatable{reloc.HostPCRel(loadTemp, 1, k)}, nil
}

// getPCOffsetNext loads PC+size (the address of the next static
// instruction) into a temp — the common "fallthrough" baseline rules 8-11
// and 14 establish before a conditional overwrite.
type getPCOffsetNext struct {
	baseGenerator
	dst temp.Handle
}

// GetPCOffsetNext builds a generator that loads current-instruction
// address + size into dst.
func GetPCOffsetNext(dst temp.Handle) Generator { return getPCOffsetNext{dst: dst} }

func (g getPCOffsetNext) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.dst)
	loadTemp := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return []reloc.Relocatable{reloc.HostPCRel(loadTemp, 1, int64(ctx.Size))}, nil
}

// getPCOffsetCond is GetPCOffsetFromOperand with a condition attached to
// the emitted load, so it only overwrites dst when that condition holds
// at execution time — the mechanism rules 8-11 use to express "stored PC
// keeps its fallthrough baseline unless the branch/test condition fires",
// without this package needing to encode real conditional machine
// branches (the assembler that would encode those is external, spec.md
// §1).
type getPCOffsetCond struct {
	baseGenerator
	dst         temp.Handle
	opn         int
	useInstCond bool
	fixed       inst.Cond
}

// GetPCOffsetFromOperandCond is GetPCOffsetFromOperand where the emitted
// load carries the generating instruction's own condition field, so it
// fires exactly when that instruction's condition does.
func GetPCOffsetFromOperandCond(dst temp.Handle, opn int) Generator {
	return getPCOffsetCond{dst: dst, opn: opn, useInstCond: true}
}

// GetPCOffsetFromOperandCondFixed is GetPCOffsetFromOperand where the
// emitted load carries a condition fixed at rule-authoring time, for
// instructions (like tCBZ/tCBNZ) whose branch condition isn't carried in
// Instruction.Cond.
func GetPCOffsetFromOperandCondFixed(dst temp.Handle, opn int, cond inst.Cond) Generator {
	return getPCOffsetCond{dst: dst, opn: opn, fixed: cond}
}

func (g getPCOffsetCond) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	cond := g.fixed
	if g.useInstCond {
		cond = ctx.Inst.Cond
	}
	k := ctx.Inst.Operands[g.opn].Imm
	r := ctx.Temps.Get(g.dst)
	loadTemp := inst.Instruction{Op: inst.MOV_IMM, Cond: cond, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return []reloc.Relocatable{reloc.HostPCRel(loadTemp, 1, k)}, nil
}

// GetConstant puts literal c into temp dst, via a shadow-word load.
type getConstant struct {
	baseGenerator
	dst temp.Handle
	c   uint32
}

// GetConstant builds a generator loading the literal c into dst.
func GetConstant(dst temp.Handle, c uint32) Generator { return getConstant{dst: dst, c: c} }

func (g getConstant) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.dst)
	loadTemp := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return []reloc.Relocatable{reloc.MemoryConstant(loadTemp, 1, g.c)}, nil
}

// GetInstID puts the engine's current instruction id into temp dst.
type getInstID struct {
	baseGenerator
	dst temp.Handle
}

// GetInstID builds a generator loading the engine's current instruction
// id into dst.
func GetInstID(dst temp.Handle) Generator { return getInstID{dst: dst} }

func (g getInstID) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.dst)
	loadTemp := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return []reloc.Relocatable{reloc.InstID(loadTemp, 1)}, nil
}

// GetOperand copies operand opn of the instruction into temp dst.
type getOperand struct {
	baseGenerator
	dst temp.Handle
	opn int
}

// GetOperand builds a generator copying operand opn into dst.
func GetOperand(dst temp.Handle, opn int) Generator { return getOperand{dst: dst, opn: opn} }

func (g getOperand) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.dst)
	op := ctx.Inst.Operands[g.opn]
	var mov inst.Instruction
	if op.Kind == inst.OperandReg {
		mov = inst.Instruction{Op: inst.MOV_REG, Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(r)), inst.RegOperand(op.Reg),
		}}
	} else {
		mov = inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
			inst.RegOperand(inst.Reg(r)), inst.ImmOperand(op.Imm),
		}}
	}
	return []reloc.Relocatable{reloc.NoReloc(mov)}, nil
}

// WriteTemp stores temp src into the context slot at byte offset off.
// Implies ModifiesPC when off is the stored-PC field's offset.
type writeTemp struct {
	baseGenerator
	src temp.Handle
	off int32
}

// WriteTemp builds a generator that stores src into the context-block
// slot at byte offset off (spec.md §4.5). Pass cpu.Offset(cpu.FieldPC) to
// set modifyPC.
func WriteTemp(src temp.Handle, off int32) Generator {
	return writeTemp{baseGenerator: baseGenerator{modifiesPC: off == cpu.Offset(cpu.FieldPC)}, src: src, off: off}
}

func (g writeTemp) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.src)
	str := inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return []reloc.Relocatable{reloc.DataBlockRel(str, 1, g.off)}, nil
}

// SimulateLink writes current_address+inst_size|T-bit into the stored LR.
type simulateLink struct {
	baseGenerator
	scratch temp.Handle
}

// SimulateLink builds a generator that stores the return address (with
// the Thumb bit set as appropriate) into the stored LR.
func SimulateLink(scratch temp.Handle) Generator { return simulateLink{scratch: scratch} }

func (g simulateLink) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	ret := ctx.Address + uint64(ctx.Size)
	if ctx.Mode == cpu.Thumb {
		ret |= 1
	}
	r := ctx.Temps.Get(g.scratch)
	loadTemp := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	load := reloc.MemoryConstant(loadTemp, 1, uint32(ret))
	store := inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	write := reloc.DataBlockRel(store, 1, cpu.Offset(cpu.FieldLR))
	return []reloc.Relocatable{load, write}, nil
}

// SimulateExchange updates the stored CPU-mode tag alongside the stored PC
// if temp's low bit indicates an ISA switch. The actual mode bit lives in
// the stored CPSR's T bit; this generator folds bit 0 of src into it.
type simulateExchange struct {
	baseGenerator
	src temp.Handle
}

// SimulateExchange builds a generator that updates the stored CPSR T-bit
// to match src's low bit (spec.md §4.5).
func SimulateExchange(src temp.Handle) Generator {
	return simulateExchange{baseGenerator: baseGenerator{modifiesPC: false}, src: src}
}

func (g simulateExchange) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.src)
	// Emitted as an opaque pass-through op naming the CPSR context-block
	// slot as a store target; the exec-block assembler is responsible for
	// the concrete AND/ORR/BFI sequence that folds bit 0 of r into the
	// stored CPSR's T bit (spec.md §1: the assembler is an external
	// collaborator).
	store := inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	write := reloc.DataBlockRel(store, 1, cpu.Offset(cpu.FieldCPSR))
	return []reloc.Relocatable{write}, nil
}

// SimulatePopPC pops one word off the stored SP into temp, then stores it
// into the stored PC.
type simulatePopPC struct {
	baseGenerator
	dst temp.Handle
}

// SimulatePopPC builds a generator that pops the top of the guest stack
// into dst and writes it to the stored PC.
func SimulatePopPC(dst temp.Handle) Generator {
	return simulatePopPC{baseGenerator: baseGenerator{modifiesPC: true}, dst: dst}
}

func (g simulatePopPC) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	r := ctx.Temps.Get(g.dst)
	// An unrelocated LDR_SP is a plain SP-relative load: it reads the word
	// at the top of the guest stack, which the SP adjustment then pops.
	pop := inst.Instruction{Op: inst.LDR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	adjust := inst.Instruction{Op: inst.ADD_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.SP)), inst.RegOperand(inst.Reg(cpu.SP)), inst.ImmOperand(4),
	}}
	store := inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	write := reloc.DataBlockRel(store, 1, cpu.Offset(cpu.FieldPC))
	return []reloc.Relocatable{reloc.NoReloc(pop), reloc.NoReloc(adjust), write}, nil
}

// doNotInstrument produces no instructions and sets the merge flag so the
// caller combines this rule's output with the next patch.
type doNotInstrument struct{ baseGenerator }

// DoNotInstrument builds a generator with empty output and the merge flag
// set (spec.md §4.5).
func DoNotInstrument() Generator {
	return doNotInstrument{baseGenerator{doesNotInstrument: true}}
}

func (g doNotInstrument) Generate(ctx GenContext) ([]reloc.Relocatable, error) {
	return nil, nil
}

