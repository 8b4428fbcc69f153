package reloc

import (
	"testing"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

// mockExecBlock is a minimal reloc.ExecBlock backing a test, standing in
// for the real pkg/execblock.MMapExecBlock the way the teacher's tests
// stand in a bare State rather than a running machine.
type mockExecBlock struct {
	shadows         map[ShadowID]uint32
	nextShadow      ShadowID
	dataBlockOffset int32
	epilogueOffset  int32
	currentPC       uint64
	scratch         cpu.Reg
	nextInstID      uint64
}

func newMockExecBlock() *mockExecBlock {
	return &mockExecBlock{shadows: map[ShadowID]uint32{}, scratch: cpu.R12}
}

func (m *mockExecBlock) NewShadow() (ShadowID, error) {
	id := m.nextShadow
	m.nextShadow++
	return id, nil
}
func (m *mockExecBlock) SetShadow(id ShadowID, value uint32) { m.shadows[id] = value }
func (m *mockExecBlock) ShadowOffset(id ShadowID) int32      { return int32(id) * 4 }
func (m *mockExecBlock) DataBlockOffset() int32              { return m.dataBlockOffset }
func (m *mockExecBlock) EpilogueOffset() int32               { return m.epilogueOffset }
func (m *mockExecBlock) CurrentPC() uint64                   { return m.currentPC }
func (m *mockExecBlock) ScratchRegister() cpu.Reg            { return m.scratch }
func (m *mockExecBlock) NextInstID() uint64 {
	id := m.nextInstID
	m.nextInstID++
	return id
}

func ldrSP() inst.Instruction {
	return inst.Instruction{
		Op:       inst.LDR_SP,
		Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(0)},
	}
}

// TestNoReloc verifies the instruction is passed through byte-for-byte,
// with UsedRegisters collecting its register operands.
func TestNoReloc(t *testing.T) {
	i := ldrSP()
	r := NoReloc(i)
	out, err := r.Reloc(newMockExecBlock(), cpu.ARM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Op != inst.LDR_SP || out.Resolved {
		t.Errorf("NoReloc should pass the instruction through unresolved, got %+v", out)
	}
	regs := r.UsedRegisters()
	if len(regs) != 1 || regs[0] != cpu.R0 {
		t.Errorf("UsedRegisters: got %v, want [R0]", regs)
	}
}

// TestDataBlockRelARM verifies spec.md §4.1's ARM fixup: off+base-8, with
// Resolved set so pkg/interp knows to dereference rather than treat the
// operand as a literal.
func TestDataBlockRelARM(t *testing.T) {
	eb := newMockExecBlock()
	eb.dataBlockOffset = 100
	r := DataBlockRel(ldrSP(), 1, 20)
	out, err := r.Reloc(eb, cpu.ARM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := int64(20) + int64(100) - 8
	if out.Operands[1].Imm != want {
		t.Errorf("ARM DataBlockRel: got %d, want %d", out.Operands[1].Imm, want)
	}
	if !out.Resolved {
		t.Error("ARM DataBlockRel should set Resolved")
	}
}

// TestDataBlockRelThumb verifies the Thumb fixup for an operand that does
// not already name PC: off+base+(pc%4)-4.
func TestDataBlockRelThumb(t *testing.T) {
	eb := newMockExecBlock()
	eb.dataBlockOffset = 100
	eb.currentPC = 0x1006 // pc%4 == 2
	r := DataBlockRel(ldrSP(), 1, 20)
	out, err := r.Reloc(eb, cpu.Thumb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := int64(20) + int64(100) + 2 - 4
	if out.Operands[1].Imm != want {
		t.Errorf("Thumb DataBlockRel: got %d, want %d", out.Operands[1].Imm, want)
	}
	if !out.Resolved {
		t.Error("Thumb DataBlockRel should set Resolved")
	}
	if !out.Thumb {
		t.Error("Thumb DataBlockRel should mark the carrier Thumb, so pkg/interp's relTarget inverts the same formula")
	}
}

// TestDataBlockRelThumbPCOperand verifies the register-substitution branch:
// when the operand already names PC, it is rewritten to the exec block's
// scratch register instead of an immediate, and Resolved is left unset
// since no displacement was produced.
func TestDataBlockRelThumbPCOperand(t *testing.T) {
	eb := newMockExecBlock()
	i := inst.Instruction{
		Op:       inst.LDR_PC,
		Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.R0)), inst.RegOperand(inst.Reg(cpu.PC))},
	}
	r := DataBlockRel(i, 1, 0)
	out, err := r.Reloc(eb, cpu.Thumb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Operands[1].Kind != inst.OperandReg || cpu.Reg(out.Operands[1].Reg) != eb.scratch {
		t.Errorf("expected operand 1 substituted with scratch register %v, got %+v", eb.scratch, out.Operands[1])
	}
	if out.Resolved {
		t.Error("register-substitution branch should not set Resolved")
	}
}

// TestDataBlockRelOutOfRange verifies the bounds check on the operand
// index.
func TestDataBlockRelOutOfRange(t *testing.T) {
	r := DataBlockRel(ldrSP(), 5, 0)
	if _, err := r.Reloc(newMockExecBlock(), cpu.ARM); err == nil {
		t.Error("expected an error for an out-of-range operand index")
	}
}

// TestMemoryConstant verifies a fresh shadow word is allocated, set to the
// requested value, and the operand is fixed up to reference it.
func TestMemoryConstant(t *testing.T) {
	eb := newMockExecBlock()
	eb.dataBlockOffset = 8
	r := MemoryConstant(inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(0),
	}}, 1, 0xCAFE)
	out, err := r.Reloc(eb, cpu.ARM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eb.shadows[0] != 0xCAFE {
		t.Errorf("shadow 0 = %#x, want 0xCAFE", eb.shadows[0])
	}
	// ShadowOffset(0) is already the full PC-relative displacement to the
	// shadow word; dataBlockOffset plays no part in addressing a shadow.
	want := int64(eb.ShadowOffset(0)) - 8
	if out.Operands[1].Imm != want {
		t.Errorf("got operand %d, want %d", out.Operands[1].Imm, want)
	}
	if !out.Resolved {
		t.Error("MemoryConstant should set Resolved")
	}
}

// TestEpilogueRel verifies the same PC-relative math as DataBlockRel, based
// off EpilogueOffset instead of DataBlockOffset.
func TestEpilogueRel(t *testing.T) {
	eb := newMockExecBlock()
	eb.epilogueOffset = 64
	r := EpilogueRel(ldrSP(), 1, 4)
	out, err := r.Reloc(eb, cpu.ARM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := int64(4) + int64(64) - 8
	if out.Operands[1].Imm != want {
		t.Errorf("got %d, want %d", out.Operands[1].Imm, want)
	}
}

// TestHostPCRel verifies the materialized value is currentPC+off, stored
// through the same MemoryConstant machinery.
func TestHostPCRel(t *testing.T) {
	eb := newMockExecBlock()
	eb.currentPC = 0x2000
	r := HostPCRel(inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(0),
	}}, 1, 16)
	if _, err := r.Reloc(eb, cpu.ARM); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eb.shadows[0] != uint32(0x2010) {
		t.Errorf("shadow 0 = %#x, want 0x2010", eb.shadows[0])
	}
}

// TestInstID verifies each relocation consumes the next monotonically
// increasing instruction id.
func TestInstID(t *testing.T) {
	eb := newMockExecBlock()
	base := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(0),
	}}
	r1 := InstID(base, 1)
	r2 := InstID(base, 1)
	if _, err := r1.Reloc(eb, cpu.ARM); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r2.Reloc(eb, cpu.ARM); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eb.shadows[0] != 0 || eb.shadows[1] != 1 {
		t.Errorf("expected consecutive ids 0, 1 in shadows, got %v", eb.shadows)
	}
}

// TestAdjustPCAlign verifies the Thumb-only nature of the fixup: ARM leaves
// the immediate (and Resolved) untouched, Thumb adds pc%4 and sets
// Resolved.
func TestAdjustPCAlign(t *testing.T) {
	base := inst.Instruction{Op: inst.LDR_PC, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(10),
	}}

	eb := newMockExecBlock()
	eb.currentPC = 0x1001 // pc%4 == 1
	out, err := AdjustPCAlign(base, 1).Reloc(eb, cpu.ARM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Operands[1].Imm != 10 || out.Resolved {
		t.Errorf("ARM AdjustPCAlign should be a no-op, got %+v", out)
	}

	out, err = AdjustPCAlign(base, 1).Reloc(eb, cpu.Thumb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Operands[1].Imm != 11 || !out.Resolved || !out.Thumb {
		t.Errorf("Thumb AdjustPCAlign: got %+v, want Imm=11 Resolved=true Thumb=true", out)
	}
}
