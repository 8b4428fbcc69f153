package condition

import (
	"testing"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

func movImm(dst cpu.Reg) inst.Instruction {
	return inst.Instruction{
		Op:       inst.MOV_IMM,
		Address:  0x100,
		Operands: []inst.Operand{inst.RegOperand(inst.Reg(dst)), inst.ImmOperand(42)},
	}
}

func TestAddrRangeIntersect(t *testing.T) {
	a := AddrRange{10, 20}
	b := AddrRange{15, 25}
	got := a.Intersect(b)
	if got != (AddrRange{15, 20}) {
		t.Errorf("Intersect: got %v, want {15 20}", got)
	}
	// Disjoint ranges collapse to an empty range, not a negative-width one.
	c := AddrRange{0, 5}
	d := AddrRange{10, 15}
	got = c.Intersect(d)
	if got.Start != got.End {
		t.Errorf("Intersect of disjoint ranges should be empty, got %v", got)
	}
}

func TestAddrRangeUnion(t *testing.T) {
	a := AddrRange{10, 20}
	b := AddrRange{15, 25}
	if got := a.Union(b); got != (AddrRange{10, 25}) {
		t.Errorf("Union: got %v, want {10 25}", got)
	}
}

func TestAddrRangeContains(t *testing.T) {
	r := AddrRange{10, 20}
	if !r.Contains(10) || !r.Contains(19) {
		t.Error("Contains should include the start and the last element before End")
	}
	if r.Contains(20) || r.Contains(9) {
		t.Error("Contains should exclude End and anything before Start")
	}
}

func TestTrue(t *testing.T) {
	p := inst.CatalogProvider{}
	if !True().Match(movImm(cpu.R0), p) {
		t.Error("True() should always match")
	}
	if True().AffectedRange() != Full() {
		t.Error("True() should affect the full range")
	}
}

func TestOpIsAndRegIs(t *testing.T) {
	p := inst.CatalogProvider{}
	i := movImm(cpu.R3)
	if !OpIs(inst.MOV_IMM).Match(i, p) {
		t.Error("OpIs(MOV_IMM) should match a MOV_IMM instruction")
	}
	if OpIs(inst.BX).Match(i, p) {
		t.Error("OpIs(BX) should not match a MOV_IMM instruction")
	}
	if !RegIs(0, cpu.R3).Match(i, p) {
		t.Error("RegIs(0, R3) should match operand 0 == R3")
	}
	if RegIs(0, cpu.R4).Match(i, p) {
		t.Error("RegIs(0, R4) should not match operand 0 == R3")
	}
	if RegIs(5, cpu.R3).Match(i, p) {
		t.Error("RegIs on an out-of-range operand index should not match")
	}
}

func TestUseReg(t *testing.T) {
	p := inst.CatalogProvider{}
	if !UseReg(cpu.R3).Match(movImm(cpu.R3), p) {
		t.Error("UseReg should match an operand register")
	}
	// BLX_REG implicitly defines LR without ever naming it as an operand.
	blx := inst.Instruction{Op: inst.BLX_REG, Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.R0))}}
	if !UseReg(cpu.LR).Match(blx, p) {
		t.Error("UseReg should match an implicit def even with no matching operand")
	}
}

func TestOperandKindConditions(t *testing.T) {
	p := inst.CatalogProvider{}
	i := movImm(cpu.R0)
	if !OperandIsReg(0).Match(i, p) || OperandIsImm(0).Match(i, p) {
		t.Error("operand 0 of MOV_IMM should be a register, not an immediate")
	}
	if OperandIsReg(1).Match(i, p) || !OperandIsImm(1).Match(i, p) {
		t.Error("operand 1 of MOV_IMM should be an immediate, not a register")
	}
}

func TestInstructionInRangeAndAddressIs(t *testing.T) {
	p := inst.CatalogProvider{}
	i := movImm(cpu.R0) // Address: 0x100

	inRange := InstructionInRange(0x50, 0x200)
	if !inRange.Match(i, p) {
		t.Error("expected 0x100 to fall inside [0x50, 0x200)")
	}
	if inRange.AffectedRange() != (AddrRange{0x50, 0x200}) {
		t.Errorf("AffectedRange: got %v", inRange.AffectedRange())
	}

	addrIs := AddressIs(0x100)
	if !addrIs.Match(i, p) {
		t.Error("AddressIs(0x100) should match an instruction at 0x100")
	}
	if AddressIs(0x200).Match(i, p) {
		t.Error("AddressIs(0x200) should not match an instruction at 0x100")
	}
}

func TestMemoryAccessConditions(t *testing.T) {
	p := inst.CatalogProvider{}
	ldrSP := inst.Instruction{Op: inst.LDR_SP, Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(0)}}
	strSP := inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(0)}}

	if !DoesReadAccess().Match(ldrSP, p) || DoesReadAccess().Match(strSP, p) {
		t.Error("DoesReadAccess should match LDR_SP only")
	}
	if !DoesWriteAccess().Match(strSP, p) || DoesWriteAccess().Match(ldrSP, p) {
		t.Error("DoesWriteAccess should match STR_SP only")
	}
	if !ReadAccessSizeIs(4).Match(ldrSP, p) || ReadAccessSizeIs(1).Match(ldrSP, p) {
		t.Error("ReadAccessSizeIs(4) should match a 4-byte read")
	}
	if !WriteAccessSizeIs(4).Match(strSP, p) {
		t.Error("WriteAccessSizeIs(4) should match a 4-byte write")
	}
	if !IsStackRead().Match(ldrSP, p) || IsStackRead().Match(strSP, p) {
		t.Error("IsStackRead should match LDR_SP only")
	}
	if !IsStackWrite().Match(strSP, p) || IsStackWrite().Match(ldrSP, p) {
		t.Error("IsStackWrite should match STR_SP only")
	}
}

// TestAndShortCircuits is testable property 5: And must not evaluate past
// the first false child.
func TestAndShortCircuits(t *testing.T) {
	p := inst.CatalogProvider{}
	called := false
	panics := pred(func(inst.Instruction, inst.Provider) bool {
		called = true
		panic("should never be evaluated")
	})
	c := And([]Condition{pred(func(inst.Instruction, inst.Provider) bool { return false }), panics})
	if c.Match(movImm(cpu.R0), p) {
		t.Error("And should be false when its first child is false")
	}
	if called {
		t.Error("And should short-circuit and never evaluate the second child")
	}
}

// TestOrShortCircuits is the Or half of testable property 5.
func TestOrShortCircuits(t *testing.T) {
	p := inst.CatalogProvider{}
	called := false
	panics := pred(func(inst.Instruction, inst.Provider) bool {
		called = true
		panic("should never be evaluated")
	})
	c := Or([]Condition{pred(func(inst.Instruction, inst.Provider) bool { return true }), panics})
	if !c.Match(movImm(cpu.R0), p) {
		t.Error("Or should be true when its first child is true")
	}
	if called {
		t.Error("Or should short-circuit and never evaluate the second child")
	}
}

// TestAndOrAffectedRange is testable property 6: And intersects, Or unions.
func TestAndOrAffectedRange(t *testing.T) {
	a := InstructionInRange(0, 100)
	b := InstructionInRange(50, 150)

	and := And([]Condition{a, b})
	if got := and.AffectedRange(); got != (AddrRange{50, 100}) {
		t.Errorf("And.AffectedRange: got %v, want {50 100}", got)
	}

	or := Or([]Condition{a, b})
	if got := or.AffectedRange(); got != (AddrRange{0, 150}) {
		t.Errorf("Or.AffectedRange: got %v, want {0 150}", got)
	}
}

func TestNot(t *testing.T) {
	p := inst.CatalogProvider{}
	i := movImm(cpu.R0)
	c := Not(OpIs(inst.BX))
	if !c.Match(i, p) {
		t.Error("Not(OpIs(BX)) should match a non-BX instruction")
	}
	if c.AffectedRange() != OpIs(inst.BX).AffectedRange() {
		t.Error("Not should leave AffectedRange unchanged from its child")
	}
}
