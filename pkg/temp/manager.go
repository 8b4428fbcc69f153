// Package temp allocates concrete physical registers for the symbolic
// "temp" handles a patch generator asks for (spec.md §4.2). Grounded on
// the teacher's pkg/search/pruner.go regMask liveness bitset technique
// (opReads/opWrites/areIndependent), retargeted from "which Z80 registers
// does swapping these two instructions disturb" to "which ARM GPR is free
// for scratch use inside this one instruction's patch".
package temp

import (
	"fmt"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

// Handle is an opaque, small non-negative integer naming a scratch-register
// demand inside a single patch. Equal handles always map to the same
// register within one Manager; distinct handles map to distinct registers.
type Handle int

// ExhaustedError is the value Get panics with (spec.md §7) when no GPR is
// free for a new handle. Spec.md treats this as a design-time
// invariant violation: no supported instruction both mentions and
// implicitly uses every GPR.
type ExhaustedError struct {
	Inst inst.Instruction
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("temp: no free GPR for instruction %q (operands+implicit uses occupy all %d GPRs)",
		inst.CatalogProvider{}.Name(e.Inst.Op), cpu.NumAllocatableGPR)
}

// Manager allocates a concrete register for each distinct temp handle
// requested while building one patch. State is local to a single Build
// call and never escapes (spec.md §5).
type Manager struct {
	instr    inst.Instruction
	provider inst.Provider
	reserved cpu.RegMask // registers unavailable: operands + implicit use/def
	assigned map[Handle]cpu.Reg
	order    []cpu.Reg // registers handed out, in hand-out order
}

// NewManager creates an allocator bound to one decoded instruction. Per
// spec.md §4.2 step 2, a candidate register is free iff it is not an
// explicit register operand of inst, and not in the instruction's
// implicit-use/implicit-def sets.
func NewManager(instr inst.Instruction, provider inst.Provider) *Manager {
	reserved := provider.ImplicitUses(instr.Op) | provider.ImplicitDefs(instr.Op)
	for _, op := range instr.Operands {
		if op.Kind == inst.OperandReg {
			reserved = reserved.Set(cpu.Reg(op.Reg))
		}
	}
	return &Manager{
		instr:    instr,
		provider: provider,
		reserved: reserved,
		assigned: make(map[Handle]cpu.Reg),
	}
}

// Get resolves handle to a concrete register, allocating one on first use.
// Scans upward from R0 (spec.md §4.2 step 1) for the first free GPR.
func (m *Manager) Get(h Handle) cpu.Reg {
	if r, ok := m.assigned[h]; ok {
		return r
	}
	for r := cpu.Reg(0); r < cpu.NumAllocatableGPR; r++ {
		if m.reserved.Has(r) {
			continue
		}
		m.assigned[h] = r
		m.reserved = m.reserved.Set(r)
		m.order = append(m.order, r)
		return r
	}
	panic(&ExhaustedError{Inst: m.instr})
}

// Allocated returns every register handed out so far, in hand-out order.
// The patch builder uses this to emit exactly one save/restore per
// register actually used (spec.md §4.7 step 4).
func (m *Manager) Allocated() []cpu.Reg {
	out := make([]cpu.Reg, len(m.order))
	copy(out, m.order)
	return out
}

// SizeOf reports the size in bytes of the physical register a handle (or a
// plain register) resolves to — used by a few rules (spec.md §4.2) via the
// provider's sub-register query. Always 4 on this ISA (see
// inst.Provider.SizedSubReg).
func (m *Manager) SizeOf(r cpu.Reg) uint8 {
	_ = m.provider.SizedSubReg(r, 4)
	return 4
}
