package inst

import "armpatch/pkg/cpu"

// Provider is the instruction-info provider contract spec.md §6 requires:
// "Given an opcode, returns: the set of implicit-use and implicit-def
// physical registers, and a MII->getName(opcode) string." Plus the
// register-class / subregister queries the temp allocator uses for sizing
// (spec.md §6, "getSizedSubReg"). ARM has no sub-registers narrower than a
// GPR word the way x86 does, so SizedSubReg is an identity function here —
// it exists so pkg/temp never special-cases "ARM has none of these",
// mirroring how the real QBDI TempManager is written against a generic
// MCRegisterInfo that happens to be trivial on this ISA.
type Provider interface {
	ImplicitUses(op OpCode) cpu.RegMask
	ImplicitDefs(op OpCode) cpu.RegMask
	Name(op OpCode) string
	RegClass(r cpu.Reg) string
	SizedSubReg(r cpu.Reg, sizeBytes uint8) cpu.Reg
}

// CatalogProvider is the Provider backed by the package-level Catalog.
type CatalogProvider struct{}

func (CatalogProvider) ImplicitUses(op OpCode) cpu.RegMask { return Catalog[op].ImplicitUse }
func (CatalogProvider) ImplicitDefs(op OpCode) cpu.RegMask { return Catalog[op].ImplicitDef }
func (CatalogProvider) Name(op OpCode) string              { return Catalog[op].Mnemonic }

// RegClass reports the architectural register class of r. Every GPR is in
// the same 32-bit class on ARM; only SP/LR/PC carry distinct names.
func (CatalogProvider) RegClass(r cpu.Reg) string {
	switch r {
	case cpu.SP:
		return "SP"
	case cpu.LR:
		return "LR"
	case cpu.PC:
		return "PC"
	default:
		return "GPR32"
	}
}

// SizedSubReg returns r unchanged: ARM GPRs have no narrower sub-register
// form, so "the sized sub-register of R3 at 4 bytes" is just R3.
func (CatalogProvider) SizedSubReg(r cpu.Reg, sizeBytes uint8) cpu.Reg { return r }
