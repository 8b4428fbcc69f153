package cpu

import "unsafe"

// GPRState is the guest general-purpose register snapshot, laid out in the
// order the prologue/epilogue restore/save it (spec.md §4.9, §6).
type GPRState struct {
	R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12 uint32
	SP, LR, PC                                            uint32
	CPSR                                                  uint32
}

// FPRState is the guest FPU snapshot, S0-S31.
type FPRState struct {
	S [32]uint32
}

// HostState is host-side bookkeeping, written by the instrumentation
// applier and read by the prologue/epilogue (spec.md §6).
type HostState struct {
	SP       uint64
	FP       uint64
	LR       uint64
	Selector uint64 // address the dispatcher resumes at on re-entry
	Callback uint64 // function pointer, host ABI
	Data     uint64 // opaque user data pointer
	Origin   uint64 // engine-assigned instruction id reported to the callback
}

// ContextBlock is the flat record described in spec.md §6. Compatibility
// between the (machine-code) prologue/epilogue and the (Go) patch
// generators is by offset only, so every offset below is derived from the
// actual struct layout via unsafe.Offsetof rather than hand-maintained —
// there is no serialized on-disk format, this is purely an in-process ABI.
type ContextBlock struct {
	GPR  GPRState
	FPR  FPRState
	Host HostState
}

// Field names a byte offset inside ContextBlock that a relocatable or
// generator needs to address (e.g. WriteTemp's target slot).
type Field int

const (
	FieldR0 Field = iota
	FieldR1
	FieldR2
	FieldR3
	FieldR4
	FieldR5
	FieldR6
	FieldR7
	FieldR8
	FieldR9
	FieldR10
	FieldR11
	FieldR12
	FieldSP
	FieldLR
	FieldPC
	FieldCPSR
	FieldHostSP
	FieldHostFP
	FieldHostLR
	FieldHostSelector
	FieldHostCallback
	FieldHostData
	FieldHostOrigin
	FieldFPR // base of the 32-word FPRState.S block

	numFields
)

var fieldOffset [numFields]uintptr

func init() {
	var cb ContextBlock
	fieldOffset[FieldR0] = unsafe.Offsetof(cb.GPR.R0)
	fieldOffset[FieldR1] = unsafe.Offsetof(cb.GPR.R1)
	fieldOffset[FieldR2] = unsafe.Offsetof(cb.GPR.R2)
	fieldOffset[FieldR3] = unsafe.Offsetof(cb.GPR.R3)
	fieldOffset[FieldR4] = unsafe.Offsetof(cb.GPR.R4)
	fieldOffset[FieldR5] = unsafe.Offsetof(cb.GPR.R5)
	fieldOffset[FieldR6] = unsafe.Offsetof(cb.GPR.R6)
	fieldOffset[FieldR7] = unsafe.Offsetof(cb.GPR.R7)
	fieldOffset[FieldR8] = unsafe.Offsetof(cb.GPR.R8)
	fieldOffset[FieldR9] = unsafe.Offsetof(cb.GPR.R9)
	fieldOffset[FieldR10] = unsafe.Offsetof(cb.GPR.R10)
	fieldOffset[FieldR11] = unsafe.Offsetof(cb.GPR.R11)
	fieldOffset[FieldR12] = unsafe.Offsetof(cb.GPR.R12)
	fieldOffset[FieldSP] = unsafe.Offsetof(cb.GPR.SP)
	fieldOffset[FieldLR] = unsafe.Offsetof(cb.GPR.LR)
	fieldOffset[FieldPC] = unsafe.Offsetof(cb.GPR.PC)
	fieldOffset[FieldCPSR] = unsafe.Offsetof(cb.GPR.CPSR)
	fieldOffset[FieldHostSP] = unsafe.Offsetof(cb.Host.SP) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldHostFP] = unsafe.Offsetof(cb.Host.FP) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldHostLR] = unsafe.Offsetof(cb.Host.LR) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldHostSelector] = unsafe.Offsetof(cb.Host.Selector) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldHostCallback] = unsafe.Offsetof(cb.Host.Callback) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldHostData] = unsafe.Offsetof(cb.Host.Data) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldHostOrigin] = unsafe.Offsetof(cb.Host.Origin) + unsafe.Offsetof(cb.Host)
	fieldOffset[FieldFPR] = unsafe.Offsetof(cb.FPR)
}

// Offset returns the byte offset of f inside a ContextBlock.
func Offset(f Field) int32 { return int32(fieldOffset[f]) }

// GPROffset returns the context-block offset of a GPR's storage slot; it
// is the "Offset(Reg)" shorthand spec.md §3 defines ("byte offset of that
// register's slot in the persistent context block").
func GPROffset(r Reg) int32 {
	switch r {
	case R0:
		return Offset(FieldR0)
	case R1:
		return Offset(FieldR1)
	case R2:
		return Offset(FieldR2)
	case R3:
		return Offset(FieldR3)
	case R4:
		return Offset(FieldR4)
	case R5:
		return Offset(FieldR5)
	case R6:
		return Offset(FieldR6)
	case R7:
		return Offset(FieldR7)
	case R8:
		return Offset(FieldR8)
	case R9:
		return Offset(FieldR9)
	case R10:
		return Offset(FieldR10)
	case R11:
		return Offset(FieldR11)
	case R12:
		return Offset(FieldR12)
	case SP:
		return Offset(FieldSP)
	case LR:
		return Offset(FieldLR)
	case PC:
		return Offset(FieldPC)
	default:
		panic("cpu: GPROffset: unknown register")
	}
}
