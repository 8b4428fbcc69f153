// Package execblock provides the reference ExecBlock (spec.md §6, §4.9): a
// pair of mmap'd regions — a writable-then-executable code page and a
// read/write data page holding the context block and shadow-word area —
// plus the fixed prologue/epilogue/terminator relocatable sequences that
// bracket every entry into translated guest code. Grounded on the teacher's
// general resource-lifecycle shape (open/use/close over an OS handle); the
// W^X toggle and the PC-relative logical-address scheme come from spec.md
// §4.1/§4.9/§6 and the original QBDI ExecBlock design referenced by
// _examples/original_source/src/ExecBlock/arm/utils.cpp.
package execblock

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
	"armpatch/pkg/reloc"
)

const (
	codeSize = 4096
	dataSize = 4096

	maxShadows = 256

	// codeBase, dataBase and epilogueBase are logical addresses, not real
	// pointers: relocation arithmetic (pkg/reloc) only needs them to be
	// distinct and PC-relative-consistent, the same way a real ARM literal
	// pool only cares about the displacement between an instruction and the
	// data it addresses, never the absolute value.
	codeBase     = uint64(0x1000)
	dataBase     = uint64(0x100000)
	epilogueBase = dataBase + uint64(contextBlockSize) + uint64(maxShadows*4)
)

var contextBlockSize = int(unsafe.Sizeof(cpu.ContextBlock{}))

// MMapExecBlock is the reference implementation of reloc.ExecBlock. It owns
// two mmap'd regions: code (the translated instruction stream, initially
// writable, sealed read+execute by Finalize, matching W^X practice) and data
// (the ContextBlock plus a fixed shadow-word arena, always read/write since
// generators and the interpreter both touch it constantly).
type MMapExecBlock struct {
	code    []byte
	data    []byte
	ctx     *cpu.ContextBlock
	insts   []inst.Instruction // the logical instruction stream pkg/interp steps
	shadows int32              // next free shadow slot
	instID  uint64
	mode    cpu.Mode
	scratch cpu.Reg
}

// New allocates a fresh exec block for the given CPU mode. scratch is the
// Thumb scratch register DataBlockRel substitutes in for REG_PC operands
// (spec.md §4.1) and the transit register of Prologue/Epilogue/Terminator.
// It is not excluded from pkg/temp's allocatable GPR pool.
func New(mode cpu.Mode, scratch cpu.Reg) (*MMapExecBlock, error) {
	code, err := unix.Mmap(-1, 0, codeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("execblock: mmap code: %w", err)
	}
	data, err := unix.Mmap(-1, 0, dataSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Munmap(code)
		return nil, fmt.Errorf("execblock: mmap data: %w", err)
	}
	eb := &MMapExecBlock{
		code:    code,
		data:    data,
		mode:    mode,
		scratch: scratch,
	}
	eb.ctx = (*cpu.ContextBlock)(unsafe.Pointer(&data[0]))
	return eb, nil
}

// Close releases both mmap'd regions. Not safe to call twice.
func (eb *MMapExecBlock) Close() error {
	if err := unix.Munmap(eb.code); err != nil {
		return fmt.Errorf("execblock: munmap code: %w", err)
	}
	if err := unix.Munmap(eb.data); err != nil {
		return fmt.Errorf("execblock: munmap data: %w", err)
	}
	return nil
}

// Context returns the live context block backing this exec block, for
// pkg/interp to read/mutate and for tests to seed initial guest state.
func (eb *MMapExecBlock) Context() *cpu.ContextBlock { return eb.ctx }

// Insts returns the logical instruction stream emitted so far, in code-page
// order. pkg/interp steps this slice directly: there is no disassembler to
// turn the raw code-page bytes back into decoded instructions, and spec.md
// §1 treats the assembler as an external capability the same way.
func (eb *MMapExecBlock) Insts() []inst.Instruction { return eb.insts }

// Finalize seals the code page read+execute (dropping write access), the
// W^X transition a real DBI exec-block performs once a block's patches are
// fully written.
func (eb *MMapExecBlock) Finalize() error {
	if err := unix.Mprotect(eb.code, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("execblock: mprotect seal: %w", err)
	}
	return nil
}

// Unlock reopens the code page for writing, undoing Finalize so a new patch
// batch can be appended.
func (eb *MMapExecBlock) Unlock() error {
	if err := unix.Mprotect(eb.code, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("execblock: mprotect unlock: %w", err)
	}
	return nil
}

// Emit appends a relocated instruction to the code page: word is its
// caller-supplied encoded form (spec.md treats encoding as external, so
// test fixtures and pkg/vm pick any stable encoding; the interpreter never
// decodes it back, it reads i from Insts instead). Returns the logical
// address assigned to i, equal to what CurrentPC reported while i was being
// relocated.
func (eb *MMapExecBlock) Emit(i inst.Instruction, word uint32) (uint64, error) {
	addr := eb.CurrentPC()
	off := len(eb.insts) * 4
	if off+4 > len(eb.code) {
		return 0, fmt.Errorf("execblock: code region exhausted at %d instructions", len(eb.insts))
	}
	binary.LittleEndian.PutUint32(eb.code[off:], word)
	// Freeze the address this instruction was relocated against: by the
	// time pkg/interp steps it, eb.CurrentPC() has moved on to wherever
	// emission finished, so the instruction must carry its own address.
	i.Address = addr
	eb.insts = append(eb.insts, i)
	return addr, nil
}

// NewShadow implements reloc.ExecBlock.
func (eb *MMapExecBlock) NewShadow() (reloc.ShadowID, error) {
	if eb.shadows >= maxShadows {
		return 0, fmt.Errorf("execblock: shadow area exhausted (%d slots)", maxShadows)
	}
	id := reloc.ShadowID(eb.shadows)
	eb.shadows++
	return id, nil
}

// SetShadow implements reloc.ExecBlock.
func (eb *MMapExecBlock) SetShadow(id reloc.ShadowID, value uint32) {
	off := contextBlockSize + int(id)*4
	binary.LittleEndian.PutUint32(eb.data[off:], value)
}

// Shadow returns a shadow slot's current value, for tests asserting on
// materialized constants.
func (eb *MMapExecBlock) Shadow(id reloc.ShadowID) uint32 {
	off := contextBlockSize + int(id)*4
	return binary.LittleEndian.Uint32(eb.data[off:])
}

// ShadowOffset implements reloc.ExecBlock: the logical byte displacement
// from the instruction currently being relocated to shadow slot id.
func (eb *MMapExecBlock) ShadowOffset(id reloc.ShadowID) int32 {
	target := dataBase + uint64(contextBlockSize) + uint64(id)*4
	return int32(int64(target) - int64(eb.CurrentPC()))
}

// DataBlockOffset implements reloc.ExecBlock: the logical displacement from
// the instruction currently being relocated to the context block's base.
func (eb *MMapExecBlock) DataBlockOffset() int32 {
	return int32(int64(dataBase) - int64(eb.CurrentPC()))
}

// EpilogueOffset implements reloc.ExecBlock: the logical displacement from
// the instruction currently being relocated to the epilogue's entry point.
func (eb *MMapExecBlock) EpilogueOffset() int32 {
	return int32(int64(epilogueBase) - int64(eb.CurrentPC()))
}

// CurrentPC implements reloc.ExecBlock: the logical address the next
// emitted instruction will occupy, which is also the address of whatever
// instruction is presently being relocated (relocation always runs
// immediately before the matching Emit).
func (eb *MMapExecBlock) CurrentPC() uint64 {
	return codeBase + uint64(len(eb.insts))*4
}

// ScratchRegister implements reloc.ExecBlock.
func (eb *MMapExecBlock) ScratchRegister() cpu.Reg { return eb.scratch }

// NextInstID implements reloc.ExecBlock: a monotonically increasing counter
// reported to host callbacks as the instrumented instruction's origin id
// (spec.md §6).
func (eb *MMapExecBlock) NextInstID() uint64 {
	id := eb.instID
	eb.instID++
	return id
}

// resolve translates a logical address produced by the PC-relative
// relocation formulas back into a byte slice and offset inside it, for
// pkg/interp to actually perform the load/store. It never needs to handle
// code-region targets: every relocation variant in pkg/reloc addresses
// either the data block, a shadow slot, or the epilogue, never raw code.
func (eb *MMapExecBlock) resolve(addr uint64) ([]byte, int, error) {
	if addr >= dataBase && addr < dataBase+uint64(len(eb.data)) {
		return eb.data, int(addr - dataBase), nil
	}
	return nil, 0, fmt.Errorf("execblock: address %#x outside the data region", addr)
}

// DataWord reads the 32-bit word at logical address addr (a resolved
// PC-relative target), for pkg/interp's literal-load instructions.
func (eb *MMapExecBlock) DataWord(addr uint64) (uint32, error) {
	buf, off, err := eb.resolve(addr)
	if err != nil {
		return 0, err
	}
	if off+4 > len(buf) {
		return 0, fmt.Errorf("execblock: read past data region at %#x", addr)
	}
	return binary.LittleEndian.Uint32(buf[off:]), nil
}

// SetDataWord writes the 32-bit word at logical address addr.
func (eb *MMapExecBlock) SetDataWord(addr uint64, value uint32) error {
	buf, off, err := eb.resolve(addr)
	if err != nil {
		return err
	}
	if off+4 > len(buf) {
		return fmt.Errorf("execblock: write past data region at %#x", addr)
	}
	binary.LittleEndian.PutUint32(buf[off:], value)
	return nil
}

// EpilogueAddress returns the logical address of the epilogue's entry
// point, for pkg/interp to recognize "control reached the epilogue" when a
// relocated branch's resolved target equals it.
func (eb *MMapExecBlock) EpilogueAddress() uint64 { return epilogueBase }
