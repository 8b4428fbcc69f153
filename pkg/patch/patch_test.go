package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armpatch/pkg/cpu"
	"armpatch/pkg/generator"
	"armpatch/pkg/inst"
	"armpatch/pkg/reloc"
	"armpatch/pkg/rule"
	"armpatch/pkg/temp"
)

const tmp0 temp.Handle = 0

// TestBuildBracketsEveryAllocatedRegister is testable property 2: Build
// must emit exactly one save and one restore for every register the
// temp allocator actually handed out, and nothing else — diffing
// temp.Manager.Allocated() (indirectly, via the save/restore instructions
// Build emits) against the registers that appear in Patch.Insts.
func TestBuildBracketsEveryAllocatedRegister(t *testing.T) {
	p := inst.CatalogProvider{}
	i := inst.Instruction{Op: inst.MOV_IMM, Address: 0x1000, Size: 4, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(5),
	}}

	r := rule.Rule{
		Name: "const-to-r1",
		Generators: []generator.Generator{
			generator.GetConstant(tmp0, 0xCAFE),
			generator.WriteTemp(tmp0, cpu.Offset(cpu.FieldR1)),
		},
	}

	p2, err := Build(i, i.Address, i.Size, cpu.ARM, r, p, nil)
	require.NoError(t, err)

	// One temp handle was requested, so exactly one save and one restore
	// bracket the two generated instructions.
	assert.Equal(t, 4, p2.PatchSize)
	require.Len(t, p2.Insts, 4)

	saveRegs := regsOf(t, p2.Insts[0])
	restoreRegs := regsOf(t, p2.Insts[len(p2.Insts)-1])
	require.Len(t, saveRegs, 1)
	require.Len(t, restoreRegs, 1)
	assert.Equal(t, saveRegs[0], restoreRegs[0], "save and restore must target the same allocated register")

	// The allocated scratch register must never collide with an explicit
	// operand of the instruction being patched (spec.md §4.2 step 2).
	assert.NotEqual(t, cpu.R0, saveRegs[0])
}

// TestBuildNoTempsNoBracketing verifies the zero-temp case: a rule whose
// generators never request a temp handle allocates nothing, so Build
// emits no save/restore pair at all — only the generator's own output.
func TestBuildNoTempsNoBracketing(t *testing.T) {
	p := inst.CatalogProvider{}
	i := inst.Instruction{Op: inst.NOP, Address: 0x2000, Size: 4}

	identity := func(in inst.Instruction, tm *temp.Manager) inst.Instruction { return in }
	r := rule.Rule{Name: "pass-through", Generators: []generator.Generator{generator.ModifyInstruction(identity)}}

	p2, err := Build(i, i.Address, i.Size, cpu.ARM, r, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p2.PatchSize)
	assert.Len(t, p2.Insts, 1)
}

// TestBuildMergesPrecedingPatch verifies the merge-patch carry: when
// mergePatch is non-nil, the new patch keeps mergePatch's address and sums
// the instruction sizes, and mergePatch's instructions are prepended ahead
// of the new generator's own output (spec.md §4.7's DoNotInstrument splice
// path, consumed here via ModifyInstruction which prepends ctx.Merge).
func TestBuildMergesPrecedingPatch(t *testing.T) {
	p := inst.CatalogProvider{}
	identity := func(in inst.Instruction, tm *temp.Manager) inst.Instruction { return in }

	first := inst.Instruction{Op: inst.MOV_IMM, Address: 0x100, Size: 2}
	firstPatch, err := Build(first, first.Address, first.Size, cpu.Thumb,
		rule.Rule{Name: "first", Generators: []generator.Generator{generator.ModifyInstruction(identity)}},
		p, nil)
	require.NoError(t, err)

	second := inst.Instruction{Op: inst.MOV_IMM, Address: 0x102, Size: 2}
	secondPatch, err := Build(second, second.Address, second.Size, cpu.Thumb,
		rule.Rule{Name: "second", Generators: []generator.Generator{generator.ModifyInstruction(identity)}},
		p, firstPatch)
	require.NoError(t, err)

	assert.Equal(t, first.Address, secondPatch.Address)
	assert.EqualValues(t, first.Size+second.Size, secondPatch.InstSize)
	// firstPatch contributed one NoReloc instruction via ctx.Merge, ahead
	// of second's own one NoReloc instruction.
	assert.Len(t, secondPatch.Insts, 2)
}

// regsOf extracts the register operand(s) a relocatable touches, via the
// same UsedRegisters query the patch builder itself would use to decide
// what needs saving (spec.md §4.1).
func regsOf(t *testing.T, r reloc.Relocatable) []cpu.Reg {
	t.Helper()
	return r.UsedRegisters()
}
