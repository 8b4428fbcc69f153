package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armpatch/pkg/condition"
	"armpatch/pkg/cpu"
	"armpatch/pkg/generator"
	"armpatch/pkg/inst"
	"armpatch/pkg/patch"
	"armpatch/pkg/reloc"
	"armpatch/pkg/temp"
)

// extraTemp is a handle distinct from this package's own `scratch` (0), so
// a caller-supplied generator allocates a second, separately-bracketed
// register instead of reusing the host-state-write scratch.
const extraTemp temp.Handle = 1

func basePatch() *patch.Patch {
	i := inst.Instruction{Op: inst.MOV_IMM, Address: 0x100, Size: 4, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(1),
	}}
	return &patch.Patch{
		Inst:     i,
		Address:  i.Address,
		InstSize: i.Size,
		Mode:     cpu.ARM,
		Insts:    []reloc.Relocatable{reloc.NoReloc(i)},
	}
}

func nextID() func() uint64 {
	var n uint64
	return func() uint64 { v := n; n++; return v }
}

// TestApplyPostSplicesAfterBase verifies a plain POST instrumentation (no
// break-to-host) appends its host-state-write body after the underlying
// patch's own instructions, and brackets its one scratch allocation with
// exactly one save and one restore.
func TestApplyPostSplicesAfterBase(t *testing.T) {
	p := inst.CatalogProvider{}
	base := basePatch()

	rule := Rule{Condition: condition.True(), Callback: 7, Data: 9, Position: POST}
	result, err := Apply(base, rule, p, nextID())
	require.NoError(t, err)

	// base.Insts(1) + [save(1), 3x(GetConstant+WriteTemp)=6, restore(1)] = 9.
	assert.Len(t, result.Insts, 1+1+6+1)
	// The base instruction must still be first: POST splices after it.
	assert.Equal(t, base.Insts[0], result.Insts[0])
	assert.False(t, result.ModifyPC)
}

// TestApplyPrePrependsBeforeBase verifies PRE instrumentation splices its
// body ahead of the underlying patch's instructions instead of after.
func TestApplyPrePrependsBeforeBase(t *testing.T) {
	p := inst.CatalogProvider{}
	base := basePatch()

	rule := Rule{Condition: condition.True(), Callback: 1, Data: 2, Position: PRE}
	result, err := Apply(base, rule, p, nextID())
	require.NoError(t, err)

	// Without BreakToHost the stored-PC coherence pair (step 2) never
	// runs, regardless of Position: save(1) + 6 + restore(1) = 8, then
	// base.Insts(1) follows.
	assert.Len(t, result.Insts, 8+1)
	assert.Equal(t, base.Insts[0], result.Insts[len(result.Insts)-1])
}

// TestApplyBreakToHostTail is spec.md §8 scenario 6 ("a PRE callback breaks
// to host"): verifies the fixed break-to-host tail (load patch-end, store
// host selector, restore the scratch register, branch to the epilogue) is
// appended, the scratch register's restore is deferred to that tail rather
// than emitted twice, and ModifyPC is forced true for a PRE+BreakToHost
// instrumentation even though the underlying patch never set it.
func TestApplyBreakToHostTail(t *testing.T) {
	p := inst.CatalogProvider{}
	base := basePatch()
	require.False(t, base.ModifyPC)

	rule := Rule{Condition: condition.True(), Callback: 3, Data: 4, Position: PRE, BreakToHost: true}
	result, err := Apply(base, rule, p, nextID())
	require.NoError(t, err)

	assert.True(t, result.ModifyPC, "PRE+BreakToHost must force ModifyPC even if the base patch didn't set it")

	// save(1) + 6 + pc-coherence(2) + restore(0, deferred to the tail) +
	// tail(load=1, store=1, restore=1, branch=1) + base.Insts(1) = 14.
	assert.Len(t, result.Insts, 1+6+2+0+4+1)

	// Without BreakToHost, the same PRE instrumentation skips the
	// pc-coherence pair and restores the scratch register inline instead
	// of deferring it to a tail: plain = save(1)+6+restore(1)+base(1) = 9.
	// The BreakToHost version adds pc-coherence(2) and the tail(4) while
	// dropping the one inline restore it now defers, a net +5.
	plain, err := Apply(base, Rule{Condition: condition.True(), Callback: 3, Data: 4, Position: PRE}, p, nextID())
	require.NoError(t, err)
	assert.Len(t, plain.Insts, 9)
	assert.Equal(t, len(plain.Insts)+5, len(result.Insts))
}

// TestApplyGeneratorsRunAsPartOfBody verifies instr.Generators (the
// caller-supplied extra generator effects beyond the three fixed
// host-state writes) contribute their own relocatables to the body,
// growing the emitted instruction count by exactly what they produce.
func TestApplyGeneratorsRunAsPartOfBody(t *testing.T) {
	p := inst.CatalogProvider{}
	base := basePatch()

	baseline, err := Apply(base, Rule{Condition: condition.True(), Position: POST}, p, nextID())
	require.NoError(t, err)

	withExtra, err := Apply(base, Rule{
		Condition: condition.True(),
		Position:  POST,
		Generators: []generator.Generator{
			generator.GetOperand(extraTemp, 0),
		},
	}, p, nextID())
	require.NoError(t, err)

	// GetOperand contributes one NoReloc relocatable, plus one more
	// save/restore pair for its own distinct temp handle.
	assert.Equal(t, len(baseline.Insts)+3, len(withExtra.Insts))
}
