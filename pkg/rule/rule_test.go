package rule

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armpatch/pkg/condition"
	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

// TestDefaultTableOrder spot-checks that rules earlier in defaultRules win
// over the catch-all "pc-dest"/"pc-source" rules further down the table,
// i.e. Match really is first-match-wins and not best-match.
func TestDefaultTableOrder(t *testing.T) {
	p := inst.CatalogProvider{}

	bxPC := inst.Instruction{Op: inst.BX, Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.PC))}}
	r, idx, ok := Table.Match(bxPC, p)
	require.True(t, ok)
	assert.Equal(t, "bx-pc", r.Name)
	assert.Equal(t, 0, idx)

	bxReg := inst.Instruction{Op: inst.BX, Operands: []inst.Operand{inst.RegOperand(inst.Reg(cpu.R3))}}
	r, _, ok = Table.Match(bxReg, p)
	require.True(t, ok)
	assert.Equal(t, "bx-reg", r.Name)

	// An instruction with PC named as the destination operand but that
	// isn't one of the named early opcodes should fall to "pc-dest", not
	// "default".
	addPCDst := inst.Instruction{Op: inst.ADD_PC_DST, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.PC)), inst.RegOperand(inst.Reg(cpu.R1)), inst.RegOperand(inst.Reg(cpu.R2)),
	}}
	r, _, ok = Table.Match(addPCDst, p)
	require.True(t, ok)
	assert.Equal(t, "pc-dest", r.Name)

	// Plain, PC-free data processing falls all the way through to "default".
	plain := inst.Instruction{Op: inst.MOV_IMM, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(cpu.R0)), inst.ImmOperand(7),
	}}
	r, idx, ok = Table.Match(plain, p)
	require.True(t, ok)
	assert.Equal(t, "default", r.Name)
	assert.Equal(t, len(Table.Rules())-1, idx)
}

// randInstruction builds an instruction over a random opcode and a
// plausible operand shape, in the spirit of the now-retired
// pkg/stoke/mutator.go fuzz-instruction generator (math/rand/v2 +
// rand.NewPCG(seed, seed) for reproducibility).
func randInstruction(rng *rand.Rand) inst.Instruction {
	ops := inst.AllOps()
	op := ops[rng.IntN(len(ops))]

	regs := []cpu.Reg{cpu.R0, cpu.R1, cpu.R2, cpu.R3, cpu.SP, cpu.LR, cpu.PC}
	randReg := func() cpu.Reg { return regs[rng.IntN(len(regs))] }

	n := rng.IntN(3)
	operands := make([]inst.Operand, n)
	for i := range operands {
		if rng.IntN(2) == 0 {
			operands[i] = inst.RegOperand(inst.Reg(randReg()))
		} else {
			operands[i] = inst.ImmOperand(int64(rng.IntN(4096)))
		}
	}
	return inst.Instruction{Op: op, Operands: operands, Address: uint64(rng.IntN(1 << 20))}
}

// TestExhaustiveness is testable property 1: the rule table is total — no
// decoded instruction, however arbitrary its operands, can fail to match
// some rule, because the trailing True() rule always matches. Fuzzes a
// large, seeded sample the way stoke_test.go fuzzed random Z80 sequences.
func TestExhaustiveness(t *testing.T) {
	p := inst.CatalogProvider{}
	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 5000; i++ {
		i := randInstruction(rng)
		_, _, ok := Table.Match(i, p)
		require.True(t, ok, "instruction %+v failed to match any rule", i)
	}
}

// TestCandidatesForAddress verifies the lazy address-range index agrees
// with a linear scan of AffectedRange over the same table.
func TestCandidatesForAddress(t *testing.T) {
	table := NewTable([]Rule{
		{Name: "narrow", Condition: condition.InstructionInRange(0x100, 0x200)},
		{Name: "wide", Condition: condition.True()},
	})
	got := table.CandidatesForAddress(0x150)
	assert.ElementsMatch(t, []int{0, 1}, got)

	got = table.CandidatesForAddress(0x300)
	assert.ElementsMatch(t, []int{1}, got)
}

// TestMatchNoRulesConfigured verifies Match reports false, not a panic, on
// a table with no trailing catch-all — the one configuration where
// exhaustiveness is not guaranteed.
func TestMatchNoRulesConfigured(t *testing.T) {
	table := NewTable([]Rule{
		{Name: "never", Condition: condition.OpIs(inst.T_BLX)},
	})
	_, idx, ok := table.Match(inst.Instruction{Op: inst.MOV_IMM}, inst.CatalogProvider{})
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}
