// Package rule holds the ordered ARM/Thumb patch rule table of spec.md
// §4.6: a first-match-wins list of (condition, generator-sequence) pairs
// encoding ARM/Thumb PC-relative and control-transfer semantics. Grounded
// on the teacher's cmd/z80opt rule-registration pattern and
// pkg/search/pruner.go's ordered-predicate evaluation, generalized from
// "which peephole rewrite applies to this window" to "which relocation
// recipe applies to this PC-touching instruction".
package rule

import (
	"sync"

	"armpatch/pkg/condition"
	"armpatch/pkg/cpu"
	"armpatch/pkg/generator"
	"armpatch/pkg/inst"
	"armpatch/pkg/reloc"
	"armpatch/pkg/temp"
	"armpatch/pkg/transform"
)

// temp0/temp1 are the two scratch handles every rule in this table needs
// at most of; the allocator resolves them to concrete, possibly distinct,
// GPRs per patch (spec.md §4.2).
const (
	temp0 temp.Handle = 0
	temp1 temp.Handle = 1
)

// Rule is one entry of the table: a predicate plus the generator sequence
// run when it matches (spec.md §4.6).
type Rule struct {
	Name       string
	Condition  condition.Condition
	Generators []generator.Generator
}

func modify(transforms ...transform.Transform) generator.Generator {
	return generator.ModifyInstruction(func(i inst.Instruction, tm *temp.Manager) inst.Instruction {
		return transform.Apply(i, transforms, tm)
	})
}

// cbzBranch dynamically fixes the flags-test condition to EQ for tCBZ and
// NE for tCBNZ, since both opcodes share rule 11 but branch on opposite
// senses of "register is zero". Kept local to this package rather than a
// pkg/generator primitive: it is rule-table glue, not a reusable patch
// generator building block.
type cbzBranch struct {
	dst temp.Handle
	opn int
}

func (c cbzBranch) ModifiesPC() bool        { return false }
func (c cbzBranch) DoesNotInstrument() bool { return false }

func (c cbzBranch) Generate(ctx generator.GenContext) ([]reloc.Relocatable, error) {
	cond := inst.CondEQ
	if ctx.Inst.Op == inst.T_CBNZ {
		cond = inst.CondNE
	}
	return generator.GetPCOffsetFromOperandCondFixed(c.dst, c.opn, cond).Generate(ctx)
}

func init() {
	Table = NewTable(defaultRules())
}

// Table is the engine-wide default ARM/Thumb rule table, built once at
// package init (spec.md §3: "rule tables... constructed once at VM
// initialization").
var Table *RuleTable

// RuleTable is an ordered, read-only rule list with a lazily-built
// address-range index (spec.md §4.6's closing paragraph: "conditions...
// and their affectedRange() combine to form a global map from address
// ranges to candidate rules"). Grounded on pkg/result/table.go's
// lazily-built index pattern, with the mutex replaced by sync.Once since
// this table never mutates after construction.
type RuleTable struct {
	rules []Rule

	indexOnce sync.Once
	index     []indexEntry
}

type indexEntry struct {
	r   condition.AddrRange
	idx int
}

// NewTable builds a RuleTable over rules, evaluated in the given order.
func NewTable(rules []Rule) *RuleTable { return &RuleTable{rules: rules} }

// Rules returns the table's rules in evaluation order.
func (t *RuleTable) Rules() []Rule { return t.rules }

// Match scans the table in order and returns the first rule whose
// condition holds, its index, and true. If nothing matches (impossible
// with the default trailing True() rule, but a caller may build a custom
// table without one) it returns false.
func (t *RuleTable) Match(i inst.Instruction, p inst.Provider) (Rule, int, bool) {
	for idx, r := range t.rules {
		if r.Condition.Match(i, p) {
			return r, idx, true
		}
	}
	return Rule{}, -1, false
}

func (t *RuleTable) buildIndex() {
	t.index = make([]indexEntry, len(t.rules))
	for i, r := range t.rules {
		t.index[i] = indexEntry{r: r.Condition.AffectedRange(), idx: i}
	}
}

// CandidatesForAddress returns the indices of every rule whose
// AffectedRange contains addr, building the index on first use.
func (t *RuleTable) CandidatesForAddress(addr uint64) []int {
	t.indexOnce.Do(t.buildIndex)
	var out []int
	for _, e := range t.index {
		if e.r.Contains(addr) {
			out = append(out, e.idx)
		}
	}
	return out
}

// defaultRules builds the 18-entry ARM/Thumb table of spec.md §4.6,
// rules 0-17 in order.
func defaultRules() []Rule {
	return []Rule{
		{ // 0: BX PC, tBX PC
			Name: "bx-pc",
			Condition: condition.Or([]condition.Condition{
				condition.And([]condition.Condition{condition.OpIs(inst.BX), condition.RegIs(0, cpu.PC)}),
				condition.And([]condition.Condition{condition.OpIs(inst.T_BX), condition.RegIs(0, cpu.PC)}),
			}),
			Generators: []generator.Generator{
				generator.GetPCOffset(temp0, 0),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 1: BX Rn, tBX Rn
			Name: "bx-reg",
			Condition: condition.Or([]condition.Condition{
				condition.OpIs(inst.BX), condition.OpIs(inst.T_BX),
			}),
			Generators: []generator.Generator{
				generator.GetOperand(temp0, 0),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 2: BLX Rn
			Name:      "blx-reg",
			Condition: condition.OpIs(inst.BLX_REG),
			Generators: []generator.Generator{
				generator.GetOperand(temp0, 0),
				generator.SimulateLink(temp1),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 3: BL imm (ARM)
			Name:      "bl-imm",
			Condition: condition.OpIs(inst.BL_IMM),
			Generators: []generator.Generator{
				generator.GetPCOffsetFromOperand(temp0, 0),
				generator.SimulateLink(temp1),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
			},
		},
		{ // 4: BLX imm (ARM)
			Name:      "blx-imm",
			Condition: condition.OpIs(inst.BLX_IMM),
			Generators: []generator.Generator{
				generator.GetPCOffsetFromOperand(temp0, 0),
				generator.SimulateLink(temp1),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 5: tBL imm
			Name:      "tbl-imm",
			Condition: condition.OpIs(inst.T_BL),
			Generators: []generator.Generator{
				generator.GetPCOffsetFromOperand(temp0, 2),
				generator.SimulateLink(temp1),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
			},
		},
		{ // 6: tBLX imm
			Name:      "tblx-imm",
			Condition: condition.OpIs(inst.T_BLX),
			Generators: []generator.Generator{
				generator.GetPCOffsetFromOperand(temp0, 2),
				generator.SimulateLink(temp1),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 7: tB, t2B
			Name: "t-b",
			Condition: condition.Or([]condition.Condition{
				condition.OpIs(inst.T_B), condition.OpIs(inst.T2_B),
			}),
			Generators: []generator.Generator{
				generator.GetPCOffsetFromOperand(temp0, 0),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
			},
		},
		{ // 8: BX_RET / MOVPCLR, conditional aware
			Name:      "bx-ret",
			Condition: condition.OpIs(inst.BX_RET),
			Generators: []generator.Generator{
				generator.GetPCOffsetNext(temp0),
				modify(
					transform.SetOpcode(inst.MOVCC_REG),
					transform.SetOperand(0, transform.FromTemp(temp0)),
					transform.SetOperand(1, transform.FromReg(cpu.LR)),
				),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 9: Bcc imm (ARM)
			Name:      "bcc-imm",
			Condition: condition.OpIs(inst.BCC_IMM),
			Generators: []generator.Generator{
				generator.GetPCOffsetNext(temp0),
				generator.GetPCOffsetFromOperandCond(temp0, 0),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
			},
		},
		{ // 10: tBcc imm
			Name:      "tbcc-imm",
			Condition: condition.OpIs(inst.T_BCC),
			Generators: []generator.Generator{
				generator.GetPCOffsetNext(temp0),
				generator.GetPCOffsetFromOperandCond(temp0, 0),
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
			},
		},
		{ // 11: tCBZ, tCBNZ
			Name: "t-cbz",
			Condition: condition.Or([]condition.Condition{
				condition.OpIs(inst.T_CBZ), condition.OpIs(inst.T_CBNZ),
			}),
			Generators: []generator.Generator{
				generator.GetPCOffsetNext(temp0),
				modify(transform.SetOpcode(inst.CMP_IMM), transform.SetOperand(1, transform.FromImm(0))),
				cbzBranch{dst: temp0, opn: 1},
				generator.WriteTemp(temp0, cpu.Offset(cpu.FieldPC)),
			},
		},
		{ // 12: LDMIA rd!, {..., PC}
			Name:      "ldm-pc",
			Condition: condition.OpIs(inst.LDM_PC),
			Generators: []generator.Generator{
				modify(transform.RemoveOperand(cpu.PC)),
				generator.SimulatePopPC(temp0),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 13: tPOP {..., PC}
			// Diverges from upstream QBDI, which omits SimulateExchange
			// here: a POP{...,PC} on this ISA is an interworking return,
			// so the ISA-switch bit must be taken from the popped value
			// (see DESIGN.md Open Question decisions).
			Name:      "t-pop-pc",
			Condition: condition.OpIs(inst.T_POP_PC),
			Generators: []generator.Generator{
				// A tPOP with PC removed from its reglist is exactly a
				// plain POP (same implicit SP use/def, same writeback) —
				// retag the opcode so pkg/interp's existing POP case can
				// step it, rather than leaving the Thumb-specific tag on
				// an instruction that is no longer PC-popping.
				modify(transform.RemoveOperand(cpu.PC), transform.SetOpcode(inst.POP)),
				generator.SimulatePopPC(temp0),
				generator.SimulateExchange(temp0),
			},
		},
		{ // 14: any instruction with PC as destination operand 0
			Name:      "pc-dest",
			Condition: condition.RegIs(0, cpu.PC),
			Generators: []generator.Generator{
				generator.GetPCOffsetNext(temp1),
				generator.GetPCOffset(temp0, 0),
				modify(
					transform.SetOperand(0, transform.FromTemp(temp1)),
					transform.SubstituteWithTemp(cpu.PC, temp0),
				),
				generator.WriteTemp(temp1, cpu.Offset(cpu.FieldPC)),
				generator.SimulateExchange(temp1),
			},
		},
		{ // 15: any instruction using PC as a source
			Name:      "pc-source",
			Condition: condition.UseReg(cpu.PC),
			Generators: []generator.Generator{
				generator.GetPCOffset(temp0, 0),
				modify(transform.SubstituteWithTemp(cpu.PC, temp0)),
			},
		},
		{ // 16: tLDRpci
			Name:      "t-ldr-pci",
			Condition: condition.OpIs(inst.T_LDR_PC),
			Generators: []generator.Generator{
				generator.GetPCOffset(temp0, 0),
				modify(transform.ThumbLDRpciTransform(temp0)),
			},
		},
		{ // 17: default, pass-through copy
			Name:       "default",
			Condition:  condition.True(),
			Generators: []generator.Generator{modify()},
		},
	}
}
