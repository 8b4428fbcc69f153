// Package patch implements the patch builder of spec.md §4.7: given a
// decoded instruction and the rule that matched it, runs the rule's
// generators against a fresh temp allocator and brackets the result with
// register save/restore sequences. Grounded on the teacher's
// pkg/result/table.go aggregation shape — accumulate a sequence of
// produced items plus derived summary flags — retargeted from "collected
// benchmark results" to "collected relocatable instructions plus
// modifyPC/merge flags".
package patch

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"armpatch/pkg/cpu"
	"armpatch/pkg/generator"
	"armpatch/pkg/inst"
	"armpatch/pkg/reloc"
	"armpatch/pkg/rule"
	"armpatch/pkg/temp"
)

// Patch is the rule engine's output for one decoded instruction (spec.md
// §3). Ownership is single: a Patch is moved into the exec-block writer,
// never shared across patches except as a Merge input.
type Patch struct {
	Inst      inst.Instruction
	Address   uint64
	InstSize  uint8
	Mode      cpu.Mode
	Insts     []reloc.Relocatable
	PatchSize int
	ModifyPC  bool
	Merge     bool
}

// Build runs r's generators against i and brackets the result with
// register saves/restores, per spec.md §4.7 steps 1-5. If mergePatch is
// non-nil (the preceding instruction's rule set the merge flag), the
// new patch keeps mergePatch's address and sums the instruction sizes,
// and mergePatch's instructions are made available to generators via
// GenContext.Merge (consumed by ModifyInstruction).
func Build(i inst.Instruction, addr uint64, size uint8, mode cpu.Mode, r rule.Rule, provider inst.Provider, mergePatch *Patch) (*Patch, error) {
	p := &Patch{Inst: i, Address: addr, InstSize: size, Mode: mode}
	var mergeInsts []reloc.Relocatable
	if mergePatch != nil {
		p.Address = mergePatch.Address
		p.InstSize = mergePatch.InstSize + size
		mergeInsts = mergePatch.Insts
	}

	tm := temp.NewManager(i, provider)

	for _, g := range r.Generators {
		out, err := g.Generate(generator.GenContext{
			Inst:     i,
			Address:  addr,
			Size:     size,
			Mode:     mode,
			Temps:    tm,
			Provider: provider,
			Merge:    mergeInsts,
		})
		if err != nil {
			return nil, fmt.Errorf("patch: build %q: %w", r.Name, err)
		}
		p.Insts = append(p.Insts, out...)
		p.ModifyPC = p.ModifyPC || g.ModifiesPC()
		p.Merge = p.Merge || g.DoesNotInstrument()
	}

	allocated := tm.Allocated()
	saves := make([]reloc.Relocatable, len(allocated))
	restores := make([]reloc.Relocatable, len(allocated))
	for idx, reg := range allocated {
		saves[idx] = SaveReg(reg)
		restores[idx] = RestoreReg(reg)
	}
	p.Insts = append(append(saves, p.Insts...), restores...)
	p.PatchSize = len(p.Insts)
	return p, nil
}

// SaveReg stores the host GPR backing reg into reg's context-block slot,
// so the patch body may repurpose reg as scratch. Exported so
// pkg/instrument can bracket its own, separately-allocated temps with the
// same save/restore shape.
func SaveReg(r cpu.Reg) reloc.Relocatable {
	str := inst.Instruction{Op: inst.STR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return reloc.DataBlockRel(str, 1, cpu.GPROffset(r))
}

// RestoreReg reloads reg from its context-block slot, undoing SaveReg.
func RestoreReg(r cpu.Reg) reloc.Relocatable {
	ldr := inst.Instruction{Op: inst.LDR_SP, Operands: []inst.Operand{
		inst.RegOperand(inst.Reg(r)), inst.ImmOperand(0),
	}}
	return reloc.DataBlockRel(ldr, 1, cpu.GPROffset(r))
}

// Dump renders p as a go-spew structural dump (hejops-gone's debug-dump
// idiom). No test or CLI command calls it.
func Dump(p *Patch) string { return spew.Sdump(p) }
