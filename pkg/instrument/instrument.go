// Package instrument implements the instrumentation rule applier of
// spec.md §4.8: wraps a patch with user-callback machinery (host-state
// writes, an optional break-to-host sequence) and splices the result
// before or after the underlying patch. Grounded on the teacher's
// pkg/search/worker.go callback-dispatch shape, retargeted from "hand a
// result to a worker callback" to "hand control to a host callback mid
// guest execution".
package instrument

import (
	"fmt"

	"armpatch/pkg/condition"
	"armpatch/pkg/cpu"
	"armpatch/pkg/generator"
	"armpatch/pkg/inst"
	"armpatch/pkg/patch"
	"armpatch/pkg/reloc"
	"armpatch/pkg/temp"
)

// Position is where an instrumentation body is spliced relative to the
// underlying patch.
type Position uint8

const (
	PRE Position = iota
	POST
)

// Rule is one registered instrumentation: a condition selecting which
// patched instructions it applies to, the host callback/data to invoke,
// and optional break-to-host behavior (spec.md §3, §4.8). Generators
// holds any additional generator effects beyond the three fixed
// host-state writes Apply always emits.
type Rule struct {
	Condition   condition.Condition
	Callback    uint64
	Data        uint64
	Position    Position
	BreakToHost bool
	Generators  []generator.Generator
}

// scratch is the sole temp handle this package's own allocator hands
// out; spec.md §4.8 step 3 calls it "temp 0" because a fresh Manager's
// first Get always resolves to the lowest free GPR.
const scratch temp.Handle = 0

// Apply implements spec.md §4.8 steps 1-6 and splices the resulting body
// into base per instr.Position. nextInstID reports the engine's current
// monotonically increasing instruction id (spec.md §6's getNextInstID).
func Apply(base *patch.Patch, instr Rule, provider inst.Provider, nextInstID func() uint64) (*patch.Patch, error) {
	tm := temp.NewManager(base.Inst, provider)
	gctx := generator.GenContext{
		Inst: base.Inst, Address: base.Address, Size: base.InstSize,
		Mode: base.Mode, Temps: tm, Provider: provider,
	}

	var body []reloc.Relocatable
	run := func(g generator.Generator) error {
		out, err := g.Generate(gctx)
		if err != nil {
			return fmt.Errorf("instrument: apply: %w", err)
		}
		body = append(body, out...)
		return nil
	}

	// Step 1: host-state writes for callback, data, and engine-assigned
	// origin id.
	steps := []generator.Generator{
		generator.GetConstant(scratch, uint32(instr.Callback)),
		generator.WriteTemp(scratch, cpu.Offset(cpu.FieldHostCallback)),
		generator.GetConstant(scratch, uint32(instr.Data)),
		generator.WriteTemp(scratch, cpu.Offset(cpu.FieldHostData)),
		generator.GetConstant(scratch, uint32(nextInstID())),
		generator.WriteTemp(scratch, cpu.Offset(cpu.FieldHostOrigin)),
	}
	for _, g := range steps {
		if err := run(g); err != nil {
			return nil, err
		}
	}
	for _, g := range instr.Generators {
		if err := run(g); err != nil {
			return nil, err
		}
	}

	// Step 2: stored-PC coherence, if break-to-host needs it and the
	// underlying patch doesn't already keep the stored PC coherent.
	if instr.BreakToHost && (instr.Position == PRE || !base.ModifyPC) {
		pcValue := base.Address
		if instr.Position == POST {
			pcValue = base.Address + uint64(base.InstSize)
		}
		if err := run(generator.GetConstant(scratch, uint32(pcValue))); err != nil {
			return nil, err
		}
		if err := run(generator.WriteTemp(scratch, cpu.Offset(cpu.FieldPC))); err != nil {
			return nil, err
		}
	}

	// Step 3 ("force allocation of temp 0 if break-to-host needs a
	// scratch and none was allocated") is satisfied automatically: step
	// 1 above always allocates `scratch` before any BreakToHost check
	// runs.
	scratchReg := tm.Get(scratch)

	// Steps 4-5: bracket every temp this applier's own allocator handed
	// out, except that the scratch register is restored by the
	// break-to-host tail (step 6) instead of here, when that tail runs.
	allocated := tm.Allocated()
	saves := make([]reloc.Relocatable, len(allocated))
	var restores []reloc.Relocatable
	for idx, reg := range allocated {
		saves[idx] = patch.SaveReg(reg)
		if instr.BreakToHost && reg == scratchReg {
			continue
		}
		restores = append(restores, patch.RestoreReg(reg))
	}
	body = append(append(saves, body...), restores...)

	// Step 6: fixed break-to-host tail.
	if instr.BreakToHost {
		patchEnd := base.Address + uint64(base.InstSize)
		tail, err := breakToHostTail(gctx, scratchReg, patchEnd)
		if err != nil {
			return nil, err
		}
		body = append(body, tail...)
	}

	result := &patch.Patch{
		Inst:     base.Inst,
		Address:  base.Address,
		InstSize: base.InstSize,
		Mode:     base.Mode,
		ModifyPC: base.ModifyPC || (instr.BreakToHost && instr.Position == PRE),
		Merge:    base.Merge,
	}
	if instr.Position == PRE {
		result.Insts = append(append([]reloc.Relocatable{}, body...), base.Insts...)
	} else {
		result.Insts = append(append([]reloc.Relocatable{}, base.Insts...), body...)
	}
	result.PatchSize = len(result.Insts)
	return result, nil
}

// breakToHostTail builds step 6's fixed sequence: load the patch-end
// address into the scratch register, store it into the host selector
// slot so the exec block resumes there on re-entry, restore the scratch
// register's original content, then branch to the epilogue.
func breakToHostTail(gctx generator.GenContext, scratchReg cpu.Reg, patchEnd uint64) ([]reloc.Relocatable, error) {
	var out []reloc.Relocatable
	load, err := generator.GetConstant(scratch, uint32(patchEnd)).Generate(gctx)
	if err != nil {
		return nil, err
	}
	out = append(out, load...)
	store, err := generator.WriteTemp(scratch, cpu.Offset(cpu.FieldHostSelector)).Generate(gctx)
	if err != nil {
		return nil, err
	}
	out = append(out, store...)
	out = append(out, patch.RestoreReg(scratchReg))
	jump := inst.Instruction{Op: inst.B_IMM, Operands: []inst.Operand{inst.ImmOperand(0)}}
	out = append(out, reloc.EpilogueRel(jump, 0, 0))
	return out, nil
}
