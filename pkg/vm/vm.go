// Package vm implements the public façade of spec.md §6: VM construction,
// instrumentation-callback registration, instrumentAllExecutableMaps, and
// run. Grounded on the teacher's cmd/z80opt/main.go top-level
// orchestration shape (a Config struct threaded through a Run-style entry
// point, Verbose-gated fmt.Fprintf progress lines) and pkg/search.Config's
// plain-struct configuration idiom.
package vm

import (
	"fmt"
	"os"

	"armpatch/pkg/condition"
	"armpatch/pkg/cpu"
	"armpatch/pkg/execblock"
	"armpatch/pkg/inst"
	"armpatch/pkg/instrument"
	"armpatch/pkg/interp"
	"armpatch/pkg/patch"
	"armpatch/pkg/rule"
)

// Action reports what the dispatcher should do next: keep translating
// guest code, or unwind back to the caller of Run.
type Action int

const (
	Continue Action = iota
	Stop
)

// Callback is the host-side function invoked when an instrumented
// instruction fires (spec.md §6, §4.8). It observes (and may mutate) the
// live guest context and reports whether the run should stop.
type Callback func(ctx *cpu.ContextBlock) Action

// Decoder is the external capability spec.md §1 keeps outside the core:
// given a guest address, decode the instruction there. pkg/vm never
// decodes raw bytes itself; the CLI harness and tests supply one over
// whatever guest image they hold (a hand-built map, a loaded ELF, ...).
type Decoder interface {
	Decode(addr uint64) (inst.Instruction, error)
}

// Config configures a VM the way the teacher's search.Config/
// gpu.SearchConfig configure a search run: a plain struct, no flag
// binding here (that lives in cmd/armpatch-trace).
type Config struct {
	Verbose       bool // print one line per emitted patch to stderr
	MaxPatchWords int  // warn (not fail) when a single patch exceeds this many relocatables; 0 disables the check
}

// instrumentation is one registered callback plus the instrument.Rule
// condition/position/break-to-host behavior it compiles down to.
type instrumentation struct {
	rule instrument.Rule
	cb   Callback
}

// VM is the public façade of spec.md §6. It owns its rule table, exec
// block, and context; per spec.md §5 it is not safe for concurrent use
// from multiple host threads, and AddInstrumentation must not be called
// concurrently with Run.
type VM struct {
	cfg      Config
	rules    *rule.RuleTable
	eb       *execblock.MMapExecBlock
	provider inst.Provider
	decoder  Decoder
	mode     cpu.Mode

	instrumentations []instrumentation
	nextCallbackID   uint64

	merge *patch.Patch
}

// New constructs a VM over eb, using rules to select patches and decoder
// to resolve guest addresses to decoded instructions.
func New(eb *execblock.MMapExecBlock, rules *rule.RuleTable, decoder Decoder, mode cpu.Mode, cfg Config) *VM {
	return &VM{
		cfg:      cfg,
		rules:    rules,
		eb:       eb,
		provider: inst.CatalogProvider{},
		decoder:  decoder,
		mode:     mode,
	}
}

// AddInstrumentation registers cb to fire at pos relative to the
// instruction(s) addr selects (spec.md §6: "callback registration, address
// or global, PRE or POST"). addr == nil registers a global callback that
// fires for every instrumented instruction. data is opaque host-side
// payload threaded through to the generated patch's host-state write
// (spec.md §4.8 step 1); breakToHost requests the full break-to-host tail
// of spec.md §4.8 step 6 be emitted alongside it.
func (vm *VM) AddInstrumentation(addr *uint64, pos instrument.Position, cb Callback, data uint64, breakToHost bool) {
	cond := condition.True()
	if addr != nil {
		cond = condition.AddressIs(*addr)
	}
	id := vm.nextCallbackID
	vm.nextCallbackID++
	vm.instrumentations = append(vm.instrumentations, instrumentation{
		rule: instrument.Rule{
			Condition:   cond,
			Callback:    id,
			Data:        data,
			Position:    pos,
			BreakToHost: breakToHost,
		},
		cb: cb,
	})
}

// InstrumentAllExecutableMaps is a documented stub. spec.md §6 lists it
// among the core's public entry points, but discovering every executable
// /proc/self/maps region belongs to the memory-map-discovery layer spec.md
// §1 keeps out of scope for a reference implementation built around one
// explicitly-constructed exec block. It returns that block unchanged.
func (vm *VM) InstrumentAllExecutableMaps() *execblock.MMapExecBlock {
	return vm.eb
}

// matching returns, in registration order, every instrumentation whose
// condition matches i.
func (vm *VM) matching(i inst.Instruction) []instrumentation {
	var out []instrumentation
	for _, ins := range vm.instrumentations {
		if ins.rule.Condition.Match(i, vm.provider) {
			out = append(out, ins)
		}
	}
	return out
}

// Run drives the dispatcher loop from start until the stored PC equals
// endSentinel or a callback returns Stop (spec.md §5, §6): decode, select
// a rule, build a patch, apply any matching instrumentation, emit and step
// it, then either fall through to the next instruction or follow the
// stored PC the patch just wrote.
//
// There is no real host/guest context-switch boundary in this reference
// dispatcher (spec.md keeps the actual exec-block allocator and context
// switch external): instrument.Apply still builds the faithful host-state
// write and break-to-host relocatable sequence, and pkg/interp still steps
// it against the context block, but the registered Go callback itself is
// invoked directly by this loop at the instrumentation's Position, rather
// than by a literal epilogue jump back into host code.
func (vm *VM) Run(start, endSentinel uint64) (Action, error) {
	addr := start
	for {
		if addr == endSentinel {
			return Continue, nil
		}
		next, action, err := vm.Step(addr)
		if err != nil {
			return 0, err
		}
		if action == Stop {
			return Stop, nil
		}
		addr = next
	}
}

// Step performs exactly one dispatch iteration starting at addr: decode,
// match, build, instrument, emit and step, then report the address the
// dispatcher would visit next. It exists as its own exported method (rather
// than inlined into Run's loop) so a caller driving an interactive view
// (cmd/armpatch-trace's trace subcommand) can pause between instructions
// without reimplementing the dispatch logic. A merge-flagged patch (spec.md
// §4.7) is not emitted or stepped: Step returns addr plus the instruction
// size with Continue, and holds the patch in the vm.merge field so the next
// Step call folds it into the following instruction's patch.
func (vm *VM) Step(addr uint64) (next uint64, action Action, err error) {
	ctx := vm.eb.Context()

	i, err := vm.decoder.Decode(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("vm: decode %#x: %w", addr, err)
	}

	r, _, ok := vm.rules.Match(i, vm.provider)
	if !ok {
		panic(fmt.Sprintf("vm: no rule matched %s at %#x — rule-table exhaustion is a design-time invariant", inst.Name(i.Op), addr))
	}

	p, err := patch.Build(i, addr, i.Size, vm.mode, r, vm.provider, vm.merge)
	if err != nil {
		return 0, 0, fmt.Errorf("vm: build patch at %#x: %w", addr, err)
	}
	if p.Merge {
		vm.merge = p
		return addr + uint64(i.Size), Continue, nil
	}
	vm.merge = nil

	matches := vm.matching(i)

	for _, m := range matches {
		if m.rule.Position != instrument.PRE {
			continue
		}
		ctx.GPR.PC = uint32(addr)
		if m.cb(ctx) == Stop {
			return addr, Stop, nil
		}
	}

	for _, m := range matches {
		p, err = instrument.Apply(p, m.rule, vm.provider, vm.eb.NextInstID)
		if err != nil {
			return 0, 0, fmt.Errorf("vm: instrument %#x: %w", addr, err)
		}
	}

	if err := vm.emitAndStep(p); err != nil {
		return 0, 0, err
	}

	if vm.cfg.MaxPatchWords > 0 && p.PatchSize > vm.cfg.MaxPatchWords {
		fmt.Fprintf(os.Stderr, "vm: patch at %#x (%s) emits %d words, over the %d configured limit\n",
			addr, inst.Name(i.Op), p.PatchSize, vm.cfg.MaxPatchWords)
	}
	if vm.cfg.Verbose {
		fmt.Fprintf(os.Stderr, "vm: %#x %s -> %d words, modifyPC=%v\n", addr, inst.Name(i.Op), p.PatchSize, p.ModifyPC)
	}

	for _, m := range matches {
		if m.rule.Position != instrument.POST {
			continue
		}
		// Unlike the PRE loop above, ctx.GPR.PC is left as whatever the
		// just-stepped patch set it to: for a branch rule that's the real
		// target; for an ordinary instruction it is past addr only when a
		// break-to-host instrumentation's stored-PC coherence write ran,
		// and otherwise it keeps its earlier value.
		if m.cb(ctx) == Stop {
			return addr, Stop, nil
		}
	}

	if p.ModifyPC {
		return uint64(ctx.GPR.PC), Continue, nil
	}
	return addr + uint64(i.Size), Continue, nil
}

// emitAndStep relocates and emits every instruction in p into the exec
// block, then steps each one through pkg/interp, in order. The code page
// is briefly unlocked for the write and resealed immediately after,
// matching the W^X discipline spec.md §4.9 assumes of a real exec block.
func (vm *VM) emitAndStep(p *patch.Patch) error {
	if err := vm.eb.Unlock(); err != nil {
		return fmt.Errorf("vm: unlock: %w", err)
	}
	first := len(vm.eb.Insts())
	for _, r := range p.Insts {
		relocated, err := r.Reloc(vm.eb, vm.mode)
		if err != nil {
			return fmt.Errorf("vm: reloc: %w", err)
		}
		// The assembler is an external capability (spec.md §1); this
		// reference dispatcher never encodes relocated.Op into real
		// machine bits, so it writes a placeholder word. pkg/interp never
		// reads code-page bytes back, only Insts(), so this is safe.
		if _, err := vm.eb.Emit(relocated, 0); err != nil {
			return fmt.Errorf("vm: emit: %w", err)
		}
	}
	if err := vm.eb.Finalize(); err != nil {
		return fmt.Errorf("vm: finalize: %w", err)
	}
	for _, ri := range vm.eb.Insts()[first:] {
		if err := interp.Step(vm.eb.Context(), vm.eb, ri); err != nil {
			return fmt.Errorf("vm: step: %w", err)
		}
	}
	return nil
}
