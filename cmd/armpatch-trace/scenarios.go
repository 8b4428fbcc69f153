package main

import (
	"fmt"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

// mapDecoder is a vm.Decoder backed by a fixed address->instruction map,
// the stand-in for a real disassembler (spec.md §1 keeps decoding
// external). Built directly from a literal guest program the way a test
// fixture would be, since this harness has no ELF/Mach-O loader.
type mapDecoder map[uint64]inst.Instruction

func (d mapDecoder) Decode(addr uint64) (inst.Instruction, error) {
	i, ok := d[addr]
	if !ok {
		return inst.Instruction{}, fmt.Errorf("no instruction decoded at %#x", addr)
	}
	return i, nil
}

// scenario bundles a named demo guest program with its entry point, exit
// sentinel, and starting register state — spec.md §8's "Simple return"
// scenario by default, since it is the smallest end-to-end walk through
// the whole pipeline (decode, rule match, build, instrument, emit, step).
type scenario struct {
	Name     string
	Decoder  mapDecoder
	Mode     cpu.Mode
	Start    uint64
	Sentinel uint64
	Setup    func(ctx *cpu.ContextBlock)
}

// simpleReturnScenario reproduces spec.md §8 scenario 1: "MOV R0, #42 ; BX
// LR" entered with a fake return address. After Run, R0 == 42 and the
// dispatcher returns once the stored PC reaches the sentinel.
func simpleReturnScenario() scenario {
	const (
		entry   = 0x2000
		sentVal = 0x2A
	)
	d := mapDecoder{
		entry: {
			Op:      inst.MOV_IMM,
			Address: entry,
			Size:    4,
			Operands: []inst.Operand{
				inst.RegOperand(inst.Reg(cpu.R0)),
				inst.ImmOperand(42),
			},
		},
		entry + 4: {
			Op:      inst.BX,
			Address: entry + 4,
			Size:    4,
			Operands: []inst.Operand{
				inst.RegOperand(inst.Reg(cpu.LR)),
			},
		},
	}
	return scenario{
		Name:     "simple-return",
		Decoder:  d,
		Mode:     cpu.ARM,
		Start:    entry,
		Sentinel: sentVal,
		Setup: func(ctx *cpu.ContextBlock) {
			ctx.GPR.LR = sentVal
		},
	}
}

var scenarios = map[string]func() scenario{
	"simple-return": simpleReturnScenario,
}
