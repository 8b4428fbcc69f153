// Package condition implements the patch-condition predicates of spec.md
// §4.4: boolean tests over a decoded instruction used to select which rule
// in the patch table applies. Grounded on the teacher's
// pkg/search/pruner.go, which is exactly this shape already — a set of
// small predicate functions over an inst.Instruction/OpCode
// (isSelfLoad, isDeadWrite, areIndependent) composed by ShouldPrune. Here
// the predicates are promoted to first-class values (spec.md's closed sum
// type) so they can be composed with And/Or/Not and each carry an
// AffectedRange, instead of being inlined boolean expressions.
package condition

import (
	"math"

	"armpatch/pkg/cpu"
	"armpatch/pkg/inst"
)

// AddrRange is an inclusive-exclusive [Start, End) address range.
type AddrRange struct {
	Start, End uint64
}

// Full is the unbounded range: "every address".
func Full() AddrRange { return AddrRange{0, math.MaxUint64} }

// Intersect returns the overlap of a and b (empty if they don't overlap).
func (a AddrRange) Intersect(b AddrRange) AddrRange {
	start := a.Start
	if b.Start > start {
		start = b.Start
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	if end < start {
		end = start
	}
	return AddrRange{start, end}
}

// Union returns the smallest range containing both a and b.
func (a AddrRange) Union(b AddrRange) AddrRange {
	start := a.Start
	if b.Start < start {
		start = b.Start
	}
	end := a.End
	if b.End > end {
		end = b.End
	}
	return AddrRange{start, end}
}

// Contains reports whether addr falls in [Start, End).
func (a AddrRange) Contains(addr uint64) bool { return addr >= a.Start && addr < a.End }

// Condition is a predicate over a decoded instruction, evaluated with the
// instruction-info provider available for implicit-use/def queries.
type Condition interface {
	Match(i inst.Instruction, provider inst.Provider) bool
	// AffectedRange returns the address range over which this condition
	// can possibly fire, used to index rules by address for cache
	// invalidation (spec.md §4.4, §4.6).
	AffectedRange() AddrRange
}

type fullRangeCondition struct {
	match func(i inst.Instruction, provider inst.Provider) bool
}

func (c fullRangeCondition) Match(i inst.Instruction, p inst.Provider) bool { return c.match(i, p) }
func (c fullRangeCondition) AffectedRange() AddrRange                       { return Full() }

func pred(f func(i inst.Instruction, p inst.Provider) bool) Condition {
	return fullRangeCondition{match: f}
}

// True always matches.
func True() Condition {
	return pred(func(inst.Instruction, inst.Provider) bool { return true })
}

// MnemonicIs matches when the provider's mnemonic for the instruction's
// opcode equals name.
func MnemonicIs(name string) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool { return p.Name(i.Op) == name })
}

// OpIs matches a specific opcode.
func OpIs(op inst.OpCode) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool { return i.Op == op })
}

// RegIs matches when operand opn is register reg.
func RegIs(opn int, reg cpu.Reg) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		if opn < 0 || opn >= len(i.Operands) {
			return false
		}
		op := i.Operands[opn]
		return op.Kind == inst.OperandReg && cpu.Reg(op.Reg) == reg
	})
}

// UseReg matches when any operand, or any implicit use/def, names reg.
func UseReg(reg cpu.Reg) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		if i.UsesReg(inst.Reg(reg)) {
			return true
		}
		uses := p.ImplicitUses(i.Op) | p.ImplicitDefs(i.Op)
		return uses.Has(reg)
	})
}

// OperandIsReg matches when operand opn exists and is a register.
func OperandIsReg(opn int) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		return opn >= 0 && opn < len(i.Operands) && i.Operands[opn].Kind == inst.OperandReg
	})
}

// OperandIsImm matches when operand opn exists and is an immediate.
func OperandIsImm(opn int) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		return opn >= 0 && opn < len(i.Operands) && i.Operands[opn].Kind == inst.OperandImm
	})
}

// InstructionInRange matches instructions whose address lies in [start,
// end), and narrows AffectedRange accordingly.
func InstructionInRange(start, end uint64) Condition {
	return rangedCondition{
		r: AddrRange{start, end},
		match: func(i inst.Instruction, p inst.Provider) bool {
			return i.Address >= start && i.Address < end
		},
	}
}

// AddressIs matches a single instruction address.
func AddressIs(addr uint64) Condition {
	return rangedCondition{
		r: AddrRange{addr, addr + 1},
		match: func(i inst.Instruction, p inst.Provider) bool {
			return i.Address == addr
		},
	}
}

type rangedCondition struct {
	r     AddrRange
	match func(i inst.Instruction, p inst.Provider) bool
}

func (c rangedCondition) Match(i inst.Instruction, p inst.Provider) bool { return c.match(i, p) }
func (c rangedCondition) AffectedRange() AddrRange                       { return c.r }

// DoesReadAccess matches instructions that read memory.
func DoesReadAccess() Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool { return catalogInfo(i).ReadsMemory })
}

// DoesWriteAccess matches instructions that write memory.
func DoesWriteAccess() Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool { return catalogInfo(i).WritesMemory })
}

// ReadAccessSizeIs matches read instructions of exactly n bytes.
func ReadAccessSizeIs(n uint8) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		info := catalogInfo(i)
		return info.ReadsMemory && info.AccessSize == n
	})
}

// WriteAccessSizeIs matches write instructions of exactly n bytes.
func WriteAccessSizeIs(n uint8) Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		info := catalogInfo(i)
		return info.WritesMemory && info.AccessSize == n
	})
}

// IsStackRead matches memory reads based at SP.
func IsStackRead() Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		info := catalogInfo(i)
		return info.ReadsMemory && info.IsStackAccess
	})
}

// IsStackWrite matches memory writes based at SP.
func IsStackWrite() Condition {
	return pred(func(i inst.Instruction, p inst.Provider) bool {
		info := catalogInfo(i)
		return info.WritesMemory && info.IsStackAccess
	})
}

func catalogInfo(i inst.Instruction) inst.Info { return inst.Catalog[i.Op] }

// andCondition / orCondition short-circuit (testable property 5) and their
// AffectedRange intersects/unions children (testable property 6).
type andCondition struct{ cs []Condition }

// And intersects: matches only if every child matches. Short-circuits on
// the first false child.
func And(cs []Condition) Condition { return andCondition{cs} }

func (c andCondition) Match(i inst.Instruction, p inst.Provider) bool {
	for _, child := range c.cs {
		if !child.Match(i, p) {
			return false
		}
	}
	return true
}

func (c andCondition) AffectedRange() AddrRange {
	if len(c.cs) == 0 {
		return Full()
	}
	r := c.cs[0].AffectedRange()
	for _, child := range c.cs[1:] {
		r = r.Intersect(child.AffectedRange())
	}
	return r
}

type orCondition struct{ cs []Condition }

// Or unions: matches if any child matches. Short-circuits on the first
// true child ("lazy" per spec.md §4.4).
func Or(cs []Condition) Condition { return orCondition{cs} }

func (c orCondition) Match(i inst.Instruction, p inst.Provider) bool {
	for _, child := range c.cs {
		if child.Match(i, p) {
			return true
		}
	}
	return false
}

func (c orCondition) AffectedRange() AddrRange {
	if len(c.cs) == 0 {
		return AddrRange{0, 0}
	}
	r := c.cs[0].AffectedRange()
	for _, child := range c.cs[1:] {
		r = r.Union(child.AffectedRange())
	}
	return r
}

type notCondition struct{ c Condition }

// Not negates a condition. AffectedRange is unchanged (the teacher's
// analogue, pruner.go's areIndependent, has no negated predicate — this is
// new territory not grounded in the teacher, kept trivial by design: a
// negated condition can fire anywhere its child could, so narrowing
// further would require knowledge Not cannot have).
func Not(c Condition) Condition { return notCondition{c} }

func (c notCondition) Match(i inst.Instruction, p inst.Provider) bool { return !c.c.Match(i, p) }
func (c notCondition) AffectedRange() AddrRange                      { return c.c.AffectedRange() }
