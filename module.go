package concolic

import (
	"fmt"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// Function describes one function to the execution core: how many registers
// its frames need, which register each argument occupies, and the flattened
// instruction sequence. Descriptors are built once per function and shared
// by every frame executing it.
type Function struct {
	Fn           *ssa.Function // underlying SSA function, nil for synthetic descriptors
	Name         string
	NumArgs      int
	NumRegisters int
	Instructions []*Instruction

	registers map[ssa.Value]int
}

// NewFunction returns a descriptor for an SSA function. Arguments occupy the
// first registers; every value-producing instruction is assigned one
// register after them.
func NewFunction(fn *ssa.Function) *Function {
	f := &Function{
		Fn:        fn,
		Name:      fn.String(),
		NumArgs:   len(fn.Params),
		registers: make(map[ssa.Value]int),
	}

	for i, param := range fn.Params {
		f.registers[param] = i
	}

	n := len(fn.Params)
	for _, block := range fn.Blocks {
		for _, instr := range block.Instrs {
			dest := -1
			if value, ok := instr.(ssa.Value); ok {
				dest = n
				f.registers[value] = n
				n++
			}
			f.Instructions = append(f.Instructions, &Instruction{
				Fn:    f,
				Index: len(f.Instructions),
				Instr: instr,
				Dest:  dest,
			})
		}
	}
	f.NumRegisters = n
	return f
}

// NewSyntheticFunction returns a descriptor that is not backed by SSA, with
// the given number of argument registers, total registers, and instruction
// positions. Synthetic descriptors drive the execution-state machinery
// directly.
func NewSyntheticFunction(name string, numArgs, numRegisters, numInstructions int) *Function {
	assert(numArgs <= numRegisters, "argument count exceeds register count: %d > %d", numArgs, numRegisters)

	f := &Function{
		Name:         name,
		NumArgs:      numArgs,
		NumRegisters: numRegisters,
	}
	for i := 0; i < numInstructions; i++ {
		f.Instructions = append(f.Instructions, &Instruction{Fn: f, Index: i, Dest: -1})
	}
	return f
}

// String returns the function name.
func (f *Function) String() string { return f.Name }

// ArgRegister returns the register holding the i-th argument.
func (f *Function) ArgRegister(i int) int {
	assert(i >= 0 && i < f.NumArgs, "argument index out of range: %d", i)
	return i
}

// RegisterOf returns the register assigned to an SSA value, if any.
func (f *Function) RegisterOf(value ssa.Value) (int, bool) {
	reg, ok := f.registers[value]
	return reg, ok
}

// Entry returns the first instruction of the function, or nil if it has
// none.
func (f *Function) Entry() *Instruction {
	if len(f.Instructions) == 0 {
		return nil
	}
	return f.Instructions[0]
}

// Instruction identifies one instruction position within a function.
// Handles are compared by pointer for equality and ordered by
// CompareInstruction for stable iteration.
type Instruction struct {
	Fn    *Function
	Index int             // position in the flattened block order
	Instr ssa.Instruction // underlying SSA instruction, nil for synthetic descriptors
	Dest  int             // destination register, -1 when no value is produced
}

// String returns the string representation of the instruction handle.
func (i *Instruction) String() string {
	return fmt.Sprintf("%s@%d", i.Fn.Name, i.Index)
}

// Next returns the following instruction in the function, or nil at the end.
func (i *Instruction) Next() *Instruction {
	if i.Index+1 >= len(i.Fn.Instructions) {
		return nil
	}
	return i.Fn.Instructions[i.Index+1]
}

// CompareInstruction returns an integer ordering two instruction handles.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareInstruction(a, b *Instruction) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if a.Fn != b.Fn {
		if a.Fn.Name < b.Fn.Name {
			return -1
		} else if a.Fn.Name > b.Fn.Name {
			return 1
		}
	}

	if a.Index < b.Index {
		return -1
	} else if a.Index > b.Index {
		return 1
	}
	return 0
}

// Module indexes the functions of an SSA program.
type Module struct {
	Prog  *ssa.Program
	funcs map[*ssa.Function]*Function
}

// NewModule returns a new Module over a built SSA program.
func NewModule(prog *ssa.Program) *Module {
	return &Module{
		Prog:  prog,
		funcs: make(map[*ssa.Function]*Function),
	}
}

// Function returns the descriptor for fn, building it on first use.
func (m *Module) Function(fn *ssa.Function) *Function {
	if f, ok := m.funcs[fn]; ok {
		return f
	}
	f := NewFunction(fn)
	m.funcs[fn] = f
	return f
}

// FindFunction returns the descriptor for the named function, or nil.
// Both the short name and the full package-qualified form match.
func (m *Module) FindFunction(name string) *Function {
	for fn := range ssautil.AllFunctions(m.Prog) {
		if fn.Name() == name || fn.String() == name {
			return m.Function(fn)
		}
	}
	return nil
}
