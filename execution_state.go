package concolic

import (
	"bytes"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
)

// nextStateID is a monotonically incrementing state identifier sequence.
var nextStateID uint64

// nextArrayID is a monotonically incrementing array identifier sequence.
var nextArrayID uint64

// Cell holds the value of a single virtual register. A nil value marks a
// register that has not been written on the current path.
type Cell struct {
	Value Expr
}

// StackFrame represents a single frame on an execution state's call stack.
type StackFrame struct {
	caller *Instruction
	fn     *Function

	// Register file for the function, indexed by register number.
	registers []Cell

	// Stack allocations owned by this frame. They are unbound from the
	// address space when the frame is popped.
	allocas []*MemoryObject

	// Non-local objects touched while executing in this frame.
	reads  map[*MemoryObject]struct{}
	writes map[*MemoryObject]struct{}
}

// NewStackFrame returns a frame for a call to fn from the given call site.
// The caller is nil for the entry frame.
func NewStackFrame(caller *Instruction, fn *Function) *StackFrame {
	return &StackFrame{
		caller:    caller,
		fn:        fn,
		registers: make([]Cell, fn.NumRegisters),
		reads:     make(map[*MemoryObject]struct{}),
		writes:    make(map[*MemoryObject]struct{}),
	}
}

// Caller returns the instruction that pushed this frame, if any.
func (f *StackFrame) Caller() *Instruction { return f.caller }

// Fn returns the function executing in this frame.
func (f *StackFrame) Fn() *Function { return f.fn }

// Register returns the value held by a register, or nil if unset.
func (f *StackFrame) Register(index int) Expr {
	assert(index >= 0 && index < len(f.registers), "register index out of bounds: %d", index)
	return f.registers[index].Value
}

// SetRegister assigns a value to a register.
func (f *StackFrame) SetRegister(index int, value Expr) {
	assert(index >= 0 && index < len(f.registers), "register index out of bounds: %d", index)
	f.registers[index].Value = value
}

// BindArg assigns a value to one of the function's argument registers.
func (f *StackFrame) BindArg(index int, value Expr) {
	f.SetRegister(f.fn.ArgRegister(index), value)
}

// AddAlloca ties a stack allocation's lifetime to this frame.
func (f *StackFrame) AddAlloca(mo *MemoryObject) {
	f.allocas = append(f.allocas, mo)
}

// Allocas returns the stack allocations owned by this frame.
func (f *StackFrame) Allocas() []*MemoryObject { return f.allocas }

// RecordRead notes that the frame read a non-local object.
func (f *StackFrame) RecordRead(mo *MemoryObject) {
	f.reads[mo] = struct{}{}
}

// RecordWrite notes that the frame wrote a non-local object.
func (f *StackFrame) RecordWrite(mo *MemoryObject) {
	f.writes[mo] = struct{}{}
}

// ReadObjects returns the non-local objects read in this frame, in
// identifier order.
func (f *StackFrame) ReadObjects() []*MemoryObject {
	return sortedObjects(f.reads)
}

// WrittenObjects returns the non-local objects written in this frame, in
// identifier order.
func (f *StackFrame) WrittenObjects() []*MemoryObject {
	return sortedObjects(f.writes)
}

func sortedObjects(set map[*MemoryObject]struct{}) []*MemoryObject {
	a := make([]*MemoryObject, 0, len(set))
	for mo := range set {
		a = append(a, mo)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].ID < a[j].ID })
	return a
}

// Clone returns a copy of the frame with its own register file and
// bookkeeping sets.
func (f *StackFrame) Clone() *StackFrame {
	other := *f

	other.registers = make([]Cell, len(f.registers))
	copy(other.registers, f.registers)

	other.allocas = make([]*MemoryObject, len(f.allocas))
	copy(other.allocas, f.allocas)

	other.reads = make(map[*MemoryObject]struct{}, len(f.reads))
	for mo := range f.reads {
		other.reads[mo] = struct{}{}
	}
	other.writes = make(map[*MemoryObject]struct{}, len(f.writes))
	for mo := range f.writes {
		other.writes[mo] = struct{}{}
	}

	return &other
}

// Dump returns the contents of the frame as a string.
func (f *StackFrame) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "fn=%s\n", f.fn.Name)
	if f.caller != nil {
		fmt.Fprintf(&buf, "caller=%s\n", f.caller)
	}
	for i, cell := range f.registers {
		if cell.Value == nil {
			continue
		}
		fmt.Fprintf(&buf, "r%d = %s\n", i, cell.Value)
	}
	for _, mo := range f.allocas {
		fmt.Fprintf(&buf, "alloca %s\n", mo)
	}
	for _, mo := range f.ReadObjects() {
		fmt.Fprintf(&buf, "read %s\n", mo)
	}
	for _, mo := range f.WrittenObjects() {
		fmt.Fprintf(&buf, "write %s\n", mo)
	}

	return buf.String()
}

// UnwindingPhase identifies which pass of a two-phase panic walk is in
// progress.
type UnwindingPhase int

const (
	// UnwindingSearch walks down the stack looking for a frame that can
	// handle the exception.
	UnwindingSearch = UnwindingPhase(iota)

	// UnwindingCleanup unwinds frames until the handler found by the
	// search pass is reached.
	UnwindingCleanup
)

// String returns the name of the phase.
func (p UnwindingPhase) String() string {
	switch p {
	case UnwindingSearch:
		return "search"
	case UnwindingCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("UnwindingPhase<%d>", int(p))
	}
}

// UnwindingInfo tracks an in-flight panic walk. Which fields are meaningful
// depends on the phase: the search pass records how far down the stack it
// has looked, the cleanup pass records the frame that will catch and the
// selector value of the matched handler.
type UnwindingInfo struct {
	Phase           UnwindingPhase
	ExceptionObject Expr

	// Search phase only.
	SearchProgress int

	// Cleanup phase only.
	CatchingFrame int
	SelectorValue Expr
}

// Clone returns a copy of the unwinding bookkeeping, keeping only the
// fields of the current phase. Cloning a nil receiver returns nil.
func (u *UnwindingInfo) Clone() *UnwindingInfo {
	if u == nil {
		return nil
	}
	switch u.Phase {
	case UnwindingSearch:
		return &UnwindingInfo{
			Phase:           UnwindingSearch,
			ExceptionObject: u.ExceptionObject,
			SearchProgress:  u.SearchProgress,
		}
	case UnwindingCleanup:
		return &UnwindingInfo{
			Phase:           UnwindingCleanup,
			ExceptionObject: u.ExceptionObject,
			CatchingFrame:   u.CatchingFrame,
			SelectorValue:   u.SelectorValue,
		}
	default:
		panic("unreachable")
	}
}

// Symbolic pairs a memory object with the symbolic array backing it.
type Symbolic struct {
	Object *MemoryObject
	Array  *Array
}

// ExecutionState represents one path under exploration: its position, call
// stack, memory, and the constraints collected so far.
type ExecutionState struct {
	id uint64

	// Current and previously executed instructions.
	pc     *Instruction
	prevPC *Instruction

	// Execution hierarchy.
	parent   *ExecutionState
	children []*ExecutionState

	// Call stack, bottom frame first.
	stack []*StackFrame

	// Memory, shared copy-on-write between forked states.
	addressSpace *AddressSpace

	// Next address handed out by the allocator.
	nextAddr uint64

	// Constraints collected so far during execution.
	constraints []Expr

	// Symbolic objects bound into memory, in binding order.
	symbolics []Symbolic

	// Program revision this state executes.
	patch uint64

	// Number of forks performed along this path.
	depth int

	// Line coverage.
	coveredNew bool
	covered    map[string]map[uint]struct{}

	// Merge handlers this state is currently registered with.
	openMerges []*MergeRegistration

	// In-flight panic walk, if any.
	unwinding *UnwindingInfo
}

// NewExecutionState returns a state positioned at the entry of fn with a
// single stack frame and empty memory.
func NewExecutionState(fn *Function) *ExecutionState {
	s := &ExecutionState{
		id:           atomic.AddUint64(&nextStateID, 1),
		addressSpace: NewAddressSpace(),
		nextAddr:     uint64(PointerWidth),
		covered:      make(map[string]map[uint]struct{}),
	}
	s.pc = fn.Entry()
	s.prevPC = s.pc
	s.PushFrame(nil, fn)
	return s
}

// ID returns the state's unique identifier.
func (s *ExecutionState) ID() uint64 { return s.id }

// PC returns the instruction the state will execute next.
func (s *ExecutionState) PC() *Instruction { return s.pc }

// PrevPC returns the instruction the state executed last.
func (s *ExecutionState) PrevPC() *Instruction { return s.prevPC }

// Advance moves the state to the given instruction, remembering the
// current one as previously executed.
func (s *ExecutionState) Advance(next *Instruction) {
	s.prevPC = s.pc
	s.pc = next
}

// Parent returns the state this one was forked from, if any.
func (s *ExecutionState) Parent() *ExecutionState { return s.parent }

// Forked returns the states forked from this one.
func (s *ExecutionState) Forked() []*ExecutionState { return s.children }

// Depth returns the number of forks performed along this path.
func (s *ExecutionState) Depth() int { return s.depth }

// Patch returns the program revision this state executes.
func (s *ExecutionState) Patch() uint64 { return s.patch }

// SetPatch sets the program revision this state executes.
func (s *ExecutionState) SetPatch(patch uint64) { s.patch = patch }

// AddressSpace returns the state's memory.
func (s *ExecutionState) AddressSpace() *AddressSpace { return s.addressSpace }

// Constraints returns the path constraints in the order they were added.
func (s *ExecutionState) Constraints() []Expr { return s.constraints }

// Symbolics returns the symbolic objects bound into memory, in binding
// order.
func (s *ExecutionState) Symbolics() []Symbolic { return s.symbolics }

// Unwinding returns the state's in-flight panic walk, if any.
func (s *ExecutionState) Unwinding() *UnwindingInfo { return s.unwinding }

// SetUnwinding installs or clears the state's panic walk bookkeeping.
func (s *ExecutionState) SetUnwinding(u *UnwindingInfo) { s.unwinding = u }

// Frame returns the current stack frame.
func (s *ExecutionState) Frame() *StackFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// CallerFrame returns the parent of the current stack frame.
func (s *ExecutionState) CallerFrame() *StackFrame {
	if len(s.stack) <= 1 {
		return nil
	}
	return s.stack[len(s.stack)-2]
}

// Stack returns the call stack, bottom frame first.
func (s *ExecutionState) Stack() []*StackFrame { return s.stack }

// PushFrame adds a frame for a call to fn from the given call site.
func (s *ExecutionState) PushFrame(caller *Instruction, fn *Function) {
	s.stack = append(s.stack, NewStackFrame(caller, fn))
}

// PopFrame removes the top frame and unbinds its stack allocations.
func (s *ExecutionState) PopFrame() {
	f := s.Frame()
	assert(f != nil, "pop of empty stack")

	for _, mo := range f.allocas {
		s.addressSpace.Unbind(mo)
	}

	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
}

// Allocate binds a fresh zero-filled object of the given size and returns
// its state.
func (s *ExecutionState) Allocate(size uint, name string) *ObjectState {
	mo := NewMemoryObject(s.nextAddr, size, name)
	s.nextAddr += uint64(size)

	os := NewObjectState(mo)
	s.addressSpace.Bind(os)
	return os
}

// AllocateLocal is like Allocate but ties the object's lifetime to the
// current stack frame.
func (s *ExecutionState) AllocateLocal(size uint, name string) *ObjectState {
	os := s.Allocate(size, name)
	if f := s.Frame(); f != nil {
		f.AddAlloca(os.Object)
	}
	return os
}

// AllocateSymbolic binds a fresh object backed by a new symbolic array and
// records the binding in the state's symbolic-object list.
func (s *ExecutionState) AllocateSymbolic(size uint, name string) *ObjectState {
	mo := NewMemoryObject(s.nextAddr, size, name)
	s.nextAddr += uint64(size)

	array := NewArray(atomic.AddUint64(&nextArrayID, 1), name, size)
	os := NewSymbolicObjectState(mo, array)
	s.addressSpace.Bind(os)
	s.AddSymbolic(mo, array)
	return os
}

// AddSymbolic records that array backs the contents of mo on this path.
func (s *ExecutionState) AddSymbolic(mo *MemoryObject, array *Array) {
	s.symbolics = append(s.symbolics, Symbolic{Object: mo, Array: array})
}

// AddConstraint adds a constraint to the state. Panic if expr is a constant
// false. Constant-true constraints are dropped.
func (s *ExecutionState) AddConstraint(expr Expr) {
	if expr, ok := expr.(*ConstantExpr); ok {
		assert(expr.IsTrue(), "invalid false constraint")
		return
	}

	// Split logical conjunctions into two separate constraints.
	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND {
		s.AddConstraint(expr.LHS)
		s.AddConstraint(expr.RHS)
		return
	}

	s.constraints = append(s.constraints, expr)
}

// CoverLine records execution of a source line. It reports whether the
// line had not been covered by this state before.
func (s *ExecutionState) CoverLine(file string, line uint) bool {
	lines := s.covered[file]
	if lines == nil {
		lines = make(map[uint]struct{})
		s.covered[file] = lines
	}
	if _, ok := lines[line]; ok {
		return false
	}
	lines[line] = struct{}{}
	s.coveredNew = true
	return true
}

// CoveredNew reports whether the state covered a new line since it was
// created or forked.
func (s *ExecutionState) CoveredNew() bool { return s.coveredNew }

// Fork returns an independent copy of the state for exploring an
// alternative path. The receiver's exploration depth is incremented; the
// copy receives a fresh identifier, cleared coverage markers, and its own
// registrations with every merge handler the receiver is open in. The
// caller installs the branch constraint into each side.
func (s *ExecutionState) Fork() *ExecutionState {
	s.depth++

	child := s.clone()
	child.id = atomic.AddUint64(&nextStateID, 1)
	child.parent = s
	s.children = append(s.children, child)

	for _, r := range s.openMerges {
		r.handler.Register(child)
	}
	return child
}

// clone returns a deep copy of the state sharing memory copy-on-write.
// Child states and merge registrations are not carried over.
func (s *ExecutionState) clone() *ExecutionState {
	stack := make([]*StackFrame, len(s.stack))
	for i := range s.stack {
		stack[i] = s.stack[i].Clone()
	}

	constraints := make([]Expr, len(s.constraints))
	copy(constraints, s.constraints)

	symbolics := make([]Symbolic, len(s.symbolics))
	copy(symbolics, s.symbolics)

	return &ExecutionState{
		id:           s.id,
		pc:           s.pc,
		prevPC:       s.prevPC,
		parent:       s.parent,
		stack:        stack,
		addressSpace: s.addressSpace.Clone(),
		nextAddr:     s.nextAddr,
		constraints:  constraints,
		symbolics:    symbolics,
		patch:        s.patch,
		depth:        s.depth,
		covered:      make(map[string]map[uint]struct{}),
		unwinding:    s.unwinding.Clone(),
	}
}

// Release tears the state down: it deregisters the state from every merge
// handler it is still open in, then unwinds the remaining stack, unbinding
// frame allocations.
func (s *ExecutionState) Release() {
	for len(s.openMerges) > 0 {
		s.openMerges[len(s.openMerges)-1].Release()
	}
	for len(s.stack) > 0 {
		s.PopFrame()
	}
}

// Merge folds the sibling state b into s, rewriting diverging registers
// and memory bytes into selects conditioned on the two paths' constraint
// suffixes. It reports whether the merge happened; on failure s is left
// unchanged. b is never modified.
func (s *ExecutionState) Merge(b *ExecutionState) bool {
	Log.Debugf("attempting merge of state %d with state %d", s.id, b.id)

	if s.pc != b.pc {
		return false
	}

	// The symbolic-object lists must match exactly.
	if len(s.symbolics) != len(b.symbolics) {
		return false
	}
	for i := range s.symbolics {
		if s.symbolics[i] != b.symbolics[i] {
			return false
		}
	}

	// The stacks must agree in shape: same depth, same call sites, same
	// functions. Register values may differ.
	if len(s.stack) != len(b.stack) {
		return false
	}
	for i := range s.stack {
		if s.stack[i].caller != b.stack[i].caller || s.stack[i].fn != b.stack[i].fn {
			return false
		}
	}

	// Partition the constraints into those common to both states and the
	// suffix each state added on its own branch.
	inA := make(map[Expr]struct{}, len(s.constraints))
	for _, c := range s.constraints {
		inA[c] = struct{}{}
	}
	inB := make(map[Expr]struct{}, len(b.constraints))
	for _, c := range b.constraints {
		inB[c] = struct{}{}
	}

	var common, suffixA, suffixB []Expr
	for _, c := range s.constraints {
		if _, ok := inB[c]; ok {
			common = append(common, c)
		} else {
			suffixA = append(suffixA, c)
		}
	}
	for _, c := range b.constraints {
		if _, ok := inA[c]; !ok {
			suffixB = append(suffixB, c)
		}
	}

	// Both states must bind exactly the same objects. Objects whose
	// contents diverged are collected for rewriting.
	var mutated []*MemoryObject
	ai := s.addressSpace.objects.Iterator()
	bi := b.addressSpace.objects.Iterator()
	for {
		ak, av := ai.Next()
		bk, bv := bi.Next()
		if ak == nil || bk == nil {
			if ak != nil || bk != nil {
				Log.Debugf("merge of state %d with state %d failed: mappings differ", s.id, b.id)
				return false
			}
			break
		}

		aos, bos := av.(*ObjectState), bv.(*ObjectState)
		if aos.Object.ID != bos.Object.ID {
			if aos.Object.ID < bos.Object.ID {
				Log.Debugf("state %d misses binding for object %d", b.id, aos.Object.ID)
			} else {
				Log.Debugf("state %d misses binding for object %d", s.id, bos.Object.ID)
			}
			return false
		}
		if aos != bos {
			Log.Debugf("merge of state %d with state %d: object %d mutated", s.id, b.id, aos.Object.ID)
			mutated = append(mutated, aos.Object)
		}
	}

	// Conjoin each suffix into the guard for its path.
	guardA := Expr(NewBoolConstantExpr(true))
	for _, c := range suffixA {
		guardA = NewBinaryExpr(AND, guardA, c)
	}
	guardB := Expr(NewBoolConstantExpr(true))
	for _, c := range suffixB {
		guardB = NewBinaryExpr(AND, guardB, c)
	}

	// Rewrite diverging registers. If either side left a register unset
	// it cannot be live at the shared pc, so it is skipped.
	for i, af := range s.stack {
		bf := b.stack[i]
		for r := range af.registers {
			av, bv := af.registers[r].Value, bf.registers[r].Value
			if av == nil || bv == nil {
				continue
			}
			af.registers[r].Value = mergeValues(guardA, av, bv, s.patch, b.patch)
		}
	}

	// Rewrite diverging memory byte by byte.
	for _, mo := range mutated {
		os := s.addressSpace.Find(mo)
		other := b.addressSpace.Find(mo)
		assert(os != nil && other != nil, "mutated object not bound: id=%d", mo.ID)
		assert(!os.IsReadOnly(), "mutated object is read-only: id=%d", mo.ID)

		wos := s.addressSpace.GetWriteable(os)
		for i := uint(0); i < mo.Size; i++ {
			av, bv := wos.Read8(i), other.Read8(i)
			wos.Write8(i, mergeValues(guardA, av, bv, s.patch, b.patch))
		}
	}

	// The merged state keeps the common constraints plus the disjunction
	// of the two path guards.
	s.constraints = nil
	for _, c := range common {
		s.AddConstraint(c)
	}
	s.AddConstraint(NewBinaryExpr(OR, guardA, guardB))

	return true
}

// mergeValues combines the two sides' value for one register or memory
// byte under the guard for the first path. Values that diverged between
// program revisions are tagged with the revisions that produced them.
func mergeValues(guardA, av, bv Expr, patchA, patchB uint64) Expr {
	if av == bv {
		return av
	}
	if patchA != patchB {
		return NewMergeSelectExpr(guardA, av, bv, patchA, patchB)
	}
	return NewSelectExpr(guardA, av, bv)
}

// Dump returns the contents of the state and frames as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "EXECUTION STATE")
	fmt.Fprintln(&buf, "===============")
	fmt.Fprintf(&buf, "id=%d\n", s.id)
	fmt.Fprintf(&buf, "patch=%d\n", s.patch)
	fmt.Fprintf(&buf, "depth=%d\n", s.depth)
	if s.pc != nil {
		fmt.Fprintf(&buf, "pc=%s\n", s.pc)
	}
	if s.unwinding != nil {
		fmt.Fprintf(&buf, "unwinding=%s", spew.Sdump(s.unwinding))
	}
	fmt.Fprintln(&buf, "")

	for i := len(s.stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&buf, "== FRAME #%d\n", i)
		fmt.Fprintln(&buf, s.stack[i].Dump())
	}

	fmt.Fprintln(&buf, "== MEMORY")
	fmt.Fprintln(&buf, s.addressSpace.Dump())

	fmt.Fprintln(&buf, "== CONSTRAINTS")
	for i, expr := range s.constraints {
		fmt.Fprintf(&buf, "%d. %s\n", i, expr)
	}

	return buf.String()
}
