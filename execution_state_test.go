package concolic_test

import (
	"strings"
	"testing"

	concolic "github.com/McSinyx/klee-concolic"
)

func TestNewExecutionState(t *testing.T) {
	fn := concolic.NewSyntheticFunction("main", 0, 2, 3)
	s := concolic.NewExecutionState(fn)

	if s.PC() != fn.Entry() {
		t.Fatal("expected state at function entry")
	}
	if len(s.Stack()) != 1 || s.Frame().Fn() != fn {
		t.Fatal("expected a single entry frame")
	}
	if s.Frame().Caller() != nil {
		t.Fatal("expected no caller for entry frame")
	}
	if s.Depth() != 0 {
		t.Fatalf("unexpected depth: %d", s.Depth())
	}
}

func TestExecutionState_Frames(t *testing.T) {
	main := concolic.NewSyntheticFunction("main", 0, 2, 3)
	callee := concolic.NewSyntheticFunction("callee", 1, 2, 2)

	t.Run("PushPop", func(t *testing.T) {
		s := concolic.NewExecutionState(main)
		s.PushFrame(main.Instructions[1], callee)

		if len(s.Stack()) != 2 {
			t.Fatalf("unexpected stack depth: %d", len(s.Stack()))
		}
		if s.Frame().Fn() != callee || s.Frame().Caller() != main.Instructions[1] {
			t.Fatal("unexpected top frame")
		}
		if s.CallerFrame().Fn() != main {
			t.Fatal("unexpected caller frame")
		}

		s.PopFrame()
		if len(s.Stack()) != 1 || s.Frame().Fn() != main {
			t.Fatal("expected entry frame after pop")
		}
	})

	t.Run("PopUnbindsAllocas", func(t *testing.T) {
		s := concolic.NewExecutionState(main)
		s.PushFrame(main.Instructions[1], callee)
		os := s.AllocateLocal(4, "local")

		if s.AddressSpace().Find(os.Object) == nil {
			t.Fatal("expected local bound")
		}
		s.PopFrame()
		if s.AddressSpace().Find(os.Object) != nil {
			t.Fatal("expected local unbound after pop")
		}
	})

	t.Run("BindArg", func(t *testing.T) {
		s := concolic.NewExecutionState(main)
		s.PushFrame(main.Instructions[1], callee)
		s.Frame().BindArg(0, concolic.NewConstantExpr64(7))

		if got := s.Frame().Register(callee.ArgRegister(0)); got != concolic.Expr(concolic.NewConstantExpr64(7)) {
			t.Fatalf("unexpected argument value: %s", got)
		}
	})

	t.Run("RecordNonLocals", func(t *testing.T) {
		s := concolic.NewExecutionState(main)
		mo1 := concolic.NewMemoryObject(0x1000, 1, "g1")
		mo2 := concolic.NewMemoryObject(0x2000, 1, "g2")

		s.Frame().RecordWrite(mo2)
		s.Frame().RecordRead(mo1)
		s.Frame().RecordRead(mo2)
		s.Frame().RecordRead(mo1) // duplicate

		reads := s.Frame().ReadObjects()
		if len(reads) != 2 || reads[0] != mo1 || reads[1] != mo2 {
			t.Fatalf("unexpected reads: %v", reads)
		}
		if writes := s.Frame().WrittenObjects(); len(writes) != 1 || writes[0] != mo2 {
			t.Fatalf("unexpected writes: %v", writes)
		}
	})
}

func TestExecutionState_AddConstraint(t *testing.T) {
	fn := concolic.NewSyntheticFunction("main", 0, 1, 1)

	t.Run("SplitsConjunction", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		array := s.AllocateSymbolic(2, "in").Array

		c1 := concolic.NewBinaryExpr(concolic.EQ, readByte(array, 0), concolic.NewConstantExpr8(1))
		c2 := concolic.NewBinaryExpr(concolic.EQ, readByte(array, 1), concolic.NewConstantExpr8(2))
		s.AddConstraint(concolic.NewBinaryExpr(concolic.AND, c1, c2))

		if got := s.Constraints(); len(got) != 2 || got[0] != c1 || got[1] != c2 {
			t.Fatalf("unexpected constraints: %v", got)
		}
	})

	t.Run("DropsConstantTrue", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		s.AddConstraint(concolic.NewBoolConstantExpr(true))
		if len(s.Constraints()) != 0 {
			t.Fatal("expected no constraints")
		}
	})

	t.Run("ConstantFalsePanics", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		s.AddConstraint(concolic.NewBoolConstantExpr(false))
	})
}

func TestExecutionState_Fork(t *testing.T) {
	fn := concolic.NewSyntheticFunction("main", 0, 2, 3)

	t.Run("FreshIdentifier", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		child := s.Fork()

		if child.ID() == s.ID() {
			t.Fatal("expected a fresh identifier")
		}
		if child.Parent() != s {
			t.Fatal("expected parent link")
		}
		if forked := s.Forked(); len(forked) != 1 || forked[0] != child {
			t.Fatal("expected child link")
		}
	})

	t.Run("DepthIncrements", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		child := s.Fork()
		if s.Depth() != 1 || child.Depth() != 1 {
			t.Fatalf("unexpected depths: %d %d", s.Depth(), child.Depth())
		}
	})

	t.Run("RegisterFileDeepCopied", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		s.Frame().SetRegister(0, concolic.NewConstantExpr8(1))

		child := s.Fork()
		child.Frame().SetRegister(0, concolic.NewConstantExpr8(2))

		if got := s.Frame().Register(0); got != concolic.Expr(concolic.NewConstantExpr8(1)) {
			t.Fatalf("fork shares register file: %s", got)
		}
	})

	t.Run("MemoryCopyOnWrite", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		os := s.Allocate(1, "obj")
		mo := os.Object

		child := s.Fork()

		wos := child.AddressSpace().GetWriteable(child.AddressSpace().Find(mo))
		wos.Write8(0, concolic.NewConstantExpr8(0x7f))

		if got := s.AddressSpace().Find(mo).Read8(0); got != concolic.Expr(concolic.NewConstantExpr8(0)) {
			t.Fatalf("fork shares memory: %s", got)
		}
	})

	t.Run("CoverageCleared", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		if !s.CoverLine("main.go", 10) {
			t.Fatal("expected new coverage")
		}
		if !s.CoveredNew() {
			t.Fatal("expected covered-new marker")
		}

		child := s.Fork()
		if child.CoveredNew() {
			t.Fatal("expected cleared covered-new marker on fork")
		}
		if !child.CoverLine("main.go", 10) {
			t.Fatal("expected fresh per-state line coverage")
		}
	})

	t.Run("MergeRegistrationsCarried", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		h := concolic.NewMergeHandler()
		h.Register(s)

		child := s.Fork()
		open := h.Open()
		if len(open) != 2 || open[0] != s || open[1] != child {
			t.Fatalf("unexpected open states: %v", open)
		}
	})

	t.Run("UnwindingCloned", func(t *testing.T) {
		s := concolic.NewExecutionState(fn)
		s.SetUnwinding(&concolic.UnwindingInfo{
			Phase:          concolic.UnwindingSearch,
			SearchProgress: 2,
		})

		child := s.Fork()
		if child.Unwinding() == s.Unwinding() {
			t.Fatal("expected cloned unwinding info")
		}
		if child.Unwinding().SearchProgress != 2 {
			t.Fatal("expected search progress carried")
		}
	})
}

func TestExecutionState_Release(t *testing.T) {
	fn := concolic.NewSyntheticFunction("main", 0, 2, 3)
	s := concolic.NewExecutionState(fn)
	os := s.AllocateLocal(4, "local")

	h1, h2 := concolic.NewMergeHandler(), concolic.NewMergeHandler()
	h1.Register(s)
	h2.Register(s)

	s.Release()

	if len(h1.Open()) != 0 || len(h2.Open()) != 0 {
		t.Fatal("expected deregistration from all handlers")
	}
	if len(s.Stack()) != 0 {
		t.Fatal("expected unwound stack")
	}
	if s.AddressSpace().Find(os.Object) != nil {
		t.Fatal("expected frame allocations unbound")
	}
}

// forkedSiblings builds two diverged sibling states over one symbolic input
// byte: a follows the in==sel branch with register 1 set to av, b the
// opposite branch with bv. Both also write their value into a shared memory
// object.
func forkedSiblings(tb testing.TB, av, bv uint64) (a, b *concolic.ExecutionState, array *concolic.Array, mo *concolic.MemoryObject) {
	tb.Helper()

	fn := concolic.NewSyntheticFunction("main", 0, 2, 3)
	a = concolic.NewExecutionState(fn)
	a.SetPatch(1)

	array = a.AllocateSymbolic(1, "in").Array
	mo = a.Allocate(1, "out").Object

	// Common constraint, present in both suffixless prefixes.
	a.AddConstraint(concolic.NewBinaryExpr(concolic.ULT, readByte(array, 0), concolic.NewConstantExpr8(10)))

	b = a.Fork()
	b.SetPatch(2)

	cond := concolic.NewBinaryExpr(concolic.EQ, readByte(array, 0), concolic.NewConstantExpr8(1))
	a.AddConstraint(cond)
	b.AddConstraint(concolic.NewIsZeroExpr(cond))

	a.Frame().SetRegister(1, concolic.NewConstantExpr8(av))
	b.Frame().SetRegister(1, concolic.NewConstantExpr8(bv))

	was := a.AddressSpace().GetWriteable(a.AddressSpace().Find(mo))
	was.Write8(0, concolic.NewConstantExpr8(av))
	wbs := b.AddressSpace().GetWriteable(b.AddressSpace().Find(mo))
	wbs.Write8(0, concolic.NewConstantExpr8(bv))

	return a, b, array, mo
}

func TestExecutionState_Merge(t *testing.T) {
	t.Run("RewritesRegisters", func(t *testing.T) {
		a, b, array, _ := forkedSiblings(t, 0xaa, 0xbb)
		if !a.Merge(b) {
			t.Fatal("expected merge to succeed")
		}

		sel, ok := a.Frame().Register(1).(*concolic.SelectExpr)
		if !ok {
			t.Fatalf("expected select, got %s", a.Frame().Register(1))
		}
		if !sel.Merge || sel.TruePatch != 1 || sel.FalsePatch != 2 {
			t.Fatalf("expected merge select tagged 1/2, got %s", sel)
		}

		// The guard recovers each side's value under its branch input.
		for _, tt := range []struct {
			input byte
			want  uint64
		}{{1, 0xaa}, {0, 0xbb}} {
			ee := concolic.NewExprEvaluator([]*concolic.Array{array}, [][]byte{{tt.input}})
			value, err := ee.Evaluate(sel)
			if err != nil {
				t.Fatal(err)
			} else if value.Value != tt.want {
				t.Fatalf("input %d: got %#x, want %#x", tt.input, value.Value, tt.want)
			}
		}
	})

	t.Run("RewritesMemory", func(t *testing.T) {
		a, b, array, mo := forkedSiblings(t, 0x11, 0x22)
		if !a.Merge(b) {
			t.Fatal("expected merge to succeed")
		}

		byteExpr := a.AddressSpace().Find(mo).Read8(0)
		if _, ok := byteExpr.(*concolic.SelectExpr); !ok {
			t.Fatalf("expected select at diverged byte, got %s", byteExpr)
		}
		if !concolic.IsMultiRev(byteExpr) {
			t.Fatal("expected multi-revision byte")
		}

		for _, tt := range []struct {
			input byte
			want  uint64
		}{{1, 0x11}, {0, 0x22}} {
			ee := concolic.NewExprEvaluator([]*concolic.Array{array}, [][]byte{{tt.input}})
			value, err := ee.Evaluate(byteExpr)
			if err != nil {
				t.Fatal(err)
			} else if value.Value != tt.want {
				t.Fatalf("input %d: got %#x, want %#x", tt.input, value.Value, tt.want)
			}
		}

		// b keeps its own view.
		if got := b.AddressSpace().Find(mo).Read8(0); got != concolic.Expr(concolic.NewConstantExpr8(0x22)) {
			t.Fatalf("merge mutated b: %s", got)
		}
	})

	t.Run("ConstraintsCommonPlusDisjunction", func(t *testing.T) {
		a, b, array, _ := forkedSiblings(t, 0xaa, 0xbb)
		common := a.Constraints()[0]

		if !a.Merge(b) {
			t.Fatal("expected merge to succeed")
		}

		constraints := a.Constraints()
		if constraints[0] != common {
			t.Fatalf("expected common prefix first, got %s", constraints[0])
		}

		// Merged constraints hold under either branch input and fail when
		// the common prefix fails.
		for _, tt := range []struct {
			input byte
			want  bool
		}{{1, true}, {0, true}, {200, false}} {
			ee := concolic.NewExprEvaluator([]*concolic.Array{array}, [][]byte{{tt.input}})
			sat := true
			for _, c := range constraints {
				value, err := ee.Evaluate(c)
				if err != nil {
					t.Fatal(err)
				}
				sat = sat && value.IsTrue()
			}
			if sat != tt.want {
				t.Fatalf("input %d: sat=%v, want %v", tt.input, sat, tt.want)
			}
		}
	})

	t.Run("CommutativeSafe", func(t *testing.T) {
		// Merging A into B instead of B into A yields logically equivalent
		// constraints even though the guard polarity differs.
		a1, b1, array1, _ := forkedSiblings(t, 0xaa, 0xbb)
		if !a1.Merge(b1) {
			t.Fatal("expected merge to succeed")
		}
		a2, b2, array2, _ := forkedSiblings(t, 0xaa, 0xbb)
		if !b2.Merge(a2) {
			t.Fatal("expected merge to succeed")
		}

		for _, input := range []byte{0, 1, 2, 200} {
			sat := func(constraints []concolic.Expr, array *concolic.Array) bool {
				ee := concolic.NewExprEvaluator([]*concolic.Array{array}, [][]byte{{input}})
				for _, c := range constraints {
					value, err := ee.Evaluate(c)
					if err != nil {
						t.Fatal(err)
					}
					if !value.IsTrue() {
						return false
					}
				}
				return true
			}
			if got, want := sat(b2.Constraints(), array2), sat(a1.Constraints(), array1); got != want {
				t.Fatalf("input %d: sat=%v, want %v", input, got, want)
			}
		}
	})

	t.Run("SamePatchPlainSelect", func(t *testing.T) {
		// Two paths of the same revision merge with untagged selects.
		fn := concolic.NewSyntheticFunction("main", 0, 2, 3)
		a := concolic.NewExecutionState(fn)
		array := a.AllocateSymbolic(1, "in").Array

		b := a.Fork()
		cond := concolic.NewBinaryExpr(concolic.EQ, readByte(array, 0), concolic.NewConstantExpr8(1))
		a.AddConstraint(cond)
		b.AddConstraint(concolic.NewIsZeroExpr(cond))
		a.Frame().SetRegister(1, concolic.NewConstantExpr8(1))
		b.Frame().SetRegister(1, concolic.NewConstantExpr8(2))

		if !a.Merge(b) {
			t.Fatal("expected merge to succeed")
		}
		sel, ok := a.Frame().Register(1).(*concolic.SelectExpr)
		if !ok {
			t.Fatalf("expected select, got %s", a.Frame().Register(1))
		}
		if sel.Merge {
			t.Fatal("expected plain select for same-revision merge")
		}
	})

	t.Run("UndefinedRegistersSkipped", func(t *testing.T) {
		a, b, _, _ := forkedSiblings(t, 0xaa, 0xbb)
		a.Frame().SetRegister(0, concolic.NewConstantExpr8(1))
		// Register 0 is unset in b.

		if !a.Merge(b) {
			t.Fatal("expected merge to succeed")
		}
		if got := a.Frame().Register(0); got != concolic.Expr(concolic.NewConstantExpr8(1)) {
			t.Fatalf("half-defined register rewritten: %s", got)
		}
	})
}

func TestExecutionState_Merge_Preconditions(t *testing.T) {
	snapshot := func(s *concolic.ExecutionState) (int, concolic.Expr) {
		return len(s.Constraints()), s.Frame().Register(1)
	}

	t.Run("DifferentPC", func(t *testing.T) {
		a, b, _, _ := forkedSiblings(t, 0xaa, 0xbb)
		b.Advance(b.PC().Next())

		n, r := snapshot(a)
		if a.Merge(b) {
			t.Fatal("expected merge to fail")
		}
		if n2, r2 := snapshot(a); n2 != n || r2 != r {
			t.Fatal("failed merge mutated state")
		}
	})

	t.Run("DifferentStackDepth", func(t *testing.T) {
		a, b, _, _ := forkedSiblings(t, 0xaa, 0xbb)
		callee := concolic.NewSyntheticFunction("callee", 0, 1, 1)
		b.PushFrame(b.PC(), callee)

		n, r := snapshot(a)
		if a.Merge(b) {
			t.Fatal("expected merge to fail")
		}
		if n2, r2 := snapshot(a); n2 != n || r2 != r {
			t.Fatal("failed merge mutated state")
		}
		if bn := len(b.Constraints()); bn != 2 {
			t.Fatalf("failed merge mutated b: %d constraints", bn)
		}
	})

	t.Run("DifferentSymbolics", func(t *testing.T) {
		a, b, _, _ := forkedSiblings(t, 0xaa, 0xbb)
		b.AllocateSymbolic(1, "extra")

		if a.Merge(b) {
			t.Fatal("expected merge to fail")
		}
	})

	t.Run("DifferentBindings", func(t *testing.T) {
		a, b, _, _ := forkedSiblings(t, 0xaa, 0xbb)
		b.Allocate(1, "extra")

		if a.Merge(b) {
			t.Fatal("expected merge to fail")
		}
	})

	t.Run("DifferentCallSites", func(t *testing.T) {
		fn := concolic.NewSyntheticFunction("main", 0, 2, 3)
		callee := concolic.NewSyntheticFunction("callee", 0, 1, 1)

		a := concolic.NewExecutionState(fn)
		b := a.Fork()
		a.PushFrame(fn.Instructions[1], callee)
		b.PushFrame(fn.Instructions[2], callee)
		a.Advance(callee.Entry())
		b.Advance(callee.Entry())

		if a.Merge(b) {
			t.Fatal("expected merge to fail")
		}
	})
}

func TestUnwindingInfo_Clone(t *testing.T) {
	t.Run("Nil", func(t *testing.T) {
		var u *concolic.UnwindingInfo
		if u.Clone() != nil {
			t.Fatal("expected nil clone")
		}
	})

	t.Run("Search", func(t *testing.T) {
		u := &concolic.UnwindingInfo{
			Phase:           concolic.UnwindingSearch,
			ExceptionObject: concolic.NewConstantExpr64(0x1000),
			SearchProgress:  3,
			CatchingFrame:   9, // stale, not meaningful in this phase
		}
		clone := u.Clone()
		if clone.SearchProgress != 3 || clone.ExceptionObject != u.ExceptionObject {
			t.Fatal("expected search fields carried")
		}
		if clone.CatchingFrame != 0 {
			t.Fatal("expected cleanup fields dropped")
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		u := &concolic.UnwindingInfo{
			Phase:           concolic.UnwindingCleanup,
			ExceptionObject: concolic.NewConstantExpr64(0x1000),
			CatchingFrame:   2,
			SelectorValue:   concolic.NewConstantExpr32(5),
		}
		clone := u.Clone()
		if clone.CatchingFrame != 2 || clone.SelectorValue != u.SelectorValue {
			t.Fatal("expected cleanup fields carried")
		}
		if clone.SearchProgress != 0 {
			t.Fatal("expected search fields dropped")
		}
	})

	t.Run("PhaseString", func(t *testing.T) {
		if got := concolic.UnwindingSearch.String(); got != "search" {
			t.Fatalf("unexpected string: %s", got)
		}
		if got := concolic.UnwindingCleanup.String(); got != "cleanup" {
			t.Fatalf("unexpected string: %s", got)
		}
	})
}

func TestExecutionState_Dump(t *testing.T) {
	fn := concolic.NewSyntheticFunction("main", 0, 2, 3)
	s := concolic.NewExecutionState(fn)
	s.Frame().SetRegister(1, concolic.NewConstantExpr8(7))
	s.Allocate(1, "obj")
	s.AddConstraint(concolic.NewBinaryExpr(concolic.EQ,
		readByte(s.AllocateSymbolic(1, "in").Array, 0), concolic.NewConstantExpr8(1)))

	dump := s.Dump()
	for _, want := range []string{"EXECUTION STATE", "fn=main", "r1 = (const 7 8)", "== MEMORY", "== CONSTRAINTS"} {
		if !strings.Contains(dump, want) {
			t.Fatalf("dump missing %q:\n%s", want, dump)
		}
	}
}
