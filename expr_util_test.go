package concolic_test

import (
	"testing"

	concolic "github.com/McSinyx/klee-concolic"
	"github.com/google/go-cmp/cmp"
)

func TestFindReads(t *testing.T) {
	t.Run("ConstantsSkipped", func(t *testing.T) {
		if reads := concolic.FindReads(concolic.NewConstantExpr(7, 32), true); len(reads) != 0 {
			t.Fatalf("unexpected reads: %v", reads)
		}
	})

	t.Run("SingleRead", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		read := readByte(a, 0)
		reads := concolic.FindReads(concolic.NewNotExpr(read), false)
		if len(reads) != 1 || concolic.Expr(reads[0]) != read {
			t.Fatalf("unexpected reads: %v", reads)
		}
	})

	t.Run("MultiplicityPreserved", func(t *testing.T) {
		// Two distinct reads through different paths both appear.
		a := concolic.NewArray(nextArrayID(), "a", 4)
		x := readByte(a, 0)
		y := readByte(a, 1)
		expr := concolic.NewBinaryExpr(concolic.AND, concolic.NewNotExpr(x), concolic.NewBinaryExpr(concolic.XOR, x, y))

		reads := concolic.FindReads(expr, false)
		if len(reads) != 2 {
			t.Fatalf("expected 2 reads, got %d", len(reads))
		}
	})

	t.Run("SharedUpdateChain", func(t *testing.T) {
		// Two reads sharing one update head both report, and the chain's
		// reads are walked once.
		a := concolic.NewArray(nextArrayID(), "a", 4)
		chainIndex := concolic.NewCastExpr(readByte(a, 2), 32, false)
		ul := concolic.NewUpdateList(a).Extend(chainIndex, readByte(a, 3))

		symIndex := concolic.NewCastExpr(readByte(a, 0), 32, false)
		r1 := concolic.NewReadExpr(ul, symIndex)
		r2 := concolic.NewReadExpr(ul, concolic.NewBinaryExpr(concolic.ADD, concolic.NewConstantExpr32(1), symIndex))
		expr := concolic.NewConcatExpr(r1, r2)

		reads := concolic.FindReads(expr, true)

		var top, chain int
		for _, r := range reads {
			switch concolic.Expr(r) {
			case r1, r2:
				top++
			default:
				chain++
			}
		}
		if top != 2 {
			t.Fatalf("expected both top-level reads, got %d", top)
		}
		// The chain contributes read(a,2) via the index, read(a,3) via the
		// value, and read(a,0) via the shared symbolic index: each once.
		if chain != 3 {
			t.Fatalf("expected 3 chain reads, got %d", chain)
		}
	})

	t.Run("UpdatesSkippedWhenNotRequested", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		ul := concolic.NewUpdateList(a).Extend(
			concolic.NewCastExpr(readByte(a, 2), 32, false),
			readByte(a, 3),
		)
		read := concolic.NewReadExpr(ul, concolic.NewCastExpr(readByte(a, 0), 32, false))

		reads := concolic.FindReads(read, false)
		if len(reads) != 2 { // the read itself and its index read
			t.Fatalf("expected 2 reads, got %d", len(reads))
		}
	})

	t.Run("FirstEncounteredOrder", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		x := readByte(a, 0)
		reads := concolic.FindReads(x, false)
		if len(reads) != 1 || concolic.Expr(reads[0]) != x {
			t.Fatalf("unexpected reads: %v", reads)
		}
	})
}

func TestFindSymbolicObjects(t *testing.T) {
	t.Run("Deduplicates", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		expr := concolic.NewBinaryExpr(concolic.ADD, readByte(a, 0), readByte(a, 1))

		arrays := concolic.FindSymbolicObjects(expr)
		if len(arrays) != 1 || arrays[0] != a {
			t.Fatalf("unexpected arrays: %v", arrays)
		}
	})

	t.Run("ConstantArraysExcluded", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		k := concolic.NewConstantArray(nextArrayID(), "k", 1, []*concolic.ConstantExpr{concolic.NewConstantExpr8(0x42)})

		index := concolic.NewCastExpr(readByte(a, 0), 32, false)
		expr := concolic.NewReadExpr(concolic.NewUpdateList(k), index)

		arrays := concolic.FindSymbolicObjects(expr)
		if len(arrays) != 1 || arrays[0] != a {
			t.Fatalf("unexpected arrays: %v", arrays)
		}
	})

	t.Run("ReachesThroughUpdateChain", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		b := concolic.NewArray(nextArrayID(), "b", 4)

		// b only appears in the update history of a read of a.
		ul := concolic.NewUpdateList(a).Extend(concolic.NewConstantExpr32(0), readByte(b, 0))
		expr := concolic.NewReadExpr(ul, concolic.NewCastExpr(readByte(a, 1), 32, false))

		arrays := concolic.FindSymbolicObjects(expr)
		if len(arrays) != 2 {
			t.Fatalf("expected 2 arrays, got %d", len(arrays))
		}
	})

	t.Run("MultipleExprs", func(t *testing.T) {
		a := concolic.NewArray(nextArrayID(), "a", 4)
		b := concolic.NewArray(nextArrayID(), "b", 4)

		arrays := concolic.FindSymbolicObjects(readByte(a, 0), readByte(b, 0), readByte(a, 1))
		if len(arrays) != 2 || arrays[0] != a || arrays[1] != b {
			t.Fatalf("unexpected arrays: %v", arrays)
		}
	})
}

func TestFindConstantArrays(t *testing.T) {
	a := concolic.NewArray(nextArrayID(), "a", 4)
	k := concolic.NewConstantArray(nextArrayID(), "k", 1, []*concolic.ConstantExpr{concolic.NewConstantExpr8(0x42)})

	index := concolic.NewCastExpr(readByte(a, 0), 32, false)
	expr := concolic.NewReadExpr(concolic.NewUpdateList(k), index)

	arrays := concolic.FindConstantArrays(expr)
	if len(arrays) != 1 || arrays[0] != k {
		t.Fatalf("unexpected arrays: %v", arrays)
	}
}

func TestPickPatch(t *testing.T) {
	const (
		orig   = concolic.PatchOriginal
		merged = concolic.PatchMerged
	)
	for _, tt := range []struct {
		name string
		m, n uint64
		want uint64
	}{
		{"BothOriginal", orig, orig, orig},
		{"RealSecond", orig, 2, 2},
		{"RealFirst", 1, orig, 1},
		{"RealOverMerged", merged, 2, 2},
		{"MergedSecond", 1, merged, 1},
		{"BothMerged", merged, merged, merged},
		{"BothRealPrefersFirst", 1, 2, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := concolic.PickPatch(tt.m, tt.n); got != tt.want {
				t.Fatalf("PickPatch(%d, %d)=%d, want %d", tt.m, tt.n, got, tt.want)
			}
		})
	}
}

func TestSplitExpr(t *testing.T) {
	a := concolic.NewArray(nextArrayID(), "a", 8)
	cond := concolic.NewBinaryExpr(concolic.EQ, readByte(a, 0), concolic.NewConstantExpr8(1))
	merged := concolic.NewMergeSelectExpr(cond, readByte(a, 1), readByte(a, 2), 1, 2)

	t.Run("SingleRevisionFastPath", func(t *testing.T) {
		expr := concolic.NewBinaryExpr(concolic.ADD, readByte(a, 0), readByte(a, 1))
		want := []concolic.PatchedExpr{{Patch: concolic.PatchOriginal, Expr: expr}}
		if diff := cmp.Diff(want, concolic.SplitExpr(expr)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Constant", func(t *testing.T) {
		c := concolic.NewConstantExpr(7, 32)
		want := []concolic.PatchedExpr{{Patch: concolic.PatchOriginal, Expr: c}}
		if diff := cmp.Diff(want, concolic.SplitExpr(c)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Nil", func(t *testing.T) {
		if got := concolic.SplitExpr(nil); got != nil {
			t.Fatalf("unexpected result: %v", got)
		}
	})

	t.Run("MergeSelect", func(t *testing.T) {
		want := []concolic.PatchedExpr{
			{Patch: 1, Expr: readByte(a, 1)},
			{Patch: 2, Expr: readByte(a, 2)},
		}
		if diff := cmp.Diff(want, concolic.SplitExpr(merged)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("BinaryCrossProduct", func(t *testing.T) {
		expr := concolic.NewBinaryExpr(concolic.ADD, merged, readByte(a, 3))
		got := concolic.SplitExpr(expr)
		want := []concolic.PatchedExpr{
			{Patch: 1, Expr: concolic.NewBinaryExpr(concolic.ADD, readByte(a, 1), readByte(a, 3))},
			{Patch: 2, Expr: concolic.NewBinaryExpr(concolic.ADD, readByte(a, 2), readByte(a, 3))},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("NestedMergeSelects", func(t *testing.T) {
		other := concolic.NewMergeSelectExpr(cond, readByte(a, 3), readByte(a, 4), 1, 2)
		expr := concolic.NewBinaryExpr(concolic.ADD, merged, other)

		got := concolic.SplitExpr(expr)
		if len(got) != 4 {
			t.Fatalf("expected 4 variants, got %d", len(got))
		}
		// Cross products fold tags with PickPatch: conflicting real tags
		// keep the first operand's tag.
		wantPatches := []uint64{1, 1, 2, 2}
		for i, pe := range got {
			if pe.Patch != wantPatches[i] {
				t.Fatalf("variant %d: patch=%d, want %d", i, pe.Patch, wantPatches[i])
			}
		}
	})

	t.Run("ReadSplitsIndexOnly", func(t *testing.T) {
		ul := concolic.NewUpdateList(a).Extend(concolic.NewConstantExpr32(7), readByte(a, 5))
		index := concolic.NewCastExpr(merged, 32, false)
		read, ok := concolic.NewReadExpr(ul, index).(*concolic.ReadExpr)
		if !ok {
			t.Fatal("expected read expr")
		}

		got := concolic.SplitExpr(read)
		if len(got) != 2 {
			t.Fatalf("expected 2 variants, got %d", len(got))
		}
		for i, pe := range got {
			variant, ok := pe.Expr.(*concolic.ReadExpr)
			if !ok {
				t.Fatalf("variant %d: expected read, got %s", i, pe.Expr)
			}
			if variant.Updates != read.Updates {
				t.Fatalf("variant %d: update list was rewritten", i)
			}
			if concolic.IsMultiRev(variant) {
				t.Fatalf("variant %d: still multi-revision", i)
			}
		}
	})

	t.Run("ExhaustiveOverKinds", func(t *testing.T) {
		// Every kind that can carry the multi-revision flag must split
		// without hitting the unhandled-kind panic.
		for _, tt := range []struct {
			name string
			expr concolic.Expr
		}{
			{"NotOptimized", concolic.NewNotOptimizedExpr(merged)},
			{"Read", concolic.NewReadExpr(concolic.NewUpdateList(a), concolic.NewCastExpr(merged, 32, false))},
			{"Select", concolic.NewSelectExpr(cond, merged, readByte(a, 3))},
			{"MergeSelect", merged},
			{"Concat", concolic.NewConcatExpr(merged, readByte(a, 3))},
			{"Extract", concolic.NewExtractExpr(concolic.NewConcatExpr(merged, readByte(a, 3)), 4, 8)},
			{"Not", concolic.NewNotExpr(merged)},
			{"Cast", concolic.NewCastExpr(merged, 32, true)},
			{"Binary", concolic.NewBinaryExpr(concolic.XOR, merged, readByte(a, 3))},
		} {
			t.Run(tt.name, func(t *testing.T) {
				if !concolic.IsMultiRev(tt.expr) {
					t.Fatalf("expected multi-revision input: %s", tt.expr)
				}
				got := concolic.SplitExpr(tt.expr)
				if len(got) < 2 {
					t.Fatalf("expected multiple variants, got %d", len(got))
				}
				for i, pe := range got {
					if concolic.IsMultiRev(pe.Expr) {
						t.Fatalf("variant %d still multi-revision: %s", i, pe.Expr)
					}
				}
			})
		}
	})

	t.Run("UnaryKindsPreserveParameters", func(t *testing.T) {
		extract := concolic.NewExtractExpr(concolic.NewConcatExpr(merged, readByte(a, 3)), 4, 8)
		for i, pe := range concolic.SplitExpr(extract) {
			if w := concolic.ExprWidth(pe.Expr); w != 8 {
				t.Fatalf("variant %d: width=%d, want 8", i, w)
			}
		}

		cast := concolic.NewCastExpr(merged, 32, true)
		for i, pe := range concolic.SplitExpr(cast) {
			if w := concolic.ExprWidth(pe.Expr); w != 32 {
				t.Fatalf("variant %d: width=%d, want 32", i, w)
			}
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		// Rebuilding a merge select from its children's splits and
		// re-splitting reproduces the same tag set.
		direct := concolic.SplitExpr(merged)

		rebuilt := concolic.NewMergeSelectExpr(cond,
			concolic.SplitExpr(merged.(*concolic.SelectExpr).True)[0].Expr,
			concolic.SplitExpr(merged.(*concolic.SelectExpr).False)[0].Expr,
			1, 2)
		again := concolic.SplitExpr(rebuilt)

		tags := func(pes []concolic.PatchedExpr) map[uint64]struct{} {
			m := make(map[uint64]struct{})
			for _, pe := range pes {
				m[pe.Patch] = struct{}{}
			}
			return m
		}
		if diff := cmp.Diff(tags(direct), tags(again)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("EvaluatesToBranchValues", func(t *testing.T) {
		// Under an assignment satisfying the condition, the revision-1
		// variant matches the original; under the complement, revision 2.
		split := concolic.SplitExpr(merged)

		onTrue := concolic.NewExprEvaluator([]*concolic.Array{a}, [][]byte{{1, 0xaa, 0xbb, 0, 0, 0, 0, 0}})
		onFalse := concolic.NewExprEvaluator([]*concolic.Array{a}, [][]byte{{0, 0xaa, 0xbb, 0, 0, 0, 0, 0}})

		full, err := onTrue.Evaluate(merged)
		if err != nil {
			t.Fatal(err)
		}
		rev1, err := onTrue.Evaluate(split[0].Expr)
		if err != nil {
			t.Fatal(err)
		}
		if full.Value != rev1.Value {
			t.Fatalf("revision 1 variant diverges: %#x != %#x", full.Value, rev1.Value)
		}

		full, err = onFalse.Evaluate(merged)
		if err != nil {
			t.Fatal(err)
		}
		rev2, err := onFalse.Evaluate(split[1].Expr)
		if err != nil {
			t.Fatal(err)
		}
		if full.Value != rev2.Value {
			t.Fatalf("revision 2 variant diverges: %#x != %#x", full.Value, rev2.Value)
		}
	})
}
