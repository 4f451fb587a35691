package concolic

// FindReads returns every read node reachable from expr in first-encountered
// order. Constant subtrees contribute no reads and are skipped. If
// visitUpdates is true the traversal also descends into each read's update
// history; a shared update chain is walked once no matter how many reads
// share it. The traversal uses an explicit stack so deeply nested
// expressions cannot overflow the goroutine stack.
func FindReads(expr Expr, visitUpdates bool) []*ReadExpr {
	var results []*ReadExpr
	var stack []Expr
	visited := make(map[Expr]struct{})
	chains := make(map[*ArrayUpdate]struct{})

	push := func(e Expr) {
		if IsConstantExpr(e) {
			return
		} else if _, ok := visited[e]; ok {
			return
		}
		visited[e] = struct{}{}
		stack = append(stack, e)
	}
	push(expr)

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if read, ok := top.(*ReadExpr); ok {
			results = append(results, read)
			push(read.Index)
			if visitUpdates {
				if _, ok := chains[read.Updates.Head]; !ok {
					chains[read.Updates.Head] = struct{}{}
					for upd := read.Updates.Head; upd != nil; upd = upd.Next {
						push(upd.Index)
						push(upd.Value)
					}
				}
			}
			continue
		}

		switch top := top.(type) {
		case *BinaryExpr:
			push(top.LHS)
			push(top.RHS)
		case *CastExpr:
			push(top.Src)
		case *ConcatExpr:
			push(top.MSB)
			push(top.LSB)
		case *ExtractExpr:
			push(top.Expr)
		case *NotExpr:
			push(top.Expr)
		case *NotOptimizedExpr:
			push(top.Src)
		case *SelectExpr:
			push(top.Cond)
			push(top.True)
			push(top.False)
		default:
			panic("unreachable")
		}
	}
	return results
}

// FindSymbolicObjects returns the symbolic arrays that the given expressions
// depend on, including dependencies reached through update histories. Each
// array is reported once, in first-encountered order. Constant-backed arrays
// are excluded.
func FindSymbolicObjects(exprs ...Expr) []*Array {
	finder := &arrayFinder{
		visited:  make(map[Expr]struct{}),
		reported: make(map[*Array]struct{}),
		symbolic: true,
	}
	for _, expr := range exprs {
		WalkExpr(finder, expr)
	}
	return finder.arrays
}

// FindConstantArrays returns the constant-backed arrays that the given
// expressions read from, in first-encountered order.
func FindConstantArrays(exprs ...Expr) []*Array {
	finder := &arrayFinder{
		visited:  make(map[Expr]struct{}),
		reported: make(map[*Array]struct{}),
		symbolic: false,
	}
	for _, expr := range exprs {
		WalkExpr(finder, expr)
	}
	return finder.arrays
}

type arrayFinder struct {
	visited  map[Expr]struct{}
	reported map[*Array]struct{}
	symbolic bool // collect symbolic roots if true, constant roots otherwise
	arrays   []*Array
}

func (f *arrayFinder) Visit(expr Expr) ExprVisitor {
	if _, ok := f.visited[expr]; ok {
		return nil // prune, DAG node already walked
	}
	f.visited[expr] = struct{}{}

	if read, ok := expr.(*ReadExpr); ok {
		if root := read.Updates.Root; root.IsSymbolic() == f.symbolic {
			if _, ok := f.reported[root]; !ok {
				f.reported[root] = struct{}{}
				f.arrays = append(f.arrays, root)
			}
		}
	}
	return f
}

// PatchedExpr pairs a single-revision expression with the revision tag it
// belongs to.
type PatchedExpr struct {
	Patch uint64
	Expr  Expr
}

// PickPatch combines the revision tags of two sub-expressions. A real
// revision number, one that is neither PatchOriginal nor PatchMerged, wins
// over a non-real one. When both tags are real the first argument takes
// precedence.
func PickPatch(m, n uint64) uint64 {
	if m == PatchOriginal || m == PatchMerged {
		if n != PatchOriginal && n != PatchMerged {
			return n
		}
	}
	return m
}

// SplitExpr decomposes a multi-revision expression into its single-revision
// variants, each tagged with the revision it belongs to: PatchOriginal for
// revision-independent content, PatchMerged when provenance cannot be
// narrowed to one revision. Expressions not marked multi-revision split
// trivially into themselves, as do constants.
//
// Merge selects split into their true-branch variants followed by their
// false-branch variants, tagged by the select's stored patch indexes; the
// condition is not split. All other kinds split every child and rebuild one
// expression per combination, folding the children's tags with PickPatch.
func SplitExpr(expr Expr) []PatchedExpr {
	if expr == nil {
		return nil
	}
	if !IsMultiRev(expr) {
		return []PatchedExpr{{Patch: PatchOriginal, Expr: expr}}
	}

	var res []PatchedExpr
	switch expr := expr.(type) {
	case *ConstantExpr:
		res = append(res, PatchedExpr{Patch: PatchOriginal, Expr: expr})

	case *NotOptimizedExpr:
		for _, src := range SplitExpr(expr.Src) {
			res = append(res, PatchedExpr{
				Patch: src.Patch,
				Expr:  NewNotOptimizedExpr(src.Expr),
			})
		}

	case *ReadExpr:
		for _, index := range SplitExpr(expr.Index) {
			res = append(res, PatchedExpr{
				Patch: index.Patch,
				Expr:  NewReadExpr(expr.Updates, index.Expr),
			})
		}

	case *SelectExpr:
		if expr.Merge {
			for _, t := range SplitExpr(expr.True) {
				res = append(res, PatchedExpr{
					Patch: PickPatch(expr.TruePatch, t.Patch),
					Expr:  t.Expr,
				})
			}
			for _, f := range SplitExpr(expr.False) {
				res = append(res, PatchedExpr{
					Patch: PickPatch(expr.FalsePatch, f.Patch),
					Expr:  f.Expr,
				})
			}
			break
		}
		for _, cond := range SplitExpr(expr.Cond) {
			for _, t := range SplitExpr(expr.True) {
				for _, f := range SplitExpr(expr.False) {
					res = append(res, PatchedExpr{
						Patch: PickPatch(cond.Patch, PickPatch(t.Patch, f.Patch)),
						Expr:  NewSelectExpr(cond.Expr, t.Expr, f.Expr),
					})
				}
			}
		}

	case *ConcatExpr:
		for _, msb := range SplitExpr(expr.MSB) {
			for _, lsb := range SplitExpr(expr.LSB) {
				res = append(res, PatchedExpr{
					Patch: PickPatch(msb.Patch, lsb.Patch),
					Expr:  NewConcatExpr(msb.Expr, lsb.Expr),
				})
			}
		}

	case *ExtractExpr:
		for _, e := range SplitExpr(expr.Expr) {
			res = append(res, PatchedExpr{
				Patch: e.Patch,
				Expr:  NewExtractExpr(e.Expr, expr.Offset, expr.Width),
			})
		}

	case *NotExpr:
		for _, e := range SplitExpr(expr.Expr) {
			res = append(res, PatchedExpr{
				Patch: e.Patch,
				Expr:  NewNotExpr(e.Expr),
			})
		}

	case *CastExpr:
		for _, src := range SplitExpr(expr.Src) {
			res = append(res, PatchedExpr{
				Patch: src.Patch,
				Expr:  NewCastExpr(src.Expr, expr.Width, expr.Signed),
			})
		}

	case *BinaryExpr:
		for _, lhs := range SplitExpr(expr.LHS) {
			for _, rhs := range SplitExpr(expr.RHS) {
				res = append(res, PatchedExpr{
					Patch: PickPatch(lhs.Patch, rhs.Patch),
					Expr:  NewBinaryExpr(expr.Op, lhs.Expr, rhs.Expr),
				})
			}
		}

	default:
		panic("splitExpr: invalid expression kind")
	}
	return res
}
