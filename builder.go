package concolic

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Expressions are interned in a process-wide table keyed by a shallow
// structural hash. Constructors intern every node they build, so children are
// already unique by the time a parent is hashed and two expressions are
// structurally equal exactly when they are pointer-equal. That identity is
// what visited sets, constraint partitioning, and merge comparisons rely on.
var table = &exprTable{buckets: make(map[uint64][]Expr)}

type exprTable struct {
	mu      sync.Mutex
	buckets map[uint64][]Expr
	stats   ExprCacheStats
}

// ExprCacheStats reports interning table activity.
type ExprCacheStats struct {
	Lookups uint64
	Hits    uint64
	Cached  uint64
}

// CacheStats returns a snapshot of the interning table counters.
func CacheStats() ExprCacheStats {
	table.mu.Lock()
	defer table.mu.Unlock()
	return table.stats
}

// intern returns the canonical instance of expr. If a structurally equal
// expression is already cached, that one is returned and expr is discarded.
func intern(expr Expr) Expr {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.stats.Lookups++

	h := hashExpr(expr)
	for _, other := range table.buckets[h] {
		if shallowEqualExpr(expr, other) {
			table.stats.Hits++
			return other
		}
	}
	table.stats.Cached++

	table.buckets[h] = append(table.buckets[h], expr)
	return expr
}

// hashExpr returns a shallow structural hash: the expression kind, its scalar
// fields, and the addresses of its children. Derived fields do not
// participate.
func hashExpr(expr Expr) uint64 {
	h := xxhash.New()
	writeUint64(h, uint64(exprKind(expr)))

	switch expr := expr.(type) {
	case *BinaryExpr:
		writeUint64(h, uint64(expr.Op))
		writeUint64(h, exprPointer(expr.LHS))
		writeUint64(h, exprPointer(expr.RHS))
	case *CastExpr:
		writeUint64(h, exprPointer(expr.Src))
		writeUint64(h, uint64(expr.Width))
		writeBool(h, expr.Signed)
	case *ConcatExpr:
		writeUint64(h, exprPointer(expr.MSB))
		writeUint64(h, exprPointer(expr.LSB))
	case *ConstantExpr:
		writeUint64(h, expr.Value)
		writeUint64(h, uint64(expr.Width))
	case *ExtractExpr:
		writeUint64(h, exprPointer(expr.Expr))
		writeUint64(h, uint64(expr.Offset))
		writeUint64(h, uint64(expr.Width))
	case *NotExpr:
		writeUint64(h, exprPointer(expr.Expr))
	case *NotOptimizedExpr:
		writeUint64(h, exprPointer(expr.Src))
	case *ReadExpr:
		writeUint64(h, uint64(uintptr(unsafe.Pointer(expr.Updates.Root))))
		writeUint64(h, uint64(uintptr(unsafe.Pointer(expr.Updates.Head))))
		writeUint64(h, exprPointer(expr.Index))
	case *SelectExpr:
		writeUint64(h, exprPointer(expr.Cond))
		writeUint64(h, exprPointer(expr.True))
		writeUint64(h, exprPointer(expr.False))
		writeBool(h, expr.Merge)
		writeUint64(h, expr.TruePatch)
		writeUint64(h, expr.FalsePatch)
	default:
		panic("unreachable")
	}
	return h.Sum64()
}

// shallowEqualExpr reports whether a and b have the same kind, the same
// scalar fields, and pointer-identical children.
func shallowEqualExpr(a, b Expr) bool {
	if exprKind(a) != exprKind(b) {
		return false
	}

	switch a := a.(type) {
	case *BinaryExpr:
		b := b.(*BinaryExpr)
		return a.Op == b.Op && a.LHS == b.LHS && a.RHS == b.RHS
	case *CastExpr:
		b := b.(*CastExpr)
		return a.Src == b.Src && a.Width == b.Width && a.Signed == b.Signed
	case *ConcatExpr:
		b := b.(*ConcatExpr)
		return a.MSB == b.MSB && a.LSB == b.LSB
	case *ConstantExpr:
		b := b.(*ConstantExpr)
		return a.Value == b.Value && a.Width == b.Width
	case *ExtractExpr:
		b := b.(*ExtractExpr)
		return a.Expr == b.Expr && a.Offset == b.Offset && a.Width == b.Width
	case *NotExpr:
		b := b.(*NotExpr)
		return a.Expr == b.Expr
	case *NotOptimizedExpr:
		b := b.(*NotOptimizedExpr)
		return a.Src == b.Src
	case *ReadExpr:
		b := b.(*ReadExpr)
		return a.Updates == b.Updates && a.Index == b.Index
	case *SelectExpr:
		b := b.(*SelectExpr)
		return a.Cond == b.Cond && a.True == b.True && a.False == b.False &&
			a.Merge == b.Merge && a.TruePatch == b.TruePatch && a.FalsePatch == b.FalsePatch
	default:
		panic("unreachable")
	}
}

// exprPointer returns the address of the expression node as an integer.
func exprPointer(expr Expr) uint64 {
	switch expr := expr.(type) {
	case *BinaryExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *CastExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *ConcatExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *ConstantExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *ExtractExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *NotExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *NotOptimizedExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *ReadExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	case *SelectExpr:
		return uint64(uintptr(unsafe.Pointer(expr)))
	default:
		panic("unreachable")
	}
}

func writeUint64(h *xxhash.Digest, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeBool(h *xxhash.Digest, v bool) {
	if v {
		writeUint64(h, 1)
	} else {
		writeUint64(h, 0)
	}
}
