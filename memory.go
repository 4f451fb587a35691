package concolic

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

var nextObjectID uint64

// MemoryObject describes one allocation: a stable identifier, a base
// address, and a size in bytes. Objects are shared by reference between
// states; their contents live in ObjectState.
type MemoryObject struct {
	ID   uint64 // stable identifier, orders the address space
	Base uint64 // base address
	Size uint   // size, in bytes
	Name string // diagnostic label, may be empty
}

// NewMemoryObject returns a new memory object with a fresh identifier.
func NewMemoryObject(base uint64, size uint, name string) *MemoryObject {
	return &MemoryObject{
		ID:   atomic.AddUint64(&nextObjectID, 1),
		Base: base,
		Size: size,
		Name: name,
	}
}

// BaseExpr returns the base address as a pointer-width constant.
func (mo *MemoryObject) BaseExpr() *ConstantExpr {
	return NewConstantExpr(mo.Base, PointerWidth)
}

// String returns a string representation of the memory object.
func (mo *MemoryObject) String() string {
	if mo.Name != "" {
		return fmt.Sprintf("(object %s %d %d)", mo.Name, mo.Base, mo.Size)
	}
	return fmt.Sprintf("(object #%d %d %d)", mo.ID, mo.Base, mo.Size)
}

// ObjectState holds the byte contents of one memory object. Each byte is an
// expression; concrete bytes are constant expressions. Object states are
// shared between forked states and writable in place only through
// AddressSpace.GetWriteable.
type ObjectState struct {
	Object *MemoryObject
	Array  *Array // backing array for symbolic content, nil for plain allocations

	bytes    []Expr
	readOnly bool
	cowKey   uint64 // owning address space key, zero until bound
}

// NewObjectState returns a zero-filled object state for mo.
func NewObjectState(mo *MemoryObject) *ObjectState {
	os := &ObjectState{
		Object: mo,
		bytes:  make([]Expr, mo.Size),
	}
	for i := range os.bytes {
		os.bytes[i] = NewConstantExpr(0, Width8)
	}
	return os
}

// NewSymbolicObjectState returns an object state whose bytes read from the
// given symbolic array.
func NewSymbolicObjectState(mo *MemoryObject, array *Array) *ObjectState {
	assert(array.Size == mo.Size, "symbolic object size mismatch: %d != %d", array.Size, mo.Size)

	updates := NewUpdateList(array)
	os := &ObjectState{
		Object: mo,
		Array:  array,
		bytes:  make([]Expr, mo.Size),
	}
	for i := range os.bytes {
		os.bytes[i] = NewReadExpr(updates, NewConstantExpr(uint64(i), Width32))
	}
	return os
}

// Size returns the object size in bytes.
func (os *ObjectState) Size() uint { return os.Object.Size }

// IsReadOnly returns true if writes to the object are forbidden.
func (os *ObjectState) IsReadOnly() bool { return os.readOnly }

// SetReadOnly marks the object state read-only (or writable again).
func (os *ObjectState) SetReadOnly(v bool) { os.readOnly = v }

// Read8 returns the expression stored at byte index i.
func (os *ObjectState) Read8(i uint) Expr {
	assert(i < os.Size(), "read out of bounds: %d >= %d", i, os.Size())
	return os.bytes[i]
}

// Write8 stores a byte-wide expression at byte index i.
func (os *ObjectState) Write8(i uint, value Expr) {
	assert(i < os.Size(), "write out of bounds: %d >= %d", i, os.Size())
	assert(ExprWidth(value) == Width8, "write8: invalid value width: %d", ExprWidth(value))
	os.bytes[i] = value
}

// Read returns width bits starting at the given byte offset, little-endian.
func (os *ObjectState) Read(offset, width uint) Expr {
	assert(width > 0, "read: invalid width")

	if width == WidthBool {
		return NewExtractExpr(os.Read8(offset), 0, WidthBool)
	}

	// Handle read byte-by-byte, least significant byte first.
	var result Expr
	for i, n := uint(0), width/8; i != n; i++ {
		value := os.Read8(offset + i)
		if i == 0 {
			result = value
		} else {
			result = NewConcatExpr(value, result)
		}
	}
	return result
}

// Write stores value starting at the given byte offset, little-endian.
func (os *ObjectState) Write(offset uint, value Expr) {
	// Treat bool specially, it is the only non-byte sized write we allow.
	width := ExprWidth(value)
	assert(width > 0, "write: invalid width")
	if width == WidthBool {
		os.Write8(offset, newZExtExpr(value, Width8))
		return
	}

	for i, n := uint(0), width/8; i != n; i++ {
		os.Write8(offset+i, NewExtractExpr(value, i*8, Width8))
	}
}

// Equal returns a boolean expression stating if the contents of os and other
// are equal.
func (os *ObjectState) Equal(other *ObjectState) Expr {
	// Length is known at runtime so verify first.
	if os.Size() != other.Size() {
		return NewBoolConstantExpr(false)
	} else if os.Size() == 0 {
		return NewBoolConstantExpr(true)
	}

	// Check equality for every byte.
	// Exit early if any concrete byte is unequal.
	var cond Expr
	for i := uint(0); i < os.Size(); i++ {
		expr := newEqExpr(os.Read8(i), other.Read8(i))
		if IsConstantFalse(expr) {
			return NewBoolConstantExpr(false)
		}

		// Initialize or join to existing constraint set.
		if i == 0 {
			cond = expr
		} else {
			cond = newAndExpr(cond, expr)
		}
	}
	return cond
}

// NotEqual returns a boolean expression stating if the contents of os and
// other differ.
func (os *ObjectState) NotEqual(other *ObjectState) Expr {
	// Length is known at runtime so verify first.
	if os.Size() != other.Size() {
		return NewBoolConstantExpr(true)
	} else if os.Size() == 0 {
		return NewBoolConstantExpr(false)
	}

	// Check inequality for every byte.
	// Exit early if any concrete byte is unequal.
	var cond Expr
	for i := uint(0); i < os.Size(); i++ {
		expr := NewNotExpr(newEqExpr(os.Read8(i), other.Read8(i)))
		if IsConstantTrue(expr) {
			return NewBoolConstantExpr(true)
		}

		// Initialize or join to existing constraint set.
		if i == 0 {
			cond = expr
		} else {
			cond = newOrExpr(cond, expr)
		}
	}
	return cond
}

// clone returns an unowned deep copy of the object state.
func (os *ObjectState) clone() *ObjectState {
	other := *os
	other.bytes = make([]Expr, len(os.bytes))
	copy(other.bytes, os.bytes)
	other.cowKey = 0
	return &other
}

// AddressSpace maps memory objects to their contents, ordered by object
// identifier. The object map is an immutable sorted map shared structurally
// between forked states; the ownership key decides which object states the
// address space may mutate in place.
type AddressSpace struct {
	cowKey  uint64
	objects *immutable.SortedMap
}

// NewAddressSpace returns a new, empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		cowKey:  1,
		objects: immutable.NewSortedMap(&uint64Comparer{}),
	}
}

// Clone returns a copy sharing the object map. Both sides advance to a new
// ownership key, so object states bound before the clone are no longer
// writable in place by either side.
func (as *AddressSpace) Clone() *AddressSpace {
	as.cowKey++
	return &AddressSpace{
		cowKey:  as.cowKey,
		objects: as.objects,
	}
}

// Bind installs an object state. The object state must not already be owned
// by an address space.
func (as *AddressSpace) Bind(os *ObjectState) {
	assert(os.cowKey == 0, "object state already bound: id=%d", os.Object.ID)
	os.cowKey = as.cowKey
	as.objects = as.objects.Set(os.Object.ID, os)
}

// Unbind removes the object from the address space.
func (as *AddressSpace) Unbind(mo *MemoryObject) {
	as.objects = as.objects.Delete(mo.ID)
}

// Find returns the object state bound for mo, or nil.
func (as *AddressSpace) Find(mo *MemoryObject) *ObjectState {
	if value, _ := as.objects.Get(mo.ID); value != nil {
		return value.(*ObjectState)
	}
	return nil
}

// GetWriteable returns an object state for os that the address space may
// write to. If os is owned by this address space it is returned directly;
// otherwise a private copy is made, bound in place of os, and returned.
// Panics if the object state is read-only.
func (as *AddressSpace) GetWriteable(os *ObjectState) *ObjectState {
	assert(!os.readOnly, "write to read-only object: id=%d", os.Object.ID)

	if os.cowKey == as.cowKey {
		return os
	}
	other := os.clone()
	other.cowKey = as.cowKey
	as.objects = as.objects.Set(other.Object.ID, other)
	return other
}

// Len returns the number of bound objects.
func (as *AddressSpace) Len() int {
	return as.objects.Len()
}

// Objects returns the bound object states in identifier order.
func (as *AddressSpace) Objects() []*ObjectState {
	a := make([]*ObjectState, 0, as.objects.Len())
	itr := as.objects.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return a
		}
		a = append(a, v.(*ObjectState))
	}
}

// Dump returns the contents of the address space as a string.
func (as *AddressSpace) Dump() string {
	var buf bytes.Buffer
	itr := as.objects.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return buf.String()
		}
		os := v.(*ObjectState)
		fmt.Fprintf(&buf, "%08d %s\n", k.(uint64), os.Object.String())
		for i := uint(0); i < os.Size(); i++ {
			fmt.Fprintf(&buf, "  %04d: %s\n", i, os.bytes[i])
		}
		fmt.Fprintln(&buf, "")
	}
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
