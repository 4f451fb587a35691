package concolic

import (
	"fmt"
)

// Array represents the initial content of a byte array. Arrays are immutable
// declarations: writes never modify an array but extend an update list layered
// on top of it.
type Array struct {
	ID   uint64 // unique id
	Name string // symbolic name, empty for anonymous allocations
	Size uint   // width, in bytes

	ConstantValues []*ConstantExpr // backing bytes, nil if fully symbolic
}

// NewArray returns a new symbolic Array of the given size.
func NewArray(id uint64, name string, size uint) *Array {
	return &Array{
		ID:   id,
		Name: name,
		Size: size,
	}
}

// NewConstantArray returns a new Array backed by concrete byte values.
func NewConstantArray(id uint64, name string, size uint, values []*ConstantExpr) *Array {
	assert(uint(len(values)) == size, "constant array size mismatch: %d != %d", len(values), size)
	for _, value := range values {
		assert(value.Width == Width8, "constant array value must be byte sized, width=%d", value.Width)
	}
	return &Array{
		ID:             id,
		Name:           name,
		Size:           size,
		ConstantValues: values,
	}
}

// String returns a string representation of the array.
func (a *Array) String() string {
	if a.Name != "" {
		return fmt.Sprintf("(array %s %d)", a.Name, a.Size)
	}
	return fmt.Sprintf("(array #%d %d)", a.ID, a.Size)
}

// IsSymbolic returns true if the array has no concrete backing values.
func (a *Array) IsSymbolic() bool {
	return a.ConstantValues == nil
}

// CompareArray returns an integer comparing two arrays.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArray(a, b *Array) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}

	if a.Size < b.Size {
		return -1
	} else if a.Size > b.Size {
		return 1
	}

	if a.Name < b.Name {
		return -1
	} else if a.Name > b.Name {
		return 1
	}
	return 0
}

// ArrayUpdate represents a single byte write layered over an array.
type ArrayUpdate struct {
	Index Expr // byte index of update
	Value Expr // byte value to update

	Next *ArrayUpdate // linked list of next update
}

// NewArrayUpdate returns a new instance of ArrayUpdate.
func NewArrayUpdate(index, value Expr, next *ArrayUpdate) *ArrayUpdate {
	return &ArrayUpdate{
		Index: newZExtExpr(index, Width32),
		Value: newZExtExpr(value, Width8),
		Next:  next,
	}
}

// CompareArrayUpdate returns an integer comparing two array updates.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArrayUpdate(a, b *ArrayUpdate) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if cmp := CompareExpr(a.Index, b.Index); cmp != 0 {
		return cmp
	} else if cmp := CompareExpr(a.Value, b.Value); cmp != 0 {
		return cmp
	}
	return CompareArrayUpdate(a.Next, b.Next)
}

// UpdateList pairs an array with the write history applied over it. The head
// of the list is the most recent write. Update lists are values and share
// their chain; extending one never modifies another.
type UpdateList struct {
	Root *Array
	Head *ArrayUpdate
}

// NewUpdateList returns an update list over root with no writes applied.
func NewUpdateList(root *Array) UpdateList {
	assert(root != nil, "update list requires an array")
	return UpdateList{Root: root}
}

// Extend returns a new update list with a write of value at index applied on
// top of ul.
func (ul UpdateList) Extend(index, value Expr) UpdateList {
	return UpdateList{Root: ul.Root, Head: NewArrayUpdate(index, value, ul.Head)}
}

// Len returns the number of writes in the list.
func (ul UpdateList) Len() int {
	n := 0
	for upd := ul.Head; upd != nil; upd = upd.Next {
		n++
	}
	return n
}

// String returns the string representation of the update list, most recent
// write first.
func (ul UpdateList) String() string {
	s := ""
	for upd := ul.Head; upd != nil; upd = upd.Next {
		s += fmt.Sprintf("[%s=%s] @ ", upd.Index, upd.Value)
	}
	return s + ul.Root.String()
}
