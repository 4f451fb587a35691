// Package ktest models the structured test-input records exchanged with the
// replay tooling: an ordered list of named byte objects plus the argument
// vector needed to rerun a program on the captured input. The on-disk
// serialization of these records belongs to the replay tooling, not here.
package ktest

import (
	"encoding/binary"
	"fmt"
	"strconv"

	concolic "github.com/McSinyx/klee-concolic"
)

// MaxObjects bounds the number of objects a single record may hold.
const MaxObjects = 64

// modelVersion is the version stamped into every finished record.
const modelVersion = 1

// Object is one named byte sequence in a record.
type Object struct {
	Name  string
	Bytes []byte
}

// Record collects the concrete input of one execution: named byte objects
// in insertion order and the argument vector that replays them.
type Record struct {
	args     []string
	objects  []Object
	argCount int
	finished bool
}

// NewRecord returns an empty record for a program invoked by the given
// name.
func NewRecord(program string) *Record {
	return &Record{args: []string{program}}
}

// Args returns the replay argument vector built so far, starting with the
// program name.
func (r *Record) Args() []string { return r.args }

// Objects returns the record's objects in insertion order.
func (r *Record) Objects() []Object { return r.objects }

// Object returns the first object with the given name, or nil.
func (r *Record) Object(name string) *Object {
	for i := range r.objects {
		if r.objects[i].Name == name {
			return &r.objects[i]
		}
	}
	return nil
}

// push appends an object. Panic when the record is full or finished.
func (r *Record) push(name string, bytes []byte) {
	if r.finished {
		panic("ktest: record already finished")
	}
	if len(r.objects) >= MaxObjects {
		panic("ktest: record full")
	}
	r.objects = append(r.objects, Object{Name: name, Bytes: bytes})
}

// AddArgument appends one symbolic program argument. The stored bytes keep
// the terminating zero the replayed program sees; the argument vector
// gains the flag pair that recreates a symbolic argument of the same
// length.
func (r *Record) AddArgument(value string) {
	bytes := make([]byte, len(value)+1)
	copy(bytes, value)

	r.push(fmt.Sprintf("arg%02d", r.argCount), bytes)
	r.argCount++
	r.args = append(r.args, "-sym-arg", strconv.Itoa(len(value)))
}

// AddObject appends an arbitrary named byte object.
func (r *Record) AddObject(name string, value []byte) {
	r.push(name, append([]byte(nil), value...))
}

// AddValue appends an integer object encoded little-endian in the given
// number of bytes.
func (r *Record) AddValue(name string, width int, value uint64) {
	bytes := make([]byte, width)
	for i := range bytes {
		bytes[i] = byte(value >> (8 * uint(i)))
	}
	r.push(name, bytes)
}

// Finish appends the model-version trailer and returns the final object
// list. A finished record accepts no further objects.
func (r *Record) Finish() []Object {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, modelVersion)
	r.push("model_version", buf)
	r.finished = true
	return r.objects
}

// Bind copies the record's symbolic program arguments into the
// differentiator, pairing each argument object with its positional index.
// The trailing zero byte stored for replay is stripped.
func (r *Record) Bind(d *concolic.Differentiator) {
	for _, o := range r.objects {
		if !concolic.IsSymArg(o.Name) {
			continue
		}
		index, err := strconv.Atoi(o.Name[len("arg"):])
		if err != nil {
			continue
		}

		bytes := o.Bytes
		if n := len(bytes); n > 0 && bytes[n-1] == 0 {
			bytes = bytes[:n-1]
		}
		d.AddArgument(uint8(index), bytes)
	}
}
