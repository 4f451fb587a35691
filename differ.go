package concolic

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

var (
	symArgRegexp = regexp.MustCompile(`^arg\d\d$`)
	symOutRegexp = regexp.MustCompile(`^out!.*\d$`)
)

// IsSymArg reports whether name denotes a symbolic program argument
// ("arg" followed by two digits).
func IsSymArg(name string) bool { return symArgRegexp.MatchString(name) }

// IsSymOut reports whether name denotes a captured output variable
// ("out!" followed by a digit-terminated variable name).
func IsSymOut(name string) bool { return symOutRegexp.MatchString(name) }

// Differentiator records one behavioral divergence between two program
// revisions: the concrete input arguments that exposed it and, per named
// output variable, the raw bytes each revision produced.
type Differentiator struct {
	revA, revB uint64

	// Positional input arguments, keyed by argument index.
	args map[uint8]string

	// Output bytes per variable name, in first-added order.
	outputNames []string
	outputs     map[string]*outputPair

	// Captured standard output per revision.
	stdouts map[uint64]string
}

type outputPair struct {
	a, b string
}

// NewDifferentiator returns an empty record comparing revision a against
// revision b.
func NewDifferentiator(a, b uint64) *Differentiator {
	return &Differentiator{
		revA:    a,
		revB:    b,
		args:    make(map[uint8]string),
		outputs: make(map[string]*outputPair),
		stdouts: make(map[uint64]string),
	}
}

// RevA returns the first configured revision identifier.
func (d *Differentiator) RevA() uint64 { return d.revA }

// RevB returns the second configured revision identifier.
func (d *Differentiator) RevB() uint64 { return d.revB }

// AddArgument records the concrete bytes of one positional input argument.
// Adding an index twice overwrites the earlier value.
func (d *Differentiator) AddArgument(index uint8, value []byte) {
	d.args[index] = string(value)
}

// AddOutput records one revision's raw bytes for a named output variable.
// The revision must be one of the record's two configured revisions.
func (d *Differentiator) AddOutput(name string, revision uint64, value []byte) error {
	if revision != d.revA && revision != d.revB {
		return errors.Errorf("unknown revision: %d", revision)
	}

	pair := d.outputs[name]
	if pair == nil {
		pair = &outputPair{}
		d.outputs[name] = pair
		d.outputNames = append(d.outputNames, name)
	}

	if revision == d.revA {
		pair.a = string(value)
	} else {
		pair.b = string(value)
	}
	return nil
}

// AddStdout records the standard output captured under one revision. The
// revision must be one of the record's two configured revisions.
func (d *Differentiator) AddStdout(revision uint64, value []byte) error {
	if revision != d.revA && revision != d.revB {
		return errors.Errorf("unknown revision: %d", revision)
	}
	d.stdouts[revision] = string(value)
	return nil
}

// Stdout returns the standard output recorded for the given revision, or
// nil if none was recorded.
func (d *Differentiator) Stdout(revision uint64) []byte {
	if s, ok := d.stdouts[revision]; ok {
		return []byte(s)
	}
	return nil
}

// String renders the record in its canonical single-line form: quoted
// argument values in index order, then each output variable with both
// revisions' hex-escaped payloads, in the order the outputs were first
// added. The form depends only on stored data and is stable across runs.
func (d *Differentiator) String() string {
	var buf bytes.Buffer

	buf.WriteString("{(")
	for i, index := range d.argIndexes() {
		if i > 0 {
			buf.WriteByte(' ')
		}
		writeQuoted(&buf, d.args[index])
	}
	buf.WriteString(") {")
	for i, name := range d.outputNames {
		if i > 0 {
			buf.WriteByte(' ')
		}
		pair := d.outputs[name]
		buf.WriteByte(':')
		buf.WriteString(name)
		buf.WriteString(" {")
		buf.WriteString(strconv.FormatUint(d.revA, 10))
		buf.WriteByte(' ')
		writeHex(&buf, pair.a)
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatUint(d.revB, 10))
		buf.WriteByte(' ')
		writeHex(&buf, pair.b)
		buf.WriteByte('}')
	}
	buf.WriteString("}}")

	return buf.String()
}

// argIndexes returns the recorded argument indexes in increasing order.
func (d *Differentiator) argIndexes() []uint8 {
	a := make([]uint8, 0, len(d.args))
	for index := range d.args {
		a = append(a, index)
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a
}

// writeQuoted writes s wrapped in double quotes, backslash-escaping quote
// and backslash characters. All other bytes pass through unchanged.
func writeQuoted(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	buf.WriteByte('"')
}

const hexDigits = "0123456789abcdef"

// writeHex writes every byte of s as \xHH with lowercase hex digits.
func writeHex(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		buf.WriteString(`\x`)
		buf.WriteByte(hexDigits[s[i]>>4])
		buf.WriteByte(hexDigits[s[i]&0xf])
	}
}
