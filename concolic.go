// Package concolic implements the execution core of a differential symbolic
// analyzer: execution states that fork at branches and merge when paths
// reconverge, symbolic-expression utilities that recover per-revision variants
// from merged expressions, and the record type that captures behavioral
// divergence between two program revisions.
package concolic

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64

	PointerWidth = Width64
)

// Revision tags carried by split results and merge selects. PatchOriginal
// marks revision-independent content; PatchMerged is the reserved sentinel
// for ambiguous provenance.
const (
	PatchOriginal = uint64(0)
	PatchMerged   = ^uint64(0)
)

// Log is the package logger. Merge attempts trace their decisions at debug
// level; everything else is quiet.
var Log = log.StandardLogger()

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
