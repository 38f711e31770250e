//go:build debug

// Package assert provides non-recoverable invariant checks, compiled
// only into debug builds (spec.md §7 band 4: "unhandled invariant
// violations ... should be expressed as non-recoverable asserts
// restricted to debug builds"). Release builds never pay for or panic
// from these checks.
package assert

import "fmt"

// Truef panics with a formatted message if cond is false.
func Truef(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
