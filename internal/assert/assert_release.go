//go:build !debug

package assert

// Truef is a no-op outside debug builds.
func Truef(cond bool, format string, args ...interface{}) {}
