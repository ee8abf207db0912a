package sdk

import "runtime/debug"

func init() {
	// Crash reports from the host app only carry what we print: dump every
	// goroutine on a fatal error.
	debug.SetTraceback("all")
	debug.SetPanicOnFault(true)
}
