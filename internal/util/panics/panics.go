// Package panics provides a goroutine wrapper that logs panics instead of
// crashing the process, grounded on the teacher's util/panics package and
// its per-package `spawn = panics.GoroutineWrapperFunc(log)` idiom.
package panics

import (
	"fmt"
	"runtime/debug"
)

// logger is the minimal logging capability this package depends on, so it
// does not need to import the logger package directly (avoiding an import
// cycle with subsystems that both log and spawn goroutines).
type logger interface {
	Criticalf(format string, args ...interface{})
}

// GoroutineWrapperFunc returns a `spawn` function that runs f in a new
// goroutine, recovering and logging any panic instead of letting it take
// down the process.
func GoroutineWrapperFunc(log logger) func(f func()) {
	return func(f func()) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Criticalf("goroutine panic: %v\n%s", r, debug.Stack())
				}
			}()
			f()
		}()
	}
}

// GoroutineWrapperFuncWithPanicHandler is like GoroutineWrapperFunc but
// additionally invokes onPanic with a formatted panic description, letting
// the caller trigger extra cleanup (e.g. closing a connection).
func GoroutineWrapperFuncWithPanicHandler(log logger, onPanic func(string)) func(f func()) {
	return func(f func()) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprintf("goroutine panic: %v\n%s", r, debug.Stack())
					log.Criticalf(msg)
					if onPanic != nil {
						onPanic(msg)
					}
				}
			}()
			f()
		}()
	}
}
