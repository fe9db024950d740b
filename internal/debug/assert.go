package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth is false. It is meant for invariants that can
// only break because of a programming mistake, never for input coming off
// the wire (that must be an error).
//
// NOTE: shape borrowed from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		fail(fmt.Sprintf("assertion failed(%s)", msg))
	}
}

// Assertf is Assert with a formatted message.
func Assertf(truth bool, format string, args ...any) {
	if !truth {
		fail("assertion failed(" + fmt.Sprintf(format, args...) + ")")
	}
}

func fail(msg string) {
	// the location is buried in the middle of the stack once a recover
	// somewhere up the chain logs it, so put it in the message.
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
