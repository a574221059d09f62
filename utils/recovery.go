package utils

import (
	"runtime/debug"

	"github.com/rs/zerolog"
)

// RecoverFromPanic logs a recovered panic with its stack. Use as a deferred
// call in goroutines whose crash must not take the process down.
func RecoverFromPanic(log zerolog.Logger, context string) {
	if r := recover(); r != nil {
		log.Error().
			Str("context", context).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("panic recovered")
	}
}

// SafeGo runs fn in a goroutine with panic recovery.
func SafeGo(log zerolog.Logger, context string, fn func()) {
	go func() {
		defer RecoverFromPanic(log, context)
		fn()
	}()
}
