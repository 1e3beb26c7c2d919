// Package recovery converts panics in goroutines into logs and errors.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic marks errors produced from a recovered panic.
var ErrPanic = errors.New("panic recovered")

// RecoverWithLog recovers from a panic and logs it with its stack. Defer it
// at the top of goroutines that have no error to report.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverToError recovers from panics, logs them and stores an error wrapping
// ErrPanic into errp.
func RecoverToError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if errp != nil {
			*errp = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
