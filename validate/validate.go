// Package validate builds diagnostic descriptions for replay trace
// mismatches. The mismatch/exhaustion errors themselves are constructed by
// the errors package (via playback.Cursor); this package exists so the CLI
// and tests have one place to classify them without reaching into errors
// internals.
package validate

import (
	"errors"

	wasmrrerrors "github.com/wasmrr/wasmrr/errors"
)

// IsMismatch reports whether err is a trace-shape mismatch detected during
// replay (the guest asked for one interface's reply while the trace held
// another's).
func IsMismatch(err error) bool {
	var e *wasmrrerrors.Error
	return errors.As(err, &e) && e.Kind == wasmrrerrors.KindTraceMismatch
}

// IsExhausted reports whether err is a trace-exhaustion error: replay ran
// out of recorded events for an intercepted call still in progress. Per
// spec, unconsumed trailing events are fine; only exhaustion mid-call is
// an error.
func IsExhausted(err error) bool {
	var e *wasmrrerrors.Error
	return errors.As(err, &e) && e.Kind == wasmrrerrors.KindTraceExhausted
}

// IsInvalidTrace reports whether err indicates a structurally broken trace
// file (bad envelope, unknown discriminant, undecodable bytes).
func IsInvalidTrace(err error) bool {
	var e *wasmrrerrors.Error
	return errors.As(err, &e) && e.Kind == wasmrrerrors.KindInvalidTrace
}
