// Package recorder implements the in-memory, flush-once-at-end trace
// writer used during record mode.
package recorder

import (
	"sync"

	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/trace/codec"
)

// Log accumulates events for a single component execution. It is owned by
// exactly one bootstrap run and is never shared across goroutines beyond
// the one HTTP interception path, which is why Append takes a lock.
type Log struct {
	format    codec.Format
	mu        sync.Mutex
	events    []trace.Event
	persisted bool
}

// New creates an empty Log that will encode in the given format on Persist.
func New(format codec.Format) *Log {
	return &Log{format: format}
}

// Append adds an event to the end of the log. Safe for concurrent callers
// (the HTTP interception path may append from its own goroutine).
func (l *Log) Append(e trace.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.persisted {
		panic("recorder: Append called after Persist")
	}
	l.events = append(l.events, e)
}

// Len reports how many events have been recorded so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the recorded events in order.
func (l *Log) Events() []trace.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]trace.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Persist encodes the full buffer to path exactly once, atomically
// replacing any existing file. Called whether the guest finished
// successfully, called wasi:cli/exit, or trapped — a record-mode run
// always gets one chance to leave a trace behind.
func (l *Log) Persist(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := codec.EncodeFile(path, l.events, l.format); err != nil {
		return err
	}
	l.persisted = true
	return nil
}
