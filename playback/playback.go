// Package playback implements the single-consumer, forward-only trace
// cursor used during replay mode.
package playback

import (
	"io"
	"sync"

	wasmrrerrors "github.com/wasmrr/wasmrr/errors"
	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/trace/codec"
)

// Cursor reads recorded events one at a time, in order, with no rewind.
// It is owned by exactly one bootstrap run.
type Cursor struct {
	mu sync.Mutex

	events []trace.Event // in-memory source (JSON); nil when streaming
	pos    int

	stream *codec.StreamDecoder // streaming source (CBOR); nil when in-memory

	index int // count of events consumed, for diagnostics
}

// New creates a Cursor over an already fully-decoded event slice.
func New(events []trace.Event) *Cursor {
	return &Cursor{events: events}
}

// NewStreaming creates a Cursor that pulls events lazily off dec.
func NewStreaming(dec *codec.StreamDecoder) *Cursor {
	return &Cursor{stream: dec}
}

// Next advances the cursor by one position and returns the event there.
// expected is the discriminant the caller's intercepted interface is about
// to synthesize a reply for; a shape mismatch or an empty trace each
// produce a structured error via the validate package's conventions
// rather than a panic, since both are guest-observable outcomes (the
// guest receives whatever trap the intercepted host function raises).
func (c *Cursor) Next(interfaceName, expected string) (trace.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e trace.Event
	if c.stream != nil {
		next, err := c.stream.Next()
		if err == io.EOF {
			return nil, wasmrrerrors.TraceExhausted(interfaceName, expected, c.index)
		}
		if err != nil {
			return nil, err
		}
		e = next
	} else {
		if c.pos >= len(c.events) {
			return nil, wasmrrerrors.TraceExhausted(interfaceName, expected, c.index)
		}
		e = c.events[c.pos]
		c.pos++
	}

	if e.Discriminant() != expected {
		return nil, wasmrrerrors.TraceMismatch(interfaceName, expected, e.Discriminant(), c.index)
	}

	c.index++
	return e, nil
}

// Remaining reports how many events are left to consume. It is only
// meaningful for an in-memory (JSON) source; a streaming (CBOR) source
// cannot cheaply answer this without consuming ahead, so it returns -1.
// Spec semantics permit but never require full consumption, so callers
// must not treat a positive Remaining() at the end of a run as an error.
func (c *Cursor) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return -1
	}
	return len(c.events) - c.pos
}
