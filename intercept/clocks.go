package intercept

import (
	"context"

	"github.com/wasmrr/wasmrr/playback"
	"github.com/wasmrr/wasmrr/recorder"
	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/wasi/preview2/clocks"
)

const (
	wallClockNamespace       = "wasi:clocks/wall-clock@0.2.3"
	monotonicClockNamespace  = "wasi:clocks/monotonic-clock@0.2.8"
)

// RecordWallClockHost observes the real wall clock and logs every
// now()/resolution() call so replay can reproduce it.
type RecordWallClockHost struct {
	*clocks.WallClockHost
	log *recorder.Log
}

func NewRecordWallClockHost(log *recorder.Log) *RecordWallClockHost {
	return &RecordWallClockHost{WallClockHost: clocks.NewWallClockHost(), log: log}
}

func (h *RecordWallClockHost) Now(ctx context.Context) clocks.Datetime {
	d := h.WallClockHost.Now(ctx)
	h.log.Append(trace.ClockNow{Seconds: d.Seconds, Nanoseconds: d.Nanoseconds})
	return d
}

func (h *RecordWallClockHost) Resolution(ctx context.Context) clocks.Datetime {
	d := h.WallClockHost.Resolution(ctx)
	h.log.Append(trace.ClockResolution{Seconds: d.Seconds, Nanoseconds: d.Nanoseconds})
	return d
}

// ReplayWallClockHost synthesizes now()/resolution() replies from the trace
// instead of consulting the real clock.
type ReplayWallClockHost struct {
	cursor *playback.Cursor
}

func NewReplayWallClockHost(cursor *playback.Cursor) *ReplayWallClockHost {
	return &ReplayWallClockHost{cursor: cursor}
}

func (h *ReplayWallClockHost) Namespace() string { return wallClockNamespace }

func (h *ReplayWallClockHost) Now(context.Context) clocks.Datetime {
	e, err := h.cursor.Next(wallClockNamespace, "clock_now")
	if err != nil {
		panic(err)
	}
	ev := e.(trace.ClockNow)
	return clocks.Datetime{Seconds: ev.Seconds, Nanoseconds: ev.Nanoseconds}
}

func (h *ReplayWallClockHost) Resolution(context.Context) clocks.Datetime {
	e, err := h.cursor.Next(wallClockNamespace, "clock_resolution")
	if err != nil {
		panic(err)
	}
	ev := e.(trace.ClockResolution)
	return clocks.Datetime{Seconds: ev.Seconds, Nanoseconds: ev.Nanoseconds}
}

// RecordMonotonicClockHost observes the real monotonic clock for
// now()/resolution() while leaving subscribe operations (which merely
// arm a pollable for the real scheduler) untouched.
type RecordMonotonicClockHost struct {
	*clocks.MonotonicClockHost
	log *recorder.Log
}

func NewRecordMonotonicClockHost(inner *clocks.MonotonicClockHost, log *recorder.Log) *RecordMonotonicClockHost {
	return &RecordMonotonicClockHost{MonotonicClockHost: inner, log: log}
}

func (h *RecordMonotonicClockHost) Now(ctx context.Context) uint64 {
	n := h.MonotonicClockHost.Now(ctx)
	h.log.Append(trace.MonotonicNow{Nanoseconds: n})
	return n
}

func (h *RecordMonotonicClockHost) Resolution(ctx context.Context) uint64 {
	n := h.MonotonicClockHost.Resolution(ctx)
	h.log.Append(trace.MonotonicResolution{Nanoseconds: n})
	return n
}

// ReplayMonotonicClockHost synthesizes now()/resolution() from the trace.
// Subscribe operations still arm a real timer pollable: the passage of
// real wall time between a subscribe and its poll is not itself
// intercepted, only the clock readings are.
type ReplayMonotonicClockHost struct {
	*clocks.MonotonicClockHost
	cursor *playback.Cursor
}

func NewReplayMonotonicClockHost(inner *clocks.MonotonicClockHost, cursor *playback.Cursor) *ReplayMonotonicClockHost {
	return &ReplayMonotonicClockHost{MonotonicClockHost: inner, cursor: cursor}
}

func (h *ReplayMonotonicClockHost) Now(context.Context) uint64 {
	e, err := h.cursor.Next(monotonicClockNamespace, "monotonic_clock_now")
	if err != nil {
		panic(err)
	}
	return e.(trace.MonotonicNow).Nanoseconds
}

func (h *ReplayMonotonicClockHost) Resolution(context.Context) uint64 {
	e, err := h.cursor.Next(monotonicClockNamespace, "monotonic_clock_resolution")
	if err != nil {
		panic(err)
	}
	return e.(trace.MonotonicResolution).Nanoseconds
}
