package intercept

import (
	"context"

	wasmrrerrors "github.com/wasmrr/wasmrr/errors"
	"github.com/wasmrr/wasmrr/playback"
	"github.com/wasmrr/wasmrr/recorder"
	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/wasi/preview2/random"
)

// Namespaces for the two WASI random surfaces. Both are served by the same
// RandomBytes/RandomU64 events: replay does not distinguish which surface
// a draw came from, since the guest cannot observe that distinction either
// once a value has been handed back.
const (
	secureRandomNamespace   = "wasi:random/random@0.2.0"
	insecureRandomNamespace = "wasi:random/insecure@0.2.0"
)

// RecordRandomHost observes the real secure random source.
type RecordRandomHost struct {
	*random.SecureRandomHost
	log *recorder.Log
}

func NewRecordRandomHost(log *recorder.Log) *RecordRandomHost {
	return &RecordRandomHost{SecureRandomHost: random.NewSecureRandomHost(), log: log}
}

func (h *RecordRandomHost) GetRandomBytes(ctx context.Context, length uint64) []byte {
	b := h.SecureRandomHost.GetRandomBytes(ctx, length)
	h.log.Append(trace.RandomBytes{Bytes: append([]byte(nil), b...)})
	return b
}

func (h *RecordRandomHost) GetRandomU64(ctx context.Context) uint64 {
	v := h.SecureRandomHost.GetRandomU64(ctx)
	h.log.Append(trace.RandomU64{Value: v})
	return v
}

// RecordInsecureRandomHost observes the real insecure random source through
// the same event variants as RecordRandomHost.
type RecordInsecureRandomHost struct {
	*random.InsecureRandomHost
	log *recorder.Log
}

func NewRecordInsecureRandomHost(log *recorder.Log) *RecordInsecureRandomHost {
	return &RecordInsecureRandomHost{InsecureRandomHost: random.NewInsecureRandomHost(), log: log}
}

func (h *RecordInsecureRandomHost) GetInsecureRandomBytes(ctx context.Context, length uint64) []byte {
	b := h.InsecureRandomHost.GetInsecureRandomBytes(ctx, length)
	h.log.Append(trace.RandomBytes{Bytes: append([]byte(nil), b...)})
	return b
}

func (h *RecordInsecureRandomHost) GetInsecureRandomU64(ctx context.Context) uint64 {
	v := h.InsecureRandomHost.GetInsecureRandomU64(ctx)
	h.log.Append(trace.RandomU64{Value: v})
	return v
}

// ReplayRandomHost synthesizes secure-random replies from the trace.
type ReplayRandomHost struct {
	cursor *playback.Cursor
}

func NewReplayRandomHost(cursor *playback.Cursor) *ReplayRandomHost {
	return &ReplayRandomHost{cursor: cursor}
}

func (h *ReplayRandomHost) Namespace() string { return secureRandomNamespace }

func (h *ReplayRandomHost) GetRandomBytes(_ context.Context, length uint64) []byte {
	e, err := h.cursor.Next(secureRandomNamespace, "random_bytes")
	if err != nil {
		panic(err)
	}
	b := e.(trace.RandomBytes).Bytes
	if uint64(len(b)) != length {
		panic(randomLengthMismatch(secureRandomNamespace, length, len(b)))
	}
	return b
}

func (h *ReplayRandomHost) GetRandomU64(context.Context) uint64 {
	e, err := h.cursor.Next(secureRandomNamespace, "random_u64")
	if err != nil {
		panic(err)
	}
	return e.(trace.RandomU64).Value
}

// ReplayInsecureRandomHost synthesizes insecure-random replies from the
// same trace events as ReplayRandomHost.
type ReplayInsecureRandomHost struct {
	cursor *playback.Cursor
}

func NewReplayInsecureRandomHost(cursor *playback.Cursor) *ReplayInsecureRandomHost {
	return &ReplayInsecureRandomHost{cursor: cursor}
}

func (h *ReplayInsecureRandomHost) Namespace() string { return insecureRandomNamespace }

func (h *ReplayInsecureRandomHost) GetInsecureRandomBytes(_ context.Context, length uint64) []byte {
	e, err := h.cursor.Next(insecureRandomNamespace, "random_bytes")
	if err != nil {
		panic(err)
	}
	b := e.(trace.RandomBytes).Bytes
	if uint64(len(b)) != length {
		panic(randomLengthMismatch(insecureRandomNamespace, length, len(b)))
	}
	return b
}

func (h *ReplayInsecureRandomHost) GetInsecureRandomU64(context.Context) uint64 {
	e, err := h.cursor.Next(insecureRandomNamespace, "random_u64")
	if err != nil {
		panic(err)
	}
	return e.(trace.RandomU64).Value
}

// randomLengthMismatch reports a guest requesting a different byte count
// than the recorded draw held. A length-blind replay would hand the guest
// a buffer of the wrong size instead of failing loudly, so this is treated
// the same as any other trace-shape mismatch.
func randomLengthMismatch(namespace string, requested uint64, recorded int) *wasmrrerrors.Error {
	return wasmrrerrors.New(wasmrrerrors.PhaseReplay, wasmrrerrors.KindTraceMismatch).
		Detail("random_bytes length mismatch on %s: guest requested %d bytes, trace recorded %d", namespace, requested, recorded).
		Build()
}
