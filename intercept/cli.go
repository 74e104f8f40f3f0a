package intercept

import (
	"context"

	"github.com/wasmrr/wasmrr/playback"
	"github.com/wasmrr/wasmrr/recorder"
	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/wasi/preview2/cli"
)

const environmentNamespace = "wasi:cli/environment@0.2.3"

// RecordEnvironmentHost observes the real environment/arguments/cwd and
// logs one event per call, matching the guest's actual call pattern
// rather than caching a single snapshot: a guest that calls
// get-environment() twice produces two identical Environment events.
type RecordEnvironmentHost struct {
	*cli.EnvironmentHost
	log *recorder.Log
}

func NewRecordEnvironmentHost(inner *cli.EnvironmentHost, log *recorder.Log) *RecordEnvironmentHost {
	return &RecordEnvironmentHost{EnvironmentHost: inner, log: log}
}

func (h *RecordEnvironmentHost) GetEnvironment(ctx context.Context) [][2]string {
	entries := h.EnvironmentHost.GetEnvironment(ctx)
	pairs := make([]trace.Pair, len(entries))
	for i, e := range entries {
		pairs[i] = trace.Pair{Name: e[0], Value: e[1]}
	}
	h.log.Append(trace.Environment{Entries: pairs})
	return entries
}

func (h *RecordEnvironmentHost) GetArguments(ctx context.Context) []string {
	args := h.EnvironmentHost.GetArguments(ctx)
	h.log.Append(trace.Arguments{Args: args})
	return args
}

func (h *RecordEnvironmentHost) InitialCwd(ctx context.Context) *string {
	cwd := h.EnvironmentHost.InitialCwd(ctx)
	var path *string
	if cwd != nil {
		c := *cwd
		path = &c
	}
	h.log.Append(trace.InitialCwd{Path: path})
	return cwd
}

// ReplayEnvironmentHost synthesizes environment/arguments/cwd replies from
// the trace, one event per call.
type ReplayEnvironmentHost struct {
	cursor *playback.Cursor
}

func NewReplayEnvironmentHost(cursor *playback.Cursor) *ReplayEnvironmentHost {
	return &ReplayEnvironmentHost{cursor: cursor}
}

func (h *ReplayEnvironmentHost) Namespace() string { return environmentNamespace }

func (h *ReplayEnvironmentHost) GetEnvironment(context.Context) [][2]string {
	e, err := h.cursor.Next(environmentNamespace, "environment")
	if err != nil {
		panic(err)
	}
	ev := e.(trace.Environment)
	out := make([][2]string, len(ev.Entries))
	for i, p := range ev.Entries {
		out[i] = [2]string{p.Name, p.Value}
	}
	return out
}

func (h *ReplayEnvironmentHost) GetArguments(context.Context) []string {
	e, err := h.cursor.Next(environmentNamespace, "arguments")
	if err != nil {
		panic(err)
	}
	return e.(trace.Arguments).Args
}

func (h *ReplayEnvironmentHost) InitialCwd(context.Context) *string {
	e, err := h.cursor.Next(environmentNamespace, "initial_cwd")
	if err != nil {
		panic(err)
	}
	return e.(trace.InitialCwd).Path
}

// ExitSignal is returned (never panicked with directly by host code calling
// os.Exit) when the guest invokes wasi:cli/exit. The teacher's ExitHost
// calls os.Exit immediately, which would kill the process before a
// record-mode trace could be persisted; ExitSignal instead flows back
// through the normal host-function-panic-as-trap path so bootstrap.Run can
// catch it, persist the trace, and only then translate it into a process
// exit code.
type ExitSignal struct {
	Code int
}

func (e *ExitSignal) Error() string {
	return "wasi:cli/exit called"
}

const exitNamespace = "wasi:cli/exit@0.2.3"

// CapturingExitHost replaces the teacher's ExitHost for both record and
// replay: exit must never immediately terminate the host process in
// either mode.
type CapturingExitHost struct{}

func NewCapturingExitHost() *CapturingExitHost { return &CapturingExitHost{} }

func (h *CapturingExitHost) Namespace() string { return exitNamespace }

func (h *CapturingExitHost) Exit(_ context.Context, status uint32) {
	panic(&ExitSignal{Code: int(status)})
}
