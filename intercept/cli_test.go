package intercept

import (
	"context"
	"testing"

	"github.com/wasmrr/wasmrr/playback"
	"github.com/wasmrr/wasmrr/recorder"
	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/trace/codec"
	"github.com/wasmrr/wasmrr/wasi/preview2/cli"
)

func TestRecordEnvironmentHostOneEventPerCall(t *testing.T) {
	log := recorder.New(codec.FormatJSON)
	inner := cli.NewEnvironmentHost(map[string]string{"FOO": "bar"}, []string{"prog", "a"}, "/home")
	host := NewRecordEnvironmentHost(inner, log)

	host.GetEnvironment(context.Background())
	host.GetEnvironment(context.Background())

	if log.Len() != 2 {
		t.Fatalf("expected a fresh event per call (no caching), got %d events for 2 calls", log.Len())
	}
	first := log.Events()[0].(trace.Environment)
	second := log.Events()[1].(trace.Environment)
	if len(first.Entries) != 1 || len(second.Entries) != 1 {
		t.Fatalf("unexpected environment entries: %#v / %#v", first, second)
	}
}

func TestRecordEnvironmentHostArgumentsAndCwd(t *testing.T) {
	log := recorder.New(codec.FormatJSON)
	inner := cli.NewEnvironmentHost(nil, []string{"prog", "hello", "world"}, "/tmp")
	host := NewRecordEnvironmentHost(inner, log)

	args := host.GetArguments(context.Background())
	cwd := host.InitialCwd(context.Background())

	if len(args) != 3 {
		t.Fatalf("expected 3 arguments, got %#v", args)
	}
	loggedArgs := log.Events()[0].(trace.Arguments)
	if len(loggedArgs.Args) != 3 || loggedArgs.Args[1] != "hello" {
		t.Fatalf("unexpected logged arguments: %#v", loggedArgs)
	}

	loggedCwd := log.Events()[1].(trace.InitialCwd)
	if loggedCwd.Path == nil || *loggedCwd.Path != *cwd {
		t.Fatalf("logged cwd %#v does not match returned cwd %#v", loggedCwd.Path, cwd)
	}
}

func TestReplayEnvironmentHostOneEventPerCall(t *testing.T) {
	cursor := playback.New([]trace.Event{
		trace.Environment{Entries: []trace.Pair{{Name: "FOO", Value: "bar"}}},
		trace.Arguments{Args: []string{"prog", "x"}},
		trace.InitialCwd{Path: nil},
	})
	host := NewReplayEnvironmentHost(cursor)

	env := host.GetEnvironment(context.Background())
	if len(env) != 1 || env[0] != [2]string{"FOO", "bar"} {
		t.Fatalf("unexpected replayed environment: %#v", env)
	}

	args := host.GetArguments(context.Background())
	if len(args) != 2 || args[1] != "x" {
		t.Fatalf("unexpected replayed arguments: %#v", args)
	}

	cwd := host.InitialCwd(context.Background())
	if cwd != nil {
		t.Fatalf("expected nil cwd, got %v", *cwd)
	}
}

func TestCapturingExitHostPanicsWithExitSignal(t *testing.T) {
	host := NewCapturingExitHost()

	defer func() {
		r := recover()
		sig, ok := r.(*ExitSignal)
		if !ok {
			t.Fatalf("expected panic value to be *ExitSignal, got %#v", r)
		}
		if sig.Code != 3 {
			t.Fatalf("expected exit code 3, got %d", sig.Code)
		}
	}()
	host.Exit(context.Background(), 3)
}
