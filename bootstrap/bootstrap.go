// Package bootstrap wires the intercepted and passthrough WASI host
// implementations into a runtime.Runtime, loads a component, invokes its
// command entry point, and persists or replays a trace around the call.
package bootstrap

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wasmrr/wasmrr/errors"
	"github.com/wasmrr/wasmrr/intercept"
	"github.com/wasmrr/wasmrr/playback"
	"github.com/wasmrr/wasmrr/recorder"
	"github.com/wasmrr/wasmrr/runtime"
	"github.com/wasmrr/wasmrr/trace/codec"
	"github.com/wasmrr/wasmrr/wasi/preview2"
	"github.com/wasmrr/wasmrr/wasi/preview2/cli"
	"github.com/wasmrr/wasmrr/wasi/preview2/clocks"
	"github.com/wasmrr/wasmrr/wasi/preview2/filesystem"
	httpwasi "github.com/wasmrr/wasmrr/wasi/preview2/http"
	"github.com/wasmrr/wasmrr/wasi/preview2/io"
	"github.com/wasmrr/wasmrr/wasi/preview2/random"
	"github.com/wasmrr/wasmrr/wasi/preview2/sockets"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger, defaulting to a no-op logger until
// SetLogger is called.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger overrides the package logger. Call before Run.
func SetLogger(l *zap.Logger) {
	logger = l
	loggerOnce.Do(func() {})
}

// Mode selects whether Run records a fresh trace or replays an existing one.
type Mode int

const (
	ModeRecord Mode = iota
	ModeReplay
)

// Config describes one bootstrap run.
type Config struct {
	ComponentPath string
	Mode          Mode
	TracePath     string
	Format        codec.Format
	Args          []string
	Env           map[string]string
	Cwd           string
}

// Result reports the outcome of a completed run.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Run instantiates the engine, registers the interception (or passthrough)
// host set for cfg.Mode, loads the component, invokes its command entry
// point, and persists the trace in record mode before returning.
func Run(ctx context.Context, cfg Config, wasmBytes []byte) (Result, error) {
	wasi := preview2.New().
		WithEnv(cfg.Env).
		WithArgs(cfg.Args).
		WithCwd(cfg.Cwd)

	rt, err := runtime.New(ctx)
	if err != nil {
		return Result{}, err
	}
	defer rt.Close(ctx)

	var log *recorder.Log
	var cursor *playback.Cursor

	switch cfg.Mode {
	case ModeRecord:
		log = recorder.New(cfg.Format)
		if err := registerRecordHosts(rt, wasi, log); err != nil {
			return Result{}, err
		}
	case ModeReplay:
		events, err := codec.DecodeFile(cfg.TracePath, cfg.Format)
		if err != nil {
			return Result{}, err
		}
		cursor = playback.New(events)
		if err := registerReplayHosts(rt, wasi, cursor); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, errors.Unsupported(errors.PhaseRuntime, "unknown bootstrap mode")
	}

	mod, err := rt.LoadComponent(ctx, wasmBytes)
	if err != nil {
		if cfg.Mode == ModeRecord {
			_ = log.Persist(cfg.TracePath)
		}
		return Result{}, errors.ComponentLinkError(err)
	}

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		if cfg.Mode == ModeRecord {
			_ = log.Persist(cfg.TracePath)
		}
		return Result{}, errors.ComponentLinkError(err)
	}
	defer inst.Close(ctx)

	exitCode, callErr := invokeCommandEntryPoint(ctx, inst)

	result := Result{
		ExitCode: exitCode,
		Stdout:   wasi.Stdout(),
		Stderr:   wasi.Stderr(),
	}

	if cfg.Mode == ModeRecord {
		if perr := log.Persist(cfg.TracePath); perr != nil {
			return result, perr
		}
	}

	if callErr != nil {
		return result, callErr
	}
	return result, nil
}

// invokeCommandEntryPoint calls the component's wasi:cli/run#run export and
// translates a captured intercept.ExitSignal panic into a plain exit code;
// any other panic or error is surfaced as a guest trap.
func invokeCommandEntryPoint(ctx context.Context, inst *runtime.Instance) (exitCode int, err error) {
	defer func() {
		if r := recover(); r != nil {
			if sig, ok := r.(*intercept.ExitSignal); ok {
				exitCode = sig.Code
				err = nil
				return
			}
			if e, ok := r.(error); ok {
				err = errors.GuestTrap(e)
				return
			}
			err = errors.GuestTrap(errors.InvalidInput(errors.PhaseRuntime, "guest panicked with a non-error value"))
		}
	}()

	if _, callErr := inst.Call(ctx, "run"); callErr != nil {
		var sig *intercept.ExitSignal
		if stderrors.As(callErr, &sig) {
			return sig.Code, nil
		}
		return 1, errors.GuestTrap(callErr)
	}
	return 0, nil
}

// registerRecordHosts registers the interception set that observes the
// real host while recording, plus every passthrough interface unchanged
// from the teacher's own wiring in runtime.RegisterWASI.
func registerRecordHosts(rt *runtime.Runtime, wasi *preview2.WASI, log *recorder.Log) error {
	resources := wasi.Resources()

	hosts := []runtime.Host{
		intercept.NewRecordWallClockHost(log),
		intercept.NewRecordMonotonicClockHost(clocks.NewMonotonicClockHost(resources), log),
		intercept.NewRecordRandomHost(log),
		intercept.NewRecordInsecureRandomHost(log),
		intercept.NewRecordEnvironmentHost(cli.NewEnvironmentHost(wasi.Env(), wasi.Args(), wasi.Cwd()), log),
		intercept.NewRecordOutgoingHandlerHost(resources, log),
		intercept.NewCapturingExitHost(),
	}

	if err := registerAll(rt, hosts); err != nil {
		return err
	}
	return registerPassthroughHosts(rt, wasi)
}

// registerReplayHosts registers the interception set that synthesizes
// replies from the trace, plus the same unchanged passthrough interfaces.
func registerReplayHosts(rt *runtime.Runtime, wasi *preview2.WASI, cursor *playback.Cursor) error {
	resources := wasi.Resources()

	hosts := []runtime.Host{
		intercept.NewReplayWallClockHost(cursor),
		intercept.NewReplayMonotonicClockHost(clocks.NewMonotonicClockHost(resources), cursor),
		intercept.NewReplayRandomHost(cursor),
		intercept.NewReplayInsecureRandomHost(cursor),
		intercept.NewReplayEnvironmentHost(cursor),
		intercept.NewReplayOutgoingHandlerHost(resources, cursor),
		intercept.NewCapturingExitHost(),
	}

	if err := registerAll(rt, hosts); err != nil {
		return err
	}
	return registerPassthroughHosts(rt, wasi)
}

func registerAll(rt *runtime.Runtime, hosts []runtime.Host) error {
	for _, h := range hosts {
		if err := rt.RegisterHost(h); err != nil {
			return errors.Registration(errors.PhaseHost, h.Namespace(), "host", err)
		}
	}
	return nil
}

// registerPassthroughHosts registers every WASI interface the interception
// layer does not touch: io, filesystem, sockets, cli stdio/terminal, the
// insecure-seed surface, and the HTTP types/fields object model. These are
// the teacher's own implementations, unchanged, mirroring
// runtime.RegisterWASI minus the interfaces replaced above.
func registerPassthroughHosts(rt *runtime.Runtime, wasi *preview2.WASI) error {
	resources := wasi.Resources()

	ioHost := io.NewHost(resources)
	hosts := []runtime.Host{
		ioHost.Error,
		ioHost.Poll,
		ioHost.Streams,
		random.NewInsecureSeedHost(),
		cli.NewStdioHost(resources, wasi.Stdin(), wasi.StdoutResource(), wasi.StderrResource()),
		cli.NewStdoutHost(resources, wasi.StdoutResource()),
		cli.NewStderrHost(resources, wasi.StderrResource()),
		cli.NewTerminalStdinHost(),
		cli.NewTerminalStdoutHost(),
		cli.NewTerminalStderrHost(),
		filesystem.NewTypesHost(resources),
		filesystem.NewPreopensHost(resources, wasi.Preopens()),
		sockets.NewInstanceNetworkHost(resources),
		sockets.NewTCPCreateSocketHost(resources),
		sockets.NewTCPHost(resources),
		sockets.NewUDPCreateSocketHost(resources),
		sockets.NewUDPHost(resources),
		sockets.NewIPNameLookupHost(resources),
		httpwasi.NewTypesHost(resources),
	}

	return registerAll(rt, hosts)
}
