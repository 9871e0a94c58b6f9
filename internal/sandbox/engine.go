// Package sandbox is the sandbox engine (component G): it instantiates a
// tool's bytecode module inside a fresh, single-use store, attaches host
// state, enforces fuel/epoch/memory caps, runs the guest to completion,
// captures its output, and triggers the leak scan.
//
// wazero has no literal Wasmtime-style "fuel counter" or "epoch" engine
// primitive. Fuel is approximated by counting guest function calls via an
// experimental.FunctionListener and epoch is expressed as a
// context.Context deadline driven by a ticker goroutine with a
// ticker/stop-channel loop — see DESIGN.md for the full mapping.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sentrywasm/sidecar/internal/dispatch"
	"github.com/sentrywasm/sidecar/internal/hoststate"
	"github.com/sentrywasm/sidecar/internal/leakscan"
)

const (
	stdoutCap = 1 << 20  // 1 MiB
	stderrCap = 64 << 10 // 64 KiB

	// defaultEpochInterval is the ticker's fixed cadence; spec.md §4.G's
	// default.
	defaultEpochInterval = 500 * time.Millisecond
)

// ErrorKind classifies why an execution failed, matching spec.md §7.
type ErrorKind string

const (
	ErrNone                ErrorKind = ""
	ErrModuleMissing       ErrorKind = "module-missing"
	ErrCompileInstantiate  ErrorKind = "compile/instantiate-failure"
	ErrFuelExhausted       ErrorKind = "fuel-exhausted"
	ErrTimeout             ErrorKind = "timeout"
	ErrGuestTrap           ErrorKind = "guest-trap"
)

// Params bundles one execute's inputs.
type Params struct {
	ModuleBytes  []byte
	ArgsJSON     []byte
	MaxFuel      uint64
	MaxMemoryBytes uint64
	TimeoutMs    uint64
	State        *hoststate.State
}

// Result is one execute's outcome.
type Result struct {
	ErrorKind    ErrorKind
	ErrorDetail  string
	Stdout       string
	FuelConsumed uint64
	Leaked       bool
}

// Engine is the shared, long-lived execution engine. It is safe for
// concurrent use; every execution gets its own store, never reused.
type Engine struct {
	runtime wazero.Runtime
	scanner *leakscan.Scanner

	compiledMu sync.Mutex
	compiled   map[string]wazero.CompiledModule
}

// New builds the shared engine. maxMemoryBytes bounds the linear memory any
// compiled module may request, expressed in 64 KiB pages as wazero
// requires.
func New(ctx context.Context, scanner *leakscan.Scanner, maxMemoryBytes uint64) (*Engine, error) {
	pages := uint32((maxMemoryBytes + wasmPageSize - 1) / wasmPageSize)
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("sandbox.New: instantiate wasi: %w", err)
	}

	return &Engine{
		runtime:  rt,
		scanner:  scanner,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

const wasmPageSize = 65536

// Close releases the runtime and every cached compiled module.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// compile returns the cached CompiledModule for path, compiling and caching
// it on first use. The compiled module is shared read-only; it is never
// itself instantiated more than once concurrently without a fresh store.
func (e *Engine) compile(ctx context.Context, path string, bytecode []byte) (wazero.CompiledModule, error) {
	e.compiledMu.Lock()
	defer e.compiledMu.Unlock()

	if cm, ok := e.compiled[path]; ok {
		return cm, nil
	}
	cm, err := e.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, err
	}
	e.compiled[path] = cm
	return cm, nil
}

// Execute runs one tool invocation to completion inside a fresh store and
// returns its outcome. It never returns a Go error for guest-side failures
// (trap, fuel exhaustion, timeout) — those are reported via Result so the
// caller can shape a Response. Compile and instantiation failures are
// reported the same way, with ErrorKind ErrCompileInstantiate; the returned
// error is nil on every path.
func (e *Engine) Execute(ctx context.Context, modulePath string, p Params) (*Result, error) {
	compiled, err := e.compile(ctx, modulePath, p.ModuleBytes)
	if err != nil {
		return &Result{ErrorKind: ErrCompileInstantiate, ErrorDetail: err.Error()}, nil
	}

	var stdout, stderr bytes.Buffer
	stdin := bytes.NewReader(p.ArgsJSON)

	fuelUsed := new(atomic.Uint64)
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	execCtx = experimental.WithFunctionListenerFactory(execCtx, fuelListenerFactory(fuelUsed, p.MaxFuel, cancel))

	timedOut := new(atomic.Bool)
	stopTicker := startEpochTicker(execCtx, cancel, time.Duration(p.TimeoutMs)*time.Millisecond, timedOut)
	defer stopTicker()

	hostModule, err := e.bindHostCall(execCtx, p.State)
	if err != nil {
		return &Result{ErrorKind: ErrCompileInstantiate, ErrorDetail: err.Error()}, nil
	}
	defer hostModule.Close(ctx)

	modCfg := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(capWriter(&stdout, stdoutCap)).
		WithStderr(capWriter(&stderr, stderrCap))

	instance, err := e.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if instance != nil {
		defer instance.Close(ctx)
	}

	fuelConsumed := fuelUsed.Load()
	if fuelConsumed > p.MaxFuel {
		fuelConsumed = p.MaxFuel
	}

	if err != nil {
		switch {
		case timedOut.Load():
			return &Result{ErrorKind: ErrTimeout, ErrorDetail: "guest was still running at the wall-clock deadline", FuelConsumed: fuelConsumed}, nil
		case fuelUsed.Load() >= p.MaxFuel:
			return &Result{ErrorKind: ErrFuelExhausted, ErrorDetail: "fuel exhausted", FuelConsumed: fuelConsumed}, nil
		default:
			return &Result{ErrorKind: ErrGuestTrap, ErrorDetail: fmt.Sprintf("WASM trap: %s", err), FuelConsumed: fuelConsumed}, nil
		}
	}

	out, leaked := e.scanner.Scan(stdout.String())
	return &Result{Stdout: out, Leaked: leaked, FuelConsumed: fuelConsumed}, nil
}

// bindHostCall instantiates a per-execution "sentinel" host module whose
// host_call closes over state, so every invocation sees only its own
// HostState.
func (e *Engine) bindHostCall(ctx context.Context, state *hoststate.State) (api.Closer, error) {
	ioBufferOffset := new(uint32)
	ioBufferResolved := new(bool)

	hostCall := func(ctx context.Context, mod api.Module, op int32, length int32) int32 {
		if !*ioBufferResolved {
			fn := mod.ExportedFunction("get_io_buffer")
			if fn == nil {
				return -4
			}
			res, err := fn.Call(ctx)
			if err != nil || len(res) == 0 {
				return -4
			}
			*ioBufferOffset = uint32(res[0])
			*ioBufferResolved = true
		}

		mem := mod.Memory()
		payload, ok := mem.Read(*ioBufferOffset, uint32(length))
		if !ok {
			return -4
		}

		result := dispatch.Dispatch(ctx, state, dispatch.Op(op), payload)
		switch result.Code {
		case dispatch.UnknownOp:
			return -1
		case dispatch.CapabilityDenied:
			return -2
		case dispatch.OperationError:
			return -3
		case dispatch.BufferIOError:
			return -4
		}

		if !mem.Write(*ioBufferOffset, result.Body) {
			return -4
		}
		return int32(len(result.Body))
	}

	builder := e.runtime.NewHostModuleBuilder("sentinel")
	builder.NewFunctionBuilder().WithFunc(hostCall).Export("host_call")
	return builder.Instantiate(ctx)
}

// fuelListenerFactory counts guest function invocations as a proxy for
// instruction metering and cancels execCancel once the count reaches
// maxFuel.
func fuelListenerFactory(counter *atomic.Uint64, maxFuel uint64, execCancel context.CancelFunc) experimental.FunctionListenerFactory {
	return &fuelListenerFactoryImpl{counter: counter, maxFuel: maxFuel, cancel: execCancel}
}

type fuelListenerFactoryImpl struct {
	counter *atomic.Uint64
	maxFuel uint64
	cancel  context.CancelFunc
}

func (f *fuelListenerFactoryImpl) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{counter: f.counter, maxFuel: f.maxFuel, cancel: f.cancel}
}

type fuelListener struct {
	counter *atomic.Uint64
	maxFuel uint64
	cancel  context.CancelFunc
}

func (f fuelListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
	if f.counter.Add(1) >= f.maxFuel {
		f.cancel()
	}
}

func (f fuelListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {
}

func (f fuelListener) Abort(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error) {
}

// startEpochTicker spawns the epoch ticker goroutine: it wakes every
// interval and bumps an epoch counter until ceil(timeout/interval) ticks
// have elapsed, then cancels cancel and exits. The returned stop function
// must be called (directly or via defer) on every path, mirroring the
// "ticker always joined" rule in spec.md §5.
func startEpochTicker(ctx context.Context, cancel context.CancelFunc, timeout time.Duration, timedOut *atomic.Bool) (stop func()) {
	if timeout <= 0 {
		return func() {}
	}
	interval := defaultEpochInterval
	maxTicks := int((timeout + interval - 1) / interval)

	done := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ticks := 0
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ticks++
				if ticks >= maxTicks {
					timedOut.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

// capWriter truncates writes past limit, matching the in-memory pipe cap
// spec.md §4.G requires for stdout/stderr.
func capWriter(buf *bytes.Buffer, limit int) io.Writer {
	return &limitedWriter{buf: buf, limit: limit}
}

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
