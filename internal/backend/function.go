package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/tokenutil"
)

// DefaultMemoryLimitPages caps guest memory at 160 pages (10MB).
const DefaultMemoryLimitPages = 160

// DefaultFunctionTimeout is the wall-clock limit per invocation when the
// caller's context carries no earlier deadline.
const DefaultFunctionTimeout = 30 * time.Second

// FunctionConfig configures the WASM function runner.
type FunctionConfig struct {
	// ModuleDir holds the packaged .wasm runners. The runner for an
	// agent is <ModuleDir>/<agent_id>.wasm, falling back to runner.wasm.
	ModuleDir        string
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
	Logger           *slog.Logger
}

// FunctionRunner executes packaged agent code as a WASM module. The
// guest ABI: export `alloc(size) -> ptr` and `run(ptr, len) -> packed`
// where packed is (ptr << 32) | len of the UTF-8 response in guest
// memory.
type FunctionRunner struct {
	runtime       wazero.Runtime
	moduleDir     string
	invokeTimeout time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	modules map[string]api.Module
}

func NewFunctionRunner(ctx context.Context, cfg FunctionConfig) *FunctionRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	timeout := cfg.InvokeTimeout
	if timeout == 0 {
		timeout = DefaultFunctionTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	return &FunctionRunner{
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		moduleDir:     cfg.ModuleDir,
		invokeTimeout: timeout,
		logger:        cfg.Logger,
		modules:       map[string]api.Module{},
	}
}

func (f *FunctionRunner) Kind() Kind {
	return KindFunction
}

func (f *FunctionRunner) Close(ctx context.Context) error {
	f.mu.Lock()
	for name, module := range f.modules {
		_ = module.Close(ctx)
		delete(f.modules, name)
	}
	f.mu.Unlock()
	return f.runtime.Close(ctx)
}

// LoadModule compiles and instantiates a .wasm file under name,
// replacing any previously loaded module with the same name.
func (f *FunctionRunner) LoadModule(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := f.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return buildErr(fmt.Errorf("compile wasm module %s: %w", name, err))
	}

	f.mu.Lock()
	if old, ok := f.modules[name]; ok {
		_ = old.Close(ctx)
		delete(f.modules, name)
	}
	f.mu.Unlock()

	module, err := f.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return buildErr(fmt.Errorf("instantiate wasm module %s: %w", name, err))
	}

	f.mu.Lock()
	f.modules[name] = module
	f.mu.Unlock()
	f.logger.Info("wasm runner loaded", "module", name, "bytes", len(wasmBytes))
	return nil
}

// moduleFor returns the loaded module for an agent, lazily loading it
// from ModuleDir. The per-agent runner wins over the shared runner.wasm.
func (f *FunctionRunner) moduleFor(ctx context.Context, agentID string) (api.Module, error) {
	candidates := []string{agentID, "runner"}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		f.mu.Lock()
		module, ok := f.modules[name]
		f.mu.Unlock()
		if ok {
			return module, nil
		}
		if f.moduleDir == "" {
			continue
		}
		path := filepath.Join(f.moduleDir, name+".wasm")
		wasmBytes, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := f.LoadModule(ctx, name, wasmBytes); err != nil {
			return nil, err
		}
		f.mu.Lock()
		module = f.modules[name]
		f.mu.Unlock()
		return module, nil
	}
	return nil, buildErr(fmt.Errorf("module not loaded for agent %s", agentID))
}

func (f *FunctionRunner) Invoke(ctx context.Context, req Request) (*Result, error) {
	module, err := f.moduleFor(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	invokeCtx, cancel := context.WithTimeout(ctx, f.invokeTimeout)
	defer cancel()

	allocFn := module.ExportedFunction("alloc")
	runFn := module.ExportedFunction("run")
	if allocFn == nil || runFn == nil {
		return nil, buildErr(fmt.Errorf("module %s missing alloc/run exports", req.AgentID))
	}

	input := []byte(req.Input)
	allocRes, err := allocFn.Call(invokeCtx, uint64(len(input)))
	if err != nil {
		return nil, classifyWASM(err)
	}
	if len(allocRes) == 0 {
		return nil, execErr(fmt.Errorf("alloc returned nothing"))
	}
	inPtr := uint32(allocRes[0])
	if !module.Memory().Write(inPtr, input) {
		return nil, execErr(fmt.Errorf("write input to guest memory at %d", inPtr))
	}

	runRes, err := runFn.Call(invokeCtx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, classifyWASM(err)
	}
	if len(runRes) == 0 {
		return nil, execErr(fmt.Errorf("run returned nothing"))
	}
	packed := runRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	response := ""
	if outLen > 0 {
		data, ok := module.Memory().Read(outPtr, outLen)
		if !ok {
			return nil, execErr(fmt.Errorf("read response from guest memory at %d+%d", outPtr, outLen))
		}
		response = string(data)
	}

	return &Result{
		Success:     true,
		Response:    response,
		Environment: KindFunction,
		Model:       req.ModelID,
		TokensUsed:  tokenutil.Estimate(req.Input) + tokenutil.Estimate(response),
	}, nil
}

// classifyWASM maps a guest fault to a StageError. wazero raises
// sys.ExitError on context-driven termination.
func classifyWASM(err error) *StageError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeoutErr(err)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return timeoutErr(err)
	}
	return execErr(err)
}
