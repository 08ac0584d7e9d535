// Package engine wires the dispatch package's Engine/Block contract to
// tetratelabs/wazero, a pure-Go WebAssembly runtime. This is the one
// place in the repository that actually plays the "host wasm engine"
// role the core translator treats as an external collaborator reached
// only through dispatch.Engine.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/rv2wasm/corejit/dispatch"
	"github.com/rv2wasm/corejit/translate"
	"github.com/rv2wasm/corejit/wasmgen"
)

// wasmPageSize is the fixed page size the wasm spec assigns to linear
// memory, unrelated to config.Config.PageSize (the guest's page size).
const wasmPageSize = 65536

// Wazero runs translated blocks on a single wazero runtime shared by one
// hart. It registers the five HostImports functions and the register-
// file memory under the "env" module name once, the first time a
// translation is installed, then compiles and instantiates every
// subsequent translation against that same host module.
type Wazero struct {
	ctx     context.Context
	rt      wazero.Runtime
	regSize uint32

	mu  sync.Mutex
	env api.Module
}

// New builds a Wazero engine for one hart. regFileSize is the register-
// file layout size (translate.Layout.Size()) the engine sizes its
// imported "env.regs" memory to.
func New(ctx context.Context, regFileSize uint32) *Wazero {
	return &Wazero{ctx: ctx, rt: wazero.NewRuntime(ctx), regSize: regFileSize}
}

// Close releases the runtime and every module instantiated under it.
func (e *Wazero) Close() error {
	return e.rt.Close(e.ctx)
}

// Install compiles mod, instantiates it under a name unique to entryName,
// and returns a Block bound to it. The first call also instantiates the
// "env" host module backing host's five functions and the register file;
// dispatch rebuilds a fresh HostImports only per hart, not per block, so
// every later Install call reuses that same host module.
func (e *Wazero) Install(mod *wasmgen.Module, entryName string, host dispatch.HostImports) (dispatch.Block, error) {
	env, err := e.hostModule(host)
	if err != nil {
		return nil, err
	}

	compiled, err := e.rt.CompileModule(e.ctx, mod.Encode())
	if err != nil {
		return nil, fmt.Errorf("engine: compiling translation %s: %w", entryName, err)
	}

	inst, err := e.rt.InstantiateModule(e.ctx, compiled, wazero.NewModuleConfig().WithName(entryName))
	if err != nil {
		return nil, fmt.Errorf("engine: instantiating translation %s: %w", entryName, err)
	}

	fn := inst.ExportedFunction(entryName)
	if fn == nil {
		return nil, fmt.Errorf("engine: translation %s exports no such function", entryName)
	}

	return &block{ctx: e.ctx, inst: inst, fn: fn, mem: env.Memory(), size: e.regSize}, nil
}

func (e *Wazero) hostModule(host dispatch.HostImports) (api.Module, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.env != nil {
		return e.env, nil
	}

	pages := (e.regSize + wasmPageSize - 1) / wasmPageSize
	if pages == 0 {
		pages = 1
	}

	env, err := e.rt.NewHostModuleBuilder(translate.ImportModule).
		ExportMemory(translate.MemoryName, pages).
		NewFunctionBuilder().WithFunc(host.LoadGuest).Export(translate.FuncLoadGuest).
		NewFunctionBuilder().WithFunc(host.StoreGuest).Export(translate.FuncStoreGuest).
		NewFunctionBuilder().WithFunc(host.Faulted).Export(translate.FuncFaulted).
		NewFunctionBuilder().WithFunc(host.LrMark).Export(translate.FuncLrMark).
		NewFunctionBuilder().WithFunc(host.ScCheck).Export(translate.FuncScCheck).
		Instantiate(e.ctx, e.rt)
	if err != nil {
		return nil, fmt.Errorf("engine: building host import module: %w", err)
	}

	e.env = env
	return env, nil
}

// block is one translation instantiated in a Wazero engine.
type block struct {
	ctx  context.Context
	inst api.Module
	fn   api.Function
	mem  api.Memory
	size uint32
}

// Call writes regFile into the shared register-file memory, invokes the
// translated function with an unused i64 argument (every translated
// block reads and writes registers through the memory import rather
// than through its parameter), and reads the buffer back.
func (b *block) Call(regFile []byte) ([]byte, int64, error) {
	if !b.mem.Write(0, regFile) {
		return nil, 0, fmt.Errorf("engine: register file write out of bounds")
	}

	results, err := b.fn.Call(b.ctx, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: calling translated block: %w", err)
	}

	updated, ok := b.mem.Read(0, b.size)
	if !ok {
		return nil, 0, fmt.Errorf("engine: register file read out of bounds")
	}

	return updated, int64(results[0]), nil
}

// Close tears down this translation's module instance. The shared "env"
// host module outlives every block and is released by Wazero.Close.
func (b *block) Close() error {
	return b.inst.Close(b.ctx)
}
