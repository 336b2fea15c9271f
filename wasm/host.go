// Package wasm hosts consumer modules as WebAssembly instances. A module's
// exported linear memory is the shared region; its exported accessor
// functions describe where the channel counters and buffers live inside it.
package wasm

import (
	"errors"
	"fmt"
	"os"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/atomic"

	"github.com/ringdock/ringdock/internal/binding"
	"github.com/ringdock/ringdock/internal/shm"
	"github.com/ringdock/ringdock/internal/utils"
)

var (
	// ErrNoMemory means the module does not export its linear memory under
	// the name "memory".
	ErrNoMemory = errors.New("module does not export memory")
	// ErrNoExport is returned by Invoke for a missing entry point.
	ErrNoExport = errors.New("export not found")
	// ErrClosed is returned after the module has been torn down.
	ErrClosed = errors.New("module closed")
)

// Host compiles and instantiates consumer modules over one wasmer engine.
type Host struct {
	engine *wasmer.Engine
	store  *wasmer.Store
	logger *utils.Logger
}

// NewHost creates a module host.
func NewHost(logger *utils.Logger) *Host {
	if logger == nil {
		logger = utils.DefaultLogger("wasm")
	}
	engine := wasmer.NewEngine()
	return &Host{
		engine: engine,
		store:  wasmer.NewStore(engine),
		logger: logger,
	}
}

// Load compiles and instantiates a module from raw bytes.
func (h *Host) Load(wasmBytes []byte) (*Module, error) {
	compiled, err := wasmer.NewModule(h.store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	instance, err := wasmer.NewInstance(compiled, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		instance.Close()
		return nil, ErrNoMemory
	}

	h.logger.Info("Module instantiated",
		utils.Uint32("memory_bytes", uint32(memory.DataSize())))

	return &Module{
		instance: instance,
		memory:   memory,
		logger:   h.logger,
	}, nil
}

// LoadFile compiles and instantiates a module from a .wasm file.
func (h *Host) LoadFile(path string) (*Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return h.Load(wasmBytes)
}

// Module is one instantiated consumer module. It implements binding.Source;
// the transport addresses it only through the accessor namespace.
type Module struct {
	instance *wasmer.Instance
	memory   *wasmer.Memory
	logger   *utils.Logger
	bound    atomic.Bool
	closed   atomic.Bool
}

// Memory exposes the instance's linear memory as a shared-region provider.
// The view is taken at call time; binding is one-shot, and growing the
// memory after bind invalidates the bound channel set.
func (m *Module) Memory() shm.MemoryProvider {
	return shm.WrapBytes(m.memory.Data())
}

// Accessor invokes the named nullary export and returns its i32 result. A
// missing or non-function export reads as accessor absence; a trapped call
// is a real fault.
func (m *Module) Accessor(name string) (uint32, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	fn, err := m.instance.Exports.GetRawFunction(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", binding.ErrNoAccessor, name)
	}
	result, err := fn.Call()
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", name, err)
	}
	switch v := result.(type) {
	case int32:
		return uint32(v), nil
	case int64:
		return uint32(v), nil
	default:
		return 0, fmt.Errorf("accessor %s returned %T, want i32", name, result)
	}
}

// Bind resolves the channel set against this instance, once.
func (m *Module) Bind() (*binding.ChannelSet, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if !m.bound.CompareAndSwap(false, true) {
		return nil, binding.ErrAlreadyBound
	}
	set, err := binding.Bind(m)
	if err != nil {
		m.bound.Store(false)
		return nil, err
	}
	m.logger.Info("Module bound",
		utils.Uint32("capacity", set.Capacity),
		utils.Bool("stdin", set.HasStdin()))
	return set, nil
}

// Invoke calls an optional module entry point, e.g. a step function the
// module uses to drain its channels. What the module does with its channels
// is its own business.
func (m *Module) Invoke(name string, args ...interface{}) (interface{}, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	fn, err := m.instance.Exports.GetFunction(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExport, name)
	}
	return fn(args...)
}

// Close tears the instance down. Channel sets bound to it must be discarded
// with it.
func (m *Module) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.instance.Close()
	return nil
}
