package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringdock/ringdock/internal/binding"
)

// constExport is a nullary i32 function export in a generated test module.
type constExport struct {
	name string
	val  uint32
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

// buildConstModule emits a minimal wasm binary exporting one page of linear
// memory (unless disabled) and a set of nullary functions returning fixed
// i32 values, which is exactly the accessor shape the binding contract wants.
func buildConstModule(withMemory bool, exports []constExport) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	// type section: single () -> i32
	typeBody := append(uleb(1), 0x60, 0x00, 0x01, 0x7F)
	mod = append(mod, section(1, typeBody)...)

	// function section: every function uses type 0
	fnBody := uleb(uint64(len(exports)))
	for range exports {
		fnBody = append(fnBody, 0x00)
	}
	mod = append(mod, section(3, fnBody)...)

	// memory section: one memory, min 1 page
	if withMemory {
		mod = append(mod, section(5, []byte{0x01, 0x00, 0x01})...)
	}

	// export section
	var exBody []byte
	count := uint64(len(exports))
	if withMemory {
		count++
	}
	exBody = append(exBody, uleb(count)...)
	if withMemory {
		exBody = append(exBody, uleb(uint64(len("memory")))...)
		exBody = append(exBody, "memory"...)
		exBody = append(exBody, 0x02) // memory kind
		exBody = append(exBody, uleb(0)...)
	}
	for i, ex := range exports {
		exBody = append(exBody, uleb(uint64(len(ex.name)))...)
		exBody = append(exBody, ex.name...)
		exBody = append(exBody, 0x00) // function kind
		exBody = append(exBody, uleb(uint64(i))...)
	}
	mod = append(mod, section(7, exBody)...)

	// code section: each body is "i32.const <val>; end" with no locals
	codeBody := uleb(uint64(len(exports)))
	for _, ex := range exports {
		var body []byte
		body = append(body, 0x00) // no locals
		body = append(body, 0x41) // i32.const
		body = append(body, sleb(int64(int32(ex.val)))...)
		body = append(body, 0x0B) // end
		codeBody = append(codeBody, uleb(uint64(len(body)))...)
		codeBody = append(codeBody, body...)
	}
	mod = append(mod, section(10, codeBody)...)

	return mod
}

// channel layout used by the generated test modules, capacity 1024
func accessorExports(withStdin bool) []constExport {
	exports := []constExport{
		{binding.AccCapacity, 1024},
		{binding.AccRxHead, 64},
		{binding.AccRxTail, 128},
		{binding.AccRxBuf, 448},
		{binding.AccTxHead, 192},
		{binding.AccTxTail, 256},
		{binding.AccTxBuf, 1472},
	}
	if withStdin {
		exports = append(exports,
			constExport{binding.AccStdinHead, 320},
			constExport{binding.AccStdinTail, 384},
			constExport{binding.AccStdinBuf, 2496},
		)
	}
	return exports
}

// TestHostLoadAndBind runs a full ring round trip through linear memory
func TestHostLoadAndBind(t *testing.T) {
	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, accessorExports(true)))
	require.NoError(t, err)
	defer mod.Close()

	set, err := mod.Bind()
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), set.Capacity)
	assert.True(t, set.HasStdin())

	assert.Equal(t, 5, set.RX.TryPush([]byte("hello")))

	// The bytes live in the instance's linear memory, not a host copy
	raw := mod.memory.Data()
	assert.Equal(t, "hello", string(raw[448:453]))

	out := make([]byte, 16)
	n := set.RX.TryPop(16, out)
	assert.Equal(t, "hello", string(out[:n]))

	assert.True(t, set.Stdin.PushOne('q'))
	n = set.Stdin.TryPop(16, out)
	assert.Equal(t, "q", string(out[:n]))
}

// TestHostLoadWithoutMemoryExport rejects modules hiding their region
func TestHostLoadWithoutMemoryExport(t *testing.T) {
	host := NewHost(nil)
	_, err := host.Load(buildConstModule(false, accessorExports(true)))
	assert.ErrorIs(t, err, ErrNoMemory)
}

// TestHostLoadInvalidBytes surfaces the compile failure
func TestHostLoadInvalidBytes(t *testing.T) {
	host := NewHost(nil)
	_, err := host.Load([]byte("not wasm at all"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile module")
}

// TestModuleBindMissingAccessor fails the binding as a whole
func TestModuleBindMissingAccessor(t *testing.T) {
	exports := accessorExports(false)
	// Drop the tx buffer accessor
	trimmed := exports[:0:0]
	for _, ex := range exports {
		if ex.name != binding.AccTxBuf {
			trimmed = append(trimmed, ex)
		}
	}

	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, trimmed))
	require.NoError(t, err)
	defer mod.Close()

	_, err = mod.Bind()
	require.ErrorIs(t, err, binding.ErrBindingIncomplete)

	// A failed bind leaves the module bindable once the layout is fixed
	_, err = mod.Bind()
	assert.ErrorIs(t, err, binding.ErrBindingIncomplete)
}

// TestModuleBindWithoutStdin disables interactive forwarding only
func TestModuleBindWithoutStdin(t *testing.T) {
	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, accessorExports(false)))
	require.NoError(t, err)
	defer mod.Close()

	set, err := mod.Bind()
	require.NoError(t, err)
	assert.False(t, set.HasStdin())
}

// TestModuleBindOnce enforces one-shot binding per instance
func TestModuleBindOnce(t *testing.T) {
	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, accessorExports(true)))
	require.NoError(t, err)
	defer mod.Close()

	_, err = mod.Bind()
	require.NoError(t, err)
	_, err = mod.Bind()
	assert.ErrorIs(t, err, binding.ErrAlreadyBound)

	// A fresh instance of the same bytes binds independently
	fresh, err := host.Load(buildConstModule(true, accessorExports(true)))
	require.NoError(t, err)
	defer fresh.Close()
	_, err = fresh.Bind()
	assert.NoError(t, err)
}

// TestModuleBindRejectsBadCapacity validates the descriptor like any source
func TestModuleBindRejectsBadCapacity(t *testing.T) {
	exports := accessorExports(false)
	exports[0].val = 1000 // not a power of two

	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, exports))
	require.NoError(t, err)
	defer mod.Close()

	_, err = mod.Bind()
	require.Error(t, err)
	assert.NotErrorIs(t, err, binding.ErrBindingIncomplete)
}

// TestModuleInvoke calls exports and classifies missing ones
func TestModuleInvoke(t *testing.T) {
	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, accessorExports(false)))
	require.NoError(t, err)
	defer mod.Close()

	result, err := mod.Invoke(binding.AccCapacity)
	require.NoError(t, err)
	assert.Equal(t, int32(1024), result)

	_, err = mod.Invoke("step")
	assert.ErrorIs(t, err, ErrNoExport)
}

// TestModuleClosedOperations reject use after teardown
func TestModuleClosedOperations(t *testing.T) {
	host := NewHost(nil)
	mod, err := host.Load(buildConstModule(true, accessorExports(false)))
	require.NoError(t, err)
	require.NoError(t, mod.Close())
	require.NoError(t, mod.Close()) // idempotent

	_, err = mod.Accessor(binding.AccCapacity)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = mod.Bind()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = mod.Invoke(binding.AccCapacity)
	assert.ErrorIs(t, err, ErrClosed)
}
