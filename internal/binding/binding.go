// Package binding resolves the transport's channel set against the
// memory-layout accessors a consumer module exports. Binding is one-shot per
// module instance: tearing the module down discards its channel set, and a
// fresh instance requires a fresh bind.
package binding

import (
	"errors"
	"fmt"

	"github.com/ringdock/ringdock/internal/ring"
	"github.com/ringdock/ringdock/internal/shm"
)

// Accessor names the consumer module exports. Each is a nullary function
// returning an offset into the module's shared region, except capacity which
// returns the shared buffer length for all channels.
const (
	AccCapacity = "capacity"

	AccRxHead = "rx_head_ptr"
	AccRxTail = "rx_tail_ptr"
	AccRxBuf  = "rx_buf_ptr"

	AccTxHead = "tx_head_ptr"
	AccTxTail = "tx_tail_ptr"
	AccTxBuf  = "tx_buf_ptr"

	AccStdinHead = "stdin_head_ptr"
	AccStdinTail = "stdin_tail_ptr"
	AccStdinBuf  = "stdin_buf_ptr"
)

var (
	// ErrNoAccessor is returned by a Source when the named export is absent.
	ErrNoAccessor = errors.New("accessor not exported")
	// ErrBindingIncomplete means a required accessor is missing; no channel
	// is activated.
	ErrBindingIncomplete = errors.New("binding incomplete")
	// ErrAlreadyBound is returned by sources that enforce one-shot binding.
	ErrAlreadyBound = errors.New("source already bound")
)

// Source is what a consumer module looks like to the transport: a shared
// region plus the accessor namespace over it.
type Source interface {
	Memory() shm.MemoryProvider
	Accessor(name string) (uint32, error)
}

// ChannelSet holds the bound rings. Stdin is nil when the module does not
// export the stdin triple; interactive forwarding is disabled then.
type ChannelSet struct {
	RX    *ring.Ring // device -> consumer, host side pushes
	TX    *ring.Ring // consumer -> device, host side pops
	Stdin *ring.Ring // keystrokes -> consumer, host side pushes

	Capacity uint32
}

// HasStdin reports whether interactive forwarding is available.
func (cs *ChannelSet) HasStdin() bool {
	return cs.Stdin != nil
}

// Bind resolves the accessor namespace and validates every channel
// descriptor against the region before activating any channel. It does not
// allocate or zero channel memory; the module owns that.
func Bind(src Source) (*ChannelSet, error) {
	mem := src.Memory()
	if mem == nil {
		return nil, fmt.Errorf("%w: source has no memory", ErrBindingIncomplete)
	}

	capacity, err := resolveRequired(src, AccCapacity)
	if err != nil {
		return nil, err
	}

	rx, err := bindChannel(src, mem, capacity, AccRxHead, AccRxTail, AccRxBuf)
	if err != nil {
		return nil, err
	}
	tx, err := bindChannel(src, mem, capacity, AccTxHead, AccTxTail, AccTxBuf)
	if err != nil {
		return nil, err
	}

	stdin, err := bindOptionalChannel(src, mem, capacity, AccStdinHead, AccStdinTail, AccStdinBuf)
	if err != nil {
		return nil, err
	}

	return &ChannelSet{RX: rx, TX: tx, Stdin: stdin, Capacity: capacity}, nil
}

func bindChannel(src Source, mem shm.MemoryProvider, capacity uint32, headAcc, tailAcc, bufAcc string) (*ring.Ring, error) {
	head, err := resolveRequired(src, headAcc)
	if err != nil {
		return nil, err
	}
	tail, err := resolveRequired(src, tailAcc)
	if err != nil {
		return nil, err
	}
	buf, err := resolveRequired(src, bufAcc)
	if err != nil {
		return nil, err
	}
	r, err := ring.Bind(mem, ring.Config{HeadOffset: head, TailOffset: tail, DataOffset: buf, Capacity: capacity})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", bufAcc, err)
	}
	return r, nil
}

// bindOptionalChannel returns (nil, nil) when the whole triple is absent. A
// partially exported triple is treated as a broken binding, not as absence.
func bindOptionalChannel(src Source, mem shm.MemoryProvider, capacity uint32, headAcc, tailAcc, bufAcc string) (*ring.Ring, error) {
	present := 0
	for _, name := range []string{headAcc, tailAcc, bufAcc} {
		if _, err := src.Accessor(name); err == nil {
			present++
		} else if !errors.Is(err, ErrNoAccessor) {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
	}
	if present == 0 {
		return nil, nil
	}
	if present < 3 {
		return nil, fmt.Errorf("%w: partial %s triple (%d of 3 accessors)", ErrBindingIncomplete, bufAcc, present)
	}
	return bindChannel(src, mem, capacity, headAcc, tailAcc, bufAcc)
}

func resolveRequired(src Source, name string) (uint32, error) {
	val, err := src.Accessor(name)
	if err != nil {
		if errors.Is(err, ErrNoAccessor) {
			return 0, fmt.Errorf("%w: missing %s", ErrBindingIncomplete, name)
		}
		return 0, fmt.Errorf("resolve %s: %w", name, err)
	}
	return val, nil
}
