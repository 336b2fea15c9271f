// Package ring implements the fixed-capacity single-producer/single-consumer
// byte rings the transport core moves bytes through.
//
// A ring is addressed by two monotonically increasing uint32 counters living
// in the shared region: head, written only by the producer, and tail, written
// only by the consumer. Both wrap modulo 2^32; the buffer index is counter
// masked by capacity-1, so capacity must be a power of two. Because each
// counter has exactly one writer, push and pop need no lock: the producer
// publishes data with an atomic head store, the consumer acknowledges with an
// atomic tail store.
//
// Push never blocks. Bytes that do not fit are dropped and counted; draining
// a slow consumer's backlog is never this layer's job.
package ring

import (
	"go.uber.org/atomic"

	"github.com/ringdock/ringdock/internal/shm"
)

// Config locates one ring inside a shared region. Offsets are validated
// against the provider once, at Bind.
type Config struct {
	HeadOffset uint32 // producer-owned counter cell
	TailOffset uint32 // consumer-owned counter cell
	DataOffset uint32 // start of the byte buffer
	Capacity   uint32 // buffer length, power of two
}

// Ring is one SPSC byte channel over a shared region.
type Ring struct {
	mem      shm.MemoryProvider
	headOff  uint32
	tailOff  uint32
	dataOff  uint32
	capacity uint32
	mask     uint32

	one [1]byte // PushOne scratch, producer-owned

	drops  atomic.Uint64
	pushed atomic.Uint64
	popped atomic.Uint64

	wake chan struct{}
}

// Bind validates the descriptor against the region and constructs the ring.
// It does not allocate or zero the buffer; the region owner does that.
func Bind(mem shm.MemoryProvider, cfg Config) (*Ring, error) {
	if !shm.IsPowerOfTwo(cfg.Capacity) {
		return nil, &shm.LayoutError{Code: "RING_CAPACITY", Message: "capacity must be a nonzero power of two"}
	}
	size := mem.Size()
	for _, cell := range []uint32{cfg.HeadOffset, cfg.TailOffset} {
		if !shm.IsValidRange(cell, 4, size) {
			return nil, &shm.LayoutError{Code: "RING_BOUNDS", Message: "counter cell out of bounds"}
		}
		if !shm.IsAligned(cell, shm.AlignmentCounter) {
			return nil, &shm.LayoutError{Code: "RING_ALIGNMENT", Message: "counter cell not 4-byte aligned"}
		}
	}
	if !shm.IsValidRange(cfg.DataOffset, cfg.Capacity, size) {
		return nil, &shm.LayoutError{Code: "RING_BOUNDS", Message: "buffer out of bounds"}
	}
	if overlaps(cfg.HeadOffset, 4, cfg.TailOffset, 4) ||
		overlaps(cfg.HeadOffset, 4, cfg.DataOffset, cfg.Capacity) ||
		overlaps(cfg.TailOffset, 4, cfg.DataOffset, cfg.Capacity) {
		return nil, &shm.LayoutError{Code: "RING_OVERLAP", Message: "counter cells and buffer overlap"}
	}

	return &Ring{
		mem:      mem,
		headOff:  cfg.HeadOffset,
		tailOff:  cfg.TailOffset,
		dataOff:  cfg.DataOffset,
		capacity: cfg.Capacity,
		mask:     cfg.Capacity - 1,
		wake:     make(chan struct{}, 1),
	}, nil
}

func overlaps(aOff, aLen, bOff, bLen uint32) bool {
	return uint64(aOff) < uint64(bOff)+uint64(bLen) && uint64(bOff) < uint64(aOff)+uint64(aLen)
}

// Descriptor offsets are bind-validated, so provider errors cannot occur in
// the hot path; results are read with the error discarded.

// TryPush copies as much of p as fits and returns the written count. The
// remainder is dropped and counted. Producer side only; never blocks.
func (r *Ring) TryPush(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	head, _ := r.mem.AtomicLoad32(r.headOff)
	tail, _ := r.mem.AtomicLoad32(r.tailOff)
	free := r.capacity - (head - tail)
	if free == 0 {
		r.drops.Add(uint64(len(p)))
		return 0
	}

	n := free
	if uint64(len(p)) < uint64(n) {
		n = uint32(len(p))
	}

	idx := head & r.mask
	first := r.capacity - idx
	if n < first {
		first = n
	}
	second := n - first

	_ = r.mem.WriteAt(r.dataOff+idx, p[:first])
	if second > 0 {
		_ = r.mem.WriteAt(r.dataOff, p[first:n])
	}
	_ = r.mem.AtomicStore32(r.headOff, head+n)

	r.pushed.Add(uint64(n))
	if dropped := len(p) - int(n); dropped > 0 {
		r.drops.Add(uint64(dropped))
	}
	return int(n)
}

// PushOne pushes a single byte, the keystroke path. Returns false and counts
// a drop when the ring is full.
func (r *Ring) PushOne(b byte) bool {
	head, _ := r.mem.AtomicLoad32(r.headOff)
	tail, _ := r.mem.AtomicLoad32(r.tailOff)
	if head-tail == r.capacity {
		r.drops.Inc()
		return false
	}
	r.one[0] = b
	_ = r.mem.WriteAt(r.dataOff+(head&r.mask), r.one[:])
	_ = r.mem.AtomicStore32(r.headOff, head+1)
	r.pushed.Inc()
	return true
}

// TryPop copies up to min(available, max, len(out)) bytes into out and
// returns the count. Returns 0 with no side effect when the ring is empty.
// Consumer side only; never blocks.
func (r *Ring) TryPop(max int, out []byte) int {
	if max > len(out) {
		max = len(out)
	}
	if max <= 0 {
		return 0
	}
	head, _ := r.mem.AtomicLoad32(r.headOff)
	tail, _ := r.mem.AtomicLoad32(r.tailOff)
	available := head - tail
	if available == 0 {
		return 0
	}

	n := available
	if uint64(max) < uint64(n) {
		n = uint32(max)
	}

	idx := tail & r.mask
	first := r.capacity - idx
	if n < first {
		first = n
	}
	second := n - first

	_ = r.mem.ReadAt(r.dataOff+idx, out[:first])
	if second > 0 {
		_ = r.mem.ReadAt(r.dataOff, out[first:n])
	}
	_ = r.mem.AtomicStore32(r.tailOff, tail+n)

	r.popped.Add(uint64(n))
	return int(n)
}

// Capacity returns the fixed buffer length.
func (r *Ring) Capacity() uint32 {
	return r.capacity
}

// Len returns the bytes currently queued. Approximate while the other side
// is active.
func (r *Ring) Len() uint32 {
	head, _ := r.mem.AtomicLoad32(r.headOff)
	tail, _ := r.mem.AtomicLoad32(r.tailOff)
	return head - tail
}

// Free returns the bytes of remaining space. Approximate while the other
// side is active.
func (r *Ring) Free() uint32 {
	return r.capacity - r.Len()
}

// Drops returns the total bytes rejected by push since bind.
func (r *Ring) Drops() uint64 {
	return r.drops.Load()
}

// Pushed returns the total bytes accepted by push since bind.
func (r *Ring) Pushed() uint64 {
	return r.pushed.Load()
}

// Popped returns the total bytes returned by pop since bind.
func (r *Ring) Popped() uint64 {
	return r.popped.Load()
}

// Kick pulses the wake channel without blocking. Producers call it after a
// push so a polling drain loop can cut its idle wait short.
func (r *Ring) Kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel Kick pulses. Receiving drains at most one pulse.
func (r *Ring) Wake() <-chan struct{} {
	return r.wake
}
