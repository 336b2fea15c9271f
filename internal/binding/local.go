package binding

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/ringdock/ringdock/internal/shm"
)

// Canonical local layout: a small header, cache-line separated counter
// cells, then the channel buffers back to back.
const (
	localMagic = 0x52444B31 // "RDK1"

	offMagic    = 0
	offCapacity = 4
	offFlags    = 8

	offRxHead    = 64
	offRxTail    = 128
	offTxHead    = 192
	offTxTail    = 256
	offStdinHead = 320
	offStdinTail = 384

	offBuffers = 448

	flagStdin = 1 << 0
)

// LocalSource is an in-process consumer-module stand-in: it owns a shared
// region with the canonical layout and serves the accessor namespace over
// it. Monitor mode and tests consume channels through it; a second process
// can attach to the same region over an mmap provider.
type LocalSource struct {
	mem      shm.MemoryProvider
	capacity uint32
	stdin    bool
	bound    atomic.Bool
}

// LocalRegionSize returns the region size the canonical layout needs.
func LocalRegionSize(capacity uint32, withStdin bool) uint32 {
	n := uint32(2)
	if withStdin {
		n = 3
	}
	return offBuffers + capacity*n
}

// NewLocalSource allocates an in-memory region and lays it out.
func NewLocalSource(capacity uint32, withStdin bool) (*LocalSource, error) {
	if !shm.IsPowerOfTwo(capacity) {
		return nil, &shm.LayoutError{Code: "RING_CAPACITY", Message: "capacity must be a nonzero power of two"}
	}
	mem := shm.NewInMemoryProvider(LocalRegionSize(capacity, withStdin))
	return CreateLocalSource(mem, capacity, withStdin)
}

// CreateLocalSource writes the canonical layout header into an existing
// region, e.g. a fresh mmap mapping shared with another process.
func CreateLocalSource(mem shm.MemoryProvider, capacity uint32, withStdin bool) (*LocalSource, error) {
	if !shm.IsPowerOfTwo(capacity) {
		return nil, &shm.LayoutError{Code: "RING_CAPACITY", Message: "capacity must be a nonzero power of two"}
	}
	if mem.Size() < LocalRegionSize(capacity, withStdin) {
		return nil, &shm.LayoutError{Code: "REGION_TOO_SMALL", Message: "region smaller than canonical layout"}
	}
	var flags uint32
	if withStdin {
		flags |= flagStdin
	}
	if err := mem.AtomicStore32(offCapacity, capacity); err != nil {
		return nil, err
	}
	if err := mem.AtomicStore32(offFlags, flags); err != nil {
		return nil, err
	}
	if err := mem.AtomicStore32(offMagic, localMagic); err != nil {
		return nil, err
	}
	return &LocalSource{mem: mem, capacity: capacity, stdin: withStdin}, nil
}

// AttachLocalSource reads the canonical layout header from a region another
// party already laid out.
func AttachLocalSource(mem shm.MemoryProvider) (*LocalSource, error) {
	magic, err := mem.AtomicLoad32(offMagic)
	if err != nil {
		return nil, err
	}
	if magic != localMagic {
		return nil, &shm.LayoutError{Code: "BAD_MAGIC", Message: fmt.Sprintf("region magic %#x", magic)}
	}
	capacity, err := mem.AtomicLoad32(offCapacity)
	if err != nil {
		return nil, err
	}
	flags, err := mem.AtomicLoad32(offFlags)
	if err != nil {
		return nil, err
	}
	withStdin := flags&flagStdin != 0
	if !shm.IsPowerOfTwo(capacity) || mem.Size() < LocalRegionSize(capacity, withStdin) {
		return nil, &shm.LayoutError{Code: "BAD_HEADER", Message: "header capacity does not fit region"}
	}
	return &LocalSource{mem: mem, capacity: capacity, stdin: withStdin}, nil
}

func (s *LocalSource) Memory() shm.MemoryProvider {
	return s.mem
}

// Accessor serves the canonical layout. Stdin accessors report absence when
// the region was laid out without a stdin channel.
func (s *LocalSource) Accessor(name string) (uint32, error) {
	switch name {
	case AccCapacity:
		return s.capacity, nil
	case AccRxHead:
		return offRxHead, nil
	case AccRxTail:
		return offRxTail, nil
	case AccRxBuf:
		return offBuffers, nil
	case AccTxHead:
		return offTxHead, nil
	case AccTxTail:
		return offTxTail, nil
	case AccTxBuf:
		return offBuffers + s.capacity, nil
	case AccStdinHead, AccStdinTail, AccStdinBuf:
		if !s.stdin {
			return 0, fmt.Errorf("%w: %s", ErrNoAccessor, name)
		}
		switch name {
		case AccStdinHead:
			return offStdinHead, nil
		case AccStdinTail:
			return offStdinTail, nil
		default:
			return offBuffers + 2*s.capacity, nil
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrNoAccessor, name)
	}
}

// Bind produces the channel set, once. An in-process consumer works the
// same set from the other side; a consumer in another process attaches its
// own source over the same region.
func (s *LocalSource) Bind() (*ChannelSet, error) {
	if !s.bound.CompareAndSwap(false, true) {
		return nil, ErrAlreadyBound
	}
	set, err := Bind(s)
	if err != nil {
		s.bound.Store(false)
		return nil, err
	}
	return set, nil
}

// Close releases the owned region.
func (s *LocalSource) Close() error {
	return s.mem.Close()
}
