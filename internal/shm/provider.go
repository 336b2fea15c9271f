// Package shm provides bounds-checked access to the memory region shared
// between the transport core and a consumer module. Implementations may be
// backed by the module's linear memory, an mmap'd file, or a plain in-memory
// buffer.
package shm

import "errors"

// MemoryProvider abstracts access to the shared region. Counter cells are
// 4-byte aligned uint32 slots; all other access is raw bytes.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
