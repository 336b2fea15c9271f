package shm

// Alignment requirements for shared-region fields.
const (
	AlignmentCounter   = 4  // uint32 head/tail cells
	AlignmentCacheLine = 64 // buffer starts, avoids false sharing between cells
)

// AlignOffset aligns an offset up to the specified alignment.
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

// IsAligned reports whether offset is aligned to the given alignment.
func IsAligned(offset, alignment uint32) bool {
	return offset%alignment == 0
}

// IsValidRange checks that [offset, offset+size) lies within a region of
// regionSize bytes, without overflowing.
func IsValidRange(offset, size, regionSize uint32) bool {
	return uint64(offset)+uint64(size) <= uint64(regionSize)
}

// IsPowerOfTwo reports whether v is a nonzero power of two.
func IsPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// LayoutError represents a shared-region layout error.
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}
