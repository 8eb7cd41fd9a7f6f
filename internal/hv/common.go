package hv

import (
	"errors"
	"io"
)

var (
	ErrOutOfRange     = errors.New("guest address out of range")
	ErrMemoryClosed   = errors.New("guest memory closed")
	ErrInvalidLayout  = errors.New("invalid guest memory layout")
	ErrRegionOverlap  = errors.New("guest memory regions overlap")
	ErrUnknownRegion  = errors.New("unknown guest memory region")
	ErrInvalidAddress = errors.New("invalid guest physical address")
)

// PageSize is the minimum mapping granularity for guest memory regions.
const PageSize = 0x1000

// MemoryBounds reports the span of guest-physical addresses backed by RAM.
type MemoryBounds interface {
	MemoryBase() uint64
	MemorySize() uint64
}

// GuestMemory is guest RAM addressed by guest-physical address. The offset
// passed to ReadAt and WriteAt is a guest-physical address, not an offset
// from MemoryBase.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	MemoryBounds
}

// Bounds is a plain MemoryBounds value.
type Bounds struct {
	Base uint64
	Size uint64
}

func (b Bounds) MemoryBase() uint64 { return b.Base }
func (b Bounds) MemorySize() uint64 { return b.Size }

var (
	_ MemoryBounds = Bounds{}
	_ GuestMemory  = (*Memory)(nil)
)
