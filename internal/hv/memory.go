package hv

import (
	"fmt"
	"sync"

	"fortio.org/safecast"
)

// Memory is host-backed guest RAM covering [base, base+size).
type Memory struct {
	mu     sync.RWMutex
	base   uint64
	memory []byte
}

// NewMemory allocates guest RAM. The size is rounded up to PageSize.
func NewMemory(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("hv: memory size must be greater than 0")
	}
	if base%PageSize != 0 {
		return nil, fmt.Errorf("hv: %w: memory base %#x not aligned to %#x", ErrInvalidAddress, base, PageSize)
	}
	size = alignUp(size, PageSize)
	if base+size < base {
		return nil, fmt.Errorf("hv: memory at %#x with size %#x overflows", base, size)
	}

	hostSize, err := safecast.Conv[int](size)
	if err != nil {
		return nil, fmt.Errorf("hv: memory size %#x exceeds host address limit: %w", size, err)
	}

	mem, err := allocateMemory(hostSize)
	if err != nil {
		return nil, fmt.Errorf("hv: allocate memory: %w", err)
	}

	return &Memory{base: base, memory: mem}, nil
}

func (m *Memory) MemoryBase() uint64 { return m.base }

func (m *Memory) MemorySize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.memory))
}

// ReadAt implements io.ReaderAt with off interpreted as a guest-physical address.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, err := m.hostRange(off, len(p))
	if err != nil {
		return 0, fmt.Errorf("hv: ReadAt: %w", err)
	}
	return copy(p, m.memory[start:]), nil
}

// WriteAt implements io.WriterAt with off interpreted as a guest-physical address.
// Writes that do not fit entirely in guest RAM are rejected without copying.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, err := m.hostRange(off, len(p))
	if err != nil {
		return 0, fmt.Errorf("hv: WriteAt: %w", err)
	}
	return copy(m.memory[start:], p), nil
}

// Close releases the backing memory. Further access fails with ErrMemoryClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memory == nil {
		return nil
	}
	mem := m.memory
	m.memory = nil
	if err := freeMemory(mem); err != nil {
		return fmt.Errorf("hv: free memory: %w", err)
	}
	return nil
}

func (m *Memory) hostRange(off int64, n int) (int, error) {
	if m.memory == nil {
		return 0, ErrMemoryClosed
	}
	gpa, err := safecast.Conv[uint64](off)
	if err != nil {
		return 0, fmt.Errorf("%w: negative address %d", ErrOutOfRange, off)
	}
	length, err := safecast.Conv[uint64](n)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid length %d", ErrOutOfRange, n)
	}
	end := m.base + uint64(len(m.memory))
	if gpa < m.base || gpa+length < gpa || gpa+length > end {
		return 0, fmt.Errorf("%w: [%#x-%#x) outside RAM [%#x-%#x)", ErrOutOfRange, gpa, gpa+length, m.base, end)
	}
	return int(gpa - m.base), nil
}
