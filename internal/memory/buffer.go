package memory

import (
	"fmt"
	"sort"
	"sync"
)

const (
	pageSize  = 0x1000
	allocBase = uintptr(0x7FF0_0000_0000)
)

type region struct {
	base   uintptr
	data   []byte
	locked bool
}

func (r *region) contains(addr uintptr, n int) bool {
	return addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data))
}

// Buffer is a simulated address space made of non-overlapping regions. It is
// safe for concurrent use.
type Buffer struct {
	mu        sync.RWMutex
	regions   []*region
	nextAlloc uintptr
}

func NewBuffer() *Buffer {
	return &Buffer{nextAlloc: allocBase}
}

// Map places a copy of data at base.
func (b *Buffer) Map(base uintptr, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &region{base: base, data: make([]byte, len(data))}
	copy(r.data, data)
	b.regions = append(b.regions, r)
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
}

// Lock makes WriteCode fail for the region starting at base, the way a page
// whose protection cannot be changed behaves.
func (b *Buffer) Lock(base uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		if r.base == base {
			r.locked = true
		}
	}
}

func (b *Buffer) find(addr uintptr, n int) *region {
	for _, r := range b.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

func (b *Buffer) Read(addr uintptr, n int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r := b.find(addr, n)
	if r == nil {
		return nil, faultf(addr, n)
	}
	out := make([]byte, n)
	off := addr - r.base
	copy(out, r.data[off:off+uintptr(n)])
	return out, nil
}

func (b *Buffer) Write(addr uintptr, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.find(addr, len(p))
	if r == nil {
		return faultf(addr, len(p))
	}
	copy(r.data[addr-r.base:], p)
	return nil
}

func (b *Buffer) WriteCode(addr uintptr, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.find(addr, len(p))
	if r == nil {
		return faultf(addr, len(p))
	}
	if r.locked {
		return fmt.Errorf("%w: 0x%X", ErrProtected, addr)
	}
	copy(r.data[addr-r.base:], p)
	return nil
}

func (b *Buffer) Alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("memory: invalid allocation size %d", size)
	}
	pages := (size + pageSize - 1) / pageSize

	b.mu.Lock()
	addr := b.nextAlloc
	b.nextAlloc += uintptr(pages*pageSize) + pageSize
	b.mu.Unlock()

	b.Map(addr, make([]byte, pages*pageSize))
	return addr, nil
}
