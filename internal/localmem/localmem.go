// Package localmem implements a per-slot free-list arena allocator over
// the local-memory extents a status Composition declares: "prefer the
// scheduled PE's own scratchpad, spill to neighbors if co-hosted".
package localmem

import (
	"fmt"
	"sort"
	"sync"
)

// ErrOutOfMemory is returned when no arena, starting from the hint slot,
// can satisfy a request.
type ErrOutOfMemory struct {
	Size uint64
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("localmem: out of memory for %d bytes", e.Size)
}

type freeBlock struct {
	offset uint64
	length uint64
}

// arena is a single slot's scratchpad: a first-fit free list over
// [0, size), translated to [base, base+size) device addresses at the
// public API boundary.
type arena struct {
	mu       sync.Mutex
	slot     int
	base     uint64
	size     uint64
	free     []freeBlock // sorted by offset, coalesced
	bytesUse uint64
}

func newArena(slot int, base, size uint64) *arena {
	return &arena{
		slot: slot,
		base: base,
		size: size,
		free: []freeBlock{{offset: 0, length: size}},
	}
}

func (a *arena) alloc(size uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.free {
		if b.length < size {
			continue
		}
		addr := a.base + b.offset
		remaining := b.length - size
		if remaining == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeBlock{offset: b.offset + size, length: remaining}
		}
		a.bytesUse += size
		return addr, true
	}
	return 0, false
}

func (a *arena) dealloc(addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < a.base || addr+size > a.base+a.size {
		return fmt.Errorf("localmem: address 0x%x (len %d) outside arena [0x%x,0x%x)", addr, size, a.base, a.base+a.size)
	}
	offset := addr - a.base
	a.free = append(a.free, freeBlock{offset: offset, length: size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].offset < a.free[j].offset })

	coalesced := a.free[:0]
	for _, b := range a.free {
		if n := len(coalesced); n > 0 && coalesced[n-1].offset+coalesced[n-1].length == b.offset {
			coalesced[n-1].length += b.length
		} else {
			coalesced = append(coalesced, b)
		}
	}
	a.free = coalesced
	a.bytesUse -= size
	return nil
}

func (a *arena) contains(addr uint64) bool {
	return addr >= a.base && addr < a.base+a.size
}

func (a *arena) bytesFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size - a.bytesUse
}

// Extent describes one slot's local-memory region: the slot index
// carrying the memory, its base address in the scratchpad's own address
// space (the cumulative sum of preceding slots' local-memory sizes, not
// a bus address), and its size in bytes.
type Extent struct {
	Slot int
	Base uint64
	Size uint64
}

// Allocator owns one arena per PE-bearing slot with nonzero local memory.
type Allocator struct {
	arenas []*arena // in slot order
}

// New builds an Allocator from the slot extents a Composition declares.
// Slots with Size == 0 are skipped; they have no scratchpad.
func New(extents []Extent) *Allocator {
	a := &Allocator{}
	for _, e := range extents {
		if e.Size == 0 {
			continue
		}
		a.arenas = append(a.arenas, newArena(e.Slot, e.Base, e.Size))
	}
	sort.Slice(a.arenas, func(i, j int) bool { return a.arenas[i].slot < a.arenas[j].slot })
	return a
}

// arenaStartIndex returns the index of the first arena whose slot is >=
// hint, so Alloc/Dealloc can start their search there and wrap.
func (a *Allocator) arenaStartIndex(hintSlot int) int {
	for i, ar := range a.arenas {
		if ar.slot >= hintSlot {
			return i
		}
	}
	return 0
}

// Alloc reserves size bytes, preferring the arena for slotHint and
// spilling to the next PE-bearing arena (in slot order, wrapping) until
// one succeeds or all have been tried.
func (a *Allocator) Alloc(slotHint int, size uint64) (uint64, error) {
	if len(a.arenas) == 0 {
		return 0, &ErrOutOfMemory{Size: size}
	}
	start := a.arenaStartIndex(slotHint)
	n := len(a.arenas)
	for i := 0; i < n; i++ {
		ar := a.arenas[(start+i)%n]
		if addr, ok := ar.alloc(size); ok {
			return addr, nil
		}
	}
	return 0, &ErrOutOfMemory{Size: size}
}

// Dealloc frees a region previously returned by Alloc. slotHint narrows
// the search to the arena most likely to contain addr, advancing from
// the hint and wrapping until one does.
func (a *Allocator) Dealloc(slotHint int, addr, size uint64) error {
	start := a.arenaStartIndex(slotHint)
	n := len(a.arenas)
	for i := 0; i < n; i++ {
		ar := a.arenas[(start+i)%n]
		if ar.contains(addr) {
			return ar.dealloc(addr, size)
		}
	}
	return fmt.Errorf("localmem: no arena contains address 0x%x", addr)
}

// SlotOf reverse-looks-up the slot whose arena owns addr.
func (a *Allocator) SlotOf(addr uint64) (int, error) {
	for _, ar := range a.arenas {
		if ar.contains(addr) {
			return ar.slot, nil
		}
	}
	return 0, fmt.Errorf("localmem: no arena contains address 0x%x", addr)
}

// BytesTotal returns the arena size for slot, or an error if slot has no
// scratchpad.
func (a *Allocator) BytesTotal(slot int) (uint64, error) {
	for _, ar := range a.arenas {
		if ar.slot == slot {
			return ar.size, nil
		}
	}
	return 0, fmt.Errorf("localmem: slot %d has no local memory", slot)
}

// BytesFree returns the arena's currently-free bytes for slot.
func (a *Allocator) BytesFree(slot int) (uint64, error) {
	for _, ar := range a.arenas {
		if ar.slot == slot {
			return ar.bytesFree(), nil
		}
	}
	return 0, fmt.Errorf("localmem: slot %d has no local memory", slot)
}
