// Package pepool owns the pool of processing-element slots: per-kernel
// counting semaphores, fair blocking acquire/release, and the one-time
// per-PE interrupt setup a device performs at open time.
package pepool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

const (
	peIdle int32 = iota
	peBusy
)

// Pe is one processing-element slot's runtime state.
type Pe struct {
	KernelID uint32
	Slot     int
	state    int32 // atomic: peIdle | peBusy
}

// tryAcquire transitions Idle->Busy, returning false if it was already
// Busy (a caller bug or a race the semaphore count should prevent).
func (p *Pe) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&p.state, peIdle, peBusy)
}

// tryRelease transitions Busy->Idle. Releasing an Idle PE is a
// programming error.
func (p *Pe) tryRelease() bool {
	return atomic.CompareAndSwapInt32(&p.state, peBusy, peIdle)
}

// IsBusy reports the PE's current state, for observability.
func (p *Pe) IsBusy() bool {
	return atomic.LoadInt32(&p.state) == peBusy
}

// ErrPeUnavailable is returned when a kernel id has no PE group, or its
// group's semaphore wait was cancelled.
type ErrPeUnavailable struct {
	KernelID uint32
	Reason   string
}

func (e *ErrPeUnavailable) Error() string {
	return fmt.Sprintf("pepool: PE unavailable for kernel %d: %s", e.KernelID, e.Reason)
}

// ErrReleaseNotBusy reports an attempt to release a PE that was not Busy.
type ErrReleaseNotBusy struct {
	Slot int
}

func (e *ErrReleaseNotBusy) Error() string {
	return fmt.Sprintf("pepool: release of non-busy slot %d", e.Slot)
}

// kernelGroup is the queue of Idle PEs for one kernel id, fronted by a
// counting semaphore whose free permits track the number of Idle PEs.
type kernelGroup struct {
	kernelID uint32
	sem      *semaphore.Weighted
	total    int // total PEs in this group, fixed at pool construction

	mu   sync.Mutex
	idle []*Pe
}

func newKernelGroup(kernelID uint32) *kernelGroup {
	// Start with every permit held, so the group has no free permit until
	// add releases one per PE.
	sem := semaphore.NewWeighted(constants.MaxSlots)
	sem.TryAcquire(constants.MaxSlots)
	return &kernelGroup{kernelID: kernelID, sem: sem}
}

func (g *kernelGroup) add(pe *Pe) {
	g.mu.Lock()
	g.idle = append(g.idle, pe)
	g.mu.Unlock()
	g.sem.Release(1) // grow the semaphore's weight by one permit
}

func (g *kernelGroup) acquire(ctx context.Context) (*Pe, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, &ErrPeUnavailable{KernelID: g.kernelID, Reason: err.Error()}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.idle) == 0 {
		// Should not happen: the semaphore's weight tracks len(idle).
		return nil, &ErrPeUnavailable{KernelID: g.kernelID, Reason: "no idle PE despite acquired permit"}
	}
	pe := g.idle[0]
	g.idle = g.idle[1:]
	if !pe.tryAcquire() {
		return nil, &ErrPeUnavailable{KernelID: g.kernelID, Reason: "PE was not Idle"}
	}
	return pe, nil
}

func (g *kernelGroup) release(pe *Pe) error {
	if !pe.tryRelease() {
		return &ErrReleaseNotBusy{Slot: pe.Slot}
	}
	g.mu.Lock()
	g.idle = append(g.idle, pe)
	g.mu.Unlock()
	g.sem.Release(1)
	return nil
}

func (g *kernelGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Idle count plus however many are checked out; tracked separately
	// since the idle slice only holds free PEs.
	return g.total
}

// Pool owns every PE slot and the kernel groups they belong to.
type Pool struct {
	groups map[uint32]*kernelGroup
	bySlot map[int]*Pe
}

// Extent names one PE-bearing slot and the kernel kind occupying it.
type Extent struct {
	Slot     int
	KernelID uint32
}

// New walks extents and builds one Pe per slot, grouped by kernel id. It
// then performs one-time interrupt setup on every slot: GIER=1, IER=1,
// read IAR once, then write 1 to IAR to clear any pending edge.
func New(extents []Extent, m *addrmap.Map, t transport.Transport) (*Pool, error) {
	p := &Pool{
		groups: make(map[uint32]*kernelGroup),
		bySlot: make(map[int]*Pe),
	}

	for _, e := range extents {
		pe := &Pe{KernelID: e.KernelID, Slot: e.Slot, state: peIdle}
		g, ok := p.groups[e.KernelID]
		if !ok {
			g = newKernelGroup(e.KernelID)
			p.groups[e.KernelID] = g
		}
		g.total++
		g.add(pe)
		p.bySlot[e.Slot] = pe

		if err := setupInterrupts(m, t, e.Slot); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func setupInterrupts(m *addrmap.Map, t transport.Transport, slot int) error {
	gier, err := m.NamedRegister(slot, addrmap.RegGIER)
	if err != nil {
		return err
	}
	ier, err := m.NamedRegister(slot, addrmap.RegIER)
	if err != nil {
		return err
	}
	iar, err := m.NamedRegister(slot, addrmap.RegIAR)
	if err != nil {
		return err
	}

	if err := transport.WriteCtl32(t, gier, 1); err != nil {
		return err
	}
	if err := transport.WriteCtl32(t, ier, 1); err != nil {
		return err
	}
	if _, err := transport.ReadCtl32(t, iar); err != nil {
		return err
	}
	if err := transport.WriteCtl32(t, iar, 1); err != nil {
		return err
	}
	return nil
}

// Acquire blocks until a PE of kernelID is Idle, transitions it to Busy,
// and returns its slot. Cancelling ctx aborts the wait.
func (p *Pool) Acquire(ctx context.Context, kernelID uint32) (int, error) {
	g, ok := p.groups[kernelID]
	if !ok {
		return 0, &ErrPeUnavailable{KernelID: kernelID, Reason: "no PE group for this kernel id"}
	}
	pe, err := g.acquire(ctx)
	if err != nil {
		return 0, err
	}
	return pe.Slot, nil
}

// Release returns slot's PE to Idle and signals its group.
func (p *Pool) Release(slot int) error {
	pe, ok := p.bySlot[slot]
	if !ok {
		return fmt.Errorf("pepool: unknown slot %d", slot)
	}
	g := p.groups[pe.KernelID]
	return g.release(pe)
}

// Count returns the number of PEs belonging to kernelID.
func (p *Pool) Count(kernelID uint32) int {
	g, ok := p.groups[kernelID]
	if !ok {
		return 0
	}
	return g.count()
}

// IsBusy reports whether slot's PE is currently checked out, for tests
// and observability.
func (p *Pool) IsBusy(slot int) (bool, error) {
	pe, ok := p.bySlot[slot]
	if !ok {
		return false, fmt.Errorf("pepool: unknown slot %d", slot)
	}
	return pe.IsBusy(), nil
}
