package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/uapi"
)

// Fake is an in-memory Transport for tests, standing in for a real
// character device: a byte-addressable map for device DRAM, a separate
// byte-addressable map for the control-register/scratchpad window, and a
// directly-writable completion channel.
type Fake struct {
	mu  sync.Mutex
	mem map[uint64][]byte
	ctl map[uint64][]byte

	nextFree uint64
	archRng  AddressRange
	platRng  AddressRange

	events chan uint32

	// FailOp, if set, names an operation (e.g. "write_ctl") that should
	// fail on its next invocation with FailErr. Tests use this to drive
	// the failure paths C6 must recover from.
	FailOp  string
	FailErr error
}

// NewFake builds a Fake transport over the given address ranges. The
// device-DRAM free cursor starts at the low end of archRng, matching the
// device-DRAM layout a real composition would report; it is a distinct
// address space from the ctl/scratchpad map, so a PE-local handle and a
// global DRAM handle with the same numeric value never collide.
func NewFake(archRng, platRng AddressRange) *Fake {
	return &Fake{
		mem:      make(map[uint64][]byte),
		ctl:      make(map[uint64][]byte),
		nextFree: archRng.Low,
		archRng:  archRng,
		platRng:  platRng,
		events:   make(chan uint32, 256),
	}
}

func (f *Fake) checkFail(op string) error {
	if f.FailOp == op {
		f.FailOp = ""
		err := f.FailErr
		if err == nil {
			err = fmt.Errorf("%s: injected failure", op)
		}
		return &TransportFailure{Op: op, Err: err}
	}
	return nil
}

func (f *Fake) ArchRange() AddressRange     { return f.archRng }
func (f *Fake) PlatformRange() AddressRange { return f.platRng }

// Alloc bumps a monotonically increasing cursor; the fake never reclaims
// space.
func (f *Fake) Alloc(length uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail("alloc"); err != nil {
		return 0, err
	}
	addr := f.nextFree
	f.nextFree += length
	return addr, nil
}

// Dealloc is a no-op beyond failure injection; the fake's cursor allocator
// has nothing to reclaim.
func (f *Fake) Dealloc(addr, length uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkFail("dealloc")
}

func (f *Fake) ReadMem(addr uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail("read_mem"); err != nil {
		return err
	}
	stored, ok := f.mem[addr]
	for i := range buf {
		if ok && i < len(stored) {
			buf[i] = stored[i]
		} else {
			buf[i] = 0
		}
	}
	return nil
}

func (f *Fake) WriteMem(addr uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail("write_mem"); err != nil {
		return err
	}
	stored := make([]byte, len(buf))
	copy(stored, buf)
	f.mem[addr] = stored
	return nil
}

// ReadCtl reads len(buf) bytes starting at addr from the ctl/scratchpad
// map: a single register (4 or 8 bytes) or a PE-local scratchpad window
// of any word-multiple length.
func (f *Fake) ReadCtl(addr uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !ValidCtlAccess(f.archRng, f.platRng, addr, len(buf)) {
		return &InvalidAddress{Addr: addr}
	}
	if err := f.checkFail("read_ctl"); err != nil {
		return err
	}
	stored, ok := f.ctl[addr]
	for i := range buf {
		if ok && i < len(stored) {
			buf[i] = stored[i]
		} else {
			buf[i] = 0
		}
	}
	return nil
}

// WriteCtl stores len(buf) bytes at addr in the ctl/scratchpad map.
func (f *Fake) WriteCtl(addr uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !ValidCtlAccess(f.archRng, f.platRng, addr, len(buf)) {
		return &InvalidAddress{Addr: addr}
	}
	if err := f.checkFail("write_ctl"); err != nil {
		return err
	}
	stored := make([]byte, len(buf))
	copy(stored, buf)
	f.ctl[addr] = stored
	return nil
}

// CompletionEvents returns the directly-writable channel; tests push slot
// ids onto it via PostCompletion to simulate a PE finishing. ctx is
// ignored: the channel is not closed on cancellation or by Close.
func (f *Fake) CompletionEvents(ctx context.Context) (<-chan uint32, error) {
	return f.events, nil
}

// PostCompletion simulates the driver reporting slot as finished.
func (f *Fake) PostCompletion(slot uint32) {
	f.events <- slot
}

// PeekRegister exposes a 4- or 8-byte register's decoded value for
// assertions in tests. Addresses never written, or written with a
// different width, read back as 0.
func (f *Fake) PeekRegister(addr uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.ctl[addr]
	if !ok {
		return 0
	}
	switch len(stored) {
	case 4:
		v, err := uapi.DecodeRegister32(stored)
		if err != nil {
			return 0
		}
		return uint64(v)
	case 8:
		v, err := uapi.DecodeRegister64(stored)
		if err != nil {
			return 0
		}
		return v
	default:
		return 0
	}
}

func (f *Fake) Close() error {
	return nil
}

var _ Transport = (*Fake)(nil)
