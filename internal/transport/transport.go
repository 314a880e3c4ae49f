// Package transport implements the kernel-driver contract a TaPaSCo
// device exposes over its character device: register access, bulk
// device-memory copies, local-memory allocation and the completion-event
// stream the scheduler collects from.
package transport

import (
	"context"
	"fmt"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/uapi"
)

// AddressRange describes a half-open [Low, High) byte range.
type AddressRange struct {
	Low  uint64
	High uint64
}

// Contains reports whether addr falls inside the range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Low && addr < r.High
}

// InvalidAddress is returned by ReadCtl/WriteCtl when addr falls outside
// both the transport's arch and platform ranges.
type InvalidAddress struct {
	Addr uint64
}

func (e *InvalidAddress) Error() string {
	return fmt.Sprintf("transport: address 0x%x outside arch/platform range", e.Addr)
}

// ValidCtlAccess reports whether a read_ctl/write_ctl access is legal:
// addr word-aligned, length a multiple of 4 bytes, and addr inside arch
// or platform range. Shared by every Transport implementation so the
// range check can't drift between them.
func ValidCtlAccess(arch, platform AddressRange, addr uint64, length int) bool {
	if addr%4 != 0 || length%4 != 0 {
		return false
	}
	return arch.Contains(addr) || platform.Contains(addr)
}

// TransportFailure wraps any lower-level (ioctl/syscall) failure the
// driver contract surfaces. Callers translate it 1:1 to a platform-level
// error; it carries the failing operation name for logging.
type TransportFailure struct {
	Op  string
	Err error
}

func (e *TransportFailure) Error() string {
	if e.Err == nil {
		return "transport: " + e.Op + " failed"
	}
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportFailure) Unwrap() error { return e.Err }

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportFailure{Op: op, Err: err}
}

// Transport is the capability interface every device backend (real
// character device or in-memory fake) satisfies. It is the single seam
// C6 depends on, so the scheduler never knows whether it is driving
// real silicon or a test double.
type Transport interface {
	// Alloc reserves length bytes of device-local memory and returns its
	// device-relative address.
	Alloc(length uint64) (uint64, error)
	// Dealloc releases a region previously returned by Alloc.
	Dealloc(addr, length uint64) error

	// ReadMem/WriteMem perform bulk transfers against device DRAM.
	ReadMem(addr uint64, buf []byte) error
	WriteMem(addr uint64, buf []byte) error

	// ReadCtl/WriteCtl access the PE control-register window: addr must
	// be word-aligned and len(buf) a multiple of 4 (4 and 8 are the
	// common cases). Implementations reject addresses outside
	// ArchRange/PlatformRange with InvalidAddress.
	ReadCtl(addr uint64, buf []byte) error
	WriteCtl(addr uint64, buf []byte) error

	// CompletionEvents returns a channel of slot ids the driver reports
	// as having finished. The channel is closed when ctx is cancelled or
	// Close is called.
	CompletionEvents(ctx context.Context) (<-chan uint32, error)

	// ArchRange and PlatformRange report the address ranges the device
	// reserves for the architecture (PE slots) and the platform
	// (infrastructure components), respectively.
	ArchRange() AddressRange
	PlatformRange() AddressRange

	// Close releases any resources (file descriptors, goroutines) the
	// transport holds.
	Close() error
}

// ReadCtl32 reads a 32-bit control register, the common case for CTRL,
// GIER, IER and IAR.
func ReadCtl32(t Transport, addr uint64) (uint32, error) {
	buf := make([]byte, 4)
	if err := t.ReadCtl(addr, buf); err != nil {
		return 0, err
	}
	return uapi.DecodeRegister32(buf)
}

// WriteCtl32 writes a 32-bit control register.
func WriteCtl32(t Transport, addr uint64, v uint32) error {
	return t.WriteCtl(addr, uapi.EncodeRegister32(v))
}

// ReadCtl64 reads a 64-bit control register, the common case for RET and
// a device pointer argument.
func ReadCtl64(t Transport, addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := t.ReadCtl(addr, buf); err != nil {
		return 0, err
	}
	return uapi.DecodeRegister64(buf)
}

// WriteCtl64 writes a 64-bit control register.
func WriteCtl64(t Transport, addr uint64, v uint64) error {
	return t.WriteCtl(addr, uapi.EncodeRegister64(v))
}
