package transport

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/logging"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/uapi"
)

// CharDevice drives a real kernel driver instance through its character
// device: ioctl for alloc/dealloc, pread/pwrite for register and bulk
// memory access, and a pinned reader goroutine draining the blocking
// completion-event stream.
type CharDevice struct {
	fd            int
	archRange     AddressRange
	platformRange AddressRange
	logger        *logging.Logger

	events  chan uint32
	readErr chan error
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

// OpenCharDevice opens the character device for devID, waiting for udev to
// create the node if it has not appeared yet.
func OpenCharDevice(devID uint32, arch, platform AddressRange) (*CharDevice, error) {
	path := uapi.CharDevicePath(devID)
	logger := logging.Default().WithFields("transport", "chardevice", "dev_id", devID)

	var fd int
	var err error
	for i := 0; i < constants.DeviceNodeRetryAttempts; i++ {
		fd, err = syscall.Open(path, syscall.O_RDWR, 0)
		if err == nil {
			break
		}
		if err != syscall.ENOENT {
			return nil, fail("open", err)
		}
		time.Sleep(constants.DeviceNodeRetryInterval)
	}
	if err != nil {
		return nil, fail("open", fmt.Errorf("character device did not appear: %s", path))
	}

	logger.Debug("opened character device", "fd", fd)

	c := &CharDevice{
		fd:            fd,
		archRange:     arch,
		platformRange: platform,
		logger:        logger,
	}
	return c, nil
}

func (c *CharDevice) ArchRange() AddressRange     { return c.archRange }
func (c *CharDevice) PlatformRange() AddressRange { return c.platformRange }

// Alloc issues the alloc ioctl and returns the device-relative address the
// kernel assigned.
func (c *CharDevice) Alloc(length uint64) (uint64, error) {
	req := &uapi.AllocRequest{Length: length}
	buf := uapi.MarshalAlloc(req)
	if err := c.ioctl(uapi.IoctlAlloc, buf); err != nil {
		return 0, fail("alloc", err)
	}
	var out uapi.AllocRequest
	if err := uapi.UnmarshalAlloc(buf, &out); err != nil {
		return 0, fail("alloc", err)
	}
	return out.Addr, nil
}

// Dealloc issues the dealloc ioctl for a previously allocated region.
func (c *CharDevice) Dealloc(addr, length uint64) error {
	req := &uapi.DeallocRequest{Addr: addr, Length: length}
	buf := uapi.MarshalDealloc(req)
	if err := c.ioctl(uapi.IoctlDealloc, buf); err != nil {
		return fail("dealloc", err)
	}
	return nil
}

// ReadMem performs a bulk pread at the given device address.
func (c *CharDevice) ReadMem(addr uint64, buf []byte) error {
	n, err := unix.Pread(c.fd, buf, int64(addr))
	if err != nil {
		return fail("read_mem", err)
	}
	if n != len(buf) {
		return fail("read_mem", fmt.Errorf("short read: got %d want %d", n, len(buf)))
	}
	return nil
}

// WriteMem performs a bulk pwrite at the given device address.
func (c *CharDevice) WriteMem(addr uint64, buf []byte) error {
	n, err := unix.Pwrite(c.fd, buf, int64(addr))
	if err != nil {
		return fail("write_mem", err)
	}
	if n != len(buf) {
		return fail("write_mem", fmt.Errorf("short write: got %d want %d", n, len(buf)))
	}
	return nil
}

// ReadCtl reads len(buf) bytes from the PE control-register window at
// addr: a single register (4 or 8 bytes) or a PE-local scratchpad
// transfer through its mapped window. Rejects addresses outside
// ArchRange/PlatformRange with InvalidAddress.
func (c *CharDevice) ReadCtl(addr uint64, buf []byte) error {
	if !ValidCtlAccess(c.archRange, c.platformRange, addr, len(buf)) {
		return &InvalidAddress{Addr: addr}
	}
	if err := c.ReadMem(addr, buf); err != nil {
		return fail("read_ctl", err)
	}
	return nil
}

// WriteCtl writes len(buf) bytes to the PE control-register window at
// addr. Rejects addresses outside ArchRange/PlatformRange with
// InvalidAddress.
func (c *CharDevice) WriteCtl(addr uint64, buf []byte) error {
	if !ValidCtlAccess(c.archRange, c.platformRange, addr, len(buf)) {
		return &InvalidAddress{Addr: addr}
	}
	if err := c.WriteMem(addr, buf); err != nil {
		return fail("write_ctl", err)
	}
	return nil
}

// CompletionEvents starts (once) the pinned reader goroutine and returns
// the channel it feeds. Subsequent calls return the same channel.
func (c *CharDevice) CompletionEvents(ctx context.Context) (<-chan uint32, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.events != nil {
		return c.events, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.events = make(chan uint32, constants.CompletionChannelDepth)
	c.readErr = make(chan error, 1)

	go c.readLoop(ctx)
	return c.events, nil
}

// readLoop is the pinned-thread blocking-read loop: lock to an OS
// thread, log each lifecycle step, and drain a blocking stream until
// the context is cancelled.
func (c *CharDevice) readLoop(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.events)

	c.logger.Debug("completion reader starting")
	buf := make([]byte, 4)
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("completion reader stopping")
			return
		default:
		}

		n, err := syscall.Read(c.fd, buf)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("completion reader read failed", "error", err)
			return
		}
		if n < len(buf) {
			continue
		}

		slot, err := uapi.DecodeCompletionSlot(buf)
		if err != nil {
			continue
		}

		select {
		case c.events <- slot:
		case <-ctx.Done():
			return
		}
	}
}

func (c *CharDevice) ioctl(req uint32, buf []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), uintptr(req), ptr(buf))
	if errno != 0 {
		return errno
	}
	return nil
}

// Close stops the reader goroutine and closes the device file descriptor.
func (c *CharDevice) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return syscall.Close(c.fd)
}

var _ Transport = (*CharDevice)(nil)
