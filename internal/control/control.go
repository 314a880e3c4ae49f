// Package control talks to the single control device a process opens to
// enumerate FPGA devices and request access to one of them. Unlike the
// per-device char-device transport (internal/transport), the control
// device is plain ioctl — the kernel driver has no streaming data path to
// offer here, so there is no ring or blocking-read loop to manage.
package control

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/uapi"
)

// Controller wraps the control device's file descriptor.
type Controller struct {
	fd int
}

// Open opens the well-known control device path.
func Open() (*Controller, error) {
	fd, err := syscall.Open(uapi.ControlDevicePath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("control: open %s: %w", uapi.ControlDevicePath, err)
	}
	return &Controller{fd: fd}, nil
}

// Close closes the control device.
func (c *Controller) Close() error {
	return syscall.Close(c.fd)
}

// Enumerated describes one device the control device reported.
type Enumerated struct {
	DeviceID  uint32
	VendorID  uint32
	ProductID uint32
	Name      string
}

// Enumerate queries device indices [0, maxDevices) via the enumerate
// ioctl, stopping at the first ENODEV (no device at that index).
func (c *Controller) Enumerate(maxDevices uint32) ([]Enumerated, error) {
	var out []Enumerated
	for idx := uint32(0); idx < maxDevices; idx++ {
		req := &uapi.EnumerateRequest{Index: idx}
		buf := uapi.MarshalEnumerateRequest(req)
		if err := c.ioctl(uapi.IoctlEnumerate, buf); err != nil {
			if err == syscall.ENODEV || err == syscall.ENXIO {
				break
			}
			return nil, fmt.Errorf("control: enumerate index %d: %w", idx, err)
		}
		var resp uapi.EnumerateRequest
		if err := uapi.UnmarshalEnumerateRequest(buf, &resp); err != nil {
			return nil, fmt.Errorf("control: decode enumerate response: %w", err)
		}
		out = append(out, Enumerated{
			DeviceID:  idx,
			VendorID:  resp.VendorID,
			ProductID: resp.ProductID,
			Name:      resp.NameString(),
		})
	}
	return out, nil
}

// CreateContext requests access to devID under the given mode, returning
// an error if the device is already held under an incompatible mode.
func (c *Controller) CreateContext(devID uint32, mode uapi.AccessMode) error {
	req := &uapi.CreateContextRequest{DeviceID: devID, Mode: uint32(mode)}
	buf := uapi.MarshalCreateContextRequest(req)
	return c.ioctl(uapi.IoctlCreateCtx, buf)
}

func (c *Controller) ioctl(req uint32, buf []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), uintptr(req), ptr(buf))
	if errno != 0 {
		return errno
	}
	return nil
}
