package tapasco

import (
	"context"
	"errors"
	"syscall"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/control"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/localmem"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/logging"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/pepool"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/scheduler"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/status"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

// DeviceInfo describes a device, either as reported by Enumerate (id and
// identity only) or by DeviceContext.Info (full composition summary).
type DeviceInfo struct {
	DeviceID     uint32
	VendorID     uint32
	ProductID    uint32
	Name         string
	NumSlots     int
	Capabilities uint32
	Clocks       map[string]uint32 // name -> frequency in MHz
	Versions     map[string]string // name -> "year.release"
}

// Capability reports whether bit is set in info's capability mask.
func (d DeviceInfo) Capability(bit uint32) bool {
	return d.Capabilities&bit != 0
}

// ProcessContext is the entry point a process holds open for the
// lifetime of its interaction with the runtime: it owns the control
// device connection used to discover devices and request access to one.
type ProcessContext struct {
	ctrl   *control.Controller
	logger *logging.Logger
}

// NewProcessContext opens the control device.
func NewProcessContext() (*ProcessContext, error) {
	c, err := control.Open()
	if err != nil {
		return nil, &Error{Op: "NewProcessContext", Slot: -1, Code: ContextNotAvailable, Msg: err.Error(), Inner: err}
	}
	return &ProcessContext{
		ctrl:   c,
		logger: logging.Default().WithFields("component", "tapasco"),
	}, nil
}

// Close releases the control device connection.
func (p *ProcessContext) Close() error {
	return p.ctrl.Close()
}

// Enumerate lists the devices the control device currently reports.
func (p *ProcessContext) Enumerate() ([]DeviceInfo, error) {
	found, err := p.ctrl.Enumerate(constants.MaxDevices)
	if err != nil {
		return nil, &Error{Op: "Enumerate", Slot: -1, Code: PlatformFailure, Msg: err.Error(), Inner: err}
	}
	out := make([]DeviceInfo, 0, len(found))
	for _, d := range found {
		out = append(out, DeviceInfo{
			DeviceID:  d.DeviceID,
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
			Name:      d.Name,
		})
	}
	return out, nil
}

// OpenDevice requests access to devID under mode, opens its character
// device, decodes its status descriptor, and builds the address map,
// local-memory allocator and PE pool a DeviceContext needs to schedule
// jobs.
func (p *ProcessContext) OpenDevice(devID uint32, mode AccessMode) (*DeviceContext, error) {
	if err := p.ctrl.CreateContext(devID, mode); err != nil {
		code := PlatformFailure
		var errno syscall.Errno
		if errors.As(err, &errno) {
			code = mapErrnoToCode(errno)
		}
		return nil, &Error{Op: "OpenDevice", DevID: devID, Slot: -1, Code: code, Msg: err.Error(), Inner: err}
	}

	archRange := transport.AddressRange{Low: constants.ArchWindowBase, High: constants.ArchWindowBase + constants.ArchWindowSize}
	platformRange := transport.AddressRange{Low: constants.PlatformWindowBase, High: constants.PlatformWindowBase + constants.PlatformWindowSize}

	t, err := transport.OpenCharDevice(devID, archRange, platformRange)
	if err != nil {
		return nil, WrapError("OpenDevice", err)
	}

	dc, err := newDeviceContext(devID, t)
	if err != nil {
		t.Close()
		return nil, err
	}
	return dc, nil
}

// OpenDeviceWithTransport builds a DeviceContext directly on top of a
// caller-supplied Transport (the real CharDevice or a Fake), bypassing
// the control device entirely. Used by FakeDevice and by tests that want
// a DeviceContext without a live kernel driver.
func OpenDeviceWithTransport(devID uint32, t transport.Transport) (*DeviceContext, error) {
	return newDeviceContext(devID, t)
}

func newDeviceContext(devID uint32, t transport.Transport) (*DeviceContext, error) {
	record := make([]byte, constants.StatusRecordMaxSize)
	if err := t.ReadMem(status.WellKnownStatusBase, record); err != nil {
		return nil, WrapError("OpenDevice", err)
	}

	comp, err := status.Decode(record, t.ArchRange().Low, t.PlatformRange().Low)
	if err != nil {
		return nil, WrapError("OpenDevice", err)
	}

	m := addrmap.New(comp)

	var lmExtents []localmem.Extent
	var peExtents []pepool.Extent
	for slot, pe := range comp.Slots {
		if pe.KernelID != 0 {
			peExtents = append(peExtents, pepool.Extent{Slot: slot, KernelID: pe.KernelID})
		}
		if pe.LocalMemory.Size > 0 {
			lmExtents = append(lmExtents, localmem.Extent{Slot: slot, Base: pe.LocalMemory.Base, Size: pe.LocalMemory.Size})
		}
	}

	mem := localmem.New(lmExtents)
	pool, err := pepool.New(peExtents, m, t)
	if err != nil {
		return nil, WrapError("OpenDevice", err)
	}

	sched := scheduler.New(t, m, mem, pool, len(comp.Slots))
	if err := sched.StartCollector(context.Background()); err != nil {
		return nil, WrapError("OpenDevice", err)
	}

	return &DeviceContext{
		devID:     devID,
		transport: t,
		addrmap:   m,
		mem:       mem,
		pool:      pool,
		sched:     sched,
		comp:      comp,
		metrics:   NewMetrics(),
		logger:    logging.Default().WithFields("component", "tapasco", "dev_id", devID),
	}, nil
}
