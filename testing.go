package tapasco

import (
	"context"
	"sync"
	"time"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/localmem"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/logging"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/pepool"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/scheduler"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/status"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

// FakeKernelBehavior computes a job's return value from its argument
// registers, standing in for the hardware logic a real PE would run.
// args holds every argument register's current value, up to MaxArgs,
// regardless of how many the job actually used.
type FakeKernelBehavior func(args []uint64) uint64

// FakeSlotSpec describes one PE slot a FakeDevice should expose.
type FakeSlotSpec struct {
	KernelID     uint32
	Vlnv         string
	LocalMemSize uint64 // 0 means the slot has no scratchpad
}

type fakeSlot struct {
	slot     int
	kernelID uint32
	ctrlAddr uint64
	retAddr  uint64
	argAddrs [constants.MaxArgs]uint64
}

// FakeDevice is a DeviceContext built entirely in-memory on top of a
// transport.Fake, for exercising the scheduler, PE pool and local-memory
// allocator without a kernel driver or real bitstream. A background
// poller watches each slot's CTRL register and simulates the PE
// completing: it clears the start bit (mirroring ap_start's hardware
// auto-clear), writes RET from the slot's registered FakeKernelBehavior,
// and posts the completion event the collector is waiting for.
type FakeDevice struct {
	*DeviceContext
	fake *transport.Fake

	behaviorMu sync.RWMutex
	behaviors  map[uint32]FakeKernelBehavior

	slots []fakeSlot

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewFakeDevice builds a FakeDevice with one PE per entry in specs,
// grouped into kernel-id pools the way a real composition would be.
func NewFakeDevice(specs []FakeSlotSpec) (*FakeDevice, error) {
	archRng := transport.AddressRange{Low: constants.ArchWindowBase, High: constants.ArchWindowBase + constants.ArchWindowSize}
	platRng := transport.AddressRange{Low: constants.PlatformWindowBase, High: constants.PlatformWindowBase + constants.PlatformWindowSize}
	fake := transport.NewFake(archRng, platRng)

	comp := &status.Composition{
		Clocks:    map[string]status.Clock{"Design": {Name: "Design", FrequencyMHz: 100}},
		Versions:  map[string]status.Version{"TaPaSCo": {Software: "TaPaSCo", Year: 2026, Release: "fake"}},
		Platforms: map[string]status.Platform{},
	}

	const slotStride = 0x1000
	offset := archRng.Low
	var lmBase uint64
	var peExtents []pepool.Extent
	var lmExtents []localmem.Extent

	// lmBase tracks the cumulative sum of preceding slots' local-memory
	// sizes, independent of offset (the PE control-register window
	// cursor): the scratchpad's own address space, not the control bus.
	for _, spec := range specs {
		slot := len(comp.Slots)
		pe := status.PE{Offset: offset, KernelID: spec.KernelID, Vlnv: spec.Vlnv}
		offset += slotStride
		if spec.LocalMemSize > 0 {
			pe.LocalMemory = status.LocalMemory{Base: lmBase, Size: spec.LocalMemSize}
			lmExtents = append(lmExtents, localmem.Extent{Slot: slot, Base: lmBase, Size: spec.LocalMemSize})
			lmBase += spec.LocalMemSize
		} else {
			lmBase = 0
		}
		comp.Slots = append(comp.Slots, pe)
		peExtents = append(peExtents, pepool.Extent{Slot: slot, KernelID: spec.KernelID})
	}

	m := addrmap.New(comp)
	mem := localmem.New(lmExtents)
	pool, err := pepool.New(peExtents, m, fake)
	if err != nil {
		return nil, WrapError("NewFakeDevice", err)
	}

	sched := scheduler.New(fake, m, mem, pool, len(comp.Slots))
	if err := sched.StartCollector(context.Background()); err != nil {
		return nil, WrapError("NewFakeDevice", err)
	}

	dc := &DeviceContext{
		devID:     0,
		transport: fake,
		addrmap:   m,
		mem:       mem,
		pool:      pool,
		sched:     sched,
		comp:      comp,
		metrics:   NewMetrics(),
		logger:    logging.Default().WithFields("component", "tapasco", "dev_id", uint32(0)),
	}

	fd := &FakeDevice{
		DeviceContext: dc,
		fake:          fake,
		behaviors:     make(map[uint32]FakeKernelBehavior),
	}
	for i, pe := range comp.Slots {
		fs := fakeSlot{slot: i, kernelID: pe.KernelID}
		fs.ctrlAddr, _ = m.NamedRegister(i, addrmap.RegCTRL)
		fs.retAddr, _ = m.NamedRegister(i, addrmap.RegRET)
		for a := 0; a < constants.MaxArgs; a++ {
			fs.argAddrs[a], _ = m.ArgRegister(i, a)
		}
		fd.slots = append(fd.slots, fs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fd.pollCancel = cancel
	fd.pollDone = make(chan struct{})
	go fd.poll(ctx)

	return fd, nil
}

// SetBehavior registers the function used to compute RET whenever a job
// targeting kernelID starts. Slots whose kernel has no registered
// behavior return 0.
func (f *FakeDevice) SetBehavior(kernelID uint32, b FakeKernelBehavior) {
	f.behaviorMu.Lock()
	defer f.behaviorMu.Unlock()
	f.behaviors[kernelID] = b
}

func (f *FakeDevice) behaviorFor(kernelID uint32) FakeKernelBehavior {
	f.behaviorMu.RLock()
	defer f.behaviorMu.RUnlock()
	return f.behaviors[kernelID]
}

// poll watches every PE-bearing slot's CTRL register for the start bit
// and simulates completion shortly after it appears.
func (f *FakeDevice) poll(ctx context.Context) {
	defer close(f.pollDone)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, fs := range f.slots {
				v, err := transport.ReadCtl32(f.fake, fs.ctrlAddr)
				if err != nil || v != 1 {
					continue
				}
				transport.WriteCtl32(f.fake, fs.ctrlAddr, 0)
				f.finishSlot(fs)
			}
		}
	}
}

func (f *FakeDevice) finishSlot(fs fakeSlot) {
	var args [constants.MaxArgs]uint64
	for i, addr := range fs.argAddrs {
		args[i] = f.fake.PeekRegister(addr)
	}

	var ret uint64
	if b := f.behaviorFor(fs.kernelID); b != nil {
		ret = b(args[:])
	}
	transport.WriteCtl64(f.fake, fs.retAddr, ret)
	f.fake.PostCompletion(uint32(fs.slot))
}

// Fake returns the underlying in-memory transport, for tests that want
// to inject failures via FailOp/FailErr or inspect memory directly.
func (f *FakeDevice) Fake() *transport.Fake {
	return f.fake
}

// Close stops the poller in addition to the usual DeviceContext teardown.
func (f *FakeDevice) Close() error {
	f.pollCancel()
	<-f.pollDone
	return f.DeviceContext.Close()
}
