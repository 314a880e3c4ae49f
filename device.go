package tapasco

import (
	"context"
	"fmt"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/localmem"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/logging"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/pepool"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/scheduler"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/status"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

// DeviceContext owns one open device: its transport connection, decoded
// composition, and the internal packages (C3–C6) that schedule jobs
// against it. Callers acquire one from ProcessContext.OpenDevice.
type DeviceContext struct {
	devID     uint32
	transport transport.Transport
	addrmap   *addrmap.Map
	mem       *localmem.Allocator
	pool      *pepool.Pool
	sched     *scheduler.Scheduler
	comp      *status.Composition
	metrics   *Metrics
	logger    *logging.Logger
}

// runtimeCapabilities are the two capability bits this runtime itself
// implements end to end (§3 of the expanded spec): atomic preload/readback
// of Global transfers around the launch protocol, and PE-local scratchpad
// transfers that never round-trip through host memory.
const runtimeCapabilities = constants.CapabilityAtomicTransfers | constants.CapabilityZeroCopy

// Info returns a summary of the device's composition.
func (d *DeviceContext) Info() DeviceInfo {
	clocks := make(map[string]uint32, len(d.comp.Clocks))
	for name, c := range d.comp.Clocks {
		clocks[name] = c.FrequencyMHz
	}
	versions := make(map[string]string, len(d.comp.Versions))
	for name, v := range d.comp.Versions {
		versions[name] = fmt.Sprintf("%d.%s", v.Year, v.Release)
	}
	return DeviceInfo{
		DeviceID:     d.devID,
		NumSlots:     len(d.comp.Slots),
		Capabilities: runtimeCapabilities,
		Clocks:       clocks,
		Versions:     versions,
	}
}

// Capability reports whether bit is set in the device's capability mask.
func (d *DeviceContext) Capability(bit uint32) bool {
	return runtimeCapabilities&bit != 0
}

// KernelIDByName looks up a PE's kernel id by its vendor-library-name-
// version string, as decoded from the status descriptor's PE entries.
func (d *DeviceContext) KernelIDByName(vlnv string) (uint32, error) {
	for _, pe := range d.comp.Slots {
		if pe.Vlnv == vlnv {
			return pe.KernelID, nil
		}
	}
	return 0, &Error{Op: "KernelIDByName", DevID: d.devID, Slot: -1, Code: StatusCoreNotFound, Msg: fmt.Sprintf("no kernel with vlnv %q", vlnv)}
}

// AcquireJobID reserves a job-table slot for kernelID and returns its
// host-visible job id.
func (d *DeviceContext) AcquireJobID(kernelID uint32) (int, error) {
	id, err := d.sched.AcquireJobID(kernelID)
	if err != nil {
		return 0, WrapError("AcquireJobID", err)
	}
	return id, nil
}

// ReleaseJobID returns jobID's slot to the free pool. The job must already
// be Finished (or never launched).
func (d *DeviceContext) ReleaseJobID(jobID int) error {
	if err := d.sched.ReleaseJobID(jobID); err != nil {
		return &Error{Op: "ReleaseJobID", DevID: d.devID, Slot: -1, JobID: jobID, Code: JobIdNotFound, Msg: err.Error(), Inner: err}
	}
	return nil
}

// Job returns a handle for staging arguments and launching jobID.
func (d *DeviceContext) Job(jobID int) *Job {
	return &Job{dc: d, id: jobID}
}

// WaitJob blocks until jobID's PE reports completion, without running the
// finish protocol. Used after a non-blocking Launch; pair with CollectJob.
func (d *DeviceContext) WaitJob(ctx context.Context, jobID int) error {
	job, err := d.sched.Job(jobID)
	if err != nil {
		return &Error{Op: "WaitJob", DevID: d.devID, Slot: -1, JobID: jobID, Code: JobIdNotFound, Msg: err.Error(), Inner: err}
	}
	if err := d.sched.WaitForSlot(ctx, job.Slot); err != nil {
		return WrapError("WaitJob", err)
	}
	return nil
}

// CollectJob runs the finish protocol for jobID: acks the interrupt, reads
// the return value and output arguments, releases the PE. The caller must
// have already observed completion via WaitJob.
func (d *DeviceContext) CollectJob(jobID int) error {
	if err := d.sched.Finish(jobID); err != nil {
		d.metrics.RecordFailure()
		return WrapError("CollectJob", err)
	}
	d.metrics.RecordFinish(0)
	return nil
}

// Metrics returns the device's live metrics instance.
func (d *DeviceContext) Metrics() *Metrics {
	return d.metrics
}

// Close stops the collector goroutine and releases the transport.
func (d *DeviceContext) Close() error {
	d.sched.StopCollector()
	d.metrics.Stop()
	return d.transport.Close()
}
