package tapasco

import (
	"context"
	"time"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/scheduler"
)

// Placement names where a transfer's device buffer lives.
type Placement = scheduler.Placement

const (
	PlacementGlobal  = scheduler.PlacementGlobal
	PlacementPeLocal = scheduler.PlacementPeLocal
)

// Direction names which way a transfer copies relative to the device.
type Direction = scheduler.Direction

const (
	DirectionTo   = scheduler.DirectionTo
	DirectionFrom = scheduler.DirectionFrom
	DirectionBoth = scheduler.DirectionBoth
)

// Job is a handle to one acquired job id, used to stage arguments and
// launch it. It is valid until the owning DeviceContext releases the id.
type Job struct {
	dc *DeviceContext
	id int
}

// ID returns the host-visible job id this handle wraps.
func (j *Job) ID() int { return j.id }

// SetArg stores a scalar argument (4 or 8 bytes) at index i.
func (j *Job) SetArg(i int, value uint64, size int) error {
	job, err := j.dc.sched.Job(j.id)
	if err != nil {
		return &Error{Op: "SetArg", DevID: j.dc.devID, Slot: -1, JobID: j.id, Code: JobIdNotFound, Msg: err.Error(), Inner: err}
	}
	if err := job.SetArg(i, value, size); err != nil {
		return WrapError("SetArg", err)
	}
	return nil
}

// SetArgTransfer records a bulk-transfer descriptor for argument i:
// hostPtr is the host buffer, placement selects Global or PE-local device
// memory, and direction controls which way bytes move relative to launch.
func (j *Job) SetArgTransfer(i int, hostPtr []byte, length uint64, placement Placement, direction Direction) error {
	job, err := j.dc.sched.Job(j.id)
	if err != nil {
		return &Error{Op: "SetArgTransfer", DevID: j.dc.devID, Slot: -1, JobID: j.id, Code: JobIdNotFound, Msg: err.Error(), Inner: err}
	}
	if err := job.SetArgTransfer(i, hostPtr, length, placement, direction); err != nil {
		return WrapError("SetArgTransfer", err)
	}
	return nil
}

// Launch runs the launch protocol: preload Global transfers, acquire a PE,
// stage arguments into registers, start the PE. If blocking is true,
// Launch also waits for completion and runs the finish protocol before
// returning; otherwise pair it with DeviceContext.WaitJob/CollectJob.
func (j *Job) Launch(blocking bool) error {
	start := time.Now()
	j.dc.metrics.RecordLaunch()
	if err := j.dc.sched.Launch(context.Background(), j.id, blocking); err != nil {
		j.dc.metrics.RecordFailure()
		return WrapError("Launch", err)
	}
	if blocking {
		j.dc.metrics.RecordFinish(uint64(time.Since(start).Nanoseconds()))
	}
	return nil
}

// ReturnValue reads the RET register value captured by the finish
// protocol. Legal only once the job has reached StateFinished.
func (j *Job) ReturnValue() (uint64, error) {
	job, err := j.dc.sched.Job(j.id)
	if err != nil {
		return 0, &Error{Op: "ReturnValue", DevID: j.dc.devID, Slot: -1, JobID: j.id, Code: JobIdNotFound, Msg: err.Error(), Inner: err}
	}
	if job.State != scheduler.StateFinished {
		return 0, &Error{Op: "ReturnValue", DevID: j.dc.devID, Slot: -1, JobID: j.id, Code: WrongState, Msg: "job has not finished"}
	}
	return job.ReturnValue, nil
}
