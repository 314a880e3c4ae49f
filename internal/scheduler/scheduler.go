package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/localmem"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/logging"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/pepool"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

// ErrNoJobID is returned when the job-id pool is exhausted.
var ErrNoJobID = fmt.Errorf("scheduler: no job id available")

// ErrJobIDNotFound is returned when a caller references an id that is not
// currently checked out.
type ErrJobIDNotFound struct{ ID int }

func (e *ErrJobIDNotFound) Error() string {
	return fmt.Sprintf("scheduler: job id %d not found", e.ID)
}

// PlatformFailure wraps a transport-layer error the scheduler could not
// recover from at the current step.
type PlatformFailure struct {
	Op  string
	Err error
}

func (e *PlatformFailure) Error() string {
	return fmt.Sprintf("scheduler: platform failure during %s: %v", e.Op, e.Err)
}

func (e *PlatformFailure) Unwrap() error { return e.Err }

// CompletionObserver is invoked by the collector for every slot id it
// receives, before the completion is posted. It supports latency
// counters without coupling the collector to any particular metrics
// implementation.
type CompletionObserver func(slot uint32)

// Scheduler owns the job table, the per-slot completion channels, and
// the collector goroutine demultiplexing the transport's completion
// stream onto them.
type Scheduler struct {
	jobs   []Job
	jobMu  []sync.Mutex
	ids    *idPool
	slots  []chan struct{}
	slotN  int

	transport transport.Transport
	addrmap   *addrmap.Map
	mem       *localmem.Allocator
	pool      *pepool.Pool
	logger    *logging.Logger

	observer CompletionObserver

	collectorCancel context.CancelFunc
	collectorDone   chan struct{}
}

// New builds a Scheduler with a job table of constants.JobPoolCapacity
// and a completion channel per slot in [0, slotCount).
func New(t transport.Transport, m *addrmap.Map, mem *localmem.Allocator, pool *pepool.Pool, slotCount int) *Scheduler {
	s := &Scheduler{
		jobs:      make([]Job, constants.JobPoolCapacity),
		jobMu:     make([]sync.Mutex, constants.JobPoolCapacity),
		ids:       newIDPool(constants.JobPoolCapacity),
		slots:     make([]chan struct{}, slotCount),
		slotN:     slotCount,
		transport: t,
		addrmap:   m,
		mem:       mem,
		pool:      pool,
		logger:    logging.Default().WithFields("component", "scheduler"),
	}
	for i := range s.slots {
		s.slots[i] = make(chan struct{}, 1)
	}
	for i := range s.jobs {
		s.jobs[i].ID = i + constants.JobIDOffset
		s.jobs[i].State = StateReady
	}
	return s
}

// SetCompletionObserver installs a callback the collector invokes for
// every slot id it receives, before posting. Must be called before
// StartCollector.
func (s *Scheduler) SetCompletionObserver(obs CompletionObserver) {
	s.observer = obs
}

// AcquireJobID pops a free index, marks its job Requested, and returns
// the host-visible id (index + OFFSET).
func (s *Scheduler) AcquireJobID(kernelID uint32) (int, error) {
	idx, ok := s.ids.pop()
	if !ok {
		return 0, ErrNoJobID
	}
	s.jobMu[idx].Lock()
	defer s.jobMu[idx].Unlock()
	s.jobs[idx].KernelID = kernelID
	s.jobs[idx].State = StateRequested
	return s.jobs[idx].ID, nil
}

// ReleaseJobID zeroes the job record, sets it Ready, and returns the
// index to the pool. The job must be Ready's predecessor state (Finished)
// or never-launched (Requested with no PE acquired); callers are
// expected to have already run Finish for a launched job.
func (s *Scheduler) ReleaseJobID(jobID int) error {
	idx := jobID - constants.JobIDOffset
	if idx < 0 || idx >= len(s.jobs) {
		return &ErrJobIDNotFound{ID: jobID}
	}
	s.jobMu[idx].Lock()
	s.jobs[idx].reset()
	s.jobMu[idx].Unlock()
	s.ids.push(idx)
	return nil
}

// Job returns a pointer to the job record for jobID, for argument
// staging. The pointer is valid until ReleaseJobID is called.
func (s *Scheduler) Job(jobID int) (*Job, error) {
	idx := jobID - constants.JobIDOffset
	if idx < 0 || idx >= len(s.jobs) {
		return nil, &ErrJobIDNotFound{ID: jobID}
	}
	return &s.jobs[idx], nil
}

func argWidth(j *Job, i int) int {
	if j.is64Bit&(1<<uint(i)) != 0 {
		return 64
	}
	return 32
}

// readCtlScalar/writeCtlScalar pick the 32- or 64-bit buffer-Ctl
// convenience wrapper for a plain scalar argument or control register.
func readCtlScalar(t transport.Transport, addr uint64, width int) (uint64, error) {
	if width == 64 {
		return transport.ReadCtl64(t, addr)
	}
	v, err := transport.ReadCtl32(t, addr)
	return uint64(v), err
}

func writeCtlScalar(t transport.Transport, addr uint64, width int, value uint64) error {
	if width == 64 {
		return transport.WriteCtl64(t, addr, value)
	}
	return transport.WriteCtl32(t, addr, uint32(value))
}

// Launch runs the five-step launch protocol on jobID. If blocking is
// true, Launch also waits for completion and runs Finish before
// returning.
func (s *Scheduler) Launch(ctx context.Context, jobID int, blocking bool) error {
	idx := jobID - constants.JobIDOffset
	if idx < 0 || idx >= len(s.jobs) {
		return &ErrJobIDNotFound{ID: jobID}
	}
	job := &s.jobs[idx]
	s.jobMu[idx].Lock()
	defer s.jobMu[idx].Unlock()

	if job.State != StateRequested {
		return &ErrWrongState{Op: "Launch", State: job.State}
	}

	// Step 1: preload Global transfers.
	var preloaded []int
	abort := func(err error) error {
		for _, i := range preloaded {
			t := job.transfers[i]
			_ = s.transport.Dealloc(t.DeviceAddr, t.Len)
		}
		job.State = StateRequested
		return err
	}

	for i := 0; i < job.argsLen; i++ {
		t := job.transfers[i]
		if t == nil || t.Placement != PlacementGlobal {
			continue
		}
		addr, err := s.transport.Alloc(t.Len)
		if err != nil {
			return abort(&PlatformFailure{Op: "alloc", Err: err})
		}
		t.DeviceAddr = addr
		if t.Direction.Includes(DirectionTo) {
			if err := s.transport.WriteMem(addr, t.HostPtr); err != nil {
				return abort(&PlatformFailure{Op: "write_mem", Err: err})
			}
		}
		t.Preloaded = true
		preloaded = append(preloaded, i)
	}

	// Step 2: acquire a PE.
	slot, err := s.pool.Acquire(ctx, job.KernelID)
	if err != nil {
		return abort(err)
	}
	job.Slot = slot
	job.State = StateScheduled

	var localAllocs []int
	abortAfterAcquire := func(err error) error {
		for _, i := range localAllocs {
			t := job.transfers[i]
			_ = s.mem.Dealloc(slot, t.DeviceAddr, t.Len)
		}
		_ = s.pool.Release(slot)
		return abort(err)
	}

	// Step 3 & 4: stage transfers and scalar args into registers.
	for i := 0; i < job.argsLen; i++ {
		t := job.transfers[i]
		regAddr, err := s.addrmap.ArgRegister(slot, i)
		if err != nil {
			return abortAfterAcquire(&PlatformFailure{Op: "arg_register", Err: err})
		}

		if t == nil {
			if err := writeCtlScalar(s.transport, regAddr, argWidth(job, i), job.args[i]); err != nil {
				return abortAfterAcquire(&PlatformFailure{Op: "write_ctl", Err: err})
			}
			continue
		}

		if t.Placement == PlacementPeLocal {
			addr, err := s.mem.Alloc(slot, t.Len)
			if err != nil {
				return abortAfterAcquire(&PlatformFailure{Op: "localmem_alloc", Err: err})
			}
			t.DeviceAddr = addr
			localAllocs = append(localAllocs, i)
			if t.Direction.Includes(DirectionTo) {
				if err := s.transport.WriteCtl(addr, t.HostPtr); err != nil {
					return abortAfterAcquire(&PlatformFailure{Op: "write_ctl", Err: err})
				}
			}
		}

		if err := transport.WriteCtl64(s.transport, regAddr, t.DeviceAddr); err != nil {
			return abortAfterAcquire(&PlatformFailure{Op: "write_ctl", Err: err})
		}
	}

	// Step 5: start the PE.
	job.State = StateRunning
	ctrlAddr, err := s.addrmap.NamedRegister(slot, addrmap.RegCTRL)
	if err != nil {
		return abortAfterAcquire(&PlatformFailure{Op: "ctrl_register", Err: err})
	}
	if err := transport.WriteCtl32(s.transport, ctrlAddr, 1); err != nil {
		return abortAfterAcquire(&PlatformFailure{Op: "write_ctl", Err: err})
	}

	if !blocking {
		return nil
	}

	s.jobMu[idx].Unlock()
	waitErr := s.WaitForSlot(ctx, slot)
	s.jobMu[idx].Lock()
	if waitErr != nil {
		return waitErr
	}
	return s.finishLocked(job)
}

// WaitForSlot blocks until the collector posts a completion for slot, or
// ctx is cancelled.
func (s *Scheduler) WaitForSlot(ctx context.Context, slot int) error {
	if slot < 0 || slot >= s.slotN {
		return fmt.Errorf("scheduler: invalid slot %d", slot)
	}
	select {
	case <-s.slots[slot]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish runs the four-step finish protocol for jobID. The caller must
// have already observed the job's slot completion (via WaitForSlot or a
// blocking Launch).
func (s *Scheduler) Finish(jobID int) error {
	idx := jobID - constants.JobIDOffset
	if idx < 0 || idx >= len(s.jobs) {
		return &ErrJobIDNotFound{ID: jobID}
	}
	job := &s.jobs[idx]
	s.jobMu[idx].Lock()
	defer s.jobMu[idx].Unlock()
	return s.finishLocked(job)
}

func (s *Scheduler) finishLocked(job *Job) error {
	if job.State != StateRunning {
		return &ErrWrongState{Op: "Finish", State: job.State}
	}
	slot := job.Slot

	// Step 1: ack the interrupt. Fatal to the job, but the slot is still
	// released below.
	iarAddr, err := s.addrmap.NamedRegister(slot, addrmap.RegIAR)
	var ackErr error
	if err != nil {
		ackErr = err
	} else if err := transport.WriteCtl32(s.transport, iarAddr, 1); err != nil {
		ackErr = err
	}

	// Step 2: read RET.
	retAddr, err := s.addrmap.NamedRegister(slot, addrmap.RegRET)
	if err == nil {
		if v, err := transport.ReadCtl64(s.transport, retAddr); err == nil {
			job.ReturnValue = v
		}
	}

	// Step 3: read back args, run reverse transfers, free handles.
	for i := 0; i < job.argsLen; i++ {
		t := job.transfers[i]
		regAddr, err := s.addrmap.ArgRegister(slot, i)
		if err != nil {
			continue
		}
		width := argWidth(job, i)
		if t != nil {
			width = 64
		}
		value, err := readCtlScalar(s.transport, regAddr, width)
		if err != nil {
			continue
		}
		if t == nil {
			job.args[i] = value
			continue
		}
		t.DeviceAddr = value
		if t.Direction.Includes(DirectionFrom) {
			if t.Placement == PlacementPeLocal {
				_ = s.transport.ReadCtl(value, t.HostPtr)
			} else {
				_ = s.transport.ReadMem(value, t.HostPtr)
			}
		}
		if t.Placement == PlacementGlobal {
			_ = s.transport.Dealloc(value, t.Len)
		} else {
			_ = s.mem.Dealloc(slot, value, t.Len)
		}
	}

	// Step 4: release the PE.
	releaseErr := s.pool.Release(slot)
	job.State = StateFinished

	if ackErr != nil {
		return &PlatformFailure{Op: "write_ctl(IAR)", Err: ackErr}
	}
	return releaseErr
}

// StartCollector starts the single collector goroutine reading the
// transport's completion-event stream and posting per-slot channels. It
// is idempotent; a second call is a no-op until the first is stopped.
func (s *Scheduler) StartCollector(ctx context.Context) error {
	if s.collectorCancel != nil {
		return nil
	}
	events, err := s.transport.CompletionEvents(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.collectorCancel = cancel
	s.collectorDone = make(chan struct{})

	go s.collect(ctx, events)
	return nil
}

func (s *Scheduler) collect(ctx context.Context, events <-chan uint32) {
	defer close(s.collectorDone)
	for {
		select {
		case <-ctx.Done():
			return
		case slot, ok := <-events:
			if !ok {
				return
			}
			if int(slot) < 0 || int(slot) >= s.slotN {
				s.logger.Warn("collector received invalid slot id", "slot", slot)
				continue
			}
			if s.observer != nil {
				s.observer(slot)
			}
			select {
			case s.slots[slot] <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// StopCollector cancels the collector goroutine and waits for it to
// exit.
func (s *Scheduler) StopCollector() {
	if s.collectorCancel == nil {
		return
	}
	s.collectorCancel()
	<-s.collectorDone
	s.collectorCancel = nil
}
