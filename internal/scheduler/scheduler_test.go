package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/addrmap"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/localmem"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/pepool"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/status"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/transport"
)

const (
	kernelEcho uint32 = 11
	kernelDual uint32 = 12
)

// testRig wires a Scheduler against a Fake transport with numPEsEcho PE
// slots for kernelEcho (slots 0..numPEsEcho-1, so pool-contention tests
// can have two PEs), plus one kernelDual slot with local memory at index
// numPEsEcho for PeLocal transfer tests.
func testRig(t *testing.T, numPEsEcho int) (*Scheduler, *transport.Fake, *pepool.Pool) {
	t.Helper()
	// Arch range must be large enough to cover both the slots' control
	// registers and the PE-local scratchpad arena below, since both are
	// addressed through write_ctl/read_ctl against the same window.
	arch := transport.AddressRange{Low: 0, High: 1 << 24}
	plat := transport.AddressRange{Low: 1 << 24, High: 1 << 25}
	fake := transport.NewFake(arch, plat)

	var slots []status.PE
	var peExtents []pepool.Extent
	var memExtents []localmem.Extent
	for i := 0; i < numPEsEcho; i++ {
		offset := uint64(0x1000 * (i + 1))
		slots = append(slots, status.PE{Offset: offset, KernelID: kernelEcho})
		peExtents = append(peExtents, pepool.Extent{Slot: i, KernelID: kernelEcho})
	}
	// One additional slot with local memory for PeLocal transfer tests.
	lmSlotIndex := len(slots)
	slots = append(slots, status.PE{Offset: 0x5000, KernelID: kernelDual})
	peExtents = append(peExtents, pepool.Extent{Slot: lmSlotIndex, KernelID: kernelDual})
	memExtents = append(memExtents, localmem.Extent{Slot: lmSlotIndex, Base: 0x900000, Size: 4096})

	m := addrmap.New(&status.Composition{Slots: slots})
	mem := localmem.New(memExtents)
	pool, err := pepool.New(peExtents, m, fake)
	if err != nil {
		t.Fatalf("pepool.New: %v", err)
	}

	s := New(fake, m, mem, pool, len(slots))
	return s, fake, pool
}

// postCompletionAsync simulates a PE that completes after delay by posting
// the slot's event from a goroutine. It does not watch the fake's
// register writes; the delay gives Launch time to write CTRL first.
func postCompletionAsync(fake *transport.Fake, slot uint32, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		fake.PostCompletion(slot)
	}()
}

// deallocCounter wraps a Fake and counts Dealloc calls.
type deallocCounter struct {
	*transport.Fake
	deallocs int
}

func (d *deallocCounter) Dealloc(addr, length uint64) error {
	d.deallocs++
	return d.Fake.Dealloc(addr, length)
}

func TestAcquireJobIDUniqueness(t *testing.T) {
	s, _, _ := testRig(t, 2)
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		id, err := s.AcquireJobID(kernelEcho)
		if err != nil {
			t.Fatalf("AcquireJobID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate job id %d", id)
		}
		seen[id] = true
	}
}

func TestAcquireJobIDExhaustion(t *testing.T) {
	s, _, _ := testRig(t, 1)
	for i := 0; i < cap(make([]int, 250)); i++ {
		if _, err := s.AcquireJobID(kernelEcho); err != nil {
			t.Fatalf("unexpected exhaustion at %d: %v", i, err)
		}
	}
	if _, err := s.AcquireJobID(kernelEcho); err != ErrNoJobID {
		t.Errorf("expected ErrNoJobID, got %v", err)
	}
}

func TestReleaseJobIDReturnsToPool(t *testing.T) {
	s, _, _ := testRig(t, 1)
	id, err := s.AcquireJobID(kernelEcho)
	if err != nil {
		t.Fatalf("AcquireJobID: %v", err)
	}
	if err := s.ReleaseJobID(id); err != nil {
		t.Fatalf("ReleaseJobID: %v", err)
	}
	id2, err := s.AcquireJobID(kernelEcho)
	if err != nil {
		t.Fatalf("AcquireJobID after release: %v", err)
	}
	if id2 != id {
		t.Errorf("expected reused id %d, got %d", id, id2)
	}
}

func TestSetArgRoundTripBeforeLaunch(t *testing.T) {
	s, _, _ := testRig(t, 1)
	id, _ := s.AcquireJobID(kernelEcho)
	job, err := s.Job(id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if err := job.SetArg(0, 0xdeadbeef, 4); err != nil {
		t.Fatalf("SetArg: %v", err)
	}
	if job.args[0] != 0xdeadbeef {
		t.Errorf("got 0x%x, want 0xdeadbeef", job.args[0])
	}
	if job.ArgsLen() != 1 {
		t.Errorf("ArgsLen: got %d, want 1", job.ArgsLen())
	}
}

func TestSetArgInvalidSize(t *testing.T) {
	s, _, _ := testRig(t, 1)
	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)
	if err := job.SetArg(0, 1, 5); err == nil {
		t.Fatal("expected error for invalid arg size")
	} else if _, ok := err.(*ErrInvalidArgSize); !ok {
		t.Errorf("expected *ErrInvalidArgSize, got %T", err)
	}
}

func TestSetArgInvalidIndex(t *testing.T) {
	s, _, _ := testRig(t, 1)
	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)
	if err := job.SetArg(999, 1, 4); err == nil {
		t.Fatal("expected error for invalid arg index")
	} else if _, ok := err.(*ErrInvalidArgIndex); !ok {
		t.Errorf("expected *ErrInvalidArgIndex, got %T", err)
	}
}

func TestSetArgWrongStateFails(t *testing.T) {
	s, _, _ := testRig(t, 1)
	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)
	job.State = StateRunning
	if err := job.SetArg(0, 1, 4); err == nil {
		t.Fatal("expected error setting arg outside Requested")
	}
}

// S4-style: counter scalar, no DMA.
func TestLaunchBlockingScalarArg(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)
	if err := job.SetArg(0, 10000, 4); err != nil {
		t.Fatalf("SetArg: %v", err)
	}

	postCompletionAsync(fake, 0, 10*time.Millisecond)

	if err := s.Launch(context.Background(), id, true); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	j, _ := s.Job(id)
	if j.State != StateFinished {
		t.Errorf("expected Finished, got %s", j.State)
	}
}

// S1/S2-style: Global transfer, write then read.
func TestLaunchWithGlobalTransferToDirection(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)

	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := job.SetArgTransfer(0, buf, uint64(len(buf)), PlacementGlobal, DirectionTo); err != nil {
		t.Fatalf("SetArgTransfer: %v", err)
	}

	postCompletionAsync(fake, 0, 10*time.Millisecond)
	if err := s.Launch(context.Background(), id, true); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// The preloaded buffer should be present in the fake's memory at the
	// allocated device address.
	devAddr := job.transfers[0].DeviceAddr
	got := make([]byte, len(buf))
	if err := fake.ReadMem(devAddr, got); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	for i := range buf {
		if got[i] != buf[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], buf[i])
		}
	}
}

// P6-style: Both-direction transfer round trip through a no-op PE.
func TestLaunchBothDirectionTransferRoundTrip(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)

	original := []byte{9, 8, 7, 6}
	buf := make([]byte, len(original))
	copy(buf, original)
	if err := job.SetArgTransfer(0, buf, uint64(len(buf)), PlacementGlobal, DirectionBoth); err != nil {
		t.Fatalf("SetArgTransfer: %v", err)
	}

	postCompletionAsync(fake, 0, 10*time.Millisecond)
	if err := s.Launch(context.Background(), id, true); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	for i := range original {
		if buf[i] != original[i] {
			t.Errorf("byte %d: got %d, want %d (no-op PE should not mutate)", i, buf[i], original[i])
		}
	}
}

func TestLaunchPeLocalTransfer(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	id, err := s.AcquireJobID(kernelDual)
	if err != nil {
		t.Fatalf("AcquireJobID: %v", err)
	}
	job, _ := s.Job(id)

	buf := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	if err := job.SetArgTransfer(0, buf, uint64(len(buf)), PlacementPeLocal, DirectionTo); err != nil {
		t.Fatalf("SetArgTransfer: %v", err)
	}

	// kernelDual's PE lives at the slot index registered for lmSlotIndex
	// (the last slot created by testRig); its completion is slot == that
	// index too since slots and PEs share indices in the test rig.
	postCompletionAsync(fake, 1, 10*time.Millisecond)

	if err := s.Launch(context.Background(), id, true); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if job.transfers[0].DeviceAddr < 0x900000 || job.transfers[0].DeviceAddr >= 0x900000+4096 {
		t.Errorf("expected PeLocal handle inside local-memory arena, got 0x%x", job.transfers[0].DeviceAddr)
	}
}

// S7: launch failure releases the PE and returns the job to Requested.
func TestLaunchFailureReleasesPE(t *testing.T) {
	s, fake, pool := testRig(t, 1)
	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)
	if err := job.SetArg(0, 1, 4); err != nil {
		t.Fatalf("SetArg: %v", err)
	}

	fake.FailOp = "write_ctl"
	err := s.Launch(context.Background(), id, false)
	if err == nil {
		t.Fatal("expected launch failure")
	}

	j, _ := s.Job(id)
	if j.State != StateRequested {
		t.Errorf("expected job back in Requested, got %s", j.State)
	}
	busy, err2 := pool.IsBusy(0)
	if err2 != nil {
		t.Fatalf("IsBusy: %v", err2)
	}
	if busy {
		t.Error("expected PE to be released back to Idle")
	}
}

// S7 variant: a preloaded Global buffer allocated before the failing
// step must be deallocated.
func TestLaunchFailureDeallocatesPreloadedGlobalBuffer(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	counter := &deallocCounter{Fake: fake}
	s.transport = counter
	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)

	buf := []byte{1, 2, 3, 4}
	if err := job.SetArgTransfer(0, buf, uint64(len(buf)), PlacementGlobal, DirectionTo); err != nil {
		t.Fatalf("SetArgTransfer: %v", err)
	}

	// Fail the write_ctl for the arg register, which happens after the
	// Global buffer has already been allocated and preloaded.
	fake.FailOp = "write_ctl"
	if err := s.Launch(context.Background(), id, false); err == nil {
		t.Fatal("expected launch failure")
	}
	if !job.transfers[0].Preloaded {
		t.Fatal("expected transfer to have reached preloaded before failing")
	}
	if counter.deallocs != 1 {
		t.Errorf("expected the preloaded buffer to be deallocated once, got %d deallocs", counter.deallocs)
	}
}

// S8: mixed scalar/transfer args on one job.
func TestMixedScalarAndTransferArgs(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	id, _ := s.AcquireJobID(kernelEcho)
	job, _ := s.Job(id)

	if err := job.SetArg(0, 42, 4); err != nil {
		t.Fatalf("SetArg(0): %v", err)
	}
	buf := []byte{1, 1, 1, 1}
	if err := job.SetArgTransfer(1, buf, uint64(len(buf)), PlacementGlobal, DirectionTo); err != nil {
		t.Fatalf("SetArgTransfer(1): %v", err)
	}

	if job.ArgsLen() != 2 {
		t.Fatalf("expected ArgsLen 2, got %d", job.ArgsLen())
	}
	if job.Transfer(0) != nil {
		t.Error("expected arg 0 to remain a plain scalar")
	}
	if job.Transfer(1) == nil {
		t.Error("expected arg 1 to carry a transfer")
	}

	postCompletionAsync(fake, 0, 10*time.Millisecond)
	if err := s.Launch(context.Background(), id, true); err != nil {
		t.Fatalf("Launch: %v", err)
	}
}

// S5: concurrent pool contention through the scheduler's own PE pool.
func TestConcurrentPoolContention(t *testing.T) {
	_, _, pool := testRig(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				slot, err := pool.Acquire(context.Background(), kernelEcho)
				if err != nil {
					t.Error(err)
					return
				}
				if err := pool.Release(slot); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for slot := 0; slot < 2; slot++ {
		busy, err := pool.IsBusy(slot)
		if err != nil {
			t.Fatalf("IsBusy: %v", err)
		}
		if busy {
			t.Errorf("slot %d should be Idle after contention test", slot)
		}
	}
}

// S6: collector demux delivers each event to its own slot regardless of
// arrival order.
func TestCollectorDemuxOutOfOrder(t *testing.T) {
	s, fake, _ := testRig(t, 3)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	// Emit completions in reverse order: 2, 1, 0.
	fake.PostCompletion(2)
	fake.PostCompletion(1)
	fake.PostCompletion(0)

	for _, slot := range []int{0, 1, 2} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.WaitForSlot(ctx, slot); err != nil {
			t.Errorf("WaitForSlot(%d): %v", slot, err)
		}
		cancel()
	}
}

func TestCollectorIgnoresInvalidSlot(t *testing.T) {
	s, fake, _ := testRig(t, 1)
	if err := s.StartCollector(context.Background()); err != nil {
		t.Fatalf("StartCollector: %v", err)
	}
	defer s.StopCollector()

	fake.PostCompletion(999) // out of range; should be logged and skipped
	fake.PostCompletion(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForSlot(ctx, 0); err != nil {
		t.Errorf("WaitForSlot(0): %v", err)
	}
}

func TestReleaseJobIDUnknown(t *testing.T) {
	s, _, _ := testRig(t, 1)
	if err := s.ReleaseJobID(99999); err == nil {
		t.Fatal("expected error releasing unknown job id")
	}
}
