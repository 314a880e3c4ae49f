package transport

import (
	"context"
	"testing"
	"time"
)

func testRanges() (AddressRange, AddressRange) {
	return AddressRange{Low: 0, High: 1 << 30}, AddressRange{Low: 1 << 30, High: 1 << 31}
}

func TestFakeAllocIsMonotonic(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	a1, err := f.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a2, err := f.Alloc(2048)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a2 != a1+1024 {
		t.Errorf("expected second allocation to follow first: a1=%d a2=%d", a1, a2)
	}
}

func TestFakeMemReadWriteRoundTrip(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := f.WriteMem(0x1000, want); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	got := make([]byte, len(want))
	if err := f.ReadMem(0x1000, got); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestFakeUnwrittenMemReadsZero(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	buf := make([]byte, 4)
	if err := f.ReadMem(0xdeadbeef, buf); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("expected zeroed memory, got %v", buf)
		}
	}
}

func TestFakeCtlRegisterRoundTrip(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	if err := WriteCtl32(f, 0x20, 0xabcd); err != nil {
		t.Fatalf("WriteCtl32: %v", err)
	}
	v, err := ReadCtl32(f, 0x20)
	if err != nil {
		t.Fatalf("ReadCtl32: %v", err)
	}
	if v != 0xabcd {
		t.Errorf("got 0x%x, want 0xabcd", v)
	}
}

func TestFakeCtlScratchpadBufferRoundTrip(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if err := f.WriteCtl(0x40, want); err != nil {
		t.Fatalf("WriteCtl: %v", err)
	}
	got := make([]byte, len(want))
	if err := f.ReadCtl(0x40, got); err != nil {
		t.Fatalf("ReadCtl: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestFakeCtlRejectsAddressOutsideRanges(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	buf := make([]byte, 4)
	err := f.WriteCtl(plat.High, buf)
	if _, ok := err.(*InvalidAddress); !ok {
		t.Fatalf("expected *InvalidAddress for addr past platform range, got %v", err)
	}
	if err := f.ReadCtl(plat.High, buf); err == nil {
		t.Fatal("expected InvalidAddress on read, got nil")
	}
}

func TestFakeCtlRejectsMisalignedAddress(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	buf := make([]byte, 4)
	if err := f.WriteCtl(0x21, buf); err == nil {
		t.Fatal("expected InvalidAddress for unaligned addr, got nil")
	}
}

func TestFakeFailureInjection(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)
	f.FailOp = "write_ctl"

	err := WriteCtl32(f, 0x20, 1)
	if err == nil {
		t.Fatal("expected injected failure, got nil")
	}
	if _, ok := err.(*TransportFailure); !ok {
		t.Errorf("expected *TransportFailure, got %T", err)
	}

	// Failure only fires once.
	if err := WriteCtl32(f, 0x20, 1); err != nil {
		t.Errorf("expected second call to succeed, got %v", err)
	}
}

func TestFakeCompletionEvents(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	ch, err := f.CompletionEvents(context.Background())
	if err != nil {
		t.Fatalf("CompletionEvents: %v", err)
	}

	f.PostCompletion(7)

	select {
	case slot := <-ch:
		if slot != 7 {
			t.Errorf("got slot %d, want 7", slot)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestFakeArchAndPlatformRanges(t *testing.T) {
	arch, plat := testRanges()
	f := NewFake(arch, plat)

	if f.ArchRange() != arch {
		t.Errorf("ArchRange mismatch: got %+v, want %+v", f.ArchRange(), arch)
	}
	if f.PlatformRange() != plat {
		t.Errorf("PlatformRange mismatch: got %+v, want %+v", f.PlatformRange(), plat)
	}
	if !arch.Contains(arch.Low) || arch.Contains(arch.High) {
		t.Error("AddressRange.Contains should be half-open")
	}
}
