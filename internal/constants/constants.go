// Package constants holds build-time and protocol constants shared across
// the runtime's internal packages.
package constants

import "time"

// Composition limits. These size the fixed-capacity arrays the runtime
// allocates at device-open time; a real FPGA image never exceeds them.
const (
	// MaxSlots is N, the maximum number of PE slots in the fixed-size
	// Composition table.
	MaxSlots = 128

	// JobPoolCapacity is Q, the number of job ids the job-id pool can
	// hand out concurrently.
	JobPoolCapacity = 250

	// MaxArgs is A, the maximum number of arguments a single job may carry.
	MaxArgs = 32

	// JobIDOffset is added to a job-table index to form the host-visible
	// job id, so that 0 stays reserved for "no job".
	JobIDOffset = 1
)

// PE control-register byte offsets, relative to a slot's base address.
// Bit-exact per the control-register layout this runtime consumes.
const (
	RegCTRL = 0x00 // write 1 to start
	RegGIER = 0x04 // write 1 to enable interrupts globally
	RegIER  = 0x08 // write 1 to enable ap_done
	RegIAR  = 0x0C // write 1 to ack (read returns pending)
	RegRET  = 0x10 // 64-bit return value

	// ArgRegisterBase and ArgRegisterStride locate argument i at
	// ArgRegisterBase + i*ArgRegisterStride.
	ArgRegisterBase   = 0x20
	ArgRegisterStride = 0x10
)

// Capability bits reported through DeviceInfo.Capabilities and
// DeviceContext.Capability. They are not decoded from the status
// descriptor.
const (
	CapabilityAtomicTransfers uint32 = 1 << 0
	CapabilityZeroCopy        uint32 = 1 << 1
)

// Fixed PCIe BAR windows the kernel driver maps for a device: the
// architecture (PE) address space starts at 0 and the platform
// (infrastructure) address space starts at the 16 GiB boundary. These are
// independent of any particular bitstream's composition.
const (
	ArchWindowBase     uint64 = 0x0000000000000000
	ArchWindowSize     uint64 = 0x0000000400000000
	PlatformWindowBase uint64 = 0x0000000400000000
	PlatformWindowSize uint64 = 0x0000000400000000

	// StatusRecordMaxSize bounds the length-prefixed status descriptor
	// record read from the platform window at device-open time.
	StatusRecordMaxSize = 64 * 1024

	// MaxDevices bounds the control device's enumerate loop.
	MaxDevices = 16
)

// Timing and sizing constants governing the char-device transport.
const (
	// DeviceNodeRetryInterval is the poll interval while waiting for the
	// kernel driver to create a device node after open.
	DeviceNodeRetryInterval = 20 * time.Millisecond

	// DeviceNodeRetryAttempts bounds the node-wait loop.
	DeviceNodeRetryAttempts = 100

	// CompletionChannelDepth sizes the buffered channel the completion
	// reader goroutine feeds and the collector drains from.
	CompletionChannelDepth = 256
)
