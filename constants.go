package tapasco

import (
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/uapi"
)

// Re-export composition and protocol limits for public API consumers.
const (
	MaxSlots        = constants.MaxSlots
	JobPoolCapacity = constants.JobPoolCapacity
	MaxArgs         = constants.MaxArgs
	JobIDOffset     = constants.JobIDOffset

	CapabilityAtomicTransfers = constants.CapabilityAtomicTransfers
	CapabilityZeroCopy        = constants.CapabilityZeroCopy
)

// AccessMode selects how a device is opened via OpenDevice.
type AccessMode = uapi.AccessMode

const (
	AccessExclusive = uapi.AccessExclusive
	AccessShared    = uapi.AccessShared
	AccessMonitor   = uapi.AccessMonitor
)
