package uapi

// Field numbers for the status descriptor's wire record. The descriptor is
// a length-prefixed, protobuf-wire-encoded message; these constants mirror
// the layout the status core's generator tool emits so internal/status can
// decode it with protowire directly, without generated message code.
const (
	StatusFieldMagic     = 1
	StatusFieldClocks    = 2
	StatusFieldVersions  = 3
	StatusFieldPEs       = 4
	StatusFieldPlatforms = 5
	StatusFieldTimestamp = 6
)

// StatusMagic is the sentinel value the top-level record's magic field
// must carry for the descriptor to be considered valid.
const StatusMagic uint64 = 0xE5A7A9C0

const (
	ClockFieldName          = 1
	ClockFieldFrequencyMHz  = 2
)

const (
	VersionFieldSoftware = 1
	VersionFieldYear     = 2
	VersionFieldRelease  = 3
)

const (
	PEFieldOffset      = 1
	PEFieldKernelID    = 2
	PEFieldLocalMemory = 3
	PEFieldVlnv        = 4
)

const (
	LocalMemoryFieldBase = 1
	LocalMemoryFieldSize = 2
)

const (
	PlatformFieldName   = 1
	PlatformFieldOffset = 2
	PlatformFieldSize   = 3
)
