package uapi

// Linux ioctl request-number encoding (asm-generic/ioctl.h), reproduced by
// hand since the stdlib does not expose the _IOC macros. Grounded on the
// TaPaSCo kernel driver's own ioctl-number convention (tlkm/hsa's
// _IOR/_IOWR-built command ids).
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func iowr(typ, nr byte, size uint32) uint32 {
	return ioc(iocRead|iocWrite, uint32(typ), uint32(nr), size)
}

// TapascoIoctlGroup is the magic character identifying this driver's
// ioctl command group.
const TapascoIoctlGroup = 't'

// Ioctl command numbers for the character device, one per transport
// operation that isn't plain pread/pwrite.
var (
	IoctlAlloc     = iowr(TapascoIoctlGroup, 0, sizeofAllocRequest)
	IoctlDealloc   = iowr(TapascoIoctlGroup, 1, sizeofDeallocRequest)
	IoctlCreateCtx = iowr(TapascoIoctlGroup, 2, sizeofCreateContextRequest)
	IoctlEnumerate = iowr(TapascoIoctlGroup, 3, sizeofEnumerateRequest)
)
