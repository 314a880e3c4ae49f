package uapi

import "encoding/binary"

// MarshalError reports a fixed-layout encode/decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"

// MarshalAlloc encodes an AllocRequest into its wire layout.
func MarshalAlloc(r *AllocRequest) []byte {
	buf := make([]byte, sizeofAllocRequest)
	binary.LittleEndian.PutUint64(buf[0:8], r.Length)
	binary.LittleEndian.PutUint32(buf[8:12], r.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], r.Addr)
	return buf
}

// UnmarshalAlloc decodes an AllocRequest (used to read back the kernel's
// Addr field after the ioctl completes).
func UnmarshalAlloc(data []byte, r *AllocRequest) error {
	if len(data) < sizeofAllocRequest {
		return ErrInsufficientData
	}
	r.Length = binary.LittleEndian.Uint64(data[0:8])
	r.Flags = binary.LittleEndian.Uint32(data[8:12])
	r.Addr = binary.LittleEndian.Uint64(data[16:24])
	return nil
}

// MarshalDealloc encodes a DeallocRequest into its wire layout.
func MarshalDealloc(r *DeallocRequest) []byte {
	buf := make([]byte, sizeofDeallocRequest)
	binary.LittleEndian.PutUint64(buf[0:8], r.Addr)
	binary.LittleEndian.PutUint64(buf[8:16], r.Length)
	binary.LittleEndian.PutUint32(buf[16:20], r.Flags)
	return buf
}

// MarshalCopyCmd encodes a CopyCmd into its wire layout.
func MarshalCopyCmd(c *CopyCmd) []byte {
	buf := make([]byte, sizeofCopyCmd)
	binary.LittleEndian.PutUint64(buf[0:8], c.DevAddr)
	binary.LittleEndian.PutUint32(buf[8:12], c.Length)
	binary.LittleEndian.PutUint64(buf[16:24], c.Buffer)
	return buf
}

// UnmarshalDeviceEnumEntry decodes one entry from the control device's
// enumerate response.
func UnmarshalDeviceEnumEntry(data []byte) (*DeviceEnumEntry, error) {
	if len(data) < sizeofDeviceEnumEntry {
		return nil, ErrInsufficientData
	}
	e := &DeviceEnumEntry{
		VendorID:  binary.LittleEndian.Uint32(data[0:4]),
		ProductID: binary.LittleEndian.Uint32(data[4:8]),
	}
	copy(e.Name[:], data[8:8+len(e.Name)])
	return e, nil
}

// MarshalEnumerateRequest encodes an EnumerateRequest's Index field; the
// remaining fields are the kernel's to fill in, so only Index is written.
func MarshalEnumerateRequest(r *EnumerateRequest) []byte {
	buf := make([]byte, sizeofEnumerateRequest)
	binary.LittleEndian.PutUint32(buf[0:4], r.Index)
	return buf
}

// UnmarshalEnumerateRequest decodes a full EnumerateRequest response buffer.
func UnmarshalEnumerateRequest(data []byte, r *EnumerateRequest) error {
	if len(data) < sizeofEnumerateRequest {
		return ErrInsufficientData
	}
	r.Index = binary.LittleEndian.Uint32(data[0:4])
	r.VendorID = binary.LittleEndian.Uint32(data[4:8])
	r.ProductID = binary.LittleEndian.Uint32(data[8:12])
	copy(r.Name[:], data[12:12+len(r.Name)])
	return nil
}

// MarshalCreateContextRequest encodes a CreateContextRequest into its wire
// layout.
func MarshalCreateContextRequest(r *CreateContextRequest) []byte {
	buf := make([]byte, sizeofCreateContextRequest)
	binary.LittleEndian.PutUint32(buf[0:4], r.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Mode)
	return buf
}

// EncodeRegister32 encodes a 32-bit register value for a write_ctl call.
func EncodeRegister32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// EncodeRegister64 encodes a 64-bit register value for a write_ctl call.
func EncodeRegister64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// DecodeRegister32 decodes a 32-bit register value read back by read_ctl.
func DecodeRegister32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, ErrInsufficientData
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// DecodeRegister64 decodes a 64-bit register value read back by read_ctl.
func DecodeRegister64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, ErrInsufficientData
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// DecodeCompletionSlot decodes one little-endian u32 slot id from a
// completion-event read, per the kernel driver's blocking-read contract.
func DecodeCompletionSlot(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, ErrInsufficientData
	}
	return binary.LittleEndian.Uint32(buf), nil
}
