package status

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/logging"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/uapi"
)

// Decode parses the length-prefixed wire record read from the platform
// window and translates it into a Composition, applying arch/platform
// base addresses per the documented translation rules. archBase and
// platformBase are the low ends of the transport's ArchRange/PlatformRange.
func Decode(record []byte, archBase, platformBase uint64) (*Composition, error) {
	length, n := protowire.ConsumeVarint(record)
	if n < 0 {
		return nil, &StatusCoreNotFound{Reason: "malformed length prefix"}
	}
	rest := record[n:]
	if uint64(len(rest)) < length {
		return nil, &StatusCoreNotFound{Reason: "truncated record"}
	}
	msg := rest[:length]

	c := &Composition{
		Clocks:    make(map[string]Clock),
		Versions:  make(map[string]Version),
		Platforms: make(map[string]Platform),
	}

	var sawMagic bool
	var lmBase uint64 // cumulative sum of preceding slots' local-memory sizes

	b := msg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &StatusCoreNotFound{Reason: "malformed tag"}
		}
		b = b[n:]

		switch num {
		case uapi.StatusFieldMagic:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			if v != uapi.StatusMagic {
				return nil, &StatusCoreNotFound{Reason: "magic mismatch"}
			}
			sawMagic = true

		case uapi.StatusFieldTimestamp:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			c.Timestamp = v

		case uapi.StatusFieldClocks:
			field, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			clock, err := decodeClock(field)
			if err != nil {
				return nil, err
			}
			if !knownName(clock.Name, ClockNames[:]) {
				// unknown clock name: logged and ignored
				logging.Warn("status: ignoring unknown clock name", "name", clock.Name)
				continue
			}
			c.Clocks[clock.Name] = clock

		case uapi.StatusFieldVersions:
			field, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			version, err := decodeVersion(field)
			if err != nil {
				return nil, err
			}
			if !knownName(version.Software, VersionNames[:]) {
				continue
			}
			c.Versions[version.Software] = version

		case uapi.StatusFieldPEs:
			field, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			pe, err := decodePE(field)
			if err != nil {
				return nil, err
			}
			pe.Offset += archBase
			// The wire-reported local_memory.base is ignored for arena
			// addressing: the scratchpad's own address space is the
			// running sum of preceding slots' local-memory sizes, not a
			// bus address in the PE control window.
			if pe.LocalMemory.Size > 0 {
				pe.LocalMemory.Base = lmBase
				lmBase += pe.LocalMemory.Size
			} else {
				lmBase = 0
			}

			c.Slots = append(c.Slots, PE{
				Offset:   pe.Offset,
				KernelID: pe.KernelID,
				Vlnv:     pe.Vlnv,
			})
			if pe.LocalMemory.Size > 0 {
				c.Slots = append(c.Slots, PE{
					Offset:      pe.Offset,
					KernelID:    0,
					LocalMemory: pe.LocalMemory,
				})
			}

		case uapi.StatusFieldPlatforms:
			field, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			plat, err := decodePlatform(field)
			if err != nil {
				return nil, err
			}
			plat.Offset += platformBase
			c.Platforms[plat.Name] = plat

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, &StatusCoreNotFound{Reason: "malformed field"}
			}
			b = b[n:]
		}
	}

	if !sawMagic {
		return nil, &StatusCoreNotFound{Reason: "magic value absent"}
	}

	return c, nil
}

func knownName(name string, known []string) bool {
	for _, k := range known {
		if k == name {
			return true
		}
	}
	return false
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, &StatusCoreNotFound{Reason: "expected varint field"}
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, &StatusCoreNotFound{Reason: "malformed varint"}
	}
	return v, n, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, &StatusCoreNotFound{Reason: "expected length-delimited field"}
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, &StatusCoreNotFound{Reason: "malformed length-delimited field"}
	}
	return v, n, nil
}

func decodeClock(b []byte) (Clock, error) {
	var c Clock
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, &StatusCoreNotFound{Reason: "malformed clock"}
		}
		b = b[n:]
		switch num {
		case uapi.ClockFieldName:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return c, err
			}
			b = b[n:]
			c.Name = string(v)
		case uapi.ClockFieldFrequencyMHz:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return c, err
			}
			b = b[n:]
			c.FrequencyMHz = uint32(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, &StatusCoreNotFound{Reason: "malformed clock field"}
			}
			b = b[n:]
		}
	}
	return c, nil
}

func decodeVersion(b []byte) (Version, error) {
	var v Version
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return v, &StatusCoreNotFound{Reason: "malformed version"}
		}
		b = b[n:]
		switch num {
		case uapi.VersionFieldSoftware:
			s, n, err := consumeBytes(b, typ)
			if err != nil {
				return v, err
			}
			b = b[n:]
			v.Software = string(s)
		case uapi.VersionFieldYear:
			y, n, err := consumeVarint(b, typ)
			if err != nil {
				return v, err
			}
			b = b[n:]
			v.Year = uint32(y)
		case uapi.VersionFieldRelease:
			r, n, err := consumeBytes(b, typ)
			if err != nil {
				return v, err
			}
			b = b[n:]
			v.Release = string(r)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return v, &StatusCoreNotFound{Reason: "malformed version field"}
			}
			b = b[n:]
		}
	}
	return v, nil
}

func decodePE(b []byte) (PE, error) {
	var pe PE
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return pe, &StatusCoreNotFound{Reason: "malformed PE"}
		}
		b = b[n:]
		switch num {
		case uapi.PEFieldOffset:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return pe, err
			}
			b = b[n:]
			pe.Offset = v
		case uapi.PEFieldKernelID:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return pe, err
			}
			b = b[n:]
			pe.KernelID = uint32(v)
		case uapi.PEFieldLocalMemory:
			field, n, err := consumeBytes(b, typ)
			if err != nil {
				return pe, err
			}
			b = b[n:]
			lm, err := decodeLocalMemory(field)
			if err != nil {
				return pe, err
			}
			pe.LocalMemory = lm
		case uapi.PEFieldVlnv:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return pe, err
			}
			b = b[n:]
			pe.Vlnv = string(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return pe, &StatusCoreNotFound{Reason: "malformed PE field"}
			}
			b = b[n:]
		}
	}
	return pe, nil
}

func decodeLocalMemory(b []byte) (LocalMemory, error) {
	var lm LocalMemory
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return lm, &StatusCoreNotFound{Reason: "malformed local_memory"}
		}
		b = b[n:]
		switch num {
		case uapi.LocalMemoryFieldBase:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return lm, err
			}
			b = b[n:]
			lm.Base = v
		case uapi.LocalMemoryFieldSize:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return lm, err
			}
			b = b[n:]
			lm.Size = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return lm, &StatusCoreNotFound{Reason: "malformed local_memory field"}
			}
			b = b[n:]
		}
	}
	return lm, nil
}

func decodePlatform(b []byte) (Platform, error) {
	var p Platform
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, &StatusCoreNotFound{Reason: "malformed platform component"}
		}
		b = b[n:]
		switch num {
		case uapi.PlatformFieldName:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return p, err
			}
			b = b[n:]
			p.Name = string(v)
		case uapi.PlatformFieldOffset:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return p, err
			}
			b = b[n:]
			p.Offset = v
		case uapi.PlatformFieldSize:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return p, err
			}
			b = b[n:]
			p.Size = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, &StatusCoreNotFound{Reason: "malformed platform field"}
			}
			b = b[n:]
		}
	}
	return p, nil
}
