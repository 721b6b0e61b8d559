// Package capset implements the capset advertisement mechanism (C10): a
// fixed, versioned blob the guest driver reads with get_capset_info /
// get_capset before doing anything else, telling it the blob's wire format
// version, which AMDXDNA ABI version this renderer speaks, and its context
// type.
package capset

import (
	"unsafe"

	"github.com/lab47/vxdna/internal/config"
)

// ContextTypeAMDXDNA is the only context_type this renderer ever advertises
// in its capset blob — the capset mechanism is generic across virtio-GPU
// context types, but this renderer only speaks the AMDXDNA one.
const ContextTypeAMDXDNA = 0

// CapsetIDAMDXDNA is the only capset id create_device / get_capset_info /
// fill_capset accept; any other id is -ENOTSUP.
const CapsetIDAMDXDNA = 0

// wireFormatVersion is the layout version of the Capset struct itself, as
// opposed to VersionMajor/Minor/Patchlevel, which name the AMDXDNA ABI
// version this renderer speaks. A guest reads it first, before trusting any
// other field, to decide whether it understands this blob at all.
const wireFormatVersion = 1

// Supported reports whether id names a capset this renderer can serve.
func Supported(id uint32) bool { return id == CapsetIDAMDXDNA }

// Capset is the wire structure returned by get_capset: 16 bytes, named and
// ordered per the capset ABI. VersionMinor and VersionPatchlevel are uint16
// rather than uint32 so the struct still fits the fixed 16-byte capset size
// with wire_format_version and context_type both present.
type Capset struct {
	WireFormatVersion uint32
	VersionMajor      uint32
	VersionMinor      uint16
	VersionPatchlevel uint16
	ContextType       uint32
}

const Size = uint32(unsafe.Sizeof(Capset{}))

func init() {
	if Size != 16 {
		panic("capset: wire struct is not 16 bytes")
	}
}

// Default is the capset advertised absent an XVDNA_CONFIG override —
// AMDXDNA ABI 1.0.0.
var Default = Capset{
	WireFormatVersion: wireFormatVersion,
	VersionMajor:      1,
	VersionMinor:      0,
	VersionPatchlevel: 0,
	ContextType:       ContextTypeAMDXDNA,
}

// Load returns the capset to advertise: Default, unless XVDNA_CONFIG names
// a TOML override file, in which case the version triple it specifies is
// substituted.
func Load() (Capset, error) {
	cs := Default

	ov, err := config.LoadCapsetOverride()
	if err != nil {
		return Capset{}, err
	}
	if ov == nil {
		return cs, nil
	}

	cs.VersionMajor = ov.VersionMajor
	cs.VersionMinor = uint16(ov.VersionMinor)
	cs.VersionPatchlevel = uint16(ov.VersionPatchlevel)
	return cs, nil
}

// Bytes renders cs in wire order for get_capset's response payload.
func (cs Capset) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&cs)), unsafe.Sizeof(cs))
}

// MaxSize is the max_size the get_capset_info entry point reports (spec §8
// scenario 1): the fixed size of the Capset struct, independent of any
// override.
func MaxSize() uint32 { return Size }
