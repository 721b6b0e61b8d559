package bo

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/lab47/vxdna/internal/kioctl"
	"github.com/lab47/vxdna/pkg/resource"
)

func TestBuildVATableLayout(t *testing.T) {
	b1 := make([]byte, 4)
	b2 := make([]byte, 8)

	res := resource.New(1, []resource.IOVec{
		{Base: uintptr(unsafe.Pointer(&b1[0])), Len: 4},
		{Base: uintptr(unsafe.Pointer(&b2[0])), Len: 8},
	})

	buf := buildVATable(res)

	hdrSize := int(unsafe.Sizeof(kioctl.VATableHeader{}))
	entSize := int(unsafe.Sizeof(kioctl.VATableEntry{}))
	require.Len(t, buf, hdrSize+entSize*2)

	hdr := (*kioctl.VATableHeader)(unsafe.Pointer(&buf[0]))
	require.EqualValues(t, 2, hdr.NumEntries)
	require.EqualValues(t, -1, hdr.UdmaFD)

	entries := unsafe.Slice((*kioctl.VATableEntry)(unsafe.Pointer(&buf[hdrSize])), 2)
	require.EqualValues(t, 4, entries[0].Len)
	require.EqualValues(t, 8, entries[1].Len)
}
