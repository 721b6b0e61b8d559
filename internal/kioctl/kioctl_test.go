package kioctl

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestIoctlNumbersAreDistinct(t *testing.T) {
	nums := map[uintptr]string{
		IoctlCreateBO:            "create_bo",
		IoctlGetBOInfo:           "get_bo_info",
		IoctlCreateHWCtx:         "create_hwctx",
		IoctlDestroyHWCtx:        "destroy_hwctx",
		IoctlConfigHWCtx:         "config_hwctx",
		IoctlExecCmd:             "exec_cmd",
		IoctlGetInfo:             "get_info",
		IoctlGetArray:            "get_array",
		IoctlGEMClose:            "gem_close",
		IoctlSetClientName:       "set_client_name",
		IoctlSyncobjTimelineWait: "syncobj_timeline_wait",
		IoctlSyncobjDestroy:      "syncobj_destroy",
		IoctlSyncobjHandleToFD:   "syncobj_handle_to_fd",
	}
	require.Len(t, nums, 13)
}

func TestIoctlDirectionBitsMatchIntent(t *testing.T) {
	// IoctlDestroyHWCtx and IoctlGEMClose are write-only (guest supplies a
	// handle, kernel returns nothing); their direction bits must not
	// include the read bit, unlike the read/write CREATE_BO ioctl.
	require.NotEqual(t, IoctlDestroyHWCtx&(dirRead<<dirShift), uintptr(dirRead<<dirShift))
	require.NotEqual(t, IoctlGEMClose&(dirRead<<dirShift), uintptr(dirRead<<dirShift))
	require.Equal(t, IoctlCreateBO&(dirRead<<dirShift), uintptr(dirRead<<dirShift))
	require.Equal(t, IoctlCreateBO&(dirWrite<<dirShift), uintptr(dirWrite<<dirShift))
}

func TestQoSInfoIsPageFriendlySize(t *testing.T) {
	require.EqualValues(t, 32, unsafe.Sizeof(QoSInfo{}))
}

func TestVATableEntrySize(t *testing.T) {
	require.EqualValues(t, 16, unsafe.Sizeof(VATableEntry{}))
}
