// Package kioctl is the external kernel ABI this renderer must honor
// bit-exactly: the AMDXDNA DRM driver's private ioctls plus the handful of
// generic DRM ioctls the renderer also issues (GEM_CLOSE, SET_CLIENT_NAME,
// SYNCOBJ_TIMELINE_WAIT, SYNCOBJ_DESTROY, SYNCOBJ_HANDLE_TO_FD).
//
// The ioctl request codes are built the same way the kernel's own
// _IOWR/_IOW macros build them; see ioc below.
package kioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux ioctl request-code layout: dir(2) | size(14) | type(8) | nr(8).
const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

func ioc(dir, typ, nr uintptr, size uintptr) uintptr {
	return dir<<dirShift | typ<<typeShift | nr<<nrShift | size<<sizeShift
}

func iow(typ, nr byte, size uintptr) uintptr {
	return ioc(dirWrite, uintptr(typ), uintptr(nr), size)
}

func ior(typ, nr byte, size uintptr) uintptr {
	return ioc(dirRead, uintptr(typ), uintptr(nr), size)
}

func iowr(typ, nr byte, size uintptr) uintptr {
	return ioc(dirWrite|dirRead, uintptr(typ), uintptr(nr), size)
}

// Generic DRM ioctl numbering.
const (
	drmIoctlBase    = 'd'
	drmCommandBase  = 0x40
	amdxdnaIoctlNum = drmIoctlBase
)

// AMDXDNA driver command indices, relative to drmCommandBase.
const (
	cmdCreateHWCtx  = 0
	cmdDestroyHWCtx = 1
	cmdConfigHWCtx  = 2
	cmdCreateBO     = 3
	cmdGetBOInfo    = 4
	cmdExecCmd      = 6
	cmdGetInfo      = 7
	cmdGetArray     = 9
)

// AMDXDNA BO types (bo_type).
const (
	BOTypeDevice = 0
	BOTypeShared = 1
)

const InvalidAddr = ^uint64(0)

// CreateBOReq mirrors struct amdxdna_drm_create_bo.
type CreateBOReq struct {
	Vaddr   uint64 // guest va-table pointer for shared BOs, 0 for device BOs
	Size    uint64
	Type    uint32
	_       uint32
	Handle  uint32 // filled in by the ioctl
	_       uint32
}

var IoctlCreateBO = iowr(amdxdnaIoctlNum, drmCommandBase+cmdCreateBO, unsafe.Sizeof(CreateBOReq{}))

// BOInfoReq mirrors struct amdxdna_drm_get_bo_info.
type BOInfoReq struct {
	Handle    uint32
	_         uint32
	MapOffset uint64
	VAddr     uint64
	XdnaAddr  uint64
}

var IoctlGetBOInfo = iowr(amdxdnaIoctlNum, drmCommandBase+cmdGetBOInfo, unsafe.Sizeof(BOInfoReq{}))

// VATableHeader/VATableEntry make up the va-table handed to CREATE_BO for a
// resource-backed BO: a header followed by num_entries {vaddr,len} pairs
// describing every iovec of the backing Resource.
type VATableHeader struct {
	UdmaFD     int32
	NumEntries uint32
}

type VATableEntry struct {
	Vaddr uint64
	Len   uint64
}

// QoSInfo mirrors struct amdxdna_qos_info passed to CREATE_HWCTX.
type QoSInfo struct {
	GOPs           uint32
	FPS            uint32
	DMABandwidth   uint32
	LatencyUs      uint32
	FrameExecUs    uint32
	Priority       uint32
	CUPowerNum     uint32
	_              uint32
}

// CreateHWCtxReq mirrors struct amdxdna_drm_create_hwctx.
type CreateHWCtxReq struct {
	QoS       QoSInfo
	MaxOpc    uint32
	NumTiles  uint32
	MemSize   uint32
	_         uint32
	Handle    uint32 // out: hwctx handle
	SyncObj   uint32 // out: timeline syncobj handle
}

var IoctlCreateHWCtx = iowr(amdxdnaIoctlNum, drmCommandBase+cmdCreateHWCtx, unsafe.Sizeof(CreateHWCtxReq{}))

// DestroyHWCtxReq mirrors struct amdxdna_drm_destroy_hwctx.
type DestroyHWCtxReq struct {
	Handle uint32
	_      uint32
}

var IoctlDestroyHWCtx = iow(amdxdnaIoctlNum, drmCommandBase+cmdDestroyHWCtx, unsafe.Sizeof(DestroyHWCtxReq{}))

// ConfigHWCtxReq mirrors struct amdxdna_drm_config_hwctx.
type ConfigHWCtxReq struct {
	Handle      uint32
	ParamType   uint32
	ParamVal    uint64 // pointer to trailing bytes when ParamValSize > 0
	ParamValSize uint32
	_           uint32
}

var IoctlConfigHWCtx = iow(amdxdnaIoctlNum, drmCommandBase+cmdConfigHWCtx, unsafe.Sizeof(ConfigHWCtxReq{}))

// ExecCmdReq mirrors struct amdxdna_drm_exec_cmd.
type ExecCmdReq struct {
	Handle    uint32 // hwctx handle
	_         uint32
	CmdHandle uint64 // single handle, or pointer to an array when CmdCount > 1
	CmdCount  uint32
	ArgsCount uint32
	ArgsPtr   uint64
	Seq       uint64 // out: sequence number
}

var IoctlExecCmd = iowr(amdxdnaIoctlNum, drmCommandBase+cmdExecCmd, unsafe.Sizeof(ExecCmdReq{}))

// GetInfoReq mirrors struct amdxdna_drm_get_info / get_array.
type GetInfoReq struct {
	Param       uint32
	BufferSize  uint32
	Buffer      uint64
	NumElement  uint32
	ElementSize uint32
}

var IoctlGetInfo = iowr(amdxdnaIoctlNum, drmCommandBase+cmdGetInfo, unsafe.Sizeof(GetInfoReq{}))
var IoctlGetArray = iowr(amdxdnaIoctlNum, drmCommandBase+cmdGetArray, unsafe.Sizeof(GetInfoReq{}))

// Generic DRM ioctls.

type GEMClose struct {
	Handle uint32
	_      uint32
}

var IoctlGEMClose = iow(drmIoctlBase, 0x09, unsafe.Sizeof(GEMClose{}))

type SetClientName struct {
	NameLen uint64
	Name    uint64
}

var IoctlSetClientName = iow(drmIoctlBase, 0x0e, unsafe.Sizeof(SetClientName{}))

type SyncobjTimelineWait struct {
	Handles     uint64
	Points      uint64
	TimeoutNsec int64
	Count       uint32
	Flags       uint32
	FirstSignaled int32
	_           uint32
}

const SyncobjWaitFlagsWaitForSubmit = 1 << 2

var IoctlSyncobjTimelineWait = iowr(drmIoctlBase, 0xca, unsafe.Sizeof(SyncobjTimelineWait{}))

type SyncobjDestroy struct {
	Handle uint32
	_      uint32
}

var IoctlSyncobjDestroy = iow(drmIoctlBase, 0xc0, unsafe.Sizeof(SyncobjDestroy{}))

// SyncobjHandleToFD exports a syncobj as a pollable fd, used to answer
// get_fence_fd without waiting on the retirement worker's callback.
type SyncobjHandleToFD struct {
	Handle uint32
	Flags  uint32
	FD     int32
}

var IoctlSyncobjHandleToFD = iowr(drmIoctlBase, 0xc2, unsafe.Sizeof(SyncobjHandleToFD{}))

// Ioctl issues a raw ioctl(2) syscall the same way pkg/tap does for TUNSETIFF:
// via the raw syscall interface rather than a typed x/sys/unix wrapper, since
// x/sys/unix carries no wrapper for an out-of-tree accelerator driver.
func Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
