package vxdna

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/davecgh/go-spew/spew"
	"github.com/lab47/lsvd/logger"
	"github.com/stretchr/testify/require"

	"github.com/lab47/vxdna/internal/ccmdwire"
	"github.com/lab47/vxdna/pkg/capset"
	"github.com/lab47/vxdna/pkg/hwctx"
	"github.com/lab47/vxdna/pkg/omap"
	"github.com/lab47/vxdna/pkg/resource"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	dev := &Device{
		Cookie:   1,
		CapsetID: capset.CapsetIDAMDXDNA,
		log:      logger.New(logger.Trace),
		capset:   capset.Default,
		contexts: omap.New[uint32, *Context](),
		fences:   omap.New[uint64, fenceRoute](),
	}
	ctx := newContext(1, -1, dev, dev.log)
	dev.contexts.Insert(ctx.ID, ctx)
	return ctx
}

func rspHeader(t *testing.T, raw []byte) ccmdwire.RspHeader {
	t.Helper()
	require.GreaterOrEqual(t, len(raw), int(ccmdwire.RspHeaderSize))
	return ccmdwire.Decode[ccmdwire.RspHeader](raw)
}

func TestDispatchNop(t *testing.T) {
	ctx := testContext(t)

	// Bind a response resource so a non-init command is legal, exactly
	// like a guest would after a successful init.
	buf := make([]byte, 64)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 64}})
	ctx.respResID = res.ID

	req := ccmdwire.NopReq{Header: ccmdwire.Header{Cmd: ccmdwire.CmdNop, Len: ccmdwire.HeaderSize, RspOff: 0}}
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.NoError(t, err, spew.Sdump(buf))

	rsp := rspHeader(t, buf)
	require.EqualValues(t, 0, rsp.Ret)
}

func TestDispatchUnknownCommandWritesNegativeErrno(t *testing.T) {
	ctx := testContext(t)

	buf := make([]byte, 64)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 64}})
	ctx.respResID = res.ID

	req := ccmdwire.Header{Cmd: 999, Len: ccmdwire.HeaderSize, RspOff: 0}
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.Error(t, err)

	rsp := rspHeader(t, buf)
	require.Equal(t, int32(-EINVAL), rsp.Ret)
}

func TestDispatchWithoutInitFails(t *testing.T) {
	ctx := testContext(t)

	req := ccmdwire.Header{Cmd: ccmdwire.CmdNop, Len: ccmdwire.HeaderSize}
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.Error(t, err)
	require.Equal(t, -EINVAL, Errno(err))
}

func TestDispatchInitBindsResponseResource(t *testing.T) {
	ctx := testContext(t)

	buf := make([]byte, 64)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 64}})

	req := ccmdwire.InitReq{
		Header:    ccmdwire.Header{Cmd: ccmdwire.CmdInit, Len: ccmdwire.Sizeof[ccmdwire.InitReq]()},
		RespResID: res.ID,
	}
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.NoError(t, err)
	require.Equal(t, res.ID, ctx.respResID)
}

func TestDispatchCmdZeroIsEINVAL(t *testing.T) {
	ctx := testContext(t)

	buf := make([]byte, 64)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 64}})
	ctx.respResID = res.ID

	req := ccmdwire.Header{Cmd: 0, Len: ccmdwire.HeaderSize, RspOff: 0}
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.Error(t, err)

	rsp := rspHeader(t, buf)
	require.Equal(t, int32(-EINVAL), rsp.Ret)
}

func TestDispatchCmdAboveMaxIsEINVAL(t *testing.T) {
	ctx := testContext(t)

	buf := make([]byte, 64)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 64}})
	ctx.respResID = res.ID

	req := ccmdwire.Header{Cmd: ccmdwire.CmdMax + 1, Len: ccmdwire.HeaderSize, RspOff: 0}
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.Error(t, err)

	rsp := rspHeader(t, buf)
	require.Equal(t, int32(-EINVAL), rsp.Ret)
}

func TestDispatchWaitCmdIsNonBlocking(t *testing.T) {
	ctx := testContext(t)

	buf := make([]byte, 64)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 64}})
	ctx.respResID = res.ID

	hc := hwctx.NewForTest(ctx.log)
	ctx.hwctxs.Insert(0, hc)

	req := ccmdwire.WaitCmdReq{
		Header:      ccmdwire.Header{Cmd: ccmdwire.CmdWaitCmd, Len: ccmdwire.Sizeof[ccmdwire.WaitCmdReq]()},
		RingIdx:     0,
		Seq:         1,
		TimeoutNsec: 1_000_000_000,
	}
	raw := ccmdwire.AsBytes(&req)

	done := make(chan error, 1)
	go func() { done <- ctx.Dispatch(raw) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait_cmd blocked instead of latching and returning immediately")
	}

	rsp := rspHeader(t, buf)
	require.EqualValues(t, 0, rsp.Ret)
}

func TestDispatchReadSysfs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "power_state"), []byte("D0"), 0o644))

	old := sysfsDeviceDir
	sysfsDeviceDir = func(fd int) (string, error) { return dir, nil }
	defer func() { sysfsDeviceDir = old }()

	ctx := testContext(t)
	buf := make([]byte, 128)
	res := ctx.AddResource([]resource.IOVec{{Base: uintptr(unsafe.Pointer(&buf[0])), Len: 128}})
	ctx.respResID = res.ID

	var req ccmdwire.ReadSysfsReq
	req.Header = ccmdwire.Header{Cmd: ccmdwire.CmdReadSysfs, Len: ccmdwire.Sizeof[ccmdwire.ReadSysfsReq]()}
	name := "power_state"
	copy(req.NodeName[:], name)
	req.NodeNameLen = uint32(len(name))
	raw := ccmdwire.AsBytes(&req)

	err := ctx.Dispatch(raw)
	require.NoError(t, err)

	rsp := rspHeader(t, buf)
	require.EqualValues(t, 0, rsp.Ret)
}
