// The CCMD dispatch engine (C7): an 11-entry table mapping a wire command
// id to a fixed minimum request size and a handler, plus the header
// validation and scratch-buffer widening rules every command shares
// before its handler ever sees a byte.
package vxdna

import (
	"errors"
	"unsafe"

	"github.com/lab47/vxdna/internal/ccmdwire"
	"github.com/lab47/vxdna/internal/kioctl"
	"github.com/lab47/vxdna/pkg/bo"
	"github.com/lab47/vxdna/pkg/hwctx"
)

type dispatchEntry struct {
	name    string
	minSize uint32
	handle  func(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error)
}

var dispatchTable [ccmdwire.CmdMax + 1]dispatchEntry

func init() {
	dispatchTable[ccmdwire.CmdNop] = dispatchEntry{"nop", ccmdwire.HeaderSize, handleNop}
	dispatchTable[ccmdwire.CmdInit] = dispatchEntry{"init", ccmdwire.Sizeof[ccmdwire.InitReq](), handleInit}
	dispatchTable[ccmdwire.CmdCreateBO] = dispatchEntry{"create_bo", ccmdwire.Sizeof[ccmdwire.CreateBOReq](), handleCreateBO}
	dispatchTable[ccmdwire.CmdDestroyBO] = dispatchEntry{"destroy_bo", ccmdwire.Sizeof[ccmdwire.DestroyBOReq](), handleDestroyBO}
	dispatchTable[ccmdwire.CmdCreateCtx] = dispatchEntry{"create_ctx", ccmdwire.Sizeof[ccmdwire.CreateCtxReq](), handleCreateCtx}
	dispatchTable[ccmdwire.CmdDestroyCtx] = dispatchEntry{"destroy_ctx", ccmdwire.Sizeof[ccmdwire.DestroyCtxReq](), handleDestroyCtx}
	dispatchTable[ccmdwire.CmdConfigCtx] = dispatchEntry{"config_ctx", ccmdwire.ConfigCtxReqSize, handleConfigCtx}
	dispatchTable[ccmdwire.CmdExecCmd] = dispatchEntry{"exec_cmd", ccmdwire.Sizeof[ccmdwire.ExecCmdReq](), handleExecCmd}
	dispatchTable[ccmdwire.CmdWaitCmd] = dispatchEntry{"wait_cmd", ccmdwire.Sizeof[ccmdwire.WaitCmdReq](), handleWaitCmd}
	dispatchTable[ccmdwire.CmdGetInfo] = dispatchEntry{"get_info", ccmdwire.Sizeof[ccmdwire.GetInfoReq](), handleGetInfo}
	dispatchTable[ccmdwire.CmdReadSysfs] = dispatchEntry{"read_sysfs", ccmdwire.Sizeof[ccmdwire.ReadSysfsReq](), handleReadSysfs}
}

// Dispatch decodes one CCMD out of raw (as read from the guest's command
// resource), runs it against ctx, and writes the response into ctx's
// bound response resource at hdr.RspOff. It never panics on malformed
// input: header/body validation failures turn into a negative-errno
// RspHeader written back to the guest, exactly like any other failure,
// except when raw is shorter than a header or no response resource is
// bound yet; those are reported through the returned error only.
func (ctx *Context) Dispatch(raw []byte) error {
	if uint32(len(raw)) < ccmdwire.HeaderSize {
		return NewError(EINVAL, "context %d: ccmd shorter than header", ctx.ID)
	}
	hdr := ccmdwire.Decode[ccmdwire.Header](raw)

	if hdr.Cmd == 0 || hdr.Cmd > ccmdwire.CmdMax {
		return ctx.writeErrorResponse(hdr, NewError(EINVAL, "context %d: unknown ccmd %d", ctx.ID, hdr.Cmd))
	}
	if hdr.Cmd != ccmdwire.CmdInit && ctx.respResID == 0 {
		return ctx.writeErrorResponse(hdr, NewError(EINVAL, "context %d: no response resource bound", ctx.ID))
	}

	entry := dispatchTable[hdr.Cmd]
	ctx.log.Trace("dispatch ccmd", "context", ctx.ID, "cmd", ccmdwire.CmdNames[hdr.Cmd], "seqno", hdr.Seqno)

	if uint32(len(raw)) < hdr.Len {
		return ctx.writeErrorResponse(hdr, NewError(EINVAL, "context %d: ccmd %s truncated", ctx.ID, entry.name))
	}
	body := raw[:hdr.Len]

	// Undersized fixed-part requests are widened by zero-padding, so a
	// guest driver built against an older, smaller struct still works
	// against this renderer: the missing tail simply reads as zero. Every
	// per-command struct embeds the common Header at offset zero, so
	// handlers decode straight out of body without re-slicing past it.
	if uint32(len(body)) < entry.minSize {
		widened := make([]byte, entry.minSize)
		copy(widened, body)
		body = widened
	}

	rsp, err := entry.handle(ctx, hdr, body)
	if err != nil {
		return ctx.writeErrorResponse(hdr, err)
	}
	return ctx.writeResponse(hdr, rsp)
}

func (ctx *Context) writeResponse(hdr ccmdwire.Header, payload []byte) error {
	respRes, ok := ctx.resources.Lookup(ctx.respResID)
	if !ok {
		return NewError(EINVAL, "context %d: response resource %d missing", ctx.ID, ctx.respResID)
	}
	if err := respRes.Write(uint64(hdr.RspOff), payload); err != nil {
		return WrapError(err, EINVAL, "context %d: write response", ctx.ID)
	}
	return nil
}

func (ctx *Context) writeErrorResponse(hdr ccmdwire.Header, cause error) error {
	rsp := ccmdwire.RspHeader{Ret: int32(Errno(cause)), Len: ccmdwire.RspHeaderSize}
	// Init failures have nowhere to be written (no response resource
	// bound yet); the caller (the transport) learns of it via the
	// returned error only.
	if ctx.respResID == 0 {
		return cause
	}
	if err := ctx.writeResponse(hdr, ccmdwire.AsBytes(&rsp)); err != nil {
		return err
	}
	return cause
}

func okHeader(len uint32) ccmdwire.RspHeader {
	return ccmdwire.RspHeader{Ret: 0, Len: len}
}

func handleNop(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	rsp := okHeader(ccmdwire.RspHeaderSize)
	return ccmdwire.AsBytes(&rsp), nil
}

func handleInit(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.InitReq](body)
	if _, ok := ctx.resources.Lookup(req.RespResID); !ok {
		return nil, NewError(ENOENT, "context %d: init: no resource %d", ctx.ID, req.RespResID)
	}
	ctx.respResID = req.RespResID
	rsp := okHeader(ccmdwire.RspHeaderSize)
	return ccmdwire.AsBytes(&rsp), nil
}

func handleCreateBO(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.CreateBOReq](body)

	var b *bo.BO
	var err error
	switch req.BOType {
	case kioctl.BOTypeDevice:
		b, err = bo.CreateDevice(ctx.drmFD, req.Size, ctx.log)
	case kioctl.BOTypeShared:
		res, ok := ctx.resources.Lookup(req.ResID)
		if !ok {
			return nil, NewError(ENOENT, "context %d: create_bo: no resource %d", ctx.ID, req.ResID)
		}
		b, err = bo.CreateFromResource(ctx.drmFD, res, req.MapAlign, ctx.log)
	default:
		return nil, NewError(EINVAL, "context %d: create_bo: bad bo_type %d", ctx.ID, req.BOType)
	}
	if err != nil {
		return nil, WrapError(err, EIO, "context %d: create_bo", ctx.ID)
	}

	ctx.bos.Insert(b.Handle, b)

	rsp := ccmdwire.CreateBORsp{
		RspHeader: okHeader(ccmdwire.Sizeof[ccmdwire.CreateBORsp]()),
		XdnaAddr:  b.Addr(),
		Handle:    b.Handle,
	}
	return ccmdwire.AsBytes(&rsp), nil
}

func handleDestroyBO(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.DestroyBOReq](body)
	b, ok := ctx.bos.Erase(req.Handle)
	if !ok {
		return nil, NewError(ENOENT, "context %d: destroy_bo: no handle %d", ctx.ID, req.Handle)
	}
	b.Close()
	rsp := okHeader(ccmdwire.RspHeaderSize)
	return ccmdwire.AsBytes(&rsp), nil
}

func handleCreateCtx(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.CreateCtxReq](body)
	if _, exists := ctx.hwctxs.Lookup(req.RingIdx); exists {
		return nil, NewError(EBUSY, "context %d: ring %d already active", ctx.ID, req.RingIdx)
	}
	if ctx.device.callbacks.WriteContextFence == nil {
		return nil, NewError(ENOTSUP, "context %d: device has no write_context_fence callback", ctx.ID)
	}

	qos := kioctl.QoSInfo{
		GOPs:         req.QoSGOPs,
		FPS:          req.QoSFPS,
		DMABandwidth: req.QoSDMABandwidth,
		LatencyUs:    req.QoSLatencyUs,
		FrameExecUs:  req.QoSFrameExecUs,
		Priority:     req.QoSPriority,
		CUPowerNum:   req.QoSCUPowerNum,
	}

	hc, err := hwctx.New(ctx.drmFD, req.RingIdx, req.MaxOpc, req.NumTiles, req.MemSize, qos, ctx.log)
	if err != nil {
		return nil, WrapError(err, EIO, "context %d: create_ctx ring %d", ctx.ID, req.RingIdx)
	}
	ringIdx := req.RingIdx
	hc.OnRetire = func(fenceID uint64) {
		ctx.device.fireFence(ctx.ID, ringIdx, fenceID)
	}
	ctx.hwctxs.Insert(req.RingIdx, hc)

	rsp := ccmdwire.CreateCtxRsp{
		RspHeader:     okHeader(ccmdwire.Sizeof[ccmdwire.CreateCtxRsp]()),
		Handle:        hc.Handle,
		SyncobjHandle: hc.SyncObj,
	}
	return ccmdwire.AsBytes(&rsp), nil
}

func handleDestroyCtx(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.DestroyCtxReq](body)
	hc, ok := ctx.hwctxs.Erase(req.RingIdx)
	if !ok {
		return nil, NewError(ENOENT, "context %d: destroy_ctx: no ring %d", ctx.ID, req.RingIdx)
	}
	hc.Close()
	rsp := okHeader(ccmdwire.RspHeaderSize)
	return ccmdwire.AsBytes(&rsp), nil
}

func handleConfigCtx(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.ConfigCtxReq](body)
	hc, ok := ctx.hwctxs.Lookup(req.RingIdx)
	if !ok {
		return nil, NewError(ENOENT, "context %d: config_ctx: no ring %d", ctx.ID, req.RingIdx)
	}

	var val []byte
	if req.ParamValSize > 0 && uint32(len(body)) >= ccmdwire.ConfigCtxReqSize+req.ParamValSize {
		val = body[ccmdwire.ConfigCtxReqSize : ccmdwire.ConfigCtxReqSize+req.ParamValSize]
	} else if req.ParamValSize == 0 {
		val = ccmdwire.AsBytes(&req.InlineParam)
	} else {
		return nil, NewError(EINVAL, "context %d: config_ctx: truncated param value", ctx.ID)
	}

	if err := hc.ConfigHWCtx(req.ParamType, val); err != nil {
		return nil, WrapError(err, EIO, "context %d: config_ctx ring %d", ctx.ID, req.RingIdx)
	}
	rsp := okHeader(ccmdwire.RspHeaderSize)
	return ccmdwire.AsBytes(&rsp), nil
}

func handleExecCmd(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.ExecCmdReq](body)
	hc, ok := ctx.hwctxs.Lookup(req.RingIdx)
	if !ok {
		return nil, NewError(ENOENT, "context %d: exec_cmd: no ring %d", ctx.ID, req.RingIdx)
	}
	cmdBO, ok := ctx.bos.Lookup(uint32(req.CmdHandle))
	if !ok {
		return nil, NewError(ENOENT, "context %d: exec_cmd: no bo handle %d", ctx.ID, req.CmdHandle)
	}

	seq, err := hc.ExecCmd(uint64(cmdBO.Handle), uint64(req.ArgOffset), req.CmdsNArgs)
	if errors.Is(err, hwctx.ErrRingFull) {
		return nil, WrapError(err, EBUSY, "context %d: exec_cmd ring %d", ctx.ID, req.RingIdx)
	}
	if err != nil {
		return nil, WrapError(err, EIO, "context %d: exec_cmd ring %d", ctx.ID, req.RingIdx)
	}

	rsp := ccmdwire.ExecCmdRsp{RspHeader: okHeader(ccmdwire.Sizeof[ccmdwire.ExecCmdRsp]()), Seq: seq}
	return ccmdwire.AsBytes(&rsp), nil
}

func handleWaitCmd(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.WaitCmdReq](body)
	hc, ok := ctx.hwctxs.Lookup(req.RingIdx)
	if !ok {
		return nil, NewError(ENOENT, "context %d: wait_cmd: no ring %d", ctx.ID, req.RingIdx)
	}
	hc.LatchWait(req.Seq, req.TimeoutNsec)
	rsp := okHeader(ccmdwire.RspHeaderSize)
	return ccmdwire.AsBytes(&rsp), nil
}

func handleGetInfo(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.GetInfoReq](body)

	// A pass-through GET_INFO/GET_ARRAY against the kernel driver itself,
	// using the caller-declared output resource.
	res, ok := ctx.resources.Lookup(req.ResID)
	if !ok {
		return nil, NewError(ENOENT, "context %d: get_info: no resource %d", ctx.ID, req.ResID)
	}
	if req.Size == 0 || uint64(req.Size) > res.Size() {
		return nil, NewError(EINVAL, "context %d: get_info: bad size %d", ctx.ID, req.Size)
	}

	buf := make([]byte, req.Size)
	kreq := kioctl.GetInfoReq{
		Param:       req.Param,
		BufferSize:  req.Size,
		Buffer:      uint64(uintptr(unsafe.Pointer(&buf[0]))),
		NumElement:  req.NumElement,
		ElementSize: req.ElementSize,
	}
	ioctlNum := kioctl.IoctlGetInfo
	if req.NumElement > 0 {
		ioctlNum = kioctl.IoctlGetArray
	}
	if err := kioctl.Ioctl(ctx.drmFD, ioctlNum, unsafe.Pointer(&kreq)); err != nil {
		return nil, WrapError(err, EIO, "context %d: get_info param %d", ctx.ID, req.Param)
	}
	if err := res.Write(0, buf); err != nil {
		return nil, WrapError(err, EINVAL, "context %d: get_info: write result", ctx.ID)
	}

	rsp := ccmdwire.GetInfoRsp{
		RspHeader:   okHeader(ccmdwire.Sizeof[ccmdwire.GetInfoRsp]()),
		Size:        req.Size,
		NumElement:  kreq.NumElement,
		ElementSize: kreq.ElementSize,
	}
	return ccmdwire.AsBytes(&rsp), nil
}

func handleReadSysfs(ctx *Context, hdr ccmdwire.Header, body []byte) ([]byte, error) {
	req := ccmdwire.Decode[ccmdwire.ReadSysfsReq](body)
	data, err := readSysfsNode(ctx.drmFD, req.Name())
	if err != nil {
		return nil, WrapError(err, EIO, "context %d: read_sysfs %q", ctx.ID, req.Name())
	}

	hdrSize := ccmdwire.Sizeof[ccmdwire.ReadSysfsRsp]()
	rsp := make([]byte, hdrSize+uint32(len(data)))
	r := ccmdwire.ReadSysfsRsp{
		RspHeader: okHeader(uint32(len(rsp))),
		DataLen:   uint32(len(data)),
	}
	copy(rsp, ccmdwire.AsBytes(&r))
	copy(rsp[hdrSize:], data)
	return rsp, nil
}
