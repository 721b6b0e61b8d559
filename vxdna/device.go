package vxdna

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lab47/vxdna/internal/kioctl"
	"github.com/lab47/vxdna/pkg/capset"
	"github.com/lab47/vxdna/pkg/omap"
)

// GetDeviceFD is injected by the caller (the VMM/host process): it hands
// back an open fd to the accelerator's DRM render node. This renderer
// never decides which host device backs a guest, and never opens a device
// node by path itself — see spec's "no policy on which guest may open
// which host device" and "no generic DRM-fd acquisition policy".
type GetDeviceFD func() (int, error)

// InvalidCtxHandle is the ring-index sentinel meaning "not tied to any
// ring". A submit_fence naming it is free-floating: the write_context_fence
// callback fires directly, with no hwctx lookup at all.
const InvalidCtxHandle = ^uint32(0)

// Callbacks is the vaccel_callbacks vtable a Device is constructed with:
// the sole bridge from its opaque cookie to a real DRM fd, plus the VMM's
// own fence-write-into-guest-memory logic. Both are external collaborators
// this renderer only ever calls, never implements.
type Callbacks struct {
	GetDeviceFD       GetDeviceFD
	WriteContextFence func(ctxID, ringIdx uint32, fenceID uint64)
}

// fenceRoute records which Context/ring a still-pending fence id was
// submitted against, so get_fence_fd can find its way back to the right
// hwctx without the guest repeating itself; fireFence drops the entry once
// the fence retires.
type fenceRoute struct {
	ctxID   uint32
	ringIdx uint32
}

// Device is one accelerator device node this renderer fronts (C6), keyed
// by the opaque cookie the VMM chose for it at create_device time.
type Device struct {
	Cookie   uint64
	CapsetID uint32

	log       logger.Logger
	callbacks Callbacks
	capset    capset.Capset

	contexts  *omap.Map[uint32, *Context]
	nextCtxID uint32
	fences    *omap.Map[uint64, fenceRoute]
}

// NewDevice validates capsetID, loads the capset to advertise, and
// constructs an empty Device; it does not itself open the device node —
// that only happens once a Context is created, one open per Context
// (spec §3, "Context holds its own open of the device node").
func NewDevice(cookie uint64, capsetID uint32, callbacks Callbacks, log logger.Logger) (*Device, error) {
	if !capset.Supported(capsetID) {
		return nil, NewError(ENOTSUP, "device %d: unsupported capset id %d", cookie, capsetID)
	}

	cs, err := capset.Load()
	if err != nil {
		return nil, errors.Wrapf(err, "device %d: load capset", cookie)
	}

	return &Device{
		Cookie:    cookie,
		CapsetID:  capsetID,
		log:       log,
		callbacks: callbacks,
		capset:    cs,
		contexts:  omap.New[uint32, *Context](),
		fences:    omap.New[uint64, fenceRoute](),
	}, nil
}

// Capset returns the capset this device advertises to guests.
func (d *Device) Capset() capset.Capset { return d.capset }

// GetCapsetInfo answers the get_capset_info C-ABI entry point: the major
// version (max_version) and fixed wire size of the capset named by capsetID.
func (d *Device) GetCapsetInfo(capsetID uint32) (version, size uint32, err error) {
	if !capset.Supported(capsetID) {
		return 0, 0, NewError(ENOTSUP, "device %d: unsupported capset id %d", d.Cookie, capsetID)
	}
	return d.capset.VersionMajor, capset.MaxSize(), nil
}

// FillCapset answers the fill_capset C-ABI entry point, copying the
// capset blob verbatim into buf. buf must be at least capset.MaxSize()
// bytes.
func (d *Device) FillCapset(capsetID uint32, buf []byte) error {
	if !capset.Supported(capsetID) {
		return NewError(ENOTSUP, "device %d: unsupported capset id %d", d.Cookie, capsetID)
	}
	if uint32(len(buf)) < capset.MaxSize() {
		return NewError(EINVAL, "device %d: fill_capset buffer too small", d.Cookie)
	}
	copy(buf, d.capset.Bytes())
	return nil
}

// CreateContext opens an independent fd to the same device node
// callbacks.GetDeviceFD names and wraps it in a fresh Context, registered
// under a new id. When name is non-empty, DRM_IOCTL_SET_CLIENT_NAME tags
// the context's fd with it (spec §4.6) — purely diagnostic, so a failure
// here is logged, not raised.
func (d *Device) CreateContext(name string) (*Context, error) {
	baseFD, err := d.callbacks.GetDeviceFD()
	if err != nil {
		return nil, WrapError(err, EIO, "device %d: get device fd", d.Cookie)
	}

	fd, err := d.openContextFD(baseFD)
	if err != nil {
		return nil, WrapError(err, EIO, "device %d: open context fd", d.Cookie)
	}

	if name != "" {
		if err := setClientName(fd, name); err != nil {
			d.log.Warn("set client name failed", "device", d.Cookie, "name", name, "err", err)
		}
	}

	id := atomic.AddUint32(&d.nextCtxID, 1)
	ctx := newContext(id, fd, d, d.log)
	d.contexts.Insert(id, ctx)

	d.log.Trace("context created", "device", d.Cookie, "context", id, "name", name)
	return ctx, nil
}

// setClientName issues DRM_IOCTL_SET_CLIENT_NAME on fd.
func setClientName(fd int, name string) error {
	b := append([]byte(name), 0)
	req := kioctl.SetClientName{
		NameLen: uint64(len(b)),
		Name:    uint64(uintptr(unsafe.Pointer(&b[0]))),
	}
	return kioctl.Ioctl(fd, kioctl.IoctlSetClientName, unsafe.Pointer(&req))
}

// openContextFD gives a Context an independent open file description for
// the same device node baseFD refers to, by reopening it through
// /proc/self/fd — the standard Linux idiom for turning a borrowed fd into
// an owned one without sharing the original's file offset/flags the way a
// plain dup(2) would.
func (d *Device) openContextFD(baseFD int) (int, error) {
	path := fmt.Sprintf("/proc/self/fd/%d", baseFD)
	fd, err := unix.Openat(unix.AT_FDCWD, path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Context looks up a previously created Context by id.
func (d *Device) Context(id uint32) (*Context, bool) {
	return d.contexts.Lookup(id)
}

// DestroyContext tears down and forgets a Context.
func (d *Device) DestroyContext(id uint32) {
	if ctx, ok := d.contexts.Erase(id); ok {
		ctx.Close()
		d.log.Trace("context destroyed", "device", d.Cookie, "context", id)
	}
}

// Close tears down every remaining Context.
func (d *Device) Close() {
	d.contexts.Clear(func(_ uint32, ctx *Context) { ctx.Close() })
}

// SubmitFence routes a VMM-submitted fence to ctxID's hwctx by ring
// index, or — when ringIdx is InvalidCtxHandle — invokes
// write_context_fence directly with no hwctx lookup at all (a
// "free-floating" fence, spec §4.6/§8 scenario 5). A nonexistent context
// or ring returns an error and never fires the callback.
func (d *Device) SubmitFence(ctxID, ringIdx uint32, fenceID uint64) error {
	ctx, ok := d.contexts.Lookup(ctxID)
	if !ok {
		return NewError(ENOENT, "device %d: submit_fence: no context %d", d.Cookie, ctxID)
	}

	if ringIdx == InvalidCtxHandle {
		d.fireFence(ctxID, ringIdx, fenceID)
		return nil
	}

	hc, ok := ctx.HWContext(ringIdx)
	if !ok {
		return NewError(ENOENT, "device %d: submit_fence: no ring %d", d.Cookie, ringIdx)
	}

	d.fences.Insert(fenceID, fenceRoute{ctxID: ctxID, ringIdx: ringIdx})
	hc.SubmitFence(fenceID)
	return nil
}

// fireFence forgets fenceID's route (if any) and invokes
// write_context_fence. It is the single place both the free-floating path
// and every hwctx's OnRetire callback funnel through, so the fence table
// never grows stale entries.
func (d *Device) fireFence(ctxID, ringIdx uint32, fenceID uint64) {
	d.fences.Erase(fenceID)
	if d.callbacks.WriteContextFence != nil {
		d.callbacks.WriteContextFence(ctxID, ringIdx, fenceID)
	}
}

// GetFenceFD exports a pollable fd for a still-pending fence's syncobj,
// or -1 if fenceID names no pending fence or names a free-floating one
// (which has no syncobj to export).
func (d *Device) GetFenceFD(fenceID uint64) (int, error) {
	route, ok := d.fences.Lookup(fenceID)
	if !ok {
		return -1, NewError(ENOENT, "device %d: no such fence %d", d.Cookie, fenceID)
	}
	ctx, ok := d.contexts.Lookup(route.ctxID)
	if !ok {
		return -1, NewError(ENOENT, "device %d: fence %d: context gone", d.Cookie, fenceID)
	}
	hc, ok := ctx.HWContext(route.ringIdx)
	if !ok {
		return -1, NewError(ENOTSUP, "device %d: fence %d has no syncobj", d.Cookie, fenceID)
	}

	fd, err := hc.SyncobjFD()
	if err != nil {
		return -1, WrapError(err, EIO, "device %d: get_fence_fd %d", d.Cookie, fenceID)
	}
	return fd, nil
}

// ExportResourceFD dup's an exportable resource's backing dmabuf fd with
// close-on-exec, for handing to the VMM to install as a guest dmabuf. Only
// resources with a backing dmabuf (OpaqueFD >= 0) are exportable; a plain
// guest-iovec resource has none. No code in this module sets OpaqueFD, so
// every resource a Context holds is rejected here with -EINVAL.
func (d *Device) ExportResourceFD(ctx *Context, resID uint32) (int, error) {
	res, ok := ctx.Resource(resID)
	if !ok {
		return -1, NewError(ENOENT, "context %d: no such resource %d", ctx.ID, resID)
	}
	if res.OpaqueFD < 0 {
		return -1, NewError(EINVAL, "resource %d is not exportable", resID)
	}

	fd, err := unix.FcntlInt(uintptr(res.OpaqueFD), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, WrapError(err, EIO, "export resource %d", resID)
	}
	return fd, nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
