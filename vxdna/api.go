// The exported C-ABI-shaped surface (spec §6): every entry point a host
// process embedding this renderer calls returns a plain negative-errno
// int rather than a Go error, since the caller on the other side of this
// boundary is ultimately a VMM's C/C++ virtio-GPU backend.
package vxdna

import (
	"github.com/lab47/lsvd/logger"

	"github.com/lab47/vxdna/internal/config"
	"github.com/lab47/vxdna/pkg/resource"
)

// DefaultLogger builds a logger.Logger at the level XVDNA_LOG_LEVEL names
// (spec §6), for a caller that registers a device without supplying its
// own logger.
func DefaultLogger() logger.Logger {
	return logger.New(config.LogLevelFromEnv())
}

// Renderer is the single object a host process constructs: a Registry of
// Devices plus the thin int-returning wrappers around Context/Dispatch
// operations that form the actual C-ABI surface.
type Renderer struct {
	Registry *Registry
}

func NewRenderer() *Renderer {
	return &Renderer{Registry: NewRegistry()}
}

// RegisterDevice adds a Device under cookie, advertising capsetID and
// calling back into callbacks for its device fd and fence delivery.
// Returns 0 on success, -ENOTSUP for an unsupported capset id, or -EEXIST
// if cookie is already registered.
func (r *Renderer) RegisterDevice(cookie uint64, capsetID uint32, callbacks Callbacks, log logger.Logger) int {
	if log == nil {
		log = DefaultLogger()
	}
	dev, err := NewDevice(cookie, capsetID, callbacks, log)
	if err != nil {
		return Errno(err)
	}
	if err := r.Registry.Register(dev); err != nil {
		return Errno(err)
	}
	return 0
}

// CreateContext opens a new Context against cookie's device, tagging its
// fd with name via DRM_IOCTL_SET_CLIENT_NAME when non-empty. Returns the
// new context id and 0, or a negative errno and a zero id.
func (r *Renderer) CreateContext(cookie uint64, name string) (uint32, int) {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return 0, -ENOENT
	}
	ctx, err := dev.CreateContext(name)
	if err != nil {
		return 0, Errno(err)
	}
	return ctx.ID, 0
}

// DestroyContext closes and forgets a Context.
func (r *Renderer) DestroyContext(cookie uint64, ctxID uint32) int {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return -ENOENT
	}
	dev.DestroyContext(ctxID)
	return 0
}

// AttachResource registers guest iovecs against a Context and returns the
// renderer-assigned resource id.
func (r *Renderer) AttachResource(cookie uint64, ctxID uint32, iovecs []resource.IOVec) (uint32, int) {
	ctx, err := r.lookupContext(cookie, ctxID)
	if err != 0 {
		return 0, err
	}
	res := ctx.AddResource(iovecs)
	return res.ID, 0
}

// DetachResource removes a previously attached resource from a Context.
func (r *Renderer) DetachResource(cookie uint64, ctxID, resID uint32) int {
	ctx, err := r.lookupContext(cookie, ctxID)
	if err != 0 {
		return err
	}
	ctx.DetachResource(resID)
	return 0
}

// ExportResourceFD dup's an exportable resource's dmabuf fd for the VMM to
// install as guest-visible memory. Returns the fd and 0, or -1 and a
// negative errno.
func (r *Renderer) ExportResourceFD(cookie uint64, ctxID, resID uint32) (int, int) {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return -1, -ENOENT
	}
	ctx, ok := dev.Context(ctxID)
	if !ok {
		return -1, -ENOENT
	}
	fd, err := dev.ExportResourceFD(ctx, resID)
	if err != nil {
		return -1, Errno(err)
	}
	return fd, 0
}

// Dispatch runs one CCMD, read out of the guest's command resource, against
// the named Context.
func (r *Renderer) Dispatch(cookie uint64, ctxID uint32, raw []byte) int {
	ctx, err := r.lookupContext(cookie, ctxID)
	if err != 0 {
		return err
	}
	if derr := ctx.Dispatch(raw); derr != nil {
		return Errno(derr)
	}
	return 0
}

// SubmitFence routes a VMM-submitted fence to ctxID's hwctx by ring index,
// or fires write_context_fence directly when ringIdx is InvalidCtxHandle
// (a free-floating fence, spec §4.6/§8 scenario 5).
func (r *Renderer) SubmitFence(cookie uint64, ctxID, ringIdx uint32, fenceID uint64) int {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return -ENODEV
	}
	if err := dev.SubmitFence(ctxID, ringIdx, fenceID); err != nil {
		return Errno(err)
	}
	return 0
}

// GetFenceFD exports a pollable fd for a still-pending fence's syncobj.
// Returns the fd and 0, or -1 and a negative errno.
func (r *Renderer) GetFenceFD(cookie uint64, fenceID uint64) (int, int) {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return -1, -ENODEV
	}
	fd, err := dev.GetFenceFD(fenceID)
	if err != nil {
		return -1, Errno(err)
	}
	return fd, 0
}

// GetCapsetInfo answers get_capset_info: the major version (max_version)
// and fixed wire size of the capset named by capsetID.
func (r *Renderer) GetCapsetInfo(cookie uint64, capsetID uint32) (uint32, uint32, int) {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return 0, 0, -ENODEV
	}
	version, size, err := dev.GetCapsetInfo(capsetID)
	if err != nil {
		return 0, 0, Errno(err)
	}
	return version, size, 0
}

// FillCapset answers fill_capset, copying the capset blob into buf.
func (r *Renderer) FillCapset(cookie uint64, capsetID uint32, buf []byte) int {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return -ENODEV
	}
	if err := dev.FillCapset(capsetID, buf); err != nil {
		return Errno(err)
	}
	return 0
}

func (r *Renderer) lookupContext(cookie uint64, ctxID uint32) (*Context, int) {
	dev, ok := r.Registry.Lookup(cookie)
	if !ok {
		return nil, -ENOENT
	}
	ctx, ok := dev.Context(ctxID)
	if !ok {
		return nil, -ENOENT
	}
	return ctx, 0
}

// Close tears down every registered device.
func (r *Renderer) Close() {
	r.Registry.Close()
}
