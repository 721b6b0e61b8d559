package vxdna

import (
	"sync/atomic"

	"github.com/lab47/lsvd/logger"

	"github.com/lab47/vxdna/pkg/bo"
	"github.com/lab47/vxdna/pkg/hwctx"
	"github.com/lab47/vxdna/pkg/omap"
	"github.com/lab47/vxdna/pkg/resource"
)

// Context is one guest client's session against a Device (C5): its own
// open of the device node, and the resources/BOs/hwctxs it owns. A Device
// may host many Contexts; nothing is shared between two Contexts except
// the Device they both came from.
type Context struct {
	ID     uint32
	drmFD  int
	device *Device
	log    logger.Logger

	resources *omap.Map[uint32, *resource.Resource]
	bos       *omap.Map[uint32, *bo.BO]
	hwctxs    *omap.Map[uint32, *hwctx.HWContext] // keyed by ring index

	respResID uint32 // bound by CmdInit; 0 until then
	nextResID uint32
}

func newContext(id uint32, drmFD int, dev *Device, log logger.Logger) *Context {
	return &Context{
		ID:        id,
		drmFD:     drmFD,
		device:    dev,
		log:       log,
		resources: omap.New[uint32, *resource.Resource](),
		bos:       omap.New[uint32, *bo.BO](),
		hwctxs:    omap.New[uint32, *hwctx.HWContext](),
	}
}

// AddResource registers a guest-provided scatter-gather resource under a
// fresh id and returns it. Guests do not choose resource ids; the renderer
// does, mirroring virtio-GPU's own resource id allocation.
func (c *Context) AddResource(iovecs []resource.IOVec) *resource.Resource {
	id := atomic.AddUint32(&c.nextResID, 1)
	res := resource.New(id, iovecs)
	c.resources.Insert(id, res)
	return res
}

// Resource looks up a previously added resource.
func (c *Context) Resource(id uint32) (*resource.Resource, bool) {
	return c.resources.Lookup(id)
}

// DetachResource drops the id from this context's resource table without
// touching any BO or dmabuf that might still reference its memory; callers
// arrange teardown order themselves (spec: BOs may outlive the resource
// object once created).
func (c *Context) DetachResource(id uint32) {
	c.resources.Erase(id)
}

func (c *Context) HWContext(ringIdx uint32) (*hwctx.HWContext, bool) {
	return c.hwctxs.Lookup(ringIdx)
}

// Close tears down every BO, hwctx and resource this context still owns,
// then closes its own device fd. Order matters: hwctxs first (so no
// worker goroutine can touch a BO mid-teardown), then BOs, then the
// resource table, matching the ownership order in spec §5.
func (c *Context) Close() {
	c.hwctxs.Clear(func(_ uint32, hc *hwctx.HWContext) { hc.Close() })
	c.bos.Clear(func(_ uint32, b *bo.BO) { b.Close() })
	c.resources.Clear(nil)

	if c.drmFD >= 0 {
		if err := closeFD(c.drmFD); err != nil {
			c.log.Warn("close context fd failed", "context", c.ID, "err", err)
		}
	}
}
