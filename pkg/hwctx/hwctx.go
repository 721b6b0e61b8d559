// Package hwctx implements the hardware context and its fence retirement
// worker (C4): one CREATE_HWCTX'd ring, its timeline syncobj, and the
// wait_cmd/submit_fence sync-point latch that decides whether a retired
// fence's callback fires synchronously or after a background wait (the
// VMM's own fence-write-into-guest-memory logic is out of scope here; this
// package only ever calls the callback it was handed).
package hwctx

import (
	"sync"
	"unsafe"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"

	"github.com/lab47/vxdna/internal/kioctl"
	"github.com/lab47/vxdna/pkg/submitring"
)

// ErrRingFull is returned by ExecCmd when the ring already has as many
// commands in flight as its hardware depth allows.
var ErrRingFull = errors.New("hwctx: ring at full depth")

// defaultRingDepth is used when a Context doesn't specify max_opc; real
// AMDXDNA rings are shallower than this, but nothing in the CCMD wire
// format requires a guest to supply one.
const defaultRingDepth = 128

// pendingFence is one Fence record queued for the retirement worker: the
// guest fence id plus the sync point and timeout latched by the wait_cmd
// that preceded its submit_fence.
type pendingFence struct {
	fenceID     uint64
	syncPoint   uint64
	timeoutNsec int64
}

// HWContext is one hardware context: a CREATE_HWCTX'd ring, its timeline
// syncobj, the pending-fences FIFO, and the single "current sync point +
// timeout" slot latched by wait_cmd.
type HWContext struct {
	Handle  uint32
	SyncObj uint32
	RingIdx uint32

	drmFD int
	log   logger.Logger

	inflight *submitring.SubmitRing

	mu           sync.Mutex
	cond         *sync.Cond
	pending      []pendingFence
	latched      bool
	latchSeq     uint64
	latchTimeout int64
	stopped      bool
	wg           sync.WaitGroup

	// OnRetire is invoked exactly once per fence handed to SubmitFence:
	// synchronously, on the caller's goroutine, if no sync point was
	// latched; otherwise from the retirement worker once its wait
	// completes, regardless of whether that wait succeeded or timed out.
	OnRetire func(fenceID uint64)

	// waitSeq is hc.waitSyncobj by default; overridden in tests so the
	// retirement loop can be exercised without a real DRM fd.
	waitSeq func(seq uint64, timeoutNsec int64) error
}

// New issues CREATE_HWCTX and starts the fence retirement worker.
func New(drmFD int, ringIdx uint32, maxOpc, numTiles, memSize uint32, qos kioctl.QoSInfo, log logger.Logger) (*HWContext, error) {
	req := kioctl.CreateHWCtxReq{
		QoS:      qos,
		MaxOpc:   maxOpc,
		NumTiles: numTiles,
		MemSize:  memSize,
	}
	if err := kioctl.Ioctl(drmFD, kioctl.IoctlCreateHWCtx, unsafe.Pointer(&req)); err != nil {
		return nil, errors.Wrap(err, "create hwctx")
	}

	depth := int(maxOpc)
	if depth <= 0 {
		depth = defaultRingDepth
	}

	hc := &HWContext{
		Handle:   req.Handle,
		SyncObj:  req.SyncObj,
		RingIdx:  ringIdx,
		drmFD:    drmFD,
		log:      log,
		inflight: submitring.New(depth),
	}
	hc.cond = sync.NewCond(&hc.mu)
	hc.waitSeq = hc.waitSyncobj

	hc.wg.Add(1)
	go hc.retireLoop()

	log.Trace("hwctx created", "handle", hc.Handle, "ring", ringIdx, "syncobj", hc.SyncObj)
	return hc, nil
}

// NewForTest builds an HWContext with its retirement worker running but no
// backing DRM fd or real CREATE_HWCTX/syncobj, for exercising dispatch
// against a hwctx without a real accelerator present.
func NewForTest(log logger.Logger) *HWContext {
	hc := &HWContext{Handle: 1, SyncObj: 1, drmFD: -1, log: log, inflight: submitring.New(defaultRingDepth)}
	hc.cond = sync.NewCond(&hc.mu)
	hc.waitSeq = func(seq uint64, timeoutNsec int64) error { return nil }
	hc.wg.Add(1)
	go hc.retireLoop()
	return hc
}

// ConfigHWCtx issues CONFIG_HWCTX, e.g. to bind an ERT firmware config or
// column allocation to this context.
func (hc *HWContext) ConfigHWCtx(paramType uint32, paramVal []byte) error {
	req := kioctl.ConfigHWCtxReq{
		Handle:       hc.Handle,
		ParamType:    paramType,
		ParamValSize: uint32(len(paramVal)),
	}
	if len(paramVal) > 0 {
		req.ParamVal = uint64(uintptr(unsafe.Pointer(&paramVal[0])))
	}
	if err := kioctl.Ioctl(hc.drmFD, kioctl.IoctlConfigHWCtx, unsafe.Pointer(&req)); err != nil {
		return errors.Wrap(err, "config hwctx")
	}
	return nil
}

// ExecCmd submits a single command buffer BO handle for execution and
// returns the sequence number the kernel assigned it.
func (hc *HWContext) ExecCmd(cmdHandle uint64, argsPtr uint64, argsCount uint32) (uint64, error) {
	if hc.inflight.Full() {
		return 0, ErrRingFull
	}

	req := kioctl.ExecCmdReq{
		Handle:    hc.Handle,
		CmdHandle: cmdHandle,
		CmdCount:  1,
		ArgsCount: argsCount,
		ArgsPtr:   argsPtr,
	}
	if err := kioctl.Ioctl(hc.drmFD, kioctl.IoctlExecCmd, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrap(err, "exec cmd")
	}

	if !hc.inflight.Push(req.Seq) {
		hc.log.Warn("submit ring depth exceeded after successful exec_cmd", "handle", hc.Handle, "seq", req.Seq)
	}

	return req.Seq, nil
}

// LatchWait latches (seq, timeoutNsec) into the hwctx's sync-point slot.
// wait_cmd never blocks: this only records what the next SubmitFence
// should wait for before it actually queues anything onto the retirement
// worker.
func (hc *HWContext) LatchWait(seq uint64, timeoutNsec int64) {
	hc.mu.Lock()
	hc.latched = true
	hc.latchSeq = seq
	hc.latchTimeout = timeoutNsec
	hc.mu.Unlock()
}

// SubmitFence delivers fenceID for retirement. The sync-point slot's state
// machine decides what happens: Empty (no prior LatchWait) fires the
// callback synchronously on the caller's goroutine and returns; Latched
// consumes the slot into a pending Fence record for the retirement worker
// and returns to Empty. This reproduces the guest-pipelining behavior a
// wait_cmd followed by two submit_fences relies on: the first is queued
// against the latched sync point, the second fires immediately.
func (hc *HWContext) SubmitFence(fenceID uint64) {
	hc.mu.Lock()
	if !hc.latched {
		hc.mu.Unlock()
		if hc.OnRetire != nil {
			hc.OnRetire(fenceID)
		}
		return
	}

	seq, timeout := hc.latchSeq, hc.latchTimeout
	hc.latched = false
	hc.pending = append(hc.pending, pendingFence{fenceID: fenceID, syncPoint: seq, timeoutNsec: timeout})
	hc.cond.Signal()
	hc.mu.Unlock()
}

// SyncobjFD exports this context's timeline syncobj as a pollable fd, for
// get_fence_fd.
func (hc *HWContext) SyncobjFD() (int, error) {
	req := kioctl.SyncobjHandleToFD{Handle: hc.SyncObj}
	if err := kioctl.Ioctl(hc.drmFD, kioctl.IoctlSyncobjHandleToFD, unsafe.Pointer(&req)); err != nil {
		return -1, errors.Wrap(err, "syncobj handle to fd")
	}
	return int(req.FD), nil
}

// waitSyncobj issues the real SYNCOBJ_TIMELINE_WAIT ioctl; only ever
// called from the retirement worker, never from wait_cmd itself.
func (hc *HWContext) waitSyncobj(seq uint64, timeoutNsec int64) error {
	handles := []uint32{hc.SyncObj}
	points := []uint64{seq}

	wait := kioctl.SyncobjTimelineWait{
		Handles:     uint64(uintptr(unsafe.Pointer(&handles[0]))),
		Points:      uint64(uintptr(unsafe.Pointer(&points[0]))),
		TimeoutNsec: timeoutNsec,
		Count:       1,
		Flags:       kioctl.SyncobjWaitFlagsWaitForSubmit,
	}
	if err := kioctl.Ioctl(hc.drmFD, kioctl.IoctlSyncobjTimelineWait, unsafe.Pointer(&wait)); err != nil {
		return errors.Wrapf(err, "wait cmd seq=%d", seq)
	}
	return nil
}

// retireLoop is the condvar-based worker: it sleeps on hc.cond until
// either stopped or the pending FIFO is non-empty, then blocks on the
// head fence's syncobj wait, using that fence's own latched timeout, and
// fires its callback exactly once regardless of the wait's outcome — the
// guest must not be left with a fence permanently un-retired.
func (hc *HWContext) retireLoop() {
	defer hc.wg.Done()

	for {
		hc.mu.Lock()
		for !hc.stopped && len(hc.pending) == 0 {
			hc.cond.Wait()
		}
		if hc.stopped && len(hc.pending) == 0 {
			hc.mu.Unlock()
			return
		}
		next := hc.pending[0]
		hc.pending = hc.pending[1:]
		hc.mu.Unlock()

		if err := hc.waitSeq(next.syncPoint, next.timeoutNsec); err != nil {
			hc.log.Error("fence wait failed", "handle", hc.Handle, "seq", next.syncPoint, "err", err)
		}
		hc.inflight.Pop()
		if hc.OnRetire != nil {
			hc.OnRetire(next.fenceID)
		}
	}
}

// Close stops the retirement worker, waiting for it to retire every fence
// still queued (the worker only exits once the queue is empty), then tears
// down the syncobj and hwctx.
func (hc *HWContext) Close() {
	hc.mu.Lock()
	hc.stopped = true
	hc.cond.Broadcast()
	hc.mu.Unlock()

	hc.wg.Wait()

	sdReq := kioctl.SyncobjDestroy{Handle: hc.SyncObj}
	if err := kioctl.Ioctl(hc.drmFD, kioctl.IoctlSyncobjDestroy, unsafe.Pointer(&sdReq)); err != nil {
		hc.log.Warn("destroy syncobj failed", "handle", hc.SyncObj, "err", err)
	}

	dReq := kioctl.DestroyHWCtxReq{Handle: hc.Handle}
	if err := kioctl.Ioctl(hc.drmFD, kioctl.IoctlDestroyHWCtx, unsafe.Pointer(&dReq)); err != nil {
		hc.log.Warn("destroy hwctx failed", "handle", hc.Handle, "err", err)
	}
}

// PendingCount reports the number of fences still queued for the
// retirement worker, for tests and diagnostics. A fence the worker has
// already taken off the queue, and is waiting on or retiring, is not
// counted.
func (hc *HWContext) PendingCount() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return len(hc.pending)
}
