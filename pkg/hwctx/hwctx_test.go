package hwctx

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lab47/lsvd/logger"
	"github.com/stretchr/testify/require"

	"github.com/lab47/vxdna/pkg/submitring"
)

var errTestWait = errors.New("simulated wait failure")

func newTestHWContext() *HWContext {
	hc := &HWContext{Handle: 1, SyncObj: 2, log: logger.New(logger.Trace), inflight: submitring.New(4)}
	hc.cond = sync.NewCond(&hc.mu)
	hc.waitSeq = func(seq uint64, timeoutNsec int64) error { return nil }
	hc.wg.Add(1)
	go hc.retireLoop()
	return hc
}

func TestSubmitFenceWithoutLatchFiresSynchronously(t *testing.T) {
	hc := newTestHWContext()

	var fired uint64
	callback := false
	hc.OnRetire = func(fenceID uint64) {
		fired = fenceID
		callback = true
	}

	hc.SubmitFence(8)

	require.True(t, callback, "SubmitFence with no latch must fire the callback before returning")
	require.Equal(t, uint64(8), fired)
	require.Equal(t, 0, hc.PendingCount())
}

func TestLatchThenSubmitFenceQueuesForWorker(t *testing.T) {
	hc := newTestHWContext()

	var mu sync.Mutex
	var order []uint64
	done := make(chan struct{})

	hc.OnRetire = func(fenceID uint64) {
		mu.Lock()
		order = append(order, fenceID)
		mu.Unlock()
		close(done)
	}

	hc.LatchWait(42, 1_000_000)
	hc.SubmitFence(7)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("latched fence did not retire in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{7}, order)
}

func TestSecondSubmitFenceAfterSingleLatchFiresSynchronously(t *testing.T) {
	// A wait_cmd followed by two submit_fences before any new wait_cmd: the
	// first consumes the latch and is queued, the second finds the slot
	// empty again and fires immediately on the caller's goroutine.
	hc := newTestHWContext()
	hc.waitSeq = func(seq uint64, timeoutNsec int64) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	var mu sync.Mutex
	var syncFired, asyncFired bool
	hc.OnRetire = func(fenceID uint64) {
		mu.Lock()
		defer mu.Unlock()
		switch fenceID {
		case 2:
			asyncFired = true
		case 3:
			syncFired = true
		}
	}

	hc.LatchWait(1, 1_000_000)
	hc.SubmitFence(2)
	hc.SubmitFence(3)

	mu.Lock()
	require.True(t, syncFired, "second submit_fence with no intervening wait_cmd must fire synchronously")
	require.False(t, asyncFired, "first submit_fence is still waiting on the worker")
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return asyncFired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFencesRetireInFIFOOrder(t *testing.T) {
	hc := newTestHWContext()

	var mu sync.Mutex
	var order []uint64
	done := make(chan struct{})

	hc.OnRetire = func(fenceID uint64) {
		mu.Lock()
		order = append(order, fenceID)
		mu.Unlock()
		if fenceID == 2 {
			close(done)
		}
	}

	hc.LatchWait(1, 0)
	hc.SubmitFence(1)
	hc.LatchWait(2, 0)
	hc.SubmitFence(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fences did not retire in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2}, order)
}

func TestCloseDrainsPendingBeforeStopping(t *testing.T) {
	hc := newTestHWContext()

	fired := make(chan struct{}, 1)
	hc.OnRetire = func(fenceID uint64) { fired <- struct{}{} }

	hc.LatchWait(1, 0)
	hc.SubmitFence(1)

	// Stop right away, while the fence may still be queued: the worker
	// must retire it before exiting.
	hc.mu.Lock()
	hc.stopped = true
	hc.cond.Broadcast()
	hc.mu.Unlock()
	hc.wg.Wait()

	require.Len(t, fired, 1, "fence queued at stop time was not retired")
	require.Equal(t, 0, hc.PendingCount())
}

func TestWaitErrorStillFiresCallback(t *testing.T) {
	hc := newTestHWContext()
	hc.waitSeq = func(seq uint64, timeoutNsec int64) error { return errTestWait }

	called := false
	hc.OnRetire = func(fenceID uint64) { called = true }

	hc.LatchWait(5, 0)
	hc.SubmitFence(5)

	// The callback must still fire exactly once even though the syncobj
	// wait failed — the guest must not be left with a fence permanently
	// un-retired.
	require.Eventually(t, func() bool {
		return hc.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, called)
}

func TestRetireLoopUsesFenceOwnTimeout(t *testing.T) {
	hc := newTestHWContext()

	var gotTimeout int64 = -999
	done := make(chan struct{})
	hc.waitSeq = func(seq uint64, timeoutNsec int64) error {
		gotTimeout = timeoutNsec
		return nil
	}
	hc.OnRetire = func(fenceID uint64) { close(done) }

	hc.LatchWait(9, 12345)
	hc.SubmitFence(9)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fence never retired")
	}
	require.EqualValues(t, 12345, gotTimeout)
}

func TestExecCmdRejectsWhenRingFull(t *testing.T) {
	hc := &HWContext{Handle: 1, inflight: submitring.New(2)}

	require.True(t, hc.inflight.Push(10))
	require.True(t, hc.inflight.Push(11))

	_, err := hc.ExecCmd(0, 0, 0)
	require.ErrorIs(t, err, ErrRingFull)
}
