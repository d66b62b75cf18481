package scrub

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/sysscrub/internal/workqueue"
)

// liveWorkerStates counts worker states not yet released.
var liveWorkerStates atomic.Int64

// workerState is the part of a scrubber that outlives it for as long as a
// deferred worker may still run. It is reference counted: the owning
// scrubber holds one reference and each scheduled worker holds another.
//
// mu guards owner, and also the owner's pending list, engine handle and
// reclaim count.
type workerState struct {
	mu         sync.Mutex
	reclaimed  *sync.Cond // signalled when an outside-the-lock reclaim finishes
	owner      *Scrubber  // nil once teardown begins
	reclaiming int

	refs     atomic.Int32
	queued   atomic.Bool
	released atomic.Bool
}

func newWorkerState(owner *Scrubber) *workerState {
	ws := &workerState{owner: owner}
	ws.reclaimed = sync.NewCond(&ws.mu)
	ws.refs.Store(1)
	liveWorkerStates.Add(1)
	return ws
}

func (ws *workerState) acquire() {
	if ws.refs.Add(1) <= 1 {
		panic("scrub: worker state acquired after release")
	}
}

func (ws *workerState) release() {
	n := ws.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("scrub: worker state refs %d", n))
	}
	if n > 0 {
		return
	}
	if !ws.released.CompareAndSwap(false, true) {
		panic("scrub: worker state released twice")
	}
	liveWorkerStates.Add(-1)
}

// headComplete reports whether the owner has a completed entry at the head
// of its pending list.
func (ws *workerState) headComplete() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	s := ws.owner
	if s == nil {
		return false
	}
	e, ok := s.pending.peek()
	return ok && e.seq <= s.watermarkLocked()
}

// watermarkLocked returns the engine's completion watermark. Once the
// engine is gone everything has completed.
func (s *Scrubber) watermarkLocked() uint64 {
	if s.engine == nil {
		return math.MaxUint64
	}
	return s.engine.LastCompleted()
}

// onClearComplete runs on the engine's executor after an async clear. It
// must not block or free anything; it only makes sure a drain worker is
// scheduled.
func onClearComplete(arg any) {
	s := arg.(*Scrubber)
	ws := s.ws

	if ws.queued.Load() {
		s.stats.coalesced.Add(1)
		s.metrics.RecordCoalesced()
		return
	}
	if !ws.headComplete() {
		return
	}
	if !ws.queued.CompareAndSwap(false, true) {
		s.stats.coalesced.Add(1)
		s.metrics.RecordCoalesced()
		return
	}

	ws.acquire()
	err := s.scheduler.Schedule(runDeferredDrain, ws, workqueue.FlagDontFreeArg|workqueue.FlagOutsideInterrupt)
	if err != nil {
		ws.queued.Store(false)
		ws.release()
		s.logger.LimitedWarnf("schedule-drain", "failed to schedule drain worker", map[string]any{
			"error": err.Error(),
		})
		return
	}
	s.stats.workersScheduled.Add(1)
	s.metrics.RecordWorkerScheduled()
}

// runDeferredDrain is the workqueue entry point. Its only argument is the
// worker state; the scrubber is reached through owner, which is nil once
// teardown has begun.
func runDeferredDrain(arg any) {
	ws := arg.(*workerState)
	ws.queued.Store(false)
	drain(nil, ws)
	ws.release()
}

// drain releases every pending region whose clear has completed. direct,
// when non-nil, is used instead of ws.owner; teardown passes it after
// clearing owner. Regions are released outside the lock.
func drain(direct *Scrubber, ws *workerState) int {
	ws.mu.Lock()
	s := direct
	if s == nil {
		s = ws.owner
	}
	if s == nil {
		ws.mu.Unlock()
		return 0
	}
	done := s.pending.detachCompleted(s.watermarkLocked())
	if len(done) == 0 {
		ws.mu.Unlock()
		return 0
	}
	ws.reclaiming++
	remaining := s.pending.len()
	ws.mu.Unlock()

	s.metrics.SetPending(remaining)
	for _, e := range done {
		s.logger.Debugf("freeing scrubbed region", map[string]any{
			"region":   e.region.ID(),
			"seq":      e.seq,
			"refCount": e.region.RefCount(),
		})
		s.free(e.region)
		s.stats.reclaimed.Add(1)
		s.metrics.RecordReclaimed(time.Since(e.submitted).Seconds())
	}

	ws.mu.Lock()
	ws.reclaiming--
	if ws.reclaiming == 0 {
		ws.reclaimed.Broadcast()
	}
	ws.mu.Unlock()
	return len(done)
}
