// Package scrub clears system memory before it is returned to the allocator.
//
// A Scrubber takes ownership of a region, submits a clear to the copy engine
// and frees the region once the clear has completed. In async mode the
// submission returns immediately and the region waits on a pending list
// until the engine's completion watermark passes its sequence number.
// Completion callbacks only schedule a drain worker; the drain itself runs
// on a workqueue goroutine and releases regions outside any lock.
//
// When the engine rejects an async clear, or async mode is disabled through
// the RmDisableAsyncSysmemScrub registry key, the region is cleared
// synchronously and freed before ScrubAndFree returns.
//
// # Usage
//
//	s, err := scrub.New(dev, scrub.Options{Metrics: metrics.NewScrubMetrics()})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	lockCtx, unlock, err := dev.Lock(ctx)
//	if err != nil {
//	    return err
//	}
//	err = s.ScrubAndFree(lockCtx, region)
//	unlock()
package scrub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dray-io/sysscrub/internal/copyengine"
	"github.com/dray-io/sysscrub/internal/device"
	"github.com/dray-io/sysscrub/internal/logging"
	"github.com/dray-io/sysscrub/internal/metrics"
	"github.com/dray-io/sysscrub/internal/resource"
	"github.com/dray-io/sysscrub/internal/workqueue"
)

// Reclaimer accepts regions to be cleared and freed.
type Reclaimer interface {
	// ScrubAndFree takes ownership of region on success. On error the
	// caller still owns it.
	ScrubAndFree(ctx context.Context, region resource.Handle) error
	Close() error
}

var _ Reclaimer = (*Scrubber)(nil)

// Options configures a Scrubber.
type Options struct {
	// EngineFactory creates the copy engine.
	// Default: copyengine.LocalFactory(nil)
	EngineFactory copyengine.Factory

	// Engine is passed to EngineFactory. Completion callbacks are always
	// enabled.
	Engine copyengine.Options

	// Scheduler runs deferred drain workers. When nil the scrubber starts
	// its own workqueue configured by WorkQueue and stops it on Close.
	Scheduler workqueue.Scheduler
	WorkQueue workqueue.Config

	// MaxPending bounds the pending list. Submissions beyond it fail with
	// ErrNoMemory. Default: 0 (unbounded)
	MaxPending int

	Logger  *logging.Logger
	Metrics *metrics.ScrubMetrics
}

// Stats is a snapshot of a scrubber's counters.
type Stats struct {
	// Submitted counts regions accepted by ScrubAndFree on either path.
	Submitted uint64
	// SubmittedAsync counts regions added to the pending list.
	SubmittedAsync uint64
	// Fallbacks counts async rejections cleared synchronously.
	Fallbacks uint64
	// Reclaimed counts pending regions released by a drain.
	Reclaimed uint64
	// WorkersScheduled counts drain workers handed to the scheduler.
	WorkersScheduled uint64
	// Coalesced counts callbacks that found a worker already scheduled.
	Coalesced uint64
}

type counters struct {
	submitted        atomic.Uint64
	submittedAsync   atomic.Uint64
	fallbacks        atomic.Uint64
	reclaimed        atomic.Uint64
	workersScheduled atomic.Uint64
	coalesced        atomic.Uint64
}

const (
	stateActive int32 = iota
	stateDraining
	stateDestroyed
)

// Scrubber is a per-device scrub-and-free queue.
type Scrubber struct {
	dev     *device.Device
	async   bool
	logger  *logging.Logger
	metrics *metrics.ScrubMetrics

	scheduler workqueue.Scheduler
	queue     *workqueue.Queue // owned, nil when the caller supplied a Scheduler

	ws *workerState

	// guarded by ws.mu
	engine  copyengine.Engine
	pending pendingList

	state atomic.Int32
	stats counters
}

// New creates a Scrubber for dev.
func New(dev *device.Device, opts Options) (*Scrubber, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidState)
	}
	if !dev.Capabilities().SysmemScrub {
		return nil, fmt.Errorf("%w: device %s", ErrNotSupported, dev.ID())
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	s := &Scrubber{
		dev:     dev,
		logger:  logger.WithComponent("scrub").WithDevice(dev.ID()),
		metrics: opts.Metrics,
		pending: newPendingList(opts.MaxPending),
	}
	s.ws = newWorkerState(s)

	disabled, _ := dev.Registry().LookupBool(device.RegDisableAsyncSysmemScrub)
	s.async = !disabled

	factory := opts.EngineFactory
	if factory == nil {
		factory = copyengine.LocalFactory(nil)
	}
	engOpts := opts.Engine
	engOpts.CompletionCallbacks = true
	eng, err := factory(engOpts)
	if err == nil && eng == nil {
		err = errors.New("factory returned no engine")
	}
	if err != nil {
		s.ws.mu.Lock()
		s.ws.owner = nil
		s.ws.mu.Unlock()
		s.ws.release()
		return nil, fmt.Errorf("scrub: create engine: %w", err)
	}
	s.engine = eng

	s.scheduler = opts.Scheduler
	if s.scheduler == nil {
		wq := opts.WorkQueue
		if wq.Logger == nil {
			wq.Logger = logger
		}
		s.queue = workqueue.New(wq)
		s.queue.Start()
		s.scheduler = s.queue
	}

	s.logger.Infof("scrubber created", map[string]any{
		"async":      s.async,
		"maxPending": opts.MaxPending,
	})
	return s, nil
}

// Async reports whether submissions use the asynchronous path.
func (s *Scrubber) Async() bool { return s.async }

// Pending returns the number of regions awaiting their clear.
func (s *Scrubber) Pending() int {
	s.ws.mu.Lock()
	defer s.ws.mu.Unlock()
	return s.pending.len()
}

// Stats returns a snapshot of the scrubber's counters.
func (s *Scrubber) Stats() Stats {
	return Stats{
		Submitted:        s.stats.submitted.Load(),
		SubmittedAsync:   s.stats.submittedAsync.Load(),
		Fallbacks:        s.stats.fallbacks.Load(),
		Reclaimed:        s.stats.reclaimed.Load(),
		WorkersScheduled: s.stats.workersScheduled.Load(),
		Coalesced:        s.stats.coalesced.Load(),
	}
}

// ScrubAndFree clears region and frees it. ctx must come from the device's
// Lock. On success the caller's reference belongs to the scrubber and the
// region must not be touched again; on error the caller still owns it.
func (s *Scrubber) ScrubAndFree(ctx context.Context, region resource.Handle) error {
	if !s.dev.LockHeld(ctx) {
		return fmt.Errorf("%w: device lock not held", ErrInvalidState)
	}
	if s.state.Load() != stateActive {
		return fmt.Errorf("%w: scrubber closed", ErrInvalidState)
	}
	if !s.dev.Capabilities().SysmemScrub {
		return fmt.Errorf("%w: device %s", ErrNotSupported, s.dev.ID())
	}
	if region == nil {
		return fmt.Errorf("%w: nil region", ErrInvalidState)
	}
	if region.IsSubRegion() {
		return fmt.Errorf("%w: region %s is a sub-region", ErrInvalidState, region.ID())
	}
	if region.Size() != region.ActualSize() {
		return fmt.Errorf("%w: region %s size %d != actual size %d",
			ErrInvalidState, region.ID(), region.Size(), region.ActualSize())
	}
	if rc := region.RefCount(); rc != 1 {
		s.logger.Warnf("region has unexpected references", map[string]any{
			"region":   region.ID(),
			"refCount": rc,
		})
	}

	// Completion callbacks can be missed while a worker is being torn
	// down, so every submission also reclaims what has finished.
	drain(s, s.ws)

	if s.async {
		err := s.submitAsync(region)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrEngineSubmitFailed) {
			return err
		}
		s.stats.fallbacks.Add(1)
		s.metrics.RecordFallback()
		s.logger.LimitedWarnf("async-fallback", "async clear rejected, clearing synchronously", map[string]any{
			"region": region.ID(),
			"error":  err.Error(),
		})
	}
	return s.submitSync(region)
}

func (s *Scrubber) submitAsync(region resource.Handle) error {
	ws := s.ws
	ws.mu.Lock()
	if ws.owner == nil || s.engine == nil {
		ws.mu.Unlock()
		return fmt.Errorf("%w: scrubber closed", ErrInvalidState)
	}
	if s.pending.full() {
		n := s.pending.len()
		ws.mu.Unlock()
		return fmt.Errorf("%w: %d regions pending", ErrNoMemory, n)
	}

	// The pin keeps the backing alive until the drain releases it.
	region.AddRef()
	seq, err := s.engine.SubmitClear(copyengine.ClearRequest{
		Region:     region,
		Length:     region.Size(),
		Flags:      copyengine.FlagPipelined | copyengine.FlagAsync,
		OnComplete: onClearComplete,
		Arg:        s,
	})
	if err != nil {
		ws.mu.Unlock()
		region.Release()
		return fmt.Errorf("%w: %w", ErrEngineSubmitFailed, err)
	}
	s.pending.push(pendingEntry{region: region, seq: seq, submitted: time.Now()})
	// Dropping the caller's reference under the lock keeps the count above
	// zero until a drain can see the entry.
	region.Release()
	n := s.pending.len()
	ws.mu.Unlock()

	s.stats.submitted.Add(1)
	s.stats.submittedAsync.Add(1)
	s.metrics.RecordSubmitted(metrics.PathAsync)
	s.metrics.SetPending(n)
	return nil
}

func (s *Scrubber) submitSync(region resource.Handle) error {
	s.ws.mu.Lock()
	eng := s.engine
	s.ws.mu.Unlock()
	if eng == nil {
		return fmt.Errorf("%w: scrubber closed", ErrInvalidState)
	}

	if _, err := eng.SubmitClear(copyengine.ClearRequest{
		Region: region,
		Length: region.Size(),
		Flags:  copyengine.FlagPipelined,
	}); err != nil {
		return fmt.Errorf("scrub: clear region %s: %w", region.ID(), err)
	}

	s.free(region)
	s.stats.submitted.Add(1)
	s.metrics.RecordSubmitted(metrics.PathSync)
	return nil
}

// free drops the scrubber's reference and retires the descriptor once the
// backing is gone.
func (s *Scrubber) free(region resource.Handle) {
	region.Release()
	if rc := region.RefCount(); rc != 0 {
		s.logger.Warnf("scrubbed region still referenced after free", map[string]any{
			"region":   region.ID(),
			"refCount": rc,
		})
		return
	}
	region.Destroy()
}

// Close tears the scrubber down. It waits for the engine to finish every
// submitted clear, frees every pending region and returns once nothing is
// left to reclaim. Closing twice is a no-op.
func (s *Scrubber) Close() error {
	if !s.state.CompareAndSwap(stateActive, stateDraining) {
		return nil
	}
	ws := s.ws

	ws.mu.Lock()
	ws.owner = nil
	eng := s.engine
	ws.mu.Unlock()

	// Destroy waits for the executor, which takes ws.mu in callbacks.
	eng.Destroy()

	ws.mu.Lock()
	s.engine = nil
	ws.mu.Unlock()

	drain(s, ws)

	ws.mu.Lock()
	for ws.reclaiming > 0 {
		ws.reclaimed.Wait()
	}
	left := s.pending.len()
	ws.mu.Unlock()
	if left != 0 {
		panic(fmt.Sprintf("scrub: %d regions pending after teardown of device %s", left, s.dev.ID()))
	}
	s.metrics.SetPending(0)

	ws.release()
	if s.queue != nil {
		s.queue.Stop()
	}
	s.state.Store(stateDestroyed)

	st := s.Stats()
	s.logger.Infof("scrubber closed", map[string]any{
		"submitted": st.Submitted,
		"async":     st.SubmittedAsync,
		"fallbacks": st.Fallbacks,
		"reclaimed": st.Reclaimed,
		"workers":   st.WorkersScheduled,
		"coalesced": st.Coalesced,
	})
	return nil
}
