package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dray-io/sysscrub/internal/device"
	"github.com/dray-io/sysscrub/internal/logging"
	"github.com/dray-io/sysscrub/internal/resource"
	"github.com/dray-io/sysscrub/internal/scrub"
)

// noMemoryBackoff is how long a producer waits before resubmitting a region
// rejected with scrub.ErrNoMemory.
const noMemoryBackoff = time.Millisecond

// workload runs producers that allocate, dirty and hand regions to the
// scrubber until ctx is done.
type workload struct {
	dev       *device.Device
	scrubber  scrub.Reclaimer
	alloc     *resource.Allocator
	producers int
	size      int64
	interval  time.Duration
	logger    *logging.Logger

	submitted atomic.Int64
	retried   atomic.Int64
}

func (w *workload) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.producers; i++ {
		id := i
		g.Go(func() error {
			return w.produce(gctx, id)
		})
	}
	return g.Wait()
}

func (w *workload) produce(ctx context.Context, id int) error {
	pattern := byte(id + 1)
	for ctx.Err() == nil {
		r, err := w.alloc.Alloc(w.size)
		if err != nil {
			return fmt.Errorf("producer %d: alloc: %w", id, err)
		}
		b := r.Bytes()
		for i := range b {
			b[i] = pattern
		}

		if err := w.submit(ctx, r); err != nil {
			// still ours
			discard(r)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("producer %d: %w", id, err)
		}
		w.submitted.Add(1)

		if w.interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.interval):
			}
		}
	}
	return nil
}

// submit hands r to the scrubber under the device lock, retrying while the
// pending list is full.
func (w *workload) submit(ctx context.Context, r *resource.Region) error {
	for {
		lockCtx, unlock, err := w.dev.Lock(ctx)
		if err != nil {
			return err
		}
		err = w.scrubber.ScrubAndFree(lockCtx, r)
		unlock()
		if !errors.Is(err, scrub.ErrNoMemory) {
			return err
		}

		w.retried.Add(1)
		w.logger.LimitedWarnf("pending-full", "pending list full, retrying", map[string]any{
			"region": r.ID(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(noMemoryBackoff):
		}
	}
}

// discard frees a region the scrubber never took.
func discard(r *resource.Region) {
	clear(r.Bytes())
	r.Release()
	r.Destroy()
}
