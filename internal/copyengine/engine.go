// Package copyengine provides the asynchronous clear engine used by the
// scrubber: the Engine contract and Local, a software implementation that
// executes clears on its own goroutine.
//
// Submissions are numbered from 1 in submission order and complete in that
// order, so LastCompleted is a watermark: every sequence number at or below
// it has finished. Completion callbacks run on the engine's executor
// goroutine, which must not block; callers defer real work elsewhere.
package copyengine

import (
	"errors"

	"github.com/dray-io/sysscrub/internal/resource"
)

var (
	// ErrBusy is returned by async submissions when the ring is full.
	ErrBusy = errors.New("copyengine: submission ring full")

	// ErrDestroyed is returned once Destroy has been called.
	ErrDestroyed = errors.New("copyengine: engine destroyed")

	// ErrCallbacksDisabled is returned when a completion callback is passed
	// to an engine created without callback support.
	ErrCallbacksDisabled = errors.New("copyengine: completion callbacks disabled")

	// ErrLength is returned when the clear length is outside the region.
	ErrLength = errors.New("copyengine: invalid clear length")

	// ErrRegionFreed is returned when the region lost its backing before the
	// clear executed.
	ErrRegionFreed = errors.New("copyengine: region backing released")
)

// Flags modify a clear request.
type Flags uint32

const (
	// FlagPipelined orders the clear after all previously submitted work.
	FlagPipelined Flags = 1 << iota
	// FlagAsync returns as soon as the clear is queued.
	FlagAsync
)

// ClearRequest describes one clear.
type ClearRequest struct {
	Region resource.Handle
	Length int64
	Flags  Flags

	// OnComplete, if set, is called with Arg from the executor after the
	// clear completes. Only honoured with FlagAsync.
	OnComplete func(arg any)
	Arg        any
}

// Engine is the asynchronous clear engine contract.
type Engine interface {
	// SubmitClear queues a clear. With FlagAsync it never blocks and returns
	// the submission's sequence number; otherwise it blocks until the clear
	// has executed.
	SubmitClear(req ClearRequest) (uint64, error)

	// LastCompleted returns the completion watermark. It never decreases.
	LastCompleted() uint64

	// Destroy stops accepting work, completes everything already submitted
	// and returns once no completion callback is running or will run again.
	Destroy()
}

// Options configures an engine.
type Options struct {
	// QueueDepth bounds in-flight submissions. Default: 64.
	QueueDepth int

	// CompletionCallbacks enables ClearRequest.OnComplete.
	CompletionCallbacks bool
}

// Factory creates an engine. The scrubber owns what it returns.
type Factory func(Options) (Engine, error)

// LocalFactory returns a Factory producing Local engines. If created is
// non-nil it is called with each engine, letting callers keep the concrete
// type for Pause/Resume.
func LocalFactory(created func(*Local)) Factory {
	return func(opts Options) (Engine, error) {
		e := NewLocal(opts)
		if created != nil {
			created(e)
		}
		return e, nil
	}
}
