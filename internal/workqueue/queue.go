// Package workqueue defers work out of restricted contexts onto a small pool
// of worker goroutines.
//
// Code running where it must not block (an engine completion callback, for
// example) hands a function and its argument to Schedule and returns. The
// function later runs on a queue worker where blocking is allowed.
//
// # Usage
//
//	q := workqueue.New(workqueue.Config{Workers: 1, Depth: 16})
//	q.Start()
//	defer q.Stop()
//
//	err := q.Schedule(fn, arg, workqueue.FlagDontFreeArg|workqueue.FlagOutsideInterrupt)
package workqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dray-io/sysscrub/internal/logging"
)

var (
	// ErrFull is returned when the queue has no room. Schedule never blocks.
	ErrFull = errors.New("workqueue: queue full")

	// ErrStopped is returned by Schedule once Stop has been called.
	ErrStopped = errors.New("workqueue: queue stopped")
)

// Flags modify a scheduled item.
type Flags uint32

const (
	// FlagDontFreeArg leaves the argument alone after the function returns.
	// Without it an argument implementing Freer is freed.
	FlagDontFreeArg Flags = 1 << iota

	// FlagOutsideInterrupt requires the function to run on a queue worker
	// and never on the scheduling goroutine.
	FlagOutsideInterrupt
)

// Freer is implemented by arguments the queue releases after use.
type Freer interface {
	Free()
}

// Scheduler accepts deferred work.
type Scheduler interface {
	Schedule(fn func(arg any), arg any, flags Flags) error
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func(arg any), arg any, flags Flags) error

// Schedule implements Scheduler.
func (f SchedulerFunc) Schedule(fn func(arg any), arg any, flags Flags) error {
	return f(fn, arg, flags)
}

// Config configures a Queue.
type Config struct {
	// Workers is the number of worker goroutines.
	// Default: 1
	Workers int

	// Depth bounds the number of queued items.
	// Default: 16
	Depth int

	Logger *logging.Logger
}

type item struct {
	fn    func(arg any)
	arg   any
	flags Flags
}

// Queue runs scheduled functions on worker goroutines.
type Queue struct {
	config Config
	logger *logging.Logger
	items  chan item

	mu      sync.RWMutex
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ Scheduler = (*Queue)(nil)

// New creates a Queue. Items scheduled before Start wait for it.
func New(config Config) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Depth <= 0 {
		config.Depth = 16
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Queue{
		config: config,
		logger: logger.WithComponent("workqueue"),
		items:  make(chan item, config.Depth),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers. Calling it again, or after Stop, does nothing.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.stopped {
		return
	}
	q.running = true
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
}

// Stop rejects further scheduling, runs everything already queued and waits
// for the workers to exit. A queue that was never started runs its backlog
// on the calling goroutine.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.stopped = true
	started := q.running
	close(q.stopCh)
	q.mu.Unlock()

	if !started {
		q.drain()
		return
	}
	q.wg.Wait()
}

// Schedule queues fn to run with arg. It never blocks.
func (q *Queue) Schedule(fn func(arg any), arg any, flags Flags) error {
	if fn == nil {
		return errors.New("workqueue: nil function")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.items <- item{fn: fn, arg: arg, flags: flags}:
		return nil
	default:
		return ErrFull
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case it := <-q.items:
			q.execute(it)
		case <-q.stopCh:
			q.drain()
			return
		}
	}
}

// drain runs whatever is still queued. Nothing is added once stopCh is
// closed, so an empty channel means the backlog is done.
func (q *Queue) drain() {
	for {
		select {
		case it := <-q.items:
			q.execute(it)
		default:
			return
		}
	}
}

func (q *Queue) execute(it item) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("scheduled work panicked", map[string]any{
				"panic": fmt.Sprint(r),
			})
		}
	}()
	it.fn(it.arg)
	if it.flags&FlagDontFreeArg == 0 {
		if f, ok := it.arg.(Freer); ok {
			f.Free()
		}
	}
}
