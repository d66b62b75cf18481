package copyengine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dray-io/sysscrub/internal/logging"
)

// Local executes clears on a single executor goroutine.
type Local struct {
	depth     int
	callbacks bool
	logger    *logging.Logger

	mu        sync.Mutex
	cond      *sync.Cond // signalled on queue, space, pause and destroy changes
	queue     []*work
	nextSeq   uint64
	paused    bool
	destroyed bool

	completed atomic.Uint64
	executed  atomic.Uint64

	done        chan struct{}
	destroyOnce sync.Once
}

type work struct {
	seq  uint64
	req  ClearRequest
	done chan error // sync submissions only
}

// NewLocal starts a Local engine.
func NewLocal(opts Options) *Local {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	e := &Local{
		depth:     opts.QueueDepth,
		callbacks: opts.CompletionCallbacks,
		logger:    logging.Global().WithComponent("copyengine"),
		done:      make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// WithLogger replaces the engine logger.
func (e *Local) WithLogger(l *logging.Logger) *Local {
	e.mu.Lock()
	e.logger = l.WithComponent("copyengine")
	e.mu.Unlock()
	return e
}

// SubmitClear implements Engine.
func (e *Local) SubmitClear(req ClearRequest) (uint64, error) {
	if req.Region == nil || req.Length <= 0 || req.Length > req.Region.Size() {
		return 0, fmt.Errorf("%w: length=%d", ErrLength, req.Length)
	}
	async := req.Flags&FlagAsync != 0
	if async && req.OnComplete != nil && !e.callbacks {
		return 0, ErrCallbacksDisabled
	}

	w := &work{req: req}
	if !async {
		w.done = make(chan error, 1)
		w.req.OnComplete = nil
	}

	e.mu.Lock()
	for {
		if e.destroyed {
			e.mu.Unlock()
			return 0, ErrDestroyed
		}
		if len(e.queue) < e.depth {
			break
		}
		if async {
			e.mu.Unlock()
			return 0, ErrBusy
		}
		e.cond.Wait()
	}
	e.nextSeq++
	w.seq = e.nextSeq
	e.queue = append(e.queue, w)
	e.cond.Broadcast()
	e.mu.Unlock()

	if async {
		return w.seq, nil
	}
	return w.seq, <-w.done
}

// LastCompleted implements Engine.
func (e *Local) LastCompleted() uint64 {
	return e.completed.Load()
}

// Submitted returns the last sequence number handed out.
func (e *Local) Submitted() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSeq
}

// Executed returns the number of clears executed.
func (e *Local) Executed() uint64 {
	return e.executed.Load()
}

// Pause stops the executor after its current batch. Submissions keep
// queueing until the ring fills.
func (e *Local) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume restarts a paused executor.
func (e *Local) Resume() {
	e.mu.Lock()
	e.paused = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Destroy implements Engine. A paused engine is resumed so that everything
// submitted completes.
func (e *Local) Destroy() {
	e.destroyOnce.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		e.paused = false
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	<-e.done
}

func (e *Local) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for (len(e.queue) == 0 || e.paused) && !e.destroyed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			// destroyed and drained
			e.mu.Unlock()
			return
		}
		batch := e.queue
		e.queue = nil
		logger := e.logger
		e.cond.Broadcast()
		e.mu.Unlock()

		for _, w := range batch {
			err := e.execute(w)
			if w.done != nil {
				w.done <- err
			} else if err != nil {
				logger.Errorf("async clear failed", map[string]any{
					"seq":    w.seq,
					"region": w.req.Region.ID(),
					"error":  err.Error(),
				})
			}
		}

		e.completed.Store(batch[len(batch)-1].seq)

		for _, w := range batch {
			if w.req.OnComplete != nil {
				w.req.OnComplete(w.req.Arg)
			}
		}
	}
}

func (e *Local) execute(w *work) error {
	b := w.req.Region.Bytes()
	if b == nil {
		return ErrRegionFreed
	}
	clear(b[:w.req.Length])
	e.executed.Add(1)
	return nil
}
