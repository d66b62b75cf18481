// Package resource provides the memory objects handed to the scrubber: a
// reference-counted Handle contract and Region, a system-memory region
// backed by an anonymous mapping.
package resource

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSize is returned for non-positive or inconsistent sizes.
	ErrInvalidSize = errors.New("resource: invalid size")

	// ErrOutOfRange is returned when a sub-region exceeds its parent.
	ErrOutOfRange = errors.New("resource: sub-region out of range")
)

// Handle is an opaque reference to a memory object.
//
// AddRef and Release adjust the logical reference count; the backing memory
// is returned when the count reaches zero. Destroy retires the descriptor
// and is only valid after that.
type Handle interface {
	ID() string
	Size() int64
	ActualSize() int64
	IsSubRegion() bool
	RefCount() int32
	AddRef()
	Release()
	Destroy()
	Bytes() []byte
}

// Option configures a Region.
type Option func(*regionOptions)

type regionOptions struct {
	actual int64
	onFree func(*Region)
}

// WithActualSize sets the physical backing size, which defaults to the
// logical size.
func WithActualSize(n int64) Option {
	return func(o *regionOptions) { o.actual = n }
}

// WithOnFree registers a hook run once the backing has been returned.
func WithOnFree(fn func(*Region)) Option {
	return func(o *regionOptions) { o.onFree = fn }
}

// Region is a system-memory region. It starts with one reference, owned by
// whoever created it.
type Region struct {
	id     string
	size   int64
	actual int64
	parent *Region
	onFree func(*Region)

	mu  sync.Mutex
	mem []byte // nil once freed

	refs      atomic.Int32
	frees     atomic.Int32
	destroyed atomic.Bool
}

var _ Handle = (*Region)(nil)

// NewRegion maps a new region of size bytes.
func NewRegion(size int64, opts ...Option) (*Region, error) {
	o := regionOptions{actual: size}
	for _, opt := range opts {
		opt(&o)
	}
	if size <= 0 || o.actual < size {
		return nil, fmt.Errorf("%w: size=%d actual=%d", ErrInvalidSize, size, o.actual)
	}

	mem, err := mapBacking(o.actual)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", o.actual, err)
	}

	r := &Region{
		id:     uuid.NewString(),
		size:   size,
		actual: o.actual,
		onFree: o.onFree,
		mem:    mem,
	}
	r.refs.Store(1)
	return r, nil
}

// Sub returns a view of n bytes at off. The view pins r until the view
// itself is freed.
func (r *Region) Sub(off, n int64) (*Region, error) {
	if off < 0 || n <= 0 || off+n > r.size {
		return nil, fmt.Errorf("%w: off=%d n=%d size=%d", ErrOutOfRange, off, n, r.size)
	}
	r.mu.Lock()
	mem := r.mem
	r.mu.Unlock()
	if mem == nil {
		return nil, fmt.Errorf("resource: sub-region of freed region %s", r.id)
	}

	r.AddRef()
	s := &Region{
		id:     uuid.NewString(),
		size:   n,
		actual: n,
		parent: r,
		mem:    mem[off : off+n : off+n],
	}
	s.refs.Store(1)
	return s, nil
}

func (r *Region) ID() string         { return r.id }
func (r *Region) Size() int64        { return r.size }
func (r *Region) ActualSize() int64  { return r.actual }
func (r *Region) IsSubRegion() bool  { return r.parent != nil }
func (r *Region) RefCount() int32    { return r.refs.Load() }
func (r *Region) Frees() int32       { return r.frees.Load() }
func (r *Region) Destroyed() bool    { return r.destroyed.Load() }
func (r *Region) Freed() bool        { return r.frees.Load() != 0 }

// Bytes returns the logical contents, or nil once the backing is gone.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	return r.mem[:r.size]
}

// AddRef takes an additional logical reference.
func (r *Region) AddRef() {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("resource: AddRef on released region %s", r.id))
	}
}

// Release drops one logical reference, returning the backing on the last.
func (r *Region) Release() {
	n := r.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("resource: Release of region %s with no references", r.id))
	}
	if n > 0 {
		return
	}

	r.mu.Lock()
	mem := r.mem
	r.mem = nil
	r.mu.Unlock()

	if r.frees.Add(1) != 1 {
		panic(fmt.Sprintf("resource: region %s freed twice", r.id))
	}
	if r.parent != nil {
		r.parent.Release()
	} else if mem != nil {
		// the mapping is ours; a failed unmap leaks it but nothing else
		_ = unmapBacking(mem[:cap(mem)])
	}
	if r.onFree != nil {
		r.onFree(r)
	}
}

// Destroy retires the descriptor. The backing must already be returned.
func (r *Region) Destroy() {
	if r.refs.Load() != 0 {
		panic(fmt.Sprintf("resource: Destroy of region %s with %d references", r.id, r.refs.Load()))
	}
	if !r.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("resource: region %s destroyed twice", r.id))
	}
}
