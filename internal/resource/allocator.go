package resource

import "sync/atomic"

// Allocator hands out Regions and keeps count of how many have been returned.
// A region freed twice panics in Release, so Freed never exceeds Allocated.
type Allocator struct {
	allocated atomic.Int64
	freed     atomic.Int64
	bytes     atomic.Int64
}

// Alloc maps a new region of size bytes.
func (a *Allocator) Alloc(size int64) (*Region, error) {
	r, err := NewRegion(size, WithOnFree(a.onFree))
	if err != nil {
		return nil, err
	}
	a.allocated.Add(1)
	a.bytes.Add(r.ActualSize())
	return r, nil
}

func (a *Allocator) onFree(r *Region) {
	a.freed.Add(1)
	a.bytes.Add(-r.ActualSize())
}

// Allocated returns the number of regions handed out.
func (a *Allocator) Allocated() int64 { return a.allocated.Load() }

// Freed returns the number of regions whose backing has been returned.
func (a *Allocator) Freed() int64 { return a.freed.Load() }

// Live returns the number of regions still holding backing memory.
func (a *Allocator) Live() int64 { return a.allocated.Load() - a.freed.Load() }

// LiveBytes returns the backing bytes still mapped.
func (a *Allocator) LiveBytes() int64 { return a.bytes.Load() }
