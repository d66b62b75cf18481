// Package device models the GPU context that owns a scrubber: its identity,
// capabilities, the device lock callers must hold, and the registry the
// scrubber reads its mode from.
package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RegDisableAsyncSysmemScrub disables asynchronous sysmem scrubbing when set
// to true. Read once when a scrubber is constructed.
const RegDisableAsyncSysmemScrub = "RmDisableAsyncSysmemScrub"

// Registry is the configuration source consulted at construction time.
type Registry interface {
	LookupBool(key string) (value bool, ok bool)
}

// MapRegistry is a Registry backed by a plain map.
type MapRegistry map[string]bool

// LookupBool implements Registry.
func (r MapRegistry) LookupBool(key string) (bool, bool) {
	v, ok := r[key]
	return v, ok
}

// Capabilities describes what the device supports.
type Capabilities struct {
	// SysmemScrub reports whether the copy engine can clear system memory.
	SysmemScrub bool
}

// Config configures a Device.
type Config struct {
	// ID identifies the device. Default: a random UUID.
	ID           string
	Capabilities Capabilities
	Registry     Registry
}

// Device is an owning context. Operations that require external
// serialization take a context produced by Lock.
type Device struct {
	id       string
	caps     Capabilities
	registry Registry

	sem    chan struct{}
	holder atomic.Pointer[lockToken]
}

// lockToken is carried by the context returned from Lock. It stays valid
// until the matching unlock.
type lockToken struct {
	dev  *Device
	live atomic.Bool
}

type tokenKey struct{}

// New creates a Device.
func New(cfg Config) *Device {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = MapRegistry(nil)
	}
	return &Device{
		id:       id,
		caps:     cfg.Capabilities,
		registry: reg,
		sem:      make(chan struct{}, 1),
	}
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// Capabilities returns the device capabilities.
func (d *Device) Capabilities() Capabilities { return d.caps }

// Registry returns the device registry.
func (d *Device) Registry() Registry { return d.registry }

// Lock acquires the device lock, blocking until it is available or ctx is
// done. The returned context proves ownership to LockHeld; the returned
// function releases the lock and is safe to call more than once.
func (d *Device) Lock(ctx context.Context) (context.Context, func(), error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}

	tok := &lockToken{dev: d}
	tok.live.Store(true)
	d.holder.Store(tok)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			tok.live.Store(false)
			d.holder.CompareAndSwap(tok, nil)
			<-d.sem
		})
	}
	return context.WithValue(ctx, tokenKey{}, tok), unlock, nil
}

// LockHeld reports whether ctx carries live ownership of this device's lock.
func (d *Device) LockHeld(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	tok, ok := ctx.Value(tokenKey{}).(*lockToken)
	return ok && tok.dev == d && tok.live.Load() && d.holder.Load() == tok
}
