package scrub

import "errors"

var (
	// ErrNotSupported is returned when the device cannot scrub system memory.
	ErrNotSupported = errors.New("scrub: sysmem scrub not supported")

	// ErrNoMemory is returned when no pending slot is available. The caller
	// keeps ownership of the region.
	ErrNoMemory = errors.New("scrub: no memory for pending entry")

	// ErrInvalidState is returned for a precondition violation: the device
	// lock is not held, the scrubber is closed, or the region is not a whole
	// top-level allocation.
	ErrInvalidState = errors.New("scrub: invalid state")

	// ErrEngineSubmitFailed is returned when the engine rejects a clear.
	// ScrubAndFree recovers from it on the async path by clearing
	// synchronously.
	ErrEngineSubmitFailed = errors.New("scrub: engine submission failed")
)
