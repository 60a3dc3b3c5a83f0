// Package sidebundle holds the data model shared by the closure builder,
// tracer, image providers, assembler and launcher: bundle specs, resolved
// files, per-entry plans and the launcher config that is written to disk and
// read back at extraction time.
package sidebundle

import "sync/atomic"

// Cleanup is a scoped resource guard: Fire runs the release function exactly
// once, and Detach suppresses it permanently. It models the "acquisition
// whose cleanup fires on every control-flow exit, with an explicit detach
// operation" pattern used by internal/image for a Root's temp directory and
// for removing the container an image was exported from.
type Cleanup struct {
	fn     func()
	fired  uint32
	detach uint32
}

// NewCleanup wraps fn in a Cleanup that has not yet fired or been detached.
func NewCleanup(fn func()) *Cleanup {
	return &Cleanup{fn: fn}
}

// Fire runs the release function unless it already ran or was detached. Safe
// to call multiple times and from a deferred statement.
func (c *Cleanup) Fire() {
	if c == nil || atomic.LoadUint32(&c.detach) != 0 {
		return
	}
	if atomic.CompareAndSwapUint32(&c.fired, 0, 1) {
		c.fn()
	}
}

// Detach transfers ownership of the resource away from this Cleanup: Fire
// becomes a no-op. Used when a temp directory or pid is handed off to a
// longer-lived owner instead of being released here.
func (c *Cleanup) Detach() {
	if c == nil {
		return
	}
	atomic.StoreUint32(&c.detach, 1)
}
