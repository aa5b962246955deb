// Package brick provides reference-counted ownership of library.Node
// values on the control-thread side of vgraphd, mirroring the original
// implementation's split between a shared-pointer wrapper held by control
// code and the raw brick pointers carried through the command queue.
//
// A Handle never touches a Node directly; destruction is always performed
// by whatever DestroyFunc it was built with, so the actual teardown can be
// deferred onto the poller goroutine by enqueuing a queue.BrickDestroy
// command instead of calling into the library from the control thread.
package brick

import (
	"sync/atomic"

	"github.com/outscale/vgraphd/library"
)

// DestroyFunc releases node. It is called at most once, when the last
// reference to a Handle is released.
type DestroyFunc func(node library.Node)

// NoopDestroy is used for handles whose real destruction is scheduled
// explicitly elsewhere. A NIC's firewall brick is destroyed once every
// reference to it — the owning nicState's and the poller's own pollables
// snapshot — has been released; wrapping it in a Handle built with
// NoopDestroy lets an ordinary Release call from either side not race
// the other into destroying it too early or not at all.
func NoopDestroy(library.Node) {}

// Handle is a shared, reference-counted owner of a library.Node. The
// zero Handle is not usable; construct one with New.
type Handle struct {
	node    library.Node
	destroy DestroyFunc
	refs    atomic.Int32
}

// New wraps node in a Handle with one reference held by the caller.
func New(node library.Node, destroy DestroyFunc) *Handle {
	h := &Handle{node: node, destroy: destroy}
	h.refs.Store(1)
	return h
}

// Node returns the underlying brick. It remains valid for as long as the
// caller (or anyone it shares the Handle with) holds a reference.
func (h *Handle) Node() library.Node {
	return h.node
}

// Retain adds a reference and returns h, so callers can write
// stored = other.Retain().
func (h *Handle) Retain() *Handle {
	h.refs.Add(1)
	return h
}

// Release drops a reference. When the last reference is dropped, destroy
// is invoked exactly once and last reports true. A handle built with
// NoopDestroy relies on this return value instead: last==true is the
// caller's signal that every other holder has let go and it may now
// schedule the real teardown itself.
func (h *Handle) Release() (last bool) {
	if h.refs.Add(-1) == 0 {
		h.destroy(h.node)
		return true
	}
	return false
}

// Refs reports the current reference count, for tests and diagnostics.
func (h *Handle) Refs() int32 {
	return h.refs.Load()
}
