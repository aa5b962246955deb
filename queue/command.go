// Package queue defines the commands that flow from control threads into
// the single poller goroutine, and the FIFO they flow through. Commands
// are reified effects: pure data describing a graph mutation, never the
// mutation itself. Only the poller ever turns a Command into a call
// against library.Ops.
package queue

import (
	"github.com/outscale/vgraphd/brick"
	"github.com/outscale/vgraphd/library"
)

// Command is a unit of work destined for the poller. Commands enqueued
// by one control-thread operation are always dequeued in the order they
// were pushed, and any commands pushed by an earlier operation are fully
// applied before the commands of a later one.
type Command interface {
	isCommand()
}

// Exit tells the poller to stop its loop and return. Nothing enqueued
// after Exit will run.
type Exit struct{}

func (Exit) isCommand() {}

// VhostStart brings up the vhost-user transport, listening for peers
// under socketFolder.
type VhostStart struct {
	SocketFolder string
}

func (VhostStart) isCommand() {}

// VhostStop tears down the vhost-user transport.
type VhostStop struct{}

func (VhostStop) isCommand() {}

// Link connects West's east side to East's west side.
type Link struct {
	West library.Node
	East library.Node
}

func (Link) isCommand() {}

// Unlink detaches every edge touching Brick, on both sides.
type Unlink struct {
	Brick library.Node
}

func (Unlink) isCommand() {}

// UnlinkEdge detaches exactly the West->East edge, leaving any other
// edges on either brick untouched.
type UnlinkEdge struct {
	West library.Node
	East library.Node
}

func (UnlinkEdge) isCommand() {}

// AddVNI registers Neighbor under VNI on VTEP, using Mcast as the
// multicast group new traffic for that VNI is flooded to.
type AddVNI struct {
	VTEP     library.Node
	Neighbor library.Node
	VNI      uint32
	Mcast    []byte
}

func (AddVNI) isCommand() {}

// PollEntry pairs a pollable branch tail with a handle on the firewall
// guarding it, so the poller's periodic firewall_gc pass can walk the
// same snapshot it polls without a second lookup. Firewall is a
// brick.Handle rather than a bare library.Node because the snapshot
// itself holds a reference: a firewall is only actually destroyed once
// both its owning nicState and the last pollables snapshot naming it
// have released their handle.
type PollEntry struct {
	Node     library.Node
	Firewall *brick.Handle
}

// Pollables is an immutable snapshot handed to the poller by UpdatePoll.
// The poller keeps polling the previous snapshot until a new one is
// dequeued, and never frees the old snapshot from inside the hot loop.
type Pollables []PollEntry

type UpdatePoll struct {
	Pollables Pollables
}

func (UpdatePoll) isCommand() {}

// FirewallReload asks the library to recompute Firewall's compiled
// filter from whatever rules were most recently installed on it.
type FirewallReload struct {
	Firewall library.Node
}

func (FirewallReload) isCommand() {}

// FirewallNew creates a firewall brick and writes the resulting handle
// into Out, synchronously with respect to the caller: the caller enqueues
// this command and then calls WaitEmptyQueue to observe *Out populated.
type FirewallNew struct {
	Name    string
	WestMax uint32
	EastMax uint32
	Flags   library.FirewallFlags
	Out     *library.Node
}

func (FirewallNew) isCommand() {}

// BrickDestroy releases Brick back to the library. Scheduling
// destruction here, rather than performing it on the control thread,
// keeps every brick mutation confined to the poller goroutine.
type BrickDestroy struct {
	Brick library.Node
}

func (BrickDestroy) isCommand() {}

// Nothing is a no-op fence. WaitEmptyQueue pushes one and then polls the
// queue length, so it can tell when every command pushed before it has
// been drained without inspecting poller-internal state.
type Nothing struct{}

func (Nothing) isCommand() {}
