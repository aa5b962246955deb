package poller_test

import (
	"runtime"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outscale/vgraphd/brick"
	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/poller"
	"github.com/outscale/vgraphd/queue"
)

// TestPoller_ExitStopsRun also exercises the real sched_setaffinity call
// Run makes, locking the OS thread the way graph.Start's poller goroutine
// does so the affinity change is observable on that same thread once Run
// returns.
func TestPoller_ExitStopsRun(t *testing.T) {
	fake := library.NewFake()
	uplink, _ := fake.NewNicByPort(0)
	q := queue.New()
	p := poller.New(q, fake, uplink, nil)

	q.Push(queue.Exit{})

	done := make(chan struct{})
	var affErr error
	var pinned bool
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		p.Run(0)
		var got unix.CPUSet
		if err := unix.SchedGetaffinity(0, &got); err != nil {
			affErr = err
		} else {
			pinned = got.IsSet(0) && got.Count() == 1
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Exit")
	}

	if affErr != nil {
		t.Fatalf("SchedGetaffinity: %v", affErr)
	}
	if !pinned {
		t.Fatalf("expected the calling OS thread to be pinned to core 0 after Run")
	}
}

func TestPoller_AppliesLinkAndUpdatePoll(t *testing.T) {
	fake := library.NewFake()
	uplink, _ := fake.NewNicByPort(0)
	tail, _ := fake.NewVhost("vhost0")
	q := queue.New()
	p := poller.New(q, fake, uplink, nil)

	q.Push(queue.Link{West: uplink, East: tail})
	q.Push(queue.UpdatePoll{Pollables: queue.Pollables{{Node: tail}}})
	q.Push(queue.Exit{})

	done := make(chan struct{})
	go func() {
		p.Run(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Exit")
	}

	if !fake.HasEdge(uplink, tail) {
		t.Fatalf("expected uplink->tail edge after Link command")
	}
}

func TestPoller_FirewallNewWritesOutSynchronously(t *testing.T) {
	fake := library.NewFake()
	uplink, _ := fake.NewNicByPort(0)
	q := queue.New()
	p := poller.New(q, fake, uplink, nil)

	var out library.Node

	done := make(chan struct{})
	go func() {
		p.Run(0)
		close(done)
	}()

	q.Push(queue.FirewallNew{Name: "fw-nic1", WestMax: 1, EastMax: 1, Flags: library.NoConnWorker, Out: &out})
	q.WaitEmptyQueue()
	q.Push(queue.Exit{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Exit")
	}

	if out == nil {
		t.Fatalf("expected FirewallNew to populate Out")
	}
	if out.Name() != "fw-nic1" {
		t.Fatalf("out.Name() = %q, want %q", out.Name(), "fw-nic1")
	}
}

// TestPoller_ReleasesSnapshotFirewallHandleOnSwap exercises the
// deferred-destruction path: a firewall named in a retired pollables
// snapshot is only actually destroyed once both the snapshot's own
// reference and the caller's original reference have been released.
func TestPoller_ReleasesSnapshotFirewallHandleOnSwap(t *testing.T) {
	fake := library.NewFake()
	uplink, _ := fake.NewNicByPort(0)
	fw, err := fake.NewFirewall("fw-swap", 1, 1, library.NoConnWorker)
	if err != nil {
		t.Fatalf("NewFirewall: %v", err)
	}
	q := queue.New()
	p := poller.New(q, fake, uplink, nil)

	handle := brick.New(fw, brick.NoopDestroy)
	handle.Retain() // the pollables snapshot's own reference

	done := make(chan struct{})
	go func() {
		p.Run(0)
		close(done)
	}()

	q.Push(queue.UpdatePoll{Pollables: queue.Pollables{{Firewall: handle}}})
	q.WaitEmptyQueue()

	// The caller (standing in for a nicState that has torn down)
	// releases its own reference. The snapshot handed to the poller
	// still holds the other one, so the firewall must not be destroyed
	// yet.
	if last := handle.Release(); last {
		t.Fatalf("expected the pollables snapshot to still hold a reference")
	}
	if fake.Destroyed("fw-swap") {
		t.Fatalf("firewall destroyed before the poller retired its snapshot")
	}

	// A fresh, non-nil snapshot that no longer names the firewall
	// forces the poller to retire the old one, releasing its reference
	// and dropping the handle to zero.
	q.Push(queue.UpdatePoll{Pollables: queue.Pollables{}})
	q.WaitEmptyQueue()
	q.Push(queue.Exit{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Exit")
	}

	if !fake.Destroyed("fw-swap") {
		t.Fatalf("expected firewall to be destroyed once every handle was released")
	}
}
