// Package poller runs the single goroutine that owns every brick
// mutation: it drains queue.Command values pushed by control threads and
// drives the packet-processing hot loop, mirroring the original design's
// single OS thread pinned to a dedicated CPU.
package poller

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/queue"
)

// checkStride is how often (in loop iterations) the poller drains the
// command queue. Amortizing queue polling against packet polling this
// way keeps per-packet latency low without starving control operations.
const checkStride = 1024

// gcStride is how often the poller runs firewall garbage collection.
const gcStride = 100000

// gcYield is how long the poller sleeps after a GC pass, giving
// cgroup-constrained peers a chance to run.
const gcYield = 5 * time.Microsecond

// Poller drains q and polls uplink plus whatever branch tails were
// last handed to it via a queue.UpdatePoll command.
type Poller struct {
	q      *queue.Queue
	ops    library.Ops
	uplink library.Node
	logger *slog.Logger
}

// New builds a Poller that will drive uplink and consume commands from q.
func New(q *queue.Queue, ops library.Ops, uplink library.Node, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{q: q, ops: ops, uplink: uplink, logger: logger.With("component", "poller")}
}

// Run pins the calling goroutine's underlying OS thread to coreID via
// sched_setaffinity, then loops until an Exit command is dequeued.
// Callers invoke Run in its own goroutine after calling
// runtime.LockOSThread, mirroring the way per-thread namespace state is
// pinned and restored around a single OS thread in netns.Run — the same
// x/sys/unix seam, aimed at CPU placement instead of a namespace fd.
func (p *Poller) Run(coreID int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		p.logger.Error("failed to set poller CPU affinity", "core", coreID, "error", err)
	}

	var current queue.Pollables
	for cnt := uint64(0); ; cnt++ {
		if cnt%checkStride == 0 {
			next, exit := p.drain()
			if next != nil {
				p.releaseSnapshot(current)
				current = next
			}
			if exit {
				p.logger.Debug("poll thread will now exit")
				p.releaseSnapshot(current)
				return
			}
		}

		if _, err := p.ops.Poll(p.uplink); err != nil {
			p.logger.Error("uplink poll failed", "error", err)
		}
		for _, entry := range current {
			if _, err := p.ops.Poll(entry.Node); err != nil {
				p.logger.Error("branch poll failed", "brick", entry.Node.Name(), "error", err)
			}
		}

		if cnt != 0 && cnt%gcStride == 0 {
			for _, entry := range current {
				if entry.Firewall != nil {
					p.ops.FirewallGC(entry.Firewall.Node())
				}
			}
			time.Sleep(gcYield)
			cnt = 0
		}
	}
}

// releaseSnapshot drops the poller's own reference, held on behalf of
// snap, from every entry's firewall handle. A handle built with
// brick.NoopDestroy only actually reaches ops.Destroy here once its
// owning nicState has already released its own reference (on NIC
// teardown), so a firewall is destroyed exactly once every handle
// naming it has been released, never while snap is still the live
// pollables generation.
func (p *Poller) releaseSnapshot(snap queue.Pollables) {
	for _, entry := range snap {
		if entry.Firewall == nil {
			continue
		}
		if last := entry.Firewall.Release(); last {
			if err := p.ops.Destroy(entry.Firewall.Node()); err != nil {
				p.logger.Error("firewall destroy failed", "brick", entry.Firewall.Node().Name(), "error", err)
			}
		}
	}
}

// drain pops every command currently queued and applies it. exit is true
// once an Exit command has been dequeued, at which point the caller must
// stop polling immediately; any commands still queued behind it are left
// undrained, matching the contract that nothing after EXIT executes.
func (p *Poller) drain() (next queue.Pollables, exit bool) {
	for {
		cmd, ok := p.q.Pop()
		if !ok {
			return next, false
		}
		if n, done := p.apply(cmd); done {
			return next, true
		} else if n != nil {
			next = n
		}
	}
}

// apply executes a single command. It returns a non-nil Pollables only
// for UpdatePoll, and exit=true only for Exit.
func (p *Poller) apply(cmd queue.Command) (queue.Pollables, bool) {
	switch c := cmd.(type) {
	case queue.Exit:
		return nil, true

	case queue.VhostStart:
		if err := p.ops.VhostStart(c.SocketFolder); err != nil {
			p.logger.Error("vhost_start failed", "error", err)
		}

	case queue.VhostStop:
		p.ops.VhostStop()

	case queue.Link:
		if err := p.ops.Link(c.West, c.East); err != nil {
			p.logger.Error("link failed", "west", c.West.Name(), "east", c.East.Name(), "error", err)
		}

	case queue.Unlink:
		if err := p.ops.Unlink(c.Brick); err != nil {
			p.logger.Error("unlink failed", "brick", c.Brick.Name(), "error", err)
		}

	case queue.UnlinkEdge:
		if err := p.ops.UnlinkEdge(c.West, c.East); err != nil {
			p.logger.Error("unlink_edge failed", "west", c.West.Name(), "east", c.East.Name(), "error", err)
		}

	case queue.AddVNI:
		if err := p.ops.VtepAddVNI(c.VTEP, c.Neighbor, c.VNI, c.Mcast); err != nil {
			p.logger.Error("add_vni failed", "vni", c.VNI, "error", err)
		}

	case queue.UpdatePoll:
		return c.Pollables, false

	case queue.FirewallReload:
		if err := p.ops.FirewallReload(c.Firewall); err != nil {
			p.logger.Error("fw_reload failed", "firewall", c.Firewall.Name(), "error", err)
		}

	case queue.FirewallNew:
		fw, err := p.ops.NewFirewall(c.Name, c.WestMax, c.EastMax, c.Flags)
		if err != nil {
			p.logger.Error("fw_new failed", "name", c.Name, "error", err)
		}
		*c.Out = fw

	case queue.BrickDestroy:
		if err := p.ops.Destroy(c.Brick); err != nil {
			p.logger.Error("brick_destroy failed", "brick", c.Brick.Name(), "error", err)
		}

	case queue.Nothing:
		// fence only, no effect.

	default:
		p.logger.Error("unhandled command", "type", cmd)
	}
	return nil, false
}
