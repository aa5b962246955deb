// Package branch assembles the per-NIC brick chain (firewall, antispoof,
// tail, optional packet-trace sniffer) and computes the Link commands
// that wire it together, following the branch-assembly rules keyed on a
// NIC's bypass_filtering and packet_trace flags.
package branch

import (
	"fmt"
	"os"

	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/model"
	"github.com/outscale/vgraphd/queue"
)

// Built is one NIC's assembled branch. Head is the upstream entry point
// the topology manager links the VTEP (or switch) to; it always equals
// one of Firewall, Antispoof, Sniffer or Tail, consistent with the
// assembly rules that produced it.
type Built struct {
	NicID     string
	Bypass    bool
	Head      library.Node
	Firewall  library.Node
	Antispoof library.Node
	Tail      library.Node
	Sniffer   library.Node
	PcapFile  *os.File
	TracePath string
}

// Path is the tail brick's externally visible name: a vhost-user socket
// path for VHOST_USER_SERVER NICs, or the tap interface name for TAP
// NICs.
func (b Built) Path() string {
	return b.Tail.Name()
}

// Assembler builds and later reshapes branches. ops creates the
// non-firewall bricks directly (they don't mutate shared topology, so
// unlike LINK/UNLINK they never need to run on the poller); firewall
// creation and every link go through q, since those do mutate shared
// brick state.
type Assembler struct {
	ops library.Ops
	q   *queue.Queue
}

// NewAssembler builds an Assembler using ops for brick creation and q
// for every command that must run on the poller.
func NewAssembler(ops library.Ops, q *queue.Queue) *Assembler {
	return &Assembler{ops: ops, q: q}
}

// Build assembles nic's branch from scratch: creates its firewall,
// antispoof, tail and (if requested) sniffer bricks, links them per the
// bypass_filtering/packet_trace assembly rules, and returns the result.
// Firewall creation is fenced with WaitEmptyQueue so the caller observes
// the handle FirewallNew writes back before proceeding.
func (a *Assembler) Build(nic model.Nic) (Built, error) {
	var fwNode library.Node
	a.q.Push(queue.FirewallNew{
		Name:    "firewall-" + nic.ID,
		WestMax: 1,
		EastMax: 1,
		Flags:   library.NoConnWorker,
		Out:     &fwNode,
	})
	a.q.WaitEmptyQueue()
	if fwNode == nil {
		return Built{}, fmt.Errorf("branch: firewall creation failed for nic %q", nic.ID)
	}

	antispoof, err := a.ops.NewAntispoof("antispoof-"+nic.ID, library.West, nic.MAC)
	if err != nil {
		return Built{}, fmt.Errorf("branch: create antispoof for nic %q: %w", nic.ID, err)
	}
	if nic.IPAntiSpoof {
		for _, ip := range nic.IPs {
			if ip4 := ip.To4(); ip4 != nil {
				if err := a.ops.AntispoofArpAdd(antispoof, ip4); err != nil {
					return Built{}, fmt.Errorf("branch: allow ARP for %s on nic %q: %w", ip, nic.ID, err)
				}
			}
		}
		a.ops.AntispoofArpEnable(antispoof)
	}

	tail, err := a.newTail(nic)
	if err != nil {
		return Built{}, err
	}

	b := Built{
		NicID:     nic.ID,
		Bypass:    nic.BypassFiltering,
		Firewall:  fwNode,
		Antispoof: antispoof,
		Tail:      tail,
	}

	var sniffer library.Node
	if nic.PacketTrace {
		sniffer, b.PcapFile, err = a.openSniffer(nic.ID, nic.PacketTracePath)
		if err != nil {
			return Built{}, err
		}
		b.Sniffer = sniffer
		b.TracePath = nic.PacketTracePath
	}

	switch {
	case nic.BypassFiltering && nic.PacketTrace:
		b.Head = sniffer
		a.q.Push(queue.Link{West: sniffer, East: tail})

	case nic.BypassFiltering:
		b.Head = tail

	case nic.PacketTrace:
		b.Head = fwNode
		a.q.Push(queue.Link{West: fwNode, East: antispoof})
		a.q.Push(queue.Link{West: antispoof, East: sniffer})
		a.q.Push(queue.Link{West: sniffer, East: tail})

	default:
		b.Head = fwNode
		a.q.Push(queue.Link{West: fwNode, East: antispoof})
		a.q.Push(queue.Link{West: antispoof, East: tail})
	}

	return b, nil
}

func (a *Assembler) newTail(nic model.Nic) (library.Node, error) {
	switch nic.Type {
	case model.VhostUserServer:
		tail, err := a.ops.NewVhost("vhost-" + nic.ID)
		if err != nil {
			return nil, fmt.Errorf("branch: create vhost tail for nic %q: %w", nic.ID, err)
		}
		return tail, nil
	case model.Tap:
		tail, err := a.ops.NewTapNIC(nic.ID)
		if err != nil {
			return nil, fmt.Errorf("branch: create tap tail for nic %q: %w", nic.ID, err)
		}
		return tail, nil
	default:
		return nil, fmt.Errorf("branch: unknown nic type %v for nic %q", nic.Type, nic.ID)
	}
}

func (a *Assembler) openSniffer(nicID, path string) (library.Node, *os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("branch: open pcap %q for nic %q: %w", path, nicID, err)
	}
	sniffer, err := a.ops.NewPrinter("sniffer-"+nicID, f, true)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("branch: create sniffer for nic %q: %w", nicID, err)
	}
	return sniffer, f, nil
}

// splice replaces the edge upstream->oldHead with upstream->newHead.
func splice(upstream, oldHead, newHead library.Node) []queue.Command {
	return []queue.Command{
		queue.UnlinkEdge{West: upstream, East: oldHead},
		queue.Link{West: upstream, East: newHead},
	}
}

// EnableTrace splices a sniffer into an already-built branch, updating
// b in place. upstream is whatever b.Head currently links from (the VTEP
// or the VNI's switch). A no-op if tracing is already enabled.
func (a *Assembler) EnableTrace(b *Built, nic model.Nic, upstream library.Node) error {
	if b.Sniffer != nil {
		return nil
	}
	sniffer, f, err := a.openSniffer(b.NicID, nic.PacketTracePath)
	if err != nil {
		return err
	}

	if b.Bypass {
		a.q.Push(queue.Link{West: sniffer, East: b.Tail})
		for _, cmd := range splice(upstream, b.Head, sniffer) {
			a.q.Push(cmd)
		}
		b.Head = sniffer
	} else {
		a.q.Push(queue.UnlinkEdge{West: b.Antispoof, East: b.Tail})
		a.q.Push(queue.Link{West: b.Antispoof, East: sniffer})
		a.q.Push(queue.Link{West: sniffer, East: b.Tail})
	}

	b.Sniffer = sniffer
	b.PcapFile = f
	b.TracePath = nic.PacketTracePath
	return nil
}

// DisableTrace reverses EnableTrace's splice, destroys the sniffer brick
// and closes its pcap file. A no-op if tracing is already disabled.
func (a *Assembler) DisableTrace(b *Built, upstream library.Node) {
	if b.Sniffer == nil {
		return
	}

	if b.Bypass {
		for _, cmd := range splice(upstream, b.Sniffer, b.Tail) {
			a.q.Push(cmd)
		}
		b.Head = b.Tail
	} else {
		a.q.Push(queue.UnlinkEdge{West: b.Antispoof, East: b.Sniffer})
		a.q.Push(queue.UnlinkEdge{West: b.Sniffer, East: b.Tail})
		a.q.Push(queue.Link{West: b.Antispoof, East: b.Tail})
	}

	a.q.Push(queue.BrickDestroy{Brick: b.Sniffer})
	if b.PcapFile != nil {
		b.PcapFile.Close()
	}
	b.Sniffer = nil
	b.PcapFile = nil
	b.TracePath = ""
}

// ChangeTracePath swaps the sniffer for one writing to newPath. A no-op
// if newPath matches the currently installed path or tracing is
// disabled; callers wanting to enable tracing at a path should call
// EnableTrace instead.
func (a *Assembler) ChangeTracePath(b *Built, upstream library.Node, newPath string) error {
	if b.Sniffer == nil || newPath == b.TracePath {
		return nil
	}

	newSniffer, f, err := a.openSniffer(b.NicID, newPath)
	if err != nil {
		return err
	}
	old := b.Sniffer

	if b.Bypass {
		a.q.Push(queue.Link{West: newSniffer, East: b.Tail})
		for _, cmd := range splice(upstream, old, newSniffer) {
			a.q.Push(cmd)
		}
		b.Head = newSniffer
	} else {
		a.q.Push(queue.UnlinkEdge{West: b.Antispoof, East: old})
		a.q.Push(queue.UnlinkEdge{West: old, East: b.Tail})
		a.q.Push(queue.Link{West: b.Antispoof, East: newSniffer})
		a.q.Push(queue.Link{West: newSniffer, East: b.Tail})
	}

	a.q.Push(queue.BrickDestroy{Brick: old})
	if b.PcapFile != nil {
		b.PcapFile.Close()
	}
	b.Sniffer = newSniffer
	b.PcapFile = f
	b.TracePath = newPath
	return nil
}
