// Package library is the seam between vgraphd and the external
// packet-processing library that actually owns bricks, links and packet
// I/O. That library — brick factories, poll, link/unlink, firewall
// reload, VTEP VNI registration, antispoof ARP tables, vhost start/stop —
// is an out-of-scope collaborator: vgraphd only ever calls it through the
// Ops interface defined here, and every brick it hands back is an opaque
// Node.
//
// No cgo/DPDK-backed implementation of Ops ships in this module. This
// package ships Fake, an in-memory implementation used by every test in
// this module and wired by cmd/vgraphd's main().
package library

import (
	"fmt"
	"io"
	"net"
)

// Side identifies which side of a brick an edge or a firewall rule
// attaches to.
type Side int

const (
	West Side = iota
	East
)

func (s Side) String() string {
	if s == West {
		return "west"
	}
	return "east"
}

// FirewallFlags configures firewall brick creation.
type FirewallFlags uint64

// NoConnWorker disables the firewall's per-instance connection-tracking
// worker thread (PG_NO_CONN_WORKER upstream).
const NoConnWorker FirewallFlags = 1 << 0

// OffloadFlags describes NIC TX offload capabilities/requests.
type OffloadFlags uint32

const (
	OffloadOuterIPv4Cksum OffloadFlags = 1 << iota
	OffloadTCPTSO
)

// VhostOffload identifies a vhost-side offload feature that can be
// globally disabled (VIRTIO_NET_F_HOST_TSO4/6 upstream).
type VhostOffload uint32

const (
	VhostTSO4 VhostOffload = 1 << iota
	VhostTSO6
)

// Node is an opaque handle to a single brick owned by the external
// library. vgraphd never inspects a Node's internals; it only ever
// passes Nodes back into Ops.
type Node interface {
	// Name is the brick's identifier, used for logging and dot export.
	Name() string
	// Kind names the brick's concrete type ("vhost", "tap", "firewall",
	// "switch", "vtep", "vtep6", "antispoof", "print", "nic"), used the
	// way the original library's pg_brick_type() is used: to distinguish
	// a vhost tail from a tap tail, and an IPv4 VTEP from an IPv6 one.
	Kind() string
}

// Pollable is implemented by every Node the poller drives directly
// (uplink NIC, VTEP, vhost/tap tails).
type Pollable interface {
	Node
	Poll() (packets uint16, err error)
}

// ByteCounted is implemented by tail bricks (vhost/tap) whose RX/TX
// counters may be sampled from the control thread without going through
// the command queue (spec: "sound only for read-only operations whose
// underlying bricks guarantee atomic counter access").
type ByteCounted interface {
	Node
	RxBytes() uint64
	TxBytes() uint64
}

// Ops is the entire surface vgraphd uses from the external
// packet-processing library.
type Ops interface {
	// Uplink / VTEP lifecycle.
	NewNicByPort(portID int) (Node, error)
	NewTap(name string) (Node, error)
	TapIfName(n Node) string
	MAC(n Node) net.HardwareAddr
	Capabilities(n Node) (rx, tx OffloadFlags)
	SetMTU(n Node, mtu int) error
	GetMTU(n Node) (uint16, error)
	VhostGlobalDisableOffload(flags VhostOffload)
	NewVTEP(name string, externalIP net.IP, mac net.HardwareAddr) (vtep Node, isV6 bool, err error)

	// Branch bricks.
	NewFirewall(name string, westMax, eastMax uint32, flags FirewallFlags) (Node, error)
	NewAntispoof(name string, side Side, mac net.HardwareAddr) (Node, error)
	NewVhost(name string) (Node, error)
	NewTapNIC(name string) (Node, error)
	NewSwitch(name string, side Side, capacity uint32) (Node, error)
	NewPrinter(name string, w io.WriteCloser, pcap bool) (Node, error)

	// Topology mutation (called only from the poller goroutine).
	Link(west, east Node) error
	Unlink(b Node) error
	UnlinkEdge(west, east Node) error
	Destroy(b Node) error
	VtepAddVNI(vtep, neighbor Node, vni uint32, mcast net.IP) error

	// Hot loop.
	Poll(b Node) (uint16, error)

	// Firewall.
	FirewallReload(fw Node) error
	FirewallGC(fw Node)
	FirewallRuleFlush(fw Node) error
	FirewallRuleAdd(fw Node, expr string, side Side, priority int) error

	// Antispoof.
	AntispoofArpAdd(a Node, ip net.IP) error
	AntispoofArpDelAll(a Node) error
	AntispoofArpEnable(a Node)
	AntispoofArpDisable(a Node)

	// Vhost-user transport.
	VhostStart(socketFolder string) error
	VhostStop()

	// Read-only.
	RxBytes(n Node) uint64
	TxBytes(n Node) uint64
	Dot(root Node) string
}

// Err wraps a library-reported failure with the operation and brick name
// that triggered it, the way pg_error is folded into a Go error at the
// Ops boundary.
type Err struct {
	Op   string
	Name string
	Err  error
}

func (e *Err) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *Err) Unwrap() error { return e.Err }
