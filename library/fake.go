package library

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// fakeNode is a Fake-owned brick. It carries just enough state to make
// Fake's bookkeeping (edges, rule strings, byte counters) observable from
// tests.
type fakeNode struct {
	name string
	kind string

	mu    sync.Mutex
	rxB   uint64
	txB   uint64
	rules map[Side][]ruleEntry
	west  []Node
	east  []Node
}

type ruleEntry struct {
	Priority int
	Expr     string
}

func (n *fakeNode) Name() string { return n.name }
func (n *fakeNode) Kind() string { return n.kind }

func (n *fakeNode) Poll() (uint16, error) { return 0, nil }

func (n *fakeNode) RxBytes() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rxB
}

func (n *fakeNode) TxBytes() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.txB
}

// Fake is an in-memory Ops implementation used by every test in this
// module. It records every mutation so tests can assert on the exact
// sequence and shape of graph operations, the way the teacher's
// fakeKernel records a kernelOp log for verification.
type Fake struct {
	mu sync.Mutex

	edges      map[string]map[string]bool // west name -> east name -> present
	destroyed  map[string]bool
	socketDir  string
	vhostUp    bool
	mtus       map[string]uint16
	arpAllowed map[string]map[string]bool // antispoof name -> ip -> allowed
	arpEnabled map[string]bool
	vnis       map[string][]vniEntry // vtep name -> entries
	nodes      map[string]*fakeNode  // every brick ever created, by name

	// SetMTUFn overrides SetMTU's success/failure decision, letting
	// tests drive the binary-search boundary described in spec.md §8.
	SetMTUFn func(name string, mtu int) error
}

type vniEntry struct {
	Neighbor string
	VNI      uint32
	Mcast    net.IP
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		edges:      make(map[string]map[string]bool),
		destroyed:  make(map[string]bool),
		mtus:       make(map[string]uint16),
		arpAllowed: make(map[string]map[string]bool),
		arpEnabled: make(map[string]bool),
		vnis:       make(map[string][]vniEntry),
		nodes:      make(map[string]*fakeNode),
	}
}

func newFakeNode(name, kind string) *fakeNode {
	return &fakeNode{name: name, kind: kind, rules: make(map[Side][]ruleEntry)}
}

func (f *Fake) register(n *fakeNode) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.name] = n
	return n
}

func (f *Fake) NewNicByPort(portID int) (Node, error) {
	if portID < 0 {
		return nil, fmt.Errorf("invalid port id %d", portID)
	}
	return f.register(newFakeNode(fmt.Sprintf("port-%d", portID), "nic")), nil
}

func (f *Fake) NewTap(name string) (Node, error) {
	return f.register(newFakeNode(name, "tap")), nil
}

func (f *Fake) TapIfName(n Node) string { return n.Name() }

func (f *Fake) MAC(n Node) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
}

func (f *Fake) Capabilities(n Node) (rx, tx OffloadFlags) {
	return 0, OffloadOuterIPv4Cksum | OffloadTCPTSO
}

func (f *Fake) SetMTU(n Node, mtu int) error {
	if f.SetMTUFn != nil {
		if err := f.SetMTUFn(n.Name(), mtu); err != nil {
			return err
		}
		f.mu.Lock()
		f.mtus[n.Name()] = uint16(mtu)
		f.mu.Unlock()
		return nil
	}
	f.mu.Lock()
	f.mtus[n.Name()] = uint16(mtu)
	f.mu.Unlock()
	return nil
}

func (f *Fake) GetMTU(n Node) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtus[n.Name()], nil
}

func (f *Fake) VhostGlobalDisableOffload(flags VhostOffload) {}

func (f *Fake) NewVTEP(name string, externalIP net.IP, mac net.HardwareAddr) (Node, bool, error) {
	isV6 := externalIP.To4() == nil
	kind := "vtep"
	if isV6 {
		kind = "vtep6"
	}
	return f.register(newFakeNode(name, kind)), isV6, nil
}

func (f *Fake) NewFirewall(name string, westMax, eastMax uint32, flags FirewallFlags) (Node, error) {
	return f.register(newFakeNode(name, "firewall")), nil
}

func (f *Fake) NewAntispoof(name string, side Side, mac net.HardwareAddr) (Node, error) {
	return f.register(newFakeNode(name, "antispoof")), nil
}

func (f *Fake) NewVhost(name string) (Node, error) {
	return f.register(newFakeNode(name, "vhost")), nil
}

func (f *Fake) NewTapNIC(name string) (Node, error) {
	return f.register(newFakeNode(name, "tap")), nil
}

func (f *Fake) NewSwitch(name string, side Side, capacity uint32) (Node, error) {
	return f.register(newFakeNode(name, "switch")), nil
}

func (f *Fake) NewPrinter(name string, w io.WriteCloser, pcap bool) (Node, error) {
	return f.register(newFakeNode(name, "print")), nil
}

func (f *Fake) Link(west, east Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.edges[west.Name()]
	if !ok {
		m = make(map[string]bool)
		f.edges[west.Name()] = m
	}
	m[east.Name()] = true
	return nil
}

func (f *Fake) Unlink(b Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.edges, b.Name())
	for _, m := range f.edges {
		delete(m, b.Name())
	}
	return nil
}

func (f *Fake) UnlinkEdge(west, east Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.edges[west.Name()]; ok {
		delete(m, east.Name())
	}
	return nil
}

func (f *Fake) Destroy(b Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[b.Name()] = true
	return nil
}

func (f *Fake) VtepAddVNI(vtep, neighbor Node, vni uint32, mc net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vnis[vtep.Name()] = append(f.vnis[vtep.Name()], vniEntry{Neighbor: neighbor.Name(), VNI: vni, Mcast: mc})
	return nil
}

func (f *Fake) Poll(b Node) (uint16, error) {
	if p, ok := b.(Pollable); ok {
		return p.Poll()
	}
	return 0, nil
}

func (f *Fake) FirewallReload(fw Node) error { return nil }

func (f *Fake) FirewallGC(fw Node) {}

func (f *Fake) FirewallRuleFlush(fw Node) error {
	n := fw.(*fakeNode)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rules = make(map[Side][]ruleEntry)
	return nil
}

func (f *Fake) FirewallRuleAdd(fw Node, expr string, side Side, priority int) error {
	n := fw.(*fakeNode)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rules[side] = append(n.rules[side], ruleEntry{Priority: priority, Expr: expr})
	return nil
}

// Rules returns the rule expressions installed on fw for side, in
// install order, for test assertions.
func (f *Fake) Rules(fw Node, side Side) []string {
	n := fw.(*fakeNode)
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.rules[side]))
	for i, r := range n.rules[side] {
		out[i] = r.Expr
	}
	return out
}

func (f *Fake) AntispoofArpAdd(a Node, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.arpAllowed[a.Name()]
	if !ok {
		m = make(map[string]bool)
		f.arpAllowed[a.Name()] = m
	}
	m[ip.String()] = true
	return nil
}

func (f *Fake) AntispoofArpDelAll(a Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.arpAllowed, a.Name())
	return nil
}

func (f *Fake) AntispoofArpEnable(a Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arpEnabled[a.Name()] = true
}

func (f *Fake) AntispoofArpDisable(a Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arpEnabled[a.Name()] = false
}

func (f *Fake) VhostStart(socketFolder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.socketDir = socketFolder
	f.vhostUp = true
	return nil
}

func (f *Fake) VhostStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vhostUp = false
}

func (f *Fake) RxBytes(n Node) uint64 {
	if bc, ok := n.(ByteCounted); ok {
		return bc.RxBytes()
	}
	return 0
}

func (f *Fake) TxBytes(n Node) uint64 {
	if bc, ok := n.(ByteCounted); ok {
		return bc.TxBytes()
	}
	return 0
}

// SetCounters lets tests drive NicGetStats without a real data path.
func (f *Fake) SetCounters(n Node, rx, tx uint64) {
	fn := n.(*fakeNode)
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.rxB, fn.txB = rx, tx
}

func (f *Fake) Dot(root Node) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "digraph {\n")
	fmt.Fprintf(&b, "  %q;\n", root.Name())
	for w, m := range f.edges {
		for e := range m {
			fmt.Fprintf(&b, "  %q -> %q;\n", w, e)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Destroyed reports whether the brick called name has been passed to Destroy.
func (f *Fake) Destroyed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[name]
}

// HasEdge reports whether an edge west->east currently exists.
func (f *Fake) HasEdge(west, east Node) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edges[west.Name()] != nil && f.edges[west.Name()][east.Name()]
}

// EdgesFrom returns the current east-side neighbours of west.
func (f *Fake) EdgesFrom(west Node) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for e := range f.edges[west.Name()] {
		out = append(out, e)
	}
	return out
}

// VNIs returns the registered (neighbor, vni, mcast) entries for vtep.
func (f *Fake) VNIs(vtep Node) []vniEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vniEntry, len(f.vnis[vtep.Name()]))
	copy(out, f.vnis[vtep.Name()])
	return out
}

// ByName returns the brick previously created under name, so tests can
// inspect state (rules, byte counters) on a brick the caller under test
// never handed back to the test directly.
func (f *Fake) ByName(name string) (Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[name]
	return n, ok
}
