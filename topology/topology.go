// Package topology computes the command sequence that inserts or
// removes a NIC branch under a VNI, and tracks the resulting per-VNI
// state. Everything here is a pure function of that state; nothing
// touches the queue or the library directly, the way compute.Reconcile
// turns a state diff into a slice of actions instead of executing them.
package topology

import (
	"fmt"

	"github.com/outscale/vgraphd/brick"
	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/mcast"
	"github.com/outscale/vgraphd/queue"
)

// SwitchCapacity is the minimum east-side capacity a VNI's switch brick
// is created with.
const SwitchCapacity = 30

// Branch is everything the topology manager needs to know about one
// NIC's branch: its head brick (the upstream entry point, per the
// branch-assembly rules) and a handle on its firewall. Firewall is built
// with brick.NoopDestroy and this package never releases it: the graph
// drops its reference on teardown, and the poller destroys the brick
// once the last pollables snapshot naming it is retired.
type Branch struct {
	NicID    string
	Head     library.Node
	Firewall *brick.Handle
}

// VNI tracks one VNI's sub-graph: the NICs currently attached and, once
// there are two or more, the switch brick fanning them out from the
// VTEP. Switch is reference-counted: every branch routed through it
// holds one reference, so the switch is destroyed exactly when
// the sub-graph collapses back down to a single NIC and every branch
// that was routed through it has let go.
type VNI struct {
	ID     uint32
	Switch *brick.Handle
	nics   map[string]Branch
	order  []string // insertion order, for deterministic iteration
}

func newVNI(id uint32) *VNI {
	return &VNI{ID: id, nics: make(map[string]Branch)}
}

// Size reports the number of NICs currently attached to v.
func (v *VNI) Size() int { return len(v.nics) }

// HasSwitch reports whether v currently owns a switch brick. This must
// equal Size() >= 2 at every quiescent point.
func (v *VNI) HasSwitch() bool { return v.Switch != nil }

// SwitchNode returns the underlying switch brick, or nil if v has none.
func (v *VNI) SwitchNode() library.Node {
	if v.Switch == nil {
		return nil
	}
	return v.Switch.Node()
}

// Branches returns the attached branches in insertion order.
func (v *VNI) Branches() []Branch {
	out := make([]Branch, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.nics[id])
	}
	return out
}

// Manager owns every VNI's sub-graph state. The control thread is the
// only caller; a single external mutex (owned by the graph package)
// serializes access the way the control-thread class of goroutines is
// serialized in the concurrency model this is grounded on.
type Manager struct {
	vtep    library.Node
	isVtep6 bool
	newNode func(vni uint32) (library.Node, error) // creates a switch-<vni> brick
	vnis    map[uint32]*VNI
}

// NewManager builds a Manager for the given VTEP. newSwitch creates a
// switch-<vni> brick on demand; it is injected so this package never
// imports library.Ops directly.
func NewManager(vtep library.Node, isVtep6 bool, newSwitch func(vni uint32) (library.Node, error)) *Manager {
	return &Manager{vtep: vtep, isVtep6: isVtep6, newNode: newSwitch, vnis: make(map[uint32]*VNI)}
}

// VNI returns the tracked state for id, creating an empty entry if none
// exists yet.
func (m *Manager) VNI(id uint32) *VNI {
	v, ok := m.vnis[id]
	if !ok {
		v = newVNI(id)
		m.vnis[id] = v
	}
	return v
}

// Lookup returns the tracked state for id without creating it.
func (m *Manager) Lookup(id uint32) (*VNI, bool) {
	v, ok := m.vnis[id]
	return v, ok
}

// Insert attaches branch to vni, returning the commands to enqueue and
// mutating vni's tracked state to match. It implements the 0->1, 1->2
// and >=2 insertion cases.
func (m *Manager) Insert(vni uint32, branch Branch) ([]queue.Command, error) {
	v := m.VNI(vni)
	mc := m.mcastFor(vni)

	switch v.Size() {
	case 0:
		v.nics[branch.NicID] = branch
		v.order = append(v.order, branch.NicID)
		return []queue.Command{
			queue.Link{West: m.vtep, East: branch.Head},
			queue.AddVNI{VTEP: m.vtep, Neighbor: branch.Head, VNI: vni, Mcast: mc},
		}, nil

	case 1:
		first := v.nics[v.order[0]]
		sw, err := m.newNode(vni)
		if err != nil {
			return nil, fmt.Errorf("topology: create switch for vni %d: %w", vni, err)
		}
		// One reference for first's branch, one for the branch being
		// inserted now; brick.New starts the count at one.
		v.Switch = brick.New(sw, brick.NoopDestroy)
		v.Switch.Retain()
		v.nics[branch.NicID] = branch
		v.order = append(v.order, branch.NicID)
		return []queue.Command{
			queue.UnlinkEdge{West: m.vtep, East: first.Head},
			queue.Link{West: m.vtep, East: sw},
			queue.AddVNI{VTEP: m.vtep, Neighbor: sw, VNI: vni, Mcast: mc},
			queue.Link{West: sw, East: first.Head},
			queue.Link{West: sw, East: branch.Head},
		}, nil

	default:
		v.Switch.Retain()
		v.nics[branch.NicID] = branch
		v.order = append(v.order, branch.NicID)
		return []queue.Command{
			queue.Link{West: v.Switch.Node(), East: branch.Head},
		}, nil
	}
}

func (m *Manager) mcastFor(vni uint32) []byte {
	if m.isVtep6 {
		return mcast.IPv6(vni)
	}
	return mcast.IPv4(vni).To4()
}

// Removal is the outcome of removing a branch: the commands to enqueue
// and whether the VNI entry is now empty and should be erased by the
// caller after WaitEmptyQueue. A BRICK_DESTROY for the switch, if one is
// now warranted, is already folded into Commands in the right position;
// the caller never has to reason about the switch's refcount itself.
type Removal struct {
	Commands []queue.Command
	VNIEmpty bool
}

// Remove detaches the NIC identified by nicID from vni, returning the
// commands to enqueue and mutating vni's tracked state. It implements
// the size==1, size==2 and size>=3 removal cases. The departing branch's
// own Branch.Firewall reference is not released here: firewall lifetime
// is owned by the caller (graph.nicDelLocked), which releases it once
// the branch is no longer part of any tracked state.
func (m *Manager) Remove(vni uint32, nicID string) (Removal, error) {
	v, ok := m.Lookup(vni)
	if !ok {
		return Removal{}, fmt.Errorf("topology: unknown vni %d", vni)
	}
	branch, ok := v.nics[nicID]
	if !ok {
		return Removal{}, fmt.Errorf("topology: nic %q not attached to vni %d", nicID, vni)
	}

	switch v.Size() {
	case 1:
		v.removeNic(nicID)
		return Removal{
			Commands: []queue.Command{queue.Unlink{Brick: branch.Head}},
			VNIEmpty: v.Size() == 0,
		}, nil

	case 2:
		other := v.otherThan(nicID)
		sw := v.Switch.Node()
		cmds := []queue.Command{
			queue.Unlink{Brick: sw},
			queue.Link{West: m.vtep, East: other.Head},
			queue.AddVNI{VTEP: m.vtep, Neighbor: other.Head, VNI: vni, Mcast: m.mcastFor(vni)},
		}
		// The departing branch's reference, then the remaining branch's:
		// once the sub-graph collapses to one NIC it no longer routes
		// through a switch at all, so both references are given up here.
		if last := v.Switch.Release(); last {
			cmds = append(cmds, queue.BrickDestroy{Brick: sw})
		}
		if last := v.Switch.Release(); last {
			cmds = append(cmds, queue.BrickDestroy{Brick: sw})
		}
		v.Switch = nil
		v.removeNic(nicID)
		return Removal{Commands: cmds, VNIEmpty: v.Size() == 0}, nil

	default:
		v.removeNic(nicID)
		cmds := []queue.Command{queue.Unlink{Brick: branch.Head}}
		if last := v.Switch.Release(); last {
			cmds = append(cmds, queue.BrickDestroy{Brick: v.Switch.Node()})
			v.Switch = nil
		}
		return Removal{Commands: cmds, VNIEmpty: v.Size() == 0}, nil
	}
}

func (v *VNI) removeNic(nicID string) {
	delete(v.nics, nicID)
	for i, id := range v.order {
		if id == nicID {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

func (v *VNI) otherThan(nicID string) Branch {
	for _, id := range v.order {
		if id != nicID {
			return v.nics[id]
		}
	}
	return Branch{}
}

// Forget erases vni's entry entirely. Callers use this after Remove
// reports VNIEmpty, once WaitEmptyQueue has fenced the removal
// commands.
func (m *Manager) Forget(vni uint32) {
	delete(m.vnis, vni)
}

// UpdateHead retargets the tracked head brick for nicID on vni, used
// after a packet-trace splice changes which brick the switch or VTEP
// links to without altering the branch's membership.
func (m *Manager) UpdateHead(vni uint32, nicID string, head library.Node) error {
	v, ok := m.Lookup(vni)
	if !ok {
		return fmt.Errorf("topology: unknown vni %d", vni)
	}
	b, ok := v.nics[nicID]
	if !ok {
		return fmt.Errorf("topology: nic %q not attached to vni %d", nicID, vni)
	}
	b.Head = head
	v.nics[nicID] = b
	return nil
}
