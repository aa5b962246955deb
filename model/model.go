// Package model holds the value types the control API is expressed in:
// NIC descriptors, security groups and their rules. Nothing in this
// package touches a brick or the command queue; it is pure data, the way
// action.Action and bpfman.Program are pure data in the packages they
// come from.
package model

import "net"

// NicType selects the brick a NIC branch terminates in.
type NicType int

const (
	VhostUserServer NicType = iota
	Tap
)

func (t NicType) String() string {
	if t == Tap {
		return "tap"
	}
	return "vhost-user-server"
}

// Nic describes a virtual NIC to be attached to a VNI.
type Nic struct {
	ID   string
	VNI  uint32
	MAC  net.HardwareAddr
	IPs  []net.IP
	Type NicType

	IPAntiSpoof     bool
	BypassFiltering bool
	PacketTrace     bool
	PacketTracePath string

	SecurityGroups []string
}

// Direction is the traffic direction a Rule applies to.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Protocol identifies the IP protocol a Rule matches. Any non-negative
// value not covered by the named constants is compiled as a raw
// protocol number.
type Protocol int

const (
	ProtoAny  Protocol = -1
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
	// ProtoICMPv6 is distinguished from ProtoICMP by the rule's CIDR
	// family, not by a separate numeric value upstream, but keeping a
	// distinct constant here lets callers be explicit.
	ProtoICMPv6 Protocol = 58
)

// Rule is a single security-group firewall rule. Either CIDR or
// SecurityGroup is set for the source clause, never both.
type Rule struct {
	Direction     Direction
	Protocol      Protocol
	CIDR          *net.IPNet
	SecurityGroup string
	PortStart     int
	PortEnd       int
}

// SecurityGroup is a named set of rules plus the member IPs referenced
// when another rule points at this group by name.
type SecurityGroup struct {
	ID      string
	Members []net.IP
	Rules   []Rule
}
