// Package mcast derives the IP multicast group a VNI's VXLAN traffic is
// carried on. Membership across hosts is expressed solely through these
// groups; nothing in this package talks to the network.
package mcast

import "net"

// IPv4 builds the IPv4 multicast group for vni.
//
// The result always falls in 230.0.0.0/8: the VNI's low 24 bits become the
// low three octets and the high octet is fixed at 230, avoiding the
// reserved 224 (all-hosts) and 239 (administratively scoped) edges of
// 224.0.0.0/4.
func IPv4(vni uint32) net.IP {
	return net.IPv4(230, byte(vni>>16), byte(vni>>8), byte(vni))
}

// IPv6 builds the IPv6 multicast group for vni.
//
// Byte 0 is fixed at 0xff (multicast prefix); bytes 12..15 hold vni in
// little-endian order; every other byte is zero.
func IPv6(vni uint32) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0] = 0xff
	ip[12] = byte(vni)
	ip[13] = byte(vni >> 8)
	ip[14] = byte(vni >> 16)
	ip[15] = byte(vni >> 24)
	return ip
}
