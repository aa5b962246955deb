// Package firewall turns security-group rules and NIC IP lists into the
// tcpdump-like filter expressions installed on a NIC's firewall brick.
//
// Compilation is expressed as a small clause tree rather than ad-hoc
// string concatenation: trimming a trailing join separator then falls
// out of filtering empty clauses before joining, instead of needing
// special-cased string surgery.
package firewall

import (
	"fmt"
	"strings"

	"github.com/outscale/vgraphd/model"
)

// clause is one rendered fragment of a rule expression: a source match,
// a protocol match, or a port match. An empty clause renders to "" and
// is dropped by join.
type clause string

func (c clause) empty() bool { return c == "" }

// join concatenates the non-empty items of parts with sep. Filtering
// before joining means a trailing or leading separator never appears,
// so callers never need to trim one after the fact.
func join(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func protocolName(p model.Protocol) (string, bool) {
	switch p {
	case model.ProtoICMP:
		return "icmp", true
	case model.ProtoICMPv6:
		return "icmp6", true
	case model.ProtoTCP:
		return "tcp", true
	case model.ProtoUDP:
		return "udp", true
	default:
		return "", false
	}
}

func isTCPOrUDP(p model.Protocol) bool {
	return p == model.ProtoTCP || p == model.ProtoUDP
}

// sourceClause renders the source match for rule, expanding a
// security-group reference to its current members. ok is false when the
// group is empty or unknown, in which case warn (if non-nil) is called
// and the rule as a whole must be dropped.
func sourceClause(rule model.Rule, groups map[string]model.SecurityGroup, warn func(string)) (clause, bool) {
	if rule.SecurityGroup != "" {
		sg, known := groups[rule.SecurityGroup]
		if !known || len(sg.Members) == 0 {
			if warn != nil {
				warn(fmt.Sprintf("security group %q has no members, dropping rule", rule.SecurityGroup))
			}
			return "", false
		}
		var hosts []string
		for _, ip := range sg.Members {
			hosts = append(hosts, "src host "+ip.String())
		}
		return clause("( " + strings.Join(hosts, " or ") + " )"), true
	}

	if rule.CIDR == nil {
		return "ip", true
	}
	ones, _ := rule.CIDR.Mask.Size()
	isV6 := rule.CIDR.IP.To4() == nil
	if ones == 0 {
		if isV6 {
			return "ip6", true
		}
		return "ip", true
	}
	return clause(fmt.Sprintf("src net %s", rule.CIDR.String())), true
}

func ruleIsIPv6(rule model.Rule) bool {
	if rule.CIDR == nil {
		return false
	}
	return rule.CIDR.IP.To4() == nil
}

func protocolClause(rule model.Rule) clause {
	if rule.Protocol == model.ProtoAny {
		return ""
	}
	if name, ok := protocolName(rule.Protocol); ok {
		return clause(name)
	}
	if ruleIsIPv6(rule) {
		return clause(fmt.Sprintf("(ip6 proto %d)", rule.Protocol))
	}
	return clause(fmt.Sprintf("(ip proto %d)", rule.Protocol))
}

// portClause renders the destination port match. ok is false when the
// port range is invalid (start > end) and the rule must be dropped.
func portClause(rule model.Rule) (clause, bool) {
	if !isTCPOrUDP(rule.Protocol) {
		return "", true
	}
	if rule.PortStart >= 65536 || rule.PortEnd >= 65536 {
		return "", false
	}
	switch {
	case rule.PortStart == rule.PortEnd:
		return clause(fmt.Sprintf("dst port %d", rule.PortStart)), true
	case rule.PortStart < rule.PortEnd:
		return clause(fmt.Sprintf("dst portrange %d-%d", rule.PortStart, rule.PortEnd)), true
	default:
		return "", false
	}
}

// CompileRule renders a single rule's filter expression. It returns ""
// for OUTBOUND rules (outbound traffic is synthesized separately, see
// CompileNicOutbound) and for rules dropped by an empty security group
// or an invalid port range; warn receives a human-readable reason in
// the security-group case.
//
// The port clause, when present, follows the protocol clause separated
// by a bare space rather than " and " (e.g. "tcp dst port 80"), matching
// how the port match is appended in the original rule builder.
func CompileRule(rule model.Rule, groups map[string]model.SecurityGroup, warn func(string)) string {
	if rule.Direction == model.Outbound {
		return ""
	}
	src, ok := sourceClause(rule, groups, warn)
	if !ok {
		return ""
	}
	ports, ok := portClause(rule)
	if !ok {
		return ""
	}
	proto := protocolClause(rule)
	protoAndPort := join(" ", string(proto), string(ports))
	return join(" and ", string(src), protoAndPort)
}

// CompileSecurityGroup renders sg's rule stream as
// (R1)||(R2)||...||(Rn), dropping empty per-rule strings so an empty
// member set or an invalid rule never leaves a dangling separator.
func CompileSecurityGroup(sg model.SecurityGroup, groups map[string]model.SecurityGroup, warn func(string)) string {
	var wrapped []string
	for _, r := range sg.Rules {
		s := CompileRule(r, groups, warn)
		if s == "" {
			continue
		}
		wrapped = append(wrapped, "("+s+")")
	}
	return join("||", wrapped...)
}

// CompileNicInbound renders the WEST-side (inbound) filter stream for
// nic: each security group it references, compiled and parenthesized,
// concatenated with "||".
func CompileNicInbound(nic model.Nic, groups map[string]model.SecurityGroup, warn func(string)) string {
	var parts []string
	for _, sgID := range nic.SecurityGroups {
		sg, ok := groups[sgID]
		if !ok {
			if warn != nil {
				warn(fmt.Sprintf("nic %s references unknown security group %q", nic.ID, sgID))
			}
			continue
		}
		compiled := CompileSecurityGroup(sg, groups, warn)
		if compiled == "" {
			continue
		}
		parts = append(parts, "("+compiled+")")
	}
	return join("||", parts...)
}

// dhcpPermitClause always ends the outbound stream, so a NIC can renew
// its lease before its own IPs are known to be assigned.
const dhcpPermitClause = "(src host 0.0.0.0 and dst host 255.255.255.255 and udp src port 68 and udp dst port 67)"

// CompileNicOutbound renders the EAST-side (outbound) filter stream for
// nic. Unlike inbound, this is synthesized directly from the NIC's own
// IPs rather than from any security-group rule, and joined with the
// wider " || " separator.
func CompileNicOutbound(nic model.Nic) string {
	var parts []string
	for _, ip := range nic.IPs {
		parts = append(parts, fmt.Sprintf("(src host %s)", ip.String()))
	}
	parts = append(parts, dhcpPermitClause)
	return join(" || ", parts...)
}
