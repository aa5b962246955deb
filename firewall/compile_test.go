package firewall_test

import (
	"net"
	"testing"

	"github.com/outscale/vgraphd/firewall"
	"github.com/outscale/vgraphd/model"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func TestCompileRule_InboundTCP(t *testing.T) {
	rule := model.Rule{
		Direction: model.Inbound,
		Protocol:  model.ProtoTCP,
		CIDR:      mustCIDR(t, "10.0.0.0/24"),
		PortStart: 80,
		PortEnd:   80,
	}
	got := firewall.CompileRule(rule, nil, nil)
	want := "src net 10.0.0.0/24 and tcp dst port 80"
	if got != want {
		t.Fatalf("CompileRule() = %q, want %q", got, want)
	}
}

func TestCompileRule_OutboundSkipped(t *testing.T) {
	rule := model.Rule{Direction: model.Outbound, Protocol: model.ProtoTCP, PortStart: 80, PortEnd: 80}
	if got := firewall.CompileRule(rule, nil, nil); got != "" {
		t.Fatalf("CompileRule(OUTBOUND) = %q, want empty", got)
	}
}

func TestCompileRule_PortRangeVariants(t *testing.T) {
	base := model.Rule{Direction: model.Inbound, Protocol: model.ProtoTCP, CIDR: mustCIDR(t, "0.0.0.0/0")}

	single := base
	single.PortStart, single.PortEnd = 80, 80
	if got := firewall.CompileRule(single, nil, nil); got != "ip and tcp dst port 80" {
		t.Fatalf("single port: got %q", got)
	}

	rng := base
	rng.PortStart, rng.PortEnd = 80, 90
	if got := firewall.CompileRule(rng, nil, nil); got != "ip and tcp dst portrange 80-90" {
		t.Fatalf("range: got %q", got)
	}

	inverted := base
	inverted.PortStart, inverted.PortEnd = 90, 80
	if got := firewall.CompileRule(inverted, nil, nil); got != "" {
		t.Fatalf("inverted range should drop the rule, got %q", got)
	}
}

func TestCompileRule_EmptySecurityGroupWarns(t *testing.T) {
	rule := model.Rule{Direction: model.Inbound, Protocol: model.ProtoAny, SecurityGroup: "sg-empty"}
	groups := map[string]model.SecurityGroup{
		"sg-empty": {ID: "sg-empty"},
	}
	var warned string
	got := firewall.CompileRule(rule, groups, func(msg string) { warned = msg })
	if got != "" {
		t.Fatalf("empty group should compile to empty string, got %q", got)
	}
	if warned == "" {
		t.Fatalf("expected a warning for the empty group")
	}
}

func TestCompileSecurityGroup_TrimsTrailingSeparator(t *testing.T) {
	sg := model.SecurityGroup{
		ID: "sg1",
		Rules: []model.Rule{
			{Direction: model.Inbound, Protocol: model.ProtoTCP, CIDR: mustCIDR(t, "10.0.0.0/24"), PortStart: 80, PortEnd: 80},
			{Direction: model.Outbound, Protocol: model.ProtoTCP, PortStart: 22, PortEnd: 22}, // skipped
		},
	}
	got := firewall.CompileSecurityGroup(sg, nil, nil)
	want := "(src net 10.0.0.0/24 and tcp dst port 80)"
	if got != want {
		t.Fatalf("CompileSecurityGroup() = %q, want %q", got, want)
	}
}

func TestCompileNicOutbound_Synthesized(t *testing.T) {
	nic := model.Nic{ID: "nic1", IPs: []net.IP{net.ParseIP("192.0.2.5")}}
	got := firewall.CompileNicOutbound(nic)
	want := "(src host 192.0.2.5) || (src host 0.0.0.0 and dst host 255.255.255.255 and udp src port 68 and udp dst port 67)"
	if got != want {
		t.Fatalf("CompileNicOutbound() = %q, want %q", got, want)
	}
}

func TestCompileNicInbound_MultipleGroups(t *testing.T) {
	groups := map[string]model.SecurityGroup{
		"sg-web": {
			ID: "sg-web",
			Rules: []model.Rule{
				{Direction: model.Inbound, Protocol: model.ProtoTCP, CIDR: mustCIDR(t, "0.0.0.0/0"), PortStart: 443, PortEnd: 443},
			},
		},
		"sg-empty": {ID: "sg-empty"},
	}
	nic := model.Nic{ID: "nic1", SecurityGroups: []string{"sg-web", "sg-empty"}}
	got := firewall.CompileNicInbound(nic, groups, nil)
	want := "((ip and tcp dst port 443))"
	if got != want {
		t.Fatalf("CompileNicInbound() = %q, want %q", got, want)
	}
}
