package config_test

import (
	"net"
	"testing"

	"github.com/outscale/vgraphd/config"
)

func TestNew_Defaults(t *testing.T) {
	c, err := config.New(nil, net.ParseIP("203.0.113.1"), 2, "/run/vgraphd/vhost", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.NicMTU() != "max" {
		t.Fatalf("NicMTU() = %q, want %q", c.NicMTU(), "max")
	}
	if c.PollablesCapacity() != config.PollablesCapacityDefault {
		t.Fatalf("PollablesCapacity() = %d, want %d", c.PollablesCapacity(), config.PollablesCapacityDefault)
	}
}

func TestNew_RequiresExternalIP(t *testing.T) {
	if _, err := config.New(nil, nil, 0, "/run/vgraphd/vhost", "max"); err == nil {
		t.Fatalf("expected error for missing external IP")
	}
}

func TestNew_RequiresNonNegativeCore(t *testing.T) {
	if _, err := config.New(nil, net.ParseIP("203.0.113.1"), -1, "/run/vgraphd/vhost", "max"); err == nil {
		t.Fatalf("expected error for negative core id")
	}
}

func TestWithPacketTrace_SetsPrefix(t *testing.T) {
	c, _ := config.New(nil, net.ParseIP("203.0.113.1"), 0, "/run/vgraphd/vhost", "max")
	c = c.WithPacketTrace(true, "custom")
	if !c.PacketTrace() {
		t.Fatalf("expected PacketTrace() true")
	}
	if c.PcapPrefix() != "custom" {
		t.Fatalf("PcapPrefix() = %q, want %q", c.PcapPrefix(), "custom")
	}
}
