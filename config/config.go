// Package config holds vgraphd's daemon configuration: everything
// Start needs to bring a Graph up, plus the tunables read-only queries
// and the rule compiler consult afterwards.
//
// Config is immutable after construction. Fields are unexported to
// prevent construction of invalid instances, the way RuntimeDirs is
// built in the ambient stack this package is adapted from.
package config

import (
	"fmt"
	"net"
)

// PollablesCapacityDefault is the compile-time pollables array capacity
// upstream calls GRAPH_VHOST_MAX_SIZE: the maximum number of NIC
// branches the poller snapshots in a single UPDATE_POLL.
const PollablesCapacityDefault = 512

// Config is vgraphd's daemon configuration.
type Config struct {
	dpdkArgs          []string
	externalIP        net.IP
	graphCoreID       int
	socketFolder      string
	nicMTU            string
	noOffload         bool
	packetTrace       bool
	pcapPrefix        string
	pollablesCapacity int
	auditPath         string
}

// New validates and constructs a Config. externalIP is the VTEP's
// external endpoint; its family determines whether the graph runs an
// IPv4 or IPv6 VTEP.
func New(dpdkArgs []string, externalIP net.IP, graphCoreID int, socketFolder, nicMTU string) (Config, error) {
	if externalIP == nil {
		return Config{}, fmt.Errorf("config: external IP is required")
	}
	if socketFolder == "" {
		return Config{}, fmt.Errorf("config: socket folder is required")
	}
	if graphCoreID < 0 {
		return Config{}, fmt.Errorf("config: graph core id must be non-negative, got %d", graphCoreID)
	}
	if nicMTU == "" {
		nicMTU = "max"
	}
	return Config{
		dpdkArgs:          append([]string(nil), dpdkArgs...),
		externalIP:        externalIP,
		graphCoreID:       graphCoreID,
		socketFolder:      socketFolder,
		nicMTU:            nicMTU,
		pcapPrefix:        "vgraphd",
		pollablesCapacity: PollablesCapacityDefault,
	}, nil
}

func (c Config) DPDKArgs() []string     { return append([]string(nil), c.dpdkArgs...) }
func (c Config) ExternalIP() net.IP     { return c.externalIP }
func (c Config) GraphCoreID() int       { return c.graphCoreID }
func (c Config) SocketFolder() string   { return c.socketFolder }
func (c Config) NicMTU() string         { return c.nicMTU }
func (c Config) NoOffload() bool        { return c.noOffload }
func (c Config) PacketTrace() bool      { return c.packetTrace }
func (c Config) PcapPrefix() string     { return c.pcapPrefix }
func (c Config) PollablesCapacity() int { return c.pollablesCapacity }
func (c Config) AuditPath() string      { return c.auditPath }

// WithNoOffload returns a copy of c with TSO4/6 offload disabled.
func (c Config) WithNoOffload(v bool) Config {
	c.noOffload = v
	return c
}

// WithPacketTrace returns a copy of c with the main uplink trace
// enabled and pcap files named with the given prefix.
func (c Config) WithPacketTrace(enabled bool, pcapPrefix string) Config {
	c.packetTrace = enabled
	if pcapPrefix != "" {
		c.pcapPrefix = pcapPrefix
	}
	return c
}

// WithPollablesCapacity overrides the default pollables array capacity.
func (c Config) WithPollablesCapacity(n int) Config {
	if n > 0 {
		c.pollablesCapacity = n
	}
	return c
}

// WithAuditPath sets the on-disk path for the operation ledger. An
// empty path (the default) leaves auditing to an in-memory ledger.
func (c Config) WithAuditPath(path string) Config {
	c.auditPath = path
	return c
}
