// Package graph is the top-level façade: it owns Start/Stop lifecycle,
// the per-NIC command API, and wires the command queue, poller,
// topology manager and branch assembler together into one running
// virtual-network data plane.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/outscale/vgraphd/audit"
	"github.com/outscale/vgraphd/branch"
	"github.com/outscale/vgraphd/brick"
	"github.com/outscale/vgraphd/config"
	"github.com/outscale/vgraphd/firewall"
	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/model"
	"github.com/outscale/vgraphd/poller"
	"github.com/outscale/vgraphd/queue"
	"github.com/outscale/vgraphd/topology"
)

// nicState is everything the graph tracks for one attached NIC: the
// descriptor as last configured, the assembled branch built from it, and
// a handle on the branch's firewall brick. firewall is built with
// brick.NoopDestroy: topology.Branch and the pollables snapshot each hold
// their own reference to the same handle, and the firewall is actually
// destroyed only once both have released it (see nicDelLocked and
// poller.Poller.releaseSnapshot).
type nicState struct {
	nic      model.Nic
	built    branch.Built
	firewall *brick.Handle
}

// Graph is a single virtual-network data plane controller: one uplink,
// one VTEP, and a forest of per-VNI sub-graphs fanning out to NIC
// branches. All exported methods serialize on mu, matching the single
// control-thread-at-a-time model this is grounded on; brick mutations
// themselves happen only on the poller goroutine.
type Graph struct {
	mu sync.Mutex

	cfg    config.Config
	ops    library.Ops
	logger *slog.Logger

	q         *queue.Queue
	assembler *branch.Assembler
	topo      *topology.Manager

	uplink      library.Node
	vtep        library.Node
	isVtep6     bool
	mainSniffer library.Node
	mainPcap    *os.File

	nics           map[string]*nicState
	securityGroups map[string]model.SecurityGroup

	ledger *audit.Ledger

	started    bool
	opCounter  atomic.Uint64
	pollerDone chan struct{}
}

// New builds a Graph. It does no I/O; call Start to bring it up.
func New(cfg config.Config, ops library.Ops, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		cfg:            cfg,
		ops:            ops,
		logger:         WithOpIDHandler(logger).With("component", "graph"),
		nics:           make(map[string]*nicState),
		securityGroups: make(map[string]model.SecurityGroup),
	}
}

func (g *Graph) nextOpCtx(ctx context.Context) context.Context {
	return ContextWithOpID(ctx, g.opCounter.Add(1))
}

// record appends an entry to the operation ledger, if one is open. The
// ledger is diagnostic history, not a source of truth, so a logging
// failure here never overrides opErr.
func (g *Graph) record(ctx context.Context, kind, target string, started time.Time, opErr error) {
	if g.ledger == nil {
		return
	}
	entry := audit.Entry{
		OpID:          OpIDFromContext(ctx),
		CorrelationID: uuid.New().String(),
		Kind:          kind,
		Target:        target,
		StartedAt:     started,
		Err:           opErr,
	}
	if err := g.ledger.Record(ctx, entry); err != nil {
		g.logger.WarnContext(ctx, "audit record failed", "kind", kind, "target", target, "error", err)
	}
}

// PutSecurityGroup registers or replaces a security group definition,
// consulted by the rule compiler whenever a NIC references it by id.
func (g *Graph) PutSecurityGroup(sg model.SecurityGroup) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.securityGroups[sg.ID] = sg
}

func (g *Graph) warn(ctx context.Context) func(string) {
	return func(msg string) { g.logger.WarnContext(ctx, msg) }
}

// Start brings up the uplink and VTEP and launches the poller
// goroutine. It makes no library initialization call of its own: Ops
// has no such method, and the configured DPDK arguments are not read
// here. ok is false on any fatal initialization failure, leaving the
// graph cleanly un-started.
func (g *Graph) Start(ctx context.Context) (ok bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "start", "", started, err) }()

	if g.started {
		return true, nil
	}

	if g.ledger == nil {
		var ledgerErr error
		if path := g.cfg.AuditPath(); path != "" {
			g.ledger, ledgerErr = audit.New(ctx, path, g.logger)
		} else {
			g.ledger, ledgerErr = audit.NewInMemory(ctx, g.logger)
		}
		if ledgerErr != nil {
			g.logger.ErrorContext(ctx, "audit ledger open failed, continuing without one", "error", ledgerErr)
			g.ledger = nil
		}
	}

	uplink, err := g.ops.NewNicByPort(0)
	if err != nil {
		g.logger.WarnContext(ctx, "dpdk uplink creation failed, falling back to tap", "error", err)
		uplink, err = g.ops.NewTap("uplink-tap")
		if err != nil {
			g.logger.ErrorContext(ctx, "tap fallback for uplink failed", "error", err)
			return false, fmt.Errorf("graph: start: %w", err)
		}
		g.logger.InfoContext(ctx, "uplink running on tap fallback",
			"iface", g.ops.TapIfName(uplink), "mac", g.ops.MAC(uplink))
	}
	g.uplink = uplink

	_, tx := g.ops.Capabilities(uplink)
	offloadUnavailable := tx&library.OffloadOuterIPv4Cksum == 0 || tx&library.OffloadTCPTSO == 0
	if offloadUnavailable || g.cfg.NoOffload() {
		g.ops.VhostGlobalDisableOffload(library.VhostTSO4 | library.VhostTSO6)
	}

	if mtu, mtuErr := negotiateMTU(g.cfg.NicMTU(), func(m int) error { return g.ops.SetMTU(uplink, m) }); mtuErr != nil {
		g.logger.ErrorContext(ctx, "mtu negotiation failed, keeping previous mtu", "error", mtuErr)
	} else {
		g.logger.InfoContext(ctx, "mtu negotiated", "mtu", mtu)
	}
	if cur, mtuErr := g.ops.GetMTU(uplink); mtuErr == nil {
		g.logger.InfoContext(ctx, "physical mtu", "mtu", cur)
	}

	var mainSniffer library.Node
	if g.cfg.PacketTrace() {
		path := fmt.Sprintf("/tmp/%s-%d-main.pcap", g.cfg.PcapPrefix(), os.Getpid())
		f, openErr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if openErr != nil {
			g.logger.ErrorContext(ctx, "failed to open main trace file", "path", path, "error", openErr)
		} else {
			sniffer, snifErr := g.ops.NewPrinter("main-sniffer", f, true)
			if snifErr != nil {
				f.Close()
				g.logger.ErrorContext(ctx, "failed to create main sniffer", "error", snifErr)
			} else {
				mainSniffer = sniffer
				g.mainPcap = f
			}
		}
	}

	vtep, isV6, err := g.ops.NewVTEP("vtep0", g.cfg.ExternalIP(), g.ops.MAC(uplink))
	if err != nil {
		g.logger.ErrorContext(ctx, "vtep creation failed", "error", err)
		return false, fmt.Errorf("graph: start: create vtep: %w", err)
	}
	g.vtep = vtep
	g.isVtep6 = isV6

	g.q = queue.New()
	g.assembler = branch.NewAssembler(g.ops, g.q)
	g.topo = topology.NewManager(vtep, isV6, func(vni uint32) (library.Node, error) {
		return g.ops.NewSwitch(fmt.Sprintf("switch-%d", vni), library.East, topology.SwitchCapacity)
	})

	if mainSniffer != nil {
		g.mainSniffer = mainSniffer
		g.q.Push(queue.Link{West: uplink, East: mainSniffer})
		g.q.Push(queue.Link{West: mainSniffer, East: vtep})
	} else {
		g.q.Push(queue.Link{West: uplink, East: vtep})
	}
	g.q.Push(queue.VhostStart{SocketFolder: g.cfg.SocketFolder()})

	g.pollerDone = make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		poller.New(g.q, g.ops, uplink, g.logger).Run(g.cfg.GraphCoreID())
		close(g.pollerDone)
	}()

	g.started = true
	g.logger.InfoContext(ctx, "graph started", "vtep6", isV6)
	return true, nil
}

// Stop tears down every NIC, shuts the poller down and releases the
// graph's own handles. It is safe to call on an already-stopped graph.
func (g *Graph) Stop(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	ctx = g.nextOpCtx(ctx)
	started := time.Now()

	var totalRx, totalTx uint64
	for id, st := range g.nics {
		totalRx += g.ops.RxBytes(st.built.Tail)
		totalTx += g.ops.TxBytes(st.built.Tail)
		if err := g.nicDelLocked(ctx, id); err != nil {
			g.logger.ErrorContext(ctx, "nic teardown failed during stop", "nic", id, "error", err)
		}
	}
	g.logger.InfoContext(ctx, "final traffic totals",
		"rx", humanize.Bytes(totalRx), "tx", humanize.Bytes(totalTx))

	g.q.Push(queue.VhostStop{})
	g.q.Push(queue.Exit{})
	<-g.pollerDone

	for {
		if _, ok := g.q.Pop(); !ok {
			break
		}
	}

	if g.mainPcap != nil {
		g.mainPcap.Close()
		g.mainPcap = nil
	}
	g.mainSniffer = nil
	g.vtep = nil
	g.uplink = nil
	g.nics = make(map[string]*nicState)
	g.started = false
	g.record(ctx, "stop", "", started, nil)
	if g.ledger != nil {
		if err := g.ledger.Close(); err != nil {
			g.logger.WarnContext(ctx, "audit ledger close failed", "error", err)
		}
		g.ledger = nil
	}
	g.logger.InfoContext(ctx, "graph stopped")
}

// pollablesLocked builds the poller's next snapshot from every attached
// NIC's tail brick, dropping and logging entries beyond the configured
// capacity. mu must be held.
func (g *Graph) pollablesLocked() queue.Pollables {
	limit := g.cfg.PollablesCapacity()
	out := make(queue.Pollables, 0, len(g.nics))
	for id, st := range g.nics {
		if len(out) >= limit {
			g.logger.Error("pollables capacity exceeded, dropping nic", "nic", id, "capacity", limit)
			continue
		}
		out = append(out, queue.PollEntry{Node: st.built.Tail, Firewall: st.firewall.Retain()})
	}
	return out
}

func (g *Graph) upstreamFor(nic model.Nic) library.Node {
	if v, ok := g.topo.Lookup(nic.VNI); ok && v.HasSwitch() {
		return v.SwitchNode()
	}
	return g.vtep
}

// NicAdd assembles nic's branch, inserts it into its VNI's sub-graph,
// installs its firewall rules and updates the poller's pollables
// snapshot. It returns the tail brick's externally visible path (a
// vhost-user socket path, or a tap interface name).
func (g *Graph) NicAdd(ctx context.Context, nic model.Nic) (path string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "nic_add", nic.ID, started, err) }()

	if _, exists := g.nics[nic.ID]; exists {
		return "", fmt.Errorf("graph: nic %q already attached", nic.ID)
	}

	built, err := g.assembler.Build(nic)
	if err != nil {
		g.logger.ErrorContext(ctx, "branch assembly failed", "nic", nic.ID, "error", err)
		return "", err
	}

	// NoopDestroy: nothing fires the real BRICK_DESTROY until every
	// reference is released. This first reference is topology's own,
	// shared with nicState.firewall below; the pollables snapshot takes
	// out a second, independent reference in pollablesLocked.
	fwHandle := brick.New(built.Firewall, brick.NoopDestroy)

	cmds, err := g.topo.Insert(nic.VNI, topology.Branch{NicID: nic.ID, Head: built.Head, Firewall: fwHandle})
	if err != nil {
		g.logger.ErrorContext(ctx, "topology insert failed", "nic", nic.ID, "vni", nic.VNI, "error", err)
		return "", err
	}
	for _, c := range cmds {
		g.q.Push(c)
	}

	g.nics[nic.ID] = &nicState{nic: nic, built: built, firewall: fwHandle}
	g.q.Push(queue.UpdatePoll{Pollables: g.pollablesLocked()})

	if nic.BypassFiltering {
		g.logger.WarnContext(ctx, "skip firewall install, bypass filtering is on", "nic", nic.ID)
	} else {
		inbound := firewall.CompileNicInbound(nic, g.securityGroups, g.warn(ctx))
		outbound := firewall.CompileNicOutbound(nic)
		if err := firewall.Install(g.ops, g.q, built.Firewall, inbound, outbound); err != nil {
			g.logger.ErrorContext(ctx, "firewall install failed", "nic", nic.ID, "error", err)
		}
	}

	g.logger.InfoContext(ctx, "nic attached", "nic", nic.ID, "vni", nic.VNI, "path", built.Path())
	return built.Path(), nil
}

// NicDel detaches the NIC identified by nicID, unwinding its topology
// contribution and destroying its bricks.
func (g *Graph) NicDel(ctx context.Context, nicID string) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "nic_del", nicID, started, err) }()
	return g.nicDelLocked(ctx, nicID)
}

func (g *Graph) nicDelLocked(ctx context.Context, nicID string) error {
	st, ok := g.nics[nicID]
	if !ok {
		return fmt.Errorf("graph: unknown nic %q", nicID)
	}

	removal, err := g.topo.Remove(st.nic.VNI, nicID)
	if err != nil {
		g.logger.ErrorContext(ctx, "topology remove failed", "nic", nicID, "error", err)
		return err
	}
	for _, c := range removal.Commands {
		g.q.Push(c)
	}

	delete(g.nics, nicID)
	if removal.VNIEmpty {
		g.topo.Forget(st.nic.VNI)
	}
	if st.built.PcapFile != nil {
		st.built.PcapFile.Close()
	}

	// Drop topology's own reference. st is already gone from g.nics, so
	// the snapshot built below no longer names this firewall; once the
	// poller retires the outgoing snapshot and releases its reference in
	// turn, the handle hits zero and the real BRICK_DESTROY fires.
	st.firewall.Release()
	g.q.Push(queue.UpdatePoll{Pollables: g.pollablesLocked()})
	g.q.WaitEmptyQueue()

	g.logger.InfoContext(ctx, "nic detached", "nic", nicID)
	return nil
}

// NicGetStats returns the tail brick's byte counters, or (0, 0) if the
// NIC is not currently attached.
func (g *Graph) NicGetStats(nicID string) (rx, tx uint64) {
	g.mu.Lock()
	st, ok := g.nics[nicID]
	g.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return g.ops.RxBytes(st.built.Tail), g.ops.TxBytes(st.built.Tail)
}

// NicConfigAntiSpoof enables or disables ARP antispoofing on nicID's
// branch, reprogramming the allowed-IP set from the NIC's current
// descriptor.
func (g *Graph) NicConfigAntiSpoof(ctx context.Context, nicID string, enable bool) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "nic_config_antispoof", nicID, started, err) }()

	st, ok := g.nics[nicID]
	if !ok {
		return fmt.Errorf("graph: unknown nic %q", nicID)
	}
	if enable {
		if err := g.ops.AntispoofArpDelAll(st.built.Antispoof); err != nil {
			g.logger.ErrorContext(ctx, "antispoof arp reset failed", "nic", nicID, "error", err)
		}
		for _, ip := range st.nic.IPs {
			if ip4 := ip.To4(); ip4 != nil {
				if err := g.ops.AntispoofArpAdd(st.built.Antispoof, ip4); err != nil {
					g.logger.ErrorContext(ctx, "antispoof arp add failed", "nic", nicID, "ip", ip, "error", err)
				}
			}
		}
		g.ops.AntispoofArpEnable(st.built.Antispoof)
	} else {
		g.ops.AntispoofArpDisable(st.built.Antispoof)
	}
	st.nic.IPAntiSpoof = enable
	return nil
}

// NicConfigPacketTrace enables or disables the per-NIC sniffer, splicing
// it into (or out of) the branch as required by the assembly rules.
func (g *Graph) NicConfigPacketTrace(ctx context.Context, nicID string, enable bool) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "nic_config_packet_trace", nicID, started, err) }()

	st, ok := g.nics[nicID]
	if !ok {
		return fmt.Errorf("graph: unknown nic %q", nicID)
	}
	upstream := g.upstreamFor(st.nic)

	if enable {
		if st.nic.PacketTracePath == "" {
			return fmt.Errorf("graph: nic %q has no packet trace path configured", nicID)
		}
		st.nic.PacketTrace = true
		if err := g.assembler.EnableTrace(&st.built, st.nic, upstream); err != nil {
			g.logger.ErrorContext(ctx, "enable packet trace failed", "nic", nicID, "error", err)
			return err
		}
	} else {
		g.assembler.DisableTrace(&st.built, upstream)
		st.nic.PacketTrace = false
	}

	if err := g.topo.UpdateHead(st.nic.VNI, nicID, st.built.Head); err != nil {
		g.logger.ErrorContext(ctx, "topology head update failed", "nic", nicID, "error", err)
	}
	return nil
}

// NicConfigPacketTracePath repoints an already-tracing NIC at a new pcap
// file. A no-op if path matches what is already installed.
func (g *Graph) NicConfigPacketTracePath(ctx context.Context, nicID, path string) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "nic_config_packet_trace_path", nicID, started, err) }()

	st, ok := g.nics[nicID]
	if !ok {
		return fmt.Errorf("graph: unknown nic %q", nicID)
	}
	upstream := g.upstreamFor(st.nic)
	if err := g.assembler.ChangeTracePath(&st.built, upstream, path); err != nil {
		g.logger.ErrorContext(ctx, "change packet trace path failed", "nic", nicID, "error", err)
		return err
	}
	st.nic.PacketTracePath = path
	if err := g.topo.UpdateHead(st.nic.VNI, nicID, st.built.Head); err != nil {
		g.logger.ErrorContext(ctx, "topology head update failed", "nic", nicID, "error", err)
	}
	return nil
}

// FwUpdate recompiles and reinstalls nic's full inbound/outbound rule
// streams from scratch, replacing whatever descriptor was stored from
// the last NicAdd or FwUpdate.
func (g *Graph) FwUpdate(ctx context.Context, nic model.Nic) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "fw_update", nic.ID, started, err) }()

	st, ok := g.nics[nic.ID]
	if !ok {
		return fmt.Errorf("graph: unknown nic %q", nic.ID)
	}
	st.nic = nic

	if nic.BypassFiltering {
		g.logger.WarnContext(ctx, "skip firewall update, bypass filtering is on", "nic", nic.ID)
		return nil
	}

	inbound := firewall.CompileNicInbound(nic, g.securityGroups, g.warn(ctx))
	outbound := firewall.CompileNicOutbound(nic)
	if err := firewall.Install(g.ops, g.q, st.built.Firewall, inbound, outbound); err != nil {
		g.logger.ErrorContext(ctx, "firewall update failed", "nic", nic.ID, "error", err)
		return err
	}
	return nil
}

// FwAddRule compiles and adds a single rule directly to nicID's
// firewall handle, then enqueues a reload. This bypasses the full
// flush-and-reinstall Install path FwUpdate uses.
func (g *Graph) FwAddRule(ctx context.Context, nicID string, rule model.Rule) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx = g.nextOpCtx(ctx)
	started := time.Now()
	defer func() { g.record(ctx, "fw_add_rule", nicID, started, err) }()

	st, ok := g.nics[nicID]
	if !ok {
		return fmt.Errorf("graph: unknown nic %q", nicID)
	}
	if st.nic.BypassFiltering {
		g.logger.WarnContext(ctx, "add rule skipped, bypass filtering is on", "nic", nicID)
		return nil
	}
	expr := firewall.CompileRule(rule, g.securityGroups, g.warn(ctx))
	if expr == "" {
		return nil
	}
	if err := g.ops.FirewallRuleAdd(st.built.Firewall, expr, library.West, 0); err != nil {
		g.logger.ErrorContext(ctx, "firewall rule add failed", "nic", nicID, "error", err)
		return err
	}
	g.q.Push(queue.FirewallReload{Firewall: st.built.Firewall})
	return nil
}

// Dot renders the whole graph as a DOT document, serialized from the
// uplink root.
func (g *Graph) Dot() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uplink == nil {
		return ""
	}
	return g.ops.Dot(g.uplink)
}

// NicExport renders just nicID's branch as a DOT document.
func (g *Graph) NicExport(nicID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.nics[nicID]
	if !ok {
		return "", fmt.Errorf("graph: unknown nic %q", nicID)
	}
	return g.ops.Dot(st.built.Head), nil
}

// ExternalIP is the VTEP's configured endpoint, exposed for diagnostics.
func (g *Graph) ExternalIP() net.IP { return g.cfg.ExternalIP() }

// AuditRecent returns the most recently recorded operations, newest
// first, or nil if no ledger is open.
func (g *Graph) AuditRecent(ctx context.Context, limit int) ([]audit.Entry, error) {
	g.mu.Lock()
	ledger := g.ledger
	g.mu.Unlock()
	if ledger == nil {
		return nil, nil
	}
	return ledger.Recent(ctx, limit)
}
