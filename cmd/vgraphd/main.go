// vgraphd is the virtual-network data plane daemon: it brings up one
// uplink/VTEP graph and serves NIC attach/detach and firewall requests
// against it until told to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/outscale/vgraphd/config"
	"github.com/outscale/vgraphd/graph"
	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/logging"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  --external-ip <ip>       VTEP external endpoint (required)\n")
	fmt.Fprintf(os.Stderr, "  --socket-folder <dir>    vhost-user socket directory (required)\n")
	fmt.Fprintf(os.Stderr, "  --graph-core <id>        CPU core the poller pins to (default 0)\n")
	fmt.Fprintf(os.Stderr, "  --nic-mtu <max|N>        uplink MTU request (default max)\n")
	fmt.Fprintf(os.Stderr, "  --no-offload             disable TSO4/6 offload unconditionally\n")
	fmt.Fprintf(os.Stderr, "  --packet-trace           enable the main uplink pcap sniffer\n")
	fmt.Fprintf(os.Stderr, "  --audit-db <path>        operation ledger path (default in-memory)\n")
	fmt.Fprintf(os.Stderr, "  --log <spec>             log spec, e.g. warn,poller=debug\n")
	os.Exit(2)
}

type flags struct {
	externalIP   string
	socketFolder string
	graphCoreID  int
	nicMTU       string
	noOffload    bool
	packetTrace  bool
	auditDB      string
	logSpec      string
}

func parseFlags(args []string) (flags, error) {
	f := flags{graphCoreID: 0, nicMTU: "max"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--external-ip":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--external-ip requires a value")
			}
			i++
			f.externalIP = args[i]
		case "--socket-folder":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--socket-folder requires a value")
			}
			i++
			f.socketFolder = args[i]
		case "--graph-core":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--graph-core requires a value")
			}
			i++
			if _, err := fmt.Sscanf(args[i], "%d", &f.graphCoreID); err != nil {
				return f, fmt.Errorf("invalid --graph-core %q: %w", args[i], err)
			}
		case "--nic-mtu":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--nic-mtu requires a value")
			}
			i++
			f.nicMTU = args[i]
		case "--no-offload":
			f.noOffload = true
		case "--packet-trace":
			f.packetTrace = true
		case "--audit-db":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--audit-db requires a value")
			}
			i++
			f.auditDB = args[i]
		case "--log":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--log requires a value")
			}
			i++
			f.logSpec = args[i]
		case "-h", "--help":
			usage()
		default:
			return f, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if f.externalIP == "" || f.socketFolder == "" {
		return f, fmt.Errorf("--external-ip and --socket-folder are required")
	}
	return f, nil
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{EnvSpec: os.Getenv("VGRAPHD_LOG"), CLISpec: f.logSpec})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	externalIP := net.ParseIP(f.externalIP)
	if externalIP == nil {
		return fmt.Errorf("invalid --external-ip %q", f.externalIP)
	}

	cfg, err := config.New(nil, externalIP, f.graphCoreID, f.socketFolder, f.nicMTU)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg = cfg.WithNoOffload(f.noOffload).WithPacketTrace(f.packetTrace, "vgraphd").WithAuditPath(f.auditDB)

	// The real packet-processing library is a cgo/DPDK-backed
	// collaborator not present in this module; Fake stands in until one
	// is wired, so a plain build stays runnable for integration testing
	// against the control plane alone.
	ops := library.NewFake()
	logger.Warn("running against the in-memory Fake data plane, no real packets will flow")

	g := graph.New(cfg, ops, logger)

	ctx := context.Background()
	if ok, err := g.Start(ctx); err != nil || !ok {
		return fmt.Errorf("start: ok=%v err=%w", ok, err)
	}
	logger.Info("vgraphd started", "external_ip", externalIP, "socket_folder", f.socketFolder)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	g.Stop(ctx)
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
