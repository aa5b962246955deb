package firewall

import (
	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/queue"
)

// Install atomically (from the caller's perspective) replaces fw's
// rule set: flush, add the inbound stream on WEST at priority 0, add the
// outbound stream on EAST at priority 1, then enqueue a reload. A failed
// rule-add aborts the update, leaving whatever rules were added before
// the failure in place — the firewall is never left with a stale rule
// set, only a partial one. The reload itself is pushed onto q rather
// than called directly, so it runs on the poller goroutine like every
// other brick mutation, matching how FwAddRule enqueues its own reload.
func Install(ops library.Ops, q *queue.Queue, fw library.Node, inbound, outbound string) error {
	if err := ops.FirewallRuleFlush(fw); err != nil {
		return &library.Err{Op: "firewall_rule_flush", Name: fw.Name(), Err: err}
	}
	if inbound != "" {
		if err := ops.FirewallRuleAdd(fw, inbound, library.West, 0); err != nil {
			return &library.Err{Op: "firewall_rule_add", Name: fw.Name(), Err: err}
		}
	}
	if outbound != "" {
		if err := ops.FirewallRuleAdd(fw, outbound, library.East, 1); err != nil {
			return &library.Err{Op: "firewall_rule_add", Name: fw.Name(), Err: err}
		}
	}
	q.Push(queue.FirewallReload{Firewall: fw})
	return nil
}
