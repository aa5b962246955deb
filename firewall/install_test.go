package firewall_test

import (
	"errors"
	"testing"

	"github.com/outscale/vgraphd/firewall"
	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/queue"
)

func TestInstall_InstallsBothSidesAndEnqueuesReload(t *testing.T) {
	fake := library.NewFake()
	fw, err := fake.NewFirewall("fw1", 1, 1, library.NoConnWorker)
	if err != nil {
		t.Fatalf("NewFirewall: %v", err)
	}

	q := queue.New()
	if err := firewall.Install(fake, q, fw, "in-expr", "out-expr"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if got := fake.Rules(fw, library.West); len(got) != 1 || got[0] != "in-expr" {
		t.Fatalf("west rules = %v", got)
	}
	if got := fake.Rules(fw, library.East); len(got) != 1 || got[0] != "out-expr" {
		t.Fatalf("east rules = %v", got)
	}

	cmd, ok := q.Pop()
	if !ok {
		t.Fatalf("expected a reload command to be enqueued, queue is empty")
	}
	reload, ok := cmd.(queue.FirewallReload)
	if !ok || reload.Firewall != fw {
		t.Fatalf("expected queue.FirewallReload{Firewall: fw}, got %#v", cmd)
	}
}

func TestInstall_FailureLeavesPriorRules(t *testing.T) {
	fake := library.NewFake()
	fw, _ := fake.NewFirewall("fw1", 1, 1, library.NoConnWorker)

	q := queue.New()
	failing := &failingOps{Fake: fake, failOn: "out-expr"}
	err := firewall.Install(failing, q, fw, "in-expr", "out-expr")
	if err == nil {
		t.Fatalf("expected error from failing outbound add")
	}
	if got := fake.Rules(fw, library.West); len(got) != 1 || got[0] != "in-expr" {
		t.Fatalf("expected inbound rule to survive the outbound failure, got %v", got)
	}
	if got := fake.Rules(fw, library.East); len(got) != 0 {
		t.Fatalf("expected no east rules after failure, got %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected no reload enqueued after a failed install, queue len = %d", q.Len())
	}
}

// failingOps wraps Fake and injects a FirewallRuleAdd failure for one
// specific expression, the way the teacher's fakeKernel injects failures
// via its failOnProgram map.
type failingOps struct {
	*library.Fake
	failOn string
}

func (f *failingOps) FirewallRuleAdd(fw library.Node, expr string, side library.Side, priority int) error {
	if expr == f.failOn {
		return errors.New("injected failure")
	}
	return f.Fake.FirewallRuleAdd(fw, expr, side, priority)
}
