package brick_test

import (
	"testing"

	"github.com/outscale/vgraphd/brick"
	"github.com/outscale/vgraphd/library"
)

func TestHandle_ReleaseLastRefDestroys(t *testing.T) {
	fake := library.NewFake()
	node, err := fake.NewTap("tap0")
	if err != nil {
		t.Fatalf("NewTap: %v", err)
	}

	var destroyedWith library.Node
	h := brick.New(node, func(n library.Node) { destroyedWith = n })

	h.Retain()
	if got := h.Refs(); got != 2 {
		t.Fatalf("Refs() after Retain = %d, want 2", got)
	}

	if last := h.Release(); last {
		t.Fatalf("Release() reported last with one ref remaining")
	}
	if destroyedWith != nil {
		t.Fatalf("destroy called with one ref remaining")
	}

	if last := h.Release(); !last {
		t.Fatalf("Release() should report last on the final reference")
	}
	if destroyedWith != node {
		t.Fatalf("destroy not called with the wrapped node on last release")
	}
}

func TestNoopDestroy_NeverPanics(t *testing.T) {
	fake := library.NewFake()
	node, _ := fake.NewFirewall("fw0", 1, 1, library.NoConnWorker)
	h := brick.New(node, brick.NoopDestroy)
	if last := h.Release(); !last {
		t.Fatalf("Release() should still report last, even though destroy is a no-op")
	}
}

func TestHandle_Node(t *testing.T) {
	fake := library.NewFake()
	node, _ := fake.NewVhost("vhost0")
	h := brick.New(node, brick.NoopDestroy)
	if h.Node() != node {
		t.Fatalf("Node() did not return the wrapped node")
	}
}
