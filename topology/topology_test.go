package topology_test

import (
	"testing"

	"github.com/outscale/vgraphd/library"
	"github.com/outscale/vgraphd/queue"
	"github.com/outscale/vgraphd/topology"
)

func newSwitchFactory(fake *library.Fake) func(uint32) (library.Node, error) {
	return func(vni uint32) (library.Node, error) {
		return fake.NewSwitch("switch-vni", library.East, topology.SwitchCapacity)
	}
}

func TestInsert_VNIGrowth(t *testing.T) {
	fake := library.NewFake()
	vtep, _, _ := fake.NewVTEP("vtep0", nil, nil)
	mgr := topology.NewManager(vtep, false, newSwitchFactory(fake))

	head1, _ := fake.NewVhost("head1")
	cmds1, err := mgr.Insert(42, topology.Branch{NicID: "n1", Head: head1})
	if err != nil {
		t.Fatalf("Insert n1: %v", err)
	}
	if len(cmds1) != 2 {
		t.Fatalf("insert 0->1: got %d commands, want 2", len(cmds1))
	}
	if _, ok := cmds1[0].(queue.Link); !ok {
		t.Fatalf("insert 0->1 cmd[0] = %T, want Link", cmds1[0])
	}
	if _, ok := cmds1[1].(queue.AddVNI); !ok {
		t.Fatalf("insert 0->1 cmd[1] = %T, want AddVNI", cmds1[1])
	}

	head2, _ := fake.NewVhost("head2")
	cmds2, err := mgr.Insert(42, topology.Branch{NicID: "n2", Head: head2})
	if err != nil {
		t.Fatalf("Insert n2: %v", err)
	}
	wantTypes := []queue.Command{
		queue.UnlinkEdge{}, queue.Link{}, queue.AddVNI{}, queue.Link{}, queue.Link{},
	}
	if len(cmds2) != len(wantTypes) {
		t.Fatalf("insert 1->2: got %d commands, want %d", len(cmds2), len(wantTypes))
	}
	v, ok := mgr.Lookup(42)
	if !ok || !v.HasSwitch() {
		t.Fatalf("expected vni 42 to have a switch after 1->2 insertion")
	}
	if v.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", v.Size())
	}
}

func TestRemove_VNIShrink(t *testing.T) {
	fake := library.NewFake()
	vtep, _, _ := fake.NewVTEP("vtep0", nil, nil)
	mgr := topology.NewManager(vtep, false, newSwitchFactory(fake))

	head1, _ := fake.NewVhost("head1")
	head2, _ := fake.NewVhost("head2")
	if _, err := mgr.Insert(42, topology.Branch{NicID: "n1", Head: head1}); err != nil {
		t.Fatalf("insert n1: %v", err)
	}
	if _, err := mgr.Insert(42, topology.Branch{NicID: "n2", Head: head2}); err != nil {
		t.Fatalf("insert n2: %v", err)
	}

	removal, err := mgr.Remove(42, "n1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(removal.Commands) != 4 {
		t.Fatalf("remove size==2: got %d commands, want 4", len(removal.Commands))
	}
	if _, ok := removal.Commands[0].(queue.Unlink); !ok {
		t.Fatalf("remove cmd[0] = %T, want Unlink", removal.Commands[0])
	}
	if _, ok := removal.Commands[1].(queue.Link); !ok {
		t.Fatalf("remove cmd[1] = %T, want Link", removal.Commands[1])
	}
	if _, ok := removal.Commands[2].(queue.AddVNI); !ok {
		t.Fatalf("remove cmd[2] = %T, want AddVNI", removal.Commands[2])
	}
	if _, ok := removal.Commands[3].(queue.BrickDestroy); !ok {
		t.Fatalf("remove cmd[3] = %T, want BrickDestroy, once both branches released the switch", removal.Commands[3])
	}
	if removal.VNIEmpty {
		t.Fatalf("vni should still have one nic left")
	}

	v, _ := mgr.Lookup(42)
	if v.HasSwitch() {
		t.Fatalf("switch should be cleared from tracked state after shrink")
	}
	if v.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", v.Size())
	}
}

func TestRemove_LastNicEmptiesVNI(t *testing.T) {
	fake := library.NewFake()
	vtep, _, _ := fake.NewVTEP("vtep0", nil, nil)
	mgr := topology.NewManager(vtep, false, newSwitchFactory(fake))

	head1, _ := fake.NewVhost("head1")
	if _, err := mgr.Insert(7, topology.Branch{NicID: "n1", Head: head1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	removal, err := mgr.Remove(7, "n1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removal.VNIEmpty {
		t.Fatalf("expected VNIEmpty after removing the last nic")
	}
	mgr.Forget(7)
	if _, ok := mgr.Lookup(7); ok {
		t.Fatalf("expected vni 7 entry to be gone after Forget")
	}
}

func TestRemove_SwitchSurvivesWhenThreeOrMoreNicsRemain(t *testing.T) {
	fake := library.NewFake()
	vtep, _, _ := fake.NewVTEP("vtep0", nil, nil)
	mgr := topology.NewManager(vtep, false, newSwitchFactory(fake))

	for _, id := range []string{"a", "b", "c"} {
		head, _ := fake.NewVhost("head-" + id)
		if _, err := mgr.Insert(9, topology.Branch{NicID: id, Head: head}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	removal, err := mgr.Remove(9, "c")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(removal.Commands) != 1 {
		t.Fatalf("remove size>=3: got %d commands, want 1 (Unlink only, switch still shared)", len(removal.Commands))
	}
	if _, ok := removal.Commands[0].(queue.Unlink); !ok {
		t.Fatalf("remove cmd[0] = %T, want Unlink", removal.Commands[0])
	}

	v, _ := mgr.Lookup(9)
	if !v.HasSwitch() {
		t.Fatalf("switch should survive while 2 nics remain attached to it")
	}
}

func TestSwitchPresenceInvariant(t *testing.T) {
	fake := library.NewFake()
	vtep, _, _ := fake.NewVTEP("vtep0", nil, nil)
	mgr := topology.NewManager(vtep, false, newSwitchFactory(fake))

	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		head, _ := fake.NewVhost("head-" + id)
		if _, err := mgr.Insert(9, topology.Branch{NicID: id, Head: head}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		v, _ := mgr.Lookup(9)
		wantSwitch := i+1 >= 2
		if v.HasSwitch() != wantSwitch {
			t.Fatalf("after inserting %d nics: HasSwitch()=%v, want %v", i+1, v.HasSwitch(), wantSwitch)
		}
	}
}
