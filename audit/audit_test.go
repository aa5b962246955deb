package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/outscale/vgraphd/audit"
)

func newTestLedger(t *testing.T) *audit.Ledger {
	t.Helper()
	l, err := audit.NewInMemory(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecord_RoundTripsThroughRecent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, audit.Entry{
		OpID:      1,
		Kind:      "nic_add",
		Target:    "nic-1",
		StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.OpID != 1 || e.Kind != "nic_add" || e.Target != "nic-1" || e.Err != nil {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestRecord_RoundTripsCorrelationID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, audit.Entry{
		OpID:          1,
		CorrelationID: "11111111-1111-1111-1111-111111111111",
		Kind:          "nic_add",
		Target:        "nic-1",
		StartedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].CorrelationID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("unexpected entry: %+v", entries)
	}
}

func TestRecord_PersistsErrorText(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, audit.Entry{
		OpID:      2,
		Kind:      "nic_del",
		Target:    "nic-2",
		StartedAt: time.Now(),
		Err:       errors.New("boom"),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Err == nil || entries[0].Err.Error() != "boom" {
		t.Fatalf("unexpected entry: %+v", entries)
	}
}

func TestRecent_OrdersNewestFirstAndRespectsLimit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		if err := l.Record(ctx, audit.Entry{OpID: i, Kind: "op", Target: "t", StartedAt: time.Now()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := l.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []uint64{5, 4, 3} {
		if entries[i].OpID != want {
			t.Fatalf("entries[%d].OpID = %d, want %d", i, entries[i].OpID, want)
		}
	}
}

func TestRecent_EmptyLedger(t *testing.T) {
	l := newTestLedger(t)
	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
