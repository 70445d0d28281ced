package recorder

import (
	"testing"

	"github.com/rastro/rastro/internal/ledger"
)

func newTestRecorder(t *testing.T) (*Recorder, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return New(l), l
}

func TestRecord_WritesChainedEntry(t *testing.T) {
	r, l := newTestRecorder(t)

	e1, err := r.Record("Fiscal Ambiental", ledger.ActionLotCreated, "lot-1", "Lot MAD-2026-001 created")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	e2, err := r.Record("Fiscal Ambiental", ledger.ActionEventRecorded, "lot-1", "transport recorded")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if e1.Actor != "Fiscal Ambiental" {
		t.Errorf("actor = %q, want explicit caller identity", e1.Actor)
	}
	if e2.PrevHash != e1.Hash {
		t.Error("consecutive records should be hash-chained")
	}

	result, err := l.VerifyChain()
	if err != nil || !result.Valid {
		t.Errorf("recorded chain should verify: valid=%v err=%v", result.Valid, err)
	}
}

func TestRecord_SystemSentinel(t *testing.T) {
	r, _ := newTestRecorder(t)

	e, err := r.Record("", ledger.ActionServiceStarted, "", "service started")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if e.Actor != SystemActor {
		t.Errorf("empty actor should resolve to %q, got %q", SystemActor, e.Actor)
	}
}
