package rules

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
)

func newTestStore(t *testing.T) (*Store, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger"))
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	s, err := NewStore(filepath.Join(dir, "rules.yaml"), recorder.New(l))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s, l
}

func TestCreate_ValidRule(t *testing.T) {
	s, l := newTestStore(t)

	r, err := s.Create("Admin Sistema", Rule{
		Name:      "Volume Excedente Madeira",
		Category:  "madeira",
		Severity:  SeverityBlocking,
		Predicate: PredicateVolumeExceedsDeclared,
		Action:    "Bloquear transação",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if r.ID == "" {
		t.Error("Create should assign an ID")
	}

	// The creation must be ledger-recorded.
	entries, err := l.Query(ledger.QueryParams{Action: ledger.ActionRuleCreated})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 rule-created ledger entry, got %d", len(entries))
	}
	if entries[0].SubjectID != r.ID {
		t.Errorf("ledger subject = %q, want rule ID %q", entries[0].SubjectID, r.ID)
	}
	if entries[0].Actor != "Admin Sistema" {
		t.Errorf("ledger actor = %q, want %q", entries[0].Actor, "Admin Sistema")
	}
}

func TestCreate_RejectsInvalidDefinitions(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown predicate", Rule{
			Name: "r", Category: "madeira", Severity: SeverityAlert,
			Predicate: "volume_transporte > volume_origem",
		}},
		{"unknown severity", Rule{
			Name: "r", Category: "madeira", Severity: "critical",
			Predicate: PredicateVolumeExceedsDeclared,
		}},
		{"closed season without months", Rule{
			Name: "r", Category: "pescado", Severity: SeverityBlocking,
			Predicate: PredicateClosedSeason,
		}},
		{"month out of range", Rule{
			Name: "r", Category: "pescado", Severity: SeverityBlocking,
			Predicate: PredicateClosedSeason, Months: []int{13},
		}},
		{"bad lot code glob", Rule{
			Name: "r", Category: "madeira", Severity: SeverityAlert,
			Predicate: PredicateVolumeExceedsDeclared, LotCode: "MAD-[",
		}},
		{"missing category", Rule{
			Name: "r", Severity: SeverityAlert,
			Predicate: PredicateVolumeExceedsDeclared,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create("admin", tt.rule)
			if err == nil {
				t.Fatal("expected creation to fail")
			}
			var invalid *InvalidRuleError
			if !errors.As(err, &invalid) {
				t.Errorf("expected *InvalidRuleError, got %T: %v", err, err)
			}
		})
	}
}

func TestActiveFor_FiltersAndSorts(t *testing.T) {
	s, _ := newTestStore(t)

	mustCreate := func(r Rule) Rule {
		t.Helper()
		created, err := s.Create("admin", r)
		if err != nil {
			t.Fatal(err)
		}
		return created
	}

	mustCreate(Rule{ID: "b-volume", Name: "volume", Category: "madeira", Severity: SeverityBlocking,
		Predicate: PredicateVolumeExceedsDeclared, Enabled: true})
	mustCreate(Rule{ID: "a-cert", Name: "cert", Category: "madeira", Severity: SeverityAlert,
		Predicate: PredicateMissingCertification, Enabled: true})
	mustCreate(Rule{ID: "c-disabled", Name: "off", Category: "madeira", Severity: SeverityAlert,
		Predicate: PredicateMissingCertification, Enabled: false})
	mustCreate(Rule{ID: "d-pescado", Name: "defeso", Category: "pescado", Severity: SeverityBlocking,
		Predicate: PredicateClosedSeason, Months: []int{11}, Enabled: true})

	active := s.ActiveFor("madeira", "MAD-2026-001")
	if len(active) != 2 {
		t.Fatalf("expected 2 active madeira rules, got %d", len(active))
	}
	// Ascending by ID for reproducible explanation order.
	if active[0].ID != "a-cert" || active[1].ID != "b-volume" {
		t.Errorf("expected [a-cert b-volume], got [%s %s]", active[0].ID, active[1].ID)
	}
}

func TestActiveFor_LotCodeGlob(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Create("admin", Rule{
		ID: "export-only", Name: "export", Category: "madeira", Severity: SeverityAlert,
		Predicate: PredicateMissingCertification, LotCode: "MAD-EXP-*", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	if got := s.ActiveFor("madeira", "MAD-EXP-2026-001"); len(got) != 1 {
		t.Errorf("matching lot code: expected 1 rule, got %d", len(got))
	}
	if got := s.ActiveFor("madeira", "MAD-2026-001"); len(got) != 0 {
		t.Errorf("non-matching lot code: expected 0 rules, got %d", len(got))
	}
}

func TestSetEnabled_RecordsAndPersists(t *testing.T) {
	s, l := newTestStore(t)

	r, err := s.Create("admin", Rule{ID: "r1", Name: "r1", Category: "cacau",
		Severity: SeverityAlert, Predicate: PredicateMissingCertification, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.SetEnabled("admin", r.ID, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if got := s.ActiveFor("cacau", "CAC-1"); len(got) != 0 {
		t.Error("disabled rule should not be active")
	}

	// Toggling to the current state is a no-op and not ledger-recorded.
	if _, err := s.SetEnabled("admin", r.ID, false); err != nil {
		t.Fatal(err)
	}
	entries, _ := l.Query(ledger.QueryParams{Action: ledger.ActionRuleUpdated})
	if len(entries) != 1 {
		t.Errorf("expected 1 rule-updated entry, got %d", len(entries))
	}
}

func TestDelete_RemovesFromFutureEvaluationsOnly(t *testing.T) {
	s, l := newTestStore(t)

	r, err := s.Create("admin", Rule{ID: "r1", Name: "r1", Category: "cacau",
		Severity: SeverityAlert, Predicate: PredicateMissingCertification, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("admin", r.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(r.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound after delete, got %v", err)
	}

	// History survives: creation and deletion are both in the ledger.
	entries, _ := l.All()
	var created, deleted bool
	for _, e := range entries {
		switch e.Action {
		case ledger.ActionRuleCreated:
			created = true
		case ledger.ActionRuleDeleted:
			deleted = true
		}
	}
	if !created || !deleted {
		t.Errorf("ledger should retain creation and deletion records: created=%v deleted=%v", created, deleted)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestReload_PicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	path := filepath.Join(dir, "rules.yaml")
	if err := WriteDefaultRules(path); err != nil {
		t.Fatalf("WriteDefaultRules failed: %v", err)
	}

	s, err := NewStore(path, recorder.New(l))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.List()); got != 3 {
		t.Fatalf("expected 3 default rules, got %d", got)
	}

	// Rewrite the file out-of-band and reload, as the file watcher does.
	if err := saveRulesToFile(path, DefaultRules()[:1]); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := len(s.List()); got != 1 {
		t.Errorf("expected 1 rule after reload, got %d", got)
	}
}

func TestDefaultRules_AllValid(t *testing.T) {
	for _, r := range DefaultRules() {
		rule := r
		if err := validate(&rule); err != nil {
			t.Errorf("default rule %q should validate: %v", r.Name, err)
		}
	}
}
