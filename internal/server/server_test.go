package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rastro/rastro/internal/compliance"
	"github.com/rastro/rastro/internal/custody"
	"github.com/rastro/rastro/internal/identity"
	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
	"github.com/rastro/rastro/internal/rules"
)

// newTestServer wires a full server against a temp data directory with
// the stock rule set loaded.
func newTestServer(t *testing.T) (*Server, *custody.Store, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()

	l, err := ledger.Open(filepath.Join(dir, "ledger"))
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	rec := recorder.New(l)

	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := rules.WriteDefaultRules(rulesPath); err != nil {
		t.Fatal(err)
	}
	rs, err := rules.NewStore(rulesPath, rec)
	if err != nil {
		t.Fatal(err)
	}

	cs, err := custody.NewStore(dir, rec)
	if err != nil {
		t.Fatal(err)
	}

	us, err := identity.NewStore(filepath.Join(dir, "users.yaml"), rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := us.Seed(); err != nil {
		t.Fatal(err)
	}

	srv := New(Options{
		Ledger:    l,
		Custody:   cs,
		Rules:     rs,
		Users:     us,
		Evaluator: compliance.New(rs, rec),
		Dashboard: true,
	})
	return srv, cs, l
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Rastro-Actor", "tester")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 {
		if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %s %s response: %v\n%s", method, path, err, rr.Body.String())
		}
	}
	return rr
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("health: status %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var status map[string]any
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/api/status", "", &status)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	if status["status"] != "running" {
		t.Errorf("status = %v", status["status"])
	}
	if status["chain_valid"] != true {
		t.Errorf("chain_valid = %v", status["chain_valid"])
	}
	if status["rules"].(float64) != 3 {
		t.Errorf("rules = %v, want 3 defaults", status["rules"])
	}
}

func TestLotLifecycleOverAPI(t *testing.T) {
	srv, _, l := newTestServer(t)
	h := srv.Handler()

	var lot custody.Lot
	rr := doJSON(t, h, http.MethodPost, "/api/lots",
		`{"code":"MAD-2026-001","category":"madeira","volume":20,"unit":"m³","origin":"Manaus, AM"}`, &lot)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create lot: %d %s", rr.Code, rr.Body.String())
	}
	if lot.ID == "" {
		t.Fatal("created lot has no ID")
	}

	// The actor header flows into the ledger record.
	entries, err := l.Query(ledger.QueryParams{Action: ledger.ActionLotCreated})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Actor != "tester" {
		t.Errorf("expected one lot-created entry by tester, got %+v", entries)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/lots/"+lot.ID+"/events",
		`{"kind":"transport","volume":25,"description":"Transporte rodoviário"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add event: %d %s", rr.Code, rr.Body.String())
	}

	var events []custody.Event
	doJSON(t, h, http.MethodGet, "/api/lots/"+lot.ID+"/events", "", &events)
	if len(events) != 1 || events[0].Kind != custody.KindTransport {
		t.Errorf("events = %+v", events)
	}

	// Transport above the declared volume: the check blocks the lot.
	var verdict compliance.Verdict
	rr = doJSON(t, h, http.MethodPost, "/api/check",
		`{"lot_id":"`+lot.ID+`","apply":true}`, &verdict)
	if rr.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rr.Code, rr.Body.String())
	}
	if verdict.Status != custody.StatusBlocked {
		t.Errorf("verdict status = %q, want blocked", verdict.Status)
	}

	var lots []custody.Lot
	doJSON(t, h, http.MethodGet, "/api/lots", "", &lots)
	if len(lots) != 1 || lots[0].Status != custody.StatusBlocked {
		t.Errorf("apply should persist the verdict, got %+v", lots)
	}
}

func TestEventsForUnknownLot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/api/lots/nope/events", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown lot: status %d, want 404", rr.Code)
	}
}

func TestCheckValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	if rr := doJSON(t, h, http.MethodPost, "/api/check", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("missing lot_id: status %d, want 400", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/api/check", `{"lot_id":"nope"}`, nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown lot: status %d, want 404", rr.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	srv, cs, _ := newTestServer(t)
	if err := cs.Seed(recorder.SystemActor); err != nil {
		t.Fatal(err)
	}

	var result ledger.VerifyResult
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/api/verify", "", &result)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: %d", rr.Code)
	}
	if !result.Valid || result.EntriesChecked == 0 {
		t.Errorf("verify result = %+v", result)
	}
}

func TestLedgerEndpointFilters(t *testing.T) {
	srv, cs, _ := newTestServer(t)
	if err := cs.Seed(recorder.SystemActor); err != nil {
		t.Fatal(err)
	}

	var entries []ledger.Entry
	doJSON(t, srv.Handler(), http.MethodGet, "/api/ledger?action=lot-created", "", &entries)
	if len(entries) != 3 {
		t.Errorf("expected 3 lot-created entries from seed, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Action != ledger.ActionLotCreated {
			t.Errorf("filter leaked action %s", e.Action)
		}
	}
}

func TestShutdownLoopbackOnly(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	// httptest requests default to a non-loopback peer.
	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("remote shutdown: status %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	req.RemoteAddr = "127.0.0.1:55555"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("loopback shutdown: status %d, want 200", rr.Code)
	}

	select {
	case <-srv.ShutdownRequested():
	default:
		t.Error("shutdown channel should be closed after POST /shutdown")
	}
}

func TestDashboardServed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/dashboard", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("dashboard: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}
