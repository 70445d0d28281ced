// Package server serves the Rastro web UI and REST API.
//
// Everything is mounted on one loopback port:
//
//   - Web UI:     GET /dashboard           — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws        — Live ledger feed
//   - REST API:   GET  /api/status         — Service and chain status
//                 GET  /api/lots           — Lot list
//                 POST /api/lots           — Register a lot
//                 GET  /api/lots/{id}/events — Custody history for a lot
//                 POST /api/lots/{id}/events — Record a custody event
//                 GET  /api/rules          — Active rule set
//                 GET  /api/ledger         — Ledger entries (filtered)
//                 GET  /api/verify         — Full chain verification
//                 POST /api/check          — Evaluate a lot
//   - Control:    GET  /health             — Liveness probe
//                 POST /shutdown           — Graceful stop (loopback only)
//
// The web UI is a minimal embedded HTML page (no build step, no
// framework).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rastro/rastro/internal/compliance"
	"github.com/rastro/rastro/internal/custody"
	"github.com/rastro/rastro/internal/identity"
	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
	"github.com/rastro/rastro/internal/rules"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Ledger    *ledger.Ledger
	Custody   *custody.Store
	Rules     *rules.Store
	Users     *identity.Store
	Evaluator *compliance.Evaluator

	// Dashboard controls whether /dashboard and /dashboard/ws are
	// mounted.
	Dashboard bool
}

// Server routes the REST API, dashboard, and control endpoints.
type Server struct {
	ledger    *ledger.Ledger
	custody   *custody.Store
	rules     *rules.Store
	users     *identity.Store
	evaluator *compliance.Evaluator
	dashboard bool
	feed      *feedHub

	// shutdownCh is closed when POST /shutdown is accepted.
	shutdownCh chan struct{}
}

// New creates a Server with the given dependencies and starts the
// live-feed hub.
func New(opts Options) *Server {
	s := &Server{
		ledger:     opts.Ledger,
		custody:    opts.Custody,
		rules:      opts.Rules,
		users:      opts.Users,
		evaluator:  opts.Evaluator,
		dashboard:  opts.Dashboard,
		feed:       newFeedHub(),
		shutdownCh: make(chan struct{}),
	}
	go s.feed.run()
	return s
}

// ShutdownRequested returns a channel closed when a valid POST /shutdown
// arrives. The serve loop selects on it alongside OS signals.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/lots", s.handleLotsList)
	mux.HandleFunc("POST /api/lots", s.handleLotsCreate)
	mux.HandleFunc("GET /api/lots/{id}/events", s.handleEventsList)
	mux.HandleFunc("POST /api/lots/{id}/events", s.handleEventsAdd)
	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.HandleFunc("GET /api/ledger", s.handleLedger)
	mux.HandleFunc("GET /api/verify", s.handleVerify)
	mux.HandleFunc("POST /api/check", s.handleCheck)
	mux.HandleFunc("GET /api/users", s.handleUsers)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	if s.dashboard {
		mux.HandleFunc("GET /dashboard", s.handleDashboard)
		mux.HandleFunc("GET /dashboard/ws", s.handleFeed)
	}

	return mux
}

// BroadcastEntry sends a ledger entry to all connected WebSocket
// clients. Called after each recorded mutation. Non-blocking — if no
// clients are connected, the entry is dropped.
func (s *Server) BroadcastEntry(e ledger.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast entry", "error", err)
		return
	}
	s.feed.broadcast(data)
}

// actorFrom resolves the acting principal for a mutating request. The
// X-Rastro-Actor header names the actor; absent, the system sentinel is
// recorded.
func actorFrom(r *http.Request) string {
	if a := r.Header.Get("X-Rastro-Actor"); a != "" {
		return a
	}
	return recorder.SystemActor
}

// --- REST API handlers ---

// handleStatus returns service and chain status.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.VerifyChain()
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	status := map[string]any{
		"status":         "running",
		"lots":           len(s.custody.Lots()),
		"rules":          len(s.rules.List()),
		"ledger_entries": result.EntriesChecked,
		"chain_valid":    result.Valid,
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLotsList returns all lots.
// GET /api/lots
func (s *Server) handleLotsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.custody.Lots())
}

// handleLotsCreate registers a new lot.
// POST /api/lots  { "code": "MAD-2026-001", "category": "madeira", ... }
func (s *Server) handleLotsCreate(w http.ResponseWriter, r *http.Request) {
	var lot custody.Lot
	if err := json.NewDecoder(r.Body).Decode(&lot); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	created, err := s.custody.CreateLot(actorFrom(r), lot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.broadcastLatest()
	writeJSON(w, http.StatusCreated, created)
}

// handleEventsList returns a lot's custody history, oldest first.
// GET /api/lots/{id}/events
func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.custody.Get(id); err != nil {
		if errors.Is(err, custody.ErrLotNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.custody.EventsFor(id))
}

// handleEventsAdd records a custody event for a lot.
// POST /api/lots/{id}/events  { "kind": "transport", "volume": 25, ... }
func (s *Server) handleEventsAdd(w http.ResponseWriter, r *http.Request) {
	var ev custody.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ev.LotID = r.PathValue("id")

	added, err := s.custody.AddEvent(actorFrom(r), ev)
	if err != nil {
		if errors.Is(err, custody.ErrLotNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.broadcastLatest()
	writeJSON(w, http.StatusCreated, added)
}

// handleRules returns the full rule set.
// GET /api/rules
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.List())
}

// handleLedger returns ledger entries, newest first.
// GET /api/ledger?limit=50&actor=fiscal&action=lot-created&subject=<id>&since=24h
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := ledger.QueryParams{
		Actor:   r.URL.Query().Get("actor"),
		Action:  ledger.Action(r.URL.Query().Get("action")),
		Subject: r.URL.Query().Get("subject"),
		Since:   r.URL.Query().Get("since"),
		Limit:   limit,
	}

	entries, err := s.ledger.Query(params)
	if err != nil {
		slog.Error("ledger query failed", "error", err)
		http.Error(w, "ledger query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleVerify runs full chain verification.
// GET /api/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.VerifyChain()
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCheck evaluates one lot against the active rules.
// POST /api/check  { "lot_id": "...", "apply": true }
//
// With apply, the verdict's status is written back to the lot when it
// differs from the stored one.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LotID string `json:"lot_id"`
		Apply bool   `json:"apply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.LotID == "" {
		http.Error(w, "lot_id field required", http.StatusBadRequest)
		return
	}

	lot, err := s.custody.Get(req.LotID)
	if err != nil {
		if errors.Is(err, custody.ErrLotNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	actor := actorFrom(r)
	verdict, err := s.evaluator.Evaluate(actor, lot, s.custody.EventsFor(lot.ID))
	if err != nil {
		slog.Error("evaluation failed", "lot", lot.ID, "error", err)
		http.Error(w, "evaluation failed", http.StatusInternalServerError)
		return
	}

	if req.Apply && verdict.Status != lot.Status {
		if _, err := s.custody.SetStatus(actor, lot.ID, verdict.Status); err != nil {
			slog.Error("applying verdict failed", "lot", lot.ID, "error", err)
			http.Error(w, "applying verdict failed", http.StatusInternalServerError)
			return
		}
	}

	s.broadcastLatest()
	writeJSON(w, http.StatusOK, verdict)
}

// handleUsers returns the registered users.
// GET /api/users
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.users.List())
}

// --- Control endpoints ---

// handleHealth is the liveness probe used by `rastro serve` supervision
// and the CLI.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "ts": time.Now().UTC().Format(time.RFC3339)})
}

// handleShutdown requests a graceful stop. Only loopback peers may call
// it; the server already binds loopback by default, this guards
// misconfigured binds.
// POST /shutdown
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || !net.ParseIP(host).IsLoopback() {
		http.Error(w, "shutdown is loopback only", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})

	select {
	case <-s.shutdownCh:
		// Already stopping.
	default:
		close(s.shutdownCh)
	}
}

// handleDashboard serves the embedded HTML dashboard.
// GET /dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// broadcastLatest pushes the most recent ledger entry to dashboard
// clients after a mutation.
func (s *Server) broadcastLatest() {
	if e, ok := s.ledger.Latest(); ok {
		s.BroadcastEntry(e)
	}
}

// Run serves the handler on addr until ctx is cancelled or /shutdown is
// called, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.shutdownCh:
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(drainCtx)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
