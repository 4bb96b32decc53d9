// Package api exposes the read-only status surface over HTTP: runs,
// phases, usage, issues, and the loaded routing policy, plus a
// server-sent event stream for live updates.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
)

// Server is the HTTP status API server
type Server struct {
	store  *runstore.Store
	usage  *usage.Ledger
	issues *issues.Ledger
	policy *policy.Document
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
}

// NewServer creates a new API server. It subscribes to the store's
// transition observers so run and phase state changes reach /api/events.
func NewServer(store *runstore.Store, usageLedger *usage.Ledger, issueLedger *issues.Ledger, doc *policy.Document, addr string) *Server {
	s := &Server{
		store:  store,
		usage:  usageLedger,
		issues: issueLedger,
		policy: doc,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
	}
	store.OnTransition(
		func(run *domain.Run) { s.sseHub.Broadcast(RunEvent(run)) },
		func(phase *domain.Phase) { s.sseHub.Broadcast(PhaseEvent(phase)) },
	)
	s.setupRoutes()
	return s
}

// Notifier returns a notify.Notifier that mirrors quota incidents onto
// the event stream. Register it alongside the operator notifiers in a
// process that executes runs.
func (s *Server) Notifier() notify.Notifier {
	return sseNotifier{hub: s.sseHub}
}

type sseNotifier struct{ hub *SSEHub }

func (n sseNotifier) Send(msg notify.Notification) error {
	if msg.Provider != "" {
		n.hub.Broadcast(QuotaEvent(msg.RunID, msg.PhaseID, msg.Provider))
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/usage", s.usageHandler())
	s.mux.HandleFunc("/api/issues", s.listIssuesHandler())
	s.mux.HandleFunc("/api/policy", s.policyHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the server's route multiplexer
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
