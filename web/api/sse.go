package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// SSEEvent is one server-sent event on /api/events
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RunEvent builds the event broadcast when a run changes state
func RunEvent(run *domain.Run) SSEEvent {
	return SSEEvent{Type: "run_update", Data: map[string]interface{}{
		"id":    run.ID,
		"name":  run.Name,
		"state": run.State,
	}}
}

// PhaseEvent builds the event broadcast when a phase changes state
func PhaseEvent(phase *domain.Phase) SSEEvent {
	return SSEEvent{Type: "phase_update", Data: map[string]interface{}{
		"id":       phase.ID,
		"run_id":   phase.RunID,
		"name":     phase.Name,
		"state":    phase.State,
		"attempts": phase.Attempts,
	}}
}

// QuotaEvent builds the event broadcast when a provider quota blocks a phase
func QuotaEvent(runID, phaseID, provider string) SSEEvent {
	return SSEEvent{Type: "quota_incident", Data: map[string]interface{}{
		"run_id":   runID,
		"phase_id": phaseID,
		"provider": provider,
	}}
}

// SSEHub fans broadcast events out to every connected client
type SSEHub struct {
	clients    map[chan SSEEvent]bool
	broadcast  chan SSEEvent
	register   chan chan SSEEvent
	unregister chan chan SSEEvent
	mu         sync.Mutex
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan SSEEvent]bool),
		broadcast:  make(chan SSEEvent, 64),
		register:   make(chan chan SSEEvent),
		unregister: make(chan chan SSEEvent),
	}
}

// Run starts the SSE hub
func (h *SSEHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// Slow client, drop it
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients. The event is dropped when
// the queue is full or the hub is not running, so callers on the
// execution path never block on a stalled stream.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := make(chan SSEEvent)
		s.sseHub.register <- client

		// Cleanup on disconnect
		notify := r.Context().Done()
		go func() {
			<-notify
			s.sseHub.unregister <- client
		}()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		for event := range client {
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
