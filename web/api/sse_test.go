package api

import (
	"testing"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
)

// receiveEvent waits for one event on the client channel
func receiveEvent(t *testing.T, client chan SSEEvent) SSEEvent {
	t.Helper()
	select {
	case event := <-client:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return SSEEvent{}
	}
}

func TestPhaseTransitionStreamsEvent(t *testing.T) {
	server, store := newTestServer(t)
	seedRun(t, store, "run-1")

	go server.sseHub.Run()
	client := make(chan SSEEvent, 8)
	server.sseHub.register <- client

	if err := store.TransitionPhase("run-1-ph-1", domain.PhaseDispatched, ""); err != nil {
		t.Fatal(err)
	}

	event := receiveEvent(t, client)
	if event.Type != "phase_update" {
		t.Fatalf("event type = %q, want phase_update", event.Type)
	}
	data := event.Data.(map[string]interface{})
	if data["id"] != "run-1-ph-1" || data["run_id"] != "run-1" {
		t.Errorf("event data = %+v", data)
	}
	if data["state"] != domain.PhaseDispatched {
		t.Errorf("state = %v, want dispatched", data["state"])
	}
}

func TestRunTransitionStreamsEvent(t *testing.T) {
	server, store := newTestServer(t)
	seedRun(t, store, "run-1")

	go server.sseHub.Run()
	client := make(chan SSEEvent, 8)
	server.sseHub.register <- client

	if err := store.TransitionRun("run-1", domain.RunRunning, ""); err != nil {
		t.Fatal(err)
	}

	event := receiveEvent(t, client)
	if event.Type != "run_update" {
		t.Fatalf("event type = %q, want run_update", event.Type)
	}
	data := event.Data.(map[string]interface{})
	if data["id"] != "run-1" || data["state"] != domain.RunRunning {
		t.Errorf("event data = %+v", data)
	}
}

func TestQuotaIncidentStreamsEvent(t *testing.T) {
	server, _ := newTestServer(t)

	go server.sseHub.Run()
	client := make(chan SSEEvent, 8)
	server.sseHub.register <- client

	notifier := server.Notifier()

	// notifications without a provider reference stay off the stream
	if err := notifier.Send(notify.RunFinished("run-1", "nightly", "completed", "")); err != nil {
		t.Fatal(err)
	}
	if err := notifier.Send(notify.QuotaIncident("run-1", "ph-1", "security_auth_change", "anthropic", "opus")); err != nil {
		t.Fatal(err)
	}

	event := receiveEvent(t, client)
	if event.Type != "quota_incident" {
		t.Fatalf("event type = %q, want quota_incident", event.Type)
	}
	data := event.Data.(map[string]interface{})
	if data["provider"] != "anthropic" || data["run_id"] != "run-1" {
		t.Errorf("event data = %+v", data)
	}
}
