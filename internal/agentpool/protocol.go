// Package agentpool lets builder and auditor calls run on remote worker
// machines. A coordinator accepts WebSocket connections from workers,
// tracks their capacity, and dispatches build and audit jobs; when no
// worker is connected the coordinator falls back to local adapters.
package agentpool

import (
	"encoding/json"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Worker -> Coordinator messages

// RegisterMessage sent when a worker first connects
type RegisterMessage struct {
	WorkerID string `json:"worker_id"`
	MaxJobs  int    `json:"max_jobs"`
	// AgentBinary identifies the agent executable the worker drives,
	// for status display only
	AgentBinary string `json:"agent_binary,omitempty"`
}

// ReadyMessage sent when a worker has available job slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// CompleteMessage sent when a job finishes. Exactly one of Build and
// Audit is set, matching the job's mode.
type CompleteMessage struct {
	JobID      string              `json:"job_id"`
	Build      *agent.BuildResult  `json:"build,omitempty"`
	Audit      *domain.AuditReport `json:"audit,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// ErrorMessage sent when a job fails before producing a result
type ErrorMessage struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Coordinator -> Worker messages

// Job modes
const (
	ModeBuild = "build"
	ModeAudit = "audit"
)

// JobMessage assigns a builder or auditor call to a worker
type JobMessage struct {
	JobID string              `json:"job_id"`
	Mode  string              `json:"mode"`
	Build *agent.BuildRequest `json:"build,omitempty"`
	Audit *agent.AuditRequest `json:"audit,omitempty"`
	// TimeoutSecs bounds the call on the worker side
	TimeoutSecs int `json:"timeout_secs,omitempty"`
}

// CancelMessage requests job cancellation
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// Message type constants
const (
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeJob      = "job"
	TypeCancel   = "cancel"
	TypePing     = "ping"
	TypePong     = "pong"
)

// JobResult is the coordinator-side outcome of one dispatched job
type JobResult struct {
	JobID string
	Build *agent.BuildResult
	Audit *domain.AuditReport
	Err   string
}
