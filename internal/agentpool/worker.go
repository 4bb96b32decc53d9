package agentpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using
// exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long the worker waits for a coordinator ping before
// timing out the connection
const pingWait = 90 * time.Second

// writeWait is the time allowed to write a control message
const writeWait = 10 * time.Second

// WorkerConfig configures the worker client
type WorkerConfig struct {
	ServerURL   string
	WorkerID    string
	MaxJobs     int
	AgentBinary string
}

// Validate checks the config is valid
func (c *WorkerConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	return nil
}

// Worker connects to a coordinator and executes builder and auditor
// jobs with its local adapters
type Worker struct {
	config  WorkerConfig
	pool    *SlotPool
	builder agent.Builder
	auditor agent.Auditor
	conn    *websocket.Conn
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	// Job tracking for cancellation
	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// NewWorker creates a worker client around local adapters
func NewWorker(config WorkerConfig, builder agent.Builder, auditor agent.Auditor) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		config:  config,
		pool:    NewSlotPool(config.MaxJobs),
		builder: builder,
		auditor: auditor,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]context.CancelFunc),
	}, nil
}

// Connect establishes the connection to the coordinator
func (w *Worker) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	return w.send(TypeRegister, RegisterMessage{
		WorkerID:    w.config.WorkerID,
		MaxJobs:     w.config.MaxJobs,
		AgentBinary: w.config.AgentBinary,
	})
}

// Run starts the worker loop
func (w *Worker) Run() error {
	// Snapshot the connection under the lock; Stop may nil it out from
	// another goroutine.
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := w.sendReady(); err != nil {
		return err
	}

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case TypeJob:
			var job JobMessage
			if err := json.Unmarshal(env.Payload, &job); err != nil {
				log.Printf("invalid job message: %v", err)
				continue
			}
			go w.handleJob(job)

		case TypePing:
			w.send(TypePong, nil)

		case TypeCancel:
			var cancel CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				log.Printf("invalid cancel message: %v", err)
				continue
			}
			log.Printf("cancelling job %s", cancel.JobID)
			w.CancelJob(cancel.JobID)
		}
	}
}

func (w *Worker) handleJob(job JobMessage) {
	if !w.pool.Acquire() {
		w.send(TypeError, ErrorMessage{
			JobID:   job.JobID,
			Message: "no slots available",
		})
		return
	}
	defer func() {
		w.pool.Release()
		w.UntrackJob(job.JobID)
		w.sendReady()
	}()

	timeout := time.Duration(job.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Minute
	}

	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	defer cancel()

	w.TrackJob(job.JobID, cancel)

	started := time.Now()
	complete := CompleteMessage{JobID: job.JobID}

	switch job.Mode {
	case ModeBuild:
		if job.Build == nil {
			w.send(TypeError, ErrorMessage{JobID: job.JobID, Message: "build job has no request"})
			return
		}
		result, err := w.builder.Build(ctx, *job.Build)
		if err != nil {
			w.send(TypeError, ErrorMessage{JobID: job.JobID, Message: err.Error()})
			return
		}
		complete.Build = result

	case ModeAudit:
		if job.Audit == nil {
			w.send(TypeError, ErrorMessage{JobID: job.JobID, Message: "audit job has no request"})
			return
		}
		report, err := w.auditor.Audit(ctx, *job.Audit)
		if err != nil {
			w.send(TypeError, ErrorMessage{JobID: job.JobID, Message: err.Error()})
			return
		}
		complete.Audit = report

	default:
		w.send(TypeError, ErrorMessage{JobID: job.JobID, Message: "unknown job mode " + job.Mode})
		return
	}

	complete.DurationMs = time.Since(started).Milliseconds()
	w.send(TypeComplete, complete)
}

func (w *Worker) sendReady() error {
	return w.send(TypeReady, ReadyMessage{
		Slots: w.pool.Available(),
	})
}

func (w *Worker) send(msgType string, payload interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
}

// RunWithReconnect runs the worker with automatic reconnection
func (w *Worker) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		err := w.Connect()
		if err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("connection failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-w.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("connected to coordinator")

		err = w.Run()

		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.mu.Unlock()

		if err != nil {
			log.Printf("disconnected: %v", err)
		}

		select {
		case <-w.ctx.Done():
			return nil
		default:
		}
	}
}

// TrackJob registers a job's cancel function for later cancellation
func (w *Worker) TrackJob(jobID string, cancel context.CancelFunc) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	w.jobs[jobID] = cancel
}

// UntrackJob removes a job from tracking
func (w *Worker) UntrackJob(jobID string) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	delete(w.jobs, jobID)
}

// HasJob checks if a job is being tracked
func (w *Worker) HasJob(jobID string) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	_, ok := w.jobs[jobID]
	return ok
}

// CancelJob cancels a running job
func (w *Worker) CancelJob(jobID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[jobID]
	if ok {
		delete(w.jobs, jobID)
	}
	w.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}
