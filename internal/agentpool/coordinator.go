package agentpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
)

// CoordinatorConfig configures the coordinator
type CoordinatorConfig struct {
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// JobTimeout bounds one remote builder or auditor call
	JobTimeout time.Duration
}

// Coordinator accepts worker connections and dispatches builder and
// auditor jobs to them. It satisfies the agent.Builder and agent.Auditor
// contracts, so the pipeline uses it the same way it uses a local
// adapter.
type Coordinator struct {
	config     CoordinatorConfig
	registry   *Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	server *http.Server
	mu     sync.Mutex
}

// NewCoordinator creates a coordinator over the given registry and
// dispatcher
func NewCoordinator(config CoordinatorConfig, registry *Registry, dispatcher *Dispatcher) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = 15 * time.Minute
	}

	c := &Coordinator{
		config:     config,
		registry:   registry,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	c.dispatcher.SetSendFunc(c.sendJobToWorker)
	c.dispatcher.SetCancelFunc(c.sendCancelToWorker)

	return c
}

// Registry returns the worker registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Build dispatches a builder call to a worker and waits for the result
func (c *Coordinator) Build(ctx context.Context, req agent.BuildRequest) (*agent.BuildResult, error) {
	result, err := c.run(ctx, &JobMessage{
		JobID: uuid.NewString(),
		Mode:  ModeBuild,
		Build: &req,
	})
	if err != nil {
		return nil, err
	}
	if result.Build == nil {
		return nil, fmt.Errorf("worker returned no build result")
	}
	return result.Build, nil
}

// Audit dispatches an auditor call to a worker and waits for the result
func (c *Coordinator) Audit(ctx context.Context, req agent.AuditRequest) (*domain.AuditReport, error) {
	result, err := c.run(ctx, &JobMessage{
		JobID: uuid.NewString(),
		Mode:  ModeAudit,
		Audit: &req,
	})
	if err != nil {
		return nil, err
	}
	if result.Audit == nil {
		return nil, fmt.Errorf("worker returned no audit report")
	}
	return result.Audit, nil
}

func (c *Coordinator) run(ctx context.Context, job *JobMessage) (*JobResult, error) {
	timeout := c.config.JobTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	job.TimeoutSecs = int(timeout / time.Second)

	resultCh := c.dispatcher.Submit(job)
	c.dispatcher.TryDispatch()

	select {
	case result := <-resultCh:
		if result.Err != "" {
			return nil, fmt.Errorf("job %s: %s", job.JobID, result.Err)
		}
		return result, nil
	case <-ctx.Done():
		c.dispatcher.Cancel(job.JobID)
		return nil, ctx.Err()
	}
}

// HandleWebSocket handles incoming WebSocket connections from workers
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	go c.handleWorkerConnection(conn)
}

func (c *Coordinator) handleWorkerConnection(conn *websocket.Conn) {
	var workerID string
	defer func() {
		conn.Close()
		if workerID != "" {
			c.registry.Unregister(workerID)
			c.dispatcher.RequeueWorkerJobs(workerID)
			c.dispatcher.TryDispatch()
			log.Printf("worker %s disconnected", workerID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case TypeRegister:
			var reg RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				log.Printf("invalid register: %v", err)
				continue
			}
			workerID = reg.WorkerID
			c.registry.Register(&ConnectedWorker{
				ID:          reg.WorkerID,
				MaxJobs:     reg.MaxJobs,
				Slots:       reg.MaxJobs,
				AgentBinary: reg.AgentBinary,
				Conn:        conn,
			})
			log.Printf("worker %s registered (max_jobs=%d)", reg.WorkerID, reg.MaxJobs)

		case TypeReady:
			var ready ReadyMessage
			if err := json.Unmarshal(env.Payload, &ready); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			if w := c.registry.Get(workerID); w != nil {
				w.UpdateSlots(ready.Slots)
				c.dispatcher.TryDispatch()
			}

		case TypeComplete:
			var complete CompleteMessage
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			c.dispatcher.Complete(complete.JobID, &JobResult{
				JobID: complete.JobID,
				Build: complete.Build,
				Audit: complete.Audit,
			})

		case TypeError:
			var errMsg ErrorMessage
			if err := json.Unmarshal(env.Payload, &errMsg); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			c.dispatcher.Complete(errMsg.JobID, &JobResult{
				JobID: errMsg.JobID,
				Err:   errMsg.Message,
			})
		}
	}
}

func (c *Coordinator) sendJobToWorker(w *ConnectedWorker, job *JobMessage) error {
	data, err := MarshalEnvelope(TypeJob, job)
	if err != nil {
		return err
	}
	return w.WriteMessage(websocket.TextMessage, data)
}

func (c *Coordinator) sendCancelToWorker(workerID, jobID string) error {
	w := c.registry.Get(workerID)
	if w == nil {
		return fmt.Errorf("worker %s not found", workerID)
	}

	data, err := MarshalEnvelope(TypeCancel, CancelMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return w.WriteMessage(websocket.TextMessage, data)
}

// Start starts the coordinator server
func (c *Coordinator) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.HandleWebSocket)
	mux.HandleFunc("/status", c.HandleStatus)

	addr := fmt.Sprintf(":%d", c.config.Port)
	c.mu.Lock()
	c.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	c.mu.Unlock()

	go c.heartbeatLoop(ctx)

	log.Printf("agent pool coordinator listening on %s", addr)
	return c.server.ListenAndServe()
}

// HandleStatus reports connected workers and queue depth
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	workers := []map[string]interface{}{}
	for _, worker := range c.registry.All() {
		maxJobs, slots, connectedAt := worker.GetStatus()
		workers = append(workers, map[string]interface{}{
			"id":              worker.ID,
			"agent_binary":    worker.AgentBinary,
			"max_jobs":        maxJobs,
			"active_jobs":     maxJobs - slots,
			"connected_since": connectedAt.Format(time.RFC3339),
		})
	}

	status := map[string]interface{}{
		"workers":     workers,
		"queued_jobs": c.dispatcher.QueueLength(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Stop stops the coordinator server
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

func (c *Coordinator) sendHeartbeats() {
	for _, w := range c.registry.All() {
		// Protocol-level ping; the worker's pong handler keeps the
		// connection alive.
		w.writeMu.Lock()
		w.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := w.Conn.WriteMessage(websocket.PingMessage, nil)
		w.Conn.SetWriteDeadline(time.Time{})
		w.writeMu.Unlock()

		if err != nil {
			log.Printf("ping to %s failed: %v", w.ID, err)
			w.Conn.Close()
		}
	}
}

// NewLocalFunc builds the dispatcher fallback that runs jobs on local
// adapters when no worker is connected
func NewLocalFunc(builder agent.Builder, auditor agent.Auditor) LocalFunc {
	return func(job *JobMessage) *JobResult {
		timeout := time.Duration(job.TimeoutSecs) * time.Second
		if timeout == 0 {
			timeout = 15 * time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		switch job.Mode {
		case ModeBuild:
			result, err := builder.Build(ctx, *job.Build)
			if err != nil {
				return &JobResult{JobID: job.JobID, Err: err.Error()}
			}
			return &JobResult{JobID: job.JobID, Build: result}
		case ModeAudit:
			report, err := auditor.Audit(ctx, *job.Audit)
			if err != nil {
				return &JobResult{JobID: job.JobID, Err: err.Error()}
			}
			return &JobResult{JobID: job.JobID, Audit: report}
		default:
			return &JobResult{JobID: job.JobID, Err: "unknown job mode " + job.Mode}
		}
	}
}
