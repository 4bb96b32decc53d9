package agentpool

import "sync"

// PendingJob tracks a job waiting for dispatch or completion
type PendingJob struct {
	Job      *JobMessage
	ResultCh chan *JobResult
	WorkerID string // assigned worker, empty while queued
}

// SendFunc sends a job to a worker
type SendFunc func(w *ConnectedWorker, job *JobMessage) error

// LocalFunc runs a job on the local adapters when no worker is connected
type LocalFunc func(job *JobMessage) *JobResult

// Dispatcher manages the job queue and worker assignment
type Dispatcher struct {
	registry   *Registry
	local      LocalFunc
	sendFunc   SendFunc
	cancelFunc func(workerID, jobID string) error

	queue   []*PendingJob
	pending map[string]*PendingJob
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher. The local function is optional;
// when nil, jobs queue until a worker connects.
func NewDispatcher(registry *Registry, local LocalFunc) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		local:    local,
		pending:  make(map[string]*PendingJob),
	}
}

// SetSendFunc sets the function used to send jobs to workers
func (d *Dispatcher) SetSendFunc(fn SendFunc) {
	d.sendFunc = fn
}

// SetCancelFunc sets the function used to cancel dispatched jobs
func (d *Dispatcher) SetCancelFunc(fn func(workerID, jobID string) error) {
	d.cancelFunc = fn
}

// Submit adds a job to the queue and returns a channel for the result
func (d *Dispatcher) Submit(job *JobMessage) chan *JobResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	resultCh := make(chan *JobResult, 1)
	pending := &PendingJob{
		Job:      job,
		ResultCh: resultCh,
	}

	d.queue = append(d.queue, pending)
	d.pending[job.JobID] = pending

	return resultCh
}

// TryDispatch attempts to assign queued jobs to available workers
func (d *Dispatcher) TryDispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var remaining []*PendingJob

	for _, pj := range d.queue {
		worker := d.registry.FindReady()

		if worker != nil && d.sendFunc != nil {
			worker.DecrementSlots()
			pj.WorkerID = worker.ID

			if err := d.sendFunc(worker, pj.Job); err != nil {
				// Send failed, keep in queue
				remaining = append(remaining, pj)
				continue
			}
		} else if d.local != nil && d.registry.Count() == 0 {
			go func(pj *PendingJob) {
				result := d.local(pj.Job)
				d.Complete(pj.Job.JobID, result)
			}(pj)
		} else {
			remaining = append(remaining, pj)
		}
	}

	d.queue = remaining
}

// Complete resolves a pending job and delivers its result
func (d *Dispatcher) Complete(jobID string, result *JobResult) {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if ok {
		delete(d.pending, jobID)
	}
	d.mu.Unlock()

	if ok && pj.ResultCh != nil {
		pj.ResultCh <- result
		close(pj.ResultCh)
	}
}

// Cancel aborts a job. Dispatched jobs get a cancel message to their
// worker; queued jobs just resolve with an error.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	workerID := ""
	if ok {
		workerID = pj.WorkerID
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	if workerID != "" && d.cancelFunc != nil {
		if err := d.cancelFunc(workerID, jobID); err != nil {
			return err
		}
	}
	d.Complete(jobID, &JobResult{JobID: jobID, Err: "cancelled"})
	return nil
}

// RequeueWorkerJobs puts jobs assigned to a disconnected worker back in
// the queue
func (d *Dispatcher) RequeueWorkerJobs(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, pj := range d.pending {
		if pj.WorkerID != workerID {
			continue
		}
		pj.WorkerID = ""
		d.queue = append(d.queue, pj)
	}
}

// QueueLength returns the number of queued jobs
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// PendingCount returns the number of pending jobs (queued + in flight)
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
