package agentpool

import "sync"

// SlotPool manages a fixed number of concurrent job slots on a worker
type SlotPool struct {
	maxJobs   int
	available int
	mu        sync.Mutex
}

// NewSlotPool creates a pool with the given capacity
func NewSlotPool(maxJobs int) *SlotPool {
	return &SlotPool{
		maxJobs:   maxJobs,
		available: maxJobs,
	}
}

// Acquire tries to claim a job slot. Returns true if successful.
func (p *SlotPool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available <= 0 {
		return false
	}
	p.available--
	return true
}

// Release returns a job slot to the pool.
func (p *SlotPool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.maxJobs {
		p.available++
	}
}

// Available returns the number of free slots.
func (p *SlotPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxJobs returns the pool capacity.
func (p *SlotPool) MaxJobs() int {
	return p.maxJobs
}
