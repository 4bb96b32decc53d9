// Package schedule triggers recurring runs from cron expressions in the
// application config. The scheduler only decides when a run is due; the
// actual planning and dispatch stays with the caller.
package schedule

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/config"
)

// Scheduler manages scheduled recurring runs
type Scheduler struct {
	entries  map[string]config.ScheduleConfig
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
}

// NewScheduler creates a scheduler from the configured schedule entries.
// Disabled entries are skipped; invalid ones fail construction.
func NewScheduler(entries []config.ScheduleConfig) (*Scheduler, error) {
	s := &Scheduler{
		entries:  make(map[string]config.ScheduleConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if err := Validate(entry); err != nil {
			return nil, err
		}
		s.entries[entry.Name] = entry
	}

	return s, nil
}

// Validate checks one schedule entry
func Validate(entry config.ScheduleConfig) error {
	if entry.Name == "" {
		return fmt.Errorf("schedule entry has no name")
	}
	if _, err := ParseCron(entry.Cron); err != nil {
		return fmt.Errorf("schedule %q: invalid cron %q: %w", entry.Name, entry.Cron, err)
	}
	if entry.SpecPath == "" {
		return fmt.Errorf("schedule %q: spec_path is required", entry.Name)
	}
	return nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled trigger time for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// ShouldRun returns true if a schedule is due now
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	nextRun := sched.Next(lastRun)
	return time.Now().After(nextRun)
}

// MarkRunning marks a schedule as currently executing
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a schedule as finished
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// GetEntry returns the config for a schedule
func (s *Scheduler) GetEntry(name string) (config.ScheduleConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[name]
	return entry, ok
}

// ListSchedules returns all schedule names
func (s *Scheduler) ListSchedules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins the scheduler loop. Due schedules execute concurrently;
// one schedule never overlaps itself.
func (s *Scheduler) Start(runFunc func(config.ScheduleConfig) error) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for name := range s.entries {
				if s.ShouldRun(name) {
					entry, _ := s.GetEntry(name)
					s.MarkRunning(name)
					go func(e config.ScheduleConfig) {
						if err := runFunc(e); err != nil {
							fmt.Fprintf(os.Stderr, "schedule %s failed: %v\n", e.Name, err)
						}
						s.MarkComplete(e.Name)
					}(entry)
				}
			}
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}
