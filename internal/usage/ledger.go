// Package usage implements the usage ledger: the single source of truth for
// how much of each provider's period token budget has been consumed.
package usage

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
    id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    role TEXT NOT NULL,
    run_id TEXT,
    phase_id TEXT,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_events(provider, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_events(run_id);
`

// Ledger records usage events and answers quota questions. All reads and
// writes go through one mutex so two concurrent phase attempts cannot both
// observe "quota available" and together exceed the cap.
type Ledger struct {
	db     *sql.DB
	quotas *policy.Quotas
	mu     sync.Mutex
	now    func() time.Time
}

// New creates a Ledger over the given database, running its migrations
func New(db *sql.DB, quotas *policy.Quotas) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running usage migrations: %w", err)
	}
	return &Ledger{db: db, quotas: quotas, now: time.Now}, nil
}

// Record appends a usage event. Events are never mutated or deleted.
func (l *Ledger) Record(ev domain.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}

	_, err := l.db.Exec(`
		INSERT INTO usage_events (id, provider, model, role, run_id, phase_id, tokens_input, tokens_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.Provider, ev.Model, string(ev.Role), ev.RunID, ev.PhaseID,
		ev.TokensInput, ev.TokensOutput, ev.CreatedAt,
	)
	return err
}

// Consumed returns the tokens consumed by a provider within its rolling period
func (l *Ledger) Consumed(provider string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumedLocked(provider)
}

func (l *Ledger) consumedLocked(provider string) (int64, error) {
	quota, ok := l.quotas.Providers[provider]
	if !ok {
		return 0, fmt.Errorf("no quota configured for provider %q", provider)
	}
	since := l.now().Add(-quota.Period)

	var consumed sql.NullInt64
	err := l.db.QueryRow(`
		SELECT SUM(tokens_input + tokens_output) FROM usage_events
		WHERE provider = ? AND created_at > ?
	`, provider, since).Scan(&consumed)
	if err != nil {
		return 0, err
	}
	return consumed.Int64, nil
}

// Exhausted reports whether a provider's period cap has been reached
func (l *Ledger) Exhausted(provider string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	consumed, err := l.consumedLocked(provider)
	if err != nil {
		return false, err
	}
	return consumed >= l.quotas.Providers[provider].TokenCap, nil
}

// Remaining returns how many tokens are left in the provider's period budget
func (l *Ledger) Remaining(provider string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	consumed, err := l.consumedLocked(provider)
	if err != nil {
		return 0, err
	}
	remaining := l.quotas.Providers[provider].TokenCap - consumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Summary returns per-provider usage for the status surface, sorted by name
func (l *Ledger) Summary() ([]domain.ProviderUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.quotas.Providers))
	for name := range l.quotas.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.ProviderUsage, 0, len(names))
	for _, name := range names {
		consumed, err := l.consumedLocked(name)
		if err != nil {
			return nil, err
		}
		quota := l.quotas.Providers[name]
		remaining := quota.TokenCap - consumed
		if remaining < 0 {
			remaining = 0
		}
		ratio := float64(consumed) / float64(quota.TokenCap)
		out = append(out, domain.ProviderUsage{
			Provider:  name,
			Consumed:  consumed,
			Cap:       quota.TokenCap,
			Remaining: remaining,
			Ratio:     ratio,
			SoftLimit: ratio >= quota.SoftLimitRatio,
			Exhausted: consumed >= quota.TokenCap,
		})
	}
	return out, nil
}

// RunTokens returns the total tokens recorded for a run
func (l *Ledger) RunTokens(runID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total sql.NullInt64
	err := l.db.QueryRow(`
		SELECT SUM(tokens_input + tokens_output) FROM usage_events WHERE run_id = ?
	`, runID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}
