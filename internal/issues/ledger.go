// Package issues implements the three-level issue ledger. Issues are
// append-only and stored once with a scope tag; run and project totals are
// computed by query so the upward-aggregation invariant cannot drift.
package issues

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS issues (
    scope TEXT NOT NULL,
    scope_ref TEXT NOT NULL,
    key TEXT NOT NULL,
    run_id TEXT,
    phase_id TEXT,
    severity TEXT NOT NULL,
    category TEXT,
    source TEXT,
    message TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scope, scope_ref, key)
);

CREATE INDEX IF NOT EXISTS idx_issues_run ON issues(run_id);
CREATE INDEX IF NOT EXISTS idx_issues_phase ON issues(phase_id);
`

// Ledger records and counts issues
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a Ledger over the given database, running its migrations
func New(db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running issue migrations: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record appends an issue. Recording the same (scope, scope_ref, key) twice
// is a no-op, so retried attempts cannot double-count.
func (l *Ledger) Record(issue domain.Issue) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if issue.Key == "" {
		return fmt.Errorf("issue key is required")
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now()
	}
	scopeRef := issue.PhaseID
	switch issue.Scope {
	case domain.IssueScopeRun:
		scopeRef = issue.RunID
	case domain.IssueScopeProject:
		scopeRef = "project"
	}

	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO issues (scope, scope_ref, key, run_id, phase_id, severity, category, source, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(issue.Scope), scopeRef, issue.Key, issue.RunID, issue.PhaseID,
		string(issue.Severity), issue.Category, issue.Source, issue.Message, issue.CreatedAt,
	)
	return err
}

// SeverityCounts holds issue counts broken down by severity
type SeverityCounts struct {
	Minor    int `json:"minor"`
	Major    int `json:"major"`
	Critical int `json:"critical"`
}

// Total returns the sum across severities
func (c SeverityCounts) Total() int { return c.Minor + c.Major + c.Critical }

func (l *Ledger) countWhere(where string, args ...interface{}) (SeverityCounts, error) {
	rows, err := l.db.Query(`SELECT severity, COUNT(*) FROM issues WHERE `+where+` GROUP BY severity`, args...)
	if err != nil {
		return SeverityCounts{}, err
	}
	defer rows.Close()

	var counts SeverityCounts
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return SeverityCounts{}, err
		}
		switch domain.Severity(severity) {
		case domain.SeverityMinor:
			counts.Minor = n
		case domain.SeverityMajor:
			counts.Major = n
		case domain.SeverityCritical:
			counts.Critical = n
		}
	}
	return counts, rows.Err()
}

// PhaseCounts returns the issues recorded at phase scope for one phase
func (l *Ledger) PhaseCounts(phaseID string) (SeverityCounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countWhere(`phase_id = ?`, phaseID)
}

// RunCounts aggregates every issue attributable to a run: run-scoped issues
// plus all issues of the run's phases. Aggregation is by query, never by
// duplicated rows, so run counts are always >= the sum of phase counts.
func (l *Ledger) RunCounts(runID string) (SeverityCounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countWhere(`run_id = ?`, runID)
}

// ProjectCounts aggregates every issue across all runs
func (l *Ledger) ProjectCounts() (SeverityCounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countWhere(`1 = 1`)
}

// ListOptions filters issue listings for the status surface
type ListOptions struct {
	RunID    string
	PhaseID  string
	Severity domain.Severity
	Limit    int
}

// List returns issues matching the options, newest first
func (l *Ledger) List(opts ListOptions) ([]*domain.Issue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `SELECT scope, key, run_id, phase_id, severity, category, source, message, created_at FROM issues WHERE 1=1`
	var args []interface{}

	if opts.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, opts.RunID)
	}
	if opts.PhaseID != "" {
		query += ` AND phase_id = ?`
		args = append(args, opts.PhaseID)
	}
	if opts.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(opts.Severity))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Issue
	for rows.Next() {
		var issue domain.Issue
		var scope, severity string
		var runID, phaseID, category, source, message sql.NullString
		if err := rows.Scan(&scope, &issue.Key, &runID, &phaseID, &severity, &category, &source, &message, &issue.CreatedAt); err != nil {
			return nil, err
		}
		issue.Scope = domain.IssueScope(scope)
		issue.Severity = domain.Severity(severity)
		issue.RunID = runID.String
		issue.PhaseID = phaseID.String
		issue.Category = category.String
		issue.Source = source.String
		issue.Message = message.String
		out = append(out, &issue)
	}
	return out, rows.Err()
}
