// Package runstore is the run registry: the durable record of run, tier,
// and phase state. State transitions are validated against the domain
// state machines, so an illegal transition is a caught programming error
// rather than a silent overwrite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB

	onRun   func(*domain.Run)
	onPhase func(*domain.Phase)
}

// OnTransition registers observers invoked after a run or phase state
// change commits. The status API uses this to stream live updates.
// Register before execution starts; the fields are not guarded by a lock.
func (s *Store) OnTransition(run func(*domain.Run), phase func(*domain.Phase)) {
	s.onRun = run
	s.onPhase = phase
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the ledgers can share one database file
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection
func (s *Store) Close() error { return s.db.Close() }

// CreateRun persists a new run with its tiers and phases in one transaction
func (s *Store) CreateRun(run *domain.Run, tiers []domain.Tier, phases []*domain.Phase) error {
	budgetJSON, err := json.Marshal(run.Budget)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, name, workspace, profile, scope, state, budget, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Name, run.Workspace, string(run.Profile), string(run.Scope), string(domain.RunCreated), string(budgetJSON), run.CreatedAt)
	if err != nil {
		return err
	}

	for _, tier := range tiers {
		if _, err := tx.Exec(`INSERT INTO tiers (run_id, tier_index, name) VALUES (?, ?, ?)`,
			run.ID, tier.Index, tier.Name); err != nil {
			return err
		}
	}

	for _, p := range phases {
		depsJSON, err := json.Marshal(p.DependsOn)
		if err != nil {
			return err
		}
		phaseBudget, err := json.Marshal(p.Budget)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO phases (id, run_id, tier_index, phase_index, name, category, complexity, description, depends_on, state, budget)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, run.ID, p.TierIndex, p.Index, p.Name, p.Category, string(p.Complexity), p.Description, string(depsJSON), string(domain.PhasePending), string(phaseBudget))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, name, workspace, profile, scope, state, budget, abort_reason, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	var run domain.Run
	var profile, scope, state string
	var budgetJSON, abortReason sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.Name, &run.Workspace, &profile, &scope, &state, &budgetJSON, &abortReason, &run.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.Profile = domain.SafetyProfile(profile)
	run.Scope = domain.RunScope(scope)
	run.State = domain.RunState(state)
	run.AbortReason = abortReason.String
	if budgetJSON.Valid && budgetJSON.String != "" {
		if err := json.Unmarshal([]byte(budgetJSON.String), &run.Budget); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns() ([]*domain.Run, error) {
	rows, err := s.db.Query(`SELECT id FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// TransitionRun moves a run to a new state, enforcing forward-only moves.
// Terminal runs are retained for audit, never deleted.
func (s *Store) TransitionRun(id string, to domain.RunState, abortReason string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if !domain.CanTransitionRun(run.State, to) {
		return fmt.Errorf("%w: run %s %s -> %s", domain.ErrIllegalTransition, id, run.State, to)
	}

	now := time.Now()
	switch to {
	case domain.RunRunning:
		_, err = s.db.Exec(`UPDATE runs SET state = ?, started_at = ? WHERE id = ?`, string(to), now, id)
	case domain.RunCompleted, domain.RunFailed, domain.RunAborted:
		_, err = s.db.Exec(`UPDATE runs SET state = ?, abort_reason = ?, finished_at = ? WHERE id = ?`, string(to), abortReason, now, id)
	default:
		_, err = s.db.Exec(`UPDATE runs SET state = ? WHERE id = ?`, string(to), id)
	}
	if err == nil && s.onRun != nil {
		run.State = to
		run.AbortReason = abortReason
		s.onRun(run)
	}
	return err
}

// ReplaceRunBudget rewrites a created run's compiled budget. Only runs
// that have not started may be adjusted.
func (s *Store) ReplaceRunBudget(id string, budget domain.RunBudget) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if run.State != domain.RunCreated {
		return fmt.Errorf("run %s is %s; budgets are immutable once execution starts", id, run.State)
	}
	budgetJSON, err := json.Marshal(budget)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET budget = ? WHERE id = ?`, string(budgetJSON), id)
	return err
}

// GetTiers returns a run's tiers in order
func (s *Store) GetTiers(runID string) ([]domain.Tier, error) {
	rows, err := s.db.Query(`SELECT run_id, tier_index, name FROM tiers WHERE run_id = ? ORDER BY tier_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []domain.Tier
	for rows.Next() {
		var t domain.Tier
		if err := rows.Scan(&t.RunID, &t.Index, &t.Name); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// GetPhases returns a run's phases ordered by tier then index
func (s *Store) GetPhases(runID string) ([]*domain.Phase, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, tier_index, phase_index, name, category, complexity, description, depends_on, state, attempts, budget, tokens_used, last_error, started_at, finished_at
		FROM phases WHERE run_id = ? ORDER BY tier_index, phase_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []*domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// GetPhase retrieves one phase by ID
func (s *Store) GetPhase(id string) (*domain.Phase, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, tier_index, phase_index, name, category, complexity, description, depends_on, state, attempts, budget, tokens_used, last_error, started_at, finished_at
		FROM phases WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	return scanPhase(rows)
}

func scanPhase(rows *sql.Rows) (*domain.Phase, error) {
	var p domain.Phase
	var complexity, state string
	var description, depsJSON, budgetJSON, lastError sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := rows.Scan(&p.ID, &p.RunID, &p.TierIndex, &p.Index, &p.Name, &p.Category, &complexity, &description, &depsJSON, &state, &p.Attempts, &budgetJSON, &p.TokensUsed, &lastError, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	p.Complexity = domain.Complexity(complexity)
	p.State = domain.PhaseState(state)
	p.Description = description.String
	p.LastError = lastError.String
	if depsJSON.Valid && depsJSON.String != "" && depsJSON.String != "null" {
		if err := json.Unmarshal([]byte(depsJSON.String), &p.DependsOn); err != nil {
			return nil, err
		}
	}
	if budgetJSON.Valid && budgetJSON.String != "" {
		if err := json.Unmarshal([]byte(budgetJSON.String), &p.Budget); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		p.FinishedAt = &finishedAt.Time
	}
	return &p, nil
}

// TransitionPhase moves a phase to a new state, enforcing the state
// machine. The attempt counter only ever increases; it is bumped exactly
// when the phase enters BUILDING.
func (s *Store) TransitionPhase(id string, to domain.PhaseState, lastError string) error {
	p, err := s.GetPhase(id)
	if err != nil {
		return err
	}
	if !domain.CanTransitionPhase(p.State, to) {
		return fmt.Errorf("%w: phase %s %s -> %s", domain.ErrIllegalTransition, id, p.State, to)
	}

	now := time.Now()
	switch {
	case to == domain.PhaseBuilding:
		_, err = s.db.Exec(`
			UPDATE phases SET state = ?, attempts = attempts + 1, last_error = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ?
		`, string(to), lastError, now, id)
	case to.Terminal():
		_, err = s.db.Exec(`UPDATE phases SET state = ?, last_error = ?, finished_at = ? WHERE id = ?`,
			string(to), lastError, now, id)
	default:
		_, err = s.db.Exec(`UPDATE phases SET state = ?, last_error = ? WHERE id = ?`, string(to), lastError, id)
	}
	if err == nil && s.onPhase != nil {
		p.State = to
		p.LastError = lastError
		if to == domain.PhaseBuilding {
			p.Attempts++
		}
		s.onPhase(p)
	}
	return err
}

// AddPhaseTokens accumulates token usage onto a phase
func (s *Store) AddPhaseTokens(id string, tokens int64) error {
	_, err := s.db.Exec(`UPDATE phases SET tokens_used = tokens_used + ? WHERE id = ?`, tokens, id)
	return err
}

// SaveAttempt persists one builder/auditor cycle record
func (s *Store) SaveAttempt(a *domain.Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (id, phase_id, run_id, number, builder_provider, builder_model, auditor_provider, auditor_model, escalated, risk_score, gate_label, passed, failure_kind, detail, tokens_input, tokens_output, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			auditor_provider = excluded.auditor_provider,
			auditor_model = excluded.auditor_model,
			risk_score = excluded.risk_score,
			gate_label = excluded.gate_label,
			passed = excluded.passed,
			failure_kind = excluded.failure_kind,
			detail = excluded.detail,
			tokens_input = excluded.tokens_input,
			tokens_output = excluded.tokens_output,
			finished_at = excluded.finished_at
	`,
		a.ID, a.PhaseID, a.RunID, a.Number,
		a.BuilderProvider, a.BuilderModel, a.AuditorProvider, a.AuditorModel,
		a.Escalated, a.RiskScore, a.GateLabel, a.Passed, a.FailureKind, a.Detail,
		a.TokensInput, a.TokensOutput, a.StartedAt, a.FinishedAt,
	)
	return err
}

// ListAttempts returns a phase's attempts in order
func (s *Store) ListAttempts(phaseID string) ([]*domain.Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, phase_id, run_id, number, builder_provider, builder_model, auditor_provider, auditor_model, escalated, risk_score, gate_label, passed, failure_kind, detail, tokens_input, tokens_output, started_at, finished_at
		FROM attempts WHERE phase_id = ? ORDER BY number
	`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var builderProvider, builderModel, auditorProvider, auditorModel, gateLabel, failureKind, detail sql.NullString
		var finishedAt sql.NullTime
		err := rows.Scan(&a.ID, &a.PhaseID, &a.RunID, &a.Number, &builderProvider, &builderModel, &auditorProvider, &auditorModel, &a.Escalated, &a.RiskScore, &gateLabel, &a.Passed, &failureKind, &detail, &a.TokensInput, &a.TokensOutput, &a.StartedAt, &finishedAt)
		if err != nil {
			return nil, err
		}
		a.BuilderProvider = builderProvider.String
		a.BuilderModel = builderModel.String
		a.AuditorProvider = auditorProvider.String
		a.AuditorModel = auditorModel.String
		a.GateLabel = gateLabel.String
		a.FailureKind = failureKind.String
		a.Detail = detail.String
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AppendLog records a log line for a run
func (s *Store) AppendLog(runID, phaseID, level, message string) error {
	_, err := s.db.Exec(`INSERT INTO run_logs (run_id, phase_id, timestamp, level, message) VALUES (?, ?, ?, ?, ?)`,
		runID, phaseID, time.Now(), level, message)
	return err
}

// Progress computes a run's completion ratio for the status surface
func (s *Store) Progress(runID string) (domain.Progress, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return domain.Progress{}, err
	}
	phases, err := s.GetPhases(runID)
	if err != nil {
		return domain.Progress{}, err
	}

	terminal := 0
	for _, p := range phases {
		if p.State.Terminal() {
			terminal++
		}
	}
	percent := 0.0
	if len(phases) > 0 {
		percent = float64(terminal) / float64(len(phases)) * 100
	}
	return domain.Progress{
		RunID:          runID,
		State:          string(run.State),
		TotalPhases:    len(phases),
		TerminalPhases: terminal,
		Percent:        percent,
	}, nil
}
