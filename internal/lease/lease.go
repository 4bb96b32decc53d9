// Package lease serializes runs per workspace. Two runs writing to the
// same checkout would corrupt each other's patches, so the dispatcher
// takes a lease before touching the tree.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspace_leases (
    workspace TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL
);
`

// ErrHeld is returned by a fail-fast acquire when the workspace is busy
type ErrHeld struct {
	Workspace string
	HolderRun string
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("workspace %s is leased by run %s", e.Workspace, e.HolderRun)
}

// Manager hands out workspace leases backed by a sqlite table. The table
// usually lives in the same database file as the run registry so a crash
// leaves lease and run state consistent.
type Manager struct {
	db *sql.DB
	// terminalRun reports whether the holding run has finished, which
	// makes its lease stale and reclaimable
	terminalRun func(runID string) (bool, error)
	// pollInterval controls how often a waiting acquire re-checks
	pollInterval time.Duration
}

// New creates a lease manager on the given database
func New(db *sql.DB, terminalRun func(runID string) (bool, error)) (*Manager, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Manager{db: db, terminalRun: terminalRun, pollInterval: 2 * time.Second}, nil
}

// TryAcquire takes the lease or fails fast with ErrHeld
func (m *Manager) TryAcquire(workspace, runID string) error {
	res, err := m.db.Exec(`INSERT OR IGNORE INTO workspace_leases (workspace, run_id, acquired_at) VALUES (?, ?, ?)`,
		workspace, runID, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	holder, err := m.holder(workspace)
	if err != nil {
		return err
	}
	if holder == runID {
		return nil
	}

	// A lease whose run already finished is stale and may be taken over
	if m.terminalRun != nil {
		done, err := m.terminalRun(holder)
		if err != nil {
			return err
		}
		if done {
			_, err := m.db.Exec(`UPDATE workspace_leases SET run_id = ?, acquired_at = ? WHERE workspace = ? AND run_id = ?`,
				runID, time.Now(), workspace, holder)
			return err
		}
	}
	return &ErrHeld{Workspace: workspace, HolderRun: holder}
}

// Acquire takes the lease, waiting until the holder releases or the
// context ends
func (m *Manager) Acquire(ctx context.Context, workspace, runID string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		err := m.TryAcquire(workspace, runID)
		var held *ErrHeld
		switch {
		case err == nil:
			return nil
		case errors.As(err, &held):
			// busy, wait for the next poll
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release frees the lease if the given run holds it
func (m *Manager) Release(workspace, runID string) error {
	_, err := m.db.Exec(`DELETE FROM workspace_leases WHERE workspace = ? AND run_id = ?`, workspace, runID)
	return err
}

// Holder returns the run currently holding the workspace, or empty
func (m *Manager) Holder(workspace string) (string, error) {
	holder, err := m.holder(workspace)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return holder, err
}

func (m *Manager) holder(workspace string) (string, error) {
	var holder string
	err := m.db.QueryRow(`SELECT run_id FROM workspace_leases WHERE workspace = ?`, workspace).Scan(&holder)
	return holder, err
}

