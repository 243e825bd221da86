package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateSyncRun records a new run in pending state.
func (db *DB) CreateSyncRun(r *SyncRun) error {
	_, err := db.Exec(`
		INSERT INTO sync_runs (sync_id, scope, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.SyncID, r.Scope, r.Mode, RunPending, r.StartedAt)
	return err
}

// MarkSyncRunRunning transitions a pending run to running.
func (db *DB) MarkSyncRunRunning(syncID string) error {
	res, err := db.Exec(`UPDATE sync_runs SET status = ? WHERE sync_id = ? AND status = ?`,
		RunRunning, syncID, RunPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: not in pending state", syncID)
	}
	return nil
}

// FinalizeSyncRun writes the terminal status and aggregate counts for a run.
// Only the coordinator owning the run calls this, exactly once.
func (db *DB) FinalizeSyncRun(r *SyncRun) error {
	errsJSON, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	_, err = db.Exec(`
		UPDATE sync_runs SET
			status = ?, ended_at = ?,
			items_processed = ?, items_created = ?, items_updated = ?,
			max_message_ts = ?, errors = ?
		WHERE sync_id = ?`,
		r.Status, time.Now().UnixMilli(),
		r.ItemsProcessed, r.ItemsCreated, r.ItemsUpdated,
		r.MaxMessageTs, string(errsJSON), r.SyncID)
	return err
}

// GetSyncRun returns a run by id, or ErrNotFound.
func (db *DB) GetSyncRun(syncID string) (*SyncRun, error) {
	return db.scanRun(db.QueryRow(`
		SELECT sync_id, scope, mode, status, started_at, ended_at,
		       items_processed, items_created, items_updated, max_message_ts, errors
		FROM sync_runs WHERE sync_id = ?`, syncID))
}

// LatestCompletedRun returns the most recent completed run for a scope, or
// ErrNotFound. The incremental cursor is derived from its max_message_ts.
func (db *DB) LatestCompletedRun(scope string) (*SyncRun, error) {
	return db.scanRun(db.QueryRow(`
		SELECT sync_id, scope, mode, status, started_at, ended_at,
		       items_processed, items_created, items_updated, max_message_ts, errors
		FROM sync_runs
		WHERE scope = ? AND status = ?
		ORDER BY started_at DESC, sync_id DESC
		LIMIT 1`, scope, RunCompleted))
}

func (db *DB) scanRun(row *sql.Row) (*SyncRun, error) {
	var r SyncRun
	var errsJSON string
	err := row.Scan(&r.SyncID, &r.Scope, &r.Mode, &r.Status, &r.StartedAt, &r.EndedAt,
		&r.ItemsProcessed, &r.ItemsCreated, &r.ItemsUpdated, &r.MaxMessageTs, &errsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	return &r, nil
}
