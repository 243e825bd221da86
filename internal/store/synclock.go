package store

import "time"

// AcquireScopeLock attempts to take the sync lock for a scope on behalf of
// the given holder token. Returns false when another run already holds it;
// contention is never queued. The lock lives in the store so that multiple
// coordinator instances sharing the database exclude each other.
func (db *DB) AcquireScopeLock(scope, holder string) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO sync_locks (scope, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO NOTHING`,
		scope, holder, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseScopeLock releases the lock for a scope, but only if the holder
// token matches. A stale holder (e.g. a timed-out run racing its successor)
// releasing is a no-op.
func (db *DB) ReleaseScopeLock(scope, holder string) error {
	_, err := db.Exec(`DELETE FROM sync_locks WHERE scope = ? AND holder = ?`, scope, holder)
	return err
}

// ClearScopeLocks drops every scope lock. Called once at daemon startup to
// recover locks orphaned by a crash; safe because at most one daemon runs
// per data directory (see internal/lock).
func (db *DB) ClearScopeLocks() error {
	_, err := db.Exec(`DELETE FROM sync_locks`)
	return err
}
