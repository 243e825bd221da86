// Package sync orchestrates ingest runs: one run per scope at a time, with
// run status tracked in the store and the incremental cursor derived from
// the last completed run.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igrelay/igrelay/internal/bus"
	"github.com/igrelay/igrelay/internal/ingest"
	"github.com/igrelay/igrelay/internal/store"
	"go.uber.org/zap"
)

// Scope identifies the unit of synchronization: the whole account, or a
// single thread. Full requests a complete re-pull instead of an incremental
// one; it does not change the lock or cursor key.
type Scope struct {
	ThreadID string
	Full     bool
}

// Key is the lock and cursor key for the scope.
func (s Scope) Key() string {
	if s.ThreadID == "" {
		return "account"
	}
	return "thread:" + s.ThreadID
}

// Mode returns the run mode recorded on the SyncRun.
func (s Scope) Mode() string {
	if s.Full {
		return "full"
	}
	return "incremental"
}

// AlreadyRunningError is returned by Trigger when another run holds the
// scope lock. Contending requests are rejected, never queued.
type AlreadyRunningError struct {
	Scope string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("sync already running for scope %q", e.Scope)
}

// Coordinator owns the run lifecycle: pending → running → completed|failed.
// The scope lock is held for the duration of one run and released on every
// exit path, including timeout and panic-free failure.
type Coordinator struct {
	db       *store.DB
	pipeline *ingest.Pipeline
	bus      *bus.Bus
	logger   *zap.Logger
	timeout  time.Duration
	overlap  time.Duration

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator. timeout is the wall-clock budget per
// run; overlap is subtracted from the cursor on incremental runs to absorb
// source clock skew (duplicates collapse in the idempotent upsert).
// A nil logger disables logging.
func NewCoordinator(db *store.DB, pipeline *ingest.Pipeline, b *bus.Bus, logger *zap.Logger, timeout, overlap time.Duration) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:       db,
		pipeline: pipeline,
		bus:      b,
		logger:   logger,
		timeout:  timeout,
		overlap:  overlap,
	}
}

// Trigger starts a sync run for the scope and returns its sync id. The run
// executes in the background; poll Status for progress. Returns
// AlreadyRunningError when the scope lock is held.
func (c *Coordinator) Trigger(scope Scope) (string, error) {
	holder := uuid.NewString()
	ok, err := c.db.AcquireScopeLock(scope.Key(), holder)
	if err != nil {
		return "", fmt.Errorf("acquire scope lock: %w", err)
	}
	if !ok {
		return "", &AlreadyRunningError{Scope: scope.Key()}
	}

	run := &store.SyncRun{
		SyncID:    uuid.NewString(),
		Scope:     scope.Key(),
		Mode:      scope.Mode(),
		Status:    store.RunPending,
		StartedAt: time.Now().UnixMilli(),
	}
	if err := c.db.CreateSyncRun(run); err != nil {
		_ = c.db.ReleaseScopeLock(scope.Key(), holder)
		return "", fmt.Errorf("create sync run: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(scope, holder, run)
	}()
	return run.SyncID, nil
}

// Status returns the current state of a run.
func (c *Coordinator) Status(syncID string) (*store.SyncRun, error) {
	return c.db.GetSyncRun(syncID)
}

// Wait blocks until all in-flight runs have finalized. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) execute(scope Scope, holder string, run *store.SyncRun) {
	defer func() {
		if err := c.db.ReleaseScopeLock(scope.Key(), holder); err != nil {
			c.logger.Error("failed to release scope lock",
				zap.String("scope", scope.Key()), zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.db.MarkSyncRunRunning(run.SyncID); err != nil {
		c.logger.Error("failed to mark run running", zap.String("sync_id", run.SyncID), zap.Error(err))
		run.Status = store.RunFailed
		run.Errors = append(run.Errors, store.RunError{Stage: "start", Error: err.Error()})
		c.finalize(run)
		return
	}
	c.publish("sync.run_started", map[string]string{"sync_id": run.SyncID, "scope": run.Scope})

	cursor := c.cursor(scope)
	res, err := c.pipeline.Run(ctx, scope.ThreadID, cursor.since)

	run.ItemsProcessed = res.Processed
	run.ItemsCreated = res.Created
	run.ItemsUpdated = res.Updated
	run.Errors = append(run.Errors, res.Errors...)
	// A run that ingested nothing new carries the previous cursor forward,
	// otherwise the next incremental run would degrade into a full pull.
	run.MaxMessageTs = max(res.MaxMessageTs, cursor.base)

	switch {
	case err == nil:
		run.Status = store.RunCompleted
	case errors.Is(err, context.DeadlineExceeded):
		run.Status = store.RunFailed
		run.Errors = append(run.Errors, store.RunError{Stage: "timeout", Error: err.Error()})
	default:
		run.Status = store.RunFailed
		run.Errors = append(run.Errors, store.RunError{Stage: "fetch", Error: err.Error()})
	}

	c.finalize(run)

	if itemErr := res.ItemError(); itemErr != nil {
		c.logger.Warn("run finished with item errors",
			zap.String("sync_id", run.SyncID), zap.Error(itemErr))
	}
	c.logger.Info("sync run finished",
		zap.String("sync_id", run.SyncID),
		zap.String("scope", run.Scope),
		zap.String("status", run.Status),
		zap.Int("processed", run.ItemsProcessed),
		zap.Int("created", run.ItemsCreated),
		zap.Int("updated", run.ItemsUpdated),
		zap.Int("errors", len(run.Errors)))
}

type cursorInfo struct {
	base  int64 // previous cursor, carried forward when nothing new arrives
	since int64 // what the pipeline actually requests (base minus overlap)
}

// cursor computes the incremental "since" for a scope: the max message
// timestamp of the most recent completed run, minus the overlap margin.
// Full runs and first runs start from zero.
func (c *Coordinator) cursor(scope Scope) cursorInfo {
	if scope.Full {
		return cursorInfo{}
	}
	last, err := c.db.LatestCompletedRun(scope.Key())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("failed to read cursor", zap.String("scope", scope.Key()), zap.Error(err))
		}
		return cursorInfo{}
	}
	since := last.MaxMessageTs - c.overlap.Milliseconds()
	if since < 0 {
		since = 0
	}
	return cursorInfo{base: last.MaxMessageTs, since: since}
}

func (c *Coordinator) finalize(run *store.SyncRun) {
	if err := c.db.FinalizeSyncRun(run); err != nil {
		c.logger.Error("failed to finalize run", zap.String("sync_id", run.SyncID), zap.Error(err))
		return
	}
	kind := "sync.run_completed"
	if run.Status == store.RunFailed {
		kind = "sync.run_failed"
	}
	c.publish(kind, map[string]string{"sync_id": run.SyncID, "scope": run.Scope})
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
