// Package ingest pulls threads and messages from the source platform and
// merges them into the store idempotently. The pipeline is best-effort,
// fully-accounted: every fetched item ends up either counted or recorded as
// a run error, and item failures never abort the batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igrelay/igrelay/internal/bus"
	"github.com/igrelay/igrelay/internal/source"
	"github.com/igrelay/igrelay/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pipeline ingests one scope's worth of data per Run call.
type Pipeline struct {
	db      *store.DB
	client  source.Client
	bus     *bus.Bus
	logger  *zap.Logger
	account string // source-platform account being mirrored
}

// NewPipeline creates an ingest pipeline for the given account.
// A nil logger disables logging.
func NewPipeline(db *store.DB, client source.Client, b *bus.Bus, logger *zap.Logger, account string) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{db: db, client: client, bus: b, logger: logger, account: account}
}

// Result aggregates the outcome of one ingest run. Processed, Created and
// Updated count threads and messages; users are derived records and only
// surface here when their upsert fails.
type Result struct {
	Processed    int
	Created      int
	Updated      int
	MaxMessageTs int64
	Errors       []store.RunError

	itemErr error
}

// ItemError returns all recorded item failures combined into one error
// value, or nil. Convenience for logging; the authoritative list is Errors.
func (r *Result) ItemError() error {
	return r.itemErr
}

func (r *Result) record(itemID, stage string, err error) {
	r.Errors = append(r.Errors, store.RunError{ItemID: itemID, Stage: stage, Error: err.Error()})
	r.itemErr = multierr.Append(r.itemErr, fmt.Errorf("%s %s: %w", stage, itemID, err))
}

func (r *Result) count(o store.Outcome) {
	r.Processed++
	if o == store.Created {
		r.Created++
	} else {
		r.Updated++
	}
}

// Run fetches and ingests one batch. threadID, when non-empty, restricts the
// run to a single thread; since, when > 0, is the incremental cursor passed
// to message fetches. Threads are merged before their messages so the store
// never holds a message without its parent. A non-nil error means the run as
// a whole failed (upstream inbox failure or context cancellation); the
// returned Result is still valid for accounting in both cases.
func (p *Pipeline) Run(ctx context.Context, threadID string, since int64) (*Result, error) {
	res := &Result{}

	payloads, err := p.client.FetchThreads(ctx, p.account)
	if err != nil {
		return res, fmt.Errorf("fetch threads: %w", err)
	}

	// Pass 1: normalize and merge threads (and the users they carry).
	var threads []*store.Thread
	for _, payload := range payloads {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if threadID != "" && payload.ThreadID != threadID {
			continue
		}
		t, err := source.NormalizeThread(payload)
		if err != nil {
			res.record(payload.ThreadID, "normalize_thread", err)
			continue
		}
		p.mergeUsers(payload.Users, res)

		outcome, err := p.db.UpsertThread(t)
		if err != nil {
			res.record(t.ThreadID, "upsert_thread", err)
			continue
		}
		res.count(outcome)
		threads = append(threads, t)
	}

	// Pass 2: messages, per thread.
	for _, t := range threads {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		items, err := p.client.FetchMessages(ctx, t.ThreadID, since)
		if err != nil {
			res.record(t.ThreadID, "fetch_messages", err)
			continue
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			p.mergeMessage(item, t.ThreadID, res)
		}
	}

	return res, nil
}

func (p *Pipeline) mergeUsers(users []source.UserPayload, res *Result) {
	for _, payload := range users {
		u, err := source.NormalizeUser(payload)
		if err != nil {
			res.record(payload.PK.String(), "normalize_user", err)
			continue
		}
		if _, err := p.db.UpsertUser(u); err != nil {
			res.record(u.UserID, "upsert_user", err)
		}
	}
}

func (p *Pipeline) mergeMessage(item source.MessagePayload, threadID string, res *Result) {
	m, err := source.NormalizeMessage(item, threadID)
	if err != nil {
		res.record(item.ItemID, "normalize_message", err)
		return
	}

	// Messages are immutable once mirrored. A re-fetch of a known id with
	// different text means the platform rewrote it; log the conflict, let
	// the upsert refresh the text, keep the stored timestamp-of-record.
	existing, err := p.db.GetMessage(m.MessageID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		res.record(m.MessageID, "upsert_message", err)
		return
	}
	if existing != nil && existing.Text != m.Text {
		p.logger.Warn("message content conflict",
			zap.String("message_id", m.MessageID),
			zap.String("thread_id", m.ThreadID))
		p.publish("message.conflict", map[string]string{
			"message_id": m.MessageID,
			"thread_id":  m.ThreadID,
		})
	}

	outcome, err := p.db.UpsertMessage(m)
	if err != nil {
		res.record(m.MessageID, "upsert_message", err)
		return
	}
	res.count(outcome)
	if m.Timestamp > res.MaxMessageTs {
		res.MaxMessageTs = m.Timestamp
	}
	if outcome == store.Created {
		p.publish("message.upserted", map[string]string{
			"message_id": m.MessageID,
			"thread_id":  m.ThreadID,
		})
	}
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
