// Package query is the read-side surface of the mirror: thread listings,
// message history and full-text search, always scoped to the identity of the
// asking session.
package query

import (
	"errors"
	"fmt"

	"github.com/igrelay/igrelay/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Facade answers read queries against the local mirror. It never talks to
// the source platform; staleness is bounded by the sync interval.
type Facade struct {
	db *store.DB
}

// NewFacade creates a query facade.
func NewFacade(db *store.DB) *Facade {
	return &Facade{db: db}
}

// ThreadPage is one page of a user's thread listing.
type ThreadPage struct {
	Threads []store.Thread
	Total   int
}

// ListThreads returns the threads the user participates in, most recently
// active first. limit <= 0 uses the default page size.
func (f *Facade) ListThreads(sourceUserID string, limit, offset int) (*ThreadPage, error) {
	if sourceUserID == "" {
		return nil, errors.New("source user id must not be empty")
	}
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	threads, err := f.db.ListThreads(sourceUserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	total, err := f.db.ThreadCount(sourceUserID)
	if err != nil {
		return nil, fmt.Errorf("count threads: %w", err)
	}
	return &ThreadPage{Threads: threads, Total: total}, nil
}

// ListMessages returns messages of a thread, newest first, keyset-paginated.
// beforeTs > 0 returns messages strictly older than it; sinceTs > 0 restricts
// to messages at or after it. Returns store.ErrNotFound for unknown threads,
// which is distinct from a known thread with no messages.
func (f *Facade) ListMessages(threadID string, limit int, beforeTs, sinceTs int64) ([]store.Message, error) {
	if _, err := f.db.GetThread(threadID); err != nil {
		return nil, err
	}
	return f.db.ListMessages(threadID, beforeTs, sinceTs, clampLimit(limit))
}

// SearchMessages runs a full-text search over the messages of threads the
// user participates in, best match first.
func (f *Facade) SearchMessages(sourceUserID, query string, limit int) ([]store.SearchResult, error) {
	if sourceUserID == "" {
		return nil, errors.New("source user id must not be empty")
	}
	if query == "" {
		return nil, errors.New("search query must not be empty")
	}
	return f.db.SearchMessages(sourceUserID, query, "", clampLimit(limit))
}

// SearchThread is SearchMessages restricted to a single thread.
func (f *Facade) SearchThread(sourceUserID, query, threadID string, limit int) ([]store.SearchResult, error) {
	if threadID == "" {
		return nil, errors.New("thread id must not be empty")
	}
	if query == "" {
		return nil, errors.New("search query must not be empty")
	}
	return f.db.SearchMessages(sourceUserID, query, threadID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
