package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/igrelay/igrelay/internal/ingest"
	"github.com/igrelay/igrelay/internal/source"
	"github.com/igrelay/igrelay/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// gateClient serves one thread with one message and optionally blocks inbox
// fetches until released.
type gateClient struct {
	gate        chan struct{} // nil = never block
	sinceSeen   chan int64
	msgTs       int64 // unix ms
	filterSince bool  // when set, a cursor past msgTs hides the message
}

func (g *gateClient) FetchThreads(ctx context.Context, _ string) ([]source.ThreadPayload, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []source.ThreadPayload{{
		ThreadID:     "t1",
		LastActivity: json.Number(fmt.Sprintf("%d", g.msgTs*1000)),
		Users:        []source.UserPayload{{PK: json.Number("101"), Username: "alice"}},
	}}, nil
}

func (g *gateClient) FetchMessages(_ context.Context, _ string, since int64) ([]source.MessagePayload, error) {
	if g.sinceSeen != nil {
		g.sinceSeen <- since
	}
	if g.filterSince && since > g.msgTs {
		return nil, nil
	}
	return []source.MessagePayload{{
		ItemID:    "m1",
		UserID:    json.Number("101"),
		ItemType:  "text",
		Text:      "hi",
		Timestamp: json.Number(fmt.Sprintf("%d", g.msgTs*1000)),
	}}, nil
}

func (g *gateClient) SendMessage(_ context.Context, _, _ string) (string, error) {
	return "", errors.New("not implemented")
}

func newCoordinator(t *testing.T, db *store.DB, client source.Client, timeout, overlap time.Duration) *Coordinator {
	t.Helper()
	pipeline := ingest.NewPipeline(db, client, nil, nil, "acct")
	c := NewCoordinator(db, pipeline, nil, nil, timeout, overlap)
	t.Cleanup(c.Wait)
	return c
}

func waitTerminal(t *testing.T, c *Coordinator, syncID string) *store.SyncRun {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := c.Status(syncID)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status == store.RunCompleted || run.Status == store.RunFailed {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s did not reach a terminal state", syncID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTriggerRejectsConcurrentScope(t *testing.T) {
	db := testDB(t)
	client := &gateClient{gate: make(chan struct{}), msgTs: 4000}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	syncID, err := c.Trigger(Scope{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Trigger(Scope{})
	var running *AlreadyRunningError
	if !errors.As(err, &running) {
		t.Fatalf("err = %v, want AlreadyRunningError", err)
	}
	if running.Scope != "account" {
		t.Errorf("scope = %q, want account", running.Scope)
	}

	close(client.gate)
	run := waitTerminal(t, c, syncID)
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed, errors = %+v", run.Status, run.Errors)
	}
	if run.ItemsCreated != 2 { // thread + message
		t.Errorf("created = %d, want 2", run.ItemsCreated)
	}

	// Lock must be released once the run is terminal.
	if _, err := c.Trigger(Scope{}); err != nil {
		t.Errorf("trigger after completion failed: %v", err)
	}
}

func TestThreadScopeIsIndependent(t *testing.T) {
	db := testDB(t)
	client := &gateClient{gate: make(chan struct{}), msgTs: 4000}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	if _, err := c.Trigger(Scope{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Trigger(Scope{ThreadID: "t1"}); err != nil {
		t.Errorf("thread scope should not contend with account scope: %v", err)
	}
	close(client.gate)
}

func TestRunTimesOut(t *testing.T) {
	db := testDB(t)
	client := &gateClient{gate: make(chan struct{}), msgTs: 4000} // never released
	c := newCoordinator(t, db, client, 50*time.Millisecond, 0)

	syncID, err := c.Trigger(Scope{})
	if err != nil {
		t.Fatal(err)
	}
	run := waitTerminal(t, c, syncID)
	if run.Status != store.RunFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	found := false
	for _, e := range run.Errors {
		if e.Stage == "timeout" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %+v, want a timeout entry", run.Errors)
	}

	// Timeout must not leak the scope lock.
	if _, err := c.Trigger(Scope{}); err != nil {
		t.Errorf("trigger after timeout failed: %v", err)
	}
}

func TestIncrementalCursor(t *testing.T) {
	db := testDB(t)
	client := &gateClient{sinceSeen: make(chan int64, 4), msgTs: 5000}
	overlap := time.Second
	c := newCoordinator(t, db, client, 5*time.Second, overlap)

	syncID, err := c.Trigger(Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if since := <-client.sinceSeen; since != 0 {
		t.Errorf("first run since = %d, want 0", since)
	}
	run := waitTerminal(t, c, syncID)
	if run.MaxMessageTs != 5000 {
		t.Fatalf("max ts = %d, want 5000", run.MaxMessageTs)
	}

	if _, err := c.Trigger(Scope{}); err != nil {
		t.Fatal(err)
	}
	if since := <-client.sinceSeen; since != 5000-overlap.Milliseconds() {
		t.Errorf("second run since = %d, want 4000 (cursor minus overlap)", since)
	}
}

func TestFullScopeIgnoresCursor(t *testing.T) {
	db := testDB(t)
	client := &gateClient{sinceSeen: make(chan int64, 4), msgTs: 5000}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	syncID, err := c.Trigger(Scope{})
	if err != nil {
		t.Fatal(err)
	}
	<-client.sinceSeen
	run := waitTerminal(t, c, syncID)

	syncID, err = c.Trigger(Scope{Full: true})
	if err != nil {
		t.Fatal(err)
	}
	if since := <-client.sinceSeen; since != 0 {
		t.Errorf("full run since = %d, want 0", since)
	}
	full := waitTerminal(t, c, syncID)
	if full.Mode != "full" {
		t.Errorf("mode = %q, want full", full.Mode)
	}
	// A full run that saw the same data keeps the cursor where it was.
	if full.MaxMessageTs != run.MaxMessageTs {
		t.Errorf("max ts = %d, want %d", full.MaxMessageTs, run.MaxMessageTs)
	}
}

func TestCursorCarriesForwardOnEmptyRun(t *testing.T) {
	db := testDB(t)
	client := &gateClient{msgTs: 5000, filterSince: true}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	syncID, err := c.Trigger(Scope{})
	if err != nil {
		t.Fatal(err)
	}
	run := waitTerminal(t, c, syncID)
	if run.MaxMessageTs != 5000 {
		t.Fatalf("first run max ts = %d, want 5000", run.MaxMessageTs)
	}

	// Age the message below the cursor so the second run ingests nothing
	// new; the cursor must not rewind to zero.
	client.msgTs = 4000
	syncID, err = c.Trigger(Scope{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitTerminal(t, c, syncID)
	if run.MaxMessageTs != 5000 {
		t.Errorf("max ts = %d, want carried-forward 5000", run.MaxMessageTs)
	}
}
