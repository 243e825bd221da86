package query

import (
	"errors"
	"path/filepath"
	"testing"

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

func seed(t *testing.T, db *store.DB) {
	t.Helper()
	threads := []*store.Thread{
		{ThreadID: "t1", Title: "Trip", Participants: []string{"101", "102"}, LastActivityAt: 3000},
		{ThreadID: "t2", Participants: []string{"101"}, LastActivityAt: 5000},
		{ThreadID: "t3", Participants: []string{"103"}, LastActivityAt: 4000},
	}
	for _, th := range threads {
		if _, err := db.UpsertThread(th); err != nil {
			t.Fatal(err)
		}
	}
	msgs := []*store.Message{
		{MessageID: "m1", ThreadID: "t1", SenderID: "102", Text: "beach tomorrow?", Timestamp: 1000},
		{MessageID: "m2", ThreadID: "t1", SenderID: "101", Text: "yes, early", Timestamp: 2000},
		{MessageID: "m3", ThreadID: "t2", SenderID: "101", Text: "beach photos", Timestamp: 5000},
		{MessageID: "m4", ThreadID: "t3", SenderID: "103", Text: "beach secret", Timestamp: 4000},
	}
	for _, m := range msgs {
		if _, err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListThreads(t *testing.T) {
	db := testDB(t)
	seed(t, db)
	f := NewFacade(db)

	page, err := f.ListThreads("101", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Errorf("total = %d, want 2", page.Total)
	}
	if len(page.Threads) != 2 || page.Threads[0].ThreadID != "t2" {
		t.Errorf("threads = %+v, want t2 first", page.Threads)
	}

	// Offset past the user's threads.
	page, err = f.ListThreads("101", 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Threads) != 0 || page.Total != 2 {
		t.Errorf("offset page = %+v", page)
	}

	if _, err := f.ListThreads("", 0, 0); err == nil {
		t.Error("empty user id should be rejected")
	}
}

func TestListMessages(t *testing.T) {
	db := testDB(t)
	seed(t, db)
	f := NewFacade(db)

	msgs, err := f.ListMessages("t1", 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].MessageID != "m2" {
		t.Errorf("messages = %+v, want m2 first (newest)", msgs)
	}

	msgs, err = f.ListMessages("t1", 0, 2000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "m1" {
		t.Errorf("before filter = %+v, want only m1", msgs)
	}
}

func TestListMessagesUnknownThread(t *testing.T) {
	db := testDB(t)
	seed(t, db)
	f := NewFacade(db)

	// An unknown thread is an error, not an empty page.
	if _, err := f.ListMessages("missing", 0, 0, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchMessagesScoped(t *testing.T) {
	db := testDB(t)
	seed(t, db)
	f := NewFacade(db)

	results, err := f.SearchMessages("101", "beach", 0)
	if err != nil {
		t.Fatal(err)
	}
	// m4 lives in a thread 101 is not part of.
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	for _, r := range results {
		if r.Message.MessageID == "m4" {
			t.Error("search leaked a thread the user does not participate in")
		}
	}

	if _, err := f.SearchMessages("101", "", 0); err == nil {
		t.Error("empty query should be rejected")
	}
}

func TestSearchThread(t *testing.T) {
	db := testDB(t)
	seed(t, db)
	f := NewFacade(db)

	results, err := f.SearchThread("101", "beach", "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.MessageID != "m1" {
		t.Errorf("results = %+v, want only m1", results)
	}
}
