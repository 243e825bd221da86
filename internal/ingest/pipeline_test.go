package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/igrelay/igrelay/internal/bus"
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

// fakeClient serves canned payloads and records the since values it sees.
type fakeClient struct {
	threads    []source.ThreadPayload
	messages   map[string][]source.MessagePayload
	threadsErr error
	msgErr     map[string]error
	sinceSeen  []int64
}

func (f *fakeClient) FetchThreads(_ context.Context, _ string) ([]source.ThreadPayload, error) {
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	return f.threads, nil
}

func (f *fakeClient) FetchMessages(_ context.Context, threadID string, since int64) ([]source.MessagePayload, error) {
	f.sinceSeen = append(f.sinceSeen, since)
	if err := f.msgErr[threadID]; err != nil {
		return nil, err
	}
	return f.messages[threadID], nil
}

func (f *fakeClient) SendMessage(_ context.Context, _, _ string) (string, error) {
	return "", errors.New("not implemented")
}

func micros(ms int64) json.Number {
	return json.Number(fmt.Sprintf("%d", ms*1000))
}

func user(pk, name string) source.UserPayload {
	return source.UserPayload{PK: json.Number(pk), Username: name}
}

func twoThreadsThreeMessages() *fakeClient {
	return &fakeClient{
		threads: []source.ThreadPayload{
			{ThreadID: "t1", Title: "Trip", LastActivity: micros(4000),
				Users: []source.UserPayload{user("101", "alice"), user("102", "bob")}},
			{ThreadID: "t2", IsGroup: true, LastActivity: micros(5000),
				Users: []source.UserPayload{user("101", "alice"), user("103", "carol")}},
		},
		messages: map[string][]source.MessagePayload{
			"t1": {
				{ItemID: "m1", UserID: json.Number("101"), ItemType: "text", Text: "hi", Timestamp: micros(3000)},
				{ItemID: "m2", UserID: json.Number("102"), ItemType: "text", Text: "hey", Timestamp: micros(4000)},
			},
			"t2": {
				{ItemID: "m3", UserID: json.Number("103"), ItemType: "media", Timestamp: micros(5000)},
			},
		},
	}
}

func TestPipelineIngestsBatch(t *testing.T) {
	db := testDB(t)
	client := twoThreadsThreeMessages()
	b := bus.New()
	p := NewPipeline(db, client, b, nil, "acct")

	ch, unsub := b.Subscribe("message.upserted", 10)
	defer unsub()

	res, err := p.Run(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}

	// 2 threads + 3 messages; users are derived and not counted.
	if res.Processed != 5 || res.Created != 5 || res.Updated != 0 {
		t.Errorf("processed/created/updated = %d/%d/%d, want 5/5/0", res.Processed, res.Created, res.Updated)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %+v, want none", res.Errors)
	}
	if res.MaxMessageTs != 5000 {
		t.Errorf("max ts = %d, want 5000", res.MaxMessageTs)
	}

	th, err := db.GetThread("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(th.Participants) != 2 {
		t.Errorf("t1 participants = %v", th.Participants)
	}
	if _, err := db.GetUser("103"); err != nil {
		t.Errorf("participant 103 not mirrored: %v", err)
	}

	var events int
	for done := false; !done; {
		select {
		case <-ch:
			events++
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	if events != 3 {
		t.Errorf("got %d message.upserted events, want 3", events)
	}
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	db := testDB(t)
	client := twoThreadsThreeMessages()
	p := NewPipeline(db, client, nil, nil, "acct")

	if _, err := p.Run(context.Background(), "", 0); err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Updated != 5 {
		t.Errorf("rerun created/updated = %d/%d, want 0/5", res.Created, res.Updated)
	}
}

func TestPipelineSingleThreadScope(t *testing.T) {
	db := testDB(t)
	client := twoThreadsThreeMessages()
	p := NewPipeline(db, client, nil, nil, "acct")

	res, err := p.Run(context.Background(), "t2", 0)
	if err != nil {
		t.Fatal(err)
	}
	// 1 thread + 1 message.
	if res.Created != 2 {
		t.Errorf("created = %d, want 2", res.Created)
	}
	if _, err := db.GetThread("t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("t1 should not be ingested in thread scope, err = %v", err)
	}
}

func TestPipelineInboxFailureIsFatal(t *testing.T) {
	db := testDB(t)
	client := &fakeClient{threadsErr: errors.New("rate limited")}
	p := NewPipeline(db, client, nil, nil, "acct")

	_, err := p.Run(context.Background(), "", 0)
	if err == nil {
		t.Fatal("inbox failure should fail the run")
	}
}

func TestPipelineAbsorbsItemFailures(t *testing.T) {
	db := testDB(t)
	client := twoThreadsThreeMessages()
	// t1 messages fail; m3 in t2 has no timestamp and fails validation.
	client.msgErr = map[string]error{"t1": errors.New("thread fetch 500")}
	client.messages["t2"] = []source.MessagePayload{
		{ItemID: "m3", UserID: json.Number("103"), ItemType: "media"},
	}
	p := NewPipeline(db, client, nil, nil, "acct")

	res, err := p.Run(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("item failures must not fail the run: %v", err)
	}

	// Both threads still land.
	if res.Created != 2 {
		t.Errorf("created = %d, want 2 threads", res.Created)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %+v, want fetch failure + validation failure", res.Errors)
	}
	stages := map[string]bool{}
	for _, e := range res.Errors {
		stages[e.Stage] = true
	}
	if !stages["fetch_messages"] || !stages["normalize_message"] {
		t.Errorf("stages = %v", stages)
	}
	if res.ItemError() == nil {
		t.Error("ItemError() should aggregate the recorded failures")
	}
}

func TestPipelineDetectsContentConflict(t *testing.T) {
	db := testDB(t)
	client := twoThreadsThreeMessages()
	b := bus.New()
	p := NewPipeline(db, client, b, nil, "acct")

	if _, err := p.Run(context.Background(), "", 0); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("message.conflict", 10)
	defer unsub()

	client.messages["t1"][0].Text = "hi (rewritten upstream)"
	if _, err := p.Run(context.Background(), "", 0); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(map[string]string)
		if !ok || payload["message_id"] != "m1" {
			t.Errorf("conflict payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conflict event")
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "hi (rewritten upstream)" {
		t.Errorf("text = %q, want refreshed text", m.Text)
	}
	if m.Timestamp != 3000 {
		t.Errorf("timestamp = %d, want original", m.Timestamp)
	}
}

func TestPipelineForwardsCursor(t *testing.T) {
	db := testDB(t)
	client := twoThreadsThreeMessages()
	p := NewPipeline(db, client, nil, nil, "acct")

	if _, err := p.Run(context.Background(), "", 4500); err != nil {
		t.Fatal(err)
	}
	for _, since := range client.sinceSeen {
		if since != 4500 {
			t.Errorf("since = %d, want 4500 passed through to fetches", since)
		}
	}
}
