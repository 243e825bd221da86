package sync

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerTriggersIncrementalRuns(t *testing.T) {
	db := testDB(t)
	client := &gateClient{msgTs: 4000}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	s := NewScheduler(c, 20*time.Millisecond, nil)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(5 * time.Second)
	for {
		run, err := db.LatestCompletedRun("account")
		if err == nil {
			if run.Mode != "incremental" {
				t.Errorf("mode = %q, want incremental", run.Mode)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never completed a run")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerSkipsWhileRunning(t *testing.T) {
	db := testDB(t)
	client := &gateClient{gate: make(chan struct{}), msgTs: 4000}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	s := NewScheduler(c, 10*time.Millisecond, nil)
	s.Start(context.Background())

	// Let several ticks land while the first run is blocked on the gate.
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	close(client.gate)
	c.Wait()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_runs WHERE scope = 'account'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("runs = %d, want 1 (contending ticks are skipped, not queued)", count)
	}
}

func TestSchedulerStop(t *testing.T) {
	db := testDB(t)
	client := &gateClient{msgTs: 4000}
	c := newCoordinator(t, db, client, 5*time.Second, 0)

	s := NewScheduler(c, 10*time.Millisecond, nil)
	s.Start(context.Background())
	s.Stop()
	c.Wait()

	var before int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_runs`).Scan(&before); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	c.Wait()
	var after int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_runs`).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("runs grew from %d to %d after Stop", before, after)
	}
}
