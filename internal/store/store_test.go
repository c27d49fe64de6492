package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/snapetech/stalkerprobe/internal/identity"
	"github.com/snapetech/stalkerprobe/internal/portal"
	"github.com/snapetech/stalkerprobe/internal/prober"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "probe.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEntries(t *testing.T, now time.Time) []prober.Entry {
	t.Helper()
	macs := []string{"00:1A:79:00:00:0A", "00:1A:79:00:00:0B"}
	statuses := []portal.AuthStatus{portal.StatusActive, portal.StatusUnauthorized}
	msgs := []string{"", "Authentication request"}
	entries := make([]prober.Entry, len(macs))
	for i, m := range macs {
		dev, err := identity.New(m, "")
		if err != nil {
			t.Fatal(err)
		}
		entries[i] = prober.Entry{
			Position: i,
			Device:   dev,
			Result: portal.AuthResult{
				Status:    statuses[i],
				Message:   msgs[i],
				CheckedAt: now,
			},
		}
	}
	return entries
}

func TestSaveRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	entries := sampleEntries(t, now)

	run := Run{
		PortalURL:  "http://portal.example.com",
		APIPath:    "server/load.php",
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
		Summary:    prober.Summary{Total: 2, Active: 1, Unauthorized: 1},
	}
	id, err := s.SaveRun(ctx, run, entries)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("SaveRun returned empty id")
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != id || got.PortalURL != run.PortalURL || got.APIPath != run.APIPath {
		t.Errorf("run = %+v", got)
	}
	if got.Summary != run.Summary {
		t.Errorf("summary = %+v, want %+v", got.Summary, run.Summary)
	}

	results, err := s.RunResults(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Position != i {
			t.Errorf("result %d position = %d", i, r.Position)
		}
		if r.MAC != entries[i].Device.MAC {
			t.Errorf("result %d mac = %s, want %s", i, r.MAC, entries[i].Device.MAC)
		}
		if r.Status != entries[i].Result.Status {
			t.Errorf("result %d status = %v, want %v", i, r.Status, entries[i].Result.Status)
		}
	}
	if results[1].Message != "Authentication request" {
		t.Errorf("message = %q", results[1].Message)
	}
}

func TestRecentRunsNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		started := base.Add(time.Duration(i) * time.Hour)
		_, err := s.SaveRun(ctx, Run{
			PortalURL:  "http://portal.example.com",
			APIPath:    "server/load.php",
			StartedAt:  started,
			FinishedAt: started.Add(time.Minute),
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("runs not newest-first: %v then %v", runs[0].StartedAt, runs[1].StartedAt)
	}
}

func TestRunResultsUnknownRun(t *testing.T) {
	s := newTestStore(t)
	results, err := s.RunResults(context.Background(), "no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for unknown run, want 0", len(results))
	}
}

func TestSaveRunKeepsExplicitID(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	id, err := s.SaveRun(context.Background(), Run{
		ID:         "run-42",
		PortalURL:  "http://portal.example.com",
		APIPath:    "portal.php",
		StartedAt:  now,
		FinishedAt: now,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != "run-42" {
		t.Errorf("id = %q, want run-42", id)
	}
}
