package store

import (
	"context"
	"testing"
	"time"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	if err := s.StartRun(ctx, "run-1", "https://example.test/book", start); err != nil {
		t.Fatal(err)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Outcome != "running" {
		t.Fatalf("want one running run, got %+v", runs)
	}
	if !runs[0].EndedAt.IsZero() {
		t.Fatal("running run must have zero end time")
	}

	if err := s.FinishRun(ctx, "run-1", "slot-found", 12, 2, start.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	runs, _ = s.RecentRuns(ctx, 10)
	got := runs[0]
	if got.Outcome != "slot-found" || got.Checks != 12 || got.Challenges != 2 {
		t.Fatalf("finish not recorded: %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("finished run must carry its end time")
	}
}

func TestRecentRuns_NewestFirst(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := s.StartRun(ctx, id, "https://example.test", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("want newest-first limited listing, got %+v", runs)
	}
}

func TestChecksAndAttempts(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	if err := s.StartRun(ctx, "run-1", "https://example.test", start); err != nil {
		t.Fatal(err)
	}

	checks := []CheckRecord{
		{RunID: "run-1", At: start.Add(time.Minute), HTTPStatus: 200, Source: "none"},
		{RunID: "run-1", At: start.Add(2 * time.Minute), HTTPStatus: 403, ChallengeKind: "js-challenge"},
		{RunID: "run-1", At: start.Add(3 * time.Minute), HTTPStatus: 200, Available: true, Slots: 3, Source: "structural"},
	}
	for _, c := range checks {
		if err := s.RecordCheck(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ChecksForRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 checks, got %d", len(got))
	}
	if !got[2].Available || got[2].Slots != 3 {
		t.Fatalf("availability flags lost in round trip: %+v", got[2])
	}
	if got[1].ChallengeKind != "js-challenge" {
		t.Fatalf("challenge kind lost: %+v", got[1])
	}

	att := AttemptRecord{
		RunID: "run-1", ClientRef: "ana@example.test",
		Outcome: "success", Reference: "VFS-2024-00123",
		At: start.Add(4 * time.Minute),
	}
	if err := s.RecordAttempt(ctx, att); err != nil {
		t.Fatal(err)
	}
	atts, err := s.AttemptsForRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 || atts[0].Reference != "VFS-2024-00123" {
		t.Fatalf("attempt round trip failed: %+v", atts)
	}
}

func TestAttemptsForUnknownRunIsEmpty(t *testing.T) {
	s := openMemory(t)
	atts, err := s.AttemptsForRun(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 0 {
		t.Fatalf("want empty history, got %+v", atts)
	}
}
