package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DefaultDriver, filepath.Join(t.TempDir(), "tiepoint.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)

	if err := s.RecordJobQueued(JobRecord{ID: "fit-1", JobType: "fit", Status: "queued", InputPath: "ties.json"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("fit-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("fit-1", "completed", map[string]any{"rms": 0.25}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	job, err := s.Job("fit-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != "completed" || job.InputPath != "ties.json" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %+v", job)
	}

	meta, err := s.JobMeta("fit-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["rms"] != 0.25 {
		t.Fatalf("unexpected meta %v", meta)
	}

	if _, err := s.Job("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestRecentJobsNewestFirst(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordJobQueued(JobRecord{ID: id, JobType: "batch", Status: "queued"}); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := s.RecentJobs(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", jobs)
	}
}

func TestFitRecords(t *testing.T) {
	s := openStore(t)
	recs := []FitRecord{
		{JobID: "batch-1", Source: "a.json", Model: "affine", Solver: "affine", Matrix: [9]float64{1, 0, 2, 0, 1, 3, 0, 0, 1}, Points: 4, RMS: 0.1, Duration: 3 * time.Millisecond},
		{JobID: "batch-1", Source: "b.json", Model: "affine", Solver: "affine", Matrix: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, Points: 1, Degenerate: true, Warnings: []string{"rank 2 of 6"}},
		{JobID: "other", Model: "homography", Solver: "native-homography", Matrix: [9]float64{8: 1}},
	}
	for _, rec := range recs {
		if err := s.RecordFit(rec); err != nil {
			t.Fatalf("record fit: %v", err)
		}
	}

	got, err := s.FitsForJob("batch-1")
	if err != nil {
		t.Fatalf("fits: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fits, got %d", len(got))
	}
	if got[0].Matrix != recs[0].Matrix || got[0].Duration != 3*time.Millisecond {
		t.Fatalf("first fit mismatch: %+v", got[0])
	}
	if !got[1].Degenerate || len(got[1].Warnings) != 1 || got[1].Warnings[0] != "rank 2 of 6" {
		t.Fatalf("second fit mismatch: %+v", got[1])
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordFit(FitRecord{}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentJobs(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New("postgres", "x"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
