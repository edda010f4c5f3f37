package jobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.JobStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "jobs.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.JobStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Record(ctx, transcript.Event{RequestID: "r1", Stage: transcript.StageReceived}); err != nil {
		t.Fatalf("record should be a no-op: %v", err)
	}
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.JobStoreConfig{})

	stages := []transcript.Event{
		{RequestID: "req-1", Stage: transcript.StageReceived, Detail: "small/cuda/float16"},
		{RequestID: "req-1", Stage: transcript.StageResolved, Detail: "remote"},
		{RequestID: "req-1", Stage: transcript.StageFailed, Kind: transcript.KindInference, Detail: "Transcription failed: boom", Elapsed: 1500 * time.Millisecond},
	}
	for _, evt := range stages {
		if err := s.Record(ctx, evt); err != nil {
			t.Fatalf("record %s: %v", evt.Stage, err)
		}
	}

	req, err := s.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Stage != transcript.StageFailed || req.Kind != transcript.KindInference {
		t.Fatalf("unexpected request state: %+v", req)
	}
	if req.Elapsed != 1500*time.Millisecond {
		t.Fatalf("expected elapsed 1.5s, got %s", req.Elapsed)
	}

	events, err := s.ListEvents(ctx, "req-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Stage != transcript.StageReceived || events[2].Stage != transcript.StageFailed {
		t.Fatalf("events out of order: %+v", events)
	}
}

func TestRecordRequiresID(t *testing.T) {
	s := openTestStore(t, config.JobStoreConfig{})
	if err := s.Record(context.Background(), transcript.Event{Stage: transcript.StageReceived}); err == nil {
		t.Fatalf("expected error for missing request id")
	}
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.JobStoreConfig{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s.clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if err := s.Record(ctx, transcript.Event{RequestID: id, Stage: transcript.StageCompleted}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}
	if !recent[0].UpdatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected updated_at %s", recent[0].UpdatedAt)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.JobStoreConfig{RetentionDays: 1, MaxRequests: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Record(ctx, transcript.Event{RequestID: "old", Stage: transcript.StageCompleted}); err != nil {
		t.Fatalf("record: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"new-1", "new-2"} {
		if err := s.Record(ctx, transcript.Event{RequestID: id, Stage: transcript.StageCompleted}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old request pruned, got %v", err)
	}
	events, err := s.ListEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old events pruned")
	}
	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected max_requests to keep 1 request, got %d", len(recent))
	}
}

func TestStoreSatisfiesRecorder(t *testing.T) {
	var _ transcript.Recorder = (*Store)(nil)
}
