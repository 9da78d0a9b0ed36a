package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"frameline/internal/config"
	"frameline/internal/db"
	"frameline/internal/domain"
	"frameline/internal/engine"
	"frameline/internal/engine/fault"
	"frameline/internal/migrate"
	"frameline/internal/store"
	"frameline/internal/upstream"
)

// failingUpstream answers every status request with the same failed
// reading and counts how often it is asked.
type failingUpstream struct {
	statusCalls int
	status      upstream.JobStatus
}

func (u *failingUpstream) Submit(context.Context, upstream.SubmitRequest) (string, error) {
	return "remote-watch-1", nil
}

func (u *failingUpstream) Status(context.Context, string) (upstream.JobStatus, error) {
	u.statusCalls++
	return u.status, nil
}

func (u *failingUpstream) DatasetCard(context.Context, upstream.CardRequest) (domain.DatasetCard, error) {
	return domain.DatasetCard{}, nil
}

func TestWatchJobStopsOnFailure(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	videos, err := db.VideosDir(dir)
	if err != nil {
		t.Fatalf("videos dir: %v", err)
	}
	reports, err := db.ReportsDir(dir)
	if err != nil {
		t.Fatalf("reports dir: %v", err)
	}
	st, err := store.NewLocal(videos, reports)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cfg := config.Default("watch")
	cfg.Polling.StageInitialDelay = 0
	cfg.Polling.Interval = config.Duration(500 * time.Millisecond)
	up := &failingUpstream{status: upstream.JobStatus{State: domain.JobFailed, Error: "decoder crashed"}}
	eng := engine.New(conn, cfg, up, st)
	ctx := context.Background()

	p, _, err := eng.Upload(ctx, engine.UploadOptions{
		Filename: "traffic.mp4",
		Size:     11,
		Content:  strings.NewReader("fake video\n"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	j, err := eng.StartSegmentation(ctx, p.ID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}

	err = watchJob(ctx, eng, j.ID)
	var jf fault.JobFailedError
	if !errors.As(err, &jf) {
		t.Fatalf("want JobFailedError, got %v", err)
	}
	if jf.Detail != "decoder crashed" || jf.Stage != domain.StageSegmentation {
		t.Fatalf("wrong failure: %+v", jf)
	}
	// a failed job is terminal: one status round-trip, no retries
	if up.statusCalls != 1 {
		t.Fatalf("upstream asked %d times, want 1", up.statusCalls)
	}
}
