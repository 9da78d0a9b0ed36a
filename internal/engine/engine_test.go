package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"frameline/internal/config"
	"frameline/internal/db"
	"frameline/internal/domain"
	"frameline/internal/engine"
	"frameline/internal/engine/fault"
	"frameline/internal/lifecycle"
	"frameline/internal/migrate"
	"frameline/internal/repo"
	"frameline/internal/store"
	"frameline/internal/upstream"
)

// fakeUpstream scripts the remote engine: Submit hands out ids, Status
// answers from a per-id queue of canned readings.
type fakeUpstream struct {
	submits  int
	statuses map[string][]upstream.JobStatus
	card     domain.DatasetCard
	cardErr  error
	subErr   error
	statErr  error
}

func (f *fakeUpstream) Submit(_ context.Context, req upstream.SubmitRequest) (string, error) {
	if f.subErr != nil {
		return "", f.subErr
	}
	f.submits++
	return fmt.Sprintf("remote-%s-%d", req.Stage, f.submits), nil
}

func (f *fakeUpstream) Status(_ context.Context, remoteID string) (upstream.JobStatus, error) {
	if f.statErr != nil {
		return upstream.JobStatus{}, f.statErr
	}
	queue := f.statuses[remoteID]
	if len(queue) == 0 {
		return upstream.JobStatus{}, fmt.Errorf("no scripted status for %s", remoteID)
	}
	st := queue[0]
	if len(queue) > 1 {
		f.statuses[remoteID] = queue[1:]
	}
	return st, nil
}

func (f *fakeUpstream) DatasetCard(_ context.Context, _ upstream.CardRequest) (domain.DatasetCard, error) {
	if f.cardErr != nil {
		return domain.DatasetCard{}, f.cardErr
	}
	return f.card, nil
}

func (f *fakeUpstream) script(remoteID string, statuses ...upstream.JobStatus) {
	if f.statuses == nil {
		f.statuses = make(map[string][]upstream.JobStatus)
	}
	f.statuses[remoteID] = statuses
}

type testEnv struct {
	Engine   engine.Engine
	Upstream *fakeUpstream
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
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
	up := &fakeUpstream{}
	eng := engine.New(conn, config.Default("demo"), up, st)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Upstream: up, Ctx: context.Background()}
}

func uploadProject(t *testing.T, env testEnv) domain.Project {
	t.Helper()
	p, j, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
		Filename: "traffic.mp4",
		Size:     11,
		Content:  strings.NewReader("fake video\n"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if j.State != domain.JobDone || j.Progress != 100 {
		t.Fatalf("upload job not terminal: %+v", j)
	}
	if p.Status != lifecycle.Uploaded {
		t.Fatalf("status after upload = %q", p.Status)
	}
	return p
}

func segmentProject(t *testing.T, env testEnv, projectID string) domain.Project {
	t.Helper()
	j, err := env.Engine.StartSegmentation(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}
	env.Upstream.script(j.RemoteID, upstream.JobStatus{
		State: domain.JobDone,
		Result: json.RawMessage(`{
			"total_frames": 600,
			"total_objects": 842,
			"objects_per_class": {"car": 640, "person": 202},
			"avg_objects_per_frame": 1.4,
			"processing_time_seconds": 31.5
		}`),
	})
	if _, err := env.Engine.PollJob(env.Ctx, j.ID); err != nil {
		t.Fatalf("poll segmentation: %v", err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("reload project: %v", err)
	}
	return p
}

func analyzeProject(t *testing.T, env testEnv, projectID string) domain.Project {
	t.Helper()
	j, err := env.Engine.StartAnalysis(env.Ctx, projectID, engine.AnalysisOptions{AnalysisType: "traffic"})
	if err != nil {
		t.Fatalf("start analysis: %v", err)
	}
	env.Upstream.script(j.RemoteID, upstream.JobStatus{
		State: domain.JobDone,
		Result: json.RawMessage(`{
			"summary": "Steady traffic with two incidents.",
			"key_findings": ["rush hour peak", "stalled vehicle"],
			"anomaly_events": [{"frame_index": 150, "timestamp": 5.0, "description": "stalled vehicle", "severity": 0.8}],
			"activities": [
				{"start_frame": 0, "end_frame": 150, "label": "Light traffic", "confidence": 0.9},
				{"start_frame": 150, "end_frame": 600, "label": "High Congestion", "confidence": 0.85}
			],
			"kpis": [{"name": "avg_speed", "value": 42.5, "unit": "km/h"}]
		}`),
	})
	if _, err := env.Engine.PollJob(env.Ctx, j.ID); err != nil {
		t.Fatalf("poll analysis: %v", err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("reload project: %v", err)
	}
	return p
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
		Filename: "notes.txt",
		Size:     4,
		Content:  strings.NewReader("text"),
	})
	var ve fault.ValidationError
	if !errors.As(err, &ve) || ve.Field != "filename" {
		t.Fatalf("bad extension: %v", err)
	}

	_, _, err = env.Engine.Upload(env.Ctx, engine.UploadOptions{
		Filename: "empty.mp4",
		Size:     0,
		Content:  strings.NewReader(""),
	})
	if !errors.As(err, &ve) {
		t.Fatalf("empty file: %v", err)
	}
}

func TestSegmentationFlow(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	j, err := env.Engine.StartSegmentation(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}
	if j.State != domain.JobPending {
		t.Fatalf("job state = %q", j.State)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != lifecycle.Segmenting {
		t.Fatalf("status after submit = %q", got.Status)
	}

	// one pending reading, then done
	env.Upstream.script(j.RemoteID,
		upstream.JobStatus{State: domain.JobPending, Progress: 40, Message: "segmenting frames"},
		upstream.JobStatus{State: domain.JobDone, Result: json.RawMessage(`{"total_frames": 600, "total_objects": 842, "avg_objects_per_frame": 1.4, "processing_time_seconds": 30}`)},
	)
	j, err = env.Engine.PollJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("poll pending: %v", err)
	}
	if j.State != domain.JobPending || j.Progress != 40 {
		t.Fatalf("mid-flight job: %+v", j)
	}
	j, err = env.Engine.PollJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("poll done: %v", err)
	}
	if j.State != domain.JobDone || j.Progress != 100 {
		t.Fatalf("final job: %+v", j)
	}

	got, err = env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != lifecycle.Segmented || !got.HasSegmentation {
		t.Fatalf("project after segmentation: status=%q has_segmentation=%v", got.Status, got.HasSegmentation)
	}
	if got.Stats == nil || got.Stats.TotalFrames != 600 || got.Stats.TotalObjects != 842 {
		t.Fatalf("stats: %+v", got.Stats)
	}
	if err := got.ValidateFlags(); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentSubmitConflict(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	if _, err := env.Engine.StartSegmentation(env.Ctx, p.ID); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := env.Engine.StartSegmentation(env.Ctx, p.ID)
	var ce fault.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second submit should conflict, got %v", err)
	}
	if ce.Stage != domain.StageSegmentation {
		t.Fatalf("conflict stage = %q", ce.Stage)
	}
}

func TestAnalysisRequiresSegmentation(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	_, err := env.Engine.StartAnalysis(env.Ctx, p.ID, engine.AnalysisOptions{AnalysisType: "traffic"})
	var ise *lifecycle.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("analysis without segmentation: %v", err)
	}
}

func TestJobFailureMarksProject(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	j, err := env.Engine.StartSegmentation(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}
	env.Upstream.script(j.RemoteID, upstream.JobStatus{State: domain.JobFailed, Error: "decoder crashed"})
	j, err = env.Engine.PollJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if j.State != domain.JobFailed || j.Error != "decoder crashed" {
		t.Fatalf("failed job: %+v", j)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != lifecycle.Failed || got.StatusMessage != "decoder crashed" {
		t.Fatalf("project after failure: %+v", got)
	}

	// a failed project accepts a fresh submission
	if _, err := env.Engine.StartSegmentation(env.Ctx, p.ID); err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
}

func TestTerminalPollShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)
	segmentProject(t, env, p.ID)

	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilters{ProjectID: p.ID, Stage: domain.StageSegmentation, Limit: 1})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list jobs: %v %d", err, len(jobs))
	}
	// upstream would error, but a terminal job never reaches it
	env.Upstream.statErr = errors.New("engine gone")
	j, err := env.Engine.PollJob(env.Ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("terminal poll: %v", err)
	}
	if j.State != domain.JobDone {
		t.Fatalf("state = %q", j.State)
	}
}

func TestTransientPollErrorKeepsJobPending(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	j, err := env.Engine.StartSegmentation(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}
	env.Upstream.statErr = errors.New("connection refused")
	got, err := env.Engine.PollJob(env.Ctx, j.ID)
	if err == nil {
		t.Fatal("expected poll error")
	}
	if got.State != domain.JobPending {
		t.Fatalf("job moved on poll error: %+v", got)
	}
	env.Upstream.statErr = nil
	env.Upstream.script(j.RemoteID, upstream.JobStatus{State: domain.JobPending, Progress: 10})
	if _, err := env.Engine.PollJob(env.Ctx, j.ID); err != nil {
		t.Fatalf("recovered poll: %v", err)
	}
}

func TestProgressClampedAndMonotone(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	j, err := env.Engine.StartSegmentation(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}
	env.Upstream.script(j.RemoteID,
		upstream.JobStatus{State: domain.JobPending, Progress: 250},
		upstream.JobStatus{State: domain.JobPending, Progress: 30},
	)
	j, err = env.Engine.PollJob(env.Ctx, j.ID)
	if err != nil || j.Progress != 100 {
		t.Fatalf("clamp: %v progress=%d", err, j.Progress)
	}
	j, err = env.Engine.PollJob(env.Ctx, j.ID)
	if err != nil || j.Progress != 100 {
		t.Fatalf("regression allowed: %v progress=%d", err, j.Progress)
	}
}

func TestResegmentationInvalidatesDownstream(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)
	segmentProject(t, env, p.ID)
	got := analyzeProject(t, env, p.ID)
	if !got.HasAnalysis || got.Status != lifecycle.Analyzed {
		t.Fatalf("project after analysis: %+v", got)
	}

	got = segmentProject(t, env, p.ID)
	if !got.HasSegmentation {
		t.Fatal("segmentation flag lost")
	}
	if got.HasAnalysis || got.HasReports {
		t.Fatalf("downstream flags survived re-segmentation: %+v", got)
	}
	if err := got.ValidateFlags(); err != nil {
		t.Fatal(err)
	}
}

func TestReportsPersistArtifacts(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)
	segmentProject(t, env, p.ID)
	analyzeProject(t, env, p.ID)

	j, err := env.Engine.StartReports(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("start reports: %v", err)
	}
	result, _ := json.Marshal(map[string][]byte{
		"excel": []byte("xlsx-bytes"),
		"pdf":   []byte("pdf-bytes"),
	})
	env.Upstream.script(j.RemoteID, upstream.JobStatus{State: domain.JobDone, Result: result})
	if _, err := env.Engine.PollJob(env.Ctx, j.ID); err != nil {
		t.Fatalf("poll reports: %v", err)
	}

	arts, err := env.Engine.Repo.ListArtifacts(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("artifacts = %d", len(arts))
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.HasReports || got.Status != lifecycle.Analyzed {
		t.Fatalf("project after reports: %+v", got)
	}
}

func TestStageStatusPrefersPendingJob(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)
	segmentProject(t, env, p.ID)

	// second run pending alongside the finished first
	j2, err := env.Engine.StartSegmentation(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("second segmentation: %v", err)
	}
	got, err := env.Engine.StageStatus(env.Ctx, p.ID, domain.StageSegmentation)
	if err != nil {
		t.Fatalf("stage status: %v", err)
	}
	if got.ID != j2.ID || got.State != domain.JobPending {
		t.Fatalf("stage status picked %+v, want pending %s", got, j2.ID)
	}

	if _, err := env.Engine.StageStatus(env.Ctx, p.ID, domain.StageAnalysis); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("no analysis job yet: %v", err)
	}
}

func TestDatasetCardGateAndPersistence(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)
	segmentProject(t, env, p.ID)

	_, err := env.Engine.GenerateDatasetCard(env.Ctx, p.ID)
	var ise *lifecycle.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("card before analysis: %v", err)
	}

	analyzeProject(t, env, p.ID)
	env.Upstream.card = domain.DatasetCard{Title: "Traffic Footage", Description: "Urban intersection recordings."}
	card, err := env.Engine.GenerateDatasetCard(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("generate card: %v", err)
	}
	if card.Title != "Traffic Footage" {
		t.Fatalf("card: %+v", card)
	}
	stored, err := env.Engine.Repo.GetDatasetCard(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("stored card: %v", err)
	}
	if stored.Title != "Traffic Footage" {
		t.Fatalf("stored card: %+v", stored)
	}
}

func TestTimelineProjection(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)

	if _, err := env.Engine.Timeline(env.Ctx, p.ID); err == nil {
		t.Fatal("timeline before analysis should fail")
	}

	segmentProject(t, env, p.ID)
	analyzeProject(t, env, p.ID)
	view, err := env.Engine.Timeline(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if view.TotalFrames != 600 || view.FallbackFrames {
		t.Fatalf("frames: %+v", view)
	}
	if len(view.Markers) != 1 || view.Markers[0].Position != 0.25 {
		t.Fatalf("markers: %+v", view.Markers)
	}
	if len(view.Bands) != 2 {
		t.Fatalf("bands: %+v", view.Bands)
	}
	if view.Bands[0].Tier != "low" || view.Bands[1].Tier != "high" {
		t.Fatalf("tiers: %+v", view.Bands)
	}
}

func TestSampleProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateSample(env.Ctx)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if p.Status != lifecycle.Analyzed || !p.HasSegmentation || !p.HasAnalysis {
		t.Fatalf("sample project: %+v", p)
	}
	view, err := env.Engine.Timeline(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("sample timeline: %v", err)
	}
	if len(view.Bands) == 0 || len(view.Markers) == 0 {
		t.Fatalf("sample timeline empty: %+v", view)
	}
}

func TestDeleteProject(t *testing.T) {
	env := newTestEnv(t)
	p := uploadProject(t, env)
	if err := env.Engine.DeleteProject(env.Ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project survived delete: %v", err)
	}
}
