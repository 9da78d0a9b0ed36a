package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"frameline/internal/config"
	"frameline/internal/domain"
	"frameline/internal/engine/fault"
	"frameline/internal/events"
	"frameline/internal/lifecycle"
	"frameline/internal/repo"
	"frameline/internal/store"
	"frameline/internal/timeline"
	"frameline/internal/upstream"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Upstream upstream.Engine
	Store    store.Store
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, up upstream.Engine, st store.Store) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Upstream: up,
		Store:    st,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// UploadOptions carry one video upload.
type UploadOptions struct {
	Filename string
	Size     int64
	Content  io.Reader
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Upload validates and stores a video, creates a project for it, and
// records the upload as an already-terminal job so every stage shares
// the submit/poll shape.
func (e Engine) Upload(ctx context.Context, opts UploadOptions) (domain.Project, domain.Job, error) {
	if e.Config == nil {
		return domain.Project{}, domain.Job{}, errors.New("config not loaded")
	}
	if opts.Filename == "" {
		return domain.Project{}, domain.Job{}, fault.ValidationError{Field: "filename", Reason: "required"}
	}
	if !e.Config.AllowedExtension(opts.Filename) {
		return domain.Project{}, domain.Job{}, fault.ValidationError{Field: "filename", Reason: fmt.Sprintf("extension not accepted, want one of %v", e.Config.Upload.AllowedExtensions)}
	}
	limit := e.Config.MaxVideoBytes()
	if opts.Size > limit {
		return domain.Project{}, domain.Job{}, fault.ValidationError{Field: "file", Reason: fmt.Sprintf("exceeds %d MB limit", e.Config.Upload.MaxVideoSizeMB)}
	}

	counter := &countingReader{r: io.LimitReader(opts.Content, limit+1)}
	path, err := e.Store.SaveVideo(counter, store.FileInfo{Filename: opts.Filename, Size: opts.Size})
	if err != nil {
		return domain.Project{}, domain.Job{}, err
	}
	if counter.n == 0 {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, fault.ValidationError{Field: "file", Reason: "empty payload"}
	}
	if counter.n > limit {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, fault.ValidationError{Field: "file", Reason: fmt.Sprintf("exceeds %d MB limit", e.Config.Upload.MaxVideoSizeMB)}
	}

	now := e.timestamp()
	p := domain.Project{
		ID:            uuid.NewString(),
		VideoFilename: opts.Filename,
		VideoPath:     path,
		FileSize:      counter.n,
		Status:        lifecycle.Uploaded,
		Progress:      100,
		StatusMessage: "upload complete",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j := domain.Job{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Stage:     domain.StageUpload,
		State:     domain.JobDone,
		Progress:  100,
		Message:   "upload complete",
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,video_filename,video_path,file_size,status,progress,status_message,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.VideoFilename, p.VideoPath, p.FileSize, p.Status, p.Progress, p.StatusMessage, p.CreatedAt, p.UpdatedAt); err != nil {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, fmt.Errorf("insert upload job: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, domain.StageUpload, j.ID, events.EventPayload{"filename": opts.Filename, "size": counter.n}); err != nil {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		e.Store.Delete(path)
		return domain.Project{}, domain.Job{}, err
	}
	return p, j, nil
}

// AnalysisOptions parameterize one analysis submission.
type AnalysisOptions struct {
	AnalysisType string
	Model        string
	Mode         string
}

// StartSegmentation submits a segmentation job for the project's video.
// Re-segmentation of an already segmented or analyzed project is
// allowed; its downstream artifacts are invalidated when the new run
// completes.
func (e Engine) StartSegmentation(ctx context.Context, projectID string) (domain.Job, error) {
	return e.startStage(ctx, projectID, domain.StageSegmentation, lifecycle.Segmenting, nil,
		func(p domain.Project) error { return lifecycle.CanStartSegmentation(p.Status) })
}

// StartAnalysis submits an analysis job over the project's
// segmentation results.
func (e Engine) StartAnalysis(ctx context.Context, projectID string, opts AnalysisOptions) (domain.Job, error) {
	if opts.Model == "" {
		opts.Model = e.Config.Analysis.Model
	}
	if opts.Mode == "" {
		opts.Mode = e.Config.Analysis.DefaultMode
	}
	if opts.AnalysisType == "" || opts.Model == "" || opts.Mode == "" {
		return domain.Job{}, fault.ValidationError{Field: "analysis", Reason: "analysis_type, model and mode are required"}
	}
	params := map[string]any{
		"analysis_type": opts.AnalysisType,
		"model":         opts.Model,
		"mode":          opts.Mode,
	}
	j, err := e.startStage(ctx, projectID, domain.StageAnalysis, lifecycle.Analyzing, params,
		func(p domain.Project) error { return lifecycle.CanStartAnalysis(p.Status, p.HasSegmentation) })
	if err != nil {
		return j, err
	}
	// Remember the requested parameters so the completed analysis can
	// be attributed without re-reading the job row.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET analysis_model=?, analysis_type=?, analysis_mode=?, updated_at=? WHERE id=?`,
		opts.Model, opts.AnalysisType, opts.Mode, e.timestamp(), projectID); err != nil {
		return j, err
	}
	return j, tx.Commit()
}

// StartReports submits a report generation job. Safe to re-invoke once
// reports exist; the new artifacts replace the old ones.
func (e Engine) StartReports(ctx context.Context, projectID string) (domain.Job, error) {
	return e.startStage(ctx, projectID, domain.StageReports, "", nil,
		func(p domain.Project) error { return lifecycle.CanGenerateReports(p.Status, p.HasAnalysis) })
}

// startStage is the shared submit path: gate, conflict check, upstream
// submit, then record the pending job, all in one transaction. An
// empty newStatus leaves the project status unchanged (reports do not
// move the lifecycle).
func (e Engine) startStage(ctx context.Context, projectID, stage, newStatus string, params map[string]any, gate func(domain.Project) error) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := gate(p); err != nil {
		return domain.Job{}, err
	}
	if pending, err := e.Repo.PendingJob(ctx, tx, projectID, stage); err == nil {
		return domain.Job{}, fault.ConflictError{ProjectID: projectID, Stage: stage, JobID: pending.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, err
	}

	remoteID, err := e.Upstream.Submit(ctx, upstream.SubmitRequest{
		Stage:     stage,
		ProjectID: projectID,
		VideoPath: p.VideoPath,
		Params:    params,
	})
	if err != nil {
		return domain.Job{}, err
	}

	now := e.timestamp()
	j := domain.Job{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Stage:     stage,
		State:     domain.JobPending,
		RemoteID:  remoteID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if newStatus != "" {
		if err := lifecycle.EnsureTransition(p.Status, newStatus); err != nil {
			return domain.Job{}, err
		}
		p.Status = newStatus
		p.Progress = 0
		p.StatusMessage = ""
		p.UpdatedAt = now
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return domain.Job{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, stage+".submitted", projectID, stage, j.ID, events.EventPayload{"remote_id": remoteID}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// PollJob performs one non-blocking status read for a job and applies
// the outcome. Polling an already-terminal job never reaches upstream
// and returns the stored result unchanged.
func (e Engine) PollJob(ctx context.Context, jobID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Terminal() {
		return j, nil
	}

	st, err := e.Upstream.Status(ctx, j.RemoteID)
	if err != nil {
		// Poll-level failures are the poller's to count; the job stays
		// pending.
		return j, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()

	j, err = e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Terminal() {
		return j, nil
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, j.ProjectID)
	if err != nil {
		return domain.Job{}, err
	}

	now := e.timestamp()
	progress := clampProgress(st.Progress)
	if progress < j.Progress {
		progress = j.Progress
	}
	j.Progress = progress
	if st.Message != "" {
		j.Message = st.Message
	}
	j.UpdatedAt = now

	switch st.State {
	case domain.JobPending:
		if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
			return domain.Job{}, err
		}
		p.Progress = progress
		if st.Message != "" {
			p.StatusMessage = st.Message
		}
		p.UpdatedAt = now
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return domain.Job{}, err
		}
	case domain.JobDone:
		if err := e.applyResult(ctx, tx, &j, &p, st.Result); err != nil {
			return domain.Job{}, err
		}
	case domain.JobFailed:
		j.State = domain.JobFailed
		j.Error = st.Error
		if j.Error == "" {
			j.Error = "job failed"
		}
		if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
			return domain.Job{}, err
		}
		p.Status = lifecycle.Failed
		p.StatusMessage = j.Error
		p.UpdatedAt = now
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return domain.Job{}, err
		}
		if err := e.Events.Append(ctx, tx, j.Stage+".failed", p.ID, j.Stage, j.ID, events.EventPayload{"error": j.Error}); err != nil {
			return domain.Job{}, err
		}
	default:
		return domain.Job{}, fault.UpstreamError{Op: "poll", Detail: fmt.Sprintf("unknown job state %q", st.State)}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// applyResult finalizes a successful job inside the poll transaction.
func (e Engine) applyResult(ctx context.Context, tx *sql.Tx, j *domain.Job, p *domain.Project, result json.RawMessage) error {
	now := e.timestamp()
	j.State = domain.JobDone
	j.Progress = 100
	if len(result) > 0 {
		s := string(result)
		j.Result = &s
	}
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, *j); err != nil {
		return err
	}

	switch j.Stage {
	case domain.StageSegmentation:
		var stats domain.SegmentationStats
		if err := json.Unmarshal(result, &stats); err != nil {
			return fault.UpstreamError{Op: "segmentation result", Detail: err.Error()}
		}
		if p.HasSegmentation {
			// Replacing an earlier segmentation makes downstream
			// artifacts stale.
			p.InvalidateDownstream()
			if err := e.Repo.DeleteArtifacts(ctx, tx, p.ID); err != nil {
				return err
			}
		}
		p.MarkSegmented(stats)
		p.Status = lifecycle.Segmented
	case domain.StageAnalysis:
		var analysis domain.Analysis
		if err := json.Unmarshal(result, &analysis); err != nil {
			return fault.UpstreamError{Op: "analysis result", Detail: err.Error()}
		}
		if analysis.Summary == "" {
			return fault.UpstreamError{Op: "analysis result", Detail: "missing summary"}
		}
		s := string(result)
		p.AnalysisJSON = &s
		p.HasAnalysis = true
		p.Status = lifecycle.Analyzed
	case domain.StageReports:
		var files struct {
			Excel []byte `json:"excel"`
			PDF   []byte `json:"pdf"`
		}
		if err := json.Unmarshal(result, &files); err != nil {
			return fault.UpstreamError{Op: "reports result", Detail: err.Error()}
		}
		if len(files.Excel) == 0 && len(files.PDF) == 0 {
			return fault.UpstreamError{Op: "reports result", Detail: "no report files"}
		}
		for format, data := range map[string][]byte{"excel": files.Excel, "pdf": files.PDF} {
			if len(data) == 0 {
				continue
			}
			path, err := e.Store.SaveReport(p.ID, format, data)
			if err != nil {
				return err
			}
			mime, err := store.MIMEForFormat(format)
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertArtifact(ctx, tx, domain.Artifact{
				ProjectID: p.ID,
				Format:    format,
				Path:      path,
				MIME:      mime,
				SizeBytes: int64(len(data)),
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		p.HasReports = true
	default:
		return fmt.Errorf("unexpected stage %q", j.Stage)
	}

	p.Progress = 100
	p.StatusMessage = ""
	p.UpdatedAt = now
	if err := e.Repo.UpdateProject(ctx, tx, *p); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, j.Stage+".completed", p.ID, j.Stage, j.ID, nil)
}

// StageStatus returns the job to observe for a (project, stage) pair:
// the pending one if submission is in flight, otherwise the most
// recent.
func (e Engine) StageStatus(ctx context.Context, projectID, stage string) (domain.Job, error) {
	jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{ProjectID: projectID, Stage: stage, State: domain.JobPending, Limit: 1})
	if err != nil {
		return domain.Job{}, err
	}
	if len(jobs) == 1 {
		return jobs[0], nil
	}
	jobs, err = e.Repo.ListJobs(ctx, repo.JobFilters{ProjectID: projectID, Stage: stage, Limit: 1})
	if err != nil {
		return domain.Job{}, err
	}
	if len(jobs) == 0 {
		return domain.Job{}, repo.ErrNotFound
	}
	return jobs[0], nil
}

// GenerateDatasetCard asks the upstream engine to draft a card from
// the stored analysis and persists it, replacing any prior card.
func (e Engine) GenerateDatasetCard(ctx context.Context, projectID string) (domain.DatasetCard, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.DatasetCard{}, err
	}
	if err := lifecycle.CanGenerateDatasetCard(p.Status, p.HasAnalysis); err != nil {
		return domain.DatasetCard{}, err
	}
	req := upstream.CardRequest{
		ProjectID: p.ID,
		Filename:  p.VideoFilename,
		Model:     e.Config.Analysis.Model,
	}
	if p.Stats != nil {
		if data, err := json.Marshal(p.Stats); err == nil {
			req.Stats = data
		}
	}
	if p.AnalysisJSON != nil {
		req.Analysis = json.RawMessage(*p.AnalysisJSON)
	}
	card, err := e.Upstream.DatasetCard(ctx, req)
	if err != nil {
		return domain.DatasetCard{}, err
	}

	payload, err := json.Marshal(card)
	if err != nil {
		return domain.DatasetCard{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DatasetCard{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertDatasetCard(ctx, tx, p.ID, string(payload), req.Model, e.timestamp()); err != nil {
		return domain.DatasetCard{}, err
	}
	if err := e.Events.Append(ctx, tx, "dataset_card.generated", p.ID, "", "", events.EventPayload{"model": req.Model}); err != nil {
		return domain.DatasetCard{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DatasetCard{}, err
	}
	return card, nil
}

// TimelineView is the render-ready projection of a project's analysis.
type TimelineView struct {
	TotalFrames    int               `json:"total_frames"`
	FallbackFrames bool              `json:"fallback_frames"`
	Markers        []timeline.Marker `json:"markers"`
	Bands          []timeline.Band   `json:"bands"`
	Legend         []string          `json:"legend"`
}

// Timeline computes the timeline view for a project's stored analysis.
func (e Engine) Timeline(ctx context.Context, projectID string) (TimelineView, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return TimelineView{}, err
	}
	if !p.HasAnalysis || p.AnalysisJSON == nil {
		return TimelineView{}, &lifecycle.InvalidStateError{Op: "timeline", Status: p.Status, Reason: "no analysis results"}
	}
	var analysis domain.Analysis
	if err := json.Unmarshal([]byte(*p.AnalysisJSON), &analysis); err != nil {
		return TimelineView{}, fmt.Errorf("stored analysis: %w", err)
	}

	view := TimelineView{}
	if p.Stats != nil && p.Stats.TotalFrames > 0 {
		view.TotalFrames = p.Stats.TotalFrames
	} else {
		view.TotalFrames = e.Config.Timeline.FallbackTotalFrames
		view.FallbackFrames = true
	}
	view.Markers, err = timeline.AnomalyMarkers(analysis.AnomalyEvents, view.TotalFrames)
	if err != nil {
		return TimelineView{}, err
	}
	view.Bands, err = timeline.ActivityBands(analysis.Activities, view.TotalFrames, e.Config.Timeline.Tiers)
	if err != nil {
		return TimelineView{}, err
	}
	view.Legend = timeline.Legend(analysis.Activities)
	return view, nil
}

// DeleteProject removes the project row, its artifacts, and its stored
// files. Jobs, artifacts, and cards go with the row via foreign keys.
func (e Engine) DeleteProject(ctx context.Context, projectID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", projectID, "", "", events.EventPayload{"filename": p.VideoFilename}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if p.VideoPath != "" {
		e.Store.Delete(p.VideoPath)
	}
	e.Store.DeleteProject(projectID)
	return nil
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
