package engine

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"frameline/internal/config"
	"frameline/internal/domain"
	"frameline/internal/events"
	"frameline/internal/lifecycle"
)

// CreateSample seeds a fully processed demo project so the timeline and
// report surfaces can be explored without an upstream engine.
func (e Engine) CreateSample(ctx context.Context) (domain.Project, error) {
	now := e.timestamp()
	stats := domain.SegmentationStats{
		TotalFrames:  600,
		TotalObjects: 842,
		ObjectsPerClass: map[string]int{
			"car":        412,
			"pedestrian": 305,
			"bicycle":    125,
		},
		AvgObjectsPerFrame:    1.4,
		ProcessingTimeSeconds: 38.2,
	}
	analysis := domain.Analysis{
		Summary:     "Steady traffic with two short congestion spikes near the intersection.",
		KeyFindings: []string{"Congestion peaks around frames 150 and 420", "Pedestrian flow is concentrated in the first third"},
		AnomalyEvents: []domain.Anomaly{
			{FrameIndex: 150, Timestamp: 5.0, Description: "Sudden braking cluster", Severity: 0.8},
			{FrameIndex: 420, Timestamp: 14.0, Description: "Blocked crossing", Severity: 0.6},
		},
		Activities: []domain.Activity{
			{StartFrame: 0, EndFrame: 150, Label: "Light traffic", Confidence: 0.92},
			{StartFrame: 150, EndFrame: 300, Label: "High Congestion", Confidence: 0.88},
			{StartFrame: 300, EndFrame: 600, Label: "Moderate traffic", Confidence: 0.9},
		},
		KPIs: []domain.KPI{
			{Name: "peak_density", Value: 3.1, Unit: "objects/frame"},
			{Name: "congestion_ratio", Value: 0.25},
		},
		Mode: "traffic",
	}
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return domain.Project{}, err
	}

	p := domain.Project{
		ID:            uuid.NewString(),
		VideoFilename: "sample_intersection.mp4",
		Status:        lifecycle.Analyzed,
		Progress:      100,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.MarkSegmented(stats)
	s := string(analysisJSON)
	p.AnalysisJSON = &s
	p.HasAnalysis = true
	p.AnalysisModel = e.Config.Analysis.Model
	p.AnalysisType = "overview"
	p.AnalysisMode = "traffic"

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := insertFullProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.sample_created", p.ID, "", "", events.EventPayload{"video": p.VideoFilename}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func insertFullProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	perClass, err := json.Marshal(p.Stats.ObjectsPerClass)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,video_filename,video_path,file_size,status,progress,status_message,
has_segmentation,has_analysis,has_reports,
total_frames,total_objects,avg_objects_per_frame,processing_time_seconds,objects_per_class_json,
analysis_json,analysis_model,analysis_type,analysis_mode,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.VideoFilename, p.VideoPath, p.FileSize, p.Status, p.Progress, p.StatusMessage,
		1, 1, 0,
		p.Stats.TotalFrames, p.Stats.TotalObjects, p.Stats.AvgObjectsPerFrame, p.Stats.ProcessingTimeSeconds, string(perClass),
		*p.AnalysisJSON, p.AnalysisModel, p.AnalysisType, p.AnalysisMode, p.CreatedAt, p.UpdatedAt)
	return err
}
