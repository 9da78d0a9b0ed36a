package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"frameline/internal/config"
	"frameline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,video_filename,video_path,file_size,status,progress,status_message,
has_segmentation,has_analysis,has_reports,
total_frames,total_objects,avg_objects_per_frame,processing_time_seconds,objects_per_class_json,
analysis_json,analysis_model,analysis_type,analysis_mode,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var hasSeg, hasAna, hasRep int
	var totalFrames, totalObjects sql.NullInt64
	var avgObjects, procTime sql.NullFloat64
	var perClass, analysis sql.NullString
	err := row.Scan(&p.ID, &p.VideoFilename, &p.VideoPath, &p.FileSize, &p.Status, &p.Progress, &p.StatusMessage,
		&hasSeg, &hasAna, &hasRep,
		&totalFrames, &totalObjects, &avgObjects, &procTime, &perClass,
		&analysis, &p.AnalysisModel, &p.AnalysisType, &p.AnalysisMode, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.HasSegmentation = hasSeg != 0
	p.HasAnalysis = hasAna != 0
	p.HasReports = hasRep != 0
	if totalFrames.Valid {
		stats := domain.SegmentationStats{
			TotalFrames:           int(totalFrames.Int64),
			TotalObjects:          int(totalObjects.Int64),
			AvgObjectsPerFrame:    avgObjects.Float64,
			ProcessingTimeSeconds: procTime.Float64,
		}
		if perClass.Valid && perClass.String != "" {
			if err := json.Unmarshal([]byte(perClass.String), &stats.ObjectsPerClass); err != nil {
				return p, fmt.Errorf("project %s: objects_per_class_json: %w", p.ID, err)
			}
		}
		p.Stats = &stats
	}
	if analysis.Valid {
		p.AnalysisJSON = &analysis.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,video_filename,video_path,file_size,status,progress,status_message,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.VideoFilename, p.VideoPath, p.FileSize, p.Status, p.Progress, p.StatusMessage, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProject writes every mutable project column inside the caller's
// transaction.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	var (
		totalFrames, totalObjects      any
		avgObjects, procTime, perClass any
	)
	if p.Stats != nil {
		totalFrames = p.Stats.TotalFrames
		totalObjects = p.Stats.TotalObjects
		avgObjects = p.Stats.AvgObjectsPerFrame
		procTime = p.Stats.ProcessingTimeSeconds
		if p.Stats.ObjectsPerClass != nil {
			data, err := json.Marshal(p.Stats.ObjectsPerClass)
			if err != nil {
				return err
			}
			perClass = string(data)
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET
video_filename=?, video_path=?, file_size=?, status=?, progress=?, status_message=?,
has_segmentation=?, has_analysis=?, has_reports=?,
total_frames=?, total_objects=?, avg_objects_per_frame=?, processing_time_seconds=?, objects_per_class_json=?,
analysis_json=?, analysis_model=?, analysis_type=?, analysis_mode=?, updated_at=?
WHERE id=?`,
		p.VideoFilename, p.VideoPath, p.FileSize, p.Status, p.Progress, p.StatusMessage,
		boolInt(p.HasSegmentation), boolInt(p.HasAnalysis), boolInt(p.HasReports),
		totalFrames, totalObjects, avgObjects, procTime, perClass,
		nullableStringPtr(p.AnalysisJSON), p.AnalysisModel, p.AnalysisType, p.AnalysisMode, p.UpdatedAt,
		p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, projectID, string(payload), now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
