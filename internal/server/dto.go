package server

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"frameline/internal/config"
	"frameline/internal/domain"
)

// Request payloads

type StartAnalysisRequest struct {
	AnalysisType string `json:"analysis_type"`
	Model        string `json:"model,omitempty"`
	Mode         string `json:"mode,omitempty" enum:"generic,traffic,retail,security,sports,"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml"`
}

// Response payloads

type ProjectResponse struct {
	ID              string                    `json:"id"`
	VideoFilename   string                    `json:"video_filename"`
	FileSize        int64                     `json:"file_size"`
	Status          string                    `json:"status"`
	Progress        int                       `json:"progress"`
	StatusMessage   string                    `json:"status_message,omitempty"`
	HasSegmentation bool                      `json:"has_segmentation"`
	HasAnalysis     bool                      `json:"has_analysis"`
	HasReports      bool                      `json:"has_reports"`
	Stats           *domain.SegmentationStats `json:"stats,omitempty"`
	AnalysisModel   string                    `json:"analysis_model,omitempty"`
	AnalysisType    string                    `json:"analysis_type,omitempty"`
	AnalysisMode    string                    `json:"analysis_mode,omitempty"`
	CreatedAt       string                    `json:"created_at" format:"date-time"`
	UpdatedAt       string                    `json:"updated_at" format:"date-time"`
}

type JobResponse struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Stage     string          `json:"stage" enum:"upload,segmentation,analysis,reports"`
	State     string          `json:"state" enum:"pending,done,failed"`
	RemoteID  string          `json:"remote_id,omitempty"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type StageStatusResponse struct {
	ProjectID     string                    `json:"project_id"`
	ProjectStatus string                    `json:"project_status"`
	Job           *JobResponse              `json:"job,omitempty"`
	Stats         *domain.SegmentationStats `json:"stats,omitempty"`
	Analysis      json.RawMessage           `json:"analysis,omitempty"`
}

type ArtifactResponse struct {
	ProjectID string `json:"project_id"`
	Format    string `json:"format" enum:"excel,pdf"`
	MIME      string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type DatasetCardResponse struct {
	ProjectID string             `json:"project_id"`
	Card      domain.DatasetCard `json:"card"`
}

type ConfigResponse struct {
	ProjectID string `json:"project_id"`
	YAML      string `json:"yaml"`
}

// Mappers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:              p.ID,
		VideoFilename:   p.VideoFilename,
		FileSize:        p.FileSize,
		Status:          p.Status,
		Progress:        p.Progress,
		StatusMessage:   p.StatusMessage,
		HasSegmentation: p.HasSegmentation,
		HasAnalysis:     p.HasAnalysis,
		HasReports:      p.HasReports,
		Stats:           p.Stats,
		AnalysisModel:   p.AnalysisModel,
		AnalysisType:    p.AnalysisType,
		AnalysisMode:    p.AnalysisMode,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func jobResponse(j domain.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		ProjectID: j.ProjectID,
		Stage:     j.Stage,
		State:     j.State,
		RemoteID:  j.RemoteID,
		Progress:  j.Progress,
		Message:   j.Message,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Result != nil && j.Stage != domain.StageReports {
		// Report payloads are large base64 blobs; clients fetch the
		// artifacts endpoint instead.
		resp.Result = json.RawMessage(*j.Result)
	}
	return resp
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ProjectID: a.ProjectID,
		Format:    a.Format,
		MIME:      a.MIME,
		SizeBytes: a.SizeBytes,
		CreatedAt: a.CreatedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		ProjectID: evt.ProjectID,
		Stage:     evt.Stage,
		EntityID:  evt.EntityID,
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &resp.Payload)
	}
	return resp
}

func configResponse(projectID string, cfg *config.Config) ConfigResponse {
	data, _ := yaml.Marshal(cfg)
	return ConfigResponse{ProjectID: projectID, YAML: string(data)}
}

func importConfig(raw string) (*config.Config, error) {
	return config.FromYAML([]byte(raw))
}
