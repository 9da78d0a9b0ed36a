package domain

import "fmt"

// Project is a video analysis project moving through the pipeline.
// The three has_* flags are monotone under normal operation; the only
// sanctioned reset is InvalidateDownstream on re-segmentation.
type Project struct {
	ID              string             `json:"id"`
	VideoFilename   string             `json:"video_filename"`
	VideoPath       string             `json:"video_path,omitempty"`
	FileSize        int64              `json:"file_size"`
	Status          string             `json:"status" enum:"idle,uploading,uploaded,segmenting,segmented,analyzing,analyzed,failed"`
	Progress        int                `json:"progress"`
	StatusMessage   string             `json:"status_message,omitempty"`
	HasSegmentation bool               `json:"has_segmentation"`
	HasAnalysis     bool               `json:"has_analysis"`
	HasReports      bool               `json:"has_reports"`
	Stats           *SegmentationStats `json:"stats,omitempty"`
	AnalysisJSON    *string            `json:"-"`
	AnalysisModel   string             `json:"analysis_model,omitempty"`
	AnalysisType    string             `json:"analysis_type,omitempty"`
	AnalysisMode    string             `json:"analysis_mode,omitempty"`
	CreatedAt       string             `json:"created_at" format:"date-time"`
	UpdatedAt       string             `json:"updated_at" format:"date-time"`
}

// MarkSegmented records a successful segmentation run. Callers replace
// stale downstream artifacts beforehand via InvalidateDownstream.
func (p *Project) MarkSegmented(stats SegmentationStats) {
	p.HasSegmentation = true
	p.Stats = &stats
}

// InvalidateDownstream drops analysis and report flags after the
// segmentation they were derived from has been replaced.
func (p *Project) InvalidateDownstream() {
	p.HasAnalysis = false
	p.HasReports = false
	p.AnalysisJSON = nil
	p.AnalysisModel = ""
	p.AnalysisType = ""
	p.AnalysisMode = ""
}

// ValidateFlags checks the implication chain
// has_reports => has_analysis => has_segmentation.
func (p Project) ValidateFlags() error {
	if p.HasAnalysis && !p.HasSegmentation {
		return fmt.Errorf("project %s: has_analysis without has_segmentation", p.ID)
	}
	if p.HasReports && !p.HasAnalysis {
		return fmt.Errorf("project %s: has_reports without has_analysis", p.ID)
	}
	return nil
}

// SegmentationStats summarizes one segmentation run. Replaced wholesale
// on re-segmentation, never merged.
type SegmentationStats struct {
	TotalFrames           int            `json:"total_frames"`
	TotalObjects          int            `json:"total_objects"`
	ObjectsPerClass       map[string]int `json:"objects_per_class,omitempty"`
	AvgObjectsPerFrame    float64        `json:"avg_objects_per_frame"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
}

// Anomaly is a frame-indexed detection event.
type Anomaly struct {
	FrameIndex  int     `json:"frame_index"`
	Timestamp   float64 `json:"timestamp"`
	Description string  `json:"description"`
	Severity    float64 `json:"severity"`
}

// Activity is a labelled frame span. Activities may overlap and are
// never merged or deduplicated.
type Activity struct {
	StartFrame int     `json:"start_frame"`
	EndFrame   int     `json:"end_frame"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// KPI is a single named metric from an analysis run.
type KPI struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Analysis is the structured result of one analysis job. A re-analysis
// replaces the previous Analysis entirely.
type Analysis struct {
	Summary       string     `json:"summary"`
	KeyFindings   []string   `json:"key_findings"`
	AnomalyEvents []Anomaly  `json:"anomaly_events,omitempty"`
	Activities    []Activity `json:"activities,omitempty"`
	KPIs          []KPI      `json:"kpis,omitempty"`
	Mode          string     `json:"mode,omitempty"`
}

// DatasetCard documents a dataset derived from a project. Generated on
// demand and never persisted as a report artifact.
type DatasetCard struct {
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	IntendedUse           string   `json:"intended_use"`
	Labels                []string `json:"labels,omitempty"`
	CollectionProcess     string   `json:"collection_process,omitempty"`
	Risks                 string   `json:"risks,omitempty"`
	Limitations           string   `json:"limitations,omitempty"`
	EthicalConsiderations string   `json:"ethical_considerations,omitempty"`
}

// Job states.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Pipeline stages.
const (
	StageUpload       = "upload"
	StageSegmentation = "segmentation"
	StageAnalysis     = "analysis"
	StageReports      = "reports"
)

// Job is one submission to an upstream engine for a (project, stage)
// pair. At most one job per pair may be pending at a time.
type Job struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Stage     string  `json:"stage" enum:"upload,segmentation,analysis,reports"`
	State     string  `json:"state" enum:"pending,done,failed"`
	Progress  int     `json:"progress"`
	Message   string  `json:"message,omitempty"`
	RemoteID  string  `json:"remote_id,omitempty"`
	Result    *string `json:"-"`
	Error     string  `json:"error,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further polling is needed.
func (j Job) Terminal() bool {
	return j.State == JobDone || j.State == JobFailed
}

// Artifact is a generated report file addressed by (project, format).
type Artifact struct {
	ProjectID string `json:"project_id"`
	Format    string `json:"format" enum:"excel,pdf"`
	Path      string `json:"-"`
	MIME      string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only pipeline log.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Payload   string `json:"payload_json"`
}
