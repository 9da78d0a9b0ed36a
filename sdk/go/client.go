// Package framelinesdk is a small Go client for the Frameline HTTP API.
package framelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to a Frameline server.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Project mirrors the API project model.
type Project struct {
	ID              string          `json:"id"`
	VideoFilename   string          `json:"video_filename"`
	FileSize        int64           `json:"file_size"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	StatusMessage   string          `json:"status_message,omitempty"`
	HasSegmentation bool            `json:"has_segmentation"`
	HasAnalysis     bool            `json:"has_analysis"`
	HasReports      bool            `json:"has_reports"`
	Stats           json.RawMessage `json:"stats,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// Job mirrors the API job model.
type Job struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Stage     string          `json:"stage"`
	State     string          `json:"state"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool { return j.State == "done" || j.State == "failed" }

// Timeline mirrors the timeline projection.
type Timeline struct {
	TotalFrames    int             `json:"total_frames"`
	FallbackFrames bool            `json:"fallback_frames"`
	Markers        json.RawMessage `json:"markers"`
	Bands          json.RawMessage `json:"bands"`
	Legend         []string        `json:"legend"`
}

// Event mirrors a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	Stage     string         `json:"stage,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Upload creates a project from a video stream.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (Project, Job, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return Project{}, Job{}, err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return Project{}, Job{}, err
	}
	if err := mw.Close(); err != nil {
		return Project{}, Job{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/v0/projects/upload", &buf)
	if err != nil {
		return Project{}, Job{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		Project Project `json:"project"`
		Job     Job     `json:"job"`
	}
	if err := c.send(req, &out); err != nil {
		return Project{}, Job{}, err
	}
	return out.Project, out.Job, nil
}

// Projects lists all projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// Project fetches one project.
func (c *Client) Project(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeleteProject removes a project and its stored files.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/projects/"+url.PathEscape(id), nil, nil)
}

// CreateSample seeds a pre-analyzed demo project.
func (c *Client) CreateSample(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/sample", nil, &resp)
	return resp, err
}

// StartSegmentation submits a segmentation job.
func (c *Client) StartSegmentation(ctx context.Context, projectID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "segmentation"), nil, &resp)
	return resp, err
}

// AnalysisRequest parameterizes StartAnalysis. Zero values fall back
// to server-side defaults.
type AnalysisRequest struct {
	AnalysisType string `json:"analysis_type"`
	Model        string `json:"model,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

// StartAnalysis submits an analysis job.
func (c *Client) StartAnalysis(ctx context.Context, projectID string, req AnalysisRequest) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "analysis"), req, &resp)
	return resp, err
}

// StartReports submits a report generation job.
func (c *Client) StartReports(ctx context.Context, projectID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "reports"), nil, &resp)
	return resp, err
}

// Job performs one poll of a job.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// minWaitInterval is the floor for WaitJob's poll interval, matching
// the server's own polling cadence.
const minWaitInterval = 500 * time.Millisecond

// WaitJob polls until the job is terminal or ctx expires. A failed job
// comes back with a nil error; inspect State and Error. Intervals below
// 500ms are raised to 500ms; zero or negative means 2s.
func (c *Client) WaitJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if interval < minWaitInterval {
		interval = minWaitInterval
	}
	for {
		j, err := c.Job(ctx, jobID)
		if err != nil {
			return j, err
		}
		if j.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Timeline fetches the timeline projection for a project.
func (c *Client) Timeline(ctx context.Context, projectID string) (Timeline, error) {
	var resp Timeline
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "timeline"), nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	endpoint := c.projectPath(projectID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DownloadReport streams a generated report. format is "excel" or
// "pdf". The caller must close the reader.
func (c *Client) DownloadReport(ctx context.Context, projectID, format string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+c.projectPath(projectID, "reports/"+url.PathEscape(format)), nil)
	if err != nil {
		return nil, "", err
	}
	c.auth(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	c.auth(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) auth(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("v0/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
