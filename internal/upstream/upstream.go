// Package upstream talks to the external processing engine that runs
// segmentation, analysis, and report generation jobs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"frameline/internal/domain"
	"frameline/internal/engine/fault"
)

// SubmitRequest describes one stage submission.
type SubmitRequest struct {
	Stage     string         `json:"stage"`
	ProjectID string         `json:"project_id"`
	VideoPath string         `json:"video_path,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// JobStatus is one non-blocking status read for a remote job.
type JobStatus struct {
	State    string          `json:"state"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// CardRequest asks the engine to draft a dataset card from analysis
// output.
type CardRequest struct {
	ProjectID string          `json:"project_id"`
	Filename  string          `json:"filename"`
	Stats     json.RawMessage `json:"stats,omitempty"`
	Analysis  json.RawMessage `json:"analysis,omitempty"`
	Model     string          `json:"model"`
}

// Engine is the remote processing API. Submit starts a job and returns
// its remote id; Status is a prompt, non-blocking read that may be
// repeated freely, including after the job is terminal.
type Engine interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, remoteID string) (JobStatus, error)
	DatasetCard(ctx context.Context, req CardRequest) (domain.DatasetCard, error)
}

// HTTPEngine implements Engine over a JSON HTTP API.
type HTTPEngine struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewHTTP creates an HTTP engine client with sane defaults.
func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{BaseURL: baseURL, APIKey: apiKey, Timeout: timeout}
}

func (e *HTTPEngine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := e.do(ctx, http.MethodPost, "v0/jobs", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fault.UpstreamError{Op: "submit", Detail: "missing job_id in response"}
	}
	return resp.JobID, nil
}

func (e *HTTPEngine) Status(ctx context.Context, remoteID string) (JobStatus, error) {
	var resp JobStatus
	endpoint := fmt.Sprintf("v0/jobs/%s", url.PathEscape(remoteID))
	if err := e.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return JobStatus{}, err
	}
	switch resp.State {
	case domain.JobPending, domain.JobDone, domain.JobFailed:
	default:
		return JobStatus{}, fault.UpstreamError{Op: "status", Detail: fmt.Sprintf("unknown job state %q", resp.State)}
	}
	return resp, nil
}

func (e *HTTPEngine) DatasetCard(ctx context.Context, req CardRequest) (domain.DatasetCard, error) {
	var raw struct {
		Content string `json:"content"`
	}
	if err := e.do(ctx, http.MethodPost, "v0/dataset-card", req, &raw); err != nil {
		return domain.DatasetCard{}, err
	}
	var card domain.DatasetCard
	if err := DecodeStrictJSON(raw.Content, &card); err != nil {
		return domain.DatasetCard{}, fault.UpstreamError{Op: "dataset-card", Detail: err.Error()}
	}
	if card.Title == "" || card.Description == "" {
		return domain.DatasetCard{}, fault.UpstreamError{Op: "dataset-card", Detail: "card missing title or description"}
	}
	return card, nil
}

// DecodeStrictJSON parses model output that may arrive wrapped in
// markdown code fences. Everything outside the fences is discarded;
// trailing junk after the JSON document is an error.
func DecodeStrictJSON(content string, out any) error {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	dec := json.NewDecoder(strings.NewReader(content))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing content after json document")
	}
	return nil
}

func (e *HTTPEngine) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if e.HTTPClient == nil {
		e.HTTPClient = &http.Client{Timeout: e.Timeout}
	}
	u := strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fault.UpstreamError{Op: method + " " + endpoint, Status: resp.StatusCode, Detail: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
