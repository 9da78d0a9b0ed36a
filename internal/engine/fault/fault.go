// Package fault defines the typed errors the engine surfaces so the
// HTTP layer and CLI can map them to exit codes and status codes.
package fault

import "fmt"

// ValidationError indicates rejected caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// ConflictError indicates a competing in-flight job for the same
// project and stage.
type ConflictError struct {
	ProjectID string
	Stage     string
	JobID     string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s job %s already pending for project %s", e.Stage, e.JobID, e.ProjectID)
}

// UpstreamError indicates the processing engine rejected or failed a
// request in a way retrying cannot fix.
type UpstreamError struct {
	Op     string
	Status int
	Detail string
}

func (e UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s failed with status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Op, e.Detail)
}

// JobFailedError indicates a polled job reached the failed state.
type JobFailedError struct {
	JobID  string
	Stage  string
	Detail string
}

func (e JobFailedError) Error() string {
	return fmt.Sprintf("%s job %s failed: %s", e.Stage, e.JobID, e.Detail)
}
