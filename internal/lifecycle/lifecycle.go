// Package lifecycle holds the project status machine and the gates that
// decide which pipeline stages a project may enter.
package lifecycle

import "fmt"

// Project statuses, in rough pipeline order.
const (
	Idle       = "idle"
	Uploading  = "uploading"
	Uploaded   = "uploaded"
	Segmenting = "segmenting"
	Segmented  = "segmented"
	Analyzing  = "analyzing"
	Analyzed   = "analyzed"
	Failed     = "failed"
)

// InvalidStateError reports an operation attempted against a project
// whose status or flags do not permit it.
type InvalidStateError struct {
	Op     string
	Status string
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed in status %q: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s not allowed in status %q", e.Op, e.Status)
}

// EnsureTransition validates a status change. Failed is reachable from
// any in-flight status; recovery from failed re-enters the stage that
// failed.
func EnsureTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case Idle:
		if newStatus == Uploading {
			return nil
		}
	case Uploading:
		if newStatus == Uploaded || newStatus == Failed {
			return nil
		}
	case Uploaded:
		if newStatus == Segmenting {
			return nil
		}
	case Segmenting:
		if newStatus == Segmented || newStatus == Failed {
			return nil
		}
	case Segmented:
		if newStatus == Analyzing || newStatus == Segmenting {
			return nil
		}
	case Analyzing:
		if newStatus == Analyzed || newStatus == Failed {
			return nil
		}
	case Analyzed:
		if newStatus == Analyzing || newStatus == Segmenting {
			return nil
		}
	case Failed:
		if newStatus == Uploading || newStatus == Segmenting || newStatus == Analyzing {
			return nil
		}
	}
	return &InvalidStateError{Op: "transition to " + newStatus, Status: oldStatus}
}

// Gates. Each checks status and flags together so a caller never
// reasons about flags on its own.

// CanStartSegmentation requires an uploaded video. Re-segmentation of
// an already segmented or analyzed project is allowed.
func CanStartSegmentation(status string) error {
	switch status {
	case Uploaded, Segmented, Analyzed:
		return nil
	case Failed:
		return nil
	}
	return &InvalidStateError{Op: "segmentation", Status: status, Reason: "video not uploaded or a stage is in flight"}
}

// CanStartAnalysis requires a completed segmentation.
func CanStartAnalysis(status string, hasSegmentation bool) error {
	if !hasSegmentation {
		return &InvalidStateError{Op: "analysis", Status: status, Reason: "no segmentation results"}
	}
	switch status {
	case Segmented, Analyzed, Failed:
		return nil
	}
	return &InvalidStateError{Op: "analysis", Status: status, Reason: "a stage is in flight"}
}

// CanGenerateReports requires a completed analysis.
func CanGenerateReports(status string, hasAnalysis bool) error {
	if !hasAnalysis {
		return &InvalidStateError{Op: "report generation", Status: status, Reason: "no analysis results"}
	}
	switch status {
	case Segmenting, Analyzing, Uploading:
		return &InvalidStateError{Op: "report generation", Status: status, Reason: "a stage is in flight"}
	}
	return nil
}

// CanGenerateDatasetCard has the same precondition as reports: the card
// is derived from analysis output.
func CanGenerateDatasetCard(status string, hasAnalysis bool) error {
	if err := CanGenerateReports(status, hasAnalysis); err != nil {
		ise := err.(*InvalidStateError)
		ise.Op = "dataset card generation"
		return ise
	}
	return nil
}
