// Package timeline turns frame-indexed analysis events into normalized
// render coordinates. Both transforms are pure functions over
// (events, totalFrames).
package timeline

import (
	"fmt"
	"sort"
	"strings"

	"frameline/internal/config"
	"frameline/internal/domain"
)

// NeutralTier is assigned when no tier rule matches an activity label.
const NeutralTier = "neutral"

// DegenerateInputError reports a non-positive frame count. Callers with
// an unknown frame count pass a configured fallback instead.
type DegenerateInputError struct {
	TotalFrames int
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("total frames must be positive, got %d", e.TotalFrames)
}

// Marker is one anomaly rendered at a normalized position in [0,1].
type Marker struct {
	Position float64        `json:"position"`
	Anomaly  domain.Anomaly `json:"anomaly"`
}

// AnomalyMarkers maps each anomaly to position frame_index/totalFrames,
// clamped to [0,1]. Input order is not trusted; markers come back
// sorted by frame index ascending. Anomalies sharing a frame index stay
// separate markers.
func AnomalyMarkers(anomalies []domain.Anomaly, totalFrames int) ([]Marker, error) {
	if totalFrames <= 0 {
		return nil, &DegenerateInputError{TotalFrames: totalFrames}
	}
	sorted := make([]domain.Anomaly, len(anomalies))
	copy(sorted, anomalies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FrameIndex < sorted[j].FrameIndex })
	markers := make([]Marker, 0, len(sorted))
	for _, a := range sorted {
		pos := float64(a.FrameIndex) / float64(totalFrames)
		if pos < 0 {
			pos = 0
		}
		if pos > 1 {
			pos = 1
		}
		markers = append(markers, Marker{Position: pos, Anomaly: a})
	}
	return markers, nil
}

// Band is one activity rendered as a width slice, laid out
// left-to-right in input order.
type Band struct {
	Width    float64         `json:"width"`
	Tier     string          `json:"tier"`
	Activity domain.Activity `json:"activity"`
}

// ActivityBands computes width (end-start)/totalFrames per activity and
// classifies each into a tier. Input order is preserved as layout
// order. Overlapping activities are rendered independently; widths may
// sum past 1 and are never renormalized.
func ActivityBands(activities []domain.Activity, totalFrames int, rules []config.TierRule) ([]Band, error) {
	if totalFrames <= 0 {
		return nil, &DegenerateInputError{TotalFrames: totalFrames}
	}
	bands := make([]Band, 0, len(activities))
	for _, a := range activities {
		bands = append(bands, Band{
			Width:    float64(a.EndFrame-a.StartFrame) / float64(totalFrames),
			Tier:     TierFor(a.Label, rules),
			Activity: a,
		})
	}
	return bands, nil
}

// TierFor resolves a label's tier by case-sensitive substring match.
// Rules apply in order; the first match wins.
func TierFor(label string, rules []config.TierRule) string {
	for _, r := range rules {
		if strings.Contains(label, r.Keyword) {
			return r.Tier
		}
	}
	return NeutralTier
}

// Legend returns distinct activity labels in first-seen order.
func Legend(activities []domain.Activity) []string {
	seen := map[string]bool{}
	var labels []string
	for _, a := range activities {
		if !seen[a.Label] {
			seen[a.Label] = true
			labels = append(labels, a.Label)
		}
	}
	return labels
}
