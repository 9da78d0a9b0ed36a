package timeline

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"frameline/internal/config"
	"frameline/internal/domain"
)

var testRules = []config.TierRule{
	{Keyword: "High", Tier: "high"},
	{Keyword: "Congestion", Tier: "high"},
	{Keyword: "Moderate", Tier: "medium"},
	{Keyword: "Light", Tier: "low"},
}

func TestAnomalyMarkersPositions(t *testing.T) {
	markers, err := AnomalyMarkers([]domain.Anomaly{{FrameIndex: 50}}, 100)
	if err != nil {
		t.Fatalf("AnomalyMarkers: %v", err)
	}
	if len(markers) != 1 || markers[0].Position != 0.5 {
		t.Fatalf("expected position 0.5, got %+v", markers)
	}
}

func TestAnomalyMarkersSortDefensively(t *testing.T) {
	in := []domain.Anomaly{{FrameIndex: 80}, {FrameIndex: 10}, {FrameIndex: 40}}
	markers, err := AnomalyMarkers(in, 100)
	if err != nil {
		t.Fatalf("AnomalyMarkers: %v", err)
	}
	for i := 1; i < len(markers); i++ {
		if markers[i].Position < markers[i-1].Position {
			t.Fatalf("markers not sorted: %+v", markers)
		}
	}
	if in[0].FrameIndex != 80 {
		t.Fatal("input slice mutated")
	}
}

func TestAnomalyMarkersClamp(t *testing.T) {
	markers, err := AnomalyMarkers([]domain.Anomaly{{FrameIndex: -5}, {FrameIndex: 150}}, 100)
	if err != nil {
		t.Fatalf("AnomalyMarkers: %v", err)
	}
	for _, m := range markers {
		if m.Position < 0 || m.Position > 1 {
			t.Fatalf("position out of range: %+v", m)
		}
	}
}

func TestAnomalyMarkersKeepDuplicates(t *testing.T) {
	markers, err := AnomalyMarkers([]domain.Anomaly{
		{FrameIndex: 50, Description: "a"},
		{FrameIndex: 50, Description: "b"},
	}, 100)
	if err != nil {
		t.Fatalf("AnomalyMarkers: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("duplicate frame anomalies must stay separate markers, got %d", len(markers))
	}
}

func TestDegenerateFrameCount(t *testing.T) {
	var dge *DegenerateInputError
	if _, err := AnomalyMarkers(nil, 0); !errors.As(err, &dge) {
		t.Fatalf("expected DegenerateInputError, got %v", err)
	}
	if _, err := ActivityBands(nil, -1, testRules); !errors.As(err, &dge) {
		t.Fatalf("expected DegenerateInputError, got %v", err)
	}
}

func TestActivityBandsWidthsAndTiers(t *testing.T) {
	bands, err := ActivityBands([]domain.Activity{
		{StartFrame: 0, EndFrame: 25, Label: "Light"},
		{StartFrame: 25, EndFrame: 100, Label: "High Congestion"},
	}, 100, testRules)
	if err != nil {
		t.Fatalf("ActivityBands: %v", err)
	}
	if bands[0].Width != 0.25 || bands[1].Width != 0.75 {
		t.Fatalf("widths: %+v", bands)
	}
	if bands[0].Tier != "low" || bands[1].Tier != "high" {
		t.Fatalf("tiers: %+v", bands)
	}
}

func TestActivityBandsPreserveInputOrder(t *testing.T) {
	bands, err := ActivityBands([]domain.Activity{
		{StartFrame: 50, EndFrame: 100, Label: "b"},
		{StartFrame: 0, EndFrame: 50, Label: "a"},
	}, 100, nil)
	if err != nil {
		t.Fatalf("ActivityBands: %v", err)
	}
	if bands[0].Activity.Label != "b" || bands[1].Activity.Label != "a" {
		t.Fatalf("layout order must follow input order, got %+v", bands)
	}
}

func TestOverlappingBandsNotRenormalized(t *testing.T) {
	bands, err := ActivityBands([]domain.Activity{
		{StartFrame: 0, EndFrame: 80, Label: "x"},
		{StartFrame: 20, EndFrame: 100, Label: "y"},
	}, 100, nil)
	if err != nil {
		t.Fatalf("ActivityBands: %v", err)
	}
	sum := bands[0].Width + bands[1].Width
	if math.Abs(sum-1.6) > 1e-9 {
		t.Fatalf("overlap must not be clamped or renormalized, widths sum to %f", sum)
	}
}

func TestTierMatchIsCaseSensitive(t *testing.T) {
	if got := TierFor("light traffic", testRules); got != NeutralTier {
		t.Fatalf("lowercase keyword must not match, got %q", got)
	}
	if got := TierFor("Light traffic", testRules); got != "low" {
		t.Fatalf("got %q", got)
	}
}

func TestTierFirstMatchWins(t *testing.T) {
	if got := TierFor("Moderate High", testRules); got != "high" {
		t.Fatalf("first rule in priority order must win, got %q", got)
	}
}

func TestLegendFirstSeenOrder(t *testing.T) {
	got := Legend([]domain.Activity{
		{Label: "b"}, {Label: "a"}, {Label: "b"}, {Label: "c"},
	})
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("legend %v, want %v", got, want)
	}
}
