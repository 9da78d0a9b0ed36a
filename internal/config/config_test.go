package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := Default("demo")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
	if cfg.Polling.Interval.Std() < 500*time.Millisecond {
		t.Fatalf("interval %v below floor", cfg.Polling.Interval.Std())
	}
	if cfg.Timeline.FallbackTotalFrames != 1000 {
		t.Fatalf("fallback frames %d", cfg.Timeline.FallbackTotalFrames)
	}
	if len(cfg.Timeline.Tiers) == 0 {
		t.Fatal("no tier rules")
	}
}

func TestValidateRejectsShortInterval(t *testing.T) {
	cfg := Default("demo")
	cfg.Polling.Interval = Duration(100 * time.Millisecond)
	if err := cfg.Validate(); err == nil {
		t.Fatal("interval below 500ms accepted")
	}
}

func TestValidateRejectsBadExtension(t *testing.T) {
	cfg := Default("demo")
	cfg.Upload.AllowedExtensions = []string{"mp4"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("extension without dot accepted")
	}
}

func TestAllowedExtensionCaseInsensitive(t *testing.T) {
	cfg := Default("demo")
	if !cfg.AllowedExtension("CLIP.MP4") {
		t.Fatal("uppercase extension rejected")
	}
	if cfg.AllowedExtension("notes.txt") {
		t.Fatal("txt accepted")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default("demo")
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	back, err := FromYAML(data)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if back.Polling.Interval != cfg.Polling.Interval {
		t.Fatalf("interval changed: %v vs %v", back.Polling.Interval, cfg.Polling.Interval)
	}
	if !strings.Contains(string(data), "fallback_total_frames") {
		t.Fatalf("yaml missing timeline section: %s", data)
	}
}
