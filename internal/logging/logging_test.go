package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestScopedLoggersCarryIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithJobID(WithProjectID(logger, "p-1"), "j-1").Info("video uploaded")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["project_id"] != "p-1" || rec["job_id"] != "j-1" {
		t.Fatalf("record attrs: %v", rec)
	}
}
