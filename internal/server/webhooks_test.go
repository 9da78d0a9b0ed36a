package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"frameline/internal/config"
	"frameline/internal/engine"
)

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("project.created") || !all.match("segmentation.failed") {
		t.Fatal("empty filter must match everything")
	}
	blank := newEventFilter([]string{" ", ""})
	if !blank.match("project.created") {
		t.Fatal("filter of blank entries must match everything")
	}
	some := newEventFilter([]string{"segmentation.submitted", " analysis.completed "})
	if !some.match("segmentation.submitted") || !some.match("analysis.completed") {
		t.Fatal("listed types must match")
	}
	if some.match("project.created") {
		t.Fatal("unlisted type must not match")
	}
}

func TestWebhookDispatchFiltersAndAdvancesCursor(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Get("X-Frameline-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	d := &webhookDispatcher{
		engine:   srv.Engine,
		webhooks: []config.Webhook{{URL: receiver.URL, Types: []string{"segmentation.submitted"}}},
		client:   receiver.Client(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		cursors:  make(map[int]int64),
	}

	// first pass pins the cursor to the current tail of the log
	d.dispatchAll()
	mu.Lock()
	if len(got) != 0 {
		mu.Unlock()
		t.Fatalf("delivered %d events before any were written", len(got))
	}
	mu.Unlock()

	ctx := context.Background()
	p, _, err := srv.Engine.Upload(ctx, engine.UploadOptions{
		Filename: "traffic.mp4",
		Size:     11,
		Content:  strings.NewReader("fake video\n"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	j, err := srv.Engine.StartSegmentation(ctx, p.ID)
	if err != nil {
		t.Fatalf("start segmentation: %v", err)
	}

	d.dispatchAll()
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries: %d, want 1 (only the subscribed type)", len(got))
	}
	evt := got[0]
	if evt.Type != "segmentation.submitted" || evt.ProjectID != p.ID || evt.EntityID != j.ID {
		t.Fatalf("delivered event: %+v", evt)
	}
	if headers[0] != "segmentation.submitted" {
		t.Fatalf("event header: %q", headers[0])
	}

	// cursor moved past the unmatched project.created event too
	latest, err := srv.Engine.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	d.mu.Lock()
	cursor := d.cursors[0]
	d.mu.Unlock()
	if cursor != latest {
		t.Fatalf("cursor %d, want %d", cursor, latest)
	}
}
