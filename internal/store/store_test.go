package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Local {
	t.Helper()
	root := t.TempDir()
	s, err := NewLocal(filepath.Join(root, "videos"), filepath.Join(root, "reports"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return s
}

func TestSaveVideo(t *testing.T) {
	s := newTestStore(t)
	content := []byte("test video content")
	path, err := s.SaveVideo(bytes.NewReader(content), FileInfo{Filename: "clip.mov", Size: int64(len(content))})
	if err != nil {
		t.Fatalf("SaveVideo: %v", err)
	}
	if filepath.Ext(path) != ".mov" {
		t.Errorf("expected .mov extension, got %s", filepath.Ext(path))
	}
	f, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, content) {
		t.Errorf("round trip mismatch")
	}
}

func TestSaveReportReplaces(t *testing.T) {
	s := newTestStore(t)
	p1, err := s.SaveReport("proj1", "pdf", []byte("v1"))
	if err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	p2, err := s.SaveReport("proj1", "pdf", []byte("v2"))
	if err != nil {
		t.Fatalf("SaveReport replace: %v", err)
	}
	if p1 != p2 {
		t.Errorf("expected stable artifact path, got %s then %s", p1, p2)
	}
	data, err := os.ReadFile(p2)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("artifact not replaced, got %q", data)
	}
}

func TestDeleteProjectRemovesAllFormats(t *testing.T) {
	s := newTestStore(t)
	pdf, _ := s.SaveReport("proj1", "pdf", []byte("x"))
	xlsx, _ := s.SaveReport("proj1", "excel", []byte("x"))
	other, _ := s.SaveReport("proj2", "pdf", []byte("x"))
	if err := s.DeleteProject("proj1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	for _, gone := range []string{pdf, xlsx} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", gone)
		}
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("unrelated artifact removed: %v", err)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Open("../../etc/passwd"); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestMIMEForFormat(t *testing.T) {
	if _, err := MIMEForFormat("csv"); err == nil {
		t.Fatal("expected unknown format error")
	}
	mime, err := MIMEForFormat("excel")
	if err != nil || mime != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("excel mime: %s %v", mime, err)
	}
}
