// Package store persists uploaded videos and generated report
// artifacts on the local filesystem under the workspace directory.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// Store abstracts artifact and video persistence so tests can swap the
// filesystem out.
type Store interface {
	SaveVideo(src io.Reader, info FileInfo) (string, error)
	SaveReport(projectID, format string, data []byte) (string, error)
	Open(path string) (io.ReadSeekCloser, error)
	Delete(path string) error
	DeleteProject(projectID string) error
}

// MIMEForFormat maps a report format to its content type.
func MIMEForFormat(format string) (string, error) {
	switch format {
	case "excel":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", nil
	case "pdf":
		return "application/pdf", nil
	}
	return "", fmt.Errorf("unknown report format %q", format)
}

// ExtForFormat maps a report format to its file extension.
func ExtForFormat(format string) string {
	if format == "excel" {
		return ".xlsx"
	}
	return ".pdf"
}

type Local struct {
	videosDir  string
	reportsDir string
}

// NewLocal creates a local store rooted at the given directories,
// creating them if missing.
func NewLocal(videosDir, reportsDir string) (*Local, error) {
	for _, dir := range []string{videosDir, reportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return &Local{videosDir: videosDir, reportsDir: reportsDir}, nil
}

// SaveVideo streams the upload to disk under a fresh UUID name and
// returns the absolute path.
func (l *Local) SaveVideo(src io.Reader, info FileInfo) (string, error) {
	ext := filepath.Ext(info.Filename)
	if ext == "" {
		ext = ".mp4"
	}
	fullPath := filepath.Join(l.videosDir, uuid.NewString()+ext)
	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("save video file: %w", err)
	}
	return fullPath, nil
}

// SaveReport writes one report artifact, replacing any previous one for
// the same project and format.
func (l *Local) SaveReport(projectID, format string, data []byte) (string, error) {
	if strings.ContainsAny(projectID, `/\`) {
		return "", fmt.Errorf("invalid project id")
	}
	fullPath := filepath.Join(l.reportsDir, projectID+"_"+format+ExtForFormat(format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return fullPath, nil
}

func (l *Local) Open(path string) (io.ReadSeekCloser, error) {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return nil, fmt.Errorf("invalid path")
	}
	file, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

func (l *Local) Delete(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("invalid path")
	}
	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// DeleteProject removes every report artifact belonging to a project.
// The video file is deleted separately via its recorded path.
func (l *Local) DeleteProject(projectID string) error {
	matches, err := filepath.Glob(filepath.Join(l.reportsDir, projectID+"_*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
