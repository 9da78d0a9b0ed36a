package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"frameline/internal/engine"
	"frameline/internal/logging"
	"frameline/internal/repo"
)

// registerUpload mounts the multipart upload endpoint directly on the
// router; huma's typed DTOs do not fit streaming bodies.
func registerUpload(r chi.Router, basePath string, e engine.Engine, logger *slog.Logger) {
	r.Post(path.Join(basePath, "projects/upload"), func(w http.ResponseWriter, req *http.Request) {
		limit := e.Config.MaxVideoBytes()
		req.Body = http.MaxBytesReader(w, req.Body, limit+1024*1024)
		file, header, err := req.FormFile("file")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "multipart field 'file' required")
			return
		}
		defer file.Close()

		p, j, err := e.Upload(req.Context(), engine.UploadOptions{
			Filename: header.Filename,
			Size:     header.Size,
			Content:  file,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		log := logging.WithJobID(logging.WithProjectID(logger, p.ID), j.ID)
		log.Info("video uploaded", "filename", p.VideoFilename, "size", p.FileSize)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"project": projectResponse(p),
			"job":     jobResponse(j),
		})
	})
}

// registerDownload streams report artifacts. Kept outside huma so the
// response is a raw byte stream with the artifact's own MIME type.
func registerDownload(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "projects/{project_id}/reports/{format}"), func(w http.ResponseWriter, req *http.Request) {
		projectID := chi.URLParam(req, "project_id")
		format := chi.URLParam(req, "format")
		if format != "excel" && format != "pdf" {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "format must be excel or pdf")
			return
		}
		a, err := e.Repo.GetArtifact(req.Context(), projectID, format)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		f, err := e.Store.Open(a.Path)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "artifact file missing")
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", a.MIME)
		w.Header().Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
		w.Header().Set("Content-Disposition", `attachment; filename="`+projectID+"_report"+extFor(format)+`"`)
		io.Copy(w, f)
	})
}

func extFor(format string) string {
	if format == "excel" {
		return ".xlsx"
	}
	return ".pdf"
}

func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	se := handleError(err)
	var env *apiError
	if errors.As(se, &env) {
		writeJSONEnvelope(w, env)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSONEnvelope(w, &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}})
}

func writeJSONEnvelope(w http.ResponseWriter, env *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.status)
	json.NewEncoder(w).Encode(map[string]any{"error": env.Body})
}
