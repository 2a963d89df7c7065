package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"modelgen-service/internal/artifact"
	"modelgen-service/internal/entity"
	"modelgen-service/internal/orchestrator"
	"modelgen-service/internal/store"
)

// GenerationService is the orchestrator surface the handlers consume.
type GenerationService interface {
	Submit(ctx context.Context, in orchestrator.SubmitInput) (uuid.UUID, error)
	Status(id *uuid.UUID) (*entity.Job, error)
	Cancel(id uuid.UUID) error
	PingWorker(ctx context.Context) error
}

// ArtifactService exposes registered artifacts for retrieval.
type ArtifactService interface {
	List(kind *entity.ArtifactKind) []entity.Artifact
	Get(ctx context.Context, name string) ([]byte, error)
}

type Handler struct {
	svc       GenerationService
	artifacts ArtifactService
}

func NewHandler(svc GenerationService, artifacts ArtifactService) *Handler {
	return &Handler{svc: svc, artifacts: artifacts}
}

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

type generateDTO struct {
	Text string `json:"text"`
}

type generateResp struct {
	JobID string `json:"job_id"`
}

type statusResp struct {
	JobID         string              `json:"job_id"`
	State         entity.JobState     `json:"state"`
	Error         *entity.FailureInfo `json:"error,omitempty"`
	ExportedFiles []string            `json:"exported_files"`
	Preview       string              `json:"preview,omitempty"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

func toStatusResp(j *entity.Job) statusResp {
	files := j.ExportedFiles
	if files == nil {
		files = []string{}
	}
	return statusResp{
		JobID:         j.ID.String(),
		State:         j.State,
		Error:         j.Error,
		ExportedFiles: files,
		Preview:       j.PreviewName,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
	}
}

// Generate godoc
// @Summary Submit a generation request
// @Description Accepts JSON {"text": "..."} with a natural-language prompt, or a raw script body (text/plain) to execute directly. Returns immediately; progress is observed via the status endpoint.
// @Tags generate
// @Accept json
// @Accept plain
// @Produce json
// @Success 202 {object} generateResp
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Router /api/generate [post]
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.SubmitInput

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.Contains(contentType, "application/json") {
		var dto generateDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
		in.Prompt = dto.Text
	} else {
		// Any other content type is treated as a raw script body.
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "failed to read body")
			return
		}
		in.Script = string(raw)
	}

	id, err := h.svc.Submit(r.Context(), in)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrBusy):
		writeErr(w, http.StatusConflict, err.Error())
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, generateResp{JobID: id.String()})
	}
}

// Status godoc
// @Summary Get generation status
// @Description Without an id, reports the most recent job.
// @Tags generate
// @Produce json
// @Param id path string false "job id (uuid)"
// @Success 200 {object} statusResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/generate/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	var id *uuid.UUID
	if idStr := chi.URLParam(r, "id"); idStr != "" {
		parsed, err := uuid.Parse(idStr)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid id")
			return
		}
		id = &parsed
	}

	job, err := h.svc.Status(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no generation job found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toStatusResp(job))
}

// CancelJob godoc
// @Summary Cancel a running generation
// @Description Best-effort: the worker may keep running, and new submissions are rejected until it resolves.
// @Tags generate
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 202 {object} statusResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/generate/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.svc.Cancel(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := h.svc.Status(&id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toStatusResp(job))
}

type previewsResp struct {
	Previews []entity.Artifact `json:"previews"`
}

// ListPreviews godoc
// @Summary List recent preview images
// @Description Most recent first, bounded by the retention cap.
// @Tags artifacts
// @Produce json
// @Success 200 {object} previewsResp
// @Router /api/previews [get]
func (h *Handler) ListPreviews(w http.ResponseWriter, _ *http.Request) {
	kind := entity.KindPreview
	previews := h.artifacts.List(&kind)
	if previews == nil {
		previews = []entity.Artifact{}
	}
	writeJSON(w, http.StatusOK, previewsResp{Previews: previews})
}

// GetPreview godoc
// @Summary Fetch a preview image by name
// @Tags artifacts
// @Param name path string true "preview file name"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /api/preview/{name} [get]
func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, false)
}

// GetModel godoc
// @Summary Download an exported model file by name
// @Tags artifacts
// @Param name path string true "model file name"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /api/model/{name} [get]
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, true)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, attachment bool) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) {
		writeErr(w, http.StatusBadRequest, "invalid name")
		return
	}

	data, err := h.artifacts.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if attachment {
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// LatestScript godoc
// @Summary Return the last resolved script
// @Description The script from the most recent dispatch, for inspection or re-submission.
// @Tags artifacts
// @Produce plain
// @Success 200 {string} string
// @Failure 404 {object} apiError
// @Router /api/script/latest [get]
func (h *Handler) LatestScript(w http.ResponseWriter, r *http.Request) {
	data, err := h.artifacts.Get(r.Context(), orchestrator.LatestScriptName)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no script generated yet")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Ping godoc
// @Summary Health-check the modeling-engine worker
// @Tags generate
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 502 {object} apiError
// @Router /api/ping [get]
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PingWorker(r.Context()); err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "blender": "pong"})
}
