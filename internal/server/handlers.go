package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/livephoto-api/internal/job"
	"github.com/maauso/livephoto-api/internal/library"
)

// JobService is the application port used by the handlers.
type JobService interface {
	SubmitConversion(ctx context.Context, in job.ConversionInput) (*job.Job, error)
	SubmitLivePhoto(ctx context.Context, in job.LivePhotoInput) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context) ([]*job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)
	GetAsset(ctx context.Context, id string) (*library.Asset, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   JobService
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service JobService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateConversion handles POST /conversions.
func (h *Handlers) CreateConversion(w http.ResponseWriter, r *http.Request) {
	var req CreateConversionRequest
	if !h.decode(w, r, &req) {
		return
	}

	j, err := h.service.SubmitConversion(r.Context(), job.ConversionInput{
		SourcePath:     req.SourcePath,
		OutputPath:     req.OutputPath,
		Identifier:     req.Identifier,
		Overwrite:      req.Overwrite,
		StillImageTime: time.Duration(req.StillImageTimeMs) * time.Millisecond,
	})
	if err != nil {
		h.submitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

// CreateLivePhoto handles POST /live-photos.
func (h *Handlers) CreateLivePhoto(w http.ResponseWriter, r *http.Request) {
	var req CreateLivePhotoRequest
	if !h.decode(w, r, &req) {
		return
	}

	j, err := h.service.SubmitLivePhoto(r.Context(), job.LivePhotoInput{
		PhotoPath: req.PhotoPath,
		VideoPath: req.VideoPath,
	})
	if err != nil {
		h.submitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

// ListJobs handles GET /jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_FETCH_FAILED")
		return
	}
	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	j, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.jobError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

// CancelJob handles DELETE /jobs/{id}.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	j, err := h.service.CancelJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobFinished) {
			writeError(w, http.StatusConflict, "job already finished", "JOB_FINISHED")
			return
		}
		h.jobError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

// GetAsset handles GET /assets/{id}.
func (h *Handlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "id")

	asset, err := h.service.GetAsset(r.Context(), assetID)
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			writeError(w, http.StatusNotFound, "asset not found", "ASSET_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get asset",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get asset", "ASSET_FETCH_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, AssetResponse{
		ID:         asset.ID,
		Identifier: asset.Identifier,
		CreatedAt:  asset.CreatedAt,
		Resources:  asset.Resources,
	})
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

func (h *Handlers) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, job.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down", "SHUTTING_DOWN")
	default:
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
	}
}

func (h *Handlers) jobError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, job.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	h.logger.Error("failed to get job",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		Kind:      string(j.Kind),
		Status:    string(j.Status),
		Stage:     string(j.Stage),
		Error:     j.Error,
		ErrorCode: string(j.ErrorKind),
		CreatedAt: j.CreatedAt,
	}
	switch j.Kind {
	case job.KindConversion:
		resp.Identifier = j.Conversion.Identifier
		if j.Status == job.StatusCompleted {
			resp.OutputPath = j.Result
		}
	case job.KindLivePhoto:
		if j.Status == job.StatusCompleted {
			resp.AssetID = j.Result
		}
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		resp.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
