// Package server provides the HTTP surface of the Live Photo API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/livephoto-api/internal/library"
)

// CreateConversionRequest is the body of POST /conversions.
type CreateConversionRequest struct {
	// SourcePath is the video to convert. It is never modified.
	SourcePath string `json:"source_path" validate:"required"`
	// OutputPath is where the Live Photo movie is written.
	OutputPath string `json:"output_path" validate:"required,nefield=SourcePath"`
	// Identifier is the content identifier; generated when omitted.
	Identifier string `json:"identifier,omitempty" validate:"omitempty,max=128,printascii"`
	// Overwrite allows replacing an existing file at OutputPath.
	Overwrite bool `json:"overwrite"`
	// StillImageTimeMs is the still image position in milliseconds.
	StillImageTimeMs int64 `json:"still_image_time_ms" validate:"gte=0"`
}

// CreateLivePhotoRequest is the body of POST /live-photos.
type CreateLivePhotoRequest struct {
	PhotoPath string `json:"photo_path" validate:"required"`
	VideoPath string `json:"video_path" validate:"required,nefield=PhotoPath"`
}

// JobResponse describes a job.
type JobResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	// Stage is the state of the underlying operation.
	Stage      string `json:"stage"`
	Identifier string `json:"identifier,omitempty"`
	// OutputPath is set when a conversion completes.
	OutputPath string `json:"output_path,omitempty"`
	// AssetID is set when a live photo insertion completes.
	AssetID     string     `json:"asset_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobListResponse is the body of GET /jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// AssetResponse describes a library asset.
type AssetResponse struct {
	ID         string                   `json:"id"`
	Identifier string                   `json:"identifier"`
	CreatedAt  time.Time                `json:"created_at"`
	Resources  []library.StoredResource `json:"resources"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
