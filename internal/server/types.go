// Package server provides the HTTP API of the generation orchestrator.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/job"
)

// SegmentRequest describes one clip.
type SegmentRequest struct {
	// Prompt is the text description of the clip.
	Prompt string `json:"prompt" validate:"required,max=2500"`
	// DurationSeconds is the requested clip length before normalization.
	DurationSeconds int `json:"duration_seconds" validate:"required,min=1,max=300"`
	// QualityTier selects the provider model class.
	QualityTier string `json:"quality_tier" validate:"required,oneof=economy basic pro premium"`
	// SeedImageBase64 is an optional base64-encoded first frame.
	SeedImageBase64 string `json:"seed_image_base64,omitempty" validate:"omitempty,base64"`
	// SeedTailImageBase64 is an optional base64-encoded last frame.
	SeedTailImageBase64 string `json:"seed_tail_image_base64,omitempty" validate:"omitempty,base64"`
	NegativePrompt      string `json:"negative_prompt,omitempty" validate:"max=2500"`
	// CameraHint is a provider-neutral camera move such as "zoom_in".
	CameraHint string `json:"camera_hint,omitempty" validate:"max=64"`
}

// CreateGenerationRequest is the HTTP request body for a single generation.
type CreateGenerationRequest struct {
	// Provider selects the provider; empty means the default one.
	Provider string `json:"provider,omitempty" validate:"max=32"`
	SegmentRequest
}

// CreateChainRequest is the HTTP request body for a chain of clips.
type CreateChainRequest struct {
	Provider string `json:"provider,omitempty" validate:"max=32"`
	// Continuity seeds every clip with the closing frame of the previous
	// one. Defaults to true.
	Continuity *bool            `json:"continuity,omitempty"`
	Segments   []SegmentRequest `json:"segments" validate:"required,min=1,max=32,dive"`
}

// AcceptedResponse is returned when work was started.
type AcceptedResponse struct {
	// JobID is the first job; for single generations the only one.
	JobID string `json:"job_id"`
	// ChainID is set when the work runs as a chain.
	ChainID string `json:"chain_id,omitempty"`
	// JobIDs lists every job in chain order.
	JobIDs []string `json:"job_ids"`
	Status string   `json:"status"`
}

// JobResponse is the HTTP response for job details.
type JobResponse struct {
	ID                string          `json:"id"`
	ChainID           string          `json:"chain_id,omitempty"`
	Index             int             `json:"index"`
	Provider          string          `json:"provider"`
	QualityTier       string          `json:"quality_tier,omitempty"`
	Status            string          `json:"status"`
	ProviderState     string          `json:"provider_state,omitempty"`
	ProviderTaskID    string          `json:"provider_task_id,omitempty"`
	Fingerprint       string          `json:"fingerprint,omitempty"`
	RequestedDuration int             `json:"requested_duration"`
	SubmittedDuration int             `json:"submitted_duration"`
	VideoSeconds      float64         `json:"video_seconds,omitempty"`
	ArtifactPath      string          `json:"artifact_path,omitempty"`
	ArtifactSize      int64           `json:"artifact_size,omitempty"`
	Cached            bool            `json:"cached"`
	Seeded            bool            `json:"seeded"`
	Resumed           bool            `json:"resumed,omitempty"`
	Error             *generr.Public  `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// JobListResponse wraps a list of jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// CacheClearResponse reports how many cached artifacts were removed.
type CacheClearResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code      string `json:"code"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

// toRequest converts the DTO into a domain request.
func (s SegmentRequest) toRequest() (generator.Request, error) {
	seed, err := decodeImage(s.SeedImageBase64)
	if err != nil {
		return generator.Request{}, fmt.Errorf("seed_image_base64: %w", err)
	}
	tail, err := decodeImage(s.SeedTailImageBase64)
	if err != nil {
		return generator.Request{}, fmt.Errorf("seed_tail_image_base64: %w", err)
	}
	return generator.Request{
		Prompt:          s.Prompt,
		DurationSeconds: s.DurationSeconds,
		Tier:            generator.QualityTier(s.QualityTier),
		SeedImage:       seed,
		SeedTailImage:   tail,
		NegativePrompt:  s.NegativePrompt,
		CameraHint:      s.CameraHint,
	}, nil
}

func decodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:                j.ID,
		ChainID:           j.ChainID,
		Index:             j.Index,
		Provider:          j.Provider,
		QualityTier:       string(j.Tier),
		Status:            string(j.Status),
		ProviderState:     string(j.ProviderState),
		ProviderTaskID:    j.ProviderTaskID,
		Fingerprint:       j.Fingerprint.String(),
		RequestedDuration: j.RequestedDuration,
		SubmittedDuration: j.SubmittedDuration,
		VideoSeconds:      j.VideoSeconds,
		ArtifactPath:      j.ArtifactPath,
		ArtifactSize:      j.ArtifactSize,
		Cached:            j.Cached,
		Seeded:            j.Seeded,
		Resumed:           j.Resumed,
		Error:             j.Error,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

func toAccepted(a job.Accepted) AcceptedResponse {
	resp := AcceptedResponse{ChainID: a.ChainID, JobIDs: make([]string, 0, len(a.Jobs))}
	for _, j := range a.Jobs {
		resp.JobIDs = append(resp.JobIDs, j.ID)
	}
	if len(a.Jobs) > 0 {
		resp.JobID = a.Jobs[0].ID
		resp.Status = string(a.Jobs[0].Status)
	}
	return resp
}
