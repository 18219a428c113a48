package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/job"
	"github.com/maauso/clipchain-api/internal/storage"
)

// JobService is the part of job.Service the handlers use.
type JobService interface {
	Providers() []string
	Start(ctx context.Context, in job.GenerateInput) (job.Accepted, error)
	StartChain(ctx context.Context, in job.ChainInput) (job.Accepted, error)
	CancelChain(chainID string) error
	CancelJob(jobID string) error
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, chainID string) ([]*job.Job, error)
	Subscribe(ctx context.Context, jobID string) (<-chan job.Event, func(), error)
	ClearCache(ctx context.Context) int
}

// ArtifactReader opens stored artifacts.
type ArtifactReader interface {
	Read(ctx context.Context, path string) (io.ReadCloser, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   JobService
	artifacts ArtifactReader
	validator *validator.Validate
	logger    *slog.Logger
	heartbeat time.Duration
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithArtifacts enables GET /jobs/{id}/video.
func WithArtifacts(r ArtifactReader) HandlerOption {
	return func(h *Handlers) {
		h.artifacts = r
	}
}

// WithHeartbeat sets the interval of keep-alive comments on event streams.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service JobService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Providers: h.service.Providers()})
}

// CreateGeneration handles POST /generations requests. A request longer
// than one provider clip runs as a chain.
func (h *Handlers) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req CreateGenerationRequest
	if !h.decode(w, r, &req) {
		return
	}
	domainReq, err := req.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	accepted, err := h.service.Start(r.Context(), job.GenerateInput{Provider: req.Provider, Request: domainReq})
	if err != nil {
		h.writeServiceError(w, "failed to start generation", err)
		return
	}

	resp := toAccepted(accepted)
	h.logger.Info("generation accepted",
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("job_id", resp.JobID),
		slog.String("chain_id", resp.ChainID),
		slog.String("provider", req.Provider),
		slog.Int("duration_seconds", req.DurationSeconds),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

// CreateChain handles POST /chains requests.
func (h *Handlers) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req CreateChainRequest
	if !h.decode(w, r, &req) {
		return
	}

	segments := make([]generator.Request, 0, len(req.Segments))
	for i, seg := range req.Segments {
		domainReq, err := seg.toRequest()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("segments[%d].%s", i, err), "VALIDATION_ERROR")
			return
		}
		segments = append(segments, domainReq)
	}
	continuity := req.Continuity == nil || *req.Continuity

	accepted, err := h.service.StartChain(r.Context(), job.ChainInput{
		Provider:   req.Provider,
		Continuity: continuity,
		Segments:   segments,
	})
	if err != nil {
		h.writeServiceError(w, "failed to start chain", err)
		return
	}

	resp := toAccepted(accepted)
	h.logger.Info("chain accepted",
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("chain_id", resp.ChainID),
		slog.Int("segments", len(req.Segments)),
		slog.Int("jobs", len(resp.JobIDs)),
		slog.Bool("continuity", continuity),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

// CancelChain handles DELETE /chains/{id} requests.
func (h *Handlers) CancelChain(w http.ResponseWriter, r *http.Request) {
	chainID := r.PathValue("id")
	if err := h.service.CancelChain(chainID); err != nil {
		if errors.Is(err, job.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "chain is not running", "NOT_RUNNING")
			return
		}
		h.writeServiceError(w, "failed to cancel chain", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CancelJob handles DELETE /jobs/{id} requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.service.CancelJob(jobID); err != nil {
		if errors.Is(err, job.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "job is not running", "NOT_RUNNING")
			return
		}
		h.writeServiceError(w, "failed to cancel job", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ClearCache handles DELETE /cache requests.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CacheClearResponse{Removed: h.service.ClearCache(r.Context())})
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	foundJob, ok := h.findJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(foundJob))
}

// ListJobs handles GET /jobs requests, optionally filtered by ?chain_id=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context(), r.URL.Query().Get("chain_id"))
	if err != nil {
		h.writeServiceError(w, "failed to list jobs", err)
		return
	}
	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetVideo handles GET /jobs/{id}/video requests by streaming the artifact.
func (h *Handlers) GetVideo(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		writeError(w, http.StatusNotImplemented, "artifact download is disabled", "NOT_IMPLEMENTED")
		return
	}
	foundJob, ok := h.findJob(w, r)
	if !ok {
		return
	}
	if foundJob.Status != job.StatusSucceeded || foundJob.ArtifactPath == "" {
		writeError(w, http.StatusConflict, "job has no video yet", "NOT_READY")
		return
	}

	rc, err := h.artifacts.Read(r.Context(), foundJob.ArtifactPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusGone, "video is no longer stored", "ARTIFACT_GONE")
			return
		}
		h.logger.Error("failed to open artifact",
			slog.String("job_id", foundJob.ID),
			slog.String("path", foundJob.ArtifactPath),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read video", "ARTIFACT_READ_FAILED")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "video/mp4")
	if foundJob.ArtifactSize > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(foundJob.ArtifactSize))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("video stream interrupted",
			slog.String("job_id", foundJob.ID),
			slog.String("error", err.Error()),
		)
	}
}

// StreamEvents handles GET /jobs/{id}/events as a server-sent event stream.
// The stream ends after the terminal event.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "STREAMING_UNSUPPORTED")
		return
	}

	jobID := r.PathValue("id")
	events, release, err := h.service.Subscribe(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.writeServiceError(w, "failed to subscribe", err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) findJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return nil, false
	}

	foundJob, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return nil, false
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return nil, false
	}
	return foundJob, true
}

// decode reads and validates a JSON body, writing the error response itself.
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

func (h *Handlers) writeServiceError(w http.ResponseWriter, msg string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
	} else {
		h.logger.Warn(msg, slog.String("error", err.Error()))
	}
	p := generr.ToPublic(err)
	writeJSON(w, status, ErrorResponse{
		Error:     p.Message,
		Code:      p.Code,
		Hint:      p.Hint,
		Retryable: p.Retryable,
		Provider:  p.Provider,
	})
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch generr.KindOf(err) {
	case generr.KindInvalidRequest:
		return http.StatusBadRequest
	case generr.KindPermanent:
		return http.StatusUnprocessableEntity
	case generr.KindRateLimited:
		return http.StatusTooManyRequests
	case generr.KindCancelled:
		return http.StatusConflict
	case generr.KindTimeout:
		return http.StatusGatewayTimeout
	case generr.KindAuth, generr.KindTransient, generr.KindUnexpectedEnvelope,
		generr.KindUnknownState, generr.KindFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
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

// Compile-time check that job.Service satisfies JobService.
var _ JobService = (*job.Service)(nil)
