package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/job"
	"github.com/maauso/clipchain-api/internal/storage"
)

// mockService implements JobService for testing.
type mockService struct {
	mock.Mock
}

func (m *mockService) Providers() []string {
	return m.Called().Get(0).([]string)
}

func (m *mockService) Start(ctx context.Context, in job.GenerateInput) (job.Accepted, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(job.Accepted), args.Error(1)
}

func (m *mockService) StartChain(ctx context.Context, in job.ChainInput) (job.Accepted, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(job.Accepted), args.Error(1)
}

func (m *mockService) CancelChain(chainID string) error {
	return m.Called(chainID).Error(0)
}

func (m *mockService) CancelJob(jobID string) error {
	return m.Called(jobID).Error(0)
}

func (m *mockService) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *mockService) ListJobs(ctx context.Context, chainID string) ([]*job.Job, error) {
	args := m.Called(ctx, chainID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*job.Job), args.Error(1)
}

func (m *mockService) Subscribe(ctx context.Context, jobID string) (<-chan job.Event, func(), error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(<-chan job.Event), args.Get(1).(func()), args.Error(2)
}

func (m *mockService) ClearCache(ctx context.Context) int {
	return m.Called(ctx).Int(0)
}

// mockArtifacts implements ArtifactReader for testing.
type mockArtifacts struct {
	mock.Mock
}

func (m *mockArtifacts) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func newTestRouter(t *testing.T, opts ...HandlerOption) (http.Handler, *mockService) {
	t.Helper()
	svc := &mockService{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandlers(svc, logger, opts...)
	return NewRouter(h, logger, DefaultConfig()), svc
}

func pendingJob(id string) *job.Job {
	return job.NewWithID(id, "kling", generator.TierPro)
}

func succeededJob(t *testing.T, id, path string, size int64) *job.Job {
	t.Helper()
	j := pendingJob(id)
	require.NoError(t, j.Succeed(path, size, false))
	return j
}

func validSegment() SegmentRequest {
	return SegmentRequest{Prompt: "a lighthouse at dusk", DurationSeconds: 7, QualityTier: "pro"}
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("Providers").Return([]string{"kling", "pollo"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"kling", "pollo"}, resp.Providers)
}

func TestCreateGeneration_Success(t *testing.T) {
	router, svc := newTestRouter(t)

	seed := []byte("seed-bytes")
	j := pendingJob("job-1")
	svc.On("Start", mock.Anything, mock.MatchedBy(func(in job.GenerateInput) bool {
		return in.Provider == "pollo" &&
			in.Request.Prompt == "a lighthouse at dusk" &&
			in.Request.DurationSeconds == 7 &&
			in.Request.Tier == generator.TierPro &&
			bytes.Equal(in.Request.SeedImage, seed) &&
			in.Request.CameraHint == "zoom_in"
	})).Return(job.Accepted{Jobs: []*job.Job{j}}, nil)

	seg := validSegment()
	seg.SeedImageBase64 = base64.StdEncoding.EncodeToString(seed)
	seg.CameraHint = "zoom_in"
	rec := postJSON(t, router, "/generations", CreateGenerationRequest{Provider: "pollo", SegmentRequest: seg})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, []string{"job-1"}, resp.JobIDs)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Empty(t, resp.ChainID)
	svc.AssertExpectations(t)
}

func TestCreateGeneration_SplitIntoChain(t *testing.T) {
	router, svc := newTestRouter(t)

	svc.On("Start", mock.Anything, mock.Anything).Return(job.Accepted{
		ChainID: "chain-1",
		Jobs:    []*job.Job{pendingJob("job-a"), pendingJob("job-b")},
	}, nil)

	rec := postJSON(t, router, "/generations", CreateGenerationRequest{SegmentRequest: validSegment()})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "chain-1", resp.ChainID)
	assert.Equal(t, []string{"job-a", "job-b"}, resp.JobIDs)
}

func TestCreateGeneration_InvalidJSON(t *testing.T) {
	router, svc := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/generations", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INVALID_JSON", resp.Code)
	svc.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestCreateGeneration_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SegmentRequest)
	}{
		{"missing prompt", func(s *SegmentRequest) { s.Prompt = "" }},
		{"zero duration", func(s *SegmentRequest) { s.DurationSeconds = 0 }},
		{"unknown tier", func(s *SegmentRequest) { s.QualityTier = "ultra" }},
		{"bad base64 seed", func(s *SegmentRequest) { s.SeedImageBase64 = "%%%" }},
		{"prompt too long", func(s *SegmentRequest) { s.Prompt = strings.Repeat("x", 2501) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, svc := newTestRouter(t)
			seg := validSegment()
			tt.mutate(&seg)

			rec := postJSON(t, router, "/generations", CreateGenerationRequest{SegmentRequest: seg})

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "VALIDATION_ERROR", resp.Code)
			svc.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateGeneration_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{"invalid request", generr.New(generr.KindInvalidRequest, "kling", "duration 40s exceeds 10s"), http.StatusBadRequest, "INVALID_REQUEST", false},
		{"billing refused", &generr.Error{Kind: generr.KindPermanent, Message: "not authorized", Hint: "top up"}, http.StatusUnprocessableEntity, "PERMANENT", false},
		{"rate limited", generr.New(generr.KindRateLimited, "pollo", "slow down"), http.StatusTooManyRequests, "RATE_LIMITED", true},
		{"internal", assert.AnError, http.StatusInternalServerError, "INTERNAL", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, svc := newTestRouter(t)
			svc.On("Start", mock.Anything, mock.Anything).Return(job.Accepted{}, tt.err)

			rec := postJSON(t, router, "/generations", CreateGenerationRequest{SegmentRequest: validSegment()})

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.retryable, resp.Retryable)
		})
	}
}

func TestCreateGeneration_BillingHintExposed(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("Start", mock.Anything, mock.Anything).Return(job.Accepted{},
		&generr.Error{Kind: generr.KindPermanent, Message: "not authorized", Hint: "top up"})

	rec := postJSON(t, router, "/generations", CreateGenerationRequest{SegmentRequest: validSegment()})

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "top up", resp.Hint)
	assert.Equal(t, "not authorized", resp.Error)
}

func TestCreateChain_DefaultsToContinuity(t *testing.T) {
	router, svc := newTestRouter(t)

	svc.On("StartChain", mock.Anything, mock.MatchedBy(func(in job.ChainInput) bool {
		return in.Continuity && in.Provider == "kling" && len(in.Segments) == 2 &&
			in.Segments[1].Prompt == "second"
	})).Return(job.Accepted{ChainID: "chain-9", Jobs: []*job.Job{pendingJob("j1"), pendingJob("j2")}}, nil)

	second := validSegment()
	second.Prompt = "second"
	rec := postJSON(t, router, "/chains", CreateChainRequest{
		Provider: "kling",
		Segments: []SegmentRequest{validSegment(), second},
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "chain-9", resp.ChainID)
	assert.Equal(t, []string{"j1", "j2"}, resp.JobIDs)
	svc.AssertExpectations(t)
}

func TestCreateChain_ContinuityDisabled(t *testing.T) {
	router, svc := newTestRouter(t)

	svc.On("StartChain", mock.Anything, mock.MatchedBy(func(in job.ChainInput) bool {
		return !in.Continuity
	})).Return(job.Accepted{ChainID: "chain-1", Jobs: []*job.Job{pendingJob("j1")}}, nil)

	off := false
	rec := postJSON(t, router, "/chains", CreateChainRequest{Continuity: &off, Segments: []SegmentRequest{validSegment()}})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.AssertExpectations(t)
}

func TestCreateChain_Validation(t *testing.T) {
	router, svc := newTestRouter(t)

	rec := postJSON(t, router, "/chains", CreateChainRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := validSegment()
	bad.QualityTier = ""
	rec = postJSON(t, router, "/chains", CreateChainRequest{Segments: []SegmentRequest{validSegment(), bad}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertNotCalled(t, "StartChain", mock.Anything, mock.Anything)
}

func TestCancelChain(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("CancelChain", "chain-1").Return(nil)
	svc.On("CancelChain", "chain-2").Return(job.ErrNotRunning)

	req := httptest.NewRequest(http.MethodDelete, "/chains/chain-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/chains/chain-2", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("CancelJob", "job-1").Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.AssertExpectations(t)
}

func TestClearCache(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("ClearCache", mock.Anything).Return(3)

	req := httptest.NewRequest(http.MethodDelete, "/cache", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp CacheClearResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Removed)
	svc.AssertExpectations(t)
}

func TestGetJob_Success(t *testing.T) {
	router, svc := newTestRouter(t)
	j := succeededJob(t, "job-1", "/data/abc.mp4", 1024)
	svc.On("GetJob", mock.Anything, "job-1").Return(j, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.ID)
	assert.Equal(t, "SUCCEEDED", resp.Status)
	assert.Equal(t, "/data/abc.mp4", resp.ArtifactPath)
	assert.Equal(t, int64(1024), resp.ArtifactSize)
	assert.NotNil(t, resp.CompletedAt)
	assert.Nil(t, resp.Error)
}

func TestGetJob_FailedCarriesPublicError(t *testing.T) {
	router, svc := newTestRouter(t)
	j := pendingJob("job-1")
	require.NoError(t, j.Finish(generr.New(generr.KindAuth, "kling", "token rejected")))
	svc.On("GetJob", mock.Anything, "job-1").Return(j, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "FAILED", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTH", resp.Error.Code)
	assert.Equal(t, "kling", resp.Error.Provider)
}

func TestGetJob_NotFound(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("GetJob", mock.Anything, "nope").Return(nil, job.ErrJobNotFound)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "JOB_NOT_FOUND", resp.Code)
}

func TestListJobs_ByChain(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("ListJobs", mock.Anything, "chain-1").Return([]*job.Job{pendingJob("a"), pendingJob("b")}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs?chain_id=chain-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp JobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "a", resp.Jobs[0].ID)
}

func TestGetVideo(t *testing.T) {
	artifacts := &mockArtifacts{}
	router, svc := newTestRouter(t, WithArtifacts(artifacts))

	svc.On("GetJob", mock.Anything, "done").Return(succeededJob(t, "done", "/data/v.mp4", 5), nil)
	svc.On("GetJob", mock.Anything, "gone").Return(succeededJob(t, "gone", "/data/g.mp4", 5), nil)
	svc.On("GetJob", mock.Anything, "busy").Return(pendingJob("busy"), nil)
	artifacts.On("Read", mock.Anything, "/data/v.mp4").Return(io.NopCloser(strings.NewReader("video")), nil)
	artifacts.On("Read", mock.Anything, "/data/g.mp4").Return(nil, storage.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/jobs/done/video", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "video", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/jobs/gone/video", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGone, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/busy/video", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetVideo_Disabled(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/x/video", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	router, svc := newTestRouter(t, WithHeartbeat(time.Hour))

	events := make(chan job.Event, 2)
	events <- job.Event{JobID: "job-1", Status: job.StatusProcessing}
	events <- job.Event{JobID: "job-1", Status: job.StatusSucceeded, ArtifactPath: "/data/x.mp4"}
	close(events)
	released := false
	svc.On("Subscribe", mock.Anything, "job-1").
		Return((<-chan job.Event)(events), func() { released = true }, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: status\n"))
	assert.Contains(t, body, `"status":"PROCESSING"`)
	assert.Contains(t, body, `"status":"SUCCEEDED"`)
	assert.True(t, released)
}

func TestStreamEvents_NotFound(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.On("Subscribe", mock.Anything, "nope").Return(nil, nil, job.ErrJobNotFound)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nope/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/generations", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestLoggingMiddleware_LogsRouteAndResource(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := &mockService{}
	svc.On("GetJob", mock.Anything, "job-1").Return(pendingJob("job-1"), nil)
	router := NewRouter(NewHandlers(svc, logger), logger, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "http request", line["msg"])
	assert.Equal(t, "req-7", line["request_id"])
	assert.Equal(t, "GET /jobs/{id}", line["route"])
	assert.Equal(t, "job-1", line["resource_id"])
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	rw.Flush()
	assert.True(t, rec.Flushed)
}
