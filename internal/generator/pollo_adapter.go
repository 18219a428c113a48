package generator

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/pollo"
)

// polloTiers is the Pollo model table.
var polloTiers = map[QualityTier]pollo.Model{
	TierEconomy: {Brand: "pollo", Name: "pollo-v1-6"},
	TierBasic:   {Brand: "pixverse", Name: "pixverse-v4-5"},
	TierPro:     {Brand: "kling-ai", Name: "kling-v2-1"},
	TierPremium: {Brand: "google", Name: "veo3"},
}

// PolloAdapter adapts the Pollo client to the Adapter interface.
type PolloAdapter struct {
	client     pollo.Client
	policy     DurationPolicy
	resolution string
	now        func() time.Time
}

// PolloOption configures a PolloAdapter.
type PolloOption func(*PolloAdapter)

// WithPolloDurationPolicy overrides the default 5s/10s round-up policy.
func WithPolloDurationPolicy(p DurationPolicy) PolloOption {
	return func(a *PolloAdapter) {
		a.policy = p
	}
}

// WithPolloResolution sets the requested output resolution, e.g. "720p".
func WithPolloResolution(r string) PolloOption {
	return func(a *PolloAdapter) {
		a.resolution = r
	}
}

// WithPolloClock sets the clock used for SubmittedAt.
func WithPolloClock(now func() time.Time) PolloOption {
	return func(a *PolloAdapter) {
		a.now = now
	}
}

// NewPolloAdapter creates a new Pollo generator adapter.
func NewPolloAdapter(client pollo.Client, opts ...PolloOption) *PolloAdapter {
	a := &PolloAdapter{
		client: client,
		policy: DurationPolicy{Valid: []int{5, 10}, Mode: DurationRoundUp},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider name.
func (a *PolloAdapter) Name() string { return pollo.ProviderName }

// DurationPolicy returns the accepted durations.
func (a *PolloAdapter) DurationPolicy() DurationPolicy { return a.policy }

// Submit sends a generation task to Pollo.
func (a *PolloAdapter) Submit(ctx context.Context, req Request) (Handle, error) {
	req = req.Normalized()
	model, ok := polloTiers[req.Tier]
	if !ok {
		return Handle{}, generr.New(generr.KindInvalidRequest, pollo.ProviderName, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	submitted, err := a.policy.Normalize(req.DurationSeconds)
	if err != nil {
		return Handle{}, err
	}

	input := pollo.Input{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Length:         submitted,
		Resolution:     a.resolution,
		Image:          dataURI(req.SeedImage),
		ImageTail:      dataURI(req.SeedTailImage),
	}
	if req.CameraHint != "" {
		input.Prompt = appendHint(input.Prompt, req.CameraHint)
	}

	task, err := a.client.Submit(ctx, model, input)
	if err != nil {
		return Handle{}, fmt.Errorf("pollo adapter submit: %w", err)
	}

	return Handle{
		ProviderTaskID:    task.ID,
		Provider:          pollo.ProviderName,
		SubmittedAt:       a.now(),
		StatusURL:         task.StatusURL,
		RequestedDuration: req.DurationSeconds,
		SubmittedDuration: submitted,
	}, nil
}

// CheckStatus queries Pollo once and normalizes the task status.
func (a *PolloAdapter) CheckStatus(ctx context.Context, h Handle) (TaskStatus, error) {
	task, err := a.client.Status(ctx, h.StatusURL)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("pollo adapter status: %w", err)
	}

	status := TaskStatus{Raw: string(task.Status)}
	switch task.Status {
	case pollo.StatusWaiting:
		status.State = StatePending
	case pollo.StatusProcessing:
		status.State = StateProcessing
	case pollo.StatusSucceed:
		if task.VideoURL == "" {
			return TaskStatus{}, generr.Wrap(generr.KindUnexpectedEnvelope, pollo.ProviderName, ErrMissingVideoURL)
		}
		status.State = StateSucceeded
		status.VideoURL = task.VideoURL
	case pollo.StatusFailed:
		status.State = StateFailed
		status.Reason = task.StatusMessage
	default:
		status.State = StateUnknown
	}
	return status, nil
}

// dataURI encodes image bytes as a data URI, sniffing the content type.
func dataURI(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "data:" + http.DetectContentType(b) + ";base64," + base64.StdEncoding.EncodeToString(b)
}

// Compile-time check that PolloAdapter implements Adapter.
var _ Adapter = (*PolloAdapter)(nil)
