package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/kling"
)

// ErrMissingVideoURL is returned when a provider reports success without a
// video address.
var ErrMissingVideoURL = errors.New("generator: succeeded without video URL")

// klingModel is the model and mode Kling uses for a tier.
type klingModel struct {
	name string
	mode kling.Mode
}

// klingTiers is the Kling model table.
var klingTiers = map[QualityTier]klingModel{
	TierEconomy: {name: "kling-v1", mode: kling.ModeStandard},
	TierBasic:   {name: "kling-v1-6", mode: kling.ModeStandard},
	TierPro:     {name: "kling-v2-1", mode: kling.ModeProfessional},
	TierPremium: {name: "kling-v2-master", mode: kling.ModeProfessional},
}

// KlingAdapter adapts the Kling client to the Adapter interface.
type KlingAdapter struct {
	client kling.Client
	policy DurationPolicy
	now    func() time.Time
}

// KlingOption configures a KlingAdapter.
type KlingOption func(*KlingAdapter)

// WithKlingDurationPolicy overrides the default 5s/10s round-up policy.
func WithKlingDurationPolicy(p DurationPolicy) KlingOption {
	return func(a *KlingAdapter) {
		a.policy = p
	}
}

// WithKlingClock sets the clock used for SubmittedAt.
func WithKlingClock(now func() time.Time) KlingOption {
	return func(a *KlingAdapter) {
		a.now = now
	}
}

// NewKlingAdapter creates a new Kling generator adapter.
func NewKlingAdapter(client kling.Client, opts ...KlingOption) *KlingAdapter {
	a := &KlingAdapter{
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
func (a *KlingAdapter) Name() string { return kling.ProviderName }

// DurationPolicy returns the accepted durations.
func (a *KlingAdapter) DurationPolicy() DurationPolicy { return a.policy }

// Submit sends a text2video or image2video task to Kling.
func (a *KlingAdapter) Submit(ctx context.Context, req Request) (Handle, error) {
	req = req.Normalized()
	model, ok := klingTiers[req.Tier]
	if !ok {
		return Handle{}, generr.New(generr.KindInvalidRequest, kling.ProviderName, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	submitted, err := a.policy.Normalize(req.DurationSeconds)
	if err != nil {
		return Handle{}, err
	}

	kreq := kling.GenerationRequest{
		ModelName:      model.name,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Mode:           model.mode,
		Duration:       strconv.Itoa(submitted),
	}
	if len(req.SeedImage) > 0 {
		kreq.Image = base64.StdEncoding.EncodeToString(req.SeedImage)
	}
	if len(req.SeedTailImage) > 0 {
		kreq.ImageTail = base64.StdEncoding.EncodeToString(req.SeedTailImage)
	}
	if req.CameraHint != "" {
		if cc, ok := kling.CameraFor(req.CameraHint); ok {
			kreq.CameraControl = cc
		} else {
			kreq.Prompt = appendHint(kreq.Prompt, req.CameraHint)
		}
	}

	task, err := a.client.Submit(ctx, kreq)
	if err != nil {
		return Handle{}, fmt.Errorf("kling adapter submit: %w", err)
	}

	return Handle{
		ProviderTaskID:    task.ID,
		Provider:          kling.ProviderName,
		SubmittedAt:       a.now(),
		StatusURL:         task.StatusURL,
		RequestedDuration: req.DurationSeconds,
		SubmittedDuration: submitted,
	}, nil
}

// CheckStatus queries Kling once and normalizes the task status.
func (a *KlingAdapter) CheckStatus(ctx context.Context, h Handle) (TaskStatus, error) {
	task, err := a.client.Status(ctx, h.StatusURL)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("kling adapter status: %w", err)
	}

	status := TaskStatus{Raw: string(task.Status)}
	switch task.Status {
	case kling.StatusSubmitted:
		status.State = StatePending
	case kling.StatusProcessing:
		status.State = StateProcessing
	case kling.StatusSucceed:
		if task.VideoURL == "" {
			return TaskStatus{}, generr.Wrap(generr.KindUnexpectedEnvelope, kling.ProviderName, ErrMissingVideoURL)
		}
		status.State = StateSucceeded
		status.VideoURL = task.VideoURL
	case kling.StatusFailed:
		status.State = StateFailed
		status.Reason = task.StatusMessage
	default:
		status.State = StateUnknown
	}
	return status, nil
}

// appendHint folds a camera hint the provider cannot express natively into
// the prompt.
func appendHint(prompt, hint string) string {
	hint = strings.ReplaceAll(strings.TrimSpace(hint), "_", " ")
	if prompt == "" {
		return "Camera: " + hint + "."
	}
	return strings.TrimRight(prompt, " ") + " Camera: " + hint + "."
}

// Compile-time check that KlingAdapter implements Adapter.
var _ Adapter = (*KlingAdapter)(nil)
