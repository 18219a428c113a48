package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/kling"
	"github.com/maauso/clipchain-api/internal/pollo"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type mockKlingClient struct {
	mock.Mock
}

func (m *mockKlingClient) Submit(ctx context.Context, req kling.GenerationRequest) (kling.Task, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(kling.Task), args.Error(1)
}

func (m *mockKlingClient) Status(ctx context.Context, statusURL string) (kling.Task, error) {
	args := m.Called(ctx, statusURL)
	return args.Get(0).(kling.Task), args.Error(1)
}

type mockPolloClient struct {
	mock.Mock
}

func (m *mockPolloClient) Submit(ctx context.Context, model pollo.Model, input pollo.Input) (pollo.Task, error) {
	args := m.Called(ctx, model, input)
	return args.Get(0).(pollo.Task), args.Error(1)
}

func (m *mockPolloClient) Status(ctx context.Context, statusURL string) (pollo.Task, error) {
	args := m.Called(ctx, statusURL)
	return args.Get(0).(pollo.Task), args.Error(1)
}

func TestKlingAdapter_Submit(t *testing.T) {
	ctx := context.Background()
	client := &mockKlingClient{}
	adapter := NewKlingAdapter(client, WithKlingClock(clock))

	client.On("Submit", ctx, mock.MatchedBy(func(r kling.GenerationRequest) bool {
		return r.ModelName == "kling-v2-1" &&
			r.Mode == kling.ModeProfessional &&
			r.Duration == "10" &&
			r.Prompt == "a fox in snow" &&
			r.Image == base64.StdEncoding.EncodeToString([]byte("seed")) &&
			r.CameraControl != nil && r.CameraControl.Type == "simple"
	})).Return(kling.Task{ID: "k-1", Status: kling.StatusSubmitted, StatusURL: "https://k/v1/videos/image2video/k-1"}, nil)

	h, err := adapter.Submit(ctx, Request{
		Prompt:          "a fox in snow",
		DurationSeconds: 7,
		Tier:            TierPro,
		SeedImage:       []byte("seed"),
		CameraHint:      "zoom_in",
	})
	require.NoError(t, err)
	assert.Equal(t, Handle{
		ProviderTaskID:    "k-1",
		Provider:          "kling",
		SubmittedAt:       fixedNow,
		StatusURL:         "https://k/v1/videos/image2video/k-1",
		RequestedDuration: 7,
		SubmittedDuration: 10,
	}, h)
	client.AssertExpectations(t)
}

func TestKlingAdapter_Submit_UnmappedCameraHintGoesToPrompt(t *testing.T) {
	ctx := context.Background()
	client := &mockKlingClient{}
	adapter := NewKlingAdapter(client)

	client.On("Submit", ctx, mock.MatchedBy(func(r kling.GenerationRequest) bool {
		return r.CameraControl == nil && r.Prompt == "a fox. Camera: slow orbit."
	})).Return(kling.Task{ID: "k-2"}, nil)

	_, err := adapter.Submit(ctx, Request{Prompt: "a fox.", DurationSeconds: 5, Tier: TierEconomy, CameraHint: "slow_orbit"})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestKlingAdapter_Submit_TrimsText(t *testing.T) {
	ctx := context.Background()
	client := &mockKlingClient{}
	adapter := NewKlingAdapter(client)

	client.On("Submit", ctx, mock.MatchedBy(func(r kling.GenerationRequest) bool {
		return r.Prompt == "a fox" && r.NegativePrompt == "blur"
	})).Return(kling.Task{ID: "k-3"}, nil)

	_, err := adapter.Submit(ctx, Request{Prompt: "  a fox \n", NegativePrompt: " blur ", DurationSeconds: 5, Tier: TierBasic})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestKlingAdapter_Submit_RejectsBeforeCalling(t *testing.T) {
	client := &mockKlingClient{}
	adapter := NewKlingAdapter(client)

	_, err := adapter.Submit(context.Background(), Request{Prompt: "p", DurationSeconds: 5, Tier: "ultra"})
	assert.Equal(t, generr.KindInvalidRequest, generr.KindOf(err))

	_, err = adapter.Submit(context.Background(), Request{Prompt: "p", DurationSeconds: 11, Tier: TierBasic})
	assert.ErrorIs(t, err, ErrDurationUnsupported)

	client.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestKlingAdapter_Submit_Error(t *testing.T) {
	ctx := context.Background()
	client := &mockKlingClient{}
	adapter := NewKlingAdapter(client)

	client.On("Submit", ctx, mock.Anything).Return(kling.Task{}, generr.New(generr.KindAuth, "kling", "bad token"))

	_, err := adapter.Submit(ctx, Request{Prompt: "p", DurationSeconds: 5, Tier: TierBasic})
	require.Error(t, err)
	assert.Equal(t, generr.KindAuth, generr.KindOf(err))
}

func TestKlingAdapter_CheckStatus(t *testing.T) {
	tests := []struct {
		name   string
		task   kling.Task
		want   TaskStatus
		errKnd generr.Kind
	}{
		{"submitted", kling.Task{Status: kling.StatusSubmitted}, TaskStatus{State: StatePending, Raw: "submitted"}, ""},
		{"processing", kling.Task{Status: kling.StatusProcessing}, TaskStatus{State: StateProcessing, Raw: "processing"}, ""},
		{"succeed", kling.Task{Status: kling.StatusSucceed, VideoURL: "https://cdn/v.mp4"}, TaskStatus{State: StateSucceeded, VideoURL: "https://cdn/v.mp4", Raw: "succeed"}, ""},
		{"succeed without url", kling.Task{Status: kling.StatusSucceed}, TaskStatus{}, generr.KindUnexpectedEnvelope},
		{"failed", kling.Task{Status: kling.StatusFailed, StatusMessage: "risk control"}, TaskStatus{State: StateFailed, Reason: "risk control", Raw: "failed"}, ""},
		{"unknown", kling.Task{Status: "paused"}, TaskStatus{State: StateUnknown, Raw: "paused"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			client := &mockKlingClient{}
			client.On("Status", ctx, "https://k/status").Return(tt.task, nil)

			got, err := NewKlingAdapter(client).CheckStatus(ctx, Handle{StatusURL: "https://k/status"})
			if tt.errKnd != "" {
				assert.Equal(t, tt.errKnd, generr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKlingAdapter_CheckStatus_Error(t *testing.T) {
	ctx := context.Background()
	client := &mockKlingClient{}
	client.On("Status", ctx, mock.Anything).Return(kling.Task{}, errors.New("boom"))

	_, err := NewKlingAdapter(client).CheckStatus(ctx, Handle{StatusURL: "u"})
	assert.Error(t, err)
}

func TestPolloAdapter_Submit(t *testing.T) {
	ctx := context.Background()
	client := &mockPolloClient{}
	adapter := NewPolloAdapter(client, WithPolloClock(clock), WithPolloResolution("720p"))

	png := []byte("\x89PNG\r\n\x1a\n0000")
	client.On("Submit", ctx, pollo.Model{Brand: "google", Name: "veo3"}, mock.MatchedBy(func(in pollo.Input) bool {
		return in.Length == 5 &&
			in.Resolution == "720p" &&
			strings.HasPrefix(in.Image, "data:image/png;base64,") &&
			in.ImageTail == "" &&
			in.Prompt == "harbor at night Camera: pan left."
	})).Return(pollo.Task{ID: "p-1", StatusURL: "https://p/generation/p-1/status"}, nil)

	h, err := adapter.Submit(ctx, Request{
		Prompt:          "harbor at night",
		DurationSeconds: 3,
		Tier:            TierPremium,
		SeedImage:       png,
		CameraHint:      "pan_left",
	})
	require.NoError(t, err)
	assert.Equal(t, "p-1", h.ProviderTaskID)
	assert.Equal(t, "pollo", h.Provider)
	assert.Equal(t, fixedNow, h.SubmittedAt)
	assert.Equal(t, 3, h.RequestedDuration)
	assert.Equal(t, 5, h.SubmittedDuration)
	client.AssertExpectations(t)
}

func TestPolloAdapter_Submit_TrimsText(t *testing.T) {
	ctx := context.Background()
	client := &mockPolloClient{}
	adapter := NewPolloAdapter(client)

	client.On("Submit", ctx, mock.Anything, mock.MatchedBy(func(in pollo.Input) bool {
		return in.Prompt == "harbor Camera: pan left."
	})).Return(pollo.Task{ID: "p-2"}, nil)

	_, err := adapter.Submit(ctx, Request{Prompt: " harbor  ", CameraHint: " pan_left ", DurationSeconds: 5, Tier: TierBasic})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestPolloAdapter_TierTable(t *testing.T) {
	for _, tier := range Tiers {
		_, ok := polloTiers[tier]
		assert.True(t, ok, "pollo tier %s", tier)
		_, ok = klingTiers[tier]
		assert.True(t, ok, "kling tier %s", tier)
	}
}

func TestPolloAdapter_CheckStatus(t *testing.T) {
	tests := []struct {
		name   string
		task   pollo.Task
		want   TaskStatus
		errKnd generr.Kind
	}{
		{"waiting", pollo.Task{Status: pollo.StatusWaiting}, TaskStatus{State: StatePending, Raw: "waiting"}, ""},
		{"processing", pollo.Task{Status: pollo.StatusProcessing}, TaskStatus{State: StateProcessing, Raw: "processing"}, ""},
		{"succeed", pollo.Task{Status: pollo.StatusSucceed, VideoURL: "https://cdn/p.mp4"}, TaskStatus{State: StateSucceeded, VideoURL: "https://cdn/p.mp4", Raw: "succeed"}, ""},
		{"succeed without url", pollo.Task{Status: pollo.StatusSucceed}, TaskStatus{}, generr.KindUnexpectedEnvelope},
		{"failed", pollo.Task{Status: pollo.StatusFailed, StatusMessage: "nsfw"}, TaskStatus{State: StateFailed, Reason: "nsfw", Raw: "failed"}, ""},
		{"unknown", pollo.Task{Status: "queued_v2"}, TaskStatus{State: StateUnknown, Raw: "queued_v2"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			client := &mockPolloClient{}
			client.On("Status", ctx, "https://p/status").Return(tt.task, nil)

			got, err := NewPolloAdapter(client).CheckStatus(ctx, Handle{StatusURL: "https://p/status"})
			if tt.errKnd != "" {
				assert.Equal(t, tt.errKnd, generr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDataURI(t *testing.T) {
	assert.Equal(t, "", dataURI(nil))
	assert.True(t, strings.HasPrefix(dataURI([]byte("\xff\xd8\xff\xe0rest")), "data:image/jpeg;base64,"))
}
