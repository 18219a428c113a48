package generr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTP(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    http.Header
		wantKind  Kind
		wantMsg   string
		wantHint  bool
		wantRetry time.Duration
		retryable bool
	}{
		{"unauthorized", 401, `{"message":"token expired"}`, nil, KindAuth, "token expired", false, 0, false},
		{"bad request invalid key", 400, `{"code":1001,"message":"Invalid API key"}`, nil, KindAuth, "Invalid API key", true, 0, false},
		{"bad request invalid endpoint", 400, `invalid endpoint`, nil, KindAuth, "invalid endpoint", true, 0, false},
		{"bad request other", 400, `{"msg":"prompt too long"}`, nil, KindPermanent, "prompt too long", false, 0, false},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, http.Header{"Retry-After": []string{"7"}}, KindRateLimited, "slow down", false, 7 * time.Second, true},
		{"server error", 503, `upstream unavailable`, nil, KindTransient, "upstream unavailable", false, 0, true},
		{"not found", 404, `{"detail":"no such task"}`, nil, KindPermanent, "no such task", false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			err := FromHTTP("kling", tt.status, []byte(tt.body), header)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, "kling", err.Provider)
			assert.Equal(t, tt.wantHint, err.Hint != "")
			assert.Equal(t, tt.wantRetry, err.RetryAfter)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	wrapped := fmt.Errorf("submit: %w", New(KindRateLimited, "pollo", "busy"))
	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.False(t, errors.Is(wrapped, ErrAuth))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTransient, "", "")))
	assert.True(t, IsRetryable(New(KindRateLimited, "", "")))
	assert.True(t, IsRetryable(New(KindUnexpectedEnvelope, "", "")))
	assert.False(t, IsRetryable(New(KindAuth, "", "")))
	assert.False(t, IsRetryable(New(KindPermanent, "", "")))
	assert.False(t, IsRetryable(New(KindTimeout, "", "")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))

	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 90*time.Second, ParseRetryAfter(date, now))
}

func TestToPublic(t *testing.T) {
	t.Run("auth suggests reconfiguration", func(t *testing.T) {
		p := ToPublic(New(KindAuth, "kling", "bad token"))
		assert.Equal(t, "AUTH", p.Code)
		assert.Equal(t, "bad token", p.Message)
		assert.Contains(t, p.Hint, "credentials")
		assert.False(t, p.Retryable)
		assert.Equal(t, "kling", p.Provider)
	})

	t.Run("rate limit suggests retry later", func(t *testing.T) {
		p := ToPublic(New(KindRateLimited, "pollo", ""))
		assert.Contains(t, p.Hint, "Retry later")
		assert.True(t, p.Retryable)
	})

	t.Run("timeout suggests retry later", func(t *testing.T) {
		p := ToPublic(fmt.Errorf("poll: %w", New(KindTimeout, "kling", "gave up")))
		assert.Equal(t, "TIMEOUT", p.Code)
		assert.Contains(t, p.Hint, "Retry later")
	})

	t.Run("permanent keeps provider message verbatim", func(t *testing.T) {
		p := ToPublic(FromHTTP("kling", 422, []byte(`{"message":"Prompt violates content policy"}`), http.Header{}))
		assert.Equal(t, "PERMANENT", p.Code)
		assert.Equal(t, "Prompt violates content policy", p.Message)
		assert.Empty(t, p.Hint)
	})

	t.Run("explicit hint wins", func(t *testing.T) {
		p := ToPublic(FromHTTP("kling", 400, []byte(`invalid api key`), http.Header{}))
		assert.Contains(t, p.Hint, "base URL")
	})

	t.Run("internal errors are not leaked", func(t *testing.T) {
		p := ToPublic(errors.New("db password is hunter2"))
		require.Equal(t, "INTERNAL", p.Code)
		assert.Equal(t, "internal error", p.Message)
	})
}
