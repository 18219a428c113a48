package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/transport"
)

func newTestFetcher() *Fetcher {
	r := transport.NewRetrier(transport.DefaultPolicy(), transport.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	return NewFetcher(WithRetrier(r))
}

func TestFetcher_Open(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4 bytes"))
	}))
	defer server.Close()

	rc, err := newTestFetcher().Open(context.Background(), server.URL+"/v.mp4?sig=secret")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(body))
}

func TestFetcher_Open_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	rc, err := newTestFetcher().Open(context.Background(), server.URL)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcher_Open_ExpiredURL(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Request has expired"}`))
	}))
	defer server.Close()

	_, err := newTestFetcher().Open(context.Background(), server.URL+"/v.mp4?sig=secret")
	require.Error(t, err)
	assert.Equal(t, generr.KindPermanent, generr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, err.Error(), "secret")
}

func TestFetcher_Open_RequiresURL(t *testing.T) {
	_, err := newTestFetcher().Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrURLRequired)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://cdn/v.mp4", redact("https://cdn/v.mp4?X-Amz-Signature=abc"))
	assert.Equal(t, "https://cdn/v.mp4", redact("https://cdn/v.mp4"))
}
