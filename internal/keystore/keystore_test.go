package keystore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStore(t *testing.T) {
	s := MapStore{"kling_access_key": "ak", "empty": ""}

	v, err := s.GetCredential(context.Background(), "kling_access_key")
	require.NoError(t, err)
	assert.Equal(t, "ak", v)

	_, err = s.GetCredential(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetCredential(context.Background(), "empty")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPStore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer store-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/credentials/pollo_api_key":
			_, _ = w.Write([]byte(`{"value":"secret-1"}`))
		case "/credentials/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	s := NewHTTPStore(server.URL+"/", "store-token")
	ctx := context.Background()

	v, err := s.GetCredential(ctx, "pollo_api_key")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", v)

	_, err = s.GetCredential(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetCredential(ctx, "broken")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
