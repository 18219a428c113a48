// Package keystore fetches provider credentials from a key store.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"
)

// Static errors for key store operations.
var (
	// ErrNotFound is returned when the store has no credential by that name.
	ErrNotFound = errors.New("keystore: credential not found")
	// ErrUnavailable is returned when the remote store cannot be reached or
	// answers with an unexpected status.
	ErrUnavailable = errors.New("keystore: store unavailable")
)

// Store returns secrets by name.
type Store interface {
	GetCredential(ctx context.Context, name string) (string, error)
}

// MapStore serves credentials from memory, typically loaded from config.
type MapStore map[string]string

// GetCredential returns the named credential or ErrNotFound.
func (m MapStore) GetCredential(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// HTTPStore reads credentials from a remote key service:
// GET {baseURL}/credentials/{name} -> {"value": "..."}.
type HTTPStore struct {
	client  *req.Client
	baseURL string
}

// HTTPStoreOption configures an HTTPStore.
type HTTPStoreOption func(*HTTPStore)

// WithReqClient sets a custom req client.
func WithReqClient(c *req.Client) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.client = c
	}
}

// NewHTTPStore creates a store for the key service at baseURL. token, when
// set, is sent as a bearer token.
func NewHTTPStore(baseURL, token string, opts ...HTTPStoreOption) *HTTPStore {
	s := &HTTPStore{
		client:  req.C().SetTimeout(10 * time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if token != "" {
		s.client.SetCommonBearerAuthToken(token)
	}
	return s
}

type credentialResponse struct {
	Value string `json:"value"`
}

// GetCredential fetches the named credential.
func (s *HTTPStore) GetCredential(ctx context.Context, name string) (string, error) {
	var out credentialResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetSuccessResult(&out).
		Get(s.baseURL + "/credentials/{name}")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !resp.IsSuccessState() {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if out.Value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out.Value, nil
}
