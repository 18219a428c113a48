package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maauso/clipchain-api/internal/generr"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 8 << 20

// Signer adds provider credentials to outgoing request headers.
type Signer interface {
	Sign(ctx context.Context, h http.Header) error
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (r *Response) size() int {
	if r == nil {
		return 0
	}
	return len(r.Body)
}

// Caller performs single signed JSON requests against one provider and
// classifies failures. It never retries; wrap calls in a Retrier for that.
type Caller struct {
	provider   string
	httpClient *http.Client
	signer     Signer
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) CallerOption {
	return func(cl *Caller) {
		cl.httpClient = c
	}
}

// NewCaller creates a Caller for provider. signer may be nil for
// unauthenticated endpoints.
func NewCaller(provider string, signer Signer, opts ...CallerOption) *Caller {
	c := &Caller{
		provider:   provider,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider name used in classified errors.
func (c *Caller) Provider() string {
	return c.provider
}

// Do sends one request. body, when non-nil, is encoded as JSON. A non-2xx
// status is returned as a classified error together with the response.
func (c *Caller) Do(ctx context.Context, method, url string, body any) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, generr.Wrap(generr.KindInvalidRequest, c.provider, fmt.Errorf("marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, generr.Wrap(generr.KindInvalidRequest, c.provider, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.signer != nil {
		if err := c.signer.Sign(ctx, req.Header); err != nil {
			return nil, err
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, generr.FromContext(ctx.Err())
		}
		return nil, generr.Wrap(generr.KindTransient, c.provider, fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, generr.Wrap(generr.KindTransient, c.provider, fmt.Errorf("read response: %w", err))
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Header:     httpResp.Header,
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, generr.FromHTTP(c.provider, httpResp.StatusCode, respBody, httpResp.Header)
	}
	return resp, nil
}
