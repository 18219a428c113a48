// Package fetch downloads finished videos from provider CDNs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/transport"
)

// ErrURLRequired is returned when Open is called without a URL.
var ErrURLRequired = errors.New("fetch: URL is required")

// Downloader opens remote artifacts.
type Downloader interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Fetcher is the HTTP implementation of Downloader. Opening the stream is
// retried under the retrier's policy; the transfer itself is not.
type Fetcher struct {
	client  *req.Client
	retrier *transport.Retrier
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithReqClient sets a custom req client.
func WithReqClient(c *req.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithRetrier sets the retrier used to open downloads.
func WithRetrier(r *transport.Retrier) Option {
	return func(f *Fetcher) {
		f.retrier = r
	}
}

// NewFetcher creates a Fetcher. Downloads time out after 10 minutes.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = req.C().SetTimeout(10 * time.Minute)
	}
	if f.retrier == nil {
		f.retrier = transport.NewRetrier(transport.DefaultPolicy())
	}
	return f
}

// Open starts downloading url. The caller must close the returned reader.
func (f *Fetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if url == "" {
		return nil, generr.Wrap(generr.KindInvalidRequest, "", ErrURLRequired)
	}

	body, err := transport.Run(ctx, f.retrier, func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := f.client.R().
			SetContext(ctx).
			DisableAutoReadResponse().
			Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, generr.FromContext(ctx.Err())
			}
			return nil, generr.Wrap(generr.KindTransient, "", fmt.Errorf("fetch: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer func() { _ = resp.Body.Close() }()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, generr.FromHTTP("", resp.StatusCode, msg, resp.Header)
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redact(url), err)
	}
	return body, nil
}

// redact drops the query string, which on signed CDN URLs carries tokens.
func redact(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}

// Compile-time check that Fetcher implements Downloader.
var _ Downloader = (*Fetcher)(nil)
