// Package transport performs provider HTTP calls with bounded, classified
// retries.
package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/maauso/clipchain-api/internal/generr"
)

// Policy controls how many times a call is attempted and how long to wait
// between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failure. It doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the wait, including provider Retry-After values.
	MaxDelay time.Duration
	// Retryable decides whether a failed attempt may be repeated.
	Retryable func(error) bool
}

// DefaultPolicy returns the submission policy: 3 attempts, 2s base delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Retryable:   generr.IsRetryable,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Attempt describes one finished call for diagnostics.
type Attempt struct {
	Number       int
	Elapsed      time.Duration
	ResponseSize int
	Err          error
}

// Observer receives every attempt. It must not block.
type Observer func(Attempt)

// Func is one attempt of a call. It returns the raw response, if one was
// received, alongside any error, so that sizes are observable even for
// failed attempts.
type Func func(ctx context.Context) (*Response, error)

// Retrier executes calls under a Policy.
type Retrier struct {
	policy   Policy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	observer Observer
	logger   *slog.Logger
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the wait function. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// WithObserver registers an attempt observer.
func WithObserver(o Observer) RetrierOption {
	return func(r *Retrier) {
		r.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = l
	}
}

// NewRetrier creates a Retrier. Zero policy fields fall back to DefaultPolicy.
func NewRetrier(policy Policy, opts ...RetrierOption) *Retrier {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Retryable == nil {
		policy.Retryable = def.Retryable
	}

	r := &Retrier{
		policy: policy,
		sleep:  Sleep,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
// KindUnexpectedEnvelope is retried at most once.
func (r *Retrier) Do(ctx context.Context, fn Func) (*Response, error) {
	var (
		resp            *Response
		lastErr         error
		envelopeRetried bool
	)

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		start := r.now()
		resp, lastErr = fn(ctx)
		r.observe(Attempt{
			Number:       attempt,
			Elapsed:      r.now().Sub(start),
			ResponseSize: resp.size(),
			Err:          lastErr,
		})
		if lastErr == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, generr.FromContext(ctx.Err())
		}
		if !r.policy.Retryable(lastErr) {
			return resp, lastErr
		}
		if generr.KindOf(lastErr) == generr.KindUnexpectedEnvelope {
			if envelopeRetried {
				return resp, lastErr
			}
			envelopeRetried = true
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		if ra := generr.RetryAfterOf(lastErr); ra > delay {
			delay = min(ra, r.policy.MaxDelay)
		}
		r.logger.Debug("retrying provider call",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return resp, generr.FromContext(err)
		}
	}

	return resp, lastErr
}

// Run executes fn under r's policy for calls that have no raw response to
// observe.
func Run[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	_, err := r.Do(ctx, func(ctx context.Context) (*Response, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out = v
		return nil, nil
	})
	return out, err
}

func (r *Retrier) observe(a Attempt) {
	if r.observer != nil {
		r.observer(a)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
