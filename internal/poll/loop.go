// Package poll drives a submitted provider task to a terminal state.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/telemetry"
	"github.com/maauso/clipchain-api/internal/transport"
)

// Config bounds a poll loop.
type Config struct {
	// Interval is the wait between checks on the normal path.
	Interval time.Duration
	// BackoffBase is the first wait after a rate-limit or unavailable signal.
	BackoffBase time.Duration
	// BackoffCap caps every backoff wait, including one lifted to a longer
	// normal Interval.
	BackoffCap time.Duration
	// MaxAttempts is the number of checks before giving up. Zero means no limit.
	MaxAttempts int
	// Timeout is the wall-clock ceiling. Zero means no limit.
	Timeout time.Duration
}

// DefaultConfig returns a 2s interval, 1s..60s backoff and a 10 minute
// ceiling.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
		MaxAttempts: 300,
		Timeout:     10 * time.Minute,
	}
}

// Checker queries a task once.
type Checker interface {
	CheckStatus(ctx context.Context, h generator.Handle) (generator.TaskStatus, error)
}

// Observer receives every state change. It must not block.
type Observer func(generator.TaskStatus)

// Loop polls tasks under a Config.
type Loop struct {
	cfg     Config
	retrier *transport.Retrier
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	sink    telemetry.Sink
	logger  *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithRetrier sets the retrier used for the first check.
func WithRetrier(r *transport.Retrier) Option {
	return func(l *Loop) {
		l.retrier = r
	}
}

// WithSleep replaces the wait between checks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) {
		l.sleep = sleep
	}
}

// WithClock sets the clock used for the wall-clock ceiling.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(l *Loop) {
		l.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a Loop. Zero Config fields take their defaults.
func NewLoop(cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}

	l := &Loop{
		cfg:   cfg,
		sleep: transport.Sleep,
		now:   time.Now,
		sink:  telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retrier == nil {
		l.retrier = transport.NewRetrier(transport.DefaultPolicy())
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Config returns the loop's effective configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// Run checks h until it succeeds or fails. It returns the terminal status on
// success. A provider-reported failure is returned as a KindFailed error
// alongside the failed status. Exceeding the ceiling returns KindTimeout,
// which callers must treat as indeterminate.
func (l *Loop) Run(ctx context.Context, c Checker, h generator.Handle, observe Observer) (generator.TaskStatus, error) {
	start := l.now()
	var (
		last            generator.State
		delay, backoff  time.Duration
		envelopeRetried bool
	)

	for attempt := 1; ; attempt++ {
		var (
			status generator.TaskStatus
			err    error
		)
		if attempt == 1 {
			status, err = transport.Run(ctx, l.retrier, func(ctx context.Context) (generator.TaskStatus, error) {
				return c.CheckStatus(ctx, h)
			})
		} else {
			status, err = c.CheckStatus(ctx, h)
		}

		if err != nil {
			if ctx.Err() != nil {
				return generator.TaskStatus{}, generr.FromContext(ctx.Err())
			}
			switch generr.KindOf(err) {
			case generr.KindRateLimited, generr.KindTransient:
				backoff = l.nextBackoff(backoff, generr.RetryAfterOf(err))
				delay = min(max(backoff, delay), l.cfg.BackoffCap)
				l.sink.Record(telemetry.EventPollBackoff, telemetry.Fields{
					"provider": h.Provider,
					"task_id":  h.ProviderTaskID,
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
				})
				l.logger.Debug("poll backing off",
					slog.String("provider", h.Provider),
					slog.String("task_id", h.ProviderTaskID),
					slog.Duration("delay", delay),
					slog.String("error", err.Error()),
				)
			case generr.KindUnexpectedEnvelope:
				if envelopeRetried {
					return generator.TaskStatus{}, err
				}
				envelopeRetried = true
				delay = l.cfg.Interval
			default:
				return generator.TaskStatus{}, err
			}
		} else {
			backoff = 0
			delay = l.cfg.Interval

			if status.State != last {
				last = status.State
				if observe != nil {
					observe(status)
				}
				l.sink.Record(telemetry.EventPollState, telemetry.Fields{
					"provider": h.Provider,
					"task_id":  h.ProviderTaskID,
					"state":    string(status.State),
					"attempt":  attempt,
				})
			}

			switch status.State {
			case generator.StateSucceeded:
				return status, nil
			case generator.StateFailed:
				return status, &generr.Error{Kind: generr.KindFailed, Provider: h.Provider, Message: status.Reason}
			case generator.StatePending, generator.StateProcessing:
			default:
				return status, &generr.Error{
					Kind:     generr.KindUnknownState,
					Provider: h.Provider,
					Message:  fmt.Sprintf("unrecognized task status %q", status.Raw),
				}
			}
		}

		if l.cfg.MaxAttempts > 0 && attempt >= l.cfg.MaxAttempts {
			return status, l.timeout(h, attempt, start)
		}
		if l.cfg.Timeout > 0 && l.now().Add(delay).Sub(start) > l.cfg.Timeout {
			return status, l.timeout(h, attempt, start)
		}
		if err := l.sleep(ctx, delay); err != nil {
			return generator.TaskStatus{}, generr.FromContext(err)
		}
	}
}

// nextBackoff doubles the previous backoff from BackoffBase, honors a larger
// Retry-After and caps the result.
func (l *Loop) nextBackoff(prev, retryAfter time.Duration) time.Duration {
	next := l.cfg.BackoffBase
	if prev > 0 {
		next = prev * 2
	}
	if retryAfter > next {
		next = retryAfter
	}
	return min(next, l.cfg.BackoffCap)
}

func (l *Loop) timeout(h generator.Handle, attempts int, start time.Time) error {
	return &generr.Error{
		Kind:     generr.KindTimeout,
		Provider: h.Provider,
		Message: fmt.Sprintf("task %s not finished after %d checks in %s",
			h.ProviderTaskID, attempts, l.now().Sub(start).Round(time.Second)),
	}
}
