// Package telemetry provides a fire-and-forget event sink. Recording never
// blocks or fails the caller.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event names emitted by the orchestrator.
const (
	EventSubmitAttempt      = "submit.attempt"
	EventPollState          = "poll.state"
	EventPollBackoff        = "poll.backoff"
	EventCacheHit           = "cache.hit"
	EventCacheJoin          = "cache.join"
	EventCacheEvict         = "cache.evict"
	EventContinuityDegraded = "continuity.degraded"
	EventJobFinished        = "job.finished"
	EventReconcile          = "journal.reconcile"
	EventJournalFailed      = "journal.write_failed"
)

// Fields carries event attributes.
type Fields map[string]any

// Sink records diagnostic events.
type Sink interface {
	Record(event string, fields Fields)
}

// Nop discards every event.
type Nop struct{}

// Record does nothing.
func (Nop) Record(string, Fields) {}

type record struct {
	event  string
	fields Fields
}

// SlogSink writes events to a logger from a background goroutine. When the
// buffer is full, events are dropped and counted.
type SlogSink struct {
	logger  *slog.Logger
	ch      chan record
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewSlogSink creates a sink with the given buffer size and starts its
// writer. If logger is nil, slog.Default() is used.
func NewSlogSink(logger *slog.Logger, buffer int) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &SlogSink{
		logger: logger.With(slog.String("component", "telemetry")),
		ch:     make(chan record, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues an event without blocking.
func (s *SlogSink) Record(event string, fields Fields) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	defer func() {
		// Close may race with a send on a closed channel.
		if recover() != nil {
			s.dropped.Add(1)
		}
	}()
	select {
	case s.ch <- record{event: event, fields: fields}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (s *SlogSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes queued events and stops the writer.
func (s *SlogSink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		<-s.done
		if n := s.dropped.Load(); n > 0 {
			s.logger.Warn("telemetry events dropped", slog.Int64("count", n))
		}
	})
}

func (s *SlogSink) run() {
	defer close(s.done)
	for r := range s.ch {
		attrs := make([]any, 0, len(r.fields)+1)
		attrs = append(attrs, slog.String("event", r.event))
		for k, v := range r.fields {
			attrs = append(attrs, slog.Any(k, v))
		}
		s.logger.Debug("telemetry", attrs...)
	}
}

// Compile-time checks.
var (
	_ Sink = Nop{}
	_ Sink = (*SlogSink)(nil)
)
