// Package cache maps request fingerprints to generated artifacts and
// guarantees at most one outstanding provider submission per fingerprint.
//
// Entries live in shards selected by an xxhash of the fingerprint. Each shard
// serializes its own mutations; lookups of unrelated fingerprints never
// contend on a global lock.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/maauso/clipchain-api/internal/fingerprint"
	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/storage"
	"github.com/maauso/clipchain-api/internal/telemetry"
)

const (
	defaultShards = 32
	artifactExt   = ".mp4"
)

var artifactName = regexp.MustCompile(`^[0-9a-f]{64}\.mp4$`)

// State is the lifecycle state of an entry.
type State string

// Entry states.
const (
	StateInProgress State = "IN_PROGRESS"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
)

// Outcome is the result of BeginOrJoin.
type Outcome int

// BeginOrJoin outcomes.
const (
	// OutcomeStarted means the caller owns the work and holds a Ticket.
	OutcomeStarted Outcome = iota
	// OutcomeInProgress means another caller owns the work; wait on Flight.
	OutcomeInProgress
	// OutcomeComplete means the artifact is already stored.
	OutcomeComplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeComplete:
		return "complete"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Artifact is a stored result.
type Artifact struct {
	Path string
	Size int64
}

// Entry is a snapshot of one cache entry.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	State       State
	Handle      generator.Handle
	Artifact    Artifact
	Reason      string
	UpdatedAt   time.Time
}

// Result is returned by BeginOrJoin.
type Result struct {
	Outcome  Outcome
	Artifact Artifact
	Flight   *Flight
	Ticket   *Ticket
}

type entry struct {
	state     State
	flight    *Flight
	handle    generator.Handle
	artifact  Artifact
	reason    string
	updatedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*entry
}

// Cache is the fingerprint to artifact map.
type Cache struct {
	shards   []*shard
	store    storage.Storage
	maxBytes int64
	total    atomic.Int64
	now      func() time.Time
	sink     telemetry.Sink
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes sets the byte budget for complete artifacts. Zero disables
// eviction.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithClock sets the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(c *Cache) {
		c.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a Cache persisting artifacts to store.
func New(store storage.Storage, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		sink:   telemetry.Nop{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.shards = make([]*shard, defaultShards)
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[fingerprint.Fingerprint]*entry)}
	}
	return c
}

func (c *Cache) shard(fp fingerprint.Fingerprint) *shard {
	return c.shards[xxhash.Sum64String(string(fp))%uint64(len(c.shards))]
}

// ArtifactName returns the storage name for fp.
func ArtifactName(fp fingerprint.Fingerprint) string {
	return string(fp) + artifactExt
}

// BeginOrJoin returns the stored artifact for fp, the in-flight work for fp,
// or a Ticket making the caller responsible for it. A Failed entry is
// replaced so that the work restarts from scratch.
func (c *Cache) BeginOrJoin(fp fingerprint.Fingerprint) Result {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok {
		switch e.state {
		case StateComplete:
			c.sink.Record(telemetry.EventCacheHit, telemetry.Fields{"fingerprint": fp.Short()})
			return Result{Outcome: OutcomeComplete, Artifact: e.artifact}
		case StateInProgress:
			c.sink.Record(telemetry.EventCacheJoin, telemetry.Fields{"fingerprint": fp.Short()})
			return Result{Outcome: OutcomeInProgress, Flight: e.flight}
		}
	}

	f := newFlight()
	e := &entry{state: StateInProgress, flight: f, updatedAt: c.now()}
	s.entries[fp] = e
	return Result{Outcome: OutcomeStarted, Flight: f, Ticket: &Ticket{c: c, fp: fp, e: e}}
}

// Lookup returns a snapshot of the entry for fp.
func (c *Cache) Lookup(fp fingerprint.Fingerprint) (Entry, bool) {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(fp), true
}

// Invalidate drops a Complete entry whose artifact disappeared from the
// store. Other states are left alone.
func (c *Cache) Invalidate(fp fingerprint.Fingerprint) {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok && e.state == StateComplete {
		delete(s.entries, fp)
		c.total.Add(-e.artifact.Size)
	}
}

// Verify reports whether the artifact of a Complete entry is still in the
// store. A missing artifact invalidates the entry. A store error is reported
// as present so a flaky backend does not trigger paid regeneration.
func (c *Cache) Verify(ctx context.Context, fp fingerprint.Fingerprint, a Artifact) bool {
	ok, err := c.store.Exists(ctx, a.Path)
	if err != nil || ok {
		return true
	}
	c.Invalidate(fp)
	return false
}

// Bytes returns the total size of complete artifacts.
func (c *Cache) Bytes() int64 {
	return c.total.Load()
}

// Len returns the number of entries in every state.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (e *entry) snapshot(fp fingerprint.Fingerprint) Entry {
	return Entry{
		Fingerprint: fp,
		State:       e.state,
		Handle:      e.handle,
		Artifact:    e.artifact,
		Reason:      e.reason,
		UpdatedAt:   e.updatedAt,
	}
}

type candidate struct {
	fp fingerprint.Fingerprint
	e  *entry
	at time.Time
}

func (c *Cache) completeEntries(skip fingerprint.Fingerprint) []candidate {
	var out []candidate
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if e.state == StateComplete && fp != skip {
				out = append(out, candidate{fp: fp, e: e, at: e.updatedAt})
			}
		}
		s.mu.Unlock()
	}
	return out
}

// remove deletes the entry for fp if it is still e, and its artifact.
func (c *Cache) remove(ctx context.Context, fp fingerprint.Fingerprint, e *entry) (int64, bool) {
	s := c.shard(fp)
	s.mu.Lock()
	cur, ok := s.entries[fp]
	if !ok || cur != e || e.state != StateComplete {
		s.mu.Unlock()
		return 0, false
	}
	delete(s.entries, fp)
	s.mu.Unlock()

	c.total.Add(-e.artifact.Size)
	if err := c.store.Delete(ctx, e.artifact.Path); err != nil {
		c.logger.Warn("failed to delete evicted artifact",
			slog.String("path", e.artifact.Path),
			slog.String("error", err.Error()),
		)
	}
	return e.artifact.Size, true
}

// Evict removes Complete entries oldest-first until the total is within the
// byte budget. It returns the number of entries removed.
func (c *Cache) Evict(ctx context.Context) int {
	return c.evict(ctx, "")
}

func (c *Cache) evict(ctx context.Context, keep fingerprint.Fingerprint) int {
	if c.maxBytes <= 0 || c.total.Load() <= c.maxBytes {
		return 0
	}

	candidates := c.completeEntries(keep)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	removed := 0
	for _, cand := range candidates {
		if c.total.Load() <= c.maxBytes {
			break
		}
		size, ok := c.remove(ctx, cand.fp, cand.e)
		if !ok {
			continue
		}
		removed++
		c.sink.Record(telemetry.EventCacheEvict, telemetry.Fields{
			"fingerprint": cand.fp.Short(),
			"bytes":       size,
		})
	}
	if removed > 0 {
		c.logger.Info("cache evicted artifacts",
			slog.Int("removed", removed),
			slog.Int64("bytes", c.total.Load()),
			slog.Int64("budget", c.maxBytes),
		)
	}
	return removed
}

// Clear removes every Complete entry and its artifact.
func (c *Cache) Clear(ctx context.Context) int {
	removed := 0
	for _, cand := range c.completeEntries("") {
		if _, ok := c.remove(ctx, cand.fp, cand.e); ok {
			removed++
		}
	}
	return removed
}

// PruneFailed drops Failed entries last updated more than olderThan ago.
func (c *Cache) PruneFailed(olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if e.state == StateFailed && e.updatedAt.Before(cutoff) {
				delete(s.entries, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Warm registers artifacts already in the store as Complete entries.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	objects, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: warm: %w", err)
	}

	added := 0
	for _, o := range objects {
		if !artifactName.MatchString(o.Name) {
			continue
		}
		fp := fingerprint.Fingerprint(strings.TrimSuffix(o.Name, artifactExt))
		s := c.shard(fp)
		s.mu.Lock()
		if _, ok := s.entries[fp]; !ok {
			s.entries[fp] = &entry{
				state:     StateComplete,
				artifact:  Artifact{Path: o.Path, Size: o.Size},
				updatedAt: o.ModTime,
			}
			c.total.Add(o.Size)
			added++
		}
		s.mu.Unlock()
	}
	c.evict(ctx, "")
	return added, nil
}

// Flight is the shared outcome of one in-progress fingerprint.
type Flight struct {
	done     chan struct{}
	artifact Artifact
	err      error
}

func newFlight() *Flight {
	return &Flight{done: make(chan struct{})}
}

// Done is closed when the flight resolves.
func (f *Flight) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the flight resolves or ctx is done.
func (f *Flight) Wait(ctx context.Context) (Artifact, error) {
	select {
	case <-f.done:
		return f.artifact, f.err
	case <-ctx.Done():
		return Artifact{}, generr.FromContext(ctx.Err())
	}
}

func (f *Flight) resolve(a Artifact, err error) {
	f.artifact = a
	f.err = err
	close(f.done)
}

// Ticket is the work token of the caller that owns a fingerprint. Exactly one
// of Complete, Fail, Abort or Abandon takes effect; later calls are no-ops.
type Ticket struct {
	c    *Cache
	fp   fingerprint.Fingerprint
	e    *entry
	once sync.Once
}

// Fingerprint returns the ticket's fingerprint.
func (t *Ticket) Fingerprint() fingerprint.Fingerprint {
	return t.fp
}

// SetHandle records the provider task working on the fingerprint.
func (t *Ticket) SetHandle(h generator.Handle) {
	s := t.c.shard(t.fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.e.state == StateInProgress {
		t.e.handle = h
		t.e.updatedAt = t.c.now()
	}
}

// Complete stores the artifact read from r and marks the entry Complete. If
// storing fails the entry is marked Failed.
func (t *Ticket) Complete(ctx context.Context, r io.Reader) (Artifact, error) {
	path, size, err := t.c.store.Write(ctx, ArtifactName(t.fp), r)
	if err != nil {
		err = fmt.Errorf("cache: store artifact: %w", err)
		t.Fail(err)
		return Artifact{}, err
	}

	a := Artifact{Path: path, Size: size}
	t.finish(func(s *shard) {
		t.e.state = StateComplete
		t.e.artifact = a
		t.e.updatedAt = t.c.now()
		t.c.total.Add(size)
	}, a, nil)
	t.c.evict(ctx, t.fp)
	return a, nil
}

// Fail marks the entry Failed. Joiners receive err; a later BeginOrJoin
// starts over.
func (t *Ticket) Fail(err error) {
	t.finish(func(s *shard) {
		t.e.state = StateFailed
		t.e.reason = err.Error()
		t.e.updatedAt = t.c.now()
	}, Artifact{}, err)
}

// Abort removes the entry after a submission-time failure so that no state
// is left behind. Joiners receive err.
func (t *Ticket) Abort(err error) {
	t.finish(func(s *shard) {
		if s.entries[t.fp] == t.e {
			delete(s.entries, t.fp)
		}
	}, Artifact{}, err)
}

// Abandon removes the in-progress entry after cancellation. Joiners receive
// err and may start the work again.
func (t *Ticket) Abandon(err error) {
	t.Abort(err)
}

func (t *Ticket) finish(mutate func(s *shard), a Artifact, err error) {
	t.once.Do(func() {
		s := t.c.shard(t.fp)
		s.mu.Lock()
		mutate(s)
		s.mu.Unlock()
		t.e.flight.resolve(a, err)
	})
}
