package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"github.com/maauso/clipchain-api/internal/billing"
	"github.com/maauso/clipchain-api/internal/cache"
	"github.com/maauso/clipchain-api/internal/continuity"
	"github.com/maauso/clipchain-api/internal/fetch"
	"github.com/maauso/clipchain-api/internal/fingerprint"
	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/job/id"
	"github.com/maauso/clipchain-api/internal/journal"
	"github.com/maauso/clipchain-api/internal/poll"
	"github.com/maauso/clipchain-api/internal/telemetry"
)

// Static errors returned by the Service.
var (
	// ErrNoAdapters is returned by NewService without any adapter.
	ErrNoAdapters = errors.New("job: no provider adapters configured")
	// ErrUnknownProvider is returned for a provider without an adapter.
	ErrUnknownProvider = errors.New("job: unknown provider")
	// ErrEmptyChain is returned for a chain without segments.
	ErrEmptyChain = errors.New("job: chain has no segments")
	// ErrNeedsChain is returned by Generate when the duration policy splits
	// the request into several clips.
	ErrNeedsChain = errors.New("job: request spans several clips")
	// ErrNotRunning is returned when cancelling work that is not running.
	ErrNotRunning = errors.New("job: not running")
)

// SeedExtractor pulls a continuity seed from a stored artifact. A nil result
// means continuity is unavailable for that link.
type SeedExtractor interface {
	TryExtract(ctx context.Context, path string) []byte
}

// DurationProber measures stored artifacts.
type DurationProber interface {
	MediaDuration(ctx context.Context, path string) (float64, error)
}

// Deps are the required collaborators of a Service.
type Deps struct {
	Adapters []generator.Adapter
	Cache    *cache.Cache
	Loop     *poll.Loop
	Fetcher  fetch.Downloader
	Seeds    SeedExtractor
	Journal  journal.Journal
	Repo     Repository
}

// GenerateInput is one generation request.
type GenerateInput struct {
	// Provider selects the adapter. Empty means the default provider.
	Provider string
	Request  generator.Request
}

// ChainInput is an ordered list of segments rendered one after another.
type ChainInput struct {
	Provider string
	// Continuity seeds each element with the closing frame of the previous one.
	Continuity bool
	Segments   []generator.Request
}

// ChainResult is the outcome of one chain.
type ChainResult struct {
	ChainID string
	Jobs    []*Job
	Err     error
}

// Accepted describes work started in the background.
type Accepted struct {
	// ChainID is set when the work runs as a chain.
	ChainID string
	Jobs    []*Job
}

// element is one clip of a planned chain.
type element struct {
	req generator.Request
	// seeded marks elements that take the previous element's closing frame.
	seeded bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSink sets the telemetry sink.
func WithSink(sink telemetry.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithBilling sets the billing policy and gate consulted before submission.
func WithBilling(p billing.Policy, g billing.Gate) Option {
	return func(s *Service) {
		s.billingPolicy = p
		s.gate = g
	}
}

// WithMaxConcurrentGenerations bounds the provider tasks owned at once.
func WithMaxConcurrentGenerations(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxGenerations = n
		}
	}
}

// WithMaxConcurrentChains bounds the chains GenerateChains runs at once.
func WithMaxConcurrentChains(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxChains = n
		}
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) Option {
	return func(s *Service) {
		s.defaultProvider = name
	}
}

// WithBroker sets the progress broker.
func WithBroker(b *Broker) Option {
	return func(s *Service) {
		if b != nil {
			s.broker = b
		}
	}
}

// WithProber enables probing the length of stored artifacts.
func WithProber(p DurationProber) Option {
	return func(s *Service) {
		s.prober = p
	}
}

// Service orchestrates generations: it deduplicates identical work through
// the result cache, submits through provider adapters, polls to a terminal
// state, stores artifacts and carries continuity along chains.
type Service struct {
	adapters        map[string]generator.Adapter
	defaultProvider string
	cache           *cache.Cache
	loop            *poll.Loop
	fetcher         fetch.Downloader
	seeds           SeedExtractor
	journal         journal.Journal
	repo            Repository
	broker          *Broker
	prober          DurationProber
	billingPolicy   billing.Policy
	gate            billing.Gate
	validate        *validator.Validate
	sink            telemetry.Sink
	logger          *slog.Logger

	maxGenerations int
	maxChains      int
	sem            *semaphore.Weighted
	pool           pond.Pool

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewService creates a Service.
func NewService(d Deps, opts ...Option) (*Service, error) {
	if len(d.Adapters) == 0 {
		return nil, ErrNoAdapters
	}
	if d.Cache == nil || d.Loop == nil || d.Fetcher == nil || d.Seeds == nil || d.Journal == nil || d.Repo == nil {
		return nil, errors.New("job: missing dependency")
	}

	s := &Service{
		adapters:       make(map[string]generator.Adapter, len(d.Adapters)),
		cache:          d.Cache,
		loop:           d.Loop,
		fetcher:        d.Fetcher,
		seeds:          d.Seeds,
		journal:        d.Journal,
		repo:           d.Repo,
		broker:         NewBroker(0),
		billingPolicy:  billing.StaticPolicy(false),
		gate:           billing.AllowAll{},
		validate:       validator.New(),
		sink:           telemetry.Nop{},
		logger:         slog.Default(),
		maxGenerations: 4,
		maxChains:      2,
		running:        make(map[string]context.CancelFunc),
	}
	for _, a := range d.Adapters {
		s.adapters[a.Name()] = a
	}
	if len(d.Adapters) == 1 {
		s.defaultProvider = d.Adapters[0].Name()
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sem = semaphore.NewWeighted(int64(s.maxGenerations))
	s.pool = pond.NewPool(s.maxChains)
	s.ctx, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// ClearCache drops every completed cache entry and deletes its artifact.
// In-flight work is not affected. It returns the number of entries removed.
func (s *Service) ClearCache(ctx context.Context) int {
	n := s.cache.Clear(ctx)
	s.logger.Info("cache cleared", slog.Int("removed", n))
	return n
}

// Providers returns the configured provider names.
func (s *Service) Providers() []string {
	out := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		out = append(out, name)
	}
	return out
}

// Generate runs one generation to completion and returns the finished job.
// The returned error is a *generr.Error whose kind tells a timeout
// (indeterminate) apart from a provider failure.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (*Job, error) {
	adapter, err := s.resolve(in.Provider, in.Request)
	if err != nil {
		return nil, err
	}
	plan, err := adapter.DurationPolicy().Plan(in.Request.DurationSeconds)
	if err != nil {
		return nil, err
	}
	if plan.Segments > 1 {
		return nil, generr.Wrap(generr.KindInvalidRequest, adapter.Name(),
			fmt.Errorf("%w: %d clips of %ds", ErrNeedsChain, plan.Segments, plan.Submitted))
	}

	j := New(adapter.Name(), in.Request.Tier)
	s.save(ctx, j)
	_, err = s.runJob(ctx, j, adapter, in.Request)
	return j.Clone(), err
}

// GenerateChain renders the chain's elements in order. Element N+1 is
// submitted only after element N is stored and its seed extracted. The
// first failure stops the chain and cancels the remaining elements.
func (s *Service) GenerateChain(ctx context.Context, in ChainInput) (ChainResult, error) {
	chainID, adapter, elems, jobs, err := s.planChain(ctx, in)
	if err != nil {
		return ChainResult{}, err
	}
	err = s.runChain(ctx, adapter, elems, jobs)
	return ChainResult{ChainID: chainID, Jobs: cloneAll(jobs), Err: err}, err
}

// GenerateChains runs independent chains concurrently on the chain pool.
// Results keep the order of ins; each carries its own error.
func (s *Service) GenerateChains(ctx context.Context, ins []ChainInput) []ChainResult {
	results := make([]ChainResult, len(ins))
	group := s.pool.NewGroup()
	for i, in := range ins {
		group.SubmitErr(func() error {
			res, err := s.GenerateChain(ctx, in)
			res.Err = err
			results[i] = res
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// Start validates in and runs it in the background. A request that the
// duration policy splits into several clips runs as a continuity chain.
func (s *Service) Start(ctx context.Context, in GenerateInput) (Accepted, error) {
	adapter, err := s.resolve(in.Provider, in.Request)
	if err != nil {
		return Accepted{}, err
	}
	plan, err := adapter.DurationPolicy().Plan(in.Request.DurationSeconds)
	if err != nil {
		return Accepted{}, err
	}
	if plan.Segments > 1 {
		return s.StartChain(ctx, ChainInput{
			Provider:   adapter.Name(),
			Continuity: true,
			Segments:   []generator.Request{in.Request},
		})
	}

	j := New(adapter.Name(), in.Request.Tier)
	s.save(ctx, j)

	runCtx := s.track(j.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(j.ID)
		_, _ = s.runJob(runCtx, j, adapter, in.Request)
	}()
	return Accepted{Jobs: []*Job{j.Clone()}}, nil
}

// StartChain validates in and runs the chain in the background.
func (s *Service) StartChain(ctx context.Context, in ChainInput) (Accepted, error) {
	chainID, adapter, elems, jobs, err := s.planChain(ctx, in)
	if err != nil {
		return Accepted{}, err
	}

	runCtx := s.track(chainID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(chainID)
		_ = s.runChain(runCtx, adapter, elems, jobs)
	}()
	return Accepted{ChainID: chainID, Jobs: cloneAll(jobs)}, nil
}

// CancelChain stops a chain started with StartChain. Finished elements keep
// their state; the running element and the pending ones become CANCELLED.
func (s *Service) CancelChain(chainID string) error {
	return s.cancel(chainID)
}

// CancelJob stops a generation started with Start.
func (s *Service) CancelJob(jobID string) error {
	return s.cancel(jobID)
}

// GetJob returns the job with the given ID.
func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.FindByID(ctx, jobID)
}

// ListJobs returns the jobs of a chain ordered by index, or every job when
// chainID is empty.
func (s *Service) ListJobs(ctx context.Context, chainID string) ([]*Job, error) {
	if chainID == "" {
		return s.repo.List(ctx)
	}
	return s.repo.ListByChain(ctx, chainID)
}

// Subscribe streams progress events for a job. The channel is closed after
// the terminal event; call the returned function to stop early.
func (s *Service) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	if _, err := s.repo.FindByID(ctx, jobID); err != nil {
		return nil, nil, err
	}
	ch, release := s.broker.Subscribe(jobID)

	// The job may have finished before the subscription existed.
	j, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		release()
		return nil, nil, err
	}
	if j.IsTerminal() {
		release()
		done := make(chan Event, 1)
		done <- EventOf(j)
		close(done)
		return done, func() {}, nil
	}
	return ch, release, nil
}

// Reconcile resumes polling of tasks a previous run left outstanding. Tasks
// already stored are dropped from the journal. It returns how many tasks
// were resumed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	tasks, err := s.journal.ListOutstanding(ctx)
	if err != nil {
		return 0, fmt.Errorf("job: list outstanding: %w", err)
	}

	resumed := 0
	for _, task := range tasks {
		adapter, ok := s.adapters[task.Provider]
		if !ok {
			s.logger.Warn("outstanding task for unconfigured provider",
				slog.String("provider", task.Provider),
				slog.String("task_id", task.ProviderTaskID),
			)
			continue
		}

		res := s.cache.BeginOrJoin(task.Fingerprint)
		switch res.Outcome {
		case cache.OutcomeComplete:
			s.journalRemove(ctx, task.Fingerprint)
			continue
		case cache.OutcomeInProgress:
			continue
		}

		j := s.recoveredJob(ctx, task)
		s.logger.Info("resuming outstanding task",
			slog.String("job_id", j.ID),
			slog.String("provider", task.Provider),
			slog.String("task_id", task.ProviderTaskID),
			slog.String("state", string(task.State)),
		)

		ticket := res.Ticket
		handle := task.Handle()
		runCtx := s.track(j.ID)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(j.ID)
			a, err := s.resume(runCtx, j, adapter, ticket, handle)
			s.conclude(runCtx, j, a, false, err)
		}()
		resumed++
	}

	s.sink.Record(telemetry.EventReconcile, telemetry.Fields{
		"outstanding": len(tasks),
		"resumed":     resumed,
	})
	return resumed, nil
}

// Shutdown cancels all background work and waits for it to unwind.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) resolve(provider string, req generator.Request) (generator.Adapter, error) {
	if provider == "" {
		provider = s.defaultProvider
	}
	adapter, ok := s.adapters[provider]
	if !ok {
		return nil, generr.Wrap(generr.KindInvalidRequest, provider, fmt.Errorf("%w: %q", ErrUnknownProvider, provider))
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, generr.Wrap(generr.KindInvalidRequest, provider, err)
	}
	return adapter, nil
}

// planChain validates the chain, expands segments into clips and stores a
// PENDING job per clip.
func (s *Service) planChain(ctx context.Context, in ChainInput) (string, generator.Adapter, []element, []*Job, error) {
	if len(in.Segments) == 0 {
		return "", nil, nil, nil, generr.Wrap(generr.KindInvalidRequest, in.Provider, ErrEmptyChain)
	}

	var (
		adapter generator.Adapter
		elems   []element
	)
	for i, seg := range in.Segments {
		a, err := s.resolve(in.Provider, seg)
		if err != nil {
			return "", nil, nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		adapter = a
		plan, err := a.DurationPolicy().Plan(seg.DurationSeconds)
		if err != nil {
			return "", nil, nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if plan.Segments == 1 {
			elems = append(elems, element{req: seg, seeded: in.Continuity && i > 0})
			continue
		}
		// Clips of one split segment carry their part index so that a clip
		// whose seed could not be extracted is still distinct work.
		clip := seg.WithDuration(plan.Submitted)
		for k := 0; k < plan.Segments; k++ {
			elems = append(elems, element{req: clip.WithPart(k), seeded: k > 0 || (in.Continuity && i > 0)})
		}
	}

	chainID := id.Chain()
	jobs := make([]*Job, len(elems))
	for i, el := range elems {
		j := New(adapter.Name(), el.req.Tier)
		j.ChainID = chainID
		j.Index = i
		jobs[i] = j
		s.save(ctx, j)
	}
	return chainID, adapter, elems, jobs, nil
}

func (s *Service) runChain(ctx context.Context, adapter generator.Adapter, elems []element, jobs []*Job) error {
	var prev cache.Artifact
	var prevFP fingerprint.Fingerprint

	for i, el := range elems {
		j := jobs[i]
		if err := ctx.Err(); err != nil {
			gerr := generr.FromContext(err)
			s.abortRest(ctx, jobs[i:], gerr)
			return gerr
		}

		req := el.req
		var seed []byte
		if el.seeded && i > 0 {
			seed = s.seeds.TryExtract(ctx, prev.Path)
			if seed == nil {
				s.sink.Record(telemetry.EventContinuityDegraded, telemetry.Fields{
					"chain_id": j.ChainID,
					"index":    i,
					"from":     prevFP.Short(),
				})
			} else {
				req = continuity.InjectSeed(req, seed)
			}
		}

		a, err := s.runJob(ctx, j, adapter, req)
		if seed != nil {
			if fp := j.Clone().Fingerprint; fp != "" {
				s.recordLink(ctx, continuity.Link{
					ChainID:    j.ChainID,
					From:       prevFP,
					To:         fp,
					SeedDigest: fingerprint.Digest(seed),
				})
			}
		}
		if err != nil {
			stopped := &generr.Error{
				Kind:    generr.KindCancelled,
				Message: fmt.Sprintf("chain stopped after element %d: %s", i, generr.ToPublic(err).Message),
				Err:     err,
			}
			s.abortRest(ctx, jobs[i+1:], stopped)
			return err
		}
		prev = a
		prevFP = j.Clone().Fingerprint
	}
	return nil
}

// runJob drives one job to a terminal state.
func (s *Service) runJob(ctx context.Context, j *Job, adapter generator.Adapter, req generator.Request) (cache.Artifact, error) {
	plan, err := adapter.DurationPolicy().Plan(req.DurationSeconds)
	if err != nil {
		s.conclude(ctx, j, cache.Artifact{}, false, err)
		return cache.Artifact{}, err
	}
	fp := fingerprint.Of(req.WithDuration(plan.Submitted), adapter.Name())
	j.Prepare(fp, plan, len(req.SeedImage) > 0)
	s.save(ctx, j)

	a, cached, err := s.obtain(ctx, j, adapter, req, fp)
	s.conclude(ctx, j, a, cached, err)
	return a, err
}

// obtain returns the artifact for fp, from the cache, from another caller's
// flight, or by owning the work.
func (s *Service) obtain(ctx context.Context, j *Job, adapter generator.Adapter, req generator.Request, fp fingerprint.Fingerprint) (cache.Artifact, bool, error) {
	for {
		res := s.cache.BeginOrJoin(fp)
		switch res.Outcome {
		case cache.OutcomeComplete:
			if !s.cache.Verify(ctx, fp, res.Artifact) {
				s.logger.Warn("cached artifact missing, regenerating",
					slog.String("job_id", j.ID),
					slog.String("fingerprint", fp.Short()),
				)
				continue
			}
			return res.Artifact, true, nil
		case cache.OutcomeInProgress:
			s.markProcessing(ctx, j)
			a, err := res.Flight.Wait(ctx)
			if err != nil && generr.KindOf(err) == generr.KindCancelled && ctx.Err() == nil {
				// The owner was cancelled; this caller still wants the result.
				continue
			}
			return a, false, err
		default:
			a, err := s.own(ctx, j, adapter, req, res.Ticket)
			return a, false, err
		}
	}
}

// own performs the work behind a ticket. A task left outstanding for the
// same fingerprint is resumed instead of paying for a new submission.
func (s *Service) own(ctx context.Context, j *Job, adapter generator.Adapter, req generator.Request, t *cache.Ticket) (cache.Artifact, error) {
	fp := t.Fingerprint()
	if task, err := s.journal.Lookup(ctx, fp); err == nil && task.Provider == adapter.Name() {
		return s.resume(ctx, j, adapter, t, task.Handle())
	}

	err := billing.Check(ctx, s.billingPolicy, s.gate, billing.Charge{
		Fingerprint: fp,
		Provider:    adapter.Name(),
		Tier:        req.Tier,
		Seconds:     j.Clone().SubmittedDuration,
	})
	if err != nil {
		gerr := &generr.Error{
			Kind:     generr.KindPermanent,
			Provider: adapter.Name(),
			Message:  err.Error(),
			Hint:     "The generation was not authorized.",
			Err:      err,
		}
		t.Abort(gerr)
		return cache.Artifact{}, gerr
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		gerr := generr.FromContext(err)
		t.Abandon(gerr)
		return cache.Artifact{}, gerr
	}
	defer s.sem.Release(1)

	h, err := adapter.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			gerr := generr.FromContext(ctx.Err())
			t.Abandon(gerr)
			return cache.Artifact{}, gerr
		}
		t.Abort(err)
		return cache.Artifact{}, err
	}
	s.logger.Info("task submitted",
		slog.String("job_id", j.ID),
		slog.String("provider", h.Provider),
		slog.String("task_id", h.ProviderTaskID),
		slog.String("fingerprint", fp.Short()),
		slog.Int("requested_duration", h.RequestedDuration),
		slog.Int("submitted_duration", h.SubmittedDuration),
	)
	return s.follow(ctx, j, adapter, t, h)
}

// resume follows an already submitted task under the concurrency bound.
func (s *Service) resume(ctx context.Context, j *Job, adapter generator.Adapter, t *cache.Ticket, h generator.Handle) (cache.Artifact, error) {
	j.mu.Lock()
	j.Resumed = true
	j.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		gerr := generr.FromContext(err)
		t.Abandon(gerr)
		return cache.Artifact{}, gerr
	}
	defer s.sem.Release(1)
	return s.follow(ctx, j, adapter, t, h)
}

// follow journals the task, polls it to a terminal state, then downloads and
// stores the artifact.
func (s *Service) follow(ctx context.Context, j *Job, adapter generator.Adapter, t *cache.Ticket, h generator.Handle) (cache.Artifact, error) {
	fp := t.Fingerprint()
	t.SetHandle(h)
	j.SetHandle(h)
	s.markProcessing(ctx, j)

	task := journal.NewTask(fp, h, j.ID, j.ChainID)
	if err := s.journal.Record(context.WithoutCancel(ctx), task); err != nil {
		s.logger.Error("failed to journal task",
			slog.String("job_id", j.ID),
			slog.String("task_id", h.ProviderTaskID),
			slog.String("error", err.Error()),
		)
		s.sink.Record(telemetry.EventJournalFailed, telemetry.Fields{
			"provider":    h.Provider,
			"task_id":     h.ProviderTaskID,
			"fingerprint": fp.Short(),
		})
		gerr := &generr.Error{
			Kind:     generr.KindTransient,
			Provider: h.Provider,
			Message:  "task could not be journaled",
			Hint:     "Retry the request.",
			Err:      err,
		}
		t.Abandon(gerr)
		return cache.Artifact{}, gerr
	}

	status, err := s.loop.Run(ctx, adapter, h, func(st generator.TaskStatus) {
		j.SetProviderState(st.State)
		s.save(ctx, j)
	})
	if err != nil {
		return cache.Artifact{}, s.settle(ctx, t, err, false)
	}

	rc, err := s.fetcher.Open(ctx, status.VideoURL)
	if err != nil {
		return cache.Artifact{}, s.settle(ctx, t, err, true)
	}
	defer rc.Close() //nolint:errcheck

	a, err := t.Complete(ctx, rc)
	if err != nil {
		// Complete has already failed the entry; keep the task for a retry.
		s.journalMark(ctx, fp, journal.StateIndeterminate)
		return cache.Artifact{}, err
	}
	s.journalRemove(ctx, fp)
	return a, nil
}

// settle resolves the ticket after a polling or download error and updates
// the journal. providerDone is true when the provider already succeeded.
func (s *Service) settle(ctx context.Context, t *cache.Ticket, err error, providerDone bool) error {
	fp := t.Fingerprint()
	switch kind := generr.KindOf(err); {
	case kind == generr.KindCancelled:
		t.Abandon(err)
		s.journalMark(ctx, fp, journal.StateAbandoned)
	case kind == generr.KindTimeout || providerDone:
		t.Fail(err)
		s.journalMark(ctx, fp, journal.StateIndeterminate)
	default:
		t.Fail(err)
		s.journalRemove(ctx, fp)
	}
	return err
}

// conclude moves j to its terminal state and reports it.
func (s *Service) conclude(ctx context.Context, j *Job, a cache.Artifact, cached bool, err error) {
	if err == nil {
		if s.prober != nil && !cached {
			if secs, perr := s.prober.MediaDuration(ctx, a.Path); perr == nil {
				j.SetVideoSeconds(secs)
			} else {
				s.logger.Debug("probe artifact failed",
					slog.String("job_id", j.ID),
					slog.String("error", perr.Error()),
				)
			}
		}
		if terr := j.Succeed(a.Path, a.Size, cached); terr != nil {
			s.logger.Warn("job already finished", slog.String("job_id", j.ID), slog.String("status", string(j.GetStatus())))
		}
	} else if terr := j.Finish(err); terr != nil {
		s.logger.Warn("job already finished", slog.String("job_id", j.ID), slog.String("status", string(j.GetStatus())))
	}
	s.save(ctx, j)

	snap := j.Clone()
	fields := telemetry.Fields{
		"job_id":   snap.ID,
		"provider": snap.Provider,
		"status":   string(snap.Status),
		"cached":   snap.Cached,
	}
	if snap.Error != nil {
		fields["error_code"] = snap.Error.Code
		s.logger.Warn("job finished",
			slog.String("job_id", snap.ID),
			slog.String("status", string(snap.Status)),
			slog.String("code", snap.Error.Code),
			slog.String("error", snap.Error.Message),
		)
	} else {
		s.logger.Info("job finished",
			slog.String("job_id", snap.ID),
			slog.String("status", string(snap.Status)),
			slog.String("artifact", snap.ArtifactPath),
			slog.Bool("cached", snap.Cached),
		)
	}
	s.sink.Record(telemetry.EventJobFinished, fields)
}

func (s *Service) abortRest(ctx context.Context, jobs []*Job, err error) {
	for _, j := range jobs {
		if j.IsTerminal() {
			continue
		}
		if terr := j.Finish(err); terr == nil {
			s.save(ctx, j)
		}
	}
}

func (s *Service) markProcessing(ctx context.Context, j *Job) {
	if j.GetStatus() == StatusPending {
		if err := j.Start(); err == nil {
			s.save(ctx, j)
		}
	}
}

// save stores j and publishes its state. Saving survives cancellation so the
// terminal state of a cancelled job is recorded.
func (s *Service) save(ctx context.Context, j *Job) {
	if err := s.repo.Save(context.WithoutCancel(ctx), j); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	s.broker.Publish(EventOf(j))
}

func (s *Service) recoveredJob(ctx context.Context, task journal.Task) *Job {
	jobID := task.JobID
	if jobID == "" {
		jobID = id.Generate()
	} else if _, err := s.repo.FindByID(ctx, jobID); err == nil {
		jobID = id.Generate()
	}
	j := NewWithID(jobID, task.Provider, "")
	j.ChainID = task.ChainID
	j.Fingerprint = task.Fingerprint
	j.RequestedDuration = task.RequestedDuration
	j.SubmittedDuration = task.SubmittedDuration
	j.Resumed = true
	s.save(ctx, j)
	return j
}

func (s *Service) recordLink(ctx context.Context, l continuity.Link) {
	if err := s.journal.RecordLink(context.WithoutCancel(ctx), l); err != nil {
		s.logger.Warn("failed to record continuity link",
			slog.String("chain_id", l.ChainID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) journalRemove(ctx context.Context, fp fingerprint.Fingerprint) {
	if err := s.journal.Remove(context.WithoutCancel(ctx), fp); err != nil {
		s.logger.Warn("failed to remove journaled task",
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) journalMark(ctx context.Context, fp fingerprint.Fingerprint, state journal.State) {
	err := s.journal.MarkState(context.WithoutCancel(ctx), fp, state)
	if err != nil && !errors.Is(err, journal.ErrNotFound) {
		s.logger.Warn("failed to mark journaled task",
			slog.String("fingerprint", fp.Short()),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) track(key string) context.Context {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.running[key] = cancel
	s.mu.Unlock()
	return ctx
}

func (s *Service) untrack(key string) {
	s.mu.Lock()
	cancel, ok := s.running[key]
	delete(s.running, key)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) cancel(key string) error {
	s.mu.Lock()
	cancel, ok := s.running[key]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

func cloneAll(jobs []*Job) []*Job {
	out := make([]*Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out
}
