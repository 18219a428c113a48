// Package bootstrap provides dependency initialization for the clip chain API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maauso/clipchain-api/internal/auth"
	"github.com/maauso/clipchain-api/internal/billing"
	"github.com/maauso/clipchain-api/internal/cache"
	"github.com/maauso/clipchain-api/internal/config"
	"github.com/maauso/clipchain-api/internal/continuity"
	"github.com/maauso/clipchain-api/internal/fetch"
	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/job"
	"github.com/maauso/clipchain-api/internal/journal"
	"github.com/maauso/clipchain-api/internal/keystore"
	"github.com/maauso/clipchain-api/internal/kling"
	"github.com/maauso/clipchain-api/internal/media"
	"github.com/maauso/clipchain-api/internal/poll"
	"github.com/maauso/clipchain-api/internal/pollo"
	"github.com/maauso/clipchain-api/internal/storage"
	"github.com/maauso/clipchain-api/internal/telemetry"
	"github.com/maauso/clipchain-api/internal/transport"
)

// Credential names looked up in the key store.
const (
	CredKlingAccessKey = "kling_access_key"
	CredKlingSecretKey = "kling_secret_key"
	CredPolloAPIKey    = "pollo_api_key"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service *job.Service
	Cache   *cache.Cache
	Storage storage.Storage
	Journal *journal.SQLiteJournal
	Sink    *telemetry.SlogSink

	cron   *cron.Cron
	logger *slog.Logger
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (deps *Dependencies, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	sink := telemetry.NewSlogSink(logger, 0)
	defer func() {
		if err != nil {
			sink.Close()
		}
	}()

	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	adapters, err := initAdapters(cfg, logger, sink)
	if err != nil {
		return nil, err
	}

	jrnl, err := journal.Open(ctx, cfg.JournalFile())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err != nil {
			_ = jrnl.Close()
		}
	}()

	processor := media.NewFFmpegProcessor(cfg.FFmpegPath, processorOpts(cfg, store)...)
	resultCache := cache.New(store,
		cache.WithMaxBytes(cfg.CacheMaxBytes),
		cache.WithSink(sink),
		cache.WithLogger(logger),
	)

	pollCfg := poll.DefaultConfig()
	pollCfg.Interval = cfg.PollInterval
	pollCfg.Timeout = cfg.PollTimeout
	pollCfg.MaxAttempts = cfg.PollMaxAttempts
	loop := poll.NewLoop(pollCfg,
		poll.WithRetrier(newRetrier("poll", logger, sink)),
		poll.WithSink(sink),
		poll.WithLogger(logger),
	)

	opts := []job.Option{
		job.WithLogger(logger),
		job.WithSink(sink),
		job.WithBilling(billing.StaticPolicy(cfg.BillingBypass), initGate(cfg)),
		job.WithMaxConcurrentGenerations(cfg.MaxConcurrentGenerations),
		job.WithMaxConcurrentChains(cfg.MaxConcurrentChains),
		job.WithProber(processor),
	}
	if cfg.DefaultProvider != "" {
		opts = append(opts, job.WithDefaultProvider(cfg.DefaultProvider))
	}
	svc, err := job.NewService(job.Deps{
		Adapters: adapters,
		Cache:    resultCache,
		Loop:     loop,
		Fetcher:  fetch.NewFetcher(fetch.WithRetrier(newRetrier("fetch", logger, sink))),
		Seeds:    continuity.NewBridge(processor, store, logger),
		Journal:  jrnl,
		Repo:     job.NewMemoryRepository(),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}

	deps = &Dependencies{
		Service: svc,
		Cache:   resultCache,
		Storage: store,
		Journal: jrnl,
		Sink:    sink,
		logger:  logger,
	}
	if err := deps.initSweeps(cfg); err != nil {
		_ = svc.Shutdown(ctx)
		return nil, err
	}
	return deps, nil
}

// Start warms the cache from stored artifacts, resumes tasks a previous run
// left outstanding and starts the periodic sweeps.
func (d *Dependencies) Start(ctx context.Context) error {
	warmed, err := d.Cache.Warm(ctx)
	if err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	resumed, err := d.Service.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile journal: %w", err)
	}
	d.cron.Start()

	d.logger.Info("orchestrator started",
		slog.Int("cached_artifacts", warmed),
		slog.Int("resumed_tasks", resumed),
		slog.Any("providers", d.Service.Providers()),
	)
	return nil
}

// Close stops the sweeps, unwinds running work and releases the journal.
func (d *Dependencies) Close(ctx context.Context) error {
	stopped := d.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	errs := []error{d.Service.Shutdown(ctx)}
	d.Sink.Close()
	errs = append(errs, d.Journal.Close())
	return errors.Join(errs...)
}

// Sweep evicts over-budget artifacts and drops stale failed entries.
func (d *Dependencies) Sweep(ctx context.Context, failedTTL time.Duration) (evicted, pruned int) {
	evicted = d.Cache.Evict(ctx)
	pruned = d.Cache.PruneFailed(failedTTL)
	return evicted, pruned
}

func (d *Dependencies) initSweeps(cfg *config.Config) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(d.logger.Handler(), slog.LevelDebug))
	d.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	_, err := d.cron.AddFunc(cfg.SweepSchedule, func() {
		evicted, pruned := d.Sweep(context.Background(), cfg.FailedTTL)
		if evicted > 0 || pruned > 0 {
			d.logger.Info("cache sweep",
				slog.Int("evicted", evicted),
				slog.Int("pruned_failed", pruned),
				slog.Int64("bytes", d.Cache.Bytes()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache sweep %q: %w", cfg.SweepSchedule, err)
	}
	return nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.StorageDir(), s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.StorageDir())
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("dir", cfg.StorageDir()),
	)
	return localStore, nil
}

// initCredentials returns the key store credentials are read from.
func initCredentials(cfg *config.Config, logger *slog.Logger) *auth.CredentialCache {
	var store keystore.Store
	if cfg.KeystoreEnabled() {
		store = keystore.NewHTTPStore(cfg.KeystoreURL, cfg.KeystoreToken)
		logger.Info("remote key store configured", slog.String("url", cfg.KeystoreURL))
	} else {
		store = keystore.MapStore{
			CredKlingAccessKey: cfg.KlingAccessKey,
			CredKlingSecretKey: cfg.KlingSecretKey,
			CredPolloAPIKey:    cfg.PolloAPIKey,
		}
	}
	return auth.NewCredentialCache(store)
}

func initAdapters(cfg *config.Config, logger *slog.Logger, sink telemetry.Sink) ([]generator.Adapter, error) {
	creds := initCredentials(cfg, logger)

	var adapters []generator.Adapter
	for _, name := range cfg.EnabledProviders() {
		switch name {
		case config.ProviderKling:
			policy, err := cfg.Kling.DurationPolicy()
			if err != nil {
				return nil, err
			}
			signer := auth.NewJWTSigner(creds, CredKlingAccessKey, CredKlingSecretKey)
			client, err := kling.NewClient(signer,
				kling.WithBaseURL(cfg.KlingBaseURL),
				kling.WithRetrier(newRetrier(kling.ProviderName, logger, sink)),
			)
			if err != nil {
				return nil, fmt.Errorf("create Kling client: %w", err)
			}
			adapters = append(adapters, generator.NewKlingAdapter(client, generator.WithKlingDurationPolicy(policy)))
		case config.ProviderPollo:
			policy, err := cfg.Pollo.DurationPolicy()
			if err != nil {
				return nil, err
			}
			signer := auth.NewStaticKeySigner(creds, CredPolloAPIKey)
			clientOpts := []pollo.ClientOption{
				pollo.WithBaseURL(cfg.PolloBaseURL),
				pollo.WithRetrier(newRetrier(pollo.ProviderName, logger, sink)),
			}
			if cfg.PolloWebhookURL != "" {
				clientOpts = append(clientOpts, pollo.WithWebhookURL(cfg.PolloWebhookURL))
			}
			client, err := pollo.NewClient(signer, clientOpts...)
			if err != nil {
				return nil, fmt.Errorf("create Pollo client: %w", err)
			}
			adapterOpts := []generator.PolloOption{generator.WithPolloDurationPolicy(policy)}
			if cfg.PolloResolution != "" {
				adapterOpts = append(adapterOpts, generator.WithPolloResolution(cfg.PolloResolution))
			}
			adapters = append(adapters, generator.NewPolloAdapter(client, adapterOpts...))
		default:
			return nil, fmt.Errorf("%w: %s", config.ErrUnknownProvider, name)
		}
		logger.Info("provider configured", slog.String("provider", name))
	}
	return adapters, nil
}

// initGate builds the authorization gate consulted when billing is enforced.
func initGate(cfg *config.Config) billing.Gate {
	if cfg.BillingMaxClipSeconds <= 0 {
		return billing.AllowAll{}
	}
	limit := cfg.BillingMaxClipSeconds
	return billing.GateFunc(func(_ context.Context, c billing.Charge) error {
		if c.Seconds > limit {
			return fmt.Errorf("%w: %ds clip exceeds the %ds allowance", billing.ErrNotAuthorized, c.Seconds, limit)
		}
		return nil
	})
}

// newRetrier builds the shared retry policy and reports every attempt.
func newRetrier(component string, logger *slog.Logger, sink telemetry.Sink) *transport.Retrier {
	return transport.NewRetrier(transport.DefaultPolicy(),
		transport.WithLogger(logger),
		transport.WithObserver(func(a transport.Attempt) {
			fields := telemetry.Fields{
				"component":      component,
				"attempt":        a.Number,
				"elapsed_ms":     a.Elapsed.Milliseconds(),
				"response_bytes": a.ResponseSize,
			}
			if a.Err != nil {
				fields["error"] = a.Err.Error()
				fields["kind"] = string(generr.KindOf(a.Err))
			}
			sink.Record(telemetry.EventSubmitAttempt, fields)
		}),
	)
}

func processorOpts(cfg *config.Config, store storage.Storage) []media.Option {
	opts := []media.Option{media.WithFFprobePath(cfg.FFprobePath)}
	if sd, ok := store.(storage.ScratchDir); ok {
		opts = append(opts, media.WithScratchDir(sd.TempDir()))
	}
	return opts
}
