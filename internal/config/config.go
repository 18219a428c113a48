// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maauso/clipchain-api/internal/generator"
)

// Provider names.
const (
	ProviderKling = "kling"
	ProviderPollo = "pollo"
)

// Static errors for configuration validation.
var (
	// ErrNoProvider is returned when no provider has credentials.
	ErrNoProvider = errors.New("config: at least one provider must be configured")
	// ErrUnknownProvider is returned for a provider name that is not supported.
	ErrUnknownProvider = errors.New("config: unknown provider")
	// ErrKlingKeysRequired is returned when Kling is enabled without both keys.
	ErrKlingKeysRequired = errors.New("config: KLING_ACCESS_KEY and KLING_SECRET_KEY are required")
	// ErrPolloKeyRequired is returned when Pollo is enabled without a key.
	ErrPolloKeyRequired = errors.New("config: POLLO_API_KEY is required")
	// ErrInvalidDurationMode is returned for an unknown duration mode.
	ErrInvalidDurationMode = errors.New("config: duration mode must be round_up or fixed_clip")
)

// ProviderConfig holds per-provider duration handling.
type ProviderConfig struct {
	Durations    string `env:"DURATIONS, default=5,10" json:"durations"`
	DurationMode string `env:"DURATION_MODE, default=round_up" json:"duration_mode"`
	ClipSeconds  int    `env:"CLIP_SECONDS" json:"clip_seconds,omitempty"`
}

// DurationPolicy parses the provider's duration settings.
func (p ProviderConfig) DurationPolicy() (generator.DurationPolicy, error) {
	valid, err := generator.ParseDurations(p.Durations)
	if err != nil {
		return generator.DurationPolicy{}, fmt.Errorf("config: %w", err)
	}
	mode := generator.DurationMode(strings.ToLower(p.DurationMode))
	if mode != generator.DurationRoundUp && mode != generator.DurationFixedClip {
		return generator.DurationPolicy{}, ErrInvalidDurationMode
	}
	return generator.DurationPolicy{Valid: valid, Mode: mode, ClipSeconds: p.ClipSeconds}, nil
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS, default=*" json:"cors_allowed_origins"`

	// Providers lists enabled providers. Empty enables every provider with
	// credentials.
	Providers       []string `env:"PROVIDERS" json:"providers,omitempty"`
	DefaultProvider string   `env:"DEFAULT_PROVIDER" json:"default_provider,omitempty"`

	// Kling settings
	KlingAccessKey string         `env:"KLING_ACCESS_KEY" json:"-"` // Masked in JSON
	KlingSecretKey string         `env:"KLING_SECRET_KEY" json:"-"` // Masked in JSON
	KlingBaseURL   string         `env:"KLING_BASE_URL, default=https://api.klingai.com" json:"kling_base_url"`
	Kling          ProviderConfig `env:", prefix=KLING_" json:"kling"`

	// Pollo settings
	PolloAPIKey     string         `env:"POLLO_API_KEY" json:"-"` // Masked in JSON
	PolloBaseURL    string         `env:"POLLO_BASE_URL, default=https://pollo.ai/api/platform" json:"pollo_base_url"`
	PolloResolution string         `env:"POLLO_RESOLUTION" json:"pollo_resolution,omitempty"`
	PolloWebhookURL string         `env:"POLLO_WEBHOOK_URL" json:"pollo_webhook_url,omitempty"`
	Pollo           ProviderConfig `env:", prefix=POLLO_" json:"pollo"`

	// Optional remote key store; overrides the keys above.
	KeystoreURL   string `env:"KEYSTORE_URL" json:"keystore_url,omitempty"`
	KeystoreToken string `env:"KEYSTORE_TOKEN" json:"-"` // Masked in JSON

	// Storage settings
	DataDir       string `env:"DATA_DIR, default=/var/lib/clipchain" json:"data_dir"`
	JournalPath   string `env:"JOURNAL_PATH" json:"journal_path,omitempty"`
	CacheMaxBytes int64  `env:"CACHE_MAX_BYTES, default=10737418240" json:"cache_max_bytes"`
	SweepSchedule string `env:"CACHE_SWEEP_SCHEDULE, default=@every 10m" json:"cache_sweep_schedule"`

	// FailedTTL is how long a failed cache entry is kept before a sweep
	// drops it.
	FailedTTL time.Duration `env:"CACHE_FAILED_TTL, default=5m" json:"cache_failed_ttl"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Processing settings
	MaxConcurrentGenerations int           `env:"MAX_CONCURRENT_GENERATIONS, default=4" json:"max_concurrent_generations"`
	MaxConcurrentChains      int           `env:"MAX_CONCURRENT_CHAINS, default=2" json:"max_concurrent_chains"`
	PollInterval             time.Duration `env:"POLL_INTERVAL, default=2s" json:"poll_interval"`
	PollTimeout              time.Duration `env:"POLL_TIMEOUT, default=10m" json:"poll_timeout"`
	PollMaxAttempts          int           `env:"POLL_MAX_ATTEMPTS, default=300" json:"poll_max_attempts"`
	BillingBypass            bool          `env:"BILLING_BYPASS, default=true" json:"billing_bypass"`
	// BillingMaxClipSeconds refuses submissions longer than this when
	// billing is enforced. Zero means no limit.
	BillingMaxClipSeconds    int           `env:"BILLING_MAX_CLIP_SECONDS" json:"billing_max_clip_seconds,omitempty"`
	FFmpegPath               string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath              string        `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Logging settings
	LogFormat     string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel      string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
	LogFile       string `env:"LOG_FILE" json:"log_file,omitempty"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB, default=100" json:"log_max_size_mb"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS, default=5" json:"log_max_backups"`
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// KeystoreEnabled returns true if credentials come from a remote key store.
func (c *Config) KeystoreEnabled() bool {
	return c.KeystoreURL != ""
}

// StorageDir is where artifacts live.
func (c *Config) StorageDir() string {
	return c.DataDir + "/artifacts"
}

// JournalFile is the sqlite journal location.
func (c *Config) JournalFile() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	return c.DataDir + "/journal.db"
}

// EnabledProviders returns the providers to wire, in a stable order.
func (c *Config) EnabledProviders() []string {
	if len(c.Providers) > 0 {
		out := make([]string, 0, len(c.Providers))
		for _, p := range c.Providers {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" && !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
		return out
	}
	var out []string
	if c.KlingAccessKey != "" || c.KlingSecretKey != "" {
		out = append(out, ProviderKling)
	}
	if c.PolloAPIKey != "" {
		out = append(out, ProviderPollo)
	}
	return out
}

// Load reads configuration from environment variables using go-envconfig.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv files. Missing files are ignored.
func LoadFiles(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	providers := c.EnabledProviders()
	if len(providers) == 0 {
		return ErrNoProvider
	}
	for _, p := range providers {
		switch p {
		case ProviderKling:
			if !c.KeystoreEnabled() && (c.KlingAccessKey == "" || c.KlingSecretKey == "") {
				return ErrKlingKeysRequired
			}
			if _, err := c.Kling.DurationPolicy(); err != nil {
				return fmt.Errorf("kling: %w", err)
			}
		case ProviderPollo:
			if !c.KeystoreEnabled() && c.PolloAPIKey == "" {
				return ErrPolloKeyRequired
			}
			if _, err := c.Pollo.DurationPolicy(); err != nil {
				return fmt.Errorf("pollo: %w", err)
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnknownProvider, p)
		}
	}
	if c.DefaultProvider != "" && !slices.Contains(providers, c.DefaultProvider) {
		return fmt.Errorf("%w: default %s is not enabled", ErrUnknownProvider, c.DefaultProvider)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs. When LogFile is set, logs
// also go to a size-rotated file; the returned closer releases it.
func (c *Config) NewLogger() (*slog.Logger, io.Closer) {
	level := parseLogLevel(c.LogLevel)

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if c.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Providers: %v, DefaultProvider: %s, KlingAccessKey: %s, KlingSecretKey: %s, PolloAPIKey: %s, KeystoreURL: %s, DataDir: %s, CacheMaxBytes: %d, MaxConcurrentGenerations: %d, MaxConcurrentChains: %d, PollTimeout: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.EnabledProviders(),
		c.DefaultProvider,
		mask(c.KlingAccessKey),
		mask(c.KlingSecretKey),
		mask(c.PolloAPIKey),
		c.KeystoreURL,
		c.DataDir,
		c.CacheMaxBytes,
		c.MaxConcurrentGenerations,
		c.MaxConcurrentChains,
		c.PollTimeout,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
