// Package continuity carries visual state from one clip into the next. The
// closing frame of a finished artifact becomes the seed image of the
// following request.
package continuity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/clipchain-api/internal/fingerprint"
	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/media"
	"github.com/maauso/clipchain-api/internal/storage"
)

// ErrArtifactMissing is returned when the artifact to extract from does not
// exist.
var ErrArtifactMissing = errors.New("continuity: artifact not found")

// Link relates the artifact of one chain element to the seed of the next.
// It is kept for auditing only.
type Link struct {
	ChainID    string
	From       fingerprint.Fingerprint
	To         fingerprint.Fingerprint
	SeedDigest string
	CreatedAt  time.Time
}

// Bridge extracts seeds from finished artifacts.
type Bridge struct {
	processor media.Processor
	store     storage.Storage
	logger    *slog.Logger
}

// NewBridge creates a Bridge. If logger is nil, slog.Default() is used.
func NewBridge(processor media.Processor, store storage.Storage, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{processor: processor, store: store, logger: logger}
}

// ExtractSeed returns the last frame of the artifact at path as PNG bytes.
func (b *Bridge) ExtractSeed(ctx context.Context, path string) ([]byte, error) {
	ok, err := b.store.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("continuity: check artifact: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}

	// A mirrored store may only hold the artifact remotely; Read restores it.
	rc, err := b.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("continuity: open artifact: %w", err)
	}
	_ = rc.Close()

	seed, err := b.processor.ExtractLastFrame(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("continuity: extract last frame: %w", err)
	}
	return seed, nil
}

// TryExtract is ExtractSeed for chains: a failure is logged and reported as a
// nil seed so the next element runs as a plain request.
func (b *Bridge) TryExtract(ctx context.Context, path string) []byte {
	seed, err := b.ExtractSeed(ctx, path)
	if err != nil {
		b.logger.Warn("continuity dropped for link",
			slog.String("artifact", path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return seed
}

// InjectSeed returns a copy of req seeded with seed. A nil seed leaves the
// request unchanged.
func InjectSeed(req generator.Request, seed []byte) generator.Request {
	if len(seed) == 0 {
		return req
	}
	return req.WithSeed(seed)
}
