// Package media provides the video inspection the orchestrator needs:
// pulling the closing frame of a clip and probing its length.
package media

import "context"

// Processor defines the interface for video inspection operations.
// Implementations should use ffmpeg or similar tools.
type Processor interface {
	// ExtractLastFrame extracts the last frame from a video file as a PNG image.
	// Returns the image data as bytes.
	ExtractLastFrame(ctx context.Context, videoPath string) ([]byte, error)

	// MediaDuration returns the duration in seconds of a media file.
	MediaDuration(ctx context.Context, path string) (float64, error)
}
