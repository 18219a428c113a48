// Package generator provides the common interface for video generation
// providers. Each provider adapter translates a normalized Request into its
// own wire call and maps its status vocabulary onto State.
package generator

import (
	"context"
	"strings"
	"time"
)

// QualityTier selects a provider model class.
type QualityTier string

// Quality tiers.
const (
	TierEconomy QualityTier = "economy"
	TierBasic   QualityTier = "basic"
	TierPro     QualityTier = "pro"
	TierPremium QualityTier = "premium"
)

// Tiers lists every tier in ascending order.
var Tiers = []QualityTier{TierEconomy, TierBasic, TierPro, TierPremium}

// IsValid returns true if the tier is known.
func (t QualityTier) IsValid() bool {
	switch t {
	case TierEconomy, TierBasic, TierPro, TierPremium:
		return true
	default:
		return false
	}
}

// Request is a provider-independent generation request. It is treated as an
// immutable value; helpers return modified copies.
type Request struct {
	Prompt          string      `validate:"required,max=2500"`
	DurationSeconds int         `validate:"gt=0"`
	Tier            QualityTier `validate:"required,oneof=economy basic pro premium"`
	SeedImage       []byte
	SeedTailImage   []byte
	NegativePrompt  string `validate:"max=2500"`
	CameraHint      string
	// Part is the clip index within a segment the duration policy split
	// into several clips. Zero for unsplit requests.
	Part int `validate:"gte=0"`
}

// Normalized returns a copy of r with surrounding whitespace removed from
// its text fields. Adapters submit and fingerprints hash this form.
func (r Request) Normalized() Request {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.NegativePrompt = strings.TrimSpace(r.NegativePrompt)
	r.CameraHint = strings.TrimSpace(r.CameraHint)
	return r
}

// WithPart returns a copy of r marked as clip k of a split segment.
func (r Request) WithPart(k int) Request {
	r.Part = k
	return r
}

// WithDuration returns a copy of r with the duration replaced.
func (r Request) WithDuration(seconds int) Request {
	r.DurationSeconds = seconds
	return r
}

// WithSeed returns a copy of r with the seed image replaced.
func (r Request) WithSeed(seed []byte) Request {
	if seed != nil {
		seed = append([]byte(nil), seed...)
	}
	r.SeedImage = seed
	return r
}

// Handle identifies a submitted provider task. It is immutable.
type Handle struct {
	ProviderTaskID string
	Provider       string
	SubmittedAt    time.Time
	// StatusURL is the address adapters query for status.
	StatusURL string
	// RequestedDuration is the caller's duration before normalization.
	RequestedDuration int
	// SubmittedDuration is the duration sent to the provider.
	SubmittedDuration int
}

// State is the normalized task state.
type State string

// Task states.
const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	// StateUnknown marks a provider status with no mapping.
	StateUnknown State = "UNKNOWN"
)

// IsTerminal returns true if the state admits no further transition.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// TaskStatus is a normalized status report.
type TaskStatus struct {
	State State
	// VideoURL is set when State is StateSucceeded.
	VideoURL string
	// Reason is the provider's failure message when State is StateFailed.
	Reason string
	// Raw is the provider's own status string.
	Raw string
}

// Adapter is implemented once per provider.
type Adapter interface {
	// Name is the provider identifier used in fingerprints and handles.
	Name() string

	// DurationPolicy describes the durations the provider accepts.
	DurationPolicy() DurationPolicy

	// Submit normalizes the duration and creates a provider task.
	Submit(ctx context.Context, req Request) (Handle, error)

	// CheckStatus queries the task once.
	CheckStatus(ctx context.Context, h Handle) (TaskStatus, error)
}
