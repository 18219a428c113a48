// Package billing holds the hooks the orchestrator consults before spending
// provider credit. Pricing and credit accounting live elsewhere; this package
// only carries the decision.
package billing

import (
	"context"
	"errors"

	"github.com/maauso/clipchain-api/internal/fingerprint"
	"github.com/maauso/clipchain-api/internal/generator"
)

// ErrNotAuthorized is returned by a Gate that refuses a charge.
var ErrNotAuthorized = errors.New("billing: generation not authorized")

// Policy decides whether authorization is skipped, e.g. in demo deployments.
type Policy interface {
	ShouldBypass() bool
}

// StaticPolicy is a fixed Policy.
type StaticPolicy bool

// ShouldBypass returns the fixed value.
func (p StaticPolicy) ShouldBypass() bool { return bool(p) }

// Charge describes a provider submission about to be made.
type Charge struct {
	Fingerprint fingerprint.Fingerprint
	Provider    string
	Tier        generator.QualityTier
	Seconds     int
}

// Gate authorizes charges. It is consulted once per fingerprint, never for
// cache hits or joins.
type Gate interface {
	Authorize(ctx context.Context, c Charge) error
}

// AllowAll authorizes every charge.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(context.Context, Charge) error { return nil }

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, c Charge) error

// Authorize calls f.
func (f GateFunc) Authorize(ctx context.Context, c Charge) error { return f(ctx, c) }

// Check runs the gate unless the policy bypasses it.
func Check(ctx context.Context, p Policy, g Gate, c Charge) error {
	if p != nil && p.ShouldBypass() {
		return nil
	}
	if g == nil {
		return nil
	}
	return g.Authorize(ctx, c)
}
