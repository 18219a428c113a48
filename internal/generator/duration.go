package generator

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/maauso/clipchain-api/internal/generr"
)

// DurationMode selects how a requested duration maps onto provider clips.
type DurationMode string

// Duration modes.
const (
	// DurationRoundUp submits one clip at the smallest accepted duration that
	// is not shorter than the request.
	DurationRoundUp DurationMode = "round_up"
	// DurationFixedClip submits clips of a fixed length and chains as many as
	// the request needs.
	DurationFixedClip DurationMode = "fixed_clip"
)

// Static errors for duration planning.
var (
	// ErrInvalidDuration is returned for non-positive durations.
	ErrInvalidDuration = errors.New("generator: duration must be positive")
	// ErrDurationUnsupported is returned when a round-up request exceeds the
	// longest accepted duration.
	ErrDurationUnsupported = errors.New("generator: duration exceeds provider maximum")
)

// DurationPolicy describes the clip durations one provider accepts.
type DurationPolicy struct {
	// Valid holds the accepted durations in seconds.
	Valid []int
	Mode  DurationMode
	// ClipSeconds is the clip length in fixed_clip mode. Zero means the
	// shortest valid duration.
	ClipSeconds int
}

// DurationPlan is the outcome of normalizing a requested duration.
type DurationPlan struct {
	Requested int
	// Submitted is the per-clip duration sent to the provider.
	Submitted int
	// Segments is the number of clips needed.
	Segments int
	// Rounded is true when Submitted*Segments differs from Requested.
	Rounded bool
}

// Plan normalizes requested seconds under the policy.
func (p DurationPolicy) Plan(requested int) (DurationPlan, error) {
	if requested <= 0 {
		return DurationPlan{}, generr.Wrap(generr.KindInvalidRequest, "", ErrInvalidDuration)
	}
	valid := slices.Clone(p.Valid)
	slices.Sort(valid)
	if len(valid) == 0 {
		valid = []int{5, 10}
	}

	if p.Mode == DurationFixedClip {
		clip := p.ClipSeconds
		if clip <= 0 {
			clip = valid[0]
		}
		segments := (requested + clip - 1) / clip
		return DurationPlan{
			Requested: requested,
			Submitted: clip,
			Segments:  segments,
			Rounded:   segments*clip != requested,
		}, nil
	}

	for _, v := range valid {
		if v >= requested {
			return DurationPlan{Requested: requested, Submitted: v, Segments: 1, Rounded: v != requested}, nil
		}
	}
	return DurationPlan{}, generr.Wrap(generr.KindInvalidRequest, "",
		fmt.Errorf("%w: %ds requested, maximum is %ds", ErrDurationUnsupported, requested, valid[len(valid)-1]))
}

// Normalize returns the single-clip duration for requested seconds. In
// fixed_clip mode it returns the clip length.
func (p DurationPolicy) Normalize(requested int) (int, error) {
	plan, err := p.Plan(requested)
	if err != nil {
		return 0, err
	}
	return plan.Submitted, nil
}

// ParseDurations parses a comma separated list such as "5,10".
func ParseDurations(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("generator: invalid duration %q", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("generator: no durations in %q", s)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
