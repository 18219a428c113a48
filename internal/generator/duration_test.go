package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipchain-api/internal/generr"
)

func TestDurationPolicy_Plan_RoundUp(t *testing.T) {
	p := DurationPolicy{Valid: []int{10, 5}, Mode: DurationRoundUp}

	tests := []struct {
		requested int
		want      DurationPlan
	}{
		{1, DurationPlan{Requested: 1, Submitted: 5, Segments: 1, Rounded: true}},
		{5, DurationPlan{Requested: 5, Submitted: 5, Segments: 1}},
		{6, DurationPlan{Requested: 6, Submitted: 10, Segments: 1, Rounded: true}},
		{10, DurationPlan{Requested: 10, Submitted: 10, Segments: 1}},
	}
	for _, tt := range tests {
		got, err := p.Plan(tt.requested)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "requested %d", tt.requested)
	}
}

func TestDurationPolicy_Plan_RoundUpAboveMax(t *testing.T) {
	p := DurationPolicy{Valid: []int{5, 10}, Mode: DurationRoundUp}

	_, err := p.Plan(11)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDurationUnsupported)
	assert.Equal(t, generr.KindInvalidRequest, generr.KindOf(err))
}

func TestDurationPolicy_Plan_FixedClip(t *testing.T) {
	p := DurationPolicy{Valid: []int{5, 10}, Mode: DurationFixedClip}

	got, err := p.Plan(12)
	require.NoError(t, err)
	assert.Equal(t, DurationPlan{Requested: 12, Submitted: 5, Segments: 3, Rounded: true}, got)

	p.ClipSeconds = 10
	got, err = p.Plan(20)
	require.NoError(t, err)
	assert.Equal(t, DurationPlan{Requested: 20, Submitted: 10, Segments: 2}, got)
}

func TestDurationPolicy_Plan_Invalid(t *testing.T) {
	for _, d := range []int{0, -3} {
		_, err := DurationPolicy{}.Plan(d)
		assert.ErrorIs(t, err, ErrInvalidDuration)
		assert.Equal(t, generr.KindInvalidRequest, generr.KindOf(err))
	}
}

func TestDurationPolicy_DefaultValid(t *testing.T) {
	n, err := DurationPolicy{}.Normalize(7)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestParseDurations(t *testing.T) {
	got, err := ParseDurations(" 10, 5,5 ")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10}, got)

	_, err = ParseDurations("5,x")
	assert.Error(t, err)

	_, err = ParseDurations(" , ")
	assert.Error(t, err)
}

func TestQualityTier_IsValid(t *testing.T) {
	for _, tier := range Tiers {
		assert.True(t, tier.IsValid())
	}
	assert.False(t, QualityTier("ultra").IsValid())
}

func TestRequest_CopyHelpers(t *testing.T) {
	seed := []byte{1, 2, 3}
	orig := Request{Prompt: "p", DurationSeconds: 5}

	withSeed := orig.WithSeed(seed)
	seed[0] = 9
	assert.Nil(t, orig.SeedImage)
	assert.Equal(t, []byte{1, 2, 3}, withSeed.SeedImage)

	part := orig.WithPart(2)
	assert.Equal(t, 0, orig.Part)
	assert.Equal(t, 2, part.Part)

	longer := orig.WithDuration(10)
	assert.Equal(t, 5, orig.DurationSeconds)
	assert.Equal(t, 10, longer.DurationSeconds)
}
