package fingerprint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maauso/clipchain-api/internal/generator"
)

func baseRequest() generator.Request {
	return generator.Request{
		Prompt:          "a red kite over dunes",
		DurationSeconds: 10,
		Tier:            generator.TierBasic,
	}
}

func TestOf_Deterministic(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	a.SeedImage = []byte("frame")
	b.SeedImage = []byte("frame")

	assert.Equal(t, Of(a, "kling"), Of(b, "kling"))
	assert.Len(t, string(Of(a, "kling")), 64)
}

func TestOf_Normalization(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Prompt = "  a red kite over dunes "

	assert.Equal(t, Of(a, "kling"), Of(b, "KLING"))
}

func TestOf_HashesSubmittedText(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Prompt = "\ta red kite over dunes\n"
	b.NegativePrompt = " "
	b.CameraHint = " "

	assert.Equal(t, Of(a, "kling"), Of(b, "kling"))
	assert.Equal(t, a.Prompt, b.Normalized().Prompt)
}

func TestOf_SplitClipsDiffer(t *testing.T) {
	r := baseRequest()
	seen := map[Fingerprint]bool{}
	for k := 0; k < 3; k++ {
		seen[Of(r.WithPart(k), "pollo")] = true
	}
	assert.Len(t, seen, 3)
}

func TestOf_SensitiveToEveryField(t *testing.T) {
	base := Of(baseRequest(), "kling")

	mutations := map[string]func(r *generator.Request) string{
		"prompt":          func(r *generator.Request) string { r.Prompt = "a blue kite over dunes"; return "kling" },
		"duration":        func(r *generator.Request) string { r.DurationSeconds = 5; return "kling" },
		"tier":            func(r *generator.Request) string { r.Tier = generator.TierPro; return "kling" },
		"seed present":    func(r *generator.Request) string { r.SeedImage = []byte{0}; return "kling" },
		"tail present":    func(r *generator.Request) string { r.SeedTailImage = []byte{0}; return "kling" },
		"negative prompt": func(r *generator.Request) string { r.NegativePrompt = "blur"; return "kling" },
		"camera hint":     func(r *generator.Request) string { r.CameraHint = "zoom_in"; return "kling" },
		"part":            func(r *generator.Request) string { r.Part = 1; return "kling" },
		"provider":        func(r *generator.Request) string { return "pollo" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := baseRequest()
			provider := mutate(&r)
			assert.NotEqual(t, base, Of(r, provider))
		})
	}
}

func TestOf_SeedInTailSlotDiffers(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	a.SeedImage = []byte("frame")
	b.SeedTailImage = []byte("frame")

	assert.NotEqual(t, Of(a, "kling"), Of(b, "kling"))
}

func TestOf_FieldBoundaries(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	a.Prompt, a.NegativePrompt = "ab", "c"
	b.Prompt, b.NegativePrompt = "a", "bc"

	assert.NotEqual(t, Of(a, "kling"), Of(b, "kling"))
}

func TestOf_NoCollisionsOverSampledCorpus(t *testing.T) {
	seen := make(map[Fingerprint]string)
	providers := []string{"kling", "pollo"}
	durations := []int{5, 10}

	for i := 0; i < 250; i++ {
		for _, tier := range generator.Tiers {
			for _, d := range durations {
				for _, p := range providers {
					for _, seeded := range []bool{false, true} {
						r := generator.Request{
							Prompt:          fmt.Sprintf("scene %d", i),
							DurationSeconds: d,
							Tier:            tier,
						}
						if seeded {
							r.SeedImage = []byte(fmt.Sprintf("seed-%d", i))
						}
						key := fmt.Sprintf("%d/%s/%d/%s/%v", i, tier, d, p, seeded)
						fp := Of(r, p)
						if prev, ok := seen[fp]; ok {
							t.Fatalf("collision between %s and %s", prev, key)
						}
						seen[fp] = key
					}
				}
			}
		}
	}
	assert.Len(t, seen, 250*len(generator.Tiers)*len(durations)*len(providers)*2)
}

func TestShortAndDigest(t *testing.T) {
	fp := Fingerprint("0123456789abcdef")
	assert.Equal(t, "0123456789ab", fp.Short())
	assert.Equal(t, "abc", Fingerprint("abc").Short())
	assert.Len(t, Digest([]byte("x")), 64)
}
