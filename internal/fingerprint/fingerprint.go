// Package fingerprint derives the deterministic identity of a generation
// request. Two requests with the same fingerprint are the same unit of work.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/maauso/clipchain-api/internal/generator"
)

// Fingerprint is a hex-encoded sha256 digest.
type Fingerprint string

// String returns the fingerprint as text.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Of computes the fingerprint of req as submitted to provider. The duration
// must already be normalized so that 6s and 7s requests that both become 10s
// collapse onto one entry. Text fields are hashed in the normalized form the
// adapters submit.
func Of(req generator.Request, provider string) Fingerprint {
	req = req.Normalized()
	h := sha256.New()
	writeField(h, "v1")
	writeField(h, strings.ToLower(provider))
	writeField(h, req.Prompt)
	writeField(h, string(req.Tier))
	writeInt(h, req.DurationSeconds)
	writeField(h, req.NegativePrompt)
	writeField(h, req.CameraHint)
	writeInt(h, req.Part)
	writeBlob(h, req.SeedImage)
	writeBlob(h, req.SeedTailImage)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Digest returns the hex sha256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// writeField writes a length-prefixed string so that field boundaries cannot
// be shifted between adjacent values.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeInt(h hash.Hash, v int) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(int64(v)))
	h.Write(n[:])
}

// writeBlob writes a presence flag followed by the blob digest.
func writeBlob(h hash.Hash, b []byte) {
	if len(b) == 0 {
		h.Write([]byte{0})
		return
	}
	h.Write([]byte{1})
	sum := sha256.Sum256(b)
	h.Write(sum[:])
}
