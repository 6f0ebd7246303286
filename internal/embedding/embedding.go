// Package embedding implements the deterministic hashed-feature embedder.
package embedding

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"math"
	"strings"

	"github.com/garnizeh/redmine-rag/internal/textutil"
)

const (
	tokenWeight   = 1.0
	trigramWeight = 0.35
)

var ErrInvalidDim = errors.New("embedding: dimension must be > 0")

// Embedder projects text into a fixed-size unit vector.
type Embedder interface {
	Dim() int
	Embed(text string) []float32
}

// Hashed buckets tokens and character trigrams by SHA-1 with a hash-derived
// sign. Output depends only on (text, dim).
type Hashed struct {
	dim int
}

func NewHashed(dim int) (*Hashed, error) {
	if dim <= 0 {
		return nil, ErrInvalidDim
	}
	return &Hashed{dim: dim}, nil
}

func (h *Hashed) Dim() int { return h.dim }

// Embed returns a unit-length vector, or all zeros for text with no features.
func (h *Hashed) Embed(text string) []float32 {
	acc := make([]float64, h.dim)
	toks := textutil.WordTokens(textutil.Fold(text))
	for _, tok := range toks {
		h.add(acc, "tok:"+tok, tokenWeight)
	}
	// trigrams run over the trimmed tokens joined without spaces
	compact := []rune(strings.Join(toks, ""))
	for i := 0; i+3 <= len(compact); i++ {
		h.add(acc, "tri:"+string(compact[i:i+3]), trigramWeight)
	}
	return normalize(acc)
}

func (h *Hashed) add(acc []float64, feature string, w float64) {
	sum := sha1.Sum([]byte(feature))
	bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(h.dim)
	if sum[8]&1 == 1 {
		w = -w
	}
	acc[bucket] += w
}

func normalize(acc []float64) []float32 {
	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, len(acc))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// IsZero reports whether every component is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Cosine returns the dot product of two unit vectors of equal length.
func Cosine(a, b []float32) float64 {
	var s float64
	for i := range min(len(a), len(b)) {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
