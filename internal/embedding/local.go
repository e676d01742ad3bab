package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// localModelID identifies the feature-hashing embedding space. Changing the
// hashing scheme must change this ID so stored vectors are invalidated.
const localModelID = "grimoire-feature-hash-v1"

// bigramWeight is the bucket weight of token bigrams relative to unigrams.
// Bigrams carry word-order signal but are noisier, so they count for less.
const bigramWeight = 0.5

// Local is a deterministic, dependency-free embedding backend.
//
// It hashes token unigrams and adjacent bigrams into signed buckets of a
// 384-dim vector (the "hashing trick") and L2-normalises the result. Texts
// sharing vocabulary land near each other in cosine space, which is all the
// hybrid resolver needs from its semantic leg. Same text always yields a
// bit-identical vector, and a call is pure CPU with no I/O.
//
// The zero value is not usable; create instances with [NewLocal].
type Local struct {
	dims int
}

var _ Provider = (*Local)(nil)

// NewLocal creates a local embedder producing [Dimensions]-length vectors.
func NewLocal() *Local {
	return &Local{dims: Dimensions}
}

// Embed implements [Provider]. It never fails except on context
// cancellation; an all-whitespace input yields the zero vector.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, l.dims)
	tokens := tokenize(text)

	for i, tok := range tokens {
		addFeature(vec, tok, 1)
		if i+1 < len(tokens) {
			addFeature(vec, tok+"\x00"+tokens[i+1], bigramWeight)
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch implements [Provider].
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements [Provider].
func (l *Local) Dimensions() int { return l.dims }

// ModelID implements [Provider].
func (l *Local) ModelID() string { return localModelID }

// addFeature hashes feature into a signed bucket of vec. One hash bit picks
// the sign so that collisions cancel in expectation rather than accumulate.
func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize lowercases text and splits it into runs of letters and digits,
// which handles punctuation and arbitrary Unicode uniformly.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit L2 norm in place. The zero vector is left
// untouched.
func normalize(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
