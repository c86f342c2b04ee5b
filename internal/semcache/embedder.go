package semcache

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a dense vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a plain function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

const defaultHashDims = 512

// HashEmbedder is a deterministic local embedder based on signed feature
// hashing of lower-cased word unigrams and bigrams. It needs no network and
// no model weights, which makes it the default for single-node deployments
// and tests. Prompts sharing most of their words land close together;
// prompts with disjoint vocabularies are near-orthogonal.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder returns a HashEmbedder with dims dimensions
// (512 when dims ≤ 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &HashEmbedder{Dims: dims}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = defaultHashDims
	}
	vec := make([]float32, dims)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, w := range words {
		addFeature(vec, w, 1)
		if i > 0 {
			addFeature(vec, words[i-1]+" "+w, 0.5)
		}
	}
	return vec, nil
}

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

// Cosine returns the cosine similarity of a and b. Vectors of different
// length, empty vectors and zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp float noise so identical vectors report exactly 1.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}
