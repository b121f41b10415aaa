package memory

import (
	"hash/fnv"
	"math"
	"strings"
)

// DefaultDimensions is the vector size of the default HashingEmbedder.
const DefaultDimensions = 512

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(text string) []float32
}

// HashingEmbedder is a dependency-free embedder using feature hashing over
// unigrams and bigrams of the normalized text. Vectors are L2-normalized so
// the dot product is the cosine similarity.
type HashingEmbedder struct {
	Dimensions int
}

// NewHashingEmbedder creates a HashingEmbedder with DefaultDimensions.
func NewHashingEmbedder() *HashingEmbedder {
	return &HashingEmbedder{Dimensions: DefaultDimensions}
}

// Embed implements Embedder.
func (e *HashingEmbedder) Embed(text string) []float32 {
	dim := e.Dimensions
	if dim <= 0 {
		dim = DefaultDimensions
	}
	vec := make([]float32, dim)

	tokens := strings.Fields(Normalize(text))
	add := func(feature string) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[sum%uint64(dim)] += sign
	}
	for i, tok := range tokens {
		add(tok)
		if i > 0 {
			add(tokens[i-1] + " " + tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors, or 0 if either is
// empty, zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Min(dot/(math.Sqrt(na)*math.Sqrt(nb)), 1)
}

var defaultEmbedder = NewHashingEmbedder()

// Similarity returns the lexical similarity of two texts using the default
// HashingEmbedder.
func Similarity(a, b string) float64 {
	return Cosine(defaultEmbedder.Embed(a), defaultEmbedder.Embed(b))
}
