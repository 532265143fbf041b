// Package memory provides the daemon's two memory surfaces: a
// category-keyed archival store searched by similarity, and the small
// human-editable core working memory file injected into every prompt.
package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// CategoryWisdom holds distilled reasoning captured from cloud-tier turns.
const CategoryWisdom = "cloud_wisdom"

// Entry is one archival memory record.
type Entry struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Category  string  `json:"category"`
	Score     float32 `json:"score,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

// Store is the archival memory interface the router consumes. A category
// of "" searches or forgets across all categories. ForgetMemory removes
// every entry in category whose content contains contentMatch and
// returns how many were deleted.
type Store interface {
	SearchMemory(ctx context.Context, query, category string, topK int) ([]Entry, error)
	Memorize(ctx context.Context, content, category string) (string, error)
	ForgetMemory(ctx context.Context, category, contentMatch string) (int, error)
	GetCognitiveMap(ctx context.Context) (map[string]int, error)
	Close() error
}

// embeddingDims is the fixed width of hashed term vectors.
const embeddingDims = 256

// hashEmbedding maps text onto a fixed-width term-frequency vector using
// feature hashing, L2-normalised. It needs no model or network and is
// deterministic across runs.
func hashEmbedding(text string) []float32 {
	vec := make([]float32, embeddingDims)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
