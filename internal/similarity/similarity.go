package similarity

import (
	"math"
	"sort"
)

// Match is one ranked candidate, referenced by its index in the slice that
// was handed to TopK.
type Match struct {
	Index int
	Score float64
}

// progressEvery is how many candidates are scored between progress
// callbacks. Reporting per element floods listeners on large pages.
const progressEvery = 50

type options struct {
	progress func(done, total int)
}

type Option func(*options)

// WithProgress registers a callback invoked periodically while TopK scores
// candidates. done/total are candidate counts, not percentages.
func WithProgress(fn func(done, total int)) Option {
	return func(o *options) { o.progress = fn }
}

// CosineSimilarity computes the cosine of the angle between two vectors.
//
// Returns a value in [-1, 1]: 1 for identical direction, 0 for orthogonal,
// -1 for opposite. Length mismatches and zero-norm vectors score 0 rather
// than erroring; a zero vector has no direction to compare.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0.0 || normB == 0.0 {
		return 0.0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// TopK scores every candidate against the query and returns the k best,
// ordered by descending similarity. Ties keep original candidate order.
func TopK(query []float32, candidates [][]float32, k int, opts ...Option) []Match {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = Match{Index: i, Score: CosineSimilarity(query, c)}
		if o.progress != nil && (i+1)%progressEvery == 0 {
			o.progress(i+1, len(candidates))
		}
	}
	if o.progress != nil {
		o.progress(len(candidates), len(candidates))
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k]
}
