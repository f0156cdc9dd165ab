package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"tabsense/internal/contentcache"
	"tabsense/internal/similarity"
	"tabsense/internal/text"
)

var (
	// ErrNotCached means the tab's page has not finished caching yet.
	ErrNotCached = errors.New("page content not cached")
	// ErrEmbeddingUnavailable means the question could not be embedded.
	ErrEmbeddingUnavailable = errors.New("question embedding unavailable")
)

// Scored is one ranked retrieval hit.
type Scored struct {
	Chunk text.Chunk `json:"chunk"`
	Score float64    `json:"score"`
}

// Result is the retrieved context for a question: primary hits (with any
// nested child chunks appended), a few document-order neighbors, and the
// section heading of the best hit.
type Result struct {
	Chunks      []Scored     `json:"chunks"`
	Surrounding []text.Chunk `json:"surrounding,omitempty"`
	Section     string       `json:"section,omitempty"`
}

type CacheStore interface {
	Get(tabID string) (*contentcache.Entry, bool)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IntentFilter maps a question to the structural chunk types it implies.
// An empty result means "search everything".
type IntentFilter interface {
	Relevant(ctx context.Context, question string) []text.ChunkType
}

type Service struct {
	cache    CacheStore
	embedder Embedder
	intent   IntentFilter
	logger   *QueryLogger
}

func NewService(cache CacheStore, embedder Embedder, intent IntentFilter, logger *QueryLogger) *Service {
	return &Service{cache: cache, embedder: embedder, intent: intent, logger: logger}
}

// Retrieve answers "which parts of this tab's page matter for this
// question". Every stage failure surfaces as a typed error; no partial
// context is ever returned.
func (s *Service) Retrieve(ctx context.Context, question, tabID string) (*Result, error) {
	start := time.Now()
	var result *Result

	defer func() {
		if s.logger != nil && result != nil {
			s.logger.Log(QueryLogEntry{
				Question:   question,
				TabID:      tabID,
				NumResults: len(result.Chunks),
				Duration:   time.Since(start),
			})
		}
	}()

	entry, ok := s.cache.Get(tabID)
	if !ok {
		return nil, ErrNotCached
	}

	// 1. Narrow by intent. Empty type set means unfiltered search.
	var types []text.ChunkType
	if s.intent != nil {
		types = s.intent.Relevant(ctx, question)
	}
	narrowed := entry.Chunks
	if len(types) > 0 {
		narrowed = narrowByType(entry.Chunks, types)
	}

	// 2. Embed the question.
	queryVec, err := s.embedder.Embed(ctx, question)
	if err != nil || len(queryVec) == 0 {
		return nil, ErrEmbeddingUnavailable
	}

	k := topKFor(question)

	// 3. Search the narrowed set; widen to the full set when it comes up
	// empty.
	hits := searchChunks(queryVec, narrowed, entry.Vectors, k)
	if len(hits) == 0 && len(narrowed) < len(entry.Chunks) {
		full := searchChunks(queryVec, entry.Chunks, entry.Vectors, k)
		hits = mergeHits(hits, full, k)
	}

	result = buildResult(hits, entry.Chunks)
	return result, nil
}

// narrowByType keeps chunks of the selected types plus plain-text chunks
// that talk about forms directly. The keyword rule catches instructional
// text ("fill in the form below") that intent scoring alone misses.
func narrowByType(chunks []text.Chunk, types []text.ChunkType) []text.Chunk {
	selected := make(map[text.ChunkType]bool, len(types))
	for _, t := range types {
		selected[t] = true
	}

	var narrowed []text.Chunk
	for _, c := range chunks {
		if selected[c.Type] {
			narrowed = append(narrowed, c)
			continue
		}
		if c.Type == text.ChunkTypeText && mentionsFormKeywords(c.Text) {
			narrowed = append(narrowed, c)
		}
	}
	return narrowed
}

func mentionsFormKeywords(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range []string{"form", "input", "submit"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// topKFor picks result breadth from question keywords: data questions
// want a couple of focused chunks, interaction questions want the whole
// neighborhood of a form, anything else wants the single best match.
func topKFor(question string) int {
	lower := strings.ToLower(question)
	for _, kw := range []string{"fill", "form", "submit", "click", "button", "input", "enter", "select"} {
		if strings.Contains(lower, kw) {
			return 5
		}
	}
	for _, kw := range []string{"how many", "how much", "count", "number", "total", "price", "cost", "percent", "average"} {
		if strings.Contains(lower, kw) {
			return 2
		}
	}
	return 1
}

// searchChunks runs top-K similarity over the chunks that have a vector.
func searchChunks(query []float32, chunks []text.Chunk, vectors map[string][]float32, k int) []Scored {
	var withVec []text.Chunk
	var candidates [][]float32
	for _, c := range chunks {
		vec, ok := vectors[c.ID]
		if !ok {
			continue
		}
		withVec = append(withVec, c)
		candidates = append(candidates, vec)
	}
	if len(candidates) == 0 {
		return nil
	}

	matches := similarity.TopK(query, candidates, k)
	hits := make([]Scored, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, Scored{Chunk: withVec[m.Index], Score: m.Score})
	}
	return hits
}

// mergeHits deduplicates by chunk id keeping the higher score, re-sorts
// descending, and truncates to k.
func mergeHits(a, b []Scored, k int) []Scored {
	best := make(map[string]Scored, len(a)+len(b))
	var order []string
	for _, h := range append(append([]Scored(nil), a...), b...) {
		prev, seen := best[h.Chunk.ID]
		if !seen {
			best[h.Chunk.ID] = h
			order = append(order, h.Chunk.ID)
			continue
		}
		if h.Score > prev.Score {
			best[h.Chunk.ID] = h
		}
	}

	merged := make([]Scored, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// buildResult expands structural hits with their nested chunks, gathers
// up to 3 document-order neighbors, and lifts the first hit's section.
func buildResult(hits []Scored, all []text.Chunk) *Result {
	result := &Result{Chunks: hits}
	if len(hits) == 0 {
		return result
	}

	present := make(map[string]bool, len(hits))
	for _, h := range hits {
		present[h.Chunk.ID] = true
	}

	// Nested children of structural hits ride along at the parent's score.
	for _, h := range hits {
		if h.Chunk.Type == text.ChunkTypeText {
			continue
		}
		for _, child := range h.Chunk.Children {
			if present[child.ID] {
				continue
			}
			present[child.ID] = true
			result.Chunks = append(result.Chunks, Scored{Chunk: child, Score: h.Score})
		}
	}

	index := make(map[string]int, len(all))
	for i, c := range all {
		index[c.ID] = i
	}
	for _, h := range hits {
		if len(result.Surrounding) >= 3 {
			break
		}
		i, ok := index[h.Chunk.ID]
		if !ok {
			continue
		}
		for _, j := range []int{i - 1, i + 1} {
			if j < 0 || j >= len(all) || present[all[j].ID] {
				continue
			}
			present[all[j].ID] = true
			result.Surrounding = append(result.Surrounding, all[j])
			if len(result.Surrounding) >= 3 {
				break
			}
		}
	}

	result.Section = hits[0].Chunk.Section
	return result
}
