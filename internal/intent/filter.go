package intent

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"tabsense/internal/similarity"
	"tabsense/internal/text"
)

// Embedder turns natural language into a vector. Failures here never fail
// a search — classification degrades to "search everything".
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// descriptions maps each structural chunk type to a natural-language
// description of the content it holds. Questions are classified against
// these, not against the page itself.
var descriptions = map[text.ChunkType]string{
	text.ChunkTypeText:    "paragraphs of prose, articles, explanations and general reading content",
	text.ChunkTypeSection: "a titled section of the page grouping related content",
	text.ChunkTypeHeading: "titles and headings naming what a part of the page is about",
	text.ChunkTypeForm:    "fields for user data entry, submission, signing up or logging in",
	text.ChunkTypeInput:   "a single input field where the user types a value",
	text.ChunkTypeButton:  "clickable buttons and calls to action",
	text.ChunkTypeTable:   "rows and columns of structured data, numbers, prices, comparisons",
	text.ChunkTypeList:    "bulleted or numbered lists of items, options or steps",
	text.ChunkTypeLink:    "navigation links pointing to other pages",
}

const (
	lowFloor  = 0.2
	highFloor = 0.3
)

// Filter classifies a question against the fixed structural-type
// descriptions. Description embeddings are computed once, on first use.
type Filter struct {
	embedder Embedder

	mu       sync.Mutex
	descVecs map[text.ChunkType][]float32
}

func NewFilter(e Embedder) *Filter {
	return &Filter{embedder: e}
}

// Relevant returns the structural types a question is about. An empty set
// means no clear intent: the caller should search everything. Embedding
// failures fail open to the empty set.
func (f *Filter) Relevant(ctx context.Context, question string) []text.ChunkType {
	qVec, err := f.embedder.Embed(ctx, question)
	if err != nil || len(qVec) == 0 {
		slog.WarnContext(ctx, "question embedding failed, searching all types", "error", err)
		return nil
	}

	descVecs, err := f.descriptionVectors(ctx)
	if err != nil {
		slog.WarnContext(ctx, "description embedding failed, searching all types", "error", err)
		return nil
	}

	type scored struct {
		chunkType text.ChunkType
		score     float64
	}
	var ranked []scored
	for _, ct := range orderedTypes() {
		vec, ok := descVecs[ct]
		if !ok {
			continue
		}
		ranked = append(ranked, scored{ct, similarity.CosineSimilarity(qVec, vec)})
	}

	// Stable sort keeps a deterministic ordering for equal scores.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	selected := map[text.ChunkType]bool{}
	for i, s := range ranked {
		if i < 2 && s.score > lowFloor {
			selected[s.chunkType] = true
		}
		if s.score > highFloor {
			selected[s.chunkType] = true
		}
	}

	// Specific intent dominates: a question that points at forms or tables
	// is not served by also returning every paragraph.
	hasSpecific := false
	for ct := range selected {
		if !ct.IsGeneric() {
			hasSpecific = true
			break
		}
	}
	if hasSpecific {
		for ct := range selected {
			if ct.IsGeneric() {
				delete(selected, ct)
			}
		}
	}

	var result []text.ChunkType
	for _, ct := range orderedTypes() {
		if selected[ct] {
			result = append(result, ct)
		}
	}
	return result
}

// descriptionVectors lazily embeds the type descriptions exactly once.
func (f *Filter) descriptionVectors(ctx context.Context) (map[text.ChunkType][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.descVecs != nil {
		return f.descVecs, nil
	}

	vecs := make(map[text.ChunkType][]float32, len(descriptions))
	for ct, desc := range descriptions {
		vec, err := f.embedder.Embed(ctx, desc)
		if err != nil {
			return nil, err
		}
		vecs[ct] = vec
	}
	f.descVecs = vecs
	return vecs, nil
}

func orderedTypes() []text.ChunkType {
	return []text.ChunkType{
		text.ChunkTypeText,
		text.ChunkTypeSection,
		text.ChunkTypeHeading,
		text.ChunkTypeForm,
		text.ChunkTypeInput,
		text.ChunkTypeButton,
		text.ChunkTypeTable,
		text.ChunkTypeList,
		text.ChunkTypeLink,
	}
}
