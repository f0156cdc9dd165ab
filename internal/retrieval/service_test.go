package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsense/internal/contentcache"
	"tabsense/internal/text"
)

type fakeCache struct {
	entries map[string]*contentcache.Entry
}

func (f *fakeCache) Get(tabID string) (*contentcache.Entry, bool) {
	e, ok := f.entries[tabID]
	return e, ok
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeIntent struct {
	types []text.ChunkType
}

func (f *fakeIntent) Relevant(context.Context, string) []text.ChunkType {
	return f.types
}

func pageEntry() *contentcache.Entry {
	return &contentcache.Entry{
		TabID: "tab-1",
		URL:   "https://shop.example/checkout",
		Chunks: []text.Chunk{
			{ID: "c-0", Type: text.ChunkTypeHeading, Text: "Checkout", Position: 0},
			{ID: "c-1", Type: text.ChunkTypeText, Text: "Review your order before paying.", Section: "Checkout", Position: 1},
			{ID: "c-2", Type: text.ChunkTypeForm, Text: "form with Name, Card number", Section: "Checkout", Position: 2,
				Children: []text.Chunk{
					{ID: "c-2-input-0", Type: text.ChunkTypeInput, Text: "Name"},
					{ID: "c-2-input-1", Type: text.ChunkTypeInput, Text: "Card number"},
				}},
			{ID: "c-3", Type: text.ChunkTypeText, Text: "Shipping takes 3-5 days.", Section: "Checkout", Position: 3},
		},
		Vectors: map[string][]float32{
			"c-0": {0, 1},
			"c-1": {0.4, 0.6},
			"c-2": {1, 0},
			"c-3": {0.1, 0.9},
		},
	}
}

func newTestService(intent IntentFilter, embedder Embedder) *Service {
	cache := &fakeCache{entries: map[string]*contentcache.Entry{"tab-1": pageEntry()}}
	return NewService(cache, embedder, intent, nil)
}

func TestRetrieve_NotCached(t *testing.T) {
	svc := NewService(&fakeCache{}, &fakeEmbedder{vec: []float32{1, 0}}, nil, nil)
	_, err := svc.Retrieve(context.Background(), "anything", "tab-missing")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestRetrieve_EmbeddingUnavailable(t *testing.T) {
	svc := newTestService(nil, &fakeEmbedder{err: errors.New("api down")})
	_, err := svc.Retrieve(context.Background(), "anything", "tab-1")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestRetrieve_BestMatchWithNeighborsAndSection(t *testing.T) {
	svc := newTestService(&fakeIntent{}, &fakeEmbedder{vec: []float32{0, 1}})

	result, err := svc.Retrieve(context.Background(), "what is this page about", "tab-1")
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "c-0", result.Chunks[0].Chunk.ID)
	assert.NotEmpty(t, result.Surrounding, "document-order neighbors ride along")
	assert.LessOrEqual(t, len(result.Surrounding), 3)
}

func TestRetrieve_FormQuestionExpandsChildren(t *testing.T) {
	svc := newTestService(
		&fakeIntent{types: []text.ChunkType{text.ChunkTypeForm, text.ChunkTypeInput}},
		&fakeEmbedder{vec: []float32{1, 0}},
	)

	result, err := svc.Retrieve(context.Background(), "how do I fill out this form", "tab-1")
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	assert.Equal(t, "c-2", result.Chunks[0].Chunk.ID)

	ids := make(map[string]bool)
	for _, h := range result.Chunks {
		ids[h.Chunk.ID] = true
	}
	assert.True(t, ids["c-2-input-0"], "form inputs expanded into the result")
	assert.True(t, ids["c-2-input-1"])
	assert.Equal(t, "Checkout", result.Section)
}

func TestRetrieve_FallbackWidensToFullSet(t *testing.T) {
	// Intent narrows to tables, of which the page has none; the search
	// must widen to the full chunk set instead of returning nothing.
	svc := newTestService(
		&fakeIntent{types: []text.ChunkType{text.ChunkTypeTable}},
		&fakeEmbedder{vec: []float32{0, 1}},
	)

	result, err := svc.Retrieve(context.Background(), "what is on this page", "tab-1")
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks, "fallback search over all chunks")
	assert.Equal(t, "c-0", result.Chunks[0].Chunk.ID)
}

func TestRetrieve_TextKeywordInclusionSurvivesNarrowing(t *testing.T) {
	entry := pageEntry()
	entry.Chunks[3].Text = "Press submit after reviewing your order."
	entry.Vectors["c-3"] = []float32{0.9, 0.1}
	cache := &fakeCache{entries: map[string]*contentcache.Entry{"tab-1": entry}}
	svc := NewService(cache, &fakeEmbedder{vec: []float32{1, 0}},
		&fakeIntent{types: []text.ChunkType{text.ChunkTypeForm}}, nil)

	result, err := svc.Retrieve(context.Background(), "how do I submit my order", "tab-1")
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, h := range result.Chunks {
		ids[h.Chunk.ID] = true
	}
	assert.True(t, ids["c-2"])
	assert.True(t, ids["c-3"], "text chunk mentioning submit kept despite type narrowing")
}

func TestTopKFor(t *testing.T) {
	assert.Equal(t, 5, topKFor("how do I fill out the form"))
	assert.Equal(t, 5, topKFor("which button do I click"))
	assert.Equal(t, 2, topKFor("how many items are in the cart"))
	assert.Equal(t, 2, topKFor("what is the total price"))
	assert.Equal(t, 1, topKFor("summarize this article"))
}

func TestMergeHits_KeepsHigherScorePerID(t *testing.T) {
	a := []Scored{
		{Chunk: text.Chunk{ID: "x"}, Score: 0.5},
		{Chunk: text.Chunk{ID: "y"}, Score: 0.9},
	}
	b := []Scored{
		{Chunk: text.Chunk{ID: "x"}, Score: 0.8},
		{Chunk: text.Chunk{ID: "z"}, Score: 0.1},
	}

	merged := mergeHits(a, b, 2)
	require.Len(t, merged, 2)
	assert.Equal(t, "y", merged[0].Chunk.ID)
	assert.Equal(t, "x", merged[1].Chunk.ID)
	assert.InDelta(t, 0.8, merged[1].Score, 1e-9)
}
