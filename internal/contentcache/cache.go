package contentcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"tabsense/internal/embed"
	"tabsense/internal/text"
)

// ProgressEvent is the telemetry event type for cache population stages.
const ProgressEvent = "cache_progress"

// Entry is a per-tab snapshot of a page's chunks and their embeddings.
// Immutable once stored; a new page in the same tab replaces it wholesale.
type Entry struct {
	TabID     string
	URL       string
	Title     string
	Chunks    []text.Chunk
	Vectors   map[string][]float32
	CreatedAt time.Time
}

// Progress is the payload emitted at each population checkpoint.
type Progress struct {
	TabID   string `json:"tab_id"`
	URL     string `json:"url"`
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Chunks  int    `json:"chunks,omitempty"`
}

// ChunkFunc derives the chunk set from a page's text and rendered HTML.
type ChunkFunc func(pageText, pageHTML string) []text.Chunk

// Embedder produces chunk id → vector for a chunk set.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []embed.Chunk) (map[string][]float32, error)
}

// Telemetry receives progress events. Fire-and-forget; must not block.
type Telemetry interface {
	Emit(ctx context.Context, eventType string, payload interface{})
}

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

func DefaultConfig() Config {
	return Config{TTL: 30 * time.Minute, MaxEntries: 64}
}

// Cache holds one entry per tab with a fixed TTL. Population for the same
// (tab, url) key is deduplicated: concurrent callers share one run.
type Cache struct {
	chunk     ChunkFunc
	embedder  Embedder
	telemetry Telemetry
	entries   *expirable.LRU[string, *Entry]
	inflight  singleflight.Group
}

func New(chunk ChunkFunc, embedder Embedder, telemetry Telemetry, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}
	if chunk == nil {
		chunk = text.ChunkPage
	}
	return &Cache{
		chunk:     chunk,
		embedder:  embedder,
		telemetry: telemetry,
		entries:   expirable.NewLRU[string, *Entry](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Populate builds and stores the entry for a tab. Idempotent per
// (tabID, url): a fresh entry for the same URL is returned as-is, and an
// in-flight run for the same key is awaited rather than duplicated.
func (c *Cache) Populate(ctx context.Context, tabID, pageText, pageHTML, url, title string) (*Entry, error) {
	if existing, ok := c.entries.Get(tabID); ok && existing.URL == url {
		return existing, nil
	}

	key := tabID + ":" + url
	result, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		// The run is shared by every waiter on this key, so it must not
		// die with the first caller's request context.
		runCtx := context.WithoutCancel(ctx)
		return c.populate(runCtx, tabID, pageText, pageHTML, url, title)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Entry), nil
}

func (c *Cache) populate(ctx context.Context, tabID, pageText, pageHTML, url, title string) (*Entry, error) {
	chunks := c.chunk(pageText, pageHTML)

	kept := chunks[:0]
	for _, ch := range chunks {
		if text.IsNoiseChunk(ch.Text) {
			continue
		}
		kept = append(kept, ch)
	}
	chunks = kept

	c.emit(ctx, Progress{TabID: tabID, URL: url, Stage: "chunked", Percent: 50, Chunks: len(chunks)})

	payload := make([]embed.Chunk, len(chunks))
	for i, ch := range chunks {
		payload[i] = embed.Chunk{ID: ch.ID, Text: ch.Text}
	}

	vectors, err := c.embedder.EmbedChunks(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("embed page for tab %s: %w", tabID, err)
	}

	if len(vectors) != len(chunks) {
		// Partial embedding sets are searchable; surface the gap and move on.
		slog.WarnContext(ctx, "embedding count does not match chunk count",
			"tab_id", tabID, "chunks", len(chunks), "embeddings", len(vectors))
	}

	entry := &Entry{
		TabID:     tabID,
		URL:       url,
		Title:     title,
		Chunks:    chunks,
		Vectors:   vectors,
		CreatedAt: time.Now(),
	}
	c.entries.Add(tabID, entry)

	c.emit(ctx, Progress{TabID: tabID, URL: url, Stage: "embedded", Percent: 100, Chunks: len(chunks)})
	return entry, nil
}

// Get returns the tab's entry, or false when absent or expired.
func (c *Cache) Get(tabID string) (*Entry, bool) {
	return c.entries.Get(tabID)
}

// Invalidate drops one tab's entry.
func (c *Cache) Invalidate(tabID string) {
	c.entries.Remove(tabID)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.entries.Purge()
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) emit(ctx context.Context, p Progress) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.Emit(ctx, ProgressEvent, p)
}
