package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/option"

	"tabsense/internal/adapter/gemini"
)

func TestEmbedder_Embed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": map[string]interface{}{
				"values": []float32{0.1, 0.2, 0.3},
			},
		})
	}))
	defer ts.Close()

	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		embedder := gemini.NewEmbedder("test-key", option.WithEndpoint(ts.URL))
		defer embedder.Close()

		vec, err := embedder.Embed(ctx, "hello world")
		assert.NoError(t, err)
		if assert.Len(t, vec, 3) {
			assert.Equal(t, float32(0.1), vec[0])
		}
	})

	t.Run("Missing API Key", func(t *testing.T) {
		embedder := gemini.NewEmbedder("")

		vec, err := embedder.Embed(ctx, "hello")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "gemini api key not configured")
		assert.Nil(t, vec)
	})

	t.Run("Empty Embedding Is An Error", func(t *testing.T) {
		empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"embedding": map[string]interface{}{"values": []float32{}},
			})
		}))
		defer empty.Close()

		embedder := gemini.NewEmbedder("test-key", option.WithEndpoint(empty.URL))
		defer embedder.Close()

		vec, err := embedder.Embed(ctx, "hello")
		assert.Error(t, err)
		assert.Nil(t, vec)
	})
}
