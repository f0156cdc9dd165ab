package pages

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"tabsense/internal/contentcache"
	"tabsense/internal/middleware"
)

// Cache is the per-tab content cache the handler drives.
type Cache interface {
	Populate(ctx context.Context, tabID, pageText, pageHTML, url, title string) (*contentcache.Entry, error)
	Invalidate(tabID string)
	InvalidateAll()
}

type Handler struct {
	cache Cache
}

func NewHandler(c Cache) *Handler {
	return &Handler{cache: c}
}

type captureRequest struct {
	TabID string `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
	HTML  string `json:"html"`
}

// Capture chunks and embeds a page snapshot for later questions. The call
// blocks until the entry is ready; concurrent captures of the same page
// share one run.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TabID == "" || req.URL == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "tabId and url are required", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "capturing page", "tab_id", req.TabID, "url", req.URL, "correlationId", correlationID)

	entry, err := h.cache.Populate(ctx, req.TabID, req.Text, req.HTML, req.URL, req.Title)
	if err != nil {
		slog.ErrorContext(ctx, "failed to capture page", "tab_id", req.TabID, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"tabId":      entry.TabID,
			"url":        entry.URL,
			"chunks":     len(entry.Chunks),
			"embeddings": len(entry.Vectors),
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Forget drops one tab's cached page, e.g. on tab close.
func (h *Handler) Forget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tabID := r.PathValue("tabID")
	if tabID == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "tabID is required", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "invalidating cached page", "tab_id", tabID)
	h.cache.Invalidate(tabID)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": "invalidated"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ForgetAll drops every cached page.
func (h *Handler) ForgetAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "invalidating all cached pages")
	h.cache.InvalidateAll()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": "invalidated"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
