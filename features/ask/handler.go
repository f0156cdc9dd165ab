package ask

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"tabsense/internal/middleware"
	"tabsense/internal/retrieval"
)

// Retriever answers a question against one tab's cached page.
type Retriever interface {
	Retrieve(ctx context.Context, question, tabID string) (*retrieval.Result, error)
}

type Handler struct {
	retriever Retriever
}

func NewHandler(r Retriever) *Handler {
	return &Handler{retriever: r}
}

type askRequest struct {
	Question string `json:"question"`
	TabID    string `json:"tabId"`
}

func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" || req.TabID == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "question and tabId are required", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "retrieving context", "tab_id", req.TabID, "correlationId", correlationID)

	result, err := h.retriever.Retrieve(ctx, req.Question, req.TabID)
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrNotCached):
			h.writeError(ctx, w, "NOT_CACHED", "page content is not ready yet", http.StatusConflict)
		case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
			h.writeError(ctx, w, "EMBEDDING_UNAVAILABLE", "could not embed the question", http.StatusServiceUnavailable)
		default:
			slog.ErrorContext(ctx, "retrieval failed", "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": result}); err != nil {
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
