package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"tabsense/internal/jobstate"
	"tabsense/internal/middleware"
)

// RemoteClient is the job CRUD surface of the embedding service.
type RemoteClient interface {
	Jobs(ctx context.Context, limit int, status string) ([]jobstate.Job, error)
	Job(ctx context.Context, jobID string) (*jobstate.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	JobsCount(ctx context.Context, status string) (int, error)
	QueueMetrics(ctx context.Context) (*jobstate.Queue, *jobstate.Workers, error)
}

// Handler serves job and queue views. The remote service is authoritative;
// the local event-driven store answers when the service is unreachable.
type Handler struct {
	remote RemoteClient
	store  *jobstate.Store
}

func NewHandler(remote RemoteClient, store *jobstate.Store) *Handler {
	return &Handler{remote: remote, store: store}
}

// display applies the progress-smoothing rule. The store keeps true
// counts; only responses leaving this boundary get the smoothed view.
func display(j jobstate.Job) jobstate.Job {
	completed, total := jobstate.SmoothedCounts(j)
	j.CompletedChunks = completed
	j.TotalChunks = total
	return j
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(ctx, w, "VALIDATION_ERROR", "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	status := r.URL.Query().Get("status")

	jobs, err := h.remote.Jobs(ctx, limit, status)
	if err != nil {
		slog.WarnContext(ctx, "remote job listing failed, serving local snapshot",
			"error", err, "correlationId", correlationID)
		jobs = h.store.Jobs()
	}

	views := make([]jobstate.Job, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, display(j))
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": views,
		"meta": map[string]int{"count": len(views)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	id := r.PathValue("id")

	job, err := h.remote.Job(ctx, id)
	if err != nil {
		local, ok := h.store.Job(id)
		if !ok {
			slog.ErrorContext(ctx, "job not found", "id", id, "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "NOT_FOUND", "job not found", http.StatusNotFound)
			return
		}
		job = &local
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": display(*job)}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	id := r.PathValue("id")

	slog.InfoContext(ctx, "deleting job", "id", id, "correlationId", correlationID)

	if err := h.remote.DeleteJob(ctx, id); err != nil {
		slog.ErrorContext(ctx, "failed to delete job", "id", id, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.store.Delete(id)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": "job deleted"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")

	count, err := h.remote.JobsCount(ctx, status)
	if err != nil {
		slog.WarnContext(ctx, "remote job count failed, serving local snapshot", "error", err)
		count = len(h.store.Jobs())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]int{"count": count}}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queue, workers, err := h.remote.QueueMetrics(ctx)
	if err != nil {
		slog.WarnContext(ctx, "remote queue metrics failed, serving local snapshot", "error", err)
		localQueue := h.store.Queue()
		localWorkers := h.store.Workers()
		queue, workers = &localQueue, &localWorkers
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"queue":   queue,
			"workers": workers,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
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
