package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabsense/internal/pushchannel"
)

// ErrNoListeners is returned by Send when nobody is connected, so the
// push channel re-queues the event instead of dropping it.
var ErrNoListeners = errors.New("no sse listeners connected")

// Hub fans telemetry and push-channel events out to SSE clients. It is
// the channel manager's forwarding sink: Send fails while no client is
// attached and the manager buffers until one arrives.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]chan string
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]chan string)}
}

// Send implements pushchannel.Sink.
func (h *Hub) Send(ev pushchannel.Event) error {
	env := Envelope{
		Type:      ev.Type,
		Payload:   json.RawMessage(ev.Payload),
		Timestamp: ev.ReceivedAt,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.broadcast(string(body))
}

// Emit implements Emitter. Unlike Send, a missing listener is not an
// error here; local telemetry is best-effort.
func (h *Hub) Emit(ctx context.Context, eventType string, payload interface{}) {
	env := Envelope{Type: eventType, Payload: payload, Timestamp: time.Now()}
	body, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal sse event", "type", eventType, "error", err)
		return
	}
	_ = h.broadcast(string(body))
}

func (h *Hub) broadcast(msg string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.sessions) == 0 {
		return ErrNoListeners
	}
	for id, ch := range h.sessions {
		select {
		case ch <- msg:
		default:
			// Slow client; dropping beats blocking the sender.
			slog.Warn("sse session buffer full, dropping event", "session_id", id)
		}
	}
	return nil
}

func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP streams events to one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.mu.Lock()
	h.sessions[sessionID] = msgChan
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		slog.Info("sse session ended", "session_id", sessionID)
	}()

	slog.Info("sse session started", "session_id", sessionID)

	fmt.Fprintf(w, "event: id\ndata: %s\n\n", sessionID)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
