package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var ErrChannelClosed = errors.New("push channel closed")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Sink receives events destined for the UI layer. A Send error means the
// current target is gone; the manager re-queues until a new one is set.
type Sink interface {
	Send(Event) error
}

// Config controls the singleton channel connection.
type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	QueueSize   int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		BaseDelay:   1 * time.Second,
		MaxAttempts: 5,
		QueueSize:   1000,
	}
}

// conn is the slice of *websocket.Conn the manager uses; tests substitute
// scripted connections.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Manager owns the one physical connection to the service's event stream.
// Exactly one Manager should exist per process; all event consumers attach
// to it, never to the socket.
type Manager struct {
	cfg  Config
	dial func(ctx context.Context, url string) (conn, error)
	// schedule is time.AfterFunc, injectable so reconnect tests do not sleep.
	schedule func(d time.Duration, fn func()) *time.Timer

	lifetime context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	state        State
	conn         conn
	connecting   chan struct{}
	connectErr   error
	attempts     int
	closed       bool
	listeners    map[int]func(Event)
	nextListener int
	sink         Sink
	queue        []Event
	dropped      int
}

func NewManager(cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		lifetime: lifetime,
		cancel:   cancel,
		state:    StateDisconnected,
		dial: func(ctx context.Context, url string) (conn, error) {
			c, _, err := websocket.Dial(ctx, url, nil)
			if err != nil {
				return nil, err
			}
			c.SetReadLimit(1 << 20)
			return c, nil
		},
		schedule:  time.AfterFunc,
		listeners: make(map[int]func(Event)),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection if absent. A connection attempt
// already in flight is shared: concurrent callers wait on the same attempt
// instead of racing duplicate dials.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.connecting != nil {
		wait := m.connecting
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.connectErr
		m.mu.Unlock()
		return err
	}

	attempt := make(chan struct{})
	m.connecting = attempt
	m.state = StateConnecting
	m.mu.Unlock()

	c, err := m.dial(ctx, m.cfg.URL)

	m.mu.Lock()
	m.connectErr = err
	m.connecting = nil
	if err != nil {
		m.state = StateDisconnected
		m.mu.Unlock()
		close(attempt)
		return err
	}
	m.conn = c
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()
	close(attempt)

	go m.readLoop(c)
	slog.Info("push channel connected", "url", m.cfg.URL)
	return nil
}

// Subscribe registers an internal listener for every inbound event. The
// returned function removes it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetSink points renderer forwarding at a new target and flushes anything
// queued while no target was attached. This is the only externally visible
// mutation of channel state.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	dropped := m.dropped
	if s != nil {
		m.dropped = 0
	}
	m.mu.Unlock()

	if s == nil {
		return
	}
	if dropped > 0 {
		slog.Warn("events dropped while no sink attached", "count", dropped)
	}
	m.flushQueue(s)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.cancel()
	if c != nil {
		return c.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func (m *Manager) readLoop(c conn) {
	for {
		_, data, err := c.Read(m.lifetime)
		if err != nil {
			m.handleDisconnect(err)
			return
		}

		ev, perr := parseEvent(data)
		if perr != nil {
			slog.Warn("unparseable push message", "error", perr)
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) handleDisconnect(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	if attempt > m.cfg.MaxAttempts {
		slog.Error("push channel reconnect attempts exhausted", "attempts", attempt-1, "error", cause)
		return
	}

	delay := m.cfg.BaseDelay * time.Duration(attempt)
	slog.Warn("push channel disconnected, reconnecting",
		"error", cause, "attempt", attempt, "delay", delay)

	m.schedule(delay, func() {
		if err := m.Connect(m.lifetime); err != nil && !errors.Is(err, ErrChannelClosed) {
			m.handleDisconnect(err)
		}
	})
}

// dispatch fans an event out to internal listeners and the forwarding
// sink. It must never block the read loop: sink failures and absent sinks
// go to the bounded queue (drop-oldest). Queued events always go out ahead
// of the new one, so delivery order survives a target that comes and goes.
func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	sink := m.sink
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}

	if sink != nil && m.flushQueue(sink) {
		if err := sink.Send(ev); err == nil {
			return
		}
	}
	m.enqueue(ev)
}

// flushQueue delivers queued events in order. On the first Send failure
// the unsent remainder goes back to the head of the queue.
func (m *Manager) flushQueue(s Sink) bool {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(pending) == 0 {
		return true
	}
	for i, ev := range pending {
		if err := s.Send(ev); err != nil {
			m.mu.Lock()
			m.queue = append(pending[i:], m.queue...)
			m.mu.Unlock()
			return false
		}
	}
	return true
}

func (m *Manager) enqueue(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= m.cfg.QueueSize {
		m.queue = m.queue[1:]
		m.dropped++
	}
	m.queue = append(m.queue, ev)
}

// QueuedEvents reports how many events await a sink.
func (m *Manager) QueuedEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func parseEvent(data []byte) (Event, error) {
	var raw struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}
	if raw.Type == "" {
		return Event{}, errors.New("missing event type")
	}
	return Event{
		Type:       raw.Type,
		Payload:    raw.Payload,
		Timestamp:  parseTimestamp(raw.Timestamp),
		ReceivedAt: time.Now(),
	}, nil
}

// parseTimestamp accepts both epoch milliseconds and RFC3339 strings; both
// appear on the wire depending on service version.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, terr := time.Parse(time.RFC3339, s); terr == nil {
			return t
		}
	}
	return time.Time{}
}
