package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	msgs chan []byte
	errs chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case b := <-f.msgs:
		return websocket.MessageText, b, nil
	case err := <-f.errs:
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error { return nil }

type captureSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *captureSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink torn down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func envelope(t *testing.T, evType string, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"type":      evType,
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return b
}

func TestManager_ConnectSharesInFlightAttempt(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	dials := 0

	m := NewManager(DefaultConfig("ws://service/ws"))
	m.dial = func(ctx context.Context, url string) (conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		<-release
		return newFakeConn(), nil
	}
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Connect(context.Background()))
		}()
	}

	// Both callers must be parked on the same attempt before release.
	require.Eventually(t, func() bool {
		return m.State() == StateConnecting
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dials, "concurrent callers must share one dial")
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_DispatchesToListenersAndSink(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(DefaultConfig("ws://service/ws"))
	m.dial = func(ctx context.Context, url string) (conn, error) { return fc, nil }
	defer m.Close()

	got := make(chan Event, 1)
	unsubscribe := m.Subscribe(func(ev Event) { got <- ev })
	defer unsubscribe()

	sink := &captureSink{}
	m.SetSink(sink)

	require.NoError(t, m.Connect(context.Background()))
	fc.msgs <- envelope(t, TypeJobStatusUpdate, map[string]any{"job_id": "j-1"})

	select {
	case ev := <-got:
		assert.Equal(t, TypeJobStatusUpdate, ev.Type)
		assert.False(t, ev.ReceivedAt.IsZero())
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("listener never received event")
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_QueuesWithoutSinkAndFlushesInOrder(t *testing.T) {
	fc := newFakeConn()
	cfg := DefaultConfig("ws://service/ws")
	cfg.QueueSize = 3
	m := NewManager(cfg)
	m.dial = func(ctx context.Context, url string) (conn, error) { return fc, nil }
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		fc.msgs <- envelope(t, TypeJobStatusUpdate, map[string]any{"seq": i})
	}
	require.Eventually(t, func() bool { return m.QueuedEvents() == 3 }, time.Second, 5*time.Millisecond)

	sink := &captureSink{}
	m.SetSink(sink)

	events := sink.all()
	require.Len(t, events, 3, "queue is bounded, oldest dropped")
	for i, ev := range events {
		var p map[string]int
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		assert.Equal(t, i+2, p["seq"], "flush preserves order, seq 0 and 1 dropped")
	}
	assert.Equal(t, 0, m.QueuedEvents())
}

func TestManager_SinkFailureRequeues(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(DefaultConfig("ws://service/ws"))
	m.dial = func(ctx context.Context, url string) (conn, error) { return fc, nil }
	defer m.Close()

	m.SetSink(&captureSink{fail: true})
	require.NoError(t, m.Connect(context.Background()))

	fc.msgs <- envelope(t, TypeJobComplete, nil)
	require.Eventually(t, func() bool { return m.QueuedEvents() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_RecoveredSinkDrainsQueueBeforeNewEvents(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(DefaultConfig("ws://service/ws"))
	m.dial = func(ctx context.Context, url string) (conn, error) { return fc, nil }
	defer m.Close()

	// The sink stays attached but its target is gone, as when the last
	// streaming client disconnects.
	sink := &captureSink{fail: true}
	m.SetSink(sink)
	require.NoError(t, m.Connect(context.Background()))

	fc.msgs <- envelope(t, TypeJobStatusUpdate, map[string]any{"seq": 1})
	require.Eventually(t, func() bool { return m.QueuedEvents() == 1 }, time.Second, 5*time.Millisecond)

	sink.setFail(false)
	fc.msgs <- envelope(t, TypeJobStatusUpdate, map[string]any{"seq": 2})

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.QueuedEvents(), "queued event drained on recovery")
	for i, ev := range sink.all() {
		var p map[string]int
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		assert.Equal(t, i+1, p["seq"], "queued event delivered ahead of the new one")
	}
}

func TestManager_ReconnectBackoff(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	dials := 0
	first := newFakeConn()

	cfg := DefaultConfig("ws://service/ws")
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxAttempts = 5

	m := NewManager(cfg)
	m.dial = func(ctx context.Context, url string) (conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}
	m.schedule = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		fn()
		return nil
	}
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	first.errs <- fmt.Errorf("abnormal close: %w", errors.New("1006"))

	// 1 successful dial + 5 failed reconnects, then the manager gives up.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 6
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 5)
	for i, d := range delays {
		assert.Equal(t, cfg.BaseDelay*time.Duration(i+1), d, "delay grows linearly per attempt")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_SuccessfulReconnectResetsAttempts(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	conns := make(chan *fakeConn, 3)
	for i := 0; i < 3; i++ {
		conns <- newFakeConn()
	}

	cfg := DefaultConfig("ws://service/ws")
	cfg.BaseDelay = 50 * time.Millisecond

	m := NewManager(cfg)
	var current *fakeConn
	m.dial = func(ctx context.Context, url string) (conn, error) {
		c := <-conns
		mu.Lock()
		current = c
		mu.Unlock()
		return c, nil
	}
	m.schedule = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		fn()
		return nil
	}
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 2; i++ {
		mu.Lock()
		c := current
		mu.Unlock()
		c.errs <- errors.New("abnormal close")
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(delays) == i+1 && m.State() == StateConnected
		}, time.Second, 5*time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	// Both delays are attempt #1 delays: the counter reset in between.
	assert.Equal(t, []time.Duration{cfg.BaseDelay, cfg.BaseDelay}, delays)
}

func TestParseEvent(t *testing.T) {
	t.Run("Epoch Millis Timestamp", func(t *testing.T) {
		ev, err := parseEvent([]byte(`{"type":"job_complete","payload":{},"timestamp":1700000000000}`))
		require.NoError(t, err)
		assert.Equal(t, TypeJobComplete, ev.Type)
		assert.Equal(t, int64(1700000000000), ev.Timestamp.UnixMilli())
	})

	t.Run("RFC3339 Timestamp", func(t *testing.T) {
		ev, err := parseEvent([]byte(`{"type":"job_started","timestamp":"2026-01-02T15:04:05Z"}`))
		require.NoError(t, err)
		assert.Equal(t, 2026, ev.Timestamp.Year())
	})

	t.Run("Missing Type", func(t *testing.T) {
		_, err := parseEvent([]byte(`{"payload":{}}`))
		assert.Error(t, err)
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := parseEvent([]byte(`{not json`))
		assert.Error(t, err)
	})
}
