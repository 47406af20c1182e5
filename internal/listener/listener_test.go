package listener

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn is a scripted subscription connection. Notifications pushed
// into the channel come out of WaitForNotification; closing the channel
// simulates a dropped connection.
type fakeConn struct {
	notifications chan *pgconn.Notification

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		notifications: make(chan *pgconn.Notification, 16),
		closed:        make(chan struct{}),
	}
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	case n, ok := <-c.notifications:
		if !ok {
			return nil, errors.New("connection lost")
		}
		return n, nil
	}
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(payload string) {
	c.notifications <- &pgconn.Notification{Payload: payload}
}

func (c *fakeConn) drop() {
	close(c.notifications)
}

// syncCall records one syncer invocation.
type syncCall struct {
	op    string // "sync" or "delete"
	table string
	id    int64
}

// fakeSyncer records calls and reports a configurable found result.
type fakeSyncer struct {
	mu    sync.Mutex
	calls []syncCall
	found bool

	notify chan syncCall
}

func newFakeSyncer(found bool) *fakeSyncer {
	return &fakeSyncer{found: found, notify: make(chan syncCall, 16)}
}

func (s *fakeSyncer) record(call syncCall) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	s.notify <- call
}

func (s *fakeSyncer) SyncTask(ctx context.Context, id int64) (bool, error) {
	s.record(syncCall{op: "sync", table: TableTasks, id: id})
	return s.found, nil
}

func (s *fakeSyncer) SyncEpic(ctx context.Context, id int64) (bool, error) {
	s.record(syncCall{op: "sync", table: TableEpics, id: id})
	return s.found, nil
}

func (s *fakeSyncer) DeleteTask(ctx context.Context, id int64) error {
	s.record(syncCall{op: "delete", table: TableTasks, id: id})
	return nil
}

func (s *fakeSyncer) DeleteEpic(ctx context.Context, id int64) error {
	s.record(syncCall{op: "delete", table: TableEpics, id: id})
	return nil
}

func (s *fakeSyncer) waitCall(t *testing.T) syncCall {
	t.Helper()
	select {
	case call := <-s.notify:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for syncer call")
		return syncCall{}
	}
}

func quietConfig() *Config {
	return &Config{
		Enabled:     true,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		Logger:      log.New(io.Discard, "", 0),
	}
}

func waitForStatus(t *testing.T, l *Listener, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status := l.Status()
		if cond(status) {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never met, final status: %+v", l.Status())
	return Status{}
}

func TestDisabledStartIsNoop(t *testing.T) {
	config := quietConfig()
	config.Enabled = false

	l := New(func(ctx context.Context) (Conn, error) {
		t.Error("dial should not be called when disabled")
		return nil, errors.New("unreachable")
	}, newFakeSyncer(true), config)

	l.Start()
	defer l.Stop()

	status := l.Status()
	if status.State != StateStopped || status.Started {
		t.Errorf("disabled listener status = %+v, want stopped", status)
	}
}

func TestReceivesAndAppliesEvents(t *testing.T) {
	conn := newFakeConn()
	syncer := newFakeSyncer(true)

	var events []Event
	var eventsMu sync.Mutex
	config := quietConfig()
	config.OnEvent = func(e Event) {
		eventsMu.Lock()
		events = append(events, e)
		eventsMu.Unlock()
	}

	l := New(func(ctx context.Context) (Conn, error) { return conn, nil }, syncer, config)
	l.Start()
	defer l.Stop()

	waitForStatus(t, l, func(s Status) bool { return s.Connected })

	conn.push(`{"table":"tasks","op":"insert","id":42}`)
	call := syncer.waitCall(t)
	if call.op != "sync" || call.table != TableTasks || call.id != 42 {
		t.Errorf("unexpected call %+v", call)
	}

	conn.push(`{"table":"epics","op":"delete","id":7}`)
	call = syncer.waitCall(t)
	if call.op != "delete" || call.table != TableEpics || call.id != 7 {
		t.Errorf("unexpected call %+v", call)
	}

	waitForStatus(t, l, func(s Status) bool { return s.LastEventAt != nil })

	eventsMu.Lock()
	count := len(events)
	eventsMu.Unlock()
	if count < 1 {
		t.Error("OnEvent was never invoked")
	}
}

func TestMalformedPayloadDoesNotBreakSubscription(t *testing.T) {
	conn := newFakeConn()
	syncer := newFakeSyncer(true)

	l := New(func(ctx context.Context) (Conn, error) { return conn, nil }, syncer, quietConfig())
	l.Start()
	defer l.Stop()

	waitForStatus(t, l, func(s Status) bool { return s.Connected })

	conn.push(`not json at all`)
	conn.push(`{"table":"users","op":"insert","id":1}`)
	conn.push(`{"table":"tasks","op":"update","id":3}`)

	call := syncer.waitCall(t)
	if call.id != 3 {
		t.Errorf("got call %+v, want the valid event after malformed ones", call)
	}

	status := l.Status()
	if !status.Connected {
		t.Error("malformed payloads must not drop the connection")
	}
}

func TestVanishedRowFallsBackToDelete(t *testing.T) {
	conn := newFakeConn()
	syncer := newFakeSyncer(false) // source no longer has the row

	l := New(func(ctx context.Context) (Conn, error) { return conn, nil }, syncer, quietConfig())
	l.Start()
	defer l.Stop()

	waitForStatus(t, l, func(s Status) bool { return s.Connected })
	conn.push(`{"table":"tasks","op":"update","id":9}`)

	first := syncer.waitCall(t)
	if first.op != "sync" || first.id != 9 {
		t.Fatalf("first call = %+v, want sync of 9", first)
	}
	second := syncer.waitCall(t)
	if second.op != "delete" || second.table != TableTasks || second.id != 9 {
		t.Errorf("second call = %+v, want fallback delete of tasks/9", second)
	}
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn

	dial := func(ctx context.Context) (Conn, error) {
		conn := newFakeConn()
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}

	syncer := newFakeSyncer(true)
	l := New(dial, syncer, quietConfig())
	l.Start()
	defer l.Stop()

	waitForStatus(t, l, func(s Status) bool { return s.Connected })

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.drop()

	waitForStatus(t, l, func(s Status) bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) >= 2 && s.Connected
	})

	// A successful resubscribe resets the failure counters.
	status := l.Status()
	if status.ReconnectAttempts != 0 {
		t.Errorf("reconnect attempts = %d after successful resubscribe, want 0", status.ReconnectAttempts)
	}
	if status.LastError != "" {
		t.Errorf("last error = %q after successful resubscribe, want empty", status.LastError)
	}

	// The new connection still delivers events.
	mu.Lock()
	second := conns[1]
	mu.Unlock()
	second.push(`{"table":"tasks","op":"insert","id":1}`)
	call := syncer.waitCall(t)
	if call.id != 1 {
		t.Errorf("event on new connection not applied: %+v", call)
	}
}

func TestDialFailureBacksOff(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	dial := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	l := New(dial, newFakeSyncer(true), quietConfig())
	l.Start()
	defer l.Stop()

	waitForStatus(t, l, func(s Status) bool { return s.ReconnectAttempts >= 3 })

	status := l.Status()
	if status.State != StateReconnecting && status.State != StateConnecting {
		t.Errorf("state = %s, want reconnecting or connecting", status.State)
	}
	if status.Connected {
		t.Error("listener must not report connected while dialing fails")
	}
	if status.LastError == "" {
		t.Error("last error should be recorded")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialCount := 0
	var mu sync.Mutex

	dial := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		return conn, nil
	}

	l := New(dial, newFakeSyncer(true), quietConfig())

	l.Start()
	l.Start() // second Start must not spawn a second loop
	waitForStatus(t, l, func(s Status) bool { return s.Connected })

	mu.Lock()
	count := dialCount
	mu.Unlock()
	if count != 1 {
		t.Errorf("dial called %d times, want 1", count)
	}

	l.Stop()
	l.Stop() // second Stop must be safe

	status := l.Status()
	if status.State != StateStopped || status.Started || status.Connected {
		t.Errorf("status after stop = %+v, want stopped", status)
	}
}

func TestStopCancelsPendingBackoff(t *testing.T) {
	config := quietConfig()
	config.BackoffBase = time.Hour // a pending timer that would outlive the test
	config.BackoffCap = time.Hour

	l := New(func(ctx context.Context) (Conn, error) {
		return nil, errors.New("connection refused")
	}, newFakeSyncer(true), config)

	l.Start()
	waitForStatus(t, l, func(s Status) bool { return s.ReconnectAttempts >= 1 })

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a pending backoff timer")
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	config := &Config{
		Enabled:     true,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		Logger:      log.New(io.Discard, "", 0),
	}
	l := New(nil, nil, config)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{100, 30 * time.Second}, // shift overflow guard
	}

	for _, tt := range tests {
		l.mu.Lock()
		l.attempts = tt.attempts
		l.mu.Unlock()

		if got := l.backoffDelay(); got != tt.want {
			t.Errorf("backoffDelay with %d attempts = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}
