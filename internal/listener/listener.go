// Package listener maintains the real-time subscription to the source
// database's change-notification channel and applies single-row updates
// to the mirror as they occur.
//
// The listener is a long-lived state machine:
//
//	stopped -> connecting -> listening -> reconnecting -> connecting -> ...
//
// It holds exactly one subscription connection at a time, reconnects
// forever with exponential backoff while started, and confines its side
// effects to the row syncer and direct mirror deletes. One process runs
// one listener; tests instantiate independent instances.
package listener

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steincamp/taskmirror/internal/rowsync"
)

// State identifies where the listener is in its lifecycle.
type State string

const (
	// StateStopped means the listener has not been started or was shut down.
	StateStopped State = "stopped"
	// StateConnecting means a subscription connection is being established.
	StateConnecting State = "connecting"
	// StateListening means the subscription is live and receiving.
	StateListening State = "listening"
	// StateReconnecting means the connection was lost and a backoff timer
	// is pending before the next attempt.
	StateReconnecting State = "reconnecting"
)

// Config holds listener configuration.
type Config struct {
	// Enabled gates the whole listener; Start is a no-op when false.
	// Useful for test and offline environments.
	Enabled bool

	// BackoffBase is the first reconnect delay. Doubles per consecutive
	// failure up to BackoffCap.
	BackoffBase time.Duration

	// BackoffCap bounds the reconnect delay.
	BackoffCap time.Duration

	// Logger for listener activity.
	Logger *log.Logger

	// OnEvent, if set, is invoked after each successfully applied event.
	// Used to feed the ops websocket broadcast.
	OnEvent func(Event)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		Logger:      log.New(os.Stderr, "[listener] ", log.LstdFlags),
	}
}

// Listener owns the subscription connection and the reconnect machinery.
type Listener struct {
	dial   DialFunc
	syncer rowsync.Syncer
	config *Config

	mu          sync.Mutex
	state       State
	started     bool
	connected   bool
	attempts    int
	lastEventAt time.Time
	lastErr     string
	conn        Conn
	cancel      context.CancelFunc

	wg      sync.WaitGroup // run loop
	eventWG sync.WaitGroup // in-flight event handlers
}

// Status is the read-only health snapshot exposed to external callers.
// It is the only channel by which dashboards observe listener state.
type Status struct {
	Enabled           bool       `json:"enabled" yaml:"enabled"`
	Started           bool       `json:"started" yaml:"started"`
	Connected         bool       `json:"connected" yaml:"connected"`
	State             State      `json:"state" yaml:"state"`
	ReconnectAttempts int        `json:"reconnect_attempts" yaml:"reconnect_attempts"`
	LastEventAt       *time.Time `json:"last_event_at,omitempty" yaml:"last_event_at,omitempty"`
	LastError         string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// New creates a listener. Use Start to begin receiving notifications.
func New(dial DialFunc, syncer rowsync.Syncer, config *Config) *Listener {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[listener] ", log.LstdFlags)
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.BackoffCap < config.BackoffBase {
		config.BackoffCap = 30 * time.Second
	}
	return &Listener{
		dial:   dial,
		syncer: syncer,
		config: config,
		state:  StateStopped,
	}
}

// Start begins the subscription loop.
//
// A disabled listener ignores Start entirely. Calling Start while already
// running is a no-op, so there is never more than one subscription
// connection per listener.
func (l *Listener) Start() {
	l.mu.Lock()
	if !l.config.Enabled {
		l.mu.Unlock()
		l.config.Logger.Println("listener disabled by configuration")
		return
	}
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop shuts the listener down: it cancels any pending reconnect timer,
// closes the active connection, waits for in-flight event handlers, and
// settles in the stopped state. Safe to call when already stopped.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	conn := l.conn
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(context.Background())
	}

	l.wg.Wait()
	l.eventWG.Wait()

	l.mu.Lock()
	l.state = StateStopped
	l.connected = false
	l.conn = nil
	l.mu.Unlock()

	l.config.Logger.Println("listener stopped")
}

// Status returns a point-in-time snapshot of listener health.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := Status{
		Enabled:           l.config.Enabled,
		Started:           l.started,
		Connected:         l.connected,
		State:             l.state,
		ReconnectAttempts: l.attempts,
		LastError:         l.lastErr,
	}
	if !l.lastEventAt.IsZero() {
		t := l.lastEventAt
		status.LastEventAt = &t
	}
	return status
}

// run is the reconnect loop. It exits only when the listener context is
// cancelled by Stop.
func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		l.setState(StateConnecting)

		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.recordFailure(err)
			if !l.waitBackoff(ctx) {
				return
			}
			continue
		}

		l.adoptConn(conn)
		l.receive(ctx, conn)

		if ctx.Err() != nil {
			return
		}
		if !l.waitBackoff(ctx) {
			return
		}
	}
}

// receive pumps notifications from one connection until it fails.
// Each valid event is applied in its own goroutine so a slow row sync
// never delays receipt of the next notification.
func (l *Listener) receive(ctx context.Context, conn Conn) {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			_ = conn.Close(context.Background())
			l.clearConn()
			if ctx.Err() == nil {
				l.recordFailure(err)
			}
			return
		}

		event, ok := decodePayload([]byte(notification.Payload))
		if !ok {
			// One bad notification must never break the subscription.
			l.config.Logger.Printf("dropping malformed notification payload: %q", notification.Payload)
			continue
		}

		l.eventWG.Add(1)
		go l.apply(event)
	}
}

// apply routes one decoded event to the syncer or a direct mirror delete.
// In-flight syncs are never cancelled; the source access layer owns any
// timeouts.
func (l *Listener) apply(event Event) {
	defer l.eventWG.Done()
	ctx := context.Background()

	switch event.Op {
	case OpDelete:
		// A delete notification is authoritative for that single row.
		var err error
		if event.Table == TableTasks {
			err = l.syncer.DeleteTask(ctx, event.ID)
		} else {
			err = l.syncer.DeleteEpic(ctx, event.ID)
		}
		if err != nil {
			l.config.Logger.Printf("failed to apply delete for %s/%d: %v", event.Table, event.ID, err)
			return
		}

	default: // insert, update
		var found bool
		var err error
		if event.Table == TableTasks {
			found, err = l.syncer.SyncTask(ctx, event.ID)
		} else {
			found, err = l.syncer.SyncEpic(ctx, event.ID)
		}
		if err != nil {
			l.config.Logger.Printf("failed to sync %s/%d: %v", event.Table, event.ID, err)
			return
		}
		if !found {
			// The row vanished between the notification and our read:
			// a concurrent delete won the race. Remove the mirror row.
			l.config.Logger.Printf("%s/%d gone from source on %s, deleting mirror row", event.Table, event.ID, event.Op)
			if event.Table == TableTasks {
				err = l.syncer.DeleteTask(ctx, event.ID)
			} else {
				err = l.syncer.DeleteEpic(ctx, event.ID)
			}
			if err != nil {
				l.config.Logger.Printf("failed fallback delete for %s/%d: %v", event.Table, event.ID, err)
				return
			}
		}
	}

	l.markEvent()
	if l.config.OnEvent != nil {
		l.config.OnEvent(event)
	}
}

// waitBackoff sleeps for the current backoff delay. Returns false if the
// listener was stopped while waiting.
func (l *Listener) waitBackoff(ctx context.Context) bool {
	delay := l.backoffDelay()
	l.config.Logger.Printf("reconnecting in %s", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes min(base << (attempt-1), cap).
func (l *Listener) backoffDelay() time.Duration {
	l.mu.Lock()
	attempt := l.attempts
	l.mu.Unlock()

	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 20 {
		return l.config.BackoffCap
	}
	delay := l.config.BackoffBase << shift
	if delay <= 0 || delay > l.config.BackoffCap {
		return l.config.BackoffCap
	}
	return delay
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// adoptConn installs a freshly subscribed connection: the listener is now
// live, so the attempt counter and last error reset.
func (l *Listener) adoptConn(conn Conn) {
	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.state = StateListening
	l.attempts = 0
	l.lastErr = ""
	l.mu.Unlock()

	l.config.Logger.Println("subscribed to change notifications")
}

func (l *Listener) clearConn() {
	l.mu.Lock()
	l.conn = nil
	l.connected = false
	l.mu.Unlock()
}

func (l *Listener) recordFailure(err error) {
	l.mu.Lock()
	l.attempts++
	l.lastErr = err.Error()
	l.state = StateReconnecting
	l.connected = false
	attempts := l.attempts
	l.mu.Unlock()

	l.config.Logger.Printf("subscription failure (attempt %d): %v", attempts, err)
}

func (l *Listener) markEvent() {
	l.mu.Lock()
	l.lastEventAt = time.Now()
	l.mu.Unlock()
}
