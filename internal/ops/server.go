// Package ops provides the operational HTTP surface for the mirror:
// health and listener-status queries, on-demand reconciliation triggers,
// and a WebSocket broadcast of applied change events for dashboard
// liveness banners.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steincamp/taskmirror/internal/listener"
	"github.com/steincamp/taskmirror/internal/reconcile"
)

// MessageType defines the type of broadcast message.
type MessageType string

const (
	// MessageTypeRowChange indicates a single mirrored row was applied.
	MessageTypeRowChange MessageType = "row_change"

	// MessageTypeReconcile indicates a drift reconciliation pass finished.
	MessageTypeReconcile MessageType = "reconcile"
)

// Message is a broadcast frame sent to connected WebSocket clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RowChangeData describes one applied change event.
type RowChangeData struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    int64  `json:"id"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default :8390).
	Addr string

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8390",
		Logger: log.Default(),
	}
}

// Server exposes the mirror's operational endpoints.
//
// Reconciliation triggered through it is serialized: a pass arriving
// while another runs is rejected with 409 rather than queued, since the
// reconciler is not re-entrant against itself.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	status      func() listener.Status
	reconciler  *reconcile.Reconciler
	reconcileMu sync.Mutex

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates an ops server. status supplies the listener health
// snapshot; reconciler handles the trigger endpoints.
func NewServer(config *Config, status func() listener.Status, reconciler *reconcile.Reconciler) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Addr == "" {
		config.Addr = ":8390"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:       config.Addr,
		status:     status,
		reconciler: reconciler,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 100),
		ctx:        ctx,
		cancel:     cancel,
		logger:     config.Logger,
	}
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	mux.HandleFunc("/reconcile/runs", s.handleStaleRuns)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // reconcile responses are synchronous
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("ops server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("ops server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// PublishEvent broadcasts one applied change event to WebSocket clients.
// Wire this to listener.Config.OnEvent.
func (s *Server) PublishEvent(event listener.Event) {
	data, err := json.Marshal(RowChangeData{Table: event.Table, Op: event.Op, ID: event.ID})
	if err != nil {
		return
	}
	s.Broadcast(Message{Type: MessageTypeRowChange, Data: data})
}

// Broadcast sends a message to all connected clients. Non-blocking:
// the message is dropped when the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal broadcast message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleStatus returns the listener health snapshot. Read-only.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}

// TryReconcile runs one guarded drift pass. Returns ok=false when
// another pass is already running; the pass is rejected, not queued,
// since the reconciler is not re-entrant against itself. Both the HTTP
// trigger and the serve-mode ticker route through this guard.
func (s *Server) TryReconcile(ctx context.Context) (report *reconcile.Report, ok bool, err error) {
	if !s.reconcileMu.TryLock() {
		return nil, false, nil
	}
	defer s.reconcileMu.Unlock()

	report, err = s.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, true, err
	}

	if report != nil {
		if data, err := json.Marshal(report); err == nil {
			s.Broadcast(Message{Type: MessageTypeReconcile, Data: data})
		}
	}
	return report, true, nil
}

// handleReconcile runs one drift pass and returns the report.
// 204 when the pass was skipped (source unreachable), 409 when another
// pass is already running.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, ok, err := s.TryReconcile(r.Context())
	if !ok {
		http.Error(w, "reconciliation already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Printf("reconciliation failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if report == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// handleStaleRuns marks abandoned runs completed. Accepts an optional
// stale_after_minutes query parameter.
func (s *Server) handleStaleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var staleAfter time.Duration
	if raw := r.URL.Query().Get("stale_after_minutes"); raw != "" {
		minutes, err := time.ParseDuration(raw + "m")
		if err != nil {
			http.Error(w, "invalid stale_after_minutes", http.StatusBadRequest)
			return
		}
		staleAfter = minutes
	}

	count, err := s.reconciler.StaleRuns(r.Context(), staleAfter)
	if err != nil {
		s.logger.Printf("stale run reconciliation failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"updated": count})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("ws client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("ws client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// ClientCount returns the current number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
