package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/identity"
	"github.com/ashureev/sudoku-sync/internal/sessions"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const streamWriteTimeout = 10 * time.Second

// StreamManager tracks the session list streams, one per client.
type StreamManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewStreamManager creates a new stream manager.
func NewStreamManager() *StreamManager {
	return &StreamManager{
		active: make(map[string]*websocket.Conn),
	}
}

// Register adds a stream for a client, replacing any earlier one.
func (m *StreamManager) Register(clientID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[clientID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "stream replaced")
	}
	m.active[clientID] = conn
	slog.Info("Session stream registered", "client_id", clientID)
}

// Unregister removes the stream of a client if conn is still current.
func (m *StreamManager) Unregister(clientID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[clientID]; exists && current == conn {
		delete(m.active, clientID)
		slog.Info("Session stream unregistered", "client_id", clientID)
	}
}

// Count returns the number of open streams.
func (m *StreamManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CloseAll terminates every open stream.
func (m *StreamManager) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for clientID, conn := range m.active {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
		slog.Info("Session stream closed", "client_id", clientID, "reason", reason)
	}
	m.active = make(map[string]*websocket.Conn)
}

type sessionsMessage struct {
	Type     string           `json:"type"`
	Sessions []domain.Session `json:"sessions"`
}

// StreamHandler pushes the merged session list over a WebSocket every
// time it changes.
type StreamHandler struct {
	rec            *sessions.Reconciler
	streams        *StreamManager
	originPatterns []string
}

// NewStreamHandler creates a stream handler. originPatterns are host
// patterns accepted besides the request host.
func NewStreamHandler(base *Handler, originPatterns []string) *StreamHandler {
	return &StreamHandler{
		rec:            base.rec,
		streams:        base.streams,
		originPatterns: originPatterns,
	}
}

// ServeHTTP upgrades the request and streams session snapshots until the
// client goes away.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err, "client_id", clientID)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	h.streams.Register(clientID, conn)
	defer h.streams.Unregister(clientID, conn)

	// Client messages are not expected; CloseRead handles control frames.
	ctx := conn.CloseRead(r.Context())

	updates, unsubscribe := h.rec.Subscribe()
	defer unsubscribe()

	if err := h.write(ctx, conn, h.rec.Sessions()); err != nil {
		return
	}
	h.rec.FetchSessions(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, snapshot); err != nil {
				slog.Debug("Session stream write failed", "error", err, "client_id", clientID)
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, list []domain.Session) error {
	if list == nil {
		list = []domain.Session{}
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, sessionsMessage{Type: "sessions", Sessions: list})
}

// RegisterRoutes registers the stream route.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Handle("/ws/sessions", h)
}
