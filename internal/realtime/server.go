package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cli-supervisor/internal/protocol"
	"cli-supervisor/internal/session"
	"cli-supervisor/internal/store"
	"cli-supervisor/internal/watcher"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBufferSize = 256

	// ReplayCapacity is how many messages per live session are kept for
	// clients that connect mid-session.
	ReplayCapacity = 1000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// HistoryStore reads persisted chat history for the history endpoint.
type HistoryStore interface {
	ChatHistory(ctx context.Context, sessionID string) ([]store.ChatMessage, error)
}

// Option customizes a Server.
type Option func(*Server)

// WithWatcher enables file-change notifications for session directories.
func WithWatcher(w *watcher.Watcher) Option { return func(s *Server) { s.fileWatch = w } }

func WithHistory(h HistoryStore) Option { return func(s *Server) { s.history = h } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server fans supervisor events out to WebSocket clients and exposes the
// session REST API.
type Server struct {
	sup       *session.Supervisor
	fileWatch *watcher.Watcher
	history   HistoryStore
	logger    *slog.Logger

	// clientsMu guards clients and buffers so a connecting client sees
	// every message exactly once: either in its replay or live.
	clientsMu sync.RWMutex
	clients   map[*client]bool
	buffers   map[string]*RingBuffer
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a realtime server and installs it as sup's broadcaster.
func New(sup *session.Supervisor, opts ...Option) *Server {
	s := &Server{
		sup:     sup,
		logger:  slog.Default(),
		clients: make(map[*client]bool),
		buffers: make(map[string]*RingBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "realtime")
	sup.SetBroadcaster(s)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/claude-cli/start", s.handleStart)
	mux.HandleFunc("GET /api/claude-cli/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/claude-cli/{id}/input", s.handleInput)
	mux.HandleFunc("POST /api/claude-cli/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/claude-cli/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/claude-cli/{id}/history", s.handleHistory)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Broadcast implements session.Broadcaster. It never blocks on slow
// clients: a client whose send buffer is full misses the message.
func (s *Server) Broadcast(sessionID string, ev session.Event) {
	msg, err := eventMessage(sessionID, ev)
	if err != nil {
		s.logger.Warn("Dropping event", "sessionID", sessionID, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("Failed to encode event", "sessionID", sessionID, "error", err)
		return
	}

	var update []byte
	if started, ok := ev.(session.StartedEvent); ok {
		update = s.sessionUpdate(sessionID, session.StatusRunning, started.Cwd, started.PID, started.Timestamp)
	}

	s.clientsMu.Lock()
	switch ev.(type) {
	case session.StartedEvent:
		rb := NewRingBuffer(ReplayCapacity)
		rb.Write(data)
		s.buffers[sessionID] = rb
	case session.ExitedEvent, session.ErrorEvent:
		delete(s.buffers, sessionID)
	default:
		if rb := s.buffers[sessionID]; rb != nil {
			rb.Write(data)
		}
	}
	if update != nil {
		s.sendAllLocked(update)
	}
	s.sendAllLocked(data)
	s.clientsMu.Unlock()

	if s.fileWatch == nil {
		return
	}
	switch e := ev.(type) {
	case session.StartedEvent:
		go s.watchSession(sessionID, e.Cwd)
	case session.ExitedEvent, session.ErrorEvent:
		s.fileWatch.Unwatch(sessionID)
	}
}

// watchSession walks and watches the session directory off the broadcast
// path, since a large tree takes a while to walk.
func (s *Server) watchSession(sessionID, cwd string) {
	if err := s.fileWatch.Watch(sessionID, cwd); err != nil {
		s.logger.Warn("Failed to start file watcher", "sessionID", sessionID, "error", err)
		return
	}

	// The session may have ended during the walk.
	s.clientsMu.RLock()
	_, live := s.buffers[sessionID]
	s.clientsMu.RUnlock()
	if !live {
		s.fileWatch.Unwatch(sessionID)
	}
}

// OnFileChange is the callback for the file watcher.
func (s *Server) OnFileChange(c watcher.Change) {
	msgType := protocol.TypeFileModified
	switch c.Kind {
	case watcher.KindCreated:
		msgType = protocol.TypeFileCreated
	case watcher.KindDeleted:
		msgType = protocol.TypeFileDeleted
	}
	msg, err := protocol.NewMessage(msgType, protocol.FileChangePayload{
		SessionID:    c.SessionID,
		Path:         c.Path,
		RelativePath: c.RelativePath,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// eventMessage converts a supervisor event into its wire message.
func eventMessage(sessionID string, ev session.Event) (*protocol.Message, error) {
	var (
		payload interface{}
		ts      time.Time
	)
	switch e := ev.(type) {
	case session.StartedEvent:
		payload = protocol.StartedPayload{
			SessionID: sessionID,
			PID:       e.PID,
			Cwd:       e.Cwd,
			Args:      e.Args,
			Prompt:    e.Prompt,
		}
		ts = e.Timestamp
	case session.OutputEvent:
		payload = protocol.OutputPayload{
			SessionID: sessionID,
			Stream:    string(e.Stream),
			Output:    e.Payload,
		}
		ts = e.Timestamp
	case session.ExitedEvent:
		payload = protocol.ExitedPayload{
			SessionID:  sessionID,
			ExitCode:   e.ExitCode,
			ExitSignal: e.ExitSignal,
			DurationMs: e.Duration.Milliseconds(),
		}
		ts = e.Timestamp
	case session.ErrorEvent:
		payload = protocol.CLIErrorPayload{SessionID: sessionID, Error: e.Message}
		ts = e.Timestamp
	case session.ChatMessageEvent:
		payload = protocol.ChatMessagePayload{SessionID: sessionID, Message: e.Message}
		ts = e.Message.Timestamp
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}

	msg, err := protocol.NewMessage(ev.EventType(), payload)
	if err != nil {
		return nil, err
	}
	if !ts.IsZero() {
		msg.Timestamp = ts.UTC()
	}
	return msg, nil
}

func (s *Server) sessionUpdate(id string, status session.Status, cwd string, pid int, startedAt time.Time) []byte {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, protocol.SessionUpdatePayload{
		SessionID: id,
		Status:    string(status),
		Cwd:       cwd,
		PID:       pid,
		StartedAt: startedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil
	}
	data, _ := json.Marshal(msg)
	return data
}

// handleWebSocket upgrades an HTTP connection to WebSocket and replays the
// buffered output of every live session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade error", "error", err)
		return
	}

	s.clientsMu.Lock()
	replay := s.replayLocked()
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize+len(replay)),
		server: s,
	}
	for _, data := range replay {
		c.send <- data
	}
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.logger.Debug("Client connected", "remote", r.RemoteAddr, "replayed", len(replay))

	go c.writePump()
	go c.readPump()
}

// replayLocked returns a session.update followed by the buffered messages
// for each live session. Callers hold clientsMu.
func (s *Server) replayLocked() [][]byte {
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out [][]byte
	for _, id := range ids {
		if info, ok := s.sup.GetSession(id); ok {
			if update := s.sessionUpdate(id, info.Status, info.Cwd, info.PID, info.StartedAt); update != nil {
				out = append(out, update)
			}
		}
		out = append(out, s.buffers[id].ReadAll()...)
	}
	return out
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("Websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error(), "")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		s.handleWSStart(c, msg)
	case protocol.TypeSessionInput:
		s.handleWSInput(c, msg)
	case protocol.TypeSessionStop:
		s.handleWSStop(c, msg)
	}
}

func (s *Server) handleWSStart(c *client, msg *protocol.Message) {
	var p protocol.SessionStartPayload
	json.Unmarshal(msg.Payload, &p)

	req := session.StartRequest{
		ID:            p.SessionID,
		Cwd:           p.Cwd,
		Prompt:        p.Prompt,
		Flags:         p.Flags,
		Env:           p.EnvVars,
		MCPConfigPath: p.MCPConfigPath,
		User:          p.User,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// The started event reaches every client, this one included.
	if _, err := s.sup.StartSession(context.Background(), req); err != nil {
		_, code := errorStatus(err)
		c.sendError(code, err.Error(), req.ID)
	}
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message) {
	var p protocol.SessionInputPayload
	json.Unmarshal(msg.Payload, &p)

	if err := s.sup.SendInput(p.SessionID, p.Input); err != nil {
		_, code := errorStatus(err)
		c.sendError(code, err.Error(), p.SessionID)
	}
}

func (s *Server) handleWSStop(c *client, msg *protocol.Message) {
	var p protocol.SessionStopPayload
	json.Unmarshal(msg.Payload, &p)

	sig, err := parseSignal(p.Signal)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error(), p.SessionID)
		return
	}
	if !s.sup.StopSession(p.SessionID, sig) {
		c.sendError(protocol.ErrSessionNotFound, "session not found or already stopped: "+p.SessionID, p.SessionID)
	}
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.sendAllLocked(data)
}

func (s *Server) sendAllLocked(data []byte) {
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// sendError is only called from the client's own read loop, so the send
// channel is still open.
func (c *client) sendError(code, message, sessionID string) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}
