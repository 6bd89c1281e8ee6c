package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"cli-supervisor/internal/guard"
	"cli-supervisor/internal/protocol"
	"cli-supervisor/internal/session"
	"cli-supervisor/internal/store"
)

type inputRequest struct {
	Input string `json:"input"`
}

type stopRequest struct {
	Signal string `json:"signal"`
}

type startResponse struct {
	Success bool         `json:"success"`
	Session session.Info `json:"session"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type statusResponse struct {
	Session   session.Info `json:"session"`
	Uptime    int64        `json:"uptime"`
	IsRunning bool         `json:"isRunning"`
}

type listResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

type historyResponse struct {
	SessionID string              `json:"sessionId"`
	Messages  []store.ChatMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var signalsByName = map[string]os.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGINT":  syscall.SIGINT,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
}

// parseSignal accepts "SIGINT", "sigint" or "INT". An empty name means the
// supervisor default.
func parseSignal(name string) (os.Signal, error) {
	if name == "" {
		return nil, nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig, ok := signalsByName[upper]
	if !ok {
		return nil, fmt.Errorf("unsupported signal: %s", name)
	}
	return sig, nil
}

// errorStatus maps supervisor and validation errors to an HTTP status and
// a wire error code.
func errorStatus(err error) (int, string) {
	var spawnErr *session.SpawnError
	switch {
	case guard.IsValidation(err):
		return http.StatusBadRequest, protocol.ErrValidationFailed
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest, protocol.ErrInvalidMessage
	case errors.Is(err, session.ErrAlreadyExists):
		return http.StatusConflict, protocol.ErrAlreadyExists
	case errors.Is(err, session.ErrCapacityExceeded):
		return http.StatusTooManyRequests, protocol.ErrCapacityExceeded
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrSessionNotRunning):
		return http.StatusConflict, protocol.ErrInputRejected
	case errors.Is(err, session.ErrInputRejected):
		return http.StatusBadRequest, protocol.ErrInputRejected
	case errors.As(err, &spawnErr):
		return http.StatusInternalServerError, protocol.ErrSpawnFailed
	}
	return http.StatusInternalServerError, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeSupervisorError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"sessions":    s.sup.SessionCount(),
		"maxSessions": s.sup.MaxSessions(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Cwd == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "cwd is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	info, err := s.sup.StartSession(r.Context(), req)
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Success: true, Session: info})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.sup.ListSessions()
	infos := make([]session.Info, 0, len(ids))
	for _, id := range ids {
		// A session can exit between the two calls.
		if info, ok := s.sup.GetSession(id); ok {
			infos = append(infos, info)
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Sessions: infos, Count: len(infos)})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "input is required")
		return
	}

	if err := s.sup.SendInput(id, req.Input); err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "Input sent"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// The body is optional.
	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
			return
		}
	}
	sig, err := parseSignal(req.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	if !s.sup.StopSession(id, sig) {
		writeError(w, http.StatusNotFound, protocol.ErrSessionNotFound, "session not found or already stopped")
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "Session stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.sup.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.ErrSessionNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Session:   info,
		Uptime:    time.Since(info.StartedAt).Milliseconds(),
		IsRunning: info.Status == session.StatusRunning,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := historyResponse{SessionID: id, Messages: []store.ChatMessage{}}
	if s.history != nil {
		msgs, err := s.history.ChatHistory(r.Context(), id)
		if err != nil {
			s.logger.Error("Failed to read chat history", "sessionID", id, "error", err)
			writeError(w, http.StatusInternalServerError, "", "failed to read chat history")
			return
		}
		if msgs != nil {
			resp.Messages = msgs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
