package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate = "session.update"
	TypeCLIStarted    = "claude-cli:started"
	TypeCLIOutput     = "claude-cli:output"
	TypeCLIExited     = "claude-cli:exited"
	TypeCLIError      = "claude-cli:error"
	TypeChatMessage   = "chat:message"
	TypeFileCreated   = "file:created"
	TypeFileModified  = "file:modified"
	TypeFileDeleted   = "file:deleted"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionStart = "session.start"
	TypeSessionInput = "session.input"
	TypeSessionStop  = "session.stop"
)

// Error codes.
const (
	ErrSessionNotFound  = "SESSION_NOT_FOUND"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrAlreadyExists    = "ALREADY_EXISTS"
	ErrCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrValidationFailed = "VALIDATION_FAILED"
	ErrSpawnFailed      = "SPAWN_FAILED"
	ErrInputRejected    = "INPUT_REJECTED"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Cwd       string `json:"cwd,omitempty"`
	PID       int    `json:"pid,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}

type StartedPayload struct {
	SessionID string   `json:"sessionId"`
	PID       int      `json:"pid"`
	Cwd       string   `json:"cwd"`
	Args      []string `json:"args"`
	Prompt    string   `json:"prompt,omitempty"`
}

type OutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Output    string `json:"output"`
}

type ExitedPayload struct {
	SessionID  string `json:"sessionId"`
	ExitCode   *int   `json:"exitCode"`
	ExitSignal string `json:"exitSignal,omitempty"`
	DurationMs int64  `json:"duration"`
}

type CLIErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// ChatMessagePayload wraps one aggregated conversation message. Message
// is the stored chat message as is.
type ChatMessagePayload struct {
	SessionID string      `json:"sessionId"`
	Message   interface{} `json:"message"`
}

type FileChangePayload struct {
	SessionID    string `json:"sessionId"`
	Path         string `json:"path"`
	RelativePath string `json:"relativePath"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionStartPayload struct {
	SessionID     string            `json:"sessionId"`
	Cwd           string            `json:"cwd"`
	Prompt        string            `json:"prompt"`
	Flags         []string          `json:"flags"`
	EnvVars       map[string]string `json:"envVars"`
	MCPConfigPath string            `json:"mcpConfigPath"`
	User          string            `json:"user"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type SessionStopPayload struct {
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal"`
}
