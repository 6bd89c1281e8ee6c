package session

import (
	"time"

	"cli-supervisor/internal/store"
)

// Status represents the lifecycle state of a supervised session.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Info is a point-in-time snapshot of a registered session.
type Info struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Args      []string  `json:"args,omitempty"`
	Exit      *ExitInfo `json:"exit,omitempty"`
}

// ExitInfo describes how a session's process ended.
type ExitInfo struct {
	Code     *int          `json:"exitCode,omitempty"`
	Signal   string        `json:"exitSignal,omitempty"`
	EndedAt  time.Time     `json:"endedAt"`
	Duration time.Duration `json:"duration"`
}

// Stream identifies which process output stream a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event type names, also used as wire message types.
const (
	EventStarted     = "claude-cli:started"
	EventOutput      = "claude-cli:output"
	EventExited      = "claude-cli:exited"
	EventError       = "claude-cli:error"
	EventChatMessage = "chat:message"
)

// Event is a notification emitted by the supervisor for one session.
type Event interface {
	EventType() string
}

// StartedEvent is broadcast once the process has been spawned.
type StartedEvent struct {
	PID       int       `json:"pid"`
	Cwd       string    `json:"cwd"`
	Args      []string  `json:"args"`
	Prompt    string    `json:"prompt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputEvent carries extracted stdout text or raw stderr text.
type OutputEvent struct {
	SessionID string    `json:"sessionId"`
	Stream    Stream    `json:"stream"`
	Payload   string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// ExitedEvent is broadcast when the process exits. Exactly one of
// ExitCode and ExitSignal is set.
type ExitedEvent struct {
	ExitCode   *int          `json:"exitCode"`
	ExitSignal string        `json:"exitSignal,omitempty"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ErrorEvent reports an asynchronous failure of an already running session.
type ErrorEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessageEvent carries one aggregated conversation message.
type ChatMessageEvent struct {
	Message store.ChatMessage `json:"message"`
}

func (StartedEvent) EventType() string     { return EventStarted }
func (OutputEvent) EventType() string      { return EventOutput }
func (ExitedEvent) EventType() string      { return EventExited }
func (ErrorEvent) EventType() string       { return EventError }
func (ChatMessageEvent) EventType() string { return EventChatMessage }
