package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"cli-supervisor/internal/store"
)

const defaultAggregateTimeout = 2 * time.Second

// Chat message roles and types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	MessageText    = "text"
	MessageError   = "error"
	MessageToolUse = "tool_use"
)

// Aggregator assembles the stream-json envelopes of one session into
// complete chat messages. A message is finalized on a result, error,
// message_stop or tool_use start, or after timeout without new text.
type Aggregator struct {
	sessionID string
	timeout   time.Duration
	now       func() time.Time
	emit      func(store.ChatMessage)

	mu       sync.Mutex
	buf      strings.Builder
	id       string
	msgType  string
	metadata map[string]any
	timer    *time.Timer
	closed   bool

	// Per assistant turn, reset by a result envelope.
	streamed    bool
	turnHasText bool
}

// NewAggregator creates an aggregator that passes finished messages to emit.
func NewAggregator(sessionID string, emit func(store.ChatMessage)) *Aggregator {
	return newAggregator(sessionID, defaultAggregateTimeout, time.Now, emit)
}

func newAggregator(sessionID string, timeout time.Duration, now func() time.Time, emit func(store.ChatMessage)) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		timeout:   timeout,
		now:       now,
		emit:      emit,
		msgType:   MessageText,
	}
}

// Observe feeds one parsed envelope.
func (a *Aggregator) Observe(env gjson.Result) {
	var out []store.ChatMessage

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	switch env.Get("type").String() {
	case envAssistant:
		// With partial messages enabled the text already arrived as
		// deltas; the complete assistant envelope only adds metadata.
		if !a.streamed {
			if content := env.Get("message.content"); content.Exists() {
				a.appendLocked(contentText(content))
			}
		}
		if model := env.Get("message.model"); model.Exists() {
			a.setMetadataLocked("model", model.String())
		}
		if reason := env.Get("message.stop_reason"); reason.Type == gjson.String {
			a.setMetadataLocked("stopReason", reason.String())
		}

	case envResult:
		if a.buf.Len() == 0 && !a.turnHasText {
			a.appendLocked(env.Get("result").String())
		}
		if cost := env.Get("total_cost_usd"); cost.Exists() {
			a.setMetadataLocked("costUsd", cost.Float())
		} else if cost := env.Get("cost_usd"); cost.Exists() {
			a.setMetadataLocked("costUsd", cost.Float())
		}
		if d := env.Get("duration_ms"); d.Exists() {
			a.setMetadataLocked("durationMs", d.Int())
		}
		if reason := env.Get("stop_reason"); reason.Type == gjson.String {
			a.setMetadataLocked("stopReason", reason.String())
		}
		out = a.finalizeLocked(out)
		a.streamed = false
		a.turnHasText = false

	case envError:
		msg := errorText(env.Get("error"))
		if msg == "" {
			break
		}
		out = a.finalizeLocked(out)
		a.msgType = MessageError
		a.appendLocked(msg)
		out = a.finalizeLocked(out)

	case envStreamEvent:
		out = a.observeStreamEventLocked(env.Get("event"), out)
	}
	a.mu.Unlock()

	a.emitAll(out)
}

func (a *Aggregator) observeStreamEventLocked(ev gjson.Result, out []store.ChatMessage) []store.ChatMessage {
	switch ev.Get("type").String() {
	case "content_block_delta":
		if text := ev.Get("delta.text"); text.Exists() && text.String() != "" {
			a.streamed = true
			a.appendLocked(text.String())
		}
	case "content_block_start":
		block := ev.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			break
		}
		out = a.finalizeLocked(out)
		a.msgType = MessageToolUse
		if name := block.Get("name"); name.Exists() {
			a.setMetadataLocked("toolName", name.String())
		}
		if id := block.Get("id"); id.Exists() {
			a.setMetadataLocked("toolUseId", id.String())
		}
		if input := block.Get("input"); input.IsObject() {
			a.setMetadataLocked("toolInput", input.Value())
			if block.Get("name").String() == "Task" {
				if prompt := input.Get("prompt"); prompt.Type == gjson.String {
					a.setMetadataLocked("spawnPrompt", prompt.String())
				}
			}
		}
	case "message_stop":
		out = a.finalizeLocked(out)
	}
	return out
}

// AddUserMessage emits a user turn immediately.
func (a *Aggregator) AddUserMessage(content string) {
	a.emitAll([]store.ChatMessage{a.newMessage(RoleUser, content, MessageText, nil)})
}

// AddSystemMessage emits a system notice immediately.
func (a *Aggregator) AddSystemMessage(content string) {
	a.emitAll([]store.ChatMessage{a.newMessage(RoleSystem, content, MessageText, nil)})
}

// Flush finalizes any buffered text.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	out := a.finalizeLocked(nil)
	a.mu.Unlock()
	a.emitAll(out)
}

// Close flushes and stops accepting input.
func (a *Aggregator) Close() {
	a.mu.Lock()
	out := a.finalizeLocked(nil)
	a.closed = true
	a.mu.Unlock()
	a.emitAll(out)
}

func (a *Aggregator) appendLocked(text string) {
	if text == "" {
		return
	}
	if a.id == "" {
		a.id = newMessageID()
	}
	a.buf.WriteString(text)
	a.resetTimerLocked()
}

func (a *Aggregator) setMetadataLocked(key string, value any) {
	if a.metadata == nil {
		a.metadata = make(map[string]any)
	}
	a.metadata[key] = value
}

// finalizeLocked appends the buffered message to out, if there is one, and
// resets state for the next message.
func (a *Aggregator) finalizeLocked(out []store.ChatMessage) []store.ChatMessage {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	content := a.buf.String()
	if strings.TrimSpace(content) != "" {
		msg := a.newMessage(RoleAssistant, content, a.msgType, a.metadata)
		if a.id != "" {
			msg.ID = a.id
		}
		out = append(out, msg)
		a.turnHasText = true
	}
	a.buf.Reset()
	a.id = ""
	a.msgType = MessageText
	a.metadata = nil
	return out
}

func (a *Aggregator) resetTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.timeout, a.Flush)
}

func (a *Aggregator) newMessage(role, content, msgType string, metadata map[string]any) store.ChatMessage {
	return store.ChatMessage{
		ID:          newMessageID(),
		SessionID:   a.sessionID,
		Role:        role,
		Content:     content,
		MessageType: msgType,
		Timestamp:   a.now().UTC(),
		Metadata:    metadata,
	}
}

func (a *Aggregator) emitAll(msgs []store.ChatMessage) {
	if a.emit == nil {
		return
	}
	for _, msg := range msgs {
		a.emit(msg)
	}
}

func newMessageID() string {
	return "msg-" + uuid.NewString()
}
