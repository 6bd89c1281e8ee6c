package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionStart: true,
	TypeSessionInput: true,
	TypeSessionStop:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionStart:
		var p SessionStartPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if p.Cwd == "" {
			return nil, missingField(msg.Type, "cwd")
		}

	case TypeSessionInput:
		var p SessionInputPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}
		if p.Input == "" {
			return nil, missingField(msg.Type, "input")
		}

	case TypeSessionStop:
		var p SessionStopPayload
		if err := decodePayload(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}
	}

	return &msg, nil
}

func decodePayload(msg Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missingField(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
