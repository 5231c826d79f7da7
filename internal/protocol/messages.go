package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeSubmitAction MessageType = "submit_action"
	TypeLeaveSession MessageType = "leave_session"

	// Server to client. Narrative events reuse the session event stream's own
	// JSON shape; these cover the frames the websocket layer adds on top.
	TypeSessionSnapshot MessageType = "session_snapshot"
	TypeErrorEvent      MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SubmitAction is a player's narrative move. Session and player identity are
// bound to the connection, not the message.
type SubmitAction struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

type LeaveSession struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubmitAction:
		var msg SubmitAction
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid submit_action")
		}
		return msg, nil
	case TypeLeaveSession:
		var msg LeaveSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
