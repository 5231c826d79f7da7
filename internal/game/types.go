package game

import "time"

type SessionStatus string

const (
	StatusOpen          SessionStatus = "open"
	StatusAwaitingModel SessionStatus = "awaiting_model"
	StatusClosed        SessionStatus = "closed"
)

// SubmitPolicy decides what happens to an action submitted while the session
// already has a turn in flight.
type SubmitPolicy string

const (
	SubmitPolicyQueue  SubmitPolicy = "queue"
	SubmitPolicyReject SubmitPolicy = "reject"
)

type CloseReason string

const (
	CloseReasonLastPlayerLeft CloseReason = "last_player_left"
	CloseReasonEnded          CloseReason = "ended"
	CloseReasonIdleTimeout    CloseReason = "idle_timeout"
)

type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Turn is one recorded narrative beat. Turns only exist after the model call
// succeeded; a failed generation leaves no Turn behind and Seq stays gapless.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	PlayerID    string    `json:"player_id"`
	PlayerName  string    `json:"player_name,omitempty"`
	Action      string    `json:"action"`
	Narrative   string    `json:"narrative"`
	Options     []string  `json:"options,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PendingAction is an accepted submission that has not produced a Turn yet.
// Its ID becomes the Turn ID once generation succeeds.
type PendingAction struct {
	ID          string    `json:"turn_id"`
	SessionID   string    `json:"session_id"`
	PlayerID    string    `json:"player_id"`
	PlayerName  string    `json:"player_name,omitempty"`
	Action      string    `json:"action"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Session struct {
	ID          string        `json:"id"`
	Theme       string        `json:"theme,omitempty"`
	Status      SessionStatus `json:"status"`
	Players     []Player      `json:"players"`
	Turns       []Turn        `json:"turns,omitempty"`
	CloseReason CloseReason   `json:"close_reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`

	// Populated on snapshots only; not part of stored state.
	ActiveTurnID  string `json:"active_turn_id,omitempty"`
	QueuedActions int    `json:"queued_actions,omitempty"`
}

type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventPlayerJoined   EventType = "player_joined"
	EventPlayerLeft     EventType = "player_left"
	EventTurnQueued     EventType = "turn_queued"
	EventTurnStarted    EventType = "turn_started"
	EventNarrativeDelta EventType = "narrative_delta"
	EventTurnCompleted  EventType = "turn_completed"
	EventTurnFailed     EventType = "turn_failed"
	EventSessionClosed  EventType = "session_closed"
)

type Event struct {
	Type           EventType     `json:"type"`
	SessionID      string        `json:"session_id"`
	TurnID         string        `json:"turn_id,omitempty"`
	Seq            int           `json:"seq,omitempty"`
	PlayerID       string        `json:"player_id,omitempty"`
	PlayerName     string        `json:"player_name,omitempty"`
	Status         SessionStatus `json:"status,omitempty"`
	QueuedPosition int           `json:"queued_position,omitempty"`
	TextDelta      string        `json:"text_delta,omitempty"`
	Narrative      string        `json:"narrative,omitempty"`
	Options        []string      `json:"options,omitempty"`
	Code           string        `json:"code,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	At             time.Time     `json:"at"`
}

func (s Session) Clone() Session {
	out := s
	if s.Players != nil {
		out.Players = make([]Player, len(s.Players))
		copy(out.Players, s.Players)
	}
	if s.Turns != nil {
		out.Turns = make([]Turn, len(s.Turns))
		for i, t := range s.Turns {
			out.Turns[i] = t.Clone()
		}
	}
	return out
}

func (s Session) Terminal() bool {
	return s.Status == StatusClosed
}

func (s Session) HasPlayer(playerID string) bool {
	for _, p := range s.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

func (t Turn) Clone() Turn {
	out := t
	if t.Options != nil {
		out.Options = make([]string, len(t.Options))
		copy(out.Options, t.Options)
	}
	return out
}
