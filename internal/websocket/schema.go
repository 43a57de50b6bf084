package websocket

import "github.com/tpcell/attempt-runner/internal/attempt"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNavigate Action = "navigate"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestPayload carries every client action; fields unused by an action
// are ignored.
type RequestPayload struct {
	Action Action `json:"action"`

	// answer
	QuestionID string `json:"question_id,omitempty"`
	Option     *int   `json:"option,omitempty"`

	// navigate: next, previous or goto
	Move  string `json:"move,omitempty"`
	Index *int   `json:"index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot Event = "snapshot"
	EventTick     Event = "tick"
	EventPhase    Event = "phase"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// SnapshotResponse carries session state for snapshot, phase and tick events.
type SnapshotResponse struct {
	Event   Event            `json:"event"`
	Attempt attempt.Snapshot `json:"attempt"`
}

// TickResponse is the light per-second countdown update.
type TickResponse struct {
	Event            Event  `json:"event"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Clock            string `json:"clock"`
	Answered         int    `json:"answered"`
	Progress         int    `json:"progress"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
