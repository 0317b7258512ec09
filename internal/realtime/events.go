package realtime

import (
	"encoding/json"

	"github.com/estimatex/api/internal/presence"
)

// Inbound event names.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
	EventVote      = "vote"
	EventReveal    = "reveal"
	EventClear     = "clear"
)

// Outbound event names.
const (
	EventPresenceUpdate = "presence:update"
	EventVotesUpdate    = "votes:update"
	EventVotesReveal    = "votes:reveal"
	EventVotesClear     = "votes:clear"
	EventError          = "error"
)

// Envelope is the wire format in both directions: an event name plus a
// JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinRoomPayload struct {
	Code string        `json:"code"`
	User presence.User `json:"user"`
}

type leaveRoomPayload struct {
	Code string `json:"code"`
}

type votePayload struct {
	Code      string  `json:"code"`
	UserID    string  `json:"userId"`
	Value     float64 `json:"value"`
	Dimension string  `json:"dimension"`
}

// facilitatorPayload covers reveal and clear, which share a shape.
type facilitatorPayload struct {
	Code   string `json:"code"`
	Secret string `json:"secret"`
}

func mustEnvelope(event string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return []byte(`{"event":"error","data":{"message":"internal error"}}`)
	}
	return msg
}
