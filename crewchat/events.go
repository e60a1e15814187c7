package crewchat

import "encoding/json"

// Wire event names. These are the contract with the crewchat server and
// must not be renamed.
const (
	EventJoin       = "join"
	EventJoinGroup  = "join-group"
	EventLeaveGroup = "leave-group"

	EventSendMessage         = "send-message"
	EventSendGroupMessage    = "send-group-message"
	EventReceiveMessage      = "receive-message"
	EventReceiveGroupMessage = "receive-group-message"
	EventMessageSent         = "message-sent"

	EventPing = "ping"
	EventPong = "pong"

	EventCallJoin              = "group-call-join"
	EventCallLeave             = "group-call-leave"
	EventCallJoined            = "group-call-joined"
	EventCallParticipantJoined = "group-call-participant-joined"
	EventCallParticipantLeft   = "group-call-participant-left"
	EventCallOffer             = "group-call-offer"
	EventCallAnswer            = "group-call-answer"
	EventCallICECandidate      = "group-call-ice-candidate"
	EventCallDecline           = "group-call-decline"
	EventCallEnded             = "group-call-ended"
)

// envelope is the wire frame in both directions: an event name plus an
// event-specific payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outEnvelope is the client-to-server frame before encoding.
type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// joinPayload joins the per-user inbox room.
type joinPayload struct {
	UserID string `json:"userId"`
}

// groupPayload joins or leaves a group room.
type groupPayload struct {
	GroupID string `json:"groupId"`
}

// sendPayload dispatches a chat message. Exactly one of Receiver or
// Group is set.
type sendPayload struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Group    string `json:"group,omitempty"`
	Message  string `json:"message"`
	SentAt   int64  `json:"sentAt"` // unix milliseconds
}

// pingPayload carries the probe timestamp in unix milliseconds.
type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// CallPayload identifies a call within its group.
type CallPayload struct {
	CallID  string `json:"callId"`
	GroupID string `json:"groupId,omitempty"`
}

// ParticipantPayload announces a roster change.
type ParticipantPayload struct {
	CallID      string      `json:"callId"`
	Participant WireProfile `json:"participant"`
}

// WireProfile is the roster entry as the server sends it.
type WireProfile struct {
	ID      string `json:"id"`
	IsMuted bool   `json:"isMuted"`
}

// SDPPayload relays an offer or answer to one participant.
type SDPPayload struct {
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	SDP    string `json:"sdp"`
}

// ICEPayload relays a single ICE candidate to one participant.
type ICEPayload struct {
	CallID        string  `json:"callId"`
	From          string  `json:"from,omitempty"`
	To            string  `json:"to,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// UnmarshalData decodes a raw event payload into target.
func UnmarshalData(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}
