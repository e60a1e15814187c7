package crewchat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Message is the canonical chat message every component downstream of the
// wire boundary operates on. Inbound payloads are normalized into this
// shape immediately on receipt; payload variants (sender as object vs as
// bare id, differing field names, string vs numeric timestamps) never
// leak past normalizeMessage.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	GroupID    string
	Body       string
	CreatedAt  time.Time

	// Optimistic marks a locally rendered copy that has not been
	// confirmed by the server. Its ID is client-generated.
	Optimistic bool
}

// sameParty compares two ids tolerantly: trimmed, case-preserving string
// comparison, empty never matches.
func sameParty(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && a == b
}

// rawMessage mirrors the loosest tolerated wire shape.
type rawMessage struct {
	ID       json.RawMessage `json:"id"`
	MongoID  json.RawMessage `json:"_id"`
	Sender   json.RawMessage `json:"sender"`
	Receiver json.RawMessage `json:"receiver"`
	Group    json.RawMessage `json:"group"`
	GroupID  json.RawMessage `json:"groupId"`
	Message  string          `json:"message"`
	Text     string          `json:"text"`
	Body     string          `json:"body"`
	SentAt   json.RawMessage `json:"sentAt"`
	Created  json.RawMessage `json:"createdAt"`
}

// normalizeMessage converts a raw inbound payload into a canonical
// Message. It returns false when the payload is malformed beyond use
// (no sender or no body); such events are dropped by the caller.
func normalizeMessage(data json.RawMessage) (Message, bool) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, false
	}

	m := Message{
		ID:         refID(raw.ID),
		SenderID:   refID(raw.Sender),
		ReceiverID: refID(raw.Receiver),
		Body:       firstNonEmpty(raw.Message, raw.Text, raw.Body),
	}
	if m.ID == "" {
		m.ID = refID(raw.MongoID)
	}
	m.GroupID = refID(raw.Group)
	if m.GroupID == "" {
		m.GroupID = refID(raw.GroupID)
	}
	m.CreatedAt = refTime(raw.Created)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = refTime(raw.SentAt)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	if m.SenderID == "" || m.Body == "" {
		return Message{}, false
	}
	return m, true
}

// refID extracts an identifier that may be a bare string, a number, or an
// object carrying "id" / "_id".
func refID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return n.String()
	}
	var obj struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.ID != "" {
			return strings.TrimSpace(obj.ID)
		}
		return strings.TrimSpace(obj.MongoID)
	}
	return ""
}

// refTime extracts a timestamp that may be RFC 3339 or epoch milliseconds.
func refTime(data json.RawMessage) time.Time {
	if len(data) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
