package crewchat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// signaler is the slice of Session the chat and call layers depend on.
type signaler interface {
	On(event string, h Handler)
	Emit(ctx context.Context, event string, payload any) error
}

// Duplicate-detection windows. Optimistic copies get a wider tolerance
// because the local send may lag the server broadcast.
const (
	dupWindow           = 5 * time.Second
	optimisticDupWindow = 10 * time.Second
)

// Conversation identifies the chat a view is rendering: a peer user id
// for personal chats or a group id for group chats.
type Conversation struct {
	ID    string
	Group bool
}

// ChatView is the view model for one chat surface: the open
// conversation's message list plus unread counters and last-message
// previews for every other conversation. Every inbound message event is
// classified exactly once into {render, unread, discard}; routing is
// idempotent under redelivery, so the list never shows the same logical
// message twice.
type ChatView struct {
	s      signaler
	selfID string
	logger Logger

	mu       sync.Mutex
	open     Conversation
	hasOpen  bool
	messages []Message
	unread   map[string]int
	previews map[string]Message

	onAppend func(Message)
	onUnread func(conversationID string, count int)
}

// NewChatView wires a view onto the session's inbound message events.
// selfID is the local user's id, used for echo detection.
func NewChatView(s signaler, selfID string) *ChatView {
	v := &ChatView{
		s:        s,
		selfID:   selfID,
		logger:   noopLogger{},
		unread:   make(map[string]int),
		previews: make(map[string]Message),
	}
	s.On(EventReceiveMessage, func(data json.RawMessage) { v.receive(data, false) })
	s.On(EventReceiveGroupMessage, func(data json.RawMessage) { v.receive(data, true) })
	s.On(EventMessageSent, v.confirm)
	return v
}

// SetLogger overrides the logger (optional).
func (v *ChatView) SetLogger(l Logger) {
	if l != nil {
		v.logger = l
	}
}

// OnAppend registers a callback invoked when a message is appended to
// the open conversation.
func (v *ChatView) OnAppend(fn func(Message)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onAppend = fn
}

// OnUnread registers a callback invoked when a background conversation's
// unread counter changes.
func (v *ChatView) OnUnread(fn func(conversationID string, count int)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onUnread = fn
}

// Open switches the view to a conversation, seeding its message list
// (typically from REST history) and clearing its unread counter.
func (v *ChatView) Open(conv Conversation, history []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = conv
	v.hasOpen = true
	v.messages = append([]Message(nil), history...)
	v.unread[conv.ID] = 0
}

// Messages returns a copy of the open conversation's message list.
func (v *ChatView) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Message(nil), v.messages...)
}

// Unread returns the unread counter for a conversation.
func (v *ChatView) Unread(conversationID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unread[conversationID]
}

// Preview returns the last-message preview for a conversation.
func (v *ChatView) Preview(conversationID string) (Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.previews[conversationID]
	return m, ok
}

// Send dispatches a message to the open conversation. The returned
// Message is the optimistic copy already appended to the list; if the
// transport reports a failure the copy is rolled back and an error is
// returned. There is no automatic retry — the user may resend.
func (v *ChatView) Send(ctx context.Context, body string) (Message, error) {
	v.mu.Lock()
	if !v.hasOpen {
		v.mu.Unlock()
		return Message{}, NewError(ErrorSendFailed, "no open conversation")
	}
	conv := v.open
	m := Message{
		ID:         "local-" + uuid.NewString(),
		SenderID:   v.selfID,
		Body:       body,
		CreatedAt:  time.Now(),
		Optimistic: true,
	}
	event := EventSendMessage
	payload := sendPayload{
		ID:      m.ID,
		Sender:  m.SenderID,
		Message: m.Body,
		SentAt:  m.CreatedAt.UnixMilli(),
	}
	if conv.Group {
		m.GroupID = conv.ID
		payload.Group = conv.ID
		event = EventSendGroupMessage
	} else {
		m.ReceiverID = conv.ID
		payload.Receiver = conv.ID
	}
	v.messages = append(v.messages, m)
	v.previews[conv.ID] = m
	v.mu.Unlock()

	if err := v.s.Emit(ctx, event, payload); err != nil {
		v.rollback(m.ID)
		return Message{}, WrapError(ErrorSendFailed, "message not sent", err)
	}
	return m, nil
}

// rollback removes an optimistic message that failed to leave the client.
func (v *ChatView) rollback(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.messages {
		if m.ID == id {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			break
		}
	}
}

// receive classifies one inbound message event. The transport can
// redeliver, and the server's broadcast of the local user's own message
// races the optimistic copy, so this path must be idempotent and must
// not assume an ordering between "I sent it" and "the server echoed it".
func (v *ChatView) receive(data json.RawMessage, group bool) {
	m, ok := normalizeMessage(data)
	if !ok {
		v.logger.Warn("dropping malformed message event", map[string]any{"group": group})
		return
	}

	fromSelf := sameParty(m.SenderID, v.selfID)
	convID := m.GroupID
	if !group {
		if fromSelf {
			convID = m.ReceiverID
		} else {
			convID = m.SenderID
		}
	}
	if convID == "" {
		v.logger.Warn("dropping message event without target", map[string]any{"group": group})
		return
	}

	// Callbacks are captured under the lock and invoked after release;
	// this runs on the session's read path, and a callback reading the
	// view back must not stall delivery.
	var appendFn func(Message)
	var unreadFn func(conversationID string, count int)
	var unreadCount int

	v.mu.Lock()
	isCurrent := v.hasOpen && v.open.Group == group && sameParty(v.open.ID, convID)
	switch {
	case fromSelf:
		// Echo of the local user's own send. The optimistic copy is
		// authoritative and is never replaced.
	case isCurrent:
		if v.isDuplicateLocked(m) {
			v.mu.Unlock()
			return
		}
		v.messages = append(v.messages, m)
		v.previews[convID] = m
		appendFn = v.onAppend
	default:
		v.unread[convID]++
		v.previews[convID] = m
		unreadFn = v.onUnread
		unreadCount = v.unread[convID]
	}
	v.mu.Unlock()

	if appendFn != nil {
		appendFn(m)
	}
	if unreadFn != nil {
		unreadFn(convID, unreadCount)
	}
}

// confirm consumes send-confirmation events. The optimistic copy already
// represents the message, so the confirmation carries nothing to render.
func (v *ChatView) confirm(json.RawMessage) {
	v.logger.Debug("send confirmed", nil)
}

// isDuplicateLocked runs duplicate detection against the rendered list:
// exact id match, then same body and sender within the dedup window
// (wider for optimistic copies).
func (v *ChatView) isDuplicateLocked(m Message) bool {
	for _, existing := range v.messages {
		if existing.ID != "" && existing.ID == m.ID {
			return true
		}
		if existing.Body != m.Body || !sameParty(existing.SenderID, m.SenderID) {
			continue
		}
		window := dupWindow
		if existing.Optimistic {
			window = optimisticDupWindow
		}
		delta := m.CreatedAt.Sub(existing.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return true
		}
	}
	return false
}
