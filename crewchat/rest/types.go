package rest

import "time"

// Authentication types

// LoginRequest is the request body for user login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse contains the token returned after successful
// authentication.
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Message types

// MessageInfo represents one persisted message.
type MessageInfo struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver,omitempty"`
	Group     string    `json:"group,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// SendMessageRequest is the REST fallback for dispatching a message when
// the realtime path is unavailable.
type SendMessageRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Group    string `json:"group,omitempty"`
	Message  string `json:"message"`
}

// ChatState summarizes one conversation for list rendering.
type ChatState struct {
	ConversationID string      `json:"conversationId"`
	IsGroup        bool        `json:"isGroup"`
	UnreadCount    int         `json:"unreadCount"`
	LastMessage    MessageInfo `json:"lastMessage"`
}

// Group-call types

// JoinCallRequest registers call membership.
type JoinCallRequest struct {
	CallID  string `json:"callId"`
	GroupID string `json:"groupId"`
}

// ParticipantStatusRequest persists a participant's mute state.
type ParticipantStatusRequest struct {
	IsMuted bool `json:"isMuted"`
}

// Push notification types

// PushTokenRequest registers a device token for background delivery.
type PushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}
