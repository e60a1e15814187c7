package crewchat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personalPayload(id, sender, receiver, body string) map[string]any {
	return map[string]any{
		"id":       id,
		"sender":   sender,
		"receiver": receiver,
		"message":  body,
		"sentAt":   time.Now().UnixMilli(),
	}
}

func groupPayloadFor(id, sender, group, body string) map[string]any {
	return map[string]any{
		"id":      id,
		"sender":  sender,
		"group":   group,
		"message": body,
		"sentAt":  time.Now().UnixMilli(),
	}
}

func TestSendAppendsOptimisticCopy(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	m, err := v.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, m.Optimistic)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "u2", m.ReceiverID)

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	require.Len(t, f.sent(EventSendMessage), 1)
}

func TestSendRollsBackOnTransportError(t *testing.T) {
	f := newFakeSignaler()
	f.emitErr = errors.New("socket down")
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	_, err := v.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, NewError(ErrorSendFailed, "")))
	assert.Empty(t, v.Messages())
}

// Routing a redelivered event must leave exactly one rendered message.
func TestRoutingIsIdempotentUnderRedelivery(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	p := personalPayload("srv-1", "u2", "u1", "hi")
	f.deliver(t, EventReceiveMessage, p)
	f.deliver(t, EventReceiveMessage, p)

	assert.Len(t, v.Messages(), 1)
}

// Sending locally then receiving the server's broadcast of the same
// message results in one rendered copy: the optimistic one.
func TestOptimisticAndEchoCollapse(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	sent, err := v.Send(context.Background(), "hi")
	require.NoError(t, err)

	f.deliver(t, EventReceiveMessage, personalPayload("srv-9", "u1", "u2", "hi"))
	f.deliver(t, EventMessageSent, map[string]any{"id": "srv-9", "echo": true})

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.True(t, msgs[0].Optimistic)
}

// A message for the open conversation renders; the unread counter for
// that conversation stays at zero.
func TestInboundForOpenConversation(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	var appended []Message
	v.OnAppend(func(m Message) { appended = append(appended, m) })

	f.deliver(t, EventReceiveMessage, personalPayload("srv-1", "u2", "u1", "hi"))

	require.Len(t, v.Messages(), 1)
	assert.Equal(t, "hi", v.Messages()[0].Body)
	assert.Equal(t, 0, v.Unread("u2"))
	require.Len(t, appended, 1)
}

// A message for a different conversation increments that conversation's
// unread counter and leaves the open list untouched.
func TestInboundForBackgroundConversation(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	var unreadConv string
	var unreadCount int
	v.OnUnread(func(id string, n int) { unreadConv, unreadCount = id, n })

	f.deliver(t, EventReceiveMessage, personalPayload("srv-2", "u3", "u1", "psst"))

	assert.Empty(t, v.Messages())
	assert.Equal(t, 1, v.Unread("u3"))
	assert.Equal(t, "u3", unreadConv)
	assert.Equal(t, 1, unreadCount)

	preview, ok := v.Preview("u3")
	require.True(t, ok)
	assert.Equal(t, "psst", preview.Body)
}

// Delivery runs on the session's read path, so a callback that reads
// the view back must not block it.
func TestAppendCallbackCanReadViewBack(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	seen := make(chan int, 1)
	v.OnAppend(func(Message) { seen <- len(v.Messages()) })

	go f.deliver(t, EventReceiveMessage, personalPayload("srv-1", "u2", "u1", "hi"))

	select {
	case n := <-seen:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("append callback blocked reading the view")
	}
}

func TestUnreadCallbackCanReadViewBack(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	seen := make(chan int, 1)
	v.OnUnread(func(id string, _ int) { seen <- v.Unread(id) })

	go f.deliver(t, EventReceiveMessage, personalPayload("srv-2", "u3", "u1", "psst"))

	select {
	case n := <-seen:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("unread callback blocked reading the view")
	}
}

func TestGroupRouting(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "g1", Group: true}, nil)

	f.deliver(t, EventReceiveGroupMessage, groupPayloadFor("srv-1", "u2", "g1", "in group"))
	f.deliver(t, EventReceiveGroupMessage, groupPayloadFor("srv-2", "u2", "g2", "elsewhere"))

	require.Len(t, v.Messages(), 1)
	assert.Equal(t, "in group", v.Messages()[0].Body)
	assert.Equal(t, 1, v.Unread("g2"))
}

// Same body and sender inside the dedup window is discarded even when
// the server assigned a fresh id to the redelivery.
func TestNearDuplicateWithinWindow(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	f.deliver(t, EventReceiveMessage, personalPayload("srv-1", "u2", "u1", "same"))
	f.deliver(t, EventReceiveMessage, personalPayload("srv-2", "u2", "u1", "same"))

	assert.Len(t, v.Messages(), 1)
}

func TestDistinctMessagesOutsideWindowBothRender(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	old := time.Now().Add(-time.Minute)
	v.Open(Conversation{ID: "u2"}, []Message{{
		ID: "srv-0", SenderID: "u2", Body: "same", CreatedAt: old,
	}})

	f.deliver(t, EventReceiveMessage, personalPayload("srv-1", "u2", "u1", "same"))

	assert.Len(t, v.Messages(), 2)
}

func TestMalformedEventDropped(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")
	v.Open(Conversation{ID: "u2"}, nil)

	f.deliver(t, EventReceiveMessage, map[string]any{"sender": "u2"}) // no body
	f.deliver(t, EventReceiveMessage, map[string]any{"message": "no sender"})

	assert.Empty(t, v.Messages())
}

func TestSendWithoutOpenConversation(t *testing.T) {
	f := newFakeSignaler()
	v := NewChatView(f, "u1")

	_, err := v.Send(context.Background(), "hello")
	require.Error(t, err)
}
