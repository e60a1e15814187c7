package crewchat

import (
	"encoding/json"
	"sync"
)

// Handler consumes the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// listenerRegistry is the durable event-name → handler map. Dispatch is
// decoupled from the transport object, so registered handlers survive
// any number of reconnects without re-attachment. At most one handler
// per event name; registering again replaces (last write wins).
type listenerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{handlers: make(map[string]Handler)}
}

func (r *listenerRegistry) set(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, event)
		return
	}
	r.handlers[event] = h
}

func (r *listenerRegistry) removeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]Handler)
}

// dispatch invokes the handler for event, if any. Returns whether a
// handler was registered.
func (r *listenerRegistry) dispatch(event string, data json.RawMessage) bool {
	r.mu.RLock()
	h := r.handlers[event]
	r.mu.RUnlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// roomSet tracks which logical rooms the client has joined: the per-user
// inbox room plus any group rooms. After every reconnect the whole set
// is re-joined on the wire before the session reports Connected. Rooms
// leave the set only on explicit leave or session teardown.
type roomSet struct {
	mu     sync.Mutex
	inbox  string
	groups map[string]struct{}
}

func newRoomSet() *roomSet {
	return &roomSet{groups: make(map[string]struct{})}
}

func (r *roomSet) setInbox(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = userID
}

func (r *roomSet) addGroup(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[groupID] = struct{}{}
}

func (r *roomSet) removeGroup(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, groupID)
}

func (r *roomSet) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = ""
	r.groups = make(map[string]struct{})
}

// snapshot returns the inbox id and a copy of the group set for re-join.
func (r *roomSet) snapshot() (string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := make([]string, 0, len(r.groups))
	for g := range r.groups {
		groups = append(groups, g)
	}
	return r.inbox, groups
}
