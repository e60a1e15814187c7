package crewchat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSignaler implements signaler for chat and call tests: it captures
// emitted events and lets tests inject inbound ones.
type fakeSignaler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	emitted  []outEnvelope
	emitErr  error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string]Handler)}
}

func (f *fakeSignaler) On(event string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeSignaler) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, outEnvelope{Event: event, Data: payload})
	return nil
}

// deliver injects an inbound event as the read loop would.
func (f *fakeSignaler) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler registered for %s", event)
	h(data)
}

// sent returns the emitted events with the given name.
func (f *fakeSignaler) sent(event string) []outEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outEnvelope
	for _, e := range f.emitted {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
