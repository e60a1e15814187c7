package crewchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *fakeSender) last() (webrtc.TrackLocal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replaced) == 0 {
		return nil, false
	}
	return s.replaced[len(s.replaced)-1], true
}

// fakePC rejects candidates applied before the remote description, so a
// broken queue-and-flush order fails tests loudly.
type fakePC struct {
	mu         sync.Mutex
	closed     bool
	remoteDesc *webrtc.SessionDescription
	localDesc  *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	sender     *fakeSender
	onICE      func(*webrtc.ICECandidate)
	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState    func(webrtc.PeerConnectionState)
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &d
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &d
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) (rtpSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sender = &fakeSender{}
	return f.sender, nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onICE = fn }
func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}
func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakePeerFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (ff *fakePeerFactory) new() (rtcConn, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	pc := &fakePC{}
	ff.pcs = append(ff.pcs, pc)
	return pc, nil
}

func (ff *fakePeerFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.pcs)
}

type fakeCallAPI struct {
	mu        sync.Mutex
	joined    []string
	left      []string
	statuses  []bool
	statusErr error
}

func (a *fakeCallAPI) JoinCall(_ context.Context, callID, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joined = append(a.joined, callID)
	return nil
}

func (a *fakeCallAPI) LeaveCall(_ context.Context, callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.left = append(a.left, callID)
	return nil
}

func (a *fakeCallAPI) UpdateParticipantStatus(_ context.Context, _ string, muted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusErr != nil {
		return a.statusErr
	}
	a.statuses = append(a.statuses, muted)
	return nil
}

type fakeMedia struct {
	mu       sync.Mutex
	acquired bool
	closed   bool
	tracks   []webrtc.TrackLocal
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	return &fakeMedia{tracks: []webrtc.TrackLocal{track}}
}

func (m *fakeMedia) Acquire(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = true
	return nil
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return nil
	}
	return m.tracks
}

func (m *fakeMedia) API() (*webrtc.API, error) { return defaultAPI() }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestCall(t *testing.T) (*Call, *fakeSignaler, *fakePeerFactory, *fakeCallAPI, *fakeMedia) {
	t.Helper()
	f := newFakeSignaler()
	ff := &fakePeerFactory{}
	api := &fakeCallAPI{}
	media := newFakeMedia(t)
	c := NewCall(f, "me", CallOptions{API: api, Media: media, newPeer: ff.new})
	return c, f, ff, api, media
}

func startCall(t *testing.T, c *Call, f *fakeSignaler) string {
	t.Helper()
	require.NoError(t, c.Start(context.Background(), "g1"))
	callID := c.CallID()
	require.NotEmpty(t, callID)
	require.Len(t, f.sent(EventCallJoin), 1)
	return callID
}

func joinParticipant(t *testing.T, f *fakeSignaler, callID, id string) {
	t.Helper()
	f.deliver(t, EventCallParticipantJoined, ParticipantPayload{
		CallID:      callID,
		Participant: WireProfile{ID: id},
	})
}

// Duplicate participant-joined events must not grow the roster or open
// a second peer connection.
func TestParticipantJoinIsIdempotent(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	callID := startCall(t, c, f)

	joinParticipant(t, f, callID, "p1")
	joinParticipant(t, f, callID, "p2")
	joinParticipant(t, f, callID, "p2") // redelivered
	joinParticipant(t, f, callID, "p3")

	roster := c.Roster()
	require.Len(t, roster, 3)
	assert.Equal(t, "p1", roster[0].ID)
	assert.Equal(t, "p2", roster[1].ID)
	assert.Equal(t, "p3", roster[2].ID)
	assert.Equal(t, 3, ff.count())

	// observer of the join initiates one offer per participant
	assert.Len(t, f.sent(EventCallOffer), 3)
}

func TestLeaveReleasesEveryResource(t *testing.T) {
	c, f, ff, api, media := newTestCall(t)
	callID := startCall(t, c, f)

	joinParticipant(t, f, callID, "p1")
	joinParticipant(t, f, callID, "p2")

	require.NoError(t, c.Leave(context.Background()))

	assert.Equal(t, CallEnded, c.Status())
	assert.Empty(t, c.Roster())
	for _, pc := range ff.pcs {
		assert.True(t, pc.isClosed())
	}
	assert.True(t, media.isClosed())
	assert.Equal(t, []string{callID}, api.left)
	require.Len(t, f.sent(EventCallLeave), 1)
}

// A candidate arriving before the offer/answer exchange completes must
// be applied once the remote description is set, not dropped.
func TestEarlyCandidateQueuedAndFlushed(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	callID := startCall(t, c, f)

	mid := "0"
	var line uint16
	f.deliver(t, EventCallICECandidate, ICEPayload{
		CallID:        callID,
		From:          "p1",
		Candidate:     "candidate:early",
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	})

	require.Equal(t, 1, ff.count())
	pc := ff.pcs[0]
	assert.Empty(t, pc.candidates, "candidate must not be applied before the remote description")

	f.deliver(t, EventCallOffer, SDPPayload{CallID: callID, From: "p1", SDP: "offer-sdp"})

	require.Len(t, pc.candidates, 1)
	assert.Equal(t, "candidate:early", pc.candidates[0].Candidate)
	require.Len(t, f.sent(EventCallAnswer), 1)
}

// When a candidate pre-creates the peer, the genuine join that follows
// must still negotiate; only a redelivered join is a no-op.
func TestJoinAfterEarlyCandidateStillOffers(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	callID := startCall(t, c, f)

	mid := "0"
	var line uint16
	f.deliver(t, EventCallICECandidate, ICEPayload{
		CallID:        callID,
		From:          "p1",
		Candidate:     "candidate:early",
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	})
	require.Equal(t, 1, ff.count())
	assert.Empty(t, f.sent(EventCallOffer))

	joinParticipant(t, f, callID, "p1")
	assert.Len(t, f.sent(EventCallOffer), 1)
	require.Len(t, c.Roster(), 1)

	joinParticipant(t, f, callID, "p1") // redelivered
	assert.Len(t, f.sent(EventCallOffer), 1)
	assert.Equal(t, 1, ff.count())
}

func TestInboundOfferProducesAnswer(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	callID := startCall(t, c, f)

	f.deliver(t, EventCallOffer, SDPPayload{CallID: callID, From: "p1", SDP: "offer-sdp"})

	require.Equal(t, 1, ff.count())
	pc := ff.pcs[0]
	require.NotNil(t, pc.remoteDesc)
	assert.Equal(t, webrtc.SDPTypeOffer, pc.remoteDesc.Type)

	answers := f.sent(EventCallAnswer)
	require.Len(t, answers, 1)
	payload, ok := answers[0].Data.(SDPPayload)
	require.True(t, ok)
	assert.Equal(t, "p1", payload.To)
	assert.Equal(t, "me", payload.From)
}

func TestCallConnectsOnJoinConfirmation(t *testing.T) {
	c, f, _, _, _ := newTestCall(t)
	callID := startCall(t, c, f)
	assert.Equal(t, CallOutgoing, c.Status())

	f.deliver(t, EventCallJoined, CallPayload{CallID: callID})
	assert.Equal(t, CallConnected, c.Status())
}

// Remote audio surfaced before the call is Connected is held back and
// delivered on the transition.
func TestRemoteAudioGatedUntilConnected(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	callID := startCall(t, c, f)

	var got []string
	c.OnRemoteAudio(func(id string, _ *webrtc.TrackRemote) { got = append(got, id) })

	joinParticipant(t, f, callID, "p1")
	require.Equal(t, 1, ff.count())
	ff.pcs[0].onTrack(nil, nil) // remote track lands during ringback

	assert.Empty(t, got)

	f.deliver(t, EventCallJoined, CallPayload{CallID: callID})
	assert.Equal(t, []string{"p1"}, got)
}

// A duration callback registered after the call connects still ticks.
func TestDurationCallbackRegisteredLate(t *testing.T) {
	c, f, _, _, _ := newTestCall(t)
	callID := startCall(t, c, f)
	f.deliver(t, EventCallJoined, CallPayload{CallID: callID})
	require.Equal(t, CallConnected, c.Status())

	ticks := make(chan time.Duration, 1)
	c.OnDuration(func(d time.Duration) {
		select {
		case ticks <- d:
		default:
		}
	})

	select {
	case d := <-ticks:
		assert.Greater(t, d, time.Duration(0))
	case <-time.After(3 * time.Second):
		t.Fatal("no duration tick observed")
	}
	require.NoError(t, c.Leave(context.Background()))
}

func TestToggleMuteSwapsTrackAndPersists(t *testing.T) {
	c, f, ff, api, _ := newTestCall(t)
	callID := startCall(t, c, f)
	joinParticipant(t, f, callID, "p1")

	require.Equal(t, 1, ff.count())
	sender := ff.pcs[0].sender
	require.NotNil(t, sender)

	require.NoError(t, c.ToggleMute(context.Background()))
	assert.True(t, c.IsMuted())
	last, ok := sender.last()
	require.True(t, ok)
	assert.Nil(t, last)
	assert.Equal(t, []bool{true}, api.statuses)

	require.NoError(t, c.ToggleMute(context.Background()))
	assert.False(t, c.IsMuted())
	last, _ = sender.last()
	assert.NotNil(t, last)
}

func TestToggleMuteRevertsWhenPersistFails(t *testing.T) {
	c, f, _, api, _ := newTestCall(t)
	callID := startCall(t, c, f)
	joinParticipant(t, f, callID, "p1")

	api.statusErr = errors.New("api down")
	err := c.ToggleMute(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsMuted())
}

func TestIncomingAnswerFlow(t *testing.T) {
	c, f, _, api, media := newTestCall(t)

	require.NoError(t, c.Ring("call-7", "g1"))
	assert.Equal(t, CallIncoming, c.Status())
	assert.True(t, media.acquired)
	assert.Empty(t, f.sent(EventCallJoin), "ringing must not join")

	require.NoError(t, c.Answer(context.Background()))
	require.Len(t, f.sent(EventCallJoin), 1)
	assert.Equal(t, []string{"call-7"}, api.joined)

	f.deliver(t, EventCallJoined, CallPayload{CallID: "call-7"})
	assert.Equal(t, CallConnected, c.Status())
}

func TestDeclineTearsDown(t *testing.T) {
	c, f, _, _, media := newTestCall(t)

	require.NoError(t, c.Ring("call-7", "g1"))
	require.NoError(t, c.Decline(context.Background()))

	assert.Equal(t, CallDeclined, c.Status())
	assert.True(t, media.isClosed())
	require.Len(t, f.sent(EventCallDecline), 1)
}

func TestRemoteEndedTerminates(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	callID := startCall(t, c, f)
	joinParticipant(t, f, callID, "p1")

	var endedErr error
	ended := false
	c.OnEnded(func(err error) { ended, endedErr = true, err })

	f.deliver(t, EventCallEnded, CallPayload{CallID: callID})

	assert.Equal(t, CallEnded, c.Status())
	assert.True(t, ended)
	assert.NoError(t, endedErr)
	for _, pc := range ff.pcs {
		assert.True(t, pc.isClosed())
	}
}

func TestEventsForOtherCallsIgnored(t *testing.T) {
	c, f, ff, _, _ := newTestCall(t)
	startCall(t, c, f)

	joinParticipant(t, f, "some-other-call", "p1")

	assert.Empty(t, c.Roster())
	assert.Equal(t, 0, ff.count())
}

func TestStartTwiceRejected(t *testing.T) {
	c, f, _, _, _ := newTestCall(t)
	startCall(t, c, f)

	err := c.Start(context.Background(), "g2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, NewError(ErrorCallState, "")))
}
