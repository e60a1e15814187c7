package crewchat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// CallStatus is the lifecycle state of a group voice call.
type CallStatus int

const (
	CallIdle CallStatus = iota
	CallIncoming
	CallOutgoing
	CallConnected
	CallDeclined
	CallEnded
)

// String returns the string representation of a CallStatus.
func (s CallStatus) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallIncoming:
		return "incoming"
	case CallOutgoing:
		return "outgoing"
	case CallConnected:
		return "connected"
	case CallDeclined:
		return "declined"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Participant is one roster entry.
type Participant struct {
	ID          string
	IsConnected bool
	IsMuted     bool
}

// CallAPI is the REST collaborator surface the call layer consumes for
// membership and status persistence.
type CallAPI interface {
	JoinCall(ctx context.Context, callID, groupID string) error
	LeaveCall(ctx context.Context, callID string) error
	UpdateParticipantStatus(ctx context.Context, callID string, muted bool) error
}

// CallOptions configures a Call.
type CallOptions struct {
	API        CallAPI
	Media      MediaSource // defaults to a receive-only source
	ICEServers []webrtc.ICEServer

	// newPeer overrides peer-connection construction; used by tests.
	newPeer peerFactory
}

// Call manages one multi-party voice call session: membership, per-peer
// offer/answer/ICE negotiation over the session's socket, the
// participant roster, mute state and duration tracking. One peer
// connection exists per remote participant; a dropped peer is a roster
// update, never a whole-call failure.
type Call struct {
	s       signaler
	api     CallAPI
	media   MediaSource
	newPeer peerFactory
	selfID  string
	logger  Logger

	mu        sync.Mutex
	id        string
	groupID   string
	status    CallStatus
	startedAt time.Time
	answered  bool
	muted     bool
	peers     map[string]*peer
	lastErr   error
	stopDur   chan struct{}

	// remote tracks held back until the call itself is Connected, so
	// nothing is audible during the ringback stage
	pendingAudio []remoteAudio

	onStatus      func(CallStatus)
	onRoster      func([]Participant)
	onRemoteAudio func(participantID string, track *webrtc.TrackRemote)
	onDuration    func(time.Duration)
	onEnded       func(err error)
}

type remoteAudio struct {
	participantID string
	track         *webrtc.TrackRemote
}

// NewCall wires a call controller onto the session's call events.
// selfID is the local user's id, used to address negotiation events.
func NewCall(s signaler, selfID string, opts CallOptions) *Call {
	media := opts.Media
	if media == nil {
		media = NewNullMediaSource()
	}
	c := &Call{
		s:       s,
		api:     opts.API,
		media:   media,
		selfID:  selfID,
		logger:  noopLogger{},
		status:  CallIdle,
		peers:   make(map[string]*peer),
		newPeer: opts.newPeer,
	}
	if c.newPeer == nil {
		iceServers := opts.ICEServers
		c.newPeer = func() (rtcConn, error) {
			api, err := media.API()
			if err != nil {
				return nil, err
			}
			pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
			if err != nil {
				return nil, err
			}
			return pionConn{pc}, nil
		}
	}

	s.On(EventCallJoined, c.handleJoined)
	s.On(EventCallParticipantJoined, c.handleParticipantJoined)
	s.On(EventCallParticipantLeft, c.handleParticipantLeft)
	s.On(EventCallOffer, c.handleOffer)
	s.On(EventCallAnswer, c.handleAnswer)
	s.On(EventCallICECandidate, c.handleCandidate)
	s.On(EventCallDecline, c.handleDecline)
	s.On(EventCallEnded, c.handleEnded)
	return c
}

// SetLogger overrides the logger (optional).
func (c *Call) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// OnStatusChange registers a callback for call status transitions.
func (c *Call) OnStatusChange(fn func(CallStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnRosterChange registers a callback invoked whenever the participant
// set changes.
func (c *Call) OnRosterChange(fn func([]Participant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRoster = fn
}

// OnRemoteAudio registers the sink for remote audio tracks. It is
// invoked only once the call status is Connected; tracks arriving
// earlier are held back and delivered on the transition.
func (c *Call) OnRemoteAudio(fn func(participantID string, track *webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteAudio = fn
}

// OnDuration registers a callback ticked once per second while the call
// is Connected.
func (c *Call) OnDuration(fn func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDuration = fn
}

// OnEnded registers a callback invoked when the call reaches a terminal
// state. err is non-nil when the call ended on a media or negotiation
// failure.
func (c *Call) OnEnded(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = fn
}

// Status returns the current call status.
func (c *Call) Status() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CallID returns the active call id, empty while Idle.
func (c *Call) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Err returns the terminal error, if the call ended on one.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsMuted reports the local mute state.
func (c *Call) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Elapsed returns time since the call connected, zero otherwise.
func (c *Call) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != CallConnected {
		return 0
	}
	return time.Since(c.startedAt)
}

// Roster returns the current participant set, ordered by id.
func (c *Call) Roster() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rosterLocked()
}

func (c *Call) rosterLocked() []Participant {
	out := make([]Participant, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start initiates an outgoing call in a group: registers membership with
// the call API, acquires the microphone, and announces the join over the
// socket. Media or registration failure is terminal for the call.
func (c *Call) Start(ctx context.Context, groupID string) error {
	c.mu.Lock()
	if c.status != CallIdle {
		st := c.status
		c.mu.Unlock()
		return NewError(ErrorCallState, "cannot start call in state "+st.String())
	}
	c.id = uuid.NewString()
	c.groupID = groupID
	c.status = CallOutgoing
	c.answered = true
	callID := c.id
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(CallOutgoing)
	}

	return c.join(ctx, callID, groupID)
}

// Ring places the call in the Incoming state after an external
// notification (push or REST). The microphone is acquired so answering
// is instant, but no track is attached to any sender until Answer — no
// audio leaves the client while ringing.
func (c *Call) Ring(callID, groupID string) error {
	c.mu.Lock()
	if c.status != CallIdle {
		st := c.status
		c.mu.Unlock()
		return NewError(ErrorCallState, "cannot ring in state "+st.String())
	}
	c.id = callID
	c.groupID = groupID
	c.status = CallIncoming
	c.answered = false
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(CallIncoming)
	}

	if err := c.media.Acquire(context.Background()); err != nil {
		return c.fail(WrapError(ErrorMediaDevice, "microphone acquisition failed", err))
	}
	return nil
}

// Answer accepts an incoming call: registers membership, enables the
// already-acquired local audio, and announces the join.
func (c *Call) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.status != CallIncoming {
		st := c.status
		c.mu.Unlock()
		return NewError(ErrorCallState, "cannot answer in state "+st.String())
	}
	c.answered = true
	callID, groupID := c.id, c.groupID
	c.mu.Unlock()

	c.applyOutgoingAudio()
	return c.join(ctx, callID, groupID)
}

func (c *Call) join(ctx context.Context, callID, groupID string) error {
	if c.api != nil {
		if err := c.api.JoinCall(ctx, callID, groupID); err != nil {
			return c.fail(WrapError(ErrorAPI, "call membership registration failed", err))
		}
	}
	if err := c.media.Acquire(ctx); err != nil {
		return c.fail(WrapError(ErrorMediaDevice, "microphone acquisition failed", err))
	}
	if err := c.s.Emit(ctx, EventCallJoin, CallPayload{CallID: callID, GroupID: groupID}); err != nil {
		return c.fail(WrapError(ErrorSendFailed, "call join not sent", err))
	}
	return nil
}

// Decline rejects an incoming call.
func (c *Call) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.status != CallIncoming {
		st := c.status
		c.mu.Unlock()
		return NewError(ErrorCallState, "cannot decline in state "+st.String())
	}
	callID, groupID := c.id, c.groupID
	c.mu.Unlock()

	err := c.s.Emit(ctx, EventCallDecline, CallPayload{CallID: callID, GroupID: groupID})
	c.terminate(ctx, CallDeclined, nil, false)
	return err
}

// Leave exits the call: closes every peer connection, stops local media,
// clears timers, and announces the leave. Cleanup is synchronous — no
// resource waits for the garbage collector.
func (c *Call) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.status != CallConnected && c.status != CallOutgoing && c.status != CallIncoming {
		st := c.status
		c.mu.Unlock()
		return NewError(ErrorCallState, "cannot leave in state "+st.String())
	}
	callID, groupID := c.id, c.groupID
	c.mu.Unlock()

	err := c.s.Emit(ctx, EventCallLeave, CallPayload{CallID: callID, GroupID: groupID})
	if c.api != nil {
		if apiErr := c.api.LeaveCall(ctx, callID); apiErr != nil {
			c.logger.Warn("call leave not persisted", map[string]any{"callId": callID, "error": apiErr.Error()})
		}
	}
	c.terminate(ctx, CallEnded, nil, false)
	return err
}

// End terminates the call for everyone and fires the ended callback.
func (c *Call) End(ctx context.Context) error {
	c.mu.Lock()
	if c.status == CallIdle || c.status == CallEnded || c.status == CallDeclined {
		st := c.status
		c.mu.Unlock()
		return NewError(ErrorCallState, "cannot end in state "+st.String())
	}
	callID, groupID := c.id, c.groupID
	c.mu.Unlock()

	err := c.s.Emit(ctx, EventCallEnded, CallPayload{CallID: callID, GroupID: groupID})
	if c.api != nil {
		if apiErr := c.api.LeaveCall(ctx, callID); apiErr != nil {
			c.logger.Warn("call leave not persisted", map[string]any{"callId": callID, "error": apiErr.Error()})
		}
	}
	c.terminate(ctx, CallEnded, nil, true)
	return err
}

// ToggleMute flips the local mute state, swaps the outgoing track on
// every peer, and persists the new state. If persistence fails the
// toggle is reverted and the error returned.
func (c *Call) ToggleMute(ctx context.Context) error {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	callID := c.id
	c.mu.Unlock()

	c.applyOutgoingAudio()

	if c.api != nil {
		if err := c.api.UpdateParticipantStatus(ctx, callID, muted); err != nil {
			c.mu.Lock()
			c.muted = !muted
			c.mu.Unlock()
			c.applyOutgoingAudio()
			return WrapError(ErrorAPI, "mute state not persisted", err)
		}
	}
	return nil
}

// applyOutgoingAudio swaps the audio track on every peer's sender to
// match the effective send state: the capture track when the call is
// answered and unmuted, nil otherwise.
func (c *Call) applyOutgoingAudio() {
	c.mu.Lock()
	var track webrtc.TrackLocal
	if c.answered && !c.muted {
		if tracks := c.media.Tracks(); len(tracks) > 0 {
			track = tracks[0]
		}
	}
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		if err := p.replaceOutgoing(track); err != nil {
			c.logger.Warn("outgoing track swap failed", map[string]any{"participant": p.id, "error": err.Error()})
		}
	}
}

// --- inbound event handlers (invoked on the session's read path) ---

func (c *Call) handleJoined(data json.RawMessage) {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) {
		return
	}
	c.mu.Lock()
	ready := c.answered && (c.status == CallOutgoing || c.status == CallIncoming)
	if !ready {
		c.mu.Unlock()
		return
	}
	c.status = CallConnected
	c.startedAt = time.Now()
	stop := make(chan struct{})
	c.stopDur = stop
	pending := c.pendingAudio
	c.pendingAudio = nil
	onStatus := c.onStatus
	onAudio := c.onRemoteAudio
	startedAt := c.startedAt
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(CallConnected)
	}
	for _, a := range pending {
		if onAudio != nil {
			onAudio(a.participantID, a.track)
		}
	}

	// The callback is resolved per tick so a registration arriving after
	// the Connected transition still ticks. terminate stops the loop.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				onDuration := c.onDuration
				c.mu.Unlock()
				if onDuration != nil {
					onDuration(time.Since(startedAt))
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Call) handleParticipantJoined(data json.RawMessage) {
	var p ParticipantPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) {
		return
	}
	id := p.Participant.ID
	if id == "" || sameParty(id, c.selfID) {
		return
	}

	// The peer may already exist: a relayed candidate can outrun this
	// event. Existence alone does not mean "already joined"; only the
	// announced latch does. A redelivered join stays a no-op while the
	// genuine join for a pre-created peer still negotiates.
	pr, err := c.ensurePeer(id)
	if err != nil {
		c.logger.Warn("peer connection creation failed", map[string]any{"participant": id, "error": err.Error()})
		return
	}
	if !pr.markAnnounced(p.Participant.IsMuted) {
		return
	}
	c.notifyRoster()

	// The member that observes the join initiates the offer; the joiner
	// only answers. This keeps negotiation glare-free without id
	// comparisons.
	c.sendOffer(pr)
}

func (c *Call) handleParticipantLeft(data json.RawMessage) {
	var p ParticipantPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) {
		return
	}
	c.mu.Lock()
	pr, ok := c.peers[p.Participant.ID]
	if ok {
		delete(c.peers, p.Participant.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.close()
	c.notifyRoster()
}

func (c *Call) handleOffer(data json.RawMessage) {
	var p SDPPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) || p.From == "" {
		return
	}
	pr, err := c.ensurePeer(p.From)
	if err != nil {
		c.logger.Warn("peer connection creation failed", map[string]any{"participant": p.From, "error": err.Error()})
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := pr.setRemoteDescription(offer); err != nil {
		c.logger.Warn("offer rejected", map[string]any{"participant": p.From, "error": err.Error()})
		return
	}
	answer, err := pr.pc.CreateAnswer(nil)
	if err != nil {
		c.logger.Warn("answer creation failed", map[string]any{"participant": p.From, "error": err.Error()})
		return
	}
	if err := pr.pc.SetLocalDescription(answer); err != nil {
		c.logger.Warn("answer apply failed", map[string]any{"participant": p.From, "error": err.Error()})
		return
	}
	c.emitSignal(EventCallAnswer, SDPPayload{CallID: c.CallID(), From: c.selfID, To: p.From, SDP: answer.SDP})
}

func (c *Call) handleAnswer(data json.RawMessage) {
	var p SDPPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) || p.From == "" {
		return
	}
	c.mu.Lock()
	pr, ok := c.peers[p.From]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("answer for unknown participant", map[string]any{"participant": p.From})
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := pr.setRemoteDescription(answer); err != nil {
		c.logger.Warn("answer rejected", map[string]any{"participant": p.From, "error": err.Error()})
	}
}

func (c *Call) handleCandidate(data json.RawMessage) {
	var p ICEPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) || p.From == "" {
		return
	}
	// The candidate may outrun the participant-joined event; create the
	// peer rather than dropping the candidate.
	pr, err := c.ensurePeer(p.From)
	if err != nil {
		c.logger.Warn("peer connection creation failed", map[string]any{"participant": p.From, "error": err.Error()})
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	if err := pr.addCandidate(init); err != nil {
		c.logger.Warn("candidate rejected", map[string]any{"participant": p.From, "error": err.Error()})
	}
}

func (c *Call) handleDecline(data json.RawMessage) {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) {
		return
	}
	c.mu.Lock()
	outgoing := c.status == CallOutgoing
	c.mu.Unlock()
	if outgoing {
		c.terminate(context.Background(), CallDeclined, nil, false)
	}
}

func (c *Call) handleEnded(data json.RawMessage) {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil || !c.isCurrent(p.CallID) {
		return
	}
	c.terminate(context.Background(), CallEnded, nil, true)
}

// --- internals ---

func (c *Call) isCurrent(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callID != "" && callID == c.id
}

// ensurePeer returns the tracked peer for id, creating and wiring it if
// needed. Insertion is idempotent; the participant set is keyed by id.
func (c *Call) ensurePeer(id string) (*peer, error) {
	c.mu.Lock()
	if pr, ok := c.peers[id]; ok {
		c.mu.Unlock()
		return pr, nil
	}
	c.mu.Unlock()

	pc, err := c.newPeer()
	if err != nil {
		return nil, WrapError(ErrorPeerConnection, "peer connection setup failed", err)
	}
	pr := newPeer(id, pc)

	c.mu.Lock()
	if existing, ok := c.peers[id]; ok {
		// lost the race to another event for the same participant
		c.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	c.peers[id] = pr
	c.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.emitSignal(EventCallICECandidate, ICEPayload{
			CallID:        c.CallID(),
			From:          c.selfID,
			To:            id,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.handleRemoteTrack(id, track)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		pr.setConnected(st == webrtc.PeerConnectionStateConnected)
		c.notifyRoster()
	})

	if err := c.attachAudio(pr); err != nil {
		c.logger.Warn("local audio attach failed", map[string]any{"participant": id, "error": err.Error()})
	}
	return pr, nil
}

// attachAudio adds the capture track to the peer so a sender exists for
// mute gating, then immediately detaches it if sending is not enabled
// yet (ringing or muted).
func (c *Call) attachAudio(pr *peer) error {
	tracks := c.media.Tracks()
	if len(tracks) == 0 {
		return nil
	}
	sender, err := pr.pc.AddTrack(tracks[0])
	if err != nil {
		return err
	}
	pr.mu.Lock()
	pr.sender = sender
	pr.mu.Unlock()

	c.mu.Lock()
	enabled := c.answered && !c.muted
	c.mu.Unlock()
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	return nil
}

func (c *Call) sendOffer(pr *peer) {
	offer, err := pr.pc.CreateOffer(nil)
	if err != nil {
		c.logger.Warn("offer creation failed", map[string]any{"participant": pr.id, "error": err.Error()})
		return
	}
	if err := pr.pc.SetLocalDescription(offer); err != nil {
		c.logger.Warn("offer apply failed", map[string]any{"participant": pr.id, "error": err.Error()})
		return
	}
	c.emitSignal(EventCallOffer, SDPPayload{CallID: c.CallID(), From: c.selfID, To: pr.id, SDP: offer.SDP})
}

func (c *Call) handleRemoteTrack(participantID string, track *webrtc.TrackRemote) {
	c.mu.Lock()
	if c.status != CallConnected {
		c.pendingAudio = append(c.pendingAudio, remoteAudio{participantID: participantID, track: track})
		c.mu.Unlock()
		return
	}
	fn := c.onRemoteAudio
	c.mu.Unlock()
	if fn != nil {
		fn(participantID, track)
	}
}

func (c *Call) emitSignal(event string, payload any) {
	if err := c.s.Emit(context.Background(), event, payload); err != nil {
		c.logger.Warn("signal not sent", map[string]any{"event": event, "error": err.Error()})
	}
}

func (c *Call) notifyRoster() {
	c.mu.Lock()
	fn := c.onRoster
	roster := c.rosterLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(roster)
	}
}

// fail moves the call to a terminal error state. Media and peer setup
// errors are terminal; the user must restart the call.
func (c *Call) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.terminate(context.Background(), CallEnded, err, true)
	return err
}

// terminate releases every call resource synchronously: peer
// connections, local media tracks, the duration ticker. notify controls
// whether the ended callback fires.
func (c *Call) terminate(_ context.Context, status CallStatus, cause error, notify bool) {
	c.mu.Lock()
	if c.status == CallEnded || c.status == CallDeclined {
		c.mu.Unlock()
		return
	}
	c.status = status
	peers := c.peers
	c.peers = make(map[string]*peer)
	c.pendingAudio = nil
	if c.stopDur != nil {
		close(c.stopDur)
		c.stopDur = nil
	}
	onStatus := c.onStatus
	onEnded := c.onEnded
	c.mu.Unlock()

	for _, pr := range peers {
		pr.close()
	}
	if err := c.media.Close(); err != nil {
		c.logger.Warn("media close failed", map[string]any{"error": err.Error()})
	}

	if onStatus != nil {
		onStatus(status)
	}
	if notify && onEnded != nil {
		onEnded(cause)
	}
}
