package crewchat

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// rtpSender is the sender surface the call layer uses for mute gating.
type rtpSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// rtcConn abstracts *webrtc.PeerConnection behind the operations the
// call layer performs, so peer negotiation is testable without a real
// ICE agent.
type rtcConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (rtpSender, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// peerFactory builds one rtcConn per remote participant.
type peerFactory func() (rtcConn, error)

// pionConn adapts *webrtc.PeerConnection to rtcConn.
type pionConn struct {
	*webrtc.PeerConnection
}

func (c pionConn) AddTrack(t webrtc.TrackLocal) (rtpSender, error) {
	sender, err := c.PeerConnection.AddTrack(t)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// peer is the connection state for one remote participant. It owns its
// rtcConn exclusively: created on participant-joined or on the first
// event naming the participant, destroyed on participant-left or call
// teardown.
type peer struct {
	id string
	pc rtcConn

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	sender    rtpSender
	connected bool
	muted     bool
	closed    bool

	// announced is latched when the participant-joined event for this
	// peer has been processed. Peers can exist before that: a relayed
	// candidate may outrun the join.
	announced bool
}

// markAnnounced latches the join. Reports whether this call latched it,
// so a redelivered join is a no-op.
func (p *peer) markAnnounced(muted bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announced {
		return false
	}
	p.announced = true
	p.muted = muted
	return true
}

func newPeer(id string, pc rtcConn) *peer {
	return &peer{id: id, pc: pc}
}

// setRemoteDescription applies the remote description and then flushes
// every candidate that was queued before it arrived. Candidates must
// not be applied ahead of the description — the relay gives no ordering
// guarantee between negotiation events.
func (p *peer) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// addCandidate applies a relayed candidate, queueing it when the remote
// description has not been set yet.
func (p *peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

// replaceOutgoing swaps the audio track this peer sends: the capture
// track when unmuted, nil when muted or before the call is answered.
func (p *peer) replaceOutgoing(t webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	return sender.ReplaceTrack(t)
}

func (p *peer) setConnected(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = v
}

func (p *peer) snapshot() Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Participant{ID: p.id, IsConnected: p.connected, IsMuted: p.muted}
}

// close releases the underlying connection. Idempotent.
func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.pc.Close()
}
