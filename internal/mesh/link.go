package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerLink is the negotiation lifecycle toward one peer. State is the
// optimistic marker set by the negotiation steps; Health is what the
// underlying connection last reported. The two can disagree: a link is
// marked connected right after the answer is applied, long before ICE and
// DTLS finish.
type PeerLink struct {
	PeerID int64
	State  LinkState
	Health webrtc.PeerConnectionState
	Stream *RemoteStream

	conn      Conn
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	timeout   func()
}

func newPeerLink(peerID int64) *PeerLink {
	return &PeerLink{
		PeerID: peerID,
		State:  StateIdle,
		Health: webrtc.PeerConnectionStateNew,
		Stream: newRemoteStream(),
	}
}

// transition is the only place State changes.
func (l *PeerLink) transition(to LinkState) error {
	if !canTransition(l.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, l.State, to)
	}
	l.State = to
	return nil
}

// SignalingState mirrors the underlying connection's negotiation state.
func (l *PeerLink) SignalingState() webrtc.SignalingState {
	if l.conn == nil {
		return webrtc.SignalingStateStable
	}
	return l.conn.SignalingState()
}

// Pending returns the number of queued remote candidates.
func (l *PeerLink) Pending() int {
	return len(l.pending)
}

func (l *PeerLink) stopTimeout() {
	if l.timeout != nil {
		l.timeout()
		l.timeout = nil
	}
}

// LinkInfo is a read-only snapshot of a PeerLink for rendering.
type LinkInfo struct {
	PeerID    int64
	State     LinkState
	Health    webrtc.PeerConnectionState
	Signaling webrtc.SignalingState
	Tracks    int
	Pending   int
}

func (l *PeerLink) info() LinkInfo {
	return LinkInfo{
		PeerID:    l.PeerID,
		State:     l.State,
		Health:    l.Health,
		Signaling: l.SignalingState(),
		Tracks:    l.Stream.Len(),
		Pending:   len(l.pending),
	}
}
