// Package transport adapts pion PeerConnections to the mesh negotiator.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/mesh"
	"github.com/1ureka/roomlink/internal/util"
)

// TrackSource supplies the local track of each kind, or nil when that kind is
// not captured.
type TrackSource interface {
	LocalTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal
}

var mediaKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// Dialer creates one Peer per remote participant.
type Dialer struct {
	api    *webrtc.API
	config webrtc.Configuration
	tracks TrackSource
}

var _ mesh.Dialer = (*Dialer)(nil)

func NewDialer(api *webrtc.API, servers []webrtc.ICEServer, tracks TrackSource) *Dialer {
	return &Dialer{
		api:    api,
		config: webrtc.Configuration{ICEServers: servers},
		tracks: tracks,
	}
}

// Dial implements mesh.Dialer.
func (d *Dialer) Dial(peerID int64, h mesh.Handlers) (mesh.Conn, error) {
	return NewPeer(d.api, d.config, peerID, d.tracks, h)
}

// Peer wraps a single PeerConnection with one sendrecv transceiver per media
// kind. Its lifecycle ends with Close; remote track readers stop with it.
type Peer struct {
	pc     *webrtc.PeerConnection
	peerID int64

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender

	ctx    context.Context
	cancel context.CancelFunc
}

var _ mesh.Conn = (*Peer)(nil)

// NewPeer creates the PeerConnection, attaches the local tracks and wires h.
func NewPeer(api *webrtc.API, config webrtc.Configuration, peerID int64, tracks TrackSource, h mesh.Handlers) (*Peer, error) {
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:      pc,
		peerID:  peerID,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, kind := range mediaKinds {
		if err := p.addTransceiver(kind, tracks); err != nil {
			p.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := newRemoteTrack(p.ctx, track, receiver)
		go rt.read()
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go requestKeyframes(rt.ctx, pc, track)
		}
		if h.OnTrack != nil {
			h.OnTrack(rt)
		}
	})

	return p, nil
}

func (p *Peer) addTransceiver(kind webrtc.RTPCodecType, tracks TrackSource) error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}

	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	var local webrtc.TrackLocal
	if tracks != nil {
		local = tracks.LocalTrack(kind)
	}
	if local != nil {
		tr, err = p.pc.AddTransceiverFromTrack(local, init)
	} else {
		tr, err = p.pc.AddTransceiverFromKind(kind, init)
	}
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}

	if s := tr.Sender(); s != nil {
		p.senders[kind] = s
		go drainRTCP(p.ctx, s)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// ReplaceTrack swaps the outbound track of kind in place. A nil track stops
// sending that kind without renegotiation.
func (p *Peer) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	s, ok := p.senders[kind]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	return s.ReplaceTrack(track)
}

// Close shuts down the PeerConnection and every reader goroutine.
func (p *Peer) Close() error {
	p.cancel()
	if err := p.pc.Close(); err != nil {
		util.LogDebug("%s peer connection close: %v", util.PeerTag(p.peerID), err)
		return err
	}
	return nil
}
