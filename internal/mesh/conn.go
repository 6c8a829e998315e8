package mesh

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Conn is the underlying media-connection primitive of one PeerLink. The
// transport package implements it on top of a pion PeerConnection.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	Close() error
}

// Handlers are the callbacks a Conn reports through. They may be invoked from
// any goroutine; the Negotiator re-posts them onto its own loop.
type Handlers struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnTrack                 func(RemoteTrack)
}

// Dialer creates a Conn toward one peer with the local tracks attached and
// the handlers wired.
type Dialer interface {
	Dial(peerID int64, h Handlers) (Conn, error)
}

// RemoteTrack is one inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop()
}

// Scheduler runs fn once after d. The returned func cancels a pending run.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// TimerScheduler is the wall-clock Scheduler.
type TimerScheduler struct{}

func (TimerScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
