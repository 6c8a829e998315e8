package media

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/mesh"
	"github.com/1ureka/roomlink/internal/protocol"
)

// PeerStatus is the rendering model of one remote participant: roster flags
// plus the state of the link toward them.
type PeerStatus struct {
	protocol.Participant

	HasLink bool
	State   mesh.LinkState
	Health  webrtc.PeerConnectionState
	Tracks  int

	// Pending is set while an attempt toward the peer is scheduled.
	Pending bool
	// GaveUp is set once retries toward the peer are used up.
	GaveUp bool
}

// Live reports whether media is actually flowing, as opposed to the
// optimistic connected marker.
func (s PeerStatus) Live() bool {
	return s.HasLink && s.Health == webrtc.PeerConnectionStateConnected
}

// MeshView is the part of the negotiator a status table reads.
type MeshView interface {
	Links() []mesh.LinkInfo
	Scheduled(peer int64) bool
	Exhausted(peer int64) bool
}

// PeerStatuses joins remote participants with their links, in roster order.
func PeerStatuses(others []protocol.Participant, m MeshView) []PeerStatus {
	links := m.Links()
	byPeer := make(map[int64]mesh.LinkInfo, len(links))
	for _, l := range links {
		byPeer[l.PeerID] = l
	}

	out := make([]PeerStatus, 0, len(others))
	for _, p := range others {
		s := PeerStatus{
			Participant: p,
			State:       mesh.StateIdle,
			Health:      webrtc.PeerConnectionStateNew,
			Pending:     m.Scheduled(p.UserID),
			GaveUp:      m.Exhausted(p.UserID),
		}
		if l, ok := byPeer[p.UserID]; ok {
			s.HasLink = true
			s.State = l.State
			s.Health = l.Health
			s.Tracks = l.Tracks
		}
		out = append(out, s)
	}
	return out
}
