package mesh

import "slices"

// RemoteStream aggregates the inbound tracks of one peer. A negotiation can
// report the same track more than once; only the first is kept.
type RemoteStream struct {
	tracks []RemoteTrack
	ids    map[string]struct{}
}

func newRemoteStream() *RemoteStream {
	return &RemoteStream{ids: make(map[string]struct{})}
}

// AddTrack appends t unless a track with the same id is already present.
func (s *RemoteStream) AddTrack(t RemoteTrack) bool {
	if _, ok := s.ids[t.ID()]; ok {
		return false
	}
	s.ids[t.ID()] = struct{}{}
	s.tracks = append(s.tracks, t)
	return true
}

// Tracks returns a copy of the current tracks in arrival order.
func (s *RemoteStream) Tracks() []RemoteTrack {
	return slices.Clone(s.tracks)
}

// Len returns the number of distinct tracks.
func (s *RemoteStream) Len() int {
	return len(s.tracks)
}

// Stop stops and discards every track.
func (s *RemoteStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
	s.tracks = nil
	s.ids = make(map[string]struct{})
}
