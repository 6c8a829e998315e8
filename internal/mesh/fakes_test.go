package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/protocol"
)

// fakeConn tracks the signaling state the way a PeerConnection would for the
// offer/answer sequence the negotiator drives.
type fakeConn struct {
	peer     int64
	handlers Handlers

	state    webrtc.SignalingState
	added    []webrtc.ICECandidateInit
	replaced map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed   int

	failRemote bool
}

var _ Conn = (*fakeConn)(nil)

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-to-%d", c.peer)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-to-%d", c.peer)}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	switch d.Type {
	case webrtc.SDPTypeOffer:
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	if c.failRemote {
		return errors.New("malformed sdp")
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.added = append(c.added, init)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	return c.state
}

func (c *fakeConn) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.replaced[kind] = track
	return nil
}

func (c *fakeConn) Close() error {
	c.closed++
	c.state = webrtc.SignalingStateClosed
	return nil
}

type fakeDialer struct {
	conns map[int64][]*fakeConn
}

var _ Dialer = (*fakeDialer)(nil)

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[int64][]*fakeConn)}
}

func (d *fakeDialer) Dial(peer int64, h Handlers) (Conn, error) {
	c := &fakeConn{
		peer:     peer,
		handlers: h,
		state:    webrtc.SignalingStateStable,
		replaced: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
	d.conns[peer] = append(d.conns[peer], c)
	return c, nil
}

// last returns the most recent conn dialed toward peer.
func (d *fakeDialer) last(peer int64) *fakeConn {
	cs := d.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type fakeTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

// fakeScheduler fires timers only when the test asks.
type fakeScheduler struct {
	timers []*fakeTimer
}

var _ Scheduler = (*fakeScheduler)(nil)

func (s *fakeScheduler) After(d time.Duration, fn func()) func() {
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() { t.cancelled = true }
}

// pending returns the timers that are neither cancelled nor fired.
func (s *fakeScheduler) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every pending timer with the given delay.
func (s *fakeScheduler) fire(d time.Duration) int {
	n := 0
	for _, t := range s.pending() {
		if t.d == d {
			t.fired = true
			t.fn()
			n++
		}
	}
	return n
}

type fakeTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	stopped int
}

var _ RemoteTrack = (*fakeTrack)(nil)

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Stop()                     { t.stopped++ }

const (
	testJitter  = 1500 * time.Millisecond
	testBackoff = 2 * time.Second
	testTimeout = 20 * time.Second
)

type harness struct {
	n         *Negotiator
	dialer    *fakeDialer
	sched     *fakeScheduler
	sent      []*protocol.Message
	exhausted []int64
}

func newHarness(self int64) *harness {
	h := &harness{dialer: newFakeDialer(), sched: &fakeScheduler{}}
	h.n = New(Config{
		Self:               self,
		Dialer:             h.dialer,
		Send:               func(m *protocol.Message) { h.sent = append(h.sent, m) },
		Scheduler:          h.sched,
		Jitter:             func() time.Duration { return testJitter },
		MaxRetries:         3,
		RetryBackoff:       testBackoff,
		NegotiationTimeout: testTimeout,
		OnExhausted:        func(peer int64) { h.exhausted = append(h.exhausted, peer) },
	})
	return h
}

// sentTo returns the messages of type t sent toward target.
func (h *harness) sentTo(t protocol.Type, target int64) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range h.sent {
		if m.Type == t && m.TargetUserID == target {
			out = append(out, m)
		}
	}
	return out
}

func participants(ids ...int64) []protocol.Participant {
	ps := make([]protocol.Participant, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, protocol.Participant{UserID: id})
	}
	return ps
}

func offerFrom(peer int64) *protocol.Message {
	return &protocol.Message{
		Type:       protocol.TypeOffer,
		FromUserID: peer,
		Offer:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-from-%d", peer)},
	}
}

func answerFrom(peer int64) *protocol.Message {
	return &protocol.Message{
		Type:       protocol.TypeAnswer,
		FromUserID: peer,
		Answer:     &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-from-%d", peer)},
	}
}

func candidateFrom(peer int64, c string) *protocol.Message {
	return &protocol.Message{
		Type:       protocol.TypeCandidate,
		FromUserID: peer,
		Candidate:  &webrtc.ICECandidateInit{Candidate: c},
	}
}
