package mesh

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/protocol"
)

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		from, to LinkState
		want     bool
	}{
		{StateIdle, StateCreating, true},
		{StateCreating, StateOffering, true},
		{StateCreating, StateAnswering, true},
		{StateOffering, StateConnected, true},
		{StateAnswering, StateConnected, true},
		{StateConnected, StateAnswering, true},
		{StateOffering, StateFailed, true},
		{StateConnected, StateClosed, true},
		{StateFailed, StateClosed, true},
		{StateClosed, StateClosed, true},

		{StateIdle, StateOffering, false},
		{StateIdle, StateConnected, false},
		{StateOffering, StateAnswering, false},
		{StateAnswering, StateOffering, false},
		{StateConnected, StateOffering, false},
		{StateClosed, StateFailed, false},
		{StateClosed, StateCreating, false},
		{StateFailed, StateCreating, false},
	}

	for _, tc := range testCases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			if got := canTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("canTransition = %v, want %v", got, tc.want)
			}
			l := &PeerLink{State: tc.from}
			err := l.transition(tc.to)
			if tc.want && err != nil {
				t.Fatalf("transition: %v", err)
			}
			if !tc.want && !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("transition err = %v, want ErrIllegalTransition", err)
			}
		})
	}
}

// TestHigherIDInitiates: 9 offers to 5; 5 never offers to 9.
func TestHigherIDInitiates(t *testing.T) {
	room := participants(5, 9)

	high := newHarness(9)
	high.n.Reconcile(room, TriggerRoster)
	if !high.n.Scheduled(5) {
		t.Fatal("9 did not schedule an attempt toward 5")
	}
	high.sched.fire(testJitter)
	if got := high.sentTo(protocol.TypeOffer, 5); len(got) != 1 {
		t.Fatalf("9 sent %d offers to 5, want 1", len(got))
	}
	if l, _ := high.n.Link(5); l.State != StateOffering {
		t.Fatalf("link state = %s, want offering", l.State)
	}

	low := newHarness(5)
	low.n.Reconcile(room, TriggerRoster)
	low.sched.fire(testJitter)
	low.n.Offer(9)
	if len(low.sentTo(protocol.TypeOffer, 9)) != 0 {
		t.Fatal("5 sent an offer to 9")
	}
	if _, ok := low.n.Link(9); ok {
		t.Fatal("5 created a link to 9 before receiving an offer")
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	high := newHarness(9)
	low := newHarness(5)

	high.n.Offer(5)
	offer := high.sentTo(protocol.TypeOffer, 5)[0]
	offer.FromUserID = 9
	low.n.HandleOffer(offer)

	answers := low.sentTo(protocol.TypeAnswer, 9)
	if len(answers) != 1 {
		t.Fatalf("5 sent %d answers, want 1", len(answers))
	}
	if l, _ := low.n.Link(9); l.State != StateConnected || l.Health != webrtc.PeerConnectionStateNew {
		t.Fatalf("receiver link = %+v, want optimistic connected with health new", l)
	}

	answer := answers[0]
	answer.FromUserID = 5
	high.n.HandleAnswer(answer)
	if l, _ := high.n.Link(5); l.State != StateConnected || l.Signaling != webrtc.SignalingStateStable {
		t.Fatalf("initiator link = %+v", l)
	}

	high.dialer.last(5).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	if l, _ := high.n.Link(5); l.Health != webrtc.PeerConnectionStateConnected {
		t.Fatalf("health = %s, want connected", l.Health)
	}
	if n := len(high.sched.pending()); n != 0 {
		t.Fatalf("%d timers still pending after connect", n)
	}
}

// TestCandidatesQueuedUntilRemoteDescription: candidates from 7 arriving
// before the answer are queued and applied in arrival order.
func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(7)

	for _, c := range []string{"c1", "c2", "c3"} {
		h.n.HandleCandidate(candidateFrom(7, c))
	}
	conn := h.dialer.last(7)
	if l, _ := h.n.Link(7); l.Pending != 3 {
		t.Fatalf("pending = %d, want 3", l.Pending)
	}
	if len(conn.added) != 0 {
		t.Fatalf("candidates applied before remote description: %v", conn.added)
	}

	h.n.HandleAnswer(answerFrom(7))

	var got []string
	for _, c := range conn.added {
		got = append(got, c.Candidate)
	}
	if !slices.Equal(got, []string{"c1", "c2", "c3"}) {
		t.Fatalf("applied %v, want [c1 c2 c3]", got)
	}
	if l, _ := h.n.Link(7); l.Pending != 0 {
		t.Fatalf("pending = %d after flush", l.Pending)
	}

	h.n.HandleCandidate(candidateFrom(7, "c4"))
	if len(conn.added) != 4 {
		t.Fatal("candidate after remote description was not applied directly")
	}
}

func TestCandidateForUnknownPeerDropped(t *testing.T) {
	h := newHarness(3)
	h.n.HandleCandidate(candidateFrom(7, "c1"))

	if _, ok := h.n.Link(7); ok {
		t.Fatal("candidate created a link")
	}
	if len(h.dialer.conns[7]) != 0 {
		t.Fatal("candidate dialed a connection")
	}
}

// TestGlareOfferIgnored: 8 is offering to 3 when 3's offer arrives. The
// offer is ignored and the local offering state is preserved.
func TestGlareOfferIgnored(t *testing.T) {
	h := newHarness(8)
	h.n.Offer(3)

	h.n.HandleOffer(offerFrom(3))

	l, ok := h.n.Link(3)
	if !ok || l.State != StateOffering || l.Signaling != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("link = %+v, want offering/have-local-offer", l)
	}
	if len(h.sentTo(protocol.TypeAnswer, 3)) != 0 {
		t.Fatal("answered a glare offer")
	}
	if len(h.dialer.conns[3]) != 1 {
		t.Fatalf("dialed %d connections, want 1", len(h.dialer.conns[3]))
	}
}

func TestOfferOnNonStableLinkRebuilds(t *testing.T) {
	h := newHarness(3)
	h.n.HandleOffer(offerFrom(7))
	first := h.dialer.last(7)
	first.state = webrtc.SignalingStateHaveRemoteOffer

	h.n.HandleOffer(offerFrom(7))

	if first.closed != 1 {
		t.Fatalf("stale connection closed %d times, want 1", first.closed)
	}
	if len(h.dialer.conns[7]) != 2 {
		t.Fatalf("dialed %d connections, want 2", len(h.dialer.conns[7]))
	}
	if len(h.sentTo(protocol.TypeAnswer, 7)) != 2 {
		t.Fatal("rebuilt link did not answer")
	}
}

func TestRenegotiationOfferOnConnectedLink(t *testing.T) {
	h := newHarness(3)
	h.n.HandleOffer(offerFrom(7))
	h.n.HandleOffer(offerFrom(7))

	if len(h.dialer.conns[7]) != 1 {
		t.Fatalf("stable link was rebuilt: %d dials", len(h.dialer.conns[7]))
	}
	if l, _ := h.n.Link(7); l.State != StateConnected {
		t.Fatalf("state = %s", l.State)
	}
}

func TestAnswerWithoutOfferIsViolation(t *testing.T) {
	h := newHarness(3)
	h.n.HandleOffer(offerFrom(7))
	conn := h.dialer.last(7)

	h.n.HandleAnswer(answerFrom(7))

	if _, ok := h.n.Link(7); ok {
		t.Fatal("link survived an unexpected answer")
	}
	if conn.closed != 1 {
		t.Fatal("connection not closed")
	}
	if h.n.Scheduled(7) {
		t.Fatal("non-initiator scheduled a retry")
	}
}

func TestOfferFromInvalidSignalingState(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(5)
	conn := h.dialer.last(5)
	conn.state = webrtc.SignalingStateHaveRemoteOffer

	h.n.Offer(5)

	if _, ok := h.n.Link(5); ok {
		t.Fatal("link survived a protocol violation")
	}
	if !h.n.Scheduled(5) {
		t.Fatal("initiator did not schedule a retry")
	}
}

// TestSnapshotWithoutPeerTearsDownLink: 4 disappears from a room_state while
// a link to it exists; the link is closed and nothing more goes to 4.
func TestSnapshotWithoutPeerTearsDownLink(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(4)
	h.n.Offer(5)
	conn := h.dialer.last(4)
	track := &fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	conn.handlers.OnTrack(track)

	h.n.Reconcile(participants(9, 5), TriggerRoster)

	if _, ok := h.n.Link(4); ok {
		t.Fatal("link to 4 still present")
	}
	if conn.closed != 1 || track.stopped != 1 {
		t.Fatalf("closed=%d stopped=%d", conn.closed, track.stopped)
	}

	before := len(h.sent)
	conn.handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: "late"})
	h.n.HandleCandidate(candidateFrom(4, "late"))
	h.sched.fire(testJitter)
	h.sched.fire(testTimeout)
	for _, m := range h.sent[before:] {
		if m.TargetUserID == 4 {
			t.Fatalf("sent %s to departed peer 4", m.Type)
		}
	}
}

func TestCleanupIdempotent(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(5)
	h.n.HandleCandidate(candidateFrom(5, "c1"))
	conn := h.dialer.last(5)

	h.n.Cleanup(5)
	once := h.n.Links()
	h.n.Cleanup(5)
	twice := h.n.Links()

	if conn.closed != 1 {
		t.Fatalf("Close called %d times, want 1", conn.closed)
	}
	if !slices.Equal(once, twice) || len(twice) != 0 {
		t.Fatalf("links after second cleanup = %v, want %v", twice, once)
	}
	h.n.Cleanup(42)
}

func TestNoDuplicateTracks(t *testing.T) {
	s := newRemoteStream()
	a := &fakeTrack{id: "audio-1", kind: webrtc.RTPCodecTypeAudio}

	if !s.AddTrack(a) {
		t.Fatal("first AddTrack = false")
	}
	if s.AddTrack(&fakeTrack{id: "audio-1", kind: webrtc.RTPCodecTypeAudio}) {
		t.Fatal("duplicate AddTrack = true")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}

	h := newHarness(3)
	h.n.HandleOffer(offerFrom(7))
	conn := h.dialer.last(7)
	conn.handlers.OnTrack(&fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo})
	conn.handlers.OnTrack(&fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo})
	conn.handlers.OnTrack(&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio})
	if l, _ := h.n.Link(7); l.Tracks != 2 {
		t.Fatalf("tracks = %d, want 2", l.Tracks)
	}
}

// TestRetryPolicyBounded: every failure of an initiated link schedules one
// retry with linear backoff until MaxRetries, then the peer is reported and
// left alone by periodic passes.
func TestRetryPolicyBounded(t *testing.T) {
	h := newHarness(9)
	room := participants(5, 9)
	h.n.Offer(5)

	for attempt := 1; attempt <= 3; attempt++ {
		h.dialer.last(5).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
		if _, ok := h.n.Link(5); ok {
			t.Fatalf("attempt %d: failed link not cleaned up", attempt)
		}
		delay := time.Duration(attempt) * testBackoff
		if h.sched.fire(delay) != 1 {
			t.Fatalf("attempt %d: no retry scheduled after %s", attempt, delay)
		}
		if len(h.dialer.conns[5]) != attempt+1 {
			t.Fatalf("attempt %d: %d dials", attempt, len(h.dialer.conns[5]))
		}
	}

	h.dialer.last(5).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateDisconnected)
	if h.n.Scheduled(5) {
		t.Fatal("retry scheduled past MaxRetries")
	}
	if !slices.Equal(h.exhausted, []int64{5}) {
		t.Fatalf("exhausted = %v", h.exhausted)
	}

	h.n.Reconcile(room, TriggerPeriodic)
	if h.n.Scheduled(5) {
		t.Fatal("periodic pass retried an exhausted peer")
	}
	h.n.Reconcile(room, TriggerRoster)
	if !h.n.Scheduled(5) || h.n.Exhausted(5) {
		t.Fatal("roster pass did not reset the exhausted peer")
	}
}

func TestConnectedResetsRetryCounter(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(5)
	h.dialer.last(5).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
	h.sched.fire(testBackoff)

	h.dialer.last(5).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	h.dialer.last(5).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)

	if h.sched.fire(testBackoff) != 1 {
		t.Fatal("retry after reconnect did not restart at the first backoff step")
	}
}

func TestNonInitiatorDoesNotRetry(t *testing.T) {
	h := newHarness(3)
	h.n.HandleOffer(offerFrom(7))
	h.dialer.last(7).handlers.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)

	if _, ok := h.n.Link(7); ok {
		t.Fatal("failed link not cleaned up")
	}
	if h.n.Scheduled(7) || len(h.sched.pending()) != 0 {
		t.Fatal("non-initiator scheduled a retry")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(5)

	if h.sched.fire(testTimeout) != 1 {
		t.Fatal("no negotiation timeout armed")
	}
	if _, ok := h.n.Link(5); ok {
		t.Fatal("stuck link not torn down on timeout")
	}
	if !h.n.Scheduled(5) {
		t.Fatal("timeout did not schedule a retry")
	}
}

func TestReconcileNoDuplicateAttempts(t *testing.T) {
	h := newHarness(9)
	room := participants(2, 5, 9, 12)

	h.n.Reconcile(room, TriggerRoster)
	h.n.Reconcile(room, TriggerPeriodic)
	h.n.Reconcile(room, TriggerRoster)

	if n := len(h.sched.pending()); n != 2 {
		t.Fatalf("%d pending attempts, want 2 (peers 2 and 5)", n)
	}

	h.sched.fire(testJitter)
	h.n.Reconcile(room, TriggerPeriodic)
	if h.n.Scheduled(2) || h.n.Scheduled(5) {
		t.Fatal("peers with live links rescheduled")
	}
}

func TestReconcileReplacesUnhealthyLink(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(5)
	h.n.links[5].Health = webrtc.PeerConnectionStateClosed

	h.n.Reconcile(participants(5, 9), TriggerPeriodic)

	if _, ok := h.n.Link(5); ok {
		t.Fatal("unhealthy link kept")
	}
	if !h.n.Scheduled(5) {
		t.Fatal("no attempt scheduled for unhealthy link")
	}
}

func TestReplaceTrackOnEveryLink(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(2)
	h.n.Offer(5)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	if err := h.n.ReplaceTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}
	for _, peer := range []int64{2, 5} {
		if h.dialer.last(peer).replaced[webrtc.RTPCodecTypeVideo] != track {
			t.Errorf("peer %d track not replaced", peer)
		}
	}
	if len(h.dialer.conns[2]) != 1 || len(h.dialer.conns[5]) != 1 {
		t.Fatal("track replacement rebuilt a link")
	}
}

func TestCloseAllStopsScheduling(t *testing.T) {
	h := newHarness(9)
	h.n.Offer(5)
	h.n.Reconcile(participants(2, 5, 9), TriggerRoster)

	h.n.CloseAll()

	if len(h.n.Links()) != 0 {
		t.Fatal("links remain after CloseAll")
	}
	if len(h.sched.pending()) != 0 {
		t.Fatal("timers pending after CloseAll")
	}
	h.n.Offer(2)
	if len(h.dialer.conns[2]) != 0 {
		t.Fatal("Offer after CloseAll dialed")
	}
}

func TestPostedCallbacksRunOnLoop(t *testing.T) {
	var queued []func()
	h := newHarness(9)
	h.n.cfg.Post = func(fn func()) { queued = append(queued, fn) }

	h.n.Offer(5)
	h.dialer.last(5).handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: "c"})
	if len(h.sentTo(protocol.TypeCandidate, 5)) != 0 {
		t.Fatal("callback ran before being drained from the loop")
	}
	for _, fn := range queued {
		fn()
	}
	if len(h.sentTo(protocol.TypeCandidate, 5)) != 1 {
		t.Fatal("posted candidate not sent")
	}
}
