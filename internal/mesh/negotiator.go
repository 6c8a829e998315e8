// Package mesh negotiates one media connection per remote participant and
// keeps the set of links reconciled with the room roster.
//
// A Negotiator is confined to a single goroutine: every exported method and
// every callback it receives from a Conn or a Scheduler must run on the
// owner's loop. Config.Post is how off-loop callbacks get back onto it.
package mesh

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// Trigger identifies why a reconciliation pass runs.
type Trigger int

const (
	TriggerRoster Trigger = iota
	TriggerPeriodic
)

func (t Trigger) String() string {
	if t == TriggerRoster {
		return "roster"
	}
	return "periodic"
}

// Config configures a Negotiator.
type Config struct {
	Self   int64
	Dialer Dialer
	Send   func(*protocol.Message)

	// Post runs fn on the owner's loop. Nil runs fn inline.
	Post      func(fn func())
	Scheduler Scheduler

	JitterMin time.Duration
	JitterMax time.Duration
	// Jitter overrides the [JitterMin, JitterMax) draw.
	Jitter func() time.Duration

	MaxRetries         int
	RetryBackoff       time.Duration
	NegotiationTimeout time.Duration

	// OnExhausted is called once a peer has used up its retries.
	OnExhausted func(peerID int64)
	// OnLinkChange is called after a link's state, health or tracks change.
	OnLinkChange func(peerID int64)
}

// Negotiator owns every PeerLink of the local participant.
type Negotiator struct {
	cfg Config

	links     map[int64]*PeerLink
	attempts  map[int64]int
	exhausted map[int64]bool
	scheduled map[int64]func()
	closed    bool
}

// New creates a Negotiator.
func New(cfg Config) *Negotiator {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler{}
	}
	if cfg.Jitter == nil {
		lo, hi := cfg.JitterMin, cfg.JitterMax
		cfg.Jitter = func() time.Duration {
			if hi <= lo {
				return lo
			}
			return lo + rand.N(hi-lo)
		}
	}
	if cfg.Send == nil {
		cfg.Send = func(*protocol.Message) {}
	}

	return &Negotiator{
		cfg:       cfg,
		links:     make(map[int64]*PeerLink),
		attempts:  make(map[int64]int),
		exhausted: make(map[int64]bool),
		scheduled: make(map[int64]func()),
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// Offer starts (or restarts) negotiation toward peer. Only the designated
// initiator ever offers.
func (n *Negotiator) Offer(peer int64) {
	if n.closed || peer == n.cfg.Self {
		return
	}
	if !protocol.ShouldInitiate(n.cfg.Self, peer) {
		util.LogDebug("%s not the initiator, waiting for their offer", util.PeerTag(peer))
		return
	}

	l, err := n.ensureLink(peer)
	if err != nil {
		n.fail(peer, err)
		return
	}
	if l.State == StateConnected {
		return
	}

	switch ss := l.SignalingState(); ss {
	case webrtc.SignalingStateStable, webrtc.SignalingStateHaveLocalOffer:
	default:
		n.fail(peer, fmt.Errorf("%w: offer from signaling state %s", ErrProtocolViolation, ss))
		return
	}

	if l.State != StateOffering {
		if err := l.transition(StateOffering); err != nil {
			n.fail(peer, err)
			return
		}
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		n.fail(peer, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		n.fail(peer, fmt.Errorf("set local offer: %w", err))
		return
	}

	n.cfg.Send(protocol.NewOffer(peer, offer))
	n.armTimeout(l)
	util.LogInfo("%s offer sent", util.PeerTag(peer))
	n.changed(peer)
}

// HandleOffer answers an inbound offer, unless this side is the initiator
// for that pair, in which case the offer is glare and is ignored.
func (n *Negotiator) HandleOffer(msg *protocol.Message) {
	peer := msg.Sender()
	if n.closed || peer == 0 || peer == n.cfg.Self {
		return
	}
	if msg.Offer == nil {
		util.LogWarning("%s offer without description dropped", util.PeerTag(peer))
		return
	}
	if protocol.ShouldInitiate(n.cfg.Self, peer) {
		util.LogDebug("%s glare: ignoring offer, we initiate", util.PeerTag(peer))
		return
	}

	if l, ok := n.links[peer]; ok && l.SignalingState() != webrtc.SignalingStateStable {
		util.LogDebug("%s offer in signaling state %s, rebuilding link", util.PeerTag(peer), l.SignalingState())
		n.Cleanup(peer)
	}

	l, err := n.ensureLink(peer)
	if err != nil {
		n.fail(peer, err)
		return
	}
	if err := l.transition(StateAnswering); err != nil {
		n.fail(peer, err)
		return
	}

	if err := l.conn.SetRemoteDescription(*msg.Offer); err != nil {
		n.fail(peer, fmt.Errorf("set remote offer: %w", err))
		return
	}
	l.remoteSet = true
	n.flush(l)

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		n.fail(peer, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		n.fail(peer, fmt.Errorf("set local answer: %w", err))
		return
	}

	n.cfg.Send(protocol.NewAnswer(peer, answer))
	if err := l.transition(StateConnected); err != nil {
		n.fail(peer, err)
		return
	}
	n.armTimeout(l)
	util.LogInfo("%s answer sent", util.PeerTag(peer))
	n.changed(peer)
}

// HandleAnswer applies the answer to our outstanding offer.
func (n *Negotiator) HandleAnswer(msg *protocol.Message) {
	peer := msg.Sender()
	if n.closed || peer == 0 {
		return
	}
	if msg.Answer == nil {
		util.LogWarning("%s answer without description dropped", util.PeerTag(peer))
		return
	}

	l, ok := n.links[peer]
	if !ok {
		util.LogWarning("%s answer for unknown link dropped", util.PeerTag(peer))
		return
	}
	if l.State != StateOffering || l.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.fail(peer, fmt.Errorf("%w: answer in state %s/%s", ErrProtocolViolation, l.State, l.SignalingState()))
		return
	}

	if err := l.conn.SetRemoteDescription(*msg.Answer); err != nil {
		n.fail(peer, fmt.Errorf("set remote answer: %w", err))
		return
	}
	l.remoteSet = true
	n.flush(l)

	if err := l.transition(StateConnected); err != nil {
		n.fail(peer, err)
		return
	}
	util.LogDebug("%s answer applied", util.PeerTag(peer))
	n.changed(peer)
}

// HandleCandidate applies a remote candidate, or queues it until the remote
// description is set. Candidates for peers without a link are dropped.
func (n *Negotiator) HandleCandidate(msg *protocol.Message) {
	peer := msg.Sender()
	if n.closed || peer == 0 {
		return
	}
	if msg.Candidate == nil {
		return
	}

	l, ok := n.links[peer]
	if !ok {
		util.LogWarning("%s candidate for unknown link dropped", util.PeerTag(peer))
		return
	}
	if !l.remoteSet {
		l.pending = append(l.pending, *msg.Candidate)
		util.LogDebug("%s candidate queued (%d pending)", util.PeerTag(peer), len(l.pending))
		return
	}
	if err := l.conn.AddICECandidate(*msg.Candidate); err != nil {
		util.LogWarning("%s add candidate: %v", util.PeerTag(peer), err)
	}
}

// flush applies queued candidates in arrival order and clears the queue.
func (n *Negotiator) flush(l *PeerLink) {
	queued := l.pending
	l.pending = nil
	for _, c := range queued {
		if err := l.conn.AddICECandidate(c); err != nil {
			util.LogWarning("%s add queued candidate: %v", util.PeerTag(l.PeerID), err)
		}
	}
	if len(queued) > 0 {
		util.LogDebug("%s flushed %d queued candidates", util.PeerTag(l.PeerID), len(queued))
	}
}

// ---------------------------------------------------------------------------
// Link lifecycle
// ---------------------------------------------------------------------------

func (n *Negotiator) ensureLink(peer int64) (*PeerLink, error) {
	if l, ok := n.links[peer]; ok {
		return l, nil
	}

	l := newPeerLink(peer)
	if err := l.transition(StateCreating); err != nil {
		return nil, err
	}
	conn, err := n.cfg.Dialer.Dial(peer, n.handlers(l))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	l.conn = conn
	n.links[peer] = l
	util.LogDebug("%s link created", util.PeerTag(peer))
	return l, nil
}

// handlers binds Conn callbacks to l. Callbacks for a link that has since
// been cleaned up are ignored.
func (n *Negotiator) handlers(l *PeerLink) Handlers {
	live := func() bool { return n.links[l.PeerID] == l }

	return Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			n.cfg.Post(func() {
				if live() {
					n.cfg.Send(protocol.NewCandidate(l.PeerID, c))
				}
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			n.cfg.Post(func() {
				if live() {
					n.onHealth(l, s)
				}
			})
		},
		OnTrack: func(t RemoteTrack) {
			n.cfg.Post(func() {
				if !live() {
					t.Stop()
					return
				}
				if l.Stream.AddTrack(t) {
					util.LogInfo("%s receiving %s track", util.PeerTag(l.PeerID), t.Kind())
					n.changed(l.PeerID)
				}
			})
		},
	}
}

func (n *Negotiator) onHealth(l *PeerLink, s webrtc.PeerConnectionState) {
	l.Health = s
	util.LogDebug("%s connection %s", util.PeerTag(l.PeerID), s)

	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.stopTimeout()
		if l.State == StateOffering || l.State == StateAnswering {
			_ = l.transition(StateConnected)
		}
		delete(n.attempts, l.PeerID)
		delete(n.exhausted, l.PeerID)
		util.Stats.AddLinkUp()
		util.LogSuccess("%s media link up", util.PeerTag(l.PeerID))
		n.changed(l.PeerID)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		n.fail(l.PeerID, fmt.Errorf("connection %s", s))
	default:
		n.changed(l.PeerID)
	}
}

func (n *Negotiator) armTimeout(l *PeerLink) {
	l.stopTimeout()
	if n.cfg.NegotiationTimeout <= 0 || l.Health == webrtc.PeerConnectionStateConnected {
		return
	}
	l.timeout = n.cfg.Scheduler.After(n.cfg.NegotiationTimeout, func() {
		n.cfg.Post(func() {
			if n.links[l.PeerID] != l || l.Health == webrtc.PeerConnectionStateConnected {
				return
			}
			n.fail(l.PeerID, ErrNegotiationTimeout)
		})
	})
}

// fail tears the link down and, if this side initiates, schedules a retry
// with linear backoff until MaxRetries is reached.
func (n *Negotiator) fail(peer int64, cause error) {
	util.LogWarning("%s link failed: %v", util.PeerTag(peer), cause)
	util.Stats.AddLinkFailure()

	if l, ok := n.links[peer]; ok {
		_ = l.transition(StateFailed)
	}
	n.Cleanup(peer)

	if n.closed || !protocol.ShouldInitiate(n.cfg.Self, peer) {
		return
	}

	n.attempts[peer]++
	attempt := n.attempts[peer]
	if attempt > n.cfg.MaxRetries {
		if !n.exhausted[peer] {
			n.exhausted[peer] = true
			util.LogError("%s giving up after %d retries", util.PeerTag(peer), n.cfg.MaxRetries)
			if n.cfg.OnExhausted != nil {
				n.cfg.OnExhausted(peer)
			}
		}
		return
	}

	delay := time.Duration(attempt) * n.cfg.RetryBackoff
	util.LogInfo("%s retry %d/%d in %s", util.PeerTag(peer), attempt, n.cfg.MaxRetries, delay)
	n.schedule(peer, delay)
}

// Cleanup closes and forgets the link to peer. Calling it again, or for an
// unknown peer, does nothing.
func (n *Negotiator) Cleanup(peer int64) {
	l, ok := n.links[peer]
	if !ok {
		return
	}
	delete(n.links, peer)

	l.stopTimeout()
	_ = l.transition(StateClosed)
	l.pending = nil
	l.remoteSet = false
	l.Stream.Stop()
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			util.LogDebug("%s close: %v", util.PeerTag(peer), err)
		}
	}
	util.LogDebug("%s link closed", util.PeerTag(peer))
	n.changed(peer)
}

// Remove forgets everything about peer: its link, pending attempt and retry
// bookkeeping. Used when the peer leaves the room.
func (n *Negotiator) Remove(peer int64) {
	n.cancelScheduled(peer)
	delete(n.attempts, peer)
	delete(n.exhausted, peer)
	n.Cleanup(peer)
}

// CloseAll tears down every link and stops scheduling new attempts.
func (n *Negotiator) CloseAll() {
	n.closed = true
	for peer := range n.scheduled {
		n.cancelScheduled(peer)
	}
	for _, peer := range n.peers() {
		n.Cleanup(peer)
	}
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Reconcile aligns links with participants: links to absent peers are
// removed, and every present peer this side initiates toward that has no
// healthy link gets a jittered attempt. Exhausted peers are only retried on
// a roster-triggered pass.
func (n *Negotiator) Reconcile(participants []protocol.Participant, trigger Trigger) {
	if n.closed {
		return
	}

	present := make(map[int64]struct{}, len(participants))
	for _, p := range participants {
		present[p.UserID] = struct{}{}
	}
	for _, peer := range n.peers() {
		if _, ok := present[peer]; !ok {
			util.LogInfo("%s no longer in room, closing link", util.PeerTag(peer))
			n.Remove(peer)
		}
	}
	for peer := range n.scheduled {
		if _, ok := present[peer]; !ok {
			n.Remove(peer)
		}
	}

	if trigger == TriggerRoster {
		clear(n.exhausted)
		clear(n.attempts)
	}

	for _, p := range participants {
		peer := p.UserID
		if peer == n.cfg.Self || !protocol.ShouldInitiate(n.cfg.Self, peer) {
			continue
		}
		if n.exhausted[peer] {
			continue
		}
		if _, ok := n.scheduled[peer]; ok {
			continue
		}
		if l, ok := n.links[peer]; ok {
			if !unhealthy(l) {
				continue
			}
			n.Cleanup(peer)
		}
		n.schedule(peer, n.cfg.Jitter())
	}
}

func unhealthy(l *PeerLink) bool {
	switch l.Health {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return l.State == StateFailed || l.State == StateClosed
}

func (n *Negotiator) schedule(peer int64, delay time.Duration) {
	if _, ok := n.scheduled[peer]; ok {
		return
	}
	n.scheduled[peer] = n.cfg.Scheduler.After(delay, func() {
		n.cfg.Post(func() {
			if _, ok := n.scheduled[peer]; !ok {
				return
			}
			delete(n.scheduled, peer)
			n.Offer(peer)
		})
	})
	util.LogDebug("%s attempt scheduled in %s", util.PeerTag(peer), delay)
}

func (n *Negotiator) cancelScheduled(peer int64) {
	if cancel, ok := n.scheduled[peer]; ok {
		cancel()
		delete(n.scheduled, peer)
	}
}

// ---------------------------------------------------------------------------
// Tracks and queries
// ---------------------------------------------------------------------------

// ReplaceTrack substitutes the local track of the given kind on every link,
// without renegotiation.
func (n *Negotiator) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	var errs []error
	for _, peer := range n.peers() {
		if err := n.links[peer].conn.ReplaceTrack(kind, track); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", util.PeerTag(peer), err))
		}
	}
	return errors.Join(errs...)
}

// Link returns a snapshot of the link to peer.
func (n *Negotiator) Link(peer int64) (LinkInfo, bool) {
	l, ok := n.links[peer]
	if !ok {
		return LinkInfo{}, false
	}
	return l.info(), true
}

// Links returns snapshots of every link ordered by peer id.
func (n *Negotiator) Links() []LinkInfo {
	out := make([]LinkInfo, 0, len(n.links))
	for _, peer := range n.peers() {
		out = append(out, n.links[peer].info())
	}
	return out
}

// Stream returns the remote stream of peer, if a link exists.
func (n *Negotiator) Stream(peer int64) (*RemoteStream, bool) {
	l, ok := n.links[peer]
	if !ok {
		return nil, false
	}
	return l.Stream, true
}

// Scheduled reports whether an attempt toward peer is pending.
func (n *Negotiator) Scheduled(peer int64) bool {
	_, ok := n.scheduled[peer]
	return ok
}

// Exhausted reports whether peer has used up its retries.
func (n *Negotiator) Exhausted(peer int64) bool {
	return n.exhausted[peer]
}

func (n *Negotiator) peers() []int64 {
	out := make([]int64, 0, len(n.links))
	for peer := range n.links {
		out = append(out, peer)
	}
	slices.Sort(out)
	return out
}

func (n *Negotiator) changed(peer int64) {
	if n.cfg.OnLinkChange != nil {
		n.cfg.OnLinkChange(peer)
	}
}
