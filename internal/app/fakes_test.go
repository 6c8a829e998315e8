package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/config"
	"github.com/1ureka/roomlink/internal/mesh"
	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/signaling"
)

// events records teardown steps across fakes so tests can assert ordering.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// ---------------------------------------------------------------------------
// Signaler
// ---------------------------------------------------------------------------

type fakeSignaler struct {
	*signaling.Dispatcher
	ev     *events
	filter func(*protocol.Message) bool

	mu       sync.Mutex
	sent     []*protocol.Message
	connects int
	closes   int
	closeErr error
}

var _ Signaler = (*fakeSignaler)(nil)

func (f *fakeSignaler) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeSignaler) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) State() signaling.State { return signaling.StateOpen }

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.ev.add("signaling")
	return f.closeErr
}

func (f *fakeSignaler) deliver(msg *protocol.Message) {
	if f.filter != nil && !f.filter(msg) {
		return
	}
	f.Dispatch(msg)
}

// deliverFrame decodes a raw server frame the way the signaling client does.
func (f *fakeSignaler) deliverFrame(t *testing.T, frame string) {
	t.Helper()
	msg, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode(%s): %v", frame, err)
	}
	f.deliver(msg)
}

func (f *fakeSignaler) sentOf(t protocol.Type) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) sentTo(t protocol.Type, target int64) bool {
	for _, m := range f.sentOf(t) {
		if m.TargetUserID == target {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

type fakeBackend struct {
	ev           *events
	participants []protocol.Participant
	history      []protocol.ChatMessage
	leaveErr     error

	mu     sync.Mutex
	joins  int
	leaves int
}

var _ Backend = (*fakeBackend)(nil)

func (b *fakeBackend) Join(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	return nil
}

func (b *fakeBackend) Leave(context.Context, string) error {
	b.mu.Lock()
	b.leaves++
	b.mu.Unlock()
	b.ev.add("rest")
	return b.leaveErr
}

func (b *fakeBackend) Participants(context.Context, string) ([]protocol.Participant, error) {
	if b.participants == nil {
		return nil, errors.New("unavailable")
	}
	return b.participants, nil
}

func (b *fakeBackend) ChatHistory(context.Context, string) ([]protocol.ChatMessage, error) {
	return b.history, nil
}

// ---------------------------------------------------------------------------
// Dialer / Conn
// ---------------------------------------------------------------------------

type fakeConn struct {
	peer int64
	ev   *events

	mu     sync.Mutex
	state  webrtc.SignalingState
	closed int
}

var _ mesh.Conn = (*fakeConn)(nil)

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.peer)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.peer)}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) ReplaceTrack(webrtc.RTPCodecType, webrtc.TrackLocal) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.ev.add(fmt.Sprintf("link %d", c.peer))
	return nil
}

func (c *fakeConn) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	ev    *events
	mu    sync.Mutex
	conns map[int64][]*fakeConn
	fail  map[int64]bool
	dials map[int64]int
}

func (d *fakeDialer) Dial(peer int64, _ mesh.Handlers) (mesh.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[peer]++
	if d.fail[peer] {
		return nil, errors.New("ice gathering failed")
	}
	c := &fakeConn{peer: peer, ev: d.ev, state: webrtc.SignalingStateStable}
	d.conns[peer] = append(d.conns[peer], c)
	return c, nil
}

func (d *fakeDialer) dialCount(peer int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[peer]
}

// allClosed reports whether every link ever dialed to peer was closed.
func (d *fakeDialer) allClosed(peer int64) bool {
	d.mu.Lock()
	cs := append([]*fakeConn(nil), d.conns[peer]...)
	d.mu.Unlock()
	for _, c := range cs {
		if c.closedCount() == 0 {
			return false
		}
	}
	return true
}

func (d *fakeDialer) last(peer int64) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	s       *Session
	sig     *fakeSignaler
	backend *fakeBackend
	dialer  *fakeDialer
	ev      *events
}

func testConfig(self int64) *config.Config {
	cfg := &config.Config{}
	cfg.Room.ID = "es-101"
	cfg.Room.UserID = self
	cfg.Mesh.ReconcileDebounce = 10 * time.Millisecond
	cfg.Mesh.JitterMin = time.Millisecond
	cfg.Mesh.JitterMax = time.Millisecond
	cfg.Mesh.MaxRetries = 3
	cfg.Mesh.RetryBackoff = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, self int64, backend *fakeBackend) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{
		sig:    &fakeSignaler{Dispatcher: signaling.NewDispatcher(), ev: ev},
		dialer: &fakeDialer{ev: ev, conns: make(map[int64][]*fakeConn), fail: make(map[int64]bool), dials: make(map[int64]int)},
		ev:     ev,
	}
	deps := Deps{Signaler: h.sig, Dialer: h.dialer}
	if backend != nil {
		backend.ev = ev
		h.backend = backend
		deps.Backend = backend
	}
	h.s = New(testConfig(self), deps)
	t.Cleanup(func() { h.s.Leave(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func participants(ids ...int64) []protocol.Participant {
	ps := make([]protocol.Participant, len(ids))
	for i, id := range ids {
		ps[i] = protocol.Participant{UserID: id, DisplayName: fmt.Sprintf("user-%d", id), Role: protocol.RoleParticipant}
	}
	return ps
}

func boolPtr(v bool) *bool { return &v }
