// Package app wires signaling, roster, mesh, media and chat into one room
// session. All of the session's state is owned by a single event loop
// goroutine: subscribers, timers and pion callbacks post closures into it.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/chat"
	"github.com/1ureka/roomlink/internal/config"
	"github.com/1ureka/roomlink/internal/media"
	"github.com/1ureka/roomlink/internal/mesh"
	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/roster"
	"github.com/1ureka/roomlink/internal/signaling"
	"github.com/1ureka/roomlink/internal/util"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotStarted    = errors.New("session not started")
)

// Signaler is the signaling channel as the session uses it.
type Signaler interface {
	Connect(ctx context.Context, roomID string) error
	Subscribe(t protocol.Type, fn signaling.Handler) func()
	Send(msg *protocol.Message) error
	State() signaling.State
	Close() error
}

// Backend is the REST side of the room service.
type Backend interface {
	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context, roomID string) error
	Participants(ctx context.Context, roomID string) ([]protocol.Participant, error)
	ChatHistory(ctx context.Context, roomID string) ([]protocol.ChatMessage, error)
}

// Deps are the collaborators a Session drives. Backend and Scheduler are
// optional.
type Deps struct {
	Signaler  Signaler
	Backend   Backend
	Dialer    mesh.Dialer
	Local     *media.LocalMedia
	Scheduler mesh.Scheduler

	// Closers run last during Leave (e.g. a shared dedup store).
	Closers []func() error
}

// Session is one participant's presence in one room.
type Session struct {
	cfg  *config.Config
	self int64
	room string
	deps Deps

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the event loop.
	roster    *roster.Manager
	neg       *mesh.Negotiator
	chat      *chat.Channel
	controls  *media.Controls
	reconcile func()

	unsubs    []func()
	leaveOnce sync.Once
	leaveErr  error
}

// New builds a session and starts its event loop. Nothing touches the
// network until Start.
func New(cfg *config.Config, deps Deps) *Session {
	if deps.Scheduler == nil {
		deps.Scheduler = mesh.TimerScheduler{}
	}
	if deps.Local == nil {
		deps.Local = media.NewLocalMedia()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		self:   cfg.Room.UserID,
		room:   cfg.Room.ID,
		deps:   deps,
		events: make(chan func(), 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		roster: roster.New(),
	}

	s.chat = chat.New(s.send)
	s.neg = mesh.New(mesh.Config{
		Self:               s.self,
		Dialer:             deps.Dialer,
		Send:               s.send,
		Post:               func(fn func()) { s.post(fn) },
		Scheduler:          deps.Scheduler,
		JitterMin:          cfg.Mesh.JitterMin,
		JitterMax:          cfg.Mesh.JitterMax,
		MaxRetries:         cfg.Mesh.MaxRetries,
		RetryBackoff:       cfg.Mesh.RetryBackoff,
		NegotiationTimeout: cfg.Mesh.NegotiationTimeout,
		OnLinkChange: func(peer int64) {
			if info, ok := s.neg.Link(peer); ok {
				util.LogDebug("%s link %s, health %s, %d tracks", util.PeerTag(peer), info.State, info.Health, info.Tracks)
			}
		},
	})
	s.roster.OnChange(s.onRosterChange)

	go s.run()
	return s
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for it. Must not be used from the loop.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() { fn(); close(finished) }) {
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) send(msg *protocol.Message) {
	if err := s.deps.Signaler.Send(msg); err != nil {
		util.LogDebug("[%s] not sent: %v", msg.Type, err)
	}
}

// ---------------------------------------------------------------------------
// Startup
// ---------------------------------------------------------------------------

// Start joins the room: REST join and seeding (best effort), local capture,
// then the signaling connection and the periodic reconciliation pass.
func (s *Session) Start(ctx context.Context) error {
	s.subscribe()

	var (
		participants []protocol.Participant
		history      []protocol.ChatMessage
	)
	if b := s.deps.Backend; b != nil {
		if err := b.Join(ctx, s.room); err != nil {
			util.LogWarning("REST join failed, continuing: %v", err)
		}
		var err error
		if participants, err = b.Participants(ctx, s.room); err != nil {
			util.LogWarning("participant list unavailable: %v", err)
		}
		if history, err = b.ChatHistory(ctx, s.room); err != nil {
			util.LogWarning("chat history unavailable: %v", err)
		}
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if s.cfg.Media.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	if err := s.deps.Local.Start(s.ctx, kinds...); err != nil {
		util.LogWarning("joining with partial media: %v", err)
	}

	err := s.call(func() {
		s.controls = media.NewControls(s.deps.Local, s.send, s.neg, media.ControlState{
			Muted:        s.cfg.Media.StartMuted,
			VideoEnabled: s.cfg.Media.Video && s.deps.Local.Has(webrtc.RTPCodecTypeVideo),
		})
		if len(participants) > 0 {
			s.roster.ApplySnapshot(participants)
		}
		if n := s.chat.Seed(history); n > 0 {
			util.LogInfo("loaded %d chat messages", n)
		}
	})
	if err != nil {
		return err
	}

	if err := s.deps.Signaler.Connect(ctx, s.room); err != nil {
		return err
	}

	go s.tick(s.cfg.Mesh.ReconcileInterval)
	util.StartStatsReporter(s.ctx)
	util.LogSuccess("joined room %s as %s (user %d)", s.room, s.cfg.Room.DisplayName, s.self)
	return nil
}

// tick runs a periodic reconciliation pass so peers missed by event-driven
// passes eventually get a link.
func (s *Session) tick(every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.post(func() { s.neg.Reconcile(s.roster.List(), mesh.TriggerPeriodic) })
		case <-s.done:
			return
		}
	}
}

// onRosterChange tears departed peers down at once and debounces the
// reconciliation pass for everything else.
func (s *Session) onRosterChange(c roster.Change) {
	util.LogDebug("roster: +%d -%d, %d participants", len(c.Added), len(c.Removed), s.roster.Len())
	for _, id := range c.Removed {
		s.neg.Remove(id)
	}

	if s.reconcile != nil {
		s.reconcile()
	}
	s.reconcile = s.deps.Scheduler.After(s.cfg.Mesh.ReconcileDebounce, func() {
		s.post(func() {
			s.reconcile = nil
			s.neg.Reconcile(s.roster.List(), mesh.TriggerRoster)
		})
	})
}
