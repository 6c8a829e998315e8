package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/roomlink/internal/media"
	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/roster"
	"github.com/1ureka/roomlink/internal/signaling"
	"github.com/1ureka/roomlink/internal/util"
)

// Snapshot is a consistent view of the session for rendering.
type Snapshot struct {
	Self         int64
	Room         string
	Signaling    signaling.State
	Participants []protocol.Participant
	Peers        []media.PeerStatus
	Chat         []protocol.ChatMessage
	Controls     media.ControlState
}

// Snapshot captures the roster, per-peer link status and chat log.
func (s *Session) Snapshot() (Snapshot, error) {
	snap := Snapshot{Self: s.self, Room: s.room, Signaling: s.deps.Signaler.State()}
	err := s.call(func() {
		snap.Participants = s.roster.List()
		snap.Peers = media.PeerStatuses(s.roster.Others(s.self), s.neg)
		snap.Chat = s.chat.Messages()
		if s.controls != nil {
			snap.Controls = s.controls.State()
		}
	})
	return snap, err
}

// SendChat validates and broadcasts text. The message shows up in the log
// once the server echoes it.
func (s *Session) SendChat(text string) error {
	var sendErr error
	if err := s.call(func() { sendErr = s.chat.Send(text) }); err != nil {
		return err
	}
	return sendErr
}

// ToggleMute flips the microphone and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	return s.toggle(roster.FieldMuted, (*media.Controls).ToggleMute)
}

// ToggleVideo flips the camera and returns whether it is now enabled.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(roster.FieldVideo, (*media.Controls).ToggleVideo)
}

// ToggleHand flips the raised hand and returns the new state.
func (s *Session) ToggleHand() (bool, error) {
	return s.toggle(roster.FieldHand, (*media.Controls).ToggleHand)
}

// toggle applies the control locally, mirrors it onto the own roster entry
// and lets Controls broadcast it.
func (s *Session) toggle(field roster.Field, flip func(*media.Controls) bool) (bool, error) {
	var value bool
	var started bool
	err := s.call(func() {
		if s.controls == nil {
			return
		}
		started = true
		value = flip(s.controls)
		if field == roster.FieldVideo {
			value = value && !s.controls.State().AudioOnly
		}
		s.roster.ApplyToggle(s.self, field, value)
	})
	if err == nil && !started {
		err = ErrNotStarted
	}
	return value, err
}

// SetVideoMode switches between audio-only and video on every link.
func (s *Session) SetVideoMode(audioOnly bool) error {
	var modeErr error
	err := s.call(func() {
		if s.controls == nil {
			modeErr = ErrNotStarted
			return
		}
		modeErr = s.controls.SetVideoMode(audioOnly)
		st := s.controls.State()
		s.roster.ApplyToggle(s.self, roster.FieldVideo, st.VideoEnabled && !st.AudioOnly)
	})
	if err != nil {
		return err
	}
	return modeErr
}

// ---------------------------------------------------------------------------
// Leave
// ---------------------------------------------------------------------------

// Leave tears the session down in order: signaling (normal closure), local
// media, every peer link, then the REST leave. Each step runs even if an
// earlier one failed. Safe to call more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		var errs []error

		for _, unsub := range s.unsubs {
			unsub()
		}
		if err := s.deps.Signaler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling: %w", err))
		}

		s.deps.Local.Stop()

		if err := s.call(func() {
			if s.reconcile != nil {
				s.reconcile()
				s.reconcile = nil
			}
			s.neg.CloseAll()
		}); err != nil {
			errs = append(errs, fmt.Errorf("close links: %w", err))
		}

		if s.deps.Backend != nil {
			if err := s.deps.Backend.Leave(ctx, s.room); err != nil {
				errs = append(errs, fmt.Errorf("REST leave: %w", err))
			}
		}
		for _, closeFn := range s.deps.Closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}

		s.cancel()
		<-s.done

		s.leaveErr = errors.Join(errs...)
		if s.leaveErr != nil {
			util.LogWarning("left room %s with errors: %v", s.room, s.leaveErr)
		} else {
			util.LogInfo("left room %s", s.room)
		}
	})
	return s.leaveErr
}
