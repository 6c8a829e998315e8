package app

import (
	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/roster"
	"github.com/1ureka/roomlink/internal/util"
)

// subscribe routes every inbound message type onto the event loop.
func (s *Session) subscribe() {
	on := func(t protocol.Type, fn func(*protocol.Message)) {
		s.unsubs = append(s.unsubs, s.deps.Signaler.Subscribe(t, func(msg *protocol.Message) {
			s.post(func() { fn(msg) })
		}))
	}

	on(protocol.TypeRoomState, func(msg *protocol.Message) {
		s.roster.ApplySnapshot(msg.Participants)
	})
	on(protocol.TypeUserJoined, func(msg *protocol.Message) {
		s.roster.ApplyJoin(msg)
	})
	on(protocol.TypeUserLeft, func(msg *protocol.Message) {
		if msg.UserID == s.self {
			util.LogWarning("server reports this user left the room")
		}
		s.roster.ApplyLeave(msg.UserID)
	})
	on(protocol.TypeChatMessage, func(msg *protocol.Message) {
		s.chat.Receive(msg)
	})

	on(protocol.TypeOffer, s.negotiation(s.neg.HandleOffer))
	on(protocol.TypeAnswer, s.negotiation(s.neg.HandleAnswer))
	on(protocol.TypeCandidate, s.negotiation(s.neg.HandleCandidate))

	on(protocol.TypeToggleMute, s.toggleHandler(roster.FieldMuted, func(m *protocol.Message) *bool { return m.IsMuted }))
	on(protocol.TypeToggleVideo, s.toggleHandler(roster.FieldVideo, func(m *protocol.Message) *bool { return m.VideoEnabled }))
	on(protocol.TypeRaiseHand, s.toggleHandler(roster.FieldHand, func(m *protocol.Message) *bool { return m.HandRaised }))
}

// toggleHandler applies a remote media-control flag. Toggles from users not
// in the roster are ignored.
func (s *Session) toggleHandler(field roster.Field, value func(*protocol.Message) *bool) func(*protocol.Message) {
	return func(msg *protocol.Message) {
		v := value(msg)
		if v == nil {
			return
		}
		if !s.roster.Contains(msg.Sender()) {
			util.LogDebug("[%s] from unknown user %d ignored", msg.Type, msg.Sender())
			return
		}
		s.roster.ApplyToggle(msg.Sender(), field, *v)
	}
}

// negotiation drops frames addressed to another participant or echoed from
// this one before handing them to the negotiator.
func (s *Session) negotiation(handle func(*protocol.Message)) func(*protocol.Message) {
	return func(msg *protocol.Message) {
		if msg.TargetUserID != 0 && msg.TargetUserID != s.self {
			return
		}
		if msg.Sender() == s.self {
			return
		}
		handle(msg)
	}
}
