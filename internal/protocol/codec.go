package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Decode parses one inbound WebSocket frame.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("decode frame: missing type")
	}
	return &msg, nil
}

// Encode serializes an outbound message.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// ---------------------------------------------------------------------------
// Outbound constructors
// ---------------------------------------------------------------------------

func NewOffer(target int64, offer webrtc.SessionDescription) *Message {
	return &Message{Type: TypeOffer, TargetUserID: target, Offer: &offer}
}

func NewAnswer(target int64, answer webrtc.SessionDescription) *Message {
	return &Message{Type: TypeAnswer, TargetUserID: target, Answer: &answer}
}

func NewCandidate(target int64, candidate webrtc.ICECandidateInit) *Message {
	return &Message{Type: TypeCandidate, TargetUserID: target, Candidate: &candidate}
}

func NewChat(text string) *Message {
	return &Message{Type: TypeChatMessage, Message: text}
}

func NewToggleMute(muted bool) *Message {
	return &Message{Type: TypeToggleMute, IsMuted: &muted, Timestamp: NewTimestamp(time.Now())}
}

func NewToggleVideo(enabled bool) *Message {
	return &Message{Type: TypeToggleVideo, VideoEnabled: &enabled, Timestamp: NewTimestamp(time.Now())}
}

func NewRaiseHand(raised bool) *Message {
	return &Message{Type: TypeRaiseHand, HandRaised: &raised, Timestamp: NewTimestamp(time.Now())}
}
