// Package protocol defines the signaling frames exchanged with the room server
// and the participant/chat records they carry.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Type identifies the kind of signaling message.
type Type string

const (
	TypeRoomState    Type = "room_state"
	TypeUserJoined   Type = "user_joined"
	TypeUserLeft     Type = "user_left"
	TypeChatMessage  Type = "chat_message"
	TypeOffer        Type = "webrtc_offer"
	TypeAnswer       Type = "webrtc_answer"
	TypeCandidate    Type = "webrtc_ice_candidate"
	TypeCandidateAlt Type = "ice_candidate" // older servers
	TypeToggleMute   Type = "toggle_mute"
	TypeToggleVideo  Type = "toggle_video"
	TypeRaiseHand    Type = "raise_hand"
)

// Message is the JSON envelope exchanged over the WebSocket. It is a flat
// tagged union: Type selects which of the remaining fields are meaningful.
type Message struct {
	Type      Type   `json:"type"`
	MessageID string `json:"message_id,omitempty"`

	// Roster events.
	UserID       int64         `json:"user_id,omitempty"`
	Username     string        `json:"username,omitempty"`
	Participants []Participant `json:"participants,omitempty"`

	// Chat payload (outbound) or chat text / leave reason (inbound).
	Message string `json:"message,omitempty"`

	// Negotiation.
	FromUserID   int64                      `json:"from_user_id,omitempty"`
	TargetUserID int64                      `json:"target_user_id,omitempty"`
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// Media-control toggles.
	IsMuted      *bool `json:"is_muted,omitempty"`
	VideoEnabled *bool `json:"video_enabled,omitempty"`
	HandRaised   *bool `json:"hand_raised,omitempty"`

	Timestamp *Timestamp `json:"timestamp,omitempty"`
}

// Sender returns the user id the message originates from: from_user_id for
// negotiation frames, user_id for everything else.
func (m *Message) Sender() int64 {
	if m.FromUserID != 0 {
		return m.FromUserID
	}
	return m.UserID
}

// Identity returns the deduplication key of the message: the server-assigned
// message_id, else type, sender and timestamp combined. ok is false for frames
// carrying neither; those have no stable identity and are never deduplicated.
func (m *Message) Identity() (key string, ok bool) {
	if m.MessageID != "" {
		return m.MessageID, true
	}
	if m.Timestamp != nil && m.Timestamp.Raw != "" {
		return fmt.Sprintf("%s|%d|%s", m.Type, m.Sender(), m.Timestamp.Raw), true
	}
	return "", false
}

// IsCandidate reports whether the message carries a network-path candidate
// under either of its wire names.
func (m *Message) IsCandidate() bool {
	return m.Type == TypeCandidate || m.Type == TypeCandidateAlt
}

// ---------------------------------------------------------------------------
// Timestamp
// ---------------------------------------------------------------------------

// Timestamp accepts RFC3339 strings as well as unix seconds or milliseconds.
// Raw keeps the text as received so identities are stable across decoders.
type Timestamp struct {
	Raw  string
	Time time.Time
}

// NewTimestamp wraps t using the RFC3339Nano wire format.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Raw: t.UTC().Format(time.RFC3339Nano), Time: t.UTC()}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" || text == "" {
		return nil
	}

	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Raw = s
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = fromUnix(n)
		}
		return nil
	}

	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", text, err)
	}
	t.Raw = text
	t.Time = fromUnix(n)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Raw != "" {
		if _, err := strconv.ParseFloat(t.Raw, 64); err == nil {
			return []byte(t.Raw), nil
		}
		return json.Marshal(t.Raw)
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// fromUnix treats values beyond year ~2286 in seconds as milliseconds.
func fromUnix(n float64) time.Time {
	if n > 1e10 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}
