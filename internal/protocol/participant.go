package protocol

import (
	"encoding/json"
	"time"
)

// Role is a participant's role in the room.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Participant is one user currently in the room.
type Participant struct {
	UserID       int64     `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role,omitempty"`
	IsMuted      bool      `json:"is_muted"`
	VideoEnabled bool      `json:"video_enabled"`
	HandRaised   bool      `json:"hand_raised"`
	JoinedAt     time.Time `json:"joined_at,omitempty"`
}

// UnmarshalJSON accepts "username" as a fallback for "display_name", which is
// what user_joined events and the REST participant list use.
func (p *Participant) UnmarshalJSON(data []byte) error {
	type plain Participant
	var aux struct {
		plain
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Participant(aux.plain)
	if p.DisplayName == "" {
		p.DisplayName = aux.Username
	}
	if p.Role == "" {
		p.Role = RoleParticipant
	}
	return nil
}

// ChatMessage is one entry of the room chat log.
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
}

// ShouldInitiate reports whether self is the designated offerer toward peer.
// The higher user id always initiates, so both sides agree without a round-trip.
func ShouldInitiate(self, peer int64) bool {
	return self > peer
}
