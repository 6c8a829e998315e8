// Package chat keeps the room's chat log. Messages are appended only when
// they come back from the server, in arrival order.
package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// MaxLength is the longest accepted message, in runes.
const MaxLength = 4000

// fuzzyWindow is how far apart two id-less copies of the same text from the
// same sender may be and still count as one message.
const fuzzyWindow = time.Second

var (
	ErrEmptyMessage   = errors.New("chat message is empty")
	ErrMessageTooLong = fmt.Errorf("chat message exceeds %d characters", MaxLength)
)

// Channel is the chat log plus the outbound path.
type Channel struct {
	send func(*protocol.Message)

	mu       sync.RWMutex
	messages []protocol.ChatMessage
	ids      map[string]struct{}
}

func New(send func(*protocol.Message)) *Channel {
	return &Channel{send: send, ids: make(map[string]struct{})}
}

// Send validates text and sends it. Nothing is appended locally: the message
// shows up once the server echoes it back.
func (c *Channel) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxLength {
		return ErrMessageTooLong
	}
	c.send(protocol.NewChat(text))
	return nil
}

// Receive appends an inbound chat_message unless it is a copy of one already
// in the log. Returns whether it was appended.
func (c *Channel) Receive(msg *protocol.Message) bool {
	entry := protocol.ChatMessage{
		ID:         msg.MessageID,
		SenderID:   msg.Sender(),
		SenderName: msg.Username,
		Content:    msg.Message,
		SentAt:     time.Now().UTC(),
	}
	if msg.Timestamp != nil && !msg.Timestamp.Time.IsZero() {
		entry.SentAt = msg.Timestamp.Time
	}
	return c.add(entry)
}

// Seed loads history fetched before the live stream starts.
func (c *Channel) Seed(history []protocol.ChatMessage) int {
	n := 0
	for _, m := range history {
		if c.add(m) {
			n++
		}
	}
	return n
}

func (c *Channel) add(m protocol.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.ID != "" {
		if _, ok := c.ids[m.ID]; ok {
			return false
		}
	} else {
		if c.fuzzyDuplicate(m) {
			util.LogDebug("[chat] duplicate from %s dropped", util.PeerTag(m.SenderID))
			return false
		}
		m.ID = uuid.NewString()
	}

	c.ids[m.ID] = struct{}{}
	c.messages = append(c.messages, m)
	return true
}

// fuzzyDuplicate reports whether the log already holds the same text from
// the same sender within fuzzyWindow of m.
func (c *Channel) fuzzyDuplicate(m protocol.ChatMessage) bool {
	for i := len(c.messages) - 1; i >= 0; i-- {
		prev := c.messages[i]
		if prev.SenderID != m.SenderID || prev.Content != m.Content {
			continue
		}
		d := m.SentAt.Sub(prev.SentAt)
		if d < 0 {
			d = -d
		}
		if d <= fuzzyWindow {
			return true
		}
	}
	return false
}

// Messages returns a copy of the log in arrival order.
func (c *Channel) Messages() []protocol.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Len returns the number of messages.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
