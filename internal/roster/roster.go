// Package roster maintains the authoritative participant list of a room,
// merging full snapshots and incremental join/leave/toggle events.
package roster

import (
	"slices"
	"sync"
	"time"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// Field names a boolean participant attribute that toggle events mutate.
type Field int

const (
	FieldMuted Field = iota
	FieldVideo
	FieldHand
)

func (f Field) String() string {
	switch f {
	case FieldMuted:
		return "is_muted"
	case FieldVideo:
		return "video_enabled"
	case FieldHand:
		return "hand_raised"
	}
	return "unknown"
}

// Change describes how one mutation altered membership. Toggles produce a
// Change with Updated set and empty Added/Removed.
type Change struct {
	Added   []int64
	Removed []int64
	Updated bool
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && !c.Updated
}

// Manager owns the participant list. Order is join/snapshot order.
type Manager struct {
	mu           sync.RWMutex
	participants []protocol.Participant
	index        map[int64]int

	onChange func(Change)
}

// New creates an empty roster.
func New() *Manager {
	return &Manager{index: make(map[int64]int)}
}

// OnChange registers a callback invoked after every mutation that changed
// something. It runs on the caller's goroutine, outside the lock.
func (m *Manager) OnChange(fn func(Change)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// ApplySnapshot replaces the whole roster. Snapshots are authoritative and
// overwrite every local guess (last snapshot wins).
func (m *Manager) ApplySnapshot(ps []protocol.Participant) Change {
	m.mu.Lock()

	next := make([]protocol.Participant, 0, len(ps))
	nextIndex := make(map[int64]int, len(ps))
	for _, p := range ps {
		if i, dup := nextIndex[p.UserID]; dup {
			next[i] = p
			continue
		}
		nextIndex[p.UserID] = len(next)
		next = append(next, p)
	}

	var change Change
	for _, p := range next {
		if _, ok := m.index[p.UserID]; !ok {
			change.Added = append(change.Added, p.UserID)
		}
	}
	for _, p := range m.participants {
		if _, ok := nextIndex[p.UserID]; !ok {
			change.Removed = append(change.Removed, p.UserID)
		}
	}
	change.Updated = true

	m.participants = next
	m.index = nextIndex
	fn := m.onChange
	m.mu.Unlock()

	util.LogDebug("roster snapshot: %d participants (+%d -%d)", len(next), len(change.Added), len(change.Removed))
	m.notify(fn, change)
	return change
}

// ApplyJoin handles a user_joined event. When the event carries a full
// participant list it is treated as a snapshot; otherwise a minimal record is
// appended unless the user is already present.
func (m *Manager) ApplyJoin(msg *protocol.Message) Change {
	if len(msg.Participants) > 0 {
		return m.ApplySnapshot(msg.Participants)
	}
	if msg.UserID == 0 {
		util.LogWarning("[%s] event without user_id ignored", msg.Type)
		return Change{}
	}

	joinedAt := time.Now().UTC()
	if msg.Timestamp != nil && !msg.Timestamp.Time.IsZero() {
		joinedAt = msg.Timestamp.Time
	}

	m.mu.Lock()
	if _, ok := m.index[msg.UserID]; ok {
		m.mu.Unlock()
		return Change{}
	}
	m.index[msg.UserID] = len(m.participants)
	m.participants = append(m.participants, protocol.Participant{
		UserID:       msg.UserID,
		DisplayName:  msg.Username,
		Role:         protocol.RoleParticipant,
		IsMuted:      true,
		VideoEnabled: false,
		HandRaised:   false,
		JoinedAt:     joinedAt,
	})
	fn := m.onChange
	m.mu.Unlock()

	util.LogInfo("%s %s joined", util.PeerTag(msg.UserID), msg.Username)
	change := Change{Added: []int64{msg.UserID}}
	m.notify(fn, change)
	return change
}

// ApplyLeave removes a participant. Returns false if it was not present.
func (m *Manager) ApplyLeave(userID int64) bool {
	m.mu.Lock()
	i, ok := m.index[userID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.participants = slices.Delete(m.participants, i, i+1)
	m.reindex()
	fn := m.onChange
	m.mu.Unlock()

	util.LogInfo("%s left", util.PeerTag(userID))
	m.notify(fn, Change{Removed: []int64{userID}})
	return true
}

// ApplyToggle sets one boolean field on a participant. Unknown participants
// are ignored, which absorbs toggle events racing a leave.
func (m *Manager) ApplyToggle(userID int64, field Field, value bool) bool {
	m.mu.Lock()
	i, ok := m.index[userID]
	if !ok {
		m.mu.Unlock()
		util.LogDebug("%s toggle %s for unknown participant ignored", util.PeerTag(userID), field)
		return false
	}

	p := &m.participants[i]
	switch field {
	case FieldMuted:
		p.IsMuted = value
	case FieldVideo:
		p.VideoEnabled = value
	case FieldHand:
		p.HandRaised = value
	}
	fn := m.onChange
	m.mu.Unlock()

	m.notify(fn, Change{Updated: true})
	return true
}

func (m *Manager) reindex() {
	m.index = make(map[int64]int, len(m.participants))
	for i, p := range m.participants {
		m.index[p.UserID] = i
	}
}

func (m *Manager) notify(fn func(Change), c Change) {
	if fn != nil && !c.Empty() {
		fn(c)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// List returns a copy of the roster in order.
func (m *Manager) List() []protocol.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.participants)
}

// Others returns every participant except self.
func (m *Manager) Others(self int64) []protocol.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		if p.UserID != self {
			out = append(out, p)
		}
	}
	return out
}

// Get looks up a participant by id.
func (m *Manager) Get(userID int64) (protocol.Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[userID]
	if !ok {
		return protocol.Participant{}, false
	}
	return m.participants[i], true
}

// Contains reports whether userID is in the roster.
func (m *Manager) Contains(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.index[userID]
	return ok
}

// Len returns the number of participants.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.participants)
}
