// Package dedup discards signaling messages whose identity was already
// processed during the room session. It runs before any handler.
package dedup

import (
	"context"
	"sync"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// Store records seen identities. MarkSeen returns true the first time key is
// recorded and false on every later call.
type Store interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// Deduplicator filters inbound messages by identity.
type Deduplicator struct {
	store Store
}

// New creates a deduplicator backed by store; a nil store selects an
// in-process MemoryStore.
func New(store Store) *Deduplicator {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Deduplicator{store: store}
}

// Accept reports whether msg is seen for the first time. Messages without a
// stable identity (no message_id, no timestamp) are always accepted; their
// handlers are idempotent. Store errors fail open: the message is accepted and
// the error logged.
func (d *Deduplicator) Accept(msg *protocol.Message) bool {
	key, ok := msg.Identity()
	if !ok {
		return true
	}

	first, err := d.store.MarkSeen(context.Background(), key)
	if err != nil {
		util.LogWarning("[%s] dedup store error, accepting %q: %v", msg.Type, key, err)
		return true
	}
	if !first {
		util.Stats.AddDuplicate()
		util.LogDebug("[%s] duplicate %q dropped", msg.Type, key)
	}
	return first
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore keeps every identity for the lifetime of the process. The set
// is unbounded; a session is bounded by room membership.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) MarkSeen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// Len returns the number of recorded identities.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
