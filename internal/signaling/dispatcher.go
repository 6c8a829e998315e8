package signaling

import (
	"sync"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// Handler receives one dispatched message.
type Handler func(*protocol.Message)

type subscriber struct {
	id int
	fn Handler
}

// Dispatcher maintains the type → handlers route table. Both candidate wire
// names route to protocol.TypeCandidate.
type Dispatcher struct {
	mu         sync.Mutex
	routeTable map[protocol.Type][]subscriber
	nextID     int
	unknown    map[protocol.Type]bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		routeTable: make(map[protocol.Type][]subscriber),
		unknown:    make(map[protocol.Type]bool),
	}
}

// Subscribe registers fn for messages of type t. The returned func removes it.
func (d *Dispatcher) Subscribe(t protocol.Type, fn Handler) func() {
	if t == protocol.TypeCandidateAlt {
		t = protocol.TypeCandidate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.routeTable[t] = append(d.routeTable[t], subscriber{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.routeTable[t]
		for i, s := range subs {
			if s.id == id {
				d.routeTable[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch calls every handler subscribed to msg's type, in subscription
// order. Types nobody subscribed to are logged once and dropped.
func (d *Dispatcher) Dispatch(msg *protocol.Message) int {
	t := msg.Type
	if msg.IsCandidate() {
		t = protocol.TypeCandidate
	}

	d.mu.Lock()
	subs := append([]subscriber(nil), d.routeTable[t]...)
	if len(subs) == 0 && !d.unknown[t] {
		d.unknown[t] = true
		util.LogDebug("[%s] no handler, ignoring", t)
	}
	d.mu.Unlock()

	for _, s := range subs {
		s.fn(msg)
	}
	return len(subs)
}
