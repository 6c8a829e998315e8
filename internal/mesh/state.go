package mesh

import (
	"errors"
	"fmt"
)

// LinkState is the optimistic negotiation state of one PeerLink.
type LinkState int

const (
	StateIdle LinkState = iota
	StateCreating
	StateOffering
	StateAnswering
	StateConnected
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("LinkState(%d)", int(s))
}

var (
	ErrIllegalTransition  = errors.New("illegal link state transition")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
)

// edges lists the forward transitions. Failing (from any non-closed state)
// and closing (from any state) are handled in canTransition.
var edges = map[LinkState][]LinkState{
	StateIdle:      {StateCreating},
	StateCreating:  {StateOffering, StateAnswering},
	StateOffering:  {StateConnected},
	StateAnswering: {StateConnected},
	StateConnected: {StateAnswering},
}

func canTransition(from, to LinkState) bool {
	switch to {
	case StateClosed:
		return true
	case StateFailed:
		return from != StateClosed && from != StateFailed
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
