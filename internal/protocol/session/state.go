package session

import (
	"fmt"

	"github.com/danmuck/edgepeer/internal/protocol"
)

// State is the handshake/liveness state of one peer session.
type State uint8

const (
	StateOffline State = iota
	StateSyncing
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Transition returns the state after receiving m in state s. It has no side effects.
func Transition(s State, m protocol.Message) State {
	if s == StateClosed {
		return StateClosed
	}
	switch m.Kind {
	case protocol.KindPing:
		if s == StateConnected {
			return StateConnected
		}
		return StateSyncing
	case protocol.KindPong:
		return StateConnected
	default:
		return s
	}
}

// Probed returns the state after this side sends its opening Ping.
func Probed(s State) State {
	if s == StateOffline {
		return StateSyncing
	}
	return s
}
