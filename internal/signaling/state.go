package signaling

import "fmt"

// State is where a Client is in its connection lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Polling
	Disconnected
	Unauthorized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Polling:
		return "polling"
	case Disconnected:
		return "disconnected"
	case Unauthorized:
		return "unauthorized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the states reachable from each state. Any state may
// return to Idle through Close, and Connect restarts from anywhere.
var transitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Polling, Disconnected, Unauthorized, Connecting, Idle},
	Polling:      {Polling, Disconnected, Unauthorized, Connecting, Idle},
	Disconnected: {Connecting, Idle},
	Unauthorized: {Connecting, Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
