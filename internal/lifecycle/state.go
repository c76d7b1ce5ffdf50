package lifecycle

import "fmt"

// State of one upstream session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnectScheduled
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	case StateRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the session holds no live or pending handle.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateReconnectScheduled || s == StateRemoved
}

// Event drives a state transition.
type Event int

const (
	EventConnect  Event = iota // dial started
	EventOpened                // handshake completed
	EventLost                  // dial failed, read failed or socket closed by peer
	EventSchedule              // reconnect timer armed
	EventGiveUp                // attempt cap reached
	EventClose                 // intentional close requested
	EventReleased              // intentional close finished with the handle
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventOpened:
		return "opened"
	case EventLost:
		return "lost"
	case EventSchedule:
		return "schedule"
	case EventGiveUp:
		return "give_up"
	case EventClose:
		return "close"
	case EventReleased:
		return "released"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventConnect: StateConnecting,
		EventClose:   StateRemoved,
	},
	StateConnecting: {
		EventOpened: StateOpen,
		EventLost:   StateClosing,
		EventClose:  StateClosing,
	},
	StateOpen: {
		EventLost:  StateClosing,
		EventClose: StateClosing,
	},
	StateClosing: {
		EventSchedule: StateReconnectScheduled,
		EventGiveUp:   StateRemoved,
		EventReleased: StateRemoved,
	},
	StateReconnectScheduled: {
		EventConnect: StateConnecting,
		EventClose:   StateRemoved,
	},
}

// transition returns the state reached from s on e, or an error for an illegal move.
func transition(s State, e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("illegal transition %s on %s", s, e)
	}

	return next, nil
}
