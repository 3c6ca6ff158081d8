// Package relay implements the relay-connection lifecycle: a finite state
// machine over the connection, exponential-backoff reconnection, and the
// tick-driven client that performs the handshake, keepalive, and packet
// dispatch against the relay server.
package relay

import "fmt"

// State is a relay-connection lifecycle state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateReady
	StateBackoff
	StateRetrying
	StateDisconnecting
	StateError
)

var stateNames = [...]string{
	"Disconnected",
	"Connecting",
	"Connected",
	"Handshaking",
	"Ready",
	"Backoff",
	"Retrying",
	"Disconnecting",
	"Error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Event is a lifecycle trigger fed into the state machine.
type Event uint8

const (
	EventDial Event = iota // start (or restart) a TCP connect attempt
	EventDialSucceeded
	EventDialFailed
	EventHandshakeSent
	EventHandshakeAccepted
	EventConnectionLost // recoverable loss from any live state
	EventRetryTimer     // backoff delay elapsed
	EventDisconnect     // graceful teardown requested
	EventClosed         // teardown finished
	EventFatal          // unrecoverable (e.g. version mismatch)
	EventReset          // explicit external reconnect out of Error
)

var eventNames = [...]string{
	"Dial",
	"DialSucceeded",
	"DialFailed",
	"HandshakeSent",
	"HandshakeAccepted",
	"ConnectionLost",
	"RetryTimer",
	"Disconnect",
	"Closed",
	"Fatal",
	"Reset",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// InvalidTransitionError reports an event that is not valid in the current
// state. The state is unchanged when this is returned; events are never
// silently ignored.
type InvalidTransitionError struct {
	State State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("relay: event %s invalid in state %s", e.Event, e.State)
}

// transitions is the total transition table. Missing entries reject the
// event; EventFatal is additionally accepted from every state (handled in
// ProcessEvent, since "anywhere → Error" would bloat the table).
var transitions = map[State]map[Event]State{
	StateDisconnected: {
		EventDial: StateConnecting,
	},
	StateConnecting: {
		EventDialSucceeded: StateConnected,
		EventDialFailed:    StateBackoff,
		EventDisconnect:    StateDisconnecting,
	},
	StateConnected: {
		EventHandshakeSent:  StateHandshaking,
		EventConnectionLost: StateBackoff,
		EventDisconnect:     StateDisconnecting,
	},
	StateHandshaking: {
		EventHandshakeAccepted: StateReady,
		EventConnectionLost:    StateBackoff,
		EventDisconnect:        StateDisconnecting,
	},
	StateReady: {
		EventConnectionLost: StateBackoff,
		EventDisconnect:     StateDisconnecting,
	},
	StateBackoff: {
		EventRetryTimer: StateRetrying,
		EventDisconnect: StateDisconnecting,
	},
	StateRetrying: {
		EventDial:       StateConnecting,
		EventDisconnect: StateDisconnecting,
	},
	StateDisconnecting: {
		EventClosed: StateDisconnected,
	},
	StateError: {
		EventReset: StateDisconnected,
	},
}

// Observer is notified after every successful transition. It is the only
// notification mechanism; consumers never need to poll.
type Observer func(old, new State, ev Event)

// StateMachine tracks the current state and a retry counter. It is not safe
// for concurrent use; the Client drives it from a single goroutine.
type StateMachine struct {
	state    State
	retries  int
	observer Observer
}

// NewStateMachine starts in StateDisconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// State returns the current state.
func (m *StateMachine) State() State { return m.state }

// Retries returns the transition counter since the last entry into Ready.
func (m *StateMachine) Retries() int { return m.retries }

// SetObserver registers the transition callback. Pass nil to remove it.
func (m *StateMachine) SetObserver(fn Observer) { m.observer = fn }

// ProcessEvent applies ev to the current state. Either the transition from
// the table happens, or the state is left unchanged and an
// *InvalidTransitionError is returned; there is no third outcome. Every
// successful transition increments the retry counter, except entering Ready,
// which resets it to zero.
func (m *StateMachine) ProcessEvent(ev Event) error {
	var next State
	if ev == EventFatal {
		next = StateError
	} else {
		var ok bool
		next, ok = transitions[m.state][ev]
		if !ok {
			return &InvalidTransitionError{State: m.state, Event: ev}
		}
	}

	old := m.state
	m.state = next
	if next == StateReady {
		m.retries = 0
	} else {
		m.retries++
	}
	if m.observer != nil {
		m.observer(old, next, ev)
	}
	return nil
}
