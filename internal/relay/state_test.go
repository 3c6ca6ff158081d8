package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	m := NewStateMachine()
	steps := []struct {
		ev   Event
		want State
	}{
		{EventDial, StateConnecting},
		{EventDialSucceeded, StateConnected},
		{EventHandshakeSent, StateHandshaking},
		{EventHandshakeAccepted, StateReady},
		{EventDisconnect, StateDisconnecting},
		{EventClosed, StateDisconnected},
	}
	for _, s := range steps {
		require.NoError(t, m.ProcessEvent(s.ev))
		assert.Equal(t, s.want, m.State())
	}
}

func TestRecoveryLoop(t *testing.T) {
	m := NewStateMachine()
	for _, ev := range []Event{EventDial, EventDialFailed, EventRetryTimer, EventDial} {
		require.NoError(t, m.ProcessEvent(ev))
	}
	assert.Equal(t, StateConnecting, m.State())
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewStateMachine()

	err := m.ProcessEvent(EventHandshakeAccepted)
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, StateDisconnected, inv.State)
	assert.Equal(t, EventHandshakeAccepted, inv.Event)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.Retries())
}

// TestTransitionTableIsTotal checks the spec'd dichotomy: every (state,
// event) pair either transitions or returns InvalidTransition with the state
// unchanged. There is no third outcome.
func TestTransitionTableIsTotal(t *testing.T) {
	for s := StateDisconnected; s <= StateError; s++ {
		for ev := EventDial; ev <= EventReset; ev++ {
			m := NewStateMachine()
			m.state = s

			err := m.ProcessEvent(ev)
			if err != nil {
				var inv *InvalidTransitionError
				require.ErrorAs(t, err, &inv, "state %s event %s", s, ev)
				assert.Equal(t, s, m.State(), "rejected event must not move %s", s)
			} else if ev == EventFatal {
				assert.Equal(t, StateError, m.State())
			} else {
				assert.Equal(t, transitions[s][ev], m.State(), "state %s event %s", s, ev)
			}
		}
	}
}

func TestFatalReachableFromAnywhere(t *testing.T) {
	for s := StateDisconnected; s <= StateError; s++ {
		m := NewStateMachine()
		m.state = s
		require.NoError(t, m.ProcessEvent(EventFatal))
		assert.Equal(t, StateError, m.State())
	}
}

func TestErrorRequiresExplicitReset(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.ProcessEvent(EventFatal))

	// No recovery event applies in Error.
	for _, ev := range []Event{EventDial, EventRetryTimer, EventConnectionLost, EventDisconnect} {
		assert.Error(t, m.ProcessEvent(ev))
	}
	require.NoError(t, m.ProcessEvent(EventReset))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestRetryCounterResetsOnReady(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.ProcessEvent(EventDial))
	require.NoError(t, m.ProcessEvent(EventDialFailed))
	require.NoError(t, m.ProcessEvent(EventRetryTimer))
	require.NoError(t, m.ProcessEvent(EventDial))
	assert.Equal(t, 4, m.Retries())

	require.NoError(t, m.ProcessEvent(EventDialSucceeded))
	require.NoError(t, m.ProcessEvent(EventHandshakeSent))
	require.NoError(t, m.ProcessEvent(EventHandshakeAccepted))
	assert.Equal(t, 0, m.Retries(), "entering Ready must reset the counter")
}

func TestObserverFiresOnEveryTransition(t *testing.T) {
	m := NewStateMachine()
	type hop struct {
		old, new State
		ev       Event
	}
	var seen []hop
	m.SetObserver(func(old, new State, ev Event) {
		seen = append(seen, hop{old, new, ev})
	})

	require.NoError(t, m.ProcessEvent(EventDial))
	assert.Error(t, m.ProcessEvent(EventHandshakeAccepted)) // rejected: no callback
	require.NoError(t, m.ProcessEvent(EventDialSucceeded))

	require.Len(t, seen, 2)
	assert.Equal(t, hop{StateDisconnected, StateConnecting, EventDial}, seen[0])
	assert.Equal(t, hop{StateConnecting, StateConnected, EventDialSucceeded}, seen[1])
}
