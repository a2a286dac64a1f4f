package dispatch

import "fmt"

// State is the lifecycle state of one source's session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePairing
	StateReady
	StateDraining
	StateIdlePendingTeardown
	StateTerminating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePairing:
		return "pairing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateIdlePendingTeardown:
		return "idle_pending_teardown"
	case StateTerminating:
		return "terminating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a session in this state holds the source.
// A registry entry is Connecting from the moment Start accepts it.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StatePairing, StateReady, StateDraining, StateIdlePendingTeardown, StateTerminating:
		return true
	}
	return false
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}
