package session

import "fmt"

// State is the conversational turn state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateUserSpeaking
	StateThinking
	StateAvatarSpeaking
	StateError
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateConnecting:     "connecting",
	StateListening:      "listening",
	StateUserSpeaking:   "user_speaking",
	StateThinking:       "thinking",
	StateAvatarSpeaking: "avatar_speaking",
	StateError:          "error",
}

// String returns the snake_case state name used in logs, metrics and JSON.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// active reports whether s belongs to a connected conversation.
func (s State) active() bool {
	switch s {
	case StateListening, StateUserSpeaking, StateThinking, StateAvatarSpeaking:
		return true
	default:
		return false
	}
}

// edges is the turn graph. Error is reachable from every state and Idle from
// every state through stop; both are handled by [allowed].
var edges = map[State][]State{
	StateIdle:           {StateConnecting},
	StateConnecting:     {StateListening},
	StateListening:      {StateUserSpeaking, StateThinking},
	StateUserSpeaking:   {StateThinking, StateListening},
	StateThinking:       {StateAvatarSpeaking, StateListening},
	StateAvatarSpeaking: {StateListening},
	StateError:          {StateIdle},
}

// allowed reports whether from → to is a single edge of the turn graph.
func allowed(from, to State) bool {
	if to == StateError || to == StateIdle {
		return from != to
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// route returns the shortest sequence of states leading from from to to,
// excluding from and including to, following only graph edges. It returns
// nil when to is unreachable or equal to from. Error is only ever left
// directly for Idle.
func route(from, to State) []State {
	if from == to {
		return nil
	}
	if allowed(from, to) {
		return []State{to}
	}
	if from == StateError {
		return nil
	}
	prev := map[State]State{from: from}
	queue := []State{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []State
				for s := to; s != from; s = prev[s] {
					path = append([]State{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}
