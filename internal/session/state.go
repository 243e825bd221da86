package session

import (
	"slices"

	"github.com/igrelay/igrelay/internal/store"
)

// State is the lifecycle state of a relay user's session. It is derived from
// the persisted row rather than stored, so it can never drift from the data.
type State string

const (
	// Unlinked: no confirmed Instagram identity. Only onboarding intents
	// are accepted.
	Unlinked State = "UNLINKED"
	// Linked: identity confirmed, no thread selected. Thread listing and
	// selection are accepted.
	Linked State = "LINKED"
	// ThreadActive: a thread is selected. Message listing, search and send
	// are accepted; re-selection stays in this state.
	ThreadActive State = "THREAD_ACTIVE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Unlinked:     {Linked},
	Linked:       {Linked, ThreadActive, Unlinked},
	ThreadActive: {ThreadActive, Linked, Unlinked},
}

// Of derives the state of a persisted session. A nil session is Unlinked.
func Of(s *store.Session) State {
	switch {
	case s == nil || s.SourceUserID == "":
		return Unlinked
	case s.CurrentThreadID == "":
		return Linked
	default:
		return ThreadActive
	}
}

// canTransition reports whether moving between the two states is allowed.
func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}
