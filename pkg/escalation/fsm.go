// Package escalation tracks repeated violations and moves users through the
// suspension state machine backed by the shared store.
package escalation

import "errors"

const (
	Active    = "ACTIVE"
	Suspended = "SUSPENDED"
	Banned    = "BANNED"
)

// ErrInvalidTransition is returned for a state change the machine forbids.
var ErrInvalidTransition = errors.New("invalid account state transition")

// Event names a trigger that may move an account between states.
type Event string

const (
	// EventSuspend moves an active account into a timed suspension.
	EventSuspend Event = "SUSPEND"
	// EventReinstate returns a suspended account to active service.
	EventReinstate Event = "REINSTATE"
	// EventBan permanently removes the account. Operator action only.
	EventBan Event = "BAN"
)

// CanTransition reports whether the state change is legal.
func CanTransition(from, to string) bool {
	switch from {
	case Active:
		return to == Suspended || to == Banned
	case Suspended:
		return to == Active || to == Banned
	default:
		return false
	}
}

// Transition applies the state change or returns the current state with
// ErrInvalidTransition.
func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Next resolves an event against the current state.
func Next(from string, event Event) (string, error) {
	switch event {
	case EventSuspend:
		return Transition(from, Suspended)
	case EventReinstate:
		return Transition(from, Active)
	case EventBan:
		return Transition(from, Banned)
	default:
		return from, ErrInvalidTransition
	}
}

// IsTerminal reports whether no event can leave the state.
func IsTerminal(state string) bool {
	return state == Banned
}
