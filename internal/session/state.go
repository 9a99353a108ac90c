package session

import (
	"errors"
	"fmt"

	"github.com/readerkit/readsync/internal/schema"
)

// ErrInvalidTransition is returned when an input is not accepted in the
// current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the sync state of one open document. The set of states is closed.
type State interface {
	isState()
	String() string
}

type (
	// Initializing is the state before the handshake starts.
	Initializing struct{}
	// Reconciling means local and remote positions are being compared.
	Reconciling struct{}
	// Ready means writes are allowed and nothing is in flight.
	Ready struct{}
	// Syncing means a settled position is on its way to the remote.
	Syncing struct{ Percentage float64 }
	// Synced means the last settled position reached the remote.
	Synced struct{}
	// Error means the handshake failed. Writes are still allowed.
	Error struct{ Message string }
	// Conflict blocks writes until the user picks a side.
	Conflict struct{ Local, Remote schema.Position }
)

func (Initializing) isState() {}
func (Reconciling) isState()  {}
func (Ready) isState()        {}
func (Syncing) isState()      {}
func (Synced) isState()       {}
func (Error) isState()        {}
func (Conflict) isState()     {}

func (Initializing) String() string { return "initializing" }
func (Reconciling) String() string  { return "reconciling" }
func (Ready) String() string        { return "ready" }
func (s Syncing) String() string    { return fmt.Sprintf("syncing %.1f%%", s.Percentage*100) }
func (Synced) String() string       { return "synced" }
func (e Error) String() string      { return "error: " + e.Message }
func (c Conflict) String() string {
	return fmt.Sprintf("conflict (local %s @%d, remote %s @%d)",
		c.Local.DeviceID, c.Local.Timestamp, c.Remote.DeviceID, c.Remote.Timestamp)
}

// Input drives Transition. The set of inputs is closed.
type Input interface{ isInput() }

type (
	// Open starts the handshake.
	Open struct{}
	// NoRemote: the remote has no position, or could not be reached.
	NoRemote struct{}
	// LocalCurrent: the local position is at least as new as the remote.
	LocalCurrent struct{}
	// RemoteApplied: a newer remote position from this device was adopted.
	RemoteApplied struct{}
	// RemoteDiverged: another device holds a newer position.
	RemoteDiverged struct{ Local, Remote schema.Position }
	// Failed: the handshake hit a local error.
	Failed struct{ Message string }
	// AcceptRemote resolves a conflict in favor of the remote.
	AcceptRemote struct{}
	// KeepLocal resolves a conflict in favor of this device.
	KeepLocal struct{}
	// RapidChange is a position change too soon after the previous one.
	RapidChange struct{}
	// SettledChange is a position change worth pushing.
	SettledChange struct{ Percentage float64 }
	// Pushed: the push completed or its optimistic timeout elapsed.
	Pushed struct{}
)

func (Open) isInput()           {}
func (NoRemote) isInput()       {}
func (LocalCurrent) isInput()   {}
func (RemoteApplied) isInput()  {}
func (RemoteDiverged) isInput() {}
func (Failed) isInput()         {}
func (AcceptRemote) isInput()   {}
func (KeepLocal) isInput()      {}
func (RapidChange) isInput()    {}
func (SettledChange) isInput()  {}
func (Pushed) isInput()         {}

// Transition returns the state that follows s on input in.
func Transition(s State, in Input) (State, error) {
	switch cur := s.(type) {
	case Initializing:
		if _, ok := in.(Open); ok {
			return Reconciling{}, nil
		}

	case Reconciling:
		switch in := in.(type) {
		case NoRemote, LocalCurrent:
			return Ready{}, nil
		case RemoteApplied:
			return Synced{}, nil
		case RemoteDiverged:
			return Conflict{Local: in.Local, Remote: in.Remote}, nil
		case Failed:
			return Error{Message: in.Message}, nil
		}

	case Conflict:
		switch in := in.(type) {
		case AcceptRemote:
			return Synced{}, nil
		case KeepLocal:
			return Ready{}, nil
		case RemoteDiverged:
			// a newer remote replaces the pending choice
			return Conflict{Local: cur.Local, Remote: in.Remote}, nil
		}

	case Ready, Synced, Error:
		switch in := in.(type) {
		case RapidChange:
			return Ready{}, nil
		case SettledChange:
			return Syncing{Percentage: in.Percentage}, nil
		case RemoteDiverged:
			return Conflict{Local: in.Local, Remote: in.Remote}, nil
		}

	case Syncing:
		switch in := in.(type) {
		case RapidChange:
			return Ready{}, nil
		case SettledChange:
			return Syncing{Percentage: in.Percentage}, nil
		case Pushed:
			return Synced{}, nil
		case RemoteDiverged:
			return Conflict{Local: in.Local, Remote: in.Remote}, nil
		}

	default:
		return s, fmt.Errorf("%w: unknown state %T", ErrInvalidTransition, s)
	}
	return s, fmt.Errorf("%w: %T in %s", ErrInvalidTransition, in, s)
}

// AllowsSaves reports whether local position writes are accepted in s.
func AllowsSaves(s State) bool {
	switch s.(type) {
	case Initializing, Reconciling, Conflict:
		return false
	default:
		return true
	}
}
