package ftpcluster

import "fmt"

// State is a position in a Conn's lifecycle.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateBusy
	StateClosing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// event is something that moves a Conn between states.
type event int

const (
	evDial     event = iota // Connect called
	evGreeted               // socket up and 220 received
	evLoggedIn              // USER/PASS accepted
	evAcquire               // a caller took the pipeline turn
	evRelease               // the turn was handed back
	evQuit                  // QUIT is about to be sent
	evClosed                // clean close or abort
)

func (e event) String() string {
	switch e {
	case evDial:
		return "dial"
	case evGreeted:
		return "greeted"
	case evLoggedIn:
		return "logged-in"
	case evAcquire:
		return "acquire"
	case evRelease:
		return "release"
	case evQuit:
		return "quit"
	case evClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type transitionKey struct {
	from State
	on   event
}

// transitions lists every legal (state, event) pair. Anything else is
// rejected. evClosed is accepted from every non-terminal state and is handled
// separately in next.
var transitions = map[transitionKey]State{
	{StateUnconnected, evDial}:        StateConnecting,
	{StateConnecting, evGreeted}:      StateAuthenticating,
	{StateAuthenticating, evLoggedIn}: StateReady,
	{StateReady, evAcquire}:           StateBusy,
	{StateBusy, evRelease}:            StateReady,
	{StateBusy, evQuit}:               StateClosing,
}

// next returns the state reached from s on e.
func next(s State, e event) (State, error) {
	if s == StateFinished {
		return s, fmt.Errorf("ftp: %s on finished connection", e)
	}
	if e == evClosed {
		return StateFinished, nil
	}
	to, ok := transitions[transitionKey{s, e}]
	if !ok {
		return s, fmt.Errorf("ftp: event %s invalid in state %s", e, s)
	}
	return to, nil
}
