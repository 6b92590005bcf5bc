package session

import (
	"fmt"
	"net/url"
	"strconv"
)

// Phase is the lifecycle position of the streaming server
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the session state. URL and Port are set while Starting, Running
// and Stopping; Message is set in PhaseError.
type State struct {
	Phase   Phase
	URL     string
	Port    int
	Message string
}

func (s State) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("running at %s", s.URL)
	case PhaseStarting:
		return fmt.Sprintf("starting on port %d", s.Port)
	case PhaseError:
		return fmt.Sprintf("error: %s", s.Message)
	default:
		return s.Phase.String()
	}
}

// transitions lists the phases reachable from each phase. Polls can move
// Stopped and Error straight to Running when the backend was started
// elsewhere; staying in the same phase is always allowed.
var transitions = map[Phase][]Phase{
	PhaseStopped:  {PhaseStarting, PhaseRunning, PhaseError},
	PhaseStarting: {PhaseRunning, PhaseStopped, PhaseError},
	PhaseRunning:  {PhaseStopping, PhaseStopped, PhaseError},
	PhaseStopping: {PhaseStopped, PhaseError},
	PhaseError:    {PhaseStopped, PhaseStarting, PhaseRunning, PhaseStopping},
}

// CanTransition reports whether the table allows from -> to
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// portFromURL extracts the port of a base address, or 0
func portFromURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0
	}
	return port
}
