package session

import (
	"strings"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"

	"github.com/pkg/errors"
)

var (
	// ErrBackendUnavailable means the backend could not be reached
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidConfig means the request was rejected, locally or by the backend
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInconsistentState means the backend reported running without an address
	ErrInconsistentState = errors.New("inconsistent backend state")
	// ErrTransitionInProgress rejects Start/Stop while another is in flight
	ErrTransitionInProgress = errors.New("transition in progress")
	// ErrNotRunning is returned by Stop and ConnectionURL when no session runs
	ErrNotRunning = errors.New("server not running")
	// ErrAlreadyRunning is returned by Start when a session runs
	ErrAlreadyRunning = errors.New("server already running")
	// ErrClosed is returned once the controller loop has exited
	ErrClosed = errors.New("controller stopped")
)

// classify maps a backend error to a controller sentinel. Backend-defined
// failures become rejected; everything else means the backend is unreachable.
func classify(err error, rejected error) error {
	if re, ok := backend.AsRemote(err); ok {
		return errors.Wrap(rejected, re.Error())
	}
	msg := strings.TrimSuffix(err.Error(), ": "+backend.ErrUnavailable.Error())
	return errors.Wrap(ErrBackendUnavailable, msg)
}
