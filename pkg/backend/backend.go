// Package backend is the command contract of the native streaming server
// and the websocket transport that carries it.
package backend

import (
	"context"
	"fmt"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/pkg/errors"
)

// ErrUnavailable marks transport failures: the backend could not be dialed,
// the connection dropped, or no response arrived in time.
var ErrUnavailable = errors.New("backend unavailable")

// RemoteError is a failure reported by the backend itself
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// AsRemote returns the RemoteError in err's chain, if any
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Logs holds the backend's accumulated log text
type Logs struct {
	Debug string
	Error string
}

// Backend is the fixed command set the streaming server understands
type Backend interface {
	// StartServer starts streaming on port and returns the base address
	// clients connect to
	StartServer(ctx context.Context, port int, cfg settings.ServerConfig) (string, error)
	StopServer(ctx context.Context) error
	ServerStatus(ctx context.Context) (bool, error)
	ServerURL(ctx context.Context) (string, error)
	AvailableMonitors(ctx context.Context) ([]monitor.Monitor, error)
	Logs(ctx context.Context) (Logs, error)
}
