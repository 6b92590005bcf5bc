package backend

import (
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"
)

// Message types
const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Commands
const (
	CmdStartServer          = "start_server"
	CmdStopServer           = "stop_server"
	CmdGetServerStatus      = "get_server_status"
	CmdGetServerURL         = "get_server_url"
	CmdGetAvailableMonitors = "get_available_monitors"
	CmdGetLogs              = "get_logs"
)

// Message is one websocket frame of the command protocol. Responses echo
// the request ID and command.
type Message struct {
	Type    string `json:"type"`    // request or response
	ID      string `json:"id"`      // correlates a response with its request
	Command string `json:"command"` // one of the Cmd constants

	// Request fields
	Port    int                    `json:"port,omitempty"`
	Options *settings.ServerConfig `json:"options,omitempty"`

	// Response fields
	Address  string            `json:"address,omitempty"`  // start_server, get_server_url
	Running  bool              `json:"running,omitempty"`  // get_server_status
	Monitors []monitor.Monitor `json:"monitors,omitempty"` // get_available_monitors
	DebugLog string            `json:"debugLog,omitempty"` // get_logs
	ErrorLog string            `json:"errorLog,omitempty"` // get_logs
	Error    string            `json:"error,omitempty"`    // backend-defined failure
}
