package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"
)

// Simulator is an in-memory Backend. It follows the native server's command
// semantics without capturing anything, so the control surface can be run
// and tested on machines without the streaming server.
type Simulator struct {
	host     string
	monitors []monitor.Monitor

	mu       sync.Mutex
	running  bool
	port     int
	cfg      settings.ServerConfig
	debugLog strings.Builder
	errorLog strings.Builder
}

var _ Backend = (*Simulator)(nil)

// NewSimulator creates a stopped simulator that reports addresses on host
// and exposes monitors
func NewSimulator(host string, monitors []monitor.Monitor) *Simulator {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Simulator{host: host, monitors: monitors}
}

// DefaultMonitors is a two-display layout with the second one primary
func DefaultMonitors() []monitor.Monitor {
	return []monitor.Monitor{
		{Index: 0, Name: "Built-in Display", Width: 2560, Height: 1600},
		{Index: 1, Name: "External Display", Width: 3840, Height: 2160, IsPrimary: true},
	}
}

func (s *Simulator) StartServer(ctx context.Context, port int, cfg settings.ServerConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logError("start_server: server already running on port %d", s.port)
		return "", &RemoteError{Command: CmdStartServer, Message: "server already running"}
	}
	if cfg.SelectedMonitor < 0 || (len(s.monitors) > 0 && cfg.SelectedMonitor >= len(s.monitors)) {
		s.logError("start_server: monitor %d does not exist", cfg.SelectedMonitor)
		return "", &RemoteError{Command: CmdStartServer, Message: fmt.Sprintf("monitor %d does not exist", cfg.SelectedMonitor)}
	}

	s.running = true
	s.port = port
	s.cfg = cfg
	s.logDebug("server started on port %d codec=%s bitrate=%d fps=%d", port, cfg.Codec(), cfg.Bitrate, cfg.Framerate)
	return s.addressLocked(), nil
}

func (s *Simulator) StopServer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logError("stop_server: server not running")
		return &RemoteError{Command: CmdStopServer, Message: "server not running"}
	}
	s.running = false
	s.logDebug("server stopped")
	return nil
}

func (s *Simulator) ServerStatus(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, nil
}

func (s *Simulator) ServerURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return "", &RemoteError{Command: CmdGetServerURL, Message: "server not running"}
	}
	return s.addressLocked(), nil
}

func (s *Simulator) AvailableMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	out := make([]monitor.Monitor, len(s.monitors))
	copy(out, s.monitors)
	return out, nil
}

func (s *Simulator) Logs(ctx context.Context) (Logs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Logs{Debug: s.debugLog.String(), Error: s.errorLog.String()}, nil
}

// Config returns the options of the last successful start_server
func (s *Simulator) Config() settings.ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Simulator) addressLocked() string {
	return fmt.Sprintf("http://%s:%d", s.host, s.port)
}

func (s *Simulator) logDebug(format string, args ...any) {
	fmt.Fprintf(&s.debugLog, "%s [DEBUG] %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

func (s *Simulator) logError(format string, args ...any) {
	fmt.Fprintf(&s.errorLog, "%s [ERROR] %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
