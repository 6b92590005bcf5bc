package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Monitor describes a display exposed by the backend
type Monitor struct {
	Index     int    `json:"index"`      // position in the backend's list, used as identifier
	Name      string `json:"name"`       // display name
	Width     int    `json:"width"`      // pixels
	Height    int    `json:"height"`     // pixels
	IsPrimary bool   `json:"is_primary"` // primary display flag
}

// DisplayName returns a formatted name for UI display
func (m Monitor) DisplayName() string {
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("Display %d", m.Index+1)
	}
	label := fmt.Sprintf("%s (%dx%d)", name, m.Width, m.Height)
	if m.IsPrimary {
		label += " [primary]"
	}
	return label
}

// Source provides the current display list (normally the backend)
type Source interface {
	AvailableMonitors(ctx context.Context) ([]Monitor, error)
}

// DefaultIndex returns the index of the first primary monitor in list,
// or 0 if none is marked primary
func DefaultIndex(list []Monitor) int {
	for i, m := range list {
		if m.IsPrimary {
			return i
		}
	}
	return 0
}

// Registry caches the displays reported by a Source
type Registry struct {
	source Source

	mu       sync.RWMutex
	monitors []Monitor
}

// NewRegistry creates an empty registry backed by source
func NewRegistry(source Source) *Registry {
	return &Registry{source: source}
}

// Refresh fetches the current list from the source.
// On failure the cache is cleared so the UI never shows stale displays,
// and the error is returned for the caller to log.
func (r *Registry) Refresh(ctx context.Context) ([]Monitor, error) {
	list, err := r.source.AvailableMonitors(ctx)
	if err != nil {
		r.mu.Lock()
		r.monitors = nil
		r.mu.Unlock()
		return nil, errors.Wrap(err, "refresh monitors")
	}

	// Indices always follow list position
	snapshot := make([]Monitor, len(list))
	for i, m := range list {
		m.Index = i
		snapshot[i] = m
	}

	r.mu.Lock()
	r.monitors = snapshot
	r.mu.Unlock()

	return r.Snapshot(), nil
}

// Snapshot returns a copy of the cached monitors
func (r *Registry) Snapshot() []Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Monitor, len(r.monitors))
	copy(out, r.monitors)
	return out
}

// Len returns the number of cached monitors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors)
}

// DefaultIndex returns the primary monitor's index in the cache, or 0
func (r *Registry) DefaultIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return DefaultIndex(r.monitors)
}
