// Package connurl builds the address a client opens to join a session.
package connurl

import (
	"strconv"
	"strings"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"
)

const (
	// SessionPath is appended to the backend base address
	SessionPath = "/kvm"
	// Separator joins parameters after the first. Clients split on it, so
	// it must not change to "&".
	Separator = ";"
)

// Param is one query parameter
type Param struct {
	Key   string
	Value string
}

// Descriptor is a base URL plus ordered parameters. It is derived from the
// running session and the active config and never stored.
type Descriptor struct {
	Base   string
	Params []Param
}

// Build derives the connection descriptor for base and cfg.
// The same inputs always produce the same descriptor.
func Build(base string, cfg settings.ServerConfig) Descriptor {
	d := Descriptor{Base: normalizeBase(base)}

	if cfg.Audio {
		d.Params = append(d.Params, Param{"audio", "true"})
	}
	if cfg.Encryption {
		d.Params = append(d.Params, Param{"encryption", "true"})
	}
	d.Params = append(d.Params, Param{"codec", string(cfg.Codec())})
	if cfg.SelectedMonitor != 0 {
		d.Params = append(d.Params, Param{"monitor", strconv.Itoa(cfg.SelectedMonitor)})
	}

	return d
}

// String renders base?p1;p2;...
func (d Descriptor) String() string {
	if len(d.Params) == 0 {
		return d.Base
	}

	var b strings.Builder
	b.WriteString(d.Base)
	for i, p := range d.Params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteString(Separator)
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// Get returns the value of the named parameter
func (d Descriptor) Get(key string) (string, bool) {
	for _, p := range d.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func normalizeBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasSuffix(base, SessionPath) {
		base += SessionPath
	}
	return base
}
