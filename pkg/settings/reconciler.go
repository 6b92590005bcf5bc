package settings

import (
	"sync"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownField is returned for a field name ServerConfig does not have
	ErrUnknownField = errors.New("unknown config field")
	// ErrFieldType is returned when a value does not match the field's type
	ErrFieldType = errors.New("wrong value type for config field")
)

// Reconciler is the only writer of the live ServerConfig.
// Every mutation is followed by ValidateBounds, so readers never observe a
// config with zero or several codecs selected or out-of-range integers.
type Reconciler struct {
	presets Catalog

	mu            sync.Mutex
	cfg           ServerConfig
	monitors      []monitor.Monitor
	monitorsKnown bool // false until the first registry snapshot arrives
	pinned        int  // monitor chosen explicitly, or noPin
	onChange      func(Persisted)
}

// noPin means the primary monitor is followed
const noPin = -1

// Persisted is the reconciler state written between runs. The selected
// monitor is the user's choice, even while a fallback is displayed.
type Persisted struct {
	ServerConfig
	MonitorPinned bool `json:"monitorPinned,omitempty"`
}

// NewReconciler creates a reconciler holding the default config
func NewReconciler(presets Catalog) *Reconciler {
	return &Reconciler{
		presets: presets,
		cfg:     DefaultServerConfig(),
		pinned:  noPin,
	}
}

// OnChange registers fn to be called with the persisted state after each
// mutation. fn runs without the reconciler lock held.
func (r *Reconciler) OnChange(fn func(Persisted)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Presets returns the preset catalog
func (r *Reconciler) Presets() Catalog {
	return r.presets
}

// Snapshot returns a copy of the current config
func (r *Reconciler) Snapshot() ServerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Restore replaces the config, typically with one loaded from disk. The
// monitor selection is kept as an explicit choice only when pinned is set;
// otherwise the next monitor snapshot selects the primary.
func (r *Reconciler) Restore(cfg ServerConfig, pinned bool) {
	r.mu.Lock()
	r.cfg = cfg
	r.pinned = noPin
	if pinned && cfg.SelectedMonitor >= 0 {
		r.pinned = cfg.SelectedMonitor
	}
	r.validateLocked()
	r.mu.Unlock()
	r.notify()
}

// Persisted returns the state to write to disk
func (r *Reconciler) Persisted() Persisted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistedLocked()
}

func (r *Reconciler) persistedLocked() Persisted {
	p := Persisted{ServerConfig: r.cfg}
	if r.pinned != noPin {
		p.SelectedMonitor = r.pinned
		p.MonitorPinned = true
	}
	return p
}

// ApplyPreset overwrites the fields named by the preset. Unknown preset
// names are ignored; the return value reports whether one was applied.
func (r *Reconciler) ApplyPreset(name string) bool {
	preset, ok := r.presets.Lookup(name)
	if !ok {
		return false
	}

	r.mu.Lock()
	for _, s := range preset.Values {
		// Catalog presets are static; a bad entry is skipped rather than
		// leaving the config half-applied.
		_ = r.setFieldLocked(s.Field, s.Value)
	}
	r.validateLocked()
	r.mu.Unlock()

	r.notify()
	return true
}

// SetField sets one field. Selecting a codec clears the other selectors in
// the same update; clearing the active selector is ignored so one codec is
// always selected.
func (r *Reconciler) SetField(field Field, value any) error {
	r.mu.Lock()
	err := r.setFieldLocked(field, value)
	if err == nil {
		r.validateLocked()
		if field == FieldSelectedMonitor {
			r.pinned = r.cfg.SelectedMonitor
		}
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// SelectCodec is SetField(selector, true) for codec
func (r *Reconciler) SelectCodec(codec Codec) error {
	info := CodecByName(codec)
	if info == nil {
		return errors.Wrapf(ErrFieldType, "codec %q", codec)
	}
	return r.SetField(info.Selector, true)
}

// Toggle flips a boolean field that is not a codec selector
func (r *Reconciler) Toggle(field Field) error {
	if IsCodecSelector(field) {
		return errors.Wrapf(ErrFieldType, "%s is a codec selector", field)
	}
	r.mu.Lock()
	p := r.cfg.boolField(field)
	if p == nil {
		r.mu.Unlock()
		return errors.Wrapf(ErrFieldType, "%s is not a boolean field", field)
	}
	*p = !*p
	r.validateLocked()
	r.mu.Unlock()

	r.notify()
	return nil
}

// ValidateBounds clamps out-of-range values and returns the fields it changed
func (r *Reconciler) ValidateBounds() []Field {
	r.mu.Lock()
	changed := r.validateLocked()
	r.mu.Unlock()

	if len(changed) > 0 {
		r.notify()
	}
	return changed
}

// SyncMonitors applies a fresh monitor snapshot. A pinned monitor is
// selected whenever it is in the list; otherwise the primary monitor is
// selected (0 when none is primary or the list is empty). The pin itself
// survives snapshots that do not contain it.
func (r *Reconciler) SyncMonitors(list []monitor.Monitor) {
	r.mu.Lock()
	before := r.persistedLocked()

	r.monitors = append(r.monitors[:0], list...)
	r.monitorsKnown = true

	if r.pinned != noPin && r.pinned < len(list) {
		r.cfg.SelectedMonitor = r.pinned
	} else {
		r.cfg.SelectedMonitor = monitor.DefaultIndex(list)
	}
	r.validateLocked()
	changed := before != r.persistedLocked()
	r.mu.Unlock()

	// A fallback while the pinned monitor is missing is not saved
	if changed {
		r.notify()
	}
}

// Monitors returns the last monitor snapshot seen
func (r *Reconciler) Monitors() []monitor.Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]monitor.Monitor, len(r.monitors))
	copy(out, r.monitors)
	return out
}

func (r *Reconciler) setFieldLocked(field Field, value any) error {
	if p := r.cfg.boolField(field); p != nil {
		on, ok := value.(bool)
		if !ok {
			return errors.Wrapf(ErrFieldType, "%s wants bool, got %T", field, value)
		}
		if IsCodecSelector(field) {
			if on {
				r.cfg.setCodec(CodecByField(field))
			}
			// Clearing a selector would leave no codec selected
			return nil
		}
		*p = on
		return nil
	}

	if p := r.cfg.intField(field); p != nil {
		n, ok := toInt(value)
		if !ok {
			return errors.Wrapf(ErrFieldType, "%s wants int, got %T", field, value)
		}
		*p = n
		return nil
	}

	return errors.Wrapf(ErrUnknownField, "%s", field)
}

// validateLocked enforces the config invariants; r.mu must be held
func (r *Reconciler) validateLocked() []Field {
	var changed []Field

	if r.cfg.SelectorCount() != 1 {
		r.cfg.setCodec(r.cfg.Codec())
		changed = append(changed, CodecByName(r.cfg.Codec()).Selector)
	}

	bounded := []struct {
		field  Field
		lo, hi int
	}{
		{FieldBitrate, MinBitrate, MaxBitrate},
		{FieldFramerate, MinFramerate, MaxFramerate},
		{FieldKeyframeInterval, MinKeyframeInterval, MaxKeyframeInterval},
	}
	for _, b := range bounded {
		p := r.cfg.intField(b.field)
		if v := clamp(*p, b.lo, b.hi); v != *p {
			*p = v
			changed = append(changed, b.field)
		}
	}

	// Before the first monitor snapshot only negative indices are invalid
	sel := r.cfg.SelectedMonitor
	if sel != 0 && (sel < 0 || (r.monitorsKnown && sel >= len(r.monitors))) {
		r.cfg.SelectedMonitor = 0
		changed = append(changed, FieldSelectedMonitor)
	}

	return changed
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	fn := r.onChange
	p := r.persistedLocked()
	r.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// CodecByField maps a selector field to its codec
func CodecByField(field Field) Codec {
	for _, c := range Codecs {
		if c.Selector == field {
			return c.Codec
		}
	}
	return DefaultCodec
}

// toInt accepts the integer forms that arrive from presets, flags and JSON
func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
