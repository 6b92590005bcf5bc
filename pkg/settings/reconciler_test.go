package settings_test

import (
	"math/rand"
	"testing"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allFields = []settings.Field{
	settings.FieldAudio,
	settings.FieldEncryption,
	settings.FieldWebRTC,
	settings.FieldHardwareAcceleration,
	settings.FieldLowLatency,
	settings.FieldAdaptiveBitrate,
	settings.FieldH264,
	settings.FieldH265,
	settings.FieldAV1,
	settings.FieldBitrate,
	settings.FieldFramerate,
	settings.FieldKeyframeInterval,
	settings.FieldSelectedMonitor,
}

func assertInBounds(t *testing.T, cfg settings.ServerConfig) {
	t.Helper()
	assert.Equal(t, 1, cfg.SelectorCount(), "exactly one codec selector")
	assert.GreaterOrEqual(t, cfg.Bitrate, settings.MinBitrate)
	assert.LessOrEqual(t, cfg.Bitrate, settings.MaxBitrate)
	assert.GreaterOrEqual(t, cfg.Framerate, settings.MinFramerate)
	assert.LessOrEqual(t, cfg.Framerate, settings.MaxFramerate)
	assert.GreaterOrEqual(t, cfg.KeyframeInterval, settings.MinKeyframeInterval)
	assert.LessOrEqual(t, cfg.KeyframeInterval, settings.MaxKeyframeInterval)
	assert.GreaterOrEqual(t, cfg.SelectedMonitor, 0)
}

func TestReconciler_RandomEditsKeepOneCodec(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := settings.NewReconciler(settings.DefaultCatalog)
	r.SyncMonitors([]monitor.Monitor{{}, {}, {}})

	for i := 0; i < 2000; i++ {
		field := allFields[rng.Intn(len(allFields))]
		var value any
		switch field {
		case settings.FieldBitrate, settings.FieldFramerate,
			settings.FieldKeyframeInterval, settings.FieldSelectedMonitor:
			value = rng.Intn(200000) - 1000
		default:
			value = rng.Intn(2) == 0
		}
		require.NoError(t, r.SetField(field, value))

		cfg := r.Snapshot()
		require.Equal(t, 1, cfg.SelectorCount(), "after setting %s=%v", field, value)
		assertInBounds(t, cfg)
		assert.Less(t, cfg.SelectedMonitor, 3)
	}
}

func TestReconciler_SelectingCodecClearsOthers(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	require.True(t, r.Snapshot().H264)

	require.NoError(t, r.SetField(settings.FieldAV1, true))
	cfg := r.Snapshot()
	assert.True(t, cfg.AV1)
	assert.False(t, cfg.H264)
	assert.False(t, cfg.H265)
	assert.Equal(t, settings.CodecAV1, cfg.Codec())

	// Clearing the active selector must not leave zero codecs
	require.NoError(t, r.SetField(settings.FieldAV1, false))
	assert.Equal(t, settings.CodecAV1, r.Snapshot().Codec())
	assert.Equal(t, 1, r.Snapshot().SelectorCount())

	require.NoError(t, r.SelectCodec(settings.CodecH265))
	assert.Equal(t, settings.CodecH265, r.Snapshot().Codec())
}

func TestReconciler_PresetsStayInBounds(t *testing.T) {
	for _, preset := range settings.DefaultCatalog {
		t.Run(preset.Name, func(t *testing.T) {
			r := settings.NewReconciler(settings.DefaultCatalog)
			require.True(t, r.ApplyPreset(preset.Name))
			assert.Empty(t, r.ValidateBounds())
			assertInBounds(t, r.Snapshot())

			// Every value the preset names must have landed
			cfg := r.Snapshot()
			for _, s := range preset.Values {
				got, err := cfg.Get(s.Field)
				require.NoError(t, err)
				assert.Equal(t, s.Value, got, "field %s", s.Field)
			}
		})
	}
}

func TestReconciler_ApplyPresetLeavesUnnamedFields(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	require.NoError(t, r.SetField(settings.FieldWebRTC, false))
	require.NoError(t, r.SetField(settings.FieldHardwareAcceleration, true))

	require.True(t, r.ApplyPreset("lowBandwidth"))

	cfg := r.Snapshot()
	assert.False(t, cfg.WebRTC, "lowBandwidth does not name webrtc")
	assert.True(t, cfg.HardwareAcceleration, "lowBandwidth does not name hardwareAcceleration")
	assert.True(t, cfg.Audio)
	assert.False(t, cfg.Encryption)
	assert.Equal(t, settings.CodecH265, cfg.Codec())
	assert.Equal(t, 1500, cfg.Bitrate)
}

func TestReconciler_UnknownPresetIsIgnored(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	before := r.Snapshot()

	calls := 0
	r.OnChange(func(settings.Persisted) { calls++ })

	assert.False(t, r.ApplyPreset("doesNotExist"))
	assert.Equal(t, before, r.Snapshot())
	assert.Zero(t, calls)
}

func TestReconciler_PresetLookupIgnoresCase(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	assert.True(t, r.ApplyPreset("HIGHQUALITY"))
	assert.Equal(t, 60, r.Snapshot().Framerate)
}

func TestReconciler_SetFieldErrors(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)

	err := r.SetField("resolution", 1080)
	assert.ErrorIs(t, err, settings.ErrUnknownField)
	assert.Equal(t, "resolution: unknown config field", err.Error())

	err = r.SetField(settings.FieldBitrate, "fast")
	assert.ErrorIs(t, err, settings.ErrFieldType)

	err = r.SetField(settings.FieldAudio, 1)
	assert.ErrorIs(t, err, settings.ErrFieldType)
	assert.Equal(t, settings.ErrFieldType, errors.Cause(err))

	err = r.SetField(settings.FieldFramerate, 29.97)
	assert.ErrorIs(t, err, settings.ErrFieldType)

	assert.Equal(t, settings.DefaultServerConfig(), r.Snapshot())
}

func TestReconciler_ClampsIntegers(t *testing.T) {
	tests := []struct {
		name  string
		field settings.Field
		value int
		want  int
	}{
		{"BitrateLow", settings.FieldBitrate, 10, settings.MinBitrate},
		{"BitrateHigh", settings.FieldBitrate, 999999, settings.MaxBitrate},
		{"FramerateLow", settings.FieldFramerate, 0, settings.MinFramerate},
		{"FramerateHigh", settings.FieldFramerate, 240, settings.MaxFramerate},
		{"KeyframeLow", settings.FieldKeyframeInterval, -5, settings.MinKeyframeInterval},
		{"InRange", settings.FieldBitrate, 6000, 6000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := settings.NewReconciler(settings.DefaultCatalog)
			require.NoError(t, r.SetField(tt.field, tt.value))
			got, err := r.Snapshot().Get(tt.field)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconciler_SyncMonitorsSelectsPrimary(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)

	r.SyncMonitors([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}})
	assert.Equal(t, 1, r.Snapshot().SelectedMonitor)
	assert.False(t, r.Persisted().MonitorPinned)

	// An explicit choice survives refreshes while it stays in bounds
	require.NoError(t, r.SetField(settings.FieldSelectedMonitor, 0))
	r.SyncMonitors([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}, {Name: "C"}})
	assert.Equal(t, 0, r.Snapshot().SelectedMonitor)

	require.NoError(t, r.SetField(settings.FieldSelectedMonitor, 2))
	assert.Equal(t, 2, r.Snapshot().SelectedMonitor)

	// Pinned monitor disappeared: show the primary, keep the pin
	r.SyncMonitors([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}})
	assert.Equal(t, 1, r.Snapshot().SelectedMonitor)
	assert.Equal(t, 2, r.Persisted().SelectedMonitor)

	// Refresh failure clears the list: index falls back to 0
	r.SyncMonitors(nil)
	assert.Equal(t, 0, r.Snapshot().SelectedMonitor)
	assert.Empty(t, r.Monitors())

	// Pinned monitor is back
	r.SyncMonitors([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}, {Name: "C"}})
	assert.Equal(t, 2, r.Snapshot().SelectedMonitor)
}

func TestReconciler_RestoreUnpinnedFollowsPrimary(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	r.Restore(settings.DefaultServerConfig(), false)

	r.SyncMonitors([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}})
	assert.Equal(t, 1, r.Snapshot().SelectedMonitor)
	assert.False(t, r.Persisted().MonitorPinned)
}

func TestReconciler_RestorePinnedKeepsChoice(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	cfg := settings.DefaultServerConfig()
	cfg.SelectedMonitor = 0
	r.Restore(cfg, true)

	r.SyncMonitors([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}})
	assert.Equal(t, 0, r.Snapshot().SelectedMonitor)
	assert.True(t, r.Persisted().MonitorPinned)
}

func TestReconciler_FailedRefreshDoesNotPersistFallback(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	three := []monitor.Monitor{{Name: "A", IsPrimary: true}, {Name: "B"}, {Name: "C"}}
	r.SyncMonitors(three)
	require.NoError(t, r.SetField(settings.FieldSelectedMonitor, 2))

	var saved []settings.Persisted
	r.OnChange(func(p settings.Persisted) { saved = append(saved, p) })

	r.SyncMonitors(nil)
	assert.Equal(t, 0, r.Snapshot().SelectedMonitor)

	r.SyncMonitors(three)
	assert.Equal(t, 2, r.Snapshot().SelectedMonitor)

	assert.Empty(t, saved, "fallback never reaches the settings file")
	assert.Equal(t, 2, r.Persisted().SelectedMonitor)
	assert.True(t, r.Persisted().MonitorPinned)
}

func TestReconciler_SelectedMonitorOutOfRange(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)
	r.SyncMonitors([]monitor.Monitor{{}, {}})

	require.NoError(t, r.SetField(settings.FieldSelectedMonitor, 5))
	assert.Equal(t, 0, r.Snapshot().SelectedMonitor)

	require.NoError(t, r.SetField(settings.FieldSelectedMonitor, -1))
	assert.Equal(t, 0, r.Snapshot().SelectedMonitor)
}

func TestReconciler_RestoreNormalizes(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)

	r.Restore(settings.ServerConfig{H264: true, H265: true, Bitrate: 1, Framerate: 1000, KeyframeInterval: 0}, false)
	cfg := r.Snapshot()
	assertInBounds(t, cfg)
	assert.Equal(t, settings.CodecH265, cfg.Codec())
}

func TestReconciler_ToggleAndOnChange(t *testing.T) {
	r := settings.NewReconciler(settings.DefaultCatalog)

	var seen []settings.Persisted
	r.OnChange(func(p settings.Persisted) { seen = append(seen, p) })

	require.NoError(t, r.Toggle(settings.FieldEncryption))
	assert.True(t, r.Snapshot().Encryption)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Encryption)

	assert.ErrorIs(t, r.Toggle(settings.FieldH265), settings.ErrFieldType)
	assert.ErrorIs(t, r.Toggle(settings.FieldBitrate), settings.ErrFieldType)
	assert.Len(t, seen, 1)
}
