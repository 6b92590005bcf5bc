package settings

import "strings"

// Setting is one field value carried by a preset
type Setting struct {
	Field Field
	Value any // bool or int, matching the field
}

// Preset is a named template of ServerConfig field values.
// Fields not listed are left untouched when the preset is applied.
type Preset struct {
	Name        string
	Description string // short description for UI
	Values      []Setting
}

// Catalog is an ordered, read-only preset list
type Catalog []Preset

// Lookup finds a preset by name (case-insensitive)
func (c Catalog) Lookup(name string) (Preset, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range c {
		if strings.ToLower(p.Name) == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Names returns the preset names in catalog order
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name
	}
	return names
}

// DefaultCatalog holds the built-in presets
var DefaultCatalog = Catalog{
	{
		Name:        "lowBandwidth",
		Description: "slow or shared links",
		Values: []Setting{
			{FieldAudio, true},
			{FieldEncryption, false},
			{FieldH265, true},
			{FieldBitrate, 1500},
			{FieldFramerate, 24},
			{FieldKeyframeInterval, 120},
			{FieldAdaptiveBitrate, true},
			{FieldLowLatency, false},
		},
	},
	{
		Name:        "balanced",
		Description: "everyday desktop use",
		Values: []Setting{
			{FieldAudio, true},
			{FieldH264, true},
			{FieldBitrate, 4000},
			{FieldFramerate, 30},
			{FieldKeyframeInterval, 60},
			{FieldAdaptiveBitrate, true},
			{FieldLowLatency, false},
		},
	},
	{
		Name:        "highQuality",
		Description: "sharp text and video",
		Values: []Setting{
			{FieldAudio, true},
			{FieldH265, true},
			{FieldBitrate, 12000},
			{FieldFramerate, 60},
			{FieldKeyframeInterval, 120},
			{FieldHardwareAcceleration, true},
			{FieldAdaptiveBitrate, false},
		},
	},
	{
		Name:        "lowLatency",
		Description: "gaming and remote input",
		Values: []Setting{
			{FieldH264, true},
			{FieldBitrate, 8000},
			{FieldFramerate, 60},
			{FieldKeyframeInterval, 30},
			{FieldLowLatency, true},
			{FieldHardwareAcceleration, true},
			{FieldWebRTC, true},
		},
	},
	{
		Name:        "archival",
		Description: "AV1 over fast LAN",
		Values: []Setting{
			{FieldAudio, true},
			{FieldEncryption, true},
			{FieldAV1, true},
			{FieldBitrate, 20000},
			{FieldFramerate, 30},
			{FieldKeyframeInterval, 240},
		},
	},
}
