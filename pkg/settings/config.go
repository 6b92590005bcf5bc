package settings

import "github.com/pkg/errors"

// Field names a ServerConfig field. Values match the JSON wire names.
type Field string

const (
	FieldAudio                Field = "audio"
	FieldEncryption           Field = "encryption"
	FieldWebRTC               Field = "webrtc"
	FieldHardwareAcceleration Field = "hardwareAcceleration"
	FieldLowLatency           Field = "lowLatency"
	FieldAdaptiveBitrate      Field = "adaptiveBitrate"
	FieldH264                 Field = "h264"
	FieldH265                 Field = "h265"
	FieldAV1                  Field = "av1"
	FieldBitrate              Field = "bitrate"
	FieldFramerate            Field = "framerate"
	FieldKeyframeInterval     Field = "keyframeInterval"
	FieldSelectedMonitor      Field = "selectedMonitor"
)

// Integer bounds
const (
	MinBitrate          = 500
	MaxBitrate          = 50000
	MinFramerate        = 10
	MaxFramerate        = 120
	MinKeyframeInterval = 1
	MaxKeyframeInterval = 600
)

// ServerConfig holds the encoding, transport and security options sent to
// the backend with start_server
type ServerConfig struct {
	Audio                bool `json:"audio"`
	Encryption           bool `json:"encryption"`
	WebRTC               bool `json:"webrtc"`
	HardwareAcceleration bool `json:"hardwareAcceleration"`
	LowLatency           bool `json:"lowLatency"`
	AdaptiveBitrate      bool `json:"adaptiveBitrate"`

	// Codec selectors, exactly one is true
	H264 bool `json:"h264"`
	H265 bool `json:"h265"`
	AV1  bool `json:"av1"`

	Bitrate          int `json:"bitrate"`          // kbps
	Framerate        int `json:"framerate"`        // frames per second
	KeyframeInterval int `json:"keyframeInterval"` // frames between keyframes
	SelectedMonitor  int `json:"selectedMonitor"`  // index into the monitor list
}

// DefaultServerConfig returns the configuration used on first run
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Audio:            true,
		WebRTC:           true,
		H264:             true,
		Bitrate:          BitrateSteps[1].Bitrate,
		Framerate:        30,
		KeyframeInterval: 60,
	}
}

// Codec returns the codec whose selector is set
func (c ServerConfig) Codec() Codec {
	switch {
	case c.H265:
		return CodecH265
	case c.AV1:
		return CodecAV1
	case c.H264:
		return CodecH264
	default:
		return DefaultCodec
	}
}

// SelectorCount returns how many codec selectors are true
func (c ServerConfig) SelectorCount() int {
	n := 0
	for _, on := range []bool{c.H264, c.H265, c.AV1} {
		if on {
			n++
		}
	}
	return n
}

// Get returns the value of a field
func (c ServerConfig) Get(field Field) (any, error) {
	if p := c.boolField(field); p != nil {
		return *p, nil
	}
	if p := c.intField(field); p != nil {
		return *p, nil
	}
	return nil, errors.Wrapf(ErrUnknownField, "%s", field)
}

// boolField returns a pointer to the named boolean field, or nil
func (c *ServerConfig) boolField(field Field) *bool {
	switch field {
	case FieldAudio:
		return &c.Audio
	case FieldEncryption:
		return &c.Encryption
	case FieldWebRTC:
		return &c.WebRTC
	case FieldHardwareAcceleration:
		return &c.HardwareAcceleration
	case FieldLowLatency:
		return &c.LowLatency
	case FieldAdaptiveBitrate:
		return &c.AdaptiveBitrate
	case FieldH264:
		return &c.H264
	case FieldH265:
		return &c.H265
	case FieldAV1:
		return &c.AV1
	}
	return nil
}

func (c *ServerConfig) intField(field Field) *int {
	switch field {
	case FieldBitrate:
		return &c.Bitrate
	case FieldFramerate:
		return &c.Framerate
	case FieldKeyframeInterval:
		return &c.KeyframeInterval
	case FieldSelectedMonitor:
		return &c.SelectedMonitor
	}
	return nil
}

// IsCodecSelector reports whether field is one of the mutually exclusive codec fields
func IsCodecSelector(field Field) bool {
	return field == FieldH264 || field == FieldH265 || field == FieldAV1
}

// setCodec makes codec the only selected codec
func (c *ServerConfig) setCodec(codec Codec) {
	c.H264 = codec == CodecH264
	c.H265 = codec == CodecH265
	c.AV1 = codec == CodecAV1
}

// clamp bounds n to [lo, hi]
func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
