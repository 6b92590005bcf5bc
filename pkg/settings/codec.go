package settings

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Codec is the video codec requested from the backend
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAV1  Codec = "av1"
)

// CodecInfo describes a codec option for the UI
type CodecInfo struct {
	Codec       Codec
	Selector    Field  // ServerConfig field that selects this codec
	Name        string // Display name
	Description string // Short description
}

// Codecs lists the codecs the backend understands, in picker order
var Codecs = []CodecInfo{
	{Codec: CodecH264, Selector: FieldH264, Name: "H.264", Description: "compatible"},
	{Codec: CodecH265, Selector: FieldH265, Name: "H.265", Description: "efficient"},
	{Codec: CodecAV1, Selector: FieldAV1, Name: "AV1", Description: "best quality"},
}

// DefaultCodec is selected when nothing else is
const DefaultCodec = CodecH264

// CodecByName finds a codec by its wire name
func CodecByName(name Codec) *CodecInfo {
	for i := range Codecs {
		if Codecs[i].Codec == name {
			return &Codecs[i]
		}
	}
	return nil
}

// CodecIndex returns the picker index of codec, or 0 if unknown
func CodecIndex(codec Codec) int {
	for i, c := range Codecs {
		if c.Codec == codec {
			return i
		}
	}
	return 0
}

// ParseCodec parses a user-supplied codec name
func ParseCodec(value string) (Codec, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "h264", "h.264", "avc":
		return CodecH264, true
	case "h265", "h.265", "hevc":
		return CodecH265, true
	case "av1":
		return CodecAV1, true
	default:
		return "", false
	}
}

// Capability returns the WebRTC RTP capability a client negotiates for codec
func (c Codec) Capability() webrtc.RTPCodecCapability {
	mime := webrtc.MimeTypeH264
	switch c {
	case CodecH265:
		mime = webrtc.MimeTypeH265
	case CodecAV1:
		mime = webrtc.MimeTypeAV1
	}
	return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}
}

// RTPMap returns the SDP rtpmap encoding of codec, e.g. "H264/90000"
func (c Codec) RTPMap() string {
	capability := c.Capability()
	return fmt.Sprintf("%s/%d", strings.TrimPrefix(capability.MimeType, "video/"), capability.ClockRate)
}
