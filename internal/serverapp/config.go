package serverapp

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/slipstream-rtc/server/internal/core"
)

// Config is the set of startup parameters the orchestrator needs,
// deliberately free of any viper/config-file dependency so it can be
// constructed directly in tests.
type Config struct {
	MonitorIndex  int
	CursorCapture bool
	TargetFPS     int
	Codec         core.Codec
	Vendor        core.EncoderVendor
	BitrateKbps   int

	AudioEnabled        bool
	AudioDeviceRate     int
	AudioDeviceChannels int

	MicEnabled        bool
	MicDeviceRate     int
	MicDeviceChannels int

	Version    string
	ICEServers []webrtc.ICEServer

	// Secret is the credential VerifyCredential checks before an offer
	// reaches SetRemote; empty disables the check (development mode).
	Secret string
}

// ParseCodec maps a config string ("h264", "h265", "av1") to a Codec,
// defaulting to H.264 on an unrecognized value.
func ParseCodec(s string) core.Codec {
	switch strings.ToLower(s) {
	case "h265", "hevc":
		return core.CodecH265
	case "av1":
		return core.CodecAV1
	default:
		return core.CodecH264
	}
}

// ParseVendor maps a config string to an EncoderVendor. "auto" and any
// unrecognized value return VendorUnknown, letting encoder.Probe try
// every candidate in its default order.
func ParseVendor(s string) core.EncoderVendor {
	switch strings.ToLower(s) {
	case "nvenc", "nvidia", "a":
		return core.VendorA
	case "qsv", "intel", "b":
		return core.VendorB
	case "videotoolbox", "amf", "amd", "apple", "c":
		return core.VendorC
	default:
		return core.VendorUnknown
	}
}
