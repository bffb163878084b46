package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("server.listen_addr", "0.0.0.0:7890")
	v.SetDefault("server.home", filepath.Join(xdg.Home, ".slipstream"))

	v.SetDefault("capture.monitor_index", 0)
	v.SetDefault("capture.cursor_capture", true)
	v.SetDefault("capture.target_fps", 60)

	v.SetDefault("encoder.codec", "h264")
	v.SetDefault("encoder.vendor", "auto")
	v.SetDefault("encoder.bitrate_kbps", 12000)

	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)

	v.SetDefault("mic.enabled", false)
	v.SetDefault("mic.sample_rate", 48000)

	v.SetDefault("input.max_events_per_sec", 500)

	v.SetDefault("log.debug", false)

	v.AutomaticEnv()
	v.BindEnv("server.listen_addr", "SLIPSTREAM_LISTEN_ADDR")
	v.BindEnv("server.home", "SLIPSTREAM_HOME")
	v.BindEnv("capture.monitor_index", "SLIPSTREAM_MONITOR_INDEX")
	v.BindEnv("capture.cursor_capture", "SLIPSTREAM_CURSOR_CAPTURE")
	v.BindEnv("capture.target_fps", "SLIPSTREAM_TARGET_FPS")
	v.BindEnv("encoder.codec", "SLIPSTREAM_CODEC")
	v.BindEnv("encoder.vendor", "SLIPSTREAM_ENCODER_VENDOR")
	v.BindEnv("encoder.bitrate_kbps", "SLIPSTREAM_BITRATE_KBPS")
	v.BindEnv("audio.enabled", "SLIPSTREAM_AUDIO_ENABLED")
	v.BindEnv("mic.enabled", "SLIPSTREAM_MIC_ENABLED")
	v.BindEnv("input.max_events_per_sec", "SLIPSTREAM_INPUT_RATE_LIMIT")
	v.BindEnv("log.debug", "SLIPSTREAM_DEBUG")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.slipstream",
		"/etc/slipstream",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("fatal error reading config file: %s", err))
		}
	}
}

// ListenAddr returns the address the signaling HTTP server binds to.
func ListenAddr() string { return v.GetString("server.listen_addr") }

// Home returns the directory holding persistent files (TLS cert/key, secrets).
func Home() string { return v.GetString("server.home") }

// MonitorIndex returns the zero-based monitor to capture.
func MonitorIndex() int { return v.GetInt("capture.monitor_index") }

// CursorCaptureEnabled reports whether the cursor is composited into captured frames.
func CursorCaptureEnabled() bool { return v.GetBool("capture.cursor_capture") }

// TargetFPS returns the capture/encode pacing target.
func TargetFPS() int { return v.GetInt("capture.target_fps") }

// Codec returns the configured video codec (h264, h265, av1).
func Codec() string { return v.GetString("encoder.codec") }

// EncoderVendor returns the configured hardware encoder vendor, or "auto".
func EncoderVendor() string { return v.GetString("encoder.vendor") }

// BitrateKbps returns the configured bitrate in kilobits per second. The
// encoder does not read it; it derives its bitrate from resolution and fps.
func BitrateKbps() int { return v.GetInt("encoder.bitrate_kbps") }

// AudioEnabled reports whether the desktop-audio channel streams by default.
func AudioEnabled() bool { return v.GetBool("audio.enabled") }

// AudioSampleRate returns the desktop-audio capture sample rate.
func AudioSampleRate() int { return v.GetInt("audio.sample_rate") }

// AudioChannels returns the desktop-audio channel count.
func AudioChannels() int { return v.GetInt("audio.channels") }

// MicEnabled reports whether microphone playback streams by default.
func MicEnabled() bool { return v.GetBool("mic.enabled") }

// MicSampleRate returns the mic playback device's sample rate.
func MicSampleRate() int { return v.GetInt("mic.sample_rate") }

// InputRateLimit returns the configured input events per second. The
// input injector does not read it; its per-axis limits are fixed constants.
func InputRateLimit() int { return v.GetInt("input.max_events_per_sec") }

// DebugLogging reports whether verbose logging was requested via config/env.
func DebugLogging() bool { return v.GetBool("log.debug") }

// CertPath returns the path to the signaling TLS certificate.
func CertPath() string { return filepath.Join(Home(), "cert.pem") }

// KeyPath returns the path to the signaling TLS private key.
func KeyPath() string { return filepath.Join(Home(), "key.pem") }

// SecretPath returns the path to the persisted session-auth secret.
func SecretPath() string { return filepath.Join(Home(), "secret.bin") }
