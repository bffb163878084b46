// Package micplayback implements the symmetric half of the audio
// sub-pipeline (§4.8): decode peer-sent Opus microphone packets, fan
// them out to a render device. The corpus has no native Go audio
// render-device binding, so the device write step is a software
// stand-in (a DeviceWriter function value) behind the exact contract a
// real WASAPI/CoreAudio client would fill, matching audiocapture's
// LoopbackReader idiom.
package micplayback

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"

	"github.com/slipstream-rtc/server/internal/resample"
	"github.com/slipstream-rtc/server/internal/util"
)

const (
	decodeSampleRate = 48000
	queueCap         = 20

	writeMaxAttempts = 50
	writeSpinWait    = time.Millisecond

	trimThresholdFactor = 10
	trimToFactor        = 4
)

// DeviceWriter stands in for the OS render-device write call: it
// writes as much of samples as the device will currently accept and
// returns how many it consumed.
type DeviceWriter func(samples []int16) (int, error)

// SelectDevice returns the first name containing substr (case
// insensitive), matching the "named device located by substring"
// rule; ok is false if none matched, in which case callers fall back
// to the default output device.
func SelectDevice(names []string, substr string) (string, bool) {
	if substr == "" {
		return "", false
	}
	lower := strings.ToLower(substr)
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), lower) {
			return n, true
		}
	}
	return "", false
}

// MicPlayback owns the decode-resample-fanout pipeline for one render
// device.
type MicPlayback struct {
	logger *slog.Logger

	deviceRate     int
	deviceChannels int

	decoder   *opus.Decoder
	resampler *resample.LinearResampler[int16]
	write     DeviceWriter

	mu       sync.Mutex
	queue    [][]byte
	pcm      []int16 // post-resample fanout buffer
	overruns uint64

	enabled atomic.Bool
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a MicPlayback decoding at decodeSampleRate mono and
// resampling/fanning out to deviceRate across deviceChannels.
func New(deviceRate, deviceChannels int, write DeviceWriter) (*MicPlayback, error) {
	if deviceRate <= 0 {
		deviceRate = 48000
	}
	if deviceChannels <= 0 {
		deviceChannels = 2
	}

	dec, err := opus.NewDecoder(decodeSampleRate, 1)
	if err != nil {
		return nil, err
	}

	return &MicPlayback{
		logger:         util.GetLogger(),
		deviceRate:     deviceRate,
		deviceChannels: deviceChannels,
		decoder:        dec,
		resampler:      resample.New[int16](decodeSampleRate, deviceRate, 1),
		write:          write,
	}, nil
}

// SetEnabled toggles playback; disabled packets are still decoded off
// the queue but dropped rather than written to the device.
func (m *MicPlayback) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

// Enabled reports the playback toggle.
func (m *MicPlayback) Enabled() bool { return m.enabled.Load() }

// Start begins the drain loop that decodes queued packets and writes
// to the device.
func (m *MicPlayback) Start() {
	if m.running.Load() {
		return
	}
	m.running.Store(true)
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.drainLoop(m.stop)
}

// Stop tears down the drain loop.
func (m *MicPlayback) Stop() {
	if !m.running.Load() {
		return
	}
	m.running.Store(false)
	close(m.stop)
	m.wg.Wait()
}

// OverrunCount returns how many times the fanout buffer was trimmed
// for exceeding its threshold.
func (m *MicPlayback) OverrunCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overruns
}

// Submit enqueues one received mic-channel Opus packet (drop-oldest
// at capacity).
func (m *MicPlayback) Submit(opusPayload []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, opusPayload)
	for len(m.queue) > queueCap {
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()
}

func (m *MicPlayback) drainLoop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.drainOnce()
		}
	}
}

func (m *MicPlayback) drainOnce() {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	payload := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	pcm := make([]int16, decodeSampleRate/100) // up to 10ms mono @ 48kHz
	n, err := m.decoder.Decode(payload, pcm)
	if err != nil {
		m.logger.Warn("micplayback: opus decode failed", "error", err)
		return
	}
	mono := pcm[:n]
	fanned := m.fanOut(m.resampler.Process(mono))

	m.mu.Lock()
	m.pcm = append(m.pcm, fanned...)
	threshold := trimThresholdFactor * len(fanned)
	if threshold > 0 && len(m.pcm) > threshold {
		keep := len(fanned) * trimToFactor
		if keep > len(m.pcm) {
			keep = len(m.pcm)
		}
		m.pcm = m.pcm[len(m.pcm)-keep:]
		m.overruns++
	}
	pending := m.pcm
	m.pcm = nil
	m.mu.Unlock()

	if !m.enabled.Load() || m.write == nil || len(pending) == 0 {
		return
	}
	m.writeWithRetries(pending)
}

// fanOut duplicates a mono sample sequence across deviceChannels,
// interleaved.
func (m *MicPlayback) fanOut(mono []int16) []int16 {
	if m.deviceChannels <= 1 {
		return mono
	}
	out := make([]int16, len(mono)*m.deviceChannels)
	for i, s := range mono {
		for c := 0; c < m.deviceChannels; c++ {
			out[i*m.deviceChannels+c] = s
		}
	}
	return out
}

// writeWithRetries writes samples to the device, retrying partial
// writes up to writeMaxAttempts times with a short spin between.
func (m *MicPlayback) writeWithRetries(samples []int16) {
	for attempt := 0; attempt < writeMaxAttempts && len(samples) > 0; attempt++ {
		n, err := m.write(samples)
		if err != nil {
			m.logger.Warn("micplayback: device write failed", "error", err)
			return
		}
		if n >= len(samples) {
			return
		}
		samples = samples[n:]
		time.Sleep(writeSpinWait)
	}
}
