// Package audiocapture implements the system-loopback audio
// sub-pipeline (§4.7): pull PCM from the OS mix device, resample to
// 48kHz stereo, encode 10ms frames with Opus, and hand them to the
// transport. The corpus has no native Go desktop-loopback binding, so
// the pull step is a software stand-in (a LoopbackReader function
// value) behind the exact contract a real WASAPI/PulseAudio loopback
// source would fill, matching the capture package's "event-driven
// session, simulated source" idiom.
package audiocapture

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/resample"
	"github.com/slipstream-rtc/server/internal/util"
)

const (
	targetSampleRate = 48000
	frameDurationMS  = 10
	frameSamplesPerChannel = targetSampleRate * frameDurationMS / 1000 // 480

	opusBitrate    = 96000
	opusComplexity = 3

	queueCap          = 4
	clampFrames       = 6
	maxFailures       = 10
	failureBackoff    = 50 * time.Millisecond
	pullInterval      = 10 * time.Millisecond
)

// LoopbackReader stands in for the OS loopback pull API: it returns one
// block of interleaved PCM at the device's native rate/channels, or an
// error on an OS-level capture failure.
type LoopbackReader func() ([]int16, error)

// SendFunc delivers one encoded audio-channel frame to the transport.
// Plain function value, not an interface back-reference, per the
// "no cyclic references" design note.
type SendFunc func(timestampNS int64, samples uint16, opus []byte)

// AudioCapture owns the loopback-capture-to-Opus pipeline for one
// device.
type AudioCapture struct {
	logger *slog.Logger

	deviceRate     int
	deviceChannels int
	channels       int // min(deviceChannels, 2)

	read     LoopbackReader
	resampler *resample.LinearResampler[int16]
	encoder  *opus.Encoder
	send     SendFunc

	mu       sync.Mutex
	pcm      []int16 // post-resample accumulation buffer, interleaved
	queue    [][]byte
	failures int

	capturing atomic.Bool
	streaming atomic.Bool
	running   atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an AudioCapture pulling from read at the device's
// native rate/channels, encoding Opus for send. read nil uses a
// zero-PCM stand-in (useful in environments with no real loopback
// source available).
func New(deviceRate, deviceChannels int, read LoopbackReader, send SendFunc) (*AudioCapture, error) {
	if deviceRate <= 0 {
		deviceRate = 48000
	}
	if deviceChannels <= 0 {
		deviceChannels = 2
	}
	channels := deviceChannels
	if channels > 2 {
		channels = 2
	}

	enc, err := opus.NewEncoder(targetSampleRate, channels, opus.AppRestrictedLowdelay)
	if err != nil {
		return nil, err
	}
	_ = enc.SetBitrate(opusBitrate)
	_ = enc.SetComplexity(opusComplexity)
	_ = enc.SetInBandFEC(false)
	_ = enc.SetDTX(false)

	if read == nil {
		read = func() ([]int16, error) {
			return make([]int16, deviceChannels*(deviceRate*frameDurationMS/1000)), nil
		}
	}

	a := &AudioCapture{
		logger:         util.GetLogger(),
		deviceRate:     deviceRate,
		deviceChannels: deviceChannels,
		channels:       channels,
		read:           read,
		resampler:      resample.New[int16](deviceRate, targetSampleRate, channels),
		encoder:        enc,
		send:           send,
	}
	return a, nil
}

// Start begins the capture loop. Idempotent.
func (a *AudioCapture) Start() {
	if a.running.Load() {
		return
	}
	a.running.Store(true)
	a.capturing.Store(true)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.runLoop(a.stop)
}

// Stop tears down the capture loop.
func (a *AudioCapture) Stop() {
	if !a.running.Load() {
		return
	}
	a.running.Store(false)
	a.capturing.Store(false)
	close(a.stop)
	a.wg.Wait()
}

// SetStreaming toggles whether encoded frames are forwarded to send.
// Capture continues regardless, matching "streaming toggled
// independently of capture".
func (a *AudioCapture) SetStreaming(enabled bool) { a.streaming.Store(enabled) }

// IsStreaming reports the current streaming toggle.
func (a *AudioCapture) IsStreaming() bool { return a.streaming.Load() }

func (a *AudioCapture) runLoop(stop chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.pullOnce()
		}
	}
}

func (a *AudioCapture) pullOnce() {
	if !a.capturing.Load() {
		return
	}
	block, err := a.read()
	if err != nil {
		a.mu.Lock()
		a.failures++
		n := a.failures
		a.mu.Unlock()
		a.logger.Warn("audiocapture: loopback read failed", "error", err, "consecutive", n)
		if n > maxFailures {
			time.Sleep(failureBackoff)
		}
		return
	}
	a.mu.Lock()
	a.failures = 0
	a.mu.Unlock()

	resampled := a.resampler.Process(block)

	a.mu.Lock()
	a.pcm = append(a.pcm, resampled...)
	clampSamples := clampFrames * frameSamplesPerChannel * a.channels
	if len(a.pcm) > clampSamples {
		a.pcm = a.pcm[len(a.pcm)-clampSamples:]
	}

	frameLen := frameSamplesPerChannel * a.channels
	var frames [][]int16
	for len(a.pcm) >= frameLen {
		frames = append(frames, append([]int16{}, a.pcm[:frameLen]...))
		a.pcm = a.pcm[frameLen:]
	}
	a.mu.Unlock()

	for _, frame := range frames {
		a.encodeAndQueue(frame)
	}
}

func (a *AudioCapture) encodeAndQueue(pcm []int16) {
	out := make([]byte, 4000)
	n, err := a.encoder.Encode(pcm, out)
	if err != nil {
		a.logger.Warn("audiocapture: opus encode failed", "error", err)
		return
	}
	payload := out[:n]

	a.mu.Lock()
	a.queue = append(a.queue, payload)
	for len(a.queue) > queueCap {
		a.queue = a.queue[1:]
	}
	var drained [][]byte
	if a.streaming.Load() {
		drained = a.queue
		a.queue = nil
	}
	a.mu.Unlock()

	if a.send == nil {
		return
	}
	for _, p := range drained {
		a.send(core.Timestamp100ns(), uint16(frameSamplesPerChannel), p)
	}
}
