// Package serverapp composes the capture, encode, schedule, transport,
// audio, mic, and input subsystems into the single-peer streaming
// session the signaling layer drives. Grounded on the teacher's
// server.GBoxServer composition (one struct owning every long-lived
// subsystem, Start/Stop lifecycle, no subsystem holding a pointer back
// to the owner) and on handlers.WebRTCHandlers' offer/answer surface,
// adapted from a multi-device HTTP+WebSocket signaling server to a
// single-peer SetRemote/GetLocal pair the outer signaling transport
// calls directly.
package serverapp

import (
	"crypto/subtle"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/slipstream-rtc/server/internal/audiocapture"
	"github.com/slipstream-rtc/server/internal/capture"
	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/encoder"
	"github.com/slipstream-rtc/server/internal/frameslot"
	"github.com/slipstream-rtc/server/internal/input"
	"github.com/slipstream-rtc/server/internal/micplayback"
	"github.com/slipstream-rtc/server/internal/protocol"
	"github.com/slipstream-rtc/server/internal/scheduler"
	"github.com/slipstream-rtc/server/internal/transport"
	"github.com/slipstream-rtc/server/internal/util"
)

// Dependencies are the software stand-ins for OS-level primitives the
// corpus has no native binding for, supplied by the caller. cmd passes
// the zero value, so the built-in stand-ins are used.
type Dependencies struct {
	InputBackend input.Backend
	AudioRead    audiocapture.LoopbackReader
	MicWrite     micplayback.DeviceWriter
}

// Server is the top-level orchestrator: it owns every pipeline stage
// and wires the transport's callbacks to the corresponding subsystem
// calls. No subsystem holds a reference back to Server; every callback
// is a plain function value closing over this struct, set once here.
type Server struct {
	logger *slog.Logger
	cfg    Config

	monitors *core.MonitorSet
	slot     *frameslot.FrameSlot
	capture  *capture.Capture

	encMu  sync.Mutex
	enc    *encoder.Encoder
	codec  core.Codec
	vendor core.EncoderVendor

	sched     *scheduler.Scheduler
	transport *transport.Transport
	input     *input.InputInjector

	audioCap *audiocapture.AudioCapture
	micPlay  *micplayback.MicPlayback

	currentMonitor atomic.Int32
}

// New constructs every subsystem and wires them together, but does
// not start any goroutine; call Start to begin streaming.
func New(cfg Config, monitors []core.Monitor, deps Dependencies) (*Server, error) {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 60
	}
	if len(monitors) == 0 {
		monitors = []core.Monitor{{Index: 0, Width: 1920, Height: 1080, RefreshHz: 60, Primary: true, FriendlyName: "Display 1"}}
	}

	monitorSet := core.NewMonitorSet()
	monitorSet.Refresh(monitors)

	mon, ok := monitorSet.Get(cfg.MonitorIndex)
	if !ok {
		mon, _ = monitorSet.Get(0)
		cfg.MonitorIndex = 0
	}

	s := &Server{
		logger:   util.GetLogger(),
		cfg:      cfg,
		monitors: monitorSet,
		codec:    cfg.Codec,
		vendor:   cfg.Vendor,
	}
	s.currentMonitor.Store(int32(cfg.MonitorIndex))

	s.slot = frameslot.New()
	s.capture = capture.New(s.monitors, s.slot, s.onResolutionChange)
	s.capture.SetInitialMonitor(cfg.MonitorIndex)
	s.capture.SetCursorCapture(cfg.CursorCapture)
	s.capture.SetFPS(cfg.TargetFPS)

	enc, err := encoder.New(mon.Width, mon.Height, cfg.TargetFPS, cfg.Codec, cfg.Vendor)
	if err != nil {
		return nil, err
	}
	s.enc = enc
	s.vendor = enc.Vendor()

	s.input = input.New(s.monitors, deps.InputBackend)
	s.input.SetMonitorIndex(cfg.MonitorIndex)

	handlers := transport.Handlers{
		OnConnected:     s.onConnected,
		OnDisconnected:  s.onDisconnected,
		OnFPSChange:     s.onFPSChange,
		OnCodecChange:   s.onCodecChange,
		OnMonitorSwitch: s.onMonitorSwitch,
		OnClipboardSet:  s.onClipboardSet,
		OnClipboardGet:  s.onClipboardGet,
		OnCursorCapture: s.onCursorCapture,
		OnAudioEnable:   s.onAudioEnable,
		OnMicEnable:     s.onMicEnable,
		OnInputEvent:    s.onInputEvent,
		OnMicPacket:     s.onMicPacket,
	}
	s.transport = transport.New(cfg.ICEServers, s.monitors, cfg.Version, handlers)
	s.transport.SetHostFPS(uint16(mon.RefreshHz))
	s.transport.SetCodecCaps(encoder.Capabilities(s.vendor))
	s.transport.SetCurrentMonitor(uint8(cfg.MonitorIndex))

	s.sched = scheduler.New(s.slot, s.capture.Fence(), &encoderAdapter{s: s}, s.transport, cfg.TargetFPS)

	if cfg.AudioEnabled {
		audioCap, err := audiocapture.New(cfg.AudioDeviceRate, cfg.AudioDeviceChannels, deps.AudioRead, s.transport.SendAudio)
		if err != nil {
			return nil, err
		}
		s.audioCap = audioCap
		s.audioCap.SetStreaming(true)
	}

	micPlay, err := micplayback.New(cfg.MicDeviceRate, cfg.MicDeviceChannels, deps.MicWrite)
	if err != nil {
		return nil, err
	}
	s.micPlay = micPlay
	s.micPlay.SetEnabled(cfg.MicEnabled)

	return s, nil
}

// Start begins capture, scheduling, and the optional audio/mic loops.
// Safe to call once; the transport itself runs its stats loop from
// construction and streams only once a peer connects.
func (s *Server) Start() {
	s.capture.Start()
	go s.sched.Run()
	if s.audioCap != nil {
		s.audioCap.Start()
	}
	s.micPlay.Start()
}

// Stop tears down every subsystem in reverse dependency order.
func (s *Server) Stop() {
	s.micPlay.Stop()
	if s.audioCap != nil {
		s.audioCap.Stop()
	}
	s.sched.Stop()
	s.capture.Stop()
	s.transport.Shutdown()
	s.encMu.Lock()
	if s.enc != nil {
		s.enc.Close()
	}
	s.encMu.Unlock()
}

// VerifyCredential reports whether secret matches the server's
// configured secret in constant time. An empty configured secret
// disables the check, matching a development/no-auth deployment.
func (s *Server) VerifyCredential(secret string) bool {
	if s.cfg.Secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) == 1
}

// SetRemote applies an inbound SDP offer or answer. It performs no
// credential check itself; callers (the HTTP signaling handler) must
// call VerifyCredential before calling this.
func (s *Server) SetRemote(sdp string, sdpType webrtc.SDPType) error {
	return s.transport.SetRemote(sdp, sdpType)
}

// GetLocal returns the current local SDP once available.
func (s *Server) GetLocal() (string, error) {
	return s.transport.GetLocal()
}

// Monitors returns a snapshot of the enumerated monitors.
func (s *Server) Monitors() []core.Monitor {
	return s.monitors.All()
}

// Stats returns the transport's current per-second counters, for the
// debug/inspection endpoint.
func (s *Server) Stats() transport.Stats {
	return s.transport.Snapshot()
}

// RegisterStandardCursor exposes the input injector's cursor-shape
// registration to the caller that owns the platform cursor table.
func (s *Server) RegisterStandardCursor(handle uintptr, kind protocol.CursorKind) {
	s.input.RegisterStandardCursor(handle, kind)
}

// --- transport.Handlers wiring ---

func (s *Server) onConnected() {
	s.logger.Info("serverapp: peer connected")
}

func (s *Server) onDisconnected() {
	s.logger.Info("serverapp: peer disconnected")
}

func (s *Server) onFPSChange(fps uint16, followHost bool) uint16 {
	effective := fps
	if followHost {
		effective = uint16(s.capture.RefreshHostFPS())
	}
	if effective < 1 {
		effective = 1
	}
	if effective > 240 {
		effective = 240
	}
	s.capture.SetFPS(int(effective))
	s.sched.SetFPS(int(effective))
	s.encMu.Lock()
	if s.enc != nil {
		s.enc.UpdateFPS(int(effective))
	}
	s.encMu.Unlock()
	return effective
}

func (s *Server) onCodecChange(c core.Codec) bool {
	idx := int(s.currentMonitor.Load())
	mon, ok := s.monitors.Get(idx)
	if !ok {
		return false
	}
	fps := s.capture.FPS()

	newEnc, err := encoder.New(mon.Width, mon.Height, fps, c, s.cfg.Vendor)
	if err != nil {
		s.logger.Warn("serverapp: codec change failed", "codec", c, "error", err)
		return false
	}

	s.encMu.Lock()
	old := s.enc
	s.enc = newEnc
	s.codec = c
	s.vendor = newEnc.Vendor()
	s.encMu.Unlock()
	if old != nil {
		old.Close()
	}

	s.transport.SetCodecCaps(encoder.Capabilities(newEnc.Vendor()))
	return true
}

func (s *Server) onMonitorSwitch(index uint8) bool {
	if !s.capture.SwitchMonitor(int(index)) {
		return false
	}
	s.currentMonitor.Store(int32(index))
	s.input.SetMonitorIndex(int(index))
	if mon, ok := s.monitors.Get(int(index)); ok {
		s.transport.SetHostFPS(uint16(mon.RefreshHz))
	}
	return true
}

// onResolutionChange is capture's ResolutionChangeFunc: it recreates
// the encoder at the new size, preserving the active codec.
func (s *Server) onResolutionChange(width, height, fps int) {
	s.sched.SetEncoderReady(false)

	s.encMu.Lock()
	codec := s.codec
	vendor := s.vendor
	s.encMu.Unlock()

	newEnc, err := encoder.New(width, height, fps, codec, vendor)
	if err != nil {
		s.logger.Error("serverapp: encoder recreation after resolution change failed", "error", err)
		s.sched.SetEncoderReady(true)
		return
	}

	s.encMu.Lock()
	old := s.enc
	s.enc = newEnc
	s.vendor = newEnc.Vendor()
	s.encMu.Unlock()
	if old != nil {
		old.Close()
	}
	s.sched.SetEncoderReady(true)
}

func (s *Server) onClipboardSet(data []byte) {
	s.input.SetClipboard(data)
}

func (s *Server) onClipboardGet() []byte {
	data, ok := s.input.GetClipboard()
	if !ok {
		return nil
	}
	return data
}

func (s *Server) onCursorCapture(enabled bool) {
	s.capture.SetCursorCapture(enabled)
}

func (s *Server) onAudioEnable(enabled bool) {
	if s.audioCap != nil {
		s.audioCap.SetStreaming(enabled)
	}
}

func (s *Server) onMicEnable(enabled bool) {
	s.micPlay.SetEnabled(enabled)
}

func (s *Server) onInputEvent(ev *protocol.InputEvent) {
	s.input.Dispatch(ev)
}

func (s *Server) onMicPacket(timestampNS int64, samples uint16, opus []byte) {
	_ = timestampNS
	_ = samples
	s.micPlay.Submit(opus)
}

// encoderAdapter forwards scheduler.EncoderPort calls to whichever
// *encoder.Encoder is current, so a codec or resolution change can
// swap the backing encoder without the scheduler holding a stale
// reference.
type encoderAdapter struct {
	s *Server
}

func (a *encoderAdapter) current() *encoder.Encoder {
	a.s.encMu.Lock()
	defer a.s.encMu.Unlock()
	return a.s.enc
}

func (a *encoderAdapter) Encode(texture *core.Texture, timestampNS int64, forceKey bool) (*core.EncodedFrame, bool) {
	enc := a.current()
	if enc == nil {
		return nil, false
	}
	return enc.Encode(texture, timestampNS, forceKey)
}

func (a *encoderAdapter) Flush() {
	if enc := a.current(); enc != nil {
		enc.Flush()
	}
}

func (a *encoderAdapter) IsEncodeComplete() bool {
	enc := a.current()
	if enc == nil {
		return true
	}
	return enc.IsEncodeComplete()
}
