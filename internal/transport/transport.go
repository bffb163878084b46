// Package transport owns the single-peer WebRTC connection: five data
// channels (control, video, audio, input, mic), channel-open counting
// into a connected/disconnected lifecycle, control-protocol dispatch,
// chunked-and-FEC'd video send with backpressure queueing, audio send
// with the same drain-on-low-buffer pattern, and peer-stale detection.
// Grounded on the teacher's transport.WebRTCTransport (SettingEngine
// setup, OnDataChannel/OnOpen wiring, GatheringCompletePromise) and on
// the original implementation's onBufferedAmountLow drain hooks,
// adapted from a stream-oriented net.Conn transport to a datagram-style
// packet transport: channels here are never Detach()'d, since each
// message is sent whole via DataChannel.Send rather than through a
// ReadWriteCloser.
package transport

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/protocol"
	"github.com/slipstream-rtc/server/internal/util"
)

const (
	videoBufferedLow = 262144
	audioBufferedLow = 65536
	keyframeAcceptEvery = 350 * time.Millisecond
	staleAfter          = 3000 * time.Millisecond
	overflowStaleLimit  = 10
	kickDrainWait       = 50 * time.Millisecond
	localDescWait       = 200 * time.Millisecond
	iceGatherWait       = 150 * time.Millisecond
	audioQueueCap       = 3
	statsInterval       = time.Second
	statsLogEvery       = 60 * time.Second
)

var channelLabels = []string{"control", "video", "audio", "input", "mic"}

// Handlers are the host-side callbacks the owner (the server
// orchestrator) supplies. None of these close back over Transport;
// Transport holds only these plain function values, per the "no
// cyclic references" design note.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func()

	OnFPSChange     func(fps uint16, followHost bool) uint16 // returns effective fps
	OnCodecChange   func(c core.Codec) bool
	OnMonitorSwitch func(index uint8) bool
	OnClipboardSet  func(data []byte)
	OnClipboardGet  func() []byte
	OnCursorCapture func(enabled bool)
	OnAudioEnable   func(enabled bool)
	OnMicEnable     func(enabled bool)
	OnInputEvent    func(ev *protocol.InputEvent)
	OnMicPacket     func(timestampNS int64, samples uint16, opus []byte)
}

// stats holds the per-second counters described in the "Statistics"
// section; read and reset by the logging goroutine.
type stats struct {
	videoSent, videoErr   atomic.Uint64
	audioSent, audioErr   atomic.Uint64
	ctrlIn, ctrlOut        atomic.Uint64
	inputIn                atomic.Uint64
	micIn                  atomic.Uint64
	connections            atomic.Uint64
}

// Transport is the single-peer WebRTC connection owner.
type Transport struct {
	logger    *slog.Logger
	iceServers []webrtc.ICEServer
	handlers  Handlers
	version   string

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	epoch     uint64
	sessionID string
	channels  map[string]*webrtc.DataChannel
	openCount int
	connected bool
	discFired bool

	localDescReady chan struct{}
	gatherComplete <-chan struct{}

	hostFPS      uint16
	monitors     *core.MonitorSet
	currentMon   uint8
	codecCaps    uint8
	currentCodec core.Codec

	needsKey      atomic.Bool
	lastPingNS    atomic.Int64
	overflow      atomic.Int32
	lastKeyAccept atomic.Int64

	videoQueueMu sync.Mutex
	videoQueue   [][]byte

	audioQueueMu sync.Mutex
	audioQueue   [][]byte

	stats    stats
	run      atomic.Bool
	statsWG  sync.WaitGroup
	lastStatsLog atomic.Int64
}

// New constructs a Transport. monitors is consulted when sending
// MONITOR_LIST; version is sent as the VERSION control message on
// connect.
func New(iceServers []webrtc.ICEServer, monitors *core.MonitorSet, version string, handlers Handlers) *Transport {
	t := &Transport{
		logger:     util.GetLogger(),
		iceServers: iceServers,
		handlers:   handlers,
		version:    version,
		monitors:   monitors,
		channels:   make(map[string]*webrtc.DataChannel),
	}
	t.hostFPS = 60
	t.run.Store(true)
	t.statsWG.Add(1)
	go t.statsLoop()
	return t
}

// SetHostFPS updates the value reported in HOST_INFO and used when a
// peer requests FPS_SET with mode=follow-host.
func (t *Transport) SetHostFPS(fps uint16) {
	t.mu.Lock()
	t.hostFPS = fps
	t.mu.Unlock()
}

// SetCodecCaps updates the capability bitmap reported in CODEC_CAPS.
func (t *Transport) SetCodecCaps(bitmap uint8) {
	t.mu.Lock()
	t.codecCaps = bitmap
	t.mu.Unlock()
}

// SetCurrentMonitor updates the index reported current in MONITOR_LIST.
func (t *Transport) SetCurrentMonitor(index uint8) {
	t.mu.Lock()
	t.currentMon = index
	t.mu.Unlock()
}

// IsStreaming reports whether all five channels are open and the
// connection has not been marked stale.
func (t *Transport) IsStreaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// TakeNeedsKey atomically reads and clears the keyframe-request latch.
func (t *Transport) TakeNeedsKey() bool {
	return t.needsKey.Swap(false)
}

// SetRemote applies an inbound SDP. On an "offer" it kicks any existing
// peer, bumps the epoch, and builds a fresh PeerConnection before
// applying the description and generating a local answer.
func (t *Transport) SetRemote(sdp string, sdpType webrtc.SDPType) error {
	t.mu.Lock()
	if t.pc != nil && sdpType == webrtc.SDPTypeOffer {
		t.kickLocked()
		t.mu.Unlock()
		time.Sleep(kickDrainWait)
		t.resetConnection()
		t.mu.Lock()
	}

	t.epoch++
	epoch := t.epoch
	t.sessionID = uuid.New().String()

	pc, err := t.newPeerConnection()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.pc = pc
	t.channels = make(map[string]*webrtc.DataChannel)
	t.openCount = 0
	t.connected = false
	t.discFired = false
	t.localDescReady = make(chan struct{})
	t.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.handleIncomingChannel(dc, epoch)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug("transport: ICE state change", "state", state.String())
	})

	remote := webrtc.SessionDescription{Type: sdpType, SDP: sdp}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.gatherComplete = webrtc.GatheringCompletePromise(pc)
	t.mu.Unlock()

	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	close(t.localDescReady)
	return nil
}

// GetLocal waits briefly for a local description and for ICE gathering
// to complete, then returns whatever SDP is available. Some signaling
// clients require an explicit "a=setup:active" rather than the
// negotiated "a=setup:actpass"; that rewrite is applied here.
func (t *Transport) GetLocal() (string, error) {
	t.mu.Lock()
	ready := t.localDescReady
	pc := t.pc
	t.mu.Unlock()

	if pc == nil {
		return "", errors.New("transport: no peer connection")
	}

	select {
	case <-ready:
	case <-time.After(localDescWait):
	}

	t.mu.Lock()
	gatherComplete := t.gatherComplete
	t.mu.Unlock()
	if gatherComplete != nil {
		select {
		case <-gatherComplete:
		case <-time.After(iceGatherWait):
		}
	}

	desc := pc.LocalDescription()
	if desc == nil {
		return "", errors.New("transport: no local description")
	}
	sdp := strings.ReplaceAll(desc.SDP, "a=setup:actpass", "a=setup:active")
	return sdp, nil
}

// Shutdown closes the peer connection and every channel, and clears
// queued state.
func (t *Transport) Shutdown() {
	t.run.Store(false)
	t.statsWG.Wait()
	t.resetConnection()
}

// Send chunks and frames an encoded video frame, enqueues its packets,
// and attempts an immediate drain. Matches scheduler.TransportPort.
func (t *Transport) Send(frameID uint32, frame *core.EncodedFrame) {
	if t.stale() {
		t.resetConnection()
		t.fireDisconnected()
		return
	}
	if !t.IsStreaming() {
		return
	}

	packets, err := protocol.ChunkFrame(frameID, frame, protocol.DataChunkSize)
	if err != nil {
		t.logger.Warn("transport: chunking frame failed", "error", err)
		t.stats.videoErr.Add(1)
		return
	}

	wire := make([][]byte, len(packets))
	for i, p := range packets {
		wire[i] = encodeVideoPacket(p)
	}

	queueCap := 3 * len(packets)
	t.videoQueueMu.Lock()
	t.videoQueue = append(t.videoQueue, wire...)
	for len(t.videoQueue) > queueCap {
		t.videoQueue = t.videoQueue[1:]
		t.needsKey.Store(true)
	}
	t.videoQueueMu.Unlock()

	t.drainVideo()
}

// SendAudio sends or enqueues one Opus-encoded audio-channel packet.
func (t *Transport) SendAudio(timestampNS int64, samples uint16, opus []byte) {
	payload := protocol.EncodeAudioPacket(timestampNS, samples, opus)

	t.mu.Lock()
	dc := t.channels["audio"]
	t.mu.Unlock()
	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen && dc.BufferedAmount() <= audioBufferedLow {
		if err := dc.Send(payload); err != nil {
			t.stats.audioErr.Add(1)
			t.overflow.Add(1)
			t.needsKey.Store(true)
			return
		}
		t.stats.audioSent.Add(1)
		return
	}

	t.audioQueueMu.Lock()
	t.audioQueue = append(t.audioQueue, payload)
	for len(t.audioQueue) > audioQueueCap {
		t.audioQueue = t.audioQueue[1:]
	}
	t.audioQueueMu.Unlock()
}

func (t *Transport) stale() bool {
	last := t.lastPingNS.Load()
	if last == 0 {
		return false
	}
	stale := time.Since(time.Unix(0, last)) > staleAfter
	return stale || t.overflow.Load() >= overflowStaleLimit
}

func (t *Transport) fireDisconnected() {
	t.mu.Lock()
	already := t.discFired
	t.discFired = true
	t.mu.Unlock()
	if !already && t.handlers.OnDisconnected != nil {
		t.handlers.OnDisconnected()
	}
}

func (t *Transport) drainVideo() {
	t.mu.Lock()
	dc := t.channels["video"]
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	for {
		if dc.BufferedAmount() > videoBufferedLow {
			return
		}
		t.videoQueueMu.Lock()
		if len(t.videoQueue) == 0 {
			t.videoQueueMu.Unlock()
			return
		}
		next := t.videoQueue[0]
		t.videoQueue = t.videoQueue[1:]
		t.videoQueueMu.Unlock()

		if err := dc.Send(next); err != nil {
			t.stats.videoErr.Add(1)
			t.overflow.Add(1)
			t.needsKey.Store(true)
			return
		}
		t.stats.videoSent.Add(1)
	}
}

func (t *Transport) drainAudio() {
	t.mu.Lock()
	dc := t.channels["audio"]
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	for {
		if dc.BufferedAmount() > audioBufferedLow {
			return
		}
		t.audioQueueMu.Lock()
		if len(t.audioQueue) == 0 {
			t.audioQueueMu.Unlock()
			return
		}
		next := t.audioQueue[0]
		t.audioQueue = t.audioQueue[1:]
		t.audioQueueMu.Unlock()

		if err := dc.Send(next); err != nil {
			t.stats.audioErr.Add(1)
			return
		}
		t.stats.audioSent.Add(1)
	}
}

// handleIncomingChannel wires open/close/message handlers for one of
// the five expected channels. Events are tagged with the epoch this
// channel was created under; events from a stale epoch are logged and
// ignored.
func (t *Transport) handleIncomingChannel(dc *webrtc.DataChannel, epoch uint64) {
	label := dc.Label()
	valid := false
	for _, l := range channelLabels {
		if l == label {
			valid = true
			break
		}
	}
	if !valid {
		t.logger.Debug("transport: unexpected data channel label", "label", label)
		return
	}

	if label == "video" || label == "audio" {
		dc.SetBufferedAmountLowThreshold(videoBufferedLowFor(label))
		dc.OnBufferedAmountLow(func() {
			if label == "video" {
				t.drainVideo()
			} else {
				t.drainAudio()
			}
		})
	}

	dc.OnOpen(func() {
		t.onChannelOpen(label, dc, epoch)
	})
	dc.OnClose(func() {
		t.onChannelClose(label, epoch)
	})

	switch label {
	case "control":
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.dispatchControl(msg.Data)
		})
	case "input":
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.dispatchInput(msg.Data)
		})
	case "mic":
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.dispatchMic(msg.Data)
		})
	}
}

func videoBufferedLowFor(label string) uint64 {
	if label == "video" {
		return videoBufferedLow
	}
	return audioBufferedLow
}

func (t *Transport) onChannelOpen(label string, dc *webrtc.DataChannel, epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		t.logger.Debug("transport: channel open from stale epoch ignored", "label", label)
		return
	}
	t.channels[label] = dc
	t.openCount++
	allOpen := t.openCount == len(channelLabels)
	t.mu.Unlock()

	if !allOpen {
		return
	}

	t.mu.Lock()
	t.connected = true
	t.discFired = false
	hostFPS := t.hostFPS
	codecCaps := t.codecCaps
	currentMon := t.currentMon
	sessionID := t.sessionID
	var monitors []core.Monitor
	if t.monitors != nil {
		monitors = t.monitors.All()
	}
	t.mu.Unlock()

	t.needsKey.Store(true)
	t.lastPingNS.Store(time.Now().UnixNano())
	t.overflow.Store(0)
	t.stats.connections.Add(1)
	t.logger.Info("transport: peer connected", "session_id", sessionID, "epoch", epoch)

	t.sendControl(protocol.EncodeHostInfo(hostFPS))
	t.sendControl(protocol.EncodeCodecCaps(codecCaps))
	t.sendControl(protocol.EncodeMonitorList(monitors, currentMon))
	t.sendControl(protocol.EncodeVersion(t.version))

	if t.handlers.OnConnected != nil {
		t.handlers.OnConnected()
	}
}

func (t *Transport) onChannelClose(label string, epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		t.logger.Debug("transport: channel close from stale epoch ignored", "label", label)
		return
	}
	delete(t.channels, label)
	wasConnected := t.connected
	t.openCount = 0
	t.connected = false
	t.mu.Unlock()

	if wasConnected {
		t.fireDisconnected()
	}
}

func (t *Transport) sendControl(payload []byte) {
	t.mu.Lock()
	dc := t.channels["control"]
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := dc.Send(payload); err == nil {
		t.stats.ctrlOut.Add(1)
	}
}

func (t *Transport) dispatchControl(buf []byte) {
	t.stats.ctrlIn.Add(1)
	magicTag, body, err := protocol.DecodeMessage(buf)
	if err != nil {
		return
	}

	switch magicTag {
	case protocol.MagicPing:
		ping, err := protocol.DecodePing(body)
		if err != nil {
			return
		}
		t.lastPingNS.Store(time.Now().UnixNano())
		t.overflow.Store(0)
		t.sendControl(protocol.EncodePingEcho(ping.Nonce, core.Timestamp100ns()))

	case protocol.MagicFPSSet:
		f, err := protocol.DecodeFPSSet(body)
		if err != nil {
			return
		}
		effective := f.FPS
		if t.handlers.OnFPSChange != nil {
			effective = t.handlers.OnFPSChange(f.FPS, f.Mode == protocol.FPSModeFollowHost)
		}
		t.sendControl(protocol.EncodeFPSAck(effective, f.Mode))

	case protocol.MagicCodecSet:
		c, err := protocol.DecodeCodecSet(body)
		if err != nil {
			return
		}
		ok := true
		if t.handlers.OnCodecChange != nil {
			ok = t.handlers.OnCodecChange(c)
		}
		t.mu.Lock()
		if ok {
			t.currentCodec = c
		}
		effective := t.currentCodec
		t.mu.Unlock()
		if ok {
			t.needsKey.Store(true)
		}
		t.sendControl(protocol.EncodeCodecAck(effective))

	case protocol.MagicRequestKey:
		now := time.Now()
		last := t.lastKeyAccept.Load()
		if last == 0 || now.Sub(time.Unix(0, last)) >= keyframeAcceptEvery {
			t.lastKeyAccept.Store(now.UnixNano())
			t.needsKey.Store(true)
		}

	case protocol.MagicMonitorSet:
		idx, err := protocol.DecodeMonitorSet(body)
		if err != nil {
			return
		}
		ok := true
		if t.handlers.OnMonitorSwitch != nil {
			ok = t.handlers.OnMonitorSwitch(idx)
		}
		if !ok {
			return
		}
		t.needsKey.Store(true)
		t.mu.Lock()
		t.currentMon = idx
		hostFPS := t.hostFPS
		var monitors []core.Monitor
		if t.monitors != nil {
			monitors = t.monitors.All()
		}
		t.mu.Unlock()
		t.sendControl(protocol.EncodeMonitorList(monitors, idx))
		t.sendControl(protocol.EncodeHostInfo(hostFPS))

	case protocol.MagicClipboardData:
		data, err := protocol.DecodeClipboardData(body)
		if err != nil {
			return
		}
		if t.handlers.OnClipboardSet != nil {
			t.handlers.OnClipboardSet(data)
		}

	case protocol.MagicClipboardGet:
		var data []byte
		if t.handlers.OnClipboardGet != nil {
			data = t.handlers.OnClipboardGet()
		}
		t.sendControl(protocol.EncodeClipboardData(data))

	case protocol.MagicCursorCapture:
		enabled, err := protocol.DecodeBoolFlag(body)
		if err != nil {
			return
		}
		if t.handlers.OnCursorCapture != nil {
			t.handlers.OnCursorCapture(enabled)
		}

	case protocol.MagicAudioEnable:
		enabled, err := protocol.DecodeBoolFlag(body)
		if err != nil {
			return
		}
		if t.handlers.OnAudioEnable != nil {
			t.handlers.OnAudioEnable(enabled)
		}

	case protocol.MagicMicEnable:
		enabled, err := protocol.DecodeBoolFlag(body)
		if err != nil {
			return
		}
		if t.handlers.OnMicEnable != nil {
			t.handlers.OnMicEnable(enabled)
		}

	default:
		t.logger.Debug("transport: unknown control magic ignored")
	}
}

func (t *Transport) dispatchInput(buf []byte) {
	ev, err := protocol.DecodeInputEvent(buf)
	if err != nil || ev == nil {
		return
	}
	t.stats.inputIn.Add(1)
	if t.handlers.OnInputEvent != nil {
		t.handlers.OnInputEvent(ev)
	}
}

func (t *Transport) dispatchMic(buf []byte) {
	h, payload, ok := protocol.DecodeAudioPacket(buf)
	if !ok {
		return
	}
	t.stats.micIn.Add(1)
	if t.handlers.OnMicPacket != nil {
		t.handlers.OnMicPacket(h.TimestampNS, h.Samples, payload)
	}
}

// kickLocked best-effort sends MSG_KICKED on the control channel of
// the connection being replaced. Caller must hold t.mu.
func (t *Transport) kickLocked() {
	dc := t.channels["control"]
	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		_ = dc.Send(protocol.EncodeKicked())
	}
}

// resetConnection tears down the current peer connection and clears
// queues and connection state.
func (t *Transport) resetConnection() {
	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.channels = make(map[string]*webrtc.DataChannel)
	t.openCount = 0
	t.connected = false
	t.mu.Unlock()

	if pc != nil {
		pc.Close()
	}

	t.videoQueueMu.Lock()
	t.videoQueue = nil
	t.videoQueueMu.Unlock()

	t.audioQueueMu.Lock()
	t.audioQueue = nil
	t.audioQueueMu.Unlock()

	t.needsKey.Store(false)
	t.overflow.Store(0)
	t.lastPingNS.Store(0)
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
}

func encodeVideoPacket(p protocol.Packet) []byte {
	buf := p.Header.Encode()
	return append(buf, p.Payload...)
}

// SessionID returns the uuid assigned to the current connection
// attempt, set fresh on every SetRemote call. Used to correlate the
// debug stats feed and log lines across a reconnect.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Stats is a point-in-time snapshot of the per-second counters,
// exported for the debug/inspection endpoint.
type Stats struct {
	VideoSent, VideoErr uint64
	AudioSent, AudioErr uint64
	CtrlIn, CtrlOut     uint64
	InputIn             uint64
	MicIn               uint64
	Connections         uint64
	SessionID           string
	Connected           bool
}

// Snapshot reports the current counters without resetting them.
func (t *Transport) Snapshot() Stats {
	t.mu.Lock()
	sessionID := t.sessionID
	connected := t.connected
	t.mu.Unlock()
	return Stats{
		VideoSent:   t.stats.videoSent.Load(),
		VideoErr:    t.stats.videoErr.Load(),
		AudioSent:   t.stats.audioSent.Load(),
		AudioErr:    t.stats.audioErr.Load(),
		CtrlIn:      t.stats.ctrlIn.Load(),
		CtrlOut:     t.stats.ctrlOut.Load(),
		InputIn:     t.stats.inputIn.Load(),
		MicIn:       t.stats.micIn.Load(),
		Connections: t.stats.connections.Load(),
		SessionID:   sessionID,
		Connected:   connected,
	}
}

// statsLoop logs the per-second counters at most once per 60s.
func (t *Transport) statsLoop() {
	defer t.statsWG.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for t.run.Load() {
		<-ticker.C
		if !t.run.Load() {
			return
		}
		last := t.lastStatsLog.Load()
		if last != 0 && time.Since(time.Unix(0, last)) < statsLogEvery {
			continue
		}
		t.lastStatsLog.Store(time.Now().UnixNano())
		t.logger.Info("transport: stats",
			"videoSent", t.stats.videoSent.Load(), "videoErr", t.stats.videoErr.Load(),
			"audioSent", t.stats.audioSent.Load(), "audioErr", t.stats.audioErr.Load(),
			"ctrlIn", t.stats.ctrlIn.Load(), "ctrlOut", t.stats.ctrlOut.Load(),
			"inputIn", t.stats.inputIn.Load(), "micIn", t.stats.micIn.Load(),
			"connections", t.stats.connections.Load(),
		)
	}
}
