package transport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/protocol"
)

// testClient drives a bare pion PeerConnection playing the peer/browser
// side: it creates the five data channels, offers, and records inbound
// control/video messages for assertions.
type testClient struct {
	pc       *webrtc.PeerConnection
	channels map[string]*webrtc.DataChannel

	mu      sync.Mutex
	opened  map[string]bool
	control [][]byte
	video   [][]byte
}

func newTestClient(t *testing.T) *testClient {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)

	c := &testClient{pc: pc, opened: make(map[string]bool), channels: make(map[string]*webrtc.DataChannel)}
	for _, label := range channelLabels {
		dc, err := pc.CreateDataChannel(label, nil)
		require.NoError(t, err)
		c.channels[label] = dc
		l := label
		dc.OnOpen(func() {
			c.mu.Lock()
			c.opened[l] = true
			c.mu.Unlock()
		})
		switch l {
		case "control":
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				c.mu.Lock()
				c.control = append(c.control, msg.Data)
				c.mu.Unlock()
			})
		case "video":
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				c.mu.Lock()
				c.video = append(c.video, msg.Data)
				c.mu.Unlock()
			})
		}
	}
	return c
}

func (c *testClient) allOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened) == len(channelLabels)
}

func (c *testClient) controlMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.control))
	copy(out, c.control)
	return out
}

func offerAndConnect(t *testing.T, client *testClient, tr *Transport) {
	offer, err := client.pc.CreateOffer(nil)
	require.NoError(t, err)

	gather := webrtc.GatheringCompletePromise(client.pc)
	require.NoError(t, client.pc.SetLocalDescription(offer))
	select {
	case <-gather:
	case <-time.After(2 * time.Second):
		t.Fatal("client ICE gathering did not complete")
	}

	require.NoError(t, tr.SetRemote(client.pc.LocalDescription().SDP, webrtc.SDPTypeOffer))
	answer, err := tr.GetLocal()
	require.NoError(t, err)

	require.NoError(t, client.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}))
}

func TestConnectLifecycleSendsControlHandshakeAndVideo(t *testing.T) {
	monitors := core.NewMonitorSet()
	monitors.Refresh([]core.Monitor{{Width: 1920, Height: 1080, RefreshHz: 60, Primary: true, FriendlyName: "Main"}})

	var connected atomic.Bool
	tr := New(nil, monitors, "1.0.0", Handlers{
		OnConnected: func() { connected.Store(true) },
	})
	tr.SetHostFPS(60)
	tr.SetCodecCaps(core.CapabilityBit(core.CodecH264))
	defer tr.Shutdown()

	client := newTestClient(t)
	defer client.pc.Close()

	offerAndConnect(t, client, tr)

	require.Eventually(t, client.allOpen, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected.Load, 5*time.Second, 10*time.Millisecond)
	require.True(t, tr.IsStreaming())
	require.True(t, tr.TakeNeedsKey())

	require.Eventually(t, func() bool {
		return len(client.controlMessages()) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	var sawVersion bool
	for _, m := range client.controlMessages() {
		magicTag, _, err := protocol.DecodeMessage(m)
		require.NoError(t, err)
		if magicTag == protocol.MagicVersion {
			sawVersion = true
		}
	}
	require.True(t, sawVersion)

	frame := &core.EncodedFrame{Data: make([]byte, 5000), IsKeyframe: true}
	tr.Send(1, frame)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.video) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionIDAssignedPerConnectAndStatsReflectTraffic(t *testing.T) {
	monitors := core.NewMonitorSet()
	monitors.Refresh([]core.Monitor{{Width: 1920, Height: 1080, RefreshHz: 60, Primary: true}})

	tr := New(nil, monitors, "1.0.0", Handlers{})
	tr.SetHostFPS(60)
	tr.SetCodecCaps(core.CapabilityBit(core.CodecH264))
	defer tr.Shutdown()

	require.Empty(t, tr.SessionID())

	client := newTestClient(t)
	defer client.pc.Close()
	offerAndConnect(t, client, tr)

	require.Eventually(t, client.allOpen, 5*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, tr.SessionID())

	before := tr.Snapshot()
	require.True(t, before.Connected)
	require.Equal(t, tr.SessionID(), before.SessionID)

	frame := &core.EncodedFrame{Data: make([]byte, 64), IsKeyframe: true}
	tr.Send(1, frame)

	require.Eventually(t, func() bool {
		return tr.Snapshot().VideoSent > before.VideoSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPingEchoesNonce(t *testing.T) {
	monitors := core.NewMonitorSet()
	tr := New(nil, monitors, "1.0.0", Handlers{})
	defer tr.Shutdown()

	client := newTestClient(t)
	defer client.pc.Close()

	offerAndConnect(t, client, tr)
	require.Eventually(t, client.allOpen, 5*time.Second, 10*time.Millisecond)

	var nonce [12]byte
	binary.LittleEndian.PutUint32(nonce[0:4], 0xdeadbeef)
	ping := append(append([]byte{}, protocol.MagicPing[:]...), nonce[:]...)
	require.NoError(t, client.channels["control"].Send(ping))

	require.Eventually(t, func() bool {
		for _, m := range client.controlMessages() {
			magicTag, body, err := protocol.DecodeMessage(m)
			if err == nil && magicTag == protocol.MagicPing && len(body) >= 12 {
				return string(body[:12]) == string(nonce[:])
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestKeyThrottled(t *testing.T) {
	monitors := core.NewMonitorSet()
	tr := New(nil, monitors, "1.0.0", Handlers{})
	defer tr.Shutdown()

	client := newTestClient(t)
	defer client.pc.Close()

	offerAndConnect(t, client, tr)
	require.Eventually(t, client.allOpen, 5*time.Second, 10*time.Millisecond)
	require.True(t, tr.TakeNeedsKey()) // consume the connect-time latch

	req := append([]byte{}, protocol.MagicRequestKey[:]...)
	require.NoError(t, client.channels["control"].Send(req))
	require.Eventually(t, tr.TakeNeedsKey, time.Second, 5*time.Millisecond)

	require.NoError(t, client.channels["control"].Send(req))
	time.Sleep(20 * time.Millisecond)
	require.False(t, tr.TakeNeedsKey(), "second request within 350ms should be throttled")
}
