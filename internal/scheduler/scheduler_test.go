package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/frameslot"
)

type fakeEncoder struct {
	mu    sync.Mutex
	calls []bool // forceKey per call
}

func (f *fakeEncoder) Encode(tex *core.Texture, ts int64, forceKey bool) (*core.EncodedFrame, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, forceKey)
	f.mu.Unlock()
	return &core.EncodedFrame{Data: []byte{1, 2, 3}, TimestampNS: ts, IsKeyframe: forceKey}, true
}
func (f *fakeEncoder) Flush()               {}
func (f *fakeEncoder) IsEncodeComplete() bool { return true }

type fakeTransport struct {
	streaming atomic.Bool
	needsKey  atomic.Bool
	sent      atomic.Int32
	lastFrame atomic.Pointer[core.EncodedFrame]
}

func (f *fakeTransport) IsStreaming() bool  { return f.streaming.Load() }
func (f *fakeTransport) TakeNeedsKey() bool { return f.needsKey.Swap(false) }
func (f *fakeTransport) Send(id uint32, frame *core.EncodedFrame) {
	f.sent.Add(1)
	f.lastFrame.Store(frame)
}

type noopFence struct{}

func (noopFence) Wait(value uint64, timeout time.Duration) bool { return true }

func TestKeyframeRequestForcesKeyAndSends(t *testing.T) {
	slot := frameslot.New()
	enc := &fakeEncoder{}
	tr := &fakeTransport{}
	tr.streaming.Store(true)
	tr.needsKey.Store(true)

	s := New(slot, noopFence{}, enc, tr, 60)
	s.SetEncoderReady(true)
	go s.Run()
	defer s.Stop()

	slot.Push(&core.Frame{Texture: &core.Texture{SlotIndex: 0}, TimestampNS: 1000})

	require.Eventually(t, func() bool { return tr.sent.Load() > 0 }, time.Second, time.Millisecond)
	f := tr.lastFrame.Load()
	require.True(t, f.IsKeyframe)
}

func TestFasterThanTargetFPSThrottlesToConfiguredRate(t *testing.T) {
	slot := frameslot.New()
	enc := &fakeEncoder{}
	tr := &fakeTransport{}
	tr.streaming.Store(true)

	const targetFPS = 5 // 200ms period
	s := New(slot, noopFence{}, enc, tr, targetFPS)
	s.SetEncoderReady(true)
	go s.Run()
	defer s.Stop()

	// Push frames far faster than the target rate: one every 10ms for
	// 300ms, i.e. roughly 30 arrivals against a 5fps (200ms) pace.
	deadline := time.Now().Add(300 * time.Millisecond)
	slotIdx := 0
	for time.Now().Before(deadline) {
		slot.Push(&core.Frame{
			Texture:     &core.Texture{SlotIndex: slotIdx % 4},
			TimestampNS: core.Timestamp100ns(),
		})
		slotIdx++
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	// At 5fps over ~300ms we expect on the order of 1-3 sends, never
	// anywhere close to the ~30 arrivals pushed above.
	require.Less(t, int(tr.sent.Load()), 5)
}

func TestNotStreamingDropsFrames(t *testing.T) {
	slot := frameslot.New()
	enc := &fakeEncoder{}
	tr := &fakeTransport{}

	s := New(slot, noopFence{}, enc, tr, 60)
	s.SetEncoderReady(true)
	go s.Run()
	defer s.Stop()

	slot.Push(&core.Frame{Texture: &core.Texture{SlotIndex: 0}, TimestampNS: 1000})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), tr.sent.Load())
}
