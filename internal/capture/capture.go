// Package capture owns the per-monitor capture session: a pool of
// GPU-backed textures, fence-based synchronization with the encoder,
// and the event-driven hand-off into a FrameSlot. Grounded on the
// connection-lifecycle idiom of the teacher's scrcpy/device session
// handling (start/stop, generation-gated callbacks, bounded drain on
// teardown), adapted from a socket-fed video session to a polled
// desktop-capture session.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/frameslot"
	"github.com/slipstream-rtc/server/internal/gpusync"
	"github.com/slipstream-rtc/server/internal/util"
)

// PoolSize is the number of pooled GPU textures Capture owns.
const PoolSize = 6

const findTexFenceWait = 4 * time.Millisecond
const drainTimeout = 500 * time.Millisecond

// ResolutionChangeFunc is invoked when the source resolution changes,
// so the pipeline can recreate the encoder.
type ResolutionChangeFunc func(width, height, fps int)

type poolEntry struct {
	texture       *core.Texture
	lastFence     uint64
}

// Capture owns the capture session for one monitor and a fixed texture
// pool shared with the FrameSlot hand-off.
type Capture struct {
	logger *slog.Logger

	monitors *core.MonitorSet
	slot     *frameslot.FrameSlot
	fence    *gpusync.GpuSync

	mu           sync.Mutex
	pool         [PoolSize]poolEntry
	monitorIndex int
	width        int
	height       int

	running      atomic.Bool
	capturing    atomic.Bool
	generation   atomic.Uint64
	fps          atomic.Int32
	inCallback   atomic.Int32
	cursorCapture atomic.Bool

	stopSource chan struct{}
	sourceWG   sync.WaitGroup

	onResolutionChange ResolutionChangeFunc
}

// New constructs a Capture bound to the given monitor set and
// FrameSlot, with a default (no modern fence probed) GpuSync. The
// fence is fixed at construction; Capture has no way to replace it.
func New(monitors *core.MonitorSet, slot *frameslot.FrameSlot, onResolutionChange ResolutionChangeFunc) *Capture {
	c := &Capture{
		logger:             util.GetLogger(),
		monitors:           monitors,
		slot:               slot,
		fence:              gpusync.New(false),
		onResolutionChange: onResolutionChange,
	}
	c.fps.Store(60)
	c.cursorCapture.Store(true)
	for i := range c.pool {
		c.pool[i].texture = &core.Texture{SlotIndex: i}
	}
	return c
}

// Start begins the capture session on the configured monitor. Idempotent.
func (c *Capture) Start() error {
	if c.running.Load() {
		return nil
	}
	c.mu.Lock()
	mon, ok := c.monitors.Get(c.monitorIndex)
	if !ok {
		c.mu.Unlock()
		return errNoSuchMonitor(c.monitorIndex)
	}
	c.width, c.height = mon.Width, mon.Height
	c.slot.Reset()
	for i := range c.pool {
		c.pool[i].lastFence = 0
	}
	c.mu.Unlock()

	c.running.Store(true)
	c.capturing.Store(true)
	c.startSourceLocked()
	return nil
}

// Pause stops delivering frame events without tearing down the session.
func (c *Capture) Pause() {
	c.capturing.Store(false)
}

// Resume resumes delivering frame events after Pause.
func (c *Capture) Resume() {
	if c.running.Load() {
		c.capturing.Store(true)
	}
}

// SwitchMonitor tears down the current session and re-initializes on
// monitorIndex, bumping the generation so in-flight frames are
// invalidated. Returns false on an invalid index.
func (c *Capture) SwitchMonitor(monitorIndex int) bool {
	mon, ok := c.monitors.Get(monitorIndex)
	if !ok {
		return false
	}

	c.mu.Lock()
	c.capturing.Store(false)
	newGen := c.generation.Add(1)
	c.mu.Unlock()

	c.slot.Wake()
	c.stopSourceLocked()
	c.drainCallbacks()

	c.mu.Lock()
	c.slot.Reset()
	c.slot.SetGeneration(newGen)
	c.monitorIndex = monitorIndex
	c.width, c.height = mon.Width, mon.Height
	for i := range c.pool {
		c.pool[i].lastFence = 0
	}
	fps := int(c.fps.Load())
	c.mu.Unlock()

	if c.onResolutionChange != nil {
		c.onResolutionChange(mon.Width, mon.Height, fps)
	}

	c.capturing.Store(true)
	c.startSourceLocked()
	return true
}

// SetFPS sets the capture pacing hint consumed by the scheduler; it
// does not affect the OS capture session itself.
func (c *Capture) SetFPS(n int) {
	if n < 1 {
		n = 1
	}
	if n > 240 {
		n = 240
	}
	c.fps.Store(int32(n))
}

// FPS returns the current pacing hint.
func (c *Capture) FPS() int { return int(c.fps.Load()) }

// RefreshHostFPS re-reads the OS refresh rate for the current monitor.
func (c *Capture) RefreshHostFPS() int {
	mon, ok := c.monitors.Get(c.monitorIndex)
	if !ok {
		return c.FPS()
	}
	return mon.RefreshHz
}

// SetCursorCapture toggles OS cursor compositing into captured frames.
func (c *Capture) SetCursorCapture(enabled bool) {
	c.cursorCapture.Store(enabled)
}

// Generation returns the current capture session generation.
func (c *Capture) Generation() uint64 { return c.generation.Load() }

// Fence returns the GPU fence this capture session signals, so a
// caller (the scheduler) can wait on it before submitting a frame to
// the encoder.
func (c *Capture) Fence() *gpusync.GpuSync { return c.fence }

// SetInitialMonitor sets the monitor index used on the next Start,
// without tearing down a running session. Callers switching monitors
// on a live session must use SwitchMonitor instead.
func (c *Capture) SetInitialMonitor(index int) {
	c.mu.Lock()
	c.monitorIndex = index
	c.mu.Unlock()
}

// Stop tears down the capture session entirely.
func (c *Capture) Stop() {
	c.running.Store(false)
	c.capturing.Store(false)
	c.slot.Wake()
	c.stopSourceLocked()
	c.drainCallbacks()
}

func (c *Capture) startSourceLocked() {
	c.stopSource = make(chan struct{})
	c.sourceWG.Add(1)
	go c.runSource(c.stopSource)
}

func (c *Capture) stopSourceLocked() {
	if c.stopSource != nil {
		close(c.stopSource)
		c.sourceWG.Wait()
		c.stopSource = nil
	}
}

// drainCallbacks waits for in-flight callbacks to finish, bounded by
// drainTimeout, matching the 500ms monitor-switch drain window.
func (c *Capture) drainCallbacks() {
	deadline := time.Now().Add(drainTimeout)
	for c.inCallback.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// runSource stands in for the OS's per-frame callback invocation; the
// corpus has no native desktop-capture source, so frames are produced
// on a ticker at the configured pacing rate. Every real invocation
// path runs through onFrameEvent, which implements the exact
// generation/lock/pool protocol an OS callback would be subject to.
func (c *Capture) runSource(stop chan struct{}) {
	defer c.sourceWG.Done()
	for {
		fps := c.FPS()
		if fps <= 0 {
			fps = 60
		}
		interval := time.Second / time.Duration(fps)
		select {
		case <-stop:
			return
		case <-time.After(interval):
			c.onFrameEvent()
		}
	}
}

// onFrameEvent implements the per-frame-event protocol.
func (c *Capture) onFrameEvent() {
	gen := c.generation.Load()
	c.inCallback.Add(1)
	defer c.inCallback.Add(-1)

	if !c.running.Load() || !c.capturing.Load() {
		return
	}

	c.mu.Lock()
	if !c.running.Load() || !c.capturing.Load() || c.generation.Load() != gen {
		c.mu.Unlock()
		return
	}

	slotIdx := c.findTex()
	if slotIdx < 0 {
		c.mu.Unlock()
		c.logger.Debug("capture: no free pool slot, dropping frame")
		return
	}

	fenceValue, needsSync := c.fence.Signal()
	c.pool[slotIdx].lastFence = fenceValue
	c.pool[slotIdx].texture.Width = c.width
	c.pool[slotIdx].texture.Height = c.height
	c.mu.Unlock()

	frame := &core.Frame{
		Texture:     c.pool[slotIdx].texture,
		TimestampNS: core.Timestamp100ns(),
		FenceValue:  fenceValue,
		SlotIndex:   slotIdx,
		NeedsSync:   needsSync,
		Generation:  gen,
	}
	c.slot.Push(frame)
}

// findTex implements the pool allocator: prefer a free, fence-complete
// slot; else any free slot after waiting briefly on its fence; else -1.
// Must be called with c.mu held.
func (c *Capture) findTex() int {
	for i := range c.pool {
		if c.slot.IsInFlight(i) {
			continue
		}
		if c.fence.Complete(c.pool[i].lastFence) {
			return i
		}
	}
	for i := range c.pool {
		if c.slot.IsInFlight(i) {
			continue
		}
		c.fence.Wait(c.pool[i].lastFence, findTexFenceWait)
		return i
	}
	return -1
}

type errNoSuchMonitor int

func (e errNoSuchMonitor) Error() string {
	return "capture: no such monitor index"
}
